package recs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Failure categories for calls against the recommendation and agenda
// services. Callers branch on these with errors.Is to choose a user-facing
// message; anything not wrapped in one of them is an unexpected failure.
var (
	ErrConnection = errors.New("recommendation service unreachable")
	ErrStatus     = errors.New("recommendation service rejected the request")
)

// StatusError is an ErrStatus carrying the response details, so callers can
// surface the status code to the user.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrStatus }

// AgendaEntry is the payload accepted by the agenda service.
type AgendaEntry struct {
	UserID        string `json:"userId"`
	DestinationID string `json:"destinationId"`
	ScheduledAt   string `json:"scheduledAt"`
	Status        string `json:"status"`
}

// Client talks to the external recommendation and agenda services.
type Client struct {
	recsBase   string
	agendaBase string
	http       *http.Client
	log        *slog.Logger
	now        func() time.Time
}

func NewClient(recsBase, agendaBase string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		recsBase:   strings.TrimRight(recsBase, "/"),
		agendaBase: strings.TrimRight(agendaBase, "/"),
		http:       &http.Client{Timeout: 15 * time.Second},
		log:        log.With("component", "recs"),
		now:        time.Now,
	}
}

// Save submits a recommendation and returns the identifier the service
// assigned to it. A recommendation without a destination is never sent.
func (c *Client) Save(ctx context.Context, rec Recommendation, token string) (string, error) {
	if rec.DestinationID == "" {
		return "", fmt.Errorf("recommendation has no destinationId")
	}
	body, err := c.call(ctx, http.MethodPost, c.recsBase+"/recomendaciones-ia", rec, token)
	if err != nil {
		return "", err
	}
	var saved struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &saved); err != nil {
		return "", fmt.Errorf("decoding saved recommendation: %w", err)
	}
	c.log.Info("recommendation saved", "id", saved.ID, "destination", rec.DestinationID)
	return saved.ID, nil
}

// Accept marks a previously saved recommendation as accepted.
func (c *Client) Accept(ctx context.Context, recommendationID, token string) error {
	patch := map[string]bool{"aceptada": true}
	_, err := c.call(ctx, http.MethodPatch, c.recsBase+"/recomendaciones-ia/"+recommendationID, patch, token)
	return err
}

// Schedule books a destination on the user's agenda for tomorrow at the
// same time, in PENDING state. There is no compensating transaction: if
// this fails after Accept succeeded, the recommendation stays accepted.
func (c *Client) Schedule(ctx context.Context, userID, destinationID, token string) (AgendaEntry, error) {
	entry := AgendaEntry{
		UserID:        userID,
		DestinationID: destinationID,
		ScheduledAt:   c.now().Add(24 * time.Hour).UTC().Format(time.RFC3339),
		Status:        "PENDING",
	}
	if _, err := c.call(ctx, http.MethodPost, c.agendaBase+"/agenda", entry, token); err != nil {
		return AgendaEntry{}, err
	}
	c.log.Info("trip scheduled", "destination", destinationID, "at", entry.ScheduledAt)
	return entry, nil
}

func (c *Client) call(ctx context.Context, method, url string, payload any, token string) ([]byte, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrConnection, method, url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{
			Method: method,
			URL:    url,
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(body)),
		}
	}
	return body, nil
}
