// Package users resolves user identity and stored travel preferences from
// the external preference service.
package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
)

const unknownName = "Desconocido"

// ErrUnauthorized reports that the preference service rejected the caller's
// identity outright. It is distinct from a degraded fetch, where the caller
// may proceed with a default profile.
var ErrUnauthorized = errors.New("user not authorized or not found")

// Profile is one user's identity plus a flat view of stored preferences.
// PreferencesText is a readable "clave: valor" rendering for logs and
// diagnostics; Preferences holds the raw values for prompt substitution.
type Profile struct {
	UserID          string
	Name            string
	Email           string
	Username        string
	Permissions     string
	Preferences     map[string]any
	PreferencesText string
}

// Client fetches profiles from the preference service. Results are never
// cached: preferences are read fresh every turn.
type Client struct {
	base string
	http *http.Client
	log  *slog.Logger
}

func New(base string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{},
		log:  slog.With("component", "users"),
	}
}

// preferenceRecord mirrors the service's wire format. The endpoint returns
// an array; only the first element is meaningful.
type preferenceRecord struct {
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
	User struct {
		Email    string `json:"email"`
		Username string `json:"username"`
	} `json:"user"`
	DestinationName string   `json:"destinationName"`
	Location        string   `json:"location"`
	Category        string   `json:"category"`
	Price           *float64 `json:"precio"`
	Unliked         string   `json:"unliked"`
	TravelerTypes   []string `json:"travelerTypes"`
	TravelingWith   string   `json:"travelingWith"`
	TravelDuration  string   `json:"travelDuration"`
	Activities      []string `json:"activities"`
	PlaceTypes      []string `json:"placeTypes"`
	Budget          string   `json:"budget"`
	Transport       string   `json:"transport"`
}

// GetProfile resolves the identity and preferences for userID. A fetch that
// fails or returns no records still yields a usable default profile; the
// caller decides whether an unresolved identity is fatal for the turn.
func (c *Client) GetProfile(ctx context.Context, userID, token string) (*Profile, error) {
	p := &Profile{
		UserID:      userID,
		Name:        unknownName,
		Preferences: map[string]any{},
	}

	url := fmt.Sprintf("%s/user-preferences/preferences/%s", c.base, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return p, fmt.Errorf("create preferences request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Error("preference fetch failed, using defaults", "user_id", userID, "error", err)
		return p, fmt.Errorf("fetch preferences: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		c.log.Error("preference fetch returned error status",
			"user_id", userID, "status", resp.StatusCode, "body", string(body))
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return p, fmt.Errorf("%w (status %d)", ErrUnauthorized, resp.StatusCode)
		}
		return p, fmt.Errorf("fetch preferences (status %d)", resp.StatusCode)
	}

	var records []preferenceRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		c.log.Error("could not decode preferences, using defaults", "user_id", userID, "error", err)
		return p, fmt.Errorf("decode preferences: %w", err)
	}
	if len(records) == 0 {
		c.log.Warn("no preference records for user, using defaults", "user_id", userID)
		return p, nil
	}

	first := records[0]
	if first.Profile.Name != "" {
		p.Name = first.Profile.Name
	}
	p.Email = first.User.Email
	p.Username = first.User.Username

	set := func(key string, v any) {
		switch vv := v.(type) {
		case string:
			if vv == "" {
				return
			}
		case []string:
			if len(vv) == 0 {
				return
			}
			anyV := make([]any, len(vv))
			for i, s := range vv {
				anyV[i] = s
			}
			v = anyV
		case *float64:
			if vv == nil {
				return
			}
			v = *vv
		}
		p.Preferences[key] = v
	}

	set("destino_favorito", first.DestinationName)
	set("ubicacion_favorita", first.Location)
	set("categoria_favorita", first.Category)
	set("preferencia_precio", first.Price)
	set("no_le_gusta", first.Unliked)
	set("travelerTypes", first.TravelerTypes)
	set("travelingWith", first.TravelingWith)
	set("travelDuration", first.TravelDuration)
	set("activities", first.Activities)
	set("placeTypes", first.PlaceTypes)
	set("budget", first.Budget)
	set("transport", first.Transport)

	p.PreferencesText = renderPreferences(p.Preferences)
	c.log.Info("preferences loaded", "user_id", userID, "fields", len(p.Preferences))
	return p, nil
}

// PriceCeiling returns the user's configured budget ceiling, if any.
func (p *Profile) PriceCeiling() (float64, bool) {
	v, ok := p.Preferences["preferencia_precio"]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

func renderPreferences(prefs map[string]any) string {
	parts := make([]string, 0, len(prefs))
	for k, v := range prefs {
		parts = append(parts, fmt.Sprintf("%s: %v", k, v))
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}
