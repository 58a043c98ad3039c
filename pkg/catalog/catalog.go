// Package catalog reads the external destination inventory. The catalog is
// read-only from this process; filtering happens client-side.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/samber/lo"
)

// Destination is one catalog record in the service's wire format.
type Destination struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Location    string  `json:"location"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Price       float64 `json:"precio"`
	Category    string  `json:"category"`
	Active      bool    `json:"status"`
	CreatedAt   string  `json:"createdAt"`
	UpdatedAt   string  `json:"updatedAt"`
}

type Client struct {
	base string
	http *http.Client
	log  *slog.Logger
}

func New(base string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{},
		log:  slog.With("component", "catalog"),
	}
}

// All fetches every destination record.
func (c *Client) All(ctx context.Context) ([]Destination, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/destinations", nil)
	if err != nil {
		return nil, fmt.Errorf("create destinations request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch destinations: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("fetch destinations (status %d): %s", resp.StatusCode, body)
	}

	var dests []Destination
	if err := json.NewDecoder(resp.Body).Decode(&dests); err != nil {
		return nil, fmt.Errorf("decode destinations: %w", err)
	}
	return dests, nil
}

// ByMaxPrice returns active destinations at or under the given price
// ceiling.
func (c *Client) ByMaxPrice(ctx context.Context, maxPrice float64) ([]Destination, error) {
	all, err := c.All(ctx)
	if err != nil {
		return nil, err
	}
	affordable := lo.Filter(all, func(d Destination, _ int) bool {
		return d.Active && d.Price <= maxPrice
	})
	c.log.Debug("filtered destinations by budget",
		"total", len(all), "affordable", len(affordable), "max_price", maxPrice)
	return affordable, nil
}

// FindByName returns the destination with an exact name match, used by the
// prose-fallback extraction path.
func FindByName(dests []Destination, name string) (Destination, bool) {
	return lo.Find(dests, func(d Destination) bool {
		return d.Name == name
	})
}

// ToJSON renders a destination list as the compact JSON array embedded in
// the system prompt.
func ToJSON(dests []Destination) string {
	data, err := json.Marshal(dests)
	if err != nil {
		return "[]"
	}
	return string(data)
}
