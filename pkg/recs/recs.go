// Package recs owns the recommendation lifecycle: extracting candidate
// recommendations from model output, submitting them to the external
// recommendation service, remembering the most recent one per user, and
// promoting an accepted recommendation into an agenda entry.
package recs

import (
	gocache "github.com/patrickmn/go-cache"
)

// Type tags mirror the recommendation service's vocabulary.
const (
	TypePreferenceBased = "basado_en_preferencias"
	TypeCategoryBased   = "basado_en_categoria"
	TypeBudgetBased     = "basado_en_presupuesto"
)

// Recommendation is one destination suggestion in the service's wire format.
// ID is assigned by the service on save and is required before acceptance.
type Recommendation struct {
	DestinationID string `json:"destinationId"`
	UserID        string `json:"userId"`
	Type          string `json:"tipo"`
	Accepted      bool   `json:"aceptada"`
	ID            string `json:"recommendation_id,omitempty"`
}

// Cache holds the single most recent recommendation per user. Writes replace
// the prior entry for that key; entries never expire and are not persisted,
// so the cache is empty after a restart. Concurrent turns for the same user
// are last-write-wins.
type Cache struct {
	c *gocache.Cache
}

func NewCache() *Cache {
	return &Cache{c: gocache.New(gocache.NoExpiration, 0)}
}

func (c *Cache) Put(userID string, rec Recommendation) {
	c.c.Set(userID, rec, gocache.NoExpiration)
}

func (c *Cache) Get(userID string) (Recommendation, bool) {
	v, ok := c.c.Get(userID)
	if !ok {
		return Recommendation{}, false
	}
	return v.(Recommendation), true
}

// PadToCount forces a recommendation batch to exactly n entries: extra
// entries are truncated and a short batch is padded by repeating its last
// element. Padding duplicates data on purpose — callers that require a fixed
// count prefer a repeated suggestion over a short reply. Swap or disable
// this function to change that policy; extraction is unaffected.
func PadToCount(in []Recommendation, n int) []Recommendation {
	if len(in) == 0 || n <= 0 {
		return nil
	}
	if len(in) >= n {
		return in[:n]
	}
	out := make([]Recommendation, 0, n)
	out = append(out, in...)
	for len(out) < n {
		out = append(out, in[len(in)-1])
	}
	return out
}
