package recs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSaveReturnsServerID(t *testing.T) {
	var got Recommendation
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/recomendaciones-ia" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer tok" {
			t.Errorf("authorization = %q", auth)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Fatalf("bad payload: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"id": "rec-77"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/api", srv.URL+"/api", nil)
	id, err := c.Save(context.Background(), Recommendation{DestinationID: "d-1", UserID: "u", Type: TypePreferenceBased}, "tok")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if id != "rec-77" {
		t.Errorf("id = %q", id)
	}
	if got.DestinationID != "d-1" {
		t.Errorf("sent destinationId = %q", got.DestinationID)
	}
}

func TestSaveRefusesEmptyDestination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not have been sent")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL, nil)
	if _, err := c.Save(context.Background(), Recommendation{UserID: "u"}, ""); err == nil {
		t.Fatal("expected an error for empty destinationId")
	}
}

func TestAcceptPatchesRecommendation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || r.URL.Path != "/recomendaciones-ia/rec-5" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		var patch map[string]bool
		json.Unmarshal(body, &patch)
		if !patch["aceptada"] {
			t.Errorf("patch = %v", patch)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL, nil)
	if err := c.Accept(context.Background(), "rec-5", "tok"); err != nil {
		t.Fatalf("Accept: %v", err)
	}
}

func TestScheduleBuildsPendingEntry(t *testing.T) {
	var got AgendaEntry
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/agenda" {
			t.Errorf("path = %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL, nil)
	fixed := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	entry, err := c.Schedule(context.Background(), "u-1", "d-1", "tok")
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if got.Status != "PENDING" || got.UserID != "u-1" || got.DestinationID != "d-1" {
		t.Errorf("unexpected entry: %+v", got)
	}
	want := fixed.Add(24 * time.Hour).Format(time.RFC3339)
	if got.ScheduledAt != want {
		t.Errorf("scheduledAt = %q, want %q", got.ScheduledAt, want)
	}
	if entry.ScheduledAt != want {
		t.Errorf("returned entry scheduledAt = %q", entry.ScheduledAt)
	}
}

func TestErrorCategories(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.URL, nil)
	err := c.Accept(context.Background(), "rec-1", "")
	if !errors.Is(err, ErrStatus) {
		t.Errorf("expected ErrStatus, got %v", err)
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusForbidden {
		t.Errorf("expected a StatusError carrying 403, got %v", err)
	}

	down := NewClient("http://127.0.0.1:1", "http://127.0.0.1:1", nil)
	if err := down.Accept(context.Background(), "rec-1", ""); !errors.Is(err, ErrConnection) {
		t.Errorf("expected ErrConnection, got %v", err)
	}
}

func TestCacheReplacesPerUser(t *testing.T) {
	c := NewCache()
	if _, ok := c.Get("u"); ok {
		t.Fatal("empty cache returned a value")
	}
	c.Put("u", Recommendation{DestinationID: "d-1", ID: "rec-1"})
	c.Put("u", Recommendation{DestinationID: "d-2", ID: "rec-2"})
	c.Put("other", Recommendation{DestinationID: "d-9", ID: "rec-9"})

	got, ok := c.Get("u")
	if !ok || got.ID != "rec-2" {
		t.Fatalf("expected latest entry, got %+v ok=%v", got, ok)
	}
	if other, _ := c.Get("other"); other.ID != "rec-9" {
		t.Errorf("cross-user entry clobbered: %+v", other)
	}
}
