// Package api exposes the assistant over HTTP: the NLP query and
// recommendation endpoints plus a status probe.
package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/aletorrado/wayfarer/pkg/assistant"
)

type contextKey string

const tokenKey contextKey = "bearer-token"

// Server routes HTTP requests into the assistant service.
type Server struct {
	svc *assistant.Service
	log *slog.Logger
}

func NewServer(svc *assistant.Service) *Server {
	return &Server{svc: svc, log: slog.With("component", "api")}
}

// Router builds the full route tree. The NLP endpoints require a bearer
// token; the status probe does not.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/status", s.handleStatus)
	r.Route("/nlp", func(r chi.Router) {
		r.Use(s.bearerAuth)
		r.Post("/query", s.handleQuery)
		r.Post("/recommendations", s.handleRecommendations)
	})
	return r
}

// Serve runs the HTTP server until ctx is cancelled, then drains in-flight
// requests before returning.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("gateway listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s.log.Info("gateway shutting down")
	return srv.Shutdown(shutdownCtx)
}

// bearerAuth rejects requests without a well-formed bearer credential and
// stashes the token for the handlers. The token is never validated here;
// downstream services verify it on every call.
func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Token de autenticación Bearer no proporcionado o inválido.",
			})
			return
		}
		token := strings.TrimPrefix(auth, "Bearer ")
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tokenKey, token)))
	})
}

func tokenFrom(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey).(string)
	return token
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", chimw.GetReqID(r.Context()),
		)
	})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response failed", "error", err)
	}
}
