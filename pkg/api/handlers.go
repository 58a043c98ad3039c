package api

import (
	"net/http"

	"github.com/aletorrado/wayfarer/pkg/assistant"
	"github.com/aletorrado/wayfarer/pkg/recs"
)

type nlpRequest struct {
	Prompt string `json:"prompt"`
	UserID string `json:"userId"`
}

type queryResponse struct {
	Response   string `json:"response"`
	Command    string `json:"command,omitempty"`
	UserName   string `json:"user_name,omitempty"`
	UserID     string `json:"userId"`
	PromptSent string `json:"prompt_sent"`
}

type recommendationsResponse struct {
	Recommendations []recs.Recommendation `json:"recommendations"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req nlpRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "cuerpo de la petición inválido"})
		return
	}

	res := s.svc.Respond(r.Context(), assistant.TurnRequest{
		Prompt: req.Prompt,
		UserID: req.UserID,
		Token:  tokenFrom(r.Context()),
	})
	if res.Failed() {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: res.Err})
		return
	}
	writeJSON(w, http.StatusOK, queryResponse{
		Response:   res.Response,
		Command:    res.Command,
		UserName:   res.UserName,
		UserID:     req.UserID,
		PromptSent: req.Prompt,
	})
}

func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	var req nlpRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "cuerpo de la petición inválido"})
		return
	}

	batch, err := s.svc.Recommend(r.Context(), assistant.TurnRequest{
		Prompt: req.Prompt,
		UserID: req.UserID,
		Token:  tokenFrom(r.Context()),
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, recommendationsResponse{Recommendations: batch})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := "online"
	if !s.svc.Online(r.Context()) {
		status = "offline"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}
