package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/aletorrado/wayfarer/pkg/catalog"
	"github.com/aletorrado/wayfarer/pkg/ollama"
	"github.com/aletorrado/wayfarer/pkg/recs"
	"github.com/aletorrado/wayfarer/pkg/users"
)

// recommendCount is the batch size the recommendations endpoint promises.
const recommendCount = 3

// ErrNoRecommendation reports that no recommendation could be extracted
// after the retry-and-pad policy ran out.
var ErrNoRecommendation = errors.New("no se pudo extraer ninguna recomendación de la respuesta del modelo")

// Recommend produces exactly recommendCount recommendations for the user.
// It runs the generation path with an internal prompt instead of the user's
// own words and never touches conversation history. If the first completion
// yields fewer distinct destinations than needed, it issues one extra
// completion excluding the destinations already found, then pads the batch
// by repeating the last entry. Zero extracted recommendations is an error,
// never an empty or short batch.
func (s *Service) Recommend(ctx context.Context, req TurnRequest) ([]recs.Recommendation, error) {
	if !s.llm.Available(ctx) {
		s.Reload()
		if !s.llm.Available(ctx) {
			return nil, errors.New(msgOffline)
		}
	}
	if req.UserID == "" {
		return nil, errors.New(msgUserRequired)
	}

	profile, err := s.users.GetProfile(ctx, req.UserID, req.Token)
	if errors.Is(err, users.ErrUnauthorized) {
		return nil, errors.New(msgUserNotFound)
	}
	if err != nil {
		s.log.Warn("continuing with default profile", "user_id", req.UserID, "error", err)
	}

	affordable, destJSON := s.affordableCatalog(ctx, profile)
	system, err := s.prompts.Build(s.config(), identityOf(profile), profile.Preferences, destJSON)
	if err != nil {
		return nil, fmt.Errorf("building system prompt: %w", err)
	}

	batch, err := s.extractBatch(ctx, system, recommendPrompt(req.Prompt, nil), req.UserID, affordable)
	if err != nil {
		return nil, err
	}

	if len(batch) < recommendCount {
		found := lo.Map(batch, func(r recs.Recommendation, _ int) string { return r.DestinationID })
		more, err := s.extractBatch(ctx, system, recommendPrompt(req.Prompt, found), req.UserID, affordable)
		if err != nil {
			s.log.Warn("follow-up completion failed, padding with what we have", "error", err)
		}
		batch = lo.UniqBy(append(batch, more...), func(r recs.Recommendation) string {
			return r.DestinationID
		})
	}

	if len(batch) == 0 {
		return nil, ErrNoRecommendation
	}
	return recs.PadToCount(batch, recommendCount), nil
}

func (s *Service) extractBatch(ctx context.Context, system, internal, userID string, affordable []catalog.Destination) ([]recs.Recommendation, error) {
	reply, err := s.llm.Chat(ctx, []ollama.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: internal},
	})
	if err != nil {
		return nil, fmt.Errorf("completion failed: %w", err)
	}
	return s.extract.Extract(reply, userID, affordable).Recommendations, nil
}

// recommendPrompt builds the internal instruction demanding a structured
// batch. exclude lists destination ids already found in a prior completion.
func recommendPrompt(topic string, exclude []string) string {
	var b strings.Builder
	b.WriteString("Genera exactamente 3 recomendaciones de destinos distintos para mí. ")
	b.WriteString("Responde cada una con su marcador GENERAR_RECOMENDACION_JSON en una línea separada.")
	if topic = strings.TrimSpace(topic); topic != "" {
		b.WriteString(" Ten en cuenta: ")
		b.WriteString(topic)
	}
	if len(exclude) > 0 {
		b.WriteString(" No repitas los destinos con estos id: ")
		b.WriteString(strings.Join(exclude, ", "))
		b.WriteString(".")
	}
	return b.String()
}
