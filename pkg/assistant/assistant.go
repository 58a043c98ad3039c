// Package assistant is the turn-level orchestrator. It validates input,
// checks the model runtime, resolves the user, routes between the acceptance
// and generation branches, and persists conversation history.
package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/aletorrado/wayfarer/pkg/catalog"
	"github.com/aletorrado/wayfarer/pkg/config"
	"github.com/aletorrado/wayfarer/pkg/history"
	"github.com/aletorrado/wayfarer/pkg/ollama"
	"github.com/aletorrado/wayfarer/pkg/prompt"
	"github.com/aletorrado/wayfarer/pkg/recs"
	"github.com/aletorrado/wayfarer/pkg/users"
)

// Attempts for the full generation branch. The completion driver retries its
// own calls below this bound; after both budgets are spent the turn fails.
const turnAttempts = 2

// User-facing messages. The assistant speaks Spanish regardless of the
// caller's locale.
const (
	msgEmptyPrompt   = "El prompt no puede estar vacío."
	msgOffline       = "El módulo NLP está fuera de línea."
	msgUserRequired  = "userId es requerido para consultas NLP."
	msgUserNotFound  = "Usuario no autorizado o no encontrado."
	msgExhausted     = "No se pudo procesar tu solicitud. Intenta más tarde."
	msgScheduled     = "Excelente. He agendado tu viaje. Que lo disfrutes."
	msgNothingCached = "No hay ninguna recomendación reciente para agendar. ¿Te gustaría que te sugiera algo?"
	msgBrokenCached  = "Lo siento, hubo un error al procesar tu aceptación. Intenta nuevamente."
	msgAcceptConn    = "Lo siento, no pude procesar tu aceptación debido a un error de conexión."
	msgAcceptStatus  = "Lo siento, hubo un problema al procesar tu aceptación"
	msgAcceptOther   = "Lo siento, ocurrió un error inesperado al procesar tu aceptación."
)

// acceptanceRe matches affirmative Spanish utterances that confirm the last
// recommendation. "sí" carries its own boundaries because \b in Go regexp is
// ASCII-only and does not see í as a word character.
var acceptanceRe = regexp.MustCompile(
	`(?i)\b(aceptar|si|ok|confirmar|perfecto|excelente)\b|(^|[^\p{L}])sí([^\p{L}]|$)|\bagend[a-z]*\b|\b(usa mis datos|registra en mi agenda|guardalo)\b`)

// preferenceMarkersRe strips leftover preference-setting markers from the
// reply shown to the user.
var preferenceMarkersRe = regexp.MustCompile(`preference_set:\S*`)

// TurnRequest is one user utterance plus the credential it arrived with.
type TurnRequest struct {
	Prompt string
	UserID string
	Token  string
}

// TurnResult is the structured outcome of a turn. Errors are part of the
// result, never a panic or a bare error to the transport layer: a non-empty
// Err marks the turn failed and Response still carries the user-facing text.
type TurnResult struct {
	Response string
	UserName string
	Command  string
	Err      string
}

func (r TurnResult) Failed() bool { return r.Err != "" }

// Service wires every collaborator of a turn. It is constructed once at
// process start and shared across requests; it holds no per-turn state
// besides the cache and history store, which manage their own concurrency.
type Service struct {
	llm     *ollama.Client
	users   *users.Client
	catalog *catalog.Client
	recs    *recs.Client
	cache   *recs.Cache
	store   *history.Store
	prompts prompt.Assembler
	extract *recs.Extractor
	log     *slog.Logger

	mu      sync.RWMutex
	cfg     *config.Config
	cfgPath string
}

func New(cfg *config.Config, cfgPath string) (*Service, error) {
	store, err := history.NewStore(cfg.History.Dir)
	if err != nil {
		return nil, fmt.Errorf("opening history store: %w", err)
	}
	return &Service{
		llm:     ollama.New(cfg.Runtime.Host, cfg.Model),
		users:   users.New(cfg.Services.PreferencesBase),
		catalog: catalog.New(cfg.Services.CatalogBase),
		recs:    recs.NewClient(cfg.Services.RecommendationsBase, cfg.Services.AgendaBase, nil),
		cache:   recs.NewCache(),
		store:   store,
		extract: recs.NewExtractor(nil),
		log:     slog.With("component", "assistant"),
		cfg:     cfg,
		cfgPath: cfgPath,
	}, nil
}

// Online reports whether the model runtime is reachable and configured.
func (s *Service) Online(ctx context.Context) bool {
	return s.llm.Available(ctx)
}

// EnsureRuntime starts the model runtime as a child process when it is not
// already reachable. Returns true once the runtime answers.
func (s *Service) EnsureRuntime(ctx context.Context) bool {
	return s.llm.EnsureServer(ctx)
}

// Reload re-reads configuration from disk and points the completion driver
// at the (possibly changed) model. Used when the runtime check fails, so a
// corrected config takes effect without a restart.
func (s *Service) Reload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfgPath != "" {
		cfg, err := config.Load(s.cfgPath)
		if err != nil {
			s.log.Error("config reload failed, keeping current config", "error", err)
		} else {
			s.cfg = cfg
		}
	}
	s.llm.Reload(s.cfg.Model)
}

func (s *Service) config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Close releases the completion driver, stopping any runtime process it
// started.
func (s *Service) Close() {
	s.llm.Close()
}

// Respond processes one turn end to end.
func (s *Service) Respond(ctx context.Context, req TurnRequest) TurnResult {
	turnID := uuid.NewString()
	s.log.Info("turn started", "turn_id", turnID, "user_id", req.UserID)

	res := s.respond(ctx, req)
	if res.Failed() {
		s.log.Warn("turn failed", "turn_id", turnID, "error", res.Err)
	} else {
		s.log.Info("turn completed", "turn_id", turnID, "command", res.Command != "")
	}
	return res
}

func (s *Service) respond(ctx context.Context, req TurnRequest) TurnResult {
	input := strings.TrimSpace(req.Prompt)
	if input == "" {
		return TurnResult{Response: msgEmptyPrompt, Err: msgEmptyPrompt}
	}

	if !s.llm.Available(ctx) {
		s.log.Warn("runtime unreachable, reloading once")
		s.Reload()
		if !s.llm.Available(ctx) {
			return TurnResult{Response: msgOffline, Err: msgOffline}
		}
	}

	if req.UserID == "" {
		return TurnResult{Response: msgUserRequired, Err: msgUserRequired}
	}

	profile, err := s.users.GetProfile(ctx, req.UserID, req.Token)
	if errors.Is(err, users.ErrUnauthorized) {
		return TurnResult{Response: msgUserNotFound, Err: msgUserNotFound}
	}
	if err != nil {
		s.log.Warn("continuing with default profile", "user_id", req.UserID, "error", err)
	}

	if acceptanceRe.MatchString(input) {
		s.log.Info("acceptance phrase detected", "user_id", req.UserID)
		return s.accept(ctx, req, profile)
	}
	return s.generate(ctx, req, input, profile)
}

// accept resolves the cached last recommendation and drives the two-step
// commit: mark it accepted, then post an agenda entry for tomorrow. The two
// calls are not transactional; a schedule failure after a successful accept
// leaves the recommendation accepted but unscheduled, and the user is told
// only that the acceptance failed. Acceptance never touches conversation
// history.
func (s *Service) accept(ctx context.Context, req TurnRequest, profile *users.Profile) TurnResult {
	last, ok := s.cache.Get(req.UserID)
	if !ok {
		s.log.Warn("nothing cached to schedule", "user_id", req.UserID)
		return TurnResult{Response: msgNothingCached, UserName: profile.Name}
	}
	if last.ID == "" {
		s.log.Error("cached recommendation has no server id", "user_id", req.UserID)
		return TurnResult{Response: msgBrokenCached, UserName: profile.Name, Err: "recomendación en caché sin identificador"}
	}

	if err := s.recs.Accept(ctx, last.ID, req.Token); err != nil {
		return s.acceptFailure(profile, err)
	}
	entry, err := s.recs.Schedule(ctx, req.UserID, last.DestinationID, req.Token)
	if err != nil {
		return s.acceptFailure(profile, err)
	}

	payload, _ := json.Marshal(entry)
	return TurnResult{
		Response: msgScheduled,
		UserName: profile.Name,
		Command:  "AGENDA_RECOMMENDATION:" + string(payload),
	}
}

func (s *Service) acceptFailure(profile *users.Profile, err error) TurnResult {
	s.log.Error("acceptance failed", "error", err)
	var statusErr *recs.StatusError
	switch {
	case errors.Is(err, recs.ErrConnection):
		return TurnResult{Response: msgAcceptConn, UserName: profile.Name}
	case errors.As(err, &statusErr):
		return TurnResult{
			Response: fmt.Sprintf("%s: %d", msgAcceptStatus, statusErr.Code),
			UserName: profile.Name,
		}
	case errors.Is(err, recs.ErrStatus):
		return TurnResult{Response: msgAcceptStatus, UserName: profile.Name}
	default:
		return TurnResult{Response: msgAcceptOther, UserName: profile.Name}
	}
}

// generate runs the normal prompt-completion-extraction path. On success the
// turn appends exactly two history entries, the user utterance and the
// assistant reply. The system prompt is rebuilt every turn and never stored.
func (s *Service) generate(ctx context.Context, req TurnRequest, input string, profile *users.Profile) TurnResult {
	s.log.Debug("generating with user context",
		"user_id", profile.UserID, "preferences", profile.PreferencesText)

	affordable, destJSON := s.affordableCatalog(ctx, profile)

	system, err := s.prompts.Build(s.config(), identityOf(profile), profile.Preferences, destJSON)
	if err != nil {
		s.log.Error("system prompt build failed", "error", err)
		return TurnResult{Response: msgExhausted, UserName: profile.Name, Err: err.Error()}
	}

	unlock := s.store.Lock(req.UserID)
	defer unlock()
	hist := s.store.Load(req.UserID)

	for attempt := 1; attempt <= turnAttempts; attempt++ {
		messages := make([]ollama.Message, 0, len(hist)+2)
		messages = append(messages, ollama.Message{Role: "system", Content: system})
		for _, m := range hist {
			messages = append(messages, ollama.Message{Role: m.Role, Content: m.Content})
		}
		messages = append(messages, ollama.Message{Role: "user", Content: input})

		reply, err := s.llm.Chat(ctx, messages)
		if err != nil {
			s.log.Error("completion failed", "attempt", attempt, "error", err)
			if attempt == turnAttempts {
				return TurnResult{Response: msgExhausted, UserName: profile.Name, Err: msgExhausted}
			}
			continue
		}

		command := s.handleRecommendations(ctx, req, reply, affordable)

		hist = append(hist,
			history.Message{Role: "user", Content: input},
			history.Message{Role: "assistant", Content: reply},
		)
		if err := s.store.Save(req.UserID, hist); err != nil {
			s.log.Error("history save failed", "user_id", req.UserID, "error", err)
		}

		response := recs.StripMarkers(reply)
		response = strings.TrimSpace(preferenceMarkersRe.ReplaceAllString(response, ""))
		return TurnResult{Response: response, UserName: profile.Name, Command: command}
	}

	return TurnResult{Response: msgExhausted, UserName: profile.Name, Err: msgExhausted}
}

// handleRecommendations extracts recommendations from the reply, submits the
// first one and refreshes the per-user cache. Extraction problems never fail
// the turn. Returns the command string for downstream integrations, empty
// when the reply carried no usable recommendation.
func (s *Service) handleRecommendations(ctx context.Context, req TurnRequest, reply string, affordable []catalog.Destination) string {
	res := s.extract.Extract(reply, req.UserID, affordable)
	if len(res.Recommendations) == 0 {
		return ""
	}

	rec := res.Recommendations[0]
	id, err := s.recs.Save(ctx, rec, req.Token)
	if err != nil {
		s.log.Error("recommendation submit failed", "user_id", req.UserID, "error", err)
		return res.Command
	}
	rec.ID = id
	s.cache.Put(req.UserID, rec)

	command := res.Command
	if command == "" {
		// Prose fallback produced the recommendation; synthesize the
		// marker so downstream consumers see a uniform command format.
		raw, _ := json.Marshal(rec)
		command = "GENERAR_RECOMENDACION_JSON: " + string(raw)
	}
	return command
}

func identityOf(p *users.Profile) prompt.Identity {
	return prompt.Identity{
		UserID:      p.UserID,
		Name:        p.Name,
		Email:       p.Email,
		Username:    p.Username,
		Permissions: p.Permissions,
	}
}

// affordableCatalog loads the destinations the user can afford. Without a
// price ceiling the prompt advertises no destinations, but the prose
// fallback may still match against the full active catalog.
func (s *Service) affordableCatalog(ctx context.Context, profile *users.Profile) ([]catalog.Destination, string) {
	ceiling, ok := profile.PriceCeiling()
	if !ok {
		ceiling = math.Inf(1)
	}
	affordable, err := s.catalog.ByMaxPrice(ctx, ceiling)
	if err != nil {
		s.log.Error("catalog fetch failed", "error", err)
		return nil, "[]"
	}
	if !ok {
		return affordable, "[]"
	}
	return affordable, catalog.ToJSON(affordable)
}
