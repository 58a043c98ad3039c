package recs

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	"github.com/samber/lo"

	"github.com/aletorrado/wayfarer/pkg/catalog"
)

// Source identifies which grammar alternative produced a candidate.
type Source string

const (
	SourceMarker Source = "marker"
	SourceFenced Source = "fenced"
	SourceBare   Source = "bare"
	SourceProse  Source = "prose"
)

// Candidate is one extraction attempt and its fate. Discarded candidates are
// kept for logging; they never reach the recommendation service.
type Candidate struct {
	Source    Source
	Raw       string
	Rec       Recommendation
	Discarded bool
	Reason    string
}

// Result is the outcome of scanning one model response.
type Result struct {
	// Recommendations are the accepted candidates, deduplicated by
	// destination keeping the first occurrence, with UserID forced to the
	// requesting user.
	Recommendations []Recommendation
	// Command is the raw text of the first structured match, suitable for
	// forwarding verbatim to a downstream executor.
	Command string
	// Candidates records every attempt, accepted or not.
	Candidates []Candidate
}

var (
	markerRe  = regexp.MustCompile(`(?is)GENERAR_RECOMENDACION_JSON:\s*(\{.*?\})`)
	fencedRe  = regexp.MustCompile("(?is)```json\\s*(\\{.*?\\})\\s*```")
	bareRe    = regexp.MustCompile(`(?s)\{[^{}]*"destinationId"[^{}]*\}`)
	destinoRe = regexp.MustCompile(`(?i)\*\*Destino:\*\*\s*([^\n*]+)`)
)

// required keys a structured candidate must carry before it is trusted.
var requiredKeys = []string{"destinationId", "userId", "tipo", "aceptada"}

// Extractor pulls recommendations out of free-form model text. The grammar
// is a fixed list of alternatives tried in order of reliability: the
// explicit marker, then a fenced json block, then any bare JSON object
// mentioning destinationId, and finally a prose fallback that matches a
// bolded destination name against the affordable catalog. Every structured
// hit is validated; the prose alternative only fires when no structured
// alternative produced anything.
type Extractor struct {
	Log *slog.Logger
}

func NewExtractor(log *slog.Logger) *Extractor {
	if log == nil {
		log = slog.Default()
	}
	return &Extractor{Log: log.With("component", "extractor")}
}

// Extract scans text for recommendations aimed at userID. affordable is the
// catalog already filtered to the user's budget; it grounds the prose
// fallback so a hallucinated destination name is rejected instead of saved.
func (e *Extractor) Extract(text, userID string, affordable []catalog.Destination) Result {
	var res Result

	for _, m := range markerRe.FindAllStringSubmatch(text, -1) {
		e.structured(&res, SourceMarker, m[0], m[1], userID)
	}
	for _, m := range fencedRe.FindAllStringSubmatch(text, -1) {
		e.structured(&res, SourceFenced, m[0], m[1], userID)
	}
	if !hasAccepted(res.Candidates) {
		for _, m := range bareRe.FindAllString(text, -1) {
			e.structured(&res, SourceBare, m, m, userID)
		}
	}
	if !hasAccepted(res.Candidates) {
		e.prose(&res, text, userID, affordable)
	}

	accepted := lo.FilterMap(res.Candidates, func(c Candidate, _ int) (Recommendation, bool) {
		return c.Rec, !c.Discarded
	})
	res.Recommendations = lo.UniqBy(accepted, func(r Recommendation) string {
		return r.DestinationID
	})
	return res
}

func (e *Extractor) structured(res *Result, src Source, raw, payload, userID string) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		e.discard(res, src, raw, "invalid JSON: "+err.Error())
		return
	}
	for _, k := range requiredKeys {
		if _, ok := fields[k]; !ok {
			e.discard(res, src, raw, "missing required field "+k)
			return
		}
	}
	var rec Recommendation
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		e.discard(res, src, raw, "malformed fields: "+err.Error())
		return
	}
	if rec.DestinationID == "" {
		e.discard(res, src, raw, "empty destinationId")
		return
	}
	// Never trust the model's idea of who is asking.
	rec.UserID = userID
	res.Candidates = append(res.Candidates, Candidate{Source: src, Raw: raw, Rec: rec})
	if res.Command == "" {
		res.Command = strings.TrimSpace(raw)
	}
}

func (e *Extractor) prose(res *Result, text, userID string, affordable []catalog.Destination) {
	m := destinoRe.FindStringSubmatch(text)
	if m == nil {
		return
	}
	name := strings.TrimSpace(m[1])
	dest, ok := catalog.FindByName(affordable, name)
	if !ok {
		e.discard(res, SourceProse, m[0], "destination not in affordable catalog: "+name)
		return
	}
	res.Candidates = append(res.Candidates, Candidate{
		Source: SourceProse,
		Raw:    m[0],
		Rec: Recommendation{
			DestinationID: dest.ID,
			UserID:        userID,
			Type:          TypePreferenceBased,
			Accepted:      false,
		},
	})
}

func (e *Extractor) discard(res *Result, src Source, raw, reason string) {
	e.Log.Warn("discarding recommendation candidate", "source", src, "reason", reason)
	res.Candidates = append(res.Candidates, Candidate{Source: src, Raw: raw, Discarded: true, Reason: reason})
}

func hasAccepted(cs []Candidate) bool {
	return lo.SomeBy(cs, func(c Candidate) bool { return !c.Discarded })
}

var (
	stripMarkerRe = regexp.MustCompile(`(?is)GENERAR_RECOMENDACION_JSON:\s*\{.*?\}`)
	stripFenceRe  = regexp.MustCompile("(?is)```json\\s*\\{.*?\\}\\s*```")
	stripTailRe   = regexp.MustCompile(`(?m)\n-{3,}\s*$`)
	blankRunRe    = regexp.MustCompile(`\n{3,}`)
)

// StripMarkers removes machine-facing fragments from a model response so
// only conversational text reaches the user. If stripping would leave
// nothing, the original text is returned untouched rather than a blank
// reply.
func StripMarkers(text string) string {
	out := stripMarkerRe.ReplaceAllString(text, "")
	out = stripFenceRe.ReplaceAllString(out, "")
	out = stripTailRe.ReplaceAllString(out, "")
	out = blankRunRe.ReplaceAllString(out, "\n\n")
	out = strings.TrimSpace(out)
	if out == "" {
		return text
	}
	return out
}
