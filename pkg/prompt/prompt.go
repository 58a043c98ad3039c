// Package prompt assembles the per-turn system instruction from an embedded
// template. Placeholders use the {name} form; substituted values pass through
// a safe formatter so model- or user-supplied text can never introduce new
// placeholders into the template.
package prompt

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/aletorrado/wayfarer/pkg/config"
)

//go:embed template.txt
var systemTemplate string

const notAvailable = "No disponible"

var placeholderRe = regexp.MustCompile(`\{([a-z_]+)\}`)

// requiredKeys must come from configuration; an empty value here is a fatal
// configuration error rather than something to paper over with a default.
var requiredKeys = map[string]bool{
	"assistant_name": true,
	"language":       true,
}

// Identity is the resolved user identity injected into the prompt.
type Identity struct {
	UserID      string
	Name        string
	Email       string
	Username    string
	Permissions string
}

// Assembler renders the system prompt. The zero value uses the embedded
// template; tests may override Template.
type Assembler struct {
	Template string
}

// Build substitutes every placeholder in the template. Preference values may
// be of any shape the preference service returns (strings, numbers, lists,
// maps); each one is rendered through SafeValue.
func (a *Assembler) Build(cfg *config.Config, id Identity, prefs map[string]any, destinationsJSON string) (string, error) {
	tmpl := a.Template
	if tmpl == "" {
		tmpl = systemTemplate
	}

	now := time.Now().In(cfg.Location())
	values := map[string]string{
		"assistant_name":         cfg.Assistant.Name,
		"language":               cfg.Assistant.Language,
		"user_id":                SafeValue(id.UserID),
		"user_name":              SafeValue(id.Name),
		"user_email":             SafeValue(id.Email),
		"user_username":          SafeValue(id.Username),
		"user_permissions":       SafeValue(id.Permissions),
		"current_date":           humanDate(now),
		"current_time":           now.Format("15:04"),
		"current_country":        countryFromTimezone(cfg.Assistant.Timezone),
		"destino_favorito":       SafeValue(prefs["destino_favorito"]),
		"ubicacion_favorita":     SafeValue(prefs["ubicacion_favorita"]),
		"categoria_favorita":     SafeValue(prefs["categoria_favorita"]),
		"no_le_gusta":            SafeValue(prefs["no_le_gusta"]),
		"preferencia_precio":     SafeValue(prefs["preferencia_precio"]),
		"traveler_types":         SafeValue(prefs["travelerTypes"]),
		"traveling_with":         SafeValue(prefs["travelingWith"]),
		"travel_duration":        SafeValue(prefs["travelDuration"]),
		"activities":             SafeValue(prefs["activities"]),
		"place_types":            SafeValue(prefs["placeTypes"]),
		"budget":                 SafeValue(prefs["budget"]),
		"transport":              SafeValue(prefs["transport"]),
		"available_destinations": SafeValue(destinationsJSON),
	}

	for key, required := range requiredKeys {
		if required && strings.TrimSpace(values[key]) == "" {
			return "", fmt.Errorf("prompt: required configuration key %q is empty", key)
		}
	}

	var missing []string
	out := substitute(tmpl, func(name string) (string, bool) {
		v, ok := values[name]
		if !ok {
			missing = append(missing, name)
			return "", false
		}
		return v, true
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", fmt.Errorf("prompt: template references unknown placeholders: %s", strings.Join(missing, ", "))
	}

	// Doubled braces — whether template literals or escaping applied by
	// SafeValue — render as single braces, mirroring the template grammar.
	out = strings.ReplaceAll(out, "{{", "{")
	out = strings.ReplaceAll(out, "}}", "}")
	return out, nil
}

// substitute replaces {name} placeholders, leaving doubled braces alone so
// they survive until the final unescape pass.
func substitute(tmpl string, lookup func(string) (string, bool)) string {
	var b strings.Builder
	i := 0
	for i < len(tmpl) {
		ch := tmpl[i]
		if (ch == '{' || ch == '}') && i+1 < len(tmpl) && tmpl[i+1] == ch {
			b.WriteByte(ch)
			b.WriteByte(ch)
			i += 2
			continue
		}
		if ch == '{' {
			if m := placeholderRe.FindStringSubmatchIndex(tmpl[i:]); m != nil && m[0] == 0 {
				name := tmpl[i+m[2] : i+m[3]]
				if v, ok := lookup(name); ok {
					b.WriteString(v)
				}
				i += m[1]
				continue
			}
		}
		b.WriteByte(ch)
		i++
	}
	return b.String()
}

// SafeValue renders an arbitrary value for template substitution. Structured
// values become compact JSON; absent values become a fixed token; literal
// template delimiters are escaped exactly once; non-printable characters are
// stripped except common whitespace.
func SafeValue(v any) string {
	switch vv := v.(type) {
	case nil:
		return notAvailable
	case bool:
		if vv {
			return "true"
		}
		return "false"
	case time.Time:
		return vv.Format(time.RFC3339)
	case map[string]any:
		if data, err := json.Marshal(vv); err == nil {
			return string(data)
		}
		parts := make([]string, 0, len(vv))
		for k, item := range vv {
			parts = append(parts, fmt.Sprintf("%s: %s", k, SafeValue(item)))
		}
		sort.Strings(parts)
		return strings.Join(parts, ", ")
	case []any:
		if data, err := json.Marshal(vv); err == nil {
			return string(data)
		}
		parts := make([]string, 0, len(vv))
		for _, item := range vv {
			parts = append(parts, SafeValue(item))
		}
		return strings.Join(parts, ", ")
	case string:
		if vv == "" {
			return notAvailable
		}
		return safeString(vv)
	default:
		return safeString(fmt.Sprintf("%v", vv))
	}
}

func safeString(s string) string {
	// Strings that are themselves valid JSON objects or arrays pass through
	// untouched so an embedded destination list stays machine-readable.
	trimmed := strings.TrimSpace(s)
	if (strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}")) ||
		(strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]")) {
		if json.Valid([]byte(trimmed)) {
			return s
		}
	}
	return stripNonPrintable(escapeBraces(s))
}

// escapeBraces doubles every template delimiter that is not already part of
// a doubled pair, which makes the escape idempotent: escaping an
// already-escaped string changes nothing.
func escapeBraces(s string) string {
	var b bytes.Buffer
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == '{' || ch == '}' {
			b.WriteByte(ch)
			b.WriteByte(ch)
			if i+1 < len(s) && s[i+1] == ch {
				i++
			}
			continue
		}
		b.WriteByte(ch)
	}
	return b.String()
}

func stripNonPrintable(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= 32 || r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		return -1
	}, s)
}

var spanishMonths = [...]string{
	"enero", "febrero", "marzo", "abril", "mayo", "junio",
	"julio", "agosto", "septiembre", "octubre", "noviembre", "diciembre",
}

var spanishDays = [...]string{
	"domingo", "lunes", "martes", "miércoles", "jueves", "viernes", "sábado",
}

func humanDate(t time.Time) string {
	return fmt.Sprintf("%s, %d de %s de %d",
		spanishDays[int(t.Weekday())], t.Day(), spanishMonths[int(t.Month())-1], t.Year())
}

// countryFromTimezone derives a human location label from an IANA timezone
// name. Unknown zones fall back to the city segment of the identifier.
func countryFromTimezone(tz string) string {
	known := map[string]string{
		"America/Bogota":       "Colombia",
		"America/Mexico_City":  "México",
		"America/Lima":         "Perú",
		"America/Santiago":     "Chile",
		"America/Buenos_Aires": "Argentina",
		"America/Caracas":      "Venezuela",
		"America/Guayaquil":    "Ecuador",
		"Europe/Madrid":        "España",
		"UTC":                  "UTC",
	}
	if c, ok := known[tz]; ok {
		return c
	}
	if idx := strings.LastIndex(tz, "/"); idx >= 0 {
		return strings.ReplaceAll(tz[idx+1:], "_", " ")
	}
	return tz
}
