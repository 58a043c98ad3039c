package prompt

import (
	"strings"
	"testing"

	"github.com/aletorrado/wayfarer/pkg/config"
)

func TestSafeValue_Nil(t *testing.T) {
	if got := SafeValue(nil); got != "No disponible" {
		t.Errorf("SafeValue(nil) = %q", got)
	}
}

func TestSafeValue_EmptyString(t *testing.T) {
	if got := SafeValue(""); got != "No disponible" {
		t.Errorf("SafeValue(\"\") = %q", got)
	}
}

func TestSafeValue_StructuredValues(t *testing.T) {
	if got := SafeValue([]any{"playa", "montaña"}); got != `["playa","montaña"]` {
		t.Errorf("slice = %q", got)
	}
	if got := SafeValue(map[string]any{"nivel": "alto"}); got != `{"nivel":"alto"}` {
		t.Errorf("map = %q", got)
	}
	if got := SafeValue(true); got != "true" {
		t.Errorf("bool = %q", got)
	}
	if got := SafeValue(150.0); got != "150" {
		t.Errorf("number = %q", got)
	}
}

func TestSafeValue_EscapesBraces(t *testing.T) {
	if got := SafeValue("abre {llave} cierra"); got != "abre {{llave}} cierra" {
		t.Errorf("escaped = %q", got)
	}
}

func TestSafeValue_EscapingIsIdempotent(t *testing.T) {
	once := SafeValue("valor con {braces} sueltas")
	twice := SafeValue(once)
	if once != twice {
		t.Errorf("second application changed the value: %q -> %q", once, twice)
	}
}

func TestSafeValue_ValidJSONPassesThrough(t *testing.T) {
	in := `[{"id":"d1","name":"Cartagena"}]`
	if got := SafeValue(in); got != in {
		t.Errorf("JSON was altered: %q", got)
	}
}

func TestSafeValue_StripsNonPrintable(t *testing.T) {
	if got := SafeValue("hola\x00\x07mundo\n"); got != "holamundo\n" {
		t.Errorf("stripped = %q", got)
	}
}

func TestBuild_SubstitutesAllPlaceholders(t *testing.T) {
	cfg := config.DefaultConfig()
	a := &Assembler{}

	out, err := a.Build(cfg, Identity{
		UserID:   "u1",
		Name:     "Laura",
		Email:    "laura@example.com",
		Username: "laura",
	}, map[string]any{
		"destino_favorito":   "Cartagena",
		"preferencia_precio": 500,
	}, `[{"id":"d1","name":"Cartagena"}]`)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if strings.Contains(out, "{user_name}") || strings.Contains(out, "{destino_favorito}") {
		t.Error("placeholders left unsubstituted")
	}
	if !strings.Contains(out, "Laura") {
		t.Error("user name not injected")
	}
	if !strings.Contains(out, "KODI") {
		t.Error("assistant name not injected")
	}
	if !strings.Contains(out, `[{"id":"d1","name":"Cartagena"}]`) {
		t.Error("destination list not injected verbatim")
	}
	// Absent preferences render as the fixed token, never crash.
	if !strings.Contains(out, "No disponible") {
		t.Error("absent preferences should render as No disponible")
	}
	// Doubled braces in the template render as literal single braces.
	if !strings.Contains(out, `{"destinationId"`) {
		t.Error("marker example lost its literal braces")
	}
}

func TestBuild_MissingRequiredConfigKeyFails(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Assistant.Name = ""

	_, err := (&Assembler{}).Build(cfg, Identity{UserID: "u1"}, nil, "")
	if err == nil {
		t.Fatal("expected fatal error for missing assistant name")
	}
}

func TestBuild_UnknownPlaceholderFails(t *testing.T) {
	cfg := config.DefaultConfig()
	a := &Assembler{Template: "hola {assistant_name} {no_such_field}"}

	_, err := a.Build(cfg, Identity{UserID: "u1"}, nil, "")
	if err == nil || !strings.Contains(err.Error(), "no_such_field") {
		t.Fatalf("expected unknown placeholder error, got %v", err)
	}
}

func TestBuild_ValueCannotInjectPlaceholder(t *testing.T) {
	cfg := config.DefaultConfig()
	a := &Assembler{Template: "nombre: {user_name} idioma: {language} asistente: {assistant_name}"}

	out, err := a.Build(cfg, Identity{UserID: "u1", Name: "{language}"}, nil, "")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	// The injected value renders as the literal text, not a substitution.
	if !strings.Contains(out, "nombre: {language}") {
		t.Errorf("value was re-expanded: %q", out)
	}
}
