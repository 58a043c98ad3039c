package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/aletorrado/wayfarer/pkg/config"
)

func testModel() config.ModelConfig {
	return config.ModelConfig{
		Name:        "qwen2.5:3b-instruct",
		Temperature: 0.7,
		MaxTokens:   200,
	}
}

func streamBody(parts ...string) string {
	out := ""
	for _, p := range parts {
		out += fmt.Sprintf(`{"message":{"content":%q},"done":false}`+"\n", p)
	}
	out += `{"message":{"content":""},"done":true}` + "\n"
	return out
}

func TestChat_AccumulatesStreamDeltas(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, streamBody("Hola, ", "te recomiendo ", "Cartagena."))
	}))
	defer server.Close()

	c := New(server.URL, testModel())
	got, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hola"}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got != "Hola, te recomiendo Cartagena." {
		t.Errorf("accumulated content = %q", got)
	}
}

func TestChat_RetriesOnEmptyThenSucceeds(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			fmt.Fprint(w, streamBody())
			return
		}
		fmt.Fprint(w, streamBody("segunda vez"))
	}))
	defer server.Close()

	c := New(server.URL, testModel())
	got, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hola"}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 attempts, got %d", calls)
	}
	if got != "segunda vez" {
		t.Errorf("content = %q", got)
	}
}

func TestChat_ExhaustedAfterTwoFailures(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "model overloaded", http.StatusInternalServerError)
	}))
	defer server.Close()

	c := New(server.URL, testModel())
	_, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hola"}})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if calls != chatAttempts {
		t.Errorf("expected %d attempts, got %d", chatAttempts, calls)
	}
}

func TestChat_NonEmptyContentIsNeverRetried(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, streamBody("respuesta equivocada pero no vacía"))
	}))
	defer server.Close()

	c := New(server.URL, testModel())
	if _, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hola"}}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected a single attempt, got %d", calls)
	}
}

func TestChat_MidStreamRuntimeError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":"model not loaded"}`+"\n")
	}))
	defer server.Close()

	c := New(server.URL, testModel())
	_, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hola"}})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}

func TestAvailable_ModelPresent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"models":[{"name":"llama3"},{"name":"qwen2.5:3b-instruct"}]}`)
	}))
	defer server.Close()

	c := New(server.URL, testModel())
	if !c.Available(context.Background()) {
		t.Error("expected runtime to be available")
	}
}

func TestAvailable_ModelMissing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"models":[{"name":"llama3"}]}`)
	}))
	defer server.Close()

	c := New(server.URL, testModel())
	if c.Available(context.Background()) {
		t.Error("expected unavailable when the model is not installed")
	}
}

func TestAvailable_InvalidOptions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"models":[{"name":"qwen2.5:3b-instruct"}]}`)
	}))
	defer server.Close()

	model := testModel()
	model.Temperature = 1.8
	if New(server.URL, model).Available(context.Background()) {
		t.Error("expected unavailable with out-of-range temperature")
	}

	model = testModel()
	model.MaxTokens = 0
	if New(server.URL, model).Available(context.Background()) {
		t.Error("expected unavailable with zero max_tokens")
	}
}

func TestReload_SafeDuringConcurrentChats(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			fmt.Fprint(w, `{"models":[{"name":"qwen2.5:3b-instruct"}]}`)
		default:
			fmt.Fprint(w, streamBody("ok"))
		}
	}))
	defer server.Close()

	c := New(server.URL, testModel())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if _, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hola"}}); err != nil {
					t.Errorf("Chat: %v", err)
					return
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 20; j++ {
			model := testModel()
			model.Temperature = float64(j%10) / 10
			c.Reload(model)
		}
	}()
	wg.Wait()
}

func TestAvailable_Unreachable(t *testing.T) {
	c := New("http://127.0.0.1:1", testModel())
	if c.Available(context.Background()) {
		t.Error("expected unavailable when the runtime is unreachable")
	}
}
