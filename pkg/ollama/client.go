// Package ollama drives a locally hosted Ollama runtime: availability
// checks, optional server supervision, and streaming chat completions with a
// bounded retry budget.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/aletorrado/wayfarer/pkg/config"
)

const (
	// chatAttempts bounds the retry loop inside Chat. An empty accumulated
	// response and any transport or HTTP error are retryable; non-empty text
	// is final even when semantically wrong.
	chatAttempts = 2

	serveStartRetries = 30
	serveStartDelay   = time.Second
)

// ErrExhausted is returned once the retry budget is spent without a
// non-empty completion. Callers must not retry further within the same turn.
var ErrExhausted = errors.New("ollama: retries exhausted without a response")

// Message is one chat turn in the runtime's wire format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client talks to one Ollama runtime instance.
type Client struct {
	host string
	http *http.Client
	log  *slog.Logger

	// mu guards model: Reload swaps it while completions for other turns
	// are in flight.
	mu    sync.RWMutex
	model config.ModelConfig

	serve *exec.Cmd
}

func New(host string, model config.ModelConfig) *Client {
	return &Client{
		host:  strings.TrimRight(host, "/"),
		model: model,
		// No client timeout: a streaming completion holds the connection
		// open for the duration of generation.
		http: &http.Client{},
		log:  slog.With("component", "ollama"),
	}
}

// Reload swaps the model options and reports whether the runtime is
// reachable with the new configuration.
func (c *Client) Reload(model config.ModelConfig) bool {
	c.mu.Lock()
	c.model = model
	c.mu.Unlock()
	online := c.Available(context.Background())
	if online {
		c.log.Info("runtime reloaded and online", "model", model.Name)
	} else {
		c.log.Warn("runtime reloaded but offline", "model", model.Name)
	}
	return online
}

// Available reports whether the runtime answers and the configured model is
// installed. Option bounds are checked here as well so a misconfigured
// deployment fails its availability probe instead of its first turn.
func (c *Client) Available(ctx context.Context) bool {
	model := c.modelSnapshot()
	if model.Temperature < 0 || model.Temperature > 1 {
		c.log.Error("model temperature out of range", "temperature", model.Temperature)
		return false
	}
	if model.MaxTokens <= 0 {
		c.log.Error("model max_tokens must be positive", "max_tokens", model.MaxTokens)
		return false
	}

	models, err := c.listModels(ctx)
	if err != nil {
		c.log.Warn("runtime unreachable", "host", c.host, "error", err)
		return false
	}
	for _, name := range models {
		if name == model.Name {
			return true
		}
	}
	c.log.Error("configured model not installed on runtime",
		"model", model.Name, "available", strings.Join(models, ", "))
	return false
}

// modelSnapshot returns a consistent copy of the model options for one call.
func (c *Client) modelSnapshot() config.ModelConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.model
}

func (c *Client) listModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.host+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("list models failed (status %d): %s", resp.StatusCode, body)
	}

	var payload struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode model list: %w", err)
	}
	names := make([]string, 0, len(payload.Models))
	for _, m := range payload.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// EnsureServer starts "ollama serve" as a child process when the runtime is
// not already reachable, then polls until it answers or the retry budget
// runs out. Returns true when the runtime ends up reachable.
func (c *Client) EnsureServer(ctx context.Context) bool {
	if _, err := c.listModels(ctx); err == nil {
		c.log.Info("runtime already running", "host", c.host)
		return true
	}

	cmd := exec.Command("ollama", "serve")
	if err := cmd.Start(); err != nil {
		c.log.Error("could not start ollama serve", "error", err)
		return false
	}
	c.serve = cmd
	c.log.Info("started ollama serve in the background", "pid", cmd.Process.Pid)

	for attempt := 0; attempt < serveStartRetries; attempt++ {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(serveStartDelay):
		}
		if _, err := c.listModels(ctx); err == nil {
			c.log.Info("runtime connection established")
			return true
		}
	}
	c.log.Error("runtime did not become reachable after starting the server")
	return false
}

// Close terminates a server process started by EnsureServer, if any.
func (c *Client) Close() {
	if c.serve == nil || c.serve.Process == nil {
		return
	}
	c.log.Info("terminating ollama serve process", "pid", c.serve.Process.Pid)
	_ = c.serve.Process.Kill()
	_ = c.serve.Wait()
	c.serve = nil
}

// options builds the Ollama option map from one model snapshot. Optional
// knobs are only forwarded when set so the runtime's own defaults apply
// otherwise.
func options(model config.ModelConfig) map[string]any {
	opts := map[string]any{
		"temperature": model.Temperature,
		"num_predict": model.MaxTokens,
	}
	if model.TopP != 0 {
		opts["top_p"] = model.TopP
	}
	if model.TopK != 0 {
		opts["top_k"] = model.TopK
	}
	if model.RepeatPenalty != 0 {
		opts["repeat_penalty"] = model.RepeatPenalty
	}
	if model.NumCtx != 0 {
		opts["num_ctx"] = model.NumCtx
	}
	return opts
}

// Chat sends the message list to the runtime in streaming mode and
// accumulates the content deltas into one string. Content correctness is out
// of scope here: any non-empty text is a success.
func (c *Client) Chat(ctx context.Context, messages []Message) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= chatAttempts; attempt++ {
		content, err := c.chatOnce(ctx, messages)
		if err != nil {
			c.log.Error("chat attempt failed", "attempt", attempt, "error", err)
			lastErr = err
			continue
		}
		if content == "" {
			c.log.Warn("empty completion from runtime, retrying", "attempt", attempt)
			lastErr = errors.New("empty completion")
			continue
		}
		return content, nil
	}
	return "", fmt.Errorf("%w after %d attempts: %v", ErrExhausted, chatAttempts, lastErr)
}

func (c *Client) chatOnce(ctx context.Context, messages []Message) (string, error) {
	model := c.modelSnapshot()
	body, err := json.Marshal(map[string]any{
		"model":    model.Name,
		"messages": messages,
		"options":  options(model),
		"stream":   true,
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("send chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("chat failed (status %d): %s", resp.StatusCode, respBody)
	}

	// The stream is newline-delimited JSON; each chunk carries one content
	// delta and the last one has done=true.
	var full strings.Builder
	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var chunk struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
				Done  bool   `json:"done"`
				Error string `json:"error"`
			}
			if uerr := json.Unmarshal(line, &chunk); uerr != nil {
				return "", fmt.Errorf("decode stream chunk: %w", uerr)
			}
			if chunk.Error != "" {
				return "", fmt.Errorf("runtime error mid-stream: %s", chunk.Error)
			}
			full.WriteString(chunk.Message.Content)
			if chunk.Done {
				break
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return "", fmt.Errorf("read stream: %w", err)
		}
	}
	return full.String(), nil
}
