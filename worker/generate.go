package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/companionchat/relay/history"
	"github.com/companionchat/relay/resilience"
	"github.com/companionchat/relay/store"
)

// Generator produces one reply from a system prompt, the recent
// conversation and the newest subject message.
type Generator interface {
	Generate(ctx context.Context, systemPrompt string, entries []history.Entry, content string) (string, error)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// HTTPGenerator calls an OpenAI-compatible chat completion endpoint.
type HTTPGenerator struct {
	baseURL    string
	model      string
	apiKey     string
	httpClient *http.Client
}

var _ Generator = (*HTTPGenerator)(nil)

// NewHTTPGenerator returns a generator against baseURL. apiKey may be
// empty when the endpoint is unauthenticated.
func NewHTTPGenerator(baseURL, model, apiKey string, timeout time.Duration) *HTTPGenerator {
	return &HTTPGenerator{
		baseURL:    baseURL,
		model:      model,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (g *HTTPGenerator) Generate(ctx context.Context, systemPrompt string, entries []history.Entry, content string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:    g.model,
		Messages: buildMessages(systemPrompt, entries, content),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode generation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create generation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("generation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("generation service returned status %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode generation response: %w", err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("generation service returned no content")
	}
	return parsed.Choices[0].Message.Content, nil
}

// buildMessages assembles the chat transcript. The newest message is
// already the last cached history entry by the time the worker reads it,
// so a trailing duplicate is dropped rather than sent twice.
func buildMessages(systemPrompt string, entries []history.Entry, content string) []chatMessage {
	if n := len(entries); n > 0 && entries[n-1].Role == store.RoleSubject && entries[n-1].Content == content {
		entries = entries[:n-1]
	}

	messages := make([]chatMessage, 0, len(entries)+2)
	messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	for _, entry := range entries {
		role := "user"
		if entry.Role == store.RoleGenerated {
			role = "assistant"
		}
		messages = append(messages, chatMessage{Role: role, Content: entry.Content})
	}
	return append(messages, chatMessage{Role: "user", Content: content})
}

// ResilientGenerator runs an inner generator under a circuit breaker so a
// failing generation backend sheds load instead of stacking timeouts.
type ResilientGenerator struct {
	inner   Generator
	breaker *resilience.CircuitBreaker
}

var _ Generator = (*ResilientGenerator)(nil)

func NewResilientGenerator(inner Generator, breaker *resilience.CircuitBreaker) *ResilientGenerator {
	return &ResilientGenerator{inner: inner, breaker: breaker}
}

func (g *ResilientGenerator) Generate(ctx context.Context, systemPrompt string, entries []history.Entry, content string) (string, error) {
	var out string
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var innerErr error
		out, innerErr = g.inner.Generate(ctx, systemPrompt, entries, content)
		return innerErr
	})
	if err != nil {
		return "", err
	}
	return out, nil
}
