package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var ErrCharacterNotFound = errors.New("character not found")

// CharacterClient looks up character system prompts from the character
// service.
type CharacterClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewCharacterClient creates a client for the character service at baseURL.
func NewCharacterClient(baseURL string, timeout time.Duration) *CharacterClient {
	return &CharacterClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type characterResponse struct {
	SystemPrompt string `json:"system_prompt"`
}

// SystemPrompt returns the system prompt for a character id, or
// ErrCharacterNotFound when the service has no such character.
func (c *CharacterClient) SystemPrompt(ctx context.Context, characterID string) (string, error) {
	url := fmt.Sprintf("%s/api/characters/id/%s", c.baseURL, characterID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build character request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call character service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrCharacterNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("character service returned status %d", resp.StatusCode)
	}

	var body characterResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode character response: %w", err)
	}
	if body.SystemPrompt == "" {
		return "", ErrCharacterNotFound
	}
	return body.SystemPrompt, nil
}
