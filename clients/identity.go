// Package clients holds the HTTP collaborators of the relay: identity
// verification and character lookup.
package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var ErrInvalidToken = errors.New("token is not valid")

// IdentityClient exchanges an opaque credential for a verified subject id
// against the auth service.
type IdentityClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewIdentityClient creates a client for the auth service at baseURL.
func NewIdentityClient(baseURL string, timeout time.Duration) *IdentityClient {
	return &IdentityClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type validateResponse struct {
	SubjectID string `json:"subject_id"`
	Valid     bool   `json:"valid"`
}

// Validate returns the verified subject id for a token, or
// ErrInvalidToken when the auth service rejects it.
func (c *IdentityClient) Validate(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/validate", nil)
	if err != nil {
		return "", fmt.Errorf("failed to build validate request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call auth service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", ErrInvalidToken
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("auth service returned status %d", resp.StatusCode)
	}

	var body validateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode validate response: %w", err)
	}
	if !body.Valid || body.SubjectID == "" {
		return "", ErrInvalidToken
	}
	return body.SubjectID, nil
}
