// Package license validates license keys against the Berth licensing API.
package license

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/berth-ai/berth/internal/coordinator"
	"github.com/berth-ai/berth/internal/version"
)

// DefaultBaseURL is the production licensing endpoint.
const DefaultBaseURL = "https://api.berth.dev"

const validateTimeout = 15 * time.Second

// Client validates license keys over HTTPS. It implements
// coordinator.LicenseValidator.
type Client struct {
	client  *http.Client
	baseURL string
}

// NewClient returns a validator against the production licensing API.
func NewClient() *Client {
	return &Client{
		client:  &http.Client{Timeout: validateTimeout},
		baseURL: DefaultBaseURL,
	}
}

type validateRequest struct {
	Key     string `json:"key"`
	Version string `json:"version"`
}

type validateResponse struct {
	Valid bool   `json:"valid"`
	Email string `json:"email"`
	Error string `json:"error,omitempty"`
}

// Validate posts the key to the licensing API and returns the licensed
// identity. An invalid key is an error, not an unlicensed identity, so
// callers never persist a rejected key.
func (c *Client) Validate(ctx context.Context, key string) (coordinator.Identity, error) {
	if strings.TrimSpace(key) == "" {
		return coordinator.Identity{}, fmt.Errorf("license: key is empty")
	}

	body, err := json.Marshal(validateRequest{Key: key, Version: version.String()})
	if err != nil {
		return coordinator.Identity{}, fmt.Errorf("license: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/licenses/validate", bytes.NewReader(body))
	if err != nil {
		return coordinator.Identity{}, fmt.Errorf("license: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return coordinator.Identity{}, fmt.Errorf("license: validation request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return coordinator.Identity{}, fmt.Errorf("license: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return coordinator.Identity{}, fmt.Errorf("license: validation endpoint returned status %d", resp.StatusCode)
	}

	var parsed validateResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return coordinator.Identity{}, fmt.Errorf("license: decode response: %w", err)
	}
	if !parsed.Valid {
		reason := parsed.Error
		if reason == "" {
			reason = "key rejected"
		}
		return coordinator.Identity{}, fmt.Errorf("license: %s", reason)
	}

	return coordinator.Identity{Email: parsed.Email}, nil
}
