package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
)

// Config is the authentication configuration a runtime endpoint advertises
// on its health surface. It is discovered per endpoint and never persisted.
type Config struct {
	Enabled  bool   `json:"enabled"`
	Type     string `json:"type"`
	Issuer   string `json:"issuer"`
	Audience string `json:"audience"`
	ClientID string `json:"client_id"`
}

type healthResponse struct {
	Auth *Config `json:"auth"`
}

// Discover probes {endpoint}/health for an auth configuration. It returns
// nil for unreachable endpoints and for any unexpected failure — discovery
// must never block a basic connectivity check, so every failure is logged
// and swallowed.
func (m *Manager) Discover(ctx context.Context, endpoint string) *Config {
	url := strings.TrimSuffix(endpoint, "/") + "/health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		log.Printf("[Auth] Discovery request for %s failed: %v", endpoint, err)
		return nil
	}
	resp, err := m.client.Do(req)
	if err != nil {
		log.Printf("[Auth] Endpoint %s unreachable during discovery: %v", endpoint, err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("[Auth] Discovery for %s returned HTTP %d", endpoint, resp.StatusCode)
		return nil
	}

	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		log.Printf("[Auth] Discovery for %s returned malformed body: %v", endpoint, err)
		return nil
	}
	return health.Auth
}

// FlowError is a typed failure from the interactive login flow. It carries
// a human-readable message; interactive failures are never retried.
type FlowError struct {
	Stage   string // discovery, metadata, listener, browser, callback, exchange
	Message string
	Err     error
}

func (e *FlowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %s: %v", e.Stage, e.Message, e.Err)
	}
	return fmt.Sprintf("auth: %s: %s", e.Stage, e.Message)
}

func (e *FlowError) Unwrap() error { return e.Err }
