package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/browser"

	"github.com/berth-ai/berth/internal/eventbus"
	"github.com/berth-ai/berth/internal/secrets"
)

const (
	// defaultCallbackPort is the loopback port the OAuth redirect lands
	// on. Kept fixed so providers can register the redirect URI.
	defaultCallbackPort = 8976

	// defaultLoginTimeout bounds the wait for the browser redirect.
	defaultLoginTimeout = 5 * time.Minute

	loginScopes = "openid profile email offline_access"
)

// Manager drives the OAuth2 Authorization Code + PKCE flow against a
// runtime endpoint and owns the loopback callback listener. At most one
// listener is alive at a time; a new login tears down the previous one.
type Manager struct {
	client       *http.Client
	tokens       *secrets.TokenStore
	bus          *eventbus.Bus
	openBrowser  func(url string) error
	callbackPort int
	loginTimeout time.Duration

	mu       sync.Mutex
	listener *callbackServer
}

// NewManager wires an auth Manager. A nil bus disables event publication.
func NewManager(tokens *secrets.TokenStore, bus *eventbus.Bus) *Manager {
	return &Manager{
		client:       &http.Client{Timeout: 15 * time.Second},
		tokens:       tokens,
		bus:          bus,
		openBrowser:  browser.OpenURL,
		callbackPort: defaultCallbackPort,
		loginTimeout: defaultLoginTimeout,
	}
}

// Login runs the full Authorization Code + PKCE sequence for an endpoint.
// The provider's client id from discovery wins; fallbackClientID covers
// providers that do not advertise one. The loopback listener is torn down
// on every path.
func (m *Manager) Login(ctx context.Context, endpoint, fallbackClientID string) error {
	cfg := m.Discover(ctx, endpoint)
	if cfg == nil || !cfg.Enabled {
		return &FlowError{Stage: "discovery", Message: "authentication not supported by this endpoint"}
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fallbackClientID
	}
	if clientID == "" {
		return &FlowError{Stage: "discovery", Message: "no client id discovered or configured"}
	}

	meta, err := fetchProviderMetadata(ctx, m.client, cfg.Issuer)
	if err != nil {
		return &FlowError{Stage: "metadata", Message: "failed to load provider configuration", Err: err}
	}

	verifier, err := newCodeVerifier()
	if err != nil {
		return &FlowError{Stage: "listener", Message: "failed to generate PKCE verifier", Err: err}
	}

	cs, err := m.replaceListener()
	if err != nil {
		return &FlowError{Stage: "listener", Message: "failed to bind loopback listener", Err: err}
	}
	defer m.dropListener(cs)

	authURL := buildAuthorizeURL(meta.AuthorizationEndpoint, clientID, cs.redirectURI(), codeChallenge(verifier), cfg.Audience)
	log.Printf("[Auth] Opening browser for login against %s", endpoint)
	if err := m.openBrowser(authURL); err != nil {
		return &FlowError{Stage: "browser", Message: "failed to open system browser", Err: err}
	}

	timeout := time.NewTimer(m.loginTimeout)
	defer timeout.Stop()

	var res callbackResult
	select {
	case res = <-cs.result:
	case <-timeout.C:
		return &FlowError{Stage: "callback", Message: fmt.Sprintf("no login response within %v", m.loginTimeout)}
	case <-ctx.Done():
		return &FlowError{Stage: "callback", Message: "login cancelled", Err: ctx.Err()}
	}

	if res.errCode != "" {
		msg := res.errCode
		if res.errDesc != "" {
			msg = fmt.Sprintf("%s: %s", res.errCode, res.errDesc)
		}
		return &FlowError{Stage: "callback", Message: "provider returned " + msg}
	}
	if res.code == "" {
		return &FlowError{Stage: "callback", Message: "redirect carried no authorization code"}
	}

	tok, err := m.exchangeCode(ctx, meta.TokenEndpoint, clientID, res.code, verifier, cs.redirectURI())
	if err != nil {
		return &FlowError{Stage: "exchange", Message: "token exchange rejected", Err: err}
	}

	if err := m.tokens.SetToken(ctx, endpoint, *tok); err != nil {
		return &FlowError{Stage: "store", Message: "failed to persist token", Err: err}
	}

	eventbus.Publish(ctx, m.bus, eventbus.Auth.Status, eventbus.SourceAuthManager, eventbus.AuthStatusEvent{
		Endpoint:      endpoint,
		Authenticated: true,
	})
	log.Printf("[Auth] Login complete for %s", endpoint)
	return nil
}

// Logout deletes the stored credential for an endpoint and announces the
// change.
func (m *Manager) Logout(ctx context.Context, endpoint string) error {
	if err := m.tokens.DeleteToken(ctx, endpoint); err != nil {
		return fmt.Errorf("auth: logout %s: %w", endpoint, err)
	}
	eventbus.Publish(ctx, m.bus, eventbus.Auth.Status, eventbus.SourceAuthManager, eventbus.AuthStatusEvent{
		Endpoint:      endpoint,
		Authenticated: false,
	})
	return nil
}

// Authenticated reports whether a token is stored for the endpoint.
func (m *Manager) Authenticated(ctx context.Context, endpoint string) bool {
	_, ok := m.Token(ctx, endpoint)
	return ok
}

// Token returns the stored access token for an endpoint.
func (m *Manager) Token(ctx context.Context, endpoint string) (string, bool) {
	tok, err := m.tokens.Token(ctx, endpoint)
	if err != nil || tok == nil || tok.AccessToken == "" {
		return "", false
	}
	return tok.AccessToken, true
}

// replaceListener closes any previous loopback listener before binding a
// fresh one, so an abandoned login never leaves the port taken.
func (m *Manager) replaceListener() (*callbackServer, error) {
	m.mu.Lock()
	prev := m.listener
	m.listener = nil
	m.mu.Unlock()
	if prev != nil {
		log.Printf("[Auth] Closing abandoned login listener on port %d", prev.port)
		prev.close()
	}

	cs, err := startCallbackServer(m.callbackPort)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.listener = cs
	m.mu.Unlock()
	return cs, nil
}

// dropListener closes cs and clears it from the manager unless a newer
// login has already replaced it.
func (m *Manager) dropListener(cs *callbackServer) {
	m.mu.Lock()
	if m.listener == cs {
		m.listener = nil
	}
	m.mu.Unlock()
	cs.close()
}

func buildAuthorizeURL(authorizeEndpoint, clientID, redirectURI, challenge, audience string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", clientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("scope", loginScopes)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")
	if audience != "" {
		q.Set("audience", audience)
	}

	sep := "?"
	if strings.Contains(authorizeEndpoint, "?") {
		sep = "&"
	}
	return authorizeEndpoint + sep + q.Encode()
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// exchangeCode trades the authorization code for tokens with a
// form-encoded POST carrying the PKCE verifier.
func (m *Manager) exchangeCode(ctx context.Context, tokenEndpoint, clientID, code, verifier, redirectURI string) (*secrets.TokenSet, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", clientID)
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	form.Set("code_verifier", verifier)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("auth: create exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth: token exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth: token exchange returned HTTP %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("auth: decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("auth: token response missing access token")
	}

	tok := &secrets.TokenSet{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		IDToken:      tr.IDToken,
		TokenType:    tr.TokenType,
	}
	if tr.ExpiresIn > 0 {
		tok.ExpiresAt = time.Now().UTC().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return tok, nil
}
