package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/berth-ai/berth/internal/store"
)

// TokenSet holds the OAuth tokens issued for one endpoint.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the access token has passed its expiry. Tokens
// without an expiry never expire.
func (t *TokenSet) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// TokenStore persists OAuth token sets as AES-256-GCM blobs in the state
// database. The data key lives in the OS keychain, so the database alone
// never contains recoverable credentials.
type TokenStore struct {
	store *store.Store
	kc    *keychain

	mu  sync.Mutex
	key []byte // cached data key, loaded or created on first use
}

// NewTokenStore creates a TokenStore backed by the OS keychain.
func NewTokenStore(st *store.Store) *TokenStore {
	return &TokenStore{store: st, kc: &keychain{provider: osKeyring{}}}
}

// NewTokenStoreWithKeyring creates a TokenStore with a custom keyring
// provider. Tests use it to avoid touching the real OS keychain.
func NewTokenStoreWithKeyring(st *store.Store, p KeyringProvider) *TokenStore {
	return &TokenStore{store: st, kc: &keychain{provider: p}}
}

// dataKey returns the cached data key, loading it from the keychain on
// first use. When create is true and no key exists yet, a fresh key is
// generated and stored.
func (ts *TokenStore) dataKey(create bool) ([]byte, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.key != nil {
		return ts.key, nil
	}

	key, err := ts.kc.loadDataKey()
	if err != nil {
		return nil, err
	}
	if key == nil {
		if !create {
			return nil, nil
		}
		key, err = newDataKey()
		if err != nil {
			return nil, err
		}
		if err := ts.kc.storeDataKey(key); err != nil {
			return nil, err
		}
	}
	ts.key = key
	return key, nil
}

// SetToken encrypts and persists a token set for an endpoint. Storing
// fails outright when the OS keychain cannot hold the data key: tokens are
// never written in a form the database alone could decrypt.
func (ts *TokenStore) SetToken(ctx context.Context, endpoint string, tok TokenSet) error {
	key, err := ts.dataKey(true)
	if err != nil {
		return fmt.Errorf("secrets: set token for %s: %w", endpoint, err)
	}

	payload, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("secrets: marshal token for %s: %w", endpoint, err)
	}
	blob, err := encryptValue(key, string(payload))
	if err != nil {
		return fmt.Errorf("secrets: encrypt token for %s: %w", endpoint, err)
	}
	if err := ts.store.SetCredential(ctx, endpoint, blob); err != nil {
		return err
	}
	return nil
}

// Token returns the stored token set for an endpoint, or nil when none is
// stored. A blob that cannot be decrypted (lost data key, corrupt record)
// is treated as absent so callers fall back to a fresh login rather than
// erroring on every startup.
func (ts *TokenStore) Token(ctx context.Context, endpoint string) (*TokenSet, error) {
	blob, err := ts.store.Credential(ctx, endpoint)
	if store.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	key, err := ts.dataKey(false)
	if err != nil {
		log.Printf("[Secrets] Data key unavailable, treating token for %s as absent: %v", endpoint, err)
		return nil, nil
	}
	if key == nil {
		log.Printf("[Secrets] Stored token for %s has no data key, treating as absent", endpoint)
		return nil, nil
	}

	payload, err := decryptValue(key, blob)
	if err != nil {
		log.Printf("[Secrets] Failed to decrypt token for %s, treating as absent: %v", endpoint, err)
		return nil, nil
	}

	var tok TokenSet
	if err := json.Unmarshal([]byte(payload), &tok); err != nil {
		log.Printf("[Secrets] Failed to decode token for %s, treating as absent: %v", endpoint, err)
		return nil, nil
	}
	return &tok, nil
}

// DeleteToken removes the stored token set for an endpoint.
func (ts *TokenStore) DeleteToken(ctx context.Context, endpoint string) error {
	return ts.store.DeleteCredential(ctx, endpoint)
}
