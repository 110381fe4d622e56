package secrets

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/zalando/go-keyring"
)

const (
	keychainService = "berth"
	keychainDataKey = "data-key"
	// keychainOpTimeout limits how long a single keychain operation may
	// block. If exceeded, the keychain is disabled for the rest of the
	// process lifetime (circuit breaker).
	keychainOpTimeout = 5 * time.Second
)

// ErrKeychainUnavailable indicates the OS keychain could not serve an
// operation, either because the platform has no usable keychain or because
// the circuit breaker tripped on a hung call.
var ErrKeychainUnavailable = errors.New("secrets: os keychain unavailable")

// KeyringProvider abstracts go-keyring calls so tests and embedders can
// substitute the OS keychain.
type KeyringProvider interface {
	Set(service, user, password string) error
	Get(service, user string) (string, error)
	Delete(service, user string) error
}

// osKeyring delegates to the real go-keyring package.
type osKeyring struct{}

func (osKeyring) Set(service, user, password string) error {
	return keyring.Set(service, user, password)
}
func (osKeyring) Get(service, user string) (string, error) { return keyring.Get(service, user) }
func (osKeyring) Delete(service, user string) error        { return keyring.Delete(service, user) }

// keychain guards access to the single data-key entry in the OS keychain.
type keychain struct {
	provider  KeyringProvider
	disabled  atomic.Bool
	opTimeout time.Duration // 0 means keychainOpTimeout; tests can override
}

// withTimeout runs fn in a goroutine with a timeout. On timeout the
// keychain is disabled for the rest of the session and the goroutine leaks
// until the underlying call completes — go-keyring does not support
// context cancellation.
func (kc *keychain) withTimeout(op string, fn func() error) error {
	if kc.disabled.Load() {
		return fmt.Errorf("keychain %s: %w (circuit breaker)", op, ErrKeychainUnavailable)
	}
	timeout := kc.opTimeout
	if timeout == 0 {
		timeout = keychainOpTimeout
	}
	ch := make(chan error, 1)
	go func() { ch <- fn() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-ch:
		return err
	case <-timer.C:
		kc.disabled.Store(true)
		log.Printf("[Secrets] Keychain %s timed out after %v — disabling keychain for this session", op, timeout)
		return fmt.Errorf("keychain %s timed out after %v: %w", op, timeout, ErrKeychainUnavailable)
	}
}

// loadDataKey reads the base64-encoded data key from the OS keychain.
// Returns nil, nil when no key has been stored yet.
func (kc *keychain) loadDataKey() ([]byte, error) {
	var encoded string
	err := kc.withTimeout("Get", func() error {
		var getErr error
		encoded, getErr = kc.provider.Get(keychainService, keychainDataKey)
		return getErr
	})
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("secrets: load data key: %w", err)
	}
	key, decErr := base64.StdEncoding.DecodeString(encoded)
	if decErr != nil {
		return nil, fmt.Errorf("secrets: decode data key: %w", decErr)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("secrets: data key has invalid size %d (expected %d)", len(key), keySize)
	}
	return key, nil
}

// storeDataKey writes the base64-encoded data key to the OS keychain.
func (kc *keychain) storeDataKey(key []byte) error {
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := kc.withTimeout("Set", func() error {
		return kc.provider.Set(keychainService, keychainDataKey, encoded)
	}); err != nil {
		return fmt.Errorf("secrets: store data key: %w", err)
	}
	return nil
}
