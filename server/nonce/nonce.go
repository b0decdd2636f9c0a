// Package nonce issues short-lived credentials that bind an operational action,
// such as a manual refresh, to the user who requested it.
package nonce

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SecretKey is the store key of the installation secret.
const SecretKey = "weather_alerts_nonce_secret"

// Lifetime is how long an issued nonce is accepted.
const Lifetime = 12 * time.Hour

var (
	// ErrInvalid is returned for malformed or forged nonces.
	ErrInvalid = errors.New("invalid nonce")
	// ErrExpired is returned for a correctly signed nonce past its lifetime.
	ErrExpired = errors.New("nonce expired")
)

// SecretStore persists the installation secret shared by all nodes.
type SecretStore interface {
	Get(key string) ([]byte, bool, error)
	CompareAndSetAbsent(key string, value []byte, ttl time.Duration) (bool, error)
}

// Issuer signs and verifies nonces with the installation secret.
type Issuer struct {
	store SecretStore
	now   func() time.Time

	mu     sync.Mutex
	secret []byte
}

// NewIssuer creates an issuer. The secret is loaded or created on first use.
func NewIssuer(store SecretStore) *Issuer {
	return &Issuer{
		store: store,
		now:   time.Now,
	}
}

// SetClock replaces the clock used for expiry (useful for testing)
func (i *Issuer) SetClock(now func() time.Time) {
	i.now = now
}

// Issue returns a nonce for userID and action, valid for Lifetime.
// The format is "<expiry unix seconds>.<hex HMAC-SHA256>".
func (i *Issuer) Issue(userID, action string) (string, error) {
	secret, err := i.loadSecret()
	if err != nil {
		return "", err
	}

	expiry := i.now().Add(Lifetime).Unix()
	return strconv.FormatInt(expiry, 10) + "." + sign(secret, userID, action, expiry), nil
}

// Verify checks that token was issued to userID for action and has not expired.
func (i *Issuer) Verify(token, userID, action string) error {
	expiryText, signature, found := strings.Cut(token, ".")
	if !found || userID == "" {
		return ErrInvalid
	}

	expiry, err := strconv.ParseInt(expiryText, 10, 64)
	if err != nil {
		return ErrInvalid
	}

	secret, err := i.loadSecret()
	if err != nil {
		return err
	}

	expected := sign(secret, userID, action, expiry)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return ErrInvalid
	}

	if !i.now().Before(time.Unix(expiry, 0)) {
		return ErrExpired
	}

	return nil
}

// loadSecret returns the installation secret, creating it if no node has yet.
func (i *Issuer) loadSecret() ([]byte, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.secret != nil {
		return i.secret, nil
	}

	secret, ok, err := i.store.Get(SecretKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load nonce secret: %w", err)
	}

	if !ok {
		candidate := []byte(uuid.NewString() + uuid.NewString())
		created, err := i.store.CompareAndSetAbsent(SecretKey, candidate, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to create nonce secret: %w", err)
		}

		if created {
			secret = candidate
		} else {
			// Another node created it first
			secret, ok, err = i.store.Get(SecretKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load nonce secret: %w", err)
			}
			if !ok {
				return nil, errors.New("nonce secret disappeared after creation")
			}
		}
	}

	i.secret = secret
	return secret, nil
}

func sign(secret []byte, userID, action string, expiry int64) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(userID + "|" + action + "|" + strconv.FormatInt(expiry, 10)))
	return hex.EncodeToString(h.Sum(nil))
}
