// Package auth supplies the bearer credential used by networked components.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"

	"github.com/page-companion/companion/internal/logging"
)

// Store is the persistent key-value backend behind the provider.
type Store interface {
	Get(service, user string) (string, error)
	Set(service, user, secret string) error
	Delete(service, user string) error
}

// KeyringStore persists tokens in the OS keychain.
type KeyringStore struct{}

func (KeyringStore) Get(service, user string) (string, error) {
	return keyring.Get(service, user)
}

func (KeyringStore) Set(service, user, secret string) error {
	return keyring.Set(service, user, secret)
}

func (KeyringStore) Delete(service, user string) error {
	return keyring.Delete(service, user)
}

// TokenProvider caches the token in memory in front of a Store. The token is
// opaque; the provider never inspects or refreshes it.
type TokenProvider struct {
	service string
	user    string
	store   Store

	mu     sync.Mutex
	cached string
	loaded bool
}

// NewTokenProvider returns a provider over store. A non-empty override (for
// example from COMPANION_TOKEN) is served without touching the store.
func NewTokenProvider(store Store, service, user, override string) *TokenProvider {
	p := &TokenProvider{service: service, user: user, store: store}
	if override = strings.TrimSpace(override); override != "" {
		p.cached = override
		p.loaded = true
	}
	return p
}

// Token returns the bearer token, or "" when the user is not logged in.
func (p *TokenProvider) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded {
		return p.cached, nil
	}
	tok, err := p.store.Get(p.service, p.user)
	switch {
	case errors.Is(err, keyring.ErrNotFound):
		tok = ""
	case err != nil:
		return "", fmt.Errorf("read token from store: %w", err)
	}
	p.cached = strings.TrimSpace(tok)
	p.loaded = true
	logging.Debugw("auth: token loaded", "service", p.service, "present", p.cached != "")
	return p.cached, nil
}

// SetToken stores a new token after login.
func (p *TokenProvider) SetToken(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return p.Clear()
	}
	if err := p.store.Set(p.service, p.user, token); err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	p.mu.Lock()
	p.cached, p.loaded = token, true
	p.mu.Unlock()
	return nil
}

// Clear forgets the token (logout). A token that was never stored is fine.
func (p *TokenProvider) Clear() error {
	p.mu.Lock()
	p.cached, p.loaded = "", true
	p.mu.Unlock()
	if err := p.store.Delete(p.service, p.user); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}
