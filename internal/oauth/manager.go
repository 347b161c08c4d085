package oauth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
)

var ErrEmptyToken = errors.New("oauth token is empty")

// MintFunc obtains a fresh access token from the provider.
type MintFunc func(ctx context.Context) (*oauth2.Token, error)

// Manager holds one bearer token. It mints lazily when none is held and
// forgets the token when a caller reports it as unusable. There is no
// expiry timer; the provider signals expiry by rejecting requests.
type Manager struct {
	decl Declaration
	mint MintFunc

	mu    sync.Mutex
	token *oauth2.Token
}

func NewManager(decl Declaration, mint MintFunc) (*Manager, error) {
	if decl.Provider == "" {
		return nil, fmt.Errorf("provider is required")
	}
	if mint == nil {
		return nil, fmt.Errorf("mint func is required")
	}
	if decl.Flow == "" {
		decl.Flow = FlowPassword
	}
	tokenHeld.WithLabelValues(decl.Provider).Set(0)
	return &Manager{decl: decl, mint: mint}, nil
}

func (m *Manager) Declaration() Declaration {
	return m.decl
}

// Token returns the held token, minting one first if needed. Concurrent
// callers wait on the same mint instead of racing their own.
func (m *Manager) Token(ctx context.Context) (*oauth2.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token != nil {
		return m.token, nil
	}
	return m.refreshLocked(ctx)
}

// Refresh mints a new token unconditionally.
func (m *Manager) Refresh(ctx context.Context) (*oauth2.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshLocked(ctx)
}

func (m *Manager) refreshLocked(ctx context.Context) (*oauth2.Token, error) {
	token, err := m.mint(ctx)
	if err == nil && (token == nil || token.AccessToken == "") {
		err = ErrEmptyToken
	}
	if err != nil {
		m.token = nil
		mintTotal.WithLabelValues(m.decl.Provider, "error").Inc()
		tokenHeld.WithLabelValues(m.decl.Provider).Set(0)
		return nil, err
	}
	if token.TokenType == "" {
		token.TokenType = "Bearer"
	}
	m.token = token
	mintTotal.WithLabelValues(m.decl.Provider, "ok").Inc()
	tokenHeld.WithLabelValues(m.decl.Provider).Set(1)
	return token, nil
}

// Invalidate drops the held token so the next Token call mints again.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == nil {
		return
	}
	m.token = nil
	invalidatedTotal.WithLabelValues(m.decl.Provider).Inc()
	tokenHeld.WithLabelValues(m.decl.Provider).Set(0)
}

// Valid reports whether a token is currently held.
func (m *Manager) Valid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token != nil
}
