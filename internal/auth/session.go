// Package auth holds the credential the agent presents to the processing service. The
// token is persisted in the store's config table so it survives restarts until the
// session is ended.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/clipforge/clipforge-agent/internal/apperr"
	"github.com/clipforge/clipforge-agent/internal/logging"
	"github.com/clipforge/clipforge-agent/internal/store"
)

// TokenStore persists key/value settings.
type TokenStore interface {
	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

type Session struct {
	store  TokenStore
	logger *slog.Logger

	mu    sync.RWMutex
	token string
	onEnd []func()
}

func NewSession(s TokenStore, logger *slog.Logger) *Session {
	return &Session{store: s, logger: logging.WithComponent(logger, "auth")}
}

// Load restores a persisted token.
func (s *Session) Load(ctx context.Context) error {
	token, err := s.store.GetConfig(ctx, store.ConfigKeyAuthToken)
	if err != nil {
		return fmt.Errorf("load auth token: %w", err)
	}
	s.mu.Lock()
	s.token = strings.TrimSpace(token)
	s.mu.Unlock()
	return nil
}

// SignIn stores token as the current credential.
func (s *Session) SignIn(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return apperr.Validation("sign in", "token is empty")
	}
	if err := s.store.SetConfig(ctx, store.ConfigKeyAuthToken, token); err != nil {
		return fmt.Errorf("save auth token: %w", err)
	}
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	s.logger.Info("signed in", "token", logging.SanitizeToken(token))
	return nil
}

func (s *Session) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token != ""
}

func (s *Session) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// OnEnd registers fn to run after EndSession.
func (s *Session) OnEnd(fn func()) {
	s.mu.Lock()
	s.onEnd = append(s.onEnd, fn)
	s.mu.Unlock()
}

// EndSession forgets the token and runs the OnEnd hooks.
func (s *Session) EndSession(ctx context.Context) error {
	s.mu.Lock()
	s.token = ""
	hooks := append([]func(){}, s.onEnd...)
	s.mu.Unlock()

	err := s.store.SetConfig(ctx, store.ConfigKeyAuthToken, "")
	for _, fn := range hooks {
		fn()
	}
	if err != nil {
		return fmt.Errorf("clear auth token: %w", err)
	}
	s.logger.Info("session ended")
	return nil
}

// Require returns an unauthenticated error when no one is signed in.
func (s *Session) Require(op string) error {
	if s.IsAuthenticated() {
		return nil
	}
	return apperr.New(apperr.KindUnauthenticated, op, fmt.Errorf("not signed in"))
}
