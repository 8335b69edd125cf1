package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// TokenSource supplies the broker password. Token implementations may
// block while fetching; they must honor ctx cancellation. Invalidate
// discards any cached credential after an auth rejection so the next
// Token call fetches a fresh one.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// StaticToken is a TokenSource for a directly configured password.
// Invalidate is a no-op: there is nothing fresher to fetch.
type StaticToken string

// Token returns the configured password.
func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// Invalidate does nothing for a static password.
func (StaticToken) Invalidate() {}

// FetchFunc obtains a fresh token from the external token manager.
type FetchFunc func(ctx context.Context) (string, error)

// BackoffTokenSource caches a fetched token and retries the fetch with
// exponential backoff (2s doubling to a 60s ceiling). A fetch in
// progress is shared by concurrent callers via the mutex.
type BackoffTokenSource struct {
	fetch  FetchFunc
	logger *slog.Logger

	mu    sync.Mutex
	token string
}

// NewBackoffTokenSource wraps a fetch function.
func NewBackoffTokenSource(fetch FetchFunc, logger *slog.Logger) *BackoffTokenSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &BackoffTokenSource{fetch: fetch, logger: logger.With("component", "tokens")}
}

// Token returns the cached token or fetches one, backing off between
// failed attempts until ctx is cancelled.
func (s *BackoffTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" {
		return s.token, nil
	}

	delay := 2 * time.Second
	const maxDelay = 60 * time.Second
	for {
		token, err := s.fetch(ctx)
		if err == nil && token != "" {
			s.token = token
			return token, nil
		}
		if err == nil {
			err = fmt.Errorf("token manager returned an empty token")
		}
		s.logger.Warn("token fetch failed, backing off", "delay", delay.String(), "error", err)

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
		if delay < maxDelay {
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		}
	}
}

// Invalidate discards the cached token.
func (s *BackoffTokenSource) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
}
