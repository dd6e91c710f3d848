package token

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"envsense/internal/core"
)

// FetchFunc obtains a fresh credential from a vendor. It must return the
// raw token value; returning an empty value is treated as a failure.
type FetchFunc func() (string, error)

// Token is a snapshot of the credential a Manager currently holds.
type Token struct {
	Value    string
	Source   string
	IssuedAt time.Time
	Validity time.Duration
}

// Manager owns one vendor credential and keeps it fresh on a timer.
// Current never blocks on network I/O; a failed refresh keeps the previous
// value and waits for the next tick instead of retrying in a tight loop.
type Manager struct {
	source   string
	fetch    FetchFunc
	validity time.Duration
	logger   *slog.Logger

	// refreshMu keeps at most one refresh in flight; mu guards the stored
	// value so Current never waits behind a network call.
	refreshMu sync.Mutex
	mu        sync.Mutex
	token     Token

	timer    *time.Timer
	stopChan chan struct{}
	done     chan struct{}
	closed   bool
}

// NewManager fetches the first token synchronously and starts the refresh
// timer. A failed initial fetch is fatal: no operation on the owning
// adapter can succeed without a credential.
func NewManager(source string, fetch FetchFunc, validity time.Duration, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	value, err := fetch()
	if err != nil {
		return nil, fmt.Errorf("initial token fetch for %s: %w", source, err)
	}
	if value == "" {
		return nil, fmt.Errorf("initial token fetch for %s: %w", source, core.ErrNoToken)
	}

	m := &Manager{
		source:   source,
		fetch:    fetch,
		validity: validity,
		logger:   logger,
		token: Token{
			Value:    value,
			Source:   source,
			IssuedAt: time.Now(),
			Validity: validity,
		},
		timer:    time.NewTimer(validity),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}

	go m.refreshLoop()
	return m, nil
}

// Current returns the last successfully fetched token. After Close it
// keeps returning the value it last held; callers needing freshness check
// Age themselves.
func (m *Manager) Current() Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// Age returns how long ago the current token was issued.
func (m *Manager) Age() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.token.IssuedAt)
}

// Close cancels the refresh timer and waits for the loop to exit. It is
// safe to call more than once.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopChan)
	<-m.done
}

func (m *Manager) refreshLoop() {
	defer close(m.done)
	defer m.timer.Stop()

	for {
		select {
		case <-m.timer.C:
			m.refresh()
			m.timer.Reset(m.validity)
		case <-m.stopChan:
			return
		}
	}
}

// refresh invokes the fetch function and swaps the stored token. Fetch and
// swap are mutually exclusive with any other refresh, so a reader never
// observes a half-written token.
func (m *Manager) refresh() {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	value, err := m.fetch()
	if err != nil {
		m.logger.Error("Token refresh failed, keeping previous token",
			"source", m.source, "error", err)
		return
	}
	if value == "" {
		m.logger.Error("Token refresh returned empty token, keeping previous token",
			"source", m.source)
		return
	}

	m.mu.Lock()
	m.token = Token{
		Value:    value,
		Source:   m.source,
		IssuedAt: time.Now(),
		Validity: m.validity,
	}
	m.mu.Unlock()
	m.logger.Debug("Token refreshed", "source", m.source)
}
