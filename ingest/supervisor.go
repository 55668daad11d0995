package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/onnwee/feedmaid/account"
	"github.com/onnwee/feedmaid/telemetry"
)

// AccountStore is the store the supervisor loads accounts from.
type AccountStore interface {
	Store
	ListAuthorized(ctx context.Context) ([]*account.Account, error)
	LoadAccount(ctx context.Context, id int64) (*account.Account, error)
}

// Supervisor runs one manager per authorized account.
type Supervisor struct {
	store AccountStore
	opts  Options

	mu       sync.RWMutex
	managers map[int64]*Manager
	ctx      context.Context
}

// NewSupervisor returns a supervisor whose managers share opts. A nil
// Registry in opts is replaced by a shared one.
func NewSupervisor(store AccountStore, opts Options) *Supervisor {
	opts.Store = store
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	return &Supervisor{store: store, opts: opts, managers: make(map[int64]*Manager)}
}

// Registry returns the shared connection registry.
func (s *Supervisor) Registry() *Registry { return s.opts.Registry }

// Start launches a manager for every authorized account. Accounts that fail
// to start are logged and skipped.
func (s *Supervisor) Start(ctx context.Context) error {
	accts, err := s.store.ListAuthorized(ctx)
	if err != nil {
		return fmt.Errorf("list authorized accounts: %w", err)
	}
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	for _, a := range accts {
		if err := s.startManager(ctx, a); err != nil {
			slog.Error("failed to start account", slog.Int64("account", a.ID), slog.Any("err", err), slog.String("component", "supervisor"))
		}
	}
	slog.Info("supervisor started", slog.Int("accounts", s.Len()), slog.String("component", "supervisor"))
	return nil
}

// startManager replaces any running manager of the account. The old one is
// stopped first since both share the account's registry slot.
func (s *Supervisor) startManager(ctx context.Context, a *account.Account) error {
	s.Remove(a.ID)
	m := New(a, s.opts)
	if err := m.Start(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.managers[a.ID] = m
	n := len(s.managers)
	s.mu.Unlock()
	telemetry.SetActiveAccounts(n)
	return nil
}

// Reload (re)starts the manager of one account from its stored document, for
// example after it was authorized again.
func (s *Supervisor) Reload(ctx context.Context, id int64) error {
	a, err := s.store.LoadAccount(ctx, id)
	if err != nil {
		return err
	}
	s.mu.RLock()
	runCtx := s.ctx
	s.mu.RUnlock()
	if runCtx == nil {
		return errors.New("supervisor not started")
	}
	if !a.Authorized() {
		s.Remove(id)
		return ErrRevoked
	}
	return s.startManager(runCtx, a)
}

// Remove stops and forgets the manager of id.
func (s *Supervisor) Remove(id int64) {
	s.mu.Lock()
	m := s.managers[id]
	delete(s.managers, id)
	n := len(s.managers)
	s.mu.Unlock()
	if m != nil {
		m.Stop()
	}
	telemetry.SetActiveAccounts(n)
}

// Get returns the manager of an account.
func (s *Supervisor) Get(id int64) (*Manager, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.managers[id]
	return m, ok
}

// Len returns the number of managers.
func (s *Supervisor) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.managers)
}

// Managers returns the managers ordered by account id.
func (s *Supervisor) Managers() []*Manager {
	s.mu.RLock()
	out := make([]*Manager, 0, len(s.managers))
	for _, m := range s.managers {
		out = append(out, m)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Stop stops every manager and waits for them.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	ms := s.managers
	s.managers = make(map[int64]*Manager)
	s.mu.Unlock()
	var wg sync.WaitGroup
	for _, m := range ms {
		wg.Add(1)
		go func(m *Manager) {
			defer wg.Done()
			m.Stop()
		}(m)
	}
	wg.Wait()
	s.opts.Registry.StopAll()
	telemetry.SetActiveAccounts(0)
}
