package account

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/leonletto/sigrecv/internal/config"
	"github.com/leonletto/sigrecv/internal/metrics"
	"github.com/leonletto/sigrecv/internal/receiver"
)

// ErrDuplicateAccount is returned by Add for a number already present.
var ErrDuplicateAccount = errors.New("account already loaded")

// Accounts holds the loaded accounts in configuration order.
type Accounts struct {
	mu       sync.RWMutex
	order    []*Account
	byNumber map[string]*Account
}

// NewAccounts returns an empty container.
func NewAccounts() *Accounts {
	return &Accounts{byNumber: make(map[string]*Account)}
}

// OpenAll opens every configured account. Accounts opened before a failure
// are closed again.
func OpenAll(cfg *config.Config, logger *zap.Logger, recorder *metrics.Recorder) (*Accounts, error) {
	set := NewAccounts()
	for _, ac := range cfg.Accounts {
		a, err := Open(Options{
			Account:  ac,
			Daemon:   cfg.Daemon,
			Data:     cfg.Data,
			Receive:  cfg.Receive,
			Logger:   logger,
			Recorder: recorder,
		})
		if err == nil {
			err = set.Add(a)
			if err != nil {
				_ = a.Close()
			}
		}
		if err != nil {
			return nil, errors.Join(err, set.Close())
		}
	}
	return set, nil
}

// Add registers a.
func (s *Accounts) Add(a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byNumber[a.Number()]; ok {
		return fmt.Errorf("add %s: %w", a.Number(), ErrDuplicateAccount)
	}
	s.byNumber[a.Number()] = a
	s.order = append(s.order, a)
	return nil
}

// Get returns the account for number.
func (s *Accounts) Get(number string) (*Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byNumber[number]
	return a, ok
}

// All returns the accounts in the order they were added.
func (s *Accounts) All() []*Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Account(nil), s.order...)
}

// Len returns the number of accounts.
func (s *Accounts) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Receive runs one reception engine per account until ctx is canceled or
// an engine fails. A failing engine cancels the others, and its error is
// returned.
func (s *Accounts) Receive(ctx context.Context, listeners func(*Account) receiver.Listeners) error {
	accounts := s.All()
	engines := make([]*receiver.Engine, 0, len(accounts))
	for _, a := range accounts {
		var l receiver.Listeners
		if listeners != nil {
			l = listeners(a)
		}
		e, err := a.NewEngine(l)
		if err != nil {
			return fmt.Errorf("receive %s: %w", a.Number(), err)
		}
		engines = append(engines, e)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range engines {
		g.Go(func() error {
			if err := e.Run(gctx); err != nil {
				return fmt.Errorf("receive %s: %w", e.Account(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// SweepExpired sweeps every account and returns the total removed.
func (s *Accounts) SweepExpired() (int, error) {
	var (
		total int
		errs  []error
	)
	for _, a := range s.All() {
		n, err := a.SweepExpired()
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("sweep %s: %w", a.Number(), err))
		}
	}
	return total, errors.Join(errs...)
}

// Close closes every account.
func (s *Accounts) Close() error {
	s.mu.Lock()
	accounts := s.order
	s.order = nil
	s.byNumber = make(map[string]*Account)
	s.mu.Unlock()

	var errs []error
	for _, a := range accounts {
		if err := a.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", a.Number(), err))
		}
	}
	return errors.Join(errs...)
}
