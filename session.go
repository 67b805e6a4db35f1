package logchain

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNoPrevious is returned by Session.Chain when there is no pointer to follow.
var ErrNoPrevious = errors.New("no previous batch")

// SessionConfig holds what a Session needs besides its Walker.
type SessionConfig struct {
	Resolver       Resolver
	NameFile       string
	ResolveTimeout time.Duration
}

// Session walks a chain one batch per call, remembering where it stopped.
//
// Resolve sets the pointer to the current head without fetching. Fetch loads a
// given address and starts a new chain. Chain loads the batch at the remembered
// pointer. Cycle detection spans every batch loaded since the last Fetch that
// emitted a batch.
type Session struct {
	walker *Walker
	cfg    SessionConfig

	mu    sync.Mutex
	chain *chainState
	next  ContentAddress
}

// NewSession returns a Session using w for every step.
func NewSession(w *Walker, cfg SessionConfig) *Session {
	return &Session{walker: w, cfg: cfg, chain: newChainState()}
}

// Resolve resolves the configured name and remembers the result as the next
// address to load. Nothing is fetched.
func (s *Session) Resolve(ctx context.Context) (ContentAddress, error) {
	if s.cfg.Resolver == nil {
		return "", &StageError{Stage: StageResolve, Err: errors.New("no resolver configured")}
	}
	addr, err := ResolveHead(ctx, s.cfg.Resolver, s.cfg.NameFile, s.cfg.ResolveTimeout)
	if err != nil {
		return "", &StageError{Stage: StageResolve, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = addr
	s.chain = newChainState()
	return addr, nil
}

// Fetch loads the batch at addr and starts a new chain from it. If nothing
// was emitted the session keeps its previous chain and pointer.
func (s *Session) Fetch(ctx context.Context, addr ContentAddress) (*WalkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := newChainState()
	res := s.walker.walk(ctx, chain, addr, WalkOptions{MaxBatches: 1})
	if len(res.Batches) == 0 {
		return res, res.Err
	}
	s.chain = chain
	s.advance(res)
	return res, res.Err
}

// Chain loads the batch at the remembered pointer.
func (s *Session) Chain(ctx context.Context) (*WalkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next == "" {
		return nil, ErrNoPrevious
	}
	res := s.walker.walk(ctx, s.chain, s.next, WalkOptions{MaxBatches: 1})
	s.advance(res)
	return res, res.Err
}

func (s *Session) advance(res *WalkResult) {
	switch res.State {
	case StateDone:
		s.next = ""
	case StateStopped:
		if res.Err == nil {
			s.next = res.Next
		}
	case StateFailed:
		if errors.Is(res.Err, ErrCycleDetected) {
			s.next = ""
		}
	}
}

// Next returns the address Chain would load, or "" at the end of the chain.
func (s *Session) Next() ContentAddress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}
