package logchain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultFetchTimeout bounds a single fetch when WalkerConfig.FetchTimeout is zero.
const DefaultFetchTimeout = 30 * time.Second

// State is a chain walk state.
type State int

// Walk states. Done, Failed and Stopped are terminal.
const (
	StateIdle State = iota
	StateFetching
	StateDecrypting
	StateParsing
	StateEmitted
	StateFollowing
	StateDone
	StateFailed
	StateStopped
)

var stateNames = [...]string{
	StateIdle:       "idle",
	StateFetching:   "fetching",
	StateDecrypting: "decrypting",
	StateParsing:    "parsing",
	StateEmitted:    "emitted",
	StateFollowing:  "following",
	StateDone:       "done",
	StateFailed:     "failed",
	StateStopped:    "stopped",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateStopped
}

// WalkerConfig holds the collaborators of a Walker.
type WalkerConfig struct {
	Fetcher      Fetcher
	Decryptor    *Decryptor
	Sink         Sink
	FetchTimeout time.Duration // per fetch; DefaultFetchTimeout when zero
	Policy       RecordPolicy
	Logger       *logrus.Logger

	// OnTransition, when set, is called on every state change.
	OnTransition func(from, to State, addr ContentAddress)
}

// Walker follows a chain of encrypted batches from the newest backward.
// A Walker holds no per-walk state and may run several walks, one after another
// or concurrently.
type Walker struct {
	cfg WalkerConfig
	log *logrus.Logger
}

// NewWalker validates cfg and returns a Walker.
func NewWalker(cfg WalkerConfig) (*Walker, error) {
	if cfg.Fetcher == nil {
		return nil, errors.New("walker: fetcher is required")
	}
	if cfg.Decryptor == nil {
		return nil, errors.New("walker: decryptor is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("walker: sink is required")
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.New()
	}
	return &Walker{cfg: cfg, log: log}, nil
}

// WalkOptions limits a walk.
type WalkOptions struct {
	// MaxBatches stops the walk after that many batches were emitted.
	// Zero means follow the chain to its end.
	MaxBatches int
}

// WalkResult reports how a walk ended.
type WalkResult struct {
	State   State
	Batches []*Batch         // emitted batches, newest first
	Visited []ContentAddress // addresses emitted during this walk, in order
	Next    ContentAddress   // where a Stopped walk would continue
	Err     error            // *StageError when Failed, ctx error when cancelled
}

// chainState is the traversal state of one walk. A Session keeps it across calls
// so that continuing a chain still detects cycles through earlier batches.
type chainState struct {
	visited map[ContentAddress]struct{}
}

func newChainState() *chainState {
	return &chainState{visited: make(map[ContentAddress]struct{})}
}

func (cs *chainState) seen(addr ContentAddress) bool {
	_, ok := cs.visited[addr]
	return ok
}

// Walk fetches, decrypts and emits the batch at start, then follows prev_cid
// pointers until the chain ends, a cycle is found, a step fails or opts stops it.
// The returned error is result.Err.
func (w *Walker) Walk(ctx context.Context, start ContentAddress, opts WalkOptions) (*WalkResult, error) {
	res := w.walk(ctx, newChainState(), start, opts)
	return res, res.Err
}

func (w *Walker) walk(ctx context.Context, cs *chainState, start ContentAddress, opts WalkOptions) *WalkResult {
	res := &WalkResult{State: StateIdle}
	addr := start
	log := w.log.WithField("start", string(start))

	fail := func(stage Stage, at ContentAddress, err error) *WalkResult {
		w.transition(res, StateFailed, at)
		res.Err = &StageError{Stage: stage, Address: at, Err: err}
		log.WithFields(logrus.Fields{"cid": string(at), "stage": string(stage)}).
			WithError(res.Err).Error("chain walk failed")
		return res
	}

	if addr == "" {
		return fail(StageFetch, addr, fmt.Errorf("%w: empty content address", ErrFetch))
	}
	if cs.seen(addr) {
		return fail(StageFollow, addr, fmt.Errorf("%w: %s", ErrCycleDetected, addr))
	}

	for {
		if err := ctx.Err(); err != nil {
			return w.stop(res, addr, err)
		}

		w.transition(res, StateFetching, addr)
		blob, err := w.fetch(ctx, addr)
		if err != nil {
			if ctx.Err() != nil {
				return w.stop(res, addr, ctx.Err())
			}
			return fail(StageFetch, addr, err)
		}

		w.transition(res, StateDecrypting, addr)
		env, err := DecodeEnvelope(blob)
		if err != nil {
			return fail(StageDecode, addr, err)
		}
		plaintext, err := w.cfg.Decryptor.Open(env)
		if err != nil {
			return fail(StageDecrypt, addr, err)
		}

		w.transition(res, StateParsing, addr)
		batch, err := ParseBatch(plaintext, w.cfg.Policy)
		clear(plaintext)
		if err != nil {
			return fail(StageParse, addr, err)
		}
		batch.Address = addr
		batch.Records = SortRecords(batch.Records)

		if err := w.cfg.Sink.Emit(ctx, batch); err != nil {
			return fail(StageEmit, addr, err)
		}
		cs.visited[addr] = struct{}{}
		res.Batches = append(res.Batches, batch)
		res.Visited = append(res.Visited, addr)
		w.transition(res, StateEmitted, addr)

		entry := log.WithFields(logrus.Fields{
			"cid":     string(addr),
			"records": len(batch.Records),
			"prev":    string(batch.Prev),
		})
		if n := len(batch.Rejected); n > 0 {
			entry.WithField("rejected", n).Warn("batch emitted with undecodable records")
		} else {
			entry.Info("batch emitted")
		}

		w.transition(res, StateFollowing, addr)
		switch {
		case batch.Prev == "":
			w.transition(res, StateDone, addr)
			log.WithField("batches", len(res.Batches)).Info("chain walk complete")
			return res
		case cs.seen(batch.Prev):
			return fail(StageFollow, batch.Prev, fmt.Errorf("%w: %s points back to %s", ErrCycleDetected, addr, batch.Prev))
		case opts.MaxBatches > 0 && len(res.Batches) >= opts.MaxBatches:
			return w.stop(res, batch.Prev, nil)
		}
		addr = batch.Prev
	}
}

// fetch runs one bounded fetch. Errors always match ErrFetch, and also ErrTimeout
// when the per-fetch deadline expired.
func (w *Walker) fetch(ctx context.Context, addr ContentAddress) ([]byte, error) {
	fctx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()

	blob, err := w.cfg.Fetcher.Fetch(fctx, addr)
	if err == nil {
		return blob, nil
	}
	if ctx.Err() == nil && errors.Is(fctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		return nil, fmt.Errorf("%w: %w: no response within %s", ErrFetch, ErrTimeout, w.cfg.FetchTimeout)
	}
	if !errors.Is(err, ErrFetch) {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	return nil, err
}

func (w *Walker) stop(res *WalkResult, next ContentAddress, err error) *WalkResult {
	w.transition(res, StateStopped, next)
	res.Next = next
	res.Err = err
	w.log.WithFields(logrus.Fields{
		"next":    string(next),
		"batches": len(res.Batches),
	}).Info("chain walk stopped")
	return res
}

func (w *Walker) transition(res *WalkResult, to State, addr ContentAddress) {
	from := res.State
	res.State = to
	if w.cfg.OnTransition != nil {
		w.cfg.OnTransition(from, to, addr)
	}
	w.log.WithFields(logrus.Fields{"cid": string(addr), "from": from.String(), "to": to.String()}).
		Trace("walker transition")
}
