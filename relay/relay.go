// Package relay implements the listener pipeline between the ledger and
// the confidential processor: it consumes VoteSubmitted events, collects a
// fragment quorum, drives one processor transition and pushes the signed
// new state back to the ledger. Recoverable failures are retried with a
// fresh collection; per-vote rejections are reported and dropped without
// blocking other votes.
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/jonboulle/clockwork"

	"github.com/veilbet/veilbet/holder"
	"github.com/veilbet/veilbet/ledger"
	"github.com/veilbet/veilbet/log"
	"github.com/veilbet/veilbet/metrics"
	"github.com/veilbet/veilbet/pre"
	"github.com/veilbet/veilbet/processor"
	"github.com/veilbet/veilbet/quorum"
	"github.com/veilbet/veilbet/transition"
)

// Coordinator collects verified capsule fragments for one capsule.
type Coordinator interface {
	Collect(ctx context.Context, capsule *pre.Capsule) ([]*pre.CapsuleFragment, error)
}

// VoteProcessor drives one confidential state transition.
type VoteProcessor interface {
	ProcessVote(marketID string, currentBlob, encryptedVote []byte,
		keyCt *pre.KeyCiphertext, capsule *pre.Capsule, frags []*pre.CapsuleFragment) ([]byte, []byte, error)
}

// Ledger is the store the relay reads current blobs from and pushes
// verified updates to.
type Ledger interface {
	Market(ctx context.Context, marketID string) (*ledger.Market, error)
	UpdateState(ctx context.Context, marketID string, newBlob, signature []byte) error
}

// Defaults for the retry policy.
const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = 2 * time.Second
	DefaultDedupSize   = 4096
)

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithMaxAttempts sets the attempt budget for recoverable failures.
func WithMaxAttempts(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithBackoff sets the delay between attempts.
func WithBackoff(d time.Duration) RelayOption {
	return func(r *Relay) {
		r.backoff = d
	}
}

// WithClock injects the clock driving the backoff.
func WithClock(clock clockwork.Clock) RelayOption {
	return func(r *Relay) {
		r.clock = clock
	}
}

// WithLogger sets the logger used by the relay.
func WithLogger(l log.Logger) RelayOption {
	return func(r *Relay) {
		r.log = l
	}
}

// Relay wires coordinator, processor and ledger together. Events for one
// market are strictly ordered; different markets proceed in parallel.
type Relay struct {
	log         log.Logger
	coord       Coordinator
	proc        VoteProcessor
	ledger      Ledger
	clock       clockwork.Clock
	maxAttempts int
	backoff     time.Duration
	seen        *lru.Cache
}

// New returns a relay over the given collaborators.
func New(coord Coordinator, proc VoteProcessor, led Ledger, opts ...RelayOption) (*Relay, error) {
	seen, err := lru.New(DefaultDedupSize)
	if err != nil {
		return nil, err
	}
	r := &Relay{
		log:         log.DefaultLogger().Named("relay"),
		coord:       coord,
		proc:        proc,
		ledger:      led,
		clock:       clockwork.NewRealClock(),
		maxAttempts: DefaultMaxAttempts,
		backoff:     DefaultBackoff,
		seen:        seen,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run consumes events until the channel closes or the context is
// cancelled. One worker per market keeps per-market ordering strict while
// markets proceed independently.
func (r *Relay) Run(ctx context.Context, events <-chan ledger.VoteSubmitted) error {
	var wg sync.WaitGroup
	queues := make(map[string]chan ledger.VoteSubmitted)

	defer func() {
		for _, q := range queues {
			close(q)
		}
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			q, exists := queues[ev.MarketID]
			if !exists {
				q = make(chan ledger.VoteSubmitted, 64)
				queues[ev.MarketID] = q
				wg.Add(1)
				go func() {
					defer wg.Done()
					for ev := range q {
						r.Handle(ctx, ev)
					}
				}()
			}
			q <- ev
		}
	}
}

// Handle processes one event end to end, applying the retry taxonomy:
// quorum failures and unavailable holders are retried with a fresh
// collection, per-vote rejections are reported and dropped, and a
// signature mismatch at the ledger is fatal for that update.
func (r *Relay) Handle(ctx context.Context, ev ledger.VoteSubmitted) {
	l := r.log.With("market", ev.MarketID, "event", ev.ID)

	if ev.ID != "" {
		if found, _ := r.seen.ContainsOrAdd(ev.ID, struct{}{}); found {
			l.Debugw("duplicate event dropped")
			return
		}
	}

	var capsule pre.Capsule
	if err := capsule.UnmarshalBinary(ev.Capsule); err != nil {
		l.Warnw("dropping event with malformed capsule", "err", err)
		return
	}
	var keyCt pre.KeyCiphertext
	if err := keyCt.UnmarshalBinary(ev.KeyCiphertext); err != nil {
		l.Warnw("dropping event with malformed key ciphertext", "err", err)
		return
	}

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		err := r.process(ctx, ev, &capsule, &keyCt)
		switch {
		case err == nil:
			return
		case errors.Is(err, quorum.ErrQuorumFailure) || errors.Is(err, holder.ErrUnavailable):
			if attempt == r.maxAttempts {
				l.Errorw("giving up after recoverable failures", "attempts", attempt, "err", err)
				return
			}
			metrics.RelayRetries.Inc()
			l.Warnw("recoverable failure, retrying with fresh collection", "attempt", attempt, "err", err)
			r.clock.Sleep(r.backoff)
		case errors.Is(err, processor.ErrInvalidVote) || errors.Is(err, processor.ErrDuplicateVoter):
			l.Infow("vote rejected", "voter", ev.VoterAddress, "err", err)
			return
		case errors.Is(err, transition.ErrSignatureMismatch):
			// Never silently retried with the same payload.
			l.Errorw("ledger rejected signed update", "err", err)
			return
		default:
			l.Errorw("dropping event", "err", err)
			return
		}
	}
}

func (r *Relay) process(ctx context.Context, ev ledger.VoteSubmitted, capsule *pre.Capsule, keyCt *pre.KeyCiphertext) error {
	m, err := r.ledger.Market(ctx, ev.MarketID)
	if err != nil {
		return err
	}

	frags, err := r.coord.Collect(ctx, capsule)
	if err != nil {
		return err
	}

	newBlob, signature, err := r.proc.ProcessVote(ev.MarketID, m.CurrentBlob, ev.EncryptedVote, keyCt, capsule, frags)
	if err != nil {
		return err
	}

	return r.ledger.UpdateState(ctx, ev.MarketID, newBlob, signature)
}
