// Package processor implements the secure state processor: the only
// component able to finish threshold decryption, apply votes to the sealed
// aggregate state and sign the resulting transitions. Every market advances
// through Uninitialized → Active → Finished → PayoutsComputed, one
// transition at a time; the one-time key sealing the current blob lives
// only in processor memory and is zeroed the moment its blob is superseded.
package processor

import (
	"errors"
	"fmt"
	"sync"

	"github.com/veilbet/veilbet/key"
	"github.com/veilbet/veilbet/log"
	"github.com/veilbet/veilbet/pre"
	"github.com/veilbet/veilbet/transition"
)

var (
	// ErrInvalidVote rejects votes with a non-positive amount, an unknown
	// option or an undecryptable payload. No state change.
	ErrInvalidVote = errors.New("invalid vote")
	// ErrDuplicateVoter rejects a second vote from the same identity.
	ErrDuplicateVoter = errors.New("duplicate voter")
	// ErrStaleState is returned when the submitted blob does not
	// authenticate under the current one-time key, i.e. it is not the
	// blob this processor produced last.
	ErrStaleState = errors.New("stale or foreign state blob")
	// ErrInvalidPhase rejects an operation not valid in the market's
	// current phase.
	ErrInvalidPhase = errors.New("operation invalid in current market phase")
	// ErrKeyReuse signals the fatal invariant breach of rotating onto a
	// key fingerprint that was already retired. It must never occur.
	ErrKeyReuse = errors.New("one-time key reuse detected")
	// ErrUnknownMarket is returned for operations on markets that were
	// never initialized.
	ErrUnknownMarket = errors.New("unknown market")
)

// Status is the per-market phase of the state machine.
type Status int

const (
	Uninitialized Status = iota
	Active
	Finished
	PayoutsComputed
)

func (s Status) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Active:
		return "active"
	case Finished:
		return "finished"
	case PayoutsComputed:
		return "payouts-computed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// DefaultRevealEvery is the disclosure interval when none is configured:
// metrics are attached whenever total votes hit a multiple of it.
const DefaultRevealEvery = 5

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithRevealEvery sets the disclosure interval.
func WithRevealEvery(k int) ProcessorOption {
	return func(p *Processor) {
		if k > 0 {
			p.revealEvery = k
		}
	}
}

// WithLogger sets the logger used by the processor.
func WithLogger(l log.Logger) ProcessorOption {
	return func(p *Processor) {
		p.log = l
	}
}

// market is the per-market serialization point and key chain.
type market struct {
	mu       sync.Mutex
	status   Status
	stateKey []byte
	retired  map[[32]byte]struct{}
}

// Processor is the secure state processor. Markets are independent; the
// per-market mutex serializes transitions so the key chain can never fork.
type Processor struct {
	log         log.Logger
	group       *key.Group
	receiver    *key.Pair
	signer      *key.SigningKey
	revealEvery int

	mu      sync.Mutex
	markets map[string]*market
}

// New returns a processor for the given group, holding the receiving
// keypair that fragments are re-encrypted towards and the persistent
// signing key whose address is the registered processor identity.
func New(group *key.Group, receiver *key.Pair, signer *key.SigningKey, opts ...ProcessorOption) *Processor {
	p := &Processor{
		log:         log.DefaultLogger().Named("processor"),
		group:       group,
		receiver:    receiver,
		signer:      signer,
		revealEvery: DefaultRevealEvery,
		markets:     make(map[string]*market),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Identity returns the registered processor identity (the signing address).
func (p *Processor) Identity() string {
	return p.signer.Address()
}

// Status returns the current phase of a market.
func (p *Processor) Status(marketID string) Status {
	p.mu.Lock()
	m, ok := p.markets[marketID]
	p.mu.Unlock()
	if !ok {
		return Uninitialized
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// InitializeState seals an empty aggregate state under a fresh one-time key
// and signs (EmptyMarker, blob). Moves the market Uninitialized → Active.
func (p *Processor) InitializeState(marketID string) (blob, signature []byte, err error) {
	p.mu.Lock()
	if _, ok := p.markets[marketID]; ok {
		p.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: market %q already initialized", ErrInvalidPhase, marketID)
	}
	m := &market{retired: make(map[[32]byte]struct{})}
	p.markets[marketID] = m
	p.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	stateKey, err := newOneTimeKey()
	if err != nil {
		return nil, nil, err
	}
	plain, err := newAggregate().encode()
	if err != nil {
		return nil, nil, err
	}
	blob, err = seal(stateKey, plain, []byte(marketID))
	if err != nil {
		return nil, nil, err
	}
	signature, err = transition.Sign(p.signer.PrivateKey, transition.EmptyMarker, blob)
	if err != nil {
		return nil, nil, err
	}

	m.stateKey = stateKey
	m.status = Active
	p.log.Infow("market initialized", "market", marketID, "identity", p.Identity())
	return blob, signature, nil
}

// ProcessVote performs one confidential state transition. It combines the
// fragments to recover the vote's one-time key, decrypts the vote and the
// current blob, applies the vote, seals the updated state under a brand-new
// key and signs (currentBlob, newBlob). Any failure before the reseal
// leaves the market untouched and the caller's blob still current.
func (p *Processor) ProcessVote(marketID string, currentBlob, encryptedVote []byte,
	keyCt *pre.KeyCiphertext, capsule *pre.Capsule, frags []*pre.CapsuleFragment) (newBlob, signature []byte, err error) {
	m, err := p.market(marketID)
	if err != nil {
		return nil, nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != Active {
		return nil, nil, fmt.Errorf("%w: market %q is %s", ErrInvalidPhase, marketID, m.status)
	}
	aad := []byte(marketID)

	// (1) The processor re-verifies every fragment during combination; it
	// does not trust the coordinator's filtering.
	voteKey, err := pre.Combine(capsule, keyCt, frags, p.group.Threshold, p.group.Len(),
		p.receiver.Key, p.group.PubPoly())
	if err != nil {
		return nil, nil, fmt.Errorf("combining fragments: %w", err)
	}
	defer zero(voteKey)

	// (2) Decrypt and validate the vote.
	votePlain, err := open(voteKey, encryptedVote, aad)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: vote does not authenticate: %v", ErrInvalidVote, err)
	}
	vote, err := decodeVote(votePlain)
	if err != nil {
		return nil, nil, err
	}
	if vote.Voter == "" {
		return nil, nil, fmt.Errorf("%w: empty voter identity", ErrInvalidVote)
	}
	if vote.Amount <= 0 {
		return nil, nil, fmt.Errorf("%w: amount %d", ErrInvalidVote, vote.Amount)
	}
	if !vote.Option.Valid() {
		return nil, nil, fmt.Errorf("%w: option %q", ErrInvalidVote, vote.Option)
	}

	// (3) Decrypt the current state with the internally tracked key.
	statePlain, err := open(m.stateKey, currentBlob, aad)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrStaleState, err)
	}
	agg, err := decodeAggregate(statePlain)
	if err != nil {
		return nil, nil, err
	}

	// (4) One vote per identity.
	if _, ok := agg.Votes[vote.Voter]; ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrDuplicateVoter, vote.Voter)
	}

	// (5) Apply and recount.
	agg.insert(vote)

	// (6) Attach disclosure metrics on reveal transitions only.
	agg.Metrics = nil
	if agg.TotalVotes%p.revealEvery == 0 {
		agg.Metrics = agg.computeMetrics()
	}

	// (7) Rotate to a brand-new one-time key and reseal.
	newKey, err := newOneTimeKey()
	if err != nil {
		return nil, nil, err
	}
	fp := fingerprint(newKey)
	if _, reused := m.retired[fp]; reused {
		return nil, nil, ErrKeyReuse
	}
	newPlain, err := agg.encode()
	if err != nil {
		return nil, nil, err
	}
	newBlob, err = seal(newKey, newPlain, aad)
	if err != nil {
		return nil, nil, err
	}

	// (8) Sign the transition.
	signature, err = transition.Sign(p.signer.PrivateKey, currentBlob, newBlob)
	if err != nil {
		return nil, nil, err
	}

	// Commit: retire and irreversibly discard the previous state key.
	m.retired[fingerprint(m.stateKey)] = struct{}{}
	zero(m.stateKey)
	m.stateKey = newKey

	p.log.Debugw("vote processed", "market", marketID, "total_votes", agg.TotalVotes,
		"reveal", agg.Metrics != nil)
	return newBlob, signature, nil
}

// FinishBetting closes the market to further votes. Active → Finished.
func (p *Processor) FinishBetting(marketID string) error {
	m, err := p.market(marketID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != Active {
		return fmt.Errorf("%w: market %q is %s", ErrInvalidPhase, marketID, m.status)
	}
	m.status = Finished
	p.log.Infow("betting finished", "market", marketID)
	return nil
}

// ComputePayouts decrypts the final blob and computes each voter's payout
// for the winning option. Finished → PayoutsComputed (terminal); the
// market's last one-time key is discarded on the way out.
func (p *Processor) ComputePayouts(marketID string, finalBlob []byte, winner Option) (*PayoutReport, error) {
	m, err := p.market(marketID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != Finished {
		return nil, fmt.Errorf("%w: market %q is %s", ErrInvalidPhase, marketID, m.status)
	}
	if !winner.Valid() {
		return nil, fmt.Errorf("%w: winning option %q", ErrInvalidVote, winner)
	}

	statePlain, err := open(m.stateKey, finalBlob, []byte(marketID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStaleState, err)
	}
	agg, err := decodeAggregate(statePlain)
	if err != nil {
		return nil, err
	}

	report := computePayouts(agg, winner)

	m.retired[fingerprint(m.stateKey)] = struct{}{}
	zero(m.stateKey)
	m.stateKey = nil
	m.status = PayoutsComputed
	p.log.Infow("payouts computed", "market", marketID, "winner", winner,
		"pool", report.TotalPool, "winners", report.Winners)
	return report, nil
}

func (p *Processor) market(marketID string) (*market, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.markets[marketID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMarket, marketID)
	}
	return m, nil
}
