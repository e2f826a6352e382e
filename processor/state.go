package processor

import (
	"fmt"

	json "github.com/nikkolasg/hexjson"
)

// StateSchema tags every serialized aggregate state; unknown versions are a
// typed error, not a runtime surprise.
const StateSchema = 1

// VoteSchema tags every serialized plaintext vote record.
const VoteSchema = 1

// Option is a betting option.
type Option string

const (
	OptionA Option = "A"
	OptionB Option = "B"
)

// Valid reports whether the option is one of the two accepted values.
func (o Option) Valid() bool {
	return o == OptionA || o == OptionB
}

// Vote is the plaintext vote record carried inside an encrypted vote.
type Vote struct {
	Schema int    `json:"schema"`
	Voter  string `json:"voter"`
	Amount int64  `json:"amount"`
	Option Option `json:"option"`
}

// VoteRecord is one voter's entry in the aggregate state.
type VoteRecord struct {
	Amount int64  `json:"amount"`
	Option Option `json:"option"`
}

// Metrics are the plaintext disclosure ratios attached to the state on
// reveal transitions only. All values are integer basis points.
type Metrics struct {
	VoteRatioA  int64 `json:"vote_ratio_a"`
	VoteRatioB  int64 `json:"vote_ratio_b"`
	FundsRatioA int64 `json:"funds_ratio_a"`
	FundsRatioB int64 `json:"funds_ratio_b"`
}

// Aggregate is the running confidential ledger of one market. It exists in
// plaintext only transiently inside the processor; at rest it is always a
// sealed blob.
type Aggregate struct {
	Schema     int                   `json:"schema"`
	Votes      map[string]VoteRecord `json:"votes"`
	TotalVotes int                   `json:"total_votes"`
	VotesA     int                   `json:"votes_a"`
	VotesB     int                   `json:"votes_b"`
	StakeA     int64                 `json:"stake_a"`
	StakeB     int64                 `json:"stake_b"`
	Metrics    *Metrics              `json:"metrics,omitempty"`
}

func newAggregate() *Aggregate {
	return &Aggregate{
		Schema: StateSchema,
		Votes:  make(map[string]VoteRecord),
	}
}

// insert adds a vote and recomputes the derived counters.
func (a *Aggregate) insert(v *Vote) {
	a.Votes[v.Voter] = VoteRecord{Amount: v.Amount, Option: v.Option}
	a.TotalVotes = len(a.Votes)
	a.VotesA, a.VotesB = 0, 0
	a.StakeA, a.StakeB = 0, 0
	for _, rec := range a.Votes {
		switch rec.Option {
		case OptionA:
			a.VotesA++
			a.StakeA += rec.Amount
		case OptionB:
			a.VotesB++
			a.StakeB += rec.Amount
		}
	}
}

// computeMetrics derives the disclosure ratios from the current counters.
func (a *Aggregate) computeMetrics() *Metrics {
	m := &Metrics{}
	if a.TotalVotes > 0 {
		m.VoteRatioA = int64(a.VotesA) * 10000 / int64(a.TotalVotes)
		m.VoteRatioB = int64(a.VotesB) * 10000 / int64(a.TotalVotes)
	}
	if pool := a.StakeA + a.StakeB; pool > 0 {
		m.FundsRatioA = a.StakeA * 10000 / pool
		m.FundsRatioB = a.StakeB * 10000 / pool
	}
	return m
}

func (a *Aggregate) encode() ([]byte, error) {
	return json.Marshal(a)
}

func decodeAggregate(data []byte) (*Aggregate, error) {
	a := new(Aggregate)
	if err := json.Unmarshal(data, a); err != nil {
		return nil, fmt.Errorf("decoding aggregate state: %w", err)
	}
	if a.Schema != StateSchema {
		return nil, fmt.Errorf("unknown aggregate state schema %d", a.Schema)
	}
	if a.Votes == nil {
		a.Votes = make(map[string]VoteRecord)
	}
	return a, nil
}

func decodeVote(data []byte) (*Vote, error) {
	v := new(Vote)
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVote, err)
	}
	if v.Schema != VoteSchema {
		return nil, fmt.Errorf("%w: unknown vote schema %d", ErrInvalidVote, v.Schema)
	}
	return v, nil
}
