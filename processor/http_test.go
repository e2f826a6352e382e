package processor

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veilbet/veilbet/key"
	"github.com/veilbet/veilbet/log/testlogger"
	"github.com/veilbet/veilbet/pre"
	"github.com/veilbet/veilbet/transition"
)

type httpFixture struct {
	group    *key.Group
	frags    []*key.Fragment
	receiver *key.Pair
	client   *Client
}

func newHTTPFixture(t *testing.T) *httpFixture {
	t.Helper()
	n, thr := 5, 3
	frags, commits, err := key.Deal(n, thr)
	require.NoError(t, err)
	receiver := key.NewPair()
	signer, err := key.NewSigningKey()
	require.NoError(t, err)
	group := key.NewGroup(thr, commits, make([]string, n), receiver.Public, signer.Address())

	proc := New(group, receiver, signer, WithLogger(testlogger.New(t)))
	srv := httptest.NewServer(NewHandler(proc, testlogger.New(t)))
	t.Cleanup(srv.Close)

	return &httpFixture{
		group:    group,
		frags:    frags,
		receiver: receiver,
		client:   NewClient(srv.URL),
	}
}

// sealAndReEncrypt plays voter plus quorum in-process: it seals a vote
// towards the master key and produces the threshold's worth of fragments.
func (f *httpFixture) sealAndReEncrypt(t *testing.T, marketID string, v *Vote) ([]byte, *pre.KeyCiphertext, *pre.Capsule, []*pre.CapsuleFragment) {
	t.Helper()
	encVote, capsule, keyCt, err := SealVote(f.group.MasterPublic(), marketID, v)
	require.NoError(t, err)
	cfrags := make([]*pre.CapsuleFragment, 0, f.group.Threshold)
	for _, frag := range f.frags[:f.group.Threshold] {
		cf, err := pre.ReEncrypt(frag.PriShare(), capsule, f.receiver.Public)
		require.NoError(t, err)
		cfrags = append(cfrags, cf)
	}
	return encVote, keyCt, capsule, cfrags
}

func (f *httpFixture) submit(t *testing.T, marketID string, blob []byte, voter string, amount int64, option Option) ([]byte, []byte, error) {
	t.Helper()
	encVote, keyCt, capsule, cfrags := f.sealAndReEncrypt(t, marketID, &Vote{Voter: voter, Amount: amount, Option: option})
	return f.client.SubmitVote(context.Background(), marketID, blob, encVote, keyCt, capsule, cfrags)
}

func TestHTTPInitialize(t *testing.T) {
	f := newHTTPFixture(t)
	ctx := context.Background()

	blob, sig, err := f.client.Initialize(ctx, "m1")
	require.NoError(t, err)
	require.NoError(t, transition.VerifyHex(transition.EmptyMarker, blob, sig, f.group.ProcessorAddress))
}

func TestHTTPVoteChain(t *testing.T) {
	f := newHTTPFixture(t)
	ctx := context.Background()

	blob, _, err := f.client.Initialize(ctx, "m1")
	require.NoError(t, err)

	next, sig, err := f.submit(t, "m1", blob, "alice", 100, OptionA)
	require.NoError(t, err)
	require.NoError(t, transition.VerifyHex(blob, next, sig, f.group.ProcessorAddress))

	// The superseded blob is stale.
	_, _, err = f.submit(t, "m1", blob, "bob", 50, OptionB)
	require.ErrorIs(t, err, ErrStaleState)

	// Voting twice is rejected with the sentinel preserved across HTTP.
	_, _, err = f.submit(t, "m1", next, "alice", 50, OptionB)
	require.ErrorIs(t, err, ErrDuplicateVoter)
}

func TestHTTPRejectsInvalidVote(t *testing.T) {
	f := newHTTPFixture(t)
	ctx := context.Background()

	blob, _, err := f.client.Initialize(ctx, "m1")
	require.NoError(t, err)

	_, _, err = f.submit(t, "m1", blob, "alice", -100, OptionA)
	require.ErrorIs(t, err, ErrInvalidVote)
}

func TestHTTPTooFewFragments(t *testing.T) {
	f := newHTTPFixture(t)
	ctx := context.Background()

	blob, _, err := f.client.Initialize(ctx, "m1")
	require.NoError(t, err)

	encVote, capsule, keyCt, err := SealVote(f.group.MasterPublic(), "m1", &Vote{Voter: "alice", Amount: 10, Option: OptionA})
	require.NoError(t, err)
	cf, err := pre.ReEncrypt(f.frags[0].PriShare(), capsule, f.receiver.Public)
	require.NoError(t, err)

	_, _, err = f.client.SubmitVote(ctx, "m1", blob, encVote, keyCt, capsule, []*pre.CapsuleFragment{cf})
	require.ErrorIs(t, err, pre.ErrTooFewFragments)
}

func TestHTTPUnknownMarket(t *testing.T) {
	f := newHTTPFixture(t)
	ctx := context.Background()

	require.ErrorIs(t, f.client.Finish(ctx, "nope"), ErrUnknownMarket)
	_, err := f.client.Payouts(ctx, "nope", []byte("blob"), OptionA)
	require.ErrorIs(t, err, ErrUnknownMarket)
}

func TestHTTPFullMarketCycle(t *testing.T) {
	f := newHTTPFixture(t)
	ctx := context.Background()

	blob, _, err := f.client.Initialize(ctx, "m1")
	require.NoError(t, err)
	blob, _, err = f.submit(t, "m1", blob, "alice", 100, OptionA)
	require.NoError(t, err)
	blob, _, err = f.submit(t, "m1", blob, "bob", 300, OptionB)
	require.NoError(t, err)

	require.NoError(t, f.client.Finish(ctx, "m1"))

	// No more votes after finish.
	_, _, err = f.submit(t, "m1", blob, "carol", 50, OptionA)
	require.ErrorIs(t, err, ErrInvalidPhase)

	report, err := f.client.Payouts(ctx, "m1", blob, OptionA)
	require.NoError(t, err)
	require.Equal(t, int64(400), report.TotalPool)
	require.Equal(t, int64(100), report.TotalWinnerStake)
	require.Len(t, report.Payouts, 2)
	byVoter := map[string]int64{}
	for _, p := range report.Payouts {
		byVoter[p.Voter] = p.Amount
	}
	require.Equal(t, int64(400), byVoter["alice"])
	require.Equal(t, int64(0), byVoter["bob"])
}
