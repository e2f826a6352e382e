package ledger

import (
	"context"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/veilbet/veilbet/log/testlogger"
	"github.com/veilbet/veilbet/transition"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(context.Background(), testlogger.New(t), t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestCreateMarketGate(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	priv, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	identity := ethcrypto.PubkeyToAddress(priv.PublicKey).Hex()

	blob := []byte("initial state")
	sig, err := transition.Sign(priv, transition.EmptyMarker, blob)
	require.NoError(t, err)

	m, err := s.CreateMarket(ctx, "", "title", "desc", identity, blob, sig)
	require.NoError(t, err)
	require.NotEmpty(t, m.ID)
	require.Equal(t, StatusActive, m.Status)

	// A registration not signed against the empty marker is rejected.
	badSig, err := transition.Sign(priv, []byte("not the marker"), blob)
	require.NoError(t, err)
	_, err = s.CreateMarket(ctx, "", "t", "d", identity, blob, badSig)
	require.ErrorIs(t, err, transition.ErrSignatureMismatch)

	// A registration signed by a different key is rejected.
	other, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	otherSig, err := transition.Sign(other, transition.EmptyMarker, blob)
	require.NoError(t, err)
	_, err = s.CreateMarket(ctx, "", "t", "d", identity, blob, otherSig)
	require.ErrorIs(t, err, transition.ErrSignatureMismatch)
}

func TestUpdateStateGate(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	priv, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	identity := ethcrypto.PubkeyToAddress(priv.PublicKey).Hex()

	blob := []byte("state v0")
	sig, err := transition.Sign(priv, transition.EmptyMarker, blob)
	require.NoError(t, err)
	m, err := s.CreateMarket(ctx, "", "title", "desc", identity, blob, sig)
	require.NoError(t, err)

	next := []byte("state v1")
	nextSig, err := transition.Sign(priv, blob, next)
	require.NoError(t, err)
	require.NoError(t, s.UpdateState(ctx, m.ID, next, nextSig))

	got, err := s.Market(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, next, got.CurrentBlob)
	require.Equal(t, uint64(1), got.Updates)

	// Replaying the same transition fails: the previous side moved on.
	require.ErrorIs(t, s.UpdateState(ctx, m.ID, next, nextSig), transition.ErrSignatureMismatch)

	// A forged update leaves the store unchanged.
	forged := []byte("forged state")
	other, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	forgedSig, err := transition.Sign(other, next, forged)
	require.NoError(t, err)
	require.ErrorIs(t, s.UpdateState(ctx, m.ID, forged, forgedSig), transition.ErrSignatureMismatch)

	got, err = s.Market(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, next, got.CurrentBlob)
	require.Equal(t, uint64(1), got.Updates)

	require.ErrorIs(t, s.UpdateState(ctx, "missing", next, nextSig), ErrMarketNotFound)
}

func TestFinishMarketStopsVotes(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	priv, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	identity := ethcrypto.PubkeyToAddress(priv.PublicKey).Hex()
	blob := []byte("state v0")
	sig, err := transition.Sign(priv, transition.EmptyMarker, blob)
	require.NoError(t, err)
	m, err := s.CreateMarket(ctx, "", "title", "desc", identity, blob, sig)
	require.NoError(t, err)

	_, err = s.SubmitVote(ctx, VoteSubmitted{MarketID: m.ID, VoterAddress: "alice", Amount: 10})
	require.NoError(t, err)

	require.NoError(t, s.FinishMarket(ctx, m.ID))
	_, err = s.SubmitVote(ctx, VoteSubmitted{MarketID: m.ID, VoterAddress: "bob", Amount: 10})
	require.ErrorIs(t, err, ErrMarketFinished)

	next := []byte("state v1")
	nextSig, err := transition.Sign(priv, blob, next)
	require.NoError(t, err)
	require.ErrorIs(t, s.UpdateState(ctx, m.ID, next, nextSig), ErrMarketFinished)
}

func TestWatchDeliversInOrder(t *testing.T) {
	s := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	priv, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	identity := ethcrypto.PubkeyToAddress(priv.PublicKey).Hex()
	blob := []byte("state v0")
	sig, err := transition.Sign(priv, transition.EmptyMarker, blob)
	require.NoError(t, err)
	m, err := s.CreateMarket(ctx, "", "title", "desc", identity, blob, sig)
	require.NoError(t, err)

	events := s.Watch(ctx)
	for i, voter := range []string{"alice", "bob", "carol"} {
		_, err := s.SubmitVote(ctx, VoteSubmitted{MarketID: m.ID, VoterAddress: voter, Amount: int64(i + 1)})
		require.NoError(t, err)
	}

	for _, expected := range []string{"alice", "bob", "carol"} {
		ev := <-events
		require.Equal(t, expected, ev.VoterAddress)
		require.Equal(t, m.ID, ev.MarketID)
		require.NotEmpty(t, ev.ID)
	}

	cancel()
	_, open := <-events
	require.False(t, open)
}
