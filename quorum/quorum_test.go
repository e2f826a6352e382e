package quorum

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/veilbet/veilbet/holder"
	"github.com/veilbet/veilbet/key"
	"github.com/veilbet/veilbet/log/testlogger"
	"github.com/veilbet/veilbet/pre"
)

// localEndpoint serves a holder in-process.
type localEndpoint struct {
	h *holder.Holder
}

func (e *localEndpoint) Index() int {
	return e.h.Index()
}

func (e *localEndpoint) ReEncrypt(_ context.Context, capsule *pre.Capsule) (*pre.CapsuleFragment, error) {
	return e.h.ReEncrypt(capsule)
}

// blockingEndpoint never answers until cancelled: an honest but slow holder.
type blockingEndpoint struct {
	index int
}

func (e *blockingEndpoint) Index() int {
	return e.index
}

func (e *blockingEndpoint) ReEncrypt(ctx context.Context, _ *pre.Capsule) (*pre.CapsuleFragment, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type fixture struct {
	group    *key.Group
	frags    []*key.Fragment
	receiver *key.Pair
}

func newFixture(t *testing.T, n, thr int) *fixture {
	t.Helper()
	frags, commits, err := key.Deal(n, thr)
	require.NoError(t, err)
	receiver := key.NewPair()
	return &fixture{
		group:    key.NewGroup(thr, commits, make([]string, n), receiver.Public, ""),
		frags:    frags,
		receiver: receiver,
	}
}

func (f *fixture) endpoints(t *testing.T, modes ...holder.FaultMode) []Endpoint {
	t.Helper()
	eps := make([]Endpoint, len(modes))
	for i, mode := range modes {
		h := holder.New(f.frags[i], f.group,
			holder.WithFaultMode(mode), holder.WithLogger(testlogger.New(t)))
		eps[i] = &localEndpoint{h: h}
	}
	return eps
}

func (f *fixture) encrypt(t *testing.T) (*pre.Capsule, *pre.KeyCiphertext, []byte) {
	t.Helper()
	keyBytes := make([]byte, pre.KeySize)
	for i := range keyBytes {
		keyBytes[i] = byte(i * 3)
	}
	capsule, ct := pre.EncryptKey(f.group.MasterPublic(), keyBytes)
	return capsule, ct, keyBytes
}

func TestCollectAllHealthy(t *testing.T) {
	f := newFixture(t, 5, 3)
	eps := f.endpoints(t, holder.Healthy, holder.Healthy, holder.Healthy, holder.Healthy, holder.Healthy)
	c := New(f.group, eps, WithLogger(testlogger.New(t)))

	capsule, ct, keyBytes := f.encrypt(t)
	frags, err := c.Collect(context.Background(), capsule)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(frags), 3)

	recovered, err := pre.Combine(capsule, ct, frags, 3, 5, f.receiver.Key, f.group.PubPoly())
	require.NoError(t, err)
	require.Equal(t, keyBytes, recovered)
}

func TestCollectToleratesFaultyHolders(t *testing.T) {
	f := newFixture(t, 5, 3)
	// n − t = 2 faulty holders: one corrupt, one unavailable.
	eps := f.endpoints(t, holder.Corrupt, holder.Healthy, holder.Unavailable, holder.Healthy, holder.Healthy)
	c := New(f.group, eps, WithLogger(testlogger.New(t)))

	capsule, ct, keyBytes := f.encrypt(t)
	frags, err := c.Collect(context.Background(), capsule)
	require.NoError(t, err)

	recovered, err := pre.Combine(capsule, ct, frags, 3, 5, f.receiver.Key, f.group.PubPoly())
	require.NoError(t, err)
	require.Equal(t, keyBytes, recovered)
}

func TestCollectFailsBeyondTolerance(t *testing.T) {
	f := newFixture(t, 5, 3)
	// n − t + 1 = 3 faulty holders break the quorum.
	eps := f.endpoints(t, holder.Corrupt, holder.Corrupt, holder.Unavailable, holder.Healthy, holder.Healthy)
	c := New(f.group, eps, WithLogger(testlogger.New(t)))

	capsule, _, _ := f.encrypt(t)
	_, err := c.Collect(context.Background(), capsule)
	require.ErrorIs(t, err, ErrQuorumFailure)
}

func TestCollectHonestButSlow(t *testing.T) {
	f := newFixture(t, 3, 2)
	healthy := f.endpoints(t, holder.Healthy)
	eps := []Endpoint{healthy[0], &blockingEndpoint{index: 1}, &blockingEndpoint{index: 2}}

	clock := clockwork.NewFakeClock()
	c := New(f.group, eps,
		WithLogger(testlogger.New(t)),
		WithClock(clock),
		WithTimeout(time.Second))

	capsule, _, _ := f.encrypt(t)
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Collect(context.Background(), capsule)
		errCh <- err
	}()

	// Wait until all three requests are parked on their timeout, then
	// let the slow holders time out.
	clock.BlockUntil(3)
	clock.Advance(2 * time.Second)

	require.ErrorIs(t, <-errCh, ErrQuorumFailure)
}

func TestCollectEarlyExitIgnoresStragglers(t *testing.T) {
	f := newFixture(t, 3, 2)
	healthy := f.endpoints(t, holder.Healthy, holder.Healthy)
	eps := []Endpoint{healthy[0], healthy[1], &blockingEndpoint{index: 2}}

	// The fake clock is never advanced: success must not depend on the
	// straggler timing out.
	c := New(f.group, eps,
		WithLogger(testlogger.New(t)),
		WithClock(clockwork.NewFakeClock()),
		WithTimeout(time.Second))

	capsule, _, _ := f.encrypt(t)
	frags, err := c.Collect(context.Background(), capsule)
	require.NoError(t, err)
	require.Len(t, frags, 2)
}
