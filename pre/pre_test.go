package pre

import (
	"crypto/rand"
	"testing"

	"github.com/drand/kyber"
	"github.com/drand/kyber/share"
	krandom "github.com/drand/kyber/util/random"
	"github.com/stretchr/testify/require"
)

func deal(t *testing.T, n, thr int) ([]*share.PriShare, *share.PubPoly) {
	t.Helper()
	secret := Suite.Scalar().Pick(krandom.New())
	priPoly := share.NewPriPoly(Suite, thr, secret, krandom.New())
	return priPoly.Shares(n), priPoly.Commit(Suite.Point().Base())
}

func receiverPair() (kyber.Scalar, kyber.Point) {
	priv := Suite.Scalar().Pick(krandom.New())
	return priv, Suite.Point().Mul(priv, nil)
}

func randomKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestCombineRoundTrip(t *testing.T) {
	n, thr := 7, 4
	shares, commits := deal(t, n, thr)
	recvPriv, recvPub := receiverPair()

	key := randomKey(t)
	capsule, ct := EncryptKey(commits.Commit(), key)

	frags := make([]*CapsuleFragment, 0, n)
	for _, s := range shares {
		f, err := ReEncrypt(s, capsule, recvPub)
		require.NoError(t, err)
		require.NoError(t, f.Verify(capsule, recvPub, commits))
		frags = append(frags, f)
	}

	recovered, err := Combine(capsule, ct, frags, thr, n, recvPriv, commits)
	require.NoError(t, err)
	require.Equal(t, key, recovered)
}

func TestCombineAnyThresholdSubset(t *testing.T) {
	n, thr := 5, 3
	shares, commits := deal(t, n, thr)
	recvPriv, recvPub := receiverPair()

	key := randomKey(t)
	capsule, ct := EncryptKey(commits.Commit(), key)

	frags := make([]*CapsuleFragment, n)
	for i, s := range shares {
		f, err := ReEncrypt(s, capsule, recvPub)
		require.NoError(t, err)
		frags[i] = f
	}

	// Every subset of size >= threshold yields the same key.
	for mask := 0; mask < 1<<n; mask++ {
		var subset []*CapsuleFragment
		for i := 0; i < n; i++ {
			if mask&(1<<i) != 0 {
				subset = append(subset, frags[i])
			}
		}
		recovered, err := Combine(capsule, ct, subset, thr, n, recvPriv, commits)
		if len(subset) >= thr {
			require.NoError(t, err, "subset mask %b", mask)
			require.Equal(t, key, recovered, "subset mask %b", mask)
		} else {
			require.ErrorIs(t, err, ErrTooFewFragments, "subset mask %b", mask)
		}
	}
}

func TestVerifyRejectsTamperedFragment(t *testing.T) {
	n, thr := 5, 3
	shares, commits := deal(t, n, thr)
	recvPriv, recvPub := receiverPair()

	key := randomKey(t)
	capsule, ct := EncryptKey(commits.Commit(), key)

	frags := make([]*CapsuleFragment, n)
	for i, s := range shares {
		f, err := ReEncrypt(s, capsule, recvPub)
		require.NoError(t, err)
		frags[i] = f
	}

	// Tamper two fragments the way a corrupt holder would.
	for _, i := range []int{1, 3} {
		frags[i].UI = Suite.Point().Add(frags[i].UI, Suite.Point().Base())
		require.ErrorIs(t, frags[i].Verify(capsule, recvPub, commits), ErrInvalidFragment)
	}

	// n − t = 2 corrupt holders are still tolerated.
	recovered, err := Combine(capsule, ct, frags, thr, n, recvPriv, commits)
	require.NoError(t, err)
	require.Equal(t, key, recovered)

	// One more corrupt holder breaks the quorum.
	frags[0].UI = Suite.Point().Add(frags[0].UI, Suite.Point().Base())
	_, err = Combine(capsule, ct, frags, thr, n, recvPriv, commits)
	require.ErrorIs(t, err, ErrTooFewFragments)
}

func TestVerifyRejectsWrongReceiver(t *testing.T) {
	n, thr := 5, 3
	shares, commits := deal(t, n, thr)
	_, recvPub := receiverPair()
	_, otherPub := receiverPair()

	capsule, _ := EncryptKey(commits.Commit(), randomKey(t))
	f, err := ReEncrypt(shares[0], capsule, recvPub)
	require.NoError(t, err)

	require.NoError(t, f.Verify(capsule, recvPub, commits))
	require.ErrorIs(t, f.Verify(capsule, otherPub, commits), ErrInvalidFragment)
}

func TestCapsuleWire(t *testing.T) {
	_, commits := deal(t, 3, 2)
	capsule, ct := EncryptKey(commits.Commit(), randomKey(t))

	buff, err := capsule.MarshalBinary()
	require.NoError(t, err)
	var back Capsule
	require.NoError(t, back.UnmarshalBinary(buff))
	require.True(t, capsule.U.Equal(back.U))

	ctBuff, err := ct.MarshalBinary()
	require.NoError(t, err)
	var ctBack KeyCiphertext
	require.NoError(t, ctBack.UnmarshalBinary(ctBuff))
	require.Len(t, ctBack.Blocks, len(ct.Blocks))

	var bad Capsule
	require.ErrorIs(t, bad.UnmarshalBinary([]byte("short")), ErrMalformedCapsule)
}

func TestFragmentWire(t *testing.T) {
	n, thr := 3, 2
	shares, commits := deal(t, n, thr)
	_, recvPub := receiverPair()

	capsule, _ := EncryptKey(commits.Commit(), randomKey(t))
	f, err := ReEncrypt(shares[2], capsule, recvPub)
	require.NoError(t, err)

	buff, err := f.MarshalBinary()
	require.NoError(t, err)
	var back CapsuleFragment
	require.NoError(t, back.UnmarshalBinary(buff))
	require.Equal(t, f.Index, back.Index)
	require.NoError(t, back.Verify(capsule, recvPub, commits))

	var bad CapsuleFragment
	require.ErrorIs(t, bad.UnmarshalBinary(buff[:10]), ErrMalformedFragment)
}
