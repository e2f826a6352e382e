package key

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veilbet/veilbet/pre"
)

func TestDealThresholds(t *testing.T) {
	frags, commits, err := Deal(7, 4)
	require.NoError(t, err)
	require.Len(t, frags, 7)
	require.Len(t, commits, 4)
	for i, f := range frags {
		require.Equal(t, i, f.Index)
		require.NotNil(t, f.Share)
	}

	_, _, err = Deal(3, 4)
	require.Error(t, err)
	_, _, err = Deal(3, 1)
	require.Error(t, err)
}

func TestPairTOMLRoundTrip(t *testing.T) {
	p := NewPair()
	var back Pair
	require.NoError(t, back.FromTOML(p.TOML()))
	require.True(t, p.Key.Equal(back.Key))
	require.True(t, p.Public.Equal(back.Public))
}

func TestFragmentTOMLRoundTrip(t *testing.T) {
	frags, _, err := Deal(5, 3)
	require.NoError(t, err)
	f := frags[2]
	var back Fragment
	require.NoError(t, back.FromTOML(f.TOML()))
	require.Equal(t, f.Index, back.Index)
	require.True(t, f.Share.Equal(back.Share))
}

func TestGroupTOMLRoundTrip(t *testing.T) {
	frags, commits, err := Deal(5, 3)
	require.NoError(t, err)
	require.Len(t, frags, 5)

	signer, err := NewSigningKey()
	require.NoError(t, err)
	receiver := NewPair()
	addrs := []string{"127.0.0.1:9001", "127.0.0.1:9002", "127.0.0.1:9003", "127.0.0.1:9004", "127.0.0.1:9005"}
	g := NewGroup(3, commits, addrs, receiver.Public, signer.Address())

	var back Group
	require.NoError(t, back.FromTOML(g.TOML()))
	require.Equal(t, g.Threshold, back.Threshold)
	require.Equal(t, g.ProcessorAddress, back.ProcessorAddress)
	require.Equal(t, g.Len(), back.Len())
	require.True(t, g.MasterPublic().Equal(back.MasterPublic()))
	require.True(t, g.ReceiverKey.Equal(back.ReceiverKey))
	require.Equal(t, g.Hash(), back.Hash())
	require.NotNil(t, back.Node(4))
	require.Nil(t, back.Node(7))
}

func TestFileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)

	frags, commits, err := Deal(4, 3)
	require.NoError(t, err)
	receiver := NewPair()
	signer, err := NewSigningKey()
	require.NoError(t, err)
	g := NewGroup(3, commits, []string{"a:1", "b:2", "c:3", "d:4"}, receiver.Public, signer.Address())

	require.NoError(t, store.SavePair(receiver))
	require.NoError(t, store.SaveFragment(frags[1]))
	require.NoError(t, store.SaveGroup(g))
	require.NoError(t, store.SaveSigningKey(signer))

	pair, err := store.LoadPair()
	require.NoError(t, err)
	require.True(t, receiver.Key.Equal(pair.Key))

	frag, err := store.LoadFragment()
	require.NoError(t, err)
	require.Equal(t, 1, frag.Index)
	require.True(t, frags[1].Share.Equal(frag.Share))

	group, err := store.LoadGroup()
	require.NoError(t, err)
	require.Equal(t, g.Hash(), group.Hash())

	signerBack, err := store.LoadSigningKey()
	require.NoError(t, err)
	require.Equal(t, signer.Address(), signerBack.Address())
}

func TestFragmentsRecombineViaGroup(t *testing.T) {
	n, thr := 5, 3
	frags, commits, err := Deal(n, thr)
	require.NoError(t, err)
	receiver := NewPair()
	g := NewGroup(thr, commits, make([]string, n), receiver.Public, "")

	key := make([]byte, pre.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	capsule, ct := pre.EncryptKey(g.MasterPublic(), key)

	var cfrags []*pre.CapsuleFragment
	for _, f := range frags[:thr] {
		cf, err := pre.ReEncrypt(f.PriShare(), capsule, receiver.Public)
		require.NoError(t, err)
		cfrags = append(cfrags, cf)
	}
	recovered, err := pre.Combine(capsule, ct, cfrags, thr, n, receiver.Key, g.PubPoly())
	require.NoError(t, err)
	require.Equal(t, key, recovered)
}

func TestDefaultThreshold(t *testing.T) {
	require.Equal(t, 3, DefaultThreshold(4))
	require.Equal(t, 5, DefaultThreshold(7))
}
