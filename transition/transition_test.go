package transition

import (
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	priv, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	identity := ethcrypto.PubkeyToAddress(priv.PublicKey)

	prev := []byte("previous encrypted state")
	next := []byte("next encrypted state")

	sig, err := Sign(priv, prev, next)
	require.NoError(t, err)
	require.Len(t, sig, SignatureLength)
	require.NoError(t, Verify(prev, next, sig, identity))
	require.NoError(t, VerifyHex(prev, next, sig, identity.Hex()))
}

func TestVerifyRejectsTamperedBlobs(t *testing.T) {
	priv, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	identity := ethcrypto.PubkeyToAddress(priv.PublicKey)

	prev := []byte("previous encrypted state")
	next := []byte("next encrypted state")
	sig, err := Sign(priv, prev, next)
	require.NoError(t, err)

	require.ErrorIs(t, Verify([]byte("other previous"), next, sig, identity), ErrSignatureMismatch)
	require.ErrorIs(t, Verify(prev, []byte("other next"), sig, identity), ErrSignatureMismatch)

	tampered := append([]byte{}, next...)
	tampered[0] ^= 0x01
	require.ErrorIs(t, Verify(prev, tampered, sig, identity), ErrSignatureMismatch)
}

func TestVerifyRejectsWrongSigner(t *testing.T) {
	priv, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	other, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	prev := []byte("p")
	next := []byte("n")
	sig, err := Sign(other, prev, next)
	require.NoError(t, err)

	require.ErrorIs(t, Verify(prev, next, sig, ethcrypto.PubkeyToAddress(priv.PublicKey)), ErrSignatureMismatch)
}

func TestEmptyMarkerRegistration(t *testing.T) {
	priv, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	identity := ethcrypto.PubkeyToAddress(priv.PublicKey)

	initial := []byte("initial encrypted state")
	sig, err := Sign(priv, EmptyMarker, initial)
	require.NoError(t, err)
	require.NoError(t, Verify(EmptyMarker, initial, sig, identity))

	// A registration signature never validates an ordinary update.
	require.ErrorIs(t, Verify(initial, initial, sig, identity), ErrSignatureMismatch)
}

func TestVerifyRejectsMalformedSignature(t *testing.T) {
	priv, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	identity := ethcrypto.PubkeyToAddress(priv.PublicKey)

	require.ErrorIs(t, Verify([]byte("p"), []byte("n"), []byte("short"), identity), ErrSignatureMismatch)
	require.ErrorIs(t, VerifyHex([]byte("p"), []byte("n"), make([]byte, SignatureLength), "not-an-address"), ErrSignatureMismatch)
}
