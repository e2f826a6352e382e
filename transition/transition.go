// Package transition implements the authenticated state-transition scheme:
// the processor signs the (previous blob, new blob) pair with its persistent
// secp256k1 key, and the ledger-side verifier accepts an update only if the
// recovered signer matches the registered processor identity. Verification
// is stateless and side-effect-free.
package transition

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	ethcommon "github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ErrSignatureMismatch is returned when a signature does not recover to the
// registered processor identity. Fatal for that update, never retried with
// the same payload.
var ErrSignatureMismatch = errors.New("transition signature mismatch")

// domainTag separates transition digests from any other message the signing
// key could ever be asked to sign.
var domainTag = []byte("veilbet/transition/v1")

// EmptyMarker is the "previous" value an initial-state registration is
// verified against. A market's first transition signs (EmptyMarker, blob).
var EmptyMarker = []byte("veilbet/state/empty/v1")

// SignatureLength is the size of a [R ‖ S ‖ V] recoverable signature.
const SignatureLength = 65

// Digest computes the domain-separated keccak-256 hash of a transition.
func Digest(prevBlob, newBlob []byte) []byte {
	return ethcrypto.Keccak256(
		domainTag,
		ethcrypto.Keccak256(prevBlob),
		ethcrypto.Keccak256(newBlob),
	)
}

// signedDigest wraps the transition digest in the standard recoverable
// signed-message envelope of the target ledger platform.
func signedDigest(prevBlob, newBlob []byte) []byte {
	digest := Digest(prevBlob, newBlob)
	return ethcrypto.Keccak256([]byte("\x19Ethereum Signed Message:\n32"), digest)
}

// Sign produces the recoverable signature over a (previous, new) state pair.
func Sign(priv *ecdsa.PrivateKey, prevBlob, newBlob []byte) ([]byte, error) {
	return ethcrypto.Sign(signedDigest(prevBlob, newBlob), priv)
}

// RecoverSigner returns the identity that signed the given transition.
func RecoverSigner(prevBlob, newBlob, signature []byte) (ethcommon.Address, error) {
	if len(signature) != SignatureLength {
		return ethcommon.Address{}, fmt.Errorf("%w: signature of %d bytes", ErrSignatureMismatch, len(signature))
	}
	pub, err := ethcrypto.SigToPub(signedDigest(prevBlob, newBlob), signature)
	if err != nil {
		return ethcommon.Address{}, fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// Verify accepts the transition iff the signature recovers to the
// registered identity.
func Verify(prevBlob, newBlob, signature []byte, registeredIdentity ethcommon.Address) error {
	signer, err := RecoverSigner(prevBlob, newBlob, signature)
	if err != nil {
		return err
	}
	if signer != registeredIdentity {
		return fmt.Errorf("%w: signed by %s, registered %s",
			ErrSignatureMismatch, signer.Hex(), registeredIdentity.Hex())
	}
	return nil
}

// VerifyHex is Verify for callers holding the identity as a hex string, the
// form it travels in group files and ledger records.
func VerifyHex(prevBlob, newBlob, signature []byte, registeredIdentity string) error {
	if !ethcommon.IsHexAddress(registeredIdentity) {
		return fmt.Errorf("%w: invalid registered identity %q", ErrSignatureMismatch, registeredIdentity)
	}
	return Verify(prevBlob, newBlob, signature, ethcommon.HexToAddress(registeredIdentity))
}
