// Package pre implements the threshold proxy re-encryption primitives: a
// voter encrypts a one-time symmetric key to the master public key, each
// fragment holder re-encrypts the resulting capsule towards the processor's
// receiving key with a Chaum-Pedersen correctness proof, and any threshold
// subset of verified fragments lets the processor recover the key.
//
// The scheme is ElGamal-style over the edwards25519 group. Encryption of a
// key k under the master public key X picks a random scalar r and publishes
// the capsule U = r·G together with the ciphertext blocks Cs_j = r·X +
// embed(k_j). A holder owning the Shamir share x_i re-encrypts the capsule
// towards the receiving key Xc by publishing UI = x_i·(U + Xc); the attached
// proof shows UI was computed with the share committed in the public
// polynomial, without revealing x_i. Lagrange interpolation of t such UI
// values yields x·(U + Xc), from which the receiver strips its own term and
// unembeds the key.
package pre

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/drand/kyber"
	"github.com/drand/kyber/group/edwards25519"
	"github.com/drand/kyber/share"
	"github.com/drand/kyber/util/random"
)

// Suite is the group every protocol artifact lives in.
var Suite = edwards25519.NewBlakeSHA256Ed25519()

// KeySize is the size of the symmetric keys carried by the scheme.
const KeySize = 32

var (
	// ErrMalformedCapsule is returned when capsule bytes do not decode to a
	// valid curve point.
	ErrMalformedCapsule = errors.New("malformed capsule")
	// ErrMalformedFragment is returned when fragment bytes do not decode.
	ErrMalformedFragment = errors.New("malformed capsule fragment")
	// ErrInvalidFragment is returned when a fragment's correctness proof
	// does not verify against the capsule and the holder's commitment.
	ErrInvalidFragment = errors.New("fragment proof does not verify")
	// ErrTooFewFragments is returned by Combine when fewer than threshold
	// valid fragments are available.
	ErrTooFewFragments = errors.New("not enough valid fragments to combine")
)

// Capsule is the public artifact accompanying a threshold-encrypted
// symmetric key. One per vote, immutable.
type Capsule struct {
	U kyber.Point
}

// KeyCiphertext carries the encrypted symmetric key as ElGamal blocks, one
// per embeddable chunk of the key.
type KeyCiphertext struct {
	Blocks []kyber.Point
}

// CapsuleFragment is one holder's partial re-encryption of a capsule,
// carrying a Chaum-Pedersen proof that the committed share was used.
type CapsuleFragment struct {
	Index int
	UI    kyber.Point
	E     kyber.Scalar
	F     kyber.Scalar
}

// EncryptKey threshold-encrypts a symmetric key under the master public key.
// It returns the capsule U = r·G and the ciphertext blocks Cs_j = r·X +
// embed(key_j), chunked by the group's embedding capacity.
func EncryptKey(masterPub kyber.Point, key []byte) (*Capsule, *KeyCiphertext) {
	r := Suite.Scalar().Pick(random.New())
	U := Suite.Point().Mul(r, nil)
	C := Suite.Point().Mul(r, masterPub)

	var blocks []kyber.Point
	for len(key) > 0 {
		kp := Suite.Point().Embed(key, random.New())
		blocks = append(blocks, Suite.Point().Add(C, kp))
		n := kp.EmbedLen()
		if n > len(key) {
			n = len(key)
		}
		key = key[n:]
	}
	return &Capsule{U: U}, &KeyCiphertext{Blocks: blocks}
}

// ReEncrypt produces a holder's capsule fragment UI = x_i·(U + Xc) along
// with the proof (E, F) binding it to the holder's committed share.
func ReEncrypt(kfrag *share.PriShare, capsule *Capsule, receiverPub kyber.Point) (*CapsuleFragment, error) {
	if capsule == nil || capsule.U == nil {
		return nil, ErrMalformedCapsule
	}
	uxc := Suite.Point().Add(capsule.U, receiverPub)
	ui := Suite.Point().Mul(kfrag.V, uxc)

	si := Suite.Scalar().Pick(random.New())
	uiHat := Suite.Point().Mul(si, uxc)
	hiHat := Suite.Point().Mul(si, nil)
	ei := proofHash(ui, uiHat, hiHat)
	fi := Suite.Scalar().Add(si, Suite.Scalar().Mul(ei, kfrag.V))

	return &CapsuleFragment{
		Index: kfrag.I,
		UI:    ui,
		E:     ei,
		F:     fi,
	}, nil
}

// Verify checks the fragment's correctness proof against the capsule, the
// receiving key and the public polynomial commitments. It recomputes both
// proof legs from (E, F) and rejects on any mismatch, so a tampered or
// dishonestly produced fragment is detected without trusting the holder.
func (c *CapsuleFragment) Verify(capsule *Capsule, receiverPub kyber.Point, commits *share.PubPoly) error {
	if capsule == nil || capsule.U == nil {
		return ErrMalformedCapsule
	}
	if c.UI == nil || c.E == nil || c.F == nil {
		return ErrMalformedFragment
	}
	uxc := Suite.Point().Add(capsule.U, receiverPub)
	negE := Suite.Scalar().Neg(c.E)

	// uiHat = F·(U+Xc) − E·UI
	uiHat := Suite.Point().Add(
		Suite.Point().Mul(c.F, uxc),
		Suite.Point().Mul(negE, c.UI),
	)
	// hiHat = F·G − E·(x_i·G)
	hiHat := Suite.Point().Add(
		Suite.Point().Mul(c.F, nil),
		Suite.Point().Mul(negE, commits.Eval(c.Index).V),
	)

	if !proofHash(c.UI, uiHat, hiHat).Equal(c.E) {
		return fmt.Errorf("fragment %d: %w", c.Index, ErrInvalidFragment)
	}
	return nil
}

// Combine verifies the given fragments and recovers the symmetric key from
// any threshold-sized valid subset. Every valid subset of size >= t yields
// the same key; fewer than t valid fragments fail with ErrTooFewFragments.
func Combine(capsule *Capsule, ct *KeyCiphertext, frags []*CapsuleFragment,
	t, n int, receiverPriv kyber.Scalar, commits *share.PubPoly) ([]byte, error) {
	if capsule == nil || capsule.U == nil {
		return nil, ErrMalformedCapsule
	}
	receiverPub := Suite.Point().Mul(receiverPriv, nil)

	shares := make([]*share.PubShare, 0, len(frags))
	for _, f := range frags {
		if err := f.Verify(capsule, receiverPub, commits); err != nil {
			continue
		}
		shares = append(shares, &share.PubShare{I: f.Index, V: f.UI})
	}
	if len(shares) < t {
		return nil, fmt.Errorf("%w: %d valid of %d required", ErrTooFewFragments, len(shares), t)
	}

	// XhatEnc = x·(U + Xc)
	xhatEnc, err := share.RecoverCommit(Suite, shares, t, n)
	if err != nil {
		return nil, fmt.Errorf("recovering commit: %w", err)
	}

	// Strip the receiver term: Xhat = XhatEnc − xc·X = r·X.
	masterPub := commits.Commit()
	xhatDec := Suite.Point().Mul(Suite.Scalar().Neg(receiverPriv), masterPub)
	xhat := Suite.Point().Add(xhatEnc, xhatDec)

	// Xhat = x·U = r·X is exactly the ElGamal mask of every block.
	xhatInv := Suite.Point().Neg(xhat)
	var key []byte
	for _, block := range ct.Blocks {
		chunk, err := Suite.Point().Add(block, xhatInv).Data()
		if err != nil {
			return nil, fmt.Errorf("unembedding key chunk: %w", err)
		}
		key = append(key, chunk...)
	}
	return key, nil
}

func proofHash(ui, uiHat, hiHat kyber.Point) kyber.Scalar {
	h := sha256.New()
	_, _ = ui.MarshalTo(h)
	_, _ = uiHat.MarshalTo(h)
	_, _ = hiHat.MarshalTo(h)
	return Suite.Scalar().SetBytes(h.Sum(nil))
}
