package key

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	kyber "github.com/drand/kyber"
	"github.com/drand/kyber/share"
	"github.com/drand/kyber/util/random"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/veilbet/veilbet/pre"
)

// Pair is the processor's receiving keypair: fragment holders re-encrypt
// capsules towards Public, and Key is the only scalar able to finish the
// decryption after combination.
type Pair struct {
	Key    kyber.Scalar
	Public kyber.Point
}

// NewPair returns a freshly created receiving keypair.
func NewPair() *Pair {
	key := pre.Suite.Scalar().Pick(random.New())
	return &Pair{
		Key:    key,
		Public: pre.Suite.Point().Mul(key, nil),
	}
}

// PairTOML is the TOML-able version of a receiving keypair. Only the private
// scalar is stored; the public point is re-derived on load.
type PairTOML struct {
	Key string
}

// TOML returns a struct that can be marshalled by a TOML-encoding library.
func (p *Pair) TOML() interface{} {
	return &PairTOML{Key: ScalarToString(p.Key)}
}

// FromTOML constructs the keypair from an unmarshalled TOML structure.
func (p *Pair) FromTOML(i interface{}) error {
	ptoml, ok := i.(*PairTOML)
	if !ok {
		return errors.New("pair can't decode toml from non PairTOML struct")
	}
	key, err := StringToScalar(pre.Suite, ptoml.Key)
	if err != nil {
		return fmt.Errorf("decoding receiving key: %w", err)
	}
	p.Key = key
	p.Public = pre.Suite.Point().Mul(key, nil)
	return nil
}

// TOMLValue returns an empty TOML-compatible interface value.
func (p *Pair) TOMLValue() interface{} {
	return &PairTOML{}
}

// Fragment is one holder's share of the master decryption capability. It is
// the only piece of private material a holder owns.
type Fragment struct {
	Index int
	Share kyber.Scalar
}

// PriShare returns the fragment in the form consumed by the pre package.
func (f *Fragment) PriShare() *share.PriShare {
	return &share.PriShare{I: f.Index, V: f.Share}
}

// FragmentTOML is the TOML-able version of a key fragment.
type FragmentTOML struct {
	Index int
	Share string
}

// TOML returns a struct that can be marshalled by a TOML-encoding library.
func (f *Fragment) TOML() interface{} {
	return &FragmentTOML{Index: f.Index, Share: ScalarToString(f.Share)}
}

// FromTOML constructs the fragment from an unmarshalled TOML structure.
func (f *Fragment) FromTOML(i interface{}) error {
	ftoml, ok := i.(*FragmentTOML)
	if !ok {
		return errors.New("fragment can't decode toml from non FragmentTOML struct")
	}
	s, err := StringToScalar(pre.Suite, ftoml.Share)
	if err != nil {
		return fmt.Errorf("decoding fragment share: %w", err)
	}
	f.Index = ftoml.Index
	f.Share = s
	return nil
}

// TOMLValue returns an empty TOML-compatible interface value.
func (f *Fragment) TOMLValue() interface{} {
	return &FragmentTOML{}
}

// SigningKey is the processor's persistent secp256k1 signing key. Its
// derived address is the ProcessorIdentity registered with the ledger.
type SigningKey struct {
	*ecdsa.PrivateKey
}

// NewSigningKey generates a fresh signing key.
func NewSigningKey() (*SigningKey, error) {
	priv, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &SigningKey{priv}, nil
}

// Address returns the hex-encoded identity derived from the public key.
func (s *SigningKey) Address() string {
	return ethcrypto.PubkeyToAddress(s.PublicKey).Hex()
}
