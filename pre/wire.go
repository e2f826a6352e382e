package pre

import (
	"encoding/binary"
	"fmt"

	"github.com/drand/kyber"
)

// Fixed sizes of the edwards25519 encodings used on the wire.
const (
	pointLen  = 32
	scalarLen = 32
	fragLen   = 4 + pointLen + 2*scalarLen
)

// MarshalBinary encodes the capsule as the 32-byte point U.
func (c *Capsule) MarshalBinary() ([]byte, error) {
	if c.U == nil {
		return nil, ErrMalformedCapsule
	}
	return c.U.MarshalBinary()
}

// UnmarshalBinary decodes a capsule, rejecting anything that is not a valid
// curve point with ErrMalformedCapsule.
func (c *Capsule) UnmarshalBinary(data []byte) error {
	if len(data) != pointLen {
		return fmt.Errorf("%w: %d bytes", ErrMalformedCapsule, len(data))
	}
	p := Suite.Point()
	if err := p.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedCapsule, err)
	}
	c.U = p
	return nil
}

// MarshalBinary encodes the ciphertext as the concatenation of its blocks.
func (ct *KeyCiphertext) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, len(ct.Blocks)*pointLen)
	for _, b := range ct.Blocks {
		buff, err := b.MarshalBinary()
		if err != nil {
			return nil, err
		}
		out = append(out, buff...)
	}
	return out, nil
}

// UnmarshalBinary decodes a key ciphertext from concatenated point blocks.
func (ct *KeyCiphertext) UnmarshalBinary(data []byte) error {
	if len(data) == 0 || len(data)%pointLen != 0 {
		return fmt.Errorf("%w: key ciphertext of %d bytes", ErrMalformedCapsule, len(data))
	}
	blocks := make([]kyber.Point, 0, len(data)/pointLen)
	for off := 0; off < len(data); off += pointLen {
		p := Suite.Point()
		if err := p.UnmarshalBinary(data[off : off+pointLen]); err != nil {
			return fmt.Errorf("%w: block %d: %v", ErrMalformedCapsule, off/pointLen, err)
		}
		blocks = append(blocks, p)
	}
	ct.Blocks = blocks
	return nil
}

// MarshalBinary encodes the fragment as index ‖ UI ‖ E ‖ F.
func (c *CapsuleFragment) MarshalBinary() ([]byte, error) {
	if c.UI == nil || c.E == nil || c.F == nil {
		return nil, ErrMalformedFragment
	}
	out := make([]byte, 4, fragLen)
	binary.BigEndian.PutUint32(out, uint32(c.Index))
	for _, m := range []interface{ MarshalBinary() ([]byte, error) }{c.UI, c.E, c.F} {
		buff, err := m.MarshalBinary()
		if err != nil {
			return nil, err
		}
		out = append(out, buff...)
	}
	return out, nil
}

// UnmarshalBinary decodes a fragment, rejecting malformed curve elements
// with ErrMalformedFragment.
func (c *CapsuleFragment) UnmarshalBinary(data []byte) error {
	if len(data) != fragLen {
		return fmt.Errorf("%w: %d bytes", ErrMalformedFragment, len(data))
	}
	index := int(binary.BigEndian.Uint32(data[:4]))
	ui := Suite.Point()
	if err := ui.UnmarshalBinary(data[4 : 4+pointLen]); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFragment, err)
	}
	e := Suite.Scalar()
	if err := e.UnmarshalBinary(data[4+pointLen : 4+pointLen+scalarLen]); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFragment, err)
	}
	f := Suite.Scalar()
	if err := f.UnmarshalBinary(data[4+pointLen+scalarLen:]); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFragment, err)
	}
	c.Index, c.UI, c.E, c.F = index, ui, e, f
	return nil
}
