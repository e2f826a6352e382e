// Package holder implements the fragment holder: a stateless daemon owning
// exactly one key fragment, able to re-encrypt capsules towards the
// processor's receiving key without ever learning any plaintext.
package holder

import (
	"errors"
	"fmt"

	"github.com/veilbet/veilbet/key"
	"github.com/veilbet/veilbet/log"
	"github.com/veilbet/veilbet/pre"
)

// ErrUnavailable is returned by a holder configured as unavailable and by
// the client when a holder endpoint refuses service. Non-fatal: the
// coordinator simply excludes the holder from the quorum.
var ErrUnavailable = errors.New("holder unavailable")

// FaultMode makes a holder deterministically misbehave for fault-injection
// tests and drills. Never randomized at runtime.
type FaultMode string

const (
	// Healthy holders serve correct fragments.
	Healthy FaultMode = "healthy"
	// Unavailable holders refuse every request.
	Unavailable FaultMode = "unavailable"
	// Corrupt holders return fragments whose proof fails verification.
	Corrupt FaultMode = "corrupt"
)

// ParseFaultMode validates a fault mode string from configuration.
func ParseFaultMode(s string) (FaultMode, error) {
	switch FaultMode(s) {
	case Healthy, Unavailable, Corrupt:
		return FaultMode(s), nil
	case "":
		return Healthy, nil
	default:
		return "", fmt.Errorf("unknown fault mode %q", s)
	}
}

// HolderOption configures a Holder.
type HolderOption func(*Holder)

// WithFaultMode sets the holder's configured fault behavior.
func WithFaultMode(m FaultMode) HolderOption {
	return func(h *Holder) {
		h.mode = m
	}
}

// WithLogger sets the logger used by the holder.
func WithLogger(l log.Logger) HolderOption {
	return func(h *Holder) {
		h.log = l
	}
}

// Holder owns one key fragment. It keeps no per-request state: every
// ReEncrypt is a pure computation over the capsule and the fragment.
type Holder struct {
	log   log.Logger
	frag  *key.Fragment
	group *key.Group
	mode  FaultMode
}

// New returns a holder for the given fragment and group configuration.
func New(frag *key.Fragment, group *key.Group, opts ...HolderOption) *Holder {
	h := &Holder{
		log:   log.DefaultLogger().Named("holder"),
		frag:  frag,
		group: group,
		mode:  Healthy,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.With("index", frag.Index)
	return h
}

// Index returns the fragment index this holder serves.
func (h *Holder) Index() int {
	return h.frag.Index
}

// ReEncrypt produces this holder's capsule fragment. A holder in
// unavailable mode refuses; one in corrupt mode returns a fragment that
// deterministically fails proof verification.
func (h *Holder) ReEncrypt(capsule *pre.Capsule) (*pre.CapsuleFragment, error) {
	switch h.mode {
	case Unavailable:
		return nil, ErrUnavailable
	case Corrupt:
		cfrag, err := pre.ReEncrypt(h.frag.PriShare(), capsule, h.group.ReceiverKey)
		if err != nil {
			return nil, err
		}
		cfrag.UI = pre.Suite.Point().Add(cfrag.UI, pre.Suite.Point().Base())
		return cfrag, nil
	default:
		return pre.ReEncrypt(h.frag.PriShare(), capsule, h.group.ReceiverKey)
	}
}
