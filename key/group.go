package key

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"

	"github.com/BurntSushi/toml"
	kyber "github.com/drand/kyber"
	"github.com/drand/kyber/share"
	"golang.org/x/crypto/blake2b"

	"github.com/veilbet/veilbet/pre"
)

// blake2b.New256 returns an error so we make a wrapper around
var hashFunc = func() hash.Hash { h, _ := blake2b.New256(nil); return h }

// Node is one fragment holder endpoint. Its public verification key is not
// stored: it derives from the group commitments evaluated at Index.
type Node struct {
	Address string
	Index   int
}

// Group holds the public configuration shared by every component: the
// threshold, the holder endpoints, the commitments of the master secret's
// Shamir polynomial, the processor's receiving key and the processor
// identity registered with the ledger.
type Group struct {
	Threshold int
	Nodes     []*Node
	// Commits are the public coefficients of the dealer's polynomial.
	// Commits[0] is the master public key voters encrypt to.
	Commits []kyber.Point
	// ReceiverKey is the processor's public receiving key Xc.
	ReceiverKey kyber.Point
	// ProcessorAddress is the ProcessorIdentity accepted by the verifier.
	ProcessorAddress string
}

// Len returns the number of fragment holders in the group.
func (g *Group) Len() int {
	return len(g.Nodes)
}

// MasterPublic returns the public key voters threshold-encrypt to.
func (g *Group) MasterPublic() kyber.Point {
	return g.Commits[0]
}

// PubPoly reassembles the commitment polynomial used to verify fragments.
func (g *Group) PubPoly() *share.PubPoly {
	return share.NewPubPoly(pre.Suite, pre.Suite.Point().Base(), g.Commits)
}

// Node returns the node at the given index if it exists in the group.
func (g *Group) Node(i int) *Node {
	for _, n := range g.Nodes {
		if n.Index == i {
			return n
		}
	}
	return nil
}

// Hash provides a compact digest of the group, logged at daemon start so
// operators can compare configurations.
func (g *Group) Hash() []byte {
	h := hashFunc()
	_ = binary.Write(h, binary.LittleEndian, uint32(g.Threshold))
	for _, c := range g.Commits {
		_, _ = c.MarshalTo(h)
	}
	if g.ReceiverKey != nil {
		_, _ = g.ReceiverKey.MarshalTo(h)
	}
	for _, n := range g.Nodes {
		_ = binary.Write(h, binary.LittleEndian, uint32(n.Index))
		_, _ = h.Write([]byte(n.Address))
	}
	_, _ = h.Write([]byte(g.ProcessorAddress))
	return h.Sum(nil)
}

func (g *Group) String() string {
	var b bytes.Buffer
	_ = toml.NewEncoder(&b).Encode(g.TOML())
	return b.String()
}

// GroupTOML is the TOML-able version of a Group.
type GroupTOML struct {
	Threshold        int
	Nodes            []*NodeTOML
	Commits          []string
	ReceiverKey      string
	ProcessorAddress string
}

// NodeTOML is the TOML-able version of a Node.
type NodeTOML struct {
	Address string
	Index   int
}

// TOML returns a struct that can be marshalled by a TOML-encoding library.
func (g *Group) TOML() interface{} {
	gtoml := &GroupTOML{
		Threshold:        g.Threshold,
		ReceiverKey:      PointToString(g.ReceiverKey),
		ProcessorAddress: g.ProcessorAddress,
	}
	for _, c := range g.Commits {
		gtoml.Commits = append(gtoml.Commits, PointToString(c))
	}
	for _, n := range g.Nodes {
		gtoml.Nodes = append(gtoml.Nodes, &NodeTOML{Address: n.Address, Index: n.Index})
	}
	return gtoml
}

// FromTOML constructs the group from an unmarshalled TOML structure.
func (g *Group) FromTOML(i interface{}) error {
	gtoml, ok := i.(*GroupTOML)
	if !ok {
		return errors.New("group can't decode toml from non GroupTOML struct")
	}
	if gtoml.Threshold < 1 {
		return fmt.Errorf("invalid group threshold %d", gtoml.Threshold)
	}
	if len(gtoml.Commits) < gtoml.Threshold {
		return fmt.Errorf("group carries %d commits for threshold %d", len(gtoml.Commits), gtoml.Threshold)
	}
	g.Threshold = gtoml.Threshold
	g.ProcessorAddress = gtoml.ProcessorAddress

	g.Commits = nil
	for _, c := range gtoml.Commits {
		p, err := StringToPoint(pre.Suite, c)
		if err != nil {
			return fmt.Errorf("decoding group commit: %w", err)
		}
		g.Commits = append(g.Commits, p)
	}
	recv, err := StringToPoint(pre.Suite, gtoml.ReceiverKey)
	if err != nil {
		return fmt.Errorf("decoding receiver key: %w", err)
	}
	g.ReceiverKey = recv

	g.Nodes = nil
	for _, n := range gtoml.Nodes {
		g.Nodes = append(g.Nodes, &Node{Address: n.Address, Index: n.Index})
	}
	return nil
}

// TOMLValue returns an empty TOML-compatible interface value.
func (g *Group) TOMLValue() interface{} {
	return &GroupTOML{}
}

// DefaultThreshold returns the threshold used when none is specified.
func DefaultThreshold(n int) int {
	return n*2/3 + 1
}
