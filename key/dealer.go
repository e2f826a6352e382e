package key

import (
	"fmt"

	kyber "github.com/drand/kyber"
	"github.com/drand/kyber/share"
	"github.com/drand/kyber/util/random"

	"github.com/veilbet/veilbet/pre"
)

// Deal performs the one-time trusted setup: it draws a random master secret
// inside a Shamir polynomial of degree t−1, cuts n fragments and returns
// them with the public polynomial commitments. The master secret never
// leaves this function; it exists afterwards only implicitly through the
// fragment set.
func Deal(n, t int) ([]*Fragment, []kyber.Point, error) {
	if t < 2 || t > n {
		return nil, nil, fmt.Errorf("invalid threshold %d for %d holders", t, n)
	}
	priPoly := share.NewPriPoly(pre.Suite, t, nil, random.New())
	_, commits := priPoly.Commit(pre.Suite.Point().Base()).Info()

	frags := make([]*Fragment, 0, n)
	for _, s := range priPoly.Shares(n) {
		frags = append(frags, &Fragment{Index: s.I, Share: s.V})
	}
	return frags, commits, nil
}

// NewGroup assembles the public group configuration out of a dealer run.
func NewGroup(t int, commits []kyber.Point, addresses []string, receiver kyber.Point, processorAddr string) *Group {
	nodes := make([]*Node, 0, len(addresses))
	for i, addr := range addresses {
		nodes = append(nodes, &Node{Address: addr, Index: i})
	}
	return &Group{
		Threshold:        t,
		Nodes:            nodes,
		Commits:          commits,
		ReceiverKey:      receiver,
		ProcessorAddress: processorAddr,
	}
}
