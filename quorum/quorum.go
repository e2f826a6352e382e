// Package quorum implements the coordinator that fans a capsule out to all
// fragment holders, verifies every returned fragment independently and
// succeeds as soon as threshold many verified fragments are collected. It
// never needs to know which holders are bad, only to verify each fragment.
package quorum

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"

	"github.com/veilbet/veilbet/key"
	"github.com/veilbet/veilbet/log"
	"github.com/veilbet/veilbet/metrics"
	"github.com/veilbet/veilbet/pre"
)

// ErrQuorumFailure is returned when, after every holder has responded or
// timed out, fewer than threshold verified fragments exist. Fatal for that
// vote, retryable with a fresh collection.
var ErrQuorumFailure = errors.New("quorum failure")

// DefaultTimeout bounds each holder request when none is configured.
const DefaultTimeout = 5 * time.Second

// Endpoint is one fragment holder as seen by the coordinator.
type Endpoint interface {
	Index() int
	ReEncrypt(ctx context.Context, capsule *pre.Capsule) (*pre.CapsuleFragment, error)
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithTimeout sets the per-holder request timeout.
func WithTimeout(d time.Duration) CollectorOption {
	return func(c *Collector) {
		c.timeout = d
	}
}

// WithClock injects the clock driving timeouts, so tests control time.
func WithClock(clock clockwork.Clock) CollectorOption {
	return func(c *Collector) {
		c.clock = clock
	}
}

// WithLogger sets the logger used by the collector.
func WithLogger(l log.Logger) CollectorOption {
	return func(c *Collector) {
		c.log = l
	}
}

// Collector gathers verified capsule fragments from a group of holders.
type Collector struct {
	log       log.Logger
	group     *key.Group
	endpoints []Endpoint
	timeout   time.Duration
	clock     clockwork.Clock
}

// New returns a collector over the given holder endpoints.
func New(group *key.Group, endpoints []Endpoint, opts ...CollectorOption) *Collector {
	c := &Collector{
		log:       log.DefaultLogger().Named("quorum"),
		group:     group,
		endpoints: endpoints,
		timeout:   DefaultTimeout,
		clock:     clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type result struct {
	index int
	cfrag *pre.CapsuleFragment
	err   error
}

// Collect issues ReEncrypt to all holders concurrently, verifies each
// response against the capsule and the holder's public commitment, and
// returns as soon as threshold verified fragments exist. Stragglers are
// cancelled, never retried within the same call. It fails with
// ErrQuorumFailure only once every holder has responded or timed out.
func (c *Collector) Collect(ctx context.Context, capsule *pre.Capsule) ([]*pre.CapsuleFragment, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan result, len(c.endpoints))
	for _, ep := range c.endpoints {
		go c.request(ctx, ep, capsule, results)
	}

	pubPoly := c.group.PubPoly()
	threshold := c.group.Threshold

	var verified []*pre.CapsuleFragment
	seen := make(map[int]bool)
	var causes *multierror.Error

	for range c.endpoints {
		r := <-results
		if r.err != nil {
			causes = multierror.Append(causes, fmt.Errorf("holder %d: %w", r.index, r.err))
			metrics.FragmentsRejected.WithLabelValues("unreachable").Inc()
			continue
		}
		if seen[r.cfrag.Index] {
			causes = multierror.Append(causes, fmt.Errorf("holder %d: duplicate fragment index", r.index))
			metrics.FragmentsRejected.WithLabelValues("duplicate").Inc()
			continue
		}
		if err := r.cfrag.Verify(capsule, c.group.ReceiverKey, pubPoly); err != nil {
			causes = multierror.Append(causes, fmt.Errorf("holder %d: %w", r.index, err))
			metrics.FragmentsRejected.WithLabelValues("invalid-proof").Inc()
			c.log.Warnw("discarding invalid fragment", "holder", r.index, "err", err)
			continue
		}

		seen[r.cfrag.Index] = true
		verified = append(verified, r.cfrag)
		metrics.FragmentsVerified.Inc()

		if len(verified) >= threshold {
			cancel()
			metrics.CollectionResults.WithLabelValues("success").Inc()
			c.log.Debugw("quorum reached", "verified", len(verified), "threshold", threshold)
			return verified, nil
		}
	}

	metrics.CollectionResults.WithLabelValues("failure").Inc()
	return nil, fmt.Errorf("%w: %d verified of %d required: %v",
		ErrQuorumFailure, len(verified), threshold, causes.ErrorOrNil())
}

// request bounds one holder call by the per-holder timeout.
func (c *Collector) request(ctx context.Context, ep Endpoint, capsule *pre.Capsule, results chan<- result) {
	done := make(chan result, 1)
	go func() {
		cfrag, err := ep.ReEncrypt(ctx, capsule)
		done <- result{index: ep.Index(), cfrag: cfrag, err: err}
	}()

	select {
	case r := <-done:
		results <- r
	case <-c.clock.After(c.timeout):
		results <- result{index: ep.Index(), err: errors.New("timed out")}
	case <-ctx.Done():
		results <- result{index: ep.Index(), err: ctx.Err()}
	}
}
