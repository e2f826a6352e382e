package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/veilbet/veilbet/log"
)

var (
	// PrivateMetrics about the internal world (go process, private stuff)
	PrivateMetrics = prometheus.NewRegistry()
	// HTTPMetrics about the public surface area (holder and processor APIs)
	HTTPMetrics = prometheus.NewRegistry()
	// QuorumMetrics about fragment collection
	QuorumMetrics = prometheus.NewRegistry()

	// HTTPCallCounter (HTTP) how many http requests
	HTTPCallCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_call_counter",
		Help: "Number of HTTP calls received",
	}, []string{"code", "method"})
	// HTTPLatency (HTTP) how long http request handling takes
	HTTPLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_response_duration",
		Help:    "histogram of request latencies",
		Buckets: prometheus.DefBuckets,
	}, []string{"handler"})
	// ReEncryptCounter (HTTP) re-encryption requests by outcome
	ReEncryptCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reencrypt_requests",
		Help: "Number of re-encryption requests served, by outcome",
	}, []string{"outcome"})

	// FragmentsVerified (Quorum) fragments that passed proof verification
	FragmentsVerified = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quorum_fragments_verified",
		Help: "Number of capsule fragments that passed verification",
	})
	// FragmentsRejected (Quorum) fragments discarded during collection
	FragmentsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quorum_fragments_rejected",
		Help: "Number of capsule fragments discarded, by reason",
	}, []string{"reason"})
	// CollectionResults (Quorum) completed collections by outcome
	CollectionResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quorum_collections",
		Help: "Number of completed fragment collections, by outcome",
	}, []string{"outcome"})
	// RelayRetries how many vote submissions were retried
	RelayRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_retries",
		Help: "Number of vote submissions retried after a recoverable failure",
	})

	metricsBound = false
)

func bindMetrics() {
	if metricsBound {
		return
	}
	metricsBound = true

	// The private go-level metrics live in private.
	PrivateMetrics.Register(prometheus.NewGoCollector())
	PrivateMetrics.Register(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	httpCollectors := []prometheus.Collector{
		HTTPCallCounter,
		HTTPLatency,
		ReEncryptCounter,
	}
	for _, c := range httpCollectors {
		HTTPMetrics.Register(c)
		PrivateMetrics.Register(c)
	}

	quorumCollectors := []prometheus.Collector{
		FragmentsVerified,
		FragmentsRejected,
		CollectionResults,
		RelayRetries,
	}
	for _, c := range quorumCollectors {
		QuorumMetrics.Register(c)
		PrivateMetrics.Register(c)
	}
}

// Start starts a prometheus metrics server on a private bind address.
func Start(l log.Logger, metricsBind string) net.Listener {
	bindMetrics()

	listener, err := net.Listen("tcp", metricsBind)
	if err != nil {
		l.Warnw("metrics listen failed", "bind", metricsBind, "err", err)
		return nil
	}
	l.Debugw("private metrics listener started", "at", listener.Addr().String())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(PrivateMetrics, promhttp.HandlerOpts{Registry: PrivateMetrics}))
	s := http.Server{Handler: mux}
	go func() {
		if err := s.Serve(listener); err != nil && err != http.ErrServerClosed {
			l.Errorw("metrics server stopped", "err", err)
		}
	}()
	return listener
}
