package holder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/gorilla/handlers"
	json "github.com/nikkolasg/hexjson"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/veilbet/veilbet/log"
	"github.com/veilbet/veilbet/metrics"
	"github.com/veilbet/veilbet/pre"
)

// ReEncryptRequest is the body of POST /v1/reencrypt.
type ReEncryptRequest struct {
	Schema  int    `json:"schema"`
	Capsule []byte `json:"capsule"`
}

// ReEncryptResponse carries the holder's fragment, proof included.
type ReEncryptResponse struct {
	Index int    `json:"index"`
	CFrag []byte `json:"cfrag"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// WireSchema tags the holder RPC payloads.
const WireSchema = 1

// NewHandler returns the holder's HTTP surface.
func NewHandler(h *Holder, l log.Logger) http.Handler {
	s := &server{holder: h, log: l.Named("http")}
	r := chi.NewRouter()
	r.Post("/v1/reencrypt", measured("reencrypt", s.reencrypt))
	return handlers.CombinedLoggingHandler(logWriter{s.log}, r)
}

type server struct {
	holder *Holder
	log    log.Logger
}

func (s *server) reencrypt(w http.ResponseWriter, r *http.Request) {
	var req ReEncryptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.reply(w, http.StatusBadRequest, errorResponse{Error: "undecodable request"}, "malformed")
		return
	}
	var capsule pre.Capsule
	if err := capsule.UnmarshalBinary(req.Capsule); err != nil {
		s.reply(w, http.StatusBadRequest, errorResponse{Error: err.Error()}, "malformed")
		return
	}

	cfrag, err := s.holder.ReEncrypt(&capsule)
	switch {
	case errors.Is(err, ErrUnavailable):
		s.reply(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()}, "unavailable")
		return
	case err != nil:
		s.reply(w, http.StatusBadRequest, errorResponse{Error: err.Error()}, "malformed")
		return
	}

	buff, err := cfrag.MarshalBinary()
	if err != nil {
		s.reply(w, http.StatusInternalServerError, errorResponse{Error: err.Error()}, "error")
		return
	}
	s.reply(w, http.StatusOK, ReEncryptResponse{Index: cfrag.Index, CFrag: buff}, "ok")
}

func measured(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := prometheus.NewTimer(metrics.HTTPLatency.WithLabelValues(name))
		defer timer.ObserveDuration()
		next(w, r)
	}
}

func (s *server) reply(w http.ResponseWriter, code int, body interface{}, outcome string) {
	metrics.ReEncryptCounter.WithLabelValues(outcome).Inc()
	metrics.HTTPCallCounter.WithLabelValues(fmt.Sprintf("%d", code), "POST").Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Errorw("encoding response", "err", err)
	}
}

// logWriter adapts the access log stream onto the structured logger.
type logWriter struct {
	log log.Logger
}

func (l logWriter) Write(p []byte) (int, error) {
	l.log.Debugw("access", "line", string(bytes.TrimSpace(p)))
	return len(p), nil
}

// Client calls one holder endpoint over HTTP. It implements the endpoint
// contract the quorum coordinator collects from.
type Client struct {
	addr  string
	index int
	hc    *http.Client
}

// NewClient returns a client for the holder at the given address serving
// the given fragment index.
func NewClient(addr string, index int) *Client {
	if !hasScheme(addr) {
		addr = "http://" + addr
	}
	return &Client{
		addr:  addr,
		index: index,
		hc:    &http.Client{Timeout: 30 * time.Second},
	}
}

func hasScheme(addr string) bool {
	return len(addr) > 7 && (addr[:7] == "http://" || addr[:8] == "https://")
}

// Index returns the fragment index served by this endpoint.
func (c *Client) Index() int {
	return c.index
}

// ReEncrypt requests a capsule fragment from the holder.
func (c *Client) ReEncrypt(ctx context.Context, capsule *pre.Capsule) (*pre.CapsuleFragment, error) {
	capBuff, err := capsule.MarshalBinary()
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(ReEncryptRequest{Schema: WireSchema, Capsule: capBuff})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.addr+"/v1/reencrypt", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusServiceUnavailable:
		return nil, fmt.Errorf("%w: holder %d refused", ErrUnavailable, c.index)
	case http.StatusBadRequest:
		return nil, fmt.Errorf("%w: holder %d rejected the capsule", pre.ErrMalformedCapsule, c.index)
	default:
		return nil, fmt.Errorf("holder %d: unexpected status %d", c.index, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var rr ReEncryptResponse
	if err := json.Unmarshal(raw, &rr); err != nil {
		return nil, fmt.Errorf("decoding holder %d response: %w", c.index, err)
	}
	cfrag := new(pre.CapsuleFragment)
	if err := cfrag.UnmarshalBinary(rr.CFrag); err != nil {
		return nil, err
	}
	return cfrag, nil
}
