package processor

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

// WireSchema tags the processor service payloads.
const WireSchema = 1

// InitializeRequest is the body of POST /v1/markets.
type InitializeRequest struct {
	Schema   int    `json:"schema"`
	MarketID string `json:"market_id"`
}

// StateResponse carries a sealed state blob and its transition signature.
type StateResponse struct {
	EncryptedState []byte `json:"encrypted_state"`
	Signature      []byte `json:"signature"`
}

// SubmitVoteRequest is the body of POST /v1/markets/{id}/votes.
type SubmitVoteRequest struct {
	Schema          int      `json:"schema"`
	CurrentState    []byte   `json:"current_state"`
	EncryptedVote   []byte   `json:"encrypted_vote"`
	EncryptedSymKey []byte   `json:"encrypted_sym_key"`
	Capsule         []byte   `json:"capsule"`
	CFrags          [][]byte `json:"cfrags"`
}

// PayoutsRequest is the body of POST /v1/markets/{id}/payouts.
type PayoutsRequest struct {
	Schema        int    `json:"schema"`
	FinalState    []byte `json:"final_state"`
	WinningOption Option `json:"winning_option"`
}

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// Error codes travelling between processor server and client.
const (
	codeMalformed      = "malformed"
	codeInvalidVote    = "invalid-vote"
	codeDuplicateVoter = "duplicate-voter"
	codeStaleState     = "stale-state"
	codeInvalidPhase   = "invalid-phase"
	codeUnknownMarket  = "unknown-market"
	codeQuorum         = "too-few-fragments"
	codeInternal       = "internal"
)

// NewHandler returns the processor's HTTP surface.
func NewHandler(p *Processor, l log.Logger) http.Handler {
	s := &server{proc: p, log: l.Named("http")}
	r := chi.NewRouter()
	r.Post("/v1/markets", measured("initialize", s.initialize))
	r.Post("/v1/markets/{id}/votes", measured("submit-vote", s.submitVote))
	r.Post("/v1/markets/{id}/finish", measured("finish", s.finish))
	r.Post("/v1/markets/{id}/payouts", measured("payouts", s.payouts))
	return handlers.CombinedLoggingHandler(logWriter{s.log}, r)
}

type server struct {
	proc *Processor
	log  log.Logger
}

func (s *server) initialize(w http.ResponseWriter, r *http.Request) {
	var req InitializeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MarketID == "" {
		s.replyErr(w, http.StatusBadRequest, codeMalformed, "undecodable request")
		return
	}
	blob, sig, err := s.proc.InitializeState(req.MarketID)
	if err != nil {
		s.replyProcessorErr(w, err)
		return
	}
	s.reply(w, http.StatusCreated, StateResponse{EncryptedState: blob, Signature: sig})
}

func (s *server) submitVote(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "id")
	var req SubmitVoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.replyErr(w, http.StatusBadRequest, codeMalformed, "undecodable request")
		return
	}

	var capsule pre.Capsule
	if err := capsule.UnmarshalBinary(req.Capsule); err != nil {
		s.replyErr(w, http.StatusBadRequest, codeMalformed, err.Error())
		return
	}
	var keyCt pre.KeyCiphertext
	if err := keyCt.UnmarshalBinary(req.EncryptedSymKey); err != nil {
		s.replyErr(w, http.StatusBadRequest, codeMalformed, err.Error())
		return
	}
	cfrags := make([]*pre.CapsuleFragment, 0, len(req.CFrags))
	for _, buff := range req.CFrags {
		cf := new(pre.CapsuleFragment)
		if err := cf.UnmarshalBinary(buff); err != nil {
			s.replyErr(w, http.StatusBadRequest, codeMalformed, err.Error())
			return
		}
		cfrags = append(cfrags, cf)
	}

	blob, sig, err := s.proc.ProcessVote(marketID, req.CurrentState, req.EncryptedVote, &keyCt, &capsule, cfrags)
	if err != nil {
		s.replyProcessorErr(w, err)
		return
	}
	s.reply(w, http.StatusOK, StateResponse{EncryptedState: blob, Signature: sig})
}

func (s *server) finish(w http.ResponseWriter, r *http.Request) {
	if err := s.proc.FinishBetting(chi.URLParam(r, "id")); err != nil {
		s.replyProcessorErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) payouts(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "id")
	var req PayoutsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.replyErr(w, http.StatusBadRequest, codeMalformed, "undecodable request")
		return
	}
	report, err := s.proc.ComputePayouts(marketID, req.FinalState, req.WinningOption)
	if err != nil {
		s.replyProcessorErr(w, err)
		return
	}
	s.reply(w, http.StatusOK, report)
}

func measured(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := prometheus.NewTimer(metrics.HTTPLatency.WithLabelValues(name))
		defer timer.ObserveDuration()
		next(w, r)
	}
}

func (s *server) replyProcessorErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnknownMarket):
		s.replyErr(w, http.StatusNotFound, codeUnknownMarket, err.Error())
	case errors.Is(err, ErrDuplicateVoter):
		s.replyErr(w, http.StatusConflict, codeDuplicateVoter, err.Error())
	case errors.Is(err, ErrStaleState):
		s.replyErr(w, http.StatusConflict, codeStaleState, err.Error())
	case errors.Is(err, ErrInvalidPhase):
		s.replyErr(w, http.StatusConflict, codeInvalidPhase, err.Error())
	case errors.Is(err, ErrInvalidVote):
		s.replyErr(w, http.StatusUnprocessableEntity, codeInvalidVote, err.Error())
	case errors.Is(err, pre.ErrTooFewFragments):
		s.replyErr(w, http.StatusUnprocessableEntity, codeQuorum, err.Error())
	case errors.Is(err, pre.ErrMalformedCapsule) || errors.Is(err, pre.ErrMalformedFragment):
		s.replyErr(w, http.StatusBadRequest, codeMalformed, err.Error())
	default:
		s.replyErr(w, http.StatusInternalServerError, codeInternal, err.Error())
	}
}

func (s *server) replyErr(w http.ResponseWriter, code int, errCode, msg string) {
	s.replyWith(w, code, errorResponse{Code: errCode, Error: msg})
}

func (s *server) reply(w http.ResponseWriter, code int, body interface{}) {
	s.replyWith(w, code, body)
}

func (s *server) replyWith(w http.ResponseWriter, code int, body interface{}) {
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

// Client calls a processor daemon over HTTP.
type Client struct {
	addr string
	hc   *http.Client
}

// NewClient returns a client for the processor at the given address.
func NewClient(addr string) *Client {
	if len(addr) < 7 || (addr[:7] != "http://" && (len(addr) < 8 || addr[:8] != "https://")) {
		addr = "http://" + addr
	}
	return &Client{addr: addr, hc: &http.Client{Timeout: 60 * time.Second}}
}

// Initialize asks the processor to create a market's initial sealed state.
func (c *Client) Initialize(ctx context.Context, marketID string) (blob, signature []byte, err error) {
	var resp StateResponse
	err = c.post(ctx, "/v1/markets", InitializeRequest{Schema: WireSchema, MarketID: marketID}, &resp)
	return resp.EncryptedState, resp.Signature, err
}

// SubmitVote drives one transition on the remote processor.
func (c *Client) SubmitVote(ctx context.Context, marketID string, currentBlob, encryptedVote []byte,
	keyCt *pre.KeyCiphertext, capsule *pre.Capsule, frags []*pre.CapsuleFragment) (blob, signature []byte, err error) {
	capBuff, err := capsule.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}
	ctBuff, err := keyCt.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}
	cfrags := make([][]byte, 0, len(frags))
	for _, f := range frags {
		buff, err := f.MarshalBinary()
		if err != nil {
			return nil, nil, err
		}
		cfrags = append(cfrags, buff)
	}
	req := SubmitVoteRequest{
		Schema:          WireSchema,
		CurrentState:    currentBlob,
		EncryptedVote:   encryptedVote,
		EncryptedSymKey: ctBuff,
		Capsule:         capBuff,
		CFrags:          cfrags,
	}
	var resp StateResponse
	err = c.post(ctx, "/v1/markets/"+marketID+"/votes", req, &resp)
	return resp.EncryptedState, resp.Signature, err
}

// Finish closes the market to further votes.
func (c *Client) Finish(ctx context.Context, marketID string) error {
	return c.post(ctx, "/v1/markets/"+marketID+"/finish", struct{}{}, nil)
}

// Payouts settles the market for the winning option.
func (c *Client) Payouts(ctx context.Context, marketID string, finalBlob []byte, winner Option) (*PayoutReport, error) {
	report := new(PayoutReport)
	err := c.post(ctx, "/v1/markets/"+marketID+"/payouts", PayoutsRequest{
		Schema:        WireSchema,
		FinalState:    finalBlob,
		WinningOption: winner,
	}, report)
	if err != nil {
		return nil, err
	}
	return report, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	buff, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.addr+path, bytes.NewReader(buff))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var er errorResponse
		if err := json.Unmarshal(raw, &er); err != nil {
			return fmt.Errorf("processor: status %d", resp.StatusCode)
		}
		return fmt.Errorf("%w: %s", sentinelFor(er.Code), er.Error)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// sentinelFor maps a wire error code back to the package sentinel so
// errors.Is works across the HTTP boundary.
func sentinelFor(code string) error {
	switch code {
	case codeInvalidVote:
		return ErrInvalidVote
	case codeDuplicateVoter:
		return ErrDuplicateVoter
	case codeStaleState:
		return ErrStaleState
	case codeInvalidPhase:
		return ErrInvalidPhase
	case codeUnknownMarket:
		return ErrUnknownMarket
	case codeQuorum:
		return pre.ErrTooFewFragments
	case codeMalformed:
		return pre.ErrMalformedCapsule
	default:
		return errors.New("processor error")
	}
}
