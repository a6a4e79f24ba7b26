package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"Richee/internal/host"
	"Richee/internal/ledger"
	"Richee/internal/logger"
	"Richee/internal/types"
)

const (
	// maxTxSize is the maximum transaction size in bytes.
	maxTxSize = 1 << 20 // 1 MB

	// defaultEventLimit is the page size of /events without a limit.
	defaultEventLimit = 100

	// maxEventLimit caps the page size of /events.
	maxEventLimit = 1000

	// codeInvalidTransaction is the error code of malformed transactions.
	codeInvalidTransaction = "INVALID_TRANSACTION"
)

// SnapshotSource provides state snapshots for new nodes.
type SnapshotSource interface {
	Latest() (data []byte, seq uint64, err error)
}

// Server is the HTTP API of a ledger node.
type Server struct {
	addr      string         // addr is the HTTP listen address
	ledger    *ledger.Ledger // ledger receives transactions and answers queries
	host      *host.Host     // host serves the event log
	snapshots SnapshotSource // snapshots is optional
	server    *http.Server   // server is the underlying HTTP server
}

// New creates a new HTTP API server.
func New(addr string, l *ledger.Ledger, h *host.Host, snapshots SnapshotSource) *Server {
	return &Server{
		addr:      addr,
		ledger:    l,
		host:      h,
		snapshots: snapshots,
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tx", s.handleSubmitTx)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /config", s.handleConfig)
	mux.HandleFunc("GET /participants", s.handleParticipants)
	mux.HandleFunc("GET /submitted/{address}", s.handleSubmitted)
	mux.HandleFunc("GET /result", s.handleResult)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /snapshot", s.handleSnapshot)

	return withRequestID(mux)
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", s.addr, "ledger", s.ledger.ID().Short())

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// txResponse describes a committed transaction.
type txResponse struct {
	Hash   types.Hash `json:"hash"`
	Seq    uint64     `json:"seq"`
	Events []event    `json:"events"`
}

// handleSubmitTx handles POST /tx requests.
func (s *Server) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxTxSize))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidTransaction, "failed to read body")
		return
	}

	if len(body) == 0 {
		writeError(w, r, http.StatusBadRequest, codeInvalidTransaction, "empty transaction")
		return
	}

	tx, err := validateTx(body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidTransaction, err.Error())
		return
	}

	if tx.ledger != s.ledger.ID() {
		writeLedgerError(w, r, ledger.ErrUnknownLedger)
		return
	}

	receipt, err := s.apply(r.Context(), tx)
	if err != nil {
		if errors.Is(err, errInvalidTx) {
			writeError(w, r, http.StatusBadRequest, codeInvalidTransaction, err.Error())
			return
		}

		writeLedgerError(w, r, err)
		return
	}

	logger.Debug("tx applied", "hash", tx.hash.Short(), "function", tx.function, "seq", receipt.Seq, "request", requestID(r))

	writeJSON(w, http.StatusOK, txResponse{
		Hash:   tx.hash,
		Seq:    receipt.Seq,
		Events: toEvents(receipt.Events),
	})
}

// apply dispatches a validated transaction to the ledger.
func (s *Server) apply(ctx context.Context, tx signedTx) (host.Receipt, error) {
	origin := ledger.Origin{Caller: tx.caller, TxHash: tx.hash}

	switch tx.function {
	case types.FuncSubmit:
		var handle types.Handle
		if len(tx.args) != len(handle) {
			return host.Receipt{}, fmt.Errorf("%w: submit expects a %d-byte handle", errInvalidTx, len(handle))
		}

		copy(handle[:], tx.args)

		return s.ledger.Submit(ctx, origin, handle)

	case types.FuncFinalize:
		return s.ledger.Finalize(ctx, origin)

	case types.FuncFulfill:
		args, err := types.DecodeFulfillArgs(tx.args)
		if err != nil {
			return host.Receipt{}, fmt.Errorf("%w: %v", errInvalidTx, err)
		}

		return s.ledger.Fulfill(ctx, origin, args.Correlation, args.Result, args.Signature)

	default:
		return host.Receipt{}, fmt.Errorf("%w: unknown function %q", errInvalidTx, tx.function)
	}
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sequence": s.host.Sequence(),
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.ledger.Status()
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// handleConfig handles GET /config requests. The configuration hashes to
// the ledger id, so a fetched copy can be checked against it.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.Config())
}

// handleParticipants handles GET /participants requests.
func (s *Server) handleParticipants(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"participants": s.ledger.Participants(),
	})
}

// handleSubmitted handles GET /submitted/{address} requests.
func (s *Server) handleSubmitted(w http.ResponseWriter, r *http.Request) {
	addr, err := types.ParseAddress(r.PathValue("address"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, string(ledger.CodeInvalidParticipant), err.Error())
		return
	}

	handle, ok, err := s.ledger.Submission(addr)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	resp := map[string]any{
		"address":   addr,
		"submitted": ok,
	}

	if ok {
		resp["handle"] = handle
	}

	writeJSON(w, http.StatusOK, resp)
}

// resultResponse is the body of GET /result.
type resultResponse struct {
	Finalized bool               `json:"finalized"`
	Pending   *types.Hash        `json:"pending,omitempty"`
	Result    *ledger.Comparison `json:"result,omitempty"`
}

// handleResult handles GET /result requests.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	comp, ok, err := s.ledger.Result()
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	if ok {
		writeJSON(w, http.StatusOK, resultResponse{Finalized: true, Result: &comp})
		return
	}

	var resp resultResponse

	corr, pending, err := s.ledger.Pending()
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	if pending {
		resp.Pending = &corr
	}

	writeJSON(w, http.StatusOK, resp)
}

// event is an event log entry with its decoded payload.
type event struct {
	host.Event
	Payload any `json:"payload,omitempty"`
}

func toEvents(events []host.Event) []event {
	out := make([]event, len(events))

	for i, ev := range events {
		out[i] = event{Event: ev}

		if payload, err := ledger.DecodeEvent(ev.Topic, ev.Data); err == nil {
			out[i].Payload = payload
		}
	}

	return out
}

// handleEvents handles GET /events?after=N&limit=M requests.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	after, err := queryUint(r, "after", 0)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}

	limit, err := queryUint(r, "limit", defaultEventLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}

	if limit == 0 || limit > maxEventLimit {
		limit = maxEventLimit
	}

	events, err := s.host.Events(s.ledger.ID(), after, int(limit))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": toEvents(events),
	})
}

// handleSnapshot handles GET /snapshot requests.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.snapshots == nil {
		writeError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "snapshots not available")
		return
	}

	data, seq, err := s.snapshots.Latest()
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Snapshot-Sequence", strconv.FormatUint(seq, 10))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func queryUint(r *http.Request, name string, def uint64) (uint64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}

	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", name, v)
	}

	return n, nil
}

type requestIDKey struct{}

// withRequestID tags every request with an id, echoed in X-Request-Id.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}

		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey{}).(string)
	return id
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	logger.Debug("request failed", "path", r.URL.Path, "code", code, "error", message, "request", requestID(r))

	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

// writeLedgerError maps a ledger or host error to its code and status.
func writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	code := ledger.CodeOf(err)
	writeError(w, r, code.HTTPStatus(), string(code), err.Error())
}
