package logchain

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrServerClosed is returned for walks requested after Serve has shut down.
var ErrServerClosed = errors.New("server closed")

// ServerOptions holds the collaborators of the HTTP API.
type ServerOptions struct {
	Walker         *Walker
	Resolver       Resolver
	NameFile       string
	ResolveTimeout time.Duration
	MaxBatches     int         // cap for follow and chain requests; 0 = none
	Store          *SQLiteSink // backs GET /api/v1/logs; optional
	Logger         *logrus.Logger
}

// Server exposes chain walks over HTTP. Responses are JSON unless the client
// accepts application/x-protobuf, in which case records are sent as a
// google.protobuf.ListValue of Structs.
//
// Error bodies name the failing stage and content address only; underlying
// primitive errors go to the log.
type Server struct {
	opts      ServerOptions
	log       *logrus.Logger
	walkMu    sync.Mutex // walks append to shared sinks; keep chain order intact
	closed    bool       // set under walkMu once Serve has shut down
	tlsConfig *tls.Config
}

// NewServer creates a Server. A Walker is required.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Walker == nil {
		return nil, errors.New("server: walker is required")
	}
	log := opts.Logger
	if log == nil {
		log = logrus.New()
	}
	return &Server{opts: opts, log: log}, nil
}

// SetTLSConfig clones cfg and stores it for use when serving HTTPS requests.
// If cfg is nil a default configuration will be used.
func (s *Server) SetTLSConfig(cfg *tls.Config) {
	if cfg == nil {
		s.tlsConfig = nil
		return
	}
	s.tlsConfig = cfg.Clone()
}

// wantsProtobuf checks if the client accepts a protobuf response.
func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/x-protobuf") ||
		strings.Contains(accept, "application/protobuf")
}

type batchJSON struct {
	CID      string            `json:"cid"`
	Prev     string            `json:"prev_cid,omitempty"`
	Records  []json.RawMessage `json:"records"`
	Rejected int               `json:"rejected,omitempty"`
}

type walkJSON struct {
	State   string      `json:"state"`
	Batches []batchJSON `json:"batches"`
	Next    string      `json:"next,omitempty"`
}

type errorJSON struct {
	Error string `json:"error"`
	Stage string `json:"stage,omitempty"`
	CID   string `json:"cid,omitempty"`
}

// publicErrors lists the categories a remote caller may see, most specific first.
var publicErrors = []error{
	ErrServerClosed,
	ErrCycleDetected,
	ErrDecryption,
	ErrEnvelopeFormat,
	ErrBatchFormat,
	ErrTimeout,
	ErrFetch,
	ErrResolution,
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, ErrServerClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrFetch), errors.Is(err, ErrResolution):
		return http.StatusBadGateway
	case errors.Is(err, ErrCycleDetected):
		return http.StatusConflict
	case errors.Is(err, ErrDecryption), errors.Is(err, ErrEnvelopeFormat), errors.Is(err, ErrBatchFormat):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	body := errorJSON{Error: "internal error"}
	for _, pub := range publicErrors {
		if errors.Is(err, pub) {
			body.Error = pub.Error()
			break
		}
	}
	var se *StageError
	if errors.As(err, &se) {
		body.Stage = string(se.Stage)
		body.CID = string(se.Address)
	}
	s.log.WithError(err).WithField("stage", body.Stage).Warn("request failed")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errorStatus(err))
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

// writeProtoRecords sends records as a protobuf ListValue of Structs.
func writeProtoRecords(w http.ResponseWriter, items []*structpb.Struct) error {
	list := &structpb.ListValue{Values: make([]*structpb.Value, len(items))}
	for i, st := range items {
		list.Values[i] = structpb.NewStructValue(st)
	}
	data, err := proto.Marshal(list)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/x-protobuf")
	w.WriteHeader(http.StatusOK)
	_, err = w.Write(data)
	return err
}

func (s *Server) writeWalk(w http.ResponseWriter, r *http.Request, res *WalkResult) {
	if wantsProtobuf(r) {
		var items []*structpb.Struct
		for _, b := range res.Batches {
			st, err := ToProtoRecords(b)
			if err != nil {
				s.writeError(w, err)
				return
			}
			items = append(items, st...)
		}
		w.Header().Set("X-Walk-State", res.State.String())
		if res.Next != "" {
			w.Header().Set("X-Walk-Next", string(res.Next))
		}
		if err := writeProtoRecords(w, items); err != nil {
			s.log.WithError(err).Error("encode protobuf response")
		}
		return
	}

	out := walkJSON{State: res.State.String(), Next: string(res.Next), Batches: []batchJSON{}}
	for _, b := range res.Batches {
		bj := batchJSON{
			CID:      string(b.Address),
			Prev:     string(b.Prev),
			Records:  make([]json.RawMessage, len(b.Records)),
			Rejected: len(b.Rejected),
		}
		for i, rec := range b.Records {
			bj.Records[i] = rec.Raw
		}
		out.Batches = append(out.Batches, bj)
	}
	writeJSON(w, out)
}

func (s *Server) resolveHead(r *http.Request) (ContentAddress, error) {
	if s.opts.Resolver == nil {
		return "", &StageError{Stage: StageResolve, Err: fmt.Errorf("%w: no resolver configured", ErrResolution)}
	}
	addr, err := ResolveHead(r.Context(), s.opts.Resolver, s.opts.NameFile, s.opts.ResolveTimeout)
	if err != nil {
		return "", &StageError{Stage: StageResolve, Err: err}
	}
	return addr, nil
}

func (s *Server) walk(r *http.Request, start ContentAddress, maxBatches int) (*WalkResult, error) {
	s.walkMu.Lock()
	defer s.walkMu.Unlock()
	if s.closed {
		return &WalkResult{State: StateFailed}, ErrServerClosed
	}
	return s.opts.Walker.Walk(r.Context(), start, WalkOptions{MaxBatches: maxBatches})
}

// HandleResolve handles GET /api/v1/resolve - resolve the head without fetching.
func (s *Server) HandleResolve(w http.ResponseWriter, r *http.Request) {
	addr, err := s.resolveHead(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"cid": string(addr)})
}

// HandleFetch handles POST /api/v1/fetch/{cid} - load one batch, or the chain
// from it when follow=true.
func (s *Server) HandleFetch(w http.ResponseWriter, r *http.Request) {
	addr := ContentAddress(r.PathValue("cid"))
	if addr == "" {
		http.Error(w, "missing cid", http.StatusBadRequest)
		return
	}
	limit := 1
	if follow, _ := strconv.ParseBool(r.URL.Query().Get("follow")); follow {
		limit = s.opts.MaxBatches
	}
	res, err := s.walk(r, addr, limit)
	if err != nil && res.State == StateFailed {
		s.writeError(w, err)
		return
	}
	s.writeWalk(w, r, res)
}

// HandleChain handles POST /api/v1/chain - resolve the head and walk the chain.
func (s *Server) HandleChain(w http.ResponseWriter, r *http.Request) {
	addr, err := s.resolveHead(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.walk(r, addr, s.opts.MaxBatches)
	if err != nil && res.State == StateFailed {
		s.writeError(w, err)
		return
	}
	s.writeWalk(w, r, res)
}

// HandleLogs handles GET /api/v1/logs - records stored so far.
// Query parameters: cid (one batch only), after (sequence number), limit.
func (s *Server) HandleLogs(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil {
		http.Error(w, "no record store configured", http.StatusNotFound)
		return
	}
	q := r.URL.Query()
	after, err := parseIntParam(q.Get("after"))
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid after: %v", err), http.StatusBadRequest)
		return
	}
	limit, err := parseIntParam(q.Get("limit"))
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid limit: %v", err), http.StatusBadRequest)
		return
	}

	rows, err := s.opts.Store.Query(r.Context(), ContentAddress(q.Get("cid")), after, int(limit))
	if err != nil {
		s.log.WithError(err).Error("query records")
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}

	if wantsProtobuf(r) {
		items := make([]*structpb.Struct, 0, len(rows))
		for _, row := range rows {
			st, err := ToProtoRecord(row.Address, row.Record)
			if err != nil {
				s.writeError(w, err)
				return
			}
			items = append(items, st)
		}
		if err := writeProtoRecords(w, items); err != nil {
			s.log.WithError(err).Error("encode protobuf response")
		}
		return
	}

	type rowJSON struct {
		Seq    int64           `json:"seq"`
		CID    string          `json:"cid"`
		Record json.RawMessage `json:"record"`
	}
	out := make([]rowJSON, len(rows))
	for i, row := range rows {
		out[i] = rowJSON{Seq: row.Seq, CID: string(row.Address), Record: row.Record.Raw}
	}
	writeJSON(w, map[string]any{"records": out})
}

func parseIntParam(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("must not be negative")
	}
	return n, nil
}

// SetupRoutes configures HTTP routes for the API.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/resolve", s.HandleResolve)
	mux.HandleFunc("POST /api/v1/fetch/{cid}", s.HandleFetch)
	mux.HandleFunc("POST /api/v1/chain", s.HandleChain)
	mux.HandleFunc("GET /api/v1/logs", s.HandleLogs)
}

func (s *Server) tlsConfigWithDefaults() *tls.Config {
	if s.tlsConfig == nil {
		return &tls.Config{MinVersion: tls.VersionTLS12}
	}
	cfg := s.tlsConfig.Clone()
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	return cfg
}

// ShutdownTimeout bounds how long Serve waits for in-flight requests once its
// context is done. Walks still running after that are cancelled.
const ShutdownTimeout = 10 * time.Second

func (s *Server) httpServer(base context.Context) *http.Server {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
}

// Serve accepts connections on ln until ctx is done, then shuts down
// gracefully. It returns only after every walk has finished, so sinks may be
// closed afterwards. TLS is used when certFile is set.
func (s *Server) Serve(ctx context.Context, ln net.Listener, certFile, keyFile string) error {
	base, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	server := s.httpServer(base)

	errc := make(chan error, 1)
	go func() {
		if certFile != "" {
			server.TLSConfig = s.tlsConfigWithDefaults()
			errc <- server.ServeTLS(ln, certFile, keyFile)
			return
		}
		errc <- server.Serve(ln)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	err := server.Shutdown(sctx)
	if err != nil {
		s.log.WithError(err).Warn("graceful shutdown timed out; cancelling walks")
		cancelBase()
		_ = server.Close()
	}
	// A walk holds walkMu until it returns; taking it waits for the last one.
	s.walkMu.Lock()
	s.closed = true
	s.walkMu.Unlock()

	if serr := <-errc; serr != nil && !errors.Is(serr, http.ErrServerClosed) {
		return serr
	}
	return err
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr, certFile, keyFile string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln, certFile, keyFile)
}
