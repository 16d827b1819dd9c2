// Package rpc exposes the node's query-only RPC surface: submit
// transaction/exchange-request, query ValidStore by oid, list open
// exchange requests, and a websocket tee of CC_MSG_HAVE_*
// advertisements. The handler-map/ServeMux/WSHub skeleton keeps the
// daemon's original shape; the swap/wallet/order JSON-RPC method table
// built around it is gone along with those subsystems.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/credacash/ccnode/internal/matcher"
	"github.com/credacash/ccnode/internal/object"
	"github.com/credacash/ccnode/internal/validstore"
	"github.com/credacash/ccnode/internal/xreq"
	"github.com/credacash/ccnode/pkg/logging"
)

// SubmitFunc hands a raw object body to the validation pipeline and
// reports the submission result, per the node's INVALID:/UNKNOWN:/OK:
// response vocabulary.
type SubmitFunc func(ctx context.Context, tag object.Tag, body []byte) (string, error)

// Server is the HTTP+websocket RPC server.
type Server struct {
	valid    *validstore.Store
	xreqs    *xreq.Store
	xmatches *matcher.XmatchStore
	submit   SubmitFunc
	log      *logging.Logger
	wsHub    *WSHub

	server   *http.Server
	listener net.Listener
}

// New constructs a Server over the given stores. xmatches may be nil,
// in which case /v1/xmatch/{oid} reports 503 rather than 404/200 so a
// caller can distinguish "not wired" from "no matches yet".
func New(valid *validstore.Store, xreqs *xreq.Store, xmatches *matcher.XmatchStore, submit SubmitFunc, log *logging.Logger) *Server {
	if log == nil {
		log = logging.GetDefault().Component("rpc")
	}
	return &Server{valid: valid, xreqs: xreqs, xmatches: xmatches, submit: submit, log: log}
}

// Start binds addr and serves the RPC surface in the background.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.wsHub = NewWSHub(s.log)
	go s.wsHub.Run()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/object/{oid}", s.handleGetObject)
	mux.HandleFunc("POST /v1/tx", s.handleSubmitTx)
	mux.HandleFunc("POST /v1/xreq", s.handleSubmitXreq)
	mux.HandleFunc("GET /v1/xreq/open", s.handleOpenXreqs)
	mux.HandleFunc("GET /v1/xmatch/{oid}", s.handleXmatch)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("GET /v1/subscribe", s.handleWS)

	s.server = &http.Server{
		Handler:      corsMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("RPC server error: %v", err)
		}
	}()

	s.log.Infof("RPC server started addr=%s ws=ws://%s/v1/subscribe", addr, addr)
	return nil
}

// Stop stops the RPC server.
func (s *Server) Stop() error {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// Addr returns the bound listener address, valid after Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// NotifyHave broadcasts a CC_MSG_HAVE_* advertisement to subscribed
// websocket clients.
func (s *Server) NotifyHave(oid object.OID, tag object.Tag) {
	if s.wsHub == nil {
		return
	}
	s.wsHub.Broadcast(EventHave, haveNotification{Oid: oid.String(), Tag: uint32(tag)})
}

type haveNotification struct {
	Oid string `json:"oid"`
	Tag uint32 `json:"tag"`
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	oidHex := r.PathValue("oid")
	oid, err := parseOidHex(oidHex)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h, ok := s.valid.Get(oid)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(h.Data())
}

type submitRequest struct {
	Tag  uint32 `json:"tag"`
	Body []byte `json:"body"`
}

type submitResponse struct {
	Result string `json:"result"`
}

func (s *Server) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	s.handleSubmit(w, r)
}

func (s *Server) handleSubmitXreq(w http.ResponseWriter, r *http.Request) {
	s.handleSubmit(w, r)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if s.submit == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("rpc: submission pipeline not wired"))
		return
	}
	result, err := s.submit(r.Context(), object.Tag(req.Tag), req.Body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{Result: result})
}

func (s *Server) handleOpenXreqs(w http.ResponseWriter, r *http.Request) {
	base := r.URL.Query().Get("base")
	quote := r.URL.Query().Get("quote")
	foreign := r.URL.Query().Get("foreign")

	var results []*xreq.Xreq
	pair := xreq.Pair{BaseAsset: base, QuoteAsset: quote, ForeignAsset: foreign}
	var cursor int64
	for {
		x, err := s.xreqs.SelectMajor(pair, true, cursor, true)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if x == nil {
			break
		}
		results = append(results, x)
		cursor = x.Seqnum
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleXmatch(w http.ResponseWriter, r *http.Request) {
	if s.xmatches == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("rpc: xmatch store not wired"))
		return
	}
	oid, err := parseOidHex(r.PathValue("oid"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	matches, err := s.xmatches.ByOid(oid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

func parseOidHex(s string) (object.OID, error) {
	var oid object.OID
	if len(s) != len(oid)*2 {
		return oid, fmt.Errorf("rpc: oid must be %d hex characters", len(oid)*2)
	}
	for i := range oid {
		var b byte
		if _, err := fmt.Sscanf(s[i*2:i*2+2], "%02x", &b); err != nil {
			return oid, fmt.Errorf("rpc: invalid oid hex: %w", err)
		}
		oid[i] = b
	}
	return oid, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// handleCORS handles CORS preflight requests.
func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// corsMiddleware adds CORS headers to all responses.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
