// Package server exposes the phase engine and symbol catalog over HTTP.
// Handlers pass store and loop results through verbatim; shaping output for
// a particular client is not their job.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"signalzero/internal/config"
	"signalzero/internal/logging"
	"signalzero/internal/loop"
	"signalzero/internal/store"
	"signalzero/internal/symsync"
	"signalzero/internal/types"
)

// maxListLimit caps the page size of symbol listings.
const maxListLimit = 50

// defaultListLimit applies when the caller passes no limit.
const defaultListLimit = 20

// Server is the HTTP surface over the engine.
type Server struct {
	cfg    *config.Config
	store  *store.LocalStore
	router *loop.Router
	sync   *symsync.Client
}

// New creates the server. The sync client may be nil when no external
// store is configured; /sync then reports an error.
func New(cfg *config.Config, st *store.LocalStore, router *loop.Router, sync *symsync.Client) *Server {
	return &Server{cfg: cfg, store: st, router: router, sync: sync}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /query", s.handleQuery)
	mux.HandleFunc("GET /session/{id}", s.handleGetSession)
	mux.HandleFunc("GET /symbols", s.handleListSymbols)
	mux.HandleFunc("GET /symbol/{id}", s.handleGetSymbol)
	mux.HandleFunc("PUT /inject/symbols", s.handleBulkInject)
	mux.HandleFunc("PUT /inject/{id}", s.handleInject)
	mux.HandleFunc("GET /domains", s.handleDomains)
	mux.HandleFunc("POST /sync", s.handleSync)
	return mux
}

// queryResponse is the engine result plus the session's history length.
type queryResponse struct {
	SessionID     string              `json:"session_id"`
	Reply         string              `json:"reply"`
	Reason        string              `json:"reason"`
	Phases        []types.PhaseRecord `json:"intermediate_responses"`
	SymbolsUsed   []string            `json:"symbols_used"`
	HistoryLength int                 `json:"history_length"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if query == "" {
		writeError(w, http.StatusBadRequest, "query parameter required")
		return
	}
	sessionID := r.URL.Query().Get("session_id")

	ledger, err := s.router.Run(r.Context(), sessionID, query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, queryResponse{
		SessionID:     ledger.SessionID,
		Reply:         ledger.Reply,
		Reason:        ledger.Reason,
		Phases:        ledger.Phases,
		SymbolsUsed:   ledger.SymbolsUsed,
		HistoryLength: ledger.HistoryLength,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	ledger, err := s.store.GetLedger(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrLedgerNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ledger)
}

func (s *Server) handleListSymbols(w http.ResponseWriter, r *http.Request) {
	limit := intParam(r, "limit", defaultListLimit)
	if limit > maxListLimit {
		limit = maxListLimit
	}

	symbols, err := s.store.ListSymbols(store.ListOptions{
		Domain: r.URL.Query().Get("symbol_domain"),
		Tag:    r.URL.Query().Get("symbol_tag"),
		Offset: intParam(r, "start_index", 0),
		Limit:  limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if symbols == nil {
		symbols = []types.Symbol{}
	}
	writeJSON(w, http.StatusOK, symbols)
}

func (s *Server) handleGetSymbol(w http.ResponseWriter, r *http.Request) {
	sym, err := s.store.GetSymbol(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrSymbolNotFound) {
			writeError(w, http.StatusNotFound, "symbol not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sym)
}

func (s *Server) handleInject(w http.ResponseWriter, r *http.Request) {
	var sym types.Symbol
	if err := json.NewDecoder(r.Body).Decode(&sym); err != nil {
		writeError(w, http.StatusBadRequest, "invalid symbol body")
		return
	}
	// The path id is authoritative over whatever the body says.
	sym.ID = r.PathValue("id")
	if sym.ID == "" {
		writeError(w, http.StatusBadRequest, "symbol id required")
		return
	}

	created, err := s.store.PutSymbol(r.Context(), sym)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := "updated"
	if created {
		status = "created"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) handleBulkInject(w http.ResponseWriter, r *http.Request) {
	var symbols []types.Symbol
	if err := json.NewDecoder(r.Body).Decode(&symbols); err != nil {
		writeError(w, http.StatusBadRequest, "invalid symbol list body")
		return
	}

	stored := 0
	for _, sym := range symbols {
		if sym.ID == "" {
			continue
		}
		if _, err := s.store.PutSymbol(r.Context(), sym); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		stored++
	}
	writeJSON(w, http.StatusOK, map[string]int{"stored": stored})
}

func (s *Server) handleDomains(w http.ResponseWriter, r *http.Request) {
	domains, err := s.store.Domains()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not retrieve domain list")
		return
	}
	if domains == nil {
		domains = []string{}
	}
	writeJSON(w, http.StatusOK, domains)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.sync == nil {
		writeError(w, http.StatusServiceUnavailable, "no external symbol store configured")
		return
	}

	result, err := symsync.Sync(r.Context(), s.sync, s.store, symsync.QueryOptions{
		Domain: r.URL.Query().Get("symbol_domain"),
		Tag:    r.URL.Query().Get("symbol_tag"),
		Limit:  intParam(r, "limit", 0),
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Serve runs the HTTP server until the context is canceled.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.Addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Get(logging.CategoryAPI).Info("HTTP server listening on %s", s.cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func intParam(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Get(logging.CategoryAPI).Error("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
