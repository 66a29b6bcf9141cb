package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalzero/internal/config"
	"signalzero/internal/embedding"
	"signalzero/internal/loop"
	"signalzero/internal/model"
	"signalzero/internal/prompt"
	"signalzero/internal/store"
	"signalzero/internal/types"
)

// singleReplyClient always returns the same payload.
type singleReplyClient struct {
	reply string
}

func (c *singleReplyClient) Complete(_ context.Context, _ string) (string, error) {
	return c.reply, nil
}

func (c *singleReplyClient) Name() string { return "fixed" }

func newTestServer(t *testing.T, client model.Client) (*Server, *store.LocalStore) {
	t.Helper()

	st, err := store.NewLocalStore(
		filepath.Join(t.TempDir(), "sigzero.db"),
		embedding.NewIndex(embedding.NewHashEngine(0)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	phaseDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(phaseDir, "00-init.md"), []byte("go"), 0644))
	phases, err := prompt.LoadPhases(phaseDir)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	router := loop.NewRouter(cfg, prompt.NewCatalog(phases), st, client, "")
	return New(cfg, st, router, nil), st
}

func TestHandleQuery(t *testing.T) {
	srv, _ := newTestServer(t, &singleReplyClient{reply: `{"narrative": "hello back"}`})

	req := httptest.NewRequest(http.MethodGet, "/query?query=hi&session_id=sess-1", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp queryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "sess-1", resp.SessionID)
	assert.Equal(t, "hello back", resp.Reply)
	assert.Equal(t, loop.ReasonCompleted, resp.Reason)
	// No prior turns plus the one executed phase.
	assert.Equal(t, 1, resp.HistoryLength)
}

func TestHandleQuery_MissingQuery(t *testing.T) {
	srv, _ := newTestServer(t, &singleReplyClient{reply: "{}"})

	req := httptest.NewRequest(http.MethodGet, "/query", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSymbolEndpoints(t *testing.T) {
	srv, st := newTestServer(t, &singleReplyClient{reply: "{}"})
	ctx := context.Background()

	require.NoError(t, st.CreateSymbol(ctx, types.Symbol{ID: "S1", Name: "Anchor", SymbolDomain: "defense"}))
	require.NoError(t, st.CreateSymbol(ctx, types.Symbol{ID: "S2", SymbolDomain: "analysis"}))

	t.Run("get by id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/symbol/S1", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var sym types.Symbol
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sym))
		assert.Equal(t, "Anchor", sym.Name)
	})

	t.Run("get missing is 404", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/symbol/ghost", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("list filtered by domain", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/symbols?symbol_domain=defense", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var symbols []types.Symbol
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &symbols))
		require.Len(t, symbols, 1)
		assert.Equal(t, "S1", symbols[0].ID)
	})

	t.Run("domains", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/domains", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var domains []string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &domains))
		assert.Equal(t, []string{"analysis", "defense"}, domains)
	})
}

func TestHandleInject(t *testing.T) {
	srv, st := newTestServer(t, &singleReplyClient{reply: "{}"})

	body := strings.NewReader(`{"id": "ignored", "name": "Injected", "macro": "from outside"}`)
	req := httptest.NewRequest(http.MethodPut, "/inject/S9", body)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "created")

	got, err := st.GetSymbol("S9")
	require.NoError(t, err)
	assert.Equal(t, "Injected", got.Name, "path id wins over body id")
	assert.True(t, st.Index().Has("S9"), "injected symbols are indexed before the response")

	// Second put is an update.
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/inject/S9",
		strings.NewReader(`{"name": "Injected v2"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "updated")
}

func TestHandleBulkInject(t *testing.T) {
	srv, st := newTestServer(t, &singleReplyClient{reply: "{}"})

	body := strings.NewReader(`[{"id": "B1"}, {"id": "B2"}, {"macro": "skipped, no id"}]`)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/inject/symbols", body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"stored": 2}`, rec.Body.String())

	_, err := st.GetSymbol("B1")
	assert.NoError(t, err)
}

func TestHandleSync_Unconfigured(t *testing.T) {
	srv, _ := newTestServer(t, &singleReplyClient{reply: "{}"})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sync", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleGetSession(t *testing.T) {
	srv, st := newTestServer(t, &singleReplyClient{reply: "{}"})

	require.NoError(t, st.WriteLedger(types.SessionLedger{SessionID: "sess-9", Reply: "archived"}))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/session/sess-9", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var ledger types.SessionLedger
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ledger))
	assert.Equal(t, "archived", ledger.Reply)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/session/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
