package symsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalzero/internal/embedding"
	"signalzero/internal/store"
	"signalzero/internal/types"
)

func newTestStore(t *testing.T) *store.LocalStore {
	t.Helper()
	st, err := store.NewLocalStore(
		filepath.Join(t.TempDir(), "sigzero.db"),
		embedding.NewIndex(embedding.NewHashEngine(0)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// pagedStore serves a fixed symbol list through the cursor protocol.
func pagedStore(t *testing.T, symbols []types.Symbol, requests *[]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/symbol", r.URL.Path)
		*requests = append(*requests, r.URL.RawQuery)

		limit := 20
		fmt.Sscanf(r.URL.Query().Get("limit"), "%d", &limit)
		cursor := r.URL.Query().Get("last_symbol_id")

		start := 0
		if cursor != "" {
			for i, sym := range symbols {
				if sym.ID == cursor {
					start = i + 1
					break
				}
			}
		}
		end := start + limit
		if end > len(symbols) {
			end = len(symbols)
		}
		json.NewEncoder(w).Encode(symbols[start:end])
	}))
}

func makeSymbols(n int) []types.Symbol {
	symbols := make([]types.Symbol, n)
	for i := range symbols {
		symbols[i] = types.Symbol{
			ID:    fmt.Sprintf("S%03d", i),
			Macro: fmt.Sprintf("macro %d", i),
		}
	}
	return symbols
}

func TestSync_PagesUntilShortBatch(t *testing.T) {
	remote := makeSymbols(45)
	var requests []string
	server := pagedStore(t, remote, &requests)
	defer server.Close()

	st := newTestStore(t)
	client := NewClient(server.URL, 5*time.Second)

	result, err := Sync(context.Background(), client, st, QueryOptions{})
	require.NoError(t, err)

	assert.Equal(t, 45, result.Fetched)
	assert.Equal(t, 45, result.Stored)
	assert.Equal(t, 45, result.New)
	assert.Zero(t, result.Updated)
	assert.Equal(t, 3, result.Pages, "45 symbols at page size 20 is 3 pages")

	// Cursor advances through the pages.
	require.Len(t, requests, 3)
	assert.NotContains(t, requests[0], "last_symbol_id")
	assert.Contains(t, requests[1], "last_symbol_id=S019")
	assert.Contains(t, requests[2], "last_symbol_id=S039")

	got, err := st.GetSymbol("S044")
	require.NoError(t, err)
	assert.Equal(t, "macro 44", got.Macro)
	assert.True(t, st.Index().Has("S044"), "synced symbols are indexed")
}

func TestSync_LimitClampedToServerCap(t *testing.T) {
	remote := makeSymbols(5)
	var requests []string
	server := pagedStore(t, remote, &requests)
	defer server.Close()

	st := newTestStore(t)
	client := NewClient(server.URL, 5*time.Second)

	_, err := Sync(context.Background(), client, st, QueryOptions{Limit: 500})
	require.NoError(t, err)
	require.NotEmpty(t, requests)
	assert.Contains(t, requests[0], "limit=20")
}

func TestSync_CountsNewVersusUpdated(t *testing.T) {
	remote := makeSymbols(3)
	var requests []string
	server := pagedStore(t, remote, &requests)
	defer server.Close()

	st := newTestStore(t)
	require.NoError(t, st.CreateSymbol(context.Background(), types.Symbol{ID: "S001", Macro: "stale"}))

	client := NewClient(server.URL, 5*time.Second)
	result, err := Sync(context.Background(), client, st, QueryOptions{})
	require.NoError(t, err)

	assert.Equal(t, 2, result.New)
	assert.Equal(t, 1, result.Updated)

	got, err := st.GetSymbol("S001")
	require.NoError(t, err)
	assert.Equal(t, "macro 1", got.Macro, "sync is last-write-wins")
}

func TestSync_EmptyStore(t *testing.T) {
	var requests []string
	server := pagedStore(t, nil, &requests)
	defer server.Close()

	st := newTestStore(t)
	client := NewClient(server.URL, 5*time.Second)

	result, err := Sync(context.Background(), client, st, QueryOptions{})
	require.NoError(t, err)
	assert.Zero(t, result.Fetched)
	assert.Zero(t, result.Pages)
}

func TestQuerySymbols_SkipsUndecodableEntries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id": "S1", "macro": "good"}, {"macro": "no id"}, {"id": "S2"}]`))
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second)
	symbols, err := client.QuerySymbols(context.Background(), QueryOptions{})
	require.NoError(t, err)
	require.Len(t, symbols, 2)
	assert.Equal(t, "S1", symbols[0].ID)
	assert.Equal(t, "S2", symbols[1].ID)
}

func TestQuerySymbols_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second)
	_, err := client.QuerySymbols(context.Background(), QueryOptions{})
	assert.Error(t, err)
}

func TestListDomains(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/domains", r.URL.Path)
		w.Write([]byte(`["analysis", "defense"]`))
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second)
	domains, err := client.ListDomains(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"analysis", "defense"}, domains)
}
