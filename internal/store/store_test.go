package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalzero/internal/embedding"
	"signalzero/internal/types"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "sigzero.db")
	s, err := NewLocalStore(dbPath, embedding.NewIndex(embedding.NewHashEngine(0)))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateSymbol_DuplicateRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sym := types.Symbol{ID: "S1", Name: "Mirror Trap", Macro: "reflect the frame back"}
	require.NoError(t, s.CreateSymbol(ctx, sym))

	err := s.CreateSymbol(ctx, sym)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateSymbol)

	got, err := s.GetSymbol("S1")
	require.NoError(t, err)
	assert.Equal(t, "Mirror Trap", got.Name)
}

func TestUpdateSymbol_MergeRetainsAbsentFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSymbol(ctx, types.Symbol{
		ID:          "S1",
		Name:        "Anchor",
		Description: "stabilizes recursion",
		Macro:       "hold position",
		SymbolTag:   "core",
	}))

	patch := map[string]json.RawMessage{
		"macro": json.RawMessage(`"release position"`),
	}
	merged, err := s.UpdateSymbol(ctx, "S1", patch)
	require.NoError(t, err)

	assert.Equal(t, "release position", merged.Macro)
	assert.Equal(t, "Anchor", merged.Name, "unpatched field must be retained")
	assert.Equal(t, "stabilizes recursion", merged.Description)
	assert.Equal(t, "core", merged.SymbolTag)

	got, err := s.GetSymbol("S1")
	require.NoError(t, err)
	assert.Equal(t, merged, got)
}

func TestUpdateSymbol_MissingID(t *testing.T) {
	s := newTestStore(t)
	_, err := s.UpdateSymbol(context.Background(), "nope", map[string]json.RawMessage{})
	assert.ErrorIs(t, err, ErrSymbolNotFound)
}

func TestUpdateSymbol_IndexReflectsNewTextBeforeReturn(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSymbol(ctx, types.Symbol{ID: "S1", Macro: "old macro text"}))
	before := s.Index().Vector("S1")
	require.NotNil(t, before)

	_, err := s.UpdateSymbol(ctx, "S1", map[string]json.RawMessage{
		"macro": json.RawMessage(`"brand new macro text"`),
	})
	require.NoError(t, err)

	after := s.Index().Vector("S1")
	assert.NotEqual(t, before, after, "index must hold the post-update vector when the call returns")

	matches, err := s.Index().Search(ctx, "brand new macro text", 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "S1", matches[0].SymbolID)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-6)
}

func TestDeleteSymbol(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSymbol(ctx, types.Symbol{ID: "S1", Macro: "m"}))
	require.True(t, s.Index().Has("S1"))

	existed, err := s.DeleteSymbol(ctx, "S1")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.False(t, s.Index().Has("S1"))

	// Deleting an absent id succeeds.
	existed, err = s.DeleteSymbol(ctx, "S1")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestPutSymbol_Upsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.PutSymbol(ctx, types.Symbol{ID: "S1", Name: "v1"})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.PutSymbol(ctx, types.Symbol{ID: "S1", Name: "v2"})
	require.NoError(t, err)
	assert.False(t, created)

	got, err := s.GetSymbol("S1")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Name)
}

func TestGetSymbolsByIDs_OmitsMissing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSymbol(ctx, types.Symbol{ID: "S1"}))
	require.NoError(t, s.CreateSymbol(ctx, types.Symbol{ID: "S3"}))

	symbols, err := s.GetSymbolsByIDs([]string{"S1", "S2", "S3"})
	require.NoError(t, err)
	require.Len(t, symbols, 2)
	assert.Equal(t, "S1", symbols[0].ID)
	assert.Equal(t, "S3", symbols[1].ID)
}

func TestListSymbols_FiltersAndPaging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSymbol(ctx, types.Symbol{ID: "S1", SymbolDomain: "defense", SymbolTag: "core"}))
	require.NoError(t, s.CreateSymbol(ctx, types.Symbol{ID: "S2", SymbolDomain: "defense", SymbolTag: "aux"}))
	require.NoError(t, s.CreateSymbol(ctx, types.Symbol{ID: "S3", SymbolDomain: "analysis", SymbolTag: "core"}))

	t.Run("by domain", func(t *testing.T) {
		got, err := s.ListSymbols(ListOptions{Domain: "defense"})
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("by tag", func(t *testing.T) {
		got, err := s.ListSymbols(ListOptions{Tag: "core"})
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("paged", func(t *testing.T) {
		page1, err := s.ListSymbols(ListOptions{Limit: 2})
		require.NoError(t, err)
		require.Len(t, page1, 2)
		assert.Equal(t, "S1", page1[0].ID)

		page2, err := s.ListSymbols(ListOptions{Limit: 2, Offset: 2})
		require.NoError(t, err)
		require.Len(t, page2, 1)
		assert.Equal(t, "S3", page2[0].ID)
	})
}

func TestDomains(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSymbol(ctx, types.Symbol{ID: "S1", SymbolDomain: "defense"}))
	require.NoError(t, s.CreateSymbol(ctx, types.Symbol{ID: "S2", SymbolDomain: "defense"}))
	require.NoError(t, s.CreateSymbol(ctx, types.Symbol{ID: "S3", SymbolDomain: "analysis"}))

	domains, err := s.Domains()
	require.NoError(t, err)
	assert.Equal(t, []string{"analysis", "defense"}, domains)
}

func TestResolveKit_OmitsMissingMembers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSymbol(ctx, types.Symbol{ID: "S1"}))
	require.NoError(t, s.CreateSymbol(ctx, types.Symbol{ID: "S2"}))
	require.NoError(t, s.PutKit(types.Kit{
		Kit:    "K1",
		Title:  "Defense Kit",
		Triad:  []string{"S1", "missing", "S2"},
		Exec:   []string{"also-missing"},
		Anchor: "S1",
	}))

	resolved, err := s.ResolveKit("K1")
	require.NoError(t, err)
	assert.Len(t, resolved.Triad, 2)
	assert.Empty(t, resolved.Exec)
	require.NotNil(t, resolved.Anchor)
	assert.Equal(t, "S1", resolved.Anchor.ID)

	_, err = s.ResolveKit("no-such-kit")
	assert.ErrorIs(t, err, ErrKitNotFound)
}

func TestPersonas(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.PutPersona(types.AgentPersona{ID: "A1", Role: "analyst"}))
	require.NoError(t, s.PutPersona(types.AgentPersona{ID: "A2", Role: "skeptic"}))

	personas, err := s.GetPersonasByIDs([]string{"A1", "missing", "A2"})
	require.NoError(t, err)
	assert.Len(t, personas, 2)

	_, err = s.GetPersona("missing")
	assert.ErrorIs(t, err, ErrPersonaNotFound)
}

func TestLoadSeeds(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()

	symbolsPath := filepath.Join(dir, "symbols.json")
	require.NoError(t, os.WriteFile(symbolsPath, []byte(`[
		{"id": "S1", "name": "Anchor", "macro": "hold"},
		{"id": "S2", "name": "Mirror", "macro": "reflect"}
	]`), 0644))

	kitsPath := filepath.Join(dir, "kits.json")
	require.NoError(t, os.WriteFile(kitsPath, []byte(`[
		{"kit": "K1", "title": "Base", "triad": ["S1", "S2"]}
	]`), 0644))

	err := s.LoadSeeds(context.Background(), SeedPaths{
		Symbols:  symbolsPath,
		Kits:     kitsPath,
		Personas: filepath.Join(dir, "absent.json"), // skipped, not fatal
	})
	require.NoError(t, err)

	got, err := s.GetSymbol("S1")
	require.NoError(t, err)
	assert.Equal(t, "Anchor", got.Name)
	assert.True(t, s.Index().Has("S1"), "seeded symbols must be indexed")

	resolved, err := s.ResolveKit("K1")
	require.NoError(t, err)
	assert.Len(t, resolved.Triad, 2)
}

func TestHistory_OrderAndWindow(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AppendHistory("sess", "user", "first"))
	require.NoError(t, s.AppendHistory("sess", "assistant", "second"))
	require.NoError(t, s.AppendHistory("sess", "user", "third"))
	require.NoError(t, s.AppendHistory("other", "user", "unrelated"))

	all, err := s.GetHistory("sess", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "first", all[0].Content)
	assert.Equal(t, "third", all[2].Content)

	window, err := s.GetHistory("sess", 2)
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, "second", window[0].Content, "window keeps the most recent turns, oldest first")
	assert.Equal(t, "third", window[1].Content)
}

func TestWriteLedger_WriteOnce(t *testing.T) {
	s := newTestStore(t)

	ledger := types.SessionLedger{
		SessionID: "sess",
		Reply:     "final reply",
		Reason:    "explicit completion",
	}
	require.NoError(t, s.WriteLedger(ledger))

	second := ledger
	second.Reply = "overwrite attempt"
	err := s.WriteLedger(second)
	assert.ErrorIs(t, err, ErrLedgerExists)

	got, err := s.GetLedger("sess")
	require.NoError(t, err)
	assert.Equal(t, "final reply", got.Reply, "first write must remain intact")

	_, err = s.GetLedger("never-ran")
	assert.ErrorIs(t, err, ErrLedgerNotFound)
}

func TestHistory_EncryptedAtRest(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AppendHistory("sess", "user", "the launch codes"))

	var raw string
	require.NoError(t, s.db.QueryRow(
		"SELECT content FROM session_history WHERE session_id = ?", "sess",
	).Scan(&raw))
	assert.NotContains(t, raw, "launch codes", "content column holds ciphertext")

	turns, err := s.GetHistory("sess", 0)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "the launch codes", turns[0].Content)
}

func TestHistory_KeySurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sigzero.db")

	s, err := NewLocalStore(dbPath, embedding.NewIndex(embedding.NewHashEngine(0)))
	require.NoError(t, err)
	require.NoError(t, s.AppendHistory("sess", "user", "remember me"))
	require.NoError(t, s.Close())

	reopened, err := NewLocalStore(dbPath, embedding.NewIndex(embedding.NewHashEngine(0)))
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	turns, err := reopened.GetHistory("sess", 0)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "remember me", turns[0].Content)
}

func TestHistory_TamperedRowFailsClosed(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AppendHistory("sess", "user", "intact"))

	_, err := s.db.Exec("UPDATE session_history SET content = ? WHERE session_id = ?",
		"not-a-token", "sess")
	require.NoError(t, err)

	_, err = s.GetHistory("sess", 0)
	assert.ErrorIs(t, err, ErrHistoryCipher)
}
