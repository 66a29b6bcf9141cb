package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"signalzero/internal/logging"
	"signalzero/internal/types"
)

// reindexSymbol refreshes the embedding entry for a symbol before the
// enclosing mutation returns. Index failures are logged, never propagated:
// the catalog row is the primary record, the vector is derived data.
func (s *LocalStore) reindexSymbol(ctx context.Context, sym *types.Symbol) {
	if s.index == nil {
		logging.Get(logging.CategoryStore).Warn("Reindex skipped for %s: no embedding index attached", sym.ID)
		return
	}
	if err := s.index.Reindex(ctx, sym.ID, sym.EmbeddingText()); err != nil {
		logging.Get(logging.CategoryStore).Warn("Reindex failed for %s: %v", sym.ID, err)
	}
}

// CreateSymbol inserts a new symbol. An existing id is an error; use
// UpdateSymbol to mutate or PutSymbol to upsert.
func (s *LocalStore) CreateSymbol(ctx context.Context, sym types.Symbol) error {
	if sym.ID == "" {
		return fmt.Errorf("symbol id required")
	}

	doc, err := json.Marshal(sym)
	if err != nil {
		return fmt.Errorf("failed to marshal symbol %s: %w", sym.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	err = s.db.QueryRow("SELECT COUNT(*) FROM symbols WHERE id = ?", sym.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check symbol %s: %w", sym.ID, err)
	}
	if exists > 0 {
		return fmt.Errorf("symbol %s: %w", sym.ID, ErrDuplicateSymbol)
	}

	_, err = s.db.Exec(
		"INSERT INTO symbols (id, doc, symbol_domain, symbol_tag) VALUES (?, ?, ?, ?)",
		sym.ID, string(doc), sym.SymbolDomain, sym.SymbolTag,
	)
	if err != nil {
		return fmt.Errorf("failed to insert symbol %s: %w", sym.ID, err)
	}

	s.reindexSymbol(ctx, &sym)
	logging.StoreDebug("Created symbol %s (domain=%s)", sym.ID, sym.SymbolDomain)
	return nil
}

// UpdateSymbol applies a merge-patch to an existing symbol: keys present in
// patch overwrite, absent keys are retained. Returns the post-merge symbol.
// The embedding entry is refreshed before this returns, so a subsequent
// similarity search never sees the pre-update text.
func (s *LocalStore) UpdateSymbol(ctx context.Context, id string, patch map[string]json.RawMessage) (types.Symbol, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.getSymbolLocked(id)
	if err != nil {
		return types.Symbol{}, err
	}

	merged, err := current.Merge(patch)
	if err != nil {
		return types.Symbol{}, fmt.Errorf("failed to merge symbol %s: %w", id, err)
	}
	merged.ID = id // the patch may not change identity

	doc, err := json.Marshal(merged)
	if err != nil {
		return types.Symbol{}, fmt.Errorf("failed to marshal symbol %s: %w", id, err)
	}

	_, err = s.db.Exec(
		"UPDATE symbols SET doc = ?, symbol_domain = ?, symbol_tag = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		string(doc), merged.SymbolDomain, merged.SymbolTag, id,
	)
	if err != nil {
		return types.Symbol{}, fmt.Errorf("failed to update symbol %s: %w", id, err)
	}

	s.reindexSymbol(ctx, &merged)
	logging.StoreDebug("Updated symbol %s (%d patched fields)", id, len(patch))
	return merged, nil
}

// PutSymbol writes a symbol unconditionally, creating or replacing.
// Used by seed loading and catalog sync, where last-write-wins is the
// intended resolution. Reports whether the symbol was newly created.
func (s *LocalStore) PutSymbol(ctx context.Context, sym types.Symbol) (created bool, err error) {
	if sym.ID == "" {
		return false, fmt.Errorf("symbol id required")
	}

	doc, err := json.Marshal(sym)
	if err != nil {
		return false, fmt.Errorf("failed to marshal symbol %s: %w", sym.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM symbols WHERE id = ?", sym.ID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check symbol %s: %w", sym.ID, err)
	}

	_, err = s.db.Exec(`
		INSERT INTO symbols (id, doc, symbol_domain, symbol_tag) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			doc = excluded.doc,
			symbol_domain = excluded.symbol_domain,
			symbol_tag = excluded.symbol_tag,
			updated_at = CURRENT_TIMESTAMP`,
		sym.ID, string(doc), sym.SymbolDomain, sym.SymbolTag,
	)
	if err != nil {
		return false, fmt.Errorf("failed to upsert symbol %s: %w", sym.ID, err)
	}

	s.reindexSymbol(ctx, &sym)
	return exists == 0, nil
}

// DeleteSymbol removes a symbol and its index entry. Deleting an absent id
// succeeds and reports existed=false.
func (s *LocalStore) DeleteSymbol(ctx context.Context, id string) (existed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec("DELETE FROM symbols WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("failed to delete symbol %s: %w", id, err)
	}

	rows, _ := result.RowsAffected()
	if s.index != nil {
		s.index.Remove(id)
	}

	logging.StoreDebug("Deleted symbol %s (existed=%v)", id, rows > 0)
	return rows > 0, nil
}

// GetSymbol resolves a single symbol by id.
func (s *LocalStore) GetSymbol(id string) (types.Symbol, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getSymbolLocked(id)
}

func (s *LocalStore) getSymbolLocked(id string) (types.Symbol, error) {
	var doc string
	err := s.db.QueryRow("SELECT doc FROM symbols WHERE id = ?", id).Scan(&doc)
	if err == sql.ErrNoRows {
		return types.Symbol{}, fmt.Errorf("symbol %s: %w", id, ErrSymbolNotFound)
	}
	if err != nil {
		return types.Symbol{}, fmt.Errorf("failed to query symbol %s: %w", id, err)
	}

	var sym types.Symbol
	if err := json.Unmarshal([]byte(doc), &sym); err != nil {
		return types.Symbol{}, fmt.Errorf("failed to decode symbol %s: %w", id, err)
	}
	return sym, nil
}

// GetSymbolsByIDs resolves a batch of ids, preserving request order.
// Missing ids are silently omitted from the result.
func (s *LocalStore) GetSymbolsByIDs(ids []string) ([]types.Symbol, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	symbols := make([]types.Symbol, 0, len(ids))
	for _, id := range ids {
		sym, err := s.getSymbolLocked(id)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, err
		}
		symbols = append(symbols, sym)
	}
	return symbols, nil
}

// ListOptions filters and pages a symbol listing.
type ListOptions struct {
	Domain string
	Tag    string
	Offset int
	Limit  int
}

// ListSymbols returns symbols matching the options, ordered by id for a
// stable pagination cursor. A non-positive limit means no limit.
func (s *LocalStore) ListSymbols(opts ListOptions) ([]types.Symbol, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT doc FROM symbols WHERE 1=1"
	args := []any{}
	if opts.Domain != "" {
		query += " AND symbol_domain = ?"
		args = append(args, opts.Domain)
	}
	if opts.Tag != "" {
		query += " AND symbol_tag = ?"
		args = append(args, opts.Tag)
	}
	query += " ORDER BY id"
	if opts.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, opts.Offset)
	} else if opts.Offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list symbols: %w", err)
	}
	defer rows.Close()

	var symbols []types.Symbol
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan symbol row: %w", err)
		}
		var sym types.Symbol
		if err := json.Unmarshal([]byte(doc), &sym); err != nil {
			logging.StoreDebug("Skipping undecodable symbol row: %v", err)
			continue
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

// Domains returns the distinct symbol domains present in the catalog.
func (s *LocalStore) Domains() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT DISTINCT symbol_domain FROM symbols WHERE symbol_domain != '' ORDER BY symbol_domain")
	if err != nil {
		return nil, fmt.Errorf("failed to query domains: %w", err)
	}
	defer rows.Close()

	var domains []string
	for rows.Next() {
		var domain string
		if err := rows.Scan(&domain); err != nil {
			return nil, err
		}
		domains = append(domains, domain)
	}
	return domains, rows.Err()
}

// EmbeddingTexts snapshots id->embeddable-text for every symbol, for a full
// index rebuild at startup.
func (s *LocalStore) EmbeddingTexts() (map[string]string, error) {
	symbols, err := s.ListSymbols(ListOptions{})
	if err != nil {
		return nil, err
	}

	texts := make(map[string]string, len(symbols))
	for i := range symbols {
		texts[symbols[i].ID] = symbols[i].EmbeddingText()
	}
	return texts, nil
}
