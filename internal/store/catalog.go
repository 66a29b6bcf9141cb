package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	"signalzero/internal/logging"
	"signalzero/internal/types"
)

// PutKit writes a kit definition, creating or replacing.
func (s *LocalStore) PutKit(kit types.Kit) error {
	if kit.Kit == "" {
		return fmt.Errorf("kit id required")
	}

	doc, err := json.Marshal(kit)
	if err != nil {
		return fmt.Errorf("failed to marshal kit %s: %w", kit.Kit, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO kits (id, doc) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET doc = excluded.doc`,
		kit.Kit, string(doc),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert kit %s: %w", kit.Kit, err)
	}
	return nil
}

// GetKit resolves a kit definition by id.
func (s *LocalStore) GetKit(id string) (types.Kit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var doc string
	err := s.db.QueryRow("SELECT doc FROM kits WHERE id = ?", id).Scan(&doc)
	if err == sql.ErrNoRows {
		return types.Kit{}, fmt.Errorf("kit %s: %w", id, ErrKitNotFound)
	}
	if err != nil {
		return types.Kit{}, fmt.Errorf("failed to query kit %s: %w", id, err)
	}

	var kit types.Kit
	if err := json.Unmarshal([]byte(doc), &kit); err != nil {
		return types.Kit{}, fmt.Errorf("failed to decode kit %s: %w", id, err)
	}
	return kit, nil
}

// ResolveKit loads a kit and resolves its member symbols. Missing members
// are omitted; a kit whose every member is missing still resolves.
func (s *LocalStore) ResolveKit(id string) (types.ResolvedKit, error) {
	kit, err := s.GetKit(id)
	if err != nil {
		return types.ResolvedKit{}, err
	}

	resolved := types.ResolvedKit{Kit: kit.Kit, Title: kit.Title}

	if resolved.Triad, err = s.GetSymbolsByIDs(kit.Triad); err != nil {
		return types.ResolvedKit{}, err
	}
	if resolved.Exec, err = s.GetSymbolsByIDs(kit.Exec); err != nil {
		return types.ResolvedKit{}, err
	}
	if kit.Anchor != "" {
		anchors, err := s.GetSymbolsByIDs([]string{kit.Anchor})
		if err != nil {
			return types.ResolvedKit{}, err
		}
		if len(anchors) == 1 {
			resolved.Anchor = &anchors[0]
		}
	}

	missing := len(kit.Triad) + len(kit.Exec) - len(resolved.Triad) - len(resolved.Exec)
	if missing > 0 {
		logging.StoreDebug("Kit %s resolved with %d missing members", id, missing)
	}
	return resolved, nil
}

// PutPersona writes an agent persona, creating or replacing.
func (s *LocalStore) PutPersona(persona types.AgentPersona) error {
	if persona.ID == "" {
		return fmt.Errorf("persona id required")
	}

	doc, err := json.Marshal(persona)
	if err != nil {
		return fmt.Errorf("failed to marshal persona %s: %w", persona.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO personas (id, doc) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET doc = excluded.doc`,
		persona.ID, string(doc),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert persona %s: %w", persona.ID, err)
	}
	return nil
}

// GetPersona resolves an agent persona by id.
func (s *LocalStore) GetPersona(id string) (types.AgentPersona, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var doc string
	err := s.db.QueryRow("SELECT doc FROM personas WHERE id = ?", id).Scan(&doc)
	if err == sql.ErrNoRows {
		return types.AgentPersona{}, fmt.Errorf("persona %s: %w", id, ErrPersonaNotFound)
	}
	if err != nil {
		return types.AgentPersona{}, fmt.Errorf("failed to query persona %s: %w", id, err)
	}

	var persona types.AgentPersona
	if err := json.Unmarshal([]byte(doc), &persona); err != nil {
		return types.AgentPersona{}, fmt.Errorf("failed to decode persona %s: %w", id, err)
	}
	return persona, nil
}

// GetPersonasByIDs resolves a batch of persona ids, omitting missing ones.
func (s *LocalStore) GetPersonasByIDs(ids []string) ([]types.AgentPersona, error) {
	personas := make([]types.AgentPersona, 0, len(ids))
	for _, id := range ids {
		persona, err := s.GetPersona(id)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, err
		}
		personas = append(personas, persona)
	}
	return personas, nil
}

// SeedPaths names the optional JSON catalog files loaded at startup.
type SeedPaths struct {
	Symbols  string
	Kits     string
	Personas string
}

// LoadSeeds imports the JSON seed catalogs. Seeds are upserts: re-running
// startup against an existing database refreshes seed entries without
// disturbing symbols created at runtime. Missing seed files are skipped.
func (s *LocalStore) LoadSeeds(ctx context.Context, paths SeedPaths) error {
	if paths.Symbols != "" {
		var symbols []types.Symbol
		if err := readSeedFile(paths.Symbols, &symbols); err != nil {
			return err
		}
		for _, sym := range symbols {
			if _, err := s.PutSymbol(ctx, sym); err != nil {
				return fmt.Errorf("failed to seed symbol %s: %w", sym.ID, err)
			}
		}
		if len(symbols) > 0 {
			logging.Store("Seeded %d symbols from %s", len(symbols), paths.Symbols)
		}
	}

	if paths.Kits != "" {
		var kits []types.Kit
		if err := readSeedFile(paths.Kits, &kits); err != nil {
			return err
		}
		for _, kit := range kits {
			if err := s.PutKit(kit); err != nil {
				return fmt.Errorf("failed to seed kit %s: %w", kit.Kit, err)
			}
		}
		if len(kits) > 0 {
			logging.Store("Seeded %d kits from %s", len(kits), paths.Kits)
		}
	}

	if paths.Personas != "" {
		var personas []types.AgentPersona
		if err := readSeedFile(paths.Personas, &personas); err != nil {
			return err
		}
		for _, persona := range personas {
			if err := s.PutPersona(persona); err != nil {
				return fmt.Errorf("failed to seed persona %s: %w", persona.ID, err)
			}
		}
		if len(personas) > 0 {
			logging.Store("Seeded %d personas from %s", len(personas), paths.Personas)
		}
	}

	return nil
}

func readSeedFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.StoreDebug("Seed file %s not present, skipping", path)
			return nil
		}
		return fmt.Errorf("failed to read seed file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}
	return nil
}
