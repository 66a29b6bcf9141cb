package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"signalzero/internal/logging"
	"signalzero/internal/types"
)

// LoadPhases reads the phase template catalog from a directory. File names
// define phase identity and order: lexical name order is execution order,
// and the phase id is the file name without extension. The catalog is read
// once at startup and immutable afterwards.
func LoadPhases(dir string) ([]types.PhaseTemplate, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read phase directory %s: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	if len(names) == 0 {
		return nil, fmt.Errorf("phase directory %s contains no templates", dir)
	}

	phases := make([]types.PhaseTemplate, 0, len(names))
	for i, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read phase template %s: %w", name, err)
		}
		phases = append(phases, types.PhaseTemplate{
			Order:        i,
			PhaseID:      strings.TrimSuffix(name, filepath.Ext(name)),
			TemplateText: strings.TrimSpace(string(data)),
		})
	}

	logging.Context("Loaded %d phase templates from %s", len(phases), dir)
	return phases, nil
}

// LoadShared reads the shared preamble fragments from a directory and joins
// them in lexical order. A missing directory yields an empty preamble.
func LoadShared(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			logging.ContextDebug("Shared prompt directory %s not present", dir)
			return "", nil
		}
		return "", fmt.Errorf("failed to read shared directory %s: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var fragments []string
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return "", fmt.Errorf("failed to read shared fragment %s: %w", name, err)
		}
		fragments = append(fragments, strings.TrimSpace(string(data)))
	}

	return strings.Join(fragments, "\n\n"), nil
}

// Catalog is the loaded, immutable phase catalog.
type Catalog struct {
	phases  []types.PhaseTemplate
	byID    map[string]types.PhaseTemplate
	indexOf map[string]int
}

// NewCatalog builds the lookup structures over a loaded phase list.
func NewCatalog(phases []types.PhaseTemplate) *Catalog {
	c := &Catalog{
		phases:  phases,
		byID:    make(map[string]types.PhaseTemplate, len(phases)),
		indexOf: make(map[string]int, len(phases)),
	}
	for i, p := range phases {
		c.byID[p.PhaseID] = p
		c.indexOf[p.PhaseID] = i
	}
	return c
}

// Len returns the number of phases in the catalog.
func (c *Catalog) Len() int { return len(c.phases) }

// First returns the initial phase of the catalog.
func (c *Catalog) First() types.PhaseTemplate { return c.phases[0] }

// Get resolves a phase by id.
func (c *Catalog) Get(id string) (types.PhaseTemplate, bool) {
	p, ok := c.byID[id]
	return p, ok
}

// Next returns the phase following the given id in catalog order, or false
// when the id is last or unknown.
func (c *Catalog) Next(id string) (types.PhaseTemplate, bool) {
	i, ok := c.indexOf[id]
	if !ok || i+1 >= len(c.phases) {
		return types.PhaseTemplate{}, false
	}
	return c.phases[i+1], true
}

// IDs returns the phase ids in catalog order.
func (c *Catalog) IDs() []string {
	ids := make([]string, len(c.phases))
	for i, p := range c.phases {
		ids[i] = p.PhaseID
	}
	return ids
}
