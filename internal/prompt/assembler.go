package prompt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"signalzero/internal/config"
	"signalzero/internal/logging"
	"signalzero/internal/types"
)

// ScoredSymbol pairs a symbol with the relevance the retrieval layer
// assigned it. Seed symbols bypass scoring entirely.
type ScoredSymbol struct {
	Symbol    types.Symbol
	Relevance float64
}

// Input carries everything one assembly pass consumes.
type Input struct {
	Preamble string
	Phase    types.PhaseTemplate
	Personas []types.AgentPersona

	// Seeds are always ranked ahead of scored symbols.
	Seeds  []types.Symbol
	Scored []ScoredSymbol

	History []types.HistoryTurn
	Query   string
}

// Assembler renders phase prompts. Section order is fixed; each variable
// section is truncated to its budget by dropping whole trailing entries.
type Assembler struct {
	cfg    config.ContextConfig
	budget Budget
}

// NewAssembler creates an assembler for the given context configuration.
func NewAssembler(cfg config.ContextConfig) *Assembler {
	return &Assembler{cfg: cfg, budget: NewBudget(cfg)}
}

// Build renders the prompt for one phase invocation. The segment order is
// always preamble, phase template, persona roster, symbol ledger, history
// window, user query. Truncation is silent: dropped entries leave no marker
// in the output.
func (a *Assembler) Build(in Input) string {
	timer := logging.StartTimer(logging.CategoryContext, "Assembler.Build")
	defer timer.Stop()

	var sections []string

	if in.Preamble != "" {
		sections = append(sections, in.Preamble)
	}

	sections = append(sections, fmt.Sprintf("[PHASE %s]\n%s", in.Phase.PhaseID, in.Phase.TemplateText))

	if roster := a.renderPersonas(in.Personas); roster != "" {
		sections = append(sections, roster)
	}
	if ledger := a.renderSymbols(in.Seeds, in.Scored); ledger != "" {
		sections = append(sections, ledger)
	}
	if history := a.renderHistory(in.History); history != "" {
		sections = append(sections, history)
	}

	sections = append(sections, "[QUERY]\n"+in.Query)

	prompt := strings.Join(sections, "\n\n")
	logging.ContextDebug("Assembled prompt for phase %s: ~%d tokens", in.Phase.PhaseID, EstimateTokens(prompt))
	return prompt
}

func (a *Assembler) renderPersonas(personas []types.AgentPersona) string {
	if len(personas) == 0 {
		return ""
	}

	entries := make([]string, 0, len(personas))
	for _, p := range personas {
		line := fmt.Sprintf("- %s (%s)", p.ID, p.Role)
		if p.Name != "" {
			line = fmt.Sprintf("- %s (%s): %s", p.ID, p.Role, p.Name)
		}
		if len(p.Hints) > 0 {
			line += "\n  hints: " + strings.Join(p.Hints, "; ")
		}
		entries = append(entries, line)
	}

	kept := fitEntries(entries, a.budget.Agents)
	if len(kept) == 0 {
		return ""
	}
	if len(kept) < len(entries) {
		logging.ContextDebug("Persona roster truncated to %d of %d entries", len(kept), len(entries))
	}
	return "[AGENTS]\n" + strings.Join(kept, "\n")
}

// renderSymbols ranks seeds first, then scored symbols by descending
// relevance with id as the tiebreak. Duplicate ids keep their first,
// higher-ranked occurrence.
func (a *Assembler) renderSymbols(seeds []types.Symbol, scored []ScoredSymbol) string {
	ranked := make([]ScoredSymbol, len(scored))
	copy(ranked, scored)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Relevance != ranked[j].Relevance {
			return ranked[i].Relevance > ranked[j].Relevance
		}
		return ranked[i].Symbol.ID < ranked[j].Symbol.ID
	})

	seen := make(map[string]bool, len(seeds)+len(ranked))
	ordered := make([]types.Symbol, 0, len(seeds)+len(ranked))
	for _, sym := range seeds {
		if seen[sym.ID] {
			continue
		}
		seen[sym.ID] = true
		ordered = append(ordered, sym)
	}
	for _, s := range ranked {
		if seen[s.Symbol.ID] {
			continue
		}
		seen[s.Symbol.ID] = true
		ordered = append(ordered, s.Symbol)
	}

	if len(ordered) == 0 {
		return ""
	}

	entries := make([]string, 0, len(ordered))
	for i := range ordered {
		doc, err := json.Marshal(ordered[i])
		if err != nil {
			logging.ContextDebug("Skipping unmarshalable symbol %s: %v", ordered[i].ID, err)
			continue
		}
		entries = append(entries, string(doc))
	}

	kept := fitEntries(entries, a.budget.Symbols)
	if len(kept) == 0 {
		return ""
	}
	if len(kept) < len(entries) {
		logging.ContextDebug("Symbol ledger truncated to %d of %d entries", len(kept), len(entries))
	}
	return "[SYMBOLS]\n" + strings.Join(kept, "\n")
}

// renderHistory keeps the most recent turns that fit: the window is applied
// first, then the budget trims from the oldest end.
func (a *Assembler) renderHistory(history []types.HistoryTurn) string {
	if len(history) == 0 {
		return ""
	}

	window := history
	if a.cfg.RecentTurnWindow > 0 && len(window) > a.cfg.RecentTurnWindow {
		window = window[len(window)-a.cfg.RecentTurnWindow:]
	}

	entries := make([]string, len(window))
	for i, turn := range window {
		entries[i] = fmt.Sprintf("%s: %s", turn.Role, turn.Content)
	}

	// Trim oldest-first so the most recent turns survive. fitEntries keeps
	// a prefix, so reverse, fit, and restore order.
	reversed := make([]string, len(entries))
	for i, entry := range entries {
		reversed[len(entries)-1-i] = entry
	}
	keptReversed := fitEntries(reversed, a.budget.History)
	kept := make([]string, len(keptReversed))
	for i, entry := range keptReversed {
		kept[len(keptReversed)-1-i] = entry
	}

	if len(kept) == 0 {
		return ""
	}
	return "[HISTORY]\n" + strings.Join(kept, "\n")
}
