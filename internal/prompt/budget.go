// Package prompt assembles phase prompts from fixed segments under a token
// budget. Assembly is deterministic: identical inputs produce byte-identical
// prompts, so truncation decisions are reproducible across runs.
package prompt

import (
	"signalzero/internal/config"
)

// charsPerToken is the estimation ratio. Counting real tokens would need the
// model's tokenizer; a fixed ratio keeps estimation cheap and deterministic.
const charsPerToken = 4

// EstimateTokens approximates the token cost of a text segment.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// Budget is the per-section token allocation for one assembly pass.
// The reserved slice covers the preamble and phase template, which are
// always included whole; the remainder is split across the variable
// sections by the configured percentages.
type Budget struct {
	Total    int
	Reserved int
	Agents   int
	Symbols  int
	History  int
}

// NewBudget derives the section allocations from context configuration.
func NewBudget(cfg config.ContextConfig) Budget {
	variable := cfg.MaxTokens - cfg.SystemReserved
	if variable < 0 {
		variable = 0
	}
	return Budget{
		Total:    cfg.MaxTokens,
		Reserved: cfg.SystemReserved,
		Agents:   variable * cfg.AgentPercent / 100,
		Symbols:  variable * cfg.SymbolPercent / 100,
		History:  variable * cfg.HistoryPercent / 100,
	}
}

// fitEntries keeps the longest prefix of entries whose cumulative estimated
// cost stays within the budget. Entries past the cutoff are dropped whole;
// partial entries would corrupt structured content like symbol records.
func fitEntries(entries []string, budget int) []string {
	used := 0
	for i, entry := range entries {
		cost := EstimateTokens(entry)
		if used+cost > budget {
			return entries[:i]
		}
		used += cost
	}
	return entries
}
