// Package types defines the shared domain types for the SignalZero phase
// engine: symbols, kits, personas, phase templates, and the session ledger
// records produced by the recursion loop.
package types

import (
	"encoding/json"
	"time"
)

// Symbol is an atomic knowledge unit stored in the catalog.
// Symbols are owned exclusively by the catalog and mutated only through
// interpreter-issued commands.
type Symbol struct {
	ID             string         `json:"id"`
	Name           string         `json:"name,omitempty"`
	Description    string         `json:"description,omitempty"`
	Macro          string         `json:"macro,omitempty"`
	Triad          string         `json:"triad,omitempty"`
	SymbolicRole   string         `json:"symbolic_role,omitempty"`
	FailureMode    string         `json:"failure_mode,omitempty"`
	Invocations    []string       `json:"invocations,omitempty"`
	SymbolDomain   string         `json:"symbol_domain,omitempty"`
	SymbolTag      string         `json:"symbol_tag,omitempty"`
	Facets         map[string]any `json:"facets,omitempty"`
	LinkedPatterns []string       `json:"linked_patterns,omitempty"`
	Version        int            `json:"version,omitempty"`
	Origin         string         `json:"origin,omitempty"`
	Scope          []string       `json:"scope,omitempty"`
}

// EmbeddingText returns the text field the embedding index is keyed off.
// Symbols without a macro fall back to the description.
func (s *Symbol) EmbeddingText() string {
	if s.Macro != "" {
		return s.Macro
	}
	return s.Description
}

// Merge applies a merge-patch to the symbol: fields present in patch
// overwrite, absent fields are retained. Patch is expressed as the raw
// JSON object the interpreter received, so only keys the model actually
// emitted participate in the merge.
func (s Symbol) Merge(patch map[string]json.RawMessage) (Symbol, error) {
	base, err := json.Marshal(s)
	if err != nil {
		return s, err
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(base, &doc); err != nil {
		return s, err
	}
	for key, value := range patch {
		doc[key] = value
	}

	merged, err := json.Marshal(doc)
	if err != nil {
		return s, err
	}

	var out Symbol
	if err := json.Unmarshal(merged, &out); err != nil {
		return s, err
	}
	return out, nil
}

// Kit is a named grouping of symbol ids. Resolving a kit resolves its
// member symbols; missing members are omitted, not fatal.
type Kit struct {
	Kit    string   `json:"kit"`
	Title  string   `json:"title,omitempty"`
	Triad  []string `json:"triad,omitempty"`
	Exec   []string `json:"exec,omitempty"`
	Anchor string   `json:"anchor,omitempty"`
}

// ResolvedKit is a kit with its member ids replaced by the symbols that
// could be resolved from the catalog.
type ResolvedKit struct {
	Kit    string   `json:"kit"`
	Title  string   `json:"title,omitempty"`
	Triad  []Symbol `json:"triad"`
	Exec   []Symbol `json:"exec"`
	Anchor *Symbol  `json:"anchor,omitempty"`
}

// AgentPersona is a static behavioral role definition consulted during
// context assembly. Personas are loaded from a read-only catalog and never
// mutated at runtime.
type AgentPersona struct {
	ID    string   `json:"id"`
	Name  string   `json:"name,omitempty"`
	Role  string   `json:"role"`
	Hints []string `json:"hints,omitempty"`
}

// PhaseTemplate is one named step of the recursive reasoning loop, backed
// by a fixed prompt template. Templates are immutable once loaded; Order
// defines the lexical execution sequence.
type PhaseTemplate struct {
	Order        int
	PhaseID      string
	TemplateText string
}

// Command is a structured side-effecting action request emitted inside a
// payload. Args carries the raw argument object so handlers can apply their
// own decoding (merge-patch for update_symbol needs the raw keys).
type Command struct {
	Action string                     `json:"action"`
	Args   map[string]json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the action plus every other key as a raw argument.
func (c *Command) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if action, ok := raw["action"]; ok {
		if err := json.Unmarshal(action, &c.Action); err != nil {
			return err
		}
		delete(raw, "action")
	}
	c.Args = raw
	return nil
}

// MarshalJSON emits the command as a flat object with the action inlined.
func (c Command) MarshalJSON() ([]byte, error) {
	doc := make(map[string]json.RawMessage, len(c.Args)+1)
	for k, v := range c.Args {
		doc[k] = v
	}
	action, err := json.Marshal(c.Action)
	if err != nil {
		return nil, err
	}
	doc["action"] = action
	return json.Marshal(doc)
}

// CommandStatus classifies the outcome of a command execution.
type CommandStatus string

const (
	StatusOK             CommandStatus = "ok"
	StatusError          CommandStatus = "error"
	StatusNotFound       CommandStatus = "not_found"
	StatusDeleted        CommandStatus = "deleted"
	StatusNotImplemented CommandStatus = "not_implemented"
	StatusUnknownAction  CommandStatus = "unknown_action"
)

// CommandResult records one command execution. Failures are data, not
// errors: the phase loop records them and continues.
type CommandResult struct {
	Action    string        `json:"action"`
	Status    CommandStatus `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	Data      any           `json:"data,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// PhaseRecord is one phase invocation, immutable once appended to the
// session ledger.
type PhaseRecord struct {
	PhaseID      string          `json:"phase_id"`
	Iteration    int             `json:"iteration"`
	ContextState map[string]any  `json:"context_state,omitempty"`
	Commands     []CommandResult `json:"control_signature,omitempty"`
	NextPhase    string          `json:"next_phase,omitempty"`
	RawReply     string          `json:"-"`
	Timestamp    time.Time       `json:"timestamp"`
}

// SessionLedger is the append-only audit trail of one full recursive run.
// It is written exactly once, at session termination.
type SessionLedger struct {
	SessionID   string        `json:"session_id"`
	Phases      []PhaseRecord `json:"phases"`
	Reply       string        `json:"reply"`
	SymbolsUsed []string      `json:"symbols_used"`
	Reason      string        `json:"reason"`

	// HistoryLength counts the turns persisted before the run plus one per
	// executed phase, matching what the phases themselves could see.
	HistoryLength int `json:"history_length"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// HistoryTurn is one persisted chat turn for a session.
type HistoryTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
