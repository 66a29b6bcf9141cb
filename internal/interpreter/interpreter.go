// Package interpreter executes the structured commands a payload carries.
// Every command produces a result record; a failed command is recorded and
// the remaining commands still run. Nothing an individual command does can
// abort the phase loop.
package interpreter

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"signalzero/internal/logging"
	"signalzero/internal/store"
	"signalzero/internal/types"
)

// defaultRecurseDepth bounds recurse_graph when the command omits one.
const defaultRecurseDepth = 2

// maxRecurseDepth caps traversal regardless of what the command asks for.
const maxRecurseDepth = 5

type handler func(ctx context.Context, args map[string]json.RawMessage) (types.CommandStatus, string, any)

// Interpreter dispatches commands against the symbol catalog and tracks
// which symbols a session has touched, so the context assembler can fold
// them into later phases.
type Interpreter struct {
	store    *store.LocalStore
	handlers map[string]handler

	touched []string
	seen    map[string]bool
}

// New creates an interpreter bound to a catalog. One interpreter serves one
// session; the touched-symbol set accumulates across its phases.
func New(st *store.LocalStore) *Interpreter {
	in := &Interpreter{
		store: st,
		seen:  make(map[string]bool),
	}
	in.handlers = map[string]handler{
		"store_symbol":  in.handleStoreSymbol,
		"update_symbol": in.handleUpdateSymbol,
		"delete_symbol": in.handleDeleteSymbol,
		"load_symbol":   in.handleLoadSymbol,
		"query_symbols": in.handleQuerySymbols,
		"load_kit":      in.handleLoadKit,
		"invoke_agent":  in.handleInvokeAgent,
		"recurse_graph": in.handleRecurseGraph,
		"emit_feedback": in.handleStub,
		"dispatch_task": in.handleStub,
	}
	return in
}

// Execute runs a batch of commands in order and returns one result per
// command. Failures become result records, never errors.
func (in *Interpreter) Execute(ctx context.Context, commands []types.Command) []types.CommandResult {
	results := make([]types.CommandResult, 0, len(commands))
	for _, cmd := range commands {
		results = append(results, in.executeOne(ctx, cmd))
	}
	return results
}

func (in *Interpreter) executeOne(ctx context.Context, cmd types.Command) types.CommandResult {
	result := types.CommandResult{Action: cmd.Action, Timestamp: time.Now().UTC()}

	if cmd.Action == "" {
		result.Status = types.StatusError
		result.Reason = "missing_action"
		return result
	}

	h, ok := in.handlers[cmd.Action]
	if !ok {
		logging.Interpreter("Unknown action %q, recording stub result", cmd.Action)
		result.Status = types.StatusUnknownAction
		return result
	}

	timer := logging.StartTimer(logging.CategoryInterpreter, cmd.Action)
	result.Status, result.Reason, result.Data = h(ctx, cmd.Args)
	timer.Stop()

	logging.InterpreterDebug("Executed %s: %s %s", cmd.Action, result.Status, result.Reason)
	return result
}

// TouchedSymbols returns the ids of every symbol this session has loaded,
// stored, updated, or discovered, in first-touch order.
func (in *Interpreter) TouchedSymbols() []string {
	out := make([]string, len(in.touched))
	copy(out, in.touched)
	return out
}

func (in *Interpreter) touch(id string) {
	if id == "" || in.seen[id] {
		return
	}
	in.seen[id] = true
	in.touched = append(in.touched, id)
}

// ----------------------------------------------------------------------
// Handlers
// ----------------------------------------------------------------------

func (in *Interpreter) handleStoreSymbol(ctx context.Context, args map[string]json.RawMessage) (types.CommandStatus, string, any) {
	raw, ok := args["symbol"]
	if !ok {
		return types.StatusError, "invalid_symbol", nil
	}

	var sym types.Symbol
	if err := json.Unmarshal(raw, &sym); err != nil || sym.ID == "" {
		return types.StatusError, "invalid_symbol", nil
	}

	if err := in.store.CreateSymbol(ctx, sym); err != nil {
		if errors.Is(err, store.ErrDuplicateSymbol) {
			return types.StatusError, "duplicate_symbol", map[string]string{"id": sym.ID}
		}
		return types.StatusError, err.Error(), nil
	}

	in.touch(sym.ID)
	return types.StatusOK, "", sym
}

func (in *Interpreter) handleUpdateSymbol(ctx context.Context, args map[string]json.RawMessage) (types.CommandStatus, string, any) {
	raw, ok := args["symbol"]
	if !ok {
		return types.StatusError, "invalid_symbol", nil
	}

	var patch map[string]json.RawMessage
	if err := json.Unmarshal(raw, &patch); err != nil {
		return types.StatusError, "invalid_symbol", nil
	}

	var id string
	if rawID, ok := patch["id"]; ok {
		_ = json.Unmarshal(rawID, &id)
	}
	if id == "" {
		return types.StatusError, "invalid_symbol", nil
	}

	updated, err := in.store.UpdateSymbol(ctx, id, patch)
	if err != nil {
		if errors.Is(err, store.ErrSymbolNotFound) {
			return types.StatusNotFound, "", map[string]string{"id": id}
		}
		return types.StatusError, err.Error(), nil
	}

	in.touch(id)
	return types.StatusOK, "", updated
}

func (in *Interpreter) handleDeleteSymbol(ctx context.Context, args map[string]json.RawMessage) (types.CommandStatus, string, any) {
	id := stringArg(args, "symbol_id", "id")
	if id == "" {
		return types.StatusError, "missing_symbol_id", nil
	}

	existed, err := in.store.DeleteSymbol(ctx, id)
	if err != nil {
		return types.StatusError, err.Error(), nil
	}
	// Deleting an absent symbol still succeeds; the record says which case ran.
	if !existed {
		return types.StatusNotFound, "", map[string]string{"id": id}
	}
	return types.StatusDeleted, "", map[string]string{"id": id}
}

func (in *Interpreter) handleLoadSymbol(_ context.Context, args map[string]json.RawMessage) (types.CommandStatus, string, any) {
	ids := idListArg(args)
	if len(ids) == 0 {
		return types.StatusError, "missing_symbol_id", nil
	}

	symbols, err := in.store.GetSymbolsByIDs(ids)
	if err != nil {
		return types.StatusError, err.Error(), nil
	}
	for i := range symbols {
		in.touch(symbols[i].ID)
	}
	return types.StatusOK, "", symbols
}

func (in *Interpreter) handleQuerySymbols(ctx context.Context, args map[string]json.RawMessage) (types.CommandStatus, string, any) {
	query := stringArg(args, "query", "text")
	if query == "" {
		return types.StatusError, "missing_query", nil
	}

	k := 0
	if raw, ok := args["k"]; ok {
		_ = json.Unmarshal(raw, &k)
	}

	index := in.store.Index()
	if index == nil {
		return types.StatusError, "no_embedding_index", nil
	}

	matches, err := index.Search(ctx, query, k)
	if err != nil {
		return types.StatusError, err.Error(), nil
	}

	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.SymbolID
	}
	symbols, err := in.store.GetSymbolsByIDs(ids)
	if err != nil {
		return types.StatusError, err.Error(), nil
	}
	for i := range symbols {
		in.touch(symbols[i].ID)
	}
	return types.StatusOK, "", symbols
}

func (in *Interpreter) handleLoadKit(_ context.Context, args map[string]json.RawMessage) (types.CommandStatus, string, any) {
	kitID := stringArg(args, "kit_id", "kit")
	if kitID == "" {
		return types.StatusError, "missing_kit_id", nil
	}

	resolved, err := in.store.ResolveKit(kitID)
	if err != nil {
		if errors.Is(err, store.ErrKitNotFound) {
			return types.StatusNotFound, "", map[string]string{"kit_id": kitID}
		}
		return types.StatusError, err.Error(), nil
	}

	for i := range resolved.Triad {
		in.touch(resolved.Triad[i].ID)
	}
	for i := range resolved.Exec {
		in.touch(resolved.Exec[i].ID)
	}
	if resolved.Anchor != nil {
		in.touch(resolved.Anchor.ID)
	}
	return types.StatusOK, "", resolved
}

// invokeResult pairs a persona with the advisory hint that the caller may
// re-drive the loop under that persona. Acting on the hint is the caller's
// choice; the interpreter only reports it.
type invokeResult struct {
	Agent       types.AgentPersona `json:"agent"`
	RedriveHint bool               `json:"redrive_hint"`
}

func (in *Interpreter) handleInvokeAgent(_ context.Context, args map[string]json.RawMessage) (types.CommandStatus, string, any) {
	agentID := stringArg(args, "agent_id", "id")
	if agentID == "" {
		return types.StatusError, "missing_agent_id", nil
	}

	persona, err := in.store.GetPersona(agentID)
	if err != nil {
		if errors.Is(err, store.ErrPersonaNotFound) {
			return types.StatusNotFound, "", map[string]string{"agent_id": agentID}
		}
		return types.StatusError, err.Error(), nil
	}

	return types.StatusOK, "", invokeResult{Agent: persona, RedriveHint: true}
}

// graphResult is the outcome of a recurse_graph traversal.
type graphResult struct {
	Root     string         `json:"root"`
	Depth    int            `json:"depth"`
	Symbols  []types.Symbol `json:"symbols"`
	Missing  []string       `json:"missing,omitempty"`
	Visited  int            `json:"visited"`
	Complete bool           `json:"complete"`
}

func (in *Interpreter) handleRecurseGraph(_ context.Context, args map[string]json.RawMessage) (types.CommandStatus, string, any) {
	rootID := stringArg(args, "root", "symbol_id", "id")
	if rootID == "" {
		return types.StatusError, "missing_root_id", nil
	}

	depth := defaultRecurseDepth
	if raw, ok := args["depth"]; ok {
		_ = json.Unmarshal(raw, &depth)
	}
	if depth < 0 {
		depth = 0
	}
	if depth > maxRecurseDepth {
		depth = maxRecurseDepth
	}

	root, err := in.store.GetSymbol(rootID)
	if err != nil {
		if errors.Is(err, store.ErrSymbolNotFound) {
			return types.StatusNotFound, "", map[string]string{"root": rootID}
		}
		return types.StatusError, err.Error(), nil
	}

	// BFS over linked_patterns. The visited set makes cycles terminate;
	// dangling links are collected and reported, not fatal.
	visited := map[string]bool{rootID: true}
	var discovered []types.Symbol
	var missing []string

	frontier := []types.Symbol{root}
	for level := 0; level < depth && len(frontier) > 0; level++ {
		var next []types.Symbol
		for i := range frontier {
			for _, linkID := range frontier[i].LinkedPatterns {
				if linkID == "" || visited[linkID] {
					continue
				}
				visited[linkID] = true

				linked, err := in.store.GetSymbol(linkID)
				if err != nil {
					if errors.Is(err, store.ErrSymbolNotFound) {
						missing = append(missing, linkID)
						continue
					}
					return types.StatusError, err.Error(), nil
				}
				discovered = append(discovered, linked)
				next = append(next, linked)
			}
		}
		frontier = next
	}

	in.touch(rootID)
	for i := range discovered {
		in.touch(discovered[i].ID)
	}

	result := graphResult{
		Root:     rootID,
		Depth:    depth,
		Symbols:  discovered,
		Missing:  missing,
		Visited:  len(visited),
		Complete: len(missing) == 0,
	}
	if len(missing) > 0 {
		logging.Interpreter("recurse_graph from %s found %d dangling links", rootID, len(missing))
	}
	return types.StatusOK, "", result
}

func (in *Interpreter) handleStub(_ context.Context, _ map[string]json.RawMessage) (types.CommandStatus, string, any) {
	return types.StatusNotImplemented, "", nil
}

// ----------------------------------------------------------------------
// Argument helpers
// ----------------------------------------------------------------------

// stringArg returns the first present string value among the given keys.
func stringArg(args map[string]json.RawMessage, keys ...string) string {
	for _, key := range keys {
		raw, ok := args[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s
		}
	}
	return ""
}

// idListArg accepts either "ids": [...] or a single "id".
func idListArg(args map[string]json.RawMessage) []string {
	if raw, ok := args["ids"]; ok {
		var ids []string
		if err := json.Unmarshal(raw, &ids); err == nil {
			return ids
		}
	}
	if id := stringArg(args, "id"); id != "" {
		return []string{id}
	}
	return nil
}
