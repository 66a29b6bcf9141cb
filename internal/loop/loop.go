// Package loop drives the recursive phase engine: one model call per
// iteration, command execution between calls, and routing to the next
// phase until a termination condition fires. Every run ends with exactly
// one session ledger, whatever the termination reason.
package loop

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"signalzero/internal/config"
	"signalzero/internal/interpreter"
	"signalzero/internal/logging"
	"signalzero/internal/model"
	"signalzero/internal/payload"
	"signalzero/internal/prompt"
	"signalzero/internal/store"
	"signalzero/internal/types"
)

// Termination reasons recorded in the session ledger.
const (
	ReasonCompleted    = "explicit completion"
	ReasonRepeated     = "repeated phase"
	ReasonUnknownPhase = "unknown phase"
	ReasonCeiling      = "iteration ceiling exceeded"
	ReasonUnparseable  = "unparseable payload"
	ReasonTimeout      = "model call timeout"
	ReasonTransport    = "model transport failure"
)

// ceilingFactor scales the iteration ceiling from the catalog size. A
// healthy run visits each phase at most once; triple that absorbs legal
// forward jumps without letting a confused model spin forever.
const ceilingFactor = 3


// Router runs recursive sessions over a fixed phase catalog.
type Router struct {
	cfg       *config.Config
	catalog   *prompt.Catalog
	assembler *prompt.Assembler
	store     *store.LocalStore
	client    model.Client
	preamble  string
}

// NewRouter wires a router from its collaborators. The catalog and
// preamble are loaded once at startup and never change mid-session.
func NewRouter(cfg *config.Config, catalog *prompt.Catalog, st *store.LocalStore, client model.Client, preamble string) *Router {
	return &Router{
		cfg:       cfg,
		catalog:   catalog,
		assembler: prompt.NewAssembler(cfg.Context),
		store:     st,
		client:    client,
		preamble:  preamble,
	}
}

// Run executes one full recursive session for a user query. The returned
// ledger is also persisted; Run only returns an error when the session
// could not even start. Parse failures, timeouts, and routing faults all
// terminate the session normally with a partial ledger.
func (r *Router) Run(ctx context.Context, sessionID, query string) (types.SessionLedger, error) {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	ledger := types.SessionLedger{
		SessionID: sessionID,
		StartedAt: time.Now().UTC(),
	}

	in := interpreter.New(r.store)
	ceiling := ceilingFactor * r.catalog.Len()
	visited := make(map[string]bool)

	history, err := r.store.GetHistory(sessionID, 0)
	if err != nil {
		return ledger, err
	}

	// session accumulates each phase's reply on top of the persisted turns,
	// so later phases see earlier phase output. The assembler applies the
	// recent-turn window and budget.
	session := append([]types.HistoryTurn(nil), history...)

	logging.Loop("Session %s starting: %d phases, ceiling %d", sessionID, r.catalog.Len(), ceiling)

	var lastNarrative, lastRaw string

	current := r.catalog.First()
	for iteration := 1; ; iteration++ {
		if iteration > ceiling {
			ledger.Reason = ReasonCeiling
			break
		}

		visited[current.PhaseID] = true

		assembled := r.assembler.Build(prompt.Input{
			Preamble: r.preamble,
			Phase:    current,
			Personas: r.defaultPersonas(),
			Seeds:    r.seedSymbols(),
			Scored:   r.scoredSymbols(ctx, query, in.TouchedSymbols()),
			History:  session,
			Query:    query,
		})

		logging.LoopDebug("Iteration %d: phase %s", iteration, current.PhaseID)

		reply, err := r.client.Complete(ctx, assembled)
		if err != nil {
			ledger.Reason = classifyModelError(err)
			logging.Loop("Session %s model call failed at phase %s: %v", sessionID, current.PhaseID, err)
			break
		}

		record := types.PhaseRecord{
			PhaseID:   current.PhaseID,
			Iteration: iteration,
			RawReply:  reply,
			Timestamp: time.Now().UTC(),
		}

		lastRaw = reply
		session = append(session, types.HistoryTurn{Role: "assistant", Content: reply})

		parsed, err := payload.Parse(reply)
		if err != nil {
			// The raw text still counts as output; the session just cannot
			// route any further.
			ledger.Phases = append(ledger.Phases, record)
			ledger.Reason = ReasonUnparseable
			break
		}

		record.ContextState = parsed.ContextState
		record.NextPhase = parsed.NextPhase
		record.Commands = in.Execute(ctx, parsed.Commands)
		ledger.Phases = append(ledger.Phases, record)

		if parsed.Narrative != "" {
			lastNarrative = parsed.Narrative
		}

		if parsed.NextPhase == "" {
			ledger.Reason = ReasonCompleted
			break
		}

		next, ok := r.catalog.Get(parsed.NextPhase)
		if !ok {
			ledger.Reason = ReasonUnknownPhase
			logging.Get(logging.CategoryLoop).Warn("Session %s routed to unknown phase %q", sessionID, parsed.NextPhase)
			break
		}
		// A self-loop is a repeat too.
		if visited[next.PhaseID] {
			ledger.Reason = ReasonRepeated
			logging.Loop("Session %s revisited phase %s", sessionID, next.PhaseID)
			break
		}
		current = next
	}

	// Reply preference: the last declared narrative, then the last raw
	// model text when no phase ever declared one.
	if lastNarrative != "" {
		ledger.Reply = lastNarrative
	} else {
		ledger.Reply = lastRaw
	}

	ledger.SymbolsUsed = in.TouchedSymbols()
	ledger.HistoryLength = len(history) + len(ledger.Phases)
	ledger.EndedAt = time.Now().UTC()

	r.persist(sessionID, query, &ledger)

	logging.Loop("Session %s finished after %d phases: %s", sessionID, len(ledger.Phases), ledger.Reason)
	return ledger, nil
}

// persist writes the ledger and appends the conversation turns. Persistence
// faults are logged, not returned: the caller already holds the result.
func (r *Router) persist(sessionID, query string, ledger *types.SessionLedger) {
	if err := r.store.WriteLedger(*ledger); err != nil {
		if errors.Is(err, store.ErrLedgerExists) {
			logging.Get(logging.CategoryLoop).Warn("Session %s already has a ledger; this run's ledger is not persisted", sessionID)
		} else {
			logging.Get(logging.CategoryLoop).Warn("Failed to persist ledger for session %s: %v", sessionID, err)
		}
	}
	if err := r.store.AppendHistory(sessionID, "user", query); err != nil {
		logging.Get(logging.CategoryLoop).Warn("Failed to append user turn for session %s: %v", sessionID, err)
	}
	if ledger.Reply != "" {
		if err := r.store.AppendHistory(sessionID, "assistant", ledger.Reply); err != nil {
			logging.Get(logging.CategoryLoop).Warn("Failed to append assistant turn for session %s: %v", sessionID, err)
		}
	}
}

func classifyModelError(err error) string {
	if errors.Is(err, model.ErrTimeout) {
		return ReasonTimeout
	}
	return ReasonTransport
}

// defaultPersonas loads the configured always-on agent roster. Missing ids
// are omitted.
func (r *Router) defaultPersonas() []types.AgentPersona {
	personas, err := r.store.GetPersonasByIDs(r.cfg.Seeds.DefaultAgentIDs)
	if err != nil {
		logging.Get(logging.CategoryLoop).Warn("Failed to load default personas: %v", err)
		return nil
	}
	return personas
}

// seedSymbols loads the configured always-on symbols. Missing ids are
// omitted.
func (r *Router) seedSymbols() []types.Symbol {
	symbols, err := r.store.GetSymbolsByIDs(r.cfg.Seeds.DefaultSymbolIDs)
	if err != nil {
		logging.Get(logging.CategoryLoop).Warn("Failed to load seed symbols: %v", err)
		return nil
	}
	return symbols
}

// scoredSymbols builds the relevance-ranked portion of the symbol ledger:
// nearest neighbors of the query plus everything the session has touched
// so far. Touched symbols without a similarity score sort after scored
// ones but still appear.
func (r *Router) scoredSymbols(ctx context.Context, query string, touched []string) []prompt.ScoredSymbol {
	relevance := make(map[string]float64)
	var order []string

	index := r.store.Index()
	if index != nil {
		matches, err := index.Search(ctx, query, r.cfg.Context.SearchK)
		if err != nil {
			logging.Get(logging.CategoryLoop).Warn("Similarity search failed: %v", err)
		}
		for _, m := range matches {
			if _, ok := relevance[m.SymbolID]; !ok {
				order = append(order, m.SymbolID)
			}
			relevance[m.SymbolID] = m.Similarity
		}
	}

	for _, id := range touched {
		if _, ok := relevance[id]; !ok {
			relevance[id] = 0
			order = append(order, id)
		}
	}

	symbols, err := r.store.GetSymbolsByIDs(order)
	if err != nil {
		logging.Get(logging.CategoryLoop).Warn("Failed to resolve scored symbols: %v", err)
		return nil
	}

	scored := make([]prompt.ScoredSymbol, 0, len(symbols))
	for i := range symbols {
		scored = append(scored, prompt.ScoredSymbol{
			Symbol:    symbols[i],
			Relevance: relevance[symbols[i].ID],
		})
	}
	return scored
}
