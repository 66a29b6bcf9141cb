package store

import "errors"

// Sentinel errors callers branch on. Interpreter handlers translate these
// into command results instead of propagating them.
var (
	// ErrDuplicateSymbol is returned by CreateSymbol when the id exists.
	ErrDuplicateSymbol = errors.New("symbol id already exists")

	// ErrSymbolNotFound is returned when a symbol id cannot be resolved.
	ErrSymbolNotFound = errors.New("symbol not found")

	// ErrKitNotFound is returned when a kit id cannot be resolved.
	ErrKitNotFound = errors.New("kit not found")

	// ErrPersonaNotFound is returned when an agent persona id is unknown.
	ErrPersonaNotFound = errors.New("persona not found")

	// ErrLedgerExists guards the write-once invariant of session ledgers.
	ErrLedgerExists = errors.New("session ledger already written")

	// ErrLedgerNotFound is returned when no ledger exists for a session.
	ErrLedgerNotFound = errors.New("session ledger not found")

	// ErrHistoryCipher is returned when a stored chat turn cannot be
	// decrypted, usually a missing or replaced key file.
	ErrHistoryCipher = errors.New("chat history decryption failed")
)

func isNotFound(err error) bool {
	return errors.Is(err, ErrSymbolNotFound) ||
		errors.Is(err, ErrKitNotFound) ||
		errors.Is(err, ErrPersonaNotFound)
}
