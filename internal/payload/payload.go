// Package payload extracts the structured control payload from raw model
// replies. Models wrap the payload in markdown fences, prose, or both, and
// commonly emit trailing commas; extraction tolerates all of that but never
// guesses: a reply with no decodable object is an explicit parse failure.
package payload

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"signalzero/internal/logging"
	"signalzero/internal/types"
)

// ErrNoPayload is returned when no JSON object can be recovered from a
// model reply. The phase loop treats this as a terminal condition.
var ErrNoPayload = errors.New("no payload object in model reply")

var (
	// fencedBlockPattern matches JSON inside markdown code blocks.
	fencedBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*?\\})\\s*```")
	// trailingCommaPattern matches trailing commas before ] or }.
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// Payload is the structured portion of one model reply.
type Payload struct {
	NextPhase    string          `json:"next_phase"`
	Commands     []types.Command `json:"control_signature"`
	Narrative    string          `json:"narrative"`
	ContextState map[string]any  `json:"context_state"`
}

// payloadDoc mirrors Payload with the legacy "output" alias for narrative.
type payloadDoc struct {
	NextPhase    string          `json:"next_phase"`
	Commands     []types.Command `json:"control_signature"`
	Narrative    string          `json:"narrative"`
	Output       string          `json:"output"`
	ContextState map[string]any  `json:"context_state"`
}

// Parse recovers the control payload from a raw model reply.
func Parse(raw string) (Payload, error) {
	candidate, err := extractObject(raw)
	if err != nil {
		return Payload{}, err
	}

	var doc payloadDoc
	if err := json.Unmarshal([]byte(candidate), &doc); err != nil {
		logging.LoopDebug("Payload candidate of %d bytes failed to decode: %v", len(candidate), err)
		return Payload{}, fmt.Errorf("%w: %v", ErrNoPayload, err)
	}

	narrative := doc.Narrative
	if narrative == "" {
		narrative = doc.Output
	}

	return Payload{
		NextPhase:    doc.NextPhase,
		Commands:     doc.Commands,
		Narrative:    narrative,
		ContextState: doc.ContextState,
	}, nil
}

// extractObject returns the first decodable JSON object in the reply.
// Fenced blocks win over bare objects. Outside fences every '{' is a
// candidate start: prose may contain stray braces before the payload, so
// candidates that fail to balance or validate are skipped rather than
// aborting the scan.
func extractObject(raw string) (string, error) {
	if matches := fencedBlockPattern.FindStringSubmatch(raw); len(matches) > 1 {
		if candidate := firstValidObject(matches[1]); candidate != "" {
			return candidate, nil
		}
	}
	if candidate := firstValidObject(raw); candidate != "" {
		return candidate, nil
	}

	// Nothing validates; surface the first balanced candidate so the caller
	// reports the decode error, or ErrNoPayload when none even balances.
	start := strings.IndexByte(raw, '{')
	for start >= 0 {
		if candidate := scanBalanced(raw[start:]); candidate != "" {
			return trailingCommaPattern.ReplaceAllString(candidate, "$1"), nil
		}
		next := strings.IndexByte(raw[start+1:], '{')
		if next < 0 {
			break
		}
		start += 1 + next
	}
	return "", ErrNoPayload
}

// firstValidObject scans candidate objects left to right and returns the
// first one that is valid JSON after trailing comma cleanup.
func firstValidObject(raw string) string {
	start := strings.IndexByte(raw, '{')
	for start >= 0 {
		if candidate := scanBalanced(raw[start:]); candidate != "" {
			cleaned := trailingCommaPattern.ReplaceAllString(candidate, "$1")
			if json.Valid([]byte(cleaned)) {
				return cleaned
			}
		}
		next := strings.IndexByte(raw[start+1:], '{')
		if next < 0 {
			return ""
		}
		start += 1 + next
	}
	return ""
}

// scanBalanced walks forward from the leading '{' tracking brace depth,
// string state, and escapes until the object closes. Returns "" when the
// object never closes.
func scanBalanced(raw string) string {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(raw); i++ {
		ch := raw[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return raw[:i+1]
				}
			}
		}
	}
	return ""
}
