package payload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_BareObject(t *testing.T) {
	p, err := Parse(`{"next_phase": "02-symbols", "narrative": "ok"}`)
	require.NoError(t, err)
	assert.Equal(t, "02-symbols", p.NextPhase)
	assert.Equal(t, "ok", p.Narrative)
	assert.Empty(t, p.Commands)
}

func TestParse_FencedBlock(t *testing.T) {
	raw := "Here is my analysis.\n```json\n{\n  \"next_phase\": \"03-plan\",\n  \"control_signature\": [\n    {\"action\": \"load_symbol\", \"id\": \"S1\"}\n  ]\n}\n```\nDone."
	p, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "03-plan", p.NextPhase)
	require.Len(t, p.Commands, 1)
	assert.Equal(t, "load_symbol", p.Commands[0].Action)
	assert.JSONEq(t, `"S1"`, string(p.Commands[0].Args["id"]))
}

func TestParse_ObjectBuriedInProse(t *testing.T) {
	raw := `Thinking out loud about braces like } and { before the real thing:
{"next_phase": "done", "narrative": "final answer", "context_state": {"depth": 2}}
and trailing commentary after.`
	p, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "final answer", p.Narrative)
	assert.Equal(t, float64(2), p.ContextState["depth"])
}

func TestParse_BracesInsideStrings(t *testing.T) {
	p, err := Parse(`{"narrative": "use {curly} syntax", "next_phase": "done"}`)
	require.NoError(t, err)
	assert.Equal(t, "use {curly} syntax", p.Narrative)
}

func TestParse_TrailingCommas(t *testing.T) {
	p, err := Parse(`{"next_phase": "04-verify", "control_signature": [{"action": "query_symbols",},],}`)
	require.NoError(t, err)
	assert.Equal(t, "04-verify", p.NextPhase)
	require.Len(t, p.Commands, 1)
}

func TestParse_OutputAlias(t *testing.T) {
	p, err := Parse(`{"output": "legacy field", "next_phase": "done"}`)
	require.NoError(t, err)
	assert.Equal(t, "legacy field", p.Narrative)

	// narrative wins when both are present
	p, err = Parse(`{"output": "old", "narrative": "new"}`)
	require.NoError(t, err)
	assert.Equal(t, "new", p.Narrative)
}

func TestParse_NoObject(t *testing.T) {
	for _, raw := range []string{
		"",
		"plain prose with no structure",
		"an opening { that never closes",
	} {
		_, err := Parse(raw)
		assert.ErrorIs(t, err, ErrNoPayload, "input: %q", raw)
	}
}

func TestParse_MalformedObject(t *testing.T) {
	_, err := Parse(`{"next_phase": not-json}`)
	assert.ErrorIs(t, err, ErrNoPayload)
}
