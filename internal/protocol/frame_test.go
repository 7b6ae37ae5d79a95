package protocol

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeFrame(t *testing.T) {
	env := NewEnvelope("team1", "alice@example.com", "Alice", "hello")

	frame := env.Frame()
	require.True(t, strings.HasPrefix(frame, PrefixMessage))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frame, PrefixMessage)), &decoded))
	assert.Equal(t, "team1", decoded["room"])
	assert.Equal(t, "alice@example.com", decoded["from_id"])
	assert.Equal(t, "Alice", decoded["from_name"])
	assert.Equal(t, "hello", decoded["content"])
	assert.NotEmpty(t, decoded["id"])

	_, err := time.Parse(TimeLayout, decoded["time"].(string))
	assert.NoError(t, err)
}

func TestEnvelopeIDsUnique(t *testing.T) {
	a := NewEnvelope("main", "u1", "u1", "x")
	b := NewEnvelope("main", "u1", "u1", "x")
	assert.NotEqual(t, a.ID, b.ID)
}

func TestParseEnvelope(t *testing.T) {
	env := NewEnvelope("main", "u1", "User One", "round trip")
	parsed, ok := ParseEnvelope(env.Frame())
	require.True(t, ok)
	assert.Equal(t, env, parsed)

	_, ok = ParseEnvelope("update_session:{}")
	assert.False(t, ok)
	_, ok = ParseEnvelope(PrefixMessage + "not json")
	assert.False(t, ok)
}

func TestSessionStateFrame(t *testing.T) {
	frame := SessionState{Room: "main", Name: "Alice"}.Frame()
	assert.Equal(t, `update_session:{"room":"main","name":"Alice"}`, frame)
}

func TestRoomsViewFrame(t *testing.T) {
	view := RoomsView{"main": {"u1": "Alice"}}
	frame := view.Frame()
	require.True(t, strings.HasPrefix(frame, PrefixUpdateRooms))

	var decoded RoomsView
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frame, PrefixUpdateRooms)), &decoded))
	assert.Equal(t, view, decoded)
}

func TestErrorFrame(t *testing.T) {
	assert.Equal(t, "!!! room name is required", ErrorFrame("room name is required"))
}
