package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	cmd, err := ParseCommand([]byte(`{"id":"a1","type":"ping","parameters":{"message":"hi"}}`))
	require.NoError(t, err)
	assert.Equal(t, "a1", cmd.ID)
	assert.Equal(t, "ping", cmd.Type)
	assert.JSONEq(t, `{"message":"hi"}`, string(cmd.Parameters))
}

func TestParseCommandMissingFields(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"missing id", `{"type":"ping"}`},
		{"missing type", `{"id":"a1"}`},
		{"not json", `{"id":`},
		{"wrong shape", `[1,2,3]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseCommand([]byte(tc.raw))
			assert.Error(t, err)
		})
	}
}

func TestParseCommandAbsentParameters(t *testing.T) {
	cmd, err := ParseCommand([]byte(`{"id":"a1","type":"list_assets"}`))
	require.NoError(t, err)
	assert.Empty(t, cmd.Parameters)
}

func TestResponseWireShapes(t *testing.T) {
	success, err := NewSuccess("a1", map[string]any{"message": "pong"}).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"a1","status":"success","result":{"message":"pong"}}`, string(success))

	failure, err := NewError("a2", CodeUnknownCommand, "Unknown command type: no_such_command",
		map[string]any{"type": "no_such_command"}).Encode()
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"id":"a2","status":"error","error":"Unknown command type: no_such_command","code":"UNKNOWN_COMMAND","details":{"type":"no_such_command"}}`,
		string(failure))
}

// A probe reply carries no id at all on the wire.
func TestResponseOmitsEmptyID(t *testing.T) {
	raw, err := NewSuccess("", map[string]any{"message": "pong"}).Encode()
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &decoded))
	_, present := decoded["id"]
	assert.False(t, present, "id must be omitted for unsolicited replies")
}

func TestDecodeResult(t *testing.T) {
	resp, err := ParseResponse([]byte(`{"id":"a1","status":"success","result":{"count":3}}`))
	require.NoError(t, err)
	require.True(t, resp.IsSuccess())

	var result struct {
		Count int `json:"count"`
	}
	require.NoError(t, resp.DecodeResult(&result))
	assert.Equal(t, 3, result.Count)
}
