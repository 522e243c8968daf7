package ipc

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateNonceUnique(t *testing.T) {
	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		n := GenerateNonce()
		_, dup := seen[n]
		require.False(t, dup, "duplicate nonce %s", n)
		seen[n] = struct{}{}
	}
}

func TestReplyCopiesNonce(t *testing.T) {
	req, err := NewEnvelope(ClientEvalRequest, Call{Procedure: "guildCount"})
	require.NoError(t, err)
	require.NotEmpty(t, req.Nonce)

	reply, err := req.Reply(ClientEvalResponse, 42)
	require.NoError(t, err)
	assert.Equal(t, req.Nonce, reply.Nonce)
	assert.Equal(t, ClientEvalResponse, reply.Type)
	assert.JSONEq(t, "42", string(reply.Payload))

	failed := req.ReplyError(ClientEvalResponse, errors.New("boom"))
	assert.Equal(t, req.Nonce, failed.Nonce)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "boom", failed.Error.Message)
}

func TestEnvelopeWireFormat(t *testing.T) {
	env := MustEnvelope(Heartbeat, HeartbeatPayload{Date: 1700000000000}).WithTimeout(5 * time.Second)

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "HEARTBEAT", raw["type"])
	assert.Equal(t, env.Nonce, raw["nonce"])
	assert.EqualValues(t, 5000, raw["options"].(map[string]any)["timeout"])

	var back Envelope
	require.NoError(t, json.Unmarshal(data, &back))
	var hb HeartbeatPayload
	require.NoError(t, back.Decode(&hb))
	assert.EqualValues(t, 1700000000000, hb.Date)
	assert.Equal(t, 5*time.Second, back.Options.TimeoutDuration())
}

func TestDecodeEmptyPayload(t *testing.T) {
	env := Envelope{Type: ClientReady}
	var v struct{}
	assert.Error(t, env.Decode(&v))
}

func TestJSONDurationNegative(t *testing.T) {
	opts := RespawnAllOptions{Timeout: JSONDuration(-1 * time.Millisecond), ClusterDelay: JSONDuration(5500 * time.Millisecond)}
	data, err := json.Marshal(opts)
	require.NoError(t, err)
	assert.JSONEq(t, `{"clusterDelay":5500,"timeout":-1}`, string(data))

	var back RespawnAllOptions
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, -time.Millisecond, back.Timeout.Duration())
	assert.Equal(t, time.Duration(0), back.RespawnDelay.Duration())
}

func TestNewRemoteErrorPreservesRemote(t *testing.T) {
	orig := &RemoteError{Name: "ErrUnknownProcedure", Message: "unknown procedure"}
	wrapped := NewRemoteError(errors.Join(orig))
	assert.Equal(t, orig, wrapped)
	assert.Nil(t, NewRemoteError(nil))
}
