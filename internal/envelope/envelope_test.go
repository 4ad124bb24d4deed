package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild(t *testing.T) {
	t.Run("accepts minimal message", func(t *testing.T) {
		env, err := Build("board-1", []byte(`{"action":"move"}`))
		require.NoError(t, err)

		assert.NotEmpty(t, env.ID)
		assert.Equal(t, env.ID, env.CorrelationID)
		assert.Equal(t, "board-1", env.Board)
		assert.Equal(t, "move", env.Action)
		assert.Equal(t, AnonymousUser, env.User)
		assert.JSONEq(t, `{}`, string(env.Payload))
		assert.False(t, env.CreatedAt.IsZero())
	})

	t.Run("keeps client correlation id as identity", func(t *testing.T) {
		env, err := Build("board-1", []byte(`{"action":"move","correlation_id":"client-42"}`))
		require.NoError(t, err)

		assert.Equal(t, "client-42", env.ID)
		assert.Equal(t, "client-42", env.CorrelationID)
	})

	t.Run("keeps user and payload", func(t *testing.T) {
		env, err := Build("board-1", []byte(`{"action":"draw","user":"ada","payload":{"x":1,"y":2}}`))
		require.NoError(t, err)

		assert.Equal(t, "ada", env.User)
		assert.JSONEq(t, `{"x":1,"y":2}`, string(env.Payload))
	})

	t.Run("folds message text into payload", func(t *testing.T) {
		env, err := Build("board-1", []byte(`{"action":"chat","message":"hello"}`))
		require.NoError(t, err)

		assert.JSONEq(t, `{"message":"hello"}`, string(env.Payload))
	})

	t.Run("payload message key wins over message text", func(t *testing.T) {
		env, err := Build("board-1", []byte(`{"action":"chat","message":"ignored","payload":{"message":"kept"}}`))
		require.NoError(t, err)

		assert.JSONEq(t, `{"message":"kept"}`, string(env.Payload))
	})

	t.Run("rejects invalid JSON", func(t *testing.T) {
		_, err := Build("board-1", []byte(`{not json`))
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, ReasonInvalidJSON, verr.Reason)
	})

	t.Run("rejects missing action", func(t *testing.T) {
		_, err := Build("board-1", []byte(`{"user":"ada"}`))
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, ReasonValidationError, verr.Reason)
	})

	t.Run("rejects non-object payload", func(t *testing.T) {
		_, err := Build("board-1", []byte(`{"action":"move","payload":[1,2]}`))
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, ReasonValidationError, verr.Reason)
	})

	t.Run("rejects blank board", func(t *testing.T) {
		_, err := Build("  ", []byte(`{"action":"move"}`))
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, ReasonValidationError, verr.Reason)
	})
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	env, err := Build("board-7", []byte(`{"action":"move","user":"ada","payload":{"x":3}}`))
	require.NoError(t, err)

	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, env.ID, decoded.ID)
	assert.Equal(t, env.Board, decoded.Board)
	assert.Equal(t, env.Action, decoded.Action)
	assert.JSONEq(t, string(env.Payload), string(decoded.Payload))
}

func TestDecodeRejectsCorruptEnvelopes(t *testing.T) {
	cases := map[string]string{
		"not json":       `{{{`,
		"missing id":     `{"board":"b","action":"a","payload":{}}`,
		"missing board":  `{"id":"1","action":"a","payload":{}}`,
		"missing action": `{"id":"1","board":"b","payload":{}}`,
		"array payload":  `{"id":"1","board":"b","action":"a","payload":[]}`,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestEvent(t *testing.T) {
	env := Envelope{
		ID:            "evt-1",
		Board:         "board-1",
		Action:        "move",
		User:          "ada",
		Payload:       json.RawMessage(`{"x":1}`),
		CreatedAt:     time.Now().Add(-time.Minute),
		CorrelationID: "evt-1",
	}

	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	event := env.Event(at)

	assert.Equal(t, "evt-1", event.ID)
	assert.Equal(t, KindBoardEvent, event.Kind)
	assert.Equal(t, at, event.Timestamp)
	assert.Equal(t, 0, event.ActiveConnections)
	assert.JSONEq(t, `{"x":1}`, string(event.Payload))
}
