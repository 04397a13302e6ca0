package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := DeletionProgress("did:midnight:test123", &DeletionProgressData{
		TotalRecords:     5,
		ProcessedRecords: 2,
		Progress:         40,
		CurrentStep:      "Generating deletion proofs",
		Status:           "generating_proofs",
	})

	data, err := json.Marshal(env)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"deletion_progress"`)
	assert.Contains(t, string(data), `"userDID":"did:midnight:test123"`)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))

	payload, ok := decoded.Data.(*DeletionProgressData)
	require.True(t, ok, "payload must decode to its concrete type")
	assert.Equal(t, 40, payload.Progress)
	assert.Equal(t, "generating_proofs", payload.Status)
}

func TestEnvelopeUnknownTypeRejected(t *testing.T) {
	var env Envelope
	err := json.Unmarshal([]byte(`{"type":"telemetry","data":{}}`), &env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown event type")
}

func TestEnvelopeNullDataAllowed(t *testing.T) {
	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(`{"type":"error","data":null}`), &env))
	assert.Equal(t, TypeError, env.Type)
	assert.Nil(t, env.Data)
}

func TestWelcomeCarriesSubscriptionID(t *testing.T) {
	env := Welcome("sub-1")
	data, ok := env.Data.(*SubscriptionData)
	require.True(t, ok)
	assert.Equal(t, "sub-1", data.SubscriptionID)
	assert.Equal(t, "Connected to Expunge WebSocket", data.Message)
}

func TestErrorOmitsSubject(t *testing.T) {
	data, err := json.Marshal(Error("Invalid userDID format"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"userDID":`)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Empty(t, decoded.UserDID)
}

func TestDecodeClientMessage(t *testing.T) {
	req, err := DecodeClientMessage([]byte(`{"type":"subscription","userDID":"did:midnight:test123","timestamp":1700000000}`))
	require.NoError(t, err)
	assert.Equal(t, "did:midnight:test123", req.UserDID)
	assert.Equal(t, int64(1700000000), req.Timestamp)
}

func TestDecodeClientMessageRejectsOtherTypes(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`{"type":"deletion_progress","userDID":"did:midnight:test123"}`))
	require.Error(t, err)

	_, err = DecodeClientMessage([]byte(`not json`))
	require.Error(t, err)
}
