package cconn_test

import (
	"encoding/json"
	"testing"

	"github.com/gordian-engine/coop/cconn"
	"github.com/stretchr/testify/require"
)

func TestNewID_unique(t *testing.T) {
	t.Parallel()

	seen := make(map[cconn.ID]struct{})
	for range 100 {
		id := cconn.NewID()
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
}

func TestID_text(t *testing.T) {
	t.Parallel()

	id := cconn.NewID()

	b, err := json.Marshal(map[string]cconn.ID{"conn": id})
	require.NoError(t, err)
	require.JSONEq(t, `{"conn":"`+id.String()+`"}`, string(b))

	var got map[string]cconn.ID
	require.NoError(t, json.Unmarshal(b, &got))
	require.Equal(t, id, got["conn"])

	var bad cconn.ID
	require.Error(t, bad.UnmarshalText([]byte("not-a-uuid")))
}

func TestState_String(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Connecting", cconn.StateConnecting.String())
	require.Equal(t, "Connected", cconn.StateConnected.String())
	require.Equal(t, "Disconnecting", cconn.StateDisconnecting.String())
	require.Equal(t, "Disconnected", cconn.StateDisconnected.String())
	require.Equal(t, "State(0)", cconn.StateInvalid.String())
}
