package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/copypaste/internal/feed"
)

func TestEncodeUpdateShape(t *testing.T) {
	ts := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	data, err := Encode(feed.Update{RoomID: "ABCD1234", Content: "", UpdatedAt: ts})
	require.NoError(t, err)

	// Empty content must still be present: a clear is a real update.
	assert.JSONEq(t,
		`{"type":"update","room_id":"ABCD1234","content":"","updated_at":"2026-04-02T10:00:00Z"}`,
		string(data))

	msg, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, feed.Update{RoomID: "ABCD1234", Content: "", UpdatedAt: ts}, msg)
}

func TestEncodeStatus(t *testing.T) {
	data, err := Encode(feed.StatusChange{Phase: feed.PhaseConnected})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"status","phase":"connected"}`, string(data))
}

func TestDecodeRejectsBadFrames(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{`},
		{"unknown type", `{"type":"awareness"}`},
		{"update without content", `{"type":"update","room_id":"ABCD1234"}`},
		{"update without room", `{"type":"update","content":"x"}`},
		{"bad phase", `{"type":"status","phase":"sleepy"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}
