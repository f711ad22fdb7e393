package bus

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNATSMessageEnvelope(t *testing.T) {
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	ev, err := NewEvent("session.started", "orchestrator", map[string]string{"id": "s1"}, at)
	require.NoError(t, err)

	msg, err := encodeMsg("conduit.session.s1", ev)
	require.NoError(t, err)
	assert.Equal(t, "conduit.session.s1", msg.Subject)
	assert.Equal(t, ev.ID, msg.Header.Get(nats.MsgIdHdr))
	assert.Equal(t, "session.started", msg.Header.Get(HeaderEventType))
	assert.Equal(t, "orchestrator", msg.Header.Get(HeaderSource))

	got, err := decodeMsg(msg)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, ev.Type, got.Type)
	assert.True(t, at.Equal(got.Timestamp))
	var data map[string]string
	require.NoError(t, got.Decode(&data))
	assert.Equal(t, "s1", data["id"])
}

func TestNATSMessageDecodeErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		header  nats.Header
		wantErr string
	}{
		{"plain body without headers", `{"id":"e1","type":"session.ended"}`, nil, ""},
		{"not json", `nope`, nil, "unmarshal"},
		{"missing type", `{"id":"e1"}`, nil, "no type"},
		{"header disagrees", `{"id":"e1","type":"session.ended"}`, nats.Header{HeaderEventType: []string{"session.started"}}, "does not match"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeMsg(&nats.Msg{Subject: "conduit.session.s1", Data: []byte(tt.data), Header: tt.header})
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	_, err := encodeMsg("conduit.session.s1", &Event{ID: "e1"})
	assert.Error(t, err, "events without a type are not published")
}

func TestNATSClientName(t *testing.T) {
	assert.Equal(t, "conduit", clientName(""))
	assert.Equal(t, "relay-2", clientName("relay-2"))
}
