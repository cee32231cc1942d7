package protocol

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleAck() *Frame {
	return &Frame{
		Type:   FrameAck,
		SentAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Ack: &Ack{
			CommandID:      "cmd-1",
			IdempotencyKey: "reboot-1",
			Status:         AckSucceeded,
			Result:         []byte(`{"uptime":0}`),
			At:             time.Date(2026, 3, 1, 12, 0, 0, 500, time.UTC),
		},
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	first, err := Encode(sampleAck())
	require.NoError(t, err)
	second, err := Encode(sampleAck())
	require.NoError(t, err)
	assert.Equal(t, first, second)

	decoded, err := Decode(first)
	require.NoError(t, err)
	assert.Equal(t, AckSucceeded, decoded.Ack.Status)
	assert.True(t, decoded.Ack.At.Equal(sampleAck().Ack.At), "nanosecond timestamps survive")
	assert.JSONEq(t, `{"uptime":0}`, string(decoded.Ack.Result))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		frame *Frame
		ok    bool
	}{
		{"heartbeat", NewHeartbeat(time.Now()), true},
		{"hello", &Frame{Type: FrameHello, Hello: &Hello{DeviceID: "dev-1"}}, true},
		{"hello without device", &Frame{Type: FrameHello, Hello: &Hello{}}, false},
		{"command without key", &Frame{Type: FrameCommand, Command: &Command{CommandID: "c"}}, false},
		{"ack with unknown status", &Frame{Type: FrameAck, Ack: &Ack{CommandID: "c", Status: "done"}}, false},
		{"status without report", &Frame{Type: FrameStatus}, false},
		{"close", NewCloseFrame(CloseSuperseded, time.Now()), true},
		{"unknown type", &Frame{Type: "gossip"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.frame.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidFrame)
			}
		})
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte{0xff, 0x00, 0x13})
	assert.ErrorIs(t, err, ErrInvalidFrame)

	_, err = Decode(make([]byte, MaxFrameSize+1))
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestAckStatusIsTerminal(t *testing.T) {
	assert.False(t, AckReceived.IsTerminal())
	assert.False(t, AckRunning.IsTerminal())
	assert.True(t, AckSucceeded.IsTerminal())
	assert.True(t, AckFailed.IsTerminal())
	assert.True(t, AckExpired.IsTerminal())
}

func TestPipe(t *testing.T) {
	hub, device := Pipe()

	require.NoError(t, device.WriteFrame(sampleAck()))
	f, err := hub.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, FrameAck, f.Type)

	require.NoError(t, hub.Close(CloseSuperseded))

	// The close frame written before closing is still delivered
	f, err = device.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, FrameClose, f.Type)
	assert.Equal(t, CloseSuperseded, f.Close.Reason)

	_, err = device.ReadFrame()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, device.WriteFrame(NewHeartbeat(time.Now())), ErrClosed)
	assert.Equal(t, CloseSuperseded, device.CloseReason())
}

func TestWebsocketRoundTrip(t *testing.T) {
	upgrader := NewUpgrader(time.Second)
	received := make(chan *Frame, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer dtk_good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r)
		if err != nil {
			return
		}
		f, err := conn.ReadFrame()
		if err == nil {
			received <- f
		}
		_ = conn.WriteFrame(NewHeartbeat(time.Now().UTC()))
		_ = conn.Close(CloseShutdown)
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")

	_, err := Dial(t.Context(), url, "dtk_bad", time.Second)
	var dialErr *DialError
	require.ErrorAs(t, err, &dialErr)
	assert.True(t, dialErr.Unauthorized())

	conn, err := Dial(t.Context(), url, "dtk_good", time.Second)
	require.NoError(t, err)
	defer conn.Close("")

	require.NoError(t, conn.WriteFrame(&Frame{
		Type:   FrameHello,
		SentAt: time.Now().UTC(),
		Hello:  &Hello{DeviceID: "dev-1", Capabilities: []string{"camera"}},
	}))

	select {
	case f := <-received:
		assert.Equal(t, "dev-1", f.Hello.DeviceID)
	case <-time.After(2 * time.Second):
		t.Fatal("hub never received hello")
	}

	f, err := conn.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, FrameHeartbeat, f.Type)

	f, err = conn.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, FrameClose, f.Type)
	assert.Equal(t, CloseShutdown, f.Close.Reason)

	_, err = conn.ReadFrame()
	assert.ErrorIs(t, err, ErrClosed)
}
