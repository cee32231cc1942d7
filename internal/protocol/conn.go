package protocol

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a framed, bidirectional device session transport.
// ReadFrame must be called from a single goroutine; WriteFrame is safe for
// concurrent use. Close unblocks a pending ReadFrame.
type Conn interface {
	ReadFrame() (*Frame, error)
	WriteFrame(f *Frame) error
	Close(reason string) error
	RemoteAddr() string
}

const defaultWriteTimeout = 10 * time.Second

// WSConn adapts a gorilla websocket to Conn. Frames travel as binary messages.
type WSConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
}

var _ Conn = (*WSConn)(nil)

// NewWSConn wraps an established websocket
func NewWSConn(ws *websocket.Conn, writeTimeout time.Duration) *WSConn {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	ws.SetReadLimit(MaxFrameSize)
	return &WSConn{ws: ws, writeTimeout: writeTimeout}
}

func (c *WSConn) ReadFrame() (*Frame, error) {
	msgType, data, err := c.ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
			errors.Is(err, websocket.ErrCloseSent) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("%w: %v", ErrClosed, err)
	}
	if msgType != websocket.BinaryMessage {
		return nil, fmt.Errorf("%w: unexpected websocket message type %d", ErrInvalidFrame, msgType)
	}
	return Decode(data)
}

func (c *WSConn) WriteFrame(f *Frame) error {
	data, err := Encode(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// Close sends a close frame and a websocket close control message carrying
// reason, then tears down the socket. Subsequent calls are no-ops.
func (c *WSConn) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		now := time.Now().UTC()
		if reason != "" {
			_ = c.WriteFrame(NewCloseFrame(reason, now))
		}

		c.writeMu.Lock()
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			now.Add(time.Second),
		)
		c.writeMu.Unlock()

		err = c.ws.Close()
	})
	return err
}

func (c *WSConn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// Upgrader accepts device sessions on the hub
type Upgrader struct {
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
}

// NewUpgrader builds an Upgrader. Devices are not browsers and send no Origin,
// so the origin check accepts every request; authentication happens before upgrade.
func NewUpgrader(writeTimeout time.Duration) *Upgrader {
	return &Upgrader{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		writeTimeout: writeTimeout,
	}
}

func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*WSConn, error) {
	ws, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWSConn(ws, u.writeTimeout), nil
}

// Dial opens a device session to the hub at url using the bearer device token
func Dial(ctx context.Context, url, token string, writeTimeout time.Duration) (*WSConn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 15 * time.Second,
	}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, &DialError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, err
	}
	return NewWSConn(ws, writeTimeout), nil
}

// DialError carries the HTTP status of a rejected upgrade
type DialError struct {
	StatusCode int
	Err        error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("session upgrade rejected with HTTP %d: %v", e.StatusCode, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// Unauthorized reports whether the hub refused the device token
func (e *DialError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}
