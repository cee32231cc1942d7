package protocol

import (
	"sync"
)

type pipeState struct {
	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	reason string
}

func (s *pipeState) close(reason string) {
	s.once.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.done)
	})
}

// PipeConn is one end of an in-memory Conn pair. Frames are encoded and
// decoded exactly as on the wire.
type PipeConn struct {
	in    <-chan []byte
	out   chan<- []byte
	state *pipeState
	addr  string
}

var _ Conn = (*PipeConn)(nil)

// Pipe returns two connected in-memory Conns; closing either end closes both.
func Pipe() (*PipeConn, *PipeConn) {
	a := make(chan []byte, 64)
	b := make(chan []byte, 64)
	state := &pipeState{done: make(chan struct{})}
	return &PipeConn{in: a, out: b, state: state, addr: "pipe-a"},
		&PipeConn{in: b, out: a, state: state, addr: "pipe-b"}
}

func (p *PipeConn) ReadFrame() (*Frame, error) {
	// Frames written before close are still delivered
	select {
	case data := <-p.in:
		return Decode(data)
	case <-p.state.done:
		select {
		case data := <-p.in:
			return Decode(data)
		default:
			return nil, ErrClosed
		}
	}
}

func (p *PipeConn) WriteFrame(f *Frame) error {
	data, err := Encode(f)
	if err != nil {
		return err
	}
	select {
	case <-p.state.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- data:
		return nil
	case <-p.state.done:
		return ErrClosed
	}
}

func (p *PipeConn) Close(reason string) error {
	if reason != "" {
		_ = p.WriteFrame(NewCloseFrame(reason, nowUTC()))
	}
	p.state.close(reason)
	return nil
}

func (p *PipeConn) RemoteAddr() string {
	return p.addr
}

// Closed is closed once either end of the pipe is closed
func (p *PipeConn) Closed() <-chan struct{} {
	return p.state.done
}

// CloseReason returns the reason given by whichever end closed first
func (p *PipeConn) CloseReason() string {
	p.state.mu.Lock()
	defer p.state.mu.Unlock()
	return p.state.reason
}
