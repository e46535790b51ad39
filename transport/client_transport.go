// Package transport implements the client side of one channel connection.
//
// ClientTransport lets many goroutines issue calls over a single secure
// stream. Every outgoing frame is written whole under a send lock; a single
// Reader goroutine owns the read side and routes each decoded packet through
// the connection's Dispatcher to whoever is waiting for it.
//
//	goroutine-1 ──Send(seq=A)──┐
//	goroutine-2 ──Send(seq=B)──┼──→ one TLS stream ──→ node
//	goroutine-3 ──Send(seq=C)──┘
//
//	Reader: ←── frame(seq=B) → Dispatcher → pending[B] → goroutine-2 wakes up
package transport

import (
	"errors"
	"net"
	"sync"
	"time"

	"channel-rpc/dispatch"
	"channel-rpc/protocol"

	"github.com/rs/zerolog"
)

var ErrClosed = errors.New("transport: connection closed")

// Config tunes a ClientTransport.
type Config struct {
	Reader            ReaderConfig
	WriteTimeout      time.Duration // zero disables the write deadline
	HeartbeatInterval time.Duration // zero disables heartbeats
}

func DefaultConfig() Config {
	return Config{
		Reader:            DefaultReaderConfig(),
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
	}
}

// ClientTransport manages one multiplexed channel connection.
type ClientTransport struct {
	conn   net.Conn
	disp   *dispatch.Dispatcher
	reader *Reader
	cfg    Config
	log    zerolog.Logger

	sending sync.Mutex // whole frames only; interleaved writes corrupt the stream

	closeOnce sync.Once
	closed    chan struct{}
	cause     error
	closeErr  error
}

// NewClientTransport takes ownership of conn, starts its Reader and, if
// configured, a heartbeat loop.
func NewClientTransport(conn net.Conn, disp *dispatch.Dispatcher, cfg Config, log zerolog.Logger) *ClientTransport {
	t := &ClientTransport{
		conn:   conn,
		disp:   disp,
		cfg:    cfg,
		log:    log,
		closed: make(chan struct{}),
	}
	t.reader = NewReader(conn, disp, cfg.Reader, t.fatal, log)
	_ = t.reader.Start()
	if cfg.HeartbeatInterval > 0 {
		go t.heartbeatLoop(cfg.HeartbeatInterval)
	}
	return t
}

// Send writes one frame. The write lock covers the whole frame so frames from
// concurrent callers never interleave.
func (t *ClientTransport) Send(typ protocol.Type, seq string, payload []byte) error {
	frame, err := protocol.Encode(typ, seq, payload)
	if err != nil {
		return err
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	select {
	case <-t.closed:
		return t.Err()
	default:
	}
	if t.cfg.WriteTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	}
	return protocol.WriteFull(t.conn, frame)
}

// Dispatcher returns the dispatcher fed by this transport's Reader.
func (t *ClientTransport) Dispatcher() *dispatch.Dispatcher {
	return t.disp
}

func (t *ClientTransport) Reader() *Reader {
	return t.reader
}

func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}

// Done is closed once the transport is closed, for any reason.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.closed
}

// Err returns why the transport closed, or nil while it is open.
func (t *ClientTransport) Err() error {
	select {
	case <-t.closed:
		return t.cause
	default:
		return nil
	}
}

// Close stops the Reader, closes the stream and fails every pending call with
// ErrClosed. Repeated calls return the first result.
func (t *ClientTransport) Close() error {
	return t.CloseWithError(ErrClosed)
}

// CloseWithError is Close with a caller-chosen cause handed to pending calls.
func (t *ClientTransport) CloseWithError(cause error) error {
	t.closeOnce.Do(func() {
		t.cause = cause
		close(t.closed)
		t.reader.Stop()
		t.closeErr = t.conn.Close()
		t.disp.FailAll(cause)
		t.log.Debug().Err(cause).Msg("transport closed")
	})
	return t.closeErr
}

func (t *ClientTransport) fatal(err error) {
	_ = t.CloseWithError(err)
}

// heartbeatLoop keeps the node from reaping an idle connection.
// Heartbeat frames carry no sequence and no body.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
			if err := t.Send(protocol.TypeHeartbeat, "", nil); err != nil {
				t.log.Debug().Err(err).Msg("heartbeat failed")
				return
			}
		}
	}
}
