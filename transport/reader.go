package transport

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"channel-rpc/dispatch"
	"channel-rpc/observability"
	"channel-rpc/protocol"

	"github.com/rs/zerolog"
)

var ErrAlreadyRunning = errors.New("transport: reader already running")

// ReaderConfig tunes the read loop.
type ReaderConfig struct {
	ReadBufferSize int           // bytes requested per read
	PollTimeout    time.Duration // read deadline per attempt, when the stream supports deadlines
	IdlePause      time.Duration // pause after a read that returned no data
	ErrorPause     time.Duration // pause after a failed read
}

func DefaultReaderConfig() ReaderConfig {
	return ReaderConfig{
		ReadBufferSize: 10 * 1024,
		PollTimeout:    500 * time.Millisecond,
		IdlePause:      100 * time.Millisecond,
		ErrorPause:     time.Second,
	}
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// Reader drains one stream: read, append to the receive buffer, cut every
// complete frame off the front and hand it to the dispatcher.
//
// The receive buffer is touched only by the loop goroutine. A failed read is
// logged and retried after ErrorPause; only Stop or a malformed frame ends the
// loop. A malformed frame means the length or type fields can no longer be
// trusted, so the loop exits and reports it through onFatal.
type Reader struct {
	conn    io.Reader
	disp    *dispatch.Dispatcher
	cfg     ReaderConfig
	onFatal func(error)
	log     zerolog.Logger

	running atomic.Bool
	mu      sync.Mutex // guards stop and done
	stop    chan struct{}
	done    chan struct{}

	buf []byte
}

// NewReader prepares a reader for conn. onFatal, if set, is called once from
// the loop goroutine after the loop has fully exited on a malformed frame.
func NewReader(conn io.Reader, disp *dispatch.Dispatcher, cfg ReaderConfig, onFatal func(error), log zerolog.Logger) *Reader {
	def := DefaultReaderConfig()
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = def.ReadBufferSize
	}
	if cfg.IdlePause <= 0 {
		cfg.IdlePause = def.IdlePause
	}
	if cfg.ErrorPause <= 0 {
		cfg.ErrorPause = def.ErrorPause
	}
	return &Reader{
		conn:    conn,
		disp:    disp,
		cfg:     cfg,
		onFatal: onFatal,
		log:     log,
	}
}

// Start launches the loop. A second Start while the loop runs starts nothing
// and returns ErrAlreadyRunning.
func (r *Reader) Start() error {
	if !r.running.CompareAndSwap(false, true) {
		r.log.Debug().Msg("reader already running")
		return ErrAlreadyRunning
	}
	stop, done := make(chan struct{}), make(chan struct{})
	r.mu.Lock()
	r.stop, r.done = stop, done
	r.mu.Unlock()

	go r.loop(stop, done)
	return nil
}

// Stop signals the loop and waits for it to exit. Unparsed bytes are
// discarded. Stopping a reader that is not running is a no-op.
func (r *Reader) Stop() {
	r.mu.Lock()
	stop, done := r.stop, r.done
	r.stop, r.done = nil, nil
	r.mu.Unlock()
	if stop == nil {
		return
	}

	close(stop)
	// Wake a blocked read so the stop signal is observed promptly.
	if dl, ok := r.conn.(readDeadliner); ok {
		_ = dl.SetReadDeadline(time.Now())
	}
	<-done
}

func (r *Reader) Running() bool {
	return r.running.Load()
}

func (r *Reader) loop(stop, done chan struct{}) {
	var fatal error
	defer func() {
		r.buf = nil
		r.running.Store(false)
		close(done)
		if fatal != nil && r.onFatal != nil {
			r.onFatal(fatal)
		}
	}()

	dl, _ := r.conn.(readDeadliner)
	chunk := make([]byte, r.cfg.ReadBufferSize)
	failures := 0
	r.log.Debug().Msg("reader started")

	for {
		if dl != nil && r.cfg.PollTimeout > 0 {
			_ = dl.SetReadDeadline(time.Now().Add(r.cfg.PollTimeout))
		}
		n, err := r.conn.Read(chunk)
		if isStopped(stop) {
			r.log.Debug().Int("discarded", len(r.buf)).Msg("reader stopped")
			return
		}

		if n > 0 {
			failures = 0
			if fatal = r.feed(chunk[:n]); fatal != nil {
				r.log.Error().Err(fatal).Msg("malformed frame, abandoning stream")
				return
			}
		}

		switch {
		case err == nil && n == 0:
			if !pause(stop, r.cfg.IdlePause) {
				return
			}
		case err == nil:
		case isTimeout(err):
			// The deadline already did the waiting.
		default:
			failures++
			observability.ReadErrors.Inc()
			ev := r.log.Debug()
			if failures == 1 {
				ev = r.log.Warn()
			}
			ev.Err(err).Int("consecutive", failures).Msg("read failed")
			if !pause(stop, r.cfg.ErrorPause) {
				return
			}
		}
	}
}

// feed appends b to the receive buffer and dispatches every complete frame.
// Afterwards the buffer holds exactly the unconsumed suffix.
func (r *Reader) feed(b []byte) error {
	r.buf = append(r.buf, b...)
	consumed := 0
	for {
		status, n, pkt, err := protocol.Decode(r.buf[consumed:])
		if err != nil {
			return err
		}
		if status == protocol.StatusInsufficient {
			break
		}
		consumed += n
		r.route(pkt)
	}
	if consumed > 0 {
		r.buf = append(r.buf[:0], r.buf[consumed:]...)
	}
	return nil
}

func (r *Reader) route(pkt *protocol.Packet) {
	out := r.disp.Dispatch(pkt)
	typ := pkt.Type.String()
	observability.FramesDecoded.WithLabelValues(typ).Inc()
	observability.DispatchOutcomes.WithLabelValues(typ, out.String()).Inc()

	switch out {
	case dispatch.Discarded:
		r.log.Debug().Str("type", typ).Str("seq", pkt.Sequence).Msg("unmatched response discarded")
	case dispatch.Dropped:
		r.log.Debug().Str("type", typ).Msg("mailbox full, packet dropped")
	default:
		r.log.Trace().Str("type", typ).Str("seq", pkt.Sequence).Int("bytes", len(pkt.Payload)).Str("outcome", out.String()).Msg("packet")
	}
}

func isStopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// pause sleeps for d and reports false if stop fired meanwhile.
func pause(stop <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-stop:
		return false
	case <-timer.C:
		return true
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
