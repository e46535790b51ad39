package transport

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"channel-rpc/dispatch"
	"channel-rpc/protocol"

	"github.com/rs/zerolog"
)

func newPipeTransport(t *testing.T, cfg Config) (*ClientTransport, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	ct := NewClientTransport(client, dispatch.New(0), cfg, zerolog.Nop())
	t.Cleanup(func() {
		_ = ct.Close()
		_ = server.Close()
	})
	return ct, server
}

func testConfig() Config {
	return Config{Reader: fastReaderConfig(), WriteTimeout: time.Second}
}

// 测试单连接上串行发送多个请求
func TestClientTransportSerial(t *testing.T) {
	ct, server := newPipeTransport(t, testConfig())

	for i := 0; i < 3; i++ {
		seq := protocol.NewSequence()
		pending, err := ct.Dispatcher().Expect(protocol.TypeRPC, seq)
		if err != nil {
			t.Fatal(err)
		}

		errc := make(chan error, 1)
		go func() { errc <- ct.Send(protocol.TypeRPC, seq, []byte(`{"method":"getBlockNumber"}`)) }()

		req, err := protocol.ReadFrame(server)
		if err != nil {
			t.Fatal(err)
		}
		if err := <-errc; err != nil {
			t.Fatal(err)
		}
		if req.Sequence != seq || req.Type != protocol.TypeRPC {
			t.Fatalf("request frame mismatch: %+v", req)
		}

		if err := protocol.WriteFrame(server, &protocol.Packet{Type: protocol.TypeRPC, Sequence: seq, Result: int32(i)}); err != nil {
			t.Fatal(err)
		}
		select {
		case c := <-pending.Done():
			if c.Err != nil || c.Packet.Result != int32(i) {
				t.Fatalf("unexpected completion %+v", c)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("response not delivered")
		}
	}
}

// 测试单连接上并发发送多个请求（多路复用核心测试）
func TestClientTransportConcurrent(t *testing.T) {
	ct, server := newPipeTransport(t, testConfig())

	// Echo node: answers every request with its own sequence, in reverse
	// batches so responses come back out of send order.
	go func() {
		var batch []*protocol.Packet
		for {
			req, err := protocol.ReadFrame(server)
			if err != nil {
				return
			}
			batch = append(batch, req)
			if len(batch) < 5 {
				continue
			}
			for i := len(batch) - 1; i >= 0; i-- {
				resp := &protocol.Packet{Type: protocol.TypeRPC, Sequence: batch[i].Sequence, Payload: batch[i].Payload}
				if err := protocol.WriteFrame(server, resp); err != nil {
					return
				}
			}
			batch = batch[:0]
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			seq := protocol.NewSequence()
			pending, err := ct.Dispatcher().Expect(protocol.TypeRPC, seq)
			if err != nil {
				t.Errorf("expect: %v", err)
				return
			}
			body := []byte{byte(n)}
			if err := ct.Send(protocol.TypeRPC, seq, body); err != nil {
				t.Errorf("send failed: %v", err)
				return
			}
			select {
			case c := <-pending.Done():
				if c.Err != nil {
					t.Errorf("call %d: %v", n, c.Err)
					return
				}
				if c.Packet.Sequence != seq || c.Packet.Payload[0] != byte(n) {
					t.Errorf("call %d got someone else's response", n)
				}
			case <-time.After(5 * time.Second):
				t.Errorf("call %d timed out", n)
			}
		}(i)
	}
	wg.Wait()
}

func TestClientTransportCloseFailsPending(t *testing.T) {
	ct, _ := newPipeTransport(t, testConfig())
	pending, err := ct.Dispatcher().Expect(protocol.TypeRPC, protocol.NewSequence())
	if err != nil {
		t.Fatal(err)
	}

	if err := ct.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	c := <-pending.Done()
	if !errors.Is(c.Err, ErrClosed) {
		t.Fatalf("expect ErrClosed, got %v", c.Err)
	}
	if ct.Reader().Running() {
		t.Fatal("reader still running after close")
	}
	_ = ct.Close()
	if err := ct.Send(protocol.TypeHeartbeat, "", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close: expect ErrClosed, got %v", err)
	}
	if !errors.Is(ct.Err(), ErrClosed) {
		t.Fatalf("Err: got %v", ct.Err())
	}
}

func TestClientTransportMalformedFrameCloses(t *testing.T) {
	ct, server := newPipeTransport(t, testConfig())
	pending, _ := ct.Dispatcher().Expect(protocol.TypeRPC, protocol.NewSequence())

	garbage := make([]byte, protocol.HeaderSize)
	garbage[3] = 2
	go func() { _, _ = server.Write(garbage) }()

	select {
	case <-ct.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("transport not closed after malformed frame")
	}
	c := <-pending.Done()
	if !errors.Is(c.Err, protocol.ErrMalformedFrame) {
		t.Fatalf("expect ErrMalformedFrame, got %v", c.Err)
	}
}

func TestClientTransportHeartbeat(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	_, server := newPipeTransport(t, cfg)

	_ = server.SetReadDeadline(time.Now().Add(2 * time.Second))
	p, err := protocol.ReadFrame(server)
	if err != nil {
		t.Fatalf("read heartbeat: %v", err)
	}
	if p.Type != protocol.TypeHeartbeat || p.Sequence != "" {
		t.Fatalf("expect heartbeat, got %+v", p)
	}
}
