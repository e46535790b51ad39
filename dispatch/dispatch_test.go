package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"channel-rpc/protocol"
)

func TestMailboxGetOrCreate(t *testing.T) {
	d := New(0)
	a := d.Mailbox(protocol.TypeTxCommitted)
	b := d.Mailbox(protocol.TypeTxCommitted)
	if a != b {
		t.Fatal("expect the same mailbox for the same type")
	}
	if a.Cap() != DefaultMailboxSize {
		t.Fatalf("expect capacity %d, got %d", DefaultMailboxSize, a.Cap())
	}
	if d.Mailbox(protocol.TypeHeartbeat) == a {
		t.Fatal("different types must not share a mailbox")
	}
}

// Concurrent first access must register exactly one mailbox.
func TestMailboxConcurrentFirstAccess(t *testing.T) {
	d := New(4)
	const n = 64
	boxes := make([]*Mailbox, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			boxes[i] = d.Mailbox(protocol.TypeTopicReport)
		}(i)
	}
	close(start)
	wg.Wait()
	for i := 1; i < n; i++ {
		if boxes[i] != boxes[0] {
			t.Fatalf("goroutine %d got a different mailbox", i)
		}
	}
}

func TestMailboxFIFO(t *testing.T) {
	d := New(10)
	for i := 0; i < 5; i++ {
		out := d.Dispatch(&protocol.Packet{Type: protocol.TypeTxCommitted, Result: int32(i)})
		if out != Queued {
			t.Fatalf("packet %d: expect Queued, got %v", i, out)
		}
	}
	box := d.Mailbox(protocol.TypeTxCommitted)
	for i := 0; i < 5; i++ {
		p, err := box.Pop(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if p.Result != int32(i) {
			t.Fatalf("expect packet %d, got %d", i, p.Result)
		}
	}
	if _, ok := box.TryPop(); ok {
		t.Fatal("expect empty mailbox")
	}
}

func TestMailboxOverflowDrops(t *testing.T) {
	d := New(2)
	pkt := &protocol.Packet{Type: protocol.TypeHeartbeat}
	if d.Dispatch(pkt) != Queued || d.Dispatch(pkt) != Queued {
		t.Fatal("expect first two packets queued")
	}

	done := make(chan Outcome, 1)
	go func() { done <- d.Dispatch(pkt) }()
	select {
	case out := <-done:
		if out != Dropped {
			t.Fatalf("expect Dropped, got %v", out)
		}
	case <-time.After(time.Second):
		t.Fatal("Dispatch blocked on a full mailbox")
	}

	if err := d.Mailbox(protocol.TypeHeartbeat).Push(pkt); !errors.Is(err, ErrMailboxFull) {
		t.Fatalf("expect ErrMailboxFull, got %v", err)
	}
	if got := d.Mailbox(protocol.TypeHeartbeat).Len(); got != 2 {
		t.Fatalf("expect 2 queued, got %d", got)
	}
}

func TestMailboxPopHonoursContext(t *testing.T) {
	d := New(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := d.Mailbox(protocol.TypeAMOPRequest).Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expect deadline exceeded, got %v", err)
	}
}

func TestExpectDelivered(t *testing.T) {
	d := New(0)
	seq := protocol.NewSequence()
	p, err := d.Expect(protocol.TypeRPC, seq)
	if err != nil {
		t.Fatal(err)
	}
	if out := d.Dispatch(&protocol.Packet{Type: protocol.TypeRPC, Sequence: seq, Payload: []byte("ok")}); out != Delivered {
		t.Fatalf("expect Delivered, got %v", out)
	}
	c := <-p.Done()
	if c.Err != nil || string(c.Packet.Payload) != "ok" {
		t.Fatalf("unexpected completion %+v", c)
	}
	if d.PendingCount() != 0 {
		t.Fatal("delivered handle must be deregistered")
	}
}

func TestExpectDuplicate(t *testing.T) {
	d := New(0)
	seq := protocol.NewSequence()
	if _, err := d.Expect(protocol.TypeRPC, seq); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Expect(protocol.TypeRPC, seq); !errors.Is(err, ErrDuplicatePending) {
		t.Fatalf("expect ErrDuplicatePending, got %v", err)
	}
}

// A response for a call that gave up waiting is normal traffic and must be
// discarded without touching other calls.
func TestLateResponseDiscarded(t *testing.T) {
	d := New(0)
	late, _ := d.Expect(protocol.TypeRPC, protocol.NewSequence())
	late.Cancel()

	live, _ := d.Expect(protocol.TypeRPC, protocol.NewSequence())

	if out := d.Dispatch(&protocol.Packet{Type: protocol.TypeRPC, Sequence: late.Sequence()}); out != Discarded {
		t.Fatalf("expect Discarded, got %v", out)
	}
	if out := d.Dispatch(&protocol.Packet{Type: protocol.TypeRPC, Sequence: protocol.NewSequence()}); out != Discarded {
		t.Fatalf("expect foreign sequence Discarded, got %v", out)
	}
	if d.Mailbox(protocol.TypeRPC).Len() != 0 {
		t.Fatal("correlated packets must never be queued")
	}

	if out := d.Dispatch(&protocol.Packet{Type: protocol.TypeRPC, Sequence: live.Sequence()}); out != Delivered {
		t.Fatalf("expect live call Delivered, got %v", out)
	}
}

// A callback sharing the sequence of a pending RPC is not its response.
func TestTypeMismatchIsQueued(t *testing.T) {
	d := New(0)
	p, _ := d.Expect(protocol.TypeRPC, protocol.NewSequence())
	out := d.Dispatch(&protocol.Packet{Type: protocol.TypeTxCommitted, Sequence: p.Sequence()})
	if out != Queued {
		t.Fatalf("expect Queued, got %v", out)
	}
	if d.PendingCount() != 1 {
		t.Fatal("rpc handle must stay registered")
	}
}

// Responses arriving in any order reach the call that owns their sequence.
func TestCorrelationOutOfOrder(t *testing.T) {
	d := New(0)
	const n = 32
	handles := make([]*Pending, n)
	for i := range handles {
		p, err := d.Expect(protocol.TypeRPC, protocol.NewSequence())
		if err != nil {
			t.Fatal(err)
		}
		handles[i] = p
	}

	var wg sync.WaitGroup
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := <-handles[i].Done()
			if c.Packet.Sequence != handles[i].Sequence() || c.Packet.Result != int32(i) {
				t.Errorf("call %d got packet for %s result %d", i, c.Packet.Sequence, c.Packet.Result)
			}
		}(i)
	}
	for i := n - 1; i >= 0; i-- {
		d.Dispatch(&protocol.Packet{Type: protocol.TypeRPC, Sequence: handles[i].Sequence(), Result: int32(i)})
	}
	wg.Wait()
}

func TestFailAll(t *testing.T) {
	d := New(0)
	a, _ := d.Expect(protocol.TypeRPC, protocol.NewSequence())
	b, _ := d.Expect(protocol.TypeAMOPResponse, protocol.NewSequence())
	boom := errors.New("connection lost")
	d.FailAll(boom)
	for _, p := range []*Pending{a, b} {
		c := <-p.Done()
		if !errors.Is(c.Err, boom) {
			t.Fatalf("expect connection error, got %+v", c)
		}
	}
	if d.PendingCount() != 0 {
		t.Fatal("expect no pending handles after FailAll")
	}
}
