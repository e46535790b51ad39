// Package dispatch routes decoded packets from the single reader goroutine to
// whoever is waiting for them.
//
// Two kinds of consumers exist:
//
//	Call(seq=A) ──Expect(A)──┐
//	Call(seq=B) ──Expect(B)──┼── pending[seq] ← Dispatch(rpc, seq=B) → B wakes up
//	                         │
//	Receive(callback) ───────┴── mailbox[type] ← Dispatch(tx-committed) → queued
//
// Correlated packets (RPC and AMOP responses) go straight to the handle that
// was registered for their sequence before the request was sent. A correlated
// packet nobody is waiting for belongs to a call that already timed out and is
// discarded. Every other packet type is queued in a bounded per-type mailbox.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"channel-rpc/protocol"
)

const DefaultMailboxSize = 100

var (
	ErrMailboxFull      = errors.New("dispatch: mailbox full")
	ErrDuplicatePending = errors.New("dispatch: sequence already pending")
)

// Outcome records what Dispatch did with a packet.
type Outcome int

const (
	Delivered Outcome = iota // handed to the waiting call
	Queued                   // pushed to its type's mailbox
	Discarded                // correlated packet with no live waiter
	Dropped                  // mailbox full
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Queued:
		return "queued"
	case Discarded:
		return "discarded"
	case Dropped:
		return "dropped"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Mailbox is a bounded FIFO of packets of one type.
// Push never blocks: a full mailbox rejects the packet.
type Mailbox struct {
	ch chan *protocol.Packet
}

func newMailbox(size int) *Mailbox {
	return &Mailbox{ch: make(chan *protocol.Packet, size)}
}

func (m *Mailbox) Push(p *protocol.Packet) error {
	select {
	case m.ch <- p:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Pop blocks until a packet is available or ctx is done.
func (m *Mailbox) Pop(ctx context.Context) (*protocol.Packet, error) {
	select {
	case p := <-m.ch:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Mailbox) TryPop() (*protocol.Packet, bool) {
	select {
	case p := <-m.ch:
		return p, true
	default:
		return nil, false
	}
}

func (m *Mailbox) Len() int { return len(m.ch) }

func (m *Mailbox) Cap() int { return cap(m.ch) }

// Completion is the result handed to a pending call: the matching packet, or
// the error that ended the connection.
type Completion struct {
	Packet *protocol.Packet
	Err    error
}

// Pending is the completion handle for one in-flight call.
type Pending struct {
	seq  string
	typ  protocol.Type
	done chan Completion // buffered (1) so Dispatch never blocks on a slow waiter
	d    *Dispatcher
}

func (p *Pending) Sequence() string { return p.seq }

func (p *Pending) Done() <-chan Completion { return p.done }

// Cancel deregisters the handle. A response arriving afterwards is discarded.
func (p *Pending) Cancel() {
	p.d.pending.CompareAndDelete(p.seq, p)
}

// Dispatcher owns the mailboxes and the pending handles of one connection.
type Dispatcher struct {
	size    int
	mu      sync.Mutex
	boxes   map[protocol.Type]*Mailbox
	pending sync.Map // map[string]*Pending
}

// New creates a dispatcher whose mailboxes hold size packets each.
// A size of zero or less selects DefaultMailboxSize.
func New(size int) *Dispatcher {
	if size <= 0 {
		size = DefaultMailboxSize
	}
	return &Dispatcher{
		size:  size,
		boxes: make(map[protocol.Type]*Mailbox),
	}
}

// Mailbox returns the mailbox for typ, creating it on first use.
func (d *Dispatcher) Mailbox(typ protocol.Type) *Mailbox {
	d.mu.Lock()
	defer d.mu.Unlock()
	box, ok := d.boxes[typ]
	if !ok {
		box = newMailbox(d.size)
		d.boxes[typ] = box
	}
	return box
}

// Expect registers a completion handle for a response of type typ carrying
// seq. It must be called before the request is written, otherwise a fast
// response could be discarded as unmatched.
func (d *Dispatcher) Expect(typ protocol.Type, seq string) (*Pending, error) {
	p := &Pending{seq: seq, typ: typ, done: make(chan Completion, 1), d: d}
	if _, loaded := d.pending.LoadOrStore(seq, p); loaded {
		return nil, fmt.Errorf("%w: %s", ErrDuplicatePending, seq)
	}
	return p, nil
}

// Dispatch routes one packet. It never blocks.
func (d *Dispatcher) Dispatch(pkt *protocol.Packet) Outcome {
	if pkt.Sequence != "" {
		if v, ok := d.pending.Load(pkt.Sequence); ok {
			p := v.(*Pending)
			if p.typ == pkt.Type && d.pending.CompareAndDelete(pkt.Sequence, p) {
				p.done <- Completion{Packet: pkt}
				return Delivered
			}
		}
	}
	if pkt.Type.Correlated() {
		return Discarded
	}
	if err := d.Mailbox(pkt.Type).Push(pkt); err != nil {
		return Dropped
	}
	return Queued
}

// FailAll completes every pending handle with err and deregisters it.
func (d *Dispatcher) FailAll(err error) {
	d.pending.Range(func(key, value any) bool {
		p := value.(*Pending)
		if d.pending.CompareAndDelete(key, p) {
			p.done <- Completion{Err: err}
		}
		return true
	})
}

// PendingCount reports the number of calls currently waiting.
func (d *Dispatcher) PendingCount() int {
	n := 0
	d.pending.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
