// Package client is the SDK side of a channel connection: a synchronous Call
// on top of the asynchronous, multiplexed frame stream.
//
// Each Call registers a completion handle for a fresh frame sequence, writes
// its request frame and waits for the Reader to deliver the response carrying
// that sequence. The JSON-RPC id in the body is a separate per-client counter
// and plays no part in matching.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"channel-rpc/dispatch"
	"channel-rpc/loadbalance"
	"channel-rpc/logging"
	"channel-rpc/message"
	"channel-rpc/middleware"
	"channel-rpc/protocol"
	"channel-rpc/registry"
	"channel-rpc/transport"

	"github.com/rs/zerolog"
)

// errWaitTimeout is internal: the terminal handler turns it into a
// CodeTimeout response so middleware sees timeouts as result codes.
var errWaitTimeout = errors.New("client: no response before deadline")

// Client is one channel connection to a ledger node. It is safe for
// concurrent use.
type Client struct {
	transport *transport.ClientTransport
	disp      *dispatch.Dispatcher
	nextID    atomic.Int64
	handler   middleware.HandlerFunc
	opts      options
	log       zerolog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Connect dials host:port, completes the TLS handshake when configured and
// starts the background reader.
func Connect(ctx context.Context, host string, port int, opts ...Option) (*Client, error) {
	o := buildOptions(opts)
	return connectAddr(ctx, net.JoinHostPort(host, strconv.Itoa(port)), o)
}

// ConnectDiscovered looks up the channel endpoints of group in reg, lets bal
// pick one and connects to it. A failed connect is returned as is; picking
// another node is up to the caller.
func ConnectDiscovered(ctx context.Context, reg registry.Registry, bal loadbalance.Balancer, group string, opts ...Option) (*Client, error) {
	instances, err := reg.Discover(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("%w: discover group %s: %w", ErrTransport, group, err)
	}
	inst, err := bal.Pick(instances)
	if err != nil {
		return nil, fmt.Errorf("%w: pick node for group %s: %w", ErrTransport, group, err)
	}
	o := buildOptions(opts)
	o.log.Debug().Str("group", group).Str("addr", inst.Addr).Str("balancer", bal.Name()).Msg("node picked")
	return connectAddr(ctx, inst.Addr, o)
}

// NewClient wraps an already established, already secured stream.
func NewClient(conn net.Conn, opts ...Option) *Client {
	return newClient(conn, buildOptions(opts))
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	o.log = logging.New("client")
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func connectAddr(ctx context.Context, addr string, o options) (*Client, error) {
	conn, err := dial(ctx, addr, &o)
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %w", ErrTransport, addr, err)
	}
	o.log.Info().Str("addr", addr).Bool("tls", o.tls.Enabled).Msg("connected")
	return newClient(conn, o), nil
}

func newClient(conn net.Conn, o options) *Client {
	disp := dispatch.New(o.mailboxSize)
	c := &Client{
		disp: disp,
		opts: o,
		log:  o.log,
	}
	c.transport = transport.NewClientTransport(conn, disp, o.transport, o.log)
	c.handler = middleware.Chain(o.middlewares...)(c.roundTrip)
	return c
}

// Call performs one JSON-RPC call and waits for its response.
//
// On result code 0 the body is decoded; a value that is not an object with a
// top-level "result" key is returned wrapped as {"result": value}. A nonzero
// code is returned as a *RemoteError, and a call that sees no response within
// the call timeout fails with ErrTimeout.
func (c *Client) Call(ctx context.Context, method string, params []any) (map[string]any, error) {
	id := c.nextID.Add(1) - 1
	req, err := message.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	resp, err := c.handler(ctx, req)
	if err != nil {
		return nil, err
	}
	return c.decodeResult(method, resp)
}

// roundTrip is the innermost handler of the call chain.
func (c *Client) roundTrip(ctx context.Context, req *message.Request) (*message.Response, error) {
	body, err := c.opts.codec.Encode(req)
	if err != nil {
		return nil, fmt.Errorf("client: encode %s: %w", req.Method, err)
	}
	pkt, err := c.request(ctx, protocol.TypeRPC, protocol.TypeRPC, body)
	if errors.Is(err, errWaitTimeout) {
		return &message.Response{Code: message.CodeTimeout}, nil
	}
	if err != nil {
		return nil, err
	}
	return &message.Response{Code: pkt.Result, Payload: pkt.Payload}, nil
}

// request sends one correlated frame and waits for the reply of type resp
// carrying the same sequence.
func (c *Client) request(ctx context.Context, typ, resp protocol.Type, body []byte) (*protocol.Packet, error) {
	if err := c.transport.Err(); err != nil {
		return nil, c.closeCause(err)
	}
	seq := protocol.NewSequence()
	pending, err := c.disp.Expect(resp, seq)
	if err != nil {
		return nil, err
	}
	if err := c.send(typ, seq, body); err != nil {
		pending.Cancel()
		return nil, err
	}

	timer := time.NewTimer(c.opts.callTimeout)
	defer timer.Stop()

	var waitErr error
	select {
	case comp := <-pending.Done():
		return c.complete(comp)
	case <-timer.C:
		waitErr = errWaitTimeout
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	pending.Cancel()
	// The reader may have claimed the handle just before Cancel.
	select {
	case comp := <-pending.Done():
		return c.complete(comp)
	default:
	}
	c.log.Debug().Str("seq", seq).Err(waitErr).Msg("stopped waiting")
	return nil, waitErr
}

func (c *Client) complete(comp dispatch.Completion) (*protocol.Packet, error) {
	if comp.Err != nil {
		return nil, c.closeCause(comp.Err)
	}
	return comp.Packet, nil
}

// send writes one frame. A failed write leaves an unknown part of the frame
// on the stream, so the connection is closed.
func (c *Client) send(typ protocol.Type, seq string, body []byte) error {
	err := c.transport.Send(typ, seq, body)
	if err == nil {
		return nil
	}
	if errors.Is(err, protocol.ErrFrameTooLarge) || errors.Is(err, protocol.ErrBadSequence) {
		return err
	}
	if cause := c.transport.Err(); cause != nil {
		return c.closeCause(cause)
	}
	werr := fmt.Errorf("%w: send: %w", ErrTransport, err)
	_ = c.transport.CloseWithError(werr)
	return werr
}

// closeCause maps why the transport closed to the client's error taxonomy.
func (c *Client) closeCause(err error) error {
	switch {
	case errors.Is(err, transport.ErrClosed):
		return ErrClosed
	case errors.Is(err, protocol.ErrMalformedFrame):
		return fmt.Errorf("%w: %w", ErrProtocolDecode, err)
	case errors.Is(err, ErrTransport):
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

func (c *Client) decodeResult(method string, resp *message.Response) (map[string]any, error) {
	if resp.Code != message.CodeSuccess {
		return nil, newRemoteError(resp.Code)
	}
	var v any
	if err := c.opts.codec.Decode(resp.Payload, &v); err != nil {
		return nil, fmt.Errorf("client: decode %s result: %w", method, err)
	}
	if m, ok := v.(map[string]any); ok {
		if _, has := m["result"]; has {
			return m, nil
		}
	}
	return map[string]any{"result": v}, nil
}

// BlockNumber asks the node for the latest block number of the configured
// group.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	res, err := c.Call(ctx, "getBlockNumber", []any{c.opts.groupID})
	if err != nil {
		return 0, err
	}
	return parseQuantity(res["result"])
}

// parseQuantity accepts the node's hex quantities ("0x1a") and plain numbers.
func parseQuantity(v any) (uint64, error) {
	switch n := v.(type) {
	case string:
		s := strings.TrimSpace(n)
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
			return strconv.ParseUint(s[2:], 16, 64)
		}
		return strconv.ParseUint(s, 10, 64)
	case float64:
		if n < 0 || n != float64(uint64(n)) {
			return 0, fmt.Errorf("client: not a block number: %v", n)
		}
		return uint64(n), nil
	}
	return 0, fmt.Errorf("client: unexpected block number %T", v)
}

// AMOP sends an AMOP request and waits for the matching AMOP response.
func (c *Client) AMOP(ctx context.Context, payload []byte) ([]byte, error) {
	pkt, err := c.request(ctx, protocol.TypeAMOPRequest, protocol.TypeAMOPResponse, payload)
	if errors.Is(err, errWaitTimeout) {
		return nil, ErrTimeout
	}
	if err != nil {
		return nil, err
	}
	if pkt.Result != message.CodeSuccess {
		return nil, newRemoteError(pkt.Result)
	}
	return pkt.Payload, nil
}

// Send writes a frame nobody waits a reply for. Heartbeats go without a
// sequence; every other type gets a fresh one.
func (c *Client) Send(ctx context.Context, typ protocol.Type, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.transport.Err(); err != nil {
		return c.closeCause(err)
	}
	seq := ""
	if typ != protocol.TypeHeartbeat {
		seq = protocol.NewSequence()
	}
	return c.send(typ, seq, payload)
}

// Receive returns the next queued packet of an uncorrelated type, such as a
// block-number notify or a transaction-committed callback. It waits until
// one arrives, ctx is done or the client closes.
func (c *Client) Receive(ctx context.Context, typ protocol.Type) (*protocol.Packet, error) {
	box := c.disp.Mailbox(typ)
	if p, ok := box.TryPop(); ok {
		return p, nil
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.transport.Done():
			cancel()
		case <-waitCtx.Done():
		}
	}()

	p, err := box.Pop(waitCtx)
	if err != nil && ctx.Err() == nil {
		return nil, c.closeCause(c.transport.Err())
	}
	return p, err
}

// Mailbox exposes the queue of an uncorrelated packet type.
func (c *Client) Mailbox(typ protocol.Type) *dispatch.Mailbox {
	return c.disp.Mailbox(typ)
}

// Done is closed when the connection closes, for any reason.
func (c *Client) Done() <-chan struct{} {
	return c.transport.Done()
}

// Err reports why the connection closed, or nil while it is open.
func (c *Client) Err() error {
	if err := c.transport.Err(); err != nil {
		return c.closeCause(err)
	}
	return nil
}

// Close stops the reader, closes the stream and fails in-flight calls with
// ErrClosed. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.transport.Close()
		c.log.Debug().Int64("calls", c.nextID.Load()).Msg("client closed")
	})
	return c.closeErr
}
