// Package server is a ledger node's channel endpoint: it accepts channel
// connections, serves JSON-RPC methods carried in RPC frames and can push
// notification frames to every connected SDK. Tests and the mock node in
// channelctl run it; a real deployment talks to an actual ledger node.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → RPC frame: go handleRequest (parallel processing)
//	    → Codec.Decode → Middleware Chain → method → Codec.Encode → write response frame
//	  → AMOP request: go handleAMOP → write AMOP response frame
//	  → heartbeat: ignored
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"channel-rpc/codec"
	"channel-rpc/message"
	"channel-rpc/middleware"
	"channel-rpc/observability"
	"channel-rpc/protocol"
	"channel-rpc/registry"

	"github.com/rs/zerolog"
)

var ErrServerClosed = errors.New("server: closed")

// CodeError makes the node answer with a nonzero result code and no body.
type CodeError struct {
	Code int32
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("result code %d: %s", e.Code, message.CodeText(e.Code))
}

// Fail returns an error that is answered with result code code.
func Fail(code int32) error {
	return &CodeError{Code: code}
}

// AMOPHandler answers an AMOP request payload.
type AMOPHandler func(ctx context.Context, payload []byte) ([]byte, error)

type Option func(*Server)

// WithTLS makes Serve wrap its listener in TLS.
func WithTLS(cfg *tls.Config) Option {
	return func(s *Server) { s.tlsConfig = cfg }
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) { s.log = log }
}

func WithCodec(c codec.Codec) Option {
	return func(s *Server) { s.codec = c }
}

// WithAMOP installs the handler for AMOP request frames. Without one, AMOP
// requests are answered with CodeSDKUnreachable.
func WithAMOP(h AMOPHandler) Option {
	return func(s *Server) { s.amop = h }
}

// Server is a channel node endpoint.
type Server struct {
	mu          sync.RWMutex
	methods     map[string]Method
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(businessHandler)))

	codec     codec.Codec
	tlsConfig *tls.Config
	amop      AMOPHandler
	log       zerolog.Logger

	listener net.Listener
	wg       sync.WaitGroup // in-flight requests, for graceful shutdown
	connWG   sync.WaitGroup
	shutdown atomic.Bool
	served   atomic.Int64

	connMu sync.Mutex
	conns  map[*nodeConn]struct{}

	registry  registry.Registry // nil when not using discovery
	instance  registry.NodeInstance
	regCancel context.CancelFunc
}

type nodeConn struct {
	conn    net.Conn
	writeMu sync.Mutex // per-connection, shared by all request goroutines
}

func (c *nodeConn) write(p *protocol.Packet) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteFrame(c.conn, p)
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		methods: make(map[string]Method),
		codec:   &codec.JSONCodec{},
		conns:   make(map[*nodeConn]struct{}),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle registers fn under name, replacing any previous method.
func (s *Server) Handle(name string, fn Method) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[name] = fn
}

// Register registers every exported method of rcvr that has the Method
// signature, under its lower-camel name.
func (s *Server) Register(rcvr any) error {
	methods, err := serviceMethods(rcvr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, fn := range methods {
		s.methods[name] = fn
	}
	return nil
}

// Use registers a middleware. Middlewares run in the order they are added.
// Call Use before Serve.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Advertise makes Serve register inst in reg, and Shutdown deregister it.
// inst.Addr must be routable, unlike a listen address such as ":20200".
func (s *Server) Advertise(reg registry.Registry, inst registry.NodeInstance) {
	s.registry = reg
	s.instance = inst
}

// Listen opens a TCP listener on address for Serve.
func Listen(address string) (net.Listener, error) {
	return net.Listen("tcp", address)
}

// Serve accepts connections on ln until Shutdown. It returns nil after a
// graceful shutdown.
func (s *Server) Serve(ln net.Listener) error {
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	s.mu.Lock()
	s.listener = ln
	// Build the chain once at startup, not per request.
	s.handler = middleware.Chain(s.middlewares...)(s.businessHandler)
	s.mu.Unlock()

	if s.registry != nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.regCancel = cancel
		// TTL = 10 seconds, KeepAlive renews while ctx lives.
		if err := s.registry.Register(ctx, s.instance, 10); err != nil {
			cancel()
			return fmt.Errorf("server: register %s: %w", s.instance.Addr, err)
		}
	}
	s.log.Info().Str("addr", ln.Addr().String()).Bool("tls", s.tlsConfig != nil).Msg("node listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			// Shutdown closes the listener; that Accept error is expected.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.connWG.Add(1)
		go s.handleConn(conn)
	}
}

// Addr returns the listener address once Serve has started, or nil.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Served reports how many RPC requests have been answered.
func (s *Server) Served() int64 {
	return s.served.Load()
}

// Broadcast pushes an uncorrelated frame (a block-number notify, a topic
// report) to every connected SDK. It returns the number of connections the
// frame reached.
func (s *Server) Broadcast(typ protocol.Type, payload []byte) int {
	s.connMu.Lock()
	conns := make([]*nodeConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connMu.Unlock()

	sent := 0
	for _, c := range conns {
		if err := c.write(&protocol.Packet{Type: typ, Payload: payload}); err != nil {
			s.log.Debug().Err(err).Str("peer", c.conn.RemoteAddr().String()).Msg("broadcast failed")
			continue
		}
		sent++
	}
	return sent
}

// handleConn reads frames sequentially (one reader per connection) and serves
// each request on its own goroutine, so a slow method does not hold up the
// rest of the connection.
func (s *Server) handleConn(conn net.Conn) {
	defer s.connWG.Done()
	nc := &nodeConn{conn: conn}
	s.connMu.Lock()
	s.conns[nc] = struct{}{}
	s.connMu.Unlock()
	defer func() {
		s.connMu.Lock()
		delete(s.conns, nc)
		s.connMu.Unlock()
		conn.Close()
	}()

	peer := conn.RemoteAddr().String()
	s.log.Debug().Str("peer", peer).Msg("sdk connected")
	for {
		pkt, err := protocol.ReadFrame(conn)
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedFrame) {
				s.log.Warn().Str("peer", peer).Err(err).Msg("malformed frame, closing connection")
			} else {
				s.log.Debug().Str("peer", peer).Err(err).Msg("sdk disconnected")
			}
			return
		}

		switch pkt.Type {
		case protocol.TypeHeartbeat:
			// Heartbeats exist only to keep the connection alive.
		case protocol.TypeRPC:
			s.wg.Add(1)
			go s.handleRequest(nc, pkt)
		case protocol.TypeAMOPRequest:
			s.wg.Add(1)
			go s.handleAMOP(nc, pkt)
		default:
			s.log.Debug().Str("peer", peer).Str("type", pkt.Type.String()).Msg("ignoring frame")
		}
	}
}

// handleRequest answers one RPC frame: decode → middleware → method → encode
// → write. The response frame carries the request's sequence; that is the
// only thing the client matches on.
func (s *Server) handleRequest(nc *nodeConn, pkt *protocol.Packet) {
	defer s.wg.Done()

	var req message.Request
	var resp *message.Response
	if err := s.codec.Decode(pkt.Payload, &req); err != nil {
		resp = s.errorResponse(0, message.ErrCodeParse, err.Error())
	} else {
		s.mu.RLock()
		handler := s.handler
		s.mu.RUnlock()
		var herr error
		resp, herr = handler(context.Background(), &req)
		if herr != nil {
			resp = s.errorResponse(req.ID, message.ErrCodeInternal, herr.Error())
		}
	}

	observability.NodeRequests.WithLabelValues(req.Method, strconv.Itoa(int(resp.Code))).Inc()
	s.served.Add(1)

	reply := &protocol.Packet{Type: protocol.TypeRPC, Sequence: pkt.Sequence, Result: resp.Code, Payload: resp.Payload}
	if err := nc.write(reply); err != nil {
		s.log.Debug().Err(err).Str("method", req.Method).Msg("write response failed")
	}
}

func (s *Server) handleAMOP(nc *nodeConn, pkt *protocol.Packet) {
	defer s.wg.Done()

	reply := &protocol.Packet{Type: protocol.TypeAMOPResponse, Sequence: pkt.Sequence}
	if s.amop == nil {
		reply.Result = message.CodeSDKUnreachable
	} else {
		out, err := s.amop(context.Background(), pkt.Payload)
		var ce *CodeError
		switch {
		case errors.As(err, &ce):
			reply.Result = ce.Code
		case err != nil:
			reply.Result = message.CodeSDKUnreachable
		default:
			reply.Payload = out
		}
	}
	if err := nc.write(reply); err != nil {
		s.log.Debug().Err(err).Msg("write amop response failed")
	}
}

// businessHandler looks up and runs the method. It is wrapped by the
// middleware chain.
func (s *Server) businessHandler(ctx context.Context, req *message.Request) (*message.Response, error) {
	s.mu.RLock()
	fn, ok := s.methods[req.Method]
	s.mu.RUnlock()
	if !ok {
		return s.errorResponse(req.ID, message.ErrCodeMethodNotFound, "method not found: "+req.Method), nil
	}

	result, err := fn(ctx, req.Params)
	var ce *CodeError
	if errors.As(err, &ce) {
		return &message.Response{Code: ce.Code}, nil
	}
	if err != nil {
		return s.errorResponse(req.ID, message.ErrCodeInternal, err.Error()), nil
	}

	body, err := s.codec.Encode(&message.Reply{JSONRPC: message.Version, ID: req.ID, Result: result})
	if err != nil {
		return nil, fmt.Errorf("server: encode %s result: %w", req.Method, err)
	}
	return &message.Response{Code: message.CodeSuccess, Payload: body}, nil
}

func (s *Server) errorResponse(id int64, code int, msg string) *message.Response {
	body, err := json.Marshal(&message.ErrorReply{
		JSONRPC: message.Version,
		ID:      id,
		Error:   &message.RPCError{Code: code, Message: msg},
	})
	if err != nil {
		return &message.Response{Code: message.CodeSDKUnreachable}
	}
	return &message.Response{Code: message.CodeSuccess, Payload: body}
}

// Shutdown performs graceful shutdown:
//  1. Deregister from the registry (clients stop picking this node)
//  2. Set the shutdown flag (so the Accept error is recognized as intentional)
//  3. Close the listener
//  4. Wait for in-flight requests to finish (with timeout)
//  5. Close the remaining connections
func (s *Server) Shutdown(timeout time.Duration) error {
	if s.shutdown.Load() {
		return ErrServerClosed
	}
	if s.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := s.registry.Deregister(ctx, s.instance.Group, s.instance.Addr); err != nil {
			s.log.Warn().Err(err).Msg("deregister failed")
		}
		cancel()
		if s.regCancel != nil {
			s.regCancel()
		}
	}

	// Set the flag BEFORE closing the listener, otherwise Serve may see the
	// Accept error first and report it.
	if !s.shutdown.CompareAndSwap(false, true) {
		return ErrServerClosed
	}
	s.mu.RLock()
	ln := s.listener
	s.mu.RUnlock()
	if ln != nil {
		ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("server: timeout waiting for ongoing requests to finish")
	}

	s.connMu.Lock()
	for c := range s.conns {
		c.conn.Close()
	}
	s.connMu.Unlock()
	s.connWG.Wait()
	s.log.Info().Int64("served", s.served.Load()).Msg("node stopped")
	return err
}
