package client

import (
	"time"

	"channel-rpc/codec"
	"channel-rpc/middleware"
	"channel-rpc/transport"

	"github.com/rs/zerolog"
)

const (
	DefaultCallTimeout    = 10 * time.Second
	DefaultConnectTimeout = 5 * time.Second
	DefaultGroupID        = 1
)

// TLSConfig names the certificate files of a mutual-TLS channel. An empty
// CertFile disables the client certificate.
type TLSConfig struct {
	Enabled            bool
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

type options struct {
	callTimeout      time.Duration
	connectTimeout   time.Duration
	handshakeTimeout time.Duration
	mailboxSize      int
	groupID          int
	transport        transport.Config
	tls              TLSConfig
	codec            codec.Codec
	middlewares      []middleware.Middleware
	log              zerolog.Logger
}

func defaultOptions() options {
	return options{
		callTimeout:      DefaultCallTimeout,
		connectTimeout:   DefaultConnectTimeout,
		handshakeTimeout: DefaultConnectTimeout,
		groupID:          DefaultGroupID,
		transport:        transport.DefaultConfig(),
		codec:            &codec.JSONCodec{},
		log:              zerolog.Nop(),
	}
}

type Option func(*options)

// WithCallTimeout bounds each Call from the moment its frame is written.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) { o.callTimeout = d }
}

func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) { o.connectTimeout = d }
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) { o.handshakeTimeout = d }
}

// WithMailboxSize sets the capacity of each per-type mailbox.
func WithMailboxSize(n int) Option {
	return func(o *options) { o.mailboxSize = n }
}

// WithGroupID sets the ledger group passed by BlockNumber.
func WithGroupID(id int) Option {
	return func(o *options) { o.groupID = id }
}

func WithTransportConfig(cfg transport.Config) Option {
	return func(o *options) { o.transport = cfg }
}

func WithTLS(cfg TLSConfig) Option {
	return func(o *options) { o.tls = cfg }
}

func WithCodec(c codec.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithMiddleware appends to the call chain. The first middleware added runs
// first.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, mws...) }
}

func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}
