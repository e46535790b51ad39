package main

import (
	"fmt"
	"time"

	"channel-rpc/client"
	"channel-rpc/config"
	"channel-rpc/loadbalance"
	"channel-rpc/logging"
	"channel-rpc/middleware"
	"channel-rpc/registry"
	"channel-rpc/transport"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// app holds what PersistentPreRunE resolves for the subcommands.
type app struct {
	cfgFile      string
	outputFormat string
	host         string
	port         int
	timeout      time.Duration
	discover     bool

	cfg       config.Config
	formatter Formatter
	log       zerolog.Logger

	// openRegistry is replaced in tests.
	openRegistry func(cfg config.Registry) (registry.Registry, func() error, error)
}

func newApp() *app {
	return &app{openRegistry: openEtcdRegistry}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "channelctl",
		Short: "Ledger node channel protocol client",
		Long: `channelctl speaks the length-prefixed binary channel protocol to a ledger
node: it performs JSON-RPC calls, reads the block height, manages the node
directory in etcd and can run a mock node for local testing.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "TOML config file")
	root.PersistentFlags().StringVarP(&a.outputFormat, "output", "o", "json", "output format: json, yaml")
	root.PersistentFlags().StringVar(&a.host, "host", "", "node host (overrides channel.host)")
	root.PersistentFlags().IntVar(&a.port, "port", 0, "node channel port (overrides channel.port)")
	root.PersistentFlags().DurationVar(&a.timeout, "timeout", 0, "call timeout (overrides channel.call_timeout)")
	root.PersistentFlags().BoolVar(&a.discover, "discover", false, "pick the node from the registry instead of --host/--port")

	root.AddCommand(newCallCmd(a), newBlockNumberCmd(a), newNodesCmd(a), newMockNodeCmd(a))
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg := config.DefaultConfig()
	if a.cfgFile != "" {
		var err error
		if cfg, err = config.Load(a.cfgFile); err != nil {
			return err
		}
	}
	if a.host != "" {
		cfg.Channel.Host = a.host
	}
	if a.port != 0 {
		cfg.Channel.Port = a.port
	}
	if a.timeout != 0 {
		cfg.Channel.CallTimeout = a.timeout
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	f, err := NewFormatter(a.outputFormat)
	if err != nil {
		return err
	}

	logCfg := logging.Config{NoColor: true, JSON: cfg.Log.JSON, Out: cmd.ErrOrStderr()}
	if lvl, ok := logging.ParseLevel(cfg.Log.Level); ok {
		logCfg.Level = lvl
	} else {
		return fmt.Errorf("invalid log.level %q", cfg.Log.Level)
	}
	logging.Apply(logCfg)

	a.cfg = cfg
	a.formatter = f
	a.log = logging.New("channelctl")
	return nil
}

// clientOptions turns the resolved config into client options.
func (a *app) clientOptions() []client.Option {
	c := a.cfg.Channel
	tc := transport.DefaultConfig()
	tc.HeartbeatInterval = c.HeartbeatInterval
	tc.Reader = transport.ReaderConfig{
		ReadBufferSize: a.cfg.Reader.ReadBufferSize,
		PollTimeout:    a.cfg.Reader.PollTimeout,
		IdlePause:      a.cfg.Reader.IdlePause,
		ErrorPause:     a.cfg.Reader.ErrorPause,
	}

	mws := []middleware.Middleware{
		middleware.LoggingMiddleware(logging.New("client")),
		middleware.MetricsMiddleware(),
	}
	if a.cfg.Limits.Rate > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(a.cfg.Limits.Rate, a.cfg.Limits.Burst))
	}

	return []client.Option{
		client.WithCallTimeout(c.CallTimeout),
		client.WithConnectTimeout(c.ConnectTimeout),
		client.WithHandshakeTimeout(c.ConnectTimeout),
		client.WithMailboxSize(c.MailboxSize),
		client.WithGroupID(c.GroupID),
		client.WithTransportConfig(tc),
		client.WithTLS(client.TLSConfig{
			Enabled:    c.TLS.Enabled,
			CAFile:     c.TLS.CAFile,
			CertFile:   c.TLS.CertFile,
			KeyFile:    c.TLS.KeyFile,
			ServerName: c.TLS.ServerName,
		}),
		client.WithMiddleware(mws...),
		client.WithLogger(logging.New("client")),
	}
}

func (a *app) connect(cmd *cobra.Command) (*client.Client, error) {
	if !a.discover {
		return client.Connect(cmd.Context(), a.cfg.Channel.Host, a.cfg.Channel.Port, a.clientOptions()...)
	}
	bal, err := loadbalance.New(a.cfg.Registry.Balancer, a.cfg.Registry.HashKey)
	if err != nil {
		return nil, err
	}
	reg, closeReg, err := a.openRegistry(a.cfg.Registry)
	if err != nil {
		return nil, err
	}
	defer closeReg()
	return client.ConnectDiscovered(cmd.Context(), reg, bal, a.cfg.Registry.Group, a.clientOptions()...)
}

func openEtcdRegistry(cfg config.Registry) (registry.Registry, func() error, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, nil, fmt.Errorf("registry.endpoints is not configured")
	}
	reg, err := registry.NewEtcdRegistry(cfg.Endpoints, cfg.DialTimeout)
	if err != nil {
		return nil, nil, err
	}
	return reg, reg.Close, nil
}
