package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"channel-rpc/logging"
	"channel-rpc/message"
	"channel-rpc/middleware"
	"channel-rpc/observability"
	"channel-rpc/protocol"
	"channel-rpc/registry"
	"channel-rpc/server"

	"github.com/spf13/cobra"
)

type mockNodeFlags struct {
	listen        string
	advertise     string
	admin         string
	register      bool
	certFile      string
	keyFile       string
	caFile        string
	blockInterval time.Duration
	startHeight   uint64
}

// mockLedger is the canned method set served by mock-node.
type mockLedger struct {
	group  int
	height atomic.Uint64
}

func (l *mockLedger) GetBlockNumber(ctx context.Context, params []json.RawMessage) (any, error) {
	if err := l.checkGroup(params); err != nil {
		return nil, err
	}
	return "0x" + strconv.FormatUint(l.height.Load(), 16), nil
}

func (l *mockLedger) GetClientVersion(ctx context.Context, params []json.RawMessage) (any, error) {
	return map[string]any{"Build Type": "mock", "Chain Id": "1", "Version": "channel-rpc mock node"}, nil
}

func (l *mockLedger) GetPendingTxSize(ctx context.Context, params []json.RawMessage) (any, error) {
	if err := l.checkGroup(params); err != nil {
		return nil, err
	}
	return "0x0", nil
}

// checkGroup answers requests for another group the way a node that does
// not host it would.
func (l *mockLedger) checkGroup(params []json.RawMessage) error {
	if len(params) == 0 {
		return nil
	}
	var group int
	if err := json.Unmarshal(params[0], &group); err == nil && group != l.group {
		return server.Fail(message.CodeNodeUnreachable)
	}
	return nil
}

func newMockNodeCmd(a *app) *cobra.Command {
	var f mockNodeFlags
	cmd := &cobra.Command{
		Use:   "mock-node",
		Short: "Run a mock ledger node speaking the channel protocol",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runMockNode(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&f.listen, "listen", "127.0.0.1:20200", "channel listen address")
	cmd.Flags().StringVar(&f.advertise, "advertise", "", "address registered in the registry (default: --listen)")
	cmd.Flags().StringVar(&f.admin, "admin", "", "admin HTTP address serving /metrics and /healthz (overrides admin.addr)")
	cmd.Flags().BoolVar(&f.register, "register", false, "register the node in the etcd registry")
	cmd.Flags().StringVar(&f.certFile, "cert", "", "node TLS certificate")
	cmd.Flags().StringVar(&f.keyFile, "key", "", "node TLS key")
	cmd.Flags().StringVar(&f.caFile, "ca", "", "chain CA; when set, SDK certificates are required")
	cmd.Flags().DurationVar(&f.blockInterval, "block-interval", time.Second, "how often a block is produced and announced (0 disables)")
	cmd.Flags().Uint64Var(&f.startHeight, "height", 0, "initial block height")
	return cmd
}

func (a *app) runMockNode(ctx context.Context, f mockNodeFlags) error {
	log := logging.New("mock-node")
	opts := []server.Option{server.WithLogger(log)}
	if f.certFile != "" {
		tlsCfg, err := nodeTLSConfig(f)
		if err != nil {
			return err
		}
		opts = append(opts, server.WithTLS(tlsCfg))
	}

	ledger := &mockLedger{group: a.cfg.Channel.GroupID}
	ledger.height.Store(f.startHeight)

	svr := server.NewServer(opts...)
	if err := svr.Register(ledger); err != nil {
		return err
	}
	svr.Use(middleware.LoggingMiddleware(log))
	svr.Use(middleware.TimeOutMiddleware(a.cfg.Channel.CallTimeout))

	ln, err := server.Listen(f.listen)
	if err != nil {
		return err
	}

	if f.register {
		reg, closeReg, err := a.openRegistry(a.cfg.Registry)
		if err != nil {
			ln.Close()
			return err
		}
		defer closeReg()
		addr := f.advertise
		if addr == "" {
			addr = ln.Addr().String()
		}
		svr.Advertise(reg, registry.NodeInstance{Addr: addr, Group: a.cfg.Registry.Group, Weight: 1, Version: "mock"})
	}

	var healthy atomic.Bool
	adminAddr := f.admin
	if adminAddr == "" {
		adminAddr = a.cfg.Admin.Addr
	}
	if adminAddr != "" {
		admin := &http.Server{Addr: adminAddr, Handler: observability.AdminHandler(healthy.Load), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("admin server failed")
			}
		}()
		defer admin.Close()
		log.Info().Str("addr", adminAddr).Msg("admin endpoint listening")
	}

	if f.blockInterval > 0 {
		go produceBlocks(ctx, svr, ledger, f.blockInterval)
	}

	errc := make(chan error, 1)
	go func() { errc <- svr.Serve(ln) }()
	healthy.Store(true)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	healthy.Store(false)
	if err := svr.Shutdown(5 * time.Second); err != nil {
		return err
	}
	return <-errc
}

// produceBlocks bumps the height and pushes "group,height" block notifies to
// every connected SDK.
func produceBlocks(ctx context.Context, svr *server.Server, l *mockLedger, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h := l.height.Add(1)
			svr.Broadcast(protocol.TypeBlockNumberPush, []byte(fmt.Sprintf("%d,%d", l.group, h)))
		}
	}
}

func nodeTLSConfig(f mockNodeFlags) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(f.certFile, f.keyFile)
	if err != nil {
		return nil, fmt.Errorf("load node certificate: %w", err)
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, Certificates: []tls.Certificate{cert}}
	if f.caFile != "" {
		caPEM, err := os.ReadFile(f.caFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("parse chain ca: %s", f.caFile)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}
