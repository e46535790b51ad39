package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"channel-rpc/client"
	"channel-rpc/config"
	"channel-rpc/registry"
	"channel-rpc/server"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

func startMock(t *testing.T) (host string, port int) {
	t.Helper()
	ln, err := server.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ledger := &mockLedger{group: 1}
	ledger.height.Store(26)
	svr := server.NewServer()
	if err := svr.Register(ledger); err != nil {
		t.Fatal(err)
	}
	go svr.Serve(ln)
	t.Cleanup(func() { svr.Shutdown(time.Second) })

	h, p, _ := net.SplitHostPort(ln.Addr().String())
	port, _ = strconv.Atoi(p)
	return h, port
}

func execute(t *testing.T, a *app, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(a)
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func memoryApp(reg registry.Registry) *app {
	a := newApp()
	a.openRegistry = func(config.Registry) (registry.Registry, func() error, error) {
		return reg, func() error { return nil }, nil
	}
	return a
}

func TestCallCommand(t *testing.T) {
	host, port := startMock(t)
	out, err := execute(t, newApp(), "call", "getBlockNumber", "1", "--host", host, "--port", strconv.Itoa(port))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var res map[string]any
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("output is not json: %v\n%s", err, out)
	}
	if res["result"] != "0x1a" {
		t.Fatalf("unexpected result %v", res)
	}
}

func TestCallCommandRemoteError(t *testing.T) {
	host, port := startMock(t)
	_, err := execute(t, newApp(), "call", "getBlockNumber", "2", "--host", host, "--port", strconv.Itoa(port))
	if err == nil || !strings.Contains(err.Error(), "node unreachable") {
		t.Fatalf("expect node unreachable, got %v", err)
	}
}

func TestBlockNumberYAML(t *testing.T) {
	host, port := startMock(t)
	out, err := execute(t, newApp(), "block-number", "-o", "yaml", "--host", host, "--port", strconv.Itoa(port))
	if err != nil {
		t.Fatalf("block-number: %v", err)
	}
	var res struct {
		Group       int    `yaml:"group"`
		BlockNumber uint64 `yaml:"blockNumber"`
	}
	if err := yaml.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("output is not yaml: %v\n%s", err, out)
	}
	if res.Group != 1 || res.BlockNumber != 26 {
		t.Fatalf("unexpected output %+v", res)
	}
}

func TestConfigFileAndDiscovery(t *testing.T) {
	host, port := startMock(t)
	reg := registry.NewMemoryRegistry()
	reg.Register(context.Background(), registry.NodeInstance{Addr: net.JoinHostPort(host, strconv.Itoa(port)), Group: "7"}, 10)

	path := filepath.Join(t.TempDir(), "channel.toml")
	data := "[channel]\ncall_timeout = \"2s\"\n[registry]\ngroup = \"7\"\nbalancer = \"weighted-random\"\n[log]\nlevel = \"error\"\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, memoryApp(reg), "block-number", "--config", path, "--discover")
	if err != nil {
		t.Fatalf("block-number via discovery: %v", err)
	}
	if !strings.Contains(out, `"blockNumber": 26`) {
		t.Fatalf("unexpected output %s", out)
	}
}

func TestNodesCommands(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	a := memoryApp(reg)

	if _, err := execute(t, a, "nodes", "register", "10.0.0.1:20200", "--group", "1", "--weight", "3"); err != nil {
		t.Fatalf("register: %v", err)
	}
	out, err := execute(t, memoryApp(reg), "nodes", "list", "--group", "1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var listed []registry.NodeInstance
	if err := json.Unmarshal([]byte(out), &listed); err != nil {
		t.Fatalf("list output: %v\n%s", err, out)
	}
	if len(listed) != 1 || listed[0].Addr != "10.0.0.1:20200" || listed[0].Weight != 3 {
		t.Fatalf("unexpected listing %+v", listed)
	}

	if _, err := execute(t, memoryApp(reg), "nodes", "deregister", "10.0.0.1:20200", "--group", "1"); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if left, _ := reg.Discover(context.Background(), "1"); len(left) != 0 {
		t.Fatalf("expect empty group, got %v", left)
	}
}

func TestRejectsBadFlags(t *testing.T) {
	if _, err := execute(t, newApp(), "block-number", "-o", "table"); err == nil {
		t.Fatal("expect unknown output format error")
	}
	if _, err := execute(t, newApp(), "call"); err == nil {
		t.Fatal("expect missing method error")
	}
	if _, err := execute(t, newApp(), "nodes", "list"); err == nil || !strings.Contains(err.Error(), "registry.endpoints") {
		t.Fatalf("expect unconfigured registry error, got %v", err)
	}
}

func TestParseParams(t *testing.T) {
	got := parseParams([]string{"1", `"0x1a"`, "true", "latest", `{"a":1}`})
	want := []any{float64(1), "0x1a", true, "latest", map[string]any{"a": float64(1)}}
	b1, _ := json.Marshal(got)
	b2, _ := json.Marshal(want)
	if string(b1) != string(b2) {
		t.Fatalf("got %s want %s", b1, b2)
	}
}

func TestRunMockNode(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	a := newApp()
	a.cfg = config.DefaultConfig()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- a.runMockNode(ctx, mockNodeFlags{listen: addr, blockInterval: 10 * time.Millisecond, startHeight: 5})
	}()

	host, p, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(p)
	var c *client.Client
	deadline := time.Now().Add(2 * time.Second)
	for {
		c, err = client.Connect(context.Background(), host, port, client.WithLogger(zerolog.Nop()))
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("mock node never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	defer c.Close()

	n, err := c.BlockNumber(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n < 5 {
		t.Fatalf("expect height >= 5, got %d", n)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("mock node returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("mock node did not stop")
	}
}
