package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channel.toml")
	data := `
[channel]
host = " 10.0.0.5 "
port = 20201
call_timeout = "3s"

[channel.tls]
enabled = true
ca_file = "ca.crt"
cert_file = "sdk.crt"
key_file = "sdk.key"

[reader]
idle_pause = "50ms"

[registry]
endpoints = ["127.0.0.1:2379", " "]
balancer = "consistent-hash"

[limits]
rate = 20.5
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	want := DefaultConfig()
	want.Channel.Host = "10.0.0.5"
	want.Channel.Port = 20201
	want.Channel.CallTimeout = 3 * time.Second
	want.Channel.TLS = TLS{Enabled: true, CAFile: "ca.crt", CertFile: "sdk.crt", KeyFile: "sdk.key"}
	want.Reader.IdlePause = 50 * time.Millisecond
	want.Registry.Endpoints = []string{"127.0.0.1:2379"}
	want.Registry.Balancer = "consistent-hash"
	want.Limits.Rate = 20.5
	if !reflect.DeepEqual(cfg, want) {
		t.Fatalf("config mismatch:\ngot  %+v\nwant %+v", cfg, want)
	}
}

// Explicit zero values must win over defaults.
func TestLoadExplicitZero(t *testing.T) {
	cfg, err := Parse(`
[channel]
heartbeat_interval = "0s"
`)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Channel.HeartbeatInterval != 0 {
		t.Fatalf("expect heartbeats disabled, got %v", cfg.Channel.HeartbeatInterval)
	}
}

func TestLoadErrors(t *testing.T) {
	cases := map[string]string{
		"bad duration":  "[channel]\ncall_timeout = \"soon\"",
		"unknown key":   "[channel]\nhots = \"x\"",
		"bad port":      "[channel]\nport = 70000",
		"half tls pair": "[channel.tls]\nenabled = true\ncert_file = \"a.crt\"",
		"zero mailbox":  "[channel]\nmailbox_size = 0",
		"not toml":      "[channel",
	}
	for name, data := range cases {
		if _, err := Parse(data); err == nil {
			t.Fatalf("%s: expect error", name)
		}
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil || !strings.Contains(err.Error(), "load config") {
		t.Fatalf("expect load error, got %v", err)
	}
}
