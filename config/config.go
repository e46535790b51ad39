// Package config loads channelctl settings from a TOML file on top of
// built-in defaults. Keys missing from the file keep their default.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the resolved configuration.
type Config struct {
	Channel  Channel
	Reader   Reader
	Registry Registry
	Limits   Limits
	Log      Log
	Admin    Admin
}

type Channel struct {
	Host              string
	Port              int
	GroupID           int
	CallTimeout       time.Duration
	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	MailboxSize       int
	TLS               TLS
}

type TLS struct {
	Enabled    bool
	CAFile     string
	CertFile   string
	KeyFile    string
	ServerName string
}

type Reader struct {
	ReadBufferSize int
	PollTimeout    time.Duration
	IdlePause      time.Duration
	ErrorPause     time.Duration
}

type Registry struct {
	Endpoints   []string
	DialTimeout time.Duration
	Group       string
	Balancer    string
	HashKey     string
}

// Limits configures the client-side call limiter. A zero Rate disables it.
type Limits struct {
	Rate  float64
	Burst int
}

type Log struct {
	Level string
	JSON  bool
}

type Admin struct {
	Addr string
}

func DefaultConfig() Config {
	return Config{
		Channel: Channel{
			Host:              "127.0.0.1",
			Port:              20200,
			GroupID:           1,
			CallTimeout:       10 * time.Second,
			ConnectTimeout:    5 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			MailboxSize:       100,
		},
		Reader: Reader{
			ReadBufferSize: 10 * 1024,
			PollTimeout:    500 * time.Millisecond,
			IdlePause:      100 * time.Millisecond,
			ErrorPause:     time.Second,
		},
		Registry: Registry{
			DialTimeout: 3 * time.Second,
			Group:       "1",
			Balancer:    "round-robin",
		},
		Limits: Limits{Burst: 10},
		Log:    Log{Level: "info"},
	}
}

type fileConfig struct {
	Channel struct {
		Host              string `toml:"host"`
		Port              int    `toml:"port"`
		GroupID           int    `toml:"group_id"`
		CallTimeout       string `toml:"call_timeout"`
		ConnectTimeout    string `toml:"connect_timeout"`
		HeartbeatInterval string `toml:"heartbeat_interval"`
		MailboxSize       int    `toml:"mailbox_size"`
		TLS               struct {
			Enabled    bool   `toml:"enabled"`
			CAFile     string `toml:"ca_file"`
			CertFile   string `toml:"cert_file"`
			KeyFile    string `toml:"key_file"`
			ServerName string `toml:"server_name"`
		} `toml:"tls"`
	} `toml:"channel"`
	Reader struct {
		ReadBufferSize int    `toml:"read_buffer_size"`
		PollTimeout    string `toml:"poll_timeout"`
		IdlePause      string `toml:"idle_pause"`
		ErrorPause     string `toml:"error_pause"`
	} `toml:"reader"`
	Registry struct {
		Endpoints   []string `toml:"endpoints"`
		DialTimeout string   `toml:"dial_timeout"`
		Group       string   `toml:"group"`
		Balancer    string   `toml:"balancer"`
		HashKey     string   `toml:"hash_key"`
	} `toml:"registry"`
	Limits struct {
		Rate  float64 `toml:"rate"`
		Burst int     `toml:"burst"`
	} `toml:"limits"`
	Log struct {
		Level string `toml:"level"`
		JSON  bool   `toml:"json"`
	} `toml:"log"`
	Admin struct {
		Addr string `toml:"addr"`
	} `toml:"admin"`
}

// Load reads path over DefaultConfig and validates the result.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return resolve(raw, meta)
}

// Parse is Load for TOML held in memory.
func Parse(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return resolve(raw, meta)
}

func resolve(raw fileConfig, meta toml.MetaData) (Config, error) {
	cfg := DefaultConfig()
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config: unknown key %s", undecoded[0])
	}

	var errs []error
	str := func(dst *string, v string, key ...string) {
		if meta.IsDefined(key...) {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(dst *int, v int, key ...string) {
		if meta.IsDefined(key...) {
			*dst = v
		}
	}
	dur := func(dst *time.Duration, v string, key ...string) {
		if !meta.IsDefined(key...) {
			return
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("parse %s: %w", strings.Join(key, "."), err))
			return
		}
		*dst = d
	}

	ch := &raw.Channel
	str(&cfg.Channel.Host, ch.Host, "channel", "host")
	num(&cfg.Channel.Port, ch.Port, "channel", "port")
	num(&cfg.Channel.GroupID, ch.GroupID, "channel", "group_id")
	dur(&cfg.Channel.CallTimeout, ch.CallTimeout, "channel", "call_timeout")
	dur(&cfg.Channel.ConnectTimeout, ch.ConnectTimeout, "channel", "connect_timeout")
	dur(&cfg.Channel.HeartbeatInterval, ch.HeartbeatInterval, "channel", "heartbeat_interval")
	num(&cfg.Channel.MailboxSize, ch.MailboxSize, "channel", "mailbox_size")
	if meta.IsDefined("channel", "tls", "enabled") {
		cfg.Channel.TLS.Enabled = ch.TLS.Enabled
	}
	str(&cfg.Channel.TLS.CAFile, ch.TLS.CAFile, "channel", "tls", "ca_file")
	str(&cfg.Channel.TLS.CertFile, ch.TLS.CertFile, "channel", "tls", "cert_file")
	str(&cfg.Channel.TLS.KeyFile, ch.TLS.KeyFile, "channel", "tls", "key_file")
	str(&cfg.Channel.TLS.ServerName, ch.TLS.ServerName, "channel", "tls", "server_name")

	rd := &raw.Reader
	num(&cfg.Reader.ReadBufferSize, rd.ReadBufferSize, "reader", "read_buffer_size")
	dur(&cfg.Reader.PollTimeout, rd.PollTimeout, "reader", "poll_timeout")
	dur(&cfg.Reader.IdlePause, rd.IdlePause, "reader", "idle_pause")
	dur(&cfg.Reader.ErrorPause, rd.ErrorPause, "reader", "error_pause")

	rg := &raw.Registry
	if meta.IsDefined("registry", "endpoints") {
		cfg.Registry.Endpoints = normalizeList(rg.Endpoints)
	}
	dur(&cfg.Registry.DialTimeout, rg.DialTimeout, "registry", "dial_timeout")
	str(&cfg.Registry.Group, rg.Group, "registry", "group")
	str(&cfg.Registry.Balancer, rg.Balancer, "registry", "balancer")
	str(&cfg.Registry.HashKey, rg.HashKey, "registry", "hash_key")

	if meta.IsDefined("limits", "rate") {
		cfg.Limits.Rate = raw.Limits.Rate
	}
	num(&cfg.Limits.Burst, raw.Limits.Burst, "limits", "burst")

	str(&cfg.Log.Level, raw.Log.Level, "log", "level")
	if meta.IsDefined("log", "json") {
		cfg.Log.JSON = raw.Log.JSON
	}
	str(&cfg.Admin.Addr, raw.Admin.Addr, "admin", "addr")

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the client cannot run with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Channel.Host) == "" {
		errs = append(errs, errors.New("channel.host is required"))
	}
	if c.Channel.Port <= 0 || c.Channel.Port > 65535 {
		errs = append(errs, fmt.Errorf("channel.port %d out of range", c.Channel.Port))
	}
	if c.Channel.CallTimeout <= 0 {
		errs = append(errs, errors.New("channel.call_timeout must be positive"))
	}
	if c.Channel.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("channel.connect_timeout must be positive"))
	}
	if c.Channel.HeartbeatInterval < 0 {
		errs = append(errs, errors.New("channel.heartbeat_interval must not be negative"))
	}
	if c.Channel.MailboxSize <= 0 {
		errs = append(errs, errors.New("channel.mailbox_size must be positive"))
	}
	if tls := c.Channel.TLS; tls.Enabled && (tls.CertFile == "") != (tls.KeyFile == "") {
		errs = append(errs, errors.New("channel.tls: cert_file and key_file must be set together"))
	}
	if c.Reader.ReadBufferSize <= 0 {
		errs = append(errs, errors.New("reader.read_buffer_size must be positive"))
	}
	if c.Reader.IdlePause <= 0 || c.Reader.ErrorPause <= 0 {
		errs = append(errs, errors.New("reader pauses must be positive"))
	}
	if c.Limits.Rate < 0 {
		errs = append(errs, errors.New("limits.rate must not be negative"))
	}
	if c.Limits.Rate > 0 && c.Limits.Burst <= 0 {
		errs = append(errs, errors.New("limits.burst must be positive when limits.rate is set"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
