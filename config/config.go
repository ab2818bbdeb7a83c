// Copyright (C) MongoDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package config loads topology settings from a TOML file, .env files and
// MONGOSDAM_* environment variables, and turns them into topology options.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/net/proxy"

	"github.com/ikmak/mongo-sdam/event"
	"github.com/ikmak/mongo-sdam/internal/logger"
	"github.com/ikmak/mongo-sdam/topology"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "MONGOSDAM_"

// MaxPoolSizeLimit is the largest pool max_size Validate accepts.
const MaxPoolSizeLimit = 10000

// Log sinks accepted in LogConfig.Sink.
const (
	SinkLogrus = "logrus"
	SinkZap    = "zap"
)

// Duration is a time.Duration read from strings such as "500ms" or "10s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", text)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the file format read by Load.
type Config struct {
	Seeds                  []string `toml:"seeds"`
	ReplicaSet             string   `toml:"replica_set"`
	Direct                 bool     `toml:"direct"`
	AppName                string   `toml:"app_name"`
	ServerSelectionTimeout Duration `toml:"server_selection_timeout"`
	LocalThreshold         Duration `toml:"local_threshold"`

	Heartbeat HeartbeatConfig `toml:"heartbeat"`
	Pool      PoolConfig      `toml:"pool"`
	Dial      DialConfig      `toml:"dial"`
	Log       LogConfig       `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

// HeartbeatConfig configures server monitoring.
type HeartbeatConfig struct {
	Interval    Duration `toml:"interval"`
	Timeout     Duration `toml:"timeout"`
	MinInterval Duration `toml:"min_interval"`
	// Mode is "auto", "stream" or "poll".
	Mode string `toml:"mode"`
}

// PoolConfig configures the connection pool of every server.
type PoolConfig struct {
	MaxSize          uint64   `toml:"max_size"`
	MinSize          uint64   `toml:"min_size"`
	MaxConnecting    uint64   `toml:"max_connecting"`
	MaxIdleTime      Duration `toml:"max_idle_time"`
	WaitQueueTimeout Duration `toml:"wait_queue_timeout"`
	MaintainInterval Duration `toml:"maintain_interval"`
}

// DialConfig configures how connections are established.
type DialConfig struct {
	ConnectTimeout Duration `toml:"connect_timeout"`
	Socks5Proxy    string   `toml:"socks5_proxy"`
	Socks5User     string   `toml:"socks5_user"`
	Socks5Password string   `toml:"socks5_password"`
}

// LogConfig selects the log sink and level.
type LogConfig struct {
	Level string `toml:"level"`
	Sink  string `toml:"sink"`
	// Path is "stderr", "stdout" or a file. Empty means stderr.
	Path string `toml:"path"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	Address   string `toml:"address"`
	Namespace string `toml:"namespace"`
}

// Default returns the configuration used for anything Load does not set.
func Default() *Config {
	return &Config{
		Seeds:                  []string{"localhost:27017"},
		ServerSelectionTimeout: Duration{30 * time.Second},
		LocalThreshold:         Duration{15 * time.Millisecond},
		Heartbeat: HeartbeatConfig{
			Interval:    Duration{10 * time.Second},
			Timeout:     Duration{10 * time.Second},
			MinInterval: Duration{500 * time.Millisecond},
			Mode:        topology.ServerMonitoringModeAuto,
		},
		Pool: PoolConfig{
			MaxSize:          100,
			MaxConnecting:    2,
			MaintainInterval: Duration{10 * time.Second},
		},
		Dial: DialConfig{
			ConnectTimeout: Duration{30 * time.Second},
		},
		Log: LogConfig{
			Level: "info",
			Sink:  SinkLogrus,
		},
		Metrics: MetricsConfig{
			Namespace: "mongosdam",
		},
	}
}

// Load reads the TOML file at path on top of Default, then applies variables
// from envFiles and finally from the process environment, which wins. An
// empty path skips the file.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse config file %s", path)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, errors.Errorf("unknown keys in config file %s: %v", path, undecoded)
		}
	}

	env := map[string]string{}
	if len(envFiles) > 0 {
		fileEnv, err := godotenv.Read(envFiles...)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read env files")
		}
		env = fileEnv
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(k, EnvPrefix) {
			env[k] = v
		}
	}

	if err := cfg.applyEnv(env); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv(env map[string]string) error {
	var err error
	str := func(name string, dst *string) {
		if v, ok := env[EnvPrefix+name]; ok {
			*dst = v
		}
	}
	dur := func(name string, dst *Duration) {
		if v, ok := env[EnvPrefix+name]; ok && err == nil {
			err = errors.Wrap(dst.UnmarshalText([]byte(v)), EnvPrefix+name)
		}
	}
	num := func(name string, dst *uint64) {
		if v, ok := env[EnvPrefix+name]; ok && err == nil {
			var n uint64
			n, err = strconv.ParseUint(v, 10, 64)
			err = errors.Wrap(err, EnvPrefix+name)
			*dst = n
		}
	}

	if v, ok := env[EnvPrefix+"SEEDS"]; ok {
		cfg.Seeds = splitList(v)
	}
	if v, ok := env[EnvPrefix+"DIRECT"]; ok {
		direct, perr := strconv.ParseBool(v)
		if perr != nil {
			return errors.Wrap(perr, EnvPrefix+"DIRECT")
		}
		cfg.Direct = direct
	}
	str("REPLICA_SET", &cfg.ReplicaSet)
	str("APP_NAME", &cfg.AppName)
	dur("SERVER_SELECTION_TIMEOUT", &cfg.ServerSelectionTimeout)
	dur("LOCAL_THRESHOLD", &cfg.LocalThreshold)

	dur("HEARTBEAT_INTERVAL", &cfg.Heartbeat.Interval)
	dur("HEARTBEAT_TIMEOUT", &cfg.Heartbeat.Timeout)
	dur("HEARTBEAT_MIN_INTERVAL", &cfg.Heartbeat.MinInterval)
	str("HEARTBEAT_MODE", &cfg.Heartbeat.Mode)

	num("MAX_POOL_SIZE", &cfg.Pool.MaxSize)
	num("MIN_POOL_SIZE", &cfg.Pool.MinSize)
	num("MAX_CONNECTING", &cfg.Pool.MaxConnecting)
	dur("MAX_IDLE_TIME", &cfg.Pool.MaxIdleTime)
	dur("WAIT_QUEUE_TIMEOUT", &cfg.Pool.WaitQueueTimeout)
	dur("MAINTAIN_INTERVAL", &cfg.Pool.MaintainInterval)

	dur("CONNECT_TIMEOUT", &cfg.Dial.ConnectTimeout)
	str("SOCKS5_PROXY", &cfg.Dial.Socks5Proxy)
	str("SOCKS5_USER", &cfg.Dial.Socks5User)
	str("SOCKS5_PASSWORD", &cfg.Dial.Socks5Password)

	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_SINK", &cfg.Log.Sink)
	str("LOG_PATH", &cfg.Log.Path)
	str("METRICS_ADDR", &cfg.Metrics.Address)

	return err
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate reports the first setting that cannot be used.
func (cfg *Config) Validate() error {
	switch {
	case len(cfg.Seeds) == 0:
		return errors.New("at least one seed is required")
	case cfg.Direct && len(cfg.Seeds) > 1:
		return errors.Errorf("a direct connection needs exactly one seed, got %d", len(cfg.Seeds))
	case cfg.Pool.MaxSize > MaxPoolSizeLimit:
		return errors.Errorf("pool max_size %d exceeds the limit of %d", cfg.Pool.MaxSize, MaxPoolSizeLimit)
	case cfg.Pool.MaxSize != 0 && cfg.Pool.MinSize > cfg.Pool.MaxSize:
		return errors.Errorf("pool min_size %d exceeds max_size %d", cfg.Pool.MinSize, cfg.Pool.MaxSize)
	case cfg.Heartbeat.Interval.Duration <= 0:
		return errors.New("heartbeat interval must be positive")
	case cfg.Heartbeat.MinInterval.Duration < 0:
		return errors.New("heartbeat min_interval must not be negative")
	case cfg.LocalThreshold.Duration < 0:
		return errors.New("local_threshold must not be negative")
	}

	switch cfg.Heartbeat.Mode {
	case "", topology.ServerMonitoringModeAuto, topology.ServerMonitoringModePoll, topology.ServerMonitoringModeStream:
	default:
		return errors.Errorf("unknown heartbeat mode %q", cfg.Heartbeat.Mode)
	}

	switch cfg.Log.Sink {
	case "", SinkLogrus, SinkZap:
	default:
		return errors.Errorf("unknown log sink %q", cfg.Log.Sink)
	}
	return nil
}

// NewLogger builds the logger described by cfg.Log. Every component logs at
// the configured level.
func (cfg *Config) NewLogger() (*logger.Logger, error) {
	levels := map[logger.Component]logger.Level{
		logger.ComponentAll: logger.ParseLevel(cfg.Log.Level),
	}

	switch cfg.Log.Sink {
	case SinkZap:
		path := cfg.Log.Path
		if path == "" {
			path = "stderr"
		}
		out, closeOut, err := zap.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to open log output %q", path)
		}
		zcfg := zap.NewProductionConfig()
		core := zapcore.NewCore(zapcore.NewJSONEncoder(zcfg.EncoderConfig), out, zap.NewAtomicLevelAt(zap.DebugLevel))
		zl := zap.New(core, zap.AddCaller())

		lg, err := logger.New(logger.NewZapSink(zl), levels)
		if err != nil {
			closeOut()
			return nil, err
		}
		lg.Closer = closeFunc(func() error {
			_ = zl.Sync()
			closeOut()
			return nil
		})
		return lg, nil
	default:
		var out *os.File
		switch cfg.Log.Path {
		case "", "stderr":
			return logger.New(nil, levels)
		case "stdout":
			out = os.Stdout
		default:
			f, err := os.OpenFile(cfg.Log.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o666)
			if err != nil {
				return nil, errors.Wrapf(err, "unable to open log file %q", cfg.Log.Path)
			}
			out = f
		}
		l := logrus.New()
		l.SetOutput(out)
		l.SetLevel(logrus.DebugLevel)

		lg, err := logger.New(logger.NewLogrusSink(l), levels)
		if err != nil {
			return nil, err
		}
		if out != os.Stdout {
			lg.Closer = out
		}
		return lg, nil
	}
}

type closeFunc func() error

func (f closeFunc) Close() error { return f() }

// TopologyOptions converts cfg into options for topology.NewConfig. The
// monitors and logger may be nil.
func (cfg *Config) TopologyOptions(
	lg *logger.Logger,
	serverMonitor *event.ServerMonitor,
	poolMonitor *event.PoolMonitor,
) []topology.Option {
	connOpts := []topology.ConnectionOption{
		topology.WithConnectTimeout(func(time.Duration) time.Duration { return cfg.Dial.ConnectTimeout.Duration }),
	}
	if cfg.Dial.Socks5Proxy != "" {
		var auth *proxy.Auth
		if cfg.Dial.Socks5User != "" {
			auth = &proxy.Auth{User: cfg.Dial.Socks5User, Password: cfg.Dial.Socks5Password}
		}
		connOpts = append(connOpts, topology.WithSocks5Proxy(cfg.Dial.Socks5Proxy, auth))
	}

	serverOpts := []topology.ServerOption{
		topology.WithServerAppName(func(string) string { return cfg.AppName }),
		topology.WithHeartbeatInterval(func(time.Duration) time.Duration { return cfg.Heartbeat.Interval.Duration }),
		topology.WithServerMonitoringMode(cfg.Heartbeat.Mode),
		topology.WithMaxConnections(func(uint64) uint64 { return cfg.Pool.MaxSize }),
		topology.WithMinConnections(func(uint64) uint64 { return cfg.Pool.MinSize }),
		topology.WithConnectionPoolMaxIdleTime(func(time.Duration) time.Duration { return cfg.Pool.MaxIdleTime.Duration }),
		topology.WithWaitQueueTimeout(func(time.Duration) time.Duration { return cfg.Pool.WaitQueueTimeout.Duration }),
		topology.WithConnectionOptions(func(opts ...topology.ConnectionOption) []topology.ConnectionOption {
			return append(opts, connOpts...)
		}),
	}
	if cfg.Heartbeat.Timeout.Duration > 0 {
		serverOpts = append(serverOpts,
			topology.WithHeartbeatTimeout(func(time.Duration) time.Duration { return cfg.Heartbeat.Timeout.Duration }))
	}
	if cfg.Heartbeat.MinInterval.Duration > 0 {
		serverOpts = append(serverOpts,
			topology.WithMinHeartbeatInterval(func(time.Duration) time.Duration { return cfg.Heartbeat.MinInterval.Duration }))
	}
	if cfg.Pool.MaxConnecting > 0 {
		serverOpts = append(serverOpts,
			topology.WithMaxConnecting(func(uint64) uint64 { return cfg.Pool.MaxConnecting }))
	}
	if cfg.Pool.MaintainInterval.Duration > 0 {
		serverOpts = append(serverOpts,
			topology.WithConnectionPoolMaintainInterval(func(time.Duration) time.Duration { return cfg.Pool.MaintainInterval.Duration }))
	}
	if poolMonitor != nil {
		serverOpts = append(serverOpts,
			topology.WithConnectionPoolMonitor(func(*event.PoolMonitor) *event.PoolMonitor { return poolMonitor }))
	}

	opts := []topology.Option{
		topology.WithSeedList(func(...string) []string { return cfg.Seeds }),
		topology.WithReplicaSetName(func(string) string { return cfg.ReplicaSet }),
		topology.WithServerSelectionTimeout(func(time.Duration) time.Duration { return cfg.ServerSelectionTimeout.Duration }),
		topology.WithLocalThreshold(func(time.Duration) time.Duration { return cfg.LocalThreshold.Duration }),
		topology.WithServerOptions(func(opts ...topology.ServerOption) []topology.ServerOption {
			return append(opts, serverOpts...)
		}),
	}
	if cfg.Direct {
		opts = append(opts, topology.WithMode(func(topology.MonitorMode) topology.MonitorMode { return topology.SingleMode }))
	}
	if serverMonitor != nil {
		opts = append(opts, topology.WithTopologyServerMonitor(func(*event.ServerMonitor) *event.ServerMonitor { return serverMonitor }))
	}
	if lg != nil {
		opts = append(opts, topology.WithLogger(func() *logger.Logger { return lg }))
	}
	return opts
}
