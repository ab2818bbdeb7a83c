// Copyright (C) MongoDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikmak/mongo-sdam/event"
	"github.com/ikmak/mongo-sdam/internal/logger"
	"github.com/ikmak/mongo-sdam/topology"
)

const sampleConfig = `
seeds = ["db1.example.com:27017", "db2.example.com:27018"]
replica_set = "rs0"
app_name = "sdamwatch"
server_selection_timeout = "5s"

[heartbeat]
interval = "2s"
mode = "poll"

[pool]
max_size = 10
min_size = 2
wait_queue_timeout = "250ms"

[log]
level = "debug"
sink = "zap"
`

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)

		if diff := cmp.Diff(Default(), cfg); diff != "" {
			t.Errorf("expected defaults (-want +got):\n%s", diff)
		}
	})
	t.Run("file", func(t *testing.T) {
		cfg, err := Load(writeFile(t, "sdam.toml", sampleConfig))
		require.NoError(t, err)

		want := Default()
		want.Seeds = []string{"db1.example.com:27017", "db2.example.com:27018"}
		want.ReplicaSet = "rs0"
		want.AppName = "sdamwatch"
		want.ServerSelectionTimeout = Duration{5 * time.Second}
		want.Heartbeat.Interval = Duration{2 * time.Second}
		want.Heartbeat.Mode = topology.ServerMonitoringModePoll
		want.Pool.MaxSize = 10
		want.Pool.MinSize = 2
		want.Pool.WaitQueueTimeout = Duration{250 * time.Millisecond}
		want.Log.Level = "debug"
		want.Log.Sink = SinkZap

		if diff := cmp.Diff(want, cfg); diff != "" {
			t.Errorf("unexpected config (-want +got):\n%s", diff)
		}
	})
	t.Run("environment overrides the file", func(t *testing.T) {
		envFile := writeFile(t, ".env", "MONGOSDAM_REPLICA_SET=fromfile\nMONGOSDAM_MAX_POOL_SIZE=20\n")
		t.Setenv("MONGOSDAM_REPLICA_SET", "fromenv")
		t.Setenv("MONGOSDAM_SEEDS", "a:1, b:2,")
		t.Setenv("MONGOSDAM_WAIT_QUEUE_TIMEOUT", "1s")
		t.Setenv("MONGOSDAM_HEARTBEAT_MIN_INTERVAL", "250ms")
		t.Setenv("MONGOSDAM_MAINTAIN_INTERVAL", "30s")

		cfg, err := Load(writeFile(t, "sdam.toml", sampleConfig), envFile)
		require.NoError(t, err)

		assert.Equal(t, "fromenv", cfg.ReplicaSet, "expected the process environment to win over .env files")
		assert.Equal(t, uint64(20), cfg.Pool.MaxSize, "expected .env files to win over the config file")
		assert.Equal(t, []string{"a:1", "b:2"}, cfg.Seeds)
		assert.Equal(t, time.Second, cfg.Pool.WaitQueueTimeout.Duration)
		assert.Equal(t, 250*time.Millisecond, cfg.Heartbeat.MinInterval.Duration)
		assert.Equal(t, 30*time.Second, cfg.Pool.MaintainInterval.Duration)
	})
	t.Run("errors", func(t *testing.T) {
		testCases := []struct {
			name string
			file string
			env  map[string]string
		}{
			{name: "unknown key", file: "seedz = [\"a\"]\n"},
			{name: "bad duration", file: "[heartbeat]\ninterval = \"soon\"\n"},
			{name: "bad syntax", file: "seeds = [\n"},
			{name: "bad env duration", env: map[string]string{"MONGOSDAM_HEARTBEAT_INTERVAL": "x"}},
			{name: "bad env number", env: map[string]string{"MONGOSDAM_MAX_POOL_SIZE": "-1"}},
			{name: "bad env bool", env: map[string]string{"MONGOSDAM_DIRECT": "maybe"}},
			{name: "invalid result", env: map[string]string{"MONGOSDAM_SEEDS": " , "}},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				for k, v := range tc.env {
					t.Setenv(k, v)
				}
				path := ""
				if tc.file != "" {
					path = writeFile(t, "sdam.toml", tc.file)
				}

				_, err := Load(path)
				assert.Error(t, err)
			})
		}
	})
	t.Run("missing env file", func(t *testing.T) {
		_, err := Load("", filepath.Join(t.TempDir(), "missing.env"))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(*Config)
		valid  bool
	}{
		{"default", func(*Config) {}, true},
		{"no seeds", func(c *Config) { c.Seeds = nil }, false},
		{"direct with many seeds", func(c *Config) { c.Direct = true; c.Seeds = []string{"a", "b"} }, false},
		{"direct with one seed", func(c *Config) { c.Direct = true }, true},
		{"min over max", func(c *Config) { c.Pool.MinSize = 200 }, false},
		{"min with unlimited max", func(c *Config) { c.Pool.MaxSize = 0; c.Pool.MinSize = 200 }, true},
		{"max at the limit", func(c *Config) { c.Pool.MaxSize = MaxPoolSizeLimit }, true},
		{"max over the limit", func(c *Config) { c.Pool.MaxSize = MaxPoolSizeLimit + 1 }, false},
		{"zero heartbeat", func(c *Config) { c.Heartbeat.Interval = Duration{} }, false},
		{"negative min heartbeat", func(c *Config) { c.Heartbeat.MinInterval = Duration{-time.Second} }, false},
		{"negative threshold", func(c *Config) { c.LocalThreshold = Duration{-time.Second} }, false},
		{"stream mode", func(c *Config) { c.Heartbeat.Mode = topology.ServerMonitoringModeStream }, true},
		{"unknown mode", func(c *Config) { c.Heartbeat.Mode = "push" }, false},
		{"unknown sink", func(c *Config) { c.Log.Sink = "syslog" }, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.modify(cfg)

			err := cfg.Validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestTopologyOptions(t *testing.T) {
	cfg := Default()
	cfg.Seeds = []string{"db1:27017"}
	cfg.ReplicaSet = "rs0"
	cfg.Direct = true
	cfg.ServerSelectionTimeout = Duration{time.Second}
	cfg.LocalThreshold = Duration{time.Millisecond}
	cfg.Dial.Socks5Proxy = "localhost:1080"
	cfg.Dial.Socks5User = "user"

	lg, err := logger.New(logger.NewLogrusSink(logrus.New()), nil)
	require.NoError(t, err)
	serverMonitor := &event.ServerMonitor{}
	poolMonitor := &event.PoolMonitor{}

	tcfg, err := topology.NewConfig(cfg.TopologyOptions(lg, serverMonitor, poolMonitor)...)
	require.NoError(t, err)

	assert.Equal(t, []string{"db1:27017"}, tcfg.SeedList)
	assert.Equal(t, "rs0", tcfg.ReplicaSetName)
	assert.Equal(t, topology.SingleMode, tcfg.Mode)
	assert.Equal(t, time.Second, tcfg.ServerSelectionTimeout)
	assert.Equal(t, time.Millisecond, tcfg.LocalThreshold)
	assert.Same(t, serverMonitor, tcfg.ServerMonitor)
	assert.Same(t, lg, tcfg.Logger)
	assert.NotEmpty(t, tcfg.ServerOpts)

	_, err = topology.New(tcfg)
	require.NoError(t, err)
}

func TestNewLogger(t *testing.T) {
	t.Run("logrus file", func(t *testing.T) {
		cfg := Default()
		cfg.Log.Level = "debug"
		cfg.Log.Path = filepath.Join(t.TempDir(), "sdam.log")

		lg, err := cfg.NewLogger()
		require.NoError(t, err)
		assert.True(t, lg.LevelComponentEnabled(logger.LevelDebug, logger.ComponentTopology))

		lg.Print(logger.LevelInfo, logger.ComponentTopology, "hello", "key", "value")
		contents, err := os.ReadFile(cfg.Log.Path)
		require.NoError(t, err)
		assert.Contains(t, string(contents), "hello")

		require.NotNil(t, lg.Closer, "expected the log file to be owned by the logger")
		require.NoError(t, lg.Close())
		f, ok := lg.Closer.(*os.File)
		require.True(t, ok)
		_, err = f.WriteString("after close")
		assert.Error(t, err, "expected Close to close the log file")
	})
	t.Run("logrus stdout is not closed", func(t *testing.T) {
		cfg := Default()
		cfg.Log.Path = "stdout"

		lg, err := cfg.NewLogger()
		require.NoError(t, err)
		assert.Nil(t, lg.Closer)
		assert.NoError(t, lg.Close())
	})
	t.Run("zap", func(t *testing.T) {
		cfg := Default()
		cfg.Log.Sink = SinkZap
		cfg.Log.Path = filepath.Join(t.TempDir(), "sdam.log")

		lg, err := cfg.NewLogger()
		require.NoError(t, err)
		assert.IsType(t, &logger.ZapSink{}, lg.Sink)
		assert.True(t, lg.LevelComponentEnabled(logger.LevelInfo, logger.ComponentConnection))
		assert.False(t, lg.LevelComponentEnabled(logger.LevelDebug, logger.ComponentConnection))

		lg.Print(logger.LevelInfo, logger.ComponentConnection, "hello", "key", "value")
		require.NoError(t, lg.Close())
		contents, err := os.ReadFile(cfg.Log.Path)
		require.NoError(t, err)
		assert.Contains(t, string(contents), `"msg":"hello"`)
	})
	t.Run("zap bad path", func(t *testing.T) {
		cfg := Default()
		cfg.Log.Sink = SinkZap
		cfg.Log.Path = filepath.Join(t.TempDir(), "missing", "sdam.log")

		_, err := cfg.NewLogger()
		assert.Error(t, err)
	})
	t.Run("default sink", func(t *testing.T) {
		cfg := Default()
		cfg.Log.Level = "off"

		lg, err := cfg.NewLogger()
		require.NoError(t, err)
		assert.IsType(t, &logger.LogrusSink{}, lg.Sink)
		assert.False(t, lg.LevelComponentEnabled(logger.LevelInfo, logger.ComponentTopology))
	})
}
