// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"fmt"
	"time"

	"github.com/ikmak/mongo-sdam/address"
	"github.com/ikmak/mongo-sdam/event"
	"github.com/ikmak/mongo-sdam/internal/logger"
	"github.com/ikmak/mongo-sdam/operation"
)

// Server monitoring modes.
const (
	// ServerMonitoringModeAuto streams heartbeats when the server supports
	// it and polls otherwise.
	ServerMonitoringModeAuto = "auto"

	// ServerMonitoringModePoll always polls.
	ServerMonitoringModePoll = "poll"

	// ServerMonitoringModeStream streams heartbeats when the server supports
	// it.
	ServerMonitoringModeStream = "stream"
)

const (
	defaultHeartbeatInterval = 10 * time.Second
	defaultHeartbeatTimeout  = 10 * time.Second
	defaultMaxConns          = uint64(100)

	// minHeartbeatInterval is the shortest time allowed between two checks
	// of the same server.
	minHeartbeatInterval = 500 * time.Millisecond
)

type serverConfig struct {
	appname              string
	connectionOpts       []ConnectionOption
	heartbeatInterval    time.Duration
	heartbeatTimeout     time.Duration
	minHeartbeatInterval time.Duration
	serverMonitoringMode string
	serverMonitor        *event.ServerMonitor
	maxConns             uint64
	minConns             uint64
	maxConnecting        uint64
	poolMonitor          *event.PoolMonitor
	logger               *logger.Logger
	poolMaxIdleTime      time.Duration
	poolMaintainInterval time.Duration
	waitQueueTimeout     time.Duration
}

func newServerConfig(opts ...ServerOption) *serverConfig {
	cfg := &serverConfig{
		heartbeatInterval:    defaultHeartbeatInterval,
		heartbeatTimeout:     defaultHeartbeatTimeout,
		minHeartbeatInterval: minHeartbeatInterval,
		serverMonitoringMode: ServerMonitoringModeAuto,
		maxConns:             defaultMaxConns,
		maxConnecting:        defaultMaxConnecting,
		poolMaintainInterval: defaultMaintainInterval,
	}

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(cfg)
	}

	if cfg.maxConns != 0 && cfg.minConns > cfg.maxConns {
		panic(fmt.Sprintf("minPoolSize %d must not exceed maxPoolSize %d", cfg.minConns, cfg.maxConns))
	}

	return cfg
}

// ServerOption configures a server.
type ServerOption func(*serverConfig)

// WithConnectionOptions configures the server's connections.
func WithConnectionOptions(fn func(...ConnectionOption) []ConnectionOption) ServerOption {
	return func(cfg *serverConfig) {
		cfg.connectionOpts = fn(cfg.connectionOpts...)
	}
}

// WithServerAppName configures the server's application name sent in the
// handshake metadata.
func WithServerAppName(fn func(string) string) ServerOption {
	return func(cfg *serverConfig) {
		cfg.appname = fn(cfg.appname)
	}
}

// WithHeartbeatInterval configures a server's heartbeat interval.
func WithHeartbeatInterval(fn func(time.Duration) time.Duration) ServerOption {
	return func(cfg *serverConfig) {
		cfg.heartbeatInterval = fn(cfg.heartbeatInterval)
	}
}

// WithHeartbeatTimeout configures how long to wait for a heartbeat socket to
// connect and for a polling heartbeat to return.
func WithHeartbeatTimeout(fn func(time.Duration) time.Duration) ServerOption {
	return func(cfg *serverConfig) {
		cfg.heartbeatTimeout = fn(cfg.heartbeatTimeout)
	}
}

// WithMinHeartbeatInterval configures the shortest time allowed between two
// checks of the same server. The default is 500ms.
func WithMinHeartbeatInterval(fn func(time.Duration) time.Duration) ServerOption {
	return func(cfg *serverConfig) {
		cfg.minHeartbeatInterval = fn(cfg.minHeartbeatInterval)
	}
}

// WithServerMonitoringMode configures how heartbeats are sent: "auto",
// "stream" or "poll".
func WithServerMonitoringMode(mode string) ServerOption {
	return func(cfg *serverConfig) {
		if mode != "" {
			cfg.serverMonitoringMode = mode
		}
	}
}

// WithMaxConnections configures the maximum number of connections to allow
// for a given server. If max is 0, then maximum connection pool size is not
// enforced.
func WithMaxConnections(fn func(uint64) uint64) ServerOption {
	return func(cfg *serverConfig) {
		cfg.maxConns = fn(cfg.maxConns)
	}
}

// WithMinConnections configures the minimum number of connections to allow
// for a given server. If min is 0, then there is no lower limit to the
// number of connections.
func WithMinConnections(fn func(uint64) uint64) ServerOption {
	return func(cfg *serverConfig) {
		cfg.minConns = fn(cfg.minConns)
	}
}

// WithMaxConnecting configures the maximum number of connections a
// connection pool may establish simultaneously. If maxConnecting is 0, the
// default value of 2 is used.
func WithMaxConnecting(fn func(uint64) uint64) ServerOption {
	return func(cfg *serverConfig) {
		cfg.maxConnecting = fn(cfg.maxConnecting)
	}
}

// WithConnectionPoolMaxIdleTime configures the maximum time that a connection
// can remain idle in the connection pool before being removed. If
// connectionPoolMaxIdleTime is 0, then no idle time is set and connections
// will not be expired due to idleness.
func WithConnectionPoolMaxIdleTime(fn func(time.Duration) time.Duration) ServerOption {
	return func(cfg *serverConfig) {
		cfg.poolMaxIdleTime = fn(cfg.poolMaxIdleTime)
	}
}

// WithConnectionPoolMaintainInterval configures the interval that the
// background connection pool maintenance goroutine runs.
func WithConnectionPoolMaintainInterval(fn func(time.Duration) time.Duration) ServerOption {
	return func(cfg *serverConfig) {
		cfg.poolMaintainInterval = fn(cfg.poolMaintainInterval)
	}
}

// WithWaitQueueTimeout bounds how long a check-out waits for a connection.
// Zero leaves only the caller's context deadline in effect.
func WithWaitQueueTimeout(fn func(time.Duration) time.Duration) ServerOption {
	return func(cfg *serverConfig) {
		cfg.waitQueueTimeout = fn(cfg.waitQueueTimeout)
	}
}

// WithConnectionPoolMonitor configures the monitor for all connection pool
// actions.
func WithConnectionPoolMonitor(fn func(*event.PoolMonitor) *event.PoolMonitor) ServerOption {
	return func(cfg *serverConfig) {
		cfg.poolMonitor = fn(cfg.poolMonitor)
	}
}

// WithServerMonitor configures the monitor for all SDAM events for a server.
func WithServerMonitor(fn func(*event.ServerMonitor) *event.ServerMonitor) ServerOption {
	return func(cfg *serverConfig) {
		cfg.serverMonitor = fn(cfg.serverMonitor)
	}
}

// WithServerLogger configures the logger for the server and its pool.
func WithServerLogger(fn func() *logger.Logger) ServerOption {
	return func(cfg *serverConfig) {
		cfg.logger = fn()
	}
}

// helloHandshaker runs a fresh hello on every new connection. A Hello keeps
// the reply it read, so one is never shared between connections.
type helloHandshaker struct {
	appName string
}

var _ Handshaker = helloHandshaker{}

func (h helloHandshaker) GetHandshakeInformation(
	ctx context.Context,
	addr address.Address,
	conn operation.Conn,
) (operation.HandshakeInformation, error) {
	return operation.NewHello().AppName(h.appName).GetHandshakeInformation(ctx, addr, conn)
}

func (h helloHandshaker) FinishHandshake(ctx context.Context, conn operation.Conn) error {
	return operation.NewHello().FinishHandshake(ctx, conn)
}
