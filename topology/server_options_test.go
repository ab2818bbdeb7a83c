// Copyright (C) MongoDB, Inc. 2023-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewServerConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := newServerConfig()

		assert.Equal(t, defaultHeartbeatInterval, cfg.heartbeatInterval)
		assert.Equal(t, defaultHeartbeatTimeout, cfg.heartbeatTimeout)
		assert.Equal(t, 500*time.Millisecond, cfg.minHeartbeatInterval)
		assert.Equal(t, ServerMonitoringModeAuto, cfg.serverMonitoringMode)
		assert.Equal(t, uint64(100), cfg.maxConns)
		assert.Equal(t, uint64(0), cfg.minConns)
		assert.Equal(t, uint64(defaultMaxConnecting), cfg.maxConnecting)
	})
	t.Run("nil options are skipped", func(t *testing.T) {
		cfg := newServerConfig(nil, WithServerMonitoringMode(ServerMonitoringModePoll), nil)
		assert.Equal(t, ServerMonitoringModePoll, cfg.serverMonitoringMode)
	})
	t.Run("minPoolSize must not exceed maxPoolSize", func(t *testing.T) {
		assert.Panics(t, func() {
			newServerConfig(
				WithMaxConnections(func(uint64) uint64 { return 1 }),
				WithMinConnections(func(uint64) uint64 { return 2 }),
			)
		})
		assert.NotPanics(t, func() {
			newServerConfig(
				WithMaxConnections(func(uint64) uint64 { return 0 }),
				WithMinConnections(func(uint64) uint64 { return 2 }),
			)
		}, "expected an unlimited pool to accept any minimum")
	})
}
