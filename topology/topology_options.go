// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"time"

	"github.com/pkg/errors"

	"github.com/ikmak/mongo-sdam/event"
	"github.com/ikmak/mongo-sdam/internal/logger"
	"github.com/ikmak/mongo-sdam/internal/serverselector"
)

const defaultServerSelectionTimeout = 30 * time.Second
const defaultLocalThreshold = 15 * time.Millisecond

// Config is used to construct a topology.
type Config struct {
	Mode                   MonitorMode
	ReplicaSetName         string
	SeedList               []string
	ServerOpts             []ServerOption
	ServerSelectionTimeout time.Duration
	LocalThreshold         time.Duration
	ServerMonitor          *event.ServerMonitor
	Logger                 *logger.Logger

	// StalenessEstimator is used for max staleness filtering by
	// SelectServerFor. When nil the lastWrite based estimate is used.
	StalenessEstimator serverselector.StalenessEstimator
}

// Option is a configuration option for a topology.
type Option func(*Config) error

// NewConfig will translate data from the options into a Config.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		SeedList:               []string{"localhost:27017"},
		ServerSelectionTimeout: defaultServerSelectionTimeout,
		LocalThreshold:         defaultLocalThreshold,
	}

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.Mode == SingleMode && len(cfg.SeedList) > 1 {
		return nil, errors.Errorf("a direct connection cannot be made if multiple hosts are specified, got %d", len(cfg.SeedList))
	}

	return cfg, nil
}

// WithMode configures the topology's monitor mode.
func WithMode(fn func(MonitorMode) MonitorMode) Option {
	return func(cfg *Config) error {
		cfg.Mode = fn(cfg.Mode)
		return nil
	}
}

// WithReplicaSetName configures the topology's default replica set name.
func WithReplicaSetName(fn func(string) string) Option {
	return func(cfg *Config) error {
		cfg.ReplicaSetName = fn(cfg.ReplicaSetName)
		return nil
	}
}

// WithSeedList configures a topology's seed list.
func WithSeedList(fn func(...string) []string) Option {
	return func(cfg *Config) error {
		cfg.SeedList = fn(cfg.SeedList...)
		if len(cfg.SeedList) == 0 {
			return errors.New("seed list must not be empty")
		}
		return nil
	}
}

// WithServerOptions configures a topology's server options for when a new
// server needs to be created.
func WithServerOptions(fn func(...ServerOption) []ServerOption) Option {
	return func(cfg *Config) error {
		cfg.ServerOpts = fn(cfg.ServerOpts...)
		return nil
	}
}

// WithServerSelectionTimeout configures a topology's server selection
// timeout. A server selection timeout of 0 means there is no timeout for
// server selection.
func WithServerSelectionTimeout(fn func(time.Duration) time.Duration) Option {
	return func(cfg *Config) error {
		cfg.ServerSelectionTimeout = fn(cfg.ServerSelectionTimeout)
		return nil
	}
}

// WithLocalThreshold configures the width of the latency window used by
// SelectServerFor.
func WithLocalThreshold(fn func(time.Duration) time.Duration) Option {
	return func(cfg *Config) error {
		cfg.LocalThreshold = fn(cfg.LocalThreshold)
		if cfg.LocalThreshold < 0 {
			return errors.Errorf("local threshold must not be negative, got %s", cfg.LocalThreshold)
		}
		return nil
	}
}

// WithTopologyServerMonitor configures the monitor for all SDAM events.
func WithTopologyServerMonitor(fn func(*event.ServerMonitor) *event.ServerMonitor) Option {
	return func(cfg *Config) error {
		cfg.ServerMonitor = fn(cfg.ServerMonitor)
		return nil
	}
}

// WithLogger configures the logger used by the topology, its servers and
// their pools.
func WithLogger(fn func() *logger.Logger) Option {
	return func(cfg *Config) error {
		cfg.Logger = fn()
		return nil
	}
}

// WithStalenessEstimator replaces the estimate used for max staleness
// filtering.
func WithStalenessEstimator(fn func(serverselector.StalenessEstimator) serverselector.StalenessEstimator) Option {
	return func(cfg *Config) error {
		cfg.StalenessEstimator = fn(cfg.StalenessEstimator)
		return nil
	}
}
