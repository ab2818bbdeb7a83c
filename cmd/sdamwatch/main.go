// Copyright (C) MongoDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// sdamwatch monitors a MongoDB deployment and selects servers from it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ikmak/mongo-sdam/config"
	"github.com/ikmak/mongo-sdam/event"
	"github.com/ikmak/mongo-sdam/internal/logger"
	"github.com/ikmak/mongo-sdam/topology"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// rootOptions holds the flags shared by every subcommand. Flags that are
// set override the config file and the environment.
type rootOptions struct {
	configPath string
	envFiles   []string
	seeds      []string
	replicaSet string
	direct     bool
	logLevel   string
	logSink    string
}

func newRootCmd() *cobra.Command {
	o := &rootOptions{}

	cmd := &cobra.Command{
		Use:          "sdamwatch <command> [flags]",
		Short:        "Watch a MongoDB deployment and select servers from it",
		SilenceUsage: true,
	}
	o.addFlags(cmd.PersistentFlags())

	cmd.AddCommand(newWatchCmd(o))
	cmd.AddCommand(newSelectCmd(o))
	return cmd
}

func (o *rootOptions) addFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&o.configPath, "config", "c", "", "path to a TOML config file")
	fs.StringSliceVar(&o.envFiles, "env-file", nil, "dotenv files with MONGOSDAM_* variables")
	fs.StringSliceVarP(&o.seeds, "seed", "s", nil, "seed host:port, may be repeated")
	fs.StringVar(&o.replicaSet, "replica-set", "", "required replica set name")
	fs.BoolVar(&o.direct, "direct", false, "connect to the single seed only")
	fs.StringVar(&o.logLevel, "log-level", "", "log level: off, info or debug")
	fs.StringVar(&o.logSink, "log-sink", "", "log sink: logrus or zap")
}

// load reads the configuration and applies the flags that were set on cmd.
func (o *rootOptions) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.configPath, o.envFiles...)
	if err != nil {
		return nil, err
	}

	fs := cmd.Flags()
	if fs.Changed("seed") {
		cfg.Seeds = o.seeds
	}
	if fs.Changed("replica-set") {
		cfg.ReplicaSet = o.replicaSet
	}
	if fs.Changed("direct") {
		cfg.Direct = o.direct
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if fs.Changed("log-sink") {
		cfg.Log.Sink = o.logSink
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// connect builds and connects a topology for cfg. The returned function
// disconnects it and closes the logger.
func connect(
	cfg *config.Config,
	serverMonitor *event.ServerMonitor,
	poolMonitor *event.PoolMonitor,
) (*topology.Topology, func(), error) {
	lg, err := cfg.NewLogger()
	if err != nil {
		return nil, nil, err
	}

	tcfg, err := topology.NewConfig(cfg.TopologyOptions(lg, serverMonitor, poolMonitor)...)
	if err != nil {
		_ = lg.Close()
		return nil, nil, err
	}
	topo, err := topology.New(tcfg)
	if err != nil {
		_ = lg.Close()
		return nil, nil, err
	}
	if err := topo.Connect(); err != nil {
		_ = lg.Close()
		return nil, nil, errors.Wrap(err, "failed to connect")
	}

	lg.Print(logger.LevelInfo, logger.ComponentTopology, "sdamwatch connected",
		logger.KeyTopologyID, topo.ID().Hex(),
		"seeds", fmt.Sprint(cfg.Seeds))

	return topo, func() {
		_ = topo.Disconnect(context.Background())
		_ = lg.Close()
	}, nil
}
