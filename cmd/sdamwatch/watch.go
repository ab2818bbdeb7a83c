// Copyright (C) MongoDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ikmak/mongo-sdam/config"
	"github.com/ikmak/mongo-sdam/description"
	"github.com/ikmak/mongo-sdam/internal/metrics"
)

type watchOptions struct {
	format      string
	metricsAddr string
	count       int
}

func newWatchCmd(root *rootOptions) *cobra.Command {
	o := &watchOptions{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print every change of the topology description",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.Metrics.Address = o.metricsAddr
			}
			return o.run(cmd.Context(), cmd, cfg)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&o.format, "format", "f", formatText, "output format: text, json or pretty")
	fs.StringVar(&o.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	fs.IntVar(&o.count, "count", 0, "exit after printing this many descriptions, 0 to run until interrupted")
	return cmd
}

func (o *watchOptions) run(ctx context.Context, cmd *cobra.Command, cfg *config.Config) error {
	p, err := newPrinter(o.format, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	collector := metrics.New(cfg.Metrics.Namespace)
	reg := prometheus.NewRegistry()
	if err := reg.Register(collector); err != nil {
		return errors.Wrap(err, "failed to register metrics")
	}

	if cfg.Metrics.Address != "" {
		ln, err := net.Listen("tcp", cfg.Metrics.Address)
		if err != nil {
			return errors.Wrap(err, "failed to listen for metrics")
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		srv := &http.Server{Handler: mux}
		go func() { _ = srv.Serve(ln) }()
		defer srv.Close()
		fmt.Fprintf(cmd.ErrOrStderr(), "serving metrics on http://%s/metrics\n", ln.Addr())
	}

	topo, disconnect, err := connect(cfg, collector.ServerMonitor(nil), collector.PoolMonitor(nil))
	if err != nil {
		return err
	}
	defer disconnect()

	sub, err := topo.Subscribe()
	if err != nil {
		return err
	}
	defer func() { _ = topo.Unsubscribe(sub) }()

	var last description.Topology
	printed := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case desc, ok := <-sub.Updates:
			if !ok {
				return nil
			}
			if printed > 0 && desc.Equal(last) {
				continue
			}
			last = desc
			if err := p.topology(desc); err != nil {
				return err
			}
			printed++
			if o.count > 0 && printed >= o.count {
				return nil
			}
		}
	}
}
