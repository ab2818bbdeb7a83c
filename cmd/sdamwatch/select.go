// Copyright (C) MongoDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/ikmak/mongo-sdam/readpref"
	"github.com/ikmak/mongo-sdam/tag"
	"github.com/ikmak/mongo-sdam/topology"
)

type selectOptions struct {
	mode         string
	tags         []string
	maxStaleness time.Duration
	write        bool
	timeout      time.Duration
	format       string
}

func newSelectCmd(root *rootOptions) *cobra.Command {
	o := &selectOptions{}

	cmd := &cobra.Command{
		Use:   "select",
		Short: "Select a server, check out a connection and print the server description",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("timeout") {
				cfg.ServerSelectionTimeout.Duration = o.timeout
			}
			p, err := newPrinter(o.format, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			rp, err := o.readPref()
			if err != nil {
				return err
			}

			topo, disconnect, err := connect(cfg, nil, nil)
			if err != nil {
				return err
			}
			defer disconnect()

			return o.run(cmd.Context(), cmd, topo, rp, p)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&o.mode, "mode", "m", "primary", "read preference mode")
	fs.StringArrayVarP(&o.tags, "tag", "t", nil, "tag set as name=value[,name=value], may be repeated in order of preference")
	fs.DurationVar(&o.maxStaleness, "max-staleness", 0, "maximum replication lag of secondaries, at least 90s")
	fs.BoolVarP(&o.write, "write", "w", false, "select a writable server and ignore the read preference")
	fs.DurationVar(&o.timeout, "timeout", 30*time.Second, "server selection timeout")
	fs.StringVarP(&o.format, "format", "f", formatText, "output format: text, json or pretty")
	return cmd
}

func (o *selectOptions) readPref() (*readpref.ReadPref, error) {
	mode, err := readpref.ModeFromString(o.mode)
	if err != nil {
		return nil, err
	}

	var opts []readpref.Option
	if len(o.tags) > 0 {
		sets := make([]tag.Set, 0, len(o.tags))
		for _, arg := range o.tags {
			set, err := parseTagSet(arg)
			if err != nil {
				return nil, err
			}
			sets = append(sets, set)
		}
		opts = append(opts, readpref.WithTagSets(sets...))
	}
	if o.maxStaleness > 0 {
		opts = append(opts, readpref.WithMaxStaleness(o.maxStaleness))
	}

	rp, err := readpref.New(mode, opts...)
	return rp, errors.Wrap(err, "invalid read preference")
}

// parseTagSet parses "dc=ny,rack=1". An empty string is the empty set, which
// matches every server.
func parseTagSet(s string) (tag.Set, error) {
	m := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		if pair = strings.TrimSpace(pair); pair == "" {
			continue
		}
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, errors.Errorf("invalid tag %q, want name=value", pair)
		}
		m[name] = value
	}
	return tag.NewTagSetFromMap(m), nil
}

func (o *selectOptions) run(
	ctx context.Context,
	cmd *cobra.Command,
	topo *topology.Topology,
	rp *readpref.ReadPref,
	p *printer,
) error {
	kind := topology.ReadOperation
	if o.write {
		kind = topology.WriteOperation
	}

	srv, err := topo.SelectServerFor(ctx, kind, rp)
	if err != nil {
		return err
	}

	conn, err := srv.Connection(ctx)
	if err != nil {
		return errors.Wrapf(err, "failed to check out a connection to %s", srv.Description().Addr)
	}
	defer conn.Close()

	fmt.Fprintf(cmd.ErrOrStderr(), "checked out connection %s from a %s topology\n", conn.ID(), srv.Kind)
	return p.server(srv.Description())
}
