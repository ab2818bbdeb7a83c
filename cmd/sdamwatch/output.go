// Copyright (C) MongoDB, Inc. 2024-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"

	krpretty "github.com/kr/pretty"
	"github.com/pkg/errors"
	"github.com/tidwall/pretty"

	"github.com/ikmak/mongo-sdam/description"
)

// Output formats.
const (
	formatText   = "text"
	formatJSON   = "json"
	formatPretty = "pretty"
)

type serverView struct {
	Address    string            `json:"address"`
	Kind       string            `json:"kind"`
	SetName    string            `json:"setName,omitempty"`
	Primary    string            `json:"primary,omitempty"`
	SetVersion uint32            `json:"setVersion,omitempty"`
	AverageRTT string            `json:"averageRTT,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
	LastError  string            `json:"lastError,omitempty"`
}

type topologyView struct {
	Kind               string       `json:"kind"`
	SetName            string       `json:"setName,omitempty"`
	Servers            []serverView `json:"servers"`
	CompatibilityError string       `json:"compatibilityError,omitempty"`
}

func newServerView(s description.Server) serverView {
	v := serverView{
		Address:    s.Addr.String(),
		Kind:       s.Kind.String(),
		SetName:    s.SetName,
		SetVersion: s.SetVersion,
	}
	if s.Primary != "" {
		v.Primary = s.Primary.String()
	}
	if s.AverageRTTSet {
		v.AverageRTT = s.AverageRTT.String()
	}
	if len(s.Tags) > 0 {
		v.Tags = make(map[string]string, len(s.Tags))
		for _, t := range s.Tags {
			v.Tags[t.Name] = t.Value
		}
	}
	if s.LastError != nil {
		v.LastError = s.LastError.Error()
	}
	return v
}

func newTopologyView(t description.Topology) topologyView {
	v := topologyView{
		Kind:    t.Kind.String(),
		SetName: t.SetName,
		Servers: make([]serverView, 0, len(t.Servers)),
	}
	for _, s := range t.Servers {
		v.Servers = append(v.Servers, newServerView(s))
	}
	if t.CompatibilityErr != nil {
		v.CompatibilityError = t.CompatibilityErr.Error()
	}
	return v
}

// printer writes descriptions in one of the output formats.
type printer struct {
	format string
	w      io.Writer
}

func newPrinter(format string, w io.Writer) (*printer, error) {
	switch format {
	case formatText, formatJSON, formatPretty:
		return &printer{format: format, w: w}, nil
	}
	return nil, errors.Errorf("unknown output format %q, want %s, %s or %s", format, formatText, formatJSON, formatPretty)
}

func (p *printer) topology(t description.Topology) error {
	if p.format == formatText {
		_, err := fmt.Fprintln(p.w, t.String())
		return err
	}
	return p.print(newTopologyView(t))
}

func (p *printer) server(s description.Server) error {
	if p.format == formatText {
		_, err := fmt.Fprintln(p.w, s.String())
		return err
	}
	return p.print(newServerView(s))
}

func (p *printer) print(v interface{}) error {
	if p.format == formatPretty {
		_, err := krpretty.Fprintf(p.w, "%# v\n", v)
		return err
	}

	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "failed to encode description")
	}
	_, err = p.w.Write(pretty.Pretty(b))
	return err
}
