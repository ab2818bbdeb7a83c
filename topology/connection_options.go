// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/proxy"

	"github.com/ikmak/mongo-sdam/address"
	"github.com/ikmak/mongo-sdam/operation"
)

// Dialer is used to make network connections.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DialerFunc is a type implemented by functions that can be used as a Dialer.
type DialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

// DialContext implements the Dialer interface.
func (df DialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return df(ctx, network, address)
}

// DefaultDialer is the Dialer implementation that is used by this package.
// Changing this will also change the Dialer used for this package. This
// should only be changed when all of the connections being made need to use a
// different Dialer. Most of the time, using a WithDialer option is more
// appropriate than changing this variable.
var DefaultDialer Dialer = &net.Dialer{}

// Handshaker is the interface implemented by types that can perform a MongoDB
// handshake over a provided connection.
type Handshaker interface {
	GetHandshakeInformation(context.Context, address.Address, operation.Conn) (operation.HandshakeInformation, error)
	FinishHandshake(context.Context, operation.Conn) error
}

type connectionConfig struct {
	connectTimeout time.Duration
	dialer         Dialer
	handshaker     Handshaker
	idleTimeout    time.Duration
	tlsConfig      *tls.Config
	socks5Addr     string
	socks5Auth     *proxy.Auth

	errorHandlingCallback func(err error, generation uint64)
}

func newConnectionConfig(opts ...ConnectionOption) *connectionConfig {
	cfg := &connectionConfig{
		connectTimeout: 30 * time.Second,
		dialer:         nil,
	}

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(cfg)
	}

	if cfg.dialer == nil {
		cfg.dialer = DefaultDialer
	}

	return cfg
}

// resolveDialer wraps the configured dialer in a SOCKS5 proxy dialer when a
// proxy address is set.
func (cfg *connectionConfig) resolveDialer() (Dialer, error) {
	if cfg.socks5Addr == "" {
		return cfg.dialer, nil
	}

	forward, ok := cfg.dialer.(proxy.Dialer)
	if !ok {
		forward = proxy.Direct
	}
	d, err := proxy.SOCKS5("tcp", cfg.socks5Addr, cfg.socks5Auth, forward)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to configure SOCKS5 proxy %q", cfg.socks5Addr)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, errors.Errorf("SOCKS5 dialer for %q does not support contexts", cfg.socks5Addr)
	}
	return DialerFunc(cd.DialContext), nil
}

// ConnectionOption is used to configure a connection.
type ConnectionOption func(*connectionConfig)

// WithConnectTimeout configures the maximum amount of time a dial will wait
// for a Connect to complete. The default is 30 seconds.
func WithConnectTimeout(fn func(time.Duration) time.Duration) ConnectionOption {
	return func(c *connectionConfig) {
		c.connectTimeout = fn(c.connectTimeout)
	}
}

// WithDialer configures the Dialer to use when making a new connection to
// MongoDB.
func WithDialer(fn func(Dialer) Dialer) ConnectionOption {
	return func(c *connectionConfig) {
		c.dialer = fn(c.dialer)
	}
}

// WithHandshaker configures the Handshaker that wll be used to initialize
// newly dialed connections. A nil Handshaker skips the handshake.
func WithHandshaker(fn func(Handshaker) Handshaker) ConnectionOption {
	return func(c *connectionConfig) {
		c.handshaker = fn(c.handshaker)
	}
}

// WithIdleTimeout configures the maximum idle time to allow for a connection.
func WithIdleTimeout(fn func(time.Duration) time.Duration) ConnectionOption {
	return func(c *connectionConfig) {
		c.idleTimeout = fn(c.idleTimeout)
	}
}

// WithTLSConfig configures the TLS options for a connection.
func WithTLSConfig(fn func(*tls.Config) *tls.Config) ConnectionOption {
	return func(c *connectionConfig) {
		c.tlsConfig = fn(c.tlsConfig)
	}
}

// WithSocks5Proxy routes every dial through the SOCKS5 proxy at addr.
// Credentials are optional.
func WithSocks5Proxy(addr string, auth *proxy.Auth) ConnectionOption {
	return func(c *connectionConfig) {
		c.socks5Addr = addr
		c.socks5Auth = auth
	}
}

// withErrorHandlingCallback registers fn to be called with the error and pool
// generation when a connection fails to establish.
func withErrorHandlingCallback(fn func(error, uint64)) ConnectionOption {
	return func(c *connectionConfig) {
		c.errorHandlingCallback = fn
	}
}
