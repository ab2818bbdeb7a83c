// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/ikmak/mongo-sdam/address"
	"github.com/ikmak/mongo-sdam/description"
	"github.com/ikmak/mongo-sdam/internal/wire"
	"github.com/ikmak/mongo-sdam/operation"
)

// Connection state constants.
const (
	connDisconnected int64 = iota
	connInitialized
	connConnected
)

// defaultMaxMessageSize is the largest wire message accepted before the
// handshake reports the server's own limit.
const defaultMaxMessageSize uint32 = 48000000

var globalConnectionID uint64 = 1

func nextConnectionID() uint64 { return atomic.AddUint64(&globalConnectionID, 1) }

// ErrConnectionClosed is returned from an attempt to use an already closed
// connection.
var ErrConnectionClosed = ConnectionError{ConnectionID: "<closed>", message: "connection is closed"}

// aLongTimeAgo is a non-zero time, far in the past, used to interrupt
// blocked I/O.
var aLongTimeAgo = time.Unix(1, 0)

type connection struct {
	// state must be accessed using the atomic package.
	state int64

	id                   string
	driverConnectionID   uint64
	nc                   net.Conn // When nil, the connection is closed.
	addr                 address.Address
	desc                 description.Server
	serverConnectionID   *int64
	helloRTT             time.Duration
	idleTimeout          time.Duration
	idleStart            atomic.Value // Stores a time.Time
	config               *connectionConfig
	cancelConnectContext context.CancelFunc
	cancelConnectMu      sync.Mutex
	connectDone          chan struct{}
	connectErr           error

	// generation and pool are set by the pool that owns the connection.
	generation uint64
	pool       *pool

	// Monitoring connections track whether the server is streaming replies.
	currentlyStreaming bool
}

// newConnection handles the creation of a connection. It does not connect the
// connection.
func newConnection(addr address.Address, opts ...ConnectionOption) *connection {
	cfg := newConnectionConfig(opts...)

	id := nextConnectionID()
	return &connection{
		id:                 fmt.Sprintf("%s[-%d]", addr, id),
		driverConnectionID: id,
		addr:               addr,
		idleTimeout:        cfg.idleTimeout,
		config:             cfg,
		connectDone:        make(chan struct{}),
	}
}

// connect handles the I/O for a connection. It will dial, configure TLS, and
// perform initialization handshakes. All errors returned by connect are
// considered "before the handshake completes" and must be handled by calling
// the appropriate SDAM handshake error handling code.
func (c *connection) connect(ctx context.Context) (err error) {
	if !atomic.CompareAndSwapInt64(&c.state, connDisconnected, connInitialized) {
		return nil
	}

	defer func() {
		if err != nil {
			c.connectErr = err
			// A connection closed by its owner mid-connect is not a server
			// failure.
			closedByOwner := atomic.SwapInt64(&c.state, connDisconnected) == connDisconnected
			if c.nc != nil {
				_ = c.nc.Close()
			}
			if c.config.errorHandlingCallback != nil && !closedByOwner {
				c.config.errorHandlingCallback(err, c.generation)
			}
		}
		close(c.connectDone)
	}()

	// Store the cancel function so close() can interrupt a pending connect.
	c.cancelConnectMu.Lock()
	ctx, c.cancelConnectContext = context.WithCancel(ctx)
	c.cancelConnectMu.Unlock()
	defer c.closeConnectContext()

	if c.config.connectTimeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.connectTimeout)
		defer cancel()
	}

	dialer, err := c.config.resolveDialer()
	if err != nil {
		return ConnectionError{ConnectionID: c.id, Wrapped: err, init: true}
	}
	c.nc, err = dialer.DialContext(ctx, c.addr.Network(), c.addr.String())
	if err != nil {
		return ConnectionError{ConnectionID: c.id, Wrapped: transformNetworkError(ctx, err), init: true}
	}

	if c.config.tlsConfig != nil {
		tlsConfig := c.config.tlsConfig.Clone()
		if tlsConfig.ServerName == "" {
			host, _ := c.addr.HostPort()
			tlsConfig.ServerName = host
		}
		tlsConn := tls.Client(c.nc, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return ConnectionError{
				ConnectionID: c.id,
				Wrapped:      transformNetworkError(ctx, err),
				init:         true,
				message:      "failed to configure TLS for " + c.addr.String(),
			}
		}
		c.nc = tlsConn
	}

	if handshaker := c.config.handshaker; handshaker != nil {
		ic := initConnection{c}
		start := time.Now()
		info, err := handshaker.GetHandshakeInformation(ctx, c.addr, ic)
		if err == nil {
			c.desc = info.Description
			c.serverConnectionID = info.ServerConnectionID
			c.helloRTT = time.Since(start)
			err = handshaker.FinishHandshake(ctx, ic)
		}
		if err != nil {
			return ConnectionError{ConnectionID: c.id, Wrapped: err, init: true}
		}
	}

	// close() moves the state back to disconnected while a connect is in
	// progress; the dialed socket must not leak in that case.
	if !atomic.CompareAndSwapInt64(&c.state, connInitialized, connConnected) {
		return ConnectionError{ConnectionID: c.id, message: "connection closed during connect", init: true}
	}
	return nil
}

// wait blocks until connect has returned and reports its error.
func (c *connection) wait() error {
	if c.connectDone == nil {
		return nil
	}
	<-c.connectDone
	return c.connectErr
}

func (c *connection) closeConnectContext() {
	c.cancelConnectMu.Lock()
	defer c.cancelConnectMu.Unlock()

	if c.cancelConnectContext != nil {
		c.cancelConnectContext()
		c.cancelConnectContext = nil
	}
}

// transformNetworkError attaches the context error to err when the context
// ended, so callers can tell an expired deadline from a broken socket.
func transformNetworkError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		return pkgerrors.Wrap(ctxErr, err.Error())
	}
	return err
}

// withDeadline applies the context deadline to the socket and arranges for
// cancellation to interrupt the I/O. The returned function must be called when
// the I/O completes.
func (c *connection) withDeadline(ctx context.Context, set func(time.Time) error) (func() bool, error) {
	var deadline time.Time
	if dl, ok := ctx.Deadline(); ok {
		deadline = dl
	}
	if err := set(deadline); err != nil {
		return nil, err
	}
	return context.AfterFunc(ctx, func() { _ = set(aLongTimeAgo) }), nil
}

func (c *connection) writeWireMessage(ctx context.Context, wm []byte) error {
	if atomic.LoadInt64(&c.state) == connDisconnected || c.nc == nil {
		return ConnectionError{ConnectionID: c.id, message: "connection is closed"}
	}

	stop, err := c.withDeadline(ctx, c.nc.SetWriteDeadline)
	if err != nil {
		return ConnectionError{ConnectionID: c.id, Wrapped: err, message: "failed to set write deadline"}
	}
	defer stop()

	if _, err := c.nc.Write(wm); err != nil {
		_ = c.close()
		return ConnectionError{
			ConnectionID: c.id,
			Wrapped:      transformNetworkError(ctx, err),
			message:      "unable to write wire message to network",
		}
	}
	return nil
}

// readWireMessage reads a whole wire message from the network.
func (c *connection) readWireMessage(ctx context.Context) ([]byte, error) {
	if atomic.LoadInt64(&c.state) == connDisconnected || c.nc == nil {
		return nil, ConnectionError{ConnectionID: c.id, message: "connection is closed"}
	}

	stop, err := c.withDeadline(ctx, c.nc.SetReadDeadline)
	if err != nil {
		return nil, ConnectionError{ConnectionID: c.id, Wrapped: err, message: "failed to set read deadline"}
	}
	defer stop()

	dst, errMsg, err := c.read()
	if err != nil {
		// A partially read message leaves the stream out of sync.
		_ = c.close()
		return nil, ConnectionError{
			ConnectionID: c.id,
			Wrapped:      transformNetworkError(ctx, err),
			message:      errMsg,
		}
	}
	return dst, nil
}

func (c *connection) read() ([]byte, string, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(c.nc, sizeBuf[:]); err != nil {
		return nil, "incomplete read of message header", err
	}

	size := int32(binary.LittleEndian.Uint32(sizeBuf[:]))
	maxMessageSize := c.desc.MaxMessageSize
	if maxMessageSize == 0 {
		maxMessageSize = defaultMaxMessageSize
	}
	if size < 16 || uint32(size) > maxMessageSize {
		return nil, "invalid message length", fmt.Errorf("message length %d is outside [16, %d]", size, maxMessageSize)
	}

	dst := make([]byte, size)
	copy(dst, sizeBuf[:])
	if _, err := io.ReadFull(c.nc, dst[4:]); err != nil {
		return nil, "incomplete read of full message", err
	}
	return dst, "", nil
}

func (c *connection) close() error {
	switch atomic.SwapInt64(&c.state, connDisconnected) {
	case connInitialized:
		// connect owns the socket until it returns; cancelling it is enough.
		c.closeConnectContext()
		return nil
	case connConnected:
	default:
		return nil
	}

	if c.nc == nil {
		return nil
	}
	if err := c.nc.Close(); err != nil {
		return ConnectionError{ConnectionID: c.id, Wrapped: err, message: "failed to close net.Conn"}
	}
	return nil
}

func (c *connection) closed() bool {
	return atomic.LoadInt64(&c.state) == connDisconnected
}

func (c *connection) idleTimeoutExpired() bool {
	if c.idleTimeout == 0 {
		return false
	}

	idleStart, ok := c.idleStart.Load().(time.Time)
	return ok && idleStart.Add(c.idleTimeout).Before(time.Now())
}

func (c *connection) bumpIdleStart() {
	if c.idleTimeout > 0 {
		c.idleStart.Store(time.Now())
	}
}

func (c *connection) setStreaming(streaming bool) {
	c.currentlyStreaming = streaming
}

func (c *connection) getCurrentlyStreaming() bool {
	return c.currentlyStreaming
}

// initConnection is an adapter used during connection initialization. It has
// the minimum functionality necessary to implement operation.Conn.
type initConnection struct{ *connection }

var _ operation.Conn = initConnection{}

func (c initConnection) Description() description.Server {
	if c.connection == nil {
		return description.Server{}
	}
	return c.connection.desc
}

func (c initConnection) WriteWireMessage(ctx context.Context, wm []byte) error {
	return c.writeWireMessage(ctx, wm)
}

func (c initConnection) ReadWireMessage(ctx context.Context) ([]byte, error) {
	return c.readWireMessage(ctx)
}

// Conn is the view of a checked-out connection that error processing needs.
type Conn interface {
	Description() description.Server
	Stale() bool
}

// Connection is a checked-out connection. Errors from its I/O are reported
// to the server it came from, and Close returns it to the pool.
type Connection struct {
	connection *connection
	s          *Server

	mu sync.RWMutex
}

var _ operation.Conn = (*Connection)(nil)
var _ Conn = (*Connection)(nil)

func (c *Connection) conn() (*connection, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.connection == nil {
		return nil, ErrConnectionClosed
	}
	return c.connection, nil
}

// WriteWireMessage handles writing a wire message to the underlying
// connection.
func (c *Connection) WriteWireMessage(ctx context.Context, wm []byte) error {
	conn, err := c.conn()
	if err != nil {
		return err
	}
	if err := conn.writeWireMessage(ctx, wm); err != nil {
		c.s.ProcessError(err, c)
		return err
	}
	return nil
}

// ReadWireMessage handles reading a wire message from the underlying
// connection. Replies carrying a state change error are reported to the
// server before they are returned.
func (c *Connection) ReadWireMessage(ctx context.Context) ([]byte, error) {
	conn, err := c.conn()
	if err != nil {
		return nil, err
	}
	wm, err := conn.readWireMessage(ctx)
	if err != nil {
		c.s.ProcessError(err, c)
		return nil, err
	}
	if reply, err := wire.ReadReply(wm); err == nil {
		if cmdErr := wire.ExtractError(reply.Document); cmdErr != nil {
			c.s.ProcessError(cmdErr, c)
		}
	}
	return wm, nil
}

// Description returns the server description of the server this connection
// is connected to, as reported by its handshake.
func (c *Connection) Description() description.Server {
	conn, err := c.conn()
	if err != nil {
		return description.Server{}
	}
	return conn.desc
}

// Close returns this connection to the connection pool. This method may not
// close the underlying socket. Closing twice is a no-op.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connection == nil {
		return nil
	}
	err := c.connection.pool.checkIn(c.connection)
	c.connection = nil
	return err
}

// Expire closes the underlying socket and returns the connection to the
// pool, which destroys it.
func (c *Connection) Expire() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connection == nil {
		return nil
	}
	_ = c.connection.close()
	err := c.connection.pool.checkIn(c.connection)
	c.connection = nil
	return err
}

// Alive returns if the connection is still alive.
func (c *Connection) Alive() bool {
	conn, err := c.conn()
	return err == nil && !conn.closed()
}

// ID returns the ID of this connection.
func (c *Connection) ID() string {
	conn, err := c.conn()
	if err != nil {
		return "<closed>"
	}
	return conn.id
}

// DriverConnectionID returns the process-unique ID of this connection.
func (c *Connection) DriverConnectionID() uint64 {
	conn, err := c.conn()
	if err != nil {
		return 0
	}
	return conn.driverConnectionID
}

// ServerConnectionID returns the server-side ID of this connection, if the
// handshake reported one.
func (c *Connection) ServerConnectionID() *int64 {
	conn, err := c.conn()
	if err != nil {
		return nil
	}
	return conn.serverConnectionID
}

// Address returns the address of this connection.
func (c *Connection) Address() address.Address {
	conn, err := c.conn()
	if err != nil {
		return address.Address("0.0.0.0")
	}
	return conn.addr
}

// Stale returns if the connection is stale.
func (c *Connection) Stale() bool {
	conn, err := c.conn()
	if err != nil {
		return false
	}
	return conn.pool.stale(conn)
}

// Generation returns the pool generation the connection was created in.
func (c *Connection) Generation() uint64 {
	conn, err := c.conn()
	if err != nil {
		return 0
	}
	return conn.generation
}
