// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ikmak/mongo-sdam/address"
	"github.com/ikmak/mongo-sdam/description"
	"github.com/ikmak/mongo-sdam/event"
	"github.com/ikmak/mongo-sdam/internal/logger"
	"github.com/ikmak/mongo-sdam/internal/wire"
	"github.com/ikmak/mongo-sdam/operation"
)

const (
	serverDisconnected int64 = iota
	serverDisconnecting
	serverConnected
)

// minRTTWindow is the period over which the minimum round trip time is
// tracked.
const minRTTWindow = 5 * time.Minute

func serverStateString(state int64) string {
	switch state {
	case serverDisconnected:
		return "Disconnected"
	case serverDisconnecting:
		return "Disconnecting"
	case serverConnected:
		return "Connected"
	}

	return ""
}

// ProcessErrorResult describes the outcome of handing an error to
// Server.ProcessError.
type ProcessErrorResult int

const (
	// NoChange indicates that the error did not affect the state of the
	// server.
	NoChange ProcessErrorResult = iota

	// ServerMarkedUnknown indicates that the error only resulted in the
	// server being marked as Unknown.
	ServerMarkedUnknown

	// ConnectionPoolCleared indicates that the error resulted in the server
	// being marked as Unknown and its connection pool being cleared.
	ConnectionPoolCleared
)

func (r ProcessErrorResult) String() string {
	switch r {
	case NoChange:
		return "NoChange"
	case ServerMarkedUnknown:
		return "ServerMarkedUnknown"
	case ConnectionPoolCleared:
		return "ConnectionPoolCleared"
	}
	return fmt.Sprintf("ProcessErrorResult(%d)", int(r))
}

// updateTopologyCallback receives every new description of a server and
// returns the description the topology actually stored for it.
type updateTopologyCallback func(description.Server) description.Server

// ConnectServer creates a new Server and then initializes it using the
// Connect method.
func ConnectServer(
	addr address.Address,
	updateCallback updateTopologyCallback,
	topologyID primitive.ObjectID,
	opts ...ServerOption,
) (*Server, error) {
	srvr := NewServer(addr, topologyID, opts...)
	err := srvr.Connect(updateCallback)
	if err != nil {
		return nil, err
	}
	return srvr, nil
}

// Server is a single server within a topology. It owns the monitor that
// keeps the server's description current and the pool of application
// connections to it.
type Server struct {
	// state must be accessed using the atomic package and should be at the
	// beginning of the struct.
	state int64

	cfg     *serverConfig
	address address.Address

	// connection related fields
	pool *pool

	// goroutine management fields
	done     chan struct{}
	checkNow chan struct{}
	closewg  sync.WaitGroup

	// description related fields
	desc                   atomic.Value // holds a description.Server
	updateTopologyCallback atomic.Value
	topologyID             primitive.ObjectID

	// heartbeat and cancellation related fields
	// globalCtx should be created in NewServer and cancelled in Disconnect to
	// signal that the server is shutting down. heartbeatCtx should be used for
	// individual heartbeats and should be a child of globalCtx so that it will
	// be cancelled automatically during shutdown.
	heartbeatLock      sync.Mutex
	conn               *connection
	globalCtx          context.Context
	globalCtxCancel    context.CancelFunc
	heartbeatCtx       context.Context
	heartbeatCtxCancel context.CancelFunc

	processErrorLock sync.Mutex
	rttMonitor       *rttMonitor
}

// NewServer creates a new server. The mongodb server at the address will be
// monitored on an internal monitoring goroutine once Connect is called.
func NewServer(addr address.Address, topologyID primitive.ObjectID, opts ...ServerOption) *Server {
	cfg := newServerConfig(opts...)
	globalCtx, globalCtxCancel := context.WithCancel(context.Background())
	s := &Server{
		state: serverDisconnected,

		cfg:     cfg,
		address: addr,

		done:     make(chan struct{}),
		checkNow: make(chan struct{}, 1),

		topologyID: topologyID,

		globalCtx:       globalCtx,
		globalCtxCancel: globalCtxCancel,
	}
	s.desc.Store(description.NewDefaultServer(addr))
	s.updateTopologyCallback.Store((updateTopologyCallback)(nil))

	rttCfg := &rttConfig{
		interval:           cfg.heartbeatInterval,
		minRTTWindow:       minRTTWindow,
		createConnectionFn: s.createConnection,
		createOperationFn:  s.createBaseOperation,
	}
	s.rttMonitor = newRTTMonitor(rttCfg)

	pc := poolConfig{
		Address:          addr,
		MinPoolSize:      cfg.minConns,
		MaxPoolSize:      cfg.maxConns,
		MaxConnecting:    cfg.maxConnecting,
		MaxIdleTime:      cfg.poolMaxIdleTime,
		WaitQueueTimeout: cfg.waitQueueTimeout,
		MaintainInterval: cfg.poolMaintainInterval,
		PoolMonitor:      cfg.poolMonitor,
		Logger:           cfg.logger,
		handshakeErrFn:   s.ProcessHandshakeError,
	}

	// The default handshaker goes first so WithHandshaker in the caller's
	// connection options can wrap or replace it.
	connOpts := make([]ConnectionOption, 0, len(cfg.connectionOpts)+1)
	connOpts = append(connOpts, WithHandshaker(func(Handshaker) Handshaker {
		return helloHandshaker{appName: cfg.appname}
	}))
	connOpts = append(connOpts, cfg.connectionOpts...)

	s.pool = newPool(pc, connOpts...)
	s.publishServerOpeningEvent(s.address)

	return s
}

func mustLogServerMessage(srv *Server) bool {
	return srv.cfg.logger.LevelComponentEnabled(logger.LevelDebug, logger.ComponentTopology)
}

func logServerMessage(srv *Server, msg string, keysAndValues ...interface{}) {
	kvs := logger.ServerKeyValues(srv.address, logger.KeyTopologyID, srv.topologyID.Hex())
	srv.cfg.logger.Print(logger.LevelDebug, logger.ComponentTopology, msg, append(kvs, keysAndValues...)...)
}

// Connect initializes the Server by starting background monitoring goroutines.
// This method must be called before a Server can be used.
func (s *Server) Connect(updateCallback updateTopologyCallback) error {
	if !atomic.CompareAndSwapInt64(&s.state, serverDisconnected, serverConnected) {
		return ErrServerConnected
	}

	desc := description.NewDefaultServer(s.address)
	s.desc.Store(desc)
	s.updateTopologyCallback.Store(updateCallback)

	s.closewg.Add(1)
	go s.update()

	return s.pool.ready()
}

// Disconnect stops the monitoring goroutines and closes the connection pool.
// It waits for checked-out connections to be returned until ctx expires,
// after which they are closed, failing any in-flight reads or writes.
func (s *Server) Disconnect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt64(&s.state, serverConnected, serverDisconnecting) {
		return ErrServerClosed
	}

	s.updateTopologyCallback.Store((updateTopologyCallback)(nil))

	// Cancel the context for any in-progress check operations. This will
	// interrupt a streaming read that would otherwise block for a full
	// heartbeat interval.
	s.globalCtxCancel()
	close(s.done)
	s.cancelCheck()

	s.pool.close(ctx)

	s.closewg.Wait()
	s.rttMonitor.disconnect()
	atomic.StoreInt64(&s.state, serverDisconnected)

	s.publishServerClosedEvent(s.address)

	return nil
}

// Connection gets a connection to the server.
func (s *Server) Connection(ctx context.Context) (*Connection, error) {
	if atomic.LoadInt64(&s.state) != serverConnected {
		return nil, ErrServerClosed
	}

	// Errors from establishing a new connection have already been handed to
	// ProcessHandshakeError by the pool.
	conn, err := s.pool.checkOut(ctx)
	if err != nil {
		return nil, err
	}

	return &Connection{connection: conn, s: s}, nil
}

// Description returns the current description of the server.
func (s *Server) Description() description.Server {
	return s.desc.Load().(description.Server)
}

// RequestImmediateCheck will cause the server to send a heartbeat
// immediately instead of waiting for the heartbeat timeout.
func (s *Server) RequestImmediateCheck() {
	select {
	case s.checkNow <- struct{}{}:
	default:
	}
}

// String implements the Stringer interface.
func (s *Server) String() string {
	desc := s.Description()
	state := atomic.LoadInt64(&s.state)
	str := fmt.Sprintf("Addr: %s, Type: %s, State: %s",
		s.address, desc.Kind, serverStateString(state))
	if len(desc.Tags) != 0 {
		str += fmt.Sprintf(", Tag sets: %v", desc.Tags)
	}
	if state == serverConnected {
		str += fmt.Sprintf(", Average RTT: %s, Min RTT: %s", desc.AverageRTT, s.rttMonitor.getMinRTT())
	}
	if desc.LastError != nil {
		str += fmt.Sprintf(", Last error: %s", desc.LastError)
	}

	return str
}

// ProcessHandshakeError implements SDAM error handling for errors that occur
// before a connection finishes handshaking.
func (s *Server) ProcessHandshakeError(err error, startingGenerationNumber uint64) {
	if err == nil {
		return
	}

	// Only process the error if the connection's generation is current. A
	// failure on a connection from an older generation says nothing about the
	// server as it is now.
	if startingGenerationNumber < s.pool.generation.getGeneration() {
		return
	}

	wrappedConnErr := unwrapConnectionError(err)
	if wrappedConnErr == nil {
		return
	}

	// Must hold the processErrorLock while updating the server description
	// and clearing the pool. Not holding the lock leads to possible
	// out-of-order processing of pool.clear() and pool.ready() calls from
	// concurrent server description updates.
	s.processErrorLock.Lock()
	defer s.processErrorLock.Unlock()

	// Since the only kind of ConnectionError we receive from pool.checkOut
	// will be an initialization error, we should set the description.Server
	// appropriately.
	s.updateDescription(description.NewServerFromError(s.address, wrappedConnErr, nil))
	s.pool.clear(err)
	s.cancelCheck()
}

// ProcessError handles errors reported by operations running on conn and
// reports what it did with them.
func (s *Server) ProcessError(err error, conn Conn) ProcessErrorResult {
	// Ignore nil errors.
	if err == nil {
		return NoChange
	}

	// Must hold the processErrorLock while updating the server description
	// and clearing the pool.
	s.processErrorLock.Lock()
	defer s.processErrorLock.Unlock()

	// Ignore errors from stale connections because the error came from a
	// previous generation of the connection pool. The root cause of the error
	// has already been handled, which is what caused the pool generation to
	// increment.
	if conn.Stale() {
		return NoChange
	}

	// Get the wire version from the connection description because it will
	// never change for the lifetime of a connection and can possibly be
	// different between connections to the same server.
	connDesc := conn.Description()
	wireVersion := connDesc.WireVersion

	// The server description is updated by heartbeats and errors, so it
	// typically has a more up-to-date topology version. A connection can still
	// carry a newer one, so pick the newest of the two. A connection without
	// one never replaces the server's.
	topologyVersion := s.Description().TopologyVersion
	if connDesc.TopologyVersion != nil && topologyVersion.CompareToIncoming(connDesc.TopologyVersion) < 0 {
		topologyVersion = connDesc.TopologyVersion
	}

	// Invalidate server description if not primary or node recovering error
	// occurs.
	var cerr wire.Error
	if errors.As(err, &cerr) && (cerr.NodeIsRecovering() || cerr.NotPrimary()) {
		// Ignore errors that came from when the database was on a previous
		// topology version.
		if topologyVersion.CompareToIncoming(cerr.TopologyVersion) >= 0 {
			return NoChange
		}

		// updates description to unknown
		s.updateDescription(description.NewServerFromError(s.address, err, cerr.TopologyVersion))
		s.RequestImmediateCheck()

		res := ServerMarkedUnknown
		// If the node is shutting down or is older than 4.2, we synchronously
		// clear the pool.
		if cerr.NodeIsShuttingDown() || wireVersion == nil || wireVersion.Max < 8 {
			res = ConnectionPoolCleared
			s.pool.clear(err)
		}

		s.logProcessedError(err, res)
		return res
	}

	wrappedConnErr := unwrapConnectionError(err)
	if wrappedConnErr == nil {
		return NoChange
	}

	// Ignore transient timeout errors.
	var netErr net.Error
	if errors.As(wrappedConnErr, &netErr) && netErr.Timeout() {
		return NoChange
	}
	if errors.Is(wrappedConnErr, context.Canceled) || errors.Is(wrappedConnErr, context.DeadlineExceeded) {
		return NoChange
	}

	// For a non-timeout network error, we clear the pool, set the description
	// to Unknown, and cancel the in-progress monitoring check. The check is
	// cancelled last to avoid a post-cancellation reconnect racing with
	// updateDescription.
	s.updateDescription(description.NewServerFromError(s.address, err, nil))
	s.pool.clear(err)
	s.cancelCheck()
	s.RequestImmediateCheck()

	s.logProcessedError(err, ConnectionPoolCleared)
	return ConnectionPoolCleared
}

func (s *Server) logProcessedError(err error, res ProcessErrorResult) {
	kvs := logger.ServerKeyValues(s.address,
		logger.KeyTopologyID, s.topologyID.Hex(),
		logger.KeyResult, res.String())
	s.cfg.logger.Error(err, logger.ComponentTopology, logger.ServerMarkedUnknown, kvs...)
}

// update handle performing heartbeats and updating any subscribers of the
// newest description.Server retrieved.
func (s *Server) update() {
	defer s.closewg.Done()

	minInterval := s.cfg.minHeartbeatInterval
	if minInterval <= 0 {
		minInterval = minHeartbeatInterval
	}
	heartbeatTicker := time.NewTicker(s.cfg.heartbeatInterval)
	rateLimiter := time.NewTicker(minInterval)
	defer heartbeatTicker.Stop()
	defer rateLimiter.Stop()
	checkNow := s.checkNow
	done := s.done

	closeServer := func() {
		// We don't need to take s.heartbeatLock here because closeServer is
		// called synchronously when the select checks below detect that the
		// server is being closed, so we can be sure that the connection isn't
		// being used.
		if s.conn != nil {
			_ = s.conn.close()
		}
	}

	waitUntilNextCheck := func() {
		// Wait until heartbeatInterval elapses, an application operation
		// requests an immediate check, or the server is disconnecting.
		select {
		case <-heartbeatTicker.C:
		case <-checkNow:
		case <-done:
			// Return because the next update iteration will check the done
			// channel again and clean up.
			return
		}

		// Ensure we only return if minHeartbeatInterval has elapsed or the
		// server is disconnecting.
		select {
		case <-rateLimiter.C:
		case <-done:
			return
		}
	}

	for {
		// Check if the server is disconnecting. Even if waitUntilNextCheck has
		// already read from the done channel, we can safely read from it again
		// because Disconnect closes the channel.
		select {
		case <-done:
			closeServer()
			return
		default:
		}

		previousDescription := s.Description()

		// Perform the next check.
		desc, err := s.check()
		if errors.Is(err, errCheckCancelled) {
			if atomic.LoadInt64(&s.state) != serverConnected {
				continue
			}

			// If the server is not disconnecting, the check was cancelled by
			// an application operation after an error. Wait before running the
			// next check.
			waitUntilNextCheck()
			continue
		}

		// Must hold the processErrorLock while updating the server description
		// and clearing the pool.
		s.processErrorLock.Lock()
		s.updateDescription(desc)
		if desc.LastError != nil {
			// Clear the pool once the description has been updated to Unknown.
			s.pool.clear(desc.LastError)
		}
		s.processErrorLock.Unlock()

		// If the server supports streaming or we're already streaming, we
		// want to move to streaming the next response without waiting. If the
		// server has transitioned to Unknown from a network error, we want to
		// do another check without waiting in case it was a transient error
		// and the server isn't actually down.
		connectionIsStreaming := s.conn != nil && s.conn.getCurrentlyStreaming()
		transitionedFromNetworkError := desc.LastError != nil &&
			unwrapConnectionError(desc.LastError) != nil &&
			previousDescription.Kind != description.ServerKindUnknown

		streamable := isStreamingEnabled(s) && isStreamable(s)
		if streamable {
			s.rttMonitor.connect()
		}

		if streamable || connectionIsStreaming || transitionedFromNetworkError {
			continue
		}

		// The server either does not support the streamable protocol or is
		// not in a healthy state, so we wait until the next check.
		waitUntilNextCheck()
	}
}

// updateDescription handles updating the description on the Server, notifying
// subscribers, and potentially draining the connection pool.
func (s *Server) updateDescription(desc description.Server) {
	if atomic.LoadInt64(&s.state) == serverDisconnected {
		return
	}

	// Use the updateTopologyCallback to update the parent Topology and get
	// the description that should be stored. The Topology readies the pool
	// once it has accepted the description; a server without one readies it
	// here.
	callback, ok := s.updateTopologyCallback.Load().(updateTopologyCallback)
	if ok && callback != nil {
		desc = callback(desc)
	} else if desc.Kind != description.ServerKindUnknown {
		_ = s.pool.ready()
	}
	s.desc.Store(desc)
}

// createConnection creates a new connection instance but does not call
// connect on it. The caller must call connect on the connection as needed.
// Heartbeat connections never belong to the pool.
func (s *Server) createConnection() *connection {
	opts := copyConnectionOpts(s.cfg.connectionOpts)
	opts = append(opts,
		WithConnectTimeout(func(time.Duration) time.Duration { return s.cfg.heartbeatTimeout }),
		// Monitoring connections only run hello, so any handshaker attached
		// to the options is replaced.
		WithHandshaker(func(Handshaker) Handshaker {
			return helloHandshaker{appName: s.cfg.appname}
		}),
		WithIdleTimeout(func(time.Duration) time.Duration { return 0 }),
	)

	return newConnection(s.address, opts...)
}

func copyConnectionOpts(opts []ConnectionOption) []ConnectionOption {
	optsCopy := make([]ConnectionOption, len(opts))
	copy(optsCopy, opts)
	return optsCopy
}

func (s *Server) setupHeartbeatConnection() error {
	conn := s.createConnection()

	// Take the lock when assigning the context and connection because they're
	// accessed by cancelCheck.
	s.heartbeatLock.Lock()
	if s.heartbeatCtxCancel != nil {
		// Ensure the previous context is cancelled to avoid a leak.
		s.heartbeatCtxCancel()
	}
	s.heartbeatCtx, s.heartbeatCtxCancel = context.WithCancel(s.globalCtx)
	s.conn = conn
	s.heartbeatLock.Unlock()

	return s.conn.connect(s.heartbeatCtx)
}

// cancelCheck cancels in-progress connection dials and reads. It is not
// called for ongoing writes.
func (s *Server) cancelCheck() {
	var conn *connection

	// Take heartbeatLock for mutual exclusion with the checks in the update
	// function.
	s.heartbeatLock.Lock()
	if s.heartbeatCtx != nil {
		s.heartbeatCtxCancel()
	}
	conn = s.conn
	s.heartbeatLock.Unlock()

	if conn == nil {
		return
	}

	// If the connection exists, we need to wait for it to be connected
	// because conn.connect() and conn.close() cannot be called concurrently.
	// If the connection wasn't successfully opened, its state was set back to
	// disconnected, so calling conn.close() will be a no-op.
	conn.closeConnectContext()
	_ = conn.wait()
	_ = conn.close()
}

func (s *Server) checkWasCancelled() bool {
	return s.heartbeatCtx != nil && s.heartbeatCtx.Err() != nil
}

func (s *Server) createBaseOperation() *operation.Hello {
	return operation.NewHello().AppName(s.cfg.appname)
}

func isStreamingEnabled(srv *Server) bool {
	return srv.cfg.serverMonitoringMode != ServerMonitoringModePoll
}

func isStreamable(srv *Server) bool {
	desc := srv.Description()
	return desc.Kind != description.ServerKindUnknown && desc.TopologyVersion != nil
}

func (s *Server) check() (description.Server, error) {
	var descPtr *description.Server
	var err error
	var duration time.Duration

	start := time.Now()

	// Create a new connection if this is the first check, the connection was
	// closed after an error during the previous check, or the previous check
	// was cancelled.
	if s.conn == nil || s.conn.closed() || s.checkWasCancelled() {
		connID := "0"
		if s.conn != nil {
			connID = s.conn.id
		}
		s.publishServerHeartbeatStartedEvent(connID, false)

		// Create a new connection and add its handshake RTT as a sample.
		err = s.setupHeartbeatConnection()
		duration = time.Since(start)
		connID = s.conn.id
		if err == nil {
			// Use the description from the connection handshake as the value
			// for this check.
			s.rttMonitor.addSample(s.conn.helloRTT)
			descPtr = &s.conn.desc
			s.publishServerHeartbeatSucceededEvent(connID, duration, s.conn.desc, false)
		} else {
			if cause := unwrapConnectionError(err); cause != nil {
				err = cause
			}
			s.publishServerHeartbeatFailedEvent(connID, duration, err, false)
		}
	} else {
		// An existing connection is being used. Use the server description
		// properties to execute the right heartbeat.
		heartbeatConn := initConnection{s.conn}
		hello := s.createBaseOperation()
		previousDescription := s.Description()
		streamable := isStreamingEnabled(s) && isStreamable(s)
		awaited := s.conn.getCurrentlyStreaming() || streamable

		s.publishServerHeartbeatStartedEvent(s.conn.id, awaited)

		switch {
		case s.conn.getCurrentlyStreaming():
			// The connection is already in a streaming state, so we stream the
			// next response.
			ctx, cancel := s.awaitContext()
			err = hello.StreamResponse(ctx, heartbeatConn)
			cancel()
		case streamable:
			// The server supports the streamable protocol. The reply is held
			// server-side for up to heartbeatInterval, so the deadline is
			// heartbeatTimeout plus heartbeatInterval.
			hello = hello.TopologyVersion(previousDescription.TopologyVersion).
				MaxAwaitTimeMS(s.cfg.heartbeatInterval.Milliseconds())
			ctx, cancel := s.awaitContext()
			err = hello.Execute(ctx, heartbeatConn)
			cancel()
		default:
			// The server doesn't support the streamable protocol. Execute a
			// regular heartbeat without any additional parameters.
			ctx, cancel := s.pollContext()
			err = hello.Execute(ctx, heartbeatConn)
			cancel()
		}
		s.conn.setStreaming(err == nil && hello.MoreToCome())

		duration = time.Since(start)

		// Record an RTT sample in the polling case. Streaming samples come
		// from the RTT monitor.
		if !streamable && !awaited {
			s.rttMonitor.addSample(duration)
		}

		if err == nil {
			tempDesc := hello.Result(s.address)
			descPtr = &tempDesc
			s.publishServerHeartbeatSucceededEvent(s.conn.id, duration, tempDesc, awaited)
		} else {
			// Close the connection here rather than below so we ensure we're
			// not closing a connection that wasn't successfully created.
			_ = s.conn.close()
			s.publishServerHeartbeatFailedEvent(s.conn.id, duration, err, awaited)
		}
	}

	if descPtr != nil {
		// The check was successful. Set the average RTT and the 90th
		// percentile RTT and return.
		desc := *descPtr
		if rtt, ok := s.rttMonitor.getRTT(); ok {
			desc = desc.SetAverageRTT(rtt)
		}
		desc.MinRTT = s.rttMonitor.getMinRTT()
		desc.RTT90 = s.rttMonitor.getRTT90()
		desc.HeartbeatInterval = s.cfg.heartbeatInterval
		return desc, nil
	}

	if s.checkWasCancelled() {
		// If the previous check was cancelled, we don't want to clear the
		// pool. Return a sentinel error so the caller will know that an actual
		// error didn't occur.
		return description.Server{}, errCheckCancelled
	}

	// An error occurred. We reset the RTT monitor for all errors and return
	// an Unknown description. The pool must also be cleared, but only after
	// the description has already been updated, so that is handled by the
	// caller.
	topologyVersion := extractTopologyVersion(err)
	s.rttMonitor.reset()
	return description.NewServerFromError(s.address, err, topologyVersion), nil
}

func (s *Server) pollContext() (context.Context, context.CancelFunc) {
	if s.cfg.heartbeatTimeout == 0 {
		return context.WithCancel(s.heartbeatCtx)
	}
	return context.WithTimeout(s.heartbeatCtx, s.cfg.heartbeatTimeout)
}

func (s *Server) awaitContext() (context.Context, context.CancelFunc) {
	if s.cfg.heartbeatTimeout == 0 {
		return context.WithCancel(s.heartbeatCtx)
	}
	return context.WithTimeout(s.heartbeatCtx, s.cfg.heartbeatTimeout+s.cfg.heartbeatInterval)
}

func extractTopologyVersion(err error) *description.TopologyVersion {
	var ce ConnectionError
	if errors.As(err, &ce) {
		return nil
	}

	var we wire.Error
	if errors.As(err, &we) {
		return we.TopologyVersion
	}

	return nil
}

// unwrapConnectionError returns the connection error wrapped by err, or nil
// if err does not wrap a connection error.
func unwrapConnectionError(err error) error {
	var connErr ConnectionError
	if errors.As(err, &connErr) {
		return connErr.Wrapped
	}

	return nil
}

// publishes a ServerOpeningEvent to indicate the server is being initialized
func (s *Server) publishServerOpeningEvent(addr address.Address) {
	serverOpening := &event.ServerOpeningEvent{
		Address:    addr,
		TopologyID: s.topologyID,
	}

	if s.cfg.serverMonitor != nil && s.cfg.serverMonitor.ServerOpening != nil {
		s.cfg.serverMonitor.ServerOpening(serverOpening)
	}

	if mustLogServerMessage(s) {
		logServerMessage(s, logger.TopologyServerOpening)
	}
}

// publishes a ServerClosedEvent to indicate the server has been closed
func (s *Server) publishServerClosedEvent(addr address.Address) {
	serverClosed := &event.ServerClosedEvent{
		Address:    addr,
		TopologyID: s.topologyID,
	}

	if s.cfg.serverMonitor != nil && s.cfg.serverMonitor.ServerClosed != nil {
		s.cfg.serverMonitor.ServerClosed(serverClosed)
	}

	if mustLogServerMessage(s) {
		logServerMessage(s, logger.TopologyServerClosed)
	}
}

// publishes a ServerHeartbeatStartedEvent to indicate a hello command has started
func (s *Server) publishServerHeartbeatStartedEvent(connectionID string, await bool) {
	serverHeartbeatStarted := &event.ServerHeartbeatStartedEvent{
		ConnectionID: connectionID,
		Awaited:      await,
	}

	if s.cfg.serverMonitor != nil && s.cfg.serverMonitor.ServerHeartbeatStarted != nil {
		s.cfg.serverMonitor.ServerHeartbeatStarted(serverHeartbeatStarted)
	}

	if mustLogServerMessage(s) {
		logServerMessage(s, logger.ServerHeartbeatStarted,
			logger.KeyAwaited, await,
			logger.KeyDriverConnectionID, connectionID)
	}
}

// publishes a ServerHeartbeatSucceededEvent to indicate hello has succeeded
func (s *Server) publishServerHeartbeatSucceededEvent(connectionID string,
	duration time.Duration,
	desc description.Server,
	await bool,
) {
	serverHeartbeatSucceeded := &event.ServerHeartbeatSucceededEvent{
		Duration:     duration,
		Reply:        desc,
		ConnectionID: connectionID,
		Awaited:      await,
	}

	if s.cfg.serverMonitor != nil && s.cfg.serverMonitor.ServerHeartbeatSucceeded != nil {
		s.cfg.serverMonitor.ServerHeartbeatSucceeded(serverHeartbeatSucceeded)
	}

	if mustLogServerMessage(s) {
		logServerMessage(s, logger.ServerHeartbeatSucceeded,
			logger.KeyAwaited, await,
			logger.KeyDurationMS, logger.DurationMS(duration),
			logger.KeyDriverConnectionID, connectionID,
			logger.KeyServerDescriptionKind, desc.Kind.String(),
			logger.KeyReply, desc.String())
	}
}

// publishes a ServerHeartbeatFailedEvent to indicate hello has failed
func (s *Server) publishServerHeartbeatFailedEvent(connectionID string,
	duration time.Duration,
	err error,
	await bool,
) {
	serverHeartbeatFailed := &event.ServerHeartbeatFailedEvent{
		Duration:     duration,
		Failure:      err,
		ConnectionID: connectionID,
		Awaited:      await,
	}

	if s.cfg.serverMonitor != nil && s.cfg.serverMonitor.ServerHeartbeatFailed != nil {
		s.cfg.serverMonitor.ServerHeartbeatFailed(serverHeartbeatFailed)
	}

	if mustLogServerMessage(s) {
		logServerMessage(s, logger.ServerHeartbeatFailed,
			logger.KeyAwaited, await,
			logger.KeyDurationMS, logger.DurationMS(duration),
			logger.KeyDriverConnectionID, connectionID,
			logger.KeyFailure, fmt.Sprint(err))
	}
}
