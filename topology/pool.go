// Copyright (C) MongoDB, Inc. 2022-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/ikmak/mongo-sdam/address"
	"github.com/ikmak/mongo-sdam/event"
	"github.com/ikmak/mongo-sdam/internal/logger"
)

// Connection pool state constants.
const (
	poolPaused int = iota
	poolReady
	poolClosed
)

const (
	defaultMaxConnecting    = uint64(2)
	defaultMaintainInterval = 10 * time.Second

	// maxRefillBatch caps how many connections a single maintain pass asks for.
	maxRefillBatch = 10

	closePollInterval = 10 * time.Millisecond
)

// poolConfig contains all aspects of the pool that can be configured
type poolConfig struct {
	Address          address.Address
	MinPoolSize      uint64
	MaxPoolSize      uint64 // MaxPoolSize is not enforced if it is equal to 0.
	MaxConnecting    uint64
	MaxIdleTime      time.Duration
	WaitQueueTimeout time.Duration
	MaintainInterval time.Duration
	PoolMonitor      *event.PoolMonitor
	Logger           *logger.Logger
	handshakeErrFn   func(error, uint64)
}

type pool struct {
	// The following integer fields must be accessed using the atomic package
	// and should be at the beginning of the struct.
	checkedOut int64

	address          address.Address
	minSize          uint64
	maxSize          uint64
	maxConnecting    uint64
	maxIdleTime      time.Duration
	waitQueueTimeout time.Duration
	monitor          *event.PoolMonitor
	logger           *logger.Logger

	// handshakeErrFn is used to handle any errors that happen during connection
	// establishment and handshaking.
	handshakeErrFn func(error, uint64)

	connOpts   []ConnectionOption
	generation *poolGeneration

	maintainInterval    time.Duration   // maintainInterval is the maintain() loop interval.
	maintainReady       chan struct{}   // maintainReady is a signal channel that starts the maintain() loop when ready() is called.
	backgroundDone      *sync.WaitGroup // backgroundDone waits for all background goroutines to return.
	cancelBackgroundCtx context.CancelFunc
	refill              *refillBackoff

	stateMu      sync.RWMutex // stateMu guards state, lastClearErr
	state        int          // state is the current state of the connection pool.
	lastClearErr error        // lastClearErr is the last error that caused the pool to be cleared.

	// createConnectionsCond is the condition variable that controls when the
	// createConnections() loop runs or waits. Its lock guards conns and
	// newConnWait. Any changes to the state of the guarded values must be made
	// while holding the lock to prevent undefined behavior in the
	// createConnections() waiting logic.
	createConnectionsCond *sync.Cond
	conns                 map[uint64]*connection // conns holds all currently open connections.
	newConnWait           wantConnQueue          // newConnWait holds all wantConn requests for new connections.
	connectSem            *semaphore.Weighted    // connectSem bounds concurrent establishment to maxConnecting.

	idleMu       sync.Mutex    // idleMu guards idleConns, idleConnWait
	idleConns    []*connection // idleConns holds all idle connections.
	idleConnWait wantConnQueue // idleConnWait holds all wantConn requests for idle connections.
}

// reason pairs the event and log descriptions of why a connection closed.
type reason struct {
	loggerConn string
	event      string
}

// maxPrealloc bounds the capacity reserved up front for connection bookkeeping.
// Larger pools grow on demand.
const maxPrealloc = 128

func preallocSize(maxPoolSize uint64) int {
	if maxPoolSize > maxPrealloc {
		return maxPrealloc
	}
	return int(maxPoolSize)
}

// connectionPerished checks if a given connection is perished and should be
// removed from the pool.
func connectionPerished(conn *connection) (reason, bool) {
	switch {
	case conn.closed():
		// A connection would only be closed if it encountered a network error
		// during an operation and closed itself.
		return reason{
			loggerConn: logger.ReasonConnClosedError,
			event:      event.ReasonError,
		}, true
	case conn.idleTimeoutExpired():
		return reason{
			loggerConn: logger.ReasonConnClosedIdle,
			event:      event.ReasonIdle,
		}, true
	case conn.pool.stale(conn):
		return reason{
			loggerConn: logger.ReasonConnClosedStale,
			event:      event.ReasonStale,
		}, true
	}

	return reason{}, false
}

// newPool creates a new pool. It will use the provided options when creating
// connections. The pool starts paused.
func newPool(config poolConfig, connOpts ...ConnectionOption) *pool {
	if config.MaxIdleTime != time.Duration(0) {
		connOpts = append(connOpts, WithIdleTimeout(func(_ time.Duration) time.Duration { return config.MaxIdleTime }))
	}

	maxConnecting := defaultMaxConnecting
	if config.MaxConnecting > 0 {
		maxConnecting = config.MaxConnecting
	}

	maintainInterval := defaultMaintainInterval
	if config.MaintainInterval != 0 {
		maintainInterval = config.MaintainInterval
	}

	pool := &pool{
		address:               config.Address,
		minSize:               config.MinPoolSize,
		maxSize:               config.MaxPoolSize,
		maxConnecting:         maxConnecting,
		maxIdleTime:           config.MaxIdleTime,
		waitQueueTimeout:      config.WaitQueueTimeout,
		monitor:               config.PoolMonitor,
		logger:                config.Logger,
		handshakeErrFn:        config.handshakeErrFn,
		connOpts:              connOpts,
		generation:            newPoolGeneration(),
		state:                 poolPaused,
		maintainInterval:      maintainInterval,
		maintainReady:         make(chan struct{}, 1),
		backgroundDone:        &sync.WaitGroup{},
		refill:                newRefillBackoff(maintainInterval),
		createConnectionsCond: sync.NewCond(&sync.Mutex{}),
		conns:                 make(map[uint64]*connection, preallocSize(config.MaxPoolSize)),
		connectSem:            semaphore.NewWeighted(int64(maxConnecting)),
		idleConns:             make([]*connection, 0, preallocSize(config.MaxPoolSize)),
	}
	// minSize must not exceed maxSize if maxSize is not 0
	if pool.maxSize != 0 && pool.minSize > pool.maxSize {
		pool.minSize = pool.maxSize
	}
	pool.connOpts = append(pool.connOpts, withErrorHandlingCallback(pool.handshakeErrFn))

	pool.generation.connect()

	// Create a Context with cancellation that's used to signal the
	// createConnections() and maintain() background goroutines to stop. Also
	// create a "backgroundDone" WaitGroup that is used to wait for the
	// background goroutines to return.
	var ctx context.Context
	ctx, pool.cancelBackgroundCtx = context.WithCancel(context.Background())

	pool.backgroundDone.Add(1)
	go pool.createConnections(ctx, pool.backgroundDone)

	// If maintainInterval is not positive, don't start the maintain()
	// goroutine. Expect that negative values are only used in testing; this
	// config value is not user-configurable.
	if maintainInterval > 0 {
		pool.backgroundDone.Add(1)
		go pool.maintain(ctx, pool.backgroundDone)
	}

	if mustLogPoolMessage(pool) {
		logPoolMessage(pool, logger.ConnectionPoolCreated,
			logger.KeyMaxIdleTimeMS, config.MaxIdleTime.Milliseconds(),
			logger.KeyMinPoolSize, config.MinPoolSize,
			logger.KeyMaxPoolSize, config.MaxPoolSize,
			logger.KeyMaxConnecting, maxConnecting,
			logger.KeyWaitQueueTimeoutMS, config.WaitQueueTimeout.Milliseconds(),
		)
	}

	pool.publish(&event.PoolEvent{
		Type: event.PoolCreated,
		PoolOptions: &event.MonitorPoolOptions{
			MaxPoolSize:        config.MaxPoolSize,
			MinPoolSize:        config.MinPoolSize,
			MaxIdleTimeMS:      uint64(config.MaxIdleTime.Milliseconds()),
			WaitQueueTimeoutMS: uint64(config.WaitQueueTimeout.Milliseconds()),
		},
	})

	return pool
}

func mustLogPoolMessage(pool *pool) bool {
	return pool.logger != nil && pool.logger.LevelComponentEnabled(
		logger.LevelDebug, logger.ComponentConnection)
}

func logPoolMessage(pool *pool, msg string, keysAndValues ...interface{}) {
	pool.logger.Print(logger.LevelDebug,
		logger.ComponentConnection,
		msg,
		logger.ServerKeyValues(pool.address, keysAndValues...)...)
}

func (p *pool) publish(evt *event.PoolEvent) {
	if p.monitor == nil || p.monitor.Event == nil {
		return
	}
	evt.Address = p.address.String()
	p.monitor.Event(evt)
}

// stale checks if a given connection's generation is below the generation of
// the pool
func (p *pool) stale(conn *connection) bool {
	return conn == nil || p.generation.stale(conn.generation)
}

func (p *pool) getState() int {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()

	return p.state
}

// ready puts the pool into the "ready" state and starts the background
// connection creation and monitoring goroutines. ready must be called before
// connections can be checked out. An unused, connected pool must be closed or
// it will leak goroutines and will not be garbage collected.
func (p *pool) ready() error {
	// While holding the stateMu lock, set the pool to "ready" if it is
	// currently "paused".
	p.stateMu.Lock()
	if p.state == poolReady {
		p.stateMu.Unlock()
		return nil
	}
	if p.state != poolPaused {
		p.stateMu.Unlock()
		return ErrPoolClosed
	}
	p.lastClearErr = nil
	p.state = poolReady
	p.stateMu.Unlock()

	if mustLogPoolMessage(p) {
		logPoolMessage(p, logger.ConnectionPoolReady)
	}

	p.publish(&event.PoolEvent{Type: event.PoolReady})

	// Signal maintain() to wake up immediately when marking the pool "ready".
	select {
	case p.maintainReady <- struct{}{}:
	default:
	}

	return nil
}

// close closes the pool, closes all connections associated with the pool, and
// stops all background goroutines. All subsequent checkOut requests will
// return an error. An unused, ready pool must be closed or it will leak
// goroutines and will not be garbage collected.
func (p *pool) close(ctx context.Context) {
	p.stateMu.Lock()
	if p.state == poolClosed {
		p.stateMu.Unlock()
		return
	}
	p.state = poolClosed
	p.stateMu.Unlock()

	// Call cancelBackgroundCtx() to exit the maintain() and createConnections()
	// background goroutines. Broadcast to the createConnectionsCond to wake up
	// the createConnections() goroutine. We must hold the
	// createConnectionsCond lock here because we're changing the condition by
	// cancelling the "background goroutine" Context.
	p.createConnectionsCond.L.Lock()
	p.cancelBackgroundCtx()
	p.createConnectionsCond.Broadcast()
	p.createConnectionsCond.L.Unlock()

	// Wait for all background goroutines to exit.
	p.backgroundDone.Wait()

	p.generation.disconnect()

	if ctx == nil {
		ctx = context.Background()
	}

	// If we have a deadline then we interpret it as a request to gracefully
	// shutdown. We wait until either all the connections have been checked
	// back into the pool (i.e. total open connections equals idle connections)
	// or until the Context deadline is reached.
	if _, ok := ctx.Deadline(); ok {
		ticker := time.NewTicker(closePollInterval)
		defer ticker.Stop()

	graceful:
		for p.totalConnectionCount() != p.availableConnectionCount() {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				break graceful
			}
		}
	}

	// Empty the idle connections stack and try to deliver ErrPoolClosed to
	// any waiting wantConns from idleConnWait while holding the idleMu lock.
	p.idleMu.Lock()
	for _, conn := range p.idleConns {
		_ = p.removeConnection(conn, reason{
			loggerConn: logger.ReasonConnClosedPoolClosed,
			event:      event.ReasonPoolClosed,
		}, nil)
		_ = p.closeConnection(conn) // We don't care about errors while closing the connection.
	}
	p.idleConns = p.idleConns[:0]
	for {
		w := p.idleConnWait.popFront()
		if w == nil {
			break
		}
		w.tryDeliver(nil, ErrPoolClosed)
	}
	p.idleMu.Unlock()

	// Collect all conns from the pool and try to deliver ErrPoolClosed to any
	// waiting wantConns from newConnWait while holding the
	// createConnectionsCond lock. We can't call removeConnection on the
	// connections while holding any locks, so do that after we release the
	// lock.
	p.createConnectionsCond.L.Lock()
	conns := make([]*connection, 0, len(p.conns))
	for _, conn := range p.conns {
		conns = append(conns, conn)
	}
	for {
		w := p.newConnWait.popFront()
		if w == nil {
			break
		}
		w.tryDeliver(nil, ErrPoolClosed)
	}
	p.createConnectionsCond.L.Unlock()

	// Now that we're not holding any locks, remove all of the connections we
	// collected from the pool.
	for _, conn := range conns {
		_ = p.removeConnection(conn, reason{
			loggerConn: logger.ReasonConnClosedPoolClosed,
			event:      event.ReasonPoolClosed,
		}, nil)
		_ = p.closeConnection(conn) // We don't care about errors while closing the connection.
	}

	if mustLogPoolMessage(p) {
		logPoolMessage(p, logger.ConnectionPoolClosed)
	}

	p.publish(&event.PoolEvent{Type: event.PoolClosedEvent})
}

// checkOut checks out a connection from the pool. If an idle connection is
// not available, the checkOut enters a queue waiting for either the next idle
// or new connection. If the pool is not ready, checkOut returns an error.
// The wait is bounded by ctx and the pool's wait queue timeout.
func (p *pool) checkOut(ctx context.Context) (conn *connection, err error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if mustLogPoolMessage(p) {
		logPoolMessage(p, logger.ConnectionCheckoutStarted)
	}
	p.publish(&event.PoolEvent{Type: event.GetStarted})

	start := time.Now()

	// Check the pool state while holding a stateMu read lock. If the pool
	// state is not "ready", return an error. Do all of this while holding the
	// stateMu read lock to prevent a state change between checking the state
	// and entering the wait queue. Not holding the stateMu read lock here may
	// allow a checkOut() to enter the wait queue after clear() pauses the pool
	// and clears the wait queue, resulting in createConnections() doing work
	// while the pool is "paused".
	p.stateMu.RLock()
	switch p.state {
	case poolClosed:
		p.stateMu.RUnlock()

		p.checkOutFailed(start, logger.ReasonConnCheckoutFailedPoolClosed, event.ReasonPoolClosed, ErrPoolClosed)
		return nil, ErrPoolClosed
	case poolPaused:
		err := PoolClearedError{Wrapped: p.lastClearErr, Address: p.address}
		p.stateMu.RUnlock()

		p.checkOutFailed(start, logger.ReasonConnCheckoutFailedPoolPaused, event.ReasonConnectionErrored, err)
		return nil, err
	}

	// Create a wantConn, which we will use to request an existing idle or new
	// connection, or the error if the pool is closed or cleared.
	w := newWantConn()
	defer func() {
		if err != nil {
			w.cancel(p, err)
		}
	}()

	// Get in the queue for an idle connection. If getOrQueueForIdleConn
	// returns true, it was able to immediately deliver an idle connection to
	// the wantConn, so we can return the connection or error from the
	// wantConn without waiting for "ready".
	if delivered := p.getOrQueueForIdleConn(w); delivered {
		p.stateMu.RUnlock()
		if w.err != nil {
			p.checkOutFailed(start, logger.ReasonConnCheckoutFailedError, event.ReasonConnectionErrored, w.err)
			return nil, w.err
		}

		p.checkOutSucceeded(start, w.conn)
		return w.conn, nil
	}

	// If we didn't get an immediately available idle connection, also get in
	// the queue for a new connection while we're waiting for an idle
	// connection.
	p.queueForNewConn(w)
	p.stateMu.RUnlock()

	waitCtx := ctx
	if p.waitQueueTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.waitQueueTimeout)
		defer cancel()
	}

	// Wait for either the wantConn to be ready or for the Context to time out.
	waitQueueStart := time.Now()
	select {
	case <-w.ready:
		if w.err != nil {
			p.checkOutFailed(start, logger.ReasonConnCheckoutFailedError, event.ReasonConnectionErrored, w.err)
			return nil, w.err
		}

		p.checkOutSucceeded(start, w.conn)
		return w.conn, nil
	case <-waitCtx.Done():
		err := WaitQueueTimeoutError{
			Wrapped:                  waitCtx.Err(),
			MaxPoolSize:              p.maxSize,
			TotalConnectionCount:     p.totalConnectionCount(),
			AvailableConnectionCount: p.availableConnectionCount(),
			WaitDuration:             time.Since(waitQueueStart),
		}

		p.checkOutFailed(start, logger.ReasonConnCheckoutFailedTimeout, event.ReasonTimedOut, err)
		return nil, err
	}
}

func (p *pool) checkOutSucceeded(start time.Time, conn *connection) {
	atomic.AddInt64(&p.checkedOut, 1)
	duration := time.Since(start)

	if mustLogPoolMessage(p) {
		logPoolMessage(p, logger.ConnectionCheckedOut,
			logger.KeyDriverConnectionID, conn.driverConnectionID,
			logger.KeyDurationMS, duration.Milliseconds(),
		)
	}

	p.publish(&event.PoolEvent{
		Type:         event.GetSucceeded,
		ConnectionID: int64(conn.driverConnectionID),
		Generation:   conn.generation,
		Duration:     duration,
	})
}

func (p *pool) checkOutFailed(start time.Time, logReason, eventReason string, err error) {
	duration := time.Since(start)

	if mustLogPoolMessage(p) {
		logPoolMessage(p, logger.ConnectionCheckoutFailed,
			logger.KeyReason, logReason,
			logger.KeyError, err.Error(),
			logger.KeyDurationMS, duration.Milliseconds(),
		)
	}

	p.publish(&event.PoolEvent{
		Type:     event.GetFailed,
		Reason:   eventReason,
		Error:    err,
		Duration: duration,
	})
}

// closeConnection closes a connection.
func (p *pool) closeConnection(conn *connection) error {
	if conn.pool != p {
		return ErrWrongPool
	}

	if atomic.LoadInt64(&conn.state) == connConnected {
		conn.closeConnectContext()
		_ = conn.wait() // Make sure that the connection has finished connecting.
	}

	return conn.close()
}

// removeConnection removes a connection from the pool and emits a
// "ConnectionClosed" event.
func (p *pool) removeConnection(conn *connection, reason reason, err error) error {
	if conn == nil {
		return nil
	}

	if conn.pool != p {
		return ErrWrongPool
	}

	p.createConnectionsCond.L.Lock()
	_, ok := p.conns[conn.driverConnectionID]
	if !ok {
		// If the connection has been removed from the pool already, exit
		// without doing any additional state changes.
		p.createConnectionsCond.L.Unlock()
		return nil
	}
	delete(p.conns, conn.driverConnectionID)
	// Signal the createConnectionsCond so any goroutines waiting for a new
	// connection slot in the pool will proceed.
	p.createConnectionsCond.Signal()
	p.createConnectionsCond.L.Unlock()

	p.generation.removeConnection(conn.generation)

	if mustLogPoolMessage(p) {
		keysAndValues := logger.KeyValues{
			logger.KeyDriverConnectionID, conn.driverConnectionID,
			logger.KeyReason, reason.loggerConn,
		}
		if err != nil {
			keysAndValues.Add(logger.KeyError, err.Error())
		}

		logPoolMessage(p, logger.ConnectionClosed, keysAndValues...)
	}

	p.publish(&event.PoolEvent{
		Type:         event.ConnectionClosed,
		ConnectionID: int64(conn.driverConnectionID),
		Generation:   conn.generation,
		Reason:       reason.event,
		Error:        err,
	})

	return nil
}

// checkIn returns an idle connection to the pool. If the connection is
// perished or the pool is closed, it is removed from the connection pool and
// closed.
func (p *pool) checkIn(conn *connection) error {
	if conn == nil {
		return nil
	}
	if conn.pool != p {
		return ErrWrongPool
	}

	atomic.AddInt64(&p.checkedOut, -1)

	if mustLogPoolMessage(p) {
		logPoolMessage(p, logger.ConnectionCheckedIn,
			logger.KeyDriverConnectionID, conn.driverConnectionID,
		)
	}

	p.publish(&event.PoolEvent{
		Type:         event.ConnectionReturned,
		ConnectionID: int64(conn.driverConnectionID),
		Generation:   conn.generation,
	})

	return p.checkInNoEvent(conn)
}

// checkInNoEvent returns a connection to the pool. It behaves identically to
// checkIn except it does not publish events. It is only intended for use by
// pool-internal functions.
func (p *pool) checkInNoEvent(conn *connection) error {
	if conn == nil {
		return nil
	}
	if conn.pool != p {
		return ErrWrongPool
	}

	// Bump the connection idle start time here because we're about to make
	// the connection "available". The idle start time is used to determine
	// how long a connection has been idle and when it has reached its max
	// idle time and should be closed. A connection reaches its max idle time
	// when it has been "available" in the idle connections stack for more
	// than the configured duration (maxIdleTimeMS).
	conn.bumpIdleStart()

	if reason, perished := connectionPerished(conn); perished {
		_ = p.removeConnection(conn, reason, nil)
		go func() {
			_ = p.closeConnection(conn)
		}()
		return nil
	}

	if p.getState() == poolClosed {
		_ = p.removeConnection(conn, reason{
			loggerConn: logger.ReasonConnClosedPoolClosed,
			event:      event.ReasonPoolClosed,
		}, nil)

		go func() {
			_ = p.closeConnection(conn)
		}()
		return nil
	}

	p.idleMu.Lock()
	defer p.idleMu.Unlock()

	for {
		w := p.idleConnWait.popFront()
		if w == nil {
			break
		}
		if w.tryDeliver(conn, nil) {
			return nil
		}
	}

	for _, idle := range p.idleConns {
		if idle == conn {
			return fmt.Errorf("duplicate idle conn %p in idle connections stack", conn)
		}
	}

	p.idleConns = append(p.idleConns, conn)
	return nil
}

// clear bumps the pool generation, pauses the pool, and fails every pending
// check-out with a PoolClearedError wrapping err. Connections of the old
// generation are closed when they are next seen by the pool.
func (p *pool) clear(err error) {
	p.stateMu.Lock()
	if p.state == poolClosed {
		p.stateMu.Unlock()
		return
	}

	generation := p.generation.clear()

	// If the pool is already "paused", don't send another
	// "ConnectionPoolCleared" event.
	sendEvent := p.state != poolPaused
	p.state = poolPaused
	p.lastClearErr = err
	p.stateMu.Unlock()

	pcErr := PoolClearedError{Wrapped: err, Address: p.address}

	// Clear the idle connections wait queue.
	p.idleMu.Lock()
	for {
		w := p.idleConnWait.popFront()
		if w == nil {
			break
		}
		w.tryDeliver(nil, pcErr)
	}
	p.idleMu.Unlock()

	// Clear the new connections wait queue. This effectively pauses the
	// createConnections() background goroutine because newConnWait is empty
	// and checkOut() won't insert any more wantConns into newConnWait until
	// the pool is marked "ready" again.
	p.createConnectionsCond.L.Lock()
	for {
		w := p.newConnWait.popFront()
		if w == nil {
			break
		}
		w.tryDeliver(nil, pcErr)
	}
	p.createConnectionsCond.L.Unlock()

	// Every idle connection now belongs to an old generation.
	p.removePerishedConns()

	if sendEvent {
		if mustLogPoolMessage(p) {
			keysAndValues := logger.KeyValues{logger.KeyGeneration, generation}
			if err != nil {
				keysAndValues.Add(logger.KeyError, err.Error())
			}
			logPoolMessage(p, logger.ConnectionPoolCleared, keysAndValues...)
		}

		p.publish(&event.PoolEvent{
			Type:       event.PoolCleared,
			Generation: generation,
			Error:      err,
		})
	}
}

// getOrQueueForIdleConn attempts to deliver an idle connection to the given
// wantConn. If there is an idle connection in the idle connections stack, it
// pops an idle connection, delivers it to the wantConn, and returns true. If
// there are no idle connections in the idle connections stack, it adds the
// wantConn to the idleConnWait queue and returns false.
func (p *pool) getOrQueueForIdleConn(w *wantConn) bool {
	p.idleMu.Lock()
	defer p.idleMu.Unlock()

	// Try to deliver an idle connection from the idleConns stack first.
	for len(p.idleConns) > 0 {
		conn := p.idleConns[len(p.idleConns)-1]
		p.idleConns = p.idleConns[:len(p.idleConns)-1]

		if conn == nil {
			continue
		}

		if reason, perished := connectionPerished(conn); perished {
			_ = conn.pool.removeConnection(conn, reason, nil)
			go func() {
				_ = conn.pool.closeConnection(conn)
			}()
			continue
		}

		if !w.tryDeliver(conn, nil) {
			// If we couldn't deliver the conn to w, put it back in the
			// idleConns stack.
			p.idleConns = append(p.idleConns, conn)
		}

		// If we got here, we tried to deliver an idle conn to w. No matter if
		// tryDeliver() returned true or false, w is no longer waiting and
		// doesn't need to be added to any wait queues, so return
		// delivered = true.
		return true
	}

	p.idleConnWait.cleanFront()
	p.idleConnWait.pushBack(w)
	return false
}

func (p *pool) queueForNewConn(w *wantConn) {
	p.createConnectionsCond.L.Lock()
	defer p.createConnectionsCond.L.Unlock()

	p.newConnWait.cleanFront()
	p.newConnWait.pushBack(w)
	p.createConnectionsCond.Signal()
}

func (p *pool) totalConnectionCount() int {
	p.createConnectionsCond.L.Lock()
	defer p.createConnectionsCond.L.Unlock()

	return len(p.conns)
}

func (p *pool) availableConnectionCount() int {
	p.idleMu.Lock()
	defer p.idleMu.Unlock()

	return len(p.idleConns)
}

func (p *pool) checkedOutConnectionCount() int {
	return int(atomic.LoadInt64(&p.checkedOut))
}

// createConnections creates connections for wantConn requests on the
// newConnWait queue. At most maxConnecting connections are established at
// the same time.
func (p *pool) createConnections(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	// condition returns true if the createConnections() loop should continue
	// and false if it should wait. Note that the condition also listens for
	// Context cancellation, which also causes the loop to continue, allowing
	// for a subsequent check to return from createConnections().
	condition := func() bool {
		checkOutWaiting := p.newConnWait.len() > 0
		poolHasSpace := p.maxSize == 0 || uint64(len(p.conns)) < p.maxSize
		cancelled := ctx.Err() != nil
		return (checkOutWaiting && poolHasSpace) || cancelled
	}

	// wait waits for there to be an available wantConn and for the pool to
	// have space for a new connection. When the condition becomes true, it
	// creates a new connection and returns the waiting wantConn and new
	// connection. If the Context is cancelled or there are any errors, wait
	// returns with "ok = false".
	wait := func() (*wantConn, *connection, bool) {
		p.createConnectionsCond.L.Lock()
		defer p.createConnectionsCond.L.Unlock()

		for !condition() {
			p.createConnectionsCond.Wait()
		}

		if ctx.Err() != nil {
			return nil, nil, false
		}

		p.newConnWait.cleanFront()
		w := p.newConnWait.popFront()
		if w == nil {
			return nil, nil, false
		}

		conn := newConnection(p.address, p.connOpts...)
		conn.pool = p
		conn.generation = p.generation.addConnection()
		p.conns[conn.driverConnectionID] = conn

		return w, conn, true
	}

	for ctx.Err() == nil {
		if err := p.connectSem.Acquire(ctx, 1); err != nil {
			return
		}

		w, conn, ok := wait()
		if !ok {
			p.connectSem.Release(1)
			continue
		}

		go func() {
			defer p.connectSem.Release(1)
			p.establish(ctx, w, conn)
		}()
	}
}

// establish connects conn and hands it to w, or to the idle stack if w has
// stopped waiting.
func (p *pool) establish(ctx context.Context, w *wantConn, conn *connection) {
	if mustLogPoolMessage(p) {
		logPoolMessage(p, logger.ConnectionCreated,
			logger.KeyDriverConnectionID, conn.driverConnectionID,
		)
	}

	p.publish(&event.PoolEvent{
		Type:         event.ConnectionCreated,
		ConnectionID: int64(conn.driverConnectionID),
		Generation:   conn.generation,
	})

	start := time.Now()
	if err := conn.connect(ctx); err != nil {
		w.tryDeliver(nil, err)

		_ = p.removeConnection(conn, reason{
			loggerConn: logger.ReasonConnClosedError,
			event:      event.ReasonError,
		}, err)
		_ = p.closeConnection(conn)
		return
	}
	duration := time.Since(start)

	if mustLogPoolMessage(p) {
		logPoolMessage(p, logger.ConnectionReady,
			logger.KeyDriverConnectionID, conn.driverConnectionID,
			logger.KeyDurationMS, duration.Milliseconds(),
		)
	}

	p.publish(&event.PoolEvent{
		Type:         event.ConnectionReady,
		ConnectionID: int64(conn.driverConnectionID),
		Generation:   conn.generation,
		Duration:     duration,
	})

	if w.tryDeliver(conn, nil) {
		return
	}

	_ = p.checkInNoEvent(conn)
}

func (p *pool) maintain(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(p.maintainInterval)
	defer ticker.Stop()

	// remove removes the *wantConn at index i from the slice and returns the
	// new slice. The order of the slice is not maintained.
	remove := func(arr []*wantConn, i int) []*wantConn {
		end := len(arr) - 1
		arr[i], arr[end] = arr[end], arr[i]
		return arr[:end]
	}

	// removeNotWaiting removes any wantConns that are no longer waiting from
	// given slice of wantConns. That allows maintain() to use the size of its
	// wantConns slice as an indication of how many new connection requests
	// are outstanding and subtract that from the number of connections to ask
	// for when maintaining minPoolSize.
	removeNotWaiting := func(arr []*wantConn) []*wantConn {
		for i := len(arr) - 1; i >= 0; i-- {
			w := arr[i]
			if !w.waiting() {
				arr = remove(arr, i)
			}
		}

		return arr
	}

	wantConns := make([]*wantConn, 0, p.minSize)
	for {
		select {
		case <-ticker.C:
		case <-p.maintainReady:
		case <-ctx.Done():
			return
		}

		// Only maintain the pool while it's in the "ready" state. If the pool
		// state is not "ready", wait for the next tick or "ready" signal. Do
		// all of this while holding the stateMu read lock to prevent a state
		// change between checking the state and entering the wait queue. Not
		// holding the stateMu read lock here may allow maintain() to request
		// wantConns after clear() pauses the pool and clears the wait queue,
		// resulting in createConnections() doing work while the pool is
		// "paused".
		p.stateMu.RLock()
		if p.state != poolReady {
			p.stateMu.RUnlock()
			continue
		}

		p.removePerishedConns()

		// Remove any wantConns that are no longer waiting.
		wantConns = removeNotWaiting(wantConns)

		if !p.refill.allowed(time.Now()) {
			p.stateMu.RUnlock()
			continue
		}

		// Figure out how many more wantConns we need to satisfy minPoolSize.
		// Assume that the number of outstanding wantConns (i.e. the number of
		// wantConns remaining after removing not-waiting wantConns) is the
		// number of connections that are currently being established.
		n := int(p.minSize) - p.totalConnectionCount() - len(wantConns)
		if n > maxRefillBatch {
			n = maxRefillBatch
		}

		for i := 0; i < n; i++ {
			w := newWantConn()
			p.queueForNewConn(w)
			wantConns = append(wantConns, w)

			// Start a goroutine for each new wantConn, waiting for it to be
			// ready.
			go func() {
				<-w.ready
				if w.conn != nil {
					p.refill.succeeded()
					_ = p.checkInNoEvent(w.conn)
					return
				}
				var connErr ConnectionError
				if errors.As(w.err, &connErr) {
					p.refill.failed(time.Now())
				}
			}()
		}
		p.stateMu.RUnlock()
	}
}

func (p *pool) removePerishedConns() {
	p.idleMu.Lock()
	defer p.idleMu.Unlock()

	for i := range p.idleConns {
		conn := p.idleConns[i]
		if conn == nil {
			continue
		}

		if reason, perished := connectionPerished(conn); perished {
			p.idleConns[i] = nil

			_ = p.removeConnection(conn, reason, nil)
			go func() {
				_ = p.closeConnection(conn)
			}()
		}
	}

	p.idleConns = compact(p.idleConns)
}

// compact removes any nil pointers from the slice and keeps the non-nil
// pointers, retaining the order of the non-nil pointers.
func compact(arr []*connection) []*connection {
	offset := 0
	for i := range arr {
		if arr[i] == nil {
			continue
		}
		arr[offset] = arr[i]
		offset++
	}
	return arr[:offset]
}

// refillBackoff delays minPoolSize refills after connections fail to
// establish.
type refillBackoff struct {
	mu      sync.Mutex
	backoff *backoff.ExponentialBackOff
	next    time.Time
}

func newRefillBackoff(interval time.Duration) *refillBackoff {
	if interval <= 0 {
		interval = defaultMaintainInterval
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	b.MaxInterval = 30 * interval
	b.MaxElapsedTime = 0
	return &refillBackoff{backoff: b}
}

func (r *refillBackoff) allowed(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return !now.Before(r.next)
}

func (r *refillBackoff) failed(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next = now.Add(r.backoff.NextBackOff())
}

func (r *refillBackoff) succeeded() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.backoff.Reset()
	r.next = time.Time{}
}

// A wantConn records state about a wanted connection (that is, an active call
// to checkOut) and provides a channel for delivering the connection or error.
type wantConn struct {
	ready chan struct{}

	mu   sync.Mutex // Guards conn, err
	conn *connection
	err  error
}

func newWantConn() *wantConn {
	return &wantConn{
		ready: make(chan struct{}, 1),
	}
}

// waiting reports whether w is still waiting for an answer (connection or
// error).
func (w *wantConn) waiting() bool {
	select {
	case <-w.ready:
		return false
	default:
		return true
	}
}

// tryDeliver attempts to deliver conn, err to w and reports whether it
// succeeded.
func (w *wantConn) tryDeliver(conn *connection, err error) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn != nil || w.err != nil {
		return false
	}

	w.conn = conn
	w.err = err
	if w.conn == nil && w.err == nil {
		panic("topology: internal error: misuse of tryDeliver")
	}

	close(w.ready)

	return true
}

// cancel marks w as no longer wanting a result (for example, due to
// cancellation). If a connection has been delivered already, cancel returns
// it with p.checkInNoEvent(). Note that the caller must not hold any locks in
// the pool while calling cancel.
func (w *wantConn) cancel(p *pool, err error) {
	if err == nil {
		panic("topology: internal error: misuse of cancel")
	}

	w.mu.Lock()
	if w.conn == nil && w.err == nil {
		close(w.ready) // catch misbehavior in future delivery
	}
	conn := w.conn
	w.conn = nil
	w.err = err
	w.mu.Unlock()

	p.idleMu.Lock()
	p.idleConnWait.remove(w)
	p.idleMu.Unlock()

	p.createConnectionsCond.L.Lock()
	p.newConnWait.remove(w)
	p.createConnectionsCond.L.Unlock()

	if conn != nil {
		_ = p.checkInNoEvent(conn)
	}
}

// A wantConnQueue is a queue of wantConns.
//
// Inspired by net/http/transport.go
type wantConnQueue struct {
	// This is a queue, not a deque. It is split into two stages - head[headPos:]
	// and tail. popFront is trivial (headPos++) on the first stage, and
	// pushBack is trivial (append) on the second stage. If the first stage is
	// empty, popFront can swap the first and second stages to remedy the
	// situation.
	//
	// This two-stage split is analogous to the use of two lists in Okasaki's
	// purely functional queue but without the overhead of reversing the list
	// when swapping stages.
	head    []*wantConn
	headPos int
	tail    []*wantConn
}

// len returns the number of items in the queue.
func (q *wantConnQueue) len() int {
	return len(q.head) - q.headPos + len(q.tail)
}

// pushBack adds w to the back of the queue.
func (q *wantConnQueue) pushBack(w *wantConn) {
	q.tail = append(q.tail, w)
}

// popFront removes and returns the wantConn at the front of the queue.
func (q *wantConnQueue) popFront() *wantConn {
	if q.headPos >= len(q.head) {
		if len(q.tail) == 0 {
			return nil
		}
		// Pick up tail as new head, clear tail.
		q.head, q.headPos, q.tail = q.tail, 0, q.head[:0]
	}
	w := q.head[q.headPos]
	q.head[q.headPos] = nil
	q.headPos++
	return w
}

// peekFront returns the wantConn at the front of the queue without removing
// it.
func (q *wantConnQueue) peekFront() *wantConn {
	if q.headPos < len(q.head) {
		return q.head[q.headPos]
	}
	if len(q.tail) > 0 {
		return q.tail[0]
	}
	return nil
}

// remove deletes w from the queue, keeping the order of the others. It is a
// no-op if w is not queued.
func (q *wantConnQueue) remove(w *wantConn) {
	for i := q.headPos; i < len(q.head); i++ {
		if q.head[i] == w {
			copy(q.head[i:], q.head[i+1:])
			q.head[len(q.head)-1] = nil
			q.head = q.head[:len(q.head)-1]
			return
		}
	}
	for i, tw := range q.tail {
		if tw == w {
			copy(q.tail[i:], q.tail[i+1:])
			q.tail[len(q.tail)-1] = nil
			q.tail = q.tail[:len(q.tail)-1]
			return
		}
	}
}

// cleanFront pops any wantConns that are no longer waiting from the head of
// the queue.
func (q *wantConnQueue) cleanFront() {
	for {
		w := q.peekFront()
		if w == nil || w.waiting() {
			return
		}
		q.popFront()
	}
}
