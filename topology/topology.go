// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package topology contains types that handles the discovery, monitoring, and
// selection of servers. This package is designed to expose enough inner
// workings of service discovery and monitoring to allow low level
// applications to have fine grained control, while hiding most of the
// detailed implementation of the algorithms.
package topology

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"golang.org/x/sync/errgroup"

	"github.com/ikmak/mongo-sdam/address"
	"github.com/ikmak/mongo-sdam/description"
	"github.com/ikmak/mongo-sdam/event"
	"github.com/ikmak/mongo-sdam/internal/logger"
	"github.com/ikmak/mongo-sdam/internal/serverselector"
	"github.com/ikmak/mongo-sdam/readpref"
)

// MonitorMode represents the way in which a server is monitored.
type MonitorMode uint8

// These constants are the available monitoring modes.
const (
	AutomaticMode MonitorMode = iota
	SingleMode
)

// OperationKind tells SelectServerFor whether the operation needs a writable
// server.
type OperationKind uint8

// These constants are the operation kinds understood by SelectServerFor.
const (
	ReadOperation OperationKind = iota
	WriteOperation
)

const (
	topologyDisconnected int64 = iota
	topologyDisconnecting
	topologyConnected
	topologyConnecting
)

// Topology represents a MongoDB deployment.
type Topology struct {
	state int64

	cfg *Config

	desc atomic.Value // holds a description.Topology

	fsm *fsm

	// Subscribers receive every new description. Each channel holds at most
	// one description; a newer one replaces an unread older one.
	subscribers         map[uint64]chan description.Topology
	currentSubscriberID uint64
	subscriptionsClosed bool
	subLock             sync.Mutex

	// serversLock guards fsm, servers and serversClosed. Every description
	// update is applied while holding it.
	serversLock   sync.Mutex
	serversClosed bool
	servers       map[address.Address]*Server

	randMu sync.Mutex
	rand   *rand.Rand

	id primitive.ObjectID
}

// New creates a new topology. A "nil" config is interpreted as the default
// configuration.
func New(cfg *Config) (*Topology, error) {
	if cfg == nil {
		var err error
		cfg, err = NewConfig()
		if err != nil {
			return nil, err
		}
	}

	t := &Topology{
		cfg:         cfg,
		fsm:         newFSM(),
		subscribers: make(map[uint64]chan description.Topology),
		servers:     make(map[address.Address]*Server),
		rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
		id:          primitive.NewObjectID(),
	}
	t.desc.Store(description.Topology{})

	// Servers inherit the topology's monitor and logger unless their own
	// options replace them.
	serverOpts := []ServerOption{
		WithServerMonitor(func(*event.ServerMonitor) *event.ServerMonitor { return cfg.ServerMonitor }),
		WithServerLogger(func() *logger.Logger { return cfg.Logger }),
	}
	t.cfg.ServerOpts = append(serverOpts, cfg.ServerOpts...)

	t.publishTopologyOpeningEvent()

	return t, nil
}

func mustLogTopologyMessage(topo *Topology) bool {
	return topo.cfg.Logger.LevelComponentEnabled(logger.LevelDebug, logger.ComponentTopology)
}

func logTopologyMessage(topo *Topology, msg string, keysAndValues ...interface{}) {
	topo.cfg.Logger.Print(logger.LevelDebug, logger.ComponentTopology, msg,
		append(logger.KeyValues{logger.KeyTopologyID, topo.id.Hex()}, keysAndValues...)...)
}

func mustLogServerSelection(topo *Topology, level logger.Level) bool {
	return topo.cfg.Logger.LevelComponentEnabled(level, logger.ComponentServerSelection)
}

func logServerSelection(topo *Topology, level logger.Level, msg string, srvSelector description.ServerSelector,
	keysAndValues ...interface{},
) {
	var selector string
	if sel, ok := srvSelector.(fmt.Stringer); ok {
		selector = sel.String()
	} else {
		selector = fmt.Sprintf("%+v", srvSelector)
	}

	topo.cfg.Logger.Print(level, logger.ComponentServerSelection, msg,
		append(logger.KeyValues{
			logger.KeySelector, selector,
			logger.KeyTopologyID, topo.id.Hex(),
			logger.KeyTopologyDescription, topo.Description().String(),
		}, keysAndValues...)...)
}

func logServerSelectionSucceeded(topo *Topology, srvSelector description.ServerSelector, addr address.Address) {
	host, port := addr.HostPort()
	logServerSelection(topo, logger.LevelDebug, logger.ServerSelectionSucceeded, srvSelector,
		logger.KeyServerHost, host,
		logger.KeyServerPort, port)
}

func logServerSelectionFailed(topo *Topology, srvSelector description.ServerSelector, err error) {
	logServerSelection(topo, logger.LevelDebug, logger.ServerSelectionFailed, srvSelector,
		logger.KeyFailure, err.Error())
}

// ID returns the unique identifier of the topology, as reported in events.
func (t *Topology) ID() primitive.ObjectID {
	return t.id
}

// Connect initializes a Topology and starts the monitoring process. This
// function must be called to properly monitor the topology.
func (t *Topology) Connect() error {
	if !atomic.CompareAndSwapInt64(&t.state, topologyDisconnected, topologyConnecting) {
		return ErrTopologyConnected
	}

	t.serversLock.Lock()

	t.fsm = newFSM()
	t.servers = make(map[address.Address]*Server)
	t.serversClosed = false

	// A replica set name sets the initial topology type to
	// ReplicaSetNoPrimary unless a direct connection is also specified, in
	// which case the initial type is Single.
	if t.cfg.ReplicaSetName != "" {
		t.fsm.SetName = t.cfg.ReplicaSetName
		t.fsm.Kind = description.TopologyKindReplicaSetNoPrimary
	}

	// A direct connection unconditionally sets the topology type to Single.
	if t.cfg.Mode == SingleMode {
		t.fsm.Kind = description.TopologyKindSingle
	}

	for _, a := range t.cfg.SeedList {
		addr := address.Address(a).Canonicalize()
		if _, ok := t.fsm.findServer(addr); ok {
			continue
		}
		t.fsm.Servers = append(t.fsm.Servers, description.NewDefaultServer(addr))
	}

	// The description must be stored before servers are added so their
	// first updates apply to it.
	newDesc := description.Topology{
		Kind:    t.fsm.Kind,
		Servers: t.fsm.Servers,
		SetName: t.fsm.SetName,
	}
	t.desc.Store(newDesc)
	t.publishTopologyDescriptionChangedEvent(description.Topology{}, newDesc)

	for _, s := range newDesc.Servers {
		if err := t.addServer(s.Addr); err != nil {
			t.serversLock.Unlock()
			atomic.StoreInt64(&t.state, topologyDisconnected)
			return err
		}
	}

	t.serversLock.Unlock()

	t.subLock.Lock()
	// explicitly set in case topology was disconnected and then reconnected
	t.subscriptionsClosed = false
	t.subLock.Unlock()

	atomic.StoreInt64(&t.state, topologyConnected)
	return nil
}

// Disconnect closes the topology. It stops the monitoring thread and
// closes all open subscriptions.
func (t *Topology) Disconnect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt64(&t.state, topologyConnected, topologyDisconnecting) {
		return ErrTopologyClosed
	}

	servers := make(map[address.Address]*Server)
	t.serversLock.Lock()
	t.serversClosed = true
	for addr, server := range t.servers {
		servers[addr] = server
	}
	t.serversLock.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, server := range servers {
		server := server
		g.Go(func() error {
			if err := server.Disconnect(gctx); err != nil && err != ErrServerClosed {
				return err
			}
			return nil
		})
	}
	err := g.Wait()

	t.subLock.Lock()
	for id, ch := range t.subscribers {
		close(ch)
		delete(t.subscribers, id)
	}
	t.subscriptionsClosed = true
	t.subLock.Unlock()

	t.desc.Store(description.Topology{})

	atomic.StoreInt64(&t.state, topologyDisconnected)
	t.publishTopologyClosedEvent()
	return err
}

// Description returns a description of the topology.
func (t *Topology) Description() description.Topology {
	td, ok := t.desc.Load().(description.Topology)
	if !ok {
		td = description.Topology{}
	}
	return td
}

// Kind returns the topology kind of this Topology.
func (t *Topology) Kind() description.TopologyKind { return t.Description().Kind }

// Subscription is a subscription to updates to the description of the
// topology. The first value on Updates is the description at the time of
// subscribing.
type Subscription struct {
	Updates <-chan description.Topology
	ID      uint64
}

// Subscribe returns a Subscription on which all updated description.Topologys
// will be sent. The channel of the subscription will have a buffer size of
// one, and will be pre-populated with the current description.Topology.
// Subscribe implements the driver.Subscriber interface.
func (t *Topology) Subscribe() (*Subscription, error) {
	if atomic.LoadInt64(&t.state) != topologyConnected {
		return nil, ErrSubscribeAfterClosed
	}

	ch := make(chan description.Topology, 1)
	ch <- t.Description()

	t.subLock.Lock()
	defer t.subLock.Unlock()
	if t.subscriptionsClosed {
		return nil, ErrSubscribeAfterClosed
	}
	id := t.currentSubscriberID
	t.subscribers[id] = ch
	t.currentSubscriberID++

	return &Subscription{
		Updates: ch,
		ID:      id,
	}, nil
}

// Unsubscribe unsubscribes the given subscription from the topology and
// closes the subscription channel.
func (t *Topology) Unsubscribe(sub *Subscription) error {
	t.subLock.Lock()
	defer t.subLock.Unlock()

	if t.subscriptionsClosed {
		return nil
	}

	ch, ok := t.subscribers[sub.ID]
	if !ok {
		return nil
	}

	close(ch)
	delete(t.subscribers, sub.ID)
	return nil
}

// RequestImmediateCheck will send heartbeats to all the servers in the
// topology right away, instead of waiting for the heartbeat timeout.
func (t *Topology) RequestImmediateCheck() {
	if atomic.LoadInt64(&t.state) != topologyConnected {
		return
	}
	t.serversLock.Lock()
	for _, server := range t.servers {
		server.RequestImmediateCheck()
	}
	t.serversLock.Unlock()
}

// SelectedServer represents a specific server that was selected during
// server selection. It contains the kind of the topology it was selected
// from.
type SelectedServer struct {
	*Server

	Kind description.TopologyKind
}

// SelectServerFor selects a server suitable for an operation of the given
// kind. Reads honor rp, which defaults to primary; writes need a writable
// server. Both are limited to the latency window.
func (t *Topology) SelectServerFor(ctx context.Context, kind OperationKind, rp *readpref.ReadPref) (*SelectedServer, error) {
	var sel description.ServerSelector
	switch kind {
	case WriteOperation:
		sel = &serverselector.Write{}
	default:
		sel = &serverselector.ReadPref{ReadPref: rp, Staleness: t.cfg.StalenessEstimator}
	}

	return t.SelectServer(ctx, &serverselector.Composite{
		Selectors: []description.ServerSelector{
			sel,
			&serverselector.Latency{Latency: t.cfg.LocalThreshold},
		},
	})
}

// SelectServer selects a server with given a selector. It re-runs the selector
// on every description change and will time out after serverSelectionTimeout
// or when the parent context is done.
func (t *Topology) SelectServer(ctx context.Context, ss description.ServerSelector) (*SelectedServer, error) {
	if atomic.LoadInt64(&t.state) != topologyConnected {
		if mustLogServerSelection(t, logger.LevelDebug) {
			logServerSelectionFailed(t, ss, ErrTopologyClosed)
		}
		return nil, ErrTopologyClosed
	}

	var ssTimeoutCh <-chan time.Time
	if t.cfg.ServerSelectionTimeout > 0 {
		ssTimeout := time.NewTimer(t.cfg.ServerSelectionTimeout)
		ssTimeoutCh = ssTimeout.C
		defer ssTimeout.Stop()
	}

	if mustLogServerSelection(t, logger.LevelDebug) {
		logServerSelection(t, logger.LevelDebug, logger.ServerSelectionStarted, ss)
	}

	startTime := time.Now()
	var doneOnce bool
	var sub *Subscription
	for {
		var suitable []description.Server
		var selectErr error

		if !doneOnce {
			// For the first pass, select a server from the current
			// description. This improves selection speed for up-to-date
			// topology descriptions.
			suitable, selectErr = t.selectServerFromDescription(t.Description(), ss)
			doneOnce = true
		} else {
			// If the first pass didn't select a server, the previous
			// description did not contain a suitable server, so we subscribe
			// to the topology and attempt to obtain a server from that
			// subscription.
			if sub == nil {
				var err error
				sub, err = t.Subscribe()
				if err != nil {
					if mustLogServerSelection(t, logger.LevelDebug) {
						logServerSelectionFailed(t, ss, err)
					}
					return nil, err
				}
				defer func() { _ = t.Unsubscribe(sub) }()
			}

			suitable, selectErr = t.selectServerFromSubscription(ctx, sub.Updates, ss, ssTimeoutCh)
		}
		if selectErr != nil {
			if mustLogServerSelection(t, logger.LevelDebug) {
				logServerSelectionFailed(t, ss, selectErr)
			}
			return nil, selectErr
		}

		if len(suitable) == 0 {
			// Try again, and make the monitors report sooner.
			t.RequestImmediateCheck()
			if mustLogServerSelection(t, logger.LevelInfo) {
				remaining := t.cfg.ServerSelectionTimeout - time.Since(startTime)
				logServerSelection(t, logger.LevelInfo, logger.ServerSelectionWaiting, ss,
					logger.KeyRemainingTimeMS, remaining.Milliseconds())
			}
			continue
		}

		selected := suitable[t.randomIndex(len(suitable))]
		server, err := t.FindServer(selected)
		if err != nil {
			if mustLogServerSelection(t, logger.LevelDebug) {
				logServerSelectionFailed(t, ss, err)
			}
			return nil, err
		}
		if server == nil {
			// The server was removed between selection and lookup.
			continue
		}

		if mustLogServerSelection(t, logger.LevelDebug) {
			logServerSelectionSucceeded(t, ss, selected.Addr)
		}
		return server, nil
	}
}

func (t *Topology) randomIndex(n int) int {
	t.randMu.Lock()
	defer t.randMu.Unlock()

	return t.rand.Intn(n)
}

// FindServer will attempt to find a server that fits the given server
// description. This method will return nil, nil if a matching server could
// not be found.
func (t *Topology) FindServer(selected description.Server) (*SelectedServer, error) {
	if atomic.LoadInt64(&t.state) != topologyConnected {
		return nil, ErrTopologyClosed
	}
	t.serversLock.Lock()
	defer t.serversLock.Unlock()
	server, ok := t.servers[selected.Addr]
	if !ok {
		return nil, nil
	}

	return &SelectedServer{
		Server: server,
		Kind:   t.Description().Kind,
	}, nil
}

// selectServerFromSubscription loops until a topology description is
// available for server selection. It returns when the given context expires,
// server selection timeout is reached, or a description containing a
// selectable server is available.
func (t *Topology) selectServerFromSubscription(
	ctx context.Context,
	subscriptionCh <-chan description.Topology,
	ss description.ServerSelector,
	timeoutCh <-chan time.Time,
) ([]description.Server, error) {
	current := t.Description()
	for {
		select {
		case <-ctx.Done():
			return nil, ServerSelectionError{Wrapped: ctx.Err(), Desc: current}
		case <-timeoutCh:
			return nil, ServerSelectionError{Wrapped: ErrServerSelectionTimeout, Desc: current}
		case desc, ok := <-subscriptionCh:
			if !ok {
				return nil, ServerSelectionError{Wrapped: ErrTopologyClosed, Desc: current}
			}
			current = desc
		}

		suitable, err := t.selectServerFromDescription(current, ss)
		if err != nil {
			return nil, err
		}

		if len(suitable) > 0 {
			return suitable, nil
		}
		t.RequestImmediateCheck()
	}
}

// selectServerFromDescription process the given topology description and
// returns a slice of suitable servers. It never blocks.
func (t *Topology) selectServerFromDescription(
	desc description.Topology,
	ss description.ServerSelector,
) ([]description.Server, error) {
	if desc.CompatibilityErr != nil {
		return nil, ServerSelectionError{Wrapped: desc.CompatibilityErr, Desc: desc}
	}

	var allowed []description.Server
	for _, s := range desc.Servers {
		if s.Known() {
			allowed = append(allowed, s)
		}
	}

	suitable, err := ss.SelectServer(desc, allowed)
	if err != nil {
		return nil, ServerSelectionError{Wrapped: err, Desc: desc}
	}
	return suitable, nil
}

// apply updates the Topology and its underlying FSM based on the provided
// server description and returns the server description that should be
// stored.
func (t *Topology) apply(ctx context.Context, desc description.Server) description.Server {
	t.serversLock.Lock()
	defer t.serversLock.Unlock()

	ind, ok := t.fsm.findServer(desc.Addr)
	if t.serversClosed || !ok {
		return desc
	}

	prev := t.fsm.Topology
	oldDesc := t.fsm.Servers[ind]
	if oldDesc.TopologyVersion.CompareToIncoming(desc.TopologyVersion) > 0 {
		return oldDesc
	}

	var current description.Topology
	current, desc = t.fsm.apply(desc)

	// Ready the pool before the new description is published so that a
	// selected server can hand out connections. Members the FSM rejected keep
	// a paused pool.
	if s, ok := t.servers[desc.Addr]; ok && desc.Kind != description.ServerKindUnknown {
		_ = s.pool.ready()
	}

	if !oldDesc.Equal(desc) {
		t.publishServerDescriptionChangedEvent(oldDesc, desc)
	}

	diff := description.DiffTopology(prev, current)

	for _, removed := range diff.Removed {
		if s, ok := t.servers[removed.Addr]; ok {
			go func() {
				// Removed servers are closed without waiting for checked-out
				// connections.
				cancelCtx, cancel := context.WithCancel(ctx)
				cancel()
				_ = s.Disconnect(cancelCtx)
			}()
			delete(t.servers, removed.Addr)
		}
	}

	for _, added := range diff.Added {
		_ = t.addServer(added.Addr)
	}

	t.desc.Store(current)
	if !prev.Equal(current) {
		t.publishTopologyDescriptionChangedEvent(prev, current)
	}

	t.subLock.Lock()
	for _, ch := range t.subscribers {
		// We drain the description if there's one in the channel.
		select {
		case <-ch:
		default:
		}
		ch <- current
	}
	t.subLock.Unlock()

	return desc
}

func (t *Topology) addServer(addr address.Address) error {
	if _, ok := t.servers[addr]; ok {
		return nil
	}

	svr, err := ConnectServer(addr, t.updateCallback, t.id, t.cfg.ServerOpts...)
	if err != nil {
		return err
	}

	t.servers[addr] = svr

	return nil
}

// updateCallback is passed to every server the topology creates.
func (t *Topology) updateCallback(desc description.Server) description.Server {
	return t.apply(context.Background(), desc)
}

// String implements the Stringer interface.
func (t *Topology) String() string {
	desc := t.Description()

	serversStr := ""
	t.serversLock.Lock()
	defer t.serversLock.Unlock()
	for _, s := range t.servers {
		serversStr += "{ " + s.String() + " }, "
	}
	return fmt.Sprintf("Type: %s, Servers: [%s]", desc.Kind, serversStr)
}

// publishes a ServerDescriptionChangedEvent to indicate the server description has changed
func (t *Topology) publishServerDescriptionChangedEvent(prev description.Server, current description.Server) {
	serverDescriptionChanged := &event.ServerDescriptionChangedEvent{
		Address:             current.Addr,
		TopologyID:          t.id,
		PreviousDescription: prev,
		NewDescription:      current,
	}

	if t.cfg.ServerMonitor != nil && t.cfg.ServerMonitor.ServerDescriptionChanged != nil {
		t.cfg.ServerMonitor.ServerDescriptionChanged(serverDescriptionChanged)
	}
}

// publishes a TopologyDescriptionChangedEvent to indicate the topology description has changed
func (t *Topology) publishTopologyDescriptionChangedEvent(prev description.Topology, current description.Topology) {
	topologyDescriptionChanged := &event.TopologyDescriptionChangedEvent{
		TopologyID:          t.id,
		PreviousDescription: prev,
		NewDescription:      current,
	}

	if t.cfg.ServerMonitor != nil && t.cfg.ServerMonitor.TopologyDescriptionChanged != nil {
		t.cfg.ServerMonitor.TopologyDescriptionChanged(topologyDescriptionChanged)
	}

	if mustLogTopologyMessage(t) {
		logTopologyMessage(t, logger.TopologyDescriptionChanged,
			logger.KeyPreviousDescription, prev.String(),
			logger.KeyNewDescription, current.String())
	}
}

// publishes a TopologyOpeningEvent to indicate the topology is being initialized
func (t *Topology) publishTopologyOpeningEvent() {
	topologyOpening := &event.TopologyOpeningEvent{
		TopologyID: t.id,
	}

	if t.cfg.ServerMonitor != nil && t.cfg.ServerMonitor.TopologyOpening != nil {
		t.cfg.ServerMonitor.TopologyOpening(topologyOpening)
	}

	if mustLogTopologyMessage(t) {
		logTopologyMessage(t, logger.TopologyOpening)
	}
}

// publishes a TopologyClosedEvent to indicate the topology has been closed
func (t *Topology) publishTopologyClosedEvent() {
	topologyClosed := &event.TopologyClosedEvent{
		TopologyID: t.id,
	}

	if t.cfg.ServerMonitor != nil && t.cfg.ServerMonitor.TopologyClosed != nil {
		t.cfg.ServerMonitor.TopologyClosed(topologyClosed)
	}

	if mustLogTopologyMessage(t) {
		logTopologyMessage(t, logger.TopologyClosed)
	}
}
