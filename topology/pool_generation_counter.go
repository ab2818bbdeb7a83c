// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"sync"
	"sync/atomic"
)

// Generation counter states.
const (
	generationDisconnected int32 = iota
	generationConnected
)

// poolGeneration tracks the generation number of a pool and the number of
// live connections created in the current generation. Unlike a counter that
// resets when its last connection goes away, the generation only grows, so a
// connection's generation can always be compared against it.
type poolGeneration struct {
	// state must be accessed using the atomic package.
	state int32

	generation uint64
	numConns   uint64

	sync.Mutex
}

func newPoolGeneration() *poolGeneration {
	return &poolGeneration{}
}

func (p *poolGeneration) connect() {
	atomic.StoreInt32(&p.state, generationConnected)
}

func (p *poolGeneration) disconnect() {
	atomic.StoreInt32(&p.state, generationDisconnected)
}

// addConnection increments the connection count and returns the generation
// number for the new connection.
func (p *poolGeneration) addConnection() uint64 {
	p.Lock()
	defer p.Unlock()

	p.numConns++
	return p.generation
}

// removeConnection decrements the connection count if the connection belongs
// to the current generation.
func (p *poolGeneration) removeConnection(generation uint64) {
	p.Lock()
	defer p.Unlock()

	if generation == p.generation && p.numConns > 0 {
		p.numConns--
	}
}

// clear bumps the generation. Connections created before the call become
// stale.
func (p *poolGeneration) clear() uint64 {
	p.Lock()
	defer p.Unlock()

	p.generation++
	p.numConns = 0
	return p.generation
}

func (p *poolGeneration) stale(knownGeneration uint64) bool {
	// If the counter has been disconnected, all connections should be
	// considered stale to ensure that they're closed.
	if atomic.LoadInt32(&p.state) == generationDisconnected {
		return true
	}

	p.Lock()
	defer p.Unlock()

	return knownGeneration < p.generation
}

func (p *poolGeneration) getGeneration() uint64 {
	p.Lock()
	defer p.Unlock()

	return p.generation
}

func (p *poolGeneration) getNumConns() uint64 {
	p.Lock()
	defer p.Unlock()

	return p.numConns
}
