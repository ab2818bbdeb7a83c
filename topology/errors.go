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
	"net"
	"time"

	"github.com/ikmak/mongo-sdam/address"
	"github.com/ikmak/mongo-sdam/description"
)

var (
	// ErrPoolClosed is returned when attempting to check out a connection from
	// a closed pool.
	ErrPoolClosed = PoolError("attempted to check out a connection from closed connection pool")

	// ErrWrongPool is returned when a connection is returned to a pool it
	// doesn't belong to.
	ErrWrongPool = PoolError("connection does not belong to this pool")

	// ErrServerClosed occurs when an attempt to get a connection is made after
	// the server has been closed.
	ErrServerClosed = errors.New("server is closed")

	// ErrServerConnected occurs when at attempt to connect is made after a
	// server has already been connected.
	ErrServerConnected = errors.New("server is connected")

	// ErrTopologyClosed is returned when a user attempts to call a method on a
	// closed Topology.
	ErrTopologyClosed = errors.New("topology is closed")

	// ErrTopologyConnected is returned when a user attempts to Connect to an
	// already connected Topology.
	ErrTopologyConnected = errors.New("topology is connected or connecting")

	// ErrSubscribeAfterClosed is returned when a user attempts to subscribe to
	// a closed Topology.
	ErrSubscribeAfterClosed = errors.New("cannot subscribe after close")

	// ErrServerSelectionTimeout is returned from server selection when the
	// server selection process took longer than allowed by the timeout.
	ErrServerSelectionTimeout = errors.New("server selection timeout")

	// errCheckCancelled is the cause of a heartbeat that was interrupted by
	// cancelCheck.
	errCheckCancelled = errors.New("server check cancelled")
)

// PoolError is an error returned from a pool method.
type PoolError string

func (pe PoolError) Error() string { return string(pe) }

// ConnectionError represents a connection error.
type ConnectionError struct {
	ConnectionID string
	Wrapped      error

	// init will be set to true if this error occurred during connection
	// initialization or during a connection handshake.
	init    bool
	message string
}

// Error implements the error interface.
func (e ConnectionError) Error() string {
	var message string
	if e.message != "" {
		message = e.message
	} else {
		message = "connection(" + e.ConnectionID + ")"
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s", message, e.Wrapped.Error())
	}
	return message
}

// Unwrap returns the underlying error.
func (e ConnectionError) Unwrap() error {
	return e.Wrapped
}

// Timeout reports whether the wrapped error is a network timeout or a
// context deadline.
func (e ConnectionError) Timeout() bool {
	if errors.Is(e.Wrapped, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Wrapped, &ne) && ne.Timeout()
}

// ServerSelectionError represents a Server Selection error.
type ServerSelectionError struct {
	Desc    description.Topology
	Wrapped error
}

// Error implements the error interface.
func (e ServerSelectionError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("server selection error: %s, current topology: { %s }", e.Wrapped.Error(), e.Desc.String())
	}
	return fmt.Sprintf("server selection error: current topology: { %s }", e.Desc.String())
}

// Unwrap returns the underlying error.
func (e ServerSelectionError) Unwrap() error {
	return e.Wrapped
}

// WaitQueueTimeoutError represents a timeout when requesting a connection
// from the pool.
type WaitQueueTimeoutError struct {
	Wrapped                  error
	MaxPoolSize              uint64
	TotalConnectionCount     int
	AvailableConnectionCount int
	WaitDuration             time.Duration
}

// Error implements the error interface.
func (w WaitQueueTimeoutError) Error() string {
	errorMsg := "timed out while checking out a connection from connection pool"
	if w.Wrapped != nil {
		errorMsg = fmt.Sprintf("%s: %s", errorMsg, w.Wrapped.Error())
	}

	return fmt.Sprintf(
		"%s; maxPoolSize: %d, connections in use by other operations: %d, idle connections: %d, wait duration: %s",
		errorMsg,
		w.MaxPoolSize,
		w.TotalConnectionCount-w.AvailableConnectionCount,
		w.AvailableConnectionCount,
		w.WaitDuration.String(),
	)
}

// Unwrap returns the underlying error.
func (w WaitQueueTimeoutError) Unwrap() error {
	return w.Wrapped
}

// PoolClearedError is returned by check-out and by pending check-outs when
// the pool is cleared while they wait.
type PoolClearedError struct {
	Wrapped error
	Address address.Address
}

// Error implements the error interface.
func (pce PoolClearedError) Error() string {
	return fmt.Sprintf(
		"connection pool for %v was cleared because another operation failed with: %v",
		pce.Address,
		pce.Wrapped)
}

// Unwrap returns the underlying error.
func (pce PoolClearedError) Unwrap() error {
	return pce.Wrapped
}

// CompatibilityError reports a server whose wire version range does not
// overlap the range this library supports.
type CompatibilityError struct {
	Address     address.Address
	WireVersion description.VersionRange
}

// Error implements the error interface.
func (e CompatibilityError) Error() string {
	if e.WireVersion.Min > SupportedWireVersions.Max {
		return fmt.Sprintf(
			"server at %s requires wire version %d, but this client only supports up to %d",
			e.Address, e.WireVersion.Min, SupportedWireVersions.Max,
		)
	}
	return fmt.Sprintf(
		"server at %s reports wire version %d, but this client requires at least %d (MongoDB %s)",
		e.Address, e.WireVersion.Max, SupportedWireVersions.Min, MinSupportedMongoDBVersion,
	)
}
