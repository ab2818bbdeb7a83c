// Copyright (C) MongoDB, Inc. 2023-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package logger

import (
	"time"

	"github.com/ikmak/mongo-sdam/address"
)

// KeyValues is a list of key-value pairs.
type KeyValues []interface{}

// Add adds a key-value pair to an instance of a KeyValues list.
func (kvs *KeyValues) Add(key string, value interface{}) {
	*kvs = append(*kvs, key, value)
}

const (
	KeyComponent             = "component"
	KeyDriverConnectionID    = "driverConnectionId"
	KeyDurationMS            = "durationMS"
	KeyError                 = "error"
	KeyFailure               = "failure"
	KeyGeneration            = "generation"
	KeyMaxConnecting         = "maxConnecting"
	KeyMaxIdleTimeMS         = "maxIdleTimeMS"
	KeyMaxPoolSize           = "maxPoolSize"
	KeyMessage               = "message"
	KeyMinPoolSize           = "minPoolSize"
	KeyNewDescription        = "newDescription"
	KeyOperation             = "operation"
	KeyPreviousDescription   = "previousDescription"
	KeyReason                = "reason"
	KeyRemainingTimeMS       = "remainingTimeMS"
	KeySelector              = "selector"
	KeyServerHost            = "serverHost"
	KeyServerPort            = "serverPort"
	KeyTopologyDescription   = "topologyDescription"
	KeyTopologyID            = "topologyId"
	KeyWaitQueueTimeoutMS    = "waitQueueTimeoutMS"
	KeyAwaited               = "awaited"
	KeyServerConnectionID    = "serverConnectionId"
	KeyReply                 = "reply"
	KeyServerDescriptionKind = "serverKind"
	KeyResult                = "result"
)

// Messages logged by the topology, its servers and its pools.
const (
	ConnectionPoolCreated      = "Connection pool created"
	ConnectionPoolReady        = "Connection pool ready"
	ConnectionPoolCleared      = "Connection pool cleared"
	ConnectionPoolClosed       = "Connection pool closed"
	ConnectionCreated          = "Connection created"
	ConnectionReady            = "Connection ready"
	ConnectionClosed           = "Connection closed"
	ConnectionCheckoutStarted  = "Connection checkout started"
	ConnectionCheckoutFailed   = "Connection checkout failed"
	ConnectionCheckedOut       = "Connection checked out"
	ConnectionCheckedIn        = "Connection checked in"
	ServerSelectionStarted     = "Server selection started"
	ServerSelectionFailed      = "Server selection failed"
	ServerSelectionSucceeded   = "Server selection succeeded"
	ServerSelectionWaiting     = "Waiting for suitable server to become available"
	TopologyOpening            = "Starting topology monitoring"
	TopologyClosed             = "Stopped topology monitoring"
	TopologyDescriptionChanged = "Topology description changed"
	TopologyServerOpening      = "Starting server monitoring"
	TopologyServerClosed       = "Stopped server monitoring"
	ServerHeartbeatStarted     = "Server heartbeat started"
	ServerHeartbeatSucceeded   = "Server heartbeat succeeded"
	ServerHeartbeatFailed      = "Server heartbeat failed"
	ServerMarkedUnknown        = "Server marked unknown after an operation error"
)

// Reasons attached to connection and pool messages.
const (
	ReasonConnClosedStale              = "Connection became stale because the pool was cleared"
	ReasonConnClosedIdle               = "Connection has been available but unused for longer than the configured max idle time"
	ReasonConnClosedError              = "An error occurred while using the connection"
	ReasonConnClosedPoolClosed         = "Connection pool was closed"
	ReasonConnCheckoutFailedTimeout    = "Wait queue timeout elapsed without a connection becoming available"
	ReasonConnCheckoutFailedError      = "An error occurred while trying to establish a new connection"
	ReasonConnCheckoutFailedPoolClosed = "Connection pool was closed"
	ReasonConnCheckoutFailedPoolPaused = "Connection pool was cleared and is waiting for the server to become available"
)

// ServerKeyValues returns the host and port key/values common to every
// server-scoped message.
func ServerKeyValues(addr address.Address, kvs ...interface{}) KeyValues {
	host, port := addr.HostPort()
	out := KeyValues{KeyServerHost, host}
	if port != "" {
		out = append(out, KeyServerPort, port)
	}
	return append(out, kvs...)
}

// DurationMS converts a duration to whole milliseconds for logging.
func DurationMS(d time.Duration) int64 {
	return d.Milliseconds()
}
