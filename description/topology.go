// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ikmak/mongo-sdam/address"
)

// TopologyKind represents a specific topology configuration.
type TopologyKind uint32

// These constants are the available topology configurations.
const (
	TopologyKindUnknown               TopologyKind = 0
	TopologyKindSingle                TopologyKind = 1
	TopologyKindReplicaSet            TopologyKind = 2
	TopologyKindReplicaSetNoPrimary   TopologyKind = 4 + TopologyKindReplicaSet
	TopologyKindReplicaSetWithPrimary TopologyKind = 8 + TopologyKindReplicaSet
	TopologyKindSharded               TopologyKind = 256
)

// String implements the fmt.Stringer interface.
func (kind TopologyKind) String() string {
	switch kind {
	case TopologyKindSingle:
		return "Single"
	case TopologyKindReplicaSet:
		return "ReplicaSet"
	case TopologyKindReplicaSetNoPrimary:
		return "ReplicaSetNoPrimary"
	case TopologyKindReplicaSetWithPrimary:
		return "ReplicaSetWithPrimary"
	case TopologyKindSharded:
		return "Sharded"
	}

	return "Unknown"
}

// Topology contains information about a MongoDB cluster. Like Server it is an
// immutable snapshot; every accepted change produces a new value.
type Topology struct {
	Servers               []Server
	SetName               string
	Kind                  TopologyKind
	SessionTimeoutMinutes *int64
	CompatibilityErr      error

	// MaxSetVersion and MaxElectionID form the highest election token seen
	// from any primary of the replica set.
	MaxSetVersion uint32
	MaxElectionID primitive.ObjectID
}

// Server returns the description of the server with the given address.
func (t Topology) Server(addr address.Address) (Server, bool) {
	for _, s := range t.Servers {
		if s.Addr == addr {
			return s, true
		}
	}
	return Server{}, false
}

// Primaries returns the servers currently described as RSPrimary.
func (t Topology) Primaries() []Server {
	var primaries []Server
	for _, s := range t.Servers {
		if s.Kind == ServerKindRSPrimary {
			primaries = append(primaries, s)
		}
	}
	return primaries
}

// Equal reports whether two topology descriptions describe the same
// deployment state. Server round trip times are not compared.
func (t Topology) Equal(other Topology) bool {
	if t.Kind != other.Kind || t.SetName != other.SetName {
		return false
	}
	if len(t.Servers) != len(other.Servers) {
		return false
	}
	for _, s := range t.Servers {
		o, ok := other.Server(s.Addr)
		if !ok || !s.Equal(o) {
			return false
		}
	}
	return true
}

// String implements the Stringer interface.
func (t Topology) String() string {
	var b strings.Builder
	for _, s := range t.Servers {
		b.WriteString("{ " + s.String() + " }, ")
	}
	return fmt.Sprintf("Type: %s, Servers: [%s]", t.Kind, b.String())
}
