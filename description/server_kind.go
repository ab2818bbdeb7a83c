// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

// ServerKind represents the type of a single server in a topology.
type ServerKind uint32

// These constants are the possible types of servers.
const (
	ServerKindUnknown     ServerKind = 0
	ServerKindStandalone  ServerKind = 1
	ServerKindRSMember    ServerKind = 2
	ServerKindRSPrimary   ServerKind = 4 + ServerKindRSMember
	ServerKindRSSecondary ServerKind = 8 + ServerKindRSMember
	ServerKindRSArbiter   ServerKind = 16 + ServerKindRSMember
	ServerKindRSGhost     ServerKind = 32 + ServerKindRSMember
	ServerKindMongos      ServerKind = 256

	// ServerKindPossiblePrimary marks a server that has not been checked yet
	// but that a secondary reported as its primary.
	ServerKindPossiblePrimary ServerKind = 1024
)

// String returns a stringified version of the kind or "Unknown" if the kind is
// invalid.
func (kind ServerKind) String() string {
	switch kind {
	case ServerKindStandalone:
		return "Standalone"
	case ServerKindRSMember:
		return "RSOther"
	case ServerKindRSPrimary:
		return "RSPrimary"
	case ServerKindRSSecondary:
		return "RSSecondary"
	case ServerKindRSArbiter:
		return "RSArbiter"
	case ServerKindRSGhost:
		return "RSGhost"
	case ServerKindMongos:
		return "Mongos"
	case ServerKindPossiblePrimary:
		return "PossiblePrimary"
	}

	return "Unknown"
}
