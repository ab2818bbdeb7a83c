// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"bytes"
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ikmak/mongo-sdam/address"
	"github.com/ikmak/mongo-sdam/description"
)

// SupportedWireVersions is the range of wire versions supported by this
// library.
var SupportedWireVersions = description.NewVersionRange(6, 25)

// MinSupportedMongoDBVersion is the version string for the lowest MongoDB
// version supported by this library.
const MinSupportedMongoDBVersion = "3.6"

// wireVersion60 is the first wire version whose primaries are ordered by
// election id before set version.
const wireVersion60 = 17

type fsm struct {
	description.Topology

	maxElectionID primitive.ObjectID
	maxSetVersion uint32
}

func newFSM() *fsm {
	return new(fsm)
}

// selectFSMSessionTimeout returns the lowest logical session timeout among the
// data-bearing servers, or nil if any of them does not report one.
func selectFSMSessionTimeout(servers []description.Server) *int64 {
	var minTimeout *int64
	for _, s := range servers {
		if !s.DataBearing() {
			continue
		}
		if s.SessionTimeoutMinutes == nil {
			return nil
		}
		if minTimeout == nil || *s.SessionTimeoutMinutes < *minTimeout {
			timeout := *s.SessionTimeoutMinutes
			minTimeout = &timeout
		}
	}
	return minTimeout
}

// apply takes a new server description and modifies the FSM's topology
// description based on it. It returns the updated topology description as
// well as a server description. The returned server description is either the
// same one that was passed in, or a new one in the case that it had to be
// changed.
func (f *fsm) apply(s description.Server) (description.Topology, description.Server) {
	newServers := make([]description.Server, len(f.Servers))
	copy(newServers, f.Servers)

	f.Topology = description.Topology{
		Kind:    f.Kind,
		Servers: newServers,
		SetName: f.SetName,
	}

	if _, ok := f.findServer(s.Addr); !ok {
		f.finish()
		return f.Topology, s
	}

	updatedDesc := s
	switch f.Kind {
	case description.TopologyKindUnknown:
		updatedDesc = f.applyToUnknown(s)
	case description.TopologyKindSharded:
		updatedDesc = f.applyToSharded(s)
	case description.TopologyKindReplicaSet, description.TopologyKindReplicaSetNoPrimary:
		updatedDesc = f.applyToReplicaSetNoPrimary(s)
	case description.TopologyKindReplicaSetWithPrimary:
		updatedDesc = f.applyToReplicaSetWithPrimary(s)
	case description.TopologyKindSingle:
		updatedDesc = f.applyToSingle(s)
	}

	f.finish()
	return f.Topology, updatedDesc
}

// finish recomputes the values derived from the server list.
func (f *fsm) finish() {
	f.MaxSetVersion = f.maxSetVersion
	f.MaxElectionID = f.maxElectionID
	f.SessionTimeoutMinutes = selectFSMSessionTimeout(f.Servers)
	f.CompatibilityErr = f.checkCompatibility()
}

func (f *fsm) checkCompatibility() error {
	for _, server := range f.Servers {
		if server.WireVersion == nil {
			continue
		}
		if server.WireVersion.Max < SupportedWireVersions.Min || server.WireVersion.Min > SupportedWireVersions.Max {
			return CompatibilityError{Address: server.Addr, WireVersion: *server.WireVersion}
		}
	}
	return nil
}

func (f *fsm) applyToReplicaSetNoPrimary(s description.Server) description.Server {
	switch s.Kind {
	case description.ServerKindStandalone, description.ServerKindMongos:
		return f.markInconsistent(s, "%s server in a replica set", s.Kind)
	case description.ServerKindRSPrimary:
		return f.updateRSFromPrimary(s)
	case description.ServerKindRSSecondary, description.ServerKindRSArbiter, description.ServerKindRSMember:
		return f.updateRSWithoutPrimary(s)
	case description.ServerKindUnknown, description.ServerKindRSGhost, description.ServerKindPossiblePrimary:
		f.replaceServer(s)
	}

	return s
}

func (f *fsm) applyToReplicaSetWithPrimary(s description.Server) description.Server {
	switch s.Kind {
	case description.ServerKindStandalone, description.ServerKindMongos:
		s = f.markInconsistent(s, "%s server in a replica set", s.Kind)
		f.checkIfHasPrimary()
	case description.ServerKindRSPrimary:
		return f.updateRSFromPrimary(s)
	case description.ServerKindRSSecondary, description.ServerKindRSArbiter, description.ServerKindRSMember:
		return f.updateRSWithPrimaryFromMember(s)
	case description.ServerKindUnknown, description.ServerKindRSGhost, description.ServerKindPossiblePrimary:
		f.replaceServer(s)
		f.checkIfHasPrimary()
	}

	return s
}

func (f *fsm) applyToSharded(s description.Server) description.Server {
	switch s.Kind {
	case description.ServerKindMongos, description.ServerKindUnknown, description.ServerKindPossiblePrimary:
		f.replaceServer(s)
	case description.ServerKindStandalone, description.ServerKindRSPrimary, description.ServerKindRSSecondary,
		description.ServerKindRSArbiter, description.ServerKindRSMember, description.ServerKindRSGhost:
		return f.markInconsistent(s, "%s server in a sharded cluster", s.Kind)
	}

	return s
}

func (f *fsm) applyToSingle(s description.Server) description.Server {
	switch s.Kind {
	case description.ServerKindUnknown, description.ServerKindPossiblePrimary:
		f.replaceServer(s)
	case description.ServerKindStandalone, description.ServerKindMongos:
		if f.SetName != "" {
			return f.markInconsistent(s, "%s server but replica set %q was required", s.Kind, f.SetName)
		}

		f.replaceServer(s)
	case description.ServerKindRSPrimary, description.ServerKindRSSecondary, description.ServerKindRSArbiter,
		description.ServerKindRSMember, description.ServerKindRSGhost:
		// A replica set name can be provided when creating a direct connection. In this case, if the set name
		// returned by the hello response doesn't match up with the one provided during configuration, the server
		// description is replaced with a default Unknown description.
		if f.SetName != "" && f.SetName != s.SetName {
			return f.markInconsistent(s, "replica set name %q does not match required name %q", s.SetName, f.SetName)
		}

		f.replaceServer(s)
	}

	return s
}

func (f *fsm) applyToUnknown(s description.Server) description.Server {
	switch s.Kind {
	case description.ServerKindMongos:
		f.setKind(description.TopologyKindSharded)
		f.replaceServer(s)
	case description.ServerKindRSPrimary:
		return f.updateRSFromPrimary(s)
	case description.ServerKindRSSecondary, description.ServerKindRSArbiter, description.ServerKindRSMember:
		f.setKind(description.TopologyKindReplicaSetNoPrimary)
		return f.updateRSWithoutPrimary(s)
	case description.ServerKindStandalone:
		f.updateUnknownWithStandalone(s)
	case description.ServerKindUnknown, description.ServerKindRSGhost, description.ServerKindPossiblePrimary:
		f.replaceServer(s)
	}

	return s
}

func (f *fsm) checkIfHasPrimary() {
	if _, ok := f.findPrimary(); ok {
		f.setKind(description.TopologyKindReplicaSetWithPrimary)
	} else {
		f.setKind(description.TopologyKindReplicaSetNoPrimary)
	}
}

// hasStalePrimary reports whether the election token of s is older than the
// highest token seen so far. Servers that speak wire version 17 or newer are
// ordered by (electionId, setVersion); older ones by (setVersion,
// electionId).
func (f *fsm) hasStalePrimary(s description.Server) bool {
	if s.WireVersion != nil && s.WireVersion.Max >= wireVersion60 {
		if cmp := compareElectionIDs(s.ElectionID, f.maxElectionID); cmp != 0 {
			return cmp < 0
		}
		return s.SetVersion < f.maxSetVersion
	}

	// A token is only comparable when both halves are present on each side.
	if s.SetVersion == 0 || s.ElectionID.IsZero() || f.maxSetVersion == 0 || f.maxElectionID.IsZero() {
		return false
	}
	if f.maxSetVersion != s.SetVersion {
		return f.maxSetVersion > s.SetVersion
	}
	return compareElectionIDs(f.maxElectionID, s.ElectionID) > 0
}

// updateElectionToken raises the maximum election token to the one of s.
func (f *fsm) updateElectionToken(s description.Server) {
	if s.WireVersion != nil && s.WireVersion.Max >= wireVersion60 {
		f.maxElectionID = s.ElectionID
		f.maxSetVersion = s.SetVersion
		return
	}

	if s.SetVersion != 0 && !s.ElectionID.IsZero() {
		f.maxElectionID = s.ElectionID
	}
	if s.SetVersion != 0 && s.SetVersion > f.maxSetVersion {
		f.maxSetVersion = s.SetVersion
	}
}

func (f *fsm) updateRSFromPrimary(s description.Server) description.Server {
	if f.SetName == "" {
		f.SetName = s.SetName
	} else if f.SetName != s.SetName {
		s = f.markInconsistent(s, "replica set name %q does not match %q", s.SetName, f.SetName)
		f.checkIfHasPrimary()
		return s
	}

	if f.hasStalePrimary(s) {
		// The report predates the current primary's election. Keep what is
		// already known about the server.
		old, _ := f.Server(s.Addr)
		f.checkIfHasPrimary()
		return old
	}
	f.updateElectionToken(s)

	for j := range f.Servers {
		if f.Servers[j].Kind == description.ServerKindRSPrimary && f.Servers[j].Addr != s.Addr {
			f.setServer(j, description.NewServerFromError(
				f.Servers[j].Addr,
				fmt.Errorf("was a primary, but a new primary %s was discovered", s.Addr),
				nil,
			))
		}
	}

	f.replaceServer(s)

	for j := len(f.Servers) - 1; j >= 0; j-- {
		found := false
		for _, member := range s.Members {
			if member == f.Servers[j].Addr {
				found = true
				break
			}
		}

		if !found {
			f.removeServer(j)
		}
	}

	for _, member := range s.Members {
		if _, ok := f.findServer(member); !ok {
			f.addServer(member)
		}
	}

	f.checkIfHasPrimary()
	return s
}

func (f *fsm) updateRSWithPrimaryFromMember(s description.Server) description.Server {
	if f.SetName != s.SetName {
		s = f.markInconsistent(s, "replica set name %q does not match %q", s.SetName, f.SetName)
		f.checkIfHasPrimary()
		return s
	}

	if s.CanonicalAddr != "" && s.Addr != s.CanonicalAddr {
		f.removeServerByAddr(s.Addr)
		f.checkIfHasPrimary()
		return s
	}

	f.replaceServer(s)

	if _, ok := f.findPrimary(); !ok {
		f.setKind(description.TopologyKindReplicaSetNoPrimary)
	}

	return s
}

func (f *fsm) updateRSWithoutPrimary(s description.Server) description.Server {
	if f.SetName == "" {
		f.SetName = s.SetName
	} else if f.SetName != s.SetName {
		return f.markInconsistent(s, "replica set name %q does not match %q", s.SetName, f.SetName)
	}

	for _, member := range s.Members {
		if _, ok := f.findServer(member); !ok {
			f.addServer(member)
		}
	}

	if s.CanonicalAddr != "" && s.Addr != s.CanonicalAddr {
		f.removeServerByAddr(s.Addr)
		return s
	}

	f.replaceServer(s)

	if s.Primary != "" {
		primary := s.Primary.Canonicalize()
		if j, ok := f.findServer(primary); ok && f.Servers[j].Kind == description.ServerKindUnknown {
			f.setServer(j, description.Server{
				Addr: primary,
				Kind: description.ServerKindPossiblePrimary,
			})
		}
	}

	return s
}

func (f *fsm) updateUnknownWithStandalone(s description.Server) {
	if len(f.Servers) > 1 {
		f.removeServerByAddr(s.Addr)
		return
	}

	f.setKind(description.TopologyKindSingle)
	f.replaceServer(s)
}

// markInconsistent stores s as Unknown with an error explaining why its
// report could not be merged, and returns the stored description.
func (f *fsm) markInconsistent(s description.Server, format string, args ...interface{}) description.Server {
	unknown := description.NewServerFromError(s.Addr, fmt.Errorf(format, args...), s.TopologyVersion)
	f.replaceServer(unknown)
	return unknown
}

func (f *fsm) addServer(addr address.Address) {
	f.Servers = append(f.Servers, description.NewDefaultServer(addr.Canonicalize()))
}

func (f *fsm) findPrimary() (int, bool) {
	for i, s := range f.Servers {
		if s.Kind == description.ServerKindRSPrimary {
			return i, true
		}
	}

	return 0, false
}

func (f *fsm) findServer(addr address.Address) (int, bool) {
	canon := addr.Canonicalize()
	for i, s := range f.Servers {
		if canon == s.Addr.Canonicalize() {
			return i, true
		}
	}

	return 0, false
}

func (f *fsm) removeServer(i int) {
	f.Servers = append(f.Servers[:i], f.Servers[i+1:]...)
}

func (f *fsm) removeServerByAddr(addr address.Address) {
	if i, ok := f.findServer(addr); ok {
		f.removeServer(i)
	}
}

func (f *fsm) replaceServer(s description.Server) {
	if i, ok := f.findServer(s.Addr); ok {
		f.setServer(i, s)
	}
}

func (f *fsm) setServer(i int, s description.Server) {
	f.Servers[i] = s
}

func (f *fsm) setKind(k description.TopologyKind) {
	f.Kind = k
}

func compareElectionIDs(a, b primitive.ObjectID) int {
	return bytes.Compare(a[:], b[:])
}
