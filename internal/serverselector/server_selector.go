// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package serverselector

import (
	"fmt"
	"math"
	"time"

	"github.com/ikmak/mongo-sdam/description"
	"github.com/ikmak/mongo-sdam/readpref"
	"github.com/ikmak/mongo-sdam/tag"
)

// idleWritePeriod is how often a primary writes a no-op to the oplog when
// otherwise idle. Max staleness must leave room for it.
const idleWritePeriod = 10 * time.Second

// minMaxStaleness is the smallest max staleness a read preference may carry.
const minMaxStaleness = 90 * time.Second

// Composite combines multiple selectors into a single selector by applying them
// in order to the candidates list.
//
// For example, if the initial candidates list is [s0, s1, s2, s3] and two
// selectors are provided where the first matches s0 and s1 and the second
// matches s1 and s2, the following would occur during server selection:
//
// 1. firstSelector([s0, s1, s2, s3]) -> [s0, s1]
// 2. secondSelector([s0, s1]) -> [s1]
//
// The final list of candidates returned by the composite selector would be
// [s1].
type Composite struct {
	Selectors []description.ServerSelector
}

var _ description.ServerSelector = &Composite{}

// SelectServer combines multiple selectors into a single selector.
func (selector *Composite) SelectServer(
	topo description.Topology,
	candidates []description.Server,
) ([]description.Server, error) {
	var err error
	for _, sel := range selector.Selectors {
		candidates, err = sel.SelectServer(topo, candidates)
		if err != nil {
			return nil, err
		}
	}

	return candidates, nil
}

// Latency creates a ServerSelector which keeps the servers whose average RTT is
// within Latency of the fastest candidate. A negative Latency disables the
// window.
type Latency struct {
	Latency time.Duration
}

var _ description.ServerSelector = &Latency{}

// SelectServer selects servers based on average RTT.
func (selector *Latency) SelectServer(
	_ description.Topology,
	candidates []description.Server,
) ([]description.Server, error) {
	if selector.Latency < 0 || len(candidates) < 2 {
		return candidates, nil
	}

	fastest := time.Duration(math.MaxInt64)
	for _, candidate := range candidates {
		if candidate.AverageRTTSet && candidate.AverageRTT < fastest {
			fastest = candidate.AverageRTT
		}
	}
	if fastest == math.MaxInt64 {
		return candidates, nil
	}

	window := fastest + selector.Latency
	result := make([]description.Server, 0, len(candidates))
	for _, candidate := range candidates {
		if candidate.AverageRTTSet && candidate.AverageRTT <= window {
			result = append(result, candidate)
		}
	}
	return result, nil
}

// ReadPref selects servers based on the provided read preference.
type ReadPref struct {
	ReadPref *readpref.ReadPref

	// Staleness estimates secondary lag for max staleness filtering. When nil
	// LastWriteStaleness is used.
	Staleness StalenessEstimator
}

var _ description.ServerSelector = &ReadPref{}

// SelectServer selects servers based on read preference.
func (selector *ReadPref) SelectServer(
	topo description.Topology,
	candidates []description.Server,
) ([]description.Server, error) {
	rp := selector.ReadPref
	if rp == nil {
		rp = readpref.Primary()
	}

	switch topo.Kind {
	case description.TopologyKindSingle:
		return candidates, nil
	case description.TopologyKindReplicaSetNoPrimary, description.TopologyKindReplicaSetWithPrimary:
		estimator := selector.Staleness
		if estimator == nil {
			estimator = LastWriteStaleness{}
		}
		return selectForReplicaSet(rp, estimator, topo, candidates)
	case description.TopologyKindSharded:
		return selectByKind(candidates, description.ServerKindMongos), nil
	}

	return nil, nil
}

// Write selects all the writable servers.
type Write struct{}

var _ description.ServerSelector = &Write{}

// SelectServer selects all writable servers.
func (selector *Write) SelectServer(
	topo description.Topology,
	candidates []description.Server,
) ([]description.Server, error) {
	if topo.Kind == description.TopologyKindSingle {
		return candidates, nil
	}

	result := make([]description.Server, 0, len(candidates))
	for _, candidate := range candidates {
		switch candidate.Kind {
		case description.ServerKindMongos, description.ServerKindRSPrimary, description.ServerKindStandalone:
			result = append(result, candidate)
		}
	}
	return result, nil
}

// Func is a function that can be used as a ServerSelector.
type Func func(description.Topology, []description.Server) ([]description.Server, error)

// SelectServer implements the ServerSelector interface.
func (ssf Func) SelectServer(
	t description.Topology,
	s []description.Server,
) ([]description.Server, error) {
	return ssf(t, s)
}

// InvalidMaxStalenessError is returned when a read preference's max staleness
// is too small for the deployment being selected from.
type InvalidMaxStalenessError struct {
	MaxStaleness      time.Duration
	HeartbeatInterval time.Duration
}

// Error implements the error interface.
func (e InvalidMaxStalenessError) Error() string {
	if e.MaxStaleness < minMaxStaleness {
		return fmt.Sprintf("max staleness (%ds) must be greater than or equal to %ds",
			seconds(e.MaxStaleness), seconds(minMaxStaleness))
	}
	return fmt.Sprintf(
		"max staleness (%ds) must be greater than or equal to the heartbeat interval (%ds) plus idle write period (%ds)",
		seconds(e.MaxStaleness), seconds(e.HeartbeatInterval), seconds(idleWritePeriod),
	)
}

// seconds truncates d to whole seconds, the unit max staleness is configured in.
func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}

func verifyMaxStaleness(rp *readpref.ReadPref, topo description.Topology) error {
	maxStaleness, set := rp.MaxStaleness()
	if !set {
		return nil
	}

	if maxStaleness < minMaxStaleness {
		return InvalidMaxStalenessError{MaxStaleness: maxStaleness}
	}

	// All servers of a topology share one heartbeat interval, but only those
	// that completed a check report it.
	var heartbeat time.Duration
	for _, s := range topo.Servers {
		if s.Kind != description.ServerKindUnknown && s.HeartbeatInterval > 0 {
			heartbeat = s.HeartbeatInterval
			break
		}
	}
	if heartbeat == 0 {
		return nil
	}

	if maxStaleness < heartbeat+idleWritePeriod {
		return InvalidMaxStalenessError{MaxStaleness: maxStaleness, HeartbeatInterval: heartbeat}
	}

	return nil
}

func selectByKind(candidates []description.Server, kind description.ServerKind) []description.Server {
	// Record the indices of viable candidates first and then append those to the returned slice
	// to avoid appending costly Server structs directly as an optimization.
	viableIndexes := make([]int, 0, len(candidates))
	for i, s := range candidates {
		if s.Kind == kind {
			viableIndexes = append(viableIndexes, i)
		}
	}
	if len(viableIndexes) == len(candidates) {
		return candidates
	}
	result := make([]description.Server, len(viableIndexes))
	for i, idx := range viableIndexes {
		result[i] = candidates[idx]
	}
	return result
}

func selectSecondaries(
	rp *readpref.ReadPref,
	estimator StalenessEstimator,
	candidates []description.Server,
) []description.Server {
	secondaries := selectByKind(candidates, description.ServerKindRSSecondary)
	maxStaleness, set := rp.MaxStaleness()
	if len(secondaries) == 0 || !set {
		return secondaries
	}

	var selected []description.Server
	for _, secondary := range secondaries {
		if estimator.EstimateStaleness(secondary, candidates) <= maxStaleness {
			selected = append(selected, secondary)
		}
	}
	return selected
}

func selectByTagSet(candidates []description.Server, tagSets []tag.Set) []description.Server {
	if len(tagSets) == 0 {
		return candidates
	}

	for _, ts := range tagSets {
		// If this tag set is empty, we can take a fast path because the empty list
		// is a subset of all tag sets, so all candidate servers will be selected.
		if len(ts) == 0 {
			return candidates
		}

		var results []description.Server
		for _, s := range candidates {
			// ts is non-empty, so only servers with a non-empty set of tags need to be checked.
			if len(s.Tags) > 0 && s.Tags.ContainsAll(ts) {
				results = append(results, s)
			}
		}

		if len(results) > 0 {
			return results
		}
	}

	return []description.Server{}
}

func selectForReplicaSet(
	rp *readpref.ReadPref,
	estimator StalenessEstimator,
	topo description.Topology,
	candidates []description.Server,
) ([]description.Server, error) {
	if err := verifyMaxStaleness(rp, topo); err != nil {
		return nil, err
	}

	switch rp.Mode() {
	case readpref.PrimaryMode:
		return selectByKind(candidates, description.ServerKindRSPrimary), nil
	case readpref.PrimaryPreferredMode:
		selected := selectByKind(candidates, description.ServerKindRSPrimary)

		if len(selected) == 0 {
			selected = selectSecondaries(rp, estimator, candidates)
			return selectByTagSet(selected, rp.TagSets()), nil
		}

		return selected, nil
	case readpref.SecondaryPreferredMode:
		selected := selectSecondaries(rp, estimator, candidates)
		selected = selectByTagSet(selected, rp.TagSets())
		if len(selected) > 0 {
			return selected, nil
		}
		return selectByKind(candidates, description.ServerKindRSPrimary), nil
	case readpref.SecondaryMode:
		selected := selectSecondaries(rp, estimator, candidates)
		return selectByTagSet(selected, rp.TagSets()), nil
	case readpref.NearestMode:
		selected := selectByKind(candidates, description.ServerKindRSPrimary)
		selected = append(selected, selectSecondaries(rp, estimator, candidates)...)
		return selectByTagSet(selected, rp.TagSets()), nil
	}

	return nil, fmt.Errorf("unsupported mode: %d", rp.Mode())
}
