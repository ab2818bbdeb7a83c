// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import "github.com/ikmak/mongo-sdam/address"

// TopologyDiff is the difference between two different topology descriptions.
type TopologyDiff struct {
	Added   []Server
	Removed []Server
}

// DiffTopology compares the two topology descriptions and returns the
// difference. Servers are matched by address.
func DiffTopology(old, new Topology) TopologyDiff {
	var diff TopologyDiff

	oldServers := make(map[address.Address]bool, len(old.Servers))
	for _, s := range old.Servers {
		oldServers[s.Addr] = true
	}

	for _, s := range new.Servers {
		if oldServers[s.Addr] {
			delete(oldServers, s.Addr)
		} else {
			diff.Added = append(diff.Added, s)
		}
	}

	for _, s := range old.Servers {
		if oldServers[s.Addr] {
			diff.Removed = append(diff.Removed, s)
		}
	}

	return diff
}
