// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// TopologyVersion is the server process id plus a counter the server bumps on
// every state change. Streaming monitors send it back so the server can hold
// the response until something changes.
type TopologyVersion struct {
	ProcessID primitive.ObjectID `bson:"processId"`
	Counter   int64              `bson:"counter"`
}

// CompareToIncoming compares the receiver, which represents the currently known
// TopologyVersion for a server, to an incoming TopologyVersion extracted from a
// server command response.
//
// This returns -1 if the receiver version is less than the response, 0 if the
// versions are equal, and 1 if the receiver version is greater than the
// response. This comparison is not commutative.
func (tv *TopologyVersion) CompareToIncoming(responseTV *TopologyVersion) int {
	if tv == nil || responseTV == nil {
		return -1
	}
	if tv.ProcessID != responseTV.ProcessID {
		return -1
	}
	if tv.Counter == responseTV.Counter {
		return 0
	}
	if tv.Counter < responseTV.Counter {
		return -1
	}
	return 1
}

// String implements the fmt.Stringer interface.
func (tv *TopologyVersion) String() string {
	if tv == nil {
		return "<nil>"
	}
	return fmt.Sprintf("{processId: %s, counter: %d}", tv.ProcessID.Hex(), tv.Counter)
}
