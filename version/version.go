// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package version defines the client name and version reported to servers
// in the handshake metadata.
package version // import "github.com/ikmak/mongo-sdam/version"

// Name is the client name sent as client.driver.name.
const Name = "mongo-sdam"

// Driver is the current version of the client.
var Driver = "v0.4.0"
