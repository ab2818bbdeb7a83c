// Copyright (C) MongoDB, Inc. 2023-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package logger

import "strings"

// DiffToInfo is the number of levels that come before the "Info" level. This
// ensures that "Info" is the 0th level passed to the sink.
const DiffToInfo = 1

// Level is an enumeration representing the log severity levels supported by
// the library. The order is important: sinks receive Info as level 0 and
// Debug as level 1.
type Level int

const (
	// LevelOff suppresses logging.
	LevelOff Level = iota

	// LevelInfo enables logging of informational messages. These logs are
	// high-level information about normal behavior, e.g. a topology opening.
	LevelInfo

	// LevelDebug enables logging of debug messages. These logs can be
	// voluminous, e.g. every connection checkout.
	LevelDebug
)

// ParseLevel maps the syslog-style severity names accepted in the environment
// to a Level. Anything unrecognized turns logging off.
func ParseLevel(str string) Level {
	switch strings.ToLower(str) {
	case "error", "warn", "notice", "info":
		return LevelInfo
	case "debug", "trace":
		return LevelDebug
	default:
		return LevelOff
	}
}

// String returns the lower-case name of the level.
func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelDebug:
		return "debug"
	default:
		return "off"
	}
}
