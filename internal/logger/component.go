// Copyright (C) MongoDB, Inc. 2023-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package logger

import (
	"os"
	"strings"
)

// Component is an enumeration representing the "components" which can be
// logged against. A Level can be configured on a per-component basis.
type Component int

const (
	// ComponentAll enables logging for all components.
	ComponentAll Component = iota

	// ComponentTopology enables topology logging.
	ComponentTopology

	// ComponentServerSelection enables server selection logging.
	ComponentServerSelection

	// ComponentConnection enables connection services logging.
	ComponentConnection
)

const (
	mongoDBLogAllEnvVar             = "MONGODB_LOG_ALL"
	mongoDBLogTopologyEnvVar        = "MONGODB_LOG_TOPOLOGY"
	mongoDBLogServerSelectionEnvVar = "MONGODB_LOG_SERVER_SELECTION"
	mongoDBLogConnectionEnvVar      = "MONGODB_LOG_CONNECTION"
	mongoDBLogPathEnvVar            = "MONGODB_LOG_PATH"
)

var componentEnvVarMap = map[string]Component{
	mongoDBLogAllEnvVar:             ComponentAll,
	mongoDBLogTopologyEnvVar:        ComponentTopology,
	mongoDBLogServerSelectionEnvVar: ComponentServerSelection,
	mongoDBLogConnectionEnvVar:      ComponentConnection,
}

// ParseComponent returns the component named by s. Unknown names map to
// ComponentAll.
func ParseComponent(s string) Component {
	switch strings.ToLower(s) {
	case "topology":
		return ComponentTopology
	case "serverselection", "server_selection":
		return ComponentServerSelection
	case "connection":
		return ComponentConnection
	default:
		return ComponentAll
	}
}

// String returns the name of the component.
func (c Component) String() string {
	switch c {
	case ComponentTopology:
		return "topology"
	case ComponentServerSelection:
		return "serverSelection"
	case ComponentConnection:
		return "connection"
	default:
		return "all"
	}
}

// getEnvComponentLevels returns a component-to-level mapping defined by the
// environment variables, with "MONGODB_LOG_ALL" taking priority.
func getEnvComponentLevels() map[Component]Level {
	componentLevels := make(map[Component]Level)

	// If the "MONGODB_LOG_ALL" environment variable is set, then set the level
	// for all components to the value of the environment variable.
	if all := os.Getenv(mongoDBLogAllEnvVar); all != "" {
		level := ParseLevel(all)
		for _, component := range componentEnvVarMap {
			componentLevels[component] = level
		}

		return componentLevels
	}

	for envVar, component := range componentEnvVarMap {
		if value := os.Getenv(envVar); value != "" {
			componentLevels[component] = ParseLevel(value)
		}
	}

	return componentLevels
}
