// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package wire

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/ikmak/mongo-sdam/description"
)

var (
	notPrimaryCodes       = []int32{10107, 13435, 10058}
	nodeIsRecoveringCodes = []int32{11600, 11602, 13436, 189, 91}
	nodeIsShuttingDown    = []int32{11600, 91}
)

// Error is a command error returned by the server.
type Error struct {
	Code    int32
	Message string
	Name    string
	Labels  []string

	// TopologyVersion is the server's topology version at the time of the
	// error, when the reply carried one.
	TopologyVersion *description.TopologyVersion
}

// Error implements the error interface.
func (e Error) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("(%v) %v", e.Name, e.Message)
	}
	return e.Message
}

// HasErrorLabel returns true if the error contains the specified label.
func (e Error) HasErrorLabel(label string) bool {
	for _, l := range e.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// NotPrimary reports whether the error means the server is no longer a
// writable primary.
func (e Error) NotPrimary() bool {
	if containsCode(notPrimaryCodes, e.Code) {
		return true
	}
	if e.NodeIsRecovering() {
		return false
	}
	return strings.Contains(e.Message, "not master") || strings.Contains(e.Message, "not primary")
}

// NodeIsRecovering reports whether the server is recovering or shutting down.
func (e Error) NodeIsRecovering() bool {
	if containsCode(nodeIsRecoveringCodes, e.Code) {
		return true
	}
	return strings.Contains(e.Message, "node is recovering")
}

// NodeIsShuttingDown reports whether the error code means the server process
// is shutting down.
func (e Error) NodeIsShuttingDown() bool {
	return containsCode(nodeIsShuttingDown, e.Code)
}

// ExtractError returns the command error held in a reply document, or nil if
// the command succeeded.
func ExtractError(doc bsoncore.Document) error {
	var reply struct {
		OK     bson.RawValue `bson:"ok"`
		Code   int32         `bson:"code"`
		ErrMsg string        `bson:"errmsg"`
		Name   string        `bson:"codeName"`
		Labels []string      `bson:"errorLabels"`

		TopologyVersion *description.TopologyVersion `bson:"topologyVersion"`
	}
	if err := bson.Unmarshal(doc, &reply); err != nil {
		return err
	}

	if ok, isNumber := reply.OK.AsInt64OK(); isNumber && ok == 1 {
		return nil
	}
	if b, isBool := reply.OK.BooleanOK(); isBool && b {
		return nil
	}

	if reply.ErrMsg == "" {
		reply.ErrMsg = "command failed"
	}
	return Error{
		Code:            reply.Code,
		Message:         reply.ErrMsg,
		Name:            reply.Name,
		Labels:          reply.Labels,
		TopologyVersion: reply.TopologyVersion,
	}
}

func containsCode(codes []int32, code int32) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}
