// Copyright (C) MongoDB, Inc. 2021-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package operation implements the hello handshake used for connection
// establishment and server monitoring.
package operation

import (
	"context"
	"runtime"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
	"go.mongodb.org/mongo-driver/x/mongo/driver/wiremessage"

	"github.com/ikmak/mongo-sdam/address"
	"github.com/ikmak/mongo-sdam/description"
	"github.com/ikmak/mongo-sdam/internal/wire"
	"github.com/ikmak/mongo-sdam/version"
)

const maxHelloCommandSize = 512 //  maximum size (bytes) of a hello command
const docElementSize = 7        // 7 bytes to append a document element
const stringElementSize = 7     // 7 bytes to append a string element

// LegacyHello is the pre-5.0 name of the hello command.
const LegacyHello = "isMaster"

// Conn is the connection an operation runs over.
type Conn interface {
	WriteWireMessage(context.Context, []byte) error
	ReadWireMessage(context.Context) ([]byte, error)
	Description() description.Server
}

// HandshakeInformation contains information extracted from the reply to the
// handshake that opened a connection.
type HandshakeInformation struct {
	Description        description.Server
	ServerConnectionID *int64
}

// Hello is used to run the handshake operation.
type Hello struct {
	appname         string
	topologyVersion *description.TopologyVersion
	maxAwaitTimeMS  *int64

	res        bsoncore.Document
	moreToCome bool
}

// NewHello constructs a Hello.
func NewHello() *Hello { return &Hello{} }

// AppName sets the application name in the client metadata sent in this operation.
func (h *Hello) AppName(appname string) *Hello {
	h.appname = appname
	return h
}

// TopologyVersion sets the TopologyVersion to be used for heartbeats.
func (h *Hello) TopologyVersion(tv *description.TopologyVersion) *Hello {
	h.topologyVersion = tv
	return h
}

// MaxAwaitTimeMS sets the maximum time for the server to wait for topology changes during a heartbeat.
func (h *Hello) MaxAwaitTimeMS(awaitTime int64) *Hello {
	h.maxAwaitTimeMS = &awaitTime
	return h
}

// Result returns the result of executing this operation.
func (h *Hello) Result(addr address.Address) description.Server {
	return description.NewServer(addr, bson.Raw(h.res))
}

// MoreToCome reports whether the last reply announced another reply that
// will arrive without a new request.
func (h *Hello) MoreToCome() bool {
	return h.moreToCome
}

// streaming reports whether this hello asks the server to hold the reply
// until the topology changes.
func (h *Hello) streaming() bool {
	return h.topologyVersion != nil && h.maxAwaitTimeMS != nil
}

func appendStringElement(dst []byte, key, value string, maxLen int32) []byte {
	if int32(len(dst)+len(key)+len(value))+stringElementSize > maxLen {
		return dst
	}

	return bsoncore.AppendStringElement(dst, key, value)
}

// appendSubDocument appends the sub-document key built by fn when there is
// room for at least the empty document.
func appendSubDocument(dst []byte, key string, maxLen int32, fn func([]byte) []byte) []byte {
	if int32(len(dst)+len(key))+docElementSize > maxLen {
		return dst
	}

	idx, dst := bsoncore.AppendDocumentElementStart(dst, key)
	dst = fn(dst)
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return dst
}

// appendClient appends the client metadata to dst. Each key is checked
// against maxLen and dropped when it does not fit.
func (h *Hello) appendClient(dst []byte, maxLen int32) []byte {
	return appendSubDocument(dst, "client", maxLen, func(dst []byte) []byte {
		if h.appname != "" {
			dst = appendSubDocument(dst, "application", maxLen, func(dst []byte) []byte {
				return appendStringElement(dst, "name", h.appname, maxLen)
			})
		}
		dst = appendSubDocument(dst, "driver", maxLen, func(dst []byte) []byte {
			dst = appendStringElement(dst, "name", version.Name, maxLen)
			return appendStringElement(dst, "version", version.Driver, maxLen)
		})
		dst = appendSubDocument(dst, "os", maxLen, func(dst []byte) []byte {
			dst = appendStringElement(dst, "type", runtime.GOOS, maxLen)
			return appendStringElement(dst, "architecture", runtime.GOARCH, maxLen)
		})
		return appendStringElement(dst, "platform", runtime.Version(), maxLen)
	})
}

// command builds the hello command document. Servers that answered a
// previous handshake with helloOk get "hello", the rest get the legacy name.
func (h *Hello) command(desc description.Server, handshake, opMsg bool) bsoncore.Document {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	if desc.HelloOK {
		dst = bsoncore.AppendInt32Element(dst, "hello", 1)
	} else {
		dst = bsoncore.AppendInt32Element(dst, LegacyHello, 1)
	}
	dst = bsoncore.AppendBooleanElement(dst, "helloOk", true)

	if tv := h.topologyVersion; tv != nil {
		var tvIdx int32

		tvIdx, dst = bsoncore.AppendDocumentElementStart(dst, "topologyVersion")
		dst = bsoncore.AppendObjectIDElement(dst, "processId", tv.ProcessID)
		dst = bsoncore.AppendInt64Element(dst, "counter", tv.Counter)
		dst, _ = bsoncore.AppendDocumentEnd(dst, tvIdx)
	}
	if h.maxAwaitTimeMS != nil {
		dst = bsoncore.AppendInt64Element(dst, "maxAwaitTimeMS", *h.maxAwaitTimeMS)
	}
	if handshake {
		dst = h.appendClient(dst, maxHelloCommandSize)
	}
	if opMsg {
		dst = bsoncore.AppendStringElement(dst, "$db", "admin")
	}

	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return dst
}

// Execute runs this operation over conn. The first hello on a connection is
// sent as a legacy OP_QUERY because the server's protocol support is not yet
// known; every later one uses OP_MSG.
func (h *Hello) Execute(ctx context.Context, conn Conn) error {
	return h.roundTrip(ctx, conn, false)
}

// StreamResponse gets the next streaming Hello response from the server.
func (h *Hello) StreamResponse(ctx context.Context, conn Conn) error {
	return h.readResponse(ctx, conn)
}

func (h *Hello) roundTrip(ctx context.Context, conn Conn, handshake bool) error {
	desc := conn.Description()
	opMsg := desc.WireVersion != nil || h.streaming()

	requestID := wiremessage.NextRequestID()
	var wm []byte
	if opMsg {
		var flags wiremessage.MsgFlag
		if h.streaming() {
			flags |= wiremessage.ExhaustAllowed
		}
		wm = wire.AppendMsg(nil, requestID, flags, h.command(desc, handshake, true))
	} else {
		wm = wire.AppendQuery(nil, requestID, "admin", h.command(desc, handshake, false))
	}

	if err := conn.WriteWireMessage(ctx, wm); err != nil {
		return err
	}
	return h.readResponse(ctx, conn)
}

func (h *Hello) readResponse(ctx context.Context, conn Conn) error {
	wm, err := conn.ReadWireMessage(ctx)
	if err != nil {
		return err
	}
	reply, err := wire.ReadReply(wm)
	if err != nil {
		return err
	}

	h.moreToCome = reply.MoreToCome
	if err := wire.ExtractError(reply.Document); err != nil {
		return err
	}
	h.res = reply.Document
	return nil
}

// GetHandshakeInformation performs the MongoDB handshake for the provided connection and returns the relevant
// information about the server.
func (h *Hello) GetHandshakeInformation(ctx context.Context, addr address.Address, c Conn) (HandshakeInformation, error) {
	if err := h.roundTrip(ctx, c, true); err != nil {
		return HandshakeInformation{}, err
	}

	info := HandshakeInformation{
		Description: h.Result(addr),
	}
	if id, ok := h.res.Lookup("connectionId").AsInt64OK(); ok {
		info.ServerConnectionID = &id
	}
	return info, nil
}

// FinishHandshake is a no-op: connections are not authenticated.
func (h *Hello) FinishHandshake(context.Context, Conn) error {
	return nil
}
