// Copyright (C) MongoDB, Inc. 2021-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"context"
	"errors"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
	"go.mongodb.org/mongo-driver/x/mongo/driver/wiremessage"

	"github.com/ikmak/mongo-sdam/description"
	"github.com/ikmak/mongo-sdam/internal/wire"
	"github.com/ikmak/mongo-sdam/version"
)

// scriptedConn records written requests and answers reads from a queue of
// canned replies.
type scriptedConn struct {
	desc     description.Server
	written  [][]byte
	replies  [][]byte
	writeErr error
}

func (c *scriptedConn) WriteWireMessage(_ context.Context, wm []byte) error {
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, wm)
	return nil
}

func (c *scriptedConn) ReadWireMessage(context.Context) ([]byte, error) {
	if len(c.replies) == 0 {
		return nil, errors.New("no more replies")
	}
	wm := c.replies[0]
	c.replies = c.replies[1:]
	return wm, nil
}

func (c *scriptedConn) Description() description.Server { return c.desc }

func (c *scriptedConn) lastRequest(t *testing.T) wire.Request {
	t.Helper()

	require.NotEmpty(t, c.written, "nothing was written")
	req, err := wire.ReadRequest(c.written[len(c.written)-1])
	require.NoError(t, err)
	return req
}

func primaryReply(moreToCome bool) []byte {
	doc := bsoncore.NewDocumentBuilder().
		AppendBoolean("isWritablePrimary", true).
		AppendBoolean("helloOk", true).
		AppendString("setName", "rs0").
		AppendInt32("minWireVersion", 0).
		AppendInt32("maxWireVersion", 21).
		AppendInt32("connectionId", 17).
		AppendDouble("ok", 1).
		Build()
	var flags wiremessage.MsgFlag
	if moreToCome {
		flags = wiremessage.MoreToCome
	}
	return wire.AppendMsgResponse(nil, 1, 0, flags, doc)
}

func TestHello_handshake(t *testing.T) {
	t.Parallel()

	conn := &scriptedConn{replies: [][]byte{primaryReply(false)}}
	info, err := NewHello().AppName("sdamwatch").GetHandshakeInformation(context.Background(), "db1:27017", conn)
	require.NoError(t, err)

	assert.Equal(t, description.ServerKindRSPrimary, info.Description.Kind)
	assert.Equal(t, "rs0", info.Description.SetName)
	assert.True(t, info.Description.HelloOK)
	require.NotNil(t, info.ServerConnectionID)
	assert.Equal(t, int64(17), *info.ServerConnectionID)

	req := conn.lastRequest(t)
	assert.Equal(t, wiremessage.OpQuery, req.OpCode, "the first handshake must use OP_QUERY")
	_, err = req.Document.LookupErr(LegacyHello)
	assert.NoError(t, err, "the first handshake must use the legacy command name")

	appName, err := req.Document.LookupErr("client", "application", "name")
	require.NoError(t, err)
	assert.Equal(t, "sdamwatch", appName.StringValue())
	driverName, err := req.Document.LookupErr("client", "driver", "name")
	require.NoError(t, err)
	assert.Equal(t, version.Name, driverName.StringValue())
	osType, err := req.Document.LookupErr("client", "os", "type")
	require.NoError(t, err)
	assert.Equal(t, runtime.GOOS, osType.StringValue())
	assert.LessOrEqual(t, len(req.Document), maxHelloCommandSize+64)
}

func TestHello_Execute_uses_hello_after_helloOk(t *testing.T) {
	t.Parallel()

	vr := description.NewVersionRange(0, 21)
	conn := &scriptedConn{
		desc:    description.Server{HelloOK: true, WireVersion: &vr},
		replies: [][]byte{primaryReply(false)},
	}
	hello := NewHello()
	require.NoError(t, hello.Execute(context.Background(), conn))

	req := conn.lastRequest(t)
	assert.Equal(t, wiremessage.OpMsg, req.OpCode)
	assert.False(t, req.ExhaustAllowed())
	_, err := req.Document.LookupErr("hello")
	assert.NoError(t, err)
	db, err := req.Document.LookupErr("$db")
	require.NoError(t, err)
	assert.Equal(t, "admin", db.StringValue())
	_, err = req.Document.LookupErr("client")
	assert.Error(t, err, "heartbeats must not resend client metadata")

	assert.Equal(t, description.ServerKindRSPrimary, hello.Result("db1:27017").Kind)
	assert.False(t, hello.MoreToCome())
}

func TestHello_streaming(t *testing.T) {
	t.Parallel()

	vr := description.NewVersionRange(0, 21)
	tv := &description.TopologyVersion{ProcessID: primitive.NewObjectID(), Counter: 3}
	conn := &scriptedConn{
		desc:    description.Server{HelloOK: true, WireVersion: &vr},
		replies: [][]byte{primaryReply(true), primaryReply(true)},
	}

	hello := NewHello().TopologyVersion(tv).MaxAwaitTimeMS(10000)
	require.NoError(t, hello.Execute(context.Background(), conn))
	assert.True(t, hello.MoreToCome())

	req := conn.lastRequest(t)
	assert.True(t, req.ExhaustAllowed())
	counter, err := req.Document.LookupErr("topologyVersion", "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(3), counter.Int64())
	await, err := req.Document.LookupErr("maxAwaitTimeMS")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), await.Int64())

	require.NoError(t, hello.StreamResponse(context.Background(), conn))
	assert.Len(t, conn.written, 1, "streamed replies must not send a new request")
}

func TestHello_command_error(t *testing.T) {
	t.Parallel()

	failed := bsoncore.NewDocumentBuilder().
		AppendDouble("ok", 0).
		AppendInt32("code", 11600).
		AppendString("errmsg", "interrupted at shutdown").
		Build()
	conn := &scriptedConn{replies: [][]byte{wire.AppendMsgResponse(nil, 1, 0, 0, failed)}}

	_, err := NewHello().GetHandshakeInformation(context.Background(), "db1:27017", conn)
	var cmdErr wire.Error
	require.True(t, errors.As(err, &cmdErr), "expected wire.Error, got %T", err)
	assert.True(t, cmdErr.NodeIsShuttingDown())
}

func TestHello_write_error(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	conn := &scriptedConn{writeErr: boom}
	err := NewHello().Execute(context.Background(), conn)
	assert.ErrorIs(t, err, boom)
}
