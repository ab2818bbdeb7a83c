// Copyright (C) MongoDB, Inc. 2023-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package mongotest provides a loopback server that answers the hello
// handshake like a mongod, for tests that need real sockets.
package mongotest

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
	"go.mongodb.org/mongo-driver/x/mongo/driver/wiremessage"

	"github.com/ikmak/mongo-sdam/address"
	"github.com/ikmak/mongo-sdam/internal/wire"
)

// HandlerFunc answers a command other than hello.
type HandlerFunc func(cmd bsoncore.Document) bsoncore.Document

// Server is a fake mongod listening on a loopback port.
type Server struct {
	ln net.Listener

	mu      sync.Mutex
	hello   bsoncore.Document
	changed chan struct{} // closed when hello is replaced
	handler HandlerFunc
	conns   map[net.Conn]struct{}
	closed  bool

	accepted int64
	requests int64

	done chan struct{}
	wg   sync.WaitGroup
}

// NewServer starts a server replying to hello with the given document.
func NewServer(hello bsoncore.Document) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &Server{
		ln:      ln,
		hello:   hello,
		changed: make(chan struct{}),
		conns:   make(map[net.Conn]struct{}),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.accept()

	return s, nil
}

// Start starts a server for the duration of the test.
func Start(t testing.TB, hello bsoncore.Document) *Server {
	t.Helper()

	s, err := NewServer(hello)
	require.NoError(t, err, "failed to start fake server")
	t.Cleanup(s.Close)
	return s
}

// Addr returns the address clients should dial.
func (s *Server) Addr() address.Address {
	return address.Address(s.ln.Addr().String())
}

// SetHello replaces the hello reply. Pending awaitable hellos return the new
// reply immediately.
func (s *Server) SetHello(hello bsoncore.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hello = hello
	close(s.changed)
	s.changed = make(chan struct{})
}

// SetHandler sets the function answering every command other than hello.
// By default those commands get {ok: 1}.
func (s *Server) SetHandler(fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handler = fn
}

// Accepted returns the number of connections accepted so far.
func (s *Server) Accepted() int {
	return int(atomic.LoadInt64(&s.accepted))
}

// Requests returns the number of commands answered so far.
func (s *Server) Requests() int {
	return int(atomic.LoadInt64(&s.requests))
}

// CloseConnections drops every open client connection, so clients see
// network errors on their next read or write.
func (s *Server) CloseConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for nc := range s.conns {
		_ = nc.Close()
		delete(s.conns, nc)
	}
}

// Close stops the listener and drops every client connection.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	_ = s.ln.Close()
	s.CloseConnections()
	s.wg.Wait()
}

func (s *Server) accept() {
	defer s.wg.Done()

	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = nc.Close()
			return
		}
		s.conns[nc] = struct{}{}
		s.mu.Unlock()
		atomic.AddInt64(&s.accepted, 1)

		s.wg.Add(1)
		go s.serve(nc)
	}
}

func (s *Server) serve(nc net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, nc)
		s.mu.Unlock()
		_ = nc.Close()
	}()

	for {
		wm, err := readMessage(nc)
		if err != nil {
			return
		}
		req, err := wire.ReadRequest(wm)
		if err != nil {
			return
		}

		var reply bsoncore.Document
		if isHello(req.Document) {
			reply = s.awaitHello(req.Document)
		} else {
			reply = s.handle(req.Document)
		}
		if reply == nil {
			return
		}
		atomic.AddInt64(&s.requests, 1)

		var out []byte
		if req.OpCode == wiremessage.OpQuery {
			out = wire.AppendReply(nil, wiremessage.NextRequestID(), req.RequestID, reply)
		} else {
			out = wire.AppendMsgResponse(nil, wiremessage.NextRequestID(), req.RequestID, 0, reply)
		}
		if _, err := nc.Write(out); err != nil {
			return
		}
	}
}

// awaitHello returns the current hello. An awaitable request blocks until
// the reply changes or maxAwaitTimeMS passes.
func (s *Server) awaitHello(cmd bsoncore.Document) bsoncore.Document {
	s.mu.Lock()
	hello, changed := s.hello, s.changed
	s.mu.Unlock()

	maxAwait, ok := cmd.Lookup("maxAwaitTimeMS").AsInt64OK()
	if _, hasTV := cmd.Lookup("topologyVersion").DocumentOK(); !ok || !hasTV {
		return hello
	}

	timer := time.NewTimer(time.Duration(maxAwait) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-changed:
	case <-timer.C:
	case <-s.done:
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hello
}

func (s *Server) handle(cmd bsoncore.Document) bsoncore.Document {
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()

	if handler != nil {
		return handler(cmd)
	}
	return Doc(bson.D{{Key: "ok", Value: 1}})
}

func isHello(cmd bsoncore.Document) bool {
	elem, err := cmd.IndexErr(0)
	if err != nil {
		return false
	}
	switch elem.Key() {
	case "hello", "isMaster", "ismaster":
		return true
	}
	return false
}

func readMessage(r io.Reader) ([]byte, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(sizeBuf[:])
	if size < 16 {
		return nil, io.ErrUnexpectedEOF
	}
	wm := make([]byte, size)
	copy(wm, sizeBuf[:])
	if _, err := io.ReadFull(r, wm[4:]); err != nil {
		return nil, err
	}
	return wm, nil
}

// Doc marshals d, panicking on failure.
func Doc(d bson.D) bsoncore.Document {
	b, err := bson.Marshal(d)
	if err != nil {
		panic(err)
	}
	return b
}

// StandaloneHello returns the reply of a standalone mongod that speaks wire
// version 21.
func StandaloneHello() bson.D {
	return bson.D{
		{Key: "ok", Value: 1},
		{Key: "isWritablePrimary", Value: true},
		{Key: "helloOk", Value: true},
		{Key: "minWireVersion", Value: int32(0)},
		{Key: "maxWireVersion", Value: int32(21)},
		{Key: "maxBsonObjectSize", Value: int32(16777216)},
		{Key: "maxMessageSizeBytes", Value: int32(48000000)},
		{Key: "maxWriteBatchSize", Value: int32(100000)},
		{Key: "logicalSessionTimeoutMinutes", Value: int32(30)},
	}
}

// ReplicaSetHello returns the reply of a replica set member. Primaries carry
// the election id and set version.
func ReplicaSetHello(setName, me string, primary bool, hosts []string, electionID primitive.ObjectID, setVersion int32) bson.D {
	d := bson.D{
		{Key: "ok", Value: 1},
		{Key: "isWritablePrimary", Value: primary},
		{Key: "secondary", Value: !primary},
		{Key: "helloOk", Value: true},
		{Key: "setName", Value: setName},
		{Key: "me", Value: me},
		{Key: "hosts", Value: hosts},
		{Key: "minWireVersion", Value: int32(0)},
		{Key: "maxWireVersion", Value: int32(21)},
		{Key: "logicalSessionTimeoutMinutes", Value: int32(30)},
	}
	if primary {
		d = append(d,
			bson.E{Key: "primary", Value: me},
			bson.E{Key: "setVersion", Value: setVersion},
			bson.E{Key: "electionId", Value: electionID},
		)
	}
	return d
}

// WithTopologyVersion adds a topologyVersion to a hello reply, which makes
// clients stream heartbeats.
func WithTopologyVersion(d bson.D, processID primitive.ObjectID, counter int64) bson.D {
	return append(d, bson.E{Key: "topologyVersion", Value: bson.D{
		{Key: "processId", Value: processID},
		{Key: "counter", Value: counter},
	}})
}

// CommandError returns a failed command reply.
func CommandError(code int32, codeName, msg string) bsoncore.Document {
	return Doc(bson.D{
		{Key: "ok", Value: 0},
		{Key: "code", Value: code},
		{Key: "codeName", Value: codeName},
		{Key: "errmsg", Value: msg},
	})
}
