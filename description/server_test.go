// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ikmak/mongo-sdam/address"
	"github.com/ikmak/mongo-sdam/tag"
)

func marshalReply(t *testing.T, doc bson.D) bson.Raw {
	t.Helper()

	b, err := bson.Marshal(doc)
	require.NoError(t, err, "Marshal error")
	return b
}

func TestNewServer_kind(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		reply bson.D
		want  ServerKind
	}{
		{"standalone", bson.D{{Key: "ok", Value: 1}, {Key: "isWritablePrimary", Value: true}}, ServerKindStandalone},
		{"mongos", bson.D{{Key: "ok", Value: 1}, {Key: "ismaster", Value: true}, {Key: "msg", Value: "isdbgrid"}}, ServerKindMongos},
		{"primary", bson.D{{Key: "ok", Value: 1}, {Key: "isWritablePrimary", Value: true}, {Key: "setName", Value: "rs"}}, ServerKindRSPrimary},
		{"legacy primary", bson.D{{Key: "ok", Value: 1.0}, {Key: "ismaster", Value: true}, {Key: "setName", Value: "rs"}}, ServerKindRSPrimary},
		{"secondary", bson.D{{Key: "ok", Value: 1}, {Key: "secondary", Value: true}, {Key: "setName", Value: "rs"}}, ServerKindRSSecondary},
		{"hidden", bson.D{{Key: "ok", Value: 1}, {Key: "secondary", Value: true}, {Key: "hidden", Value: true}, {Key: "setName", Value: "rs"}}, ServerKindRSMember},
		{"arbiter", bson.D{{Key: "ok", Value: 1}, {Key: "arbiterOnly", Value: true}, {Key: "setName", Value: "rs"}}, ServerKindRSArbiter},
		{"other", bson.D{{Key: "ok", Value: 1}, {Key: "setName", Value: "rs"}}, ServerKindRSMember},
		{"ghost", bson.D{{Key: "ok", Value: 1}, {Key: "isreplicaset", Value: true}}, ServerKindRSGhost},
		{"not ok", bson.D{{Key: "ok", Value: 0}, {Key: "errmsg", Value: "boom"}, {Key: "code", Value: 8}}, ServerKindUnknown},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			desc := NewServer("a:27017", marshalReply(t, tc.reply))
			assert.Equal(t, tc.want, desc.Kind, "expected kind %s, got %s", tc.want, desc.Kind)
		})
	}
}

func TestNewServer_fields(t *testing.T) {
	t.Parallel()

	oid := primitive.NewObjectID()
	processID := primitive.NewObjectID()
	lastWrite := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	reply := bson.D{
		{Key: "isWritablePrimary", Value: true},
		{Key: "setName", Value: "rs0"},
		{Key: "setVersion", Value: int32(3)},
		{Key: "electionId", Value: oid},
		{Key: "me", Value: "A:27017"},
		{Key: "primary", Value: "a:27017"},
		{Key: "hosts", Value: bson.A{"a:27017", "B"}},
		{Key: "passives", Value: bson.A{"c:27017"}},
		{Key: "arbiters", Value: bson.A{"d:27017"}},
		{Key: "tags", Value: bson.D{{Key: "dc", Value: "ny"}}},
		{Key: "minWireVersion", Value: int32(0)},
		{Key: "maxWireVersion", Value: int32(21)},
		{Key: "logicalSessionTimeoutMinutes", Value: int32(30)},
		{Key: "maxBsonObjectSize", Value: int32(16777216)},
		{Key: "maxMessageSizeBytes", Value: int32(48000000)},
		{Key: "maxWriteBatchSize", Value: int32(100000)},
		{Key: "helloOk", Value: true},
		{Key: "lastWrite", Value: bson.D{{Key: "lastWriteDate", Value: primitive.NewDateTimeFromTime(lastWrite)}}},
		{Key: "topologyVersion", Value: bson.D{{Key: "processId", Value: processID}, {Key: "counter", Value: int64(4)}}},
		{Key: "ok", Value: 1.0},
	}

	desc := NewServer("a:27017", marshalReply(t, reply))
	require.NoError(t, desc.LastError)

	assert.Equal(t, ServerKindRSPrimary, desc.Kind)
	assert.Equal(t, "rs0", desc.SetName)
	assert.Equal(t, uint32(3), desc.SetVersion)
	assert.Equal(t, oid, desc.ElectionID)
	assert.Equal(t, address.Address("a:27017"), desc.CanonicalAddr)
	assert.Equal(t, address.Address("a:27017"), desc.Primary)
	assert.Equal(t, []address.Address{"a:27017", "b:27017", "c:27017", "d:27017"}, desc.Members)
	assert.Equal(t, tag.Set{{Name: "dc", Value: "ny"}}, desc.Tags)
	require.NotNil(t, desc.WireVersion)
	assert.Equal(t, VersionRange{Min: 0, Max: 21}, *desc.WireVersion)
	require.NotNil(t, desc.SessionTimeoutMinutes)
	assert.Equal(t, int64(30), *desc.SessionTimeoutMinutes)
	assert.Equal(t, uint32(16777216), desc.MaxDocumentSize)
	assert.Equal(t, uint32(48000000), desc.MaxMessageSize)
	assert.Equal(t, uint32(100000), desc.MaxBatchCount)
	assert.True(t, desc.HelloOK)
	assert.True(t, lastWrite.Equal(desc.LastWriteTime), "expected %v, got %v", lastWrite, desc.LastWriteTime)
	require.NotNil(t, desc.TopologyVersion)
	assert.Equal(t, processID, desc.TopologyVersion.ProcessID)
	assert.Equal(t, int64(4), desc.TopologyVersion.Counter)
	assert.False(t, desc.LastUpdateTime.IsZero())
}

func TestNewServer_errors(t *testing.T) {
	t.Parallel()

	t.Run("not ok", func(t *testing.T) {
		desc := NewServer("a:27017", marshalReply(t, bson.D{{Key: "ok", Value: 0}, {Key: "errmsg", Value: "boom"}, {Key: "code", Value: int32(13)}}))
		require.Error(t, desc.LastError)
		assert.Contains(t, desc.LastError.Error(), "boom")
		assert.Equal(t, ServerKindUnknown, desc.Kind)
	})
	t.Run("wrong type", func(t *testing.T) {
		desc := NewServer("a:27017", marshalReply(t, bson.D{{Key: "ok", Value: 1}, {Key: "setName", Value: int32(4)}}))
		require.Error(t, desc.LastError)
		assert.Equal(t, ServerKindUnknown, desc.Kind)
	})
}

func TestServer_Equal(t *testing.T) {
	t.Parallel()

	timeout := int64(30)
	base := Server{
		Addr:                  "a:27017",
		CanonicalAddr:         "a:27017",
		Kind:                  ServerKindRSSecondary,
		SetName:               "rs",
		Hosts:                 []string{"a:27017", "b:27017"},
		WireVersion:           &VersionRange{Min: 0, Max: 21},
		Tags:                  tag.Set{{Name: "dc", Value: "ny"}},
		SessionTimeoutMinutes: &timeout,
	}

	rtt := base.SetAverageRTT(5 * time.Millisecond)
	assert.True(t, base.Equal(rtt), "round trip time should not affect equality")
	assert.False(t, base.AverageRTTSet, "SetAverageRTT must not modify the receiver")

	other := base
	other.Kind = ServerKindRSPrimary
	assert.False(t, base.Equal(other))

	other = base
	other.LastError = errors.New("boom")
	assert.False(t, base.Equal(other))

	other = base
	other.WireVersion = &VersionRange{Min: 0, Max: 17}
	assert.False(t, base.Equal(other))

	other = base
	other.SessionTimeoutMinutes = nil
	assert.False(t, base.Equal(other))
}

func TestServer_DataBearing(t *testing.T) {
	t.Parallel()

	for kind, want := range map[ServerKind]bool{
		ServerKindStandalone:      true,
		ServerKindMongos:          true,
		ServerKindRSPrimary:       true,
		ServerKindRSSecondary:     true,
		ServerKindRSArbiter:       false,
		ServerKindRSMember:        false,
		ServerKindRSGhost:         false,
		ServerKindUnknown:         false,
		ServerKindPossiblePrimary: false,
	} {
		assert.Equal(t, want, Server{Kind: kind}.DataBearing(), "kind %s", kind)
	}
}

func TestTopologyVersion_CompareToIncoming(t *testing.T) {
	t.Parallel()

	pid := primitive.NewObjectID()
	older := &TopologyVersion{ProcessID: pid, Counter: 1}
	newer := &TopologyVersion{ProcessID: pid, Counter: 2}
	otherProcess := &TopologyVersion{ProcessID: primitive.NewObjectID(), Counter: 0}

	assert.Equal(t, -1, older.CompareToIncoming(newer))
	assert.Equal(t, 1, newer.CompareToIncoming(older))
	assert.Equal(t, 0, older.CompareToIncoming(&TopologyVersion{ProcessID: pid, Counter: 1}))
	assert.Equal(t, -1, newer.CompareToIncoming(otherProcess))
	assert.Equal(t, -1, (*TopologyVersion)(nil).CompareToIncoming(older))
	assert.Equal(t, -1, older.CompareToIncoming(nil))
}
