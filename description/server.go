// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ikmak/mongo-sdam/address"
	"github.com/ikmak/mongo-sdam/tag"
)

// Server contains information about a node in a cluster. This is created from
// hello command responses.
//
// A Server is a value: it is built once per check and never mutated
// afterwards.
type Server struct {
	Addr address.Address

	Arbiters          []string
	AverageRTT        time.Duration
	AverageRTTSet     bool
	MinRTT            time.Duration
	RTT90             time.Duration
	CanonicalAddr     address.Address
	ElectionID        primitive.ObjectID
	HeartbeatInterval time.Duration
	HelloOK           bool
	Hosts             []string
	LastError         error
	LastUpdateTime    time.Time
	LastWriteTime     time.Time
	MaxBatchCount     uint32
	MaxDocumentSize   uint32
	MaxMessageSize    uint32
	Members           []address.Address
	Passives          []string
	Primary           address.Address
	ReadOnly          bool
	// SessionTimeoutMinutes is nil when the server does not support sessions.
	SessionTimeoutMinutes *int64
	SetName               string
	SetVersion            uint32
	Tags                  tag.Set
	TopologyVersion       *TopologyVersion
	Kind                  ServerKind
	WireVersion           *VersionRange
}

// helloReply is the subset of a hello (or legacy isMaster) response that
// discovery and monitoring need.
type helloReply struct {
	OK                bson.RawValue       `bson:"ok"`
	ErrMsg            string              `bson:"errmsg"`
	Code              int32               `bson:"code"`
	IsWritablePrimary *bool               `bson:"isWritablePrimary"`
	IsMaster          *bool               `bson:"ismaster"`
	IsReplicaSet      bool                `bson:"isreplicaset"`
	Secondary         bool                `bson:"secondary"`
	ArbiterOnly       bool                `bson:"arbiterOnly"`
	Hidden            bool                `bson:"hidden"`
	HelloOK           bool                `bson:"helloOk"`
	Msg               string              `bson:"msg"`
	SetName           string              `bson:"setName"`
	SetVersion        *int64              `bson:"setVersion"`
	ElectionID        *primitive.ObjectID `bson:"electionId"`
	Me                string              `bson:"me"`
	Primary           string              `bson:"primary"`
	Hosts             []string            `bson:"hosts"`
	Passives          []string            `bson:"passives"`
	Arbiters          []string            `bson:"arbiters"`
	Tags              map[string]string   `bson:"tags"`
	ReadOnly          bool                `bson:"readOnly"`
	MinWireVersion    *int64              `bson:"minWireVersion"`
	MaxWireVersion    *int64              `bson:"maxWireVersion"`
	MaxBSONObjectSize int64               `bson:"maxBsonObjectSize"`
	MaxMessageSize    int64               `bson:"maxMessageSizeBytes"`
	MaxWriteBatchSize int64               `bson:"maxWriteBatchSize"`
	SessionTimeout    *int64              `bson:"logicalSessionTimeoutMinutes"`
	TopologyVersion   *TopologyVersion    `bson:"topologyVersion"`
	LastWrite         *struct {
		LastWriteDate time.Time `bson:"lastWriteDate"`
	} `bson:"lastWrite"`
}

// NewServer creates a new server description from the given hello command
// response. Decoding failures and replies with ok != 1 produce an Unknown
// description carrying the error.
func NewServer(addr address.Address, response bson.Raw) Server {
	desc := Server{Addr: addr, CanonicalAddr: addr, LastUpdateTime: time.Now().UTC()}

	var reply helloReply
	if err := bson.Unmarshal(response, &reply); err != nil {
		desc.LastError = errors.Wrap(err, "unable to decode hello response")
		return desc
	}
	if reply.OK.Type != 0 {
		okay, isNumber := reply.OK.AsInt64OK()
		if !isNumber {
			if b, isBool := reply.OK.BooleanOK(); isBool && b {
				okay = 1
			}
		}
		if okay != 1 {
			desc.LastError = fmt.Errorf("hello failed (code %d): %s", reply.Code, reply.ErrMsg)
			return desc
		}
	}

	desc.Arbiters = reply.Arbiters
	desc.HelloOK = reply.HelloOK
	desc.Hosts = reply.Hosts
	desc.Passives = reply.Passives
	desc.Primary = address.Address(reply.Primary)
	desc.ReadOnly = reply.ReadOnly
	desc.SetName = reply.SetName
	desc.SessionTimeoutMinutes = reply.SessionTimeout
	desc.TopologyVersion = reply.TopologyVersion
	desc.MaxDocumentSize = uint32(reply.MaxBSONObjectSize)
	desc.MaxMessageSize = uint32(reply.MaxMessageSize)
	desc.MaxBatchCount = uint32(reply.MaxWriteBatchSize)
	if reply.SetVersion != nil {
		desc.SetVersion = uint32(*reply.SetVersion)
	}
	if reply.ElectionID != nil {
		desc.ElectionID = *reply.ElectionID
	}
	if reply.Me != "" {
		desc.CanonicalAddr = address.Address(reply.Me).Canonicalize()
	}
	if len(reply.Tags) > 0 {
		desc.Tags = tag.NewTagSetFromMap(reply.Tags)
	}
	if reply.LastWrite != nil {
		desc.LastWriteTime = reply.LastWrite.LastWriteDate.UTC()
	}
	if reply.MinWireVersion != nil || reply.MaxWireVersion != nil {
		vr := VersionRange{}
		if reply.MinWireVersion != nil {
			vr.Min = int32(*reply.MinWireVersion)
		}
		if reply.MaxWireVersion != nil {
			vr.Max = int32(*reply.MaxWireVersion)
		}
		desc.WireVersion = &vr
	}

	for _, host := range desc.Hosts {
		desc.Members = append(desc.Members, address.Address(host).Canonicalize())
	}
	for _, passive := range desc.Passives {
		desc.Members = append(desc.Members, address.Address(passive).Canonicalize())
	}
	for _, arbiter := range desc.Arbiters {
		desc.Members = append(desc.Members, address.Address(arbiter).Canonicalize())
	}

	isWritablePrimary := false
	switch {
	case reply.IsWritablePrimary != nil:
		isWritablePrimary = *reply.IsWritablePrimary
	case reply.IsMaster != nil:
		isWritablePrimary = *reply.IsMaster
	}

	desc.Kind = ServerKindStandalone
	switch {
	case reply.IsReplicaSet:
		desc.Kind = ServerKindRSGhost
	case desc.SetName != "":
		switch {
		case isWritablePrimary:
			desc.Kind = ServerKindRSPrimary
		case reply.Hidden:
			desc.Kind = ServerKindRSMember
		case reply.Secondary:
			desc.Kind = ServerKindRSSecondary
		case reply.ArbiterOnly:
			desc.Kind = ServerKindRSArbiter
		default:
			desc.Kind = ServerKindRSMember
		}
	case reply.Msg == "isdbgrid":
		desc.Kind = ServerKindMongos
	}

	return desc
}

// NewDefaultServer creates a new unknown server description with the given
// address.
func NewDefaultServer(addr address.Address) Server {
	return NewServerFromError(addr, nil, nil)
}

// NewServerFromError creates a new unknown server description with the given
// parameters.
func NewServerFromError(addr address.Address, err error, tv *TopologyVersion) Server {
	return Server{
		Addr:            addr,
		LastError:       err,
		Kind:            ServerKindUnknown,
		TopologyVersion: tv,
	}
}

// SetAverageRTT sets the average round trip time for this server description.
func (s Server) SetAverageRTT(rtt time.Duration) Server {
	s.AverageRTT = rtt
	s.AverageRTTSet = true
	return s
}

// DataBearing returns true if the server is a data bearing server.
func (s Server) DataBearing() bool {
	return s.Kind == ServerKindRSPrimary ||
		s.Kind == ServerKindRSSecondary ||
		s.Kind == ServerKindMongos ||
		s.Kind == ServerKindStandalone
}

// Known reports whether the server has been successfully checked and is not
// a placeholder.
func (s Server) Known() bool {
	return s.Kind != ServerKindUnknown && s.Kind != ServerKindPossiblePrimary
}

// Equal compares two server descriptions and returns true if they are equal.
// Fields that change on every check (round trip times, update time) are
// ignored.
func (s Server) Equal(other Server) bool {
	if s.CanonicalAddr.String() != other.CanonicalAddr.String() {
		return false
	}
	if !stringSliceEqual(s.Arbiters, other.Arbiters) ||
		!stringSliceEqual(s.Hosts, other.Hosts) ||
		!stringSliceEqual(s.Passives, other.Passives) {
		return false
	}
	if s.Primary != other.Primary || s.SetName != other.SetName || s.Kind != other.Kind {
		return false
	}
	if s.LastError != nil || other.LastError != nil {
		if s.LastError == nil || other.LastError == nil {
			return false
		}
		if s.LastError.Error() != other.LastError.Error() {
			return false
		}
	}
	if !s.WireVersion.Equals(other.WireVersion) {
		return false
	}
	if len(s.Tags) != len(other.Tags) || !s.Tags.ContainsAll(other.Tags) {
		return false
	}
	if s.SetVersion != other.SetVersion || s.ElectionID != other.ElectionID {
		return false
	}
	if !int64PtrEqual(s.SessionTimeoutMinutes, other.SessionTimeoutMinutes) {
		return false
	}
	// Two missing topology versions are equal even though CompareToIncoming
	// treats a missing version as older.
	if s.TopologyVersion == nil && other.TopologyVersion == nil {
		return true
	}
	return s.TopologyVersion.CompareToIncoming(other.TopologyVersion) == 0
}

// String implements the Stringer interface
func (s Server) String() string {
	str := fmt.Sprintf("Addr: %s, Type: %s", s.Addr, s.Kind)
	if len(s.Tags) != 0 {
		str += fmt.Sprintf(", Tag sets: %s", s.Tags)
	}
	if s.AverageRTTSet {
		str += fmt.Sprintf(", Average RTT: %d", s.AverageRTT)
	}
	if s.LastError != nil {
		str += fmt.Sprintf(", Last error: %s", s.LastError)
	}
	return str
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func int64PtrEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
