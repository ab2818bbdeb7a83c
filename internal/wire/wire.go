// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package wire frames commands as OP_MSG (or legacy OP_QUERY) wire messages
// and decodes the replies.
package wire

import (
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
	"go.mongodb.org/mongo-driver/x/mongo/driver/wiremessage"
)

// ErrMalformedReply is returned when a reply cannot be decoded.
var ErrMalformedReply = errors.New("malformed wire message reply")

// AppendMsg appends an OP_MSG wire message with a single body section holding
// cmd. cmd must already contain its "$db" field.
func AppendMsg(dst []byte, requestID int32, flags wiremessage.MsgFlag, cmd bsoncore.Document) []byte {
	return AppendMsgResponse(dst, requestID, 0, flags, cmd)
}

// AppendMsgResponse appends an OP_MSG answering the request with id
// responseTo.
func AppendMsgResponse(dst []byte, requestID, responseTo int32, flags wiremessage.MsgFlag, cmd bsoncore.Document) []byte {
	idx, dst := wiremessage.AppendHeaderStart(dst, requestID, responseTo, wiremessage.OpMsg)
	dst = wiremessage.AppendMsgFlags(dst, flags)
	dst = wiremessage.AppendMsgSectionType(dst, wiremessage.SingleDocument)
	dst = append(dst, cmd...)
	return bsoncore.UpdateLength(dst, idx, int32(len(dst[idx:])))
}

// AppendQuery appends a legacy OP_QUERY against "<db>.$cmd". It is only used
// for the first handshake with a server whose protocol support is unknown.
func AppendQuery(dst []byte, requestID int32, db string, cmd bsoncore.Document) []byte {
	idx, dst := wiremessage.AppendHeaderStart(dst, requestID, 0, wiremessage.OpQuery)
	dst = wiremessage.AppendQueryFlags(dst, wiremessage.SecondaryOK)
	dst = wiremessage.AppendQueryFullCollectionName(dst, db+".$cmd")
	dst = wiremessage.AppendQueryNumberToSkip(dst, 0)
	dst = wiremessage.AppendQueryNumberToReturn(dst, -1)
	dst = append(dst, cmd...)
	return bsoncore.UpdateLength(dst, idx, int32(len(dst[idx:])))
}

// AppendReply appends a legacy OP_REPLY carrying a single document.
func AppendReply(dst []byte, requestID, responseTo int32, doc bsoncore.Document) []byte {
	idx, dst := wiremessage.AppendHeaderStart(dst, requestID, responseTo, wiremessage.OpReply)
	dst = wiremessage.AppendReplyFlags(dst, 0)
	dst = wiremessage.AppendReplyCursorID(dst, 0)
	dst = wiremessage.AppendReplyStartingFrom(dst, 0)
	dst = wiremessage.AppendReplyNumberReturned(dst, 1)
	dst = append(dst, doc...)
	return bsoncore.UpdateLength(dst, idx, int32(len(dst[idx:])))
}

// Request is a decoded client command.
type Request struct {
	RequestID int32
	OpCode    wiremessage.OpCode
	// Flags holds the OP_MSG flag bits. It is zero for OP_QUERY.
	Flags    wiremessage.MsgFlag
	Document bsoncore.Document
}

// ExhaustAllowed reports whether the client accepts moreToCome replies.
func (r Request) ExhaustAllowed() bool {
	return r.Flags&wiremessage.ExhaustAllowed == wiremessage.ExhaustAllowed
}

// ReadRequest decodes an OP_MSG or OP_QUERY command as sent by a client.
func ReadRequest(wm []byte) (Request, error) {
	length, requestID, _, opcode, rem, ok := wiremessage.ReadHeader(wm)
	if !ok || int(length) > len(wm) {
		return Request{}, errors.Wrap(ErrMalformedReply, "incomplete header")
	}

	req := Request{RequestID: requestID, OpCode: opcode}
	switch opcode {
	case wiremessage.OpMsg:
		if req.Flags, rem, ok = wiremessage.ReadMsgFlags(rem); !ok {
			return Request{}, errors.Wrap(ErrMalformedReply, "missing OP_MSG flags")
		}
		var stype wiremessage.SectionType
		if stype, rem, ok = wiremessage.ReadMsgSectionType(rem); !ok || stype != wiremessage.SingleDocument {
			return Request{}, errors.Wrap(ErrMalformedReply, "missing body section")
		}
		if req.Document, _, ok = wiremessage.ReadMsgSectionSingleDocument(rem); !ok {
			return Request{}, errors.Wrap(ErrMalformedReply, "truncated body section")
		}
	case wiremessage.OpQuery:
		if _, rem, ok = wiremessage.ReadQueryFlags(rem); !ok {
			return Request{}, errors.Wrap(ErrMalformedReply, "missing OP_QUERY flags")
		}
		if _, rem, ok = wiremessage.ReadQueryFullCollectionName(rem); !ok {
			return Request{}, errors.Wrap(ErrMalformedReply, "missing collection name")
		}
		if _, rem, ok = wiremessage.ReadQueryNumberToSkip(rem); !ok {
			return Request{}, errors.Wrap(ErrMalformedReply, "missing numberToSkip")
		}
		if _, rem, ok = wiremessage.ReadQueryNumberToReturn(rem); !ok {
			return Request{}, errors.Wrap(ErrMalformedReply, "missing numberToReturn")
		}
		if req.Document, _, ok = wiremessage.ReadQueryQuery(rem); !ok {
			return Request{}, errors.Wrap(ErrMalformedReply, "missing query document")
		}
	default:
		return Request{}, errors.Wrapf(ErrMalformedReply, "unexpected opcode %s", opcode)
	}
	return req, nil
}

// Reply is a decoded server response.
type Reply struct {
	RequestID  int32
	ResponseTo int32
	// MoreToCome is set when the server will send another reply without a
	// new request (awaitable hello streaming).
	MoreToCome bool
	Document   bsoncore.Document
}

// ReadReply decodes an OP_MSG or OP_REPLY wire message.
func ReadReply(wm []byte) (Reply, error) {
	length, requestID, responseTo, opcode, rem, ok := wiremessage.ReadHeader(wm)
	if !ok || int(length) > len(wm) {
		return Reply{}, errors.Wrap(ErrMalformedReply, "incomplete header")
	}

	reply := Reply{RequestID: requestID, ResponseTo: responseTo}
	switch opcode {
	case wiremessage.OpMsg:
		var flags wiremessage.MsgFlag
		flags, rem, ok = wiremessage.ReadMsgFlags(rem)
		if !ok {
			return Reply{}, errors.Wrap(ErrMalformedReply, "missing OP_MSG flags")
		}
		reply.MoreToCome = flags&wiremessage.MoreToCome == wiremessage.MoreToCome
		if flags&wiremessage.ChecksumPresent == wiremessage.ChecksumPresent {
			if len(rem) < 4 {
				return Reply{}, errors.Wrap(ErrMalformedReply, "missing checksum")
			}
			rem = rem[:len(rem)-4]
		}
		for len(rem) > 0 {
			var stype wiremessage.SectionType
			stype, rem, ok = wiremessage.ReadMsgSectionType(rem)
			if !ok {
				return Reply{}, errors.Wrap(ErrMalformedReply, "bad section type")
			}
			switch stype {
			case wiremessage.SingleDocument:
				reply.Document, rem, ok = wiremessage.ReadMsgSectionSingleDocument(rem)
			case wiremessage.DocumentSequence:
				_, _, rem, ok = wiremessage.ReadMsgSectionDocumentSequence(rem)
			default:
				return Reply{}, errors.Wrapf(ErrMalformedReply, "unknown section type %d", stype)
			}
			if !ok {
				return Reply{}, errors.Wrap(ErrMalformedReply, "truncated section")
			}
		}
	case wiremessage.OpReply:
		if _, rem, ok = wiremessage.ReadReplyFlags(rem); !ok {
			return Reply{}, errors.Wrap(ErrMalformedReply, "missing OP_REPLY flags")
		}
		if _, rem, ok = wiremessage.ReadReplyCursorID(rem); !ok {
			return Reply{}, errors.Wrap(ErrMalformedReply, "missing cursor id")
		}
		if _, rem, ok = wiremessage.ReadReplyStartingFrom(rem); !ok {
			return Reply{}, errors.Wrap(ErrMalformedReply, "missing startingFrom")
		}
		if _, rem, ok = wiremessage.ReadReplyNumberReturned(rem); !ok {
			return Reply{}, errors.Wrap(ErrMalformedReply, "missing numberReturned")
		}
		if reply.Document, _, ok = wiremessage.ReadReplyDocument(rem); !ok {
			return Reply{}, errors.Wrap(ErrMalformedReply, "missing reply document")
		}
	default:
		return Reply{}, errors.Wrapf(ErrMalformedReply, "unexpected opcode %s", opcode)
	}

	if reply.Document == nil {
		return Reply{}, errors.Wrap(ErrMalformedReply, "no body section")
	}
	if err := reply.Document.Validate(); err != nil {
		return Reply{}, errors.Wrap(err, "invalid reply document")
	}
	return reply, nil
}
