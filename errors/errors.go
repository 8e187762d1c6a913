// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package errors

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Kind uint8

const (
	KindUnknown Kind = iota
	KindRouting
	KindTransport
	KindSchema
	KindBackend
)

func (k Kind) String() string {
	switch k {
	case KindRouting:
		return "routing"
	case KindTransport:
		return "transport"
	case KindSchema:
		return "schema"
	case KindBackend:
		return "backend"
	default:
		return "unknown"
	}
}

var (
	ErrEmptyRing      = errors.New("shard set is empty")
	ErrDuplicateShard = errors.New("duplicate shard id")
	ErrInvalidShard   = errors.New("invalid shard")
	ErrUnknownShard   = errors.New("shard is not registered")

	ErrSchemaMismatch = errors.New("schema mismatch")
	ErrEmptyTicket    = errors.New("empty ticket")
	ErrInvalidTicket  = errors.New("invalid ticket")

	ErrNotReadOnly          = errors.New("statement is not a single read-only select")
	ErrInvalidStatement     = errors.New("statement cannot be run")
	ErrUnsupportedStatement = errors.New("raw statements are not supported by this engine")
	ErrUnknownEngine        = errors.New("unknown storage engine")
	ErrUnknownTable         = errors.New("table is not served by this shard")
	ErrBackendClosed        = errors.New("backend is closed")

	ErrMisrouted     = errors.New("key does not belong to this shard")
	ErrLimitExceeded = errors.New("limit exceeded")
	ErrMissingAck    = errors.New("stream finished without acknowledgement")
	ErrNotReady      = errors.New("shard server is not ready")
)

// Error carries the kind of failure alongside the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Routing(op string, err error) error   { return newError(KindRouting, op, err) }
func Transport(op string, err error) error { return newError(KindTransport, op, err) }
func Schema(op string, err error) error    { return newError(KindSchema, op, err) }
func Backend(op string, err error) error   { return newError(KindBackend, op, err) }

// KindOf returns the kind of the outermost *Error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsRouting(err error) bool   { return KindOf(err) == KindRouting }
func IsTransport(err error) bool { return KindOf(err) == KindTransport }
func IsSchema(err error) bool    { return KindOf(err) == KindSchema }
func IsBackend(err error) bool   { return KindOf(err) == KindBackend }

// Is and As are re-exported so callers only need one errors import.
func Is(err, target error) bool     { return errors.Is(err, target) }
func As(err error, target any) bool { return errors.As(err, target) }

// ToStatus converts err into a grpc status error for the wire.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	code := codes.Internal
	switch {
	case errors.Is(err, ErrMisrouted):
		code = codes.FailedPrecondition
	case errors.Is(err, ErrUnknownTable):
		code = codes.NotFound
	case errors.Is(err, ErrLimitExceeded):
		code = codes.ResourceExhausted
	case errors.Is(err, ErrBackendClosed), errors.Is(err, ErrNotReady):
		code = codes.Unavailable
	case IsSchema(err), errors.Is(err, ErrEmptyTicket), errors.Is(err, ErrInvalidTicket),
		errors.Is(err, ErrNotReadOnly), errors.Is(err, ErrInvalidStatement),
		errors.Is(err, ErrUnsupportedStatement):
		code = codes.InvalidArgument
	}
	return status.Error(code, err.Error())
}

// Code returns the grpc code carried by err or any error it wraps.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	var se interface{ GRPCStatus() *status.Status }
	if errors.As(err, &se) {
		return se.GRPCStatus().Code()
	}
	return codes.Unknown
}
