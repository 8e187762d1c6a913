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

package proto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/apache/arrow/go/v14/arrow/flight"

	apierrors "github.com/cubefs/shardtable/errors"
)

// Lookup selects every row of Table whose id equals Key. The key travels as a
// value and is bound as a statement parameter on the server.
type Lookup struct {
	Table string `json:"table"`
	Key   string `json:"key"`
}

// Ticket is a decoded DoGet ticket: either a Lookup or a raw statement sent by
// clients that still build query strings themselves.
type Ticket struct {
	Lookup    *Lookup
	Statement string
}

func EncodeLookup(table, key string) ([]byte, error) {
	if table == "" {
		return nil, apierrors.ErrInvalidTicket
	}
	return json.Marshal(&Lookup{Table: table, Key: key})
}

func DecodeTicket(b []byte) (Ticket, error) {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 {
		return Ticket{}, apierrors.ErrEmptyTicket
	}
	if trimmed[0] == '{' {
		l := &Lookup{}
		if err := json.Unmarshal(trimmed, l); err != nil {
			return Ticket{}, fmt.Errorf("%w: %s", apierrors.ErrInvalidTicket, err)
		}
		if l.Table == "" {
			return Ticket{}, fmt.Errorf("%w: lookup without table", apierrors.ErrInvalidTicket)
		}
		return Ticket{Lookup: l}, nil
	}
	if !utf8.Valid(trimmed) {
		return Ticket{}, fmt.Errorf("%w: statement is not utf-8", apierrors.ErrInvalidTicket)
	}
	return Ticket{Statement: string(trimmed)}, nil
}

func TableDescriptor(table string) *flight.FlightDescriptor {
	return &flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{table},
	}
}

// TableFromDescriptor returns the table a descriptor names, or "" if it names none.
func TableFromDescriptor(desc *flight.FlightDescriptor) string {
	if desc == nil {
		return ""
	}
	switch desc.Type {
	case flight.DescriptorPATH:
		return strings.Join(desc.Path, "/")
	case flight.DescriptorCMD:
		return string(desc.Cmd)
	default:
		return ""
	}
}
