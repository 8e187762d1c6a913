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
	"fmt"
	"net"
	"strconv"
	"time"

	apierrors "github.com/cubefs/shardtable/errors"
)

const (
	DefaultTable = "distributed_data"
	ReqIdKey     = "req-id"

	ColumnID        = "id"
	ColumnValue     = "value"
	ColumnTimestamp = "timestamp"

	locationScheme = "grpc+tcp://"
)

// Record is one row of the shared table. Rows are never updated or deleted.
type Record struct {
	ID        string    `json:"id"`
	Value     string    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Shard is one storage unit and the address its flight server binds.
type Shard struct {
	ID   string `json:"id" yaml:"id"`
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

func (s Shard) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (s Shard) Location() string {
	return locationScheme + s.Addr()
}

func (s Shard) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: empty shard id", apierrors.ErrInvalidShard)
	}
	if s.Host == "" {
		return fmt.Errorf("%w: shard %s has no host", apierrors.ErrInvalidShard, s.ID)
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("%w: shard %s has invalid port %d", apierrors.ErrInvalidShard, s.ID, s.Port)
	}
	return nil
}

func (s Shard) String() string {
	return s.ID + "@" + s.Addr()
}

// ParseLocation splits a flight location uri back into host and port.
func ParseLocation(uri string) (string, int, error) {
	if len(uri) < len(locationScheme) || uri[:len(locationScheme)] != locationScheme {
		return "", 0, fmt.Errorf("unsupported location %q", uri)
	}
	host, port, err := net.SplitHostPort(uri[len(locationScheme):])
	if err != nil {
		return "", 0, err
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return "", 0, err
	}
	return host, p, nil
}
