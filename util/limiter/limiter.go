// Copyright 2023 The Cuber Authors.
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

package limiter

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	apierrors "github.com/cubefs/shardtable/errors"
)

type (
	// Limiter bounds the requests a shard lets through to its backend.
	// Concurrency overflow fails fast; rate limits wait on the request context.
	Limiter interface {
		AcquireRead(ctx context.Context) error
		ReleaseRead()
		AcquireWrite(ctx context.Context) error
		ReleaseWrite()
		WaitRows(ctx context.Context, n int) error
		SetReadConcurrency(value uint32)
		SetWriteConcurrency(value uint32)
		GetConfig() LimitConfig
		Status() Status
	}
	CountLimit interface {
		Running() int
		Acquire() error
		Release()
		SetLimit(limit uint32)
	}
	LimitConfig struct {
		ReadConcurrency  int `json:"read_concurrency"`
		WriteConcurrency int `json:"write_concurrency"`
		ReadQPS          int `json:"read_qps"`
		WriteRowsPS      int `json:"write_rows_per_second"`
	}
	Status struct {
		Config       LimitConfig `json:"config"`
		ReadRunning  int         `json:"read_running"`
		WriteRunning int         `json:"write_running"`
		ReadWait     int         `json:"read_wait_ms"`
		WriteWait    int         `json:"write_wait_ms"`
	}
	limiter struct {
		config          atomic.Value // LimitConfig
		readCountLimit  CountLimit
		writeCountLimit CountLimit
		readRate        *rate.Limiter
		writeRate       *rate.Limiter
	}
)

func NewLimiter(cfg LimitConfig) Limiter {
	lim := &limiter{
		readCountLimit:  NewCountLimit(cfg.ReadConcurrency),
		writeCountLimit: NewCountLimit(cfg.WriteConcurrency),
	}
	if cfg.ReadQPS > 0 {
		lim.readRate = rate.NewLimiter(rate.Limit(cfg.ReadQPS), cfg.ReadQPS)
	}
	if cfg.WriteRowsPS > 0 {
		lim.writeRate = rate.NewLimiter(rate.Limit(cfg.WriteRowsPS), cfg.WriteRowsPS)
	}
	lim.config.Store(cfg)
	return lim
}

func (lim *limiter) AcquireRead(ctx context.Context) error {
	if err := lim.readCountLimit.Acquire(); err != nil {
		return err
	}
	if lim.readRate != nil {
		if err := lim.readRate.Wait(ctx); err != nil {
			lim.readCountLimit.Release()
			return err
		}
	}
	return nil
}

func (lim *limiter) ReleaseRead() {
	lim.readCountLimit.Release()
}

func (lim *limiter) AcquireWrite(ctx context.Context) error {
	return lim.writeCountLimit.Acquire()
}

func (lim *limiter) ReleaseWrite() {
	lim.writeCountLimit.Release()
}

// WaitRows blocks until n rows may be written. Batches larger than the burst
// are charged in burst sized chunks.
func (lim *limiter) WaitRows(ctx context.Context, n int) error {
	if lim.writeRate == nil {
		return nil
	}
	burst := lim.writeRate.Burst()
	for n > 0 {
		take := n
		if take > burst {
			take = burst
		}
		if err := lim.writeRate.WaitN(ctx, take); err != nil {
			return err
		}
		n -= take
	}
	return nil
}

func (lim *limiter) SetReadConcurrency(value uint32) {
	lim.readCountLimit.SetLimit(value)
	cfg := lim.GetConfig()
	cfg.ReadConcurrency = int(value)
	lim.config.Store(cfg)
}

func (lim *limiter) SetWriteConcurrency(value uint32) {
	lim.writeCountLimit.SetLimit(value)
	cfg := lim.GetConfig()
	cfg.WriteConcurrency = int(value)
	lim.config.Store(cfg)
}

func (lim *limiter) GetConfig() LimitConfig {
	return lim.config.Load().(LimitConfig)
}

func (lim *limiter) Status() Status {
	return Status{
		Config:       lim.GetConfig(),
		ReadRunning:  lim.readCountLimit.Running(),
		WriteRunning: lim.writeCountLimit.Running(),
		ReadWait:     rateWait(lim.readRate),
		WriteWait:    rateWait(lim.writeRate),
	}
}

func rateWait(r *rate.Limiter) int {
	if r == nil {
		return 0
	}
	now := time.Now()
	reserve := r.ReserveN(now, r.Burst()/2)
	duration := reserve.DelayFrom(now)
	reserve.Cancel()
	return int(duration.Milliseconds())
}

const minusOne = ^uint32(0)

type countLimit struct {
	limit   uint32
	current uint32
}

// NewCountLimit returns limiter with concurrent n, 0 means unlimited
func NewCountLimit(n int) CountLimit {
	return &countLimit{limit: uint32(n)}
}

func (l *countLimit) Running() int {
	return int(atomic.LoadUint32(&l.current))
}

func (l *countLimit) Acquire() error {
	limit := atomic.LoadUint32(&l.limit)
	if atomic.AddUint32(&l.current, 1) > limit && limit > 0 {
		atomic.AddUint32(&l.current, minusOne)
		return apierrors.ErrLimitExceeded
	}
	return nil
}

func (l *countLimit) Release() {
	atomic.AddUint32(&l.current, minusOne)
}

func (l *countLimit) SetLimit(limit uint32) {
	atomic.StoreUint32(&l.limit, limit)
}
