// Copyright © 2024 tgvault
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// WorkerPool runs N identical transfer workers against one queue. The target
// size is mutable at runtime: growing spawns workers, shrinking lets surplus
// workers drain out after their current item since each one re-checks its id
// against the target between items.
type WorkerPool struct {
	lg   *zap.Logger
	step func(ctx context.Context, workerID int) error

	target atomic.Int32

	mu      sync.Mutex
	spawned int
	ctx     context.Context
	started bool

	wg sync.WaitGroup

	// rampInterval spaces worker spawns at start so a cold session is not
	// hit by the full concurrency at once.
	rampInterval time.Duration
}

const defaultRampInterval = 500 * time.Millisecond

func NewWorkerPool(lg *zap.Logger, step func(ctx context.Context, workerID int) error) *WorkerPool {
	return &WorkerPool{
		lg:           lg.Named("pool"),
		step:         step,
		rampInterval: defaultRampInterval,
	}
}

// Start brings the pool up to target, one worker per ramp interval.
func (p *WorkerPool) Start(ctx context.Context, target int) {
	p.mu.Lock()
	p.ctx = ctx
	p.started = true
	p.mu.Unlock()
	p.target.Store(int32(target))

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			if ctx.Err() != nil {
				return
			}
			if !p.spawnOne() {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.rampInterval):
			}
		}
	}()
}

// SetTarget resizes the pool. Growth takes effect immediately; shrink takes
// effect as running workers finish their current item.
func (p *WorkerPool) SetTarget(n int) {
	p.target.Store(int32(n))
	for p.spawnOne() {
	}
}

// Target is the configured worker count.
func (p *WorkerPool) Target() int {
	return int(p.target.Load())
}

// Wait blocks until every worker has exited.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// spawnOne starts one more worker if the pool is below target; reports
// whether the pool may still be below target.
func (p *WorkerPool) spawnOne() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.ctx == nil || p.ctx.Err() != nil {
		return false
	}
	if p.spawned >= int(p.target.Load()) {
		return false
	}
	id := p.spawned
	p.spawned++
	ctx := p.ctx

	p.wg.Add(1)
	go p.worker(ctx, id)
	return p.spawned < int(p.target.Load())
}

func (p *WorkerPool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		p.spawned--
		p.mu.Unlock()
	}()
	p.lg.Debug("worker started", zap.Int("worker", id))

	for {
		if ctx.Err() != nil {
			return
		}
		if id >= int(p.target.Load()) {
			p.lg.Debug("worker retiring, pool shrunk", zap.Int("worker", id))
			return
		}
		if err := p.step(ctx, id); err != nil {
			p.lg.Debug("worker stopping", zap.Int("worker", id), zap.Error(err))
			return
		}
	}
}
