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

package common

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateGate serialises outbound calls to the messaging service: a token
// bucket, a minimum inter-request spacing, and a hold window asserted when
// the server answers with a flood wait. All session requests must pass Wait
// before going on the wire.
type RateGate struct {
	limiter *rate.Limiter

	mu        sync.Mutex
	spacing   time.Duration
	nextAt    time.Time
	holdUntil time.Time

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewRateGate(perSecond float64, burst int, spacing time.Duration) *RateGate {
	if burst < 1 {
		burst = 1
	}
	return &RateGate{
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		spacing: spacing,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Wait blocks until the caller may issue one request.
func (g *RateGate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		now := time.Now()
		wait := time.Duration(0)
		if g.holdUntil.After(now) {
			wait = g.holdUntil.Sub(now)
		} else if g.nextAt.After(now) {
			wait = g.nextAt.Sub(now)
		} else {
			g.nextAt = now.Add(g.spacing)
			g.mu.Unlock()
			return g.limiter.Wait(ctx)
		}
		g.mu.Unlock()
		if err := g.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Hold closes the gate for d plus a small jitter. Used on FloodWait; every
// caller of Wait blocks until the window has passed.
func (g *RateGate) Hold(d time.Duration) {
	jitter := time.Duration(rand.Int63n(int64(2 * time.Second)))
	until := time.Now().Add(d + jitter)
	g.mu.Lock()
	if until.After(g.holdUntil) {
		g.holdUntil = until
	}
	g.mu.Unlock()
}

// HeldFor reports how long the gate is still closed; zero when open.
func (g *RateGate) HeldFor() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d := time.Until(g.holdUntil); d > 0 {
		return d
	}
	return 0
}
