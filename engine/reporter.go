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
	"sync"
	"sync/atomic"
	"time"
)

// Reporter aggregates live transfer counters for one job. Workers bump the
// atomic counters; the speed estimate comes from a sliding window of byte
// samples so a stall decays to zero instead of sticking at the lifetime
// average.
type Reporter struct {
	downloadedBytes atomic.Int64
	downloadedMedia atomic.Int64
	failedMedia     atomic.Int64

	mu      sync.Mutex
	samples []byteSample
	now     func() time.Time // swappable for tests
}

type byteSample struct {
	at    time.Time
	total int64
}

const (
	speedWindow     = 20 * time.Second
	maxSpeedSamples = 200
)

func NewReporter() *Reporter {
	return &Reporter{now: time.Now}
}

// AddBytes records n durably written bytes.
func (r *Reporter) AddBytes(n int64) {
	total := r.downloadedBytes.Add(n)
	at := r.now()

	r.mu.Lock()
	r.samples = append(r.samples, byteSample{at: at, total: total})
	r.trimLocked(at)
	r.mu.Unlock()
}

// MediaDone / MediaFailed bump the per-item outcome counters.
func (r *Reporter) MediaDone()   { r.downloadedMedia.Add(1) }
func (r *Reporter) MediaFailed() { r.failedMedia.Add(1) }

// UndoMediaFailed compensates the failure counter when a failed item is
// rescheduled.
func (r *Reporter) UndoMediaFailed(n int) { r.failedMedia.Add(int64(-n)) }

func (r *Reporter) DownloadedBytes() int64 { return r.downloadedBytes.Load() }
func (r *Reporter) DownloadedMedia() int64 { return r.downloadedMedia.Load() }
func (r *Reporter) FailedMedia() int64     { return r.failedMedia.Load() }

// SetBaseline seeds the counters from persisted state on resume.
func (r *Reporter) SetBaseline(bytes, media, failed int64) {
	r.downloadedBytes.Store(bytes)
	r.downloadedMedia.Store(media)
	r.failedMedia.Store(failed)
}

// Speed is the current transfer rate in bytes per second over the sample
// window. Zero when fewer than two samples are in the window.
func (r *Reporter) Speed() float64 {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.trimLocked(now)
	if len(r.samples) < 2 {
		return 0
	}
	first, last := r.samples[0], r.samples[len(r.samples)-1]
	elapsed := last.at.Sub(first.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(last.total-first.total) / elapsed
}

func (r *Reporter) trimLocked(now time.Time) {
	cutoff := now.Add(-speedWindow)
	i := 0
	for i < len(r.samples) && r.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		r.samples = append(r.samples[:0], r.samples[i:]...)
	}
	if len(r.samples) > maxSpeedSamples {
		r.samples = append(r.samples[:0], r.samples[len(r.samples)-maxSpeedSamples:]...)
	}
}
