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
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/tgvault/tgvault/common"
)

// ErrQueueClosed is returned by Claim after Close.
var ErrQueueClosed = errors.New("download queue closed")

// controlSignal is a pending request against an item a worker currently
// holds. The worker observes it between chunks and confirms.
type controlSignal uint8

const (
	signalNone controlSignal = iota
	signalPause
	signalCancel
)

// DownloadQueue holds every media item of one job, bucketed by status. One
// mutex guards all of it; waiting items keep FIFO order so downloads happen
// roughly in scan order. Enqueue applies soft-cap backpressure so a scan of a
// huge chat cannot hold the full item set ahead of the workers.
type DownloadQueue struct {
	mu   sync.Mutex
	cond *sync.Cond

	items   map[string]*common.MediaItem
	waiting []string // FIFO of keys with Status Waiting
	signals map[string]controlSignal

	softCap int
	closed  bool
}

const defaultQueueSoftCap = 2000

func NewDownloadQueue(softCap int) *DownloadQueue {
	if softCap <= 0 {
		softCap = defaultQueueSoftCap
	}
	q := &DownloadQueue{
		items:   make(map[string]*common.MediaItem),
		signals: make(map[string]controlSignal),
		softCap: softCap,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds one item in the Waiting state and reports whether it was new;
// duplicate keys are ignored so a rescan never double-schedules. Blocks
// while the number of unfinished items is at the soft cap; returns early
// when done closes.
func (q *DownloadQueue) Enqueue(done <-chan struct{}, item common.MediaItem) (bool, error) {
	key := item.Key()

	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closed && q.pendingLocked() >= q.softCap {
		if waitCancelled(q.cond, done) {
			return false, errors.New("enqueue cancelled")
		}
	}
	if q.closed {
		return false, ErrQueueClosed
	}
	if _, exists := q.items[key]; exists {
		return false, nil
	}

	item.Status = common.EItemStatus.Waiting()
	stored := item
	q.items[key] = &stored
	q.waiting = append(q.waiting, key)
	q.cond.Broadcast()
	return true, nil
}

// waitCancelled waits on cond but gives up when done is closed. The extra
// goroutine is the standard workaround for sync.Cond lacking context support.
func waitCancelled(cond *sync.Cond, done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
	}
	woke := make(chan struct{})
	go func() {
		select {
		case <-done:
			cond.Broadcast()
		case <-woke:
		}
	}()
	cond.Wait()
	close(woke)
	select {
	case <-done:
		return true
	default:
		return false
	}
}

// Restore bulk-loads persisted items, bypassing backpressure. Items that
// were mid-download when the process died come back as Waiting; their
// partial file on disk carries the real resume offset.
func (q *DownloadQueue) Restore(items []common.MediaItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range items {
		if item.Status == common.EItemStatus.Downloading() {
			item.Status = common.EItemStatus.Waiting()
		}
		stored := item
		key := stored.Key()
		q.items[key] = &stored
		if stored.Status == common.EItemStatus.Waiting() {
			q.waiting = append(q.waiting, key)
		}
	}
	q.cond.Broadcast()
}

// Claim hands the oldest waiting item to a worker and marks it Downloading.
// Blocks until an item is available, done closes, or the queue closes.
func (q *DownloadQueue) Claim(done <-chan struct{}) (common.MediaItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed {
			return common.MediaItem{}, ErrQueueClosed
		}
		if len(q.waiting) > 0 {
			key := q.waiting[0]
			q.waiting = q.waiting[1:]
			item := q.items[key]
			if item == nil || item.Status != common.EItemStatus.Waiting() {
				continue // stale key from an out-of-band transition
			}
			item.Status = common.EItemStatus.Downloading()
			q.cond.Broadcast()
			return *item, nil
		}
		if waitCancelled(q.cond, done) {
			return common.MediaItem{}, errors.New("claim cancelled")
		}
	}
}

// TryClaim is the non-blocking form of Claim, used for batching.
func (q *DownloadQueue) TryClaim() (common.MediaItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.waiting) > 0 {
		key := q.waiting[0]
		q.waiting = q.waiting[1:]
		item := q.items[key]
		if item == nil || item.Status != common.EItemStatus.Waiting() {
			continue
		}
		item.Status = common.EItemStatus.Downloading()
		q.cond.Broadcast()
		return *item, true
	}
	return common.MediaItem{}, false
}

// ParkDownloading force-pauses every item still marked Downloading. Used
// after a hard stop when workers exited without confirming their signals.
func (q *DownloadQueue) ParkDownloading() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for key := range q.signals {
		delete(q.signals, key)
	}
	for _, item := range q.items {
		if item.Status == common.EItemStatus.Downloading() {
			item.Status = common.EItemStatus.Paused()
		}
	}
	q.cond.Broadcast()
}

// Invalidate sends a completed item back to the waiting list; used by verify
// when the file on disk is gone or truncated.
func (q *DownloadQueue) Invalidate(key string) error {
	return q.transitionErr(key, func(item *common.MediaItem) error {
		if item.Status != common.EItemStatus.Completed() {
			return errors.Errorf("item %s is %s, cannot invalidate", key, item.Status)
		}
		item.Status = common.EItemStatus.Waiting()
		item.Downloaded = 0
		q.waiting = append(q.waiting, key)
		return nil
	})
}

// Signal reports and clears a pending pause/cancel request for key. Workers
// call it between chunks.
func (q *DownloadQueue) takeSignal(key string) controlSignal {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.signals[key]
	if s != signalNone {
		delete(q.signals, key)
	}
	return s
}

// SetProgress records the durably written byte count of an in-flight item.
func (q *DownloadQueue) SetProgress(key string, downloaded int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if item, ok := q.items[key]; ok {
		item.Downloaded = downloaded
	}
}

// UpdateRef stores a refreshed access reference.
func (q *DownloadQueue) UpdateRef(key string, ref common.MediaRef) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if item, ok := q.items[key]; ok {
		item.Ref = ref
	}
}

// SetAttempts records the retry counter of an in-flight item.
func (q *DownloadQueue) SetAttempts(key string, attempts int, lastErr string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if item, ok := q.items[key]; ok {
		item.Attempts = attempts
		item.LastError = lastErr
	}
}

// Complete finalises a downloading item.
func (q *DownloadQueue) Complete(key string) {
	q.transition(key, func(item *common.MediaItem) {
		item.Status = common.EItemStatus.Completed()
		item.Downloaded = item.Size
		item.LastError = ""
		item.ErrorKind = common.EErrorKind.None()
	})
}

// Fail marks a downloading item failed with its classified error.
func (q *DownloadQueue) Fail(key string, err error) {
	q.transition(key, func(item *common.MediaItem) {
		item.Status = common.EItemStatus.Failed()
		item.LastError = err.Error()
		item.ErrorKind = common.ClassifyTransferError(err)
	})
}

// Skip marks an item skipped. Valid from any non-done state.
func (q *DownloadQueue) Skip(key string) error {
	return q.transitionErr(key, func(item *common.MediaItem) error {
		if item.Status.IsDone() {
			return errors.Errorf("item %s already %s", key, item.Status)
		}
		if item.Status == common.EItemStatus.Downloading() {
			// The worker confirms by observing the cancel signal; until
			// then the item stays claimed.
			q.signals[key] = signalCancel
			return nil
		}
		q.removeWaiting(key)
		item.Status = common.EItemStatus.Skipped()
		return nil
	})
}

// ConfirmCancel is the worker-side acknowledgement of a cancel signal.
func (q *DownloadQueue) ConfirmCancel(key string) {
	q.transition(key, func(item *common.MediaItem) {
		item.Status = common.EItemStatus.Skipped()
	})
}

// PauseItem pauses one item. A waiting item parks immediately; a downloading
// one gets a signal its worker confirms at the next chunk boundary.
func (q *DownloadQueue) PauseItem(key string, manual bool) error {
	return q.transitionErr(key, func(item *common.MediaItem) error {
		switch item.Status {
		case common.EItemStatus.Waiting():
			q.removeWaiting(key)
			item.Status = common.EItemStatus.Paused()
			item.ManuallyPaused = manual
		case common.EItemStatus.Downloading():
			item.ManuallyPaused = manual
			q.signals[key] = signalPause
		case common.EItemStatus.Paused():
			if manual {
				item.ManuallyPaused = true
			}
		default:
			return errors.Errorf("item %s is %s, cannot pause", key, item.Status)
		}
		return nil
	})
}

// ConfirmPause is the worker-side acknowledgement of a pause signal.
func (q *DownloadQueue) ConfirmPause(key string) {
	q.transition(key, func(item *common.MediaItem) {
		item.Status = common.EItemStatus.Paused()
	})
}

// ResumeItem returns a paused item to the waiting list.
func (q *DownloadQueue) ResumeItem(key string) error {
	return q.transitionErr(key, func(item *common.MediaItem) error {
		if item.Status != common.EItemStatus.Paused() {
			return errors.Errorf("item %s is %s, cannot resume", key, item.Status)
		}
		item.Status = common.EItemStatus.Waiting()
		item.ManuallyPaused = false
		q.waiting = append(q.waiting, key)
		return nil
	})
}

// RetryItem reschedules a failed or skipped item with a fresh attempt
// budget. A completed item is only rescheduled with force, which re-downloads
// the file in place.
func (q *DownloadQueue) RetryItem(key string, force bool) error {
	return q.transitionErr(key, func(item *common.MediaItem) error {
		switch item.Status {
		case common.EItemStatus.Failed(), common.EItemStatus.Skipped():
		case common.EItemStatus.Completed():
			if !force {
				return errors.Errorf("item %s is completed; use force to re-download", key)
			}
			item.Downloaded = 0
		default:
			return errors.Errorf("item %s is %s, cannot retry", key, item.Status)
		}
		item.Status = common.EItemStatus.Waiting()
		item.Attempts = 0
		item.LastError = ""
		item.ErrorKind = common.EErrorKind.None()
		q.waiting = append(q.waiting, key)
		return nil
	})
}

// RetryAllFailed reschedules every failed item and returns how many.
func (q *DownloadQueue) RetryAllFailed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for key, item := range q.items {
		if item.Status == common.EItemStatus.Failed() {
			item.Status = common.EItemStatus.Waiting()
			item.Attempts = 0
			item.LastError = ""
			item.ErrorKind = common.EErrorKind.None()
			q.waiting = append(q.waiting, key)
			n++
		}
	}
	if n > 0 {
		q.cond.Broadcast()
	}
	return n
}

// PauseAll parks every waiting item and signals every downloading one. Used
// on job pause; ManuallyPaused stays false so a job resume restarts them.
func (q *DownloadQueue) PauseAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, key := range q.waiting {
		if item, ok := q.items[key]; ok && item.Status == common.EItemStatus.Waiting() {
			item.Status = common.EItemStatus.Paused()
		}
	}
	q.waiting = q.waiting[:0]
	for key, item := range q.items {
		if item.Status == common.EItemStatus.Downloading() {
			q.signals[key] = signalPause
		}
	}
	q.cond.Broadcast()
}

// ResumeAll returns every auto-paused item to the waiting list. Items paused
// by an explicit per-item request stay parked.
func (q *DownloadQueue) ResumeAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys := make([]string, 0)
	for key, item := range q.items {
		if item.Status == common.EItemStatus.Paused() && !item.ManuallyPaused {
			item.Status = common.EItemStatus.Waiting()
			keys = append(keys, key)
		}
	}
	// Deterministic re-admission order.
	sort.Slice(keys, func(i, j int) bool {
		a, b := q.items[keys[i]], q.items[keys[j]]
		if a.ChatID != b.ChatID {
			return a.ChatID < b.ChatID
		}
		return a.MessageID < b.MessageID
	})
	q.waiting = append(q.waiting, keys...)
	if len(keys) > 0 {
		q.cond.Broadcast()
	}
}

// CancelAll skips every unfinished item. Used on job cancel.
func (q *DownloadQueue) CancelAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for key, item := range q.items {
		switch item.Status {
		case common.EItemStatus.Waiting(), common.EItemStatus.Paused():
			item.Status = common.EItemStatus.Skipped()
		case common.EItemStatus.Downloading():
			q.signals[key] = signalCancel
		}
	}
	q.waiting = q.waiting[:0]
	q.cond.Broadcast()
}

// Close wakes every blocked Claim and Enqueue with ErrQueueClosed.
func (q *DownloadQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// Get returns a copy of one item.
func (q *DownloadQueue) Get(key string) (common.MediaItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[key]
	if !ok {
		return common.MediaItem{}, common.ErrItemNotFound
	}
	return *item, nil
}

// QueueCounts is the per-bucket item census.
type QueueCounts struct {
	Waiting     int `json:"waiting"`
	Downloading int `json:"downloading"`
	Paused      int `json:"paused"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
	Skipped     int `json:"skipped"`
}

// Pending is the number of items still owed work.
func (c QueueCounts) Pending() int {
	return c.Waiting + c.Downloading + c.Paused
}

func (q *DownloadQueue) Counts() QueueCounts {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.countsLocked()
}

func (q *DownloadQueue) countsLocked() QueueCounts {
	var c QueueCounts
	for _, item := range q.items {
		switch item.Status {
		case common.EItemStatus.Waiting():
			c.Waiting++
		case common.EItemStatus.Downloading():
			c.Downloading++
		case common.EItemStatus.Paused():
			c.Paused++
		case common.EItemStatus.Completed():
			c.Completed++
		case common.EItemStatus.Failed():
			c.Failed++
		case common.EItemStatus.Skipped():
			c.Skipped++
		}
	}
	return c
}

func (q *DownloadQueue) pendingLocked() int {
	c := q.countsLocked()
	return c.Waiting + c.Downloading
}

// List returns copies of the items in the given states, ordered by chat then
// message id, newest first when reversed, capped at limit (0 = no cap).
func (q *DownloadQueue) List(limit int, reversed bool, statuses ...common.ItemStatus) []common.MediaItem {
	want := map[common.ItemStatus]bool{}
	for _, s := range statuses {
		want[s] = true
	}

	q.mu.Lock()
	out := make([]common.MediaItem, 0)
	for _, item := range q.items {
		if len(want) == 0 || want[item.Status] {
			out = append(out, *item)
		}
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		less := out[i].ChatID < out[j].ChatID ||
			(out[i].ChatID == out[j].ChatID && out[i].MessageID < out[j].MessageID)
		if reversed {
			return !less
		}
		return less
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// All returns a copy of every item, for persistence.
func (q *DownloadQueue) All() []common.MediaItem {
	return q.List(0, false)
}

// WaitIdle blocks until no item is waiting or downloading, or done closes.
func (q *DownloadQueue) WaitIdle(done <-chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.pendingLocked() > 0 && !q.closed {
		if waitCancelled(q.cond, done) {
			return
		}
	}
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func (q *DownloadQueue) transition(key string, f func(*common.MediaItem)) {
	_ = q.transitionErr(key, func(item *common.MediaItem) error {
		f(item)
		return nil
	})
}

func (q *DownloadQueue) transitionErr(key string, f func(*common.MediaItem) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[key]
	if !ok {
		return common.ErrItemNotFound
	}
	err := f(item)
	q.cond.Broadcast()
	return err
}

func (q *DownloadQueue) removeWaiting(key string) {
	for i, k := range q.waiting {
		if k == key {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			return
		}
	}
}
