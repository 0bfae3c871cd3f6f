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
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tgvault/tgvault/common"
)

// persistInterval is the cadence of the background checkpoint while a job is
// live.
const persistInterval = 5 * time.Second

// delegatedBatchSize caps how many items one external downloader invocation
// covers.
const delegatedBatchSize = 25

// DelegatedDownloader hands a batch of items to an external transfer tool.
// It returns the keys it finished (verified on disk) and the per-key errors
// of the rest. An invocation-level error fails the whole batch.
type DelegatedDownloader interface {
	Download(ctx context.Context, exportRoot string, batch []common.MediaItem,
		progress func(key string, downloaded int64)) (done []string, failed map[string]error, err error)
}

// Finalizer renders the archived message logs once a job completes; wired to
// the export package.
type Finalizer func(job *common.Job, store *ResumeStore, chats map[int64]common.ChatDescriptor) error

// Controller owns one job's state machine. All mutation of the job funnels
// through it; control calls are guarded by a try-lock so a racing second
// call is rejected as busy instead of queueing up.
type Controller struct {
	lg       *zap.Logger
	sess     ChatSession
	store    *ResumeStore
	delegate DelegatedDownloader
	finalize Finalizer

	ctl sync.Mutex // re-entrancy guard, TryLock only

	mu       sync.Mutex // guards job and chats
	job      *common.Job
	chats    map[int64]common.ChatDescriptor
	fatalErr error

	queue    *DownloadQueue
	reporter *Reporter
	pool     *WorkerPool

	runCancel context.CancelFunc
	runDone   chan struct{}
}

func NewController(lg *zap.Logger, sess ChatSession, store *ResumeStore,
	delegate DelegatedDownloader, finalize Finalizer, job *common.Job) *Controller {

	job.Perf.Clamp()
	if job.Cursors == nil {
		job.Cursors = map[int64]int{}
	}
	c := &Controller{
		lg:       lg.Named("job").With(zap.String("job", job.ID.Short())),
		sess:     sess,
		store:    store,
		delegate: delegate,
		finalize: finalize,
		job:      job,
		chats:    map[int64]common.ChatDescriptor{},
		queue:    NewDownloadQueue(0),
		reporter: NewReporter(),
	}
	c.reporter.SetBaseline(job.DownloadedBytes, job.DownloadedMedia, 0)
	return c
}

// RestoreQueue loads the persisted item set into the queue; called by the
// engine while rehydrating after a restart.
func (c *Controller) RestoreQueue(items []common.MediaItem) {
	c.queue.Restore(items)
	var failed int64
	for _, it := range items {
		if it.Status == common.EItemStatus.Failed() {
			failed++
		}
	}
	c.reporter.SetBaseline(c.job.DownloadedBytes, c.job.DownloadedMedia, failed)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
// Control surface. Every operation takes the try-lock; a held lock means a
// concurrent control call is mid-flight and the caller gets ErrJobBusy.

// Start launches a pending job.
func (c *Controller) Start(ctx context.Context) error {
	if !c.ctl.TryLock() {
		return common.ErrJobBusy
	}
	defer c.ctl.Unlock()

	if st := c.status(); st != common.EJobStatus.Pending() {
		return errors.Errorf("cannot start job in state %s", st)
	}
	now := time.Now().UTC()
	c.mu.Lock()
	c.job.StartedAt = &now
	c.mu.Unlock()
	c.launch(ctx)
	return nil
}

// Pause stops a live job at the next chunk boundary and parks its items.
func (c *Controller) Pause(ctx context.Context) error {
	if !c.ctl.TryLock() {
		return common.ErrJobBusy
	}
	defer c.ctl.Unlock()

	st := c.status()
	if st != common.EJobStatus.Extracting() && st != common.EJobStatus.Running() {
		return errors.Errorf("cannot pause job in state %s", st)
	}
	c.setStatus(common.EJobStatus.Paused())
	c.queue.PauseAll()
	c.stopRun()
	c.queue.ParkDownloading()
	c.persist()
	c.lg.Info("job paused")
	return nil
}

// Resume relaunches a paused job. Items paused individually by the operator
// stay parked.
func (c *Controller) Resume(ctx context.Context) error {
	if !c.ctl.TryLock() {
		return common.ErrJobBusy
	}
	defer c.ctl.Unlock()

	if st := c.status(); st != common.EJobStatus.Paused() {
		return errors.Errorf("cannot resume job in state %s", st)
	}
	c.queue.ResumeAll()
	c.launch(ctx)
	return nil
}

// Cancel terminates a job; remaining items are skipped, finished files stay.
func (c *Controller) Cancel(ctx context.Context) error {
	if !c.ctl.TryLock() {
		return common.ErrJobBusy
	}
	defer c.ctl.Unlock()

	st := c.status()
	if st.IsTerminal() {
		return errors.Errorf("cannot cancel job in state %s", st)
	}
	c.setStatus(common.EJobStatus.Cancelled())
	c.queue.CancelAll()
	c.stopRun()
	c.queue.ParkDownloading()
	now := time.Now().UTC()
	c.mu.Lock()
	c.job.CompletedAt = &now
	c.mu.Unlock()
	c.persist()
	c.lg.Info("job cancelled")
	return nil
}

// Verify walks every completed item, checks its file on disk, and sends
// mismatches back to the waiting list. Runs inline; the caller decides to
// resume afterwards. Not valid while extracting.
func (c *Controller) Verify(ctx context.Context) (checked, requeued int, err error) {
	if !c.ctl.TryLock() {
		return 0, 0, common.ErrJobBusy
	}
	defer c.ctl.Unlock()

	if st := c.status(); st == common.EJobStatus.Extracting() {
		return 0, 0, errors.New("cannot verify while extracting")
	}

	c.mu.Lock()
	c.job.Verifying = true
	root := c.job.Output.Root
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.job.Verifying = false
		c.job.LastVerify = fmt.Sprintf("%s: checked %d, requeued %d",
			time.Now().UTC().Format(time.RFC3339), checked, requeued)
		c.mu.Unlock()
		c.persist()
	}()

	for _, item := range c.queue.List(0, false, common.EItemStatus.Completed()) {
		if ctx.Err() != nil {
			return checked, requeued, ctx.Err()
		}
		checked++
		final := filepath.Join(root, item.RelPath())
		fi, statErr := os.Stat(final)
		ok := statErr == nil && (item.Size == 0 || fi.Size() == item.Size)
		if ok {
			continue
		}
		if ierr := c.queue.Invalidate(item.Key()); ierr == nil {
			requeued++
			c.mu.Lock()
			if c.job.DownloadedMedia > 0 {
				c.job.DownloadedMedia--
			}
			c.mu.Unlock()
		}
	}

	// A completed job with requeued items needs a resume to pick them up.
	if requeued > 0 && c.status() == common.EJobStatus.Completed() {
		c.setStatus(common.EJobStatus.Paused())
		c.mu.Lock()
		c.job.CompletedAt = nil
		c.mu.Unlock()
	}
	c.lg.Info("verify finished", zap.Int("checked", checked), zap.Int("requeued", requeued))
	return checked, requeued, nil
}

// Rescan relaunches the scan on a settled job. With full the chat cursors
// are dropped so every message is revisited; the message logs deduplicate on
// read and the queue ignores duplicate keys, so this is safe to repeat.
func (c *Controller) Rescan(ctx context.Context, full bool) error {
	if !c.ctl.TryLock() {
		return common.ErrJobBusy
	}
	defer c.ctl.Unlock()

	switch st := c.status(); st {
	case common.EJobStatus.Extracting(), common.EJobStatus.Running(), common.EJobStatus.Pending():
		return errors.Errorf("cannot rescan job in state %s", st)
	}
	if full {
		if err := c.store.DeleteCursors(c.job.ID); err != nil {
			return err
		}
		c.mu.Lock()
		c.job.Cursors = map[int64]int{}
		c.mu.Unlock()
	}
	c.mu.Lock()
	c.job.CompletedAt = nil
	c.job.TotalMessages = 0
	c.job.ProcessedMessages = 0
	c.mu.Unlock()
	c.queue.ResumeAll()
	c.launch(ctx)
	c.lg.Info("rescan started", zap.Bool("full", full))
	return nil
}

// SetConcurrency resizes the worker pool, live when running. chunkConns is
// the per-item parallel connection bound; zero leaves it unchanged.
func (c *Controller) SetConcurrency(n, chunkConns int) error {
	if !c.ctl.TryLock() {
		return common.ErrJobBusy
	}
	defer c.ctl.Unlock()

	c.mu.Lock()
	c.job.Perf.MaxConcurrentDownloads = n
	if chunkConns > 0 {
		c.job.Perf.ParallelChunkConnections = chunkConns
	}
	c.job.Perf.Clamp()
	n = c.job.Perf.MaxConcurrentDownloads
	pool := c.pool
	c.mu.Unlock()

	if pool != nil {
		pool.SetTarget(n)
	}
	c.lg.Info("concurrency changed", zap.Int("workers", n), zap.Int("chunk_conns", chunkConns))
	return nil
}

// SetDelegated flips the external-downloader flag; takes effect on the next
// launch so an in-flight run keeps a single transfer path.
func (c *Controller) SetDelegated(on bool) error {
	if !c.ctl.TryLock() {
		return common.ErrJobBusy
	}
	defer c.ctl.Unlock()

	if on && c.delegate == nil {
		return errors.New("no external downloader configured")
	}
	c.mu.Lock()
	c.job.Perf.Delegated = on
	c.mu.Unlock()
	return nil
}

// Per-item controls delegate straight to the queue.

func (c *Controller) PauseItem(key string) error  { return c.queue.PauseItem(key, true) }
func (c *Controller) ResumeItem(key string) error { return c.queue.ResumeItem(key) }
func (c *Controller) SkipItem(key string) error   { return c.queue.Skip(key) }

func (c *Controller) RetryItem(key string, force bool) error {
	item, err := c.queue.Get(key)
	if err != nil {
		return err
	}
	if err := c.queue.RetryItem(key, force); err != nil {
		return err
	}
	if item.Status == common.EItemStatus.Failed() {
		c.reporter.UndoMediaFailed(1)
	}
	return nil
}

func (c *Controller) RetryAllFailed() int {
	n := c.queue.RetryAllFailed()
	c.reporter.UndoMediaFailed(n)
	return n
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// launch spins up the run loop: resolve, scan, drain, finalize.
func (c *Controller) launch(ctx context.Context) {
	runCtx, cancel := context.WithCancel(context.Background())
	c.runCancel = cancel
	c.runDone = make(chan struct{})
	c.setStatus(common.EJobStatus.Extracting())
	c.mu.Lock()
	c.fatalErr = nil
	c.job.LastError = ""
	c.mu.Unlock()
	c.persist()

	go c.run(runCtx)
}

// stopRun cancels the run loop and waits for it to unwind.
func (c *Controller) stopRun() {
	if c.runCancel != nil {
		c.runCancel()
		<-c.runDone
		c.runCancel = nil
	}
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.runDone)

	c.lg.Info("job run starting")

	chats, err := ResolveChats(ctx, c.sess, c.jobFilter(), c.lg)
	if err != nil {
		c.runFailed(errors.Wrap(err, "resolve chats"))
		return
	}
	c.mu.Lock()
	c.chats = map[int64]common.ChatDescriptor{}
	for _, chat := range chats {
		c.chats[chat.ID] = chat
	}
	c.job.TotalChats = len(chats)
	c.job.ProcessedChats = 0
	c.mu.Unlock()

	if len(chats) == 0 {
		c.lg.Info("filter matched no chats, job complete")
		c.runCompleted()
		return
	}

	// Transfer machinery comes up before the scan so downloads overlap
	// extraction.
	stopTransfer := c.startTransfer(ctx)

	scanErr := c.runScan(ctx, chats)

	if ctx.Err() == nil && scanErr == nil {
		c.queue.WaitIdle(ctx.Done())
		if ctx.Err() == nil && c.jobPerf().AutoRetryFailed {
			if n := c.RetryAllFailedInternal(); n > 0 {
				c.lg.Info("auto-retrying failed items", zap.Int("count", n))
				c.queue.WaitIdle(ctx.Done())
			}
		}
	}

	stopTransfer()

	// A fatal session error cancels the run context itself, so it must win
	// over the plain cancellation check.
	if c.fatal() != nil {
		c.runFailed(c.fatal())
		return
	}
	if ctx.Err() != nil {
		// A control op (pause/cancel) owns the terminal bookkeeping.
		return
	}
	if scanErr != nil {
		c.runFailed(errors.Wrap(scanErr, "scan"))
		return
	}
	c.runCompleted()
}

// RetryAllFailedInternal bypasses the control try-lock; only the run loop
// uses it.
func (c *Controller) RetryAllFailedInternal() int {
	n := c.queue.RetryAllFailed()
	c.reporter.UndoMediaFailed(n)
	return n
}

// startTransfer brings up either the worker pool or the delegated batch
// loop, plus the checkpoint ticker. The transfer machinery runs under its
// own cancel so the returned stop can wind it down after the queue drains,
// not only when the whole run is cancelled.
func (c *Controller) startTransfer(ctx context.Context) (stop func()) {
	tctx, cancel := context.WithCancel(ctx)
	tickerDone := make(chan struct{})
	go c.checkpointLoop(tctx, tickerDone)

	if c.jobPerf().Delegated && c.delegate != nil {
		loopDone := make(chan struct{})
		go func() {
			defer close(loopDone)
			c.delegatedLoop(tctx)
		}()
		return func() {
			cancel()
			<-tickerDone
			<-loopDone
		}
	}

	downloader := NewDownloader(c.lg, c.sess, c.queue, c.reporter,
		c.jobOutput().Root, c.jobPerf, c.lookupChat, c.recordFatal)
	pool := NewWorkerPool(c.lg, downloader.Step)
	c.mu.Lock()
	c.pool = pool
	c.mu.Unlock()
	pool.Start(tctx, c.jobPerf().MaxConcurrentDownloads)

	return func() {
		cancel()
		<-tickerDone
		pool.Wait()
		c.mu.Lock()
		c.pool = nil
		c.mu.Unlock()
	}
}

func (c *Controller) runScan(ctx context.Context, chats []common.ChatDescriptor) error {
	var toRunning sync.Once
	hooks := ScanHooks{
		OnChatStart: func(chat common.ChatDescriptor, index, total int) {
			c.mu.Lock()
			c.job.CurrentChat = chat.Title
			c.mu.Unlock()
			c.lg.Info("scanning chat", zap.String("title", chat.Title),
				zap.Int("index", index+1), zap.Int("total", total))
		},
		OnMessage: func(chatID int64, messageID int) {
			c.mu.Lock()
			c.job.TotalMessages++
			c.job.ProcessedMessages++
			c.job.CurrentMessage = messageID
			c.job.Cursors[chatID] = messageID
			c.mu.Unlock()
		},
		OnMedia: func(item common.MediaItem) {
			c.mu.Lock()
			c.job.TotalMedia++
			c.job.TotalBytes += item.Size
			c.mu.Unlock()
			// First discovered media moves the job out of extraction.
			toRunning.Do(func() {
				if c.status() == common.EJobStatus.Extracting() {
					c.setStatus(common.EJobStatus.Running())
				}
			})
		},
		OnChatDone: func(chat common.ChatDescriptor) {
			c.mu.Lock()
			c.job.ProcessedChats++
			c.mu.Unlock()
		},
		PersistQueue: func() {
			if err := c.store.SaveQueue(c.job.ID, c.queue.All()); err != nil {
				c.lg.Warn("queue checkpoint failed", zap.Error(err))
			}
		},
	}

	scanner := NewScanner(c.lg, c.sess, c.store, c.queue, c.job.ID, c.jobFilter(), hooks)
	cursors, err := c.store.LoadCursors(c.job.ID)
	if err != nil {
		return err
	}
	err = scanner.Scan(ctx, ctx.Done(), chats, cursors)

	// Scan finished with nothing to download: the whole job was text.
	if err == nil && c.status() == common.EJobStatus.Extracting() {
		c.setStatus(common.EJobStatus.Running())
	}
	return err
}

// delegatedLoop drains the queue in batches through the external downloader.
func (c *Controller) delegatedLoop(ctx context.Context) {
	root := c.jobOutput().Root
	for {
		first, err := c.queue.Claim(ctx.Done())
		if err != nil {
			return
		}
		batch := []common.MediaItem{first}
		for len(batch) < delegatedBatchSize {
			item, ok := c.queue.TryClaim()
			if !ok {
				break
			}
			batch = append(batch, item)
		}

		done, failed, err := c.delegate.Download(ctx, root, batch, c.queue.SetProgress)
		if err != nil {
			if ctx.Err() != nil {
				// Pause or cancel interrupted the invocation. The control
				// op parks the claimed batch, so it is not a failure.
				return
			}
			// Invocation-level failure fails the whole batch; progress
			// output alone never completes an item.
			for _, item := range batch {
				c.queue.Fail(item.Key(), err)
				c.reporter.MediaFailed()
			}
			continue
		}
		doneSet := map[string]bool{}
		for _, key := range done {
			doneSet[key] = true
			c.queue.Complete(key)
			c.reporter.MediaDone()
		}
		for _, item := range batch {
			key := item.Key()
			if doneSet[key] {
				c.reporter.AddBytes(item.Size)
				continue
			}
			ferr := failed[key]
			if ferr == nil {
				ferr = errors.New("not transferred by external downloader")
			}
			c.queue.Fail(key, ferr)
			c.reporter.MediaFailed()
		}
	}
}

// checkpointLoop persists job and queue on a fixed cadence while running.
func (c *Controller) checkpointLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(persistInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.persist()
		}
	}
}

func (c *Controller) runCompleted() {
	now := time.Now().UTC()
	c.mu.Lock()
	c.job.CompletedAt = &now
	c.job.CurrentChat = ""
	c.job.CurrentMessage = 0
	c.mu.Unlock()
	c.setStatus(common.EJobStatus.Completed())
	// The terminal descriptor and queue must hit disk before the (possibly
	// slow) render; a crash in that window would rehydrate the job as
	// paused with an empty queue.
	c.persist()

	if c.finalize != nil {
		c.mu.Lock()
		job := *c.job
		chats := c.chats
		c.mu.Unlock()
		if err := c.finalize(&job, c.store, chats); err != nil {
			c.lg.Warn("export rendering failed", zap.Error(err))
			c.mu.Lock()
			c.job.LastError = "export rendering: " + err.Error()
			c.mu.Unlock()
		}
	}
	c.persist()
	snap := c.Snapshot()
	c.lg.Info("job completed",
		zap.Int64("media", snap.DownloadedMedia),
		zap.String("bytes", humanize.Bytes(uint64(snap.DownloadedBytes))))
}

func (c *Controller) runFailed(err error) {
	now := time.Now().UTC()
	c.mu.Lock()
	c.job.LastError = err.Error()
	c.job.CompletedAt = &now
	c.mu.Unlock()
	c.setStatus(common.EJobStatus.Failed())
	c.persist()
	c.lg.Error("job failed", zap.Error(err))
}

func (c *Controller) recordFatal(err error) {
	c.mu.Lock()
	if c.fatalErr == nil {
		c.fatalErr = err
	}
	c.mu.Unlock()
	// Unwind the run; runFailed happens when the loop observes fatalErr,
	// unless a control op got there first.
	if c.runCancel != nil {
		c.runCancel()
	}
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func (c *Controller) status() common.JobStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.job.Status
}

func (c *Controller) setStatus(s common.JobStatus) {
	c.mu.Lock()
	c.job.Status = s
	c.mu.Unlock()
}

func (c *Controller) jobFilter() common.JobFilter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.job.Filter
}

func (c *Controller) jobPerf() common.JobPerf {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.job.Perf
}

func (c *Controller) jobOutput() common.JobOutput {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.job.Output
}

func (c *Controller) lookupChat(chatID int64) (common.ChatDescriptor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	chat, ok := c.chats[chatID]
	return chat, ok
}

func (c *Controller) fatal() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatalErr
}

// Snapshot returns a copy of the job with live counters folded in.
func (c *Controller) Snapshot() common.Job {
	counts := c.queue.Counts()

	c.mu.Lock()
	job := *c.job
	c.mu.Unlock()

	job.DownloadedMedia = c.reporter.DownloadedMedia()
	job.DownloadedBytes = c.reporter.DownloadedBytes()
	job.Speed = c.reporter.Speed()
	if int64(counts.Completed) > job.DownloadedMedia {
		job.DownloadedMedia = int64(counts.Completed)
	}
	return job
}

// QueueCounts exposes the item census for the API layer.
func (c *Controller) QueueCounts() QueueCounts {
	return c.queue.Counts()
}

// Items lists queue items for the API layer.
func (c *Controller) Items(limit int, reversed bool, statuses ...common.ItemStatus) []common.MediaItem {
	return c.queue.List(limit, reversed, statuses...)
}

// Item returns one queue item by key.
func (c *Controller) Item(key string) (common.MediaItem, error) {
	return c.queue.Get(key)
}

// persist checkpoints the job descriptor and item set.
func (c *Controller) persist() {
	job := c.Snapshot()
	if err := c.store.SaveJob(&job); err != nil {
		c.lg.Warn("job checkpoint failed", zap.Error(err))
	}
	if err := c.store.SaveQueue(job.ID, c.queue.All()); err != nil {
		c.lg.Warn("queue checkpoint failed", zap.Error(err))
	}
}
