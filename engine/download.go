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
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tgvault/tgvault/common"
)

const (
	// chunkSize is 512 KiB, 4 KiB aligned as the wire protocol requires.
	chunkSize = 512 * 1024
	// wireAlign is the offset alignment the download call demands.
	wireAlign = 4096
	// parallelThreshold is the minimum size for multi-connection fetch.
	parallelThreshold = 10 * 1024 * 1024
	// maxBackoff caps the exponential retry delay.
	maxBackoff = 60 * time.Second
)

// Downloader executes the resumable per-item transfer protocol. One instance
// serves one job; the worker pool calls Step concurrently.
type Downloader struct {
	lg       *zap.Logger
	sess     ChatSession
	queue    *DownloadQueue
	reporter *Reporter

	exportRoot  string
	perf        func() common.JobPerf
	resolveChat func(chatID int64) (common.ChatDescriptor, bool)
	onFatal     func(error)

	maxAttempts int
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewDownloader(lg *zap.Logger, sess ChatSession, queue *DownloadQueue, reporter *Reporter,
	exportRoot string, perf func() common.JobPerf,
	resolveChat func(chatID int64) (common.ChatDescriptor, bool), onFatal func(error)) *Downloader {

	return &Downloader{
		lg:          lg.Named("download"),
		sess:        sess,
		queue:       queue,
		reporter:    reporter,
		exportRoot:  exportRoot,
		perf:        perf,
		resolveChat: resolveChat,
		onFatal:     onFatal,
		maxAttempts: common.DefaultMaxAttempts,
		sleep:       sleepCtx,
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

// Step claims and transfers one item; it is the worker pool's loop body.
func (d *Downloader) Step(ctx context.Context, workerID int) error {
	item, err := d.queue.Claim(ctx.Done())
	if err != nil {
		return err
	}
	d.process(ctx, workerID, item)
	return ctx.Err()
}

func (d *Downloader) process(ctx context.Context, workerID int, item common.MediaItem) {
	key := item.Key()
	lg := d.lg.With(
		zap.Int("worker", workerID),
		zap.String("item", key),
		zap.String("type", item.Type.String()))

	final := filepath.Join(d.exportRoot, item.RelPath())
	partial := final + ".partial"

	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		d.fail(key, errors.Wrap(err, "create media dir"))
		return
	}

	// A final file of the right size means an earlier run already finished
	// this item; the checkpoint just lagged behind.
	if fi, err := os.Stat(final); err == nil && (item.Size == 0 || fi.Size() == item.Size) {
		lg.Debug("file already complete on disk")
		os.Remove(partial)
		d.queue.Complete(key)
		d.reporter.MediaDone()
		return
	}

	perf := d.perf()
	if perf.ParallelChunk && perf.ParallelChunkConnections > 1 &&
		item.Size >= parallelThreshold && partialSize(partial) == 0 {
		if d.parallelFetch(ctx, lg, &item, final) {
			return
		}
		// Fall back to the sequential protocol; a partially assembled
		// multi-part file cannot be length-resumed.
		if ctx.Err() != nil {
			return
		}
		lg.Debug("parallel fetch failed, falling back to sequential")
	}

	d.sequentialFetch(ctx, lg, &item, final, partial)
}

func partialSize(path string) int64 {
	if fi, err := os.Stat(path); err == nil {
		return fi.Size()
	}
	return 0
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// sequentialFetch appends chunks to the .partial file; its length is the
// authoritative resume offset. Only a fully fetched file is renamed into
// place.
func (d *Downloader) sequentialFetch(ctx context.Context, lg *zap.Logger,
	item *common.MediaItem, final, partial string) {

	key := item.Key()

	offset := partialSize(partial)
	if rem := offset % wireAlign; rem != 0 {
		// A crash mid-append can leave an unaligned tail; cut back to the
		// alignment boundary.
		offset -= rem
		if err := os.Truncate(partial, offset); err != nil {
			d.fail(key, errors.Wrap(err, "truncate partial file"))
			return
		}
	}

	f, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		d.fail(key, errors.Wrap(err, "open partial file"))
		return
	}
	defer f.Close()
	if _, err := f.Seek(offset, 0); err != nil {
		d.fail(key, errors.Wrap(err, "seek partial file"))
		return
	}
	if offset > 0 {
		lg.Debug("resuming from partial file", zap.Int64("offset", offset))
		d.queue.SetProgress(key, offset)
	}

	attempts := item.Attempts
	refreshes := 0

	for {
		switch d.queue.takeSignal(key) {
		case signalPause:
			f.Sync()
			d.queue.ConfirmPause(key)
			return
		case signalCancel:
			// The flushed partial stays on disk; a later retry of the
			// skipped item resumes from it.
			f.Sync()
			d.queue.ConfirmCancel(key)
			return
		}
		if ctx.Err() != nil {
			f.Sync()
			return
		}

		data, err := d.sess.DownloadChunk(ctx, item.Ref, offset, chunkSize)
		if err != nil {
			cont := d.handleChunkError(ctx, lg, item, err, &attempts, &refreshes)
			if !cont {
				return
			}
			continue
		}

		if len(data) > 0 {
			if _, err := f.Write(data); err != nil {
				d.fail(key, errors.Wrap(err, "write partial file"))
				return
			}
			if err := f.Sync(); err != nil {
				d.fail(key, errors.Wrap(err, "sync partial file"))
				return
			}
			offset += int64(len(data))
			d.queue.SetProgress(key, offset)
			d.reporter.AddBytes(int64(len(data)))
		}

		done := len(data) < chunkSize
		if item.Size > 0 && offset >= item.Size {
			done = true
		}
		if done {
			if err := f.Close(); err != nil {
				d.fail(key, errors.Wrap(err, "close partial file"))
				return
			}
			if err := os.Rename(partial, final); err != nil {
				d.fail(key, errors.Wrap(err, "finalize file"))
				return
			}
			lg.Debug("download complete", zap.Int64("bytes", offset))
			d.queue.Complete(key)
			d.reporter.MediaDone()
			return
		}
	}
}

// handleChunkError applies the retry policy for one failed chunk; it reports
// whether the transfer loop should continue.
func (d *Downloader) handleChunkError(ctx context.Context, lg *zap.Logger,
	item *common.MediaItem, err error, attempts, refreshes *int) bool {

	key := item.Key()

	switch common.ClassifyTransferError(err) {
	case common.EErrorKind.RateLimited():
		// Server-mandated cooldown; does not consume an attempt.
		var fw *common.FloodWaitError
		errors.As(err, &fw)
		lg.Info("rate limited, holding", zap.Duration("wait", fw.Wait))
		return d.sleep(ctx, fw.Wait) == nil

	case common.EErrorKind.StaleReference():
		if *refreshes >= common.DefaultRefreshRetries {
			d.fail(key, errors.Wrap(err, "reference refresh budget exhausted"))
			return false
		}
		*refreshes++
		chat, ok := d.resolveChat(item.ChatID)
		if !ok {
			d.fail(key, errors.Errorf("chat %d not resolvable for reference refresh", item.ChatID))
			return false
		}
		ref, rerr := d.sess.RefreshReference(ctx, chat, item.MessageID)
		if rerr != nil {
			lg.Warn("reference refresh failed", zap.Error(rerr))
			return d.retryTransient(ctx, lg, item, rerr, attempts)
		}
		item.Ref = ref
		d.queue.UpdateRef(key, ref)
		lg.Debug("access reference refreshed", zap.Int("refresh", *refreshes))
		return true

	case common.EErrorKind.Permanent():
		d.fail(key, err)
		return false

	case common.EErrorKind.Fatal():
		d.fail(key, err)
		if d.onFatal != nil {
			d.onFatal(err)
		}
		return false

	default:
		return d.retryTransient(ctx, lg, item, err, attempts)
	}
}

func (d *Downloader) retryTransient(ctx context.Context, lg *zap.Logger,
	item *common.MediaItem, err error, attempts *int) bool {

	key := item.Key()
	*attempts++
	d.queue.SetAttempts(key, *attempts, err.Error())
	if *attempts >= d.maxAttempts {
		d.fail(key, errors.Wrapf(err, "gave up after %d attempts", *attempts))
		return false
	}

	backoff := time.Duration(1<<uint(*attempts)) * time.Second
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	backoff += time.Duration(rand.Int63n(int64(time.Second)))
	lg.Debug("transient error, backing off",
		zap.Int("attempt", *attempts), zap.Duration("backoff", backoff), zap.Error(err))
	return d.sleep(ctx, backoff) == nil
}

func (d *Downloader) fail(key string, err error) {
	d.lg.Warn("item failed", zap.String("item", key), zap.Error(err))
	d.queue.Fail(key, err)
	d.reporter.MediaFailed()
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// parallelFetch downloads a large file over several connections at once,
// each goroutine writing its range into a pre-sized scratch file. Any error
// abandons the scratch file; the caller falls back to the sequential
// protocol. Reports whether the item reached a terminal state here.
func (d *Downloader) parallelFetch(ctx context.Context, lg *zap.Logger,
	item *common.MediaItem, final string) bool {

	key := item.Key()
	scratch := final + ".parts"
	conns := d.perf().ParallelChunkConnections

	f, err := os.OpenFile(scratch, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return false
	}
	committed := false
	defer func() {
		f.Close()
		if !committed {
			os.Remove(scratch)
		}
	}()
	if err := f.Truncate(item.Size); err != nil {
		return false
	}

	nChunks := int((item.Size + chunkSize - 1) / chunkSize)
	slots := make(chan int, nChunks)
	for i := 0; i < nChunks; i++ {
		slots <- i
	}
	close(slots)

	lg.Debug("parallel fetch", zap.Int("connections", conns), zap.Int("chunks", nChunks))

	g, gctx := errgroup.WithContext(ctx)
	for c := 0; c < conns; c++ {
		g.Go(func() error {
			for idx := range slots {
				switch d.queue.takeSignal(key) {
				case signalPause:
					return errors.New("paused")
				case signalCancel:
					return errors.New("cancelled")
				}
				offset := int64(idx) * chunkSize
				data, err := d.sess.DownloadChunk(gctx, item.Ref, offset, chunkSize)
				if err != nil {
					return err
				}
				if _, err := f.WriteAt(data, offset); err != nil {
					return errors.Wrap(err, "write chunk")
				}
				d.reporter.AddBytes(int64(len(data)))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		// Pause and cancel signals were consumed above; honour them here
		// instead of retrying.
		switch err.Error() {
		case "paused":
			d.queue.ConfirmPause(key)
			return true
		case "cancelled":
			d.queue.ConfirmCancel(key)
			return true
		}
		if common.ClassifyTransferError(err) == common.EErrorKind.Fatal() {
			d.fail(key, err)
			if d.onFatal != nil {
				d.onFatal(err)
			}
			return true
		}
		return false
	}

	if err := f.Sync(); err != nil {
		return false
	}
	if err := f.Close(); err != nil {
		return false
	}
	if err := os.Rename(scratch, final); err != nil {
		return false
	}
	committed = true
	d.queue.SetProgress(key, item.Size)
	d.queue.Complete(key)
	d.reporter.MediaDone()
	lg.Debug("parallel download complete", zap.Int64("bytes", item.Size))
	return true
}
