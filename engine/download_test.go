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
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tgvault/tgvault/common"
)

type downloadFixture struct {
	sess     *fakeSession
	queue    *DownloadQueue
	reporter *Reporter
	dl       *Downloader
	root     string
	fatal    error
}

func newDownloadFixture(t *testing.T, perf common.JobPerf) *downloadFixture {
	t.Helper()
	f := &downloadFixture{
		sess:     newFakeSession(),
		queue:    NewDownloadQueue(0),
		reporter: NewReporter(),
		root:     t.TempDir(),
	}
	perf.Clamp()
	f.dl = NewDownloader(zap.NewNop(), f.sess, f.queue, f.reporter, f.root,
		func() common.JobPerf { return perf },
		func(chatID int64) (common.ChatDescriptor, bool) {
			return common.ChatDescriptor{ID: chatID, Title: "chat"}, true
		},
		func(err error) { f.fatal = err })
	// Tests must not spend real time in backoff.
	f.dl.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return f
}

// enqueue registers content under refID and queues a matching item.
func (f *downloadFixture) enqueue(t *testing.T, msgID int, refID int64, content []byte) common.MediaItem {
	t.Helper()
	f.sess.files[refID] = content
	item := common.MediaItem{
		ChatID:    -100123,
		MessageID: msgID,
		Type:      common.EMediaType.Document(),
		Size:      int64(len(content)),
		Dir:       "chat_-100123/files",
		Name:      common.MediaFileName(msgID, -100123, "file.bin", common.EMediaType.Document()),
		Ref: common.MediaRef{
			Kind:          common.EMediaRefKind.Document(),
			ID:            refID,
			AccessHash:    1,
			FileReference: []byte{1},
		},
	}
	added, err := f.queue.Enqueue(neverDone(), item)
	require.NoError(t, err)
	require.True(t, added)
	return item
}

func (f *downloadFixture) runOne(t *testing.T) {
	t.Helper()
	require.NoError(t, f.dl.Step(context.Background(), 0))
}

func (f *downloadFixture) finalPath(item common.MediaItem) string {
	return filepath.Join(f.root, item.RelPath())
}

func TestDownloadSmallFileCompletes(t *testing.T) {
	f := newDownloadFixture(t, common.JobPerf{})
	content := bytes.Repeat([]byte{0xAB}, 1000)
	item := f.enqueue(t, 42, 9001, content)

	f.runOne(t)

	got, err := os.ReadFile(f.finalPath(item))
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.NoFileExists(t, f.finalPath(item)+".partial")

	queued, _ := f.queue.Get(item.Key())
	assert.Equal(t, common.EItemStatus.Completed(), queued.Status)
	assert.Equal(t, int64(len(content)), f.reporter.DownloadedBytes())
	assert.Equal(t, int64(1), f.reporter.DownloadedMedia())
}

func TestDownloadMultiChunkFile(t *testing.T) {
	f := newDownloadFixture(t, common.JobPerf{})
	content := bytes.Repeat([]byte{0x01, 0x02}, chunkSize) // 2 full chunks
	item := f.enqueue(t, 1, 9002, content)

	f.runOne(t)

	got, err := os.ReadFile(f.finalPath(item))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDownloadResumesFromPartialFile(t *testing.T) {
	f := newDownloadFixture(t, common.JobPerf{})
	content := bytes.Repeat([]byte{0xCD}, chunkSize+500)
	item := f.enqueue(t, 7, 9003, content)

	// Simulate a previous run that persisted the first chunk.
	partial := f.finalPath(item) + ".partial"
	require.NoError(t, os.MkdirAll(filepath.Dir(partial), 0o755))
	require.NoError(t, os.WriteFile(partial, content[:chunkSize], 0o644))

	var offsets []int64
	f.sess.onChunk = func(ref common.MediaRef, offset int64, limit int) ([]byte, error) {
		offsets = append(offsets, offset)
		return f.sess.readChunk(ref, offset, limit)
	}

	f.runOne(t)

	require.NotEmpty(t, offsets)
	assert.Equal(t, int64(chunkSize), offsets[0], "resume starts at the partial length")
	got, err := os.ReadFile(f.finalPath(item))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDownloadTruncatesUnalignedPartial(t *testing.T) {
	f := newDownloadFixture(t, common.JobPerf{})
	content := bytes.Repeat([]byte{0xEE}, 2*wireAlign+100)
	item := f.enqueue(t, 8, 9004, content)

	partial := f.finalPath(item) + ".partial"
	require.NoError(t, os.MkdirAll(filepath.Dir(partial), 0o755))
	// Torn write: length not a multiple of the wire alignment.
	require.NoError(t, os.WriteFile(partial, content[:wireAlign+123], 0o644))

	var first int64 = -1
	f.sess.onChunk = func(ref common.MediaRef, offset int64, limit int) ([]byte, error) {
		if first < 0 {
			first = offset
		}
		return f.sess.readChunk(ref, offset, limit)
	}

	f.runOne(t)

	assert.Equal(t, int64(wireAlign), first, "offset cut back to the alignment boundary")
	got, err := os.ReadFile(f.finalPath(item))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDownloadDeduplicatesExistingFinalFile(t *testing.T) {
	f := newDownloadFixture(t, common.JobPerf{})
	content := []byte("already here")
	item := f.enqueue(t, 9, 9005, content)

	require.NoError(t, os.MkdirAll(filepath.Dir(f.finalPath(item)), 0o755))
	require.NoError(t, os.WriteFile(f.finalPath(item), content, 0o644))

	f.runOne(t)

	assert.Zero(t, f.sess.chunkCalls, "no network traffic for a complete file")
	queued, _ := f.queue.Get(item.Key())
	assert.Equal(t, common.EItemStatus.Completed(), queued.Status)
}

func TestDownloadFloodWaitDoesNotConsumeAttempt(t *testing.T) {
	f := newDownloadFixture(t, common.JobPerf{})
	content := []byte("rate limited once")
	item := f.enqueue(t, 10, 9006, content)

	calls := 0
	f.sess.onChunk = func(ref common.MediaRef, offset int64, limit int) ([]byte, error) {
		calls++
		if calls == 1 {
			return nil, &common.FloodWaitError{Wait: time.Millisecond}
		}
		return f.sess.readChunk(ref, offset, limit)
	}

	f.runOne(t)

	queued, _ := f.queue.Get(item.Key())
	assert.Equal(t, common.EItemStatus.Completed(), queued.Status)
	assert.Zero(t, queued.Attempts, "flood wait is not a retry attempt")
}

func TestDownloadRefreshesStaleReference(t *testing.T) {
	f := newDownloadFixture(t, common.JobPerf{})
	content := []byte("needs fresh reference")
	item := f.enqueue(t, 11, 9007, content)

	freshRef := common.MediaRef{
		Kind: common.EMediaRefKind.Document(), ID: 9007,
		AccessHash: 1, FileReference: []byte{2},
	}
	f.sess.onRefresh = func(chat common.ChatDescriptor, messageID int) (common.MediaRef, error) {
		return freshRef, nil
	}
	calls := 0
	f.sess.onChunk = func(ref common.MediaRef, offset int64, limit int) ([]byte, error) {
		calls++
		if calls == 1 {
			return nil, &common.ReferenceExpiredError{Code: "FILE_REFERENCE_EXPIRED"}
		}
		assert.Equal(t, []byte{2}, ref.FileReference, "retry uses the refreshed reference")
		return f.sess.readChunk(ref, offset, limit)
	}

	f.runOne(t)

	assert.Equal(t, 1, f.sess.refreshCalls)
	queued, _ := f.queue.Get(item.Key())
	assert.Equal(t, common.EItemStatus.Completed(), queued.Status)
}

func TestDownloadRefreshBudgetExhausted(t *testing.T) {
	f := newDownloadFixture(t, common.JobPerf{})
	item := f.enqueue(t, 12, 9008, []byte("never fresh"))

	f.sess.onRefresh = func(chat common.ChatDescriptor, messageID int) (common.MediaRef, error) {
		return common.MediaRef{Kind: common.EMediaRefKind.Document(), ID: 9008,
			AccessHash: 1, FileReference: []byte{3}}, nil
	}
	f.sess.onChunk = func(ref common.MediaRef, offset int64, limit int) ([]byte, error) {
		return nil, &common.ReferenceExpiredError{Code: "FILE_REFERENCE_EXPIRED"}
	}

	f.runOne(t)

	queued, _ := f.queue.Get(item.Key())
	assert.Equal(t, common.EItemStatus.Failed(), queued.Status)
	assert.Equal(t, common.DefaultRefreshRetries, f.sess.refreshCalls)
}

func TestDownloadPermanentErrorFailsImmediately(t *testing.T) {
	f := newDownloadFixture(t, common.JobPerf{})
	item := f.enqueue(t, 13, 9009, []byte("forbidden"))

	f.sess.onChunk = func(ref common.MediaRef, offset int64, limit int) ([]byte, error) {
		return nil, &common.PermanentError{Code: "CHANNEL_PRIVATE"}
	}

	f.runOne(t)

	assert.Equal(t, 1, f.sess.chunkCalls, "no retries on a permanent error")
	queued, _ := f.queue.Get(item.Key())
	assert.Equal(t, common.EItemStatus.Failed(), queued.Status)
	assert.Equal(t, common.EErrorKind.Permanent(), queued.ErrorKind)
	assert.Equal(t, int64(1), f.reporter.FailedMedia())
}

func TestDownloadTransientErrorsExhaustAttempts(t *testing.T) {
	f := newDownloadFixture(t, common.JobPerf{})
	item := f.enqueue(t, 14, 9010, []byte("flaky"))

	f.sess.onChunk = func(ref common.MediaRef, offset int64, limit int) ([]byte, error) {
		return nil, assert.AnError
	}

	f.runOne(t)

	queued, _ := f.queue.Get(item.Key())
	assert.Equal(t, common.EItemStatus.Failed(), queued.Status)
	assert.Equal(t, common.EErrorKind.Transient(), queued.ErrorKind)
	assert.Equal(t, common.DefaultMaxAttempts, f.sess.chunkCalls)
}

func TestDownloadFatalErrorEscalates(t *testing.T) {
	f := newDownloadFixture(t, common.JobPerf{})
	item := f.enqueue(t, 15, 9011, []byte("session gone"))

	f.sess.onChunk = func(ref common.MediaRef, offset int64, limit int) ([]byte, error) {
		return nil, &common.FatalError{Code: "AUTH_KEY_UNREGISTERED"}
	}

	f.runOne(t)

	queued, _ := f.queue.Get(item.Key())
	assert.Equal(t, common.EItemStatus.Failed(), queued.Status)
	require.Error(t, f.fatal)
	assert.Equal(t, common.EErrorKind.Fatal(), common.ClassifyTransferError(f.fatal))
}

func TestDownloadPauseSignalStopsAtChunkBoundary(t *testing.T) {
	f := newDownloadFixture(t, common.JobPerf{})
	content := bytes.Repeat([]byte{0x11}, 3*chunkSize)
	item := f.enqueue(t, 16, 9012, content)

	f.sess.onChunk = func(ref common.MediaRef, offset int64, limit int) ([]byte, error) {
		if offset == chunkSize {
			// Pause request lands while the worker is mid-item.
			require.NoError(t, f.queue.PauseItem(item.Key(), true))
		}
		return f.sess.readChunk(ref, offset, limit)
	}

	f.runOne(t)

	queued, _ := f.queue.Get(item.Key())
	assert.Equal(t, common.EItemStatus.Paused(), queued.Status)

	// The partial file keeps the chunks written before the pause.
	fi, err := os.Stat(f.finalPath(item) + ".partial")
	require.NoError(t, err)
	assert.Equal(t, int64(2*chunkSize), fi.Size())
	assert.NoFileExists(t, f.finalPath(item))
}

func TestDownloadCancelSignalKeepsPartialForRetry(t *testing.T) {
	f := newDownloadFixture(t, common.JobPerf{})
	content := bytes.Repeat([]byte{0x22}, 3*chunkSize)
	item := f.enqueue(t, 18, 9015, content)

	f.sess.onChunk = func(ref common.MediaRef, offset int64, limit int) ([]byte, error) {
		if offset == chunkSize {
			// Cancel request lands while the worker is mid-item.
			require.NoError(t, f.queue.Skip(item.Key()))
		}
		return f.sess.readChunk(ref, offset, limit)
	}

	f.runOne(t)

	queued, _ := f.queue.Get(item.Key())
	assert.Equal(t, common.EItemStatus.Skipped(), queued.Status)

	// The flushed partial survives the cancel.
	fi, err := os.Stat(f.finalPath(item) + ".partial")
	require.NoError(t, err)
	assert.Equal(t, int64(2*chunkSize), fi.Size())

	// A retried item resumes from the retained partial instead of starting
	// over.
	var first atomic.Int64
	first.Store(-1)
	f.sess.onChunk = func(ref common.MediaRef, offset int64, limit int) ([]byte, error) {
		first.CompareAndSwap(-1, offset)
		return f.sess.readChunk(ref, offset, limit)
	}
	require.NoError(t, f.queue.RetryItem(item.Key(), false))
	f.runOne(t)

	assert.Equal(t, int64(2*chunkSize), first.Load())
	got, err := os.ReadFile(f.finalPath(item))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDownloadParallelChunkAssemblesFile(t *testing.T) {
	f := newDownloadFixture(t, common.JobPerf{ParallelChunk: true, ParallelChunkConnections: 4})
	content := bytes.Repeat([]byte{0x5A}, parallelThreshold+chunkSize/2)
	item := f.enqueue(t, 17, 9013, content)

	f.runOne(t)

	got, err := os.ReadFile(f.finalPath(item))
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.NoFileExists(t, f.finalPath(item)+".parts")
	queued, _ := f.queue.Get(item.Key())
	assert.Equal(t, common.EItemStatus.Completed(), queued.Status)
}

func TestDownloadParallelFailureFallsBackToSequential(t *testing.T) {
	f := newDownloadFixture(t, common.JobPerf{ParallelChunk: true, ParallelChunkConnections: 2})
	content := bytes.Repeat([]byte{0x6B}, parallelThreshold)
	item := f.enqueue(t, 18, 9014, content)

	var parallelTried atomic.Bool
	f.sess.onChunk = func(ref common.MediaRef, offset int64, limit int) ([]byte, error) {
		// First pass: fail a non-initial chunk to break the parallel
		// attempt, then serve everything.
		if offset > 0 && parallelTried.CompareAndSwap(false, true) {
			return nil, assert.AnError
		}
		return f.sess.readChunk(ref, offset, limit)
	}

	f.runOne(t)

	assert.True(t, parallelTried.Load())
	got, err := os.ReadFile(f.finalPath(item))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}
