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

type ctlFixture struct {
	sess       *fakeSession
	store      *ResumeStore
	job        *common.Job
	ctl        *Controller
	exportRoot string
}

func newCtlFixture(t *testing.T, delegate DelegatedDownloader) *ctlFixture {
	t.Helper()
	store, err := NewResumeStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	f := &ctlFixture{
		sess:       newFakeSession(),
		store:      store,
		exportRoot: t.TempDir(),
	}
	f.job = &common.Job{
		ID:   common.NewJobID(),
		Name: "test-export",
		Filter: common.JobFilter{
			Chats: common.ChatTypeFilter{PrivateChats: true},
			Media: allMedia(),
		},
		Output:    common.JobOutput{Root: f.exportRoot, Format: common.EExportFormat.JSON()},
		Perf:      common.JobPerf{MaxConcurrentDownloads: 1},
		Status:    common.EJobStatus.Pending(),
		CreatedAt: time.Now().UTC(),
	}
	f.ctl = NewController(zap.NewNop(), f.sess, store, delegate, nil, f.job)
	return f
}

func (f *ctlFixture) waitStatus(t *testing.T, want common.JobStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.ctl.Snapshot().Status == want
	}, 10*time.Second, 5*time.Millisecond, "job never reached %s", want)
}

func TestControllerRunsToCompletion(t *testing.T) {
	f := newCtlFixture(t, nil)
	content := []byte("hello media")
	f.sess.addChat(privateChat(100),
		textMsg(1, "plain"),
		f.sess.mediaMsg(2, 2001, "a.bin", content),
		f.sess.mediaMsg(3, 2002, "b.bin", content))

	require.NoError(t, f.ctl.Start(context.Background()))
	f.waitStatus(t, common.EJobStatus.Completed())

	snap := f.ctl.Snapshot()
	assert.Equal(t, 1, snap.TotalChats)
	assert.Equal(t, int64(3), snap.TotalMessages)
	assert.Equal(t, int64(2), snap.TotalMedia)
	assert.Equal(t, int64(2), snap.DownloadedMedia)
	assert.Equal(t, int64(2*len(content)), snap.DownloadedBytes)
	assert.NotNil(t, snap.CompletedAt)

	for _, msgID := range []int{2, 3} {
		item, err := f.ctl.Item(itemKey(100, msgID))
		require.NoError(t, err)
		assert.FileExists(t, filepath.Join(f.exportRoot, item.RelPath()))
	}

	// The run checkpointed durable state the engine can rehydrate from.
	jobs, err := f.store.LoadJobs()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, common.EJobStatus.Completed(), jobs[0].Status)
	cursors, err := f.store.LoadCursors(f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, cursors[100])
}

func TestControllerEmptyFilterCompletesImmediately(t *testing.T) {
	f := newCtlFixture(t, nil)
	// No chats match the private-chat mask.
	f.sess.chats = nil

	require.NoError(t, f.ctl.Start(context.Background()))
	f.waitStatus(t, common.EJobStatus.Completed())
	assert.Zero(t, f.ctl.Snapshot().TotalChats)
}

func TestControllerStartRequiresPendingState(t *testing.T) {
	f := newCtlFixture(t, nil)
	f.job.Status = common.EJobStatus.Completed()

	err := f.ctl.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot start")
}

func TestControllerResumeRequiresPausedState(t *testing.T) {
	f := newCtlFixture(t, nil)
	err := f.ctl.Resume(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot resume")
}

func TestControllerPauseAndResume(t *testing.T) {
	f := newCtlFixture(t, nil)
	msgs := []common.ScannedMessage{}
	for i := 1; i <= 20; i++ {
		msgs = append(msgs, f.sess.mediaMsg(i, int64(3000+i), "f.bin", []byte("slow item payload")))
	}
	f.sess.addChat(privateChat(100), msgs...)
	f.sess.onChunk = func(ref common.MediaRef, offset int64, limit int) ([]byte, error) {
		time.Sleep(30 * time.Millisecond)
		return f.sess.readChunk(ref, offset, limit)
	}

	require.NoError(t, f.ctl.Start(context.Background()))
	f.waitStatus(t, common.EJobStatus.Running())
	require.NoError(t, f.ctl.Pause(context.Background()))

	snap := f.ctl.Snapshot()
	assert.Equal(t, common.EJobStatus.Paused(), snap.Status)
	counts := f.ctl.QueueCounts()
	assert.Zero(t, counts.Downloading, "no item is left in flight after pause")
	assert.Positive(t, counts.Paused)

	require.NoError(t, f.ctl.Resume(context.Background()))
	f.waitStatus(t, common.EJobStatus.Completed())
	assert.Equal(t, int64(20), f.ctl.Snapshot().DownloadedMedia)
}

func TestControllerCancelSkipsRemainingItems(t *testing.T) {
	f := newCtlFixture(t, nil)
	msgs := []common.ScannedMessage{}
	for i := 1; i <= 20; i++ {
		msgs = append(msgs, f.sess.mediaMsg(i, int64(4000+i), "f.bin", []byte("payload")))
	}
	f.sess.addChat(privateChat(100), msgs...)
	f.sess.onChunk = func(ref common.MediaRef, offset int64, limit int) ([]byte, error) {
		time.Sleep(30 * time.Millisecond)
		return f.sess.readChunk(ref, offset, limit)
	}

	require.NoError(t, f.ctl.Start(context.Background()))
	f.waitStatus(t, common.EJobStatus.Running())
	require.NoError(t, f.ctl.Cancel(context.Background()))

	snap := f.ctl.Snapshot()
	assert.Equal(t, common.EJobStatus.Cancelled(), snap.Status)
	assert.NotNil(t, snap.CompletedAt)
	counts := f.ctl.QueueCounts()
	assert.Zero(t, counts.Waiting)
	assert.Zero(t, counts.Downloading)
	assert.Positive(t, counts.Skipped)

	// Terminal: cancelling again is rejected.
	require.Error(t, f.ctl.Cancel(context.Background()))
}

func TestControllerFatalSessionErrorFailsJob(t *testing.T) {
	f := newCtlFixture(t, nil)
	f.sess.addChat(privateChat(100), f.sess.mediaMsg(1, 5001, "f.bin", []byte("x")))
	f.sess.onChunk = func(ref common.MediaRef, offset int64, limit int) ([]byte, error) {
		return nil, &common.FatalError{Code: "AUTH_KEY_UNREGISTERED"}
	}

	require.NoError(t, f.ctl.Start(context.Background()))
	f.waitStatus(t, common.EJobStatus.Failed())
	assert.Contains(t, f.ctl.Snapshot().LastError, "AUTH_KEY_UNREGISTERED")
}

func TestControllerScanErrorFailsJob(t *testing.T) {
	f := newCtlFixture(t, nil)
	f.sess.dialogsErr = assert.AnError

	require.NoError(t, f.ctl.Start(context.Background()))
	f.waitStatus(t, common.EJobStatus.Failed())
	assert.Contains(t, f.ctl.Snapshot().LastError, "resolve chats")
}

func TestControllerVerifyRequeuesMismatchedFiles(t *testing.T) {
	f := newCtlFixture(t, nil)
	content := []byte("verify me")
	f.sess.addChat(privateChat(100),
		f.sess.mediaMsg(1, 6001, "a.bin", content),
		f.sess.mediaMsg(2, 6002, "b.bin", content))

	require.NoError(t, f.ctl.Start(context.Background()))
	f.waitStatus(t, common.EJobStatus.Completed())

	// Corrupt one output behind the engine's back.
	item, err := f.ctl.Item(itemKey(100, 2))
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(f.exportRoot, item.RelPath())))

	checked, requeued, err := f.ctl.Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, checked)
	assert.Equal(t, 1, requeued)

	snap := f.ctl.Snapshot()
	assert.Equal(t, common.EJobStatus.Paused(), snap.Status, "requeued items demote a completed job")
	assert.Nil(t, snap.CompletedAt)
	assert.NotEmpty(t, snap.LastVerify)

	require.NoError(t, f.ctl.Resume(context.Background()))
	f.waitStatus(t, common.EJobStatus.Completed())
	assert.FileExists(t, filepath.Join(f.exportRoot, item.RelPath()))
}

func TestControllerRescanPicksUpNewMessages(t *testing.T) {
	f := newCtlFixture(t, nil)
	chat := privateChat(100)
	f.sess.addChat(chat, textMsg(1, "a"), f.sess.mediaMsg(2, 7001, "a.bin", []byte("one")))

	require.NoError(t, f.ctl.Start(context.Background()))
	f.waitStatus(t, common.EJobStatus.Completed())

	// New traffic arrives after completion.
	f.sess.messages[chat.ID] = append(f.sess.messages[chat.ID],
		textMsg(3, "b"), f.sess.mediaMsg(4, 7002, "b.bin", []byte("two")))

	require.NoError(t, f.ctl.Rescan(context.Background(), false))
	f.waitStatus(t, common.EJobStatus.Completed())

	snap := f.ctl.Snapshot()
	assert.Equal(t, int64(2), snap.TotalMessages, "incremental rescan covers only new messages")
	assert.Equal(t, int64(2), snap.TotalMedia)
	assert.Equal(t, int64(2), snap.DownloadedMedia)
	cursors, err := f.store.LoadCursors(f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, cursors[100])
}

func TestControllerFullRescanRevisitsEverything(t *testing.T) {
	f := newCtlFixture(t, nil)
	f.sess.addChat(privateChat(100),
		textMsg(1, "a"), f.sess.mediaMsg(2, 8001, "a.bin", []byte("one")))

	require.NoError(t, f.ctl.Start(context.Background()))
	f.waitStatus(t, common.EJobStatus.Completed())

	require.NoError(t, f.ctl.Rescan(context.Background(), true))
	f.waitStatus(t, common.EJobStatus.Completed())

	snap := f.ctl.Snapshot()
	assert.Equal(t, int64(2), snap.TotalMessages, "full rescan drops cursors and revisits all")
	assert.Equal(t, int64(1), snap.TotalMedia, "already-queued media is not double counted")

	// The message log stays deduplicated despite the second pass.
	recs, err := f.store.LoadMessages(f.job.ID, 100)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestControllerRescanRejectedWhileLive(t *testing.T) {
	f := newCtlFixture(t, nil)
	require.Error(t, f.ctl.Rescan(context.Background(), false), "pending job cannot rescan")
}

func TestControllerSetConcurrencyClamps(t *testing.T) {
	f := newCtlFixture(t, nil)
	f.job.Perf.ParallelChunk = true

	require.NoError(t, f.ctl.SetConcurrency(100, 99))
	snap := f.ctl.Snapshot()
	assert.Equal(t, common.MaxConcurrentDownloads, snap.Perf.MaxConcurrentDownloads)
	assert.Equal(t, common.MaxParallelChunkConns, snap.Perf.ParallelChunkConnections)

	require.NoError(t, f.ctl.SetConcurrency(0, 0))
	assert.Equal(t, common.DefaultConcurrentDownloads,
		f.ctl.Snapshot().Perf.MaxConcurrentDownloads)
}

func TestControllerSetDelegatedRequiresDownloader(t *testing.T) {
	f := newCtlFixture(t, nil)
	require.Error(t, f.ctl.SetDelegated(true))
	require.NoError(t, f.ctl.SetDelegated(false))
}

func TestControllerRetryItemRestoresFailureCounter(t *testing.T) {
	f := newCtlFixture(t, nil)
	f.sess.addChat(privateChat(100), f.sess.mediaMsg(1, 9001, "a.bin", []byte("x")))
	f.sess.onChunk = func(ref common.MediaRef, offset int64, limit int) ([]byte, error) {
		return nil, &common.PermanentError{Code: "FILE_ID_INVALID"}
	}

	require.NoError(t, f.ctl.Start(context.Background()))
	f.waitStatus(t, common.EJobStatus.Completed())

	counts := f.ctl.QueueCounts()
	require.Equal(t, 1, counts.Failed)

	// Clear the injected fault, then retry and finish the job.
	f.sess.onChunk = nil
	require.NoError(t, f.ctl.RetryItem(itemKey(100, 1), false))
	require.NoError(t, f.ctl.Rescan(context.Background(), false))
	f.waitStatus(t, common.EJobStatus.Completed())

	counts = f.ctl.QueueCounts()
	assert.Zero(t, counts.Failed)
	assert.Equal(t, 1, counts.Completed)
}

type fakeDelegate struct {
	batches  [][]common.MediaItem
	failKeys map[string]error
	err      error
	started  chan struct{} // closed on first invocation when set
	hold     bool          // block until the run context is cancelled
}

func (d *fakeDelegate) Download(ctx context.Context, exportRoot string, batch []common.MediaItem,
	progress func(key string, downloaded int64)) ([]string, map[string]error, error) {

	d.batches = append(d.batches, batch)
	if d.started != nil {
		close(d.started)
		d.started = nil
	}
	if d.hold {
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}
	if d.err != nil {
		return nil, nil, d.err
	}
	var done []string
	failed := map[string]error{}
	for _, item := range batch {
		key := item.Key()
		if ferr, bad := d.failKeys[key]; bad {
			failed[key] = ferr
			continue
		}
		progress(key, item.Size)
		done = append(done, key)
	}
	return done, failed, nil
}

func TestControllerDelegatedModeCompletesViaExternalTool(t *testing.T) {
	delegate := &fakeDelegate{}
	f := newCtlFixture(t, delegate)
	f.job.Perf.Delegated = true
	f.sess.addChat(privateChat(100),
		f.sess.mediaMsg(1, 9101, "a.bin", []byte("abc")),
		f.sess.mediaMsg(2, 9102, "b.bin", []byte("defg")))

	require.NoError(t, f.ctl.Start(context.Background()))
	f.waitStatus(t, common.EJobStatus.Completed())

	assert.Zero(t, f.sess.chunkCalls, "delegated mode never downloads in-process")
	assert.NotEmpty(t, delegate.batches)
	snap := f.ctl.Snapshot()
	assert.Equal(t, int64(2), snap.DownloadedMedia)
	assert.Equal(t, int64(7), snap.DownloadedBytes)
}

func TestControllerDelegatedInvocationErrorFailsBatch(t *testing.T) {
	delegate := &fakeDelegate{err: assert.AnError}
	f := newCtlFixture(t, delegate)
	f.job.Perf.Delegated = true
	f.sess.addChat(privateChat(100), f.sess.mediaMsg(1, 9201, "a.bin", []byte("abc")))

	require.NoError(t, f.ctl.Start(context.Background()))
	f.waitStatus(t, common.EJobStatus.Completed())

	counts := f.ctl.QueueCounts()
	assert.Equal(t, 1, counts.Failed)
	assert.Zero(t, counts.Completed)
}

func TestControllerPersistsCompletionBeforeFinalize(t *testing.T) {
	store, err := NewResumeStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	sess := newFakeSession()
	sess.addChat(privateChat(100), sess.mediaMsg(1, 9401, "a.bin", []byte("abc")))

	job := &common.Job{
		ID:   common.NewJobID(),
		Name: "finalized",
		Filter: common.JobFilter{
			Chats: common.ChatTypeFilter{PrivateChats: true},
			Media: allMedia(),
		},
		Output:    common.JobOutput{Root: t.TempDir(), Format: common.EExportFormat.JSON()},
		Perf:      common.JobPerf{MaxConcurrentDownloads: 1},
		Status:    common.EJobStatus.Pending(),
		CreatedAt: time.Now().UTC(),
	}

	type checkpoint struct {
		status common.JobStatus
		queued int
	}
	seen := make(chan checkpoint, 1)
	finalize := func(j *common.Job, s *ResumeStore, chats map[int64]common.ChatDescriptor) error {
		stored, err := s.LoadJobs()
		require.NoError(t, err)
		require.Len(t, stored, 1)
		items, err := s.LoadQueue(j.ID)
		require.NoError(t, err)
		seen <- checkpoint{status: stored[0].Status, queued: len(items)}
		return nil
	}

	ctl := NewController(zap.NewNop(), sess, store, nil, finalize, job)
	require.NoError(t, ctl.Start(context.Background()))
	require.Eventually(t, func() bool {
		return ctl.Snapshot().Status == common.EJobStatus.Completed()
	}, 10*time.Second, 5*time.Millisecond)

	// A crash during the render must rehydrate as completed, so the
	// terminal checkpoint is written before the finalizer runs.
	cp := <-seen
	assert.Equal(t, common.EJobStatus.Completed(), cp.status)
	assert.Equal(t, 1, cp.queued)
}

func TestControllerDelegatedPauseParksInFlightBatch(t *testing.T) {
	delegate := &fakeDelegate{hold: true, started: make(chan struct{})}
	started := delegate.started
	f := newCtlFixture(t, delegate)
	f.job.Perf.Delegated = true
	f.sess.addChat(privateChat(100), f.sess.mediaMsg(1, 9301, "a.bin", []byte("abc")))

	require.NoError(t, f.ctl.Start(context.Background()))
	<-started
	require.NoError(t, f.ctl.Pause(context.Background()))

	// The interrupted invocation parks the claimed batch instead of
	// failing it.
	counts := f.ctl.QueueCounts()
	assert.Zero(t, counts.Failed)
	assert.Zero(t, counts.Downloading)
	assert.Equal(t, 1, counts.Paused)

	// On resume the parked item goes back out and completes.
	delegate.hold = false
	require.NoError(t, f.ctl.Resume(context.Background()))
	f.waitStatus(t, common.EJobStatus.Completed())
	assert.Equal(t, 1, f.ctl.QueueCounts().Completed)
	assert.Zero(t, f.ctl.QueueCounts().Failed)
}

func TestControllerAutoRetryFailedRunsOneExtraRound(t *testing.T) {
	f := newCtlFixture(t, nil)
	f.job.Perf.AutoRetryFailed = true
	f.sess.addChat(privateChat(100), f.sess.mediaMsg(1, 9301, "a.bin", []byte("flaky")))

	var calls atomic.Int32
	f.sess.onChunk = func(ref common.MediaRef, offset int64, limit int) ([]byte, error) {
		// First attempt fails hard; the automatic retry round gets clean data.
		if calls.Add(1) == 1 {
			return nil, &common.PermanentError{Code: "FILE_ID_INVALID"}
		}
		return f.sess.readChunk(ref, offset, limit)
	}

	require.NoError(t, f.ctl.Start(context.Background()))
	f.waitStatus(t, common.EJobStatus.Completed())

	counts := f.ctl.QueueCounts()
	assert.Zero(t, counts.Failed, "the automatic retry round recovered the item")
	assert.Equal(t, 1, counts.Completed)
}

func itemKey(chatID int64, msgID int) string {
	it := common.MediaItem{ChatID: chatID, MessageID: msgID}
	return it.Key()
}
