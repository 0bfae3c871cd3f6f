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
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tgvault/tgvault/common"
)

// ResumeStore is the on-disk checkpoint of every job:
//
//	<root>/jobs/<job-id>/job.json             job descriptor + aggregates
//	<root>/jobs/<job-id>/queue.json           media item set
//	<root>/jobs/<job-id>/cursor/<chat-id>     highest durably archived message id
//	<root>/jobs/<job-id>/messages/<chat-id>.ndjson  append-only message log
//
// Snapshot files are written to a temp sibling and renamed; message logs are
// append plus fsync. Cursors only advance after the covered messages are on
// disk, so a crash replays a suffix instead of losing one.
type ResumeStore struct {
	root string
	lg   *zap.Logger

	mu    sync.Mutex
	locks map[common.JobID]*sync.Mutex
}

func NewResumeStore(root string, lg *zap.Logger) (*ResumeStore, error) {
	if err := os.MkdirAll(filepath.Join(root, "jobs"), 0o755); err != nil {
		return nil, errors.Wrap(err, "create job store root")
	}
	return &ResumeStore{
		root:  root,
		lg:    lg.Named("store"),
		locks: make(map[common.JobID]*sync.Mutex),
	}, nil
}

// JobDir is the per-job checkpoint directory.
func (s *ResumeStore) JobDir(id common.JobID) string {
	return filepath.Join(s.root, "jobs", id.String())
}

func (s *ResumeStore) lock(id common.JobID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// SaveJob persists the job descriptor atomically.
func (s *ResumeStore) SaveJob(job *common.Job) error {
	l := s.lock(job.ID)
	l.Lock()
	defer l.Unlock()

	dir := s.JobDir(job.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create job dir")
	}
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal job")
	}
	return common.WriteFileAtomic(filepath.Join(dir, "job.json"), data, 0o644)
}

// SaveQueue persists the full item set atomically.
func (s *ResumeStore) SaveQueue(id common.JobID, items []common.MediaItem) error {
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	dir := s.JobDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create job dir")
	}
	data, err := json.Marshal(items)
	if err != nil {
		return errors.Wrap(err, "marshal queue")
	}
	return common.WriteFileAtomic(filepath.Join(dir, "queue.json"), data, 0o644)
}

// LoadQueue reads the persisted item set; a missing file is an empty queue.
func (s *ResumeStore) LoadQueue(id common.JobID) ([]common.MediaItem, error) {
	data, err := os.ReadFile(filepath.Join(s.JobDir(id), "queue.json"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read queue")
	}
	var items []common.MediaItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, errors.Wrap(err, "parse queue")
	}
	return items, nil
}

// LoadJobs reads every job descriptor under the store root. Jobs that were
// live when the process died come back paused; an unreadable descriptor is
// logged and skipped, never fatal.
func (s *ResumeStore) LoadJobs() ([]*common.Job, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "jobs"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "list job store")
	}

	var jobs []*common.Job
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := common.ParseJobID(e.Name())
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.JobDir(id), "job.json"))
		if err != nil {
			s.lg.Warn("unreadable job descriptor, skipping",
				zap.String("job", e.Name()), zap.Error(err))
			continue
		}
		var job common.Job
		if err := json.Unmarshal(data, &job); err != nil {
			s.lg.Warn("corrupt job descriptor, skipping",
				zap.String("job", e.Name()), zap.Error(err))
			continue
		}
		switch job.Status {
		case common.EJobStatus.Running(), common.EJobStatus.Extracting(), common.EJobStatus.Pending():
			job.Status = common.EJobStatus.Paused()
		}
		jobs = append(jobs, &job)
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

// DeleteJob removes every checkpoint of one job.
func (s *ResumeStore) DeleteJob(id common.JobID) error {
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()
	return errors.Wrap(os.RemoveAll(s.JobDir(id)), "delete job dir")
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// SaveCursor durably advances one chat's scan cursor. Must only be called
// after the covered messages were appended.
func (s *ResumeStore) SaveCursor(id common.JobID, chatID int64, messageID int) error {
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	dir := filepath.Join(s.JobDir(id), "cursor")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create cursor dir")
	}
	path := filepath.Join(dir, strconv.FormatInt(chatID, 10))
	return common.WriteFileAtomic(path, []byte(strconv.Itoa(messageID)), 0o644)
}

// DeleteCursors drops every chat cursor so the next scan starts over. The
// message logs stay; replayed records are deduplicated on read.
func (s *ResumeStore) DeleteCursors(id common.JobID) error {
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()
	return errors.Wrap(os.RemoveAll(filepath.Join(s.JobDir(id), "cursor")), "delete cursors")
}

// LoadCursors reads every persisted chat cursor of one job.
func (s *ResumeStore) LoadCursors(id common.JobID) (map[int64]int, error) {
	dir := filepath.Join(s.JobDir(id), "cursor")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return map[int64]int{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "list cursor dir")
	}

	out := make(map[int64]int, len(entries))
	for _, e := range entries {
		chatID, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		if msgID, err := strconv.Atoi(string(raw)); err == nil {
			out[chatID] = msgID
		}
	}
	return out, nil
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// AppendMessages appends records to one chat's NDJSON log and syncs before
// returning, so a subsequent cursor advance never outruns the data.
func (s *ResumeStore) AppendMessages(id common.JobID, chatID int64, records []common.MessageRecord) error {
	if len(records) == 0 {
		return nil
	}
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	dir := filepath.Join(s.JobDir(id), "messages")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create messages dir")
	}
	path := filepath.Join(dir, strconv.FormatInt(chatID, 10)+".ndjson")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "open message log")
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return errors.Wrap(err, "append message record")
		}
	}
	if err := w.Flush(); err != nil {
		return errors.Wrap(err, "flush message log")
	}
	return errors.Wrap(f.Sync(), "sync message log")
}

// LoadMessages reads one chat's full message log in id order. A replayed
// suffix after a crash produces duplicate lines; the last occurrence wins.
func (s *ResumeStore) LoadMessages(id common.JobID, chatID int64) ([]common.MessageRecord, error) {
	path := filepath.Join(s.JobDir(id), "messages", strconv.FormatInt(chatID, 10)+".ndjson")
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "open message log")
	}
	defer f.Close()

	byID := map[int]common.MessageRecord{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec common.MessageRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// A torn trailing line after a crash is expected; drop it.
			s.lg.Debug("dropping torn message record",
				zap.String("job", id.Short()), zap.Int64("chat", chatID))
			continue
		}
		byID[rec.ID] = rec
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "scan message log")
	}

	out := make([]common.MessageRecord, 0, len(byID))
	for _, rec := range byID {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MessageChats lists the chat ids that have a message log for the job.
func (s *ResumeStore) MessageChats(id common.JobID) ([]int64, error) {
	dir := filepath.Join(s.JobDir(id), "messages")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "list messages dir")
	}
	var out []int64
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) != ".ndjson" {
			continue
		}
		if chatID, err := strconv.ParseInt(name[:len(name)-len(".ndjson")], 10, 64); err == nil {
			out = append(out, chatID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
