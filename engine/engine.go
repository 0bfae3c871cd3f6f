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
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tgvault/tgvault/common"
)

// Engine is the job registry: it creates controllers, rehydrates them from
// the resume store after a restart, and routes control calls by job id.
type Engine struct {
	lg         *zap.Logger
	sess       ChatSession
	store      *ResumeStore
	delegate   DelegatedDownloader
	finalize   Finalizer
	exportRoot string

	mu     sync.Mutex
	jobs   map[common.JobID]*Controller
	byName map[string]common.JobID
}

func NewEngine(lg *zap.Logger, sess ChatSession, store *ResumeStore,
	delegate DelegatedDownloader, finalize Finalizer, exportRoot string) *Engine {
	return &Engine{
		lg:         lg.Named("engine"),
		sess:       sess,
		store:      store,
		delegate:   delegate,
		finalize:   finalize,
		exportRoot: exportRoot,
		jobs:       map[common.JobID]*Controller{},
		byName:     map[string]common.JobID{},
	}
}

// Rehydrate loads every persisted job. Jobs that were live when the process
// died come back paused with their queues restored; nothing auto-resumes.
func (e *Engine) Rehydrate() error {
	jobs, err := e.store.LoadJobs()
	if err != nil {
		return err
	}
	for _, job := range jobs {
		ctrl := NewController(e.lg, e.sess, e.store, e.delegate, e.finalize, job)
		items, err := e.store.LoadQueue(job.ID)
		if err != nil {
			e.lg.Warn("queue restore failed", zap.String("job", job.ID.Short()), zap.Error(err))
		} else {
			ctrl.RestoreQueue(items)
		}
		e.mu.Lock()
		e.jobs[job.ID] = ctrl
		e.byName[job.Name] = job.ID
		e.mu.Unlock()
		e.lg.Info("job restored",
			zap.String("job", job.ID.Short()),
			zap.String("name", job.Name),
			zap.String("status", job.Status.String()))
	}
	return nil
}

// JobSpec is the operator-facing job definition.
type JobSpec struct {
	Name   string              `json:"name"`
	Filter common.JobFilter    `json:"filter"`
	Format common.ExportFormat `json:"format"`
	Perf   common.JobPerf      `json:"perf"`
}

// CreateJob registers a new pending job. A spec whose name matches an
// existing job returns that job unchanged, so re-submitting a definition is
// idempotent and its checkpoints survive.
func (e *Engine) CreateJob(spec JobSpec) (common.Job, error) {
	if spec.Name == "" {
		return common.Job{}, errors.New("job name required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if id, ok := e.byName[spec.Name]; ok {
		if ctrl, ok := e.jobs[id]; ok {
			e.lg.Info("reusing existing job for name", zap.String("name", spec.Name))
			return ctrl.Snapshot(), nil
		}
	}

	spec.Perf.Clamp()
	job := &common.Job{
		ID:        common.NewJobID(),
		Name:      spec.Name,
		Filter:    spec.Filter,
		Perf:      spec.Perf,
		Status:    common.EJobStatus.Pending(),
		CreatedAt: time.Now().UTC(),
		Cursors:   map[int64]int{},
		Output: common.JobOutput{
			Root:   filepath.Join(e.exportRoot, common.SanitizeFileName(spec.Name)),
			Format: spec.Format,
		},
	}

	ctrl := NewController(e.lg, e.sess, e.store, e.delegate, e.finalize, job)
	if err := e.store.SaveJob(job); err != nil {
		return common.Job{}, err
	}
	e.jobs[job.ID] = ctrl
	e.byName[job.Name] = job.ID
	e.lg.Info("job created", zap.String("job", job.ID.Short()), zap.String("name", job.Name))
	return ctrl.Snapshot(), nil
}

// Get returns the controller for one job.
func (e *Engine) Get(id common.JobID) (*Controller, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ctrl, ok := e.jobs[id]
	if !ok {
		return nil, common.ErrJobNotFound
	}
	return ctrl, nil
}

// List returns snapshots of every job, oldest first.
func (e *Engine) List() []common.Job {
	e.mu.Lock()
	ctrls := make([]*Controller, 0, len(e.jobs))
	for _, c := range e.jobs {
		ctrls = append(ctrls, c)
	}
	e.mu.Unlock()

	out := make([]common.Job, 0, len(ctrls))
	for _, c := range ctrls {
		out = append(out, c.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// DeleteJob removes a job's registration and checkpoints. Live jobs must be
// cancelled or paused first. With purge the exported files go too.
func (e *Engine) DeleteJob(id common.JobID, purge bool) error {
	e.mu.Lock()
	ctrl, ok := e.jobs[id]
	e.mu.Unlock()
	if !ok {
		return common.ErrJobNotFound
	}

	snap := ctrl.Snapshot()
	switch snap.Status {
	case common.EJobStatus.Extracting(), common.EJobStatus.Running():
		return errors.Errorf("job is %s, pause or cancel it first", snap.Status)
	}

	if err := e.store.DeleteJob(id); err != nil {
		return err
	}
	if purge && snap.Output.Root != "" {
		if err := os.RemoveAll(snap.Output.Root); err != nil {
			e.lg.Warn("purge of export dir failed", zap.Error(err))
		}
	}

	e.mu.Lock()
	delete(e.jobs, id)
	delete(e.byName, snap.Name)
	e.mu.Unlock()
	e.lg.Info("job deleted", zap.String("job", id.Short()), zap.Bool("purge", purge))
	return nil
}

// Shutdown pauses every live job so its checkpoints are current, then
// returns. Called on process exit.
func (e *Engine) Shutdown(ctx context.Context) {
	for _, job := range e.List() {
		if job.Status != common.EJobStatus.Extracting() && job.Status != common.EJobStatus.Running() {
			continue
		}
		ctrl, err := e.Get(job.ID)
		if err != nil {
			continue
		}
		if err := ctrl.Pause(ctx); err != nil {
			e.lg.Warn("pause on shutdown failed",
				zap.String("job", job.ID.Short()), zap.Error(err))
		}
	}
}
