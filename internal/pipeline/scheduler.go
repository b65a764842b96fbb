// Package pipeline drives jobs through the processing state machine on a
// bounded pool of workers.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"echo-forge-go/internal/chunker"
	"echo-forge-go/internal/keylock"
	"echo-forge-go/internal/transcription"
	"echo-forge-go/internal/types"
	"echo-forge-go/internal/videosource"
)

type Transcriber interface {
	Transcribe(ctx context.Context, req transcription.Request, budget int, record types.RecordFunc) (transcription.Response, error)
}

type Analyzer interface {
	Analyze(ctx context.Context, transcript string, durationSeconds float64, kind types.AnalysisType, s types.Settings, record types.RecordFunc) (types.AnalysisOutput, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, url string, budget int, record types.RecordFunc) (videosource.Media, error)
}

type Converter interface {
	ToWAV(ctx context.Context, fileName string, payload []byte) ([]byte, string, error)
}

type ResultCache interface {
	Get(fingerprint string) (*types.Result, bool)
	Put(fingerprint string, res *types.Result)
}

type HistoryStore interface {
	Append(ctx context.Context, res *types.Result) (*types.HistoryEntry, error)
	FindByFingerprint(ctx context.Context, fingerprint string) (*types.HistoryEntry, error)
}

// Deps are the collaborators shared by every job. Fetcher, Converter and
// History are optional.
type Deps struct {
	Chunker     *chunker.Chunker
	Transcriber Transcriber
	Analyzer    Analyzer
	Fetcher     Fetcher
	Converter   Converter
	Cache       ResultCache
	History     HistoryStore
	Log         *logrus.Entry
	Now         func() time.Time
}

type Options struct {
	// Concurrency is the number of jobs processed at once.
	Concurrency int
	// ChunkFanout caps concurrent provider calls within one job.
	ChunkFanout int
	Defaults    types.Settings
	// Models accepted in settings; nil means types.DefaultModels.
	Models []string
}

var (
	ErrNotReady = errors.New("result not ready")
	ErrStopped  = errors.New("scheduler stopped")
)

// Scheduler owns every job and is the only writer of job state.
type Scheduler struct {
	opts  Options
	deps  Deps
	log   *logrus.Entry
	locks *keylock.Map
	queue *queue

	mu   sync.RWMutex
	jobs map[string]*task

	active  atomic.Int32
	wg      sync.WaitGroup
	stop    context.CancelFunc
	started atomic.Bool
}

func New(opts Options, deps Deps) (*Scheduler, error) {
	if deps.Chunker == nil || deps.Transcriber == nil || deps.Analyzer == nil || deps.Cache == nil {
		return nil, errors.New("pipeline: chunker, transcriber, analyzer and cache are required")
	}
	opts.Concurrency = max(opts.Concurrency, 1)
	opts.ChunkFanout = max(opts.ChunkFanout, 1)
	if opts.Defaults.Model == "" {
		opts.Defaults = types.DefaultSettings()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Log == nil {
		deps.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Scheduler{
		opts:  opts,
		deps:  deps,
		log:   deps.Log.WithField("component", "scheduler"),
		locks: keylock.New(),
		queue: newQueue(),
		jobs:  make(map[string]*task),
	}, nil
}

// Start launches the workers. Jobs submitted before Start wait in the queue.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	ctx, s.stop = context.WithCancel(ctx)
	for i := 0; i < s.opts.Concurrency; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
	s.log.WithField("workers", s.opts.Concurrency).Info("scheduler started")
}

// Stop closes the queue, cancels in-flight work and waits for the workers.
func (s *Scheduler) Stop() {
	s.queue.close()
	if s.stop != nil {
		s.stop()
	}
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) worker(ctx context.Context, n int) {
	defer s.wg.Done()
	log := s.log.WithField("worker", n)
	for {
		id, ok := s.queue.pop()
		if !ok {
			return
		}
		s.active.Add(1)
		for {
			terminal, err := s.Advance(ctx, id)
			if err != nil {
				log.WithError(err).WithField("job_id", id).Error("advance failed")
				break
			}
			if terminal {
				break
			}
		}
		s.active.Add(-1)
	}
}

// Submit validates settings and queues the job. It never blocks on
// processing. A queued job stays submitted until a worker admits it, so
// at most Concurrency jobs are ever past the submitted state.
func (s *Scheduler) Submit(in types.Input, settings types.Settings) (string, error) {
	settings = settings.Merge(s.opts.Defaults).Normalize()
	if err := settings.Validate(s.opts.Models); err != nil {
		return "", err
	}
	if err := validateInput(in); err != nil {
		return "", err
	}

	t := newTask(types.Job{
		ID:        uuid.NewString(),
		Input:     in,
		Settings:  settings,
		State:     types.StateSubmitted,
		CreatedAt: s.deps.Now().UTC(),
	})
	s.mu.Lock()
	s.jobs[t.job.ID] = t
	s.mu.Unlock()

	if !s.queue.push(t.job.ID) {
		s.mu.Lock()
		delete(s.jobs, t.job.ID)
		s.mu.Unlock()
		return "", ErrStopped
	}
	s.log.WithFields(logrus.Fields{"job_id": t.job.ID, "source": in.Source(), "kind": in.Kind}).Debug("job submitted")
	return t.job.ID, nil
}

func validateInput(in types.Input) error {
	switch in.Kind {
	case types.InputRemote:
		if in.URL == "" {
			return types.NewConfigurationError("remote input requires a url")
		}
	case types.InputLocal:
		if in.Path == "" && len(in.Payload) == 0 {
			return types.NewConfigurationError("local input requires a path or payload")
		}
	default:
		return types.NewConfigurationError("unknown input kind %q", in.Kind)
	}
	return nil
}

type BatchInput struct {
	Input    types.Input    `json:"input"`
	Settings types.Settings `json:"settings"`
}

// BatchItem reports the outcome of one batch submission; Index is the
// position in the request.
type BatchItem struct {
	Index int    `json:"index"`
	JobID string `json:"job_id,omitempty"`
	Error string `json:"error,omitempty"`
	Class string `json:"class,omitempty"`
}

// SubmitBatch submits inputs in order. One rejected item does not stop the
// rest.
func (s *Scheduler) SubmitBatch(items []BatchInput) []BatchItem {
	out := make([]BatchItem, len(items))
	for i, it := range items {
		out[i].Index = i
		id, err := s.Submit(it.Input, it.Settings)
		if err != nil {
			out[i].Error = err.Error()
			out[i].Class = string(types.ClassOf(err))
			continue
		}
		out[i].JobID = id
	}
	return out
}

func (s *Scheduler) task(id string) (*task, error) {
	s.mu.RLock()
	t, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, types.ErrNotFound)
	}
	return t, nil
}

// Get returns a snapshot of the job.
func (s *Scheduler) Get(id string) (types.Job, error) {
	t, err := s.task(id)
	if err != nil {
		return types.Job{}, err
	}
	return t.snapshot(), nil
}

// Result returns the job's Result once it has completed.
func (s *Scheduler) Result(id string) (*types.Result, error) {
	t, err := s.task(id)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.job.State == types.StateFailed {
		return nil, &types.Error{Class: t.job.Error.Class, Op: "job " + id, Message: t.job.Error.Reason}
	}
	if t.result == nil {
		return nil, ErrNotReady
	}
	return t.result, nil
}

// Wait blocks until the job is terminal or ctx is done.
func (s *Scheduler) Wait(ctx context.Context, id string) (types.Job, error) {
	t, err := s.task(id)
	if err != nil {
		return types.Job{}, err
	}
	select {
	case <-t.done:
		return t.snapshot(), nil
	case <-ctx.Done():
		return t.snapshot(), ctx.Err()
	}
}

// List returns snapshots of all known jobs, oldest first.
func (s *Scheduler) List() []types.Job {
	s.mu.RLock()
	tasks := make([]*task, 0, len(s.jobs))
	for _, t := range s.jobs {
		tasks = append(tasks, t)
	}
	s.mu.RUnlock()

	jobs := make([]types.Job, 0, len(tasks))
	for _, t := range tasks {
		jobs = append(jobs, t.snapshot())
	}
	slices.SortFunc(jobs, func(a, b types.Job) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return jobs
}

// ActiveCount is the number of admitted jobs a worker is currently
// driving. It never exceeds Options.Concurrency; queued jobs are counted
// by Pending instead.
func (s *Scheduler) ActiveCount() int {
	return int(s.active.Load())
}

// Pending is the number of jobs waiting for a worker.
func (s *Scheduler) Pending() int {
	return s.queue.len()
}

// Cancel stops a job. Cancelling a terminal job is a no-op. A job whose
// step is in flight fails as soon as that step returns.
func (s *Scheduler) Cancel(id string) error {
	t, err := s.task(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	if t.job.State.Terminal() {
		t.mu.Unlock()
		return nil
	}
	t.cancelled = true
	if t.cancelStep != nil {
		t.cancelStep()
	}
	t.mu.Unlock()

	if t.step.TryLock() {
		defer t.step.Unlock()
		s.fail(t, types.NewCancelledError("cancel"))
	}
	return nil
}

// Prune forgets terminal jobs that finished before cutoff. Their results
// stay reachable through the cache and history.
func (s *Scheduler) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.jobs {
		t.mu.Lock()
		old := t.job.CompletedAt != nil && t.job.CompletedAt.Before(cutoff)
		t.mu.Unlock()
		if old {
			delete(s.jobs, id)
			n++
		}
	}
	return n
}
