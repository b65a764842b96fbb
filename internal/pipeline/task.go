package pipeline

import (
	"context"
	"sync"

	"echo-forge-go/internal/chunker"
	"echo-forge-go/internal/types"
)

// task is the scheduler's private record of a job. mu guards the fields
// read by snapshots; step serializes Advance calls.
type task struct {
	mu   sync.Mutex
	step sync.Mutex

	job        types.Job
	payload    []byte
	fileName   string
	title      string
	duration   float64
	transcript chunker.Transcript
	analysis   map[types.AnalysisType]types.AnalysisOutput
	failures   map[types.AnalysisType]string
	result     *types.Result
	meter      types.Meter

	cancelled  bool
	cancelStep context.CancelFunc
	done       chan struct{}
}

func newTask(job types.Job) *task {
	return &task{
		job:      job,
		fileName: job.Input.FileName,
		duration: job.Input.DurationSeconds,
		analysis: map[types.AnalysisType]types.AnalysisOutput{},
		failures: map[types.AnalysisType]string{},
		done:     make(chan struct{}),
	}
}

func (t *task) snapshot() types.Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	job := t.job
	job.Input.Payload = nil
	if t.job.Chunks != nil {
		job.Chunks = make([]types.Chunk, len(t.job.Chunks))
		copy(job.Chunks, t.job.Chunks)
		for i := range job.Chunks {
			job.Chunks[i].Payload = nil
		}
	}
	if t.job.Error != nil {
		e := *t.job.Error
		job.Error = &e
	}
	return job
}

func (t *task) state() types.JobState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.job.State
}

func (t *task) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// release drops every media buffer held by the job.
func (t *task) release() {
	t.payload = nil
	t.job.Input.Payload = nil
	for i := range t.job.Chunks {
		t.job.Chunks[i].Payload = nil
	}
}
