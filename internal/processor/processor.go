package processor

import (
	"context"
	"fmt"
	"time"

	"echo-forge-go/internal/pipeline"
	"echo-forge-go/internal/types"
)

// Scheduler is the part of pipeline.Scheduler the synchronous path needs.
type Scheduler interface {
	Submit(in types.Input, settings types.Settings) (string, error)
	Wait(ctx context.Context, id string) (types.Job, error)
	Result(id string) (*types.Result, error)
	Cancel(id string) error
}

var _ Scheduler = (*pipeline.Scheduler)(nil)

// ProcessResult is returned by /process
type ProcessResult struct {
	JobID      string        `json:"job_id"`
	State      string        `json:"state"`
	CacheHit   bool          `json:"cache_hit"`
	Result     *types.Result `json:"result,omitempty"`
	Error      string        `json:"error,omitempty"`
	ErrorClass string        `json:"error_class,omitempty"`
	DurationMs int64         `json:"duration_ms"`
}

// ProcessSingle submits one input and blocks until it is terminal or ctx
// expires, in which case the job is cancelled.
func ProcessSingle(ctx context.Context, sched Scheduler, in types.Input, settings types.Settings) (ProcessResult, error) {
	start := time.Now()
	res := ProcessResult{}

	id, err := sched.Submit(in, settings)
	if err != nil {
		res.Error = err.Error()
		res.ErrorClass = string(types.ClassOf(err))
		res.DurationMs = time.Since(start).Milliseconds()
		return res, err
	}
	res.JobID = id

	job, err := sched.Wait(ctx, id)
	if err != nil {
		_ = sched.Cancel(id)
		res.State = string(types.StateFailed)
		res.Error = fmt.Sprintf("timed out waiting for job: %v", err)
		res.ErrorClass = string(types.ClassCancelled)
		res.DurationMs = time.Since(start).Milliseconds()
		return res, types.NewCancelledError("process")
	}
	res.State = string(job.State)
	res.CacheHit = job.CacheHit
	res.DurationMs = time.Since(start).Milliseconds()

	if job.State == types.StateFailed {
		res.Error = job.Error.Reason
		res.ErrorClass = string(job.Error.Class)
		return res, &types.Error{Class: job.Error.Class, Op: "process", Message: job.Error.Reason}
	}
	res.Result, err = sched.Result(id)
	return res, err
}
