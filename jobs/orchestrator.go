package jobs

import (
	"context"
	"errors"
	"fmt"

	"videosearch/core"
	"videosearch/logging"
	"videosearch/metrics"
)

// ErrJobActive is returned when a video is re-enqueued while its current job
// has not reached a terminal state. Re-enqueueing after Completed or Failed
// starts a fresh job for the same video.
var ErrJobActive = errors.New("job for this video is already active")

// RunFunc executes the processing pipeline for one video. Bound after
// construction because the runner reports progress back through the
// orchestrator.
type RunFunc func(ctx context.Context, videoID, path string) error

// Orchestrator owns the job lifecycle. It is the only component that writes
// job records; the runner reports progress exclusively through it.
type Orchestrator struct {
	store   JobStore
	queue   Queue
	metrics *metrics.Metrics
	log     *logging.Logger
	run     RunFunc
}

func NewOrchestrator(store JobStore, queue Queue, m *metrics.Metrics, log *logging.Logger) *Orchestrator {
	return &Orchestrator{store: store, queue: queue, metrics: m, log: log}
}

// SetRunner binds the pipeline entry point. Must be called before Enqueue.
func (o *Orchestrator) SetRunner(run RunFunc) {
	o.run = run
}

// queueKey derives the queue submission key for a video.
func queueKey(videoID string) string {
	return "video_" + videoID
}

// Enqueue creates a pending job record and submits pipeline execution to the
// queue. A video with a non-terminal job is rejected with ErrJobActive.
func (o *Orchestrator) Enqueue(ctx context.Context, videoID, path string) (string, error) {
	if o.run == nil {
		return "", errors.New("orchestrator has no runner bound")
	}

	prev, prevErr := o.store.Get(ctx, videoID)
	if prevErr == nil && !prev.Status.Terminal() {
		return "", fmt.Errorf("%w: job %s is %s", ErrJobActive, prev.JobID, prev.Status)
	}

	job := core.NewJob(core.NewID(), videoID, path)
	if err := o.store.Put(ctx, job); err != nil {
		return "", fmt.Errorf("create job record: %w", err)
	}

	err := o.queue.Submit(queueKey(videoID), func(taskCtx context.Context) error {
		return o.run(taskCtx, videoID, path)
	})
	if err != nil {
		// The queue rejected the submit, so the Pending record belongs to a
		// job that will never run. Restore the previous record rather than
		// let it shadow a terminal one whose queue key is still draining.
		if prevErr == nil {
			if perr := o.store.Put(ctx, prev); perr != nil {
				o.log.Warnf("restore job record for %s: %v", videoID, perr)
			}
		} else if derr := o.store.Delete(ctx, videoID); derr != nil && !errors.Is(derr, ErrNotFound) {
			o.log.Warnf("remove stale job record for %s: %v", videoID, derr)
		}
		if errors.Is(err, ErrDuplicateKey) {
			return "", fmt.Errorf("%w: %s", ErrJobActive, videoID)
		}
		return "", fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	o.metrics.JobsEnqueued.Inc()
	o.log.Infof("enqueued job %s for video %s", job.JobID, videoID)
	return job.JobID, nil
}

// UpdateProgress overwrites the job's progress counters. Last write wins;
// the runner is the single writer for a given job.
func (o *Orchestrator) UpdateProgress(ctx context.Context, videoID string, progress float64, framesProcessed, totalFrames int, status core.JobStatus) error {
	job, err := o.store.Get(ctx, videoID)
	if err != nil {
		return err
	}
	return o.store.Put(ctx, job.WithProgress(progress, framesProcessed, totalFrames, status))
}

// MarkComplete finalizes the job as completed with progress 1.0.
func (o *Orchestrator) MarkComplete(ctx context.Context, videoID string) error {
	job, err := o.store.Get(ctx, videoID)
	if err != nil {
		return err
	}
	if err := o.store.Put(ctx, job.Completed()); err != nil {
		return err
	}
	o.metrics.JobsCompleted.Inc()
	o.log.Infof("job completed: %s", videoID)
	return nil
}

// MarkFailed finalizes the job as failed, recording the error message.
func (o *Orchestrator) MarkFailed(ctx context.Context, videoID string, jobErr error) error {
	job, err := o.store.Get(ctx, videoID)
	if err != nil {
		return err
	}
	if err := o.store.Put(ctx, job.Failed(jobErr.Error())); err != nil {
		return err
	}
	o.metrics.JobsFailed.Inc()
	o.log.Errorf("job failed: %s: %v", videoID, jobErr)
	return nil
}

// GetStatus returns the job record, reconciled against the queue's view of
// the execution. The runner can die without reaching MarkFailed (process
// kill, OOM); a record must never report Processing forever.
func (o *Orchestrator) GetStatus(ctx context.Context, videoID string) (core.Job, error) {
	job, err := o.store.Get(ctx, videoID)
	if err != nil {
		return core.Job{}, err
	}
	if job.Status.Terminal() {
		return job, nil
	}

	switch o.queue.State(queueKey(videoID)) {
	case TaskFailed:
		job = job.Failed("job execution failed unexpectedly")
		if err := o.store.Put(ctx, job); err != nil {
			o.log.Warnf("persist reconciled failure for %s: %v", videoID, err)
		}
	case TaskFinished:
		job = job.Completed()
		if err := o.store.Put(ctx, job); err != nil {
			o.log.Warnf("persist reconciled completion for %s: %v", videoID, err)
		}
	}
	return job, nil
}
