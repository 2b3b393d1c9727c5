// ============================================================================
// Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that runs deposit jobs, each Worker runs in an independent goroutine
//
// How it works:
//   Each Worker is an independent goroutine that continuously executes the following loop:
//   1. Receive task from taskCh (blocking wait)
//   2. Run the task's process through the pool's Executor (with timeout control)
//   3. Send result to resultCh
//   4. Repeat above process until taskCh is closed
//
// Timeout Control:
//   Each task gets its own Context derived from the pool context. A zero
//   Timeout means the process may run until the pool is stopped.
//
// ============================================================================

package worker

import (
	"context"
	"time"
)

// Worker represents a work execution unit
type Worker struct {
	id       int           // Worker unique identifier, used for logging and debugging
	taskCh   <-chan Task   // Task channel (read-only), receives tasks to execute
	resultCh chan<- Result // Result channel (write-only), sends task execution results
	execute  Executor      // Runs the job's process
	baseCtx  context.Context
}

// newWorker creates a new Worker instance
func newWorker(ctx context.Context, id int, taskCh <-chan Task, resultCh chan<- Result, execute Executor) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		execute:  execute,
		baseCtx:  ctx,
	}
}

// Run is the main loop of Worker, receives tasks from task channel and executes them.
// Results are delivered until the pool context is cancelled.
func (w *Worker) Run() {
	for task := range w.taskCh {
		result := w.runTask(task)
		select {
		case w.resultCh <- result:
		case <-w.baseCtx.Done():
			return
		}
	}
}

func (w *Worker) runTask(task Task) Result {
	start := time.Now()

	ctx, cancel := w.taskContext(task.Timeout)
	res, err := w.execute(ctx, task.Job)
	cancel()

	result := Result{
		JobID:    task.ID,
		JobType:  task.Job.Type(),
		Success:  err == nil,
		Error:    err,
		Duration: time.Since(start),
	}
	if res != nil {
		result.Output = res.Combined
		result.ExitCode = res.ExitCode
	}
	return result
}

func (w *Worker) taskContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(w.baseCtx, timeout)
	}
	return context.WithCancel(w.baseCtx)
}
