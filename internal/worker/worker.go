// ============================================================================
// Ledger Runtime Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that executes tasks, each Worker runs in an independent goroutine
//
// How it works:
//   1. Receive task from taskCh (blocking wait) or stop on stopCh
//   2. Execute task.Run with a per-task Context (timeout when set)
//   3. Send result to resultCh
//
// A panicking task is converted into a failed Result so one bad service init
// cannot take the worker (and the whole tier) down with it.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNoRun is reported for a task without a Run function.
var ErrNoRun = errors.New("task has no run function")

// Worker represents a work execution unit
type Worker struct {
	id       int             // Worker unique identifier, used for logging and debugging
	ctx      context.Context // parent context for every task
	taskCh   <-chan Task     // Task channel (read-only)
	resultCh chan<- Result   // Result channel (write-only)
	stopCh   <-chan struct{} // closed by Pool.Stop
}

// newWorker creates a new Worker instance
func newWorker(ctx context.Context, id int, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:       id,
		ctx:      ctx,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for {
		select {
		case <-w.stopCh:
			return
		case task := <-w.taskCh:
			start := time.Now()
			err := w.execute(task)
			result := Result{
				Name:     task.Name,
				Success:  err == nil,
				Error:    err,
				Duration: time.Since(start),
			}

			// results are never dropped; only Stop releases a blocked send
			select {
			case w.resultCh <- result:
			case <-w.stopCh:
				return
			}
		}
	}
}

// execute runs task.Run under its own Context
func (w *Worker) execute(task Task) (err error) {
	if task.Run == nil {
		return ErrNoRun
	}

	ctx := w.ctx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.Name, r)
		}
	}()

	return task.Run(ctx)
}
