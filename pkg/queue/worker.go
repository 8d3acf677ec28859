// Copyright (C) 2026 monitor-sub002 contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lqt0707/monitor-sub002/internal/models"
)

// Handler processes one job. Returning an error marks the job failed
// (subject to retry); returning nil marks it completed.
type Handler func(ctx context.Context, job *models.Job) error

// Worker polls a single queue on an interval, running Handler for every
// reserved job, and periodically promotes delayed jobs and recovers
// stalled ones. One Worker per queue, matching the ttl scheduler's
// ticker + done-channel lifecycle.
type Worker struct {
	Fabric   *Fabric
	Queue    string
	Handler  Handler
	Interval time.Duration
	Logger   *slog.Logger

	mu      sync.Mutex
	done    chan struct{}
	running bool
}

// NewWorker builds a Worker. interval <= 0 defaults to 500ms.
func NewWorker(fabric *Fabric, queue string, handler Handler, interval time.Duration, logger *slog.Logger) *Worker {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{Fabric: fabric, Queue: queue, Handler: handler, Interval: interval, Logger: logger}
}

// Start launches the polling goroutine. Calling Start twice without an
// intervening Stop is a no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.loop(ctx)
}

// Stop signals the polling goroutine to exit and returns without waiting
// for it to finish; a job already in its handler runs to completion.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	done := w.done
	w.running = false
	w.mu.Unlock()

	close(done)
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	w.mu.Lock()
	done := w.done
	w.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	if _, err := w.Fabric.PromoteDelayed(ctx, w.Queue); err != nil {
		w.Logger.Warn("queue.worker: promote delayed failed", "queue", w.Queue, "error", err)
	}
	if n, err := w.Fabric.RecoverStalled(ctx, w.Queue); err != nil {
		w.Logger.Warn("queue.worker: recover stalled failed", "queue", w.Queue, "error", err)
	} else if n > 0 {
		w.Logger.Warn("queue.worker: recovered stalled jobs", "queue", w.Queue, "count", n)
	}

	for {
		job, ok, err := w.Fabric.Reserve(ctx, w.Queue)
		if err != nil {
			w.Logger.Error("queue.worker: reserve failed", "queue", w.Queue, "error", err)
			return
		}
		if !ok {
			return
		}

		if err := w.Handler(ctx, job); err != nil {
			w.Logger.Warn("queue.worker: job failed", "queue", w.Queue, "job_id", job.ID, "attempt", job.Attempts, "error", err)
			if failErr := w.Fabric.Fail(ctx, w.Queue, job.ID, err); failErr != nil {
				w.Logger.Error("queue.worker: could not record failure", "queue", w.Queue, "job_id", job.ID, "error", failErr)
			}
			continue
		}
		if err := w.Fabric.Complete(ctx, w.Queue, job.ID); err != nil {
			w.Logger.Error("queue.worker: could not mark complete", "queue", w.Queue, "job_id", job.ID, "error", err)
		}
	}
}
