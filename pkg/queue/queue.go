// Copyright (C) 2026 monitor-sub002 contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package queue implements the job queue fabric (spec §4.7): five named
// Redis-backed queues with per-queue retry/backoff/TTL/priority policy,
// a reliable dequeue that survives a crashed worker, and pause/resume
// control for the HTTP control surface.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lqt0707/monitor-sub002/internal/models"
)

// Queue names (spec §4.7).
const (
	QueueErrorProcessing   = "error-processing"
	QueueAIDiagnosis       = "ai-diagnosis"
	QueueEmailNotification = "email-notification"
	QueueSourcemapProcessing = "sourcemap-processing"
	QueueErrorAggregation  = "error-aggregation"
)

// Backoff strategies a Policy can declare (spec §4.7 "Backoff" column).
const (
	BackoffExponential = "exponential"
	BackoffFixed       = "fixed"
)

// Policy is the retry/backoff/retention/priority contract for one queue,
// matching the table in spec §4.7.
type Policy struct {
	MaxAttempts    int
	BackoffType    string
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	// RetentionCompleted/RetentionFailed cap how many terminal job records
	// Complete/Fail keep around per queue (spec §4.7 "Job retention"
	// columns; a count, not a TTL). Clean additionally sweeps anything
	// older than the universal cleanCompletedAfter/cleanFailedAfter
	// cutoffs regardless of this count.
	RetentionCompleted int
	RetentionFailed    int
	StalledTimeout     time.Duration
	// MaxStalled bounds how many times RecoverStalled will return a job to
	// waiting before hard-failing it (spec §4.7 "Stalled recovery").
	MaxStalled int
	// InitialDelay holds a newly-added job back before its first attempt
	// becomes eligible (spec §4.7 "Initial delay" column; only
	// ai-diagnosis uses a nonzero value).
	InitialDelay time.Duration
}

// cleanCompletedAfter/cleanFailedAfter are the universal time-based cutoffs
// Clean applies to every queue regardless of its retention-count Policy
// (spec §4.7: "Clean(queue, completed>24h, failed>7d)").
const (
	cleanCompletedAfter = 24 * time.Hour
	cleanFailedAfter    = 7 * 24 * time.Hour
)

// DefaultPolicies returns the per-queue policy table from spec §4.7.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		QueueErrorProcessing: {
			MaxAttempts: 3, BackoffType: BackoffExponential, BackoffBase: time.Second, BackoffMax: 30 * time.Second,
			RetentionCompleted: 200, RetentionFailed: 100, StalledTimeout: 30 * time.Second, MaxStalled: 1,
		},
		QueueAIDiagnosis: {
			MaxAttempts: 2, BackoffType: BackoffExponential, BackoffBase: 5 * time.Second, BackoffMax: 60 * time.Second,
			RetentionCompleted: 50, RetentionFailed: 25, StalledTimeout: 60 * time.Second, MaxStalled: 1, InitialDelay: 2 * time.Second,
		},
		QueueEmailNotification: {
			MaxAttempts: 5, BackoffType: BackoffExponential, BackoffBase: 3 * time.Second, BackoffMax: 60 * time.Second,
			RetentionCompleted: 100, RetentionFailed: 50, StalledTimeout: 30 * time.Second, MaxStalled: 2,
		},
		QueueSourcemapProcessing: {
			MaxAttempts: 2, BackoffType: BackoffFixed, BackoffBase: 2 * time.Second, BackoffMax: 2 * time.Second,
			RetentionCompleted: 50, RetentionFailed: 25, StalledTimeout: 45 * time.Second, MaxStalled: 1,
		},
		QueueErrorAggregation: {
			MaxAttempts: 3, BackoffType: BackoffExponential, BackoffBase: 2 * time.Second, BackoffMax: 30 * time.Second,
			RetentionCompleted: 100, RetentionFailed: 50, StalledTimeout: 60 * time.Second, MaxStalled: 1,
		},
	}
}

// ErrPaused is returned by Add when the target queue has been paused via
// the control surface (spec §6 POST /queue/{name}/pause).
var ErrPaused = errors.New("queue: queue is paused")

// Stats mirrors a BullMQ-style queue status snapshot (spec §6 GET /queue/stats).
type Stats struct {
	Queue     string `json:"queue"`
	Waiting   int64  `json:"waiting"`
	Active    int64  `json:"active"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Delayed   int64  `json:"delayed"`
	Paused    bool   `json:"paused"`
}

// Fabric is the Redis-backed reliable queue fabric. Keys are namespaced
// under "telemetry:queue:<name>:*".
type Fabric struct {
	rdb      *redis.Client
	policies map[string]Policy
}

// New builds a Fabric over rdb. policies overrides DefaultPolicies() for
// any named queue present in the map; all five queues always exist.
func New(rdb *redis.Client, policies map[string]Policy) *Fabric {
	merged := DefaultPolicies()
	for name, p := range policies {
		merged[name] = p
	}
	return &Fabric{rdb: rdb, policies: merged}
}

func (f *Fabric) keyWaiting(queue string) string   { return fmt.Sprintf("telemetry:queue:%s:waiting", queue) }
func (f *Fabric) keyActive(queue string) string    { return fmt.Sprintf("telemetry:queue:%s:active", queue) }
func (f *Fabric) keyDelayed(queue string) string   { return fmt.Sprintf("telemetry:queue:%s:delayed", queue) }
func (f *Fabric) keyJob(queue, id string) string   { return fmt.Sprintf("telemetry:queue:%s:job:%s", queue, id) }
func (f *Fabric) keyPaused(queue string) string    { return fmt.Sprintf("telemetry:queue:%s:paused", queue) }
func (f *Fabric) keyCompleted(queue string) string { return fmt.Sprintf("telemetry:queue:%s:completed", queue) }
func (f *Fabric) keyFailed(queue string) string    { return fmt.Sprintf("telemetry:queue:%s:failed", queue) }

// Add enqueues a job of the given type/payload onto queue, honoring
// priority via a sorted-set waiting list (lower score pops first; within
// equal priority, FIFO is preserved by a monotonically increasing
// sub-score component). Returns the job ID.
func (f *Fabric) Add(ctx context.Context, queue, jobType string, payload json.RawMessage, priority models.Priority) (string, error) {
	paused, err := f.rdb.Exists(ctx, f.keyPaused(queue)).Result()
	if err != nil {
		return "", fmt.Errorf("queue: check paused: %w", err)
	}
	if paused == 1 {
		return "", ErrPaused
	}

	policy := f.policyFor(queue)
	job := models.Job{
		ID:          uuid.NewString(),
		Queue:       queue,
		Type:        jobType,
		Payload:     payload,
		Priority:    priority,
		MaxAttempts: policy.MaxAttempts,
		State:       models.JobWaiting,
		EnqueuedAt:  time.Now().UTC(),
	}

	if policy.InitialDelay > 0 {
		runAt := job.EnqueuedAt.Add(policy.InitialDelay)
		job.State = models.JobDelayed
		job.DelayUntil = &runAt

		data, err := json.Marshal(job)
		if err != nil {
			return "", fmt.Errorf("queue: marshal job: %w", err)
		}
		pipe := f.rdb.TxPipeline()
		pipe.Set(ctx, f.keyJob(queue, job.ID), data, 0)
		pipe.ZAdd(ctx, f.keyDelayed(queue), redis.Z{Score: float64(runAt.UnixNano()), Member: job.ID})
		if _, err := pipe.Exec(ctx); err != nil {
			return "", fmt.Errorf("queue: enqueue delayed: %w", err)
		}
		return job.ID, nil
	}

	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("queue: marshal job: %w", err)
	}

	score := float64(-priority) + float64(job.EnqueuedAt.UnixNano())/1e18
	pipe := f.rdb.TxPipeline()
	pipe.Set(ctx, f.keyJob(queue, job.ID), data, 0)
	pipe.ZAdd(ctx, f.keyWaiting(queue), redis.Z{Score: score, Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}
	return job.ID, nil
}

// Reserve atomically pops the highest-priority waiting job and moves it to
// the active set, implementing the BRPOPLPUSH-style reliable dequeue: a
// job only leaves "active" via Complete/Fail, so a crashed worker leaves
// it recoverable by RecoverStalled. Returns (nil, false, nil) when empty.
func (f *Fabric) Reserve(ctx context.Context, queue string) (*models.Job, bool, error) {
	ids, err := f.rdb.ZPopMin(ctx, f.keyWaiting(queue), 1).Result()
	if err != nil {
		return nil, false, fmt.Errorf("queue: reserve: %w", err)
	}
	if len(ids) == 0 {
		return nil, false, nil
	}
	id, _ := ids[0].Member.(string)

	data, err := f.rdb.Get(ctx, f.keyJob(queue, id)).Bytes()
	if err != nil {
		return nil, false, fmt.Errorf("queue: load reserved job: %w", err)
	}
	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, false, fmt.Errorf("queue: decode reserved job: %w", err)
	}
	job.State = models.JobActive
	job.Attempts++

	data, _ = json.Marshal(job)
	pipe := f.rdb.TxPipeline()
	pipe.Set(ctx, f.keyJob(queue, id), data, 0)
	pipe.ZAdd(ctx, f.keyActive(queue), redis.Z{Score: float64(time.Now().UnixNano()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, false, fmt.Errorf("queue: mark active: %w", err)
	}
	return &job, true, nil
}

// Complete removes job from the active set, records it in the completed
// set trimmed to Policy.RetentionCompleted most-recent entries, and lets
// its job-hash record expire after cleanCompletedAfter (spec §4.7).
func (f *Fabric) Complete(ctx context.Context, queue, jobID string) error {
	pipe := f.rdb.TxPipeline()
	pipe.ZRem(ctx, f.keyActive(queue), jobID)
	pipe.ZAdd(ctx, f.keyCompleted(queue), redis.Z{Score: float64(time.Now().UnixNano()), Member: jobID})
	pipe.Expire(ctx, f.keyJob(queue, jobID), cleanCompletedAfter)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	return f.trimRetained(ctx, f.keyCompleted(queue), f.policyFor(queue).RetentionCompleted)
}

// trimRetained drops the oldest entries from a completed/failed sorted set
// once it holds more than keep records, implementing the job-retention
// counts of spec §4.7 independently of Clean's universal time cutoff.
func (f *Fabric) trimRetained(ctx context.Context, key string, keep int) error {
	if keep <= 0 {
		return nil
	}
	count, err := f.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("queue: count retained: %w", err)
	}
	if count <= int64(keep) {
		return nil
	}
	return f.rdb.ZRemRangeByRank(ctx, key, 0, count-int64(keep)-1).Err()
}

// Fail records a job failure. If attempts are exhausted it moves the job
// to the failed set, trimmed to Policy.RetentionFailed most-recent
// entries; otherwise it re-enqueues it delayed by the queue's backoff
// (fixed: always BackoffBase; exponential: BackoffBase doubled per
// attempt, capped at BackoffMax) (spec §4.7).
func (f *Fabric) Fail(ctx context.Context, queue, jobID string, causeErr error) error {
	policy := f.policyFor(queue)

	data, err := f.rdb.Get(ctx, f.keyJob(queue, jobID)).Bytes()
	if err != nil {
		return fmt.Errorf("queue: load failed job: %w", err)
	}
	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return fmt.Errorf("queue: decode failed job: %w", err)
	}
	job.LastError = causeErr.Error()

	pipe := f.rdb.TxPipeline()
	pipe.ZRem(ctx, f.keyActive(queue), jobID)

	if job.Attempts >= policy.MaxAttempts {
		job.State = models.JobFailed
		data, _ = json.Marshal(job)
		pipe.Set(ctx, f.keyJob(queue, jobID), data, 0)
		pipe.ZAdd(ctx, f.keyFailed(queue), redis.Z{Score: float64(time.Now().UnixNano()), Member: jobID})
		pipe.Expire(ctx, f.keyJob(queue, jobID), cleanFailedAfter)
	} else {
		backoff := policy.BackoffBase
		if policy.BackoffType != BackoffFixed {
			backoff = policy.BackoffBase * time.Duration(1<<uint(job.Attempts-1))
			if policy.BackoffMax > 0 && backoff > policy.BackoffMax {
				backoff = policy.BackoffMax
			}
		}
		runAt := time.Now().Add(backoff)
		job.State = models.JobDelayed
		job.DelayUntil = &runAt
		data, _ = json.Marshal(job)
		pipe.Set(ctx, f.keyJob(queue, jobID), data, 0)
		pipe.ZAdd(ctx, f.keyDelayed(queue), redis.Z{Score: float64(runAt.UnixNano()), Member: jobID})
	}

	failedTerminally := job.Attempts >= policy.MaxAttempts
	if _, err = pipe.Exec(ctx); err != nil {
		return err
	}
	if failedTerminally {
		return f.trimRetained(ctx, f.keyFailed(queue), policy.RetentionFailed)
	}
	return nil
}

// PromoteDelayed moves any delayed jobs whose DelayUntil has passed back
// onto the waiting list; workers should call this once per poll cycle.
func (f *Fabric) PromoteDelayed(ctx context.Context, queue string) (int, error) {
	now := float64(time.Now().UnixNano())
	ids, err := f.rdb.ZRangeByScore(ctx, f.keyDelayed(queue), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: scan delayed: %w", err)
	}
	for _, id := range ids {
		pipe := f.rdb.TxPipeline()
		pipe.ZRem(ctx, f.keyDelayed(queue), id)
		pipe.ZAdd(ctx, f.keyWaiting(queue), redis.Z{Score: float64(time.Now().UnixNano()), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("queue: promote delayed job %s: %w", id, err)
		}
	}
	return len(ids), nil
}

// RecoverStalled requeues active jobs that have sat past the queue's
// StalledTimeout, recovering work lost to a crashed worker. A job is only
// returned to waiting up to Policy.MaxStalled times; beyond that it is
// moved straight to the failed set instead of being requeued again, so a
// handler that always times out cannot loop stalled->active->stalled
// forever (spec §4.7 "Stalled recovery"). The returned count includes
// jobs permanently failed this way.
func (f *Fabric) RecoverStalled(ctx context.Context, queue string) (int, error) {
	policy := f.policyFor(queue)
	cutoff := float64(time.Now().Add(-policy.StalledTimeout).UnixNano())
	ids, err := f.rdb.ZRangeByScore(ctx, f.keyActive(queue), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", cutoff)}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: scan stalled: %w", err)
	}

	maxStalled := policy.MaxStalled
	if maxStalled <= 0 {
		maxStalled = 1
	}

	for _, id := range ids {
		data, err := f.rdb.Get(ctx, f.keyJob(queue, id)).Bytes()
		if err != nil {
			return 0, fmt.Errorf("queue: load stalled job %s: %w", id, err)
		}
		var job models.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return 0, fmt.Errorf("queue: decode stalled job %s: %w", id, err)
		}
		job.StalledCount++

		pipe := f.rdb.TxPipeline()
		pipe.ZRem(ctx, f.keyActive(queue), id)

		if job.StalledCount > maxStalled {
			job.State = models.JobFailed
			job.LastError = "queue: exceeded max stalled recoveries"
			encoded, _ := json.Marshal(job)
			pipe.Set(ctx, f.keyJob(queue, id), encoded, 0)
			pipe.ZAdd(ctx, f.keyFailed(queue), redis.Z{Score: float64(time.Now().UnixNano()), Member: id})
			pipe.Expire(ctx, f.keyJob(queue, id), cleanFailedAfter)
		} else {
			job.State = models.JobWaiting
			encoded, _ := json.Marshal(job)
			pipe.Set(ctx, f.keyJob(queue, id), encoded, 0)
			pipe.ZAdd(ctx, f.keyWaiting(queue), redis.Z{Score: float64(time.Now().UnixNano()), Member: id})
		}

		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("queue: recover stalled job %s: %w", id, err)
		}
		if job.StalledCount > maxStalled {
			if err := f.trimRetained(ctx, f.keyFailed(queue), policy.RetentionFailed); err != nil {
				return 0, err
			}
		}
	}
	return len(ids), nil
}

// Pause/Resume control intake for a queue (spec §6).
func (f *Fabric) Pause(ctx context.Context, queue string) error {
	return f.rdb.Set(ctx, f.keyPaused(queue), "1", 0).Err()
}

func (f *Fabric) Resume(ctx context.Context, queue string) error {
	return f.rdb.Del(ctx, f.keyPaused(queue)).Err()
}

// Stat reports a BullMQ-style snapshot for queue.
func (f *Fabric) Stat(ctx context.Context, queue string) (Stats, error) {
	pipe := f.rdb.Pipeline()
	waiting := pipe.ZCard(ctx, f.keyWaiting(queue))
	active := pipe.ZCard(ctx, f.keyActive(queue))
	completed := pipe.ZCard(ctx, f.keyCompleted(queue))
	failed := pipe.ZCard(ctx, f.keyFailed(queue))
	delayed := pipe.ZCard(ctx, f.keyDelayed(queue))
	paused := pipe.Exists(ctx, f.keyPaused(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue: stat: %w", err)
	}
	return Stats{
		Queue:     queue,
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
		Paused:    paused.Val() == 1,
	}, nil
}

// Clean drops completed/failed records past the universal cleanCompletedAfter/
// cleanFailedAfter cutoffs immediately, rather than waiting for Redis's lazy
// expiry. Applied identically across every queue regardless of its
// retention-count Policy (spec §6 POST /queue/{name}/clean; spec §4.7
// "Clean(queue, completed>24h, failed>7d)").
func (f *Fabric) Clean(ctx context.Context, queue string) error {
	completedCutoff := float64(time.Now().Add(-cleanCompletedAfter).UnixNano())
	failedCutoff := float64(time.Now().Add(-cleanFailedAfter).UnixNano())

	if err := f.rdb.ZRemRangeByScore(ctx, f.keyCompleted(queue), "-inf", fmt.Sprintf("%f", completedCutoff)).Err(); err != nil {
		return fmt.Errorf("queue: clean completed: %w", err)
	}
	if err := f.rdb.ZRemRangeByScore(ctx, f.keyFailed(queue), "-inf", fmt.Sprintf("%f", failedCutoff)).Err(); err != nil {
		return fmt.Errorf("queue: clean failed: %w", err)
	}
	return nil
}

func (f *Fabric) policyFor(queue string) Policy {
	if p, ok := f.policies[queue]; ok {
		return p
	}
	return Policy{MaxAttempts: 3, BackoffBase: 2 * time.Second, BackoffMax: 30 * time.Second, RetentionCompleted: 100, RetentionFailed: 50, StalledTimeout: 30 * time.Second, MaxStalled: 1}
}
