// Copyright (C) 2026 monitor-sub002 contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lqt0707/monitor-sub002/pkg/queue"
)

// QueueStore is the job-queue fabric port the control surface drives
// (spec §4.7, §6 /queue).
type QueueStore interface {
	Stat(ctx context.Context, name string) (queue.Stats, error)
	Pause(ctx context.Context, name string) error
	Resume(ctx context.Context, name string) error
	Clean(ctx context.Context, name string) error
}

var queueNames = []string{
	queue.QueueErrorProcessing,
	queue.QueueAIDiagnosis,
	queue.QueueEmailNotification,
	queue.QueueSourcemapProcessing,
	queue.QueueErrorAggregation,
}

// getQueueStats handles GET /queue/stats: a BullMQ-style snapshot of every
// named queue (spec §4.7, §6).
func (a *API) getQueueStats(c *gin.Context) {
	stats := make([]queue.Stats, 0, len(queueNames))
	for _, name := range queueNames {
		s, err := a.Queue.Stat(c.Request.Context(), name)
		if err != nil {
			fail(c, err)
			return
		}
		stats = append(stats, s)
	}
	ok(c, http.StatusOK, gin.H{"queues": stats})
}

// postQueuePause handles POST /queue/:name/pause.
func (a *API) postQueuePause(c *gin.Context) {
	if err := a.Queue.Pause(c.Request.Context(), c.Param("name")); err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"queue": c.Param("name"), "paused": true})
}

// postQueueResume handles POST /queue/:name/resume.
func (a *API) postQueueResume(c *gin.Context) {
	if err := a.Queue.Resume(c.Request.Context(), c.Param("name")); err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"queue": c.Param("name"), "paused": false})
}

// postQueueClean handles POST /queue/:name/clean.
func (a *API) postQueueClean(c *gin.Context) {
	if err := a.Queue.Clean(c.Request.Context(), c.Param("name")); err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"queue": c.Param("name"), "cleaned": true})
}
