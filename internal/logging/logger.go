// Copyright (C) 2026 monitor-sub002 contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides the structured logger shared by the ingestion
// API, every worker, and the retention scheduler.
//
// # Architecture
//
// Built directly on log/slog: JSON output in production, a human-readable
// text handler in development. Every log call made through a request's
// logger carries that request's correlation id, so a failure on the
// request path (spec §9: "never discard") can be traced back to the
// request that caused it. Queue worker logs carry the queue name and job
// id instead.
//
// # Usage
//
//	logger := logging.New(logging.Config{Service: "ingestion-api"})
//	logger.Info("report accepted", "project_id", projectID, "correlation_id", cid)
package logging

import (
	"context"
	"log/slog"
	"os"
)

// Config controls how New builds a Logger.
type Config struct {
	// Service is attached to every record as the "service" attribute.
	Service string
	// Level is the minimum level emitted. Defaults to Info.
	Level slog.Level
	// Development switches to a text handler with source locations instead
	// of JSON; intended for local runs, never production.
	Development bool
}

// Logger wraps *slog.Logger with the correlation-id helpers the rest of the
// codebase relies on to satisfy spec §9's "surface, never discard" rule.
type Logger struct {
	*slog.Logger
}

// New builds a Logger per Config.
func New(cfg Config) *Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level, AddSource: cfg.Development}

	var handler slog.Handler
	if cfg.Development {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	base := slog.New(handler)
	if cfg.Service != "" {
		base = base.With("service", cfg.Service)
	}
	return &Logger{Logger: base}
}

// correlationIDKey is the context key under which WithCorrelationID stores
// the request/job correlation id.
type correlationIDKey struct{}

// WithCorrelationID returns a context carrying cid for later retrieval by
// CorrelationID, and a logger pre-bound with it.
func WithCorrelationID(ctx context.Context, l *Logger, cid string) (context.Context, *Logger) {
	ctx = context.WithValue(ctx, correlationIDKey{}, cid)
	return ctx, &Logger{Logger: l.With("correlation_id", cid)}
}

// CorrelationID retrieves the id stored by WithCorrelationID, or "" if none.
func CorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return v
	}
	return ""
}

// Nop returns a Logger that discards everything; used by unit tests that
// don't want log noise but still need a non-nil *Logger.
func Nop() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError + 100}))}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
