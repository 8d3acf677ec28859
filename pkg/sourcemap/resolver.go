// Copyright (C) 2026 monitor-sub002 contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package sourcemap implements the source-map resolver (spec §4.3): it
// maps a minified (file, line, col) to the original (source, line, col,
// name) plus surrounding context lines, backed by an LRU-bounded cache of
// parsed consumers so the same map isn't re-parsed on every frame.
package sourcemap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lqt0707/monitor-sub002/internal/apperrors"
	"github.com/lqt0707/monitor-sub002/internal/metrics"
	"github.com/lqt0707/monitor-sub002/pkg/stackparser"
)

// DefaultContextLines is the ±N window spec §4.3 extracts around a resolved
// line when the map carries embedded source content.
const DefaultContextLines = 5

// ResolvedFrame is the output of resolving one stack frame.
type ResolvedFrame struct {
	Frame stackparser.Frame

	Resolved bool

	OriginalSource string
	OriginalLine   int
	OriginalColumn int
	FunctionName   string

	ContextLines []string
	StartLine    int
	EndLine      int
}

// Resolver resolves stack frames against uploaded source-maps. StoragePath
// is the root under which maps live at
// <StoragePath>/<projectId>/<version>/sourcemaps/<basename>.map.
type Resolver struct {
	StoragePath string

	cache   *consumerCache
	metrics *metrics.Registry
}

// New builds a Resolver rooted at storagePath. metricsRegistry may be nil
// in tests.
func New(storagePath string, metricsRegistry *metrics.Registry) *Resolver {
	r := &Resolver{StoragePath: storagePath, metrics: metricsRegistry}
	r.cache = newConsumerCache(func() {
		if metricsRegistry != nil {
			metricsRegistry.SourcemapCacheEvictions.Inc()
		}
	})
	return r
}

// CacheLen reports the current number of cached consumers; exercised by
// tests asserting the §8 "cache size is 100" eviction property.
func (r *Resolver) CacheLen() int {
	return r.cache.len()
}

// ClearCache purges every cached consumer, firing destroy on each — backs
// the POST /error-location/clear-cache operation (spec §6).
func (r *Resolver) ClearCache() {
	r.cache.purge()
	if r.metrics != nil {
		r.metrics.SourcemapCacheSize.Set(0)
	}
}

// Resolve resolves every frame in frames against the map stored for
// (projectID, version).
func (r *Resolver) Resolve(ctx context.Context, projectID, version string, frames []stackparser.Frame) ([]ResolvedFrame, error) {
	out := make([]ResolvedFrame, len(frames))
	for i, f := range frames {
		rf, err := r.ResolveOne(ctx, projectID, version, f)
		if err != nil {
			return nil, err
		}
		out[i] = rf
	}
	return out, nil
}

// ResolveOne resolves a single frame. A missing map is not an error: the
// frame comes back unresolved (spec §4.3, §7 "missing file never exception").
func (r *Resolver) ResolveOne(ctx context.Context, projectID, version string, frame stackparser.Frame) (ResolvedFrame, error) {
	result := ResolvedFrame{Frame: frame}

	mapPath, ok := r.locateMapFile(projectID, version, frame.File)
	if !ok {
		r.record("missing")
		return result, nil
	}

	cons, err := r.loadConsumer(mapPath)
	if err != nil {
		r.record("corrupt")
		return result, apperrors.Wrap(apperrors.KindBadRequest, "source map is corrupt", err)
	}

	source, name, origLine, origCol, ok := cons.OriginalPosition(frame.Line, frame.Col)
	if !ok {
		r.record("missing")
		return result, nil
	}

	result.Resolved = true
	result.OriginalSource = source
	result.OriginalLine = origLine
	result.OriginalColumn = origCol
	result.FunctionName = name

	lines, start, end := cons.contextLines(source, origLine, DefaultContextLines)
	result.ContextLines = lines
	result.StartLine = start
	result.EndLine = end

	r.record("resolved")
	return result, nil
}

func (r *Resolver) record(outcome string) {
	if r.metrics != nil {
		r.metrics.SourcemapResolveTotal.WithLabelValues(outcome).Inc()
	}
}

// loadConsumer returns the cached consumer for mapPath, parsing and
// caching it on first use.
func (r *Resolver) loadConsumer(mapPath string) (*consumer, error) {
	if cons, ok := r.cache.get(mapPath); ok {
		return cons, nil
	}

	raw, err := os.ReadFile(mapPath)
	if err != nil {
		return nil, fmt.Errorf("sourcemap: read %s: %w", mapPath, err)
	}

	cons, err := newConsumer(raw, mapPath)
	if err != nil {
		return nil, fmt.Errorf("sourcemap: parse %s: %w", mapPath, err)
	}

	r.cache.put(mapPath, cons)
	if r.metrics != nil {
		r.metrics.SourcemapCacheSize.Set(float64(r.cache.len()))
	}
	return cons, nil
}

// locateMapFile computes <storage>/<projectId>/<version>/sourcemaps/<basename(file)>.map
// and falls back to a directory scan for <basename>_<timestamp>.map (spec §4.3).
func (r *Resolver) locateMapFile(projectID, version, file string) (string, bool) {
	dir := filepath.Join(r.StoragePath, projectID, version, "sourcemaps")
	base := filepath.Base(stripQuery(file))

	direct := filepath.Join(dir, base+".map")
	if fileExists(direct) {
		return direct, true
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	prefix := base + "_"
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ".map") {
			return filepath.Join(dir, name), true
		}
	}
	return "", false
}

func stripQuery(file string) string {
	if idx := strings.IndexAny(file, "?#"); idx >= 0 {
		return file[:idx]
	}
	return file
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
