// Copyright (C) 2026 monitor-sub002 contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sourcemap

import (
	"strings"

	gosourcemap "github.com/go-sourcemap/sourcemap"
)

// consumer wraps the parsed go-sourcemap Consumer plus the map's embedded
// source content (when present), so context-line extraction doesn't need a
// second round-trip to disk.
type consumer struct {
	inner   *gosourcemap.Consumer
	sources map[string][]string // source name -> lines, lazily split on demand
}

func newConsumer(raw []byte, mapPath string) (*consumer, error) {
	inner, err := gosourcemap.Parse(mapPath, raw)
	if err != nil {
		return nil, err
	}
	return &consumer{inner: inner, sources: make(map[string][]string)}, nil
}

// OriginalPosition resolves a minified (line, col) to {source, line, column,
// name}, matching the "originalPositionFor" contract of spec §4.3.
func (c *consumer) OriginalPosition(line, col int) (source, name string, origLine, origCol int, ok bool) {
	source, name, origLine, origCol, ok = c.inner.Source(line, col)
	return
}

// contextLines returns up to 2*radius+1 lines of the named source centered
// on targetLine, clamped to [1, lineCount] per spec §4.3/§8.
func (c *consumer) contextLines(source string, targetLine, radius int) (lines []string, startLine, endLine int) {
	all := c.sourceLines(source)
	if len(all) == 0 {
		return nil, 0, 0
	}

	start := targetLine - radius
	if start < 1 {
		start = 1
	}
	end := targetLine + radius
	if end > len(all) {
		end = len(all)
	}
	if start > end {
		return nil, 0, 0
	}

	return append([]string(nil), all[start-1:end]...), start, end
}

func (c *consumer) sourceLines(source string) []string {
	if lines, ok := c.sources[source]; ok {
		return lines
	}
	content := c.inner.SourceContent(source)
	if content == "" {
		c.sources[source] = nil
		return nil
	}
	lines := strings.Split(content, "\n")
	c.sources[source] = lines
	return lines
}

// destroy releases the parsed consumer's resources. go-sourcemap's
// Consumer holds no external handles (no fds, no goroutines) so the
// release step is dropping the reference, but it is still called through
// the same deterministic path as a real resource so eviction behavior is
// uniform (spec §9 "destroy() callback" pattern).
func (c *consumer) destroy() {
	c.inner = nil
	c.sources = nil
}
