// Copyright (C) 2026 monitor-sub002 contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package fingerprint computes the stable structural identifier used to
// group same-shape errors into one aggregation (spec §4.1). The function
// is pure: same canonical input always produces the same hash, and no
// store or clock is touched.
package fingerprint

import (
	"crypto/md5"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"

	"github.com/lqt0707/monitor-sub002/pkg/stackparser"
)

const maxMessageLen = 200

var (
	thirdPartyMarkers = []string{"/node_modules/", "/.git/"}

	numericLiteralRe = regexp.MustCompile(`-?\d+(\.\d+)?`)
	quotedStringRe    = regexp.MustCompile(`'[^']*'|"[^"]*"|` + "`[^`]*`")
	hexBlobRe         = regexp.MustCompile(`\b0[xX][0-9a-fA-F]+\b`)
	addressRe         = regexp.MustCompile(`\b[0-9a-fA-F]{12,}\b`)
)

// Fingerprint computes the hex-encoded structural hash of an error.
//
// Canonicalization (spec §4.1):
//   - each stack frame is reduced to "function@file:line", column dropped
//   - anonymous/native frames collapse to the literal "<anon>"
//   - file paths are lowercased
//   - line numbers are dropped for frames under /node_modules/ or /.git/
//   - the message is truncated to 200 runes and literals are stripped
//
// The resulting hash covers the ordered canonical frames, the canonical
// message, and sourceFile, so the same structural shape always yields the
// same fingerprint regardless of whitespace or occurrence-specific data.
func Fingerprint(stack, message, sourceFile string) string {
	frames := stackparser.Parse(stack)

	var b strings.Builder
	for _, f := range frames {
		b.WriteString(canonicalizeFrame(f))
		b.WriteByte('\n')
	}
	b.WriteString("||msg=")
	b.WriteString(canonicalizeMessage(message))
	b.WriteString("||src=")
	b.WriteString(strings.ToLower(sourceFile))

	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func canonicalizeFrame(f stackparser.Frame) string {
	fn := f.Function
	if fn == "" || fn == "<anonymous>" || strings.Contains(fn, "native code") {
		fn = "<anon>"
	}

	file := strings.ToLower(f.File)

	line := ""
	if !isThirdParty(file) {
		line = strconv.Itoa(f.Line)
	}

	return fn + "@" + file + ":" + line
}

func isThirdParty(file string) bool {
	for _, marker := range thirdPartyMarkers {
		if strings.Contains(file, marker) {
			return true
		}
	}
	return false
}

func canonicalizeMessage(message string) string {
	runes := []rune(message)
	if len(runes) > maxMessageLen {
		runes = runes[:maxMessageLen]
	}
	msg := string(runes)

	msg = quotedStringRe.ReplaceAllString(msg, "<str>")
	msg = hexBlobRe.ReplaceAllString(msg, "<hex>")
	msg = addressRe.ReplaceAllString(msg, "<addr>")
	msg = numericLiteralRe.ReplaceAllString(msg, "<num>")

	return msg
}
