// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package modelsize estimates a model's parameter count in billions from its
// name, so the Scheduler can match it against a node's supported hardware
// range.
//
// Resolve is a pure function: the same (base, full) pair always returns the
// same size, and the match order below is contractual — changing it changes
// routing decisions across the fleet.
package modelsize

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// paramPattern matches a parameter-count token such as "30b", "30-b",
// "30_b", "30b-instruct" (case handled by callers lower-casing first).
var paramPattern = regexp.MustCompile(`(\d+)\s*[-_]?\s*b\b`)

// Rules is an immutable snapshot of the size-inference configuration: an
// exact full/base-name mapping, a substring-pattern mapping, and a default.
// A Rules value is swapped wholesale on config reload; it is never mutated
// in place.
type Rules struct {
	// NamePatterns maps a substring to a size in B. Scanned largest-value
	// first so "30b" is not shadowed by a "3b" pattern.
	NamePatterns map[string]int
	// NameMapping is an exact full-name or base-name match.
	NameMapping map[string]int
	// Default is returned when nothing else matches.
	Default int

	// sortedPatterns caches NamePatterns sorted by descending size, built
	// once by NewRules so Resolve never sorts on the hot path.
	sortedPatterns []patternEntry
}

type patternEntry struct {
	pattern string
	size    int
}

// NewRules builds a Rules snapshot from raw maps and a default size,
// pre-sorting the pattern table.
func NewRules(namePatterns, nameMapping map[string]int, defaultSize int) *Rules {
	r := &Rules{
		NamePatterns: namePatterns,
		NameMapping:  nameMapping,
		Default:      defaultSize,
	}
	for p, s := range namePatterns {
		r.sortedPatterns = append(r.sortedPatterns, patternEntry{pattern: strings.ToLower(p), size: s})
	}
	sort.SliceStable(r.sortedPatterns, func(i, j int) bool {
		return r.sortedPatterns[i].size > r.sortedPatterns[j].size
	})
	return r
}

// Resolve estimates the parameter count in billions for a model, given its
// tag-stripped base name and (optionally) its full name including tag.
//
// Match order (first hit wins), per spec.md §4.2:
//  1. A parameter-count token in the tag portion of full (after the last
//     colon).
//  2. A parameter-count token anywhere in full.
//  3. An exact match of base, then of full, against NameMapping.
//  4. The largest-first substring scan of NamePatterns against
//     lower(base).
//  5. A parameter-count token in base.
//  6. Default.
func (r *Rules) Resolve(base, full string) int {
	if base == "" {
		return r.Default
	}

	if full != "" {
		fullLower := strings.ToLower(full)
		if idx := strings.LastIndex(full, ":"); idx >= 0 {
			tag := strings.ToLower(full[idx+1:])
			if size, ok := matchParamPattern(tag); ok {
				return size
			}
		}
		if size, ok := matchParamPattern(fullLower); ok {
			return size
		}
	}

	if size, ok := r.NameMapping[base]; ok {
		return size
	}
	if full != "" {
		if size, ok := r.NameMapping[full]; ok {
			return size
		}
	}

	baseLower := strings.ToLower(base)
	for _, entry := range r.sortedPatterns {
		if strings.Contains(baseLower, entry.pattern) {
			return entry.size
		}
	}

	if size, ok := matchParamPattern(baseLower); ok {
		return size
	}

	return r.Default
}

func matchParamPattern(s string) (int, bool) {
	m := paramPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// SplitTag returns a model identifier's tag-stripped base name: everything
// before the first colon. "qwen3-coder:30b" -> "qwen3-coder". A name with no colon is
// returned unchanged as the base.
func SplitTag(full string) (base string) {
	if idx := strings.Index(full, ":"); idx >= 0 {
		return full[:idx]
	}
	return full
}
