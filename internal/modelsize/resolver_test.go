// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package modelsize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolve_TagPattern(t *testing.T) {
	r := NewRules(nil, nil, 7)
	assert.Equal(t, 30, r.Resolve("qwen3-coder", "qwen3-coder:30b"))
}

func TestResolve_PatternPrecedence(t *testing.T) {
	r := NewRules(map[string]int{"30b": 30, "3b": 3}, nil, 7)
	assert.Equal(t, 30, r.Resolve("deepseek-30b-instruct", ""))
}

func TestResolve_ExactMapping(t *testing.T) {
	r := NewRules(nil, map[string]int{"mystery-model": 42}, 7)
	assert.Equal(t, 42, r.Resolve("mystery-model", "mystery-model:latest"))
}

func TestResolve_FullNameMappingFallback(t *testing.T) {
	r := NewRules(nil, map[string]int{"mystery-model:latest": 42}, 7)
	assert.Equal(t, 42, r.Resolve("mystery-model", "mystery-model:latest"))
}

func TestResolve_BaseNamePattern(t *testing.T) {
	r := NewRules(nil, nil, 7)
	assert.Equal(t, 70, r.Resolve("llama-70b-chat", ""))
}

func TestResolve_Default(t *testing.T) {
	r := NewRules(nil, nil, 7)
	assert.Equal(t, 7, r.Resolve("brand-new-model", ""))
}

func TestResolve_EmptyBase(t *testing.T) {
	r := NewRules(nil, nil, 11)
	assert.Equal(t, 11, r.Resolve("", ""))
}

func TestResolve_Deterministic(t *testing.T) {
	r := NewRules(map[string]int{"30b": 30}, map[string]int{"x": 9}, 7)
	first := r.Resolve("x-30b", "x-30b:latest")
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, r.Resolve("x-30b", "x-30b:latest"))
	}
}

func TestSplitTag(t *testing.T) {
	assert.Equal(t, "qwen3-coder", SplitTag("qwen3-coder:30b"))
	assert.Equal(t, "qwen3-coder", SplitTag("qwen3-coder"))
}
