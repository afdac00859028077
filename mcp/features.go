// Copyright 2025 The mcpgo Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// This file contains a collection type shared by every feature a server or
// client registers: tools, prompts, resources, resource templates and
// roots all have a unique name or URI and no defined ordering, so each is
// backed by the same featureSet.

package mcp

import (
	"iter"
	"maps"
	"slices"
)

// A featureSet is a collection of features of type T, keyed by a unique ID
// derived from each feature.
type featureSet[T any] struct {
	uniqueID   func(T) string
	features   map[string]T
	sortedKeys []string // lazily computed; nil after add or remove
}

// newFeatureSet creates a new featureSet for features of type T. uniqueID
// returns the unique ID for a single feature.
func newFeatureSet[T any](uniqueID func(T) string) *featureSet[T] {
	return &featureSet[T]{
		uniqueID: uniqueID,
		features: make(map[string]T),
	}
}

// add adds each feature to the set, replacing any with the same ID.
func (s *featureSet[T]) add(fs ...T) {
	for _, f := range fs {
		s.features[s.uniqueID(f)] = f
	}
	s.sortedKeys = nil
}

// remove deletes the features with the given ids, if present, and reports
// whether any were removed.
func (s *featureSet[T]) remove(ids ...string) bool {
	changed := false
	for _, id := range ids {
		if _, ok := s.features[id]; ok {
			changed = true
			delete(s.features, id)
		}
	}
	if changed {
		s.sortedKeys = nil
	}
	return changed
}

// get returns the feature with the given id, if present.
func (s *featureSet[T]) get(id string) (T, bool) {
	t, ok := s.features[id]
	return t, ok
}

// len reports the number of features in the set.
func (s *featureSet[T]) len() int {
	return len(s.features)
}

// all iterates over every feature in the set, in ascending ID order.
func (s *featureSet[T]) all() iter.Seq[T] {
	s.sortKeys()
	return func(yield func(T) bool) {
		s.yieldFrom(0, yield)
	}
}

// above iterates over features whose ID sorts strictly after id.
func (s *featureSet[T]) above(id string) iter.Seq[T] {
	s.sortKeys()
	index, found := slices.BinarySearch(s.sortedKeys, id)
	if found {
		index++
	}
	return func(yield func(T) bool) {
		s.yieldFrom(index, yield)
	}
}

func (s *featureSet[T]) sortKeys() {
	if s.sortedKeys != nil {
		return
	}
	s.sortedKeys = slices.Sorted(maps.Keys(s.features))
}

func (s *featureSet[T]) yieldFrom(index int, yield func(T) bool) {
	for i := index; i < len(s.sortedKeys); i++ {
		if !yield(s.features[s.sortedKeys[i]]) {
			return
		}
	}
}
