// Copyright 2025 The axfor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package syncmap provides a typed wrapper around sync.Map for registries
// that are read on every lookup and written rarely.
package syncmap

import (
	"cmp"
	"slices"
	"sync"
)

// Map is a typed sync.Map
type Map[K cmp.Ordered, V comparable] struct {
	m sync.Map
}

// NewMap creates an empty map
func NewMap[K cmp.Ordered, V comparable]() *Map[K, V] {
	return &Map[K, V]{}
}

// Load returns the value stored for key
func (m *Map[K, V]) Load(key K) (value V, ok bool) {
	v, ok := m.m.Load(key)
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

// LoadOrStore returns the existing value for key if present; otherwise it
// stores value. loaded reports whether the value was already there.
func (m *Map[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	v, loaded := m.m.LoadOrStore(key, value)
	return v.(V), loaded
}

// CompareAndDelete deletes key only while it still maps to old
func (m *Map[K, V]) CompareAndDelete(key K, old V) (deleted bool) {
	return m.m.CompareAndDelete(key, old)
}

// Len counts the entries; O(n)
func (m *Map[K, V]) Len() int {
	count := 0
	m.m.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

// Keys returns the keys in ascending order
func (m *Map[K, V]) Keys() []K {
	keys := []K{}
	m.m.Range(func(key, _ interface{}) bool {
		keys = append(keys, key.(K))
		return true
	})
	slices.Sort(keys)
	return keys
}
