/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package errreport

// ring is a fixed-capacity FIFO that evicts its oldest entry when full.
// It is not safe for concurrent use; Reporter guards it.
type ring[T any] struct {
	entries  []T
	capacity int
	head     int // index of the oldest entry once full
	total    int64
}

func newRing[T any](capacity int) *ring[T] {
	if capacity < 1 {
		capacity = 1
	}

	return &ring[T]{entries: make([]T, 0, capacity), capacity: capacity}
}

// push appends v and returns the evicted entry, if any.
func (r *ring[T]) push(v T) (T, bool) {
	var evicted T

	r.total++

	if len(r.entries) < r.capacity {
		r.entries = append(r.entries, v)
		return evicted, false
	}

	evicted = r.entries[r.head]
	r.entries[r.head] = v
	r.head = (r.head + 1) % r.capacity

	return evicted, true
}

// all returns the entries oldest first.
func (r *ring[T]) all() []T {
	out := make([]T, 0, len(r.entries))
	out = append(out, r.entries[r.head:]...)
	out = append(out, r.entries[:r.head]...)

	return out
}

// removeIf drops matching entries, keeping order.
func (r *ring[T]) removeIf(match func(T) bool) int {
	kept := make([]T, 0, r.capacity)
	removed := 0

	for _, v := range r.all() {
		if match(v) {
			removed++
			continue
		}

		kept = append(kept, v)
	}

	r.entries = kept
	r.head = 0

	return removed
}

func (r *ring[T]) len() int {
	return len(r.entries)
}
