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

package models

import "time"

// QueueEntry is a captured frame plus its delivery bookkeeping while it
// waits in the local spool.
type QueueEntry struct {
	ID            int64         `json:"id"`
	Frame         CapturedFrame `json:"frame"`
	EnqueuedAt    time.Time     `json:"enqueued_at"`
	Attempts      int           `json:"attempts"`
	LastAttemptAt time.Time     `json:"last_attempt_at,omitempty"`
}

// QueueStats summarizes spool occupancy.
type QueueStats struct {
	Pending        int64 `json:"pending"`
	Leased         int64 `json:"leased"`
	BytesOnDisk    int64 `json:"bytes_on_disk"`
	EvictedTotal   int64 `json:"evicted_total"`
	SpilledErrors  int64 `json:"spilled_errors"`
	StagedInMemory int   `json:"staged_in_memory"`
}

// EntryIDs collects the identifiers of a batch.
func EntryIDs(entries []QueueEntry) []int64 {
	ids := make([]int64, len(entries))
	for i := range entries {
		ids[i] = entries[i].ID
	}

	return ids
}
