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

// Package uploader drains the local spool to the collector's ingest
// endpoint in batches, acknowledging on success and requeueing on failure.
package uploader

//go:generate mockgen -destination=mock_uploader.go -package=uploader github.com/carverauto/proberadar/pkg/uploader Queue,Sender,Reporter,Clock

import (
	"context"
	"time"

	"github.com/carverauto/proberadar/pkg/models"
	"github.com/carverauto/proberadar/pkg/session"
)

// Queue is the part of the spool the batcher drives. The batcher is the only
// caller of Acknowledge and Requeue.
type Queue interface {
	PeekBatch(ctx context.Context, limit int) ([]models.QueueEntry, error)
	Acknowledge(ctx context.Context, ids []int64) error
	Requeue(ctx context.Context, ids []int64) error
}

// Sender delivers a payload over the authenticated session.
type Sender interface {
	Send(ctx context.Context, path string, payload []byte) (session.Reply, error)
}

// Reporter receives delivery failures.
type Reporter interface {
	Report(ctx context.Context, message string, severity models.Severity, forward bool)
}

// Clock abstracts time-related operations.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// realClock implements Clock using the real time package.
type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
