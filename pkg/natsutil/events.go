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

package natsutil

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	EventSource             = "proberadar/collector"
	EventTypeFramesIngested = "com.carverauto.proberadar.frames.ingested"
	EventTypeSessionOpened  = "com.carverauto.proberadar.session.opened"

	eventSubjectRoot = "events.proberadar"
)

// CloudEvent is the CloudEvents 1.0 JSON envelope.
type CloudEvent struct {
	SpecVersion     string      `json:"specversion"`
	ID              string      `json:"id"`
	Source          string      `json:"source"`
	Type            string      `json:"type"`
	DataContentType string      `json:"datacontenttype,omitempty"`
	Subject         string      `json:"subject,omitempty"`
	Time            *time.Time  `json:"time,omitempty"`
	Data            interface{} `json:"data,omitempty"`
}

// FramesIngestedData describes one accepted batch.
type FramesIngestedData struct {
	DeviceID   string    `json:"device_id"`
	BatchID    string    `json:"batch_id"`
	Accepted   int       `json:"accepted"`
	Duplicates int       `json:"duplicates"`
	Timestamp  time.Time `json:"timestamp"`
}

// SessionOpenedData describes a newly issued device session.
type SessionOpenedData struct {
	DeviceID     string    `json:"device_id"`
	Epoch        int64     `json:"epoch"`
	AgentVersion string    `json:"agent_version,omitempty"`
	Hostname     string    `json:"hostname,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// FramesSubject is where ingest events for deviceID are published.
func FramesSubject(deviceID string) string {
	return eventSubjectRoot + ".frames." + subjectToken(deviceID)
}

// SessionSubject is where session events for deviceID are published.
func SessionSubject(deviceID string) string {
	return eventSubjectRoot + ".session." + subjectToken(deviceID)
}

func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}

		return r
	}, s)
}

// EventPublisher provides methods for publishing CloudEvents to NATS JetStream.
type EventPublisher struct {
	js     jetstream.JetStream
	stream string
}

// NewEventPublisher creates or updates stream so that it captures every
// collector event subject.
func NewEventPublisher(ctx context.Context, nc *nats.Conn, stream string) (*EventPublisher, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     stream,
		Subjects: []string{eventSubjectRoot + ".>"},
		MaxAge:   7 * 24 * time.Hour,
	}); err != nil {
		return nil, fmt.Errorf("failed to create stream %s: %w", stream, err)
	}

	return &EventPublisher{js: js, stream: stream}, nil
}

// Stream is the JetStream stream events land in.
func (p *EventPublisher) Stream() string {
	return p.stream
}

// PublishFramesIngested publishes an ingest event.
func (p *EventPublisher) PublishFramesIngested(ctx context.Context, data FramesIngestedData) error {
	return p.publish(ctx, FramesSubject(data.DeviceID), EventTypeFramesIngested, data.Timestamp, data)
}

// PublishSessionOpened publishes a session event.
func (p *EventPublisher) PublishSessionOpened(ctx context.Context, data SessionOpenedData) error {
	return p.publish(ctx, SessionSubject(data.DeviceID), EventTypeSessionOpened, data.Timestamp, data)
}

func (p *EventPublisher) publish(ctx context.Context, subject, eventType string, ts time.Time, data interface{}) error {
	event := CloudEvent{
		SpecVersion:     "1.0",
		ID:              uuid.New().String(),
		Source:          EventSource,
		Type:            eventType,
		DataContentType: "application/json",
		Subject:         subject,
		Time:            &ts,
		Data:            data,
	}

	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}

	if _, err := p.js.Publish(ctx, subject, eventBytes); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", eventType, err)
	}

	return nil
}
