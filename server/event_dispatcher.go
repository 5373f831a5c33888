// Copyright 2024 The Nakama Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Typed room events. Payloads are opaque to the dispatcher.
const (
	EventTopicComplete    = "topic-complete"
	EventProgressUpdate   = "progress-update"
	EventKanbanUpdate     = "kanban-update"
	EventStreakUpdate     = "streak-update"
	EventQuizUnlocked     = "quiz-unlocked"
	EventSessionTimerSync = "session-timer-sync"
)

var typedEvents = []string{
	EventTopicComplete,
	EventProgressUpdate,
	EventKanbanUpdate,
	EventStreakUpdate,
	EventQuizUnlocked,
	EventSessionTimerSync,
}

var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrInvalidPayload   = errors.New("payload must be a JSON object")
)

func IsTypedEvent(event string) bool {
	return lo.Contains(typedEvents, event)
}

// EventDispatcher routes typed events by room or user. It does not interpret payloads.
type EventDispatcher struct {
	logger  *zap.Logger
	metrics Metrics
	router  MessageRouter
}

func NewEventDispatcher(logger *zap.Logger, metrics Metrics, router MessageRouter) *EventDispatcher {
	return &EventDispatcher{
		logger:  logger,
		metrics: metrics,
		router:  router,
	}
}

// BroadcastToRoom delivers the event to every connection subscribed to the room, except the excluded ones.
// It returns the number of connections the event was queued for.
func (d *EventDispatcher) BroadcastToRoom(roomID, event string, payload json.RawMessage, exclude ...uuid.UUID) (int, error) {
	envelope, err := d.envelope(event, payload)
	if err != nil {
		return 0, err
	}
	n := d.router.SendToRoom(roomID, exclude, envelope)
	if n == 0 {
		d.metrics.EventDropped(event)
	}
	d.logger.Debug("Dispatched room event", zap.String("room_id", roomID), zap.String("event", event), zap.Int("recipients", n))
	return n, nil
}

// EmitToUser delivers the event to every connection of the user.
func (d *EventDispatcher) EmitToUser(userID, event string, payload json.RawMessage) (int, error) {
	envelope, err := d.envelope(event, payload)
	if err != nil {
		return 0, err
	}
	n := d.router.SendToUser(userID, envelope)
	if n == 0 {
		d.metrics.EventDropped(event)
	}
	d.logger.Debug("Dispatched user event", zap.String("uid", userID), zap.String("event", event), zap.Int("recipients", n))
	return n, nil
}

func (d *EventDispatcher) envelope(event string, payload json.RawMessage) (*Envelope, error) {
	if !IsTypedEvent(event) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, event)
	}
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		payload = json.RawMessage("{}")
	} else if !json.Valid(payload) || payload[0] != '{' {
		return nil, ErrInvalidPayload
	}
	return NewEnvelope(event, payload), nil
}
