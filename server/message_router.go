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
	"encoding/json"

	"github.com/gofrs/uuid/v5"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// MessageRouter delivers envelopes to sessions. Delivery is best-effort: targets that are gone are skipped and
// nothing is retried. Each method returns the number of sessions the envelopes were queued for.
type MessageRouter interface {
	SendToSession(sessionID uuid.UUID, envelopes ...*Envelope) int
	SendToUser(userID string, envelopes ...*Envelope) int
	SendToRoom(roomID string, exclude []uuid.UUID, envelopes ...*Envelope) int
	SendToAll(exclude []uuid.UUID, envelopes ...*Envelope) int
}

type LocalMessageRouter struct {
	logger          *zap.Logger
	metrics         Metrics
	sessionRegistry SessionRegistry
	connections     *ConnectionRegistry
	rooms           *RoomRegistry
}

func NewLocalMessageRouter(logger *zap.Logger, metrics Metrics, sessionRegistry SessionRegistry, connections *ConnectionRegistry, rooms *RoomRegistry) MessageRouter {
	return &LocalMessageRouter{
		logger:          logger,
		metrics:         metrics,
		sessionRegistry: sessionRegistry,
		connections:     connections,
		rooms:           rooms,
	}
}

func (r *LocalMessageRouter) SendToSession(sessionID uuid.UUID, envelopes ...*Envelope) int {
	session := r.sessionRegistry.Get(sessionID)
	if session == nil {
		r.logger.Debug("No session to route to", zap.String("sid", sessionID.String()))
		return 0
	}
	return r.deliver([]Session{session}, envelopes)
}

func (r *LocalMessageRouter) SendToUser(userID string, envelopes ...*Envelope) int {
	conns := r.connections.Connections(userID)
	if len(conns) == 0 {
		return 0
	}
	sessions := lo.Map(conns, func(c *Connection, _ int) Session { return c.Session })
	return r.deliver(sessions, envelopes)
}

func (r *LocalMessageRouter) SendToRoom(roomID string, exclude []uuid.UUID, envelopes ...*Envelope) int {
	sessions := r.rooms.Sessions(roomID)
	if len(exclude) > 0 {
		sessions = lo.Reject(sessions, func(s Session, _ int) bool { return lo.Contains(exclude, s.ID()) })
	}
	return r.deliver(sessions, envelopes)
}

func (r *LocalMessageRouter) SendToAll(exclude []uuid.UUID, envelopes ...*Envelope) int {
	sessions := make([]Session, 0, r.sessionRegistry.Count())
	r.sessionRegistry.Range(func(s Session) bool {
		if !lo.Contains(exclude, s.ID()) {
			sessions = append(sessions, s)
		}
		return true
	})
	return r.deliver(sessions, envelopes)
}

func (r *LocalMessageRouter) deliver(sessions []Session, envelopes []*Envelope) int {
	if len(sessions) == 0 || len(envelopes) == 0 {
		return 0
	}

	// Marshal each envelope once, regardless of the number of recipients.
	payloads := make([][]byte, 0, len(envelopes))
	for _, envelope := range envelopes {
		payload, err := json.Marshal(envelope)
		if err != nil {
			r.logger.Error("Could not marshal envelope", zap.String("event", envelope.Event), zap.Error(err))
			continue
		}
		payloads = append(payloads, payload)
	}

	for _, session := range sessions {
		for _, payload := range payloads {
			if err := session.SendBytes(payload); err != nil {
				r.logger.Debug("Failed to route message", zap.String("sid", session.ID().String()), zap.Error(err))
				break
			}
		}
	}

	for _, envelope := range envelopes {
		r.metrics.Broadcast(envelope.Event, len(sessions))
	}
	return len(sessions)
}
