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
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/samber/lo"
	"go.uber.org/atomic"
)

// Connection is the registry's handle on one live session of a user.
type Connection struct {
	Session Session

	lastHeartbeat *atomic.Int64
	closing       *atomic.Bool
}

func NewConnection(session Session, now time.Time) *Connection {
	return &Connection{
		Session:       session,
		lastHeartbeat: atomic.NewInt64(now.UnixNano()),
		closing:       atomic.NewBool(false),
	}
}

func (c *Connection) ID() uuid.UUID {
	return c.Session.ID()
}

func (c *Connection) UserID() string {
	return c.Session.UserID()
}

func (c *Connection) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load()).UTC()
}

// MarkClosing reports whether this call is the first to claim the connection for a forced close.
func (c *Connection) MarkClosing() bool {
	return c.closing.CompareAndSwap(false, true)
}

func (c *Connection) Touch(now time.Time) {
	c.lastHeartbeat.Store(now.UnixNano())
}

// ConnectionRegistry maps each user to the set of connections they currently hold open.
type ConnectionRegistry struct {
	sync.RWMutex
	byUser    map[string]map[uuid.UUID]*Connection
	bySession map[uuid.UUID]*Connection
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		byUser:    make(map[string]map[uuid.UUID]*Connection),
		bySession: make(map[uuid.UUID]*Connection),
	}
}

// Register adds the connection to its user's set. First reports whether the set was empty before.
func (r *ConnectionRegistry) Register(conn *Connection) (added, first bool) {
	userID := conn.UserID()
	sessionID := conn.ID()

	r.Lock()
	defer r.Unlock()

	if _, found := r.bySession[sessionID]; found {
		return false, false
	}

	conns, found := r.byUser[userID]
	if !found {
		conns = make(map[uuid.UUID]*Connection, 1)
		r.byUser[userID] = conns
	}
	first = len(conns) == 0
	conns[sessionID] = conn
	r.bySession[sessionID] = conn
	return true, first
}

// Unregister removes the connection. Last reports whether the user is left with no connections.
// Unknown connections are a no-op.
func (r *ConnectionRegistry) Unregister(userID string, sessionID uuid.UUID) (removed, last bool) {
	r.Lock()
	defer r.Unlock()

	conn, found := r.bySession[sessionID]
	if !found || conn.UserID() != userID {
		return false, false
	}
	delete(r.bySession, sessionID)

	conns := r.byUser[userID]
	delete(conns, sessionID)
	if len(conns) == 0 {
		delete(r.byUser, userID)
		return true, true
	}
	return true, false
}

func (r *ConnectionRegistry) IsOnline(userID string) bool {
	r.RLock()
	n := len(r.byUser[userID])
	r.RUnlock()
	return n > 0
}

func (r *ConnectionRegistry) Get(sessionID uuid.UUID) *Connection {
	r.RLock()
	conn := r.bySession[sessionID]
	r.RUnlock()
	return conn
}

func (r *ConnectionRegistry) Connections(userID string) []*Connection {
	r.RLock()
	defer r.RUnlock()
	return lo.Values(r.byUser[userID])
}

func (r *ConnectionRegistry) SessionIDs(userID string) []uuid.UUID {
	r.RLock()
	defer r.RUnlock()
	return lo.Keys(r.byUser[userID])
}

// Heartbeat refreshes the liveness timestamp of a registered connection.
func (r *ConnectionRegistry) Heartbeat(sessionID uuid.UUID, now time.Time) bool {
	conn := r.Get(sessionID)
	if conn == nil {
		return false
	}
	conn.Touch(now)
	return true
}

// Snapshot returns every registered connection at the time of the call.
func (r *ConnectionRegistry) Snapshot() []*Connection {
	r.RLock()
	defer r.RUnlock()
	return lo.Values(r.bySession)
}

func (r *ConnectionRegistry) Count() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.bySession)
}

func (r *ConnectionRegistry) UserCount() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.byUser)
}
