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
	"sort"
	"sync"

	"github.com/gofrs/uuid/v5"
	"github.com/samber/lo"
)

// RoomRegistry indexes room subscriptions in both directions: room to sessions and session to rooms.
type RoomRegistry struct {
	sync.RWMutex
	byRoom    map[string]map[uuid.UUID]Session
	bySession map[uuid.UUID]map[string]struct{}
}

func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{
		byRoom:    make(map[string]map[uuid.UUID]Session),
		bySession: make(map[uuid.UUID]map[string]struct{}),
	}
}

// Join subscribes the session to the room. Joined is false if it was already subscribed.
// FirstForUser reports whether no other session of the same user was subscribed before.
func (r *RoomRegistry) Join(session Session, roomID string) (joined, firstForUser bool) {
	sessionID := session.ID()

	r.Lock()
	defer r.Unlock()

	members, found := r.byRoom[roomID]
	if !found {
		members = make(map[uuid.UUID]Session, 2)
		r.byRoom[roomID] = members
	}
	if _, subscribed := members[sessionID]; subscribed {
		return false, false
	}

	firstForUser = !r.hasUserLocked(members, session.UserID())
	members[sessionID] = session

	rooms, found := r.bySession[sessionID]
	if !found {
		rooms = make(map[string]struct{}, 1)
		r.bySession[sessionID] = rooms
	}
	rooms[roomID] = struct{}{}

	return true, firstForUser
}

// Leave unsubscribes the session from the room. LastForUser reports whether the user has no session left in it.
func (r *RoomRegistry) Leave(session Session, roomID string) (left, lastForUser bool) {
	sessionID := session.ID()

	r.Lock()
	defer r.Unlock()

	members, found := r.byRoom[roomID]
	if !found {
		return false, false
	}
	if _, subscribed := members[sessionID]; !subscribed {
		return false, false
	}
	r.removeLocked(sessionID, roomID)

	return true, !r.hasUserLocked(r.byRoom[roomID], session.UserID())
}

// LeaveAll drops every subscription of the session. It returns the rooms the session's user no longer has any
// session in; rooms still held by another of the user's sessions are omitted.
func (r *RoomRegistry) LeaveAll(sessionID uuid.UUID) []string {
	r.Lock()
	defer r.Unlock()

	rooms, found := r.bySession[sessionID]
	if !found {
		return nil
	}
	roomIDs := lo.Keys(rooms)
	vacated := make([]string, 0, len(roomIDs))
	for _, roomID := range roomIDs {
		session := r.byRoom[roomID][sessionID]
		r.removeLocked(sessionID, roomID)
		if session == nil || !r.hasUserLocked(r.byRoom[roomID], session.UserID()) {
			vacated = append(vacated, roomID)
		}
	}
	sort.Strings(vacated)
	return vacated
}

func (r *RoomRegistry) removeLocked(sessionID uuid.UUID, roomID string) {
	if members, found := r.byRoom[roomID]; found {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(r.byRoom, roomID)
		}
	}
	if rooms, found := r.bySession[sessionID]; found {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(r.bySession, sessionID)
		}
	}
}

func (r *RoomRegistry) hasUserLocked(members map[uuid.UUID]Session, userID string) bool {
	for _, s := range members {
		if s.UserID() == userID {
			return true
		}
	}
	return false
}

func (r *RoomRegistry) IsSubscribed(sessionID uuid.UUID, roomID string) bool {
	r.RLock()
	defer r.RUnlock()
	_, found := r.bySession[sessionID][roomID]
	return found
}

func (r *RoomRegistry) RoomsOf(sessionID uuid.UUID) []string {
	r.RLock()
	roomIDs := lo.Keys(r.bySession[sessionID])
	r.RUnlock()
	sort.Strings(roomIDs)
	return roomIDs
}

func (r *RoomRegistry) Sessions(roomID string) []Session {
	r.RLock()
	defer r.RUnlock()
	return lo.Values(r.byRoom[roomID])
}

// Users returns the distinct users connected to the room, keyed by user ID with one display name each.
func (r *RoomRegistry) Users(roomID string) map[string]string {
	r.RLock()
	defer r.RUnlock()
	users := make(map[string]string, len(r.byRoom[roomID]))
	for _, s := range r.byRoom[roomID] {
		users[s.UserID()] = s.DisplayName()
	}
	return users
}

func (r *RoomRegistry) Count() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.byRoom)
}
