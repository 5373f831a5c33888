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
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps collaborator data in process memory. Used when no database is configured, and in tests.
type MemoryStore struct {
	sync.RWMutex
	partners   map[string]string
	members    map[string]map[string]struct{}
	messages   map[string][]*ChatMessage
	lastActive map[string]time.Time
	maxHistory int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		partners:   make(map[string]string),
		members:    make(map[string]map[string]struct{}),
		messages:   make(map[string][]*ChatMessage),
		lastActive: make(map[string]time.Time),
		maxHistory: 500,
	}
}

// LinkPartners pairs two users with each other.
func (s *MemoryStore) LinkPartners(userID, partnerID string) {
	s.Lock()
	s.partners[userID] = partnerID
	s.partners[partnerID] = userID
	s.Unlock()
}

func (s *MemoryStore) AddMember(roomID, userID string) {
	s.Lock()
	members, found := s.members[roomID]
	if !found {
		members = make(map[string]struct{})
		s.members[roomID] = members
	}
	members[userID] = struct{}{}
	s.Unlock()
}

func (s *MemoryStore) RemoveMember(roomID, userID string) {
	s.Lock()
	delete(s.members[roomID], userID)
	s.Unlock()
}

func (s *MemoryStore) LastActive(userID string) (time.Time, bool) {
	s.RLock()
	defer s.RUnlock()
	t, found := s.lastActive[userID]
	return t, found
}

func (s *MemoryStore) GetPartnerID(ctx context.Context, userID string) (string, error) {
	s.RLock()
	defer s.RUnlock()
	return s.partners[userID], nil
}

func (s *MemoryStore) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	s.RLock()
	defer s.RUnlock()
	_, found := s.members[roomID][userID]
	return found, nil
}

func (s *MemoryStore) SaveMessage(ctx context.Context, message *ChatMessage) error {
	if message.ID == "" {
		message.ID = uuid.Must(uuid.NewV4()).String()
	}
	if message.CreateTime.IsZero() {
		message.CreateTime = time.Now().UTC()
	}

	s.Lock()
	defer s.Unlock()
	if _, found := s.members[message.RoomID]; !found {
		return ErrRoomNotFound
	}
	history := append(s.messages[message.RoomID], message)
	if len(history) > s.maxHistory {
		history = history[len(history)-s.maxHistory:]
	}
	s.messages[message.RoomID] = history
	return nil
}

func (s *MemoryStore) RecentMessages(ctx context.Context, roomID string, limit int) ([]*ChatMessage, error) {
	s.RLock()
	defer s.RUnlock()
	history := s.messages[roomID]
	if limit <= 0 {
		return []*ChatMessage{}, nil
	}
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	out := make([]*ChatMessage, len(history))
	copy(out, history)
	return out, nil
}

func (s *MemoryStore) RecordLastActive(ctx context.Context, userID string, at time.Time) error {
	s.Lock()
	s.lastActive[userID] = at
	s.Unlock()
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
