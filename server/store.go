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
	"errors"
	"time"
)

var (
	ErrRoomNotFound = errors.New("room not found")
)

// PartnerLookup resolves the study partner linked to a user. An empty ID means no partner.
type PartnerLookup interface {
	GetPartnerID(ctx context.Context, userID string) (string, error)
}

// RoomMembership reports whether a user belongs to a room.
type RoomMembership interface {
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
}

// ChatStore persists chat messages and serves the recent history shown on room join.
type ChatStore interface {
	SaveMessage(ctx context.Context, message *ChatMessage) error
	// RecentMessages returns up to limit messages, oldest first.
	RecentMessages(ctx context.Context, roomID string, limit int) ([]*ChatMessage, error)
}

// ActivityRecorder keeps derived facts such as the last time a user was seen online.
type ActivityRecorder interface {
	RecordLastActive(ctx context.Context, userID string, at time.Time) error
}

// Store is everything the realtime core reads from or writes to the services that own user and room data.
type Store interface {
	PartnerLookup
	RoomMembership
	ChatStore
	ActivityRecorder

	Close() error
}
