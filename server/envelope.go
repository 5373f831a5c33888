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
	"time"
)

// Inbound event names.
const (
	EventPresenceInit           = "presence.init"
	EventPresenceHeartbeat      = "presence.heartbeat"
	EventPresenceUpdateActivity = "presence.updateActivity"
	EventRoomJoin               = "room.join"
	EventRoomLeave              = "room.leave"
	EventChatSend               = "chat.send"
	EventRoomEvent              = "room.event"
)

// Outbound event names.
const (
	EventPresenceUpdate       = "presence.update"
	EventStatusUpdate         = "statusUpdate"
	EventPresenceHeartbeatAck = "presence.heartbeatAck"
	EventUserOnline           = "userOnline"
	EventUserOffline          = "userOffline"
	EventRoomSnapshot         = "room.snapshot"
	EventRoomUserJoined       = "room.userJoined"
	EventRoomUserLeft         = "room.userLeft"
	EventChatMessage          = "chat.message"
	EventError                = "error"
)

// Envelope is the single message frame exchanged over a realtime socket in both directions.
type Envelope struct {
	Cid   string          `json:"cid,omitempty"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into a new envelope. Values that cannot be marshalled produce an envelope with no data.
func NewEnvelope(event string, data any) *Envelope {
	envelope := &Envelope{Event: event}
	if data == nil {
		return envelope
	}
	if raw, ok := data.(json.RawMessage); ok {
		envelope.Data = raw
		return envelope
	}
	if buf, err := json.Marshal(data); err == nil {
		envelope.Data = buf
	}
	return envelope
}

func newErrorEnvelope(cid, message string) *Envelope {
	envelope := NewEnvelope(EventError, &ErrorMessage{Message: message})
	envelope.Cid = cid
	return envelope
}

type ActivityState string

const (
	ActivityIdle     ActivityState = "idle"
	ActivityStudying ActivityState = "studying"
)

// Activity is what an online user is currently doing. The zero value is Idle.
type Activity struct {
	State ActivityState `json:"state"`
	Topic string        `json:"topic,omitempty"`
}

func IdleActivity() Activity {
	return Activity{State: ActivityIdle}
}

func StudyingActivity(topic string) Activity {
	return Activity{State: ActivityStudying, Topic: topic}
}

func (a Activity) IsStudying() bool {
	return a.State == ActivityStudying
}

func (a Activity) normalize() Activity {
	if a.State != ActivityStudying {
		return IdleActivity()
	}
	return a
}

// PresenceChange is the one canonical presence event the registry reasons about.
type PresenceChange struct {
	UserID   string
	Online   bool
	Activity Activity
}

// PresenceUpdateMessage is the current presence wire format.
type PresenceUpdateMessage struct {
	UpdatedUserID string   `json:"updatedUserId"`
	IsOnline      bool     `json:"isOnline"`
	Activity      Activity `json:"activity"`
}

// StatusUpdateMessage is the legacy wire format still consumed by older clients.
type StatusUpdateMessage struct {
	UpdatedUserID string `json:"updatedUserId"`
	IsOnline      bool   `json:"isOnline"`
	Studying      bool   `json:"studying"`
	TopicName     string `json:"topicName"`
}

// presenceEnvelopes adapts one canonical change into every wire format clients may listen for.
func presenceEnvelopes(change PresenceChange) []*Envelope {
	activity := change.Activity.normalize()
	return []*Envelope{
		NewEnvelope(EventPresenceUpdate, &PresenceUpdateMessage{
			UpdatedUserID: change.UserID,
			IsOnline:      change.Online,
			Activity:      activity,
		}),
		NewEnvelope(EventStatusUpdate, &StatusUpdateMessage{
			UpdatedUserID: change.UserID,
			IsOnline:      change.Online,
			Studying:      activity.IsStudying(),
			TopicName:     activity.Topic,
		}),
	}
}

type UserOnlineMessage struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
}

type UserOfflineMessage struct {
	UserID string `json:"userId"`
}

type ErrorMessage struct {
	Message string `json:"message"`
}

type RoomMember struct {
	UserID      string   `json:"userId"`
	DisplayName string   `json:"displayName"`
	IsOnline    bool     `json:"isOnline"`
	Activity    Activity `json:"activity"`
}

type RoomSnapshotMessage struct {
	RoomID   string         `json:"roomId"`
	Members  []*RoomMember  `json:"members"`
	Messages []*ChatMessage `json:"messages"`
}

type RoomUserMessage struct {
	RoomID      string `json:"roomId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	System      bool   `json:"system"`
}

// ChatMessage is a chat line as persisted by the chat store and delivered to room members.
type ChatMessage struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"roomId"`
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Content     string    `json:"content"`
	CreateTime  time.Time `json:"createTime"`
}

// Inbound payloads.

type PresenceInitRequest struct {
	UserID    string `json:"userId" validate:"required"`
	PartnerID string `json:"partnerId"`
}

type PresenceActivityRequest struct {
	UserID   string `json:"userId" validate:"required"`
	Studying bool   `json:"studying"`
	Topic    string `json:"topic" validate:"required_if=Studying true,max=200"`
}

type RoomRequest struct {
	RoomID string `json:"roomId" validate:"required"`
}

type ChatSendRequest struct {
	RoomID  string `json:"roomId" validate:"required"`
	Content string `json:"content" validate:"required"`
}

type RoomEventRequest struct {
	RoomID  string          `json:"roomId" validate:"required"`
	Type    string          `json:"type" validate:"required"`
	Payload json.RawMessage `json:"payload"`
}
