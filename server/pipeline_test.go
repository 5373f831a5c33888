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
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func errorMessages(t *testing.T, s *testSession) []string {
	out := make([]string, 0)
	for _, envelope := range s.Events(EventError) {
		out = append(out, decodeData[ErrorMessage](t, envelope).Message)
	}
	return out
}

func TestPipelineUnknownEvent(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.connect("alice")

	assert.True(t, ts.send(alice, "presence.dance", nil), "unknown events do not disconnect")
	errs := alice.Events(EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, "1", errs[0].Cid)
	assert.Equal(t, `unknown event: "presence.dance"`, decodeData[ErrorMessage](t, errs[0]).Message)
}

func TestPipelinePresenceInit(t *testing.T) {
	ts := newTestServer(t)
	ts.store.LinkPartners("alice", "bob")
	alice := ts.connect("alice")

	assert.True(t, ts.send(alice, EventPresenceInit, &PresenceInitRequest{UserID: "mallory"}))
	assert.Equal(t, []string{ErrUserMismatch.Error()}, errorMessages(t, alice))
	assert.False(t, ts.presence.IsUserOnline("alice"))

	alice.Reset()
	assert.True(t, ts.send(alice, EventPresenceInit, &PresenceInitRequest{UserID: "alice"}))
	assert.Empty(t, errorMessages(t, alice))
	assert.True(t, ts.presence.IsUserOnline("alice"))
	assert.Len(t, alice.PresenceUpdates(t, "bob"), 1, "init answers with the partner snapshot")

	alice.Reset()
	assert.True(t, ts.send(alice, EventPresenceInit, map[string]any{}))
	assert.Equal(t, []string{"invalid request: userId is required"}, errorMessages(t, alice))
}

func TestPipelineHeartbeat(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.connect("alice")

	assert.True(t, ts.send(alice, EventPresenceHeartbeat, nil))
	assert.Equal(t, []string{ErrNotRegistered.Error()}, errorMessages(t, alice))

	alice.Reset()
	require.NoError(t, ts.presence.Register(alice.Context(), alice, ""))
	ts.clock.Advance(ts.config.GetPresence().GetHeartbeatInterval())
	assert.True(t, ts.send(alice, EventPresenceHeartbeat, nil))

	acks := alice.Events(EventPresenceHeartbeatAck)
	require.Len(t, acks, 1)
	assert.Equal(t, "1", acks[0].Cid)
	assert.True(t, ts.clock.Now().Equal(ts.connections.Get(alice.ID()).LastHeartbeat()))
}

func TestPipelineMalformedActivityUpdate(t *testing.T) {
	ts := newTestServer(t)
	ts.store.LinkPartners("alice", "bob")
	alice := ts.online("alice")
	bob := ts.online("bob")
	alice.Reset()
	bob.Reset()

	malformed := &Envelope{Cid: "7", Event: EventPresenceUpdateActivity, Data: json.RawMessage(`["studying"]`)}
	assert.True(t, ts.pipeline.ProcessRequest(ts.logger, alice, malformed))

	errs := alice.Events(EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, "7", errs[0].Cid)
	assert.Equal(t, "malformed payload: presence.updateActivity", decodeData[ErrorMessage](t, errs[0]).Message)
	assert.Empty(t, bob.Events(EventError), "only the offender is told")
	assert.Empty(t, bob.Events(EventPresenceUpdate))

	alice.Reset()
	assert.True(t, ts.send(alice, EventPresenceUpdateActivity, &PresenceActivityRequest{UserID: "alice", Studying: true}))
	assert.Equal(t, []string{"invalid request: topic is required"}, errorMessages(t, alice))

	alice.Reset()
	assert.True(t, ts.send(alice, EventPresenceUpdateActivity, &PresenceActivityRequest{UserID: "alice", Studying: true, Topic: strings.Repeat("x", 201)}))
	assert.Equal(t, []string{"invalid request: topic must be at most 200 characters"}, errorMessages(t, alice))

	alice.Reset()
	assert.True(t, ts.send(alice, EventPresenceUpdateActivity, &PresenceActivityRequest{UserID: "bob", Studying: true, Topic: "graphs"}))
	assert.Equal(t, []string{ErrUserMismatch.Error()}, errorMessages(t, alice))

	assert.Empty(t, bob.Events(EventPresenceUpdate))
	assert.Equal(t, IdleActivity(), ts.presence.Snapshot("alice").Activity)

	assert.True(t, ts.send(alice, EventPresenceUpdateActivity, &PresenceActivityRequest{UserID: "alice", Studying: true, Topic: "graphs"}))
	updates := bob.PresenceUpdates(t, "alice")
	require.Len(t, updates, 1)
	assert.Equal(t, StudyingActivity("graphs"), updates[0].Activity)
}

func TestPipelineRoomJoinIdempotent(t *testing.T) {
	ts := newTestServer(t)
	ts.store.AddMember("room-1", "alice")
	ts.store.AddMember("room-1", "bob")
	bob := ts.online("bob")
	alice := ts.online("alice")
	require.True(t, ts.send(bob, EventRoomJoin, &RoomRequest{RoomID: "room-1"}))
	bob.Reset()

	assert.True(t, ts.send(alice, EventRoomJoin, &RoomRequest{RoomID: "room-1"}))
	assert.True(t, ts.send(alice, EventRoomJoin, &RoomRequest{RoomID: "room-1"}))

	snapshots := alice.Events(EventRoomSnapshot)
	require.Len(t, snapshots, 2, "every join is answered with a snapshot")
	snapshot := decodeData[RoomSnapshotMessage](t, snapshots[1])
	assert.Equal(t, "room-1", snapshot.RoomID)
	require.Len(t, snapshot.Members, 2)
	assert.Equal(t, "alice", snapshot.Members[0].UserID)
	assert.Equal(t, "bob", snapshot.Members[1].UserID)
	assert.True(t, snapshot.Members[1].IsOnline)
	assert.Empty(t, snapshot.Messages)

	joined := bob.Events(EventRoomUserJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, &RoomUserMessage{RoomID: "room-1", UserID: "alice", DisplayName: "name-alice", System: true}, decodeData[RoomUserMessage](t, joined[0]))
	assert.Empty(t, alice.Events(EventRoomUserJoined), "the joiner is not told about themselves")

	// A second tab of the same user is not a new arrival.
	tab := ts.online("alice")
	assert.True(t, ts.send(tab, EventRoomJoin, &RoomRequest{RoomID: "room-1"}))
	assert.Len(t, bob.Events(EventRoomUserJoined), 1)
}

func TestPipelineRoomJoinRequiresMembership(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.online("alice")

	assert.True(t, ts.send(alice, EventRoomJoin, &RoomRequest{RoomID: "room-1"}))
	assert.Equal(t, []string{ErrNotMember.Error()}, errorMessages(t, alice))
	assert.False(t, ts.rooms.IsSubscribed(alice.ID(), "room-1"))

	alice.Reset()
	assert.True(t, ts.send(alice, EventRoomJoin, &RoomRequest{}))
	assert.Equal(t, []string{"invalid request: roomId is required"}, errorMessages(t, alice))
}

func TestPipelineRoomLeave(t *testing.T) {
	ts := newTestServer(t)
	ts.store.AddMember("room-1", "alice")
	ts.store.AddMember("room-1", "bob")
	alice := ts.online("alice")
	bob := ts.online("bob")
	require.True(t, ts.send(alice, EventRoomJoin, &RoomRequest{RoomID: "room-1"}))
	require.True(t, ts.send(bob, EventRoomJoin, &RoomRequest{RoomID: "room-1"}))
	bob.Reset()

	assert.True(t, ts.send(alice, EventRoomLeave, &RoomRequest{RoomID: "room-1"}))
	assert.True(t, ts.send(alice, EventRoomLeave, &RoomRequest{RoomID: "room-1"}))

	left := bob.Events(EventRoomUserLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "alice", decodeData[RoomUserMessage](t, left[0]).UserID)
	assert.False(t, ts.rooms.IsSubscribed(alice.ID(), "room-1"))

	// Leaving explicitly means the room is not announced again when the user goes offline.
	alice.Close("gone", CloseReasonDisconnect)
	ts.clock.Advance(ts.gracePeriod())
	assert.Len(t, bob.Events(EventRoomUserLeft), 1)
}

func TestPipelineRejoinAfterReconnect(t *testing.T) {
	ts := newTestServer(t)
	ts.store.AddMember("room-1", "alice")
	ts.store.AddMember("room-1", "bob")
	bob := ts.online("bob")
	alice := ts.online("alice")
	require.True(t, ts.send(bob, EventRoomJoin, &RoomRequest{RoomID: "room-1"}))
	require.True(t, ts.send(alice, EventRoomJoin, &RoomRequest{RoomID: "room-1"}))
	bob.Reset()

	alice.Close("reload", CloseReasonDisconnect)
	ts.clock.Advance(ts.gracePeriod() / 2)
	again := ts.online("alice")
	assert.True(t, ts.send(again, EventRoomJoin, &RoomRequest{RoomID: "room-1"}))
	assert.Empty(t, bob.Events(EventRoomUserJoined), "a reload is invisible to the room")

	// Held rooms carry over to the next disconnect.
	again.Close("gone", CloseReasonDisconnect)
	ts.clock.Advance(ts.gracePeriod())
	assert.Len(t, bob.Events(EventRoomUserLeft), 1)

	fresh := ts.online("alice")
	assert.True(t, ts.send(fresh, EventRoomJoin, &RoomRequest{RoomID: "room-1"}))
	assert.Len(t, bob.Events(EventRoomUserJoined), 1)
}

func TestPipelineTabCloseLeavesRoomImmediately(t *testing.T) {
	ts := newTestServer(t)
	ts.store.AddMember("room-1", "alice")
	ts.store.AddMember("room-1", "bob")
	bob := ts.online("bob")
	tab1 := ts.online("alice")
	tab2 := ts.online("alice")
	require.True(t, ts.send(bob, EventRoomJoin, &RoomRequest{RoomID: "room-1"}))
	require.True(t, ts.send(tab1, EventRoomJoin, &RoomRequest{RoomID: "room-1"}))
	bob.Reset()

	// Alice stays online through tab2, which never joined the room.
	tab1.Close("tab closed", CloseReasonDisconnect)
	left := bob.Events(EventRoomUserLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "alice", decodeData[RoomUserMessage](t, left[0]).UserID)

	ts.clock.Advance(10 * ts.gracePeriod())
	assert.True(t, ts.presence.IsUserOnline("alice"))
	assert.Len(t, bob.Events(EventRoomUserLeft), 1)

	assert.True(t, ts.send(tab2, EventRoomJoin, &RoomRequest{RoomID: "room-1"}))
	assert.Len(t, bob.Events(EventRoomUserJoined), 1)
	assert.Len(t, bob.Events(EventRoomUserLeft), 1)
}

func TestPipelineTabCloseKeepsRoomHeldByOtherTab(t *testing.T) {
	ts := newTestServer(t)
	ts.store.AddMember("room-1", "alice")
	ts.store.AddMember("room-1", "bob")
	bob := ts.online("bob")
	tab1 := ts.online("alice")
	tab2 := ts.online("alice")
	for _, s := range []*testSession{bob, tab1, tab2} {
		require.True(t, ts.send(s, EventRoomJoin, &RoomRequest{RoomID: "room-1"}))
	}
	assert.Len(t, bob.Events(EventRoomUserJoined), 1)

	tab1.Close("tab closed", CloseReasonDisconnect)
	ts.clock.Advance(ts.gracePeriod())
	assert.Empty(t, bob.Events(EventRoomUserLeft))

	tab2.Close("tab closed", CloseReasonDisconnect)
	assert.Empty(t, bob.Events(EventRoomUserLeft), "announced once the grace period confirms the user offline")
	ts.clock.Advance(ts.gracePeriod())
	assert.Len(t, bob.Events(EventRoomUserLeft), 1)
}

func TestPipelineUninitialisedConnectionLeavesRoom(t *testing.T) {
	ts := newTestServer(t)
	ts.store.AddMember("room-1", "alice")
	ts.store.AddMember("room-1", "bob")
	bob := ts.online("bob")
	require.True(t, ts.send(bob, EventRoomJoin, &RoomRequest{RoomID: "room-1"}))

	alice := ts.connect("alice")
	require.True(t, ts.send(alice, EventRoomJoin, &RoomRequest{RoomID: "room-1"}))
	assert.Len(t, bob.Events(EventRoomUserJoined), 1)

	alice.Close("gone", CloseReasonDisconnect)
	assert.Len(t, bob.Events(EventRoomUserLeft), 1)

	ts.clock.Advance(time.Hour)
	assert.Len(t, bob.Events(EventRoomUserLeft), 1)
}

func TestPipelineChat(t *testing.T) {
	ts := newTestServer(t)
	ts.store.AddMember("room-1", "alice")
	ts.store.AddMember("room-1", "bob")
	alice := ts.online("alice")
	bob := ts.online("bob")
	require.True(t, ts.send(alice, EventRoomJoin, &RoomRequest{RoomID: "room-1"}))
	require.True(t, ts.send(bob, EventRoomJoin, &RoomRequest{RoomID: "room-1"}))

	assert.True(t, ts.send(alice, EventChatSend, &ChatSendRequest{RoomID: "room-1", Content: "  hello  "}))
	for _, s := range []*testSession{alice, bob} {
		messages := s.Events(EventChatMessage)
		require.Len(t, messages, 1)
		message := decodeData[ChatMessage](t, messages[0])
		assert.Equal(t, "hello", message.Content)
		assert.Equal(t, "alice", message.UserID)
		assert.Equal(t, "name-alice", message.DisplayName)
		assert.NotEmpty(t, message.ID)
		assert.False(t, message.CreateTime.IsZero())
	}

	history, err := ts.store.RecentMessages(alice.Context(), "room-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hello", history[0].Content)

	// History is part of the join snapshot.
	tab := ts.online("bob")
	require.True(t, ts.send(tab, EventRoomJoin, &RoomRequest{RoomID: "room-1"}))
	snapshots := tab.Events(EventRoomSnapshot)
	require.Len(t, snapshots, 1)
	assert.Len(t, decodeData[RoomSnapshotMessage](t, snapshots[0]).Messages, 1)
}

func TestPipelineChatRejected(t *testing.T) {
	ts := newTestServer(t)
	ts.config.GetRoom().MaxChatLength = 5
	ts.store.AddMember("room-1", "alice")
	ts.store.AddMember("room-1", "bob")
	alice := ts.online("alice")
	bob := ts.online("bob")
	require.True(t, ts.send(bob, EventRoomJoin, &RoomRequest{RoomID: "room-1"}))

	assert.True(t, ts.send(alice, EventChatSend, &ChatSendRequest{RoomID: "room-1", Content: "hi"}))
	assert.Equal(t, []string{ErrNotSubscribed.Error()}, errorMessages(t, alice))

	require.True(t, ts.send(alice, EventRoomJoin, &RoomRequest{RoomID: "room-1"}))
	alice.Reset()

	assert.True(t, ts.send(alice, EventChatSend, &ChatSendRequest{RoomID: "room-1", Content: "   "}))
	assert.True(t, ts.send(alice, EventChatSend, &ChatSendRequest{RoomID: "room-1", Content: "héllo!"}))
	assert.Equal(t, []string{ErrMessageEmpty.Error(), "message content is too long: limit is 5 characters"}, errorMessages(t, alice))

	// Length counts characters, not bytes.
	alice.Reset()
	assert.True(t, ts.send(alice, EventChatSend, &ChatSendRequest{RoomID: "room-1", Content: "héllo"}))
	assert.Empty(t, errorMessages(t, alice))
	assert.Len(t, bob.Events(EventChatMessage), 1)
}

func TestPipelineRateLimit(t *testing.T) {
	ts := newTestServer(t)
	ts.config.GetSocket().InboundRateLimit = 1
	ts.config.GetSocket().InboundRateBurst = 2
	ts.store.AddMember("room-1", "alice")
	alice := ts.online("alice")
	require.True(t, ts.send(alice, EventRoomJoin, &RoomRequest{RoomID: "room-1"}))

	for i := 0; i < 3; i++ {
		assert.True(t, ts.send(alice, EventChatSend, &ChatSendRequest{RoomID: "room-1", Content: "spam"}))
	}
	assert.Len(t, alice.Events(EventChatMessage), 2)
	assert.Equal(t, []string{ErrRateLimited.Error()}, errorMessages(t, alice))
	assert.EqualValues(t, 1, ts.metrics.dropped.Load())

	// Presence traffic is not rate limited.
	alice.Reset()
	for i := 0; i < 5; i++ {
		assert.True(t, ts.send(alice, EventPresenceHeartbeat, nil))
	}
	assert.Len(t, alice.Events(EventPresenceHeartbeatAck), 5)
}

func TestPipelineRoomEvent(t *testing.T) {
	ts := newTestServer(t)
	ts.store.AddMember("room-1", "alice")
	ts.store.AddMember("room-1", "bob")
	alice := ts.online("alice")
	bob := ts.online("bob")
	require.True(t, ts.send(alice, EventRoomJoin, &RoomRequest{RoomID: "room-1"}))
	require.True(t, ts.send(bob, EventRoomJoin, &RoomRequest{RoomID: "room-1"}))

	payload := json.RawMessage(`{"cardId":"c1","column":"done"}`)
	assert.True(t, ts.send(alice, EventRoomEvent, &RoomEventRequest{RoomID: "room-1", Type: EventKanbanUpdate, Payload: payload}))

	events := bob.Events(EventKanbanUpdate)
	require.Len(t, events, 1)
	assert.JSONEq(t, string(payload), string(events[0].Data))
	assert.Empty(t, alice.Events(EventKanbanUpdate), "the sender is excluded")

	assert.True(t, ts.send(alice, EventRoomEvent, &RoomEventRequest{RoomID: "room-1", Type: "confetti", Payload: payload}))
	assert.Equal(t, []string{`unknown event type: "confetti"`}, errorMessages(t, alice))

	alice.Reset()
	assert.True(t, ts.send(alice, EventRoomEvent, &RoomEventRequest{RoomID: "room-1", Type: EventStreakUpdate, Payload: json.RawMessage(`[1]`)}))
	assert.Equal(t, []string{ErrInvalidPayload.Error()}, errorMessages(t, alice))

	alice.Reset()
	assert.True(t, ts.send(alice, EventRoomEvent, &RoomEventRequest{RoomID: "room-2", Type: EventStreakUpdate}))
	assert.Equal(t, []string{ErrNotSubscribed.Error()}, errorMessages(t, alice))
}
