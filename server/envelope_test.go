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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	envelope := NewEnvelope(EventUserOffline, &UserOfflineMessage{UserID: "alice"})
	assert.Equal(t, EventUserOffline, envelope.Event)
	assert.JSONEq(t, `{"userId":"alice"}`, string(envelope.Data))

	raw := NewEnvelope(EventKanbanUpdate, json.RawMessage(`{"a":1}`))
	assert.Equal(t, `{"a":1}`, string(raw.Data), "raw payloads are passed through untouched")

	empty := NewEnvelope(EventPresenceHeartbeatAck, nil)
	buf, err := json.Marshal(empty)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"presence.heartbeatAck"}`, string(buf))
}

func TestErrorEnvelopeKeepsCid(t *testing.T) {
	envelope := newErrorEnvelope("42", "boom")
	buf, err := json.Marshal(envelope)
	require.NoError(t, err)
	assert.JSONEq(t, `{"cid":"42","event":"error","data":{"message":"boom"}}`, string(buf))
}

func TestPresenceEnvelopes(t *testing.T) {
	envelopes := presenceEnvelopes(PresenceChange{UserID: "alice", Online: true, Activity: StudyingActivity("graphs")})
	require.Len(t, envelopes, 2)

	assert.Equal(t, EventPresenceUpdate, envelopes[0].Event)
	assert.JSONEq(t, `{"updatedUserId":"alice","isOnline":true,"activity":{"state":"studying","topic":"graphs"}}`, string(envelopes[0].Data))

	assert.Equal(t, EventStatusUpdate, envelopes[1].Event)
	assert.JSONEq(t, `{"updatedUserId":"alice","isOnline":true,"studying":true,"topicName":"graphs"}`, string(envelopes[1].Data))
}

func TestActivityNormalize(t *testing.T) {
	tests := []struct {
		in   Activity
		want Activity
	}{
		{Activity{}, IdleActivity()},
		{Activity{State: ActivityIdle, Topic: "graphs"}, IdleActivity()},
		{Activity{State: "dancing"}, IdleActivity()},
		{StudyingActivity("graphs"), StudyingActivity("graphs")},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, tt.in.normalize()); diff != "" {
			t.Errorf("normalize(%+v) mismatch (-want +got):\n%s", tt.in, diff)
		}
	}
}
