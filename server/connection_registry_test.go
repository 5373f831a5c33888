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
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBareSession(userID string) *testSession {
	return &testSession{id: uuid.Must(uuid.NewV4()), userID: userID}
}

func TestConnectionRegistryFirstAndLast(t *testing.T) {
	r := NewConnectionRegistry()
	now := time.Now()
	a := newBareSession("u1")
	b := newBareSession("u1")

	added, first := r.Register(NewConnection(a, now))
	assert.True(t, added)
	assert.True(t, first)

	added, first = r.Register(NewConnection(b, now))
	assert.True(t, added)
	assert.False(t, first)

	added, _ = r.Register(NewConnection(a, now))
	assert.False(t, added, "duplicate registration is ignored")

	assert.True(t, r.IsOnline("u1"))
	assert.Equal(t, 2, r.Count())
	assert.Equal(t, 1, r.UserCount())
	assert.ElementsMatch(t, []uuid.UUID{a.ID(), b.ID()}, r.SessionIDs("u1"))

	removed, last := r.Unregister("u1", a.ID())
	assert.True(t, removed)
	assert.False(t, last)

	removed, last = r.Unregister("u1", b.ID())
	assert.True(t, removed)
	assert.True(t, last)
	assert.False(t, r.IsOnline("u1"))
	assert.Equal(t, 0, r.UserCount())
}

func TestConnectionRegistryUnregisterUnknown(t *testing.T) {
	r := NewConnectionRegistry()
	a := newBareSession("u1")
	r.Register(NewConnection(a, time.Now()))

	removed, last := r.Unregister("u1", uuid.Must(uuid.NewV4()))
	assert.False(t, removed)
	assert.False(t, last)

	removed, _ = r.Unregister("u2", a.ID())
	assert.False(t, removed, "connection is keyed by its own user")

	removed, last = r.Unregister("u1", a.ID())
	assert.True(t, removed)
	assert.True(t, last)

	removed, last = r.Unregister("u1", a.ID())
	assert.False(t, removed, "second unregister is a no-op")
	assert.False(t, last)
}

func TestConnectionRegistryHeartbeat(t *testing.T) {
	r := NewConnectionRegistry()
	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	a := newBareSession("u1")
	r.Register(NewConnection(a, start))

	later := start.Add(time.Minute)
	assert.True(t, r.Heartbeat(a.ID(), later))
	assert.True(t, later.Equal(r.Get(a.ID()).LastHeartbeat()))

	assert.False(t, r.Heartbeat(uuid.Must(uuid.NewV4()), later))
}

func TestConnectionRegistryConcurrent(t *testing.T) {
	r := NewConnectionRegistry()
	sessions := make([]*testSession, 64)
	for i := range sessions {
		sessions[i] = newBareSession("u1")
	}

	var firsts, lasts int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *testSession) {
			defer wg.Done()
			if _, first := r.Register(NewConnection(s, time.Now())); first {
				mu.Lock()
				firsts++
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()
	require.Equal(t, 1, firsts)
	require.Equal(t, len(sessions), r.Count())

	for _, s := range sessions {
		wg.Add(1)
		go func(s *testSession) {
			defer wg.Done()
			if _, last := r.Unregister("u1", s.ID()); last {
				mu.Lock()
				lasts++
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()
	assert.Equal(t, 1, lasts)
	assert.False(t, r.IsOnline("u1"))
}
