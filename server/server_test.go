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
	"encoding/json"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

func loggerForTest(t *testing.T) *zap.Logger {
	if testing.Verbose() {
		return NewConsoleLogger(os.Stdout, true)
	}
	return zap.NewNop()
}

type testMetrics struct {
	heartbeatTimeouts atomic.Int64
	dropped           atomic.Int64
}

var _ Metrics = (*testMetrics)(nil)

func (m *testMetrics) Stop(logger *zap.Logger)                       {}
func (m *testMetrics) SnapshotLatencyMs() float64                    { return 0 }
func (m *testMetrics) SnapshotRateSec() float64                      { return 0 }
func (m *testMetrics) SnapshotRecvKbSec() float64                    { return 0 }
func (m *testMetrics) SnapshotSentKbSec() float64                    { return 0 }
func (m *testMetrics) Api(string, time.Duration, int64, int64, bool) {}
func (m *testMetrics) Message(int64, bool)                           {}
func (m *testMetrics) MessageBytesSent(int64)                        {}
func (m *testMetrics) GaugeSessions(float64)                         {}
func (m *testMetrics) GaugePresences(float64)                        {}
func (m *testMetrics) CountWebsocketOpened(int64)                    {}
func (m *testMetrics) CountWebsocketClosed(int64)                    {}
func (m *testMetrics) PresenceTransition(string)                     {}
func (m *testMetrics) HeartbeatTimeouts(delta int64)                 { m.heartbeatTimeouts.Add(delta) }
func (m *testMetrics) Broadcast(string, int)                         {}
func (m *testMetrics) EventDropped(string)                           { m.dropped.Inc() }

// fakeClock only fires timers when advanced.
type fakeClock struct {
	sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.Lock()
	defer c.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.Lock()
	defer c.Unlock()
	timer := &fakeTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, timer)
	return timer
}

func (t *fakeTimer) Stop() bool {
	t.clock.Lock()
	defer t.clock.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the clock forward and runs every timer that became due, in order, on the calling goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.Lock()
	c.now = c.now.Add(d)
	due := make([]*fakeTimer, 0)
	for _, timer := range c.timers {
		if !timer.stopped && !timer.fired && !timer.at.After(c.now) {
			timer.fired = true
			due = append(due, timer)
		}
	}
	c.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, timer := range due {
		timer.fn()
	}
}

func (c *fakeClock) Pending() int {
	c.Lock()
	defer c.Unlock()
	var n int
	for _, timer := range c.timers {
		if !timer.stopped && !timer.fired {
			n++
		}
	}
	return n
}

// testSession records everything queued for delivery instead of writing to a transport.
type testSession struct {
	sync.Mutex
	logger      *zap.Logger
	id          uuid.UUID
	userID      string
	displayName string
	ctx         context.Context
	ctxCancelFn context.CancelFunc

	received    []*Envelope
	closed      bool
	closeReason CloseReason
	onClose     func(s *testSession)
}

func (s *testSession) Logger() *zap.Logger      { return s.logger }
func (s *testSession) ID() uuid.UUID            { return s.id }
func (s *testSession) UserID() string           { return s.userID }
func (s *testSession) DisplayName() string      { return s.displayName }
func (s *testSession) ClientIP() string         { return "127.0.0.1" }
func (s *testSession) Context() context.Context { return s.ctx }
func (s *testSession) Consume()                 {}

func (s *testSession) Send(envelope *Envelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return s.SendBytes(payload)
}

func (s *testSession) SendBytes(payload []byte) error {
	envelope := &Envelope{}
	if err := json.Unmarshal(payload, envelope); err != nil {
		return err
	}
	s.Lock()
	s.received = append(s.received, envelope)
	s.Unlock()
	return nil
}

func (s *testSession) Close(msg string, reason CloseReason) {
	s.Lock()
	if s.closed {
		s.Unlock()
		return
	}
	s.closed = true
	s.closeReason = reason
	s.Unlock()

	s.ctxCancelFn()
	if s.onClose != nil {
		s.onClose(s)
	}
}

func (s *testSession) IsClosed() bool {
	s.Lock()
	defer s.Unlock()
	return s.closed
}

// Events returns the received envelopes with the given event name.
func (s *testSession) Events(event string) []*Envelope {
	s.Lock()
	defer s.Unlock()
	out := make([]*Envelope, 0)
	for _, envelope := range s.received {
		if envelope.Event == event {
			out = append(out, envelope)
		}
	}
	return out
}

func (s *testSession) Reset() {
	s.Lock()
	s.received = nil
	s.Unlock()
}

// PresenceUpdates decodes the received presence.update envelopes about the given user.
func (s *testSession) PresenceUpdates(t *testing.T, userID string) []*PresenceUpdateMessage {
	out := make([]*PresenceUpdateMessage, 0)
	for _, envelope := range s.Events(EventPresenceUpdate) {
		update := &PresenceUpdateMessage{}
		require.NoError(t, json.Unmarshal(envelope.Data, update))
		if update.UpdatedUserID == userID {
			out = append(out, update)
		}
	}
	return out
}

func decodeData[T any](t *testing.T, envelope *Envelope) *T {
	out := new(T)
	require.NoError(t, json.Unmarshal(envelope.Data, out))
	return out
}

type testServer struct {
	t               *testing.T
	logger          *zap.Logger
	config          *config
	clock           *fakeClock
	metrics         *testMetrics
	store           *MemoryStore
	sessionRegistry SessionRegistry
	connections     *ConnectionRegistry
	rooms           *RoomRegistry
	router          MessageRouter
	presence        *LocalPresenceRegistry
	dispatcher      *EventDispatcher
	pipeline        *Pipeline
}

func newTestServer(t *testing.T) *testServer {
	return newTestServerWithStore(t, nil, nil)
}

// newTestServerWithStore swaps the collaborators used for partner lookup and activity recording when non-nil.
func newTestServerWithStore(t *testing.T, partners PartnerLookup, recorder ActivityRecorder) *testServer {
	logger := loggerForTest(t)
	cfg := NewConfig(logger)
	clock := newFakeClock()
	metrics := &testMetrics{}
	store := NewMemoryStore()
	if partners == nil {
		partners = store
	}
	if recorder == nil {
		recorder = store
	}

	sessionRegistry := NewLocalSessionRegistry(metrics)
	connections := NewConnectionRegistry()
	rooms := NewRoomRegistry()
	router := NewLocalMessageRouter(logger, metrics, sessionRegistry, connections, rooms)
	presence := NewLocalPresenceRegistry(logger, cfg, metrics, clock, router, connections, partners, recorder)
	dispatcher := NewEventDispatcher(logger, metrics, router)
	pipeline := NewPipeline(logger, cfg, metrics, presence, rooms, router, dispatcher, store, store)
	t.Cleanup(presence.Stop)

	return &testServer{
		t:               t,
		logger:          logger,
		config:          cfg,
		clock:           clock,
		metrics:         metrics,
		store:           store,
		sessionRegistry: sessionRegistry,
		connections:     connections,
		rooms:           rooms,
		router:          router,
		presence:        presence,
		dispatcher:      dispatcher,
		pipeline:        pipeline,
	}
}

// connect opens a session for the user without initialising presence.
func (ts *testServer) connect(userID string) *testSession {
	ctx, ctxCancelFn := context.WithCancel(context.Background())
	s := &testSession{
		logger:      ts.logger,
		id:          uuid.Must(uuid.NewV4()),
		userID:      userID,
		displayName: "name-" + userID,
		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,
	}
	s.onClose = func(s *testSession) {
		rooms := ts.rooms.LeaveAll(s.id)
		ts.presence.Unregister(s, rooms)
		ts.pipeline.Forget(s.id)
		ts.sessionRegistry.Remove(s.id)
	}
	ts.sessionRegistry.Add(s)
	return s
}

// online opens a session and initialises presence for it.
func (ts *testServer) online(userID string) *testSession {
	s := ts.connect(userID)
	require.NoError(ts.t, ts.presence.Register(context.Background(), s, ""))
	return s
}

func (ts *testServer) send(s *testSession, event string, data any) bool {
	envelope := NewEnvelope(event, data)
	envelope.Cid = "1"
	return ts.pipeline.ProcessRequest(ts.logger, s, envelope)
}

func (ts *testServer) gracePeriod() time.Duration {
	return ts.config.GetPresence().GetGracePeriod()
}

type mockPartnerLookup struct {
	mock.Mock
}

func (m *mockPartnerLookup) GetPartnerID(ctx context.Context, userID string) (string, error) {
	args := m.Called(ctx, userID)
	return args.String(0), args.Error(1)
}

// hookedRouter runs a callback before each SendToAll, on the sending goroutine.
type hookedRouter struct {
	MessageRouter
	beforeSendToAll func(envelopes []*Envelope)
}

func (r *hookedRouter) SendToAll(exclude []uuid.UUID, envelopes ...*Envelope) int {
	if r.beforeSendToAll != nil {
		r.beforeSendToAll(envelopes)
	}
	return r.MessageRouter.SendToAll(exclude, envelopes...)
}
