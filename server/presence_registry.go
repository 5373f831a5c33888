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
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/samber/lo"
	"github.com/twmb/murmur3"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const presenceLockStripes = 256

var (
	ErrNotRegistered = errors.New("connection has not initialised presence")
	ErrUserMismatch  = errors.New("user does not match authenticated session")
)

type PresenceRegistry interface {
	Stop()

	// Register adds the session to its user's connections and runs any resulting transition.
	Register(ctx context.Context, session Session, partnerHint string) error
	// Unregister removes the session. Rooms are the ones its user no longer has any session in: they are announced
	// once the user is confirmed offline, or immediately when the user stays online elsewhere.
	Unregister(session Session, rooms []string)
	Heartbeat(sessionID uuid.UUID) bool
	UpdateActivity(session Session, activity Activity) error
	// ResumeRoom reports whether the room was held over from a reconnect inside the grace period, and releases it.
	ResumeRoom(userID, roomID string) bool

	IsUserOnline(userID string) bool
	GetUserActivity(userID string) *Activity
	Snapshot(userID string) PresenceChange
	Count() int
}

type graceTimer struct {
	timer Timer
}

func (g *graceTimer) stop() {
	if g != nil && g.timer != nil {
		g.timer.Stop()
	}
}

type presenceRecord struct {
	userID      string
	displayName string
	partnerID   string
	state       PresenceState
	activity    Activity
	lastSeenAt  time.Time

	grace      *graceTimer
	graceRooms []string
	heldRooms  []string
}

func (r *presenceRecord) change() PresenceChange {
	return PresenceChange{
		UserID:   r.userID,
		Online:   r.state.Online(),
		Activity: r.activity,
	}
}

type LocalPresenceRegistry struct {
	logger      *zap.Logger
	config      *PresenceConfig
	metrics     Metrics
	clock       Clock
	router      MessageRouter
	connections *ConnectionRegistry
	partners    PartnerLookup
	recorder    ActivityRecorder

	ctx         context.Context
	ctxCancelFn context.CancelFunc
	stopped     *atomic.Bool
	wg          sync.WaitGroup

	locks   [presenceLockStripes]sync.Mutex
	notify  [presenceLockStripes]sync.Mutex
	records *MapOf[string, *presenceRecord]
	online  *atomic.Int64
}

func NewLocalPresenceRegistry(logger *zap.Logger, config Config, metrics Metrics, clock Clock, router MessageRouter, connections *ConnectionRegistry, partners PartnerLookup, recorder ActivityRecorder) *LocalPresenceRegistry {
	ctx, ctxCancelFn := context.WithCancel(context.Background())

	return &LocalPresenceRegistry{
		logger:      logger,
		config:      config.GetPresence(),
		metrics:     metrics,
		clock:       clock,
		router:      router,
		connections: connections,
		partners:    partners,
		recorder:    recorder,

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,
		stopped:     atomic.NewBool(false),

		records: &MapOf[string, *presenceRecord]{},
		online:  atomic.NewInt64(0),
	}
}

// Stop cancels every pending grace timer. Transitions requested after Stop do not schedule new timers.
func (p *LocalPresenceRegistry) Stop() {
	if !p.stopped.CompareAndSwap(false, true) {
		return
	}
	p.records.Range(func(userID string, _ *presenceRecord) bool {
		lock := p.lockFor(userID)
		lock.Lock()
		if rec, found := p.records.Load(userID); found && rec.grace != nil {
			rec.grace.stop()
			rec.grace = nil
		}
		lock.Unlock()
		return true
	})
	p.ctxCancelFn()
	p.wg.Wait()
}

func (p *LocalPresenceRegistry) lockFor(userID string) *sync.Mutex {
	return &p.locks[murmur3.StringSum32(userID)%presenceLockStripes]
}

// notifyLockFor orders a user's online and offline fanout. It is acquired while holding the user's state lock, which
// is then released, and is held only for sends.
func (p *LocalPresenceRegistry) notifyLockFor(userID string) *sync.Mutex {
	return &p.notify[murmur3.StringSum32(userID)%presenceLockStripes]
}

func (p *LocalPresenceRegistry) Register(ctx context.Context, session Session, partnerHint string) error {
	userID := session.UserID()
	if userID == "" {
		return ErrUserMismatch
	}
	partnerID := p.resolvePartner(ctx, session.Logger(), userID, partnerHint)
	now := p.clock.Now()

	lock := p.lockFor(userID)
	lock.Lock()
	added, _ := p.connections.Register(NewConnection(session, now))
	rec, _ := p.records.LoadOrStore(userID, &presenceRecord{userID: userID, activity: IdleActivity()})
	rec.partnerID = partnerID
	rec.displayName = session.DisplayName()
	rec.lastSeenAt = now
	effect := effectNone
	if added {
		rec.state, effect = nextPresence(rec.state, inputConnect)
		if effect == effectCancelGrace {
			rec.grace.stop()
			rec.grace = nil
			rec.heldRooms = rec.graceRooms
			rec.graceRooms = nil
		}
	}
	self := rec.change()
	var notify *sync.Mutex
	if effect == effectCameOnline {
		notify = p.notifyLockFor(userID)
		notify.Lock()
	}
	lock.Unlock()

	if effect != effectNone {
		session.Logger().Debug("Presence transition", zap.String("effect", effect.String()))
	}

	if effect == effectCameOnline {
		p.metrics.PresenceTransition("online")
		p.metrics.GaugePresences(float64(p.online.Inc()))

		p.router.SendToAll([]uuid.UUID{session.ID()}, NewEnvelope(EventUserOnline, &UserOnlineMessage{
			UserID:      userID,
			DisplayName: session.DisplayName(),
		}))

		// Tell the partner this user came online.
		if partnerID != "" && p.connections.IsOnline(partnerID) {
			p.router.SendToUser(partnerID, presenceEnvelopes(self)...)
		}
		notify.Unlock()
	} else if effect == effectCancelGrace {
		p.metrics.PresenceTransition("reconnect")
	}

	// Always hand the new connection the partner's current state, so it does not wait for the partner's next change.
	if partnerID != "" {
		p.router.SendToSession(session.ID(), presenceEnvelopes(p.Snapshot(partnerID))...)
	}

	return nil
}

func (p *LocalPresenceRegistry) Unregister(session Session, rooms []string) {
	userID := session.UserID()
	now := p.clock.Now()

	lock := p.lockFor(userID)
	lock.Lock()
	// Removed is false for a session that never initialised presence, or one already removed by a racing close.
	removed, last := p.connections.Unregister(userID, session.ID())
	effect := effectNone
	if rec, found := p.records.Load(userID); removed && found {
		rec.lastSeenAt = now
		if last {
			rec.state, effect = nextPresence(rec.state, inputLastDisconnect)
		}
		if effect == effectStartGrace {
			rec.graceRooms = lo.Union(rec.heldRooms, rooms)
			rec.heldRooms = nil
			p.startGraceLocked(rec)
		}
	}
	lock.Unlock()

	if effect == effectStartGrace {
		p.metrics.PresenceTransition("grace")
		session.Logger().Debug("Presence grace period started", zap.Duration("grace", p.config.GetGracePeriod()))
		return
	}

	// Not going offline, so the rooms this session vacated are announced now.
	p.announceRoomsLeft(userID, session.DisplayName(), rooms)
}

func (p *LocalPresenceRegistry) announceRoomsLeft(userID, displayName string, rooms []string) {
	for _, roomID := range rooms {
		p.router.SendToRoom(roomID, nil, NewEnvelope(EventRoomUserLeft, &RoomUserMessage{
			RoomID:      roomID,
			UserID:      userID,
			DisplayName: displayName,
			System:      true,
		}))
	}
}

// startGraceLocked replaces any pending grace timer for the record. Callers hold the user's lock.
func (p *LocalPresenceRegistry) startGraceLocked(rec *presenceRecord) {
	rec.grace.stop()
	rec.grace = nil
	if p.stopped.Load() {
		return
	}

	g := &graceTimer{}
	rec.grace = g
	userID := rec.userID
	g.timer = p.clock.AfterFunc(p.config.GetGracePeriod(), func() {
		p.expireGrace(userID, g)
	})
}

func (p *LocalPresenceRegistry) expireGrace(userID string, g *graceTimer) {
	lock := p.lockFor(userID)
	lock.Lock()
	rec, found := p.records.Load(userID)
	if !found || rec.grace != g {
		// Superseded by a reconnect or a newer timer.
		lock.Unlock()
		return
	}
	rec.grace = nil
	if p.connections.IsOnline(userID) {
		rec.state = PresenceOnline
		lock.Unlock()
		return
	}

	var effect presenceEffect
	rec.state, effect = nextPresence(rec.state, inputGraceExpired)
	if effect != effectWentOffline {
		lock.Unlock()
		return
	}
	rec.activity = IdleActivity()
	partnerID := rec.partnerID
	displayName := rec.displayName
	rooms := rec.graceRooms
	lastSeenAt := rec.lastSeenAt
	p.records.Delete(userID)
	notify := p.notifyLockFor(userID)
	notify.Lock()
	lock.Unlock()

	logger := p.logger.With(zap.String("uid", userID))
	logger.Debug("Presence confirmed offline")
	p.metrics.PresenceTransition("offline")
	p.metrics.GaugePresences(float64(p.online.Dec()))

	if partnerID != "" {
		p.router.SendToUser(partnerID, presenceEnvelopes(PresenceChange{
			UserID:   userID,
			Online:   false,
			Activity: IdleActivity(),
		})...)
	}
	p.router.SendToAll(nil, NewEnvelope(EventUserOffline, &UserOfflineMessage{UserID: userID}))
	notify.Unlock()
	p.announceRoomsLeft(userID, displayName, rooms)

	if p.recorder != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			ctx, cancel := context.WithTimeout(p.ctx, p.config.GetPartnerLookupTimeout())
			defer cancel()
			if err := p.recorder.RecordLastActive(ctx, userID, lastSeenAt); err != nil {
				logger.Warn("Could not record last active time", zap.Error(err))
			}
		}()
	}
}

func (p *LocalPresenceRegistry) Heartbeat(sessionID uuid.UUID) bool {
	return p.connections.Heartbeat(sessionID, p.clock.Now())
}

func (p *LocalPresenceRegistry) UpdateActivity(session Session, activity Activity) error {
	userID := session.UserID()
	activity = activity.normalize()

	lock := p.lockFor(userID)
	lock.Lock()
	if p.connections.Get(session.ID()) == nil {
		lock.Unlock()
		return ErrNotRegistered
	}
	rec, found := p.records.Load(userID)
	if !found {
		lock.Unlock()
		return ErrNotRegistered
	}
	if rec.activity == activity {
		lock.Unlock()
		return nil
	}
	rec.activity = activity
	self := rec.change()
	partnerID := rec.partnerID
	lock.Unlock()

	if partnerID != "" {
		p.router.SendToUser(partnerID, presenceEnvelopes(self)...)
	}
	return nil
}

func (p *LocalPresenceRegistry) ResumeRoom(userID, roomID string) bool {
	lock := p.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()
	rec, found := p.records.Load(userID)
	if !found || !lo.Contains(rec.heldRooms, roomID) {
		return false
	}
	rec.heldRooms = lo.Without(rec.heldRooms, roomID)
	return true
}

func (p *LocalPresenceRegistry) IsUserOnline(userID string) bool {
	return p.Snapshot(userID).Online
}

func (p *LocalPresenceRegistry) GetUserActivity(userID string) *Activity {
	snapshot := p.Snapshot(userID)
	if !snapshot.Online {
		return nil
	}
	return &snapshot.Activity
}

// Snapshot reads the user's current presence. Unknown users are offline and idle.
func (p *LocalPresenceRegistry) Snapshot(userID string) PresenceChange {
	lock := p.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()
	rec, found := p.records.Load(userID)
	if !found {
		return PresenceChange{UserID: userID, Online: false, Activity: IdleActivity()}
	}
	return rec.change()
}

// Count is the number of users currently online, including those inside their grace period.
func (p *LocalPresenceRegistry) Count() int {
	return int(p.online.Load())
}

func (p *LocalPresenceRegistry) resolvePartner(ctx context.Context, logger *zap.Logger, userID, hint string) string {
	if hint == userID {
		hint = ""
	}
	if p.partners == nil {
		return hint
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.GetPartnerLookupTimeout())
	defer cancel()
	partnerID, err := p.partners.GetPartnerID(ctx, userID)
	if err != nil {
		logger.Warn("Could not look up partner, using client hint", zap.Error(err))
		return hint
	}
	if partnerID == "" || partnerID == userID {
		return hint
	}
	if hint != "" && hint != partnerID {
		logger.Debug("Ignoring partner hint that disagrees with partner link", zap.String("hint", hint), zap.String("partner", partnerID))
	}
	return partnerID
}
