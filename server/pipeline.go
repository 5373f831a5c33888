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
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrUnknownEvent     = errors.New("unknown event")
	ErrNotMember        = errors.New("not a member of this room")
	ErrNotSubscribed    = errors.New("not subscribed to this room")
	ErrMessageEmpty     = errors.New("message content is empty")
	ErrMessageTooLong   = errors.New("message content is too long")
	ErrRateLimited      = errors.New("rate limit exceeded")
)

// Errors whose text is safe to return to the client. Anything else is reported as an internal error.
var clientErrors = []error{
	ErrMalformedPayload,
	ErrInvalidRequest,
	ErrUnknownEvent,
	ErrNotRegistered,
	ErrUserMismatch,
	ErrNotMember,
	ErrNotSubscribed,
	ErrMessageEmpty,
	ErrMessageTooLong,
	ErrRateLimited,
	ErrRoomNotFound,
	ErrUnknownEventType,
	ErrInvalidPayload,
}

type pipelineFn func(ctx context.Context, logger *zap.Logger, session Session, in *Envelope) error

type Pipeline struct {
	logger      *zap.Logger
	config      Config
	metrics     Metrics
	presence    PresenceRegistry
	rooms       *RoomRegistry
	router      MessageRouter
	dispatcher  *EventDispatcher
	membership  RoomMembership
	chat        ChatStore
	validate    *validator.Validate
	limiters    *MapOf[uuid.UUID, *rate.Limiter]
	handlers    map[string]pipelineFn
	rateLimited map[string]bool
}

func NewPipeline(logger *zap.Logger, config Config, metrics Metrics, presence PresenceRegistry, rooms *RoomRegistry, router MessageRouter, dispatcher *EventDispatcher, membership RoomMembership, chat ChatStore) *Pipeline {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	p := &Pipeline{
		logger:     logger,
		config:     config,
		metrics:    metrics,
		presence:   presence,
		rooms:      rooms,
		router:     router,
		dispatcher: dispatcher,
		membership: membership,
		chat:       chat,
		validate:   validate,
		limiters:   &MapOf[uuid.UUID, *rate.Limiter]{},
		rateLimited: map[string]bool{
			EventChatSend:  true,
			EventRoomEvent: true,
		},
	}
	p.handlers = map[string]pipelineFn{
		EventPresenceInit:           p.presenceInit,
		EventPresenceHeartbeat:      p.presenceHeartbeat,
		EventPresenceUpdateActivity: p.presenceUpdateActivity,
		EventRoomJoin:               p.roomJoin,
		EventRoomLeave:              p.roomLeave,
		EventChatSend:               p.chatSend,
		EventRoomEvent:              p.roomEvent,
	}
	return p
}

// ProcessRequest handles one inbound envelope. Request errors are reported to the sending session only.
// It returns false if the session should be disconnected.
func (p *Pipeline) ProcessRequest(logger *zap.Logger, session Session, in *Envelope) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic while processing message", zap.String("event", in.Event), zap.Any("recovered", r))
			ok = session.Send(newErrorEnvelope(in.Cid, "internal server error")) == nil
		}
	}()

	fn, found := p.handlers[in.Event]
	if !found {
		logger.Debug("Received unknown event", zap.String("event", in.Event))
		return session.Send(newErrorEnvelope(in.Cid, fmt.Sprintf("%s: %q", ErrUnknownEvent.Error(), in.Event))) == nil
	}

	if p.rateLimited[in.Event] && !p.limiterFor(session.ID()).Allow() {
		p.metrics.EventDropped(in.Event)
		return session.Send(newErrorEnvelope(in.Cid, ErrRateLimited.Error())) == nil
	}

	err := fn(session.Context(), logger, session, in)
	if err == nil {
		return true
	}

	message, isClientError := clientMessage(err)
	if isClientError {
		logger.Debug("Rejected request", zap.String("event", in.Event), zap.Error(err))
	} else {
		logger.Warn("Error processing request", zap.String("event", in.Event), zap.Error(err))
	}
	return session.Send(newErrorEnvelope(in.Cid, message)) == nil
}

// Forget releases per-session pipeline state.
func (p *Pipeline) Forget(sessionID uuid.UUID) {
	p.limiters.Delete(sessionID)
}

func (p *Pipeline) limiterFor(sessionID uuid.UUID) *rate.Limiter {
	if limiter, found := p.limiters.Load(sessionID); found {
		return limiter
	}
	socket := p.config.GetSocket()
	limiter, _ := p.limiters.LoadOrStore(sessionID, rate.NewLimiter(rate.Limit(socket.InboundRateLimit), socket.InboundRateBurst))
	return limiter
}

func clientMessage(err error) (string, bool) {
	for _, target := range clientErrors {
		if errors.Is(err, target) {
			return err.Error(), true
		}
	}
	return "internal server error", false
}

// decode unmarshals the envelope data into v and validates it.
func (p *Pipeline) decode(in *Envelope, v any) error {
	data := in.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s", ErrMalformedPayload, in.Event)
	}
	if err := p.validate.Struct(v); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, err.Error())
	}
	fe := fieldErrs[0]
	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Errorf("%w: %s is required", ErrInvalidRequest, fe.Field())
	case "max":
		return fmt.Errorf("%w: %s must be at most %s characters", ErrInvalidRequest, fe.Field(), fe.Param())
	default:
		return fmt.Errorf("%w: %s is invalid", ErrInvalidRequest, fe.Field())
	}
}

func (p *Pipeline) presenceInit(ctx context.Context, logger *zap.Logger, session Session, in *Envelope) error {
	request := &PresenceInitRequest{}
	if err := p.decode(in, request); err != nil {
		return err
	}
	if request.UserID != session.UserID() {
		return ErrUserMismatch
	}
	return p.presence.Register(ctx, session, request.PartnerID)
}

func (p *Pipeline) presenceHeartbeat(ctx context.Context, logger *zap.Logger, session Session, in *Envelope) error {
	if !p.presence.Heartbeat(session.ID()) {
		return ErrNotRegistered
	}
	ack := NewEnvelope(EventPresenceHeartbeatAck, nil)
	ack.Cid = in.Cid
	return session.Send(ack)
}

func (p *Pipeline) presenceUpdateActivity(ctx context.Context, logger *zap.Logger, session Session, in *Envelope) error {
	request := &PresenceActivityRequest{}
	if err := p.decode(in, request); err != nil {
		return err
	}
	if request.UserID != session.UserID() {
		return ErrUserMismatch
	}
	activity := IdleActivity()
	if request.Studying {
		activity = StudyingActivity(request.Topic)
	}
	return p.presence.UpdateActivity(session, activity)
}

func (p *Pipeline) roomJoin(ctx context.Context, logger *zap.Logger, session Session, in *Envelope) error {
	request := &RoomRequest{}
	if err := p.decode(in, request); err != nil {
		return err
	}
	if err := p.checkMember(ctx, request.RoomID, session.UserID()); err != nil {
		return err
	}

	joined, firstForUser := p.rooms.Join(session, request.RoomID)

	snapshot := NewEnvelope(EventRoomSnapshot, p.roomSnapshot(ctx, logger, request.RoomID))
	snapshot.Cid = in.Cid
	if err := session.Send(snapshot); err != nil {
		return err
	}

	if !joined || !firstForUser {
		return nil
	}
	if p.presence.ResumeRoom(session.UserID(), request.RoomID) {
		// Back from a reconnect; the room never saw this user leave.
		return nil
	}
	p.router.SendToRoom(request.RoomID, []uuid.UUID{session.ID()}, NewEnvelope(EventRoomUserJoined, &RoomUserMessage{
		RoomID:      request.RoomID,
		UserID:      session.UserID(),
		DisplayName: session.DisplayName(),
		System:      true,
	}))
	return nil
}

func (p *Pipeline) roomLeave(ctx context.Context, logger *zap.Logger, session Session, in *Envelope) error {
	request := &RoomRequest{}
	if err := p.decode(in, request); err != nil {
		return err
	}

	left, lastForUser := p.rooms.Leave(session, request.RoomID)
	if !left || !lastForUser {
		return nil
	}
	p.router.SendToRoom(request.RoomID, nil, NewEnvelope(EventRoomUserLeft, &RoomUserMessage{
		RoomID:      request.RoomID,
		UserID:      session.UserID(),
		DisplayName: session.DisplayName(),
		System:      true,
	}))
	return nil
}

func (p *Pipeline) chatSend(ctx context.Context, logger *zap.Logger, session Session, in *Envelope) error {
	request := &ChatSendRequest{}
	if err := p.decode(in, request); err != nil {
		return err
	}
	content := strings.TrimSpace(request.Content)
	if content == "" {
		return ErrMessageEmpty
	}
	if limit := p.config.GetRoom().MaxChatLength; utf8.RuneCountInString(content) > limit {
		return fmt.Errorf("%w: limit is %d characters", ErrMessageTooLong, limit)
	}
	if !p.rooms.IsSubscribed(session.ID(), request.RoomID) {
		return ErrNotSubscribed
	}

	message := &ChatMessage{
		RoomID:      request.RoomID,
		UserID:      session.UserID(),
		DisplayName: session.DisplayName(),
		Content:     content,
	}
	saveCtx, cancel := context.WithTimeout(ctx, p.config.GetRoom().GetCollaboratorTimeout())
	defer cancel()
	if err := p.chat.SaveMessage(saveCtx, message); err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			return err
		}
		return fmt.Errorf("could not save chat message: %w", err)
	}

	p.router.SendToRoom(request.RoomID, nil, NewEnvelope(EventChatMessage, message))
	return nil
}

func (p *Pipeline) roomEvent(ctx context.Context, logger *zap.Logger, session Session, in *Envelope) error {
	request := &RoomEventRequest{}
	if err := p.decode(in, request); err != nil {
		return err
	}
	if !IsTypedEvent(request.Type) {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, request.Type)
	}
	if !p.rooms.IsSubscribed(session.ID(), request.RoomID) {
		return ErrNotSubscribed
	}
	_, err := p.dispatcher.BroadcastToRoom(request.RoomID, request.Type, request.Payload, session.ID())
	return err
}

func (p *Pipeline) checkMember(ctx context.Context, roomID, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, p.config.GetRoom().GetCollaboratorTimeout())
	defer cancel()
	member, err := p.membership.IsMember(ctx, roomID, userID)
	if err != nil {
		return fmt.Errorf("could not check room membership: %w", err)
	}
	if !member {
		return ErrNotMember
	}
	return nil
}

func (p *Pipeline) roomSnapshot(ctx context.Context, logger *zap.Logger, roomID string) *RoomSnapshotMessage {
	users := p.rooms.Users(roomID)
	members := make([]*RoomMember, 0, len(users))
	for userID, displayName := range users {
		presence := p.presence.Snapshot(userID)
		members = append(members, &RoomMember{
			UserID:      userID,
			DisplayName: displayName,
			IsOnline:    presence.Online,
			Activity:    presence.Activity,
		})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })

	ctx, cancel := context.WithTimeout(ctx, p.config.GetRoom().GetCollaboratorTimeout())
	defer cancel()
	messages, err := p.chat.RecentMessages(ctx, roomID, p.config.GetRoom().SnapshotMessageLimit)
	if err != nil {
		logger.Warn("Could not load recent chat messages", zap.String("room_id", roomID), zap.Error(err))
	}
	if messages == nil {
		messages = []*ChatMessage{}
	}

	return &RoomSnapshotMessage{
		RoomID:   roomID,
		Members:  members,
		Messages: messages,
	}
}
