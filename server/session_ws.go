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
	"net"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var ErrSessionQueueFull = errors.New("session outgoing queue full")

type sessionWS struct {
	sync.Mutex
	logger      *zap.Logger
	config      Config
	id          uuid.UUID
	userID      string
	displayName string
	clientIP    string
	clientPort  string

	ctx         context.Context
	ctxCancelFn context.CancelFunc

	pingPeriodDuration time.Duration
	pongWaitDuration   time.Duration
	writeWaitDuration  time.Duration

	sessionRegistry SessionRegistry
	presence        PresenceRegistry
	rooms           *RoomRegistry
	metrics         Metrics
	pipeline        *Pipeline

	stopped                bool
	conn                   *websocket.Conn
	receivedMessageCounter int
	pingTimer              *time.Timer
	pingTimerCAS           *atomic.Uint32
	outgoingCh             chan []byte
	closeMu                sync.Mutex
}

func NewSessionWS(logger *zap.Logger, config Config, sessionID uuid.UUID, userID, displayName, clientIP, clientPort string, conn *websocket.Conn, sessionRegistry SessionRegistry, presence PresenceRegistry, rooms *RoomRegistry, metrics Metrics, pipeline *Pipeline) Session {
	sessionLogger := logger.With(zap.String("uid", userID), zap.String("sid", sessionID.String()))

	sessionLogger.Info("New WebSocket session connected")

	ctx, ctxCancelFn := context.WithCancel(context.Background())
	ctx = context.WithValue(ctx, ctxSessionIDKey{}, sessionID)
	ctx = context.WithValue(ctx, ctxUserIDKey{}, userID)

	return &sessionWS{
		logger:      sessionLogger,
		config:      config,
		id:          sessionID,
		userID:      userID,
		displayName: displayName,
		clientIP:    clientIP,
		clientPort:  clientPort,

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,

		pingPeriodDuration: time.Duration(config.GetSocket().PingPeriodMs) * time.Millisecond,
		pongWaitDuration:   time.Duration(config.GetSocket().PongWaitMs) * time.Millisecond,
		writeWaitDuration:  time.Duration(config.GetSocket().WriteWaitMs) * time.Millisecond,

		sessionRegistry: sessionRegistry,
		presence:        presence,
		rooms:           rooms,
		metrics:         metrics,
		pipeline:        pipeline,

		stopped:                false,
		conn:                   conn,
		receivedMessageCounter: config.GetSocket().PingBackoffThreshold,
		pingTimer:              time.NewTimer(time.Duration(config.GetSocket().PingPeriodMs) * time.Millisecond),
		pingTimerCAS:           atomic.NewUint32(1),
		outgoingCh:             make(chan []byte, config.GetSocket().OutgoingQueueSize),
	}
}

func (s *sessionWS) Logger() *zap.Logger {
	return s.logger
}

func (s *sessionWS) ID() uuid.UUID {
	return s.id
}

func (s *sessionWS) UserID() string {
	return s.userID
}

func (s *sessionWS) DisplayName() string {
	return s.displayName
}

func (s *sessionWS) ClientIP() string {
	return s.clientIP
}

func (s *sessionWS) Context() context.Context {
	return s.ctx
}

func (s *sessionWS) Consume() {
	s.conn.SetReadLimit(s.config.GetSocket().MaxMessageSizeBytes)
	if err := s.conn.SetReadDeadline(time.Now().Add(s.pongWaitDuration)); err != nil {
		s.logger.Warn("Failed to set initial read deadline", zap.Error(err))
		go s.Close("failed to set initial read deadline", CloseReasonDisconnect)
		return
	}
	s.conn.SetPongHandler(func(string) error {
		s.maybeResetPingTimer()
		return nil
	})

	// Start a routine to process outbound messages.
	go s.processOutgoing()

	var reason string
	var data []byte

IncomingLoop:
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			// Ignore "normal" WebSocket errors.
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				// Ignore underlying connection being shut down while read is waiting for data.
				if e, ok := err.(*net.OpError); !ok || e.Err.Error() != "use of closed network connection" {
					s.logger.Debug("Error reading message from client", zap.Error(err))
					reason = err.Error()
				}
			}
			break
		}
		if messageType != websocket.TextMessage {
			// Disconnect clients that attempt to use a binary protocol.
			s.logger.Debug("Received unexpected WebSocket message type", zap.Int("actual", messageType))
			reason = "received unexpected WebSocket message type"
			break
		}

		s.receivedMessageCounter--
		if s.receivedMessageCounter <= 0 {
			s.receivedMessageCounter = s.config.GetSocket().PingBackoffThreshold
			if !s.maybeResetPingTimer() {
				// Problems resetting the ping timer indicate an error so we need to close the loop.
				reason = "error updating ping timer"
				break
			}
		}

		request := &Envelope{}
		if err := json.Unmarshal(data, request); err != nil || request.Event == "" {
			// Malformed input is reported to the client, the connection stays open.
			s.logger.Debug("Received malformed payload", zap.Binary("data", data))
			s.metrics.Message(int64(len(data)), true)
			if err := s.Send(newErrorEnvelope("", ErrMalformedPayload.Error())); err != nil {
				reason = err.Error()
				break
			}
			continue
		}

		logger := s.logger
		if request.Cid != "" {
			logger = logger.With(zap.String("cid", request.Cid))
		}
		if !s.pipeline.ProcessRequest(logger, s, request) {
			reason = "error processing message"
			break IncomingLoop
		}

		// Update incoming message metrics.
		s.metrics.Message(int64(len(data)), false)
	}

	if reason != "" {
		// Update incoming message metrics.
		s.metrics.Message(int64(len(data)), true)
	}

	s.Close(reason, CloseReasonDisconnect)
}

func (s *sessionWS) maybeResetPingTimer() bool {
	// If there's already a reset in progress there's no need to wait.
	if !s.pingTimerCAS.CompareAndSwap(1, 0) {
		return true
	}
	defer s.pingTimerCAS.CompareAndSwap(0, 1)

	s.Lock()
	if s.stopped {
		s.Unlock()
		return false
	}
	// CAS ensures concurrency is not a problem here.
	if !s.pingTimer.Stop() {
		select {
		case <-s.pingTimer.C:
		default:
		}
	}
	s.pingTimer.Reset(s.pingPeriodDuration)
	err := s.conn.SetReadDeadline(time.Now().Add(s.pongWaitDuration))
	s.Unlock()
	if err != nil {
		s.logger.Warn("Failed to set read deadline", zap.Error(err))
		s.Close("failed to set read deadline", CloseReasonDisconnect)
		return false
	}
	return true
}

func (s *sessionWS) processOutgoing() {
	var reason string
OutgoingLoop:
	for {
		select {
		case <-s.ctx.Done():
			// Session is closing, close the outgoing process routine.
			break OutgoingLoop
		case <-s.pingTimer.C:
			// Periodically send pings.
			if msg, ok := s.pingNow(); !ok {
				// If ping fails the session will be stopped, clean up the loop.
				reason = msg
				break OutgoingLoop
			}
		case payload := <-s.outgoingCh:
			s.Lock()
			if s.stopped {
				// The connection may have stopped between the payload being queued on the outgoing channel and reaching here.
				s.Unlock()
				break OutgoingLoop
			}
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeWaitDuration)); err != nil {
				s.Unlock()
				s.logger.Warn("Failed to set write deadline", zap.Error(err))
				reason = err.Error()
				break OutgoingLoop
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.Unlock()
				s.logger.Warn("Could not write message", zap.Error(err))
				reason = err.Error()
				break OutgoingLoop
			}
			s.Unlock()

			// Update outgoing message metrics.
			s.metrics.MessageBytesSent(int64(len(payload)))
		}
	}
	s.Close(reason, CloseReasonDisconnect)
}

func (s *sessionWS) pingNow() (string, bool) {
	s.Lock()
	if s.stopped {
		s.Unlock()
		return "", false
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeWaitDuration)); err != nil {
		s.Unlock()
		s.logger.Warn("Could not set write deadline to ping", zap.Error(err))
		return err.Error(), false
	}
	err := s.conn.WriteMessage(websocket.PingMessage, []byte{})
	s.Unlock()
	if err != nil {
		s.logger.Warn("Could not send ping", zap.Error(err))
		return err.Error(), false
	}

	return "", true
}

func (s *sessionWS) Send(envelope *Envelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		s.logger.Warn("Could not marshal envelope", zap.Error(err))
		return err
	}

	if s.logger.Core().Enabled(zap.DebugLevel) {
		s.logger.Debug("Sending message", zap.String("event", envelope.Event), zap.ByteString("payload", payload))
	}

	return s.SendBytes(payload)
}

func (s *sessionWS) SendBytes(payload []byte) error {
	// Attempt to queue messages and observe failures.
	select {
	case s.outgoingCh <- payload:
		return nil
	default:
		// The outgoing queue is full, likely because the remote client can't keep up.
		// Terminate the connection immediately because the only alternative that doesn't block the server is
		// to start dropping messages, which might cause unexpected behaviour.
		s.logger.Warn("Could not write message, session outgoing queue full")
		// Close in a goroutine as the method can block
		go s.Close(ErrSessionQueueFull.Error(), CloseReasonQueueFull)
		return ErrSessionQueueFull
	}
}

func (s *sessionWS) Close(msg string, reason CloseReason) {
	s.closeMu.Lock()
	// Cancel any ongoing operations tied to this session.
	s.ctxCancelFn()
	s.closeMu.Unlock()

	s.Lock()
	if s.stopped {
		s.Unlock()
		return
	}
	s.stopped = true
	s.Unlock()

	// When connection close originates internally in the session, ensure cleanup of external resources and references.
	rooms := s.rooms.LeaveAll(s.id)
	s.presence.Unregister(s, rooms)
	s.pipeline.Forget(s.id)
	s.sessionRegistry.Remove(s.id)

	// Clean up internals.
	s.pingTimer.Stop()

	closeCode := websocket.CloseNormalClosure
	switch reason {
	case CloseReasonHeartbeatTimeout:
		closeCode = websocket.ClosePolicyViolation
	case CloseReasonQueueFull:
		closeCode = websocket.CloseTryAgainLater
	case CloseReasonShutdown:
		closeCode = websocket.CloseGoingAway
	}

	// Close frame reasons are limited to 123 bytes.
	if len(msg) > 120 {
		msg = msg[:120]
	}
	// Send close message.
	if err := s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, msg), time.Now().Add(s.writeWaitDuration)); err != nil {
		// This may not be possible if the socket was already fully closed by an error.
		s.logger.Debug("Could not send close message", zap.Error(err))
	}
	// Close WebSocket.
	if err := s.conn.Close(); err != nil {
		s.logger.Debug("Could not close", zap.Error(err))
	}

	s.logger.Info("Closed client connection", zap.String("reason", reason.String()), zap.String("message", msg))
}
