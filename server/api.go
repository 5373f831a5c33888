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
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type ApiServer struct {
	logger          *zap.Logger
	config          Config
	sessionRegistry SessionRegistry
	presence        PresenceRegistry
	rooms           *RoomRegistry
	dispatcher      *EventDispatcher
	metrics         Metrics
	httpServer      *http.Server
}

type PresenceResponse struct {
	UserID   string    `json:"userId"`
	IsOnline bool      `json:"isOnline"`
	Activity *Activity `json:"activity"`
}

type RoomPresenceResponse struct {
	RoomID  string        `json:"roomId"`
	Members []*RoomMember `json:"members"`
}

type DispatchResponse struct {
	Recipients int `json:"recipients"`
}

func StartApiServer(logger *zap.Logger, startupLogger *zap.Logger, config Config, sessionRegistry SessionRegistry, presence PresenceRegistry, rooms *RoomRegistry, dispatcher *EventDispatcher, metrics Metrics, pipeline *Pipeline) *ApiServer {
	s := &ApiServer{
		logger:          logger,
		config:          config,
		sessionRegistry: sessionRegistry,
		presence:        presence,
		rooms:           rooms,
		dispatcher:      dispatcher,
		metrics:         metrics,
	}

	router := s.Router(NewSocketWsAcceptor(logger, config, sessionRegistry, presence, rooms, metrics, pipeline))

	handlerWithCompressResponse := handlers.CompressHandler(router)
	handlerWithRecovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(zap.NewStdLog(logger)),
		handlers.PrintRecoveryStack(true),
	)(handlerWithCompressResponse)
	handlerWithCORS := handlers.CORS(
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type", "User-Agent"}),
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "HEAD", "POST"}),
	)(handlerWithRecovery)

	socket := config.GetSocket()
	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%v:%d", socket.Address, socket.Port),
		ReadTimeout:    time.Millisecond * time.Duration(int64(socket.ReadTimeoutMs)),
		WriteTimeout:   time.Millisecond * time.Duration(int64(socket.WriteTimeoutMs)),
		IdleTimeout:    time.Millisecond * time.Duration(int64(socket.IdleTimeoutMs)),
		MaxHeaderBytes: 1 << 16,
		Handler:        handlerWithCORS,
	}

	startupLogger.Info("Starting API server for realtime and collaborator traffic", zap.Int("port", socket.Port))
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			startupLogger.Fatal("API server listener failed", zap.Error(err))
		}
	}()

	return s
}

// Router builds the HTTP routes. The socket handler serves /ws.
func (s *ApiServer) Router(socketAcceptor http.HandlerFunc) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }).Methods("GET")
	router.HandleFunc("/healthcheck", s.healthcheck).Methods("GET")
	if socketAcceptor != nil {
		router.HandleFunc("/ws", socketAcceptor).Methods("GET")
	}

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.Use(s.metricsMiddleware, s.serverKeyMiddleware)
	v1.HandleFunc("/presence/{userId}", s.getPresence).Methods("GET").Name("get_presence")
	v1.HandleFunc("/rooms/{roomId}/presence", s.getRoomPresence).Methods("GET").Name("get_room_presence")
	v1.HandleFunc("/rooms/{roomId}/events/{type}", s.dispatchRoomEvent).Methods("POST").Name("dispatch_room_event")
	v1.HandleFunc("/users/{userId}/events/{type}", s.dispatchUserEvent).Methods("POST").Name("dispatch_user_event")

	return router
}

func (s *ApiServer) Stop() {
	if s.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("API server shutdown failed", zap.Error(err))
	}
}

func (s *ApiServer) healthcheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{
		"sessions":  s.sessionRegistry.Count(),
		"presences": s.presence.Count(),
		"rooms":     s.rooms.Count(),
	})
}

func (s *ApiServer) getPresence(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	writeJSON(w, http.StatusOK, &PresenceResponse{
		UserID:   userID,
		IsOnline: s.presence.IsUserOnline(userID),
		Activity: s.presence.GetUserActivity(userID),
	})
}

func (s *ApiServer) getRoomPresence(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]
	users := s.rooms.Users(roomID)
	members := make([]*RoomMember, 0, len(users))
	for userID, displayName := range users {
		presence := s.presence.Snapshot(userID)
		members = append(members, &RoomMember{
			UserID:      userID,
			DisplayName: displayName,
			IsOnline:    presence.Online,
			Activity:    presence.Activity,
		})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
	writeJSON(w, http.StatusOK, &RoomPresenceResponse{RoomID: roomID, Members: members})
}

func (s *ApiServer) dispatchRoomEvent(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	payload, ok := s.readPayload(w, r)
	if !ok {
		return
	}
	n, err := s.dispatcher.BroadcastToRoom(vars["roomId"], vars["type"], payload)
	s.writeDispatchResult(w, n, err)
}

func (s *ApiServer) dispatchUserEvent(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	payload, ok := s.readPayload(w, r)
	if !ok {
		return
	}
	n, err := s.dispatcher.EmitToUser(vars["userId"], vars["type"], payload)
	s.writeDispatchResult(w, n, err)
}

func (s *ApiServer) readPayload(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.GetSocket().MaxRequestSizeBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	return body, true
}

func (s *ApiServer) writeDispatchResult(w http.ResponseWriter, n int, err error) {
	switch {
	case errors.Is(err, ErrUnknownEventType):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		s.logger.Error("Could not dispatch event", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	default:
		writeJSON(w, http.StatusOK, &DispatchResponse{Recipients: n})
	}
}

func (s *ApiServer) serverKeyMiddleware(next http.Handler) http.Handler {
	serverKey := []byte(s.config.GetSocket().ServerKey)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("http_key")
		if username, _, ok := r.BasicAuth(); ok {
			key = username
		}
		if subtle.ConstantTimeCompare([]byte(key), serverKey) != 1 {
			writeError(w, http.StatusUnauthorized, "server key invalid")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

func (s *ApiServer) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		name := "unknown"
		if route := mux.CurrentRoute(r); route != nil && route.GetName() != "" {
			name = route.GetName()
		}
		s.metrics.Api(name, time.Since(start), r.ContentLength, recorder.bytes, recorder.status >= http.StatusBadRequest)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, &ErrorMessage{Message: message})
}
