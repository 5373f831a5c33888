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
	"crypto"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type (
	// Keys used for storing/retrieving user information in the context of a session.
	ctxSessionIDKey struct{}
	ctxUserIDKey    struct{}
)

// SessionTokenClaims are the claims of the session tokens issued by the authentication service.
type SessionTokenClaims struct {
	TokenId     string `json:"tid,omitempty"`
	UserId      string `json:"uid,omitempty"`
	DisplayName string `json:"dn,omitempty"`
	ExpiresAt   int64  `json:"exp,omitempty"`
	IssuedAt    int64  `json:"iat,omitempty"`
}

func (stc *SessionTokenClaims) Valid() error {
	// Verify expiry.
	if stc.ExpiresAt <= time.Now().UTC().Unix() {
		vErr := new(jwt.ValidationError)
		vErr.Inner = errors.New("Token is expired")
		vErr.Errors |= jwt.ValidationErrorExpired
		return vErr
	}
	if stc.UserId == "" {
		vErr := new(jwt.ValidationError)
		vErr.Inner = errors.New("Token has no user")
		vErr.Errors |= jwt.ValidationErrorClaimsInvalid
		return vErr
	}
	return nil
}

// GenerateSessionToken signs a session token. The authentication service owns token issuance, this is used by tools and tests.
func GenerateSessionToken(signingKey, userID, displayName string, exp int64) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &SessionTokenClaims{
		TokenId:     uuid.Must(uuid.NewV4()).String(),
		UserId:      userID,
		DisplayName: displayName,
		ExpiresAt:   exp,
		IssuedAt:    time.Now().UTC().Unix(),
	})
	signedToken, _ := token.SignedString([]byte(signingKey))
	return signedToken
}

func parseToken(hmacSecretByte []byte, tokenString string) (userID, displayName string, exp int64, ok bool) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionTokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if s, ok := token.Method.(*jwt.SigningMethodHMAC); !ok || s.Hash != crypto.SHA256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return hmacSecretByte, nil
	})
	if err != nil {
		return
	}
	claims, ok := token.Claims.(*SessionTokenClaims)
	if !ok || !token.Valid {
		return
	}
	return claims.UserId, claims.DisplayName, claims.ExpiresAt, true
}

func NewSocketWsAcceptor(logger *zap.Logger, config Config, sessionRegistry SessionRegistry, presence PresenceRegistry, rooms *RoomRegistry, metrics Metrics, pipeline *Pipeline) func(http.ResponseWriter, *http.Request) {
	upgrader := &websocket.Upgrader{
		ReadBufferSize:  config.GetSocket().ReadBufferSizeBytes,
		WriteBufferSize: config.GetSocket().WriteBufferSizeBytes,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	// This handler will be attached to the API server.
	return func(w http.ResponseWriter, r *http.Request) {
		// Check authentication.
		var token string
		if auth := r.Header["Authorization"]; len(auth) >= 1 {
			// Attempt header based authentication.
			const prefix = "Bearer "
			if !strings.HasPrefix(auth[0], prefix) {
				http.Error(w, "Missing or invalid token", 401)
				return
			}
			token = auth[0][len(prefix):]
		} else {
			// Attempt query parameter based authentication.
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			http.Error(w, "Missing or invalid token", 401)
			return
		}
		userID, displayName, _, ok := parseToken([]byte(config.GetSession().EncryptionKey), token)
		if !ok {
			http.Error(w, "Missing or invalid token", 401)
			return
		}

		// Upgrade to WebSocket.
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// http.Error is invoked automatically from within the Upgrade function.
			logger.Debug("Could not upgrade to WebSocket", zap.Error(err))
			return
		}

		clientIP, clientPort := extractClientAddressFromRequest(logger, r)
		sessionID := uuid.Must(uuid.NewV4())

		// Mark the start of the session.
		metrics.CountWebsocketOpened(1)

		// Wrap the connection for application handling.
		session := NewSessionWS(logger, config, sessionID, userID, displayName, clientIP, clientPort, conn, sessionRegistry, presence, rooms, metrics, pipeline)

		// Add to the session registry. Presence registration waits for the client's presence.init.
		sessionRegistry.Add(session)

		// Allow the server to begin processing incoming messages from this session.
		session.Consume()

		// Mark the end of the session.
		metrics.CountWebsocketClosed(1)
	}
}

func extractClientAddressFromRequest(logger *zap.Logger, r *http.Request) (string, string) {
	var clientAddr string
	if ips := r.Header.Get("x-forwarded-for"); len(ips) > 0 {
		clientAddr = strings.TrimSpace(strings.Split(ips, ",")[0])
	} else {
		clientAddr = r.RemoteAddr
	}
	return extractClientAddress(logger, clientAddr, r, "request")
}

func extractClientAddress(logger *zap.Logger, clientAddr string, source interface{}, sourceType string) (string, string) {
	var clientIP, clientPort string

	if clientAddr != "" {
		// It's possible the request metadata had no client address string.
		clientAddr = strings.TrimSpace(clientAddr)
		if host, port, err := net.SplitHostPort(clientAddr); err == nil {
			clientIP = host
			clientPort = port
		} else {
			var addrErr *net.AddrError
			if errors.As(err, &addrErr) && addrErr.Err == "missing port in address" {
				clientIP = clientAddr
			} else {
				logger.Debug("Could not extract client address from request.", zap.Error(err))
			}
		}
	} else {
		logger.Debug("Could not extract client address from request.", zap.String("sourceType", sourceType), zap.Any("source", source))
	}

	return clientIP, clientPort
}
