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
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

var _ Store = (*PgStore)(nil)

// DbConnect opens and verifies the database connection pool described by the config.
func DbConnect(ctx context.Context, logger *zap.Logger, config Config) (*sql.DB, string) {
	rawURL := config.GetDatabase().Addresses[0]
	if !(strings.HasPrefix(rawURL, "postgresql://") || strings.HasPrefix(rawURL, "postgres://")) {
		rawURL = fmt.Sprintf("postgres://%s", rawURL)
	}
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		logger.Fatal("Bad database connection URL", zap.Error(err))
	}
	query := parsedURL.Query()
	if len(query.Get("sslmode")) == 0 {
		query.Set("sslmode", "prefer")
		parsedURL.RawQuery = query.Encode()
	}
	if len(parsedURL.User.Username()) < 1 {
		parsedURL.User = url.User("postgres")
	}
	dbName := "studyhall"
	if len(parsedURL.Path) > 1 {
		dbName = parsedURL.Path[1:]
	} else {
		parsedURL.Path = "/" + dbName
	}

	logger.Debug("Complete database connection URL", zap.String("raw_url", parsedURL.Redacted()))
	db, err := sql.Open("pgx", parsedURL.String())
	if err != nil {
		logger.Fatal("Error connecting to database", zap.Error(err))
	}

	pingCtx, pingCtxCancelFn := context.WithTimeout(ctx, 15*time.Second)
	defer pingCtxCancelFn()
	if err = db.PingContext(pingCtx); err != nil {
		if strings.HasSuffix(err.Error(), "does not exist (SQLSTATE 3D000)") {
			logger.Fatal("Database schema not found, run `studyhall migrate up`", zap.String("database", dbName), zap.Error(err))
		}
		logger.Fatal("Error pinging database", zap.Error(err))
	}

	db.SetConnMaxLifetime(time.Millisecond * time.Duration(config.GetDatabase().ConnMaxLifetimeMs))
	db.SetMaxOpenConns(config.GetDatabase().MaxOpenConns)
	db.SetMaxIdleConns(config.GetDatabase().MaxIdleConns)

	var dbVersion string
	if err = db.QueryRowContext(pingCtx, "SHOW server_version").Scan(&dbVersion); err != nil {
		logger.Fatal("Error querying database version", zap.Error(err))
	}

	return db, dbVersion
}

// PgStore serves collaborator data from the PostgreSQL tables owned by the room and user services.
type PgStore struct {
	logger *zap.Logger
	db     *sql.DB
}

func NewPgStore(logger *zap.Logger, db *sql.DB) *PgStore {
	return &PgStore{
		logger: logger,
		db:     db,
	}
}

func (s *PgStore) GetPartnerID(ctx context.Context, userID string) (string, error) {
	var partnerID string
	err := s.db.QueryRowContext(ctx, "SELECT partner_id FROM partner_links WHERE user_id = $1", userID).Scan(&partnerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("error reading partner link: %w", err)
	}
	return partnerID, nil
}

func (s *PgStore) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	var member bool
	err := s.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM room_members WHERE room_id = $1 AND user_id = $2)", roomID, userID).Scan(&member)
	if err != nil {
		return false, fmt.Errorf("error checking room membership: %w", err)
	}
	return member, nil
}

func (s *PgStore) SaveMessage(ctx context.Context, message *ChatMessage) error {
	if message.ID == "" {
		message.ID = uuid.Must(uuid.NewV4()).String()
	}

	query := `
INSERT INTO chat_messages (id, room_id, user_id, display_name, content)
VALUES ($1, $2, $3, $4, $5)
RETURNING create_time`
	var createTime time.Time
	err := s.db.QueryRowContext(ctx, query, message.ID, message.RoomID, message.UserID, message.DisplayName, message.Content).Scan(&createTime)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return ErrRoomNotFound
		}
		return fmt.Errorf("error saving chat message: %w", err)
	}
	message.CreateTime = createTime.UTC()
	return nil
}

func (s *PgStore) RecentMessages(ctx context.Context, roomID string, limit int) ([]*ChatMessage, error) {
	if limit <= 0 {
		return []*ChatMessage{}, nil
	}

	query := `
SELECT id, room_id, user_id, display_name, content, create_time
FROM chat_messages
WHERE room_id = $1
ORDER BY create_time DESC, id DESC
LIMIT $2`
	rows, err := s.db.QueryContext(ctx, query, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("error listing chat messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*ChatMessage, 0, limit)
	for rows.Next() {
		message := &ChatMessage{}
		if err := rows.Scan(&message.ID, &message.RoomID, &message.UserID, &message.DisplayName, &message.Content, &message.CreateTime); err != nil {
			return nil, fmt.Errorf("error scanning chat message: %w", err)
		}
		message.CreateTime = message.CreateTime.UTC()
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error listing chat messages: %w", err)
	}

	// Oldest first.
	return lo.Reverse(messages), nil
}

func (s *PgStore) RecordLastActive(ctx context.Context, userID string, at time.Time) error {
	query := `
INSERT INTO user_activity (user_id, last_active_at)
VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE
SET last_active_at = GREATEST(user_activity.last_active_at, EXCLUDED.last_active_at)`
	if _, err := s.db.ExecContext(ctx, query, userID, at.UTC()); err != nil {
		return fmt.Errorf("error recording last active time: %w", err)
	}
	return nil
}

func (s *PgStore) Close() error {
	return s.db.Close()
}
