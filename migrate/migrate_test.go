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

package migrate

import (
	"context"
	"os"
	"strings"
	"testing"

	migrate "github.com/rubenv/sql-migrate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/studyhall/realtime/server"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestEmbeddedMigrations(t *testing.T) {
	migrations, err := migrationSource().FindMigrations()
	require.NoError(t, err)
	require.Len(t, migrations, 1)

	m := migrations[0]
	assert.Equal(t, "20240601000000_initial_schema.sql", m.Id)
	assert.NotEmpty(t, m.Up)
	assert.NotEmpty(t, m.Down)
	up := strings.Join(m.Up, "\n")
	for _, table := range []string{"rooms", "room_members", "partner_links", "chat_messages", "user_activity"} {
		assert.Contains(t, up, "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
}

func TestParseSubcommand(t *testing.T) {
	ms := &migrationService{}
	ms.parseSubcommand([]string{
		"-database.address", "postgres:password@db1:5432/studyhall,postgres:password@db2:5432/studyhall",
		"-limit", "2",
		"-logger.format", "stackdriver",
	}, zap.NewNop())

	assert.Equal(t, []string{"postgres:password@db1:5432/studyhall", "postgres:password@db2:5432/studyhall"}, ms.dbAddresses)
	assert.Equal(t, 2, ms.limit)
	assert.Equal(t, server.StackdriverFormat, ms.loggerFormat)
}

func TestParseSubcommandDefaults(t *testing.T) {
	ms := &migrationService{}
	ms.parseSubcommand(nil, zap.NewNop())

	assert.Equal(t, []string{"postgres:password@localhost:5432/studyhall"}, ms.dbAddresses)
	assert.Equal(t, defaultLimit, ms.limit)
	assert.Equal(t, server.JSONFormat, ms.loggerFormat)
}

// Runs against the database named by STUDYHALL_TEST_DB, e.g. postgres:password@localhost:5432/studyhall.
func TestStartupCheckAfterUp(t *testing.T) {
	address := os.Getenv("STUDYHALL_TEST_DB")
	if address == "" {
		t.Skip("STUDYHALL_TEST_DB not set")
	}
	cfg := server.NewConfig(zap.NewNop())
	cfg.GetDatabase().Addresses = []string{address}
	db, _ := server.DbConnect(context.Background(), zap.NewNop(), cfg)
	t.Cleanup(func() { db.Close() })

	migrate.SetTable(migrationTable)
	_, err := migrate.Exec(db, dialect, migrationSource(), migrate.Up)
	require.NoError(t, err)

	logger := zap.New(zapcore.NewNopCore(), zap.WithFatalHook(zapcore.WriteThenPanic))
	assert.NotPanics(t, func() { StartupCheck(logger, db) })
}
