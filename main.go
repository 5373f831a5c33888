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

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/studyhall/realtime/migrate"
	"github.com/studyhall/realtime/server"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version  string = "3.0.0"
	commitID string = "dev"
)

func main() {
	semver := fmt.Sprintf("%s+%s", version, commitID)
	// Always set default timeout on HTTP client.
	http.DefaultClient.Timeout = 1500 * time.Millisecond

	tmpLogger := server.NewJSONLogger(os.Stdout, zapcore.InfoLevel, server.JSONFormat)

	ctx, ctxCancelFn := context.WithCancel(context.Background())

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version":
			fmt.Println(semver)
			return
		case "migrate":
			migrate.Parse(os.Args[2:], tmpLogger)
			return
		}
	}

	config := server.ParseArgs(tmpLogger, os.Args)
	logger, startupLogger := server.SetupLogging(tmpLogger, config)
	configWarnings := server.CheckConfig(logger, config)

	startupLogger.Info("StudyHall realtime starting")
	startupLogger.Info("Node", zap.String("name", config.GetName()), zap.String("version", semver), zap.String("runtime", runtime.Version()), zap.Int("cpu", runtime.NumCPU()), zap.Int("proc", runtime.GOMAXPROCS(0)))
	startupLogger.Info("Config file", zap.String("path", config.GetConfig()))
	for key, msg := range configWarnings {
		startupLogger.Warn(msg, zap.String("param", key))
	}

	var store server.Store
	if len(config.GetDatabase().Addresses) > 0 {
		db, dbVersion := server.DbConnect(ctx, startupLogger, config)
		startupLogger.Info("Database information", zap.String("version", dbVersion))
		migrate.StartupCheck(startupLogger, db)
		store = server.NewPgStore(logger, db)
	} else {
		startupLogger.Info("No database configured, using in-memory collaborator store")
		store = server.NewMemoryStore()
	}

	metrics := server.NewLocalMetrics(logger, startupLogger, config)
	clock := server.SystemClock()
	sessionRegistry := server.NewLocalSessionRegistry(metrics)
	connections := server.NewConnectionRegistry()
	rooms := server.NewRoomRegistry()
	router := server.NewLocalMessageRouter(logger, metrics, sessionRegistry, connections, rooms)
	presence := server.NewLocalPresenceRegistry(logger, config, metrics, clock, router, connections, store, store)
	heartbeats := server.StartHeartbeatMonitor(logger, config, clock, connections, metrics)
	dispatcher := server.NewEventDispatcher(logger, metrics, router)
	pipeline := server.NewPipeline(logger, config, metrics, presence, rooms, router, dispatcher, store, store)
	apiServer := server.StartApiServer(logger, startupLogger, config, sessionRegistry, presence, rooms, dispatcher, metrics, pipeline)

	startupLogger.Info("Startup done")

	// Respect OS stop signals.
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	<-c

	startupLogger.Info("Shutting down")

	graceSeconds := config.GetShutdownGraceSec()
	if graceSeconds != 0 {
		startupLogger.Info("Shutdown grace period", zap.Int("seconds", graceSeconds))
		select {
		case <-time.After(time.Duration(graceSeconds) * time.Second):
		case <-c:
			startupLogger.Info("Skipping graceful shutdown")
		}
	}

	// Stop timers first so closing sessions below does not schedule new offline transitions.
	heartbeats.Stop()
	presence.Stop()
	sessionRegistry.Range(func(session server.Session) bool {
		session.Close("server shutdown", server.CloseReasonShutdown)
		return true
	})
	sessionRegistry.Stop()
	apiServer.Stop()
	metrics.Stop(logger)
	if err := store.Close(); err != nil {
		logger.Error("Error closing store", zap.Error(err))
	}

	ctxCancelFn()

	startupLogger.Info("Shutdown complete")

	os.Exit(0)
}
