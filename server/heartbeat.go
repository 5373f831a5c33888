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
	"sync"
	"time"

	"go.uber.org/zap"
)

// HeartbeatMonitor periodically force-closes connections that stopped sending heartbeats. It never changes presence
// state itself: closing a session runs the same teardown as a client disconnect.
type HeartbeatMonitor struct {
	logger      *zap.Logger
	clock       Clock
	connections *ConnectionRegistry
	metrics     Metrics

	interval time.Duration
	timeout  time.Duration

	ctx         context.Context
	ctxCancelFn context.CancelFunc
	done        chan struct{}
	closers     sync.WaitGroup
}

func NewHeartbeatMonitor(logger *zap.Logger, config Config, clock Clock, connections *ConnectionRegistry, metrics Metrics) *HeartbeatMonitor {
	ctx, ctxCancelFn := context.WithCancel(context.Background())
	return &HeartbeatMonitor{
		logger:      logger,
		clock:       clock,
		connections: connections,
		metrics:     metrics,

		interval: config.GetPresence().GetHeartbeatInterval(),
		timeout:  config.GetPresence().GetHeartbeatTimeout(),

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,
		done:        make(chan struct{}),
	}
}

// StartHeartbeatMonitor creates a monitor and starts its sweep loop.
func StartHeartbeatMonitor(logger *zap.Logger, config Config, clock Clock, connections *ConnectionRegistry, metrics Metrics) *HeartbeatMonitor {
	m := NewHeartbeatMonitor(logger, config, clock, connections, metrics)
	go m.run()
	return m
}

func (m *HeartbeatMonitor) run() {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.safeSweep()
		}
	}
}

func (m *HeartbeatMonitor) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Heartbeat sweep panicked", zap.Any("recovered", r))
		}
	}()
	if closed := m.Sweep(m.clock.Now()); closed > 0 {
		m.logger.Info("Closed connections with expired heartbeats", zap.Int("count", closed))
	}
}

// Sweep starts closing every connection whose last heartbeat is older than the timeout, and returns how many.
func (m *HeartbeatMonitor) Sweep(now time.Time) int {
	var closed int
	for _, conn := range m.connections.Snapshot() {
		last := conn.LastHeartbeat()
		if now.Sub(last) <= m.timeout {
			continue
		}
		if !conn.MarkClosing() {
			// Still closing from an earlier sweep.
			continue
		}
		conn.Session.Logger().Debug("Heartbeat expired", zap.Time("last_heartbeat", last))
		// Close blocks on the close frame write.
		m.closers.Add(1)
		go func(session Session) {
			defer m.closers.Done()
			session.Close("heartbeat timeout", CloseReasonHeartbeatTimeout)
		}(conn.Session)
		closed++
	}
	if closed > 0 {
		m.metrics.HeartbeatTimeouts(int64(closed))
	}
	return closed
}

// Stop cancels the sweep loop and waits for it and any closes it started to finish. Only valid after
// StartHeartbeatMonitor.
func (m *HeartbeatMonitor) Stop() {
	m.ctxCancelFn()
	<-m.done
	m.closers.Wait()
}
