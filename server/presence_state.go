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

type PresenceState uint8

const (
	PresenceOffline PresenceState = iota
	PresenceOnline
	PresenceOfflineGrace
)

func (s PresenceState) String() string {
	switch s {
	case PresenceOnline:
		return "online"
	case PresenceOfflineGrace:
		return "offline_grace"
	default:
		return "offline"
	}
}

// Online reports the externally visible status. A pending grace period still counts as online.
func (s PresenceState) Online() bool {
	return s == PresenceOnline || s == PresenceOfflineGrace
}

type presenceInput uint8

const (
	inputConnect presenceInput = iota
	inputLastDisconnect
	inputGraceExpired
)

type presenceEffect uint8

const (
	effectNone presenceEffect = iota
	// Announce the user online and run the partner handshake.
	effectCameOnline
	// Start the grace timer.
	effectStartGrace
	// Cancel the pending grace timer silently.
	effectCancelGrace
	// Report the user offline to their partner.
	effectWentOffline
)

func (e presenceEffect) String() string {
	switch e {
	case effectCameOnline:
		return "came_online"
	case effectStartGrace:
		return "start_grace"
	case effectCancelGrace:
		return "cancel_grace"
	case effectWentOffline:
		return "went_offline"
	default:
		return "none"
	}
}

// nextPresence is the presence state machine. Inputs that do not apply to the current state leave it unchanged.
func nextPresence(state PresenceState, input presenceInput) (PresenceState, presenceEffect) {
	switch input {
	case inputConnect:
		switch state {
		case PresenceOffline:
			return PresenceOnline, effectCameOnline
		case PresenceOfflineGrace:
			return PresenceOnline, effectCancelGrace
		}
	case inputLastDisconnect:
		if state == PresenceOnline {
			return PresenceOfflineGrace, effectStartGrace
		}
	case inputGraceExpired:
		if state == PresenceOfflineGrace {
			return PresenceOffline, effectWentOffline
		}
	}
	return state, effectNone
}
