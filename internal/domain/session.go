// Package domain contains core domain types for the scheduler service.
package domain

import (
	"time"
)

// SessionPhase is the lifecycle phase of a user's messaging session.
type SessionPhase string

const (
	PhaseUninitialized   SessionPhase = "UNINITIALIZED"
	PhaseConnecting      SessionPhase = "CONNECTING"
	PhaseAwaitingPairing SessionPhase = "AWAITING_PAIRING"
	PhaseAuthenticating  SessionPhase = "AUTHENTICATING"
	PhaseReady           SessionPhase = "READY"
	PhaseDisconnected    SessionPhase = "DISCONNECTED"
	PhaseDestroyed       SessionPhase = "DESTROYED"
)

// SessionState is the observable part of a session. It is the only part that
// is persisted; the messaging client itself is always rebuilt.
type SessionState struct {
	Phase            SessionPhase `json:"phase"`
	IsInitialized    bool         `json:"isInitialized"`
	IsAuthenticated  bool         `json:"isAuthenticated"`
	PairingChallenge string       `json:"qrCode,omitempty"`
	LastHeartbeat    time.Time    `json:"lastHeartbeat"`
	LastError        string       `json:"lastError,omitempty"`
}

// IdleFor returns how long the session has gone without a heartbeat.
func (s SessionState) IdleFor(now time.Time) time.Duration {
	if s.LastHeartbeat.IsZero() {
		return 0
	}
	return now.Sub(s.LastHeartbeat)
}

// HasChallenge reports whether a pairing challenge is waiting to be scanned.
func (s SessionState) HasChallenge() bool {
	return s.PairingChallenge != ""
}

// SessionInfo pairs a user with a copy of their session state.
type SessionInfo struct {
	UserID string
	State  SessionState
}
