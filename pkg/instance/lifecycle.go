// Copyright 2024-2026 Aiku AI

package instance

import (
	"time"

	"github.com/aiku/wagate/pkg/authcode"
)

// Lifecycle is a connection controller state.
type Lifecycle string

const (
	// LifecycleConnecting means a connect attempt or reconnect backoff is
	// in progress.
	LifecycleConnecting Lifecycle = "connecting"
	// LifecycleAwaitingCode means the remote side issued an authentication
	// code and is waiting for it to be used.
	LifecycleAwaitingCode Lifecycle = "awaiting_code"
	// LifecycleOpen means the session is established and can send.
	LifecycleOpen Lifecycle = "open"
	// LifecycleClosed is terminal; the registry entry is being removed.
	LifecycleClosed Lifecycle = "closed"
)

func (l Lifecycle) String() string {
	return string(l)
}

// Terminal reports whether the state ends the instance's life.
func (l Lifecycle) Terminal() bool {
	return l == LifecycleClosed
}

// State is a point-in-time snapshot of a controller, observed read-only by
// the registry and API layer.
type State struct {
	Lifecycle Lifecycle
	// Artifact is present only while Lifecycle is awaiting_code and the
	// artifact is within its validity window.
	Artifact  *authcode.Artifact
	CreatedAt time.Time
	// LastError is the most recent disconnect reason, kept for diagnostics.
	LastError string
}
