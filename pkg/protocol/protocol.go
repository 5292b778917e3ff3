// Copyright 2024-2026 Aiku AI

// Package protocol defines the capability interfaces the gateway core is
// built against: the messaging protocol client, its event stream, and the
// credential blob store. Concrete implementations live outside the core
// (pkg/wameow for the real protocol, pkg/credstore for file-backed
// credentials); tests use scripted fakes.
package protocol

import (
	"context"
	"encoding/json"
	"time"
)

// Event is a connection-state or message notification from a live session.
// Each session delivers its events on a single ordered channel; the channel
// is closed when the session is dead and will produce no further events.
type Event interface {
	isEvent()
}

// CodeIssued is emitted when the remote side issues a fresh authentication
// payload. Payload is the raw scannable content for QR-based pairing, or the
// raw numeric code when Numeric is set.
type CodeIssued struct {
	Payload string
	Numeric bool
}

// Opened is emitted when the session is fully established. Credentials holds
// the opaque blob that restores this session on a later dial; it may be empty
// if the implementation persists credentials itself.
type Opened struct {
	Credentials []byte
}

// Closed is emitted when the session ends. Terminal means the remote side
// ended the session permanently (an explicit log-out); anything else is a
// transient failure the caller may retry.
type Closed struct {
	Reason   string
	Terminal bool
}

// MessageKey identifies an inbound message.
type MessageKey struct {
	ID        string `json:"id"`
	RemoteJID string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
}

// Message is an inbound message event.
type Message struct {
	Key       MessageKey
	Raw       json.RawMessage
	Timestamp time.Time
	FromMe    bool
	Text      string
}

func (CodeIssued) isEvent() {}
func (Opened) isEvent()     {}
func (Closed) isEvent()     {}
func (Message) isEvent()    {}

// Client is one live protocol session. A Client is owned by exactly one
// connection controller and is not safe for concurrent use beyond the
// documented methods.
type Client interface {
	// Events returns the session's ordered event channel.
	Events() <-chan Event
	// SendText sends a plain text message to the given recipient JID.
	SendText(ctx context.Context, to, text string) error
	// Logout ends the session on the remote side.
	Logout(ctx context.Context) error
	// Close force-closes the underlying transport without logging out.
	// It is safe to call more than once.
	Close()
}

// Dialer establishes protocol sessions. credentials is the opaque blob
// previously captured from an Opened event, or nil for a fresh pairing.
type Dialer interface {
	Dial(ctx context.Context, identity string, credentials []byte) (Client, error)
}

// CredentialStore persists one opaque credential blob per instance identity.
// The blob format is owned entirely by the Dialer implementation.
type CredentialStore interface {
	// Load returns the stored blob and whether one was found.
	Load(ctx context.Context, identity string) ([]byte, bool, error)
	// Save stores the blob, replacing any previous one.
	Save(ctx context.Context, identity string, blob []byte) error
	// Discard removes the blob. Removing an absent blob is not an error.
	Discard(ctx context.Context, identity string) error
}
