// Copyright 2024-2026 Aiku AI

// Package registry maps instance identities to their connection controllers.
// It is the single source of truth for which instances exist and what state
// they are in, and the only structure in the gateway touched by more than
// one concurrent flow.
package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aiku/wagate/pkg/authcode"
	"github.com/aiku/wagate/pkg/instance"
	"github.com/aiku/wagate/pkg/protocol"
)

var (
	// ErrNotFound means there is no entry for the identity.
	ErrNotFound = errors.New("instance not found")
	// ErrAlreadyExists means a non-terminal entry already holds the
	// identity. Create returns the existing session alongside it so callers
	// can serve the in-flight state instead.
	ErrAlreadyExists = errors.New("instance already exists")
	// ErrInvalidIdentity rejects empty instance names.
	ErrInvalidIdentity = errors.New("instance identity must not be empty")
)

// Deps are the collaborators handed to every session the registry creates.
type Deps struct {
	Dialer      protocol.Dialer
	Credentials protocol.CredentialStore
	Issuer      authcode.Issuer
	Sink        instance.MessageSink
	Log         zerolog.Logger

	SessionOptions instance.Config // only the timing fields are read
}

// Registry is a concurrent identity -> session map. It owns session creation
// and destruction and never reaches into controller-internal state.
type Registry struct {
	deps Deps
	log  zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*instance.Session
}

// Entry pairs an identity with a state snapshot for listings.
type Entry struct {
	Name  string
	State instance.State
}

func New(deps Deps) *Registry {
	return &Registry{
		deps:     deps,
		log:      deps.Log.With().Str("component", "registry").Logger(),
		sessions: make(map[string]*instance.Session),
	}
}

// Create installs and starts a controller for the identity. If a non-terminal
// entry already exists, it is returned with ErrAlreadyExists and no second
// session is started; a terminal leftover entry is replaced atomically.
func (r *Registry) Create(_ context.Context, identity string) (*instance.Session, error) {
	if identity == "" {
		return nil, ErrInvalidIdentity
	}

	r.mu.Lock()
	if existing, ok := r.sessions[identity]; ok {
		if !existing.Snapshot().Lifecycle.Terminal() {
			r.mu.Unlock()
			return existing, ErrAlreadyExists
		}
		r.log.Debug().Str("instance", identity).Msg("Replacing terminal leftover entry")
	}
	sess := instance.NewSession(instance.Config{
		Name:             identity,
		Dialer:           r.deps.Dialer,
		Credentials:      r.deps.Credentials,
		Issuer:           r.deps.Issuer,
		Sink:             r.deps.Sink,
		OnClosed:         r.dropClosed,
		Log:              r.deps.Log,
		ReconnectBackoff: r.deps.SessionOptions.ReconnectBackoff,
		LogoutGrace:      r.deps.SessionOptions.LogoutGrace,
		ArtifactTTL:      r.deps.SessionOptions.ArtifactTTL,
	})
	r.sessions[identity] = sess
	r.mu.Unlock()

	r.log.Info().Str("instance", identity).Msg("Instance created")
	sess.Start()
	return sess, nil
}

// Lookup returns the live session for an identity.
func (r *Registry) Lookup(identity string) (*instance.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[identity]
	return sess, ok
}

// Get returns a point-in-time state snapshot.
func (r *Registry) Get(identity string) (instance.State, error) {
	sess, ok := r.Lookup(identity)
	if !ok {
		return instance.State{}, ErrNotFound
	}
	return sess.Snapshot(), nil
}

// List snapshots all current entries. Ordering is unspecified.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	sessions := make([]*instance.Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.RUnlock()

	entries := make([]Entry, 0, len(sessions))
	for _, sess := range sessions {
		entries = append(entries, Entry{Name: sess.Name(), State: sess.Snapshot()})
	}
	return entries
}

// Send delivers a text message through the identity's open session.
func (r *Registry) Send(ctx context.Context, identity, to, text string) error {
	sess, ok := r.Lookup(identity)
	if !ok {
		return ErrNotFound
	}
	return sess.SendText(ctx, to, text)
}

// Remove tears the instance down: graceful terminate, entry removal, then
// best-effort credential discard. It is idempotent and never fails; partial
// cleanup failures are logged and absorbed.
func (r *Registry) Remove(ctx context.Context, identity string) {
	r.mu.Lock()
	sess, ok := r.sessions[identity]
	delete(r.sessions, identity)
	r.mu.Unlock()

	if ok {
		sess.Terminate()
		r.log.Info().Str("instance", identity).Msg("Instance removed")
	}
	if r.deps.Credentials != nil {
		if err := r.deps.Credentials.Discard(ctx, identity); err != nil {
			r.log.Warn().Err(err).Str("instance", identity).Msg("Failed to discard credentials")
		}
	}
}

// Close stops every session without logging out, leaving remote sessions
// resumable on the next boot. Used for process shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := make([]*instance.Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.sessions = make(map[string]*instance.Session)
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.Stop()
	}
}

// dropClosed removes an entry after a terminal remote closure. The session
// cleaned itself up already; only the map entry remains.
func (r *Registry) dropClosed(identity string) {
	r.mu.Lock()
	sess, ok := r.sessions[identity]
	dropped := ok && sess.Snapshot().Lifecycle.Terminal()
	if dropped {
		delete(r.sessions, identity)
	}
	r.mu.Unlock()
	if dropped {
		r.log.Info().Str("instance", identity).Msg("Instance removed after remote log-out")
	}
}
