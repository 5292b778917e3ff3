// Copyright 2024-2026 Aiku AI

package instance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/wagate/pkg/authcode"
	"github.com/aiku/wagate/pkg/protocol"
)

var (
	// ErrNotConnected is returned by SendText while the session is not open.
	ErrNotConnected = errors.New("instance is not connected")
	// ErrClosed resolves a pending initial wait when the session ends
	// terminally before issuing a code or opening.
	ErrClosed = errors.New("instance session closed")
)

const (
	// DefaultInitialDeadline bounds how long instance creation waits for
	// the first code/open/close outcome.
	DefaultInitialDeadline = 60 * time.Second
	// DefaultReconnectBackoff is the fixed delay between redials.
	DefaultReconnectBackoff = 3 * time.Second
	// DefaultLogoutGrace bounds the graceful log-out during Terminate.
	DefaultLogoutGrace = 2 * time.Second
)

// MessageSink receives inbound message events for forwarding. Dispatch must
// not block; the controller calls it from its event-processing path.
type MessageSink interface {
	Dispatch(instance string, msg protocol.Message)
}

// Config carries a Session's collaborators and tuning. Name, Dialer and
// Issuer are required; everything else is optional.
type Config struct {
	Name        string
	Dialer      protocol.Dialer
	Credentials protocol.CredentialStore
	Issuer      authcode.Issuer
	Sink        MessageSink
	// OnClosed is invoked once when the session ends terminally from the
	// remote side, so the registry can drop its entry.
	OnClosed func(name string)
	Log      zerolog.Logger

	ReconnectBackoff time.Duration
	LogoutGrace      time.Duration
	ArtifactTTL      time.Duration
}

// Session is the connection controller for one instance. All state mutation
// happens on the session's own event-processing goroutine; other goroutines
// only read snapshots or hand work to the owned client.
type Session struct {
	cfg Config
	log zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lifecycle Lifecycle
	artifact  *authcode.Artifact
	createdAt time.Time
	lastError string
	client    protocol.Client
	stopping  bool

	initialOnce sync.Once
	initialCh   chan initialResult

	terminateOnce sync.Once

	now func() time.Time
}

type initialResult struct {
	state State
	err   error
}

// NewSession creates a controller in the connecting state. Call Start to
// begin the connect loop.
func NewSession(cfg Config) *Session {
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = DefaultReconnectBackoff
	}
	if cfg.LogoutGrace <= 0 {
		cfg.LogoutGrace = DefaultLogoutGrace
	}
	if cfg.ArtifactTTL <= 0 {
		cfg.ArtifactTTL = authcode.DefaultTTL
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:       cfg,
		log:       cfg.Log.With().Str("component", "session").Str("instance", cfg.Name).Logger(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		lifecycle: LifecycleConnecting,
		createdAt: time.Now(),
		initialCh: make(chan initialResult, 1),
		now:       time.Now,
	}
}

// Name returns the instance identity.
func (s *Session) Name() string {
	return s.cfg.Name
}

// Start launches the connect/reconnect loop. It must be called exactly once.
func (s *Session) Start() {
	go s.run()
}

// run is the session's lifetime task: dial, drain events, and on transient
// failure back off and dial again. It exits on a terminal closure or when
// the session is stopped locally.
func (s *Session) run() {
	defer close(s.done)
	for {
		if s.ctx.Err() != nil {
			return
		}
		client, err := s.cfg.Dialer.Dial(s.ctx, s.cfg.Name, s.loadCredentials())
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.log.Error().Err(err).Msg("Connect attempt failed")
			s.recordDisconnect(err.Error())
			if !s.backoff() {
				return
			}
			continue
		}
		if !s.adoptClient(client) {
			// A stopper ran while the dial was in flight and never saw
			// this client, so the loop cleans it up.
			client.Close()
			return
		}
		terminal, stopped := s.consume(client)
		s.setClient(nil)
		if stopped {
			// Terminate or Stop owns this client's cleanup so the
			// graceful log-out is not cut short.
			return
		}
		client.Close()
		if terminal {
			if s.cfg.OnClosed != nil {
				s.cfg.OnClosed(s.cfg.Name)
			}
			return
		}
		if !s.backoff() {
			return
		}
	}
}

// consume processes the client's events in order until the session closes or
// the controller is stopped.
func (s *Session) consume(client protocol.Client) (terminal, stopped bool) {
	for {
		select {
		case <-s.ctx.Done():
			return false, true
		case ev, ok := <-client.Events():
			if !ok {
				s.recordDisconnect("event stream ended")
				s.log.Warn().Msg("Event stream ended without close event, scheduling reconnect")
				return false, false
			}
			switch ev := ev.(type) {
			case protocol.CodeIssued:
				s.handleCode(ev)
			case protocol.Opened:
				s.handleOpen(ev)
			case protocol.Closed:
				return s.handleClosed(ev), false
			case protocol.Message:
				s.handleMessage(ev)
			}
		}
	}
}

func (s *Session) handleCode(ev protocol.CodeIssued) {
	var artifact *authcode.Artifact
	if ev.Numeric {
		artifact = &authcode.Artifact{Code: authcode.FormatPairingCode(ev.Payload)}
	} else {
		a, err := s.cfg.Issuer.Render(ev.Payload)
		if err != nil {
			// Not fatal: the protocol layer emits a replacement code shortly.
			s.log.Warn().Err(err).Msg("Failed to render authentication code")
			return
		}
		artifact = a
	}
	s.mu.Lock()
	artifact.IssuedAt = s.now()
	s.lifecycle = LifecycleAwaitingCode
	s.artifact = artifact
	s.mu.Unlock()
	s.log.Debug().Bool("numeric", ev.Numeric).Msg("Authentication code issued")
	s.resolveInitial(initialResult{state: s.Snapshot()})
}

func (s *Session) handleOpen(ev protocol.Opened) {
	s.mu.Lock()
	s.lifecycle = LifecycleOpen
	s.artifact = nil
	s.lastError = ""
	s.mu.Unlock()
	if len(ev.Credentials) > 0 && s.cfg.Credentials != nil {
		if err := s.cfg.Credentials.Save(s.ctx, s.cfg.Name, ev.Credentials); err != nil {
			s.log.Warn().Err(err).Msg("Failed to save credentials")
		}
	}
	s.log.Info().Msg("Session open")
	s.resolveInitial(initialResult{state: s.Snapshot()})
}

func (s *Session) handleClosed(ev protocol.Closed) bool {
	if ev.Terminal {
		s.mu.Lock()
		s.lifecycle = LifecycleClosed
		s.artifact = nil
		s.lastError = ev.Reason
		s.mu.Unlock()
		s.log.Info().Str("reason", ev.Reason).Msg("Session closed by remote")
		s.resolveInitial(initialResult{err: fmt.Errorf("%w: %s", ErrClosed, ev.Reason)})
		return true
	}
	s.recordDisconnect(ev.Reason)
	s.log.Warn().Str("reason", ev.Reason).Msg("Transient disconnect, scheduling reconnect")
	return false
}

func (s *Session) handleMessage(ev protocol.Message) {
	if ev.FromMe || strings.TrimSpace(ev.Text) == "" {
		return
	}
	if s.cfg.Sink != nil {
		s.cfg.Sink.Dispatch(s.cfg.Name, ev)
	}
}

// WaitInitial blocks until the first of: a code is issued, the session opens
// without a code, the session closes terminally, or ctx expires. Exactly one
// of these resolves the wait; later events are regular state transitions. On
// ctx expiry the controller keeps connecting in the background.
func (s *Session) WaitInitial(ctx context.Context) (State, error) {
	select {
	case r := <-s.initialCh:
		if r.err != nil {
			return s.Snapshot(), r.err
		}
		return r.state, nil
	case <-ctx.Done():
		return s.Snapshot(), ctx.Err()
	}
}

// resolveInitial settles the initial wait exactly once; extra calls are
// no-ops.
func (s *Session) resolveInitial(r initialResult) {
	s.initialOnce.Do(func() {
		s.initialCh <- r
	})
}

// Snapshot returns the current state. A stale authentication artifact is
// withheld even if the controller has not yet replaced it.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{
		Lifecycle: s.lifecycle,
		CreatedAt: s.createdAt,
		LastError: s.lastError,
	}
	if s.lifecycle == LifecycleAwaitingCode && !s.artifact.Stale(s.now(), s.cfg.ArtifactTTL) {
		st.Artifact = s.artifact
	}
	return st
}

// SendText sends a text message through the open session. The protocol
// client's own error, if any, is passed through uninterpreted.
func (s *Session) SendText(ctx context.Context, to, text string) error {
	s.mu.Lock()
	client := s.client
	open := s.lifecycle == LifecycleOpen
	s.mu.Unlock()
	if !open || client == nil {
		return ErrNotConnected
	}
	return client.SendText(ctx, to, text)
}

// Terminate attempts a graceful log-out bounded by the configured grace
// period, then force-closes the transport. It never fails from the caller's
// perspective and is safe to call more than once.
func (s *Session) Terminate() {
	s.terminateOnce.Do(func() {
		s.mu.Lock()
		client := s.client
		s.stopping = true
		s.mu.Unlock()
		s.cancel()
		if client != nil {
			lctx, cancel := context.WithTimeout(context.Background(), s.cfg.LogoutGrace)
			if err := client.Logout(lctx); err != nil {
				s.log.Warn().Err(err).Msg("Graceful logout failed, forcing transport closed")
			}
			cancel()
			client.Close()
		}
		s.mu.Lock()
		s.lifecycle = LifecycleClosed
		s.artifact = nil
		s.mu.Unlock()
		s.resolveInitial(initialResult{err: ErrClosed})
	})
}

// Stop closes the transport without logging out, leaving the remote session
// resumable. Used for process shutdown.
func (s *Session) Stop() {
	s.mu.Lock()
	client := s.client
	s.stopping = true
	s.mu.Unlock()
	s.cancel()
	if client != nil {
		client.Close()
	}
	s.resolveInitial(initialResult{err: ErrClosed})
}

// Done is closed when the run loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) setClient(client protocol.Client) {
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
}

// adoptClient publishes a freshly dialed client so stoppers can reach it.
// It reports false when a stopper already ran, in which case the run loop
// keeps ownership of the client.
func (s *Session) adoptClient(client protocol.Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.client = client
	return true
}

func (s *Session) recordDisconnect(reason string) {
	s.mu.Lock()
	s.lifecycle = LifecycleConnecting
	s.artifact = nil
	s.lastError = reason
	s.mu.Unlock()
}

func (s *Session) loadCredentials() []byte {
	if s.cfg.Credentials == nil {
		return nil
	}
	blob, found, err := s.cfg.Credentials.Load(s.ctx, s.cfg.Name)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to load stored credentials")
		return nil
	}
	if !found {
		return nil
	}
	return blob
}

// backoff waits the reconnect delay; false means the session was stopped.
func (s *Session) backoff() bool {
	t := time.NewTimer(s.cfg.ReconnectBackoff)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
