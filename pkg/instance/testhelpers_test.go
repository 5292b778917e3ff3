// Copyright 2024-2026 Aiku AI

package instance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/wagate/pkg/authcode"
	"github.com/aiku/wagate/pkg/protocol"
)

// fakeClient is a scriptable protocol.Client. Tests push events into Emit
// and inspect recorded calls.
type fakeClient struct {
	events chan protocol.Event

	mu           sync.Mutex
	sent         []sentText
	sendErr      error
	logoutErr    error
	logoutBlocks bool
	logoutCalls  int
	closeCalls   int
}

type sentText struct {
	To   string
	Text string
}

func newFakeClient() *fakeClient {
	return &fakeClient{events: make(chan protocol.Event, 16)}
}

func (c *fakeClient) Emit(ev protocol.Event) {
	c.events <- ev
}

func (c *fakeClient) Events() <-chan protocol.Event {
	return c.events
}

func (c *fakeClient) SendText(_ context.Context, to, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, sentText{To: to, Text: text})
	return nil
}

func (c *fakeClient) Logout(ctx context.Context) error {
	c.mu.Lock()
	c.logoutCalls++
	blocks := c.logoutBlocks
	err := c.logoutErr
	c.mu.Unlock()
	if blocks {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (c *fakeClient) Close() {
	c.mu.Lock()
	c.closeCalls++
	c.mu.Unlock()
}

func (c *fakeClient) LogoutCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logoutCalls
}

func (c *fakeClient) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

func (c *fakeClient) Sent() []sentText {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]sentText, len(c.sent))
	copy(cp, c.sent)
	return cp
}

// fakeDialer hands out scripted clients (or errors) per Dial call. Once the
// script is exhausted it returns idle clients that never emit anything, so a
// session under test parks instead of spinning.
type fakeDialer struct {
	mu        sync.Mutex
	script    []dialStep
	calls     int
	credsSeen [][]byte
}

type dialStep struct {
	client *fakeClient
	err    error
}

func (d *fakeDialer) Dial(ctx context.Context, _ string, creds []byte) (protocol.Client, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.credsSeen = append(d.credsSeen, creds)
	step := dialStep{client: newFakeClient()}
	if d.calls < len(d.script) {
		step = d.script[d.calls]
	}
	d.calls++
	if step.err != nil {
		return nil, step.err
	}
	return step.client, nil
}

func (d *fakeDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// fakeIssuer renders artifacts without touching a real QR encoder.
type fakeIssuer struct {
	mu      sync.Mutex
	failures int
	renders  int
}

func (i *fakeIssuer) Render(payload string) (*authcode.Artifact, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.renders++
	if i.failures > 0 {
		i.failures--
		return nil, errors.New("render failed")
	}
	return &authcode.Artifact{Code: payload, PNG: []byte{0x89, 'P', 'N', 'G'}}, nil
}

// fakeCredStore is an in-memory credential store recording calls.
type fakeCredStore struct {
	mu     sync.Mutex
	blobs  map[string][]byte
	saves  int
	drops  int
}

func newFakeCredStore() *fakeCredStore {
	return &fakeCredStore{blobs: make(map[string][]byte)}
}

func (s *fakeCredStore) Load(_ context.Context, identity string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.blobs[identity]
	return blob, ok, nil
}

func (s *fakeCredStore) Save(_ context.Context, identity string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[identity] = blob
	s.saves++
	return nil
}

func (s *fakeCredStore) Discard(_ context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, identity)
	s.drops++
	return nil
}

func (s *fakeCredStore) Blob(identity string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.blobs[identity]
	return blob, ok
}

// fakeSink records dispatched messages.
type fakeSink struct {
	mu       sync.Mutex
	messages []protocol.Message
}

func (s *fakeSink) Dispatch(_ string, msg protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

func (s *fakeSink) Messages() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]protocol.Message, len(s.messages))
	copy(cp, s.messages)
	return cp
}

func newTestSession(t *testing.T, dialer protocol.Dialer, mutate func(*Config)) *Session {
	t.Helper()
	cfg := Config{
		Name:             "t1",
		Dialer:           dialer,
		Credentials:      newFakeCredStore(),
		Issuer:           &fakeIssuer{},
		Log:              zerolog.Nop(),
		ReconnectBackoff: 10 * time.Millisecond,
		LogoutGrace:      50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	sess := NewSession(cfg)
	t.Cleanup(sess.Stop)
	return sess
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
