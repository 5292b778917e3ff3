// Copyright 2024-2026 Aiku AI

package wameow

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/aiku/wagate/pkg/protocol"
)

// pairingCode is injected into the raw event stream when the numeric pairing
// flow produced a code out of band.
type pairingCode string

// client adapts one whatsmeow connection to the protocol.Client surface.
// A single pump goroutine owns the translated event channel, so handler
// callbacks never race on it.
type client struct {
	wm        *whatsmeow.Client
	container *sqlstore.Container
	log       zerolog.Logger

	raw    chan any
	events chan protocol.Event
	done   chan struct{}

	closeOnce sync.Once
}

func newClient(wm *whatsmeow.Client, container *sqlstore.Container, log zerolog.Logger) *client {
	c := &client{
		wm:        wm,
		container: container,
		log:       log,
		raw:       make(chan any, 64),
		events:    make(chan protocol.Event, 8),
		done:      make(chan struct{}),
	}
	wm.AddEventHandler(c.enqueue)
	go c.pump()
	return c
}

func (c *client) Events() <-chan protocol.Event {
	return c.events
}

func (c *client) enqueue(evt any) {
	select {
	case c.raw <- evt:
	case <-c.done:
	}
}

// pump translates raw library events into protocol events in arrival order.
// It exits, closing the translated channel, once a close event went out or
// the client was shut down.
func (c *client) pump() {
	defer close(c.events)
	for {
		select {
		case <-c.done:
			return
		case evt := <-c.raw:
			out, last := c.translate(evt)
			if out == nil {
				continue
			}
			select {
			case c.events <- out:
			case <-c.done:
				return
			}
			if last {
				return
			}
		}
	}
}

func (c *client) translate(evt any) (out protocol.Event, last bool) {
	switch evt := evt.(type) {
	case pairingCode:
		return protocol.CodeIssued{Payload: string(evt), Numeric: true}, false
	case whatsmeow.QRChannelItem:
		switch evt.Event {
		case whatsmeow.QRChannelEventCode:
			return protocol.CodeIssued{Payload: evt.Code}, false
		case whatsmeow.QRChannelEventError:
			return protocol.Closed{Reason: fmt.Sprintf("pairing failed: %v", evt.Error)}, true
		default:
			// "success" is followed by a Connected event, "timeout" by a
			// Disconnected one; neither needs a translation of its own.
			return nil, false
		}
	case *events.Connected:
		var creds []byte
		if id := c.wm.Store.ID; id != nil {
			creds = []byte(id.String())
		}
		return protocol.Opened{Credentials: creds}, false
	case *events.Message:
		return c.translateMessage(evt), false
	case *events.LoggedOut:
		return protocol.Closed{Reason: fmt.Sprintf("logged out (%v)", evt.Reason), Terminal: true}, true
	case *events.StreamReplaced:
		return protocol.Closed{Reason: "stream replaced by another connection"}, true
	case *events.StreamError:
		return protocol.Closed{Reason: fmt.Sprintf("stream error %s", evt.Code)}, true
	case *events.ConnectFailure:
		return protocol.Closed{Reason: fmt.Sprintf("connect failure (%v): %s", evt.Reason, evt.Message)}, true
	case *events.TemporaryBan:
		return protocol.Closed{Reason: fmt.Sprintf("temporarily banned (%v) for %v", evt.Code, evt.Expire)}, true
	case *events.Disconnected:
		return protocol.Closed{Reason: "transport disconnected"}, true
	default:
		return nil, false
	}
}

func (c *client) translateMessage(evt *events.Message) protocol.Message {
	raw, err := protojson.Marshal(evt.Message)
	if err != nil {
		c.log.Warn().Err(err).Str("message_id", evt.Info.ID).Msg("Failed to encode message body")
		raw = nil
	}
	return protocol.Message{
		Key: protocol.MessageKey{
			ID:        evt.Info.ID,
			RemoteJID: evt.Info.Chat.String(),
			FromMe:    evt.Info.IsFromMe,
		},
		Raw:       raw,
		Timestamp: evt.Info.Timestamp,
		FromMe:    evt.Info.IsFromMe,
		Text:      extractText(evt.Message),
	}
}

func extractText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if text := msg.GetConversation(); text != "" {
		return text
	}
	return msg.GetExtendedTextMessage().GetText()
}

// toJID resolves a recipient address. Bare phone numbers are treated as user
// JIDs on the default server.
func toJID(to string) (types.JID, error) {
	if !strings.ContainsRune(to, '@') {
		return types.NewJID(to, types.DefaultUserServer), nil
	}
	return types.ParseJID(to)
}

func (c *client) SendText(ctx context.Context, to, text string) error {
	jid, err := toJID(to)
	if err != nil {
		return fmt.Errorf("invalid recipient %q: %w", to, err)
	}
	_, err = c.wm.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	return err
}

func (c *client) Logout(ctx context.Context) error {
	return c.wm.Logout(ctx)
}

func (c *client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.wm.Disconnect()
		if err := c.container.Close(); err != nil {
			c.log.Warn().Err(err).Msg("Failed to close device store")
		}
	})
}
