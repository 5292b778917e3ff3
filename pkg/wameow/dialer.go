// Copyright 2024-2026 Aiku AI

// Package wameow backs the protocol layer with real WhatsApp sessions via
// whatsmeow. Each instance gets its own SQLite device store under the data
// directory; the stored credential blob is the device JID used to look the
// device up again on later dials.
package wameow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/aiku/wagate/pkg/protocol"
)

// Dialer opens whatsmeow sessions. DataDir must exist or be creatable.
// PairPhone, when set, switches fresh pairings from QR codes to numeric
// pairing codes for that phone number.
type Dialer struct {
	DataDir   string
	PairPhone string
	Log       zerolog.Logger
}

var _ protocol.Dialer = (*Dialer)(nil)

func (d *Dialer) Dial(ctx context.Context, identity string, credentials []byte) (protocol.Client, error) {
	log := d.Log.With().Str("component", "wameow").Str("instance", identity).Logger()
	if err := os.MkdirAll(d.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(d.DataDir, sanitizeName(identity)+".db")
	container, err := sqlstore.New(ctx, "sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on", dbPath), waLog.Zerolog(log))
	if err != nil {
		return nil, fmt.Errorf("failed to open device store: %w", err)
	}
	device, err := d.findDevice(ctx, container, credentials, log)
	if err != nil {
		container.Close()
		return nil, err
	}

	wm := whatsmeow.NewClient(device, waLog.Zerolog(log))
	// The connection controller owns reconnect policy.
	wm.EnableAutoReconnect = false
	c := newClient(wm, container, log)

	fresh := wm.Store.ID == nil
	if fresh && d.PairPhone == "" {
		// GetQRChannel must be set up before Connect.
		qrChan, err := wm.GetQRChannel(ctx)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to open QR channel: %w", err)
		}
		go c.forwardQR(qrChan)
	}
	if err := wm.Connect(); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if fresh && d.PairPhone != "" {
		code, err := wm.PairPhone(ctx, d.PairPhone, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to request pairing code: %w", err)
		}
		c.enqueue(pairingCode(code))
	}
	if ctx.Err() != nil {
		c.Close()
		return nil, ctx.Err()
	}
	return c, nil
}

// findDevice resolves the stored device for previously paired instances and
// a blank one otherwise. An unmatched credential blob falls back to a fresh
// pairing rather than failing the dial.
func (d *Dialer) findDevice(ctx context.Context, container *sqlstore.Container, credentials []byte, log zerolog.Logger) (*store.Device, error) {
	if len(credentials) == 0 {
		return container.NewDevice(), nil
	}
	jid, err := types.ParseJID(string(credentials))
	if err != nil {
		log.Warn().Err(err).Msg("Stored credentials hold an unparseable JID, pairing fresh")
		return container.NewDevice(), nil
	}
	device, err := container.GetDevice(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("failed to load device: %w", err)
	}
	if device == nil {
		log.Warn().Stringer("jid", jid).Msg("Stored device not found, pairing fresh")
		return container.NewDevice(), nil
	}
	return device, nil
}

func (c *client) forwardQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		c.enqueue(item)
	}
}

// sanitizeName keeps device store filenames inside the data directory.
func sanitizeName(identity string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, identity)
}
