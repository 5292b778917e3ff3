// Copyright 2024-2026 Aiku AI

// Package authcode turns raw authentication payloads into displayable
// artifacts: a QR image for scannable payloads, or a grouped numeric string
// for phone pairing codes.
package authcode

import (
	"fmt"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"
)

// DefaultTTL is the validity window of an artifact. Artifacts older than
// this are stale and must not be served to status queries.
const DefaultTTL = 60 * time.Second

// Artifact is a displayable authentication code with its issue time.
type Artifact struct {
	// Code is the raw payload for QR artifacts, or the formatted numeric
	// code for pairing artifacts.
	Code string `json:"code"`
	// PNG is the rendered QR image. Empty for numeric pairing codes.
	PNG []byte `json:"image,omitempty"`
	// IssuedAt is when the underlying payload was issued.
	IssuedAt time.Time `json:"-"`
}

// Stale reports whether the artifact is older than ttl at the given time.
// A nil artifact is always stale.
func (a *Artifact) Stale(now time.Time, ttl time.Duration) bool {
	return a == nil || now.Sub(a.IssuedAt) > ttl
}

// Issuer renders a raw authentication payload into an artifact.
type Issuer interface {
	Render(payload string) (*Artifact, error)
}

// QRIssuer renders payloads as PNG QR codes.
type QRIssuer struct {
	// Size is the image edge length in pixels. Zero means 256.
	Size int
}

func (q *QRIssuer) Render(payload string) (*Artifact, error) {
	size := q.Size
	if size <= 0 {
		size = 256
	}
	png, err := qrcode.Encode(payload, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("failed to encode QR code: %w", err)
	}
	return &Artifact{Code: payload, PNG: png, IssuedAt: time.Now()}, nil
}

// FormatPairingCode groups a raw numeric pairing code as XXXX-XXXX for
// display. Codes that are not a multiple of four characters are returned
// unchanged.
func FormatPairingCode(code string) string {
	code = strings.TrimSpace(code)
	if len(code) == 0 || len(code)%4 != 0 {
		return code
	}
	var b strings.Builder
	for i := 0; i < len(code); i += 4 {
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(code[i : i+4])
	}
	return b.String()
}
