// Copyright 2024-2026 Aiku AI

package authcode

import (
	"bytes"
	"testing"
	"time"
)

func TestQRIssuerRender(t *testing.T) {
	issuer := &QRIssuer{}
	artifact, err := issuer.Render("2@abcdef0123456789,somekeydata==")
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if artifact.Code != "2@abcdef0123456789,somekeydata==" {
		t.Errorf("artifact code = %q, want original payload", artifact.Code)
	}
	if len(artifact.PNG) == 0 {
		t.Error("artifact has no PNG data")
	}
	// PNG magic bytes.
	if !bytes.HasPrefix(artifact.PNG, []byte{0x89, 'P', 'N', 'G'}) {
		t.Error("rendered image is not a PNG")
	}
	if artifact.IssuedAt.IsZero() {
		t.Error("artifact has no issue timestamp")
	}
}

func TestQRIssuerRenderError(t *testing.T) {
	issuer := &QRIssuer{}
	// QR version 40 tops out below 3000 bytes; this payload cannot be encoded.
	huge := make([]byte, 8192)
	for i := range huge {
		huge[i] = 'a'
	}
	if _, err := issuer.Render(string(huge)); err == nil {
		t.Error("expected render error for oversized payload")
	}
}

func TestArtifactStale(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name     string
		artifact *Artifact
		want     bool
	}{
		{"nil artifact", nil, true},
		{"fresh", &Artifact{IssuedAt: now.Add(-10 * time.Second)}, false},
		{"at boundary", &Artifact{IssuedAt: now.Add(-DefaultTTL)}, false},
		{"expired", &Artifact{IssuedAt: now.Add(-DefaultTTL - time.Second)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.artifact.Stale(now, DefaultTTL); got != tt.want {
				t.Errorf("Stale() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFormatPairingCode(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ABCD1234", "ABCD-1234"},
		{"12345678", "1234-5678"},
		{" ABCD1234 ", "ABCD-1234"},
		{"ABC", "ABC"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := FormatPairingCode(tt.in); got != tt.want {
			t.Errorf("FormatPairingCode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
