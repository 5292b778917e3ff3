// Copyright 2024-2026 Aiku AI

// Package credstore provides a file-backed implementation of the credential
// blob store. Each instance's blob lives in its own file under the data
// directory; the blob contents are opaque to this package.
package credstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/aiku/wagate/pkg/protocol"
)

// FileStore stores one credential blob per instance as a file named
// <identity>.cred under Dir. Writes go through a temp file and rename so a
// crash never leaves a half-written blob behind.
type FileStore struct {
	Dir string
}

var _ protocol.CredentialStore = (*FileStore)(nil)

// NewFileStore creates the data directory if needed and returns a store
// rooted at it.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create credential dir: %w", err)
	}
	return &FileStore{Dir: dir}, nil
}

func (f *FileStore) path(identity string) string {
	return filepath.Join(f.Dir, sanitize(identity)+".cred")
}

func (f *FileStore) Load(_ context.Context, identity string) ([]byte, bool, error) {
	blob, err := os.ReadFile(f.path(identity))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read credential blob: %w", err)
	}
	return blob, true, nil
}

func (f *FileStore) Save(_ context.Context, identity string, blob []byte) error {
	target := f.path(identity)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return fmt.Errorf("failed to write credential blob: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("failed to install credential blob: %w", err)
	}
	return nil
}

func (f *FileStore) Discard(_ context.Context, identity string) error {
	err := os.Remove(f.path(identity))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove credential blob: %w", err)
	}
	return nil
}

// sanitize maps an instance identity to a safe file name component.
func sanitize(identity string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, identity)
}
