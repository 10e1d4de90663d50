// Package snapshot persists and restores the TRS Snapshot quintuple to a
// single self-describing JSON file, mirroring witnet-explorer-backend's
// TRS.persist_trs/load_trs (spec §4.3).
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/witnet/explorer-trs/pkg/models"
)

// FileStore persists a Snapshot to path, creating parent directories as
// needed and writing atomically via a temp-file-then-rename (spec §4.3's
// recommended but not required approach).
type FileStore struct {
	Path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// Load reads the snapshot file. A missing file is not an error: it is
// treated as a fresh engine (spec §4.3, §6).
func (s *FileStore) Load() (models.Snapshot, bool, error) {
	if s.Path == "" {
		return models.Snapshot{}, false, nil
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return models.Snapshot{}, false, nil
		}
		return models.Snapshot{}, false, fmt.Errorf("reading snapshot file %s: %w", s.Path, err)
	}

	var snap models.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return models.Snapshot{}, false, fmt.Errorf("decoding snapshot file %s: %w", s.Path, err)
	}
	return snap, true, nil
}

// Persist writes snap to the configured path, overwriting any previous
// contents. The write is atomic with respect to readers: a temp file in
// the same directory is written and fsynced, then renamed into place.
func (s *FileStore) Persist(_ context.Context, snap models.Snapshot) error {
	if s.Path == "" {
		return fmt.Errorf("no snapshot path configured")
	}

	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating snapshot directory %s: %w", dir, err)
	}

	snap.Checksum = ""
	encoded, err := canonicalJSON(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	snap.Checksum = checksum(encoded)

	final, err := canonicalJSON(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot with checksum: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".trs-snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp snapshot file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(final); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp snapshot file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp snapshot file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp snapshot file: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path); err != nil {
		return fmt.Errorf("renaming temp snapshot file into place: %w", err)
	}
	return nil
}

// canonicalJSON marshals with sorted map keys (encoding/json already sorts
// map[string]X keys) so persist→load→persist round-trips byte-identically
// (spec §8).
func canonicalJSON(snap models.Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(snap); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// checksum computes a double-SHA-256 digest of the encoded snapshot body
// (the Checksum field itself is always empty at hash time), giving callers
// a tamper-evidence check the original Python engine never had.
func checksum(encoded []byte) string {
	h := chainhash.DoubleHashH(encoded)
	return h.String()
}
