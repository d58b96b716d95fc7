package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
)

// FileStore keeps one JSON document per device in a directory.
type FileStore struct {
	dir    string
	mu     sync.Mutex
	closed bool
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating calibration dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(device string) string {
	return filepath.Join(s.dir, device+"_mag_calibration.json")
}

// Load implements CalibrationStore.
func (s *FileStore) Load(_ context.Context, device string) (*Record, error) {
	if err := validDevice(device); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	data, err := os.ReadFile(s.path(device))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading calibration: %w", err)
	}

	var doc calibrationDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding calibration %s: %w", s.path(device), err)
	}
	return fromDoc(doc)
}

// Save implements CalibrationStore. The file is replaced atomically.
func (s *FileStore) Save(_ context.Context, rec *Record) error {
	if err := validDevice(rec.Device); err != nil {
		return err
	}
	data, err := json.MarshalIndent(toDoc(rec), "", "  ")
	if err != nil {
		return fmt.Errorf("encoding calibration: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	final := s.path(rec.Device)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing calibration: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("replacing calibration: %w", err)
	}
	log.Printf("storage: wrote %s (%s)", final, humanize.Bytes(uint64(len(data))))
	return nil
}

// Close implements CalibrationStore.
func (s *FileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
