// internal/checkpoint/storage.go
package checkpoint

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

const (
	metadataFile = "metadata.json"
	archiveFile  = "project.zst"
)

// ErrNotFound is returned for an unknown checkpoint.
var ErrNotFound = errors.New("checkpoint: not found")

// Storage keeps checkpoints under baseDir/<project>/<id>/, with the project
// archive zstd-compressed next to its metadata.
type Storage struct {
	baseDir string
	mu      sync.RWMutex
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewStorage creates storage compressing at level (fastest, default,
// better or best).
func NewStorage(baseDir, level string) (*Storage, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(encoderLevel(level)))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Storage{baseDir: baseDir, encoder: encoder, decoder: decoder}, nil
}

func encoderLevel(level string) zstd.EncoderLevel {
	switch level {
	case "fastest":
		return zstd.SpeedFastest
	case "better":
		return zstd.SpeedBetterCompression
	case "best":
		return zstd.SpeedBestCompression
	}
	return zstd.SpeedDefault
}

func (s *Storage) projectDir(project string) string {
	return filepath.Join(s.baseDir, project)
}

// Save writes cp and its archive. Timestamp, Size and Hash are filled in.
func (s *Storage) Save(cp *Checkpoint, archive []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now()
	}
	cp.Size = int64(len(archive))
	cp.Hash = CalculateHash(archive)

	dir := filepath.Join(s.projectDir(cp.Project), cp.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	compressed := s.encoder.EncodeAll(archive, nil)
	if err := os.WriteFile(filepath.Join(dir, archiveFile), compressed, 0644); err != nil {
		return fmt.Errorf("write archive: %w", err)
	}

	// metadata last so List never sees a checkpoint without its archive
	metadata, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metadataFile), metadata, 0644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

// Load returns a checkpoint and its decompressed archive.
func (s *Storage) Load(project, id string) (*Checkpoint, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir := filepath.Join(s.projectDir(project), id)
	cp, err := readMetadata(filepath.Join(dir, metadataFile))
	if err != nil {
		return nil, nil, err
	}

	compressed, err := os.ReadFile(filepath.Join(dir, archiveFile))
	if err != nil {
		return nil, nil, fmt.Errorf("read archive: %w", err)
	}
	archive, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("decompress archive: %w", err)
	}
	if CalculateHash(archive) != cp.Hash {
		return nil, nil, fmt.Errorf("checkpoint %s: archive hash mismatch", id)
	}
	return cp, archive, nil
}

// List returns a project's checkpoints, oldest first.
func (s *Storage) List(project string) ([]Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir := s.projectDir(project)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var checkpoints []Checkpoint
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		cp, err := readMetadata(filepath.Join(dir, entry.Name(), metadataFile))
		if err != nil {
			continue
		}
		checkpoints = append(checkpoints, *cp)
	}
	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[i].Timestamp.Before(checkpoints[j].Timestamp)
	})
	return checkpoints, nil
}

// Projects lists the projects that have checkpoints.
func (s *Storage) Projects() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var projects []string
	for _, entry := range entries {
		if entry.IsDir() {
			projects = append(projects, entry.Name())
		}
	}
	sort.Strings(projects)
	return projects, nil
}

// Delete removes a checkpoint
func (s *Storage) Delete(project, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return os.RemoveAll(filepath.Join(s.projectDir(project), id))
}

func readMetadata(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(filepath.Dir(path)))
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &cp, nil
}

// GenerateID generates a new checkpoint ID
func GenerateID() string {
	return uuid.New().String()
}

// CalculateHash returns the hex SHA-256 of data.
func CalculateHash(data []byte) string {
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h)
}
