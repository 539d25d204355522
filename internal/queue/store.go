package queue

import (
	"errors"
	"fmt"
	"os"

	"github.com/benmeehan/traccar-agent/internal/models"
	"github.com/benmeehan/traccar-agent/pkg/file"
)

const snapshotVersion = 1

// Snapshot is the persisted queue state.
type Snapshot struct {
	Version int                 `json:"version"`
	LastSeq uint64              `json:"last_seq"`
	Entries []models.QueueEntry `json:"entries"`
}

// Store persists queue snapshots. A nil Store means the queue lives in memory only.
type Store interface {
	Load() (Snapshot, error)
	Save(s Snapshot) error
}

// FileStore keeps the snapshot in a single JSON file, replaced atomically on every save.
type FileStore struct {
	path       string
	fileClient file.FileOperations
}

// NewFileStore creates a store backed by path.
func NewFileStore(path string, fileClient file.FileOperations) *FileStore {
	return &FileStore{path: path, fileClient: fileClient}
}

// Load reads the snapshot. A missing file yields an empty snapshot.
func (fs *FileStore) Load() (Snapshot, error) {
	var s Snapshot
	if err := fs.fileClient.ReadJsonFile(fs.path, &s); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Snapshot{Version: snapshotVersion}, nil
		}
		return Snapshot{}, fmt.Errorf("failed to load queue snapshot %s: %w", fs.path, err)
	}
	if s.Version != snapshotVersion {
		return Snapshot{}, fmt.Errorf("queue snapshot %s has unsupported version %d", fs.path, s.Version)
	}
	return s, nil
}

// Save writes the snapshot.
func (fs *FileStore) Save(s Snapshot) error {
	s.Version = snapshotVersion
	if err := fs.fileClient.WriteJsonFile(fs.path, s); err != nil {
		return fmt.Errorf("failed to save queue snapshot %s: %w", fs.path, err)
	}
	return nil
}
