// Package identity settles the unique id the tracking server knows this device by.
package identity

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/benmeehan/traccar-agent/pkg/file"
	"github.com/google/uuid"
)

// Origins of a device id.
const (
	OriginConfigured = "configured"
	OriginGenerated  = "generated"
)

// Identity is the persisted device record.
type Identity struct {
	ID        string    `json:"unique_id"`
	Origin    string    `json:"origin"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Resolver returns the device identity to report under.
type Resolver interface {
	Resolve(configured string) (Identity, error)
}

var _ Resolver = (*DeviceStore)(nil)

// DeviceStore keeps the identity in a JSON file. With an empty path nothing is
// read or written and a generated id lasts for the process lifetime only.
type DeviceStore struct {
	path    string
	fileOps file.FileOperations
	now     func() time.Time
}

// NewDeviceStore creates a store for path.
func NewDeviceStore(path string, fileOps file.FileOperations) *DeviceStore {
	return &DeviceStore{path: path, fileOps: fileOps, now: time.Now}
}

// Load returns the stored identity and whether one exists.
func (s *DeviceStore) Load() (Identity, bool, error) {
	if s.path == "" {
		return Identity{}, false, nil
	}
	var id Identity
	if err := s.fileOps.ReadJsonFile(s.path, &id); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Identity{}, false, nil
		}
		return Identity{}, false, fmt.Errorf("failed to read device identity %s: %w", s.path, err)
	}
	return id, id.ID != "", nil
}

// Resolve picks the id in order of precedence: configured, stored, newly
// generated. The file is rewritten only when the id changes.
func (s *DeviceStore) Resolve(configured string) (Identity, error) {
	stored, ok, err := s.Load()
	if err != nil {
		return Identity{}, err
	}

	var next Identity
	switch {
	case configured != "" && ok && stored.ID == configured:
		return stored, nil
	case configured != "":
		next = Identity{ID: configured, Origin: OriginConfigured}
	case ok:
		return stored, nil
	default:
		next = Identity{ID: uuid.NewString(), Origin: OriginGenerated}
	}
	next.UpdatedAt = s.now().UTC()

	if s.path != "" {
		if err := s.fileOps.WriteJsonFile(s.path, next); err != nil {
			return Identity{}, fmt.Errorf("failed to store device identity %s: %w", s.path, err)
		}
	}
	return next, nil
}
