// Package file wraps the small set of disk operations the agent needs: reading
// certificates and config, and keeping JSON state files (device identity, the
// durable queue) that must never be observed half-written.
package file

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FileOperations defines methods for reading from and writing to files.
type FileOperations interface {
	ReadFileRaw(filePath string) ([]byte, error)
	ReadJsonFile(filePath string, v any) error
	ReadYamlFile(filePath string, v any) error
	WriteJsonFile(filePath string, data any) error
}

// FileService implements FileOperations on the local filesystem.
type FileService struct{}

// NewFileService creates a new instance of FileService.
func NewFileService() *FileService {
	return &FileService{}
}

// ReadFileRaw returns the whole file.
func (fs *FileService) ReadFileRaw(filePath string) ([]byte, error) {
	return os.ReadFile(filePath)
}

// ReadJsonFile decodes a JSON document into v.
func (fs *FileService) ReadJsonFile(filePath string, v any) error {
	return decodeFile(filePath, func(r io.Reader) error { return json.NewDecoder(r).Decode(v) })
}

// ReadYamlFile decodes a YAML document into v. Fields absent from the document
// keep the values already present in v. An empty file returns io.EOF.
func (fs *FileService) ReadYamlFile(filePath string, v any) error {
	return decodeFile(filePath, func(r io.Reader) error { return yaml.NewDecoder(r).Decode(v) })
}

// WriteJsonFile replaces filePath with the JSON encoding of data. The document
// is written and synced to a temporary file in the same directory, then renamed
// over the target, so a crash leaves either the old or the new content.
func (fs *FileService) WriteJsonFile(filePath string, data any) (err error) {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(filePath)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err = json.NewEncoder(tmp).Encode(data); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filePath)
}

func decodeFile(filePath string, decode func(io.Reader) error) error {
	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()
	return decode(f)
}
