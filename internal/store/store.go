// Package store persists the last applied light state as a small JSON file.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"adastrip-controller/internal/colormath"
	"adastrip-controller/internal/core"
	"adastrip-controller/internal/logger"

	"github.com/gruntwork-io/go-commons/errors"
	"github.com/sirupsen/logrus"
)

const DefaultFile = "cache.json"

// FileStore reads and overwrites a single state file.
type FileStore struct {
	path string
	mu   sync.Mutex
	log  *logrus.Entry
}

func New(path string) *FileStore {
	if path == "" {
		path = DefaultFile
	}
	return &FileStore{path: path, log: logger.For("store").WithField("file", path)}
}

// Path returns the backing file location.
func (s *FileStore) Path() string {
	return s.path
}

// snapshot accepts both the full state object and the older color-only file.
type snapshot struct {
	Color      *colormath.Color `json:"color"`
	Brightness *int             `json:"brightness"`
	On         *bool            `json:"on"`

	R *int `json:"r"`
	G *int `json:"g"`
	B *int `json:"b"`
}

// Load returns the persisted state. A missing or unreadable file yields the
// default state; the problem is logged, never returned.
func (s *FileStore) Load() core.AppState {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := core.DefaultAppState()

	data, err := os.ReadFile(s.path)
	if err != nil {
		s.log.Info("No saved state found, using default")
		return state
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.log.WithError(err).Warn("Saved state is corrupt, using default")
		return state
	}

	switch {
	case snap.Color != nil:
		state.Color = *snap.Color
	case snap.R != nil && snap.G != nil && snap.B != nil:
		state.Color = colormath.FromInts(*snap.R, *snap.G, *snap.B)
	}
	if snap.Brightness != nil && *snap.Brightness >= 0 && *snap.Brightness <= 100 {
		state.Brightness = *snap.Brightness
	}
	if snap.On != nil {
		state.On = *snap.On
	}

	s.log.WithField("state", state).Info("Last state loaded")
	return state
}

// Save overwrites the file with state. The write goes through a temp file so
// a crash never leaves half a document behind.
func (s *FileStore) Save(state core.AppState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		return errors.WithStackTrace(err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return errors.WithStackTrace(err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.WithStackTrace(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.WithStackTrace(err)
	}
	if err := os.Chmod(tmpName, s.fileMode()); err != nil {
		os.Remove(tmpName)
		return errors.WithStackTrace(err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return errors.WithStackTrace(err)
	}

	s.log.WithField("state", state).Debug("State saved")
	return nil
}

// fileMode keeps the permissions of an existing state file. New files get 0644
// rather than the owner-only mode of the temp file.
func (s *FileStore) fileMode() os.FileMode {
	if info, err := os.Stat(s.path); err == nil {
		return info.Mode().Perm()
	}
	return 0o644
}
