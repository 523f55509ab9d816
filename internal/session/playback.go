package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/skypro1111/consult-capture/internal/audio"
)

// PlaybackStore creates and revokes local playback references for
// finalized recordings
type PlaybackStore interface {
	Create(a *audio.Artifact) (ref string, err error)
	Revoke(ref string) error
}

// FilePlayback writes each artifact to its own file under Dir. The
// reference is the file path.
type FilePlayback struct {
	Dir string
}

// NewFilePlayback uses dir, or the system temp directory when dir is empty
func NewFilePlayback(dir string) (*FilePlayback, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create playback directory: %w", err)
	}
	return &FilePlayback{Dir: dir}, nil
}

// Create writes the artifact and returns its path
func (p *FilePlayback) Create(a *audio.Artifact) (string, error) {
	name := fmt.Sprintf("consultation-%s.%s", uuid.NewString(), audio.Extension(a.MimeType()))
	path := filepath.Join(p.Dir, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("failed to create playback file: %w", err)
	}
	if _, err := a.WriteTo(f); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to write playback file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to close playback file: %w", err)
	}
	return path, nil
}

// Revoke deletes the playback file. A file that is already gone is not
// an error.
func (p *FilePlayback) Revoke(ref string) error {
	if err := os.Remove(ref); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove playback file: %w", err)
	}
	return nil
}
