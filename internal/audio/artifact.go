package audio

import (
	"bytes"
	"fmt"
	"io"
	"time"
)

// Artifact is the finalized, immutable product of one capture session
type Artifact struct {
	data      []byte
	mimeType  string
	duration  time.Duration
	createdAt time.Time
}

// ArtifactInfo is the serializable summary of an artifact
type ArtifactInfo struct {
	MimeType  string    `json:"mime_type"`
	SizeBytes int       `json:"size_bytes"`
	Duration  float64   `json:"duration_seconds"`
	CreatedAt time.Time `json:"created_at"`
}

// Assemble concatenates the buffered chunks into one artifact tagged with
// mimeType. WAV payloads get their container sizes finalized.
func Assemble(chunks []Chunk, mimeType string, duration time.Duration, createdAt time.Time) (*Artifact, error) {
	if len(chunks) == 0 {
		return nil, fmt.Errorf("cannot assemble artifact: no chunks recorded")
	}

	size := 0
	for _, c := range chunks {
		size += len(c.Data)
	}
	data := make([]byte, 0, size)
	for _, c := range chunks {
		data = append(data, c.Data...)
	}

	if IsWAV(mimeType) {
		if err := FinalizeWAV(data); err != nil {
			return nil, fmt.Errorf("failed to finalize WAV artifact: %w", err)
		}
	}

	return &Artifact{
		data:      data,
		mimeType:  mimeType,
		duration:  duration,
		createdAt: createdAt,
	}, nil
}

// NewArtifact wraps an already encoded payload
func NewArtifact(data []byte, mimeType string, duration time.Duration, createdAt time.Time) *Artifact {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &Artifact{data: buf, mimeType: mimeType, duration: duration, createdAt: createdAt}
}

// MimeType returns the negotiated encoding identifier
func (a *Artifact) MimeType() string { return a.mimeType }

// Size returns the payload length in bytes
func (a *Artifact) Size() int { return len(a.data) }

// Duration returns the recorded time, pauses excluded
func (a *Artifact) Duration() time.Duration { return a.duration }

// CreatedAt returns the finalize time
func (a *Artifact) CreatedAt() time.Time { return a.createdAt }

// Reader returns a fresh reader over the payload
func (a *Artifact) Reader() io.Reader { return bytes.NewReader(a.data) }

// Bytes returns a copy of the payload
func (a *Artifact) Bytes() []byte {
	out := make([]byte, len(a.data))
	copy(out, a.data)
	return out
}

// WriteTo writes the payload to w
func (a *Artifact) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(a.data)
	return int64(n), err
}

// Info returns the artifact summary
func (a *Artifact) Info() ArtifactInfo {
	return ArtifactInfo{
		MimeType:  a.mimeType,
		SizeBytes: len(a.data),
		Duration:  a.duration.Seconds(),
		CreatedAt: a.createdAt,
	}
}
