package device

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPermissionDenied is returned when microphone access is refused
	ErrPermissionDenied = errors.New("microphone access denied")

	// ErrNoDevice is returned when no capture device is available
	ErrNoDevice = errors.New("no capture device available")

	// ErrNotRecording is returned by recorder actions that need a running recording
	ErrNotRecording = errors.New("recorder is not running")

	// ErrStreamReleased is returned when a recorder is bound to a released stream
	ErrStreamReleased = errors.New("stream already released")
)

// Constraints describes the requested capture characteristics
type Constraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	SampleRate       int
	Channels         int
}

// RecorderOptions configures one chunked recording
type RecorderOptions struct {
	MimeType      string        // Empty lets the device pick its default encoding
	BitsPerSecond int           // Target encoder bitrate
	Interval      time.Duration // Chunk emission period
}

// Stream is an acquired capture stream. Release stops every track and is
// safe to call more than once.
type Stream interface {
	Release()
}

// Sink receives recorder output. Data is called once per emitted chunk in
// order, then Stopped exactly once after the final chunk. Recorders never
// call the sink synchronously from their own methods.
type Sink interface {
	Data(chunk []byte)
	Stopped(err error)
}

// Recorder is a chunked recording primitive bound to one stream
type Recorder interface {
	Start() error
	Pause() error
	Resume() error
	Stop() error
	MimeType() string
}

// Device is the hardware capture collaborator
type Device interface {
	// RequestAccess acquires a stream. It returns ErrPermissionDenied or
	// ErrNoDevice (possibly wrapped) when access cannot be granted.
	RequestAccess(ctx context.Context, c Constraints) (Stream, error)

	// IsTypeSupported reports whether the device can record the encoding
	IsTypeSupported(mimeType string) bool

	// NewRecorder prepares a recorder on the stream. Recording begins with Start.
	NewRecorder(s Stream, opts RecorderOptions, sink Sink) (Recorder, error)
}
