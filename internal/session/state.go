package session

import (
	"errors"
	"fmt"
)

// State is the lifecycle phase of a capture session
type State int

const (
	StateIdle State = iota
	StateRequestingPermission
	StatePermissionDenied
	StateReady
	StateRecording
	StatePaused
	StateFinalizing
	StateReadyToUpload
	StateUploading
	StateCompleted
	StateFailed
)

var stateNames = [...]string{
	StateIdle:                 "idle",
	StateRequestingPermission: "requesting_permission",
	StatePermissionDenied:     "permission_denied",
	StateReady:                "ready",
	StateRecording:            "recording",
	StatePaused:               "paused",
	StateFinalizing:           "finalizing",
	StateReadyToUpload:        "ready_to_upload",
	StateUploading:            "uploading",
	StateCompleted:            "completed",
	StateFailed:               "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText encodes the state name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Capturing reports whether the session holds the microphone
func (s State) Capturing() bool {
	return s == StateRecording || s == StatePaused
}

// transitions lists the legal successors of every state. Teardown to Idle
// is always allowed.
var transitions = map[State][]State{
	StateIdle:                 {StateRequestingPermission},
	StateRequestingPermission: {StateReady, StatePermissionDenied},
	StatePermissionDenied:     {StateRequestingPermission, StateReady},
	StateReady:                {StateRecording, StateRequestingPermission},
	StateRecording:            {StatePaused, StateFinalizing, StateReady},
	StatePaused:               {StateRecording, StateFinalizing, StateReady},
	StateFinalizing:           {StateReadyToUpload, StateReady},
	StateReadyToUpload:        {StateUploading, StateFailed, StateReady},
	StateUploading:            {StateCompleted, StateFailed},
	StateCompleted:            {StateReady},
	StateFailed:               {StateUploading, StateReady},
}

func canTransition(from, to State) bool {
	if to == StateIdle {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var (
	// ErrInvalidTransition is returned for an action the current state does not allow
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrBusy is returned while a previous start attempt is still acquiring the microphone
	ErrBusy = errors.New("session busy")

	// ErrClosed is returned by every action after Close
	ErrClosed = errors.New("session closed")
)

// ErrorKind classifies caller-visible errors
type ErrorKind string

const (
	KindPermissionDenied     ErrorKind = "permission_denied"
	KindValidationBlocked    ErrorKind = "validation_blocked"
	KindHardwareStartFailure ErrorKind = "hardware_start_failure"
	KindHardwareFailure      ErrorKind = "hardware_failure"
	KindTransportFailure     ErrorKind = "transport_failure"
	KindEncodingUnsupported  ErrorKind = "encoding_unsupported"
)

// User-facing messages
const (
	MsgPermissionRequired = "Microphone access is required for recording. Please allow microphone access and refresh the page."
	MsgStartFailed        = "Failed to start recording. Please check your microphone permissions."
	MsgNoAudio            = "No audio was captured. Please check your microphone and try again."
	MsgRecordingLost      = "Recording stopped unexpectedly. Please check your microphone."
)

// Error is a classified, human-readable session error
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func invalid(action string, s State) error {
	return fmt.Errorf("%w: cannot %s while %s", ErrInvalidTransition, action, s)
}
