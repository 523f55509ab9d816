package consultation

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/skypro1111/consult-capture/internal/upload"
)

// ErrNoPatient blocks capture until a patient is selected
var ErrNoPatient = errors.New("Please select a patient before recording")

// Kind tells which patient variant a context carries
type Kind string

const (
	KindNone     Kind = ""
	KindExisting Kind = "existing"
	KindNew      Kind = "new"
)

// Context is the patient a recording belongs to: either an existing
// patient id or a new patient descriptor, never both
type Context struct {
	PatientID  string      `json:"patient_id,omitempty"`
	NewPatient *NewPatient `json:"new_patient,omitempty"`
}

// Kind returns the variant set on the context
func (c Context) Kind() Kind {
	switch {
	case c.NewPatient != nil:
		return KindNew
	case strings.TrimSpace(c.PatientID) != "":
		return KindExisting
	default:
		return KindNone
	}
}

// Validate checks that exactly one variant is set and is well formed
func (c Context) Validate() error {
	hasID := strings.TrimSpace(c.PatientID) != ""
	switch {
	case hasID && c.NewPatient != nil:
		return fmt.Errorf("select either an existing patient or a new patient, not both")
	case !hasID && c.NewPatient == nil:
		return ErrNoPatient
	case c.NewPatient != nil:
		return c.NewPatient.Validate()
	}
	return nil
}

// Store holds the patient context selected by the caller
type Store struct {
	mu        sync.RWMutex
	current   *Context
	updatedAt time.Time
	logger    *slog.Logger
}

// StoreInfo is a snapshot of the store
type StoreInfo struct {
	Kind      Kind      `json:"kind"`
	Context   *Context  `json:"context,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// NewStore creates an empty store
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{logger: logger.With(slog.String("component", "consultation"))}
}

// Set validates and stores c, replacing the previous selection
func (s *Store) Set(c Context) error {
	c.PatientID = strings.TrimSpace(c.PatientID)
	if c.NewPatient != nil {
		p := *c.NewPatient
		p.Normalize()
		c.NewPatient = &p
	}
	if err := c.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	s.current = &c
	s.updatedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("Patient context selected", slog.String("kind", string(c.Kind())))
	return nil
}

// Get returns the current context
func (s *Store) Get() (Context, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.current == nil {
		return Context{}, false
	}
	c := *s.current
	if c.NewPatient != nil {
		p := *c.NewPatient
		c.NewPatient = &p
	}
	return c, true
}

// Info returns a snapshot for the HTTP API
func (s *Store) Info() StoreInfo {
	c, ok := s.Get()
	if !ok {
		return StoreInfo{Kind: KindNone}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return StoreInfo{Kind: c.Kind(), Context: &c, UpdatedAt: s.updatedAt}
}

// Clear drops the current selection
func (s *Store) Clear() {
	s.mu.Lock()
	s.current = nil
	s.updatedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("Patient context cleared")
}

// Check is the capture gate: nil when a valid patient is selected
func (s *Store) Check() error {
	c, ok := s.Get()
	if !ok {
		return ErrNoPatient
	}
	return c.Validate()
}

// Gate returns Check as a gate function
func (s *Store) Gate() func() error {
	return s.Check
}

// Target builds the upload target for the current selection
func (s *Store) Target() (upload.Target, error) {
	c, ok := s.Get()
	if !ok {
		return upload.Target{}, ErrNoPatient
	}
	if err := c.Validate(); err != nil {
		return upload.Target{}, err
	}

	if c.NewPatient != nil {
		return upload.NewSubject(c.NewPatient), nil
	}
	return upload.ExistingSubject(c.PatientID), nil
}
