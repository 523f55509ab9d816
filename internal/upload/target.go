package upload

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidTarget is returned for a target that names neither or both
// subject variants. Such failures are not retry-eligible.
var ErrInvalidTarget = errors.New("invalid upload target")

// Target selects where an artifact goes: attached to an existing subject
// or sent along with a descriptor for a subject created server-side
type Target struct {
	SubjectID  string
	NewSubject any
}

// ExistingSubject targets the subject with the given identifier
func ExistingSubject(id string) Target {
	return Target{SubjectID: id}
}

// NewSubject targets a subject to be created from descriptor
func NewSubject(descriptor any) Target {
	return Target{NewSubject: descriptor}
}

// Kind returns "existing", "new" or "invalid"
func (t Target) Kind() string {
	switch {
	case t.Validate() != nil:
		return "invalid"
	case t.NewSubject != nil:
		return "new"
	default:
		return "existing"
	}
}

// Validate checks that exactly one variant is set
func (t Target) Validate() error {
	hasID := strings.TrimSpace(t.SubjectID) != ""
	hasNew := t.NewSubject != nil

	switch {
	case hasID && hasNew:
		return fmt.Errorf("%w: both subject id and new subject descriptor set", ErrInvalidTarget)
	case !hasID && !hasNew:
		return fmt.Errorf("%w: no subject selected", ErrInvalidTarget)
	}
	return nil
}

// descriptorJSON serializes the new-subject descriptor for the form field
func (t Target) descriptorJSON() (string, error) {
	data, err := json.Marshal(t.NewSubject)
	if err != nil {
		return "", fmt.Errorf("%w: descriptor is not serializable: %v", ErrInvalidTarget, err)
	}
	return string(data), nil
}
