package imagestore

import (
	"errors"
	"fmt"

	"github.com/localrivet/imagecontext/internal/compat"
)

// ErrNotInitialized is returned by data operations before Initialize.
var ErrNotInitialized = errors.New("image store not initialized")

// IncompatibleModelError reports that the configured embedding model may
// not write to the collection.
type IncompatibleModelError struct {
	Verdict compat.Verdict
}

func (e *IncompatibleModelError) Error() string {
	v := e.Verdict
	stored, candidate := "unrecorded model", "configured model"
	if v.Stored != nil {
		stored = v.Stored.String()
	}
	if v.Candidate != nil {
		candidate = v.Candidate.String()
	}
	return fmt.Sprintf("incompatible embedding model (%s): collection %q holds %s, configured %s: %s",
		v.Reason, v.Collection, stored, candidate, v.Message)
}

// Unwrap returns the error captured by a failed check, if any.
func (e *IncompatibleModelError) Unwrap() error {
	return e.Verdict.Err
}

// AsIncompatible extracts an IncompatibleModelError from err.
func AsIncompatible(err error) (*IncompatibleModelError, bool) {
	var target *IncompatibleModelError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}
