package identity

import (
	"errors"
	"regexp"
)

// ErrInvalidDID is returned when a subject identifier does not match the
// required DID format.
var ErrInvalidDID = errors.New("identity: invalid userDID format")

// didPattern accepts namespaced identifiers of the form did:<method>:<id>.
var didPattern = regexp.MustCompile(`^did:[a-z0-9]+:[A-Za-z0-9._-]+$`)

// Validate checks a subject identifier against the required DID format.
func Validate(userDID string) error {
	if !didPattern.MatchString(userDID) {
		return ErrInvalidDID
	}
	return nil
}

// Valid reports whether a subject identifier is well formed.
func Valid(userDID string) bool {
	return didPattern.MatchString(userDID)
}
