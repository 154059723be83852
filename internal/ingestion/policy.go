package ingestion

import (
	"errors"
	"fmt"
)

// Policy decides what happens when a destination collection already exists.
type Policy string

const (
	// PolicyAbort fails the unit with ErrCollectionConflict.
	PolicyAbort Policy = "abort"
	// PolicySkip leaves the existing collection alone and skips the unit.
	PolicySkip Policy = "skip"
	// PolicyForce drops the collection and ingests again.
	PolicyForce Policy = "force"
)

// ErrConflictingPolicy is returned when both force and skip are requested.
var ErrConflictingPolicy = errors.New("force and skip are mutually exclusive")

// PolicyFromFlags maps the command-line switches to a Policy.
func PolicyFromFlags(force, skip bool) (Policy, error) {
	switch {
	case force && skip:
		return "", ErrConflictingPolicy
	case force:
		return PolicyForce, nil
	case skip:
		return PolicySkip, nil
	default:
		return PolicyAbort, nil
	}
}

// ParsePolicy resolves a policy name.
func ParsePolicy(name string) (Policy, error) {
	switch p := Policy(name); p {
	case PolicyAbort, PolicySkip, PolicyForce:
		return p, nil
	default:
		return "", fmt.Errorf("unknown conflict policy %q", name)
	}
}

// Force reports whether an existing destination is dropped.
func (p Policy) Force() bool {
	return p == PolicyForce
}

// Skipped reports whether err ends the unit without failing it under this policy.
func (p Policy) Skipped(err error) bool {
	return p == PolicySkip && errors.Is(err, ErrCollectionConflict)
}
