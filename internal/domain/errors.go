package domain

import "errors"

var (
	// ErrNotFound indicates that a requested resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates that a resource with the same identity
	// already exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrValidation indicates that a submission violates a precondition:
	// unknown strategy, malformed parameters, or an unapproved patch.
	// Validation failures are rejected synchronously; no task is created.
	ErrValidation = errors.New("validation failed")

	// ErrAssetLocked indicates that a target asset is already held by
	// another in-flight deployment. Assets are mutually exclusive across
	// concurrent deployments.
	ErrAssetLocked = errors.New("asset locked")

	// ErrTerminal indicates a write against a deployment whose status is
	// already terminal. Terminal statuses are frozen; the store rejects
	// any update that would move one to a different status.
	ErrTerminal = errors.New("deployment is terminal")
)
