package store

import "errors"

var (
	// ErrValidation marks malformed input rejected before the store is touched.
	ErrValidation = errors.New("validation failed")

	// ErrUnavailable is returned by create operations when there is no backing
	// database. Read operations degrade to empty results instead.
	ErrUnavailable = errors.New("database not available")
)
