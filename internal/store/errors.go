package store

import "errors"

var (
	ErrNotFound         = errors.New("saga not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrVersionConflict  = errors.New("saga version conflict")
	ErrStoreUnavailable = errors.New("store unavailable")
)
