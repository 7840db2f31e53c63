package datastore

import (
	"errors"
)

var (
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("datastore: record not found")
	// ErrUnknownAccount is returned when a transaction references a missing account.
	ErrUnknownAccount = errors.New("datastore: unknown account")
	// ErrUnknownFile is returned when a transaction references a missing file.
	ErrUnknownFile = errors.New("datastore: unknown file")
	// ErrUnknownCategory is returned when an assignment or parent references a missing category.
	ErrUnknownCategory = errors.New("datastore: unknown category")
	// ErrVersionMismatch is returned by Import for an export of another version.
	ErrVersionMismatch = errors.New("datastore: export version mismatch")
	// ErrInvalidRecord is returned for records missing required fields.
	ErrInvalidRecord = errors.New("datastore: invalid record")
	// ErrNotLoaded is returned when the store is used before Init.
	ErrNotLoaded = errors.New("datastore: not loaded")
	// ErrIntegrity marks findings of an integrity check.
	ErrIntegrity = errors.New("datastore: orphaned records found")
)
