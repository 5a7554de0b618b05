package store

import "errors"

// Sentinel errors for ledger operations. Match them with errors.Is.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// RecordError reports a failed operation on one provisioning record.
// Key is the record id, or the module name for per-module lookups.
type RecordError struct {
	Key string
	Err error
}

func (e *RecordError) Error() string {
	return "provision " + e.Key + ": " + e.Err.Error()
}

func (e *RecordError) Unwrap() error { return e.Err }
