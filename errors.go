package s3db

import (
	"errors"
	"fmt"
)

// Sentinel errors for the taxonomy described in the error handling design:
// each kind is surfaced to the caller with context, except the transient
// categories (ThrottledError, RaceError) which are retried locally first.
var (
	// Object Client / storage errors
	ErrNotFound      = errors.New("object not found")
	ErrAlreadyExists = errors.New("object already exists")
	ErrConflict      = errors.New("concurrent modification detected")
	ErrUnauthorized  = errors.New("access denied")
	ErrBucketNotFound = errors.New("bucket not found")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrTimeout       = errors.New("operation timed out")
	ErrThrottled     = errors.New("object store rate-limited the request")

	// Schema / validation errors
	ErrValidation   = errors.New("validation failed")
	ErrInvalidData  = errors.New("invalid data format")
	ErrUnknownResource = errors.New("unknown resource")
	ErrUnknownSchemaVersion = errors.New("unknown schema version")

	// Metadata codec / behavior errors
	ErrMetadataLimit = errors.New("record exceeds metadata budget")

	// Database root errors
	ErrRace = errors.New("optimistic concurrency retries exhausted")

	// Encryption errors
	ErrEncryption = errors.New("encryption/decryption failed")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrConfig        = errors.New("plugin misconfigured")

	// Lock errors
	ErrLockHeld     = errors.New("lock already held by another process")
	ErrLockTimeout  = errors.New("failed to acquire lock within timeout")
	ErrLockReleased = errors.New("lock was already released")
	ErrLockNotFound = errors.New("lock not found")
	ErrInvalidLockKey = errors.New("invalid lock key")

	// Partition index errors
	ErrIndexCorrupted = errors.New("partition index corrupted, repair needed")
	ErrIndexRetries   = errors.New("partition index update retries exhausted")
)

// ValidationError carries the ordered per-field failures produced by a
// compiled Validator.
type ValidationError struct {
	Errors []FieldError
}

// FieldError is one failed rule for one field.
type FieldError struct {
	Field   string
	Message string
	Rule    string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return ErrValidation.Error()
	}
	return fmt.Sprintf("validation failed: %s (%s): %s", e.Errors[0].Field, e.Errors[0].Rule, e.Errors[0].Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ErrorWithContext adds structured context to an error without losing its
// sentinel identity (errors.Is still matches through Unwrap).
type ErrorWithContext struct {
	Err     error
	Context map[string]interface{}
}

func (e *ErrorWithContext) Error() string {
	if len(e.Context) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (context: %+v)", e.Err, e.Context)
}

func (e *ErrorWithContext) Unwrap() error {
	return e.Err
}

// WithContext attaches {bucket,key,resource,id,field,...} context to an
// error for logging and for the caller-visible {code,message,context}
// shape required at every boundary.
func WithContext(err error, context map[string]interface{}) error {
	if err == nil {
		return nil
	}
	return &ErrorWithContext{
		Err:     err,
		Context: context,
	}
}

// IsNotFound reports whether err represents a missing object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err represents a concurrent-modification race.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrRace) || errors.Is(err, ErrIndexRetries)
}

// IsRetryable reports whether err belongs to a transient category that is
// safe to retry with backoff (§7 Propagation policy: Throttled, Race).
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrBackendUnavailable) ||
		errors.Is(err, ErrThrottled) ||
		errors.Is(err, ErrRace) ||
		errors.Is(err, ErrLockHeld) ||
		errors.Is(err, ErrLockTimeout)
}

// IsPermanent reports whether err is not worth retrying.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrBucketNotFound) ||
		errors.Is(err, ErrInvalidData) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrMetadataLimit) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrConfig)
}
