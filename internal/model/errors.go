package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ConfigError is fatal to the whole run.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// GitOperationError wraps a failed git invocation.
type GitOperationError struct {
	Op        string
	Stderr    string
	Transient bool
	Err       error
}

func (e *GitOperationError) Error() string {
	msg := fmt.Sprintf("git %s: %v", e.Op, e.Err)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *GitOperationError) Unwrap() error { return e.Err }

// NetworkError is a failure to reach the remote. Always transient.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Timeout scopes.
const (
	TimeoutLock     = "lock"
	TimeoutDeadline = "deadline"
)

// TimeoutError reports a lock wait or run deadline that elapsed.
type TimeoutError struct {
	Scope   string
	Subject string
	After   time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("%s timeout after %v", e.Scope, e.After)
	}
	return fmt.Sprintf("%s timeout on %s after %v", e.Scope, e.Subject, e.After)
}

// Is lets errors.Is(err, context.DeadlineExceeded) match timeouts.
func (e *TimeoutError) Is(target error) bool {
	return target == context.DeadlineExceeded
}

// RecoveryError means a subject could not be restored from backup.
type RecoveryError struct {
	Subject string
	Err     error
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("recovery of %s: %v", e.Subject, e.Err)
}

func (e *RecoveryError) Unwrap() error { return e.Err }

// ErrNoSnapshot is wrapped by RecoveryError when a subject has no surviving backup.
var ErrNoSnapshot = errors.New("no snapshot available")

// ErrSubjectMoved is wrapped when a guarded update finds the remote ref no longer at the
// commit it expected.
var ErrSubjectMoved = errors.New("subject moved since it was read")

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	var gitErr *GitOperationError
	if errors.As(err, &gitErr) {
		return gitErr.Transient
	}
	return false
}
