package core

import (
	"context"
	"errors"
)

// Error taxonomy shared by the queue, the stages and the orchestrator.
var (
	// ErrNotFound indicates an unknown job or voice identifier.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates input that can never succeed as submitted.
	ErrValidation = errors.New("validation failure")
	// ErrResourceLoad indicates a synthesis or training resource failed to initialize.
	ErrResourceLoad = errors.New("resource load failure")
	// ErrExecution indicates a fault while a stage was processing.
	ErrExecution = errors.New("execution failure")
	// ErrTimeout indicates a stage exceeded its allotted duration.
	ErrTimeout = errors.New("timeout")
)

// Error kinds as persisted on failed job records.
const (
	KindNotFound     = "not_found"
	KindValidation   = "validation"
	KindResourceLoad = "resource_load"
	KindExecution    = "execution"
	KindTimeout      = "timeout"
)

// KindOf classifies err into one of the persisted error kinds. Errors that
// carry no sentinel are execution failures.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrResourceLoad):
		return KindResourceLoad
	default:
		return KindExecution
	}
}
