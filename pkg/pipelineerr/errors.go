// Package pipelineerr defines the structured error taxonomy shared by every
// pipelineflow component.
package pipelineerr

import (
	"errors"
	"fmt"
)

// Kind classifies the failure so callers can branch with errors.Is against
// the sentinel values below instead of parsing messages.
type Kind string

const (
	KindStageNotFound    Kind = "stage_not_found"
	KindInfiniteLoop     Kind = "infinite_loop"
	KindWorkerTimeout    Kind = "worker_timeout"
	KindWorkerPanic      Kind = "worker_panic"
	KindWorkerAbort      Kind = "worker_abort"
	KindPoolShutdown     Kind = "pool_shutdown"
	KindEngineState      Kind = "engine_state"
	KindReleasedTooMany  Kind = "released_too_many"
	KindSemaphoreShutdow Kind = "semaphore_shutdown"
	KindHandlerFailed    Kind = "handler_failed"
	KindInvalidOption    Kind = "invalid_option"
)

// Sentinels usable with errors.Is. Error.Is matches against these by Kind,
// so a wrapped *Error still satisfies errors.Is(err, ErrStageNotFound) even
// after additional context has been attached with the With* builders.
var (
	ErrStageNotFound   = &Error{Kind: KindStageNotFound, Message: "stage not found"}
	ErrInfiniteLoop    = &Error{Kind: KindInfiniteLoop, Message: "infinite loop detected"}
	ErrWorkerTimeout   = &Error{Kind: KindWorkerTimeout, Message: "worker timed out"}
	ErrWorkerPanic     = &Error{Kind: KindWorkerPanic, Message: "worker panicked"}
	ErrWorkerAbort     = &Error{Kind: KindWorkerAbort, Message: "worker aborted"}
	ErrPoolShutdown    = &Error{Kind: KindPoolShutdown, Message: "worker pool is shut down"}
	ErrEngineState     = &Error{Kind: KindEngineState, Message: "invalid engine state for operation"}
	ErrReleasedTooMany = &Error{Kind: KindReleasedTooMany, Message: "semaphore released more than it acquired"}
	ErrSemaphoreShutdown = &Error{Kind: KindSemaphoreShutdow, Message: "semaphore is shut down"}
	ErrInvalidOption   = &Error{Kind: KindInvalidOption, Message: "invalid option"}
)

// Error is the structured error type returned by every pipelineflow
// component. Build one with New and attach context with the fluent With*
// methods.
type Error struct {
	Kind      Kind
	Code      string
	Message   string
	Stage     string
	Cause     error
	Retryable bool
}

// New creates an Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("pipelineflow: %s", e.Message)
	if e.Stage != "" {
		msg = fmt.Sprintf("%s (stage=%s)", msg, e.Stage)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches by Kind, allowing errors.Is(err, ErrStageNotFound) to succeed
// regardless of what context has been attached via the With* builders.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

// WithCause returns a copy of e with Cause set.
func (e *Error) WithCause(cause error) *Error {
	c := *e
	c.Cause = cause
	return &c
}

// WithStage returns a copy of e with Stage set.
func (e *Error) WithStage(stage string) *Error {
	c := *e
	c.Stage = stage
	return &c
}

// WithCode returns a copy of e with Code set.
func (e *Error) WithCode(code string) *Error {
	c := *e
	c.Code = code
	return &c
}

// WithMessage returns a copy of e with Message replaced.
func (e *Error) WithMessage(message string) *Error {
	c := *e
	c.Message = message
	return &c
}

// WithRetryable returns a copy of e with Retryable set.
func (e *Error) WithRetryable(retryable bool) *Error {
	c := *e
	c.Retryable = retryable
	return &c
}
