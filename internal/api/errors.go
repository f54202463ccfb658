// Package api provides HTTP clients for the worker fleet backend.
package api

import (
	"errors"
	"fmt"
)

// Backend errors.
var (
	// ErrBadStatus indicates the backend answered with a non-success code.
	ErrBadStatus = errors.New("unexpected response status")

	// ErrBadPayload indicates the backend answered with an undecodable body.
	ErrBadPayload = errors.New("malformed response payload")
)

// FetchError represents a failed snapshot or stats fetch.
type FetchError struct {
	Op       string // Operation name ("processes", "stats")
	Endpoint string // Request URL
	Err      error  // Underlying error
}

// NewFetchError creates a new FetchError.
func NewFetchError(op, endpoint string, err error) *FetchError {
	return &FetchError{
		Op:       op,
		Endpoint: endpoint,
		Err:      err,
	}
}

func (e *FetchError) Error() string {
	if e == nil {
		return ""
	}

	msg := fmt.Sprintf("fetch %s", e.Op)
	if e.Endpoint != "" {
		msg = fmt.Sprintf("%s %s", msg, e.Endpoint)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *FetchError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ControlError represents a failed imperative command against the backend.
type ControlError struct {
	TaskID string // Target task
	Reason string // Backend-provided rejection reason, if any
	Err    error  // Underlying error
}

// NewControlError creates a new ControlError.
func NewControlError(taskID, reason string, err error) *ControlError {
	return &ControlError{
		TaskID: taskID,
		Reason: reason,
		Err:    err,
	}
}

func (e *ControlError) Error() string {
	if e == nil {
		return ""
	}

	msg := fmt.Sprintf("terminate %s", e.TaskID)
	if e.Reason != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Reason)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ControlError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
