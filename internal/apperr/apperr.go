// Package apperr defines the error kinds shared by the clip orchestration packages.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation      Kind = "validation"
	KindTransport       Kind = "transport"
	KindUpstream        Kind = "upstream"
	KindCancelled       Kind = "cancelled"
	KindNotFound        Kind = "not_found"
	KindUnauthenticated Kind = "unauthenticated"
	KindInternal        Kind = "internal"
)

// Error carries a Kind alongside the operation that failed.
type Error struct {
	Kind      Kind
	Op        string
	SegmentID string
	Err       error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.SegmentID != "" {
		msg += " (segment " + e.SegmentID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the wrapped cause says the operation may succeed if repeated.
func (e *Error) Retryable() bool {
	var r interface{ IsRetryable() bool }
	if errors.As(e.Err, &r) {
		return r.IsRetryable()
	}
	return e.Kind == KindTransport
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

func NotFound(op, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Op: op, Err: fmt.Errorf(format, args...)}
}

func Cancelled(op string) *Error {
	return &Error{Kind: KindCancelled, Op: op, Err: context.Canceled}
}

// WithSegment returns a copy of err tagged with the segment id when err is an *Error,
// otherwise it wraps err as an internal error.
func WithSegment(err error, segmentID string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		cp := *e
		cp.SegmentID = segmentID
		return &cp
	}
	return &Error{Kind: KindOf(err), SegmentID: segmentID, Err: err}
}

// KindOf classifies err. Context cancellation is always KindCancelled.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransport
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Info is the serializable description of a failure attached to segments and API responses.
type Info struct {
	Kind      Kind   `json:"kind"`
	Op        string `json:"op,omitempty"`
	SegmentID string `json:"segment_id,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func Describe(err error) *Info {
	if err == nil {
		return nil
	}
	info := &Info{Kind: KindOf(err), Message: err.Error()}
	var e *Error
	if errors.As(err, &e) {
		info.Op = e.Op
		info.SegmentID = e.SegmentID
		info.Retryable = e.Retryable()
		if e.Err != nil {
			info.Message = e.Err.Error()
		}
	}
	return info
}
