package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type retryableErr struct{ retry bool }

func (e retryableErr) Error() string     { return "upstream" }
func (e retryableErr) IsRetryable() bool { return e.retry }

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"typed", Validation("add", "bad"), KindValidation},
		{"wrapped typed", fmt.Errorf("outer: %w", New(KindUpstream, "build", errors.New("x"))), KindUpstream},
		{"context canceled", fmt.Errorf("do: %w", context.Canceled), KindCancelled},
		{"deadline", context.DeadlineExceeded, KindTransport},
		{"plain", errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDescribe(t *testing.T) {
	err := WithSegment(New(KindUpstream, "build", retryableErr{retry: true}), "seg-1")

	info := Describe(err)
	if info.Kind != KindUpstream {
		t.Errorf("Kind = %q, want upstream", info.Kind)
	}
	if info.SegmentID != "seg-1" {
		t.Errorf("SegmentID = %q, want seg-1", info.SegmentID)
	}
	if !info.Retryable {
		t.Error("expected retryable")
	}
	if info.Message != "upstream" {
		t.Errorf("Message = %q, want upstream", info.Message)
	}

	if Describe(nil) != nil {
		t.Error("Describe(nil) should be nil")
	}
}

func TestWithSegment_DoesNotMutateOriginal(t *testing.T) {
	orig := Validation("update", "busy")
	tagged := WithSegment(orig, "abc")

	if orig.SegmentID != "" {
		t.Errorf("original mutated: %q", orig.SegmentID)
	}
	var e *Error
	if !errors.As(tagged, &e) || e.SegmentID != "abc" {
		t.Errorf("tagged = %v", tagged)
	}
}
