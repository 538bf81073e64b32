package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Transcript.Append", ErrDuplicate, "id 01H")
	want := "Transcript.Append: id 01H: duplicate"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Transcript.ReplaceLast", ErrInvalidState, "")
	want := "Transcript.ReplaceLast: invalid state"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Normalizer.Normalize", ErrUnsupported, "text/plain")
	if !errors.Is(err, ErrUnsupported) {
		t.Error("errors.Is should match ErrUnsupported")
	}
}

func TestDomainErrorAs(t *testing.T) {
	err := NewDomainError("Turn.Retry", ErrNotFound, "01H")
	var de *DomainError
	if !errors.As(err, &de) {
		t.Fatal("errors.As should match *DomainError")
	}
	if de.Op != "Turn.Retry" {
		t.Errorf("Op = %q, want %q", de.Op, "Turn.Retry")
	}
}

func TestErrorCodeOf_DirectSentinel(t *testing.T) {
	assert.Equal(t, CodeNotFound, ErrorCodeOf(ErrNotFound))
	assert.Equal(t, CodeRateLimit, ErrorCodeOf(ErrRateLimit))
	assert.Equal(t, CodeUnsupportedMedia, ErrorCodeOf(ErrUnsupported))
}

func TestErrorCodeOf_DomainError(t *testing.T) {
	err := NewDomainError("Transcript.TruncateAt", ErrNotFound, "x")
	assert.Equal(t, CodeNotFound, ErrorCodeOf(err))
	assert.Equal(t, CodeNotFound, err.Code())
}

func TestErrorCodeOf_WrappedError(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", ErrCircuitOpen)
	assert.Equal(t, CodeCircuitOpen, ErrorCodeOf(wrapped))
}

func TestErrorCodeOf_UnknownError(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(fmt.Errorf("some random error")))
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
}

func TestAllSentinelsHaveCodes(t *testing.T) {
	require.NotEmpty(t, errorCodeMap)
	for sentinel, code := range errorCodeMap {
		assert.NotEmpty(t, code, "sentinel %v has empty code", sentinel)
		assert.NotEqual(t, CodeUnknown, code, "sentinel %v maps to UNKNOWN", sentinel)
	}
}

func TestWrapOp(t *testing.T) {
	assert.Nil(t, WrapOp("anything", nil))

	inner := WrapOp("inner", ErrProviderError)
	outer := WrapOp("outer", inner)
	assert.Equal(t, "outer: inner: provider error", outer.Error())
	assert.True(t, errors.Is(outer, ErrProviderError))
	assert.Equal(t, CodeProviderError, ErrorCodeOf(outer))
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{ErrRateLimit, true},
		{fmt.Errorf("x: %w", ErrProviderError), true},
		{ErrCircuitOpen, true},
		{ErrTimeout, true},
		{ErrAuthInvalid, false},
		{ErrContextOverflow, false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := IsRetryableError(tt.err); got != tt.want {
			t.Errorf("IsRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
