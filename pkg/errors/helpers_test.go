package errors_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	orcherrors "github.com/tombee/orchkit/pkg/errors"
)

func TestWrap(t *testing.T) {
	t.Run("wraps error with context", func(t *testing.T) {
		original := errors.New("original error")
		wrapped := orcherrors.Wrap(original, "additional context")

		require.Error(t, wrapped)
		assert.Contains(t, wrapped.Error(), "additional context")
		assert.Contains(t, wrapped.Error(), "original error")
	})

	t.Run("returns nil for nil error", func(t *testing.T) {
		assert.NoError(t, orcherrors.Wrap(nil, "context"))
	})

	t.Run("preserves error chain", func(t *testing.T) {
		original := errors.New("root cause")
		wrapped := orcherrors.Wrap(original, "context")

		assert.True(t, errors.Is(wrapped, original))
		assert.Equal(t, original, errors.Unwrap(wrapped))
	})
}

func TestWrapf(t *testing.T) {
	original := errors.New("boom")
	wrapped := orcherrors.Wrapf(original, "step %s failed on attempt %d", "s1", 3)
	assert.Contains(t, wrapped.Error(), "step s1 failed on attempt 3")
	assert.Nil(t, orcherrors.Wrapf(nil, "unused %d", 1))
}

func TestKindOf(t *testing.T) {
	oe := &orcherrors.OrchestrationError{ErrKind: orcherrors.KindCircuitBreakerOpen, Message: "tripped"}
	wrapped := orcherrors.Wrap(oe, "invocation failed")

	kind, ok := orcherrors.KindOf(wrapped)
	require.True(t, ok)
	assert.Equal(t, orcherrors.KindCircuitBreakerOpen, kind)

	_, ok = orcherrors.KindOf(errors.New("plain"))
	assert.False(t, ok)
}
