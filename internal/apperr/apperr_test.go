package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lalith-99/echosocial/internal/docstore"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		kind Kind
	}{
		{docstore.ErrPermissionDenied, KindAccessDenied},
		{docstore.ErrNotFound, KindNotFound},
		{docstore.ErrAlreadyExists, KindConflict},
		{docstore.ErrConflict, KindConflict},
		{docstore.ErrBatchTooLarge, KindValidation},
		{docstore.ErrInvalidPath, KindValidation},
		{docstore.ErrUnavailable, KindTransient},
		{context.DeadlineExceeded, KindTransient},
		{errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind)+"/"+tt.err.Error(), func(t *testing.T) {
			err := Classify("op", fmt.Errorf("wrapped: %w", tt.err))
			assert.Equal(t, tt.kind, KindOf(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}

	assert.NoError(t, Classify("op", nil))
	orig := Validation("send", "empty message")
	assert.Same(t, orig, Classify("other", orig))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindInternal, KindOf(errors.New("x")))
	assert.True(t, IsKind(fmt.Errorf("ctx: %w", RateLimited("send")), KindRateLimited))
	assert.False(t, IsKind(nil, KindInternal))
}

func TestPartial(t *testing.T) {
	cause := docstore.ErrUnavailable
	err := Partial("send message", "inbox projection", cause)
	assert.Equal(t, KindPartial, KindOf(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "[inbox projection]")
}

func TestResultOf(t *testing.T) {
	assert.Equal(t, Result{OK: true}, ResultOf(nil))
	assert.Equal(t, Result{Message: "empty message"}, ResultOf(Validation("send", "empty message")))

	denied := ResultOf(Classify("send", fmt.Errorf("rule conversations: %w", docstore.ErrPermissionDenied)))
	assert.Equal(t, "action not allowed", denied.Message)
	assert.NotContains(t, denied.Message, "rule")

	assert.True(t, ResultOf(RateLimited("follow")).Retryable)
	assert.True(t, ResultOf(Partial("send", "inbox", errors.New("x"))).Retryable)
	assert.True(t, ResultOf(Classify("x", docstore.ErrConflict)).Retryable)
	assert.False(t, ResultOf(errors.New("boom")).Retryable)
}
