package errorx

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Is(t *testing.T) {
	err := fmt.Errorf("commit: %w", VersionConflict("a1", 1, 2))

	assert.True(t, errors.Is(err, ErrVersionConflict))
	assert.False(t, errors.Is(err, ErrTurnConflict))
	assert.Equal(t, CodeVersionConflict, CodeOf(err))
}

func TestError_Message(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{"code only", &Error{Code: CodeNotFound}, "NotFound"},
		{"with message", UnknownTool("weather"), "UnknownTool: unknown tool weather"},
		{"with field", InvalidArguments("title", "is required"), `InvalidArguments: is required (field "title")`},
		{"from cause", &Error{Code: CodeModelProviderError, Err: errors.New("boom")}, "ModelProviderError: boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap(CodeNotFound, nil, "nothing"))

	cause := errors.New("disk")
	err := Wrap(CodeToolExecutionFailed, cause, "write %s", "x")
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrToolExecutionFailed)
}

func TestFieldOf(t *testing.T) {
	err := fmt.Errorf("validate: %w", InvalidArguments("content", "is required"))
	assert.Equal(t, "content", FieldOf(err))
	assert.Empty(t, FieldOf(errors.New("plain")))
	assert.Empty(t, string(CodeOf(errors.New("plain"))))
}
