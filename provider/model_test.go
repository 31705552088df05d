package provider

import (
	"context"
	"testing"

	"github.com/casualjim/parley/pkg/errorx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopProvider struct{}

func (nopProvider) Stream(context.Context, Request) (<-chan StreamEvent, error) {
	ch := make(chan StreamEvent)
	close(ch)
	return ch, nil
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(NewModel("b", nopProvider{}), NewModel("a", nopProvider{}))
	assert.Equal(t, []string{"a", "b"}, reg.Names())

	m, err := reg.Lookup("a")
	require.NoError(t, err)
	assert.Equal(t, "a", m.Name())
	assert.NotNil(t, m.Provider())

	_, err = reg.Lookup("gpt-missing")
	assert.ErrorIs(t, err, errorx.ErrUnknownModel)
}

func TestError(t *testing.T) {
	err := Error{Err: context.DeadlineExceeded}
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "model provider error", Error{}.Error())
}
