package stdx

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMust(t *testing.T) {
	assert.Equal(t, "ok", Must("ok", nil))
	assert.PanicsWithError(t, "boom", func() { Must(0, errors.New("boom")) })
}
