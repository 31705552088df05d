package natsx

import (
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnect_RequiresURL(t *testing.T) {
	t.Setenv("NATS_URL", "")
	_, err := Connect("")
	assert.ErrorContains(t, err, "nats url is required")
}

func TestConnect(t *testing.T) {
	nc, err := Connect(nats.DefaultURL)
	if err != nil {
		t.Skipf("nats is not reachable at %s: %v", nats.DefaultURL, err)
	}
	defer nc.Close()

	require.True(t, nc.IsConnected())
	assert.Equal(t, DefaultName, nc.Opts.Name)
}
