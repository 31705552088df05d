package natsx

import (
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/casualjim/parley/pkg/slogx"
	"github.com/nats-io/nats.go"
)

// DefaultName is the client name reported to the server.
const DefaultName = "parley"

// Connect opens a connection to url, falling back to the NATS_URL environment
// variable when url is empty. Without options the connection is named
// "parley", compressed and reconnects forever with disconnects logged.
func Connect(url string, opts ...nats.Option) (*nats.Conn, error) {
	if url == "" {
		url = os.Getenv("NATS_URL")
	}
	if url == "" {
		return nil, errors.New("nats url is required")
	}
	if len(opts) == 0 {
		opts = DefaultOptions()
	}
	return nats.Connect(url, opts...)
}

func DefaultOptions() []nats.Option {
	return []nats.Option{
		nats.Name(DefaultName),
		nats.Compression(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", slogx.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	}
}
