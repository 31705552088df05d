// Command parley-tail follows the chunk stream of a turn and survives
// dropped connections by resuming after the last sequence number it printed.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/casualjim/parley/chunk"
	"github.com/casualjim/parley/pkg/slogx"
	"github.com/charmbracelet/glamour"
	_ "github.com/joho/godotenv/autoload"
	"github.com/phsym/zeroslog"
	"github.com/rs/zerolog"
)

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Stamp}
	logger := zerolog.New(output).With().Timestamp().Logger()
	slog.SetDefault(slog.New(
		zeroslog.NewHandler(logger, &zeroslog.HandlerOptions{Level: slog.LevelInfo}),
	))
}

func main() {
	server := flag.String("server", envOr("PARLEY_SERVER", "http://localhost:8080"), "parleyd base url")
	framing := flag.String("framing", "ndjson", "chunk framing: ndjson or length")
	retries := flag.Int("retries", 5, "reconnect attempts without progress before giving up")
	render := flag.Bool("render", false, "render the final text as markdown")
	debug := flag.Bool("debug", false, "dump every chunk")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <stream id>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	f, err := chunk.ParseFraming(*framing)
	if err != nil {
		slog.Error("invalid framing", slogx.Error(err))
		os.Exit(2)
	}

	t := &tailer{
		client:   &http.Client{},
		server:   *server,
		streamID: flag.Arg(0),
		framing:  f,
		retries:  *retries,
		backoff:  500 * time.Millisecond,
		out:      os.Stdout,
		debug:    *debug,
	}
	if *render {
		glam, err := glamour.NewTermRenderer(glamour.WithAutoStyle())
		if err != nil {
			slog.Error("create markdown renderer", slogx.Error(err))
			os.Exit(1)
		}
		t.render = glam.Render
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	last, err := t.Run(ctx)
	if err != nil {
		slog.Error("tail failed", slogx.StreamID(t.streamID), slogx.Error(err))
		os.Exit(1)
	}
	if last.Kind() == chunk.KindError {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
