// Package logging installs a zerolog backend behind log/slog.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/casualjim/parley/internal/config"
	"github.com/phsym/zeroslog"
	"github.com/rs/zerolog"
)

// ParseLevel maps a configured level name to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return 0, fmt.Errorf("unknown log level %q", name)
	}
	return level, nil
}

// New builds a slog logger writing to w. The console format is meant for
// terminals, json for log shippers.
func New(w io.Writer, cfg config.LogConfig) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var zl zerolog.Logger
	switch cfg.Format {
	case "json":
		zl = zerolog.New(w)
	case "console", "":
		zl = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Stamp})
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	zl = zl.With().Timestamp().Logger()

	return slog.New(zeroslog.NewHandler(zl, &zeroslog.HandlerOptions{Level: level})), nil
}

// Setup installs the logger as the slog default, writing to stderr.
func Setup(cfg config.LogConfig) error {
	logger, err := New(os.Stderr, cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	return nil
}
