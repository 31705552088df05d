package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/casualjim/parley/chunk"
	"github.com/casualjim/parley/pkg/slogx"
	"github.com/fatih/color"
	"github.com/k0kubun/pp/v3"
)

// errGone reports a stream the server no longer has.
var errGone = errors.New("stream is gone")

type tailer struct {
	client   *http.Client
	server   string
	streamID string
	framing  chunk.Framing
	retries  int
	backoff  time.Duration

	out    io.Writer
	debug  bool
	render func(string) (string, error)

	next uint64
	seen bool
	text strings.Builder
}

// Run follows the stream until its terminal chunk, reconnecting after the
// last received sequence number whenever the connection drops.
func (t *tailer) Run(ctx context.Context) (chunk.Chunk, error) {
	failures := 0
	for {
		progressed, last, err := t.attempt(ctx)
		if err == nil {
			return last, nil
		}
		if errors.Is(err, errGone) || ctx.Err() != nil {
			return chunk.Chunk{}, err
		}
		if progressed {
			failures = 0
		}
		failures++
		if failures > t.retries {
			return chunk.Chunk{}, fmt.Errorf("giving up after %d attempts: %w", failures, err)
		}
		slog.WarnContext(ctx, "stream dropped, reconnecting", slogx.StreamID(t.streamID), slog.Uint64("next", t.next), slogx.Error(err))
		select {
		case <-ctx.Done():
			return chunk.Chunk{}, ctx.Err()
		case <-time.After(t.backoff * time.Duration(failures)):
		}
	}
}

func (t *tailer) url() string {
	q := url.Values{}
	if t.seen {
		q.Set("after", strconv.FormatUint(t.next-1, 10))
	}
	if t.framing != chunk.NDJSON {
		q.Set("framing", t.framing.String())
	}
	u := strings.TrimRight(t.server, "/") + "/v1/streams/" + url.PathEscape(t.streamID)
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (t *tailer) attempt(ctx context.Context) (bool, chunk.Chunk, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url(), nil)
	if err != nil {
		return false, chunk.Chunk{}, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return false, chunk.Chunk{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		return false, chunk.Chunk{}, fmt.Errorf("%w: %s", errGone, t.streamID)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, chunk.Chunk{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	progressed := false
	for c, err := range chunk.NewDecoder(resp.Body, t.framing).All() {
		if err != nil {
			return progressed, chunk.Chunk{}, err
		}
		if t.seen && c.Seq < t.next {
			continue
		}
		t.next, t.seen, progressed = c.Seq+1, true, true
		if err := t.print(c); err != nil {
			return progressed, chunk.Chunk{}, err
		}
		if c.Terminal() {
			return progressed, c, nil
		}
	}
	return progressed, chunk.Chunk{}, io.ErrUnexpectedEOF
}

func (t *tailer) print(c chunk.Chunk) error {
	if t.debug {
		_, err := pp.Fprintln(t.out, c)
		return err
	}

	var err error
	switch p := c.Payload.(type) {
	case chunk.TextDelta:
		t.text.WriteString(p.Text)
		if t.render == nil {
			_, err = fmt.Fprint(t.out, p.Text)
		}
	case chunk.ReasoningDelta:
		_, err = fmt.Fprint(t.out, color.HiBlackString(p.Text))
	case chunk.ToolCallStart:
		_, err = fmt.Fprintf(t.out, "\n%s ", color.YellowString(p.Name))
	case chunk.ToolCallDelta:
		if p.ArgsComplete {
			_, err = fmt.Fprintln(t.out, string(p.Args))
		}
	case chunk.ToolResult:
		if p.Error != nil {
			_, err = fmt.Fprintf(t.out, "%s %s\n", color.RedString("%s failed:", p.Name), p.Error.Message)
		} else {
			_, err = fmt.Fprintf(t.out, "%s %s\n", color.GreenString("%s:", p.Name), string(p.Output))
		}
	case chunk.Finish:
		err = t.finish(string(p.Reason))
	case chunk.Error:
		_, err = fmt.Fprintf(t.out, "\n%s %s\n", color.RedString("error %s:", p.Code), p.Message)
	}
	return err
}

func (t *tailer) finish(reason string) error {
	if t.render != nil {
		rendered, err := t.render(t.text.String())
		if err != nil {
			return err
		}
		if _, err := fmt.Fprint(t.out, rendered); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(t.out, "\n%s\n", color.CyanString("[%s]", reason))
	return err
}
