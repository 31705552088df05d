// Package httpapi exposes the orchestrator over HTTP. Turn output is streamed
// as framed chunks so a client that drops the connection can resume from the
// last sequence number it saw.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/casualjim/parley"
	"github.com/casualjim/parley/artifact"
	"github.com/casualjim/parley/messages"
	"github.com/casualjim/parley/pkg/slogx"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

const (
	HeaderStreamID     = "X-Parley-Stream-ID"
	HeaderTurnID       = "X-Parley-Turn-ID"
	HeaderMessageID    = "X-Parley-Message-ID"
	HeaderLastSequence = "Last-Sequence"
)

// MessageReader lists the persisted messages of a chat.
type MessageReader interface {
	Messages(ctx context.Context, chatID string, limit int) ([]messages.Message, error)
}

type Server struct {
	orch     *parley.Orchestrator
	messages MessageReader
	docs     *artifact.Controller
	service  string
}

func New(orch *parley.Orchestrator, msgs MessageReader, docs *artifact.Controller) (*Server, error) {
	var err error
	if orch == nil {
		err = errors.Join(err, errors.New("orchestrator is required"))
	}
	if msgs == nil {
		err = errors.Join(err, errors.New("message reader is required"))
	}
	if docs == nil {
		err = errors.Join(err, errors.New("artifact controller is required"))
	}
	if err != nil {
		return nil, err
	}
	return &Server{orch: orch, messages: msgs, docs: docs, service: "parleyd"}, nil
}

// Router builds the gin engine serving every route.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(s.service))
	r.Use(requestLogger())

	r.GET("/healthz", s.health)

	v1 := r.Group("/v1")
	{
		v1.POST("/chats/:chatID/turns", s.startTurn)
		v1.GET("/chats/:chatID/messages", s.listMessages)
		v1.GET("/turns/:turnID", s.getTurn)

		v1.GET("/streams/:streamID", s.resumeStream)
		v1.DELETE("/streams/:streamID", s.stopStream)

		v1.GET("/artifacts/:id", s.getArtifact)
		v1.GET("/artifacts/:id/versions/:version", s.getVersion)
	}
	return r
}

func (s *Server) health(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		attrs := []any{
			slog.String("method", strings.ToUpper(c.Request.Method)),
			slog.String("path", path),
			slog.Int("status", status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slogx.LoggerName("parley.http"),
		}
		ctx := c.Request.Context()
		switch {
		case status >= 500:
			slog.ErrorContext(ctx, "http request", attrs...)
		case status >= 400:
			slog.WarnContext(ctx, "http request", attrs...)
		default:
			slog.DebugContext(ctx, "http request", attrs...)
		}
	}
}
