package httpapi

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/casualjim/parley"
	"github.com/casualjim/parley/artifact"
	"github.com/casualjim/parley/chunk"
	"github.com/casualjim/parley/pkg/errorx"
	"github.com/casualjim/parley/pkg/slogx"
	"github.com/gin-gonic/gin"
)

type startTurnRequest struct {
	Message string   `json:"message"`
	Model   string   `json:"model"`
	Tools   []string `json:"tools"`
}

// startTurn opens a turn and, unless stream=false, streams its chunks from
// sequence 0 on the same response.
func (s *Server) startTurn(c *gin.Context) {
	var body startTurnRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, errorx.InvalidArguments("", "request body is not valid json: "+err.Error()))
		return
	}
	framing, err := framingOf(c)
	if err != nil {
		respondError(c, err)
		return
	}

	started, err := s.orch.StartTurn(c.Request.Context(), parley.StartRequest{
		ChatID:  c.Param("chatID"),
		Message: body.Message,
		Model:   body.Model,
		Tools:   body.Tools,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.Header(HeaderStreamID, started.StreamID)
	c.Header(HeaderTurnID, started.TurnID)
	c.Header(HeaderMessageID, started.MessageID)

	if c.Query("stream") == "false" {
		c.JSON(http.StatusCreated, started)
		return
	}
	s.stream(c, started.StreamID, 0, framing)
}

// resumeStream replays a stream after the sequence number given by the after
// query parameter or the Last-Sequence header.
func (s *Server) resumeStream(c *gin.Context) {
	framing, err := framingOf(c)
	if err != nil {
		respondError(c, err)
		return
	}
	from, err := resumeFrom(c)
	if err != nil {
		respondError(c, err)
		return
	}
	streamID := c.Param("streamID")
	c.Header(HeaderStreamID, streamID)
	s.stream(c, streamID, from, framing)
}

func (s *Server) stream(c *gin.Context, streamID string, from uint64, framing chunk.Framing) {
	ctx := c.Request.Context()
	seq, err := s.orch.Subscribe(ctx, streamID, from)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Content-Type", framing.ContentType())
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	enc := chunk.NewEncoder(c.Writer, framing)
	for ch, err := range seq {
		if err != nil {
			if ctx.Err() == nil {
				slog.WarnContext(ctx, "stream interrupted", slogx.StreamID(streamID), slogx.Error(err))
			}
			return
		}
		if err := enc.Encode(ch); err != nil {
			slog.DebugContext(ctx, "client went away", slogx.StreamID(streamID), slogx.Error(err))
			return
		}
		c.Writer.Flush()
	}
}

func (s *Server) stopStream(c *gin.Context) {
	if err := s.orch.Stop(c.Request.Context(), c.Param("streamID")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getTurn(c *gin.Context) {
	turn, err := s.orch.Turn(c.Param("turnID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, turn)
}

func (s *Server) listMessages(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(c, errorx.InvalidArguments("limit", "limit must be a non negative integer"))
			return
		}
		limit = n
	}
	msgs, err := s.messages.Messages(c.Request.Context(), c.Param("chatID"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type artifactResponse struct {
	artifact.Artifact
	Content  string             `json:"content"`
	Versions []artifact.Version `json:"versions"`
}

func (s *Server) getArtifact(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	a, err := s.docs.Get(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	versions, err := s.docs.Versions(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	content, err := s.docs.Content(ctx, id, a.CurrentVersion)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, artifactResponse{Artifact: a, Content: content, Versions: versions})
}

type versionResponse struct {
	ArtifactID string `json:"artifact_id"`
	Version    int    `json:"version"`
	Ref        string `json:"ref"`
	Content    string `json:"content"`
}

func (s *Server) getVersion(c *gin.Context) {
	id := c.Param("id")
	number, err := strconv.Atoi(c.Param("version"))
	if err != nil || number < 1 {
		respondError(c, errorx.InvalidArguments("version", "version must be a positive integer"))
		return
	}
	content, err := s.docs.Content(c.Request.Context(), id, number)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, versionResponse{ArtifactID: id, Version: number, Ref: artifact.Ref(id, number), Content: content})
}

func framingOf(c *gin.Context) (chunk.Framing, error) {
	f, err := chunk.ParseFraming(c.Query("framing"))
	if err != nil {
		return f, errorx.InvalidArguments("framing", err.Error())
	}
	return f, nil
}

// resumeFrom returns the first sequence number the client has not seen.
func resumeFrom(c *gin.Context) (uint64, error) {
	raw := c.Query("after")
	if raw == "" {
		raw = c.GetHeader(HeaderLastSequence)
	}
	if raw == "" {
		return 0, nil
	}
	after, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errorx.InvalidArguments("after", "after must be a sequence number")
	}
	if after == math.MaxUint64 {
		return 0, errorx.InvalidArguments("after", "after is past the last possible sequence number")
	}
	return after + 1, nil
}
