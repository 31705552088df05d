package persist

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/casualjim/parley/artifact"
	"github.com/casualjim/parley/chunk"
	"github.com/casualjim/parley/messages"
	"github.com/casualjim/parley/pkg/errorx"
	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type store interface {
	SaveMessage(ctx context.Context, msg messages.Message) error
	SavePart(ctx context.Context, messageID string, part messages.Part) error
	Message(ctx context.Context, id string) (messages.Message, error)
	Messages(ctx context.Context, chatID string, limit int) ([]messages.Message, error)
	artifact.Store
}

type storeFactory func(t *testing.T) store

func runAcceptanceTests(t *testing.T, name string, factory storeFactory) {
	tests := []struct {
		name string
		test func(t *testing.T, s store)
	}{
		{"upserts parts by index", testUpsertParts},
		{"keeps parts on status update", testStatusUpdate},
		{"lists the last messages of a chat", testListMessages},
		{"reports missing records", testNotFound},
		{"creates version 1", testCommitCreate},
		{"rejects a stale base", testCommitStale},
		{"serializes concurrent commits", testCommitRace},
		{"finds versions by call key", testCallKey},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", name, tt.name), func(t *testing.T) {
			tt.test(t, factory(t))
		})
	}
}

func TestStoreImplementations(t *testing.T) {
	t.Run("Memory", func(t *testing.T) {
		runAcceptanceTests(t, "Memory", func(*testing.T) store { return NewMemory() })
	})
	t.Run("Gorm", func(t *testing.T) {
		runAcceptanceTests(t, "Gorm", func(t *testing.T) store { return openSQLite(t) })
	})
}

func openSQLite(t *testing.T) *Gorm {
	t.Helper()
	g, err := Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	sqlDB, err := g.DB().DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return g
}

func ts(offset time.Duration) strfmt.DateTime {
	return strfmt.DateTime(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).Add(offset))
}

func assistant(id, chatID string, at strfmt.DateTime) messages.Message {
	return messages.Message{
		ID:        id,
		ChatID:    chatID,
		TurnID:    "turn-" + id,
		Role:      messages.RoleAssistant,
		Status:    messages.StatusStreaming,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func testUpsertParts(t *testing.T, s store) {
	ctx := context.Background()
	require.NoError(t, s.SaveMessage(ctx, assistant("m1", "c1", ts(0))))

	require.NoError(t, s.SavePart(ctx, "m1", messages.Part{Index: 0, Kind: messages.PartText, Open: true, Text: "Hel"}))
	require.NoError(t, s.SavePart(ctx, "m1", messages.Part{Index: 0, Kind: messages.PartText, Text: "Hello"}))
	require.NoError(t, s.SavePart(ctx, "m1", messages.Part{
		Index: 1, Kind: messages.PartToolResult, ToolCallID: "call-1", ToolName: "weather",
		Output: json.RawMessage(`{"temp":21}`),
		Error:  &chunk.ToolError{Code: errorx.CodeToolTimeout, Message: "slow"},
	}))
	require.NoError(t, s.SavePart(ctx, "m1", messages.Part{
		Index: 2, Kind: messages.PartFile, ToolCallID: "call-1", File: &chunk.File{Mime: "image/png", Ref: "artifact://a/1"},
	}))

	msg, err := s.Message(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, msg.Parts, 3)
	assert.Equal(t, "Hello", msg.Parts[0].Text)
	assert.False(t, msg.Parts[0].Open)
	assert.JSONEq(t, `{"temp":21}`, string(msg.Parts[1].Output))
	require.NotNil(t, msg.Parts[1].Error)
	assert.Equal(t, errorx.CodeToolTimeout, msg.Parts[1].Error.Code)
	require.NotNil(t, msg.Parts[2].File)
	assert.Equal(t, "artifact://a/1", msg.Parts[2].File.Ref)
	assert.Nil(t, msg.Parts[0].Error)

	err = s.SavePart(ctx, "missing", messages.Part{Index: 0, Kind: messages.PartText})
	assert.ErrorIs(t, err, errorx.ErrNotFound)
}

func testStatusUpdate(t *testing.T, s store) {
	ctx := context.Background()
	msg := assistant("m1", "c1", ts(0))
	require.NoError(t, s.SaveMessage(ctx, msg))
	require.NoError(t, s.SavePart(ctx, "m1", messages.Part{Index: 0, Kind: messages.PartText, Text: "hi"}))

	msg.Status = messages.StatusFinished
	msg.UpdatedAt = ts(time.Second)
	require.NoError(t, s.SaveMessage(ctx, msg))

	got, err := s.Message(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, messages.StatusFinished, got.Status)
	require.Len(t, got.Parts, 1)
	assert.Equal(t, "hi", got.Parts[0].Text)
}

func testListMessages(t *testing.T, s store) {
	ctx := context.Background()
	for i := range 5 {
		id := fmt.Sprintf("m%d", i)
		require.NoError(t, s.SaveMessage(ctx, messages.UserText(id, "c1", "t", id, ts(time.Duration(i)*time.Second))))
	}
	require.NoError(t, s.SaveMessage(ctx, messages.UserText("other", "c2", "t", "x", ts(0))))

	all, err := s.Messages(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "m0", all[0].ID)

	last, err := s.Messages(ctx, "c1", 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, "m3", last[0].ID)
	assert.Equal(t, "m4", last[1].ID)
	assert.Equal(t, "m4", last[1].Text())

	none, err := s.Messages(ctx, "c3", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testNotFound(t *testing.T, s store) {
	ctx := context.Background()
	_, err := s.Message(ctx, "nope")
	assert.ErrorIs(t, err, errorx.ErrNotFound)
	_, err = s.Artifact(ctx, "nope")
	assert.ErrorIs(t, err, errorx.ErrNotFound)
	_, err = s.Version(ctx, "nope", 1)
	assert.ErrorIs(t, err, errorx.ErrNotFound)
}

func doc(id string, version int) artifact.Artifact {
	return artifact.Artifact{ID: id, ChatID: "c1", Kind: artifact.KindText, Title: "notes.txt", CurrentVersion: version, CreatedAt: ts(0), UpdatedAt: ts(0)}
}

func testCommitCreate(t *testing.T, s store) {
	ctx := context.Background()
	v1 := artifact.Version{ArtifactID: "a1", Number: 1, Storage: artifact.StorageSnapshot, Content: "hi", CallKey: "t/c1", CreatedAt: ts(0)}
	require.NoError(t, s.Commit(ctx, doc("a1", 1), 0, v1))

	a, err := s.Artifact(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, a.CurrentVersion)
	assert.Equal(t, artifact.KindText, a.Kind)

	v, err := s.Version(ctx, "a1", 1)
	require.NoError(t, err)
	assert.Equal(t, "hi", v.Content)

	err = s.Commit(ctx, doc("a1", 1), 0, v1)
	assert.ErrorIs(t, err, errorx.ErrVersionConflict)
}

func testCommitStale(t *testing.T, s store) {
	ctx := context.Background()
	require.NoError(t, s.Commit(ctx, doc("a1", 1), 0, artifact.Version{ArtifactID: "a1", Number: 1, Storage: artifact.StorageSnapshot, CreatedAt: ts(0)}))
	require.NoError(t, s.Commit(ctx, doc("a1", 2), 1, artifact.Version{ArtifactID: "a1", Number: 2, Storage: artifact.StorageDelta, Delta: "=2", CreatedAt: ts(0)}))

	err := s.Commit(ctx, doc("a1", 2), 1, artifact.Version{ArtifactID: "a1", Number: 2, Storage: artifact.StorageDelta, CreatedAt: ts(0)})
	assert.ErrorIs(t, err, errorx.ErrVersionConflict)

	versions, err := s.Versions(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "=2", versions[1].Delta)
}

func testCommitRace(t *testing.T, s store) {
	ctx := context.Background()
	require.NoError(t, s.Commit(ctx, doc("a1", 1), 0, artifact.Version{ArtifactID: "a1", Number: 1, Storage: artifact.StorageSnapshot, CreatedAt: ts(0)}))

	const writers = 4
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Commit(ctx, doc("a1", 2), 1, artifact.Version{
				ArtifactID: "a1", Number: 2, Storage: artifact.StorageSnapshot, Content: fmt.Sprint(i), CreatedAt: ts(0),
			})
		}(i)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errorx.CodeOf(err) == errorx.CodeVersionConflict:
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, writers-1, conflicts)

	a, err := s.Artifact(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 2, a.CurrentVersion)
}

func testCallKey(t *testing.T, s store) {
	ctx := context.Background()
	require.NoError(t, s.Commit(ctx, doc("a1", 1), 0, artifact.Version{ArtifactID: "a1", Number: 1, Storage: artifact.StorageSnapshot, CallKey: "t/c1", CreatedAt: ts(0)}))

	v, ok, err := s.VersionByCallKey(ctx, "a1", "t/c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, v.Number)

	_, ok, err = s.VersionByCallKey(ctx, "a1", "t/c2")
	require.NoError(t, err)
	assert.False(t, ok)
}
