package artifact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/casualjim/parley/pkg/errorx"
	"github.com/casualjim/parley/pkg/uuidx"
	"github.com/fogfish/opts"
	"github.com/go-openapi/strfmt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultSnapshotEvery makes versions 1, 11, 21, ... full snapshots.
const DefaultSnapshotEvery = 10

type Controller struct {
	store         Store
	snapshotEvery int
	tracer        trace.Tracer
	now           func() time.Time
}

type Option = opts.Option[Controller]

func WithSnapshotEvery(n int) Option {
	return opts.Type[Controller](func(c *Controller) error {
		if n < 1 {
			return fmt.Errorf("snapshot interval must be at least 1, got %d", n)
		}
		c.snapshotEvery = n
		return nil
	})
}

func WithTracer(tracer trace.Tracer) Option {
	return opts.Type[Controller](func(c *Controller) error {
		c.tracer = tracer
		return nil
	})
}

func NewController(store Store, options ...Option) (*Controller, error) {
	if store == nil {
		return nil, errors.New("artifact store is required")
	}
	c := &Controller{
		store:         store,
		snapshotEvery: DefaultSnapshotEvery,
		tracer:        otel.Tracer("github.com/casualjim/parley/artifact"),
		now:           time.Now,
	}
	if err := opts.Apply(c, options); err != nil {
		return nil, err
	}
	return c, nil
}

// Update asks for a new version of an artifact. Exactly one of Content and
// Patch is set: Content replaces the document, Patch is patch text applied to
// the base version. A BaseVersion of 0 creates the artifact.
type Update struct {
	ArtifactID  string
	ChatID      string
	Kind        Kind
	Title       string
	BaseVersion int
	Content     *string
	Patch       *string
	// CallKey makes the update idempotent: an update whose key already
	// produced a version returns that version.
	CallKey string
}

// NewID returns a fresh artifact id.
func NewID() string { return uuidx.NewString() }

// ApplyUpdate commits u and returns the new version number.
func (c *Controller) ApplyUpdate(ctx context.Context, u Update) (int, error) {
	ctx, span := c.tracer.Start(ctx, "artifact.commit", trace.WithAttributes(
		attribute.String("artifact.id", u.ArtifactID),
		attribute.Int("artifact.base_version", u.BaseVersion),
	))
	defer span.End()

	n, err := c.apply(ctx, u)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(errorx.CodeOf(err)))
		return 0, err
	}
	span.SetAttributes(attribute.Int("artifact.version", n))
	slog.DebugContext(ctx, "committed artifact version", slog.String("artifact_id", u.ArtifactID), slog.Int("version", n))
	return n, nil
}

func (c *Controller) apply(ctx context.Context, u Update) (int, error) {
	if u.ArtifactID == "" {
		return 0, errorx.InvalidArguments("id", "an artifact id is required")
	}
	if (u.Content == nil) == (u.Patch == nil) {
		return 0, errorx.InvalidArguments("content", "exactly one of content and delta is required")
	}
	if n, ok, err := c.committed(ctx, u); err != nil || ok {
		return n, err
	}

	current, err := c.store.Artifact(ctx, u.ArtifactID)
	switch {
	case errors.Is(err, errorx.ErrNotFound):
		if u.BaseVersion != 0 {
			return 0, err
		}
		return c.create(ctx, u)
	case err != nil:
		return 0, err
	}

	if u.BaseVersion != current.CurrentVersion {
		return 0, errorx.VersionConflict(u.ArtifactID, u.BaseVersion, current.CurrentVersion)
	}
	prev, err := c.Content(ctx, u.ArtifactID, current.CurrentVersion)
	if err != nil {
		return 0, err
	}
	next, err := resolve(prev, u)
	if err != nil {
		return 0, err
	}

	n := current.CurrentVersion + 1
	v := Version{ArtifactID: u.ArtifactID, Number: n, CallKey: u.CallKey, CreatedAt: c.timestamp()}
	if c.snapshotAt(current.Kind, n) {
		v.Storage, v.Content = StorageSnapshot, next
	} else {
		v.Storage, v.Delta = StorageDelta, computeDelta(prev, next)
	}

	updated := current
	updated.CurrentVersion = n
	updated.UpdatedAt = v.CreatedAt
	if u.Title != "" {
		updated.Title = u.Title
	}
	return c.commit(ctx, u, updated, current.CurrentVersion, v)
}

func (c *Controller) create(ctx context.Context, u Update) (int, error) {
	kind := u.Kind
	if kind == "" {
		kind = KindText
	}
	content, err := resolve("", u)
	if err != nil {
		return 0, err
	}
	at := c.timestamp()
	a := Artifact{
		ID:             u.ArtifactID,
		ChatID:         u.ChatID,
		Kind:           kind,
		Title:          u.Title,
		CurrentVersion: 1,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
	v := Version{ArtifactID: u.ArtifactID, Number: 1, Storage: StorageSnapshot, Content: content, CallKey: u.CallKey, CreatedAt: at}
	return c.commit(ctx, u, a, 0, v)
}

func (c *Controller) commit(ctx context.Context, u Update, a Artifact, base int, v Version) (int, error) {
	err := c.store.Commit(ctx, a, base, v)
	if err == nil {
		return v.Number, nil
	}
	// a concurrent retry of the same call may have won the race
	if errors.Is(err, errorx.ErrVersionConflict) {
		if n, ok, lookupErr := c.committed(ctx, u); lookupErr == nil && ok {
			return n, nil
		}
	}
	return 0, err
}

func (c *Controller) committed(ctx context.Context, u Update) (int, bool, error) {
	if u.CallKey == "" {
		return 0, false, nil
	}
	v, ok, err := c.store.VersionByCallKey(ctx, u.ArtifactID, u.CallKey)
	if err != nil || !ok {
		return 0, false, err
	}
	return v.Number, true, nil
}

func (c *Controller) snapshotAt(kind Kind, n int) bool {
	return !kind.Deltas() || (n-1)%c.snapshotEvery == 0
}

func (c *Controller) timestamp() strfmt.DateTime {
	return strfmt.DateTime(c.now().UTC())
}

func resolve(base string, u Update) (string, error) {
	if u.Content != nil {
		return *u.Content, nil
	}
	out, err := applyPatch(base, *u.Patch)
	if err != nil {
		return "", errorx.InvalidArguments("delta", err.Error())
	}
	return out, nil
}

func (c *Controller) Get(ctx context.Context, id string) (Artifact, error) {
	return c.store.Artifact(ctx, id)
}

func (c *Controller) Versions(ctx context.Context, id string) ([]Version, error) {
	if _, err := c.store.Artifact(ctx, id); err != nil {
		return nil, err
	}
	return c.store.Versions(ctx, id)
}

// Content rebuilds the document at version number from the nearest snapshot
// at or before it.
func (c *Controller) Content(ctx context.Context, id string, number int) (string, error) {
	versions, err := c.store.Versions(ctx, id)
	if err != nil {
		return "", err
	}
	if number < 1 || number > len(versions) {
		return "", errorx.New(errorx.CodeNotFound, "artifact %s has no version %d", id, number)
	}

	start := number - 1
	for start > 0 && versions[start].Storage != StorageSnapshot {
		start--
	}
	if versions[start].Storage != StorageSnapshot {
		return "", fmt.Errorf("artifact %s has no snapshot before version %d", id, number)
	}
	content := versions[start].Content
	for _, v := range versions[start+1 : number] {
		content, err = applyDelta(content, v.Delta)
		if err != nil {
			return "", fmt.Errorf("artifact %s version %d: %w", id, v.Number, err)
		}
	}
	return content, nil
}
