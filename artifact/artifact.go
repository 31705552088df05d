// Package artifact versions the documents that tools create and edit during a
// conversation.
//
// Versions are numbered from 1 without gaps. A version is stored either as a
// full snapshot or as a diff-match-patch delta against the version before it;
// every n-th version is a snapshot so reading any version replays a bounded
// number of deltas. Commits are optimistic: an update names the version it was
// computed against and fails with errorx.VersionConflict when that is no longer
// current.
package artifact

import (
	"context"
	"fmt"

	"github.com/go-openapi/strfmt"
)

type Kind string

const (
	KindText  Kind = "text"
	KindCode  Kind = "code"
	KindSheet Kind = "sheet"
	KindImage Kind = "image"
)

// ParseKind defaults an empty kind to text.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case "":
		return KindText, nil
	case KindText, KindCode, KindSheet, KindImage:
		return k, nil
	default:
		return "", fmt.Errorf("unknown artifact kind %q", s)
	}
}

// Deltas reports whether versions of the kind may be stored as text deltas.
func (k Kind) Deltas() bool { return k != KindImage }

type Storage string

const (
	StorageSnapshot Storage = "snapshot"
	StorageDelta    Storage = "delta"
)

type Artifact struct {
	ID             string          `json:"id"`
	ChatID         string          `json:"chat_id"`
	Kind           Kind            `json:"kind"`
	Title          string          `json:"title"`
	CurrentVersion int             `json:"current_version"`
	CreatedAt      strfmt.DateTime `json:"created_at"`
	UpdatedAt      strfmt.DateTime `json:"updated_at"`
}

// Version is one committed revision. Content is set for snapshots, Delta for
// delta versions. CallKey identifies the tool call that produced it.
type Version struct {
	ArtifactID string          `json:"artifact_id"`
	Number     int             `json:"number"`
	Storage    Storage         `json:"storage"`
	Content    string          `json:"content,omitempty"`
	Delta      string          `json:"delta,omitempty"`
	CallKey    string          `json:"call_key,omitempty"`
	CreatedAt  strfmt.DateTime `json:"created_at"`
}

// Store persists artifacts and their versions.
type Store interface {
	// Artifact fails with errorx.NotFound for unknown ids.
	Artifact(ctx context.Context, id string) (Artifact, error)
	Version(ctx context.Context, id string, number int) (Version, error)
	// Versions returns every version of id in ascending order.
	Versions(ctx context.Context, id string) ([]Version, error)
	VersionByCallKey(ctx context.Context, id, callKey string) (Version, bool, error)
	// Commit records v as version base+1 and moves the current version
	// pointer to it, atomically. A base of 0 creates the artifact. It fails
	// with errorx.VersionConflict when the current version is not base.
	Commit(ctx context.Context, a Artifact, base int, v Version) error
}
