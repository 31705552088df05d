package artifact

import (
	"context"
	"errors"
	"fmt"

	"github.com/casualjim/parley/chunk"
	"github.com/casualjim/parley/pkg/errorx"
	"github.com/casualjim/parley/pkg/uuidx"
	"github.com/casualjim/parley/tool"
)

const (
	CreateDocumentTool = "createDocument"
	UpdateDocumentTool = "updateDocument"

	updateAttempts = 3
)

type createArgs struct {
	Title   string `json:"title" jsonschema:"description=Title of the document"`
	Content string `json:"content" jsonschema:"description=Full content of the first version"`
	Kind    string `json:"kind,omitempty" jsonschema:"enum=text,enum=code,enum=sheet,enum=image"`
}

type updateArgs struct {
	ID          string  `json:"id" jsonschema:"description=Id of the document to edit"`
	Content     *string `json:"content,omitempty" jsonschema:"description=Replacement content"`
	Delta       *string `json:"delta,omitempty" jsonschema:"description=Patch text against the base version"`
	BaseVersion *int    `json:"base_version,omitempty" jsonschema:"minimum=1,description=Version the edit was made against"`
}

// Document is the output of the document tools.
type Document struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Kind    Kind   `json:"kind"`
	Version int    `json:"version"`
	file    *chunk.File
}

func (d Document) Attachment() *chunk.File { return d.file }

// Ref addresses one version of an artifact.
func Ref(id string, version int) string {
	return fmt.Sprintf("artifact://%s/%d", id, version)
}

func (c *Controller) document(a Artifact) Document {
	doc := Document{ID: a.ID, Title: a.Title, Kind: a.Kind, Version: a.CurrentVersion}
	if a.Kind == KindImage {
		doc.file = &chunk.File{Mime: "image/png", Ref: Ref(a.ID, a.CurrentVersion)}
	}
	return doc
}

// createdID derives the artifact id from the call, so a retried call
// addresses the artifact it created the first time.
func createdID(call tool.Call) string {
	return uuidx.FromKey("artifact", call.Key())
}

// Tools returns the createDocument and updateDocument tools backed by c.
func (c *Controller) Tools() []tool.Definition {
	return []tool.Definition{
		tool.Must(CreateDocumentTool, c.createDocument,
			tool.Description("Create a new document artifact and return its id and version.")),
		tool.Must(UpdateDocumentTool, c.updateDocument,
			tool.Description("Edit a document artifact with new content or a patch against a base version.")),
	}
}

func (c *Controller) createDocument(ctx context.Context, call tool.Call, args createArgs) (any, error) {
	kind, err := ParseKind(args.Kind)
	if err != nil {
		return nil, errorx.InvalidArguments("kind", err.Error())
	}
	id := createdID(call)
	if _, err := c.ApplyUpdate(ctx, Update{
		ArtifactID: id,
		ChatID:     call.ChatID,
		Kind:       kind,
		Title:      args.Title,
		Content:    &args.Content,
		CallKey:    call.Key(),
	}); err != nil {
		return nil, err
	}
	a, err := c.store.Artifact(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.document(a), nil
}

func (c *Controller) updateDocument(ctx context.Context, call tool.Call, args updateArgs) (any, error) {
	u := Update{ArtifactID: args.ID, Content: args.Content, Patch: args.Delta, CallKey: call.Key()}

	var err error
	for range updateAttempts {
		if args.BaseVersion != nil {
			u.BaseVersion = *args.BaseVersion
		} else {
			current, lookupErr := c.store.Artifact(ctx, args.ID)
			if lookupErr != nil {
				return nil, lookupErr
			}
			u.BaseVersion = current.CurrentVersion
		}
		var n int
		n, err = c.ApplyUpdate(ctx, u)
		if err == nil {
			a, err := c.store.Artifact(ctx, args.ID)
			if err != nil {
				return nil, err
			}
			doc := c.document(a)
			doc.Version = n
			if doc.file != nil {
				doc.file.Ref = Ref(a.ID, n)
			}
			return doc, nil
		}
		if args.BaseVersion != nil || !errors.Is(err, errorx.ErrVersionConflict) {
			return nil, err
		}
	}
	return nil, err
}
