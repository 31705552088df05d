package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/casualjim/parley/artifact"
	"github.com/casualjim/parley/assembler"
	"github.com/casualjim/parley/chunk"
	"github.com/casualjim/parley/messages"
	"github.com/casualjim/parley/pkg/errorx"
	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"
)

var (
	_ assembler.Store = (*Gorm)(nil)
	_ artifact.Store  = (*Gorm)(nil)
)

type messageRow struct {
	ID        string    `gorm:"primaryKey;size:64"`
	ChatID    string    `gorm:"index:idx_messages_chat_created,priority:1;size:64;not null"`
	TurnID    string    `gorm:"size:64"`
	Role      string    `gorm:"size:16;not null"`
	Status    string    `gorm:"size:16;not null"`
	CreatedAt time.Time `gorm:"index:idx_messages_chat_created,priority:2"`
	UpdatedAt time.Time
}

func (messageRow) TableName() string { return "messages" }

type partRow struct {
	MessageID  string `gorm:"primaryKey;size:64"`
	Index      int    `gorm:"primaryKey;column:part_index"`
	Kind       string `gorm:"size:16;not null"`
	Open       bool
	Text       string
	ToolCallID string `gorm:"size:128"`
	ToolName   string `gorm:"size:128"`
	Args       datatypes.JSON
	Output     datatypes.JSON
	Error      datatypes.JSON
	File       datatypes.JSON
}

func (partRow) TableName() string { return "message_parts" }

type artifactRow struct {
	ID             string `gorm:"primaryKey;size:64"`
	ChatID         string `gorm:"index;size:64"`
	Kind           string `gorm:"size:16;not null"`
	Title          string
	CurrentVersion int    `gorm:"not null"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (artifactRow) TableName() string { return "artifacts" }

type versionRow struct {
	ArtifactID string `gorm:"primaryKey;size:64"`
	Number     int    `gorm:"primaryKey"`
	Storage    string `gorm:"size:16;not null"`
	Content    string
	Delta      string
	CallKey    string `gorm:"index;size:256"`
	CreatedAt  time.Time
}

func (versionRow) TableName() string { return "artifact_versions" }

// Gorm stores messages and artifacts in a relational database.
type Gorm struct {
	db *gorm.DB
}

// Open connects to driver ("sqlite" or "postgres") at dsn and migrates the
// schema.
func Open(driver, dsn string) (*Gorm, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         gormLogger.Default.LogMode(gormLogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", driver, err)
	}
	return NewGorm(db)
}

func NewGorm(db *gorm.DB) (*Gorm, error) {
	if err := db.AutoMigrate(&messageRow{}, &partRow{}, &artifactRow{}, &versionRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Gorm{db: db}, nil
}

func (g *Gorm) DB() *gorm.DB { return g.db }

func (g *Gorm) SaveMessage(ctx context.Context, msg messages.Message) error {
	row := messageRow{
		ID:        msg.ID,
		ChatID:    msg.ChatID,
		TurnID:    msg.TurnID,
		Role:      string(msg.Role),
		Status:    string(msg.Status),
		CreatedAt: time.Time(msg.CreatedAt),
		UpdatedAt: time.Time(msg.UpdatedAt),
	}
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "updated_at"}),
		}).Create(&row).Error; err != nil {
			return err
		}
		for _, p := range msg.Parts {
			if err := upsertPart(tx, msg.ID, p); err != nil {
				return err
			}
		}
		return nil
	})
}

func (g *Gorm) SavePart(ctx context.Context, messageID string, part messages.Part) error {
	var count int64
	if err := g.db.WithContext(ctx).Model(&messageRow{}).Where("id = ?", messageID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return errorx.New(errorx.CodeNotFound, "message %s not found", messageID)
	}
	return upsertPart(g.db.WithContext(ctx), messageID, part)
}

func upsertPart(tx *gorm.DB, messageID string, p messages.Part) error {
	row, err := toPartRow(messageID, p)
	if err != nil {
		return err
	}
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "message_id"}, {Name: "part_index"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"kind", "open", "text", "tool_call_id", "tool_name", "args", "output", "error", "file",
		}),
	}).Create(&row).Error
}

func jsonColumn(v any) (datatypes.JSON, error) {
	switch t := v.(type) {
	case json.RawMessage:
		if len(t) == 0 {
			return nil, nil
		}
		return datatypes.JSON(t), nil
	case *chunk.ToolError:
		if t == nil {
			return nil, nil
		}
	case *chunk.File:
		if t == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

func toPartRow(messageID string, p messages.Part) (partRow, error) {
	row := partRow{
		MessageID:  messageID,
		Index:      p.Index,
		Kind:       string(p.Kind),
		Open:       p.Open,
		Text:       p.Text,
		ToolCallID: p.ToolCallID,
		ToolName:   p.ToolName,
	}
	var errs []error
	var err error
	if row.Args, err = jsonColumn(p.Args); err != nil {
		errs = append(errs, fmt.Errorf("args: %w", err))
	}
	if row.Output, err = jsonColumn(p.Output); err != nil {
		errs = append(errs, fmt.Errorf("output: %w", err))
	}
	if row.Error, err = jsonColumn(p.Error); err != nil {
		errs = append(errs, fmt.Errorf("error: %w", err))
	}
	if row.File, err = jsonColumn(p.File); err != nil {
		errs = append(errs, fmt.Errorf("file: %w", err))
	}
	return row, errors.Join(errs...)
}

func (r partRow) part() (messages.Part, error) {
	p := messages.Part{
		Index:      r.Index,
		Kind:       messages.PartKind(r.Kind),
		Open:       r.Open,
		Text:       r.Text,
		ToolCallID: r.ToolCallID,
		ToolName:   r.ToolName,
	}
	if len(r.Args) > 0 {
		p.Args = json.RawMessage(r.Args)
	}
	if len(r.Output) > 0 {
		p.Output = json.RawMessage(r.Output)
	}
	if len(r.Error) > 0 {
		p.Error = &chunk.ToolError{}
		if err := json.Unmarshal(r.Error, p.Error); err != nil {
			return p, err
		}
	}
	if len(r.File) > 0 {
		p.File = &chunk.File{}
		if err := json.Unmarshal(r.File, p.File); err != nil {
			return p, err
		}
	}
	return p, nil
}

func (r messageRow) message(parts []partRow) (messages.Message, error) {
	msg := messages.Message{
		ID:        r.ID,
		ChatID:    r.ChatID,
		TurnID:    r.TurnID,
		Role:      messages.Role(r.Role),
		Status:    messages.Status(r.Status),
		CreatedAt: strfmt.DateTime(r.CreatedAt),
		UpdatedAt: strfmt.DateTime(r.UpdatedAt),
		Parts:     make([]messages.Part, 0, len(parts)),
	}
	for _, pr := range parts {
		p, err := pr.part()
		if err != nil {
			return msg, fmt.Errorf("message %s part %d: %w", r.ID, pr.Index, err)
		}
		msg.Parts = append(msg.Parts, p)
	}
	return msg, nil
}

func (g *Gorm) Message(ctx context.Context, id string) (messages.Message, error) {
	db := g.db.WithContext(ctx)
	var row messageRow
	if err := db.First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return messages.Message{}, errorx.New(errorx.CodeNotFound, "message %s not found", id)
		}
		return messages.Message{}, err
	}
	var parts []partRow
	if err := db.Where("message_id = ?", id).Order("part_index").Find(&parts).Error; err != nil {
		return messages.Message{}, err
	}
	return row.message(parts)
}

func (g *Gorm) Messages(ctx context.Context, chatID string, limit int) ([]messages.Message, error) {
	db := g.db.WithContext(ctx)
	q := db.Where("chat_id = ?", chatID).Order("created_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []messageRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	var parts []partRow
	if err := db.Where("message_id IN ?", ids).Order("part_index").Find(&parts).Error; err != nil {
		return nil, err
	}
	byMessage := make(map[string][]partRow, len(rows))
	for _, p := range parts {
		byMessage[p.MessageID] = append(byMessage[p.MessageID], p)
	}

	out := make([]messages.Message, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		msg, err := rows[i].message(byMessage[rows[i].ID])
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func (r artifactRow) artifact() artifact.Artifact {
	return artifact.Artifact{
		ID:             r.ID,
		ChatID:         r.ChatID,
		Kind:           artifact.Kind(r.Kind),
		Title:          r.Title,
		CurrentVersion: r.CurrentVersion,
		CreatedAt:      strfmt.DateTime(r.CreatedAt),
		UpdatedAt:      strfmt.DateTime(r.UpdatedAt),
	}
}

func (r versionRow) version() artifact.Version {
	return artifact.Version{
		ArtifactID: r.ArtifactID,
		Number:     r.Number,
		Storage:    artifact.Storage(r.Storage),
		Content:    r.Content,
		Delta:      r.Delta,
		CallKey:    r.CallKey,
		CreatedAt:  strfmt.DateTime(r.CreatedAt),
	}
}

func (g *Gorm) Artifact(ctx context.Context, id string) (artifact.Artifact, error) {
	var row artifactRow
	if err := g.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return artifact.Artifact{}, errorx.New(errorx.CodeNotFound, "artifact %s not found", id)
		}
		return artifact.Artifact{}, err
	}
	return row.artifact(), nil
}

func (g *Gorm) Version(ctx context.Context, id string, number int) (artifact.Version, error) {
	var row versionRow
	err := g.db.WithContext(ctx).First(&row, "artifact_id = ? AND number = ?", id, number).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return artifact.Version{}, errorx.New(errorx.CodeNotFound, "artifact %s has no version %d", id, number)
	}
	if err != nil {
		return artifact.Version{}, err
	}
	return row.version(), nil
}

func (g *Gorm) Versions(ctx context.Context, id string) ([]artifact.Version, error) {
	var rows []versionRow
	if err := g.db.WithContext(ctx).Where("artifact_id = ?", id).Order("number").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]artifact.Version, len(rows))
	for i, r := range rows {
		out[i] = r.version()
	}
	return out, nil
}

func (g *Gorm) VersionByCallKey(ctx context.Context, id, callKey string) (artifact.Version, bool, error) {
	var rows []versionRow
	if err := g.db.WithContext(ctx).Where("artifact_id = ? AND call_key = ?", id, callKey).Limit(1).Find(&rows).Error; err != nil {
		return artifact.Version{}, false, err
	}
	if len(rows) == 0 {
		return artifact.Version{}, false, nil
	}
	return rows[0].version(), true, nil
}

func (g *Gorm) Commit(ctx context.Context, a artifact.Artifact, base int, v artifact.Version) error {
	if v.Number != base+1 {
		return errorx.VersionConflict(a.ID, base, v.Number-1)
	}
	row := artifactRow{
		ID:             a.ID,
		ChatID:         a.ChatID,
		Kind:           string(a.Kind),
		Title:          a.Title,
		CurrentVersion: v.Number,
		CreatedAt:      time.Time(a.CreatedAt),
		UpdatedAt:      time.Time(a.UpdatedAt),
	}
	vrow := versionRow{
		ArtifactID: v.ArtifactID,
		Number:     v.Number,
		Storage:    string(v.Storage),
		Content:    v.Content,
		Delta:      v.Delta,
		CallKey:    v.CallKey,
		CreatedAt:  time.Time(v.CreatedAt),
	}

	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if base == 0 {
			if err := tx.Create(&row).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return errorx.VersionConflict(a.ID, 0, g.current(tx, a.ID))
				}
				return err
			}
		} else {
			res := tx.Model(&artifactRow{}).
				Where("id = ? AND current_version = ?", a.ID, base).
				Updates(map[string]any{
					"current_version": v.Number,
					"title":           row.Title,
					"updated_at":      row.UpdatedAt,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return errorx.VersionConflict(a.ID, base, g.current(tx, a.ID))
			}
		}
		if err := tx.Create(&vrow).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errorx.VersionConflict(a.ID, base, g.current(tx, a.ID))
			}
			return err
		}
		return nil
	})
}

func (g *Gorm) current(tx *gorm.DB, id string) int {
	var row artifactRow
	if err := tx.Select("current_version").First(&row, "id = ?", id).Error; err != nil {
		return 0
	}
	return row.CurrentVersion
}
