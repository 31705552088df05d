package tool

import (
	"context"
	"testing"

	"github.com/casualjim/parley/pkg/errorx"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type createArgs struct {
	Title   string `json:"title" jsonschema:"description=Document title"`
	Content string `json:"content"`
	Kind    string `json:"kind,omitempty" jsonschema:"enum=text,enum=code"`
	Pages   int    `json:"pages,omitempty" jsonschema:"minimum=1"`
}

func echoTool(t *testing.T) Definition {
	t.Helper()
	def, err := New("createDocument", func(_ context.Context, _ Call, args createArgs) (any, error) {
		return map[string]string{"title": args.Title}, nil
	}, Description("Create a document"))
	require.NoError(t, err)
	return def
}

func TestNew(t *testing.T) {
	def := echoTool(t)

	assert.Equal(t, "createDocument", def.Name)
	assert.Equal(t, "Create a document", def.Description)
	require.NotNil(t, def.Schema)
	assert.Equal(t, "object", def.Schema.Type)
	assert.ElementsMatch(t, []string{"title", "content"}, def.Schema.Required)

	params, err := def.ParametersJSON()
	require.NoError(t, err)
	assert.Equal(t, "object", params["type"])
	assert.Contains(t, params["properties"], "title")
}

func TestNew_AnonymousStruct(t *testing.T) {
	var got string
	def, err := New("lookup", func(_ context.Context, _ Call, args struct {
		Title string `json:"title"`
		Limit int    `json:"limit,omitempty"`
	}) (any, error) {
		got = args.Title
		return nil, nil
	})
	require.NoError(t, err)
	require.NotNil(t, def.Schema)
	assert.Equal(t, "object", def.Schema.Type)
	assert.Equal(t, []string{"title"}, def.Schema.Required)

	assert.NoError(t, def.Validate(json.RawMessage(`{"title":"a"}`)))
	assert.Equal(t, "title", errorx.FieldOf(def.Validate(json.RawMessage(`{}`))))

	_, err = def.Execute(context.Background(), Call{Args: json.RawMessage(`{"title":"a"}`)})
	require.NoError(t, err)
	assert.Equal(t, "a", got)
}

func TestNew_Invalid(t *testing.T) {
	_, err := New[createArgs]("x", nil)
	assert.ErrorContains(t, err, "nil function")

	_, err = New("x", func(context.Context, Call, string) (any, error) { return nil, nil })
	assert.ErrorContains(t, err, "must be a struct")

	_, err = New(" ", func(context.Context, Call, createArgs) (any, error) { return nil, nil })
	assert.ErrorContains(t, err, "name is required")

	assert.Panics(t, func() {
		Must[createArgs]("x", nil)
	})
}

func TestDefinition_Validate(t *testing.T) {
	def := echoTool(t)

	tests := []struct {
		name      string
		args      string
		wantField string
	}{
		{"valid", `{"title":"notes.txt","content":"hi"}`, ""},
		{"missing content", `{"title":"notes.txt"}`, "content"},
		{"missing title", `{"content":"hi"}`, "title"},
		{"wrong type", `{"title":1,"content":"hi"}`, "title"},
		{"enum", `{"title":"a","content":"b","kind":"video"}`, "kind"},
		{"minimum", `{"title":"a","content":"b","pages":0}`, "pages"},
		{"unknown property", `{"title":"a","content":"b","extra":true}`, "extra"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := def.Validate(json.RawMessage(tt.args))
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, errorx.ErrInvalidArguments)
			assert.Equal(t, tt.wantField, errorx.FieldOf(err))
		})
	}
}

func TestDefinition_ValidateNotJSON(t *testing.T) {
	err := echoTool(t).Validate(json.RawMessage(`{"title":`))
	assert.ErrorIs(t, err, errorx.ErrInvalidArguments)
}

func TestRaw_NilSchemaAcceptsObjects(t *testing.T) {
	def, err := Raw("anything", nil, func(context.Context, Call) (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.NoError(t, def.Validate(json.RawMessage(`{"x":1}`)))
	assert.NoError(t, def.Validate(nil))
}

func TestRegistry_Select(t *testing.T) {
	def := echoTool(t)
	other, err := Raw("weather", nil, func(context.Context, Call) (any, error) { return nil, nil })
	require.NoError(t, err)

	reg, err := NewRegistry(def, other)
	require.NoError(t, err)
	assert.Equal(t, []string{"createDocument", "weather"}, reg.Names())

	assert.ErrorContains(t, reg.Register(def), "already registered")

	set, err := reg.Select("weather", "weather")
	require.NoError(t, err)
	assert.Equal(t, 1, set.Len())
	_, ok := set.Lookup("createDocument")
	assert.False(t, ok)

	all, err := reg.Select()
	require.NoError(t, err)
	assert.Equal(t, 2, all.Len())
	assert.Equal(t, "createDocument", all.Definitions()[0].Name)

	_, err = reg.Select("missing")
	assert.ErrorIs(t, err, errorx.ErrUnknownTool)
}
