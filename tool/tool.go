package tool

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/casualjim/parley/pkg/errorx"
	"github.com/casualjim/parley/pkg/jsonx"
	"github.com/casualjim/parley/pkg/stdx"
	"github.com/fogfish/opts"
	json "github.com/goccy/go-json"
	"github.com/invopop/jsonschema"
	"github.com/sourcegraph/conc/panics"
	"github.com/tidwall/gjson"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"github.com/xeipuuv/gojsonschema"
)

// Call is one request to run a tool, as emitted by the model mid-turn.
type Call struct {
	TurnID string
	ChatID string
	CallID string
	Name   string
	Args   json.RawMessage
}

// Key identifies the invocation across retries of the same call.
func (c Call) Key() string {
	return c.TurnID + "/" + c.CallID
}

// Func executes a tool. The returned value is encoded as the JSON output of
// the tool result.
type Func func(ctx context.Context, call Call) (any, error)

// Definition describes a tool: its name, the schema its arguments must
// satisfy and the function that runs it.
type Definition struct {
	Name        string
	Description string
	// Timeout overrides the engine timeout when positive.
	Timeout time.Duration
	Schema  *jsonschema.Schema
	Execute Func

	validator *gojsonschema.Schema
}

var argsReflector = jsonschema.Reflector{
	Anonymous:      true,
	ExpandedStruct: true,
	DoNotReference: true,
}

// unnamedReflector handles anonymous argument structs, which have no
// definition name to expand.
var unnamedReflector = jsonschema.Reflector{
	Anonymous:      true,
	DoNotReference: true,
}

// Option is a type alias for a function that modifies a tool Definition.
type Option = opts.Option[Definition]

// Description sets the human readable tool description handed to the model.
var Description = opts.ForName[Definition, string]("Description")

// Timeout bounds the execution of this tool.
var Timeout = opts.ForName[Definition, time.Duration]("Timeout")

// New creates a tool whose argument schema is reflected from A. Struct fields
// without omitempty are required.
//
// Example:
//
//	type weatherArgs struct {
//	    City string `json:"city" jsonschema:"description=The city to look up"`
//	}
//
//	weather := tool.Must("weather", func(ctx context.Context, call tool.Call, args weatherArgs) (any, error) {
//	    return lookup(ctx, args.City)
//	}, tool.Description("Current weather for a city"))
func New[A any](name string, fn func(context.Context, Call, A) (any, error), options ...Option) (Definition, error) {
	if fn == nil {
		return Definition{}, fmt.Errorf("tool %s has nil function", name)
	}
	var zero A
	t := reflect.TypeOf(zero)
	if t == nil || indirect(t).Kind() != reflect.Struct {
		return Definition{}, fmt.Errorf("arguments of tool %s must be a struct, got %T", name, zero)
	}

	schema, err := reflectArgs[A](indirect(t))
	if err != nil {
		return Definition{}, fmt.Errorf("reflect arguments of tool %s: %w", name, err)
	}

	return Raw(name, schema, func(ctx context.Context, call Call) (any, error) {
		var args A
		if len(call.Args) > 0 {
			if err := json.Unmarshal(call.Args, &args); err != nil {
				return nil, errorx.InvalidArguments("", err.Error())
			}
		}
		return fn(ctx, call, args)
	}, options...)
}

// Must is like New but panics when the definition is invalid.
func Must[A any](name string, fn func(context.Context, Call, A) (any, error), options ...Option) Definition {
	return stdx.Must(New(name, fn, options...))
}

// Raw creates a tool from an explicit schema. A nil schema accepts any object.
func Raw(name string, schema *jsonschema.Schema, fn Func, options ...Option) (Definition, error) {
	if strings.TrimSpace(name) == "" {
		return Definition{}, fmt.Errorf("tool name is required")
	}
	if fn == nil {
		return Definition{}, fmt.Errorf("tool %s has nil function", name)
	}
	if schema == nil {
		schema = &jsonschema.Schema{
			Type:       "object",
			Properties: orderedmap.New[string, *jsonschema.Schema](),
		}
	}

	def := Definition{Name: name, Schema: schema, Execute: fn}
	if err := opts.Apply(&def, options); err != nil {
		return Definition{}, err
	}

	data, err := json.Marshal(schema)
	if err != nil {
		return Definition{}, fmt.Errorf("failed to encode schema of tool %s: %w", name, err)
	}
	def.validator, err = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return Definition{}, fmt.Errorf("invalid schema for tool %s: %w", name, err)
	}
	return def, nil
}

// Validate checks args against the tool schema. The returned error is an
// InvalidArguments error naming the first violated field.
func (d Definition) Validate(args json.RawMessage) error {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if !gjson.ValidBytes(args) {
		return errorx.InvalidArguments("", "arguments are not valid json")
	}
	if d.validator == nil {
		return nil
	}

	result, err := d.validator.Validate(gojsonschema.NewBytesLoader([]byte(args)))
	if err != nil {
		return errorx.InvalidArguments("", err.Error())
	}
	if result.Valid() {
		return nil
	}

	violations := result.Errors()
	sort.SliceStable(violations, func(i, j int) bool {
		return violatedField(violations[i]) < violatedField(violations[j])
	})
	first := violations[0]
	return errorx.InvalidArguments(violatedField(first), first.Description())
}

// violatedField names the argument a schema error is about. Errors about a
// property that is absent or not allowed report the property itself.
func violatedField(e gojsonschema.ResultError) string {
	field := e.Field()
	if field == "(root)" {
		field = ""
	}
	if prop, ok := e.Details()["property"].(string); ok && prop != "" {
		if field == "" {
			return prop
		}
		return field + "." + prop
	}
	return field
}

// ParametersJSON returns the argument schema as a generic JSON object, the
// shape model providers expect.
func (d Definition) ParametersJSON() (map[string]any, error) {
	return jsonx.ToDynamicJSON(d.Schema)
}

func reflectArgs[A any](t reflect.Type) (*jsonschema.Schema, error) {
	r := &argsReflector
	if t.Name() == "" {
		r = &unnamedReflector
	}
	var schema *jsonschema.Schema
	var pc panics.Catcher
	pc.Try(func() { schema = r.Reflect(new(A)) })
	if rec := pc.Recovered(); rec != nil {
		return nil, rec.AsError()
	}
	if schema == nil {
		return nil, errors.New("no schema")
	}
	schema.Version = ""
	return schema, nil
}

func indirect(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}
