package provider

import (
	"context"

	"github.com/casualjim/parley/internal/registry"
	"github.com/casualjim/parley/messages"
	"github.com/casualjim/parley/pkg/errorx"
	"github.com/casualjim/parley/tool"
)

// Provider streams one model step. The returned channel ends with a Finish or
// an Error event and is then closed.
type Provider interface {
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}

type Request struct {
	TurnID       string
	Model        string
	Instructions string
	// Messages is the prompt in chat order. Assistant messages may carry
	// tool-call and tool-result parts from earlier steps.
	Messages []messages.Message
	Tools    []tool.Definition
}

type Model interface {
	Name() string
	Provider() Provider
}

// Registry resolves models by name.
type Registry struct {
	models registry.Registry[Model]
}

func NewRegistry(models ...Model) *Registry {
	r := &Registry{models: registry.New[Model]()}
	for _, m := range models {
		r.Register(m)
	}
	return r
}

// Register adds or replaces m.
func (r *Registry) Register(m Model) {
	r.models.Set(m.Name(), m)
}

// Lookup fails with errorx.UnknownModel for unregistered names.
func (r *Registry) Lookup(name string) (Model, error) {
	m, ok := r.models.Get(name)
	if !ok {
		return nil, errorx.New(errorx.CodeUnknownModel, "model %q is not registered", name)
	}
	return m, nil
}

func (r *Registry) Names() []string { return r.models.Names() }

type model struct {
	name string
	prov Provider
}

func (m model) Name() string       { return m.name }
func (m model) Provider() Provider { return m.prov }

// NewModel binds a name to a provider.
func NewModel(name string, p Provider) Model {
	return model{name: name, prov: p}
}
