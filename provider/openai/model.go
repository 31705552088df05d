package openai

import (
	"sync"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/parley/provider"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

var modelRegistry = haxmap.New[string, provider.Model]()

func GPT4oMini(opts ...option.RequestOption) provider.Model {
	return Model(openai.ChatModelGPT4oMini, opts...)
}

func GPT4o(opts ...option.RequestOption) provider.Model {
	return Model(openai.ChatModelGPT4o, opts...)
}

// Model returns the model called name. Models are cached by name, so the
// options of the first call win.
func Model(name string, opts ...option.RequestOption) provider.Model {
	m, _ := modelRegistry.GetOrCompute(name, func() provider.Model {
		return &model{
			name: name,
			opts: opts,
		}
	})
	return m
}

var _ provider.Model = (*model)(nil)

type model struct {
	name string
	opts []option.RequestOption

	prov     provider.Provider
	provOnce sync.Once
}

func (m *model) Name() string {
	return m.name
}

func (m *model) Provider() provider.Provider {
	m.provOnce.Do(func() {
		m.prov = New(m.opts...)
	})
	return m.prov
}
