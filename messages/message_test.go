package messages

import (
	"testing"

	"github.com/casualjim/parley/chunk"
	"github.com/go-openapi/strfmt"
	"github.com/stretchr/testify/assert"
)

func TestPart_Validate(t *testing.T) {
	tests := []struct {
		name    string
		part    Part
		wantErr string
	}{
		{"text", Part{Kind: PartText, Text: "hi"}, ""},
		{"tool call", Part{Kind: PartToolCall, ToolCallID: "c1", ToolName: "x"}, ""},
		{"tool call without id", Part{Kind: PartToolCall, ToolName: "x"}, "requires a tool call id"},
		{"tool result without name", Part{Kind: PartToolResult, ToolCallID: "c1"}, "requires a tool name"},
		{"file", Part{Kind: PartFile, File: &chunk.File{Mime: "image/png", Ref: "artifact://a1/1"}}, ""},
		{"file without ref", Part{Kind: PartFile}, "requires a reference"},
		{"negative index", Part{Index: -1, Kind: PartText}, "negative"},
		{"unknown", Part{Kind: "video"}, "unknown part kind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.part.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestMessage_Text(t *testing.T) {
	m := Message{Parts: []Part{
		{Index: 0, Kind: PartReasoning, Text: "think "},
		{Index: 1, Kind: PartText, Text: "hello"},
		{Index: 2, Kind: PartToolCall, ToolCallID: "c1", ToolName: "x"},
		{Index: 3, Kind: PartText, Text: " world"},
	}}
	assert.Equal(t, "think hello world", m.Text())
}

func TestUserText(t *testing.T) {
	m := UserText("m1", "chat", "turn", "hi", strfmt.DateTime{})
	assert.Equal(t, RoleUser, m.Role)
	assert.True(t, m.Status.Terminal())
	assert.Equal(t, "hi", m.Text())
	assert.False(t, StatusStreaming.Terminal())
}
