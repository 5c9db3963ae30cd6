package models

import (
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// ContentTypeText is the only content kind the gateway produces.
const ContentTypeText = "text"

// ContentItem is one typed entry of an Envelope.
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TextItem returns a text ContentItem.
func TextItem(text string) ContentItem {
	return ContentItem{Type: ContentTypeText, Text: text}
}

// Envelope is the only response shape returned to a caller.
// It is produced once per WorkRequest and never mutated afterwards.
type Envelope struct {
	IsError bool          `json:"isError"`
	Content []ContentItem `json:"content"`
}

// ErrorEnvelope returns an error envelope carrying a single diagnostic.
func ErrorEnvelope(diagnostic string) Envelope {
	return Envelope{IsError: true, Content: []ContentItem{TextItem(diagnostic)}}
}

// Text joins the text of all content items with newlines.
func (e Envelope) Text() string {
	parts := make([]string, len(e.Content))
	for i, c := range e.Content {
		parts[i] = c.Text
	}
	return strings.Join(parts, "\n")
}

// ToCallToolResult converts the envelope to an MCP tool result.
func (e Envelope) ToCallToolResult() *mcp.CallToolResult {
	content := make([]mcp.Content, 0, len(e.Content))
	for _, c := range e.Content {
		content = append(content, mcp.NewTextContent(c.Text))
	}
	return &mcp.CallToolResult{
		Content: content,
		IsError: e.IsError,
	}
}
