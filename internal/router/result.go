// ABOUTME: Tool call results as returned to clients: a list of content items plus an error flag.
// ABOUTME: Provider output that is not already in that shape is wrapped as a single text item.

package router

import (
	"bytes"
	"encoding/json"
	"errors"
)

// Content is one item of a tool result.
type Content struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// TextContent returns a text item.
func TextContent(text string) Content {
	return Content{Type: "text", Text: text}
}

// Result is the outcome of a tool call.
type Result struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Text concatenates the text items of the result.
func (r *Result) Text() string {
	var b bytes.Buffer
	for _, c := range r.Content {
		if c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

// decodeResult normalizes a provider's tools/call result.
func decodeResult(raw json.RawMessage) (*Result, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return &Result{Content: []Content{}}, nil
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, err
		}
		return &Result{Content: []Content{TextContent(s)}}, nil

	case '{':
		var shape struct {
			Content json.RawMessage `json:"content"`
			IsError bool            `json:"isError"`
		}
		if err := json.Unmarshal(trimmed, &shape); err != nil {
			return nil, err
		}
		if len(shape.Content) > 0 && shape.Content[0] == '[' {
			var items []Content
			if err := json.Unmarshal(shape.Content, &items); err != nil {
				return nil, errors.New("malformed content array in tool result")
			}
			return &Result{Content: items, IsError: shape.IsError}, nil
		}
	}

	return &Result{Content: []Content{TextContent(string(trimmed))}}, nil
}
