// Package normalize repairs caller-supplied conversations into a shape every
// backend accepts.
//
// Repair is preferred over rejection: empty turns get a placeholder, blank
// text is replaced, base64 payloads are decoded, and tool calls left
// without a result are answered with an empty one. The only conversation
// that cannot be repaired is one with a tool result that answers no earlier
// tool call.
package normalize

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmylchreest/llmgate/pkg/llm"
	"github.com/vincent-petithory/dataurl"
)

// EmptyToolResult is the content synthesized for an unanswered tool call.
var EmptyToolResult = json.RawMessage(`{"results":{}}`)

// Options controls normalization.
type Options struct {
	// Reasoning keeps reasoning blocks. When false they are dropped because
	// backends reject them outside reasoning mode.
	Reasoning bool
}

// Messages returns a repaired copy of msgs. The input is not modified.
// Normalizing an already normalized conversation returns it unchanged.
func Messages(msgs []llm.Message, opts Options) ([]llm.Message, error) {
	out := make([]llm.Message, 0, len(msgs))
	seen := make(map[string]bool)

	for i, m := range msgs {
		content := make([]llm.ContentBlock, 0, len(m.Content))
		for j, b := range m.Content {
			nb, keep, err := block(b, opts)
			if err != nil {
				return nil, fmt.Errorf("message[%d].content[%d]: %w", i, j, err)
			}
			if !keep {
				continue
			}
			switch {
			case nb.ToolUse != nil:
				seen[nb.ToolUse.ToolUseID] = true
			case nb.ToolResult != nil && !seen[nb.ToolResult.ToolUseID]:
				return nil, fmt.Errorf("%w: message[%d]: tool result %q answers no earlier tool call",
					llm.ErrMalformedConversation, i, nb.ToolResult.ToolUseID)
			}
			content = append(content, nb)
		}

		nm := llm.Message{Role: m.Role, Content: content}
		if !nm.HasContent() {
			nm.Content = append([]llm.ContentBlock{llm.NewText(llm.Placeholder)}, nm.Content...)
		}
		out = append(out, nm)
	}

	return answerToolCalls(out), nil
}

// block normalizes one content block. keep is false for blocks that must
// be dropped.
func block(b llm.ContentBlock, opts Options) (llm.ContentBlock, bool, error) {
	switch b.Kind() {
	case llm.KindNone:
		return b, false, nil
	case llm.KindText:
		if strings.TrimSpace(*b.Text) == "" {
			return llm.NewText(llm.Placeholder), true, nil
		}
	case llm.KindImage:
		img := *b.Image
		if err := decodeSource(&img.Source); err != nil {
			return b, false, err
		}
		return llm.ContentBlock{Image: &img}, true, nil
	case llm.KindDocument:
		doc := *b.Document
		if err := decodeSource(&doc.Source); err != nil {
			return b, false, err
		}
		return llm.ContentBlock{Document: &doc}, true, nil
	case llm.KindToolResult:
		tr, err := toolResult(b.ToolResult)
		if err != nil {
			return b, false, err
		}
		return llm.ContentBlock{ToolResult: tr}, true, nil
	case llm.KindReasoning:
		if !opts.Reasoning {
			return b, false, nil
		}
		r := *b.ReasoningContent
		if r.RedactedContent != nil {
			blob, err := decodeBlob(r.RedactedContent)
			if err != nil {
				return b, false, err
			}
			r.RedactedContent = blob
		}
		return llm.ContentBlock{ReasoningContent: &r}, true, nil
	}
	return b, true, nil
}

func toolResult(tr *llm.ToolResultBlock) (*llm.ToolResultBlock, error) {
	out := *tr
	out.Content = make([]llm.ToolResultContent, len(tr.Content))
	for i, c := range tr.Content {
		if c.Image != nil {
			img := *c.Image
			if err := decodeSource(&img.Source); err != nil {
				return nil, err
			}
			c.Image = &img
		}
		if c.Document != nil {
			doc := *c.Document
			if err := decodeSource(&doc.Source); err != nil {
				return nil, err
			}
			c.Document = &doc
		}
		out.Content[i] = c
	}
	return &out, nil
}

func decodeSource(src *llm.Source) error {
	if src.Bytes == nil {
		return nil
	}
	blob, err := decodeBlob(src.Bytes)
	if err != nil {
		return err
	}
	src.Bytes = blob
	return nil
}

// decodeBlob returns a decoded copy of b. Payloads may be plain base64,
// unpadded base64, or a data URL.
func decodeBlob(b *llm.Blob) (*llm.Blob, error) {
	if !b.Pending() {
		return b, nil
	}

	text := strings.TrimSpace(b.Encoded)
	if strings.HasPrefix(text, "data:") {
		du, err := dataurl.DecodeString(text)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid data URL: %v", llm.ErrMalformedConversation, err)
		}
		return &llm.Blob{Bytes: du.Data}, nil
	}

	text = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, text)

	data, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(text)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 payload: %v", llm.ErrMalformedConversation, err)
	}
	return &llm.Blob{Bytes: data}, nil
}

// answerToolCalls answers every tool call that has no result anywhere later
// with an empty one. The results go at the front of the user message that
// follows the assistant turn, or into a new user message when none does.
func answerToolCalls(msgs []llm.Message) []llm.Message {
	lastResult := make(map[string]int)
	for i, m := range msgs {
		for _, b := range m.Content {
			if b.ToolResult != nil {
				lastResult[b.ToolResult.ToolUseID] = i
			}
		}
	}

	out := make([]llm.Message, 0, len(msgs))
	var pending []llm.ContentBlock
	for i, m := range msgs {
		if len(pending) > 0 {
			if m.Role == llm.RoleUser {
				m.Content = append(pending, m.Content...)
			} else {
				out = append(out, llm.Message{Role: llm.RoleUser, Content: pending})
			}
			pending = nil
		}
		out = append(out, m)
		if m.Role != llm.RoleAssistant {
			continue
		}

		answered := make(map[string]bool)
		for id, at := range lastResult {
			if at > i {
				answered[id] = true
			}
		}
		for _, b := range m.Content {
			if b.IsUnresolvedToolUse(answered) {
				pending = append(pending, llm.NewToolResult(b.ToolUse.ToolUseID, llm.JSONResult(EmptyToolResult)))
			}
		}
	}
	if len(pending) > 0 {
		out = append(out, llm.Message{Role: llm.RoleUser, Content: pending})
	}
	return out
}
