package llm

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Accumulator rebuilds a complete Response from canonical stream events.
// Tool call input arrives as JSON fragments and is parsed when its block
// stops.
type Accumulator struct {
	blocks map[int]*partialBlock
	stop   StopReason
	usage  Usage
	err    error
	done   bool
}

type partialBlock struct {
	kind      BlockKind
	text      strings.Builder
	toolID    string
	toolName  string
	input     strings.Builder
	signature string
	redacted  []byte
	final     *ContentBlock
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{blocks: make(map[int]*partialBlock)}
}

// Add folds one event into the response.
func (a *Accumulator) Add(ev Event) error {
	switch ev.Type {
	case EventBlockStart:
		b := a.block(ev.Index)
		if ev.Start != nil && ev.Start.ToolUse != nil {
			b.kind = KindToolUse
			b.toolID = ev.Start.ToolUse.ToolUseID
			b.toolName = ev.Start.ToolUse.Name
		}
	case EventBlockDelta:
		if ev.Delta == nil {
			return nil
		}
		b := a.block(ev.Index)
		switch {
		case ev.Delta.Text != nil:
			b.text.WriteString(*ev.Delta.Text)
		case ev.Delta.ToolUse != nil:
			b.kind = KindToolUse
			b.input.WriteString(ev.Delta.ToolUse.Input)
		case ev.Delta.ReasoningContent != nil:
			r := ev.Delta.ReasoningContent
			b.kind = KindReasoning
			b.text.WriteString(r.Text)
			if r.Signature != "" {
				b.signature = r.Signature
			}
			if len(r.RedactedContent) > 0 {
				b.redacted = append(b.redacted, r.RedactedContent...)
			}
		}
	case EventBlockStop:
		return a.finish(ev.Index)
	case EventMessageStop:
		a.stop = ev.StopReason
	case EventMetadata:
		if ev.Usage != nil {
			a.usage = *ev.Usage
		}
		a.done = true
	case EventError:
		if ev.Error != nil {
			a.err = *ev.Error
		}
	}
	return nil
}

// Done reports whether the terminal metadata event has been seen.
func (a *Accumulator) Done() bool {
	return a.done
}

// Err returns the in-band stream error, if any.
func (a *Accumulator) Err() error {
	return a.err
}

// Response returns the accumulated response. Blocks that never saw a stop
// event are finalized as they are.
func (a *Accumulator) Response() (*Response, error) {
	if a.err != nil {
		return nil, a.err
	}

	indexes := make([]int, 0, len(a.blocks))
	for i := range a.blocks {
		indexes = append(indexes, i)
	}
	slices.Sort(indexes)

	out := &Response{
		Output:     Message{Role: RoleAssistant},
		StopReason: a.stop,
		Usage:      a.usage,
	}
	for _, i := range indexes {
		if err := a.finish(i); err != nil {
			return nil, err
		}
		out.Output.Content = append(out.Output.Content, *a.blocks[i].final)
	}
	return out, nil
}

func (a *Accumulator) block(index int) *partialBlock {
	b, ok := a.blocks[index]
	if !ok {
		b = &partialBlock{kind: KindText}
		a.blocks[index] = b
	}
	return b
}

func (a *Accumulator) finish(index int) error {
	b := a.block(index)
	if b.final != nil {
		return nil
	}

	var cb ContentBlock
	switch b.kind {
	case KindToolUse:
		input := strings.TrimSpace(b.input.String())
		if input == "" {
			input = "{}"
		}
		if !json.Valid([]byte(input)) {
			return fmt.Errorf("tool call %s: input is not valid JSON", b.toolID)
		}
		cb = NewToolUse(b.toolID, b.toolName, json.RawMessage(input))
	case KindReasoning:
		if len(b.redacted) > 0 {
			cb = ContentBlock{ReasoningContent: &ReasoningBlock{RedactedContent: &Blob{Bytes: b.redacted}}}
		} else {
			cb = ContentBlock{ReasoningContent: &ReasoningBlock{
				ReasoningText: &ReasoningText{Text: b.text.String(), Signature: b.signature},
			}}
		}
	default:
		cb = NewText(b.text.String())
	}
	b.final = &cb
	return nil
}
