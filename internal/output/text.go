package output

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/jmylchreest/llmgate/pkg/llm"
)

// Table is implemented by values that render as rows in text output.
type Table interface {
	Header() []string
	Rows() [][]string
}

// TextWriter renders responses, stream events and tables for a terminal.
// Stream text deltas are written as they arrive.
type TextWriter struct {
	w *bufio.Writer
	// open is true while a text block is being written without a newline.
	open bool
}

// NewTextWriter creates a text writer.
func NewTextWriter(w io.Writer) *TextWriter {
	return &TextWriter{w: bufio.NewWriter(w)}
}

// Write renders one item.
func (w *TextWriter) Write(data any) error {
	switch v := data.(type) {
	case llm.Event:
		w.event(v)
	case *llm.Event:
		w.event(*v)
	case *llm.Response:
		w.response(v)
	case llm.Response:
		w.response(&v)
	case Table:
		if err := w.table(v); err != nil {
			return err
		}
	case fmt.Stringer:
		w.line(v.String())
	case string:
		w.line(v)
	default:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		w.line(string(data))
	}
	return w.w.Flush()
}

// WriteAll renders items in order.
func (w *TextWriter) WriteAll(data []any) error {
	for _, item := range data {
		if err := w.Write(item); err != nil {
			return err
		}
	}
	return nil
}

// Flush terminates an open line.
func (w *TextWriter) Flush() error {
	w.endLine()
	return w.w.Flush()
}

// Close flushes the writer.
func (w *TextWriter) Close() error {
	return w.Flush()
}

func (w *TextWriter) line(s string) {
	w.endLine()
	_, _ = w.w.WriteString(s)
	_ = w.w.WriteByte('\n')
}

func (w *TextWriter) endLine() {
	if w.open {
		_ = w.w.WriteByte('\n')
		w.open = false
	}
}

func (w *TextWriter) event(ev llm.Event) {
	switch ev.Type {
	case llm.EventBlockStart:
		if ev.Start != nil && ev.Start.ToolUse != nil {
			w.endLine()
			fmt.Fprintf(w.w, "[tool_use %s %s] ", ev.Start.ToolUse.Name, ev.Start.ToolUse.ToolUseID)
			w.open = true
		}
	case llm.EventBlockDelta:
		if ev.Delta == nil {
			return
		}
		switch {
		case ev.Delta.Text != nil:
			_, _ = w.w.WriteString(*ev.Delta.Text)
		case ev.Delta.ToolUse != nil:
			_, _ = w.w.WriteString(ev.Delta.ToolUse.Input)
		case ev.Delta.ReasoningContent != nil && ev.Delta.ReasoningContent.Text != "":
			_, _ = w.w.WriteString(ev.Delta.ReasoningContent.Text)
		default:
			return
		}
		w.open = true
	case llm.EventBlockStop:
		w.endLine()
	case llm.EventMessageStop:
		w.line("stop: " + string(ev.StopReason))
	case llm.EventMetadata:
		if ev.Usage != nil {
			w.line(usageLine(*ev.Usage))
		}
	case llm.EventError:
		if ev.Error != nil {
			w.line(fmt.Sprintf("error: %s: %s", ev.Error.Kind, ev.Error.Message))
		}
	}
}

func (w *TextWriter) response(r *llm.Response) {
	for _, b := range r.Output.Content {
		switch {
		case b.Text != nil:
			w.line(*b.Text)
		case b.ToolUse != nil:
			w.line(fmt.Sprintf("[tool_use %s %s] %s", b.ToolUse.Name, b.ToolUse.ToolUseID, b.ToolUse.Input))
		case b.ReasoningContent != nil && b.ReasoningContent.ReasoningText != nil:
			w.line("[reasoning] " + b.ReasoningContent.ReasoningText.Text)
		case b.ReasoningContent != nil:
			w.line("[reasoning redacted]")
		}
	}
	w.line(fmt.Sprintf("stop: %s", r.StopReason))
	w.line(usageLine(r.Usage))
}

func usageLine(u llm.Usage) string {
	parts := []string{
		"input " + humanize.Comma(int64(u.InputTokens)),
		"output " + humanize.Comma(int64(u.OutputTokens)),
	}
	if u.CacheReadInputTokens > 0 {
		parts = append(parts, "cache read "+humanize.Comma(int64(u.CacheReadInputTokens)))
	}
	if u.CacheWriteInputTokens > 0 {
		parts = append(parts, "cache write "+humanize.Comma(int64(u.CacheWriteInputTokens)))
	}
	return "tokens: " + strings.Join(parts, ", ")
}

func (w *TextWriter) table(t Table) error {
	w.endLine()
	tw := tabwriter.NewWriter(w.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(t.Header(), "\t"))
	for _, row := range t.Rows() {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}
