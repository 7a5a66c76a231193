package output

import (
	"bufio"
	"encoding/json"
	"io"

	"gopkg.in/yaml.v3"
)

// document collects items and writes them as a single document: one item
// on its own, several as a list.
type document struct {
	w     *bufio.Writer
	items []any
}

func (d *document) Write(data any) error {
	d.items = append(d.items, data)
	return nil
}

func (d *document) WriteAll(data []any) error {
	d.items = append(d.items, data...)
	return nil
}

func (d *document) value() any {
	if len(d.items) == 1 {
		return d.items[0]
	}
	return d.items
}

// JSONWriter writes one JSON document on Flush.
type JSONWriter struct {
	document
	pretty bool
	indent string
}

// NewJSONWriter creates a JSON writer.
func NewJSONWriter(w io.Writer, pretty bool, indent string) *JSONWriter {
	return &JSONWriter{
		document: document{w: bufio.NewWriter(w)},
		pretty:   pretty,
		indent:   indent,
	}
}

// Flush writes the buffered items. Nothing is written when no item was
// buffered.
func (w *JSONWriter) Flush() error {
	if len(w.items) == 0 {
		return nil
	}

	enc := json.NewEncoder(w.w)
	enc.SetEscapeHTML(false)
	if w.pretty {
		enc.SetIndent("", w.indent)
	}
	if err := enc.Encode(w.value()); err != nil {
		return err
	}
	w.items = w.items[:0]
	return w.w.Flush()
}

// Close flushes the writer.
func (w *JSONWriter) Close() error {
	return w.Flush()
}

// JSONLWriter writes each item as one JSON line as soon as it arrives.
type JSONLWriter struct {
	w   *bufio.Writer
	enc *json.Encoder
}

// NewJSONLWriter creates a JSONL writer.
func NewJSONLWriter(w io.Writer) *JSONLWriter {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	return &JSONLWriter{w: bw, enc: enc}
}

// Write writes a single item as a JSON line.
func (w *JSONLWriter) Write(data any) error {
	if err := w.enc.Encode(data); err != nil {
		return err
	}
	return w.w.Flush()
}

// WriteAll writes multiple items as JSON lines.
func (w *JSONLWriter) WriteAll(data []any) error {
	for _, item := range data {
		if err := w.Write(item); err != nil {
			return err
		}
	}
	return nil
}

// Flush flushes the buffer.
func (w *JSONLWriter) Flush() error {
	return w.w.Flush()
}

// Close flushes the writer.
func (w *JSONLWriter) Close() error {
	return w.Flush()
}

// YAMLWriter writes one YAML document on Flush.
type YAMLWriter struct {
	document
}

// NewYAMLWriter creates a YAML writer.
func NewYAMLWriter(w io.Writer) *YAMLWriter {
	return &YAMLWriter{document: document{w: bufio.NewWriter(w)}}
}

// Flush writes the buffered items. Items are rendered through their JSON
// form so YAML keys match the JSON field names.
func (w *YAMLWriter) Flush() error {
	if len(w.items) == 0 {
		return nil
	}

	node, err := yamlNode(w.value())
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(w.w)
	enc.SetIndent(2)
	if err := enc.Encode(node); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	w.items = w.items[:0]
	return w.w.Flush()
}

// Close flushes the writer.
func (w *YAMLWriter) Close() error {
	return w.Flush()
}

// yamlNode converts v to a block-style YAML node, keeping JSON key order.
func yamlNode(v any) (*yaml.Node, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	plain(&doc)
	return &doc, nil
}

func plain(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		plain(c)
	}
}
