package llm

import (
	"encoding/json"
	"fmt"

	"github.com/google/generative-ai-go/genai"
)

// jsonSchema is the subset of JSON Schema Gemini function declarations
// can express.
type jsonSchema struct {
	Type        any                    `json:"type"`
	Format      string                 `json:"format"`
	Description string                 `json:"description"`
	Nullable    bool                   `json:"nullable"`
	Enum        []any                  `json:"enum"`
	Items       *jsonSchema            `json:"items"`
	Properties  map[string]*jsonSchema `json:"properties"`
	Required    []string               `json:"required"`
}

var geminiTypes = map[string]genai.Type{
	"string":  genai.TypeString,
	"number":  genai.TypeNumber,
	"integer": genai.TypeInteger,
	"boolean": genai.TypeBoolean,
	"array":   genai.TypeArray,
	"object":  genai.TypeObject,
}

// geminiSchema converts a tool input schema. An empty schema yields an
// object with no properties.
func geminiSchema(raw json.RawMessage) (*genai.Schema, error) {
	if len(raw) == 0 {
		return &genai.Schema{Type: genai.TypeObject}, nil
	}
	var js jsonSchema
	if err := json.Unmarshal(raw, &js); err != nil {
		return nil, fmt.Errorf("invalid input schema: %w", err)
	}
	return js.toGemini()
}

func (js *jsonSchema) toGemini() (*genai.Schema, error) {
	s := &genai.Schema{
		Format:      js.Format,
		Description: js.Description,
		Nullable:    js.Nullable,
		Required:    js.Required,
	}

	typ, nullable, err := js.resolveType()
	if err != nil {
		return nil, err
	}
	s.Type = typ
	s.Nullable = s.Nullable || nullable

	for _, e := range js.Enum {
		if v, ok := e.(string); ok {
			s.Enum = append(s.Enum, v)
		}
	}

	if js.Items != nil {
		items, err := js.Items.toGemini()
		if err != nil {
			return nil, fmt.Errorf("items: %w", err)
		}
		s.Items = items
	}

	if len(js.Properties) > 0 {
		s.Properties = make(map[string]*genai.Schema, len(js.Properties))
		for name, prop := range js.Properties {
			if prop == nil {
				continue
			}
			ps, err := prop.toGemini()
			if err != nil {
				return nil, fmt.Errorf("property %s: %w", name, err)
			}
			s.Properties[name] = ps
		}
	}

	return s, nil
}

// resolveType handles both "type": "string" and "type": ["string", "null"].
// A schema without a type is inferred from its shape.
func (js *jsonSchema) resolveType() (genai.Type, bool, error) {
	switch t := js.Type.(type) {
	case string:
		typ, ok := geminiTypes[t]
		if !ok {
			return genai.TypeUnspecified, false, fmt.Errorf("unsupported type %q", t)
		}
		return typ, false, nil
	case []any:
		var typ genai.Type
		var nullable bool
		for _, v := range t {
			name, _ := v.(string)
			if name == "null" {
				nullable = true
				continue
			}
			mapped, ok := geminiTypes[name]
			if !ok {
				return genai.TypeUnspecified, false, fmt.Errorf("unsupported type %v", v)
			}
			if typ == genai.TypeUnspecified {
				typ = mapped
			}
		}
		return typ, nullable, nil
	case nil:
		switch {
		case len(js.Properties) > 0:
			return genai.TypeObject, false, nil
		case js.Items != nil:
			return genai.TypeArray, false, nil
		case len(js.Enum) > 0:
			return genai.TypeString, false, nil
		}
		return genai.TypeObject, false, nil
	default:
		return genai.TypeUnspecified, false, fmt.Errorf("invalid type %v", t)
	}
}
