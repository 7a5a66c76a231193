// Package llm defines the canonical conversation model shared by every
// backend, the Provider capability implemented once per backend protocol,
// and the two backend adapters the gateway ships with.
package llm

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversation turn.
type Message struct {
	Role    Role           `json:"role" validate:"required,oneof=user assistant"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock is a tagged union: exactly one field is set on a well-formed
// block. A block with no field set is treated as a null entry and dropped
// by normalization.
type ContentBlock struct {
	Text             *string          `json:"text,omitempty"`
	Image            *ImageBlock      `json:"image,omitempty"`
	Document         *DocumentBlock   `json:"document,omitempty"`
	ToolUse          *ToolUseBlock    `json:"toolUse,omitempty"`
	ToolResult       *ToolResultBlock `json:"toolResult,omitempty"`
	ReasoningContent *ReasoningBlock  `json:"reasoningContent,omitempty"`
	CachePoint       *CachePointBlock `json:"cachePoint,omitempty"`
}

// BlockKind identifies which variant of a ContentBlock is populated.
type BlockKind int

const (
	KindNone BlockKind = iota
	KindText
	KindImage
	KindDocument
	KindToolUse
	KindToolResult
	KindReasoning
	KindCachePoint
)

func (k BlockKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindImage:
		return "image"
	case KindDocument:
		return "document"
	case KindToolUse:
		return "toolUse"
	case KindToolResult:
		return "toolResult"
	case KindReasoning:
		return "reasoningContent"
	case KindCachePoint:
		return "cachePoint"
	default:
		return "none"
	}
}

// Kind reports the populated variant. When a malformed block carries more
// than one variant the first in declaration order wins.
func (b ContentBlock) Kind() BlockKind {
	switch {
	case b.Text != nil:
		return KindText
	case b.Image != nil:
		return KindImage
	case b.Document != nil:
		return KindDocument
	case b.ToolUse != nil:
		return KindToolUse
	case b.ToolResult != nil:
		return KindToolResult
	case b.ReasoningContent != nil:
		return KindReasoning
	case b.CachePoint != nil:
		return KindCachePoint
	default:
		return KindNone
	}
}

// IsContent reports whether the block carries caller-visible content.
// Null entries and cache markers do not count.
func (b ContentBlock) IsContent() bool {
	k := b.Kind()
	return k != KindNone && k != KindCachePoint
}

// IsUnresolvedToolUse reports whether b is a tool call whose id is absent
// from answered.
func (b ContentBlock) IsUnresolvedToolUse(answered map[string]bool) bool {
	if b.ToolUse == nil {
		return false
	}
	return !answered[b.ToolUse.ToolUseID]
}

// HasContent reports whether any block of the message counts as content.
func (m Message) HasContent() bool {
	for _, b := range m.Content {
		if b.IsContent() {
			return true
		}
	}
	return false
}

// Blob is a binary payload. On the wire it is base64 text; until it has
// been decoded the text is kept in Encoded and Bytes is empty.
type Blob struct {
	Bytes   []byte
	Encoded string
}

// Pending reports whether the payload still needs decoding.
func (b Blob) Pending() bool {
	return b.Encoded != "" && len(b.Bytes) == 0
}

// Len returns the payload size, estimated from the encoded form when the
// blob has not been decoded yet.
func (b Blob) Len() int {
	if b.Pending() {
		return base64.StdEncoding.DecodedLen(len(b.Encoded))
	}
	return len(b.Bytes)
}

// Base64 returns the payload as standard base64 text.
func (b Blob) Base64() string {
	if b.Pending() {
		return b.Encoded
	}
	return base64.StdEncoding.EncodeToString(b.Bytes)
}

func (b Blob) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Base64())
}

func (b *Blob) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b.Bytes = nil
	b.Encoded = s
	return nil
}

// Source carries the payload of an image or document.
type Source struct {
	Bytes *Blob   `json:"bytes,omitempty"`
	Text  *string `json:"text,omitempty"`
}

// ImageBlock is an inline image.
type ImageBlock struct {
	Format string `json:"format"`
	Source Source `json:"source"`
}

// MediaType reconstructs the MIME type from the short format name.
func (i ImageBlock) MediaType() string {
	f := strings.ToLower(i.Format)
	if f == "jpg" {
		f = "jpeg"
	}
	return "image/" + f
}

// DocumentBlock is an inline document, either binary or plain text.
type DocumentBlock struct {
	Format string `json:"format"`
	Name   string `json:"name,omitempty"`
	Source Source `json:"source"`
}

var documentMediaTypes = map[string]string{
	"pdf":  "application/pdf",
	"csv":  "text/csv",
	"doc":  "application/msword",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"xls":  "application/vnd.ms-excel",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"html": "text/html",
	"txt":  "text/plain",
	"md":   "text/markdown",
}

// MediaType reconstructs the MIME type from the short format name.
func (d DocumentBlock) MediaType() string {
	if mt, ok := documentMediaTypes[strings.ToLower(d.Format)]; ok {
		return mt
	}
	return "application/octet-stream"
}

// ToolUseBlock is a tool call issued by the assistant.
type ToolUseBlock struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// ToolResultStatus marks whether a tool call succeeded.
type ToolResultStatus string

const (
	ToolResultSuccess ToolResultStatus = "success"
	ToolResultError   ToolResultStatus = "error"
)

// ToolResultBlock answers the ToolUseBlock with the same id.
type ToolResultBlock struct {
	ToolUseID string              `json:"toolUseId"`
	Content   []ToolResultContent `json:"content"`
	Status    ToolResultStatus    `json:"status,omitempty"`
}

// ToolResultContent is one item of a tool result.
type ToolResultContent struct {
	Text     *string         `json:"text,omitempty"`
	JSON     json.RawMessage `json:"json,omitempty"`
	Image    *ImageBlock     `json:"image,omitempty"`
	Document *DocumentBlock  `json:"document,omitempty"`
}

// ReasoningBlock holds model reasoning. ReasoningText and RedactedContent
// are mutually exclusive.
type ReasoningBlock struct {
	ReasoningText   *ReasoningText `json:"reasoningText,omitempty"`
	RedactedContent *Blob          `json:"redactedContent,omitempty"`
}

// ReasoningText is visible reasoning plus the backend signature that
// authenticates it when replayed.
type ReasoningText struct {
	Text      string `json:"text"`
	Signature string `json:"signature,omitempty"`
}

// CachePointBlock marks the end of a cacheable prefix.
type CachePointBlock struct {
	Type string `json:"type"`
}

// CachePointDefault is the only cache point type backends understand.
const CachePointDefault = "default"

// Placeholder replaces empty text. Backends reject blank text blocks and
// empty turns.
const Placeholder = "_"

// NewText returns a text block.
func NewText(s string) ContentBlock {
	return ContentBlock{Text: &s}
}

// NewToolUse returns a tool call block.
func NewToolUse(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{ToolUse: &ToolUseBlock{ToolUseID: id, Name: name, Input: input}}
}

// NewToolResult returns a tool result block with the given content items.
func NewToolResult(id string, content ...ToolResultContent) ContentBlock {
	return ContentBlock{ToolResult: &ToolResultBlock{ToolUseID: id, Content: content}}
}

// NewCachePoint returns a cache marker block.
func NewCachePoint() ContentBlock {
	return ContentBlock{CachePoint: &CachePointBlock{Type: CachePointDefault}}
}

// TextResult returns a tool result item holding text.
func TextResult(s string) ToolResultContent {
	return ToolResultContent{Text: &s}
}

// JSONResult returns a tool result item holding a JSON document.
func JSONResult(raw json.RawMessage) ToolResultContent {
	return ToolResultContent{JSON: raw}
}

// ToolSpec describes a tool the model may call.
type ToolSpec struct {
	Name        string          `json:"name" validate:"required"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ToolChoiceType selects how the model must use tools.
type ToolChoiceType string

const (
	ToolChoiceAuto ToolChoiceType = "auto"
	ToolChoiceAny  ToolChoiceType = "any"
	ToolChoiceTool ToolChoiceType = "tool"
)

// ToolChoice forces tool behaviour. Name is required when Type is "tool".
type ToolChoice struct {
	Type ToolChoiceType `json:"type" validate:"required,oneof=auto any tool"`
	Name string         `json:"name,omitempty" validate:"required_if=Type tool"`
}

// StopReason is the canonical classification of why generation ended.
type StopReason string

const (
	StopEndTurn             StopReason = "end_turn"
	StopToolUse             StopReason = "tool_use"
	StopMaxTokens           StopReason = "max_tokens"
	StopSequence            StopReason = "stop_sequence"
	StopContentFiltered     StopReason = "content_filtered"
	StopGuardrailIntervened StopReason = "guardrail_intervened"
)

// Usage tracks token consumption. Cache fields are zero when the backend
// does not report them.
type Usage struct {
	InputTokens           int `json:"inputTokens"`
	OutputTokens          int `json:"outputTokens"`
	CacheReadInputTokens  int `json:"cacheReadInputTokens,omitempty"`
	CacheWriteInputTokens int `json:"cacheWriteInputTokens,omitempty"`
	TotalTokens           int `json:"totalTokens"`
}

// IsZero reports whether no tokens were counted.
func (u Usage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 &&
		u.CacheReadInputTokens == 0 && u.CacheWriteInputTokens == 0
}

func (u Usage) withTotal() Usage {
	u.TotalTokens = u.InputTokens + u.OutputTokens + u.CacheReadInputTokens + u.CacheWriteInputTokens
	return u
}
