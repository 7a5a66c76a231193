package llm

import "context"

// EventType names a canonical stream event.
type EventType string

const (
	EventMessageStart EventType = "messageStart"
	EventBlockStart   EventType = "contentBlockStart"
	EventBlockDelta   EventType = "contentBlockDelta"
	EventBlockStop    EventType = "contentBlockStop"
	EventMessageStop  EventType = "messageStop"
	EventMetadata     EventType = "metadata"
	EventError        EventType = "error"
)

// Event is one element of a canonical stream. Which fields are set depends
// on Type.
type Event struct {
	Type       EventType   `json:"type"`
	Index      int         `json:"contentBlockIndex"`
	Role       Role        `json:"role,omitempty"`
	Start      *BlockStart `json:"start,omitempty"`
	Delta      *BlockDelta `json:"delta,omitempty"`
	StopReason StopReason  `json:"stopReason,omitempty"`
	Usage      *Usage      `json:"usage,omitempty"`
	Error      *ErrorInfo  `json:"error,omitempty"`
}

// BlockStart opens a content block. ToolUse is nil for text and reasoning.
type BlockStart struct {
	ToolUse *ToolUseStart `json:"toolUse,omitempty"`
}

// ToolUseStart identifies the tool call a block carries.
type ToolUseStart struct {
	ToolUseID string `json:"toolUseId"`
	Name      string `json:"name"`
}

// BlockDelta is an incremental piece of a content block.
type BlockDelta struct {
	Text             *string         `json:"text,omitempty"`
	ToolUse          *ToolUseDelta   `json:"toolUse,omitempty"`
	ReasoningContent *ReasoningDelta `json:"reasoningContent,omitempty"`
}

// ToolUseDelta is a fragment of tool call input JSON.
type ToolUseDelta struct {
	Input string `json:"input"`
}

// ReasoningDelta carries exactly one of its fields.
type ReasoningDelta struct {
	Text            string `json:"text,omitempty"`
	Signature       string `json:"signature,omitempty"`
	RedactedContent []byte `json:"redactedContent,omitempty"`
}

// IsTerminal reports whether the event ends a stream.
func (e Event) IsTerminal() bool {
	return e.Type == EventMetadata
}

func messageStartEvent() Event {
	return Event{Type: EventMessageStart, Role: RoleAssistant}
}

func blockStartEvent(index int) Event {
	return Event{Type: EventBlockStart, Index: index, Start: &BlockStart{}}
}

func toolStartEvent(index int, id, name string) Event {
	return Event{Type: EventBlockStart, Index: index, Start: &BlockStart{ToolUse: &ToolUseStart{ToolUseID: id, Name: name}}}
}

func textDeltaEvent(index int, text string) Event {
	return Event{Type: EventBlockDelta, Index: index, Delta: &BlockDelta{Text: &text}}
}

func toolDeltaEvent(index int, input string) Event {
	return Event{Type: EventBlockDelta, Index: index, Delta: &BlockDelta{ToolUse: &ToolUseDelta{Input: input}}}
}

func reasoningDeltaEvent(index int, d ReasoningDelta) Event {
	return Event{Type: EventBlockDelta, Index: index, Delta: &BlockDelta{ReasoningContent: &d}}
}

func blockStopEvent(index int) Event {
	return Event{Type: EventBlockStop, Index: index}
}

func messageStopEvent(reason StopReason) Event {
	return Event{Type: EventMessageStop, StopReason: reason}
}

func metadataEvent(u Usage) Event {
	if u.TotalTokens == 0 {
		u = u.withTotal()
	}
	return Event{Type: EventMetadata, Usage: &u}
}

// ErrorEvent converts err into the canonical error event.
func ErrorEvent(err error) Event {
	info := ErrorInfoFrom(err)
	return Event{Type: EventError, Error: &info}
}

// failureEvents is the terminal pair emitted when a stream cannot be
// established or breaks midway.
func failureEvents(err error, u Usage) []Event {
	return []Event{ErrorEvent(err), metadataEvent(u)}
}

// emitter delivers events until the consumer goes away.
type emitter struct {
	ctx context.Context
	ch  chan<- Event
}

func (e emitter) emit(events ...Event) bool {
	for _, ev := range events {
		select {
		case e.ch <- ev:
		case <-e.ctx.Done():
			return false
		}
	}
	return true
}
