package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
)

// chunkSource yields streamed responses until iterator.Done.
type chunkSource interface {
	Next() (*genai.GenerateContentResponse, error)
}

type streamState int

const (
	// stateNew: nothing emitted yet.
	stateNew streamState = iota
	stateIdle
	stateText
	// stateAfterTool: idle, and the last block was a tool call.
	stateAfterTool
)

type inputKind int

const (
	inputOpen inputKind = iota
	inputText
	inputCall
	inputClose
)

// streamInput is one step fed to the state machine.
type streamInput struct {
	kind inputKind
	text string
	call genai.FunctionCall
}

// geminiStream turns Gemini chunks into canonical events. Gemini has no
// block boundaries: consecutive text parts form one text block, and each
// function call arrives whole and becomes its own tool block.
type geminiStream struct {
	state   streamState
	index   int
	finish  genai.FinishReason
	usage   Usage
	wrapErr func(error) error
}

func newGeminiStream(wrapErr func(error) error) *geminiStream {
	return &geminiStream{wrapErr: wrapErr}
}

func (s *geminiStream) run(ctx context.Context, src chunkSource, ch chan<- Event) {
	out := emitter{ctx: ctx, ch: ch}
	for {
		resp, err := src.Next()
		if errors.Is(err, iterator.Done) {
			out.emit(s.end()...)
			return
		}
		if err != nil {
			var blocked *genai.BlockedError
			if errors.As(err, &blocked) {
				out.emit(s.blocked(blocked)...)
				return
			}
			out.emit(s.fail(err)...)
			return
		}
		if !out.emit(s.chunk(resp)...) {
			return
		}
	}
}

func (s *geminiStream) chunk(resp *genai.GenerateContentResponse) []Event {
	events := s.transition(streamInput{kind: inputOpen})
	if resp == nil {
		return events
	}
	if resp.UsageMetadata != nil {
		s.usage = geminiUsage(resp.UsageMetadata)
	}
	if len(resp.Candidates) == 0 {
		return events
	}

	cand := resp.Candidates[0]
	if cand.FinishReason != genai.FinishReasonUnspecified {
		s.finish = cand.FinishReason
	}
	if cand.Content == nil {
		return events
	}

	for _, part := range cand.Content.Parts {
		switch v := part.(type) {
		case genai.Text:
			if v != "" {
				events = append(events, s.transition(streamInput{kind: inputText, text: string(v)})...)
			}
		case genai.FunctionCall:
			events = append(events, s.transition(streamInput{kind: inputCall, call: v})...)
		case *genai.FunctionCall:
			events = append(events, s.transition(streamInput{kind: inputCall, call: *v})...)
		}
	}
	return events
}

// transition applies one input and returns the events it produces. The
// first input of any kind opens the message.
func (s *geminiStream) transition(in streamInput) []Event {
	var events []Event
	if s.state == stateNew {
		events = append(events, messageStartEvent())
		s.state = stateIdle
	}

	switch in.kind {
	case inputText:
		if s.state != stateText {
			events = append(events, blockStartEvent(s.index))
			s.state = stateText
		}
		events = append(events, textDeltaEvent(s.index, in.text))
	case inputCall:
		if s.state == stateText {
			events = append(events, blockStopEvent(s.index))
			s.index++
		}
		events = append(events,
			toolStartEvent(s.index, newToolUseID(), in.call.Name),
			toolDeltaEvent(s.index, string(marshalArgs(in.call.Args))),
			blockStopEvent(s.index),
		)
		s.index++
		s.state = stateAfterTool
	case inputClose:
		if s.state == stateText {
			events = append(events, blockStopEvent(s.index))
			s.index++
			s.state = stateIdle
		}
	}
	return events
}

func (s *geminiStream) end() []Event {
	events := s.transition(streamInput{kind: inputClose})
	return append(events,
		messageStopEvent(geminiStopReason(s.finish, s.state == stateAfterTool)),
		metadataEvent(s.usage),
	)
}

func (s *geminiStream) blocked(be *genai.BlockedError) []Event {
	events := s.transition(streamInput{kind: inputClose})
	return append(events,
		messageStopEvent(blockedStopReason(be)),
		metadataEvent(s.usage),
	)
}

// fail reports a broken stream. A stream that fails before its first chunk
// was never established.
func (s *geminiStream) fail(err error) []Event {
	if s.wrapErr != nil {
		err = s.wrapErr(err)
	}
	if s.state == stateNew {
		err = fmt.Errorf("%w: %w", ErrTranslationFailure, err)
	}
	return failureEvents(err, s.usage)
}
