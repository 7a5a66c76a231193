package llm

import (
	"errors"
	"testing"
)

func TestAccumulator_ReasoningAndText(t *testing.T) {
	events := []Event{
		messageStartEvent(),
		blockStartEvent(0),
		reasoningDeltaEvent(0, ReasoningDelta{Text: "think "}),
		reasoningDeltaEvent(0, ReasoningDelta{Text: "hard"}),
		reasoningDeltaEvent(0, ReasoningDelta{Signature: "sig"}),
		blockStopEvent(0),
		blockStartEvent(1),
		textDeltaEvent(1, "answer"),
		blockStopEvent(1),
		messageStopEvent(StopEndTurn),
		metadataEvent(Usage{InputTokens: 3, OutputTokens: 4}),
	}

	acc := NewAccumulator()
	for _, ev := range events {
		if err := acc.Add(ev); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}
	if !acc.Done() {
		t.Error("Done() should be true after metadata")
	}

	resp, err := acc.Response()
	if err != nil {
		t.Fatalf("Response() error = %v", err)
	}
	r := resp.Output.Content[0].ReasoningContent
	if r == nil || r.ReasoningText.Text != "think hard" || r.ReasoningText.Signature != "sig" {
		t.Errorf("unexpected reasoning block %+v", r)
	}
	if *resp.Output.Content[1].Text != "answer" {
		t.Errorf("unexpected text %q", *resp.Output.Content[1].Text)
	}
	if resp.Usage.TotalTokens != 7 {
		t.Errorf("TotalTokens = %d, expected 7", resp.Usage.TotalTokens)
	}
}

func TestAccumulator_InvalidToolInput(t *testing.T) {
	acc := NewAccumulator()
	_ = acc.Add(toolStartEvent(0, "t1", "f"))
	_ = acc.Add(toolDeltaEvent(0, `{"a":`))
	if err := acc.Add(blockStopEvent(0)); err == nil {
		t.Error("expected error for truncated tool input")
	}
}

func TestAccumulator_ErrorEvent(t *testing.T) {
	acc := NewAccumulator()
	_ = acc.Add(ErrorEvent(&BackendError{Backend: "bedrock", StatusCode: 500, Message: "down"}))
	_ = acc.Add(metadataEvent(Usage{}))

	_, err := acc.Response()
	if !errors.Is(err, ErrBackendRejected) {
		t.Errorf("Response() error = %v, expected backend rejection", err)
	}
}
