package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

type capturedRequest struct {
	body   string
	header http.Header
}

func newAnthropicServer(t *testing.T, status int, contentType, body string) (*httptest.Server, *capturedRequest) {
	t.Helper()
	captured := &capturedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		captured.body = string(raw)
		captured.header = r.Header.Clone()
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, captured
}

func newTestAnthropic(t *testing.T, baseURL string, betas ...BetaRule) *AnthropicProvider {
	t.Helper()
	p, err := NewAnthropicProvider(context.Background(), ProviderConfig{
		Name:    "anthropic",
		Kind:    KindAnthropic,
		APIKey:  "test-key",
		BaseURL: baseURL,
		Betas:   betas,
	})
	if err != nil {
		t.Fatalf("NewAnthropicProvider() error = %v", err)
	}
	return p
}

func userRequest(model string, blocks ...ContentBlock) *Request {
	return &Request{
		Model:    model,
		Messages: []Message{{Role: RoleUser, Content: blocks}},
	}
}

// --- Converse ---

const messageResponse = `{
  "id": "msg_1",
  "type": "message",
  "role": "assistant",
  "model": "claude-sonnet-4",
  "content": [
    {"type": "text", "text": "Checking."},
    {"type": "tool_use", "id": "t1", "name": "lookup", "input": {"id": 42}}
  ],
  "stop_reason": "tool_use",
  "stop_sequence": null,
  "usage": {"input_tokens": 10, "output_tokens": 5, "cache_read_input_tokens": 2, "cache_creation_input_tokens": 3}
}`

func TestAnthropicConverse_MapsResponse(t *testing.T) {
	srv, _ := newAnthropicServer(t, http.StatusOK, "application/json", messageResponse)
	p := newTestAnthropic(t, srv.URL)

	resp, err := p.Converse(context.Background(), userRequest("claude-sonnet-4", NewText("hi")))
	if err != nil {
		t.Fatalf("Converse() error = %v", err)
	}
	if resp.StopReason != StopToolUse {
		t.Errorf("StopReason = %q, expected %q", resp.StopReason, StopToolUse)
	}
	if len(resp.Output.Content) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(resp.Output.Content))
	}
	if tu := resp.Output.Content[1].ToolUse; tu == nil || tu.ToolUseID != "t1" || gjson.GetBytes(tu.Input, "id").Int() != 42 {
		t.Errorf("unexpected tool use %+v", resp.Output.Content[1].ToolUse)
	}
	want := Usage{InputTokens: 10, OutputTokens: 5, CacheReadInputTokens: 2, CacheWriteInputTokens: 3, TotalTokens: 20}
	if resp.Usage != want {
		t.Errorf("Usage = %+v, expected %+v", resp.Usage, want)
	}
}

func TestAnthropicConverse_CacheMarkerAndHeaders(t *testing.T) {
	srv, captured := newAnthropicServer(t, http.StatusOK, "application/json", messageResponse)
	p := newTestAnthropic(t, srv.URL,
		BetaRule{Match: "sonnet", Flag: "token-efficient-tools-2025-02-19"},
		BetaRule{Match: "haiku", Flag: "never-sent"},
	)

	req := userRequest("claude-sonnet-4", NewText("long prefix"), NewCachePoint(), NewText("question"))
	req.ThoughtBudget = 1024
	req.MaxTokens = 2048
	if _, err := p.Converse(context.Background(), req); err != nil {
		t.Fatalf("Converse() error = %v", err)
	}

	if got := gjson.Get(captured.body, "messages.0.content.#").Int(); got != 2 {
		t.Fatalf("expected cache marker to be folded into the previous block, got %d blocks", got)
	}
	if got := gjson.Get(captured.body, "messages.0.content.0.cache_control.type").String(); got != "ephemeral" {
		t.Errorf("cache_control = %q, expected ephemeral on block 0", got)
	}
	if gjson.Get(captured.body, "messages.0.content.1.cache_control").Exists() {
		t.Error("block 1 should not carry cache_control")
	}
	if got := gjson.Get(captured.body, "thinking.budget_tokens").Int(); got != 1024 {
		t.Errorf("thinking.budget_tokens = %d, expected 1024", got)
	}
	if got := captured.header.Get("anthropic-beta"); got != "token-efficient-tools-2025-02-19" {
		t.Errorf("anthropic-beta = %q", got)
	}
	if captured.header.Get("X-Amzn-Bedrock-GuardrailIdentifier") != "" {
		t.Error("guardrail headers must only be sent through bedrock")
	}
}

func TestAnthropicConverse_GuardrailIntervened(t *testing.T) {
	body := strings.Replace(messageResponse, `"stop_reason": "tool_use"`,
		`"stop_reason": "end_turn", "amazon-bedrock-guardrailAction": "INTERVENED"`, 1)
	srv, _ := newAnthropicServer(t, http.StatusOK, "application/json", body)
	p := newTestAnthropic(t, srv.URL)

	resp, err := p.Converse(context.Background(), userRequest("claude-sonnet-4", NewText("hi")))
	if err != nil {
		t.Fatalf("Converse() error = %v", err)
	}
	if resp.StopReason != StopGuardrailIntervened {
		t.Errorf("StopReason = %q, expected %q", resp.StopReason, StopGuardrailIntervened)
	}
}

func TestAnthropicConverse_BackendError(t *testing.T) {
	srv, _ := newAnthropicServer(t, http.StatusBadRequest, "application/json",
		`{"type":"error","error":{"type":"invalid_request_error","message":"messages: roles must alternate"}}`)
	p := newTestAnthropic(t, srv.URL)

	_, err := p.Converse(context.Background(), userRequest("claude-sonnet-4", NewText("hi")))
	var be *BackendError
	if !errors.As(err, &be) {
		t.Fatalf("expected BackendError, got %T: %v", err, err)
	}
	if be.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, expected 400", be.StatusCode)
	}
	if KindOf(err) != KindBackendRejected {
		t.Errorf("KindOf() = %q, expected %q", KindOf(err), KindBackendRejected)
	}
}

func TestAnthropicConverse_ToolResultAndChoice(t *testing.T) {
	srv, captured := newAnthropicServer(t, http.StatusOK, "application/json", messageResponse)
	p := newTestAnthropic(t, srv.URL)

	req := &Request{
		Model: "claude-sonnet-4",
		Messages: []Message{
			{Role: RoleUser, Content: []ContentBlock{NewText("look it up")}},
			{Role: RoleAssistant, Content: []ContentBlock{NewToolUse("t1", "lookup", json.RawMessage(`{"id":1}`))}},
			{Role: RoleUser, Content: []ContentBlock{NewToolResult("t1", JSONResult(json.RawMessage(`{"results":{}}`)))}},
		},
		Tools:      []ToolSpec{{Name: "lookup", Description: "find", InputSchema: json.RawMessage(`{"type":"object","properties":{"id":{"type":"integer"}},"required":["id"]}`)}},
		ToolChoice: &ToolChoice{Type: ToolChoiceTool, Name: "lookup"},
	}
	if _, err := p.Converse(context.Background(), req); err != nil {
		t.Fatalf("Converse() error = %v", err)
	}

	if got := gjson.Get(captured.body, "messages.2.content.0.tool_use_id").String(); got != "t1" {
		t.Errorf("tool_use_id = %q, expected t1", got)
	}
	if got := gjson.Get(captured.body, "tool_choice.name").String(); got != "lookup" {
		t.Errorf("tool_choice.name = %q, expected lookup", got)
	}
	if got := gjson.Get(captured.body, "tools.0.input_schema.required.0").String(); got != "id" {
		t.Errorf("input_schema.required = %q", got)
	}
}

// --- ConverseStream ---

const streamBody = `event: message_start
data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":12,"output_tokens":1}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: content_block_start
data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"t1","name":"lookup","input":{}}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"id\":"}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"7}"}}

event: content_block_stop
data: {"type":"content_block_stop","index":1}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":9}}

event: message_stop
data: {"type":"message_stop"}

`

func TestAnthropicConverseStream(t *testing.T) {
	srv, _ := newAnthropicServer(t, http.StatusOK, "text/event-stream", streamBody)
	p := newTestAnthropic(t, srv.URL)

	events, err := p.ConverseStream(context.Background(), userRequest("claude-sonnet-4", NewText("hi")))
	if err != nil {
		t.Fatalf("ConverseStream() error = %v", err)
	}

	acc := NewAccumulator()
	var last Event
	for ev := range events {
		if err := acc.Add(ev); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
		last = ev
	}
	if last.Type != EventMetadata {
		t.Errorf("last event = %q, expected metadata", last.Type)
	}

	resp, err := acc.Response()
	if err != nil {
		t.Fatalf("Response() error = %v", err)
	}
	if resp.StopReason != StopToolUse {
		t.Errorf("StopReason = %q, expected %q", resp.StopReason, StopToolUse)
	}
	if len(resp.Output.Content) != 2 || *resp.Output.Content[0].Text != "Hello" {
		t.Fatalf("unexpected content %+v", resp.Output.Content)
	}
	if string(resp.Output.Content[1].ToolUse.Input) != `{"id":7}` {
		t.Errorf("tool input = %s", resp.Output.Content[1].ToolUse.Input)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 9 {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}
}

func TestAnthropicConverseStream_RejectedInBand(t *testing.T) {
	srv, _ := newAnthropicServer(t, http.StatusTooManyRequests, "application/json",
		`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
	p := newTestAnthropic(t, srv.URL)

	events, err := p.ConverseStream(context.Background(), userRequest("claude-sonnet-4", NewText("hi")))
	if err != nil {
		t.Fatalf("ConverseStream() error = %v", err)
	}

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	if len(got) != 2 {
		t.Fatalf("expected error and metadata, got %d events", len(got))
	}
	if got[0].Type != EventError || got[0].Error.StatusCode != http.StatusTooManyRequests {
		t.Errorf("unexpected error event %+v", got[0])
	}
	if got[1].Type != EventMetadata {
		t.Errorf("expected metadata, got %q", got[1].Type)
	}
}

// --- Helpers ---

func TestToAnthropicMessages_CacheMarkerSkipsThinking(t *testing.T) {
	thinking := ContentBlock{ReasoningContent: &ReasoningBlock{ReasoningText: &ReasoningText{Text: "hmm", Signature: "sig"}}}
	msgs := []Message{
		{Role: RoleUser, Content: []ContentBlock{NewText("question")}},
		{Role: RoleAssistant, Content: []ContentBlock{NewText("answer"), thinking, NewCachePoint()}},
		{Role: RoleAssistant, Content: []ContentBlock{thinking, NewCachePoint()}},
	}

	out, err := toAnthropicMessages(msgs)
	if err != nil {
		t.Fatalf("toAnthropicMessages() error = %v", err)
	}
	raw, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	body := string(raw)

	if got := gjson.Get(body, "1.content.0.cache_control.type").String(); got != "ephemeral" {
		t.Errorf("expected marker on the text before the thinking block, got %q in %s", got, body)
	}
	if gjson.Get(body, "1.content.1.cache_control").Exists() {
		t.Error("thinking block must not carry a marker")
	}
	if gjson.Get(body, "2.content.0.cache_control").Exists() {
		t.Error("a marker with no cacheable block before it must be dropped")
	}
}

func TestAnthropicStopReason(t *testing.T) {
	tests := map[string]StopReason{
		"end_turn":      StopEndTurn,
		"tool_use":      StopToolUse,
		"max_tokens":    StopMaxTokens,
		"stop_sequence": StopSequence,
		"refusal":       StopContentFiltered,
		"pause_turn":    StopEndTurn,
	}
	for in, want := range tests {
		if got := anthropicStopReason(in, ""); got != want {
			t.Errorf("anthropicStopReason(%q) = %q, expected %q", in, got, want)
		}
	}
}

func TestBetaFlags_DedupesAndMatches(t *testing.T) {
	rules := []BetaRule{
		{Match: "claude-3-7", Flag: "output-128k"},
		{Match: "sonnet", Flag: "output-128k"},
		{Match: "opus", Flag: "other"},
	}
	got := betaFlags(rules, "claude-3-7-sonnet")
	if len(got) != 1 || got[0] != "output-128k" {
		t.Errorf("betaFlags() = %v, expected [output-128k]", got)
	}
}

func TestAnthropicCapabilities(t *testing.T) {
	p := &AnthropicProvider{cfg: ProviderConfig{Name: "bedrock"}}
	if c := p.Capabilities(); !c.PromptCache || c.MaxCacheMarkers != 2 {
		t.Errorf("unexpected default capabilities %+v", c)
	}
	p.cfg.MaxCacheMarkers = 4
	if c := p.Capabilities(); c.MaxCacheMarkers != 4 {
		t.Errorf("MaxCacheMarkers = %d, expected override 4", c.MaxCacheMarkers)
	}
}
