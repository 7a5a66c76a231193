package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Finish reasons newer than the constants exported by genai.
const (
	finishReasonBlocklist         genai.FinishReason = 7
	finishReasonProhibitedContent genai.FinishReason = 8
	finishReasonSPII              genai.FinishReason = 9
)

// GeminiProvider translates canonical conversations to the Gemini
// generateContent protocol and back.
type GeminiProvider struct {
	client *genai.Client
	cfg    ProviderConfig
}

// NewGeminiProvider creates a provider for the gemini kind.
func NewGeminiProvider(ctx context.Context, cfg ProviderConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key required")
	}

	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithEndpoint(cfg.BaseURL))
	}

	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	if cfg.Name == "" {
		cfg.Name = KindGemini
	}

	return &GeminiProvider{client: client, cfg: cfg}, nil
}

// Name returns the provider identifier.
func (p *GeminiProvider) Name() string {
	return p.cfg.Name
}

// Capabilities reports no prompt caching and no reasoning budget.
func (p *GeminiProvider) Capabilities() Capabilities {
	return Capabilities{}
}

// Close releases the underlying client connection.
func (p *GeminiProvider) Close() error {
	return p.client.Close()
}

// Converse sends a single-shot request.
func (p *GeminiProvider) Converse(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	greq, err := toGeminiRequest(req)
	if err != nil {
		return nil, err
	}

	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	cs := p.model(req.Model, greq).StartChat()
	cs.History = greq.history

	resp, err := cs.SendMessage(ctx, greq.parts...)
	if err != nil {
		var blocked *genai.BlockedError
		if !errors.As(err, &blocked) {
			return nil, p.backendError(err)
		}
		return blockedResponse(blocked, req.Model, time.Since(start)), nil
	}

	out := &Response{
		Output:  Message{Role: RoleAssistant},
		Model:   req.Model,
		Usage:   geminiUsage(resp.UsageMetadata),
		Latency: time.Since(start),
	}

	var finish genai.FinishReason
	var called bool
	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		finish = cand.FinishReason
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				block, ok := fromGeminiPart(part)
				if !ok {
					continue
				}
				called = called || block.ToolUse != nil
				out.Output.Content = append(out.Output.Content, block)
			}
		}
	}
	out.StopReason = geminiStopReason(finish, called)
	return out, nil
}

// ConverseStream sends a streaming request and translates the chunk stream
// into canonical events.
func (p *GeminiProvider) ConverseStream(ctx context.Context, req *Request) (<-chan Event, error) {
	greq, err := toGeminiRequest(req)
	if err != nil {
		// Reported in band like any other stream failure.
		ch := make(chan Event)
		go func() {
			defer close(ch)
			out := emitter{ctx: ctx, ch: ch}
			out.emit(failureEvents(fmt.Errorf("%w: %w", ErrTranslationFailure, err), Usage{})...)
		}()
		return ch, nil
	}

	cs := p.model(req.Model, greq).StartChat()
	cs.History = greq.history

	ch := make(chan Event)
	go func() {
		defer close(ch)
		iter := cs.SendMessageStream(ctx, greq.parts...)
		s := newGeminiStream(p.backendError)
		s.run(ctx, iter, ch)
	}()
	return ch, nil
}

func (p *GeminiProvider) model(name string, greq *geminiRequest) *genai.GenerativeModel {
	model := p.client.GenerativeModel(name)
	model.SystemInstruction = greq.system
	model.Tools = greq.tools
	model.ToolConfig = greq.toolConfig
	if greq.maxTokens > 0 {
		model.SetMaxOutputTokens(greq.maxTokens)
	}
	if greq.temperature != nil {
		model.SetTemperature(*greq.temperature)
	}
	return model
}

func (p *GeminiProvider) backendError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return &BackendError{Backend: p.cfg.Name, StatusCode: apiErr.Code, Message: apiErr.Message, Err: err}
	}
	return &BackendError{Backend: p.cfg.Name, Message: err.Error(), Err: err}
}

// geminiRequest is a canonical request translated for the chat API: the
// final user turn is sent as parts, everything before it is history. A
// conversation ending with the assistant goes out whole as history and the
// model continues from a placeholder user turn.
type geminiRequest struct {
	system      *genai.Content
	history     []*genai.Content
	parts       []genai.Part
	tools       []*genai.Tool
	toolConfig  *genai.ToolConfig
	maxTokens   int32
	temperature *float32
}

func toGeminiRequest(req *Request) (*geminiRequest, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("%w: conversation has no messages", ErrMalformedConversation)
	}

	// Gemini answers function calls by name, not id.
	names := make(map[string]string)
	for _, m := range req.Messages {
		for _, b := range m.Content {
			if b.ToolUse != nil {
				names[b.ToolUse.ToolUseID] = b.ToolUse.Name
			}
		}
	}

	greq := &geminiRequest{maxTokens: int32(req.MaxTokens)}
	if req.System != "" {
		greq.system = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		greq.temperature = &t
	}

	last := len(req.Messages) - 1
	if req.Messages[last].Role != RoleUser {
		last = len(req.Messages)
	}
	for i, m := range req.Messages {
		parts, err := toGeminiParts(m, names)
		if err != nil {
			return nil, fmt.Errorf("message[%d]: %w", i, err)
		}
		if i == last {
			greq.parts = parts
			continue
		}
		if len(parts) == 0 {
			continue
		}
		greq.history = append(greq.history, &genai.Content{Role: geminiRole(m.Role), Parts: parts})
	}
	if len(greq.parts) == 0 {
		greq.parts = []genai.Part{genai.Text(Placeholder)}
	}

	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, spec := range req.Tools {
			schema, err := geminiSchema(spec.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("%w: tool %s: %v", ErrInvalidRequest, spec.Name, err)
			}
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  schema,
			})
		}
		greq.tools = []*genai.Tool{{FunctionDeclarations: decls}}
		if req.ToolChoice != nil {
			greq.toolConfig = geminiToolConfig(*req.ToolChoice)
		}
	}

	return greq, nil
}

func geminiRole(r Role) string {
	if r == RoleAssistant {
		return "model"
	}
	return "user"
}

func toGeminiParts(m Message, names map[string]string) ([]genai.Part, error) {
	parts := make([]genai.Part, 0, len(m.Content))
	for _, b := range m.Content {
		switch b.Kind() {
		case KindText:
			parts = append(parts, genai.Text(*b.Text))
		case KindImage:
			if b.Image.Source.Bytes != nil {
				parts = append(parts, genai.Blob{MIMEType: b.Image.MediaType(), Data: b.Image.Source.Bytes.Bytes})
			}
		case KindDocument:
			switch {
			case b.Document.Source.Bytes != nil:
				parts = append(parts, genai.Blob{MIMEType: b.Document.MediaType(), Data: b.Document.Source.Bytes.Bytes})
			case b.Document.Source.Text != nil:
				parts = append(parts, genai.Text(*b.Document.Source.Text))
			}
		case KindToolUse:
			args, err := decodeArgs(b.ToolUse.Input)
			if err != nil {
				return nil, fmt.Errorf("%w: tool call %s: %v", ErrMalformedConversation, b.ToolUse.ToolUseID, err)
			}
			parts = append(parts, genai.FunctionCall{Name: b.ToolUse.Name, Args: args})
		case KindToolResult:
			name, ok := names[b.ToolResult.ToolUseID]
			if !ok {
				return nil, fmt.Errorf("%w: tool result %s has no matching tool call", ErrMalformedConversation, b.ToolResult.ToolUseID)
			}
			parts = append(parts, genai.FunctionResponse{Name: name, Response: toolResponse(b.ToolResult)})
		}
		// Reasoning and cache markers have no Gemini equivalent.
	}
	return parts, nil
}

func decodeArgs(input json.RawMessage) (map[string]any, error) {
	if len(input) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// toolResponse flattens tool result content into the object Gemini expects.
// A single JSON object is passed through as is.
func toolResponse(tr *ToolResultBlock) map[string]any {
	items := make([]any, 0, len(tr.Content))
	for _, c := range tr.Content {
		switch {
		case c.Text != nil:
			items = append(items, *c.Text)
		case len(c.JSON) > 0:
			var v any
			if err := json.Unmarshal(c.JSON, &v); err != nil {
				items = append(items, string(c.JSON))
				continue
			}
			items = append(items, v)
		case c.Document != nil && c.Document.Source.Text != nil:
			items = append(items, *c.Document.Source.Text)
		}
	}

	key := "content"
	if tr.Status == ToolResultError {
		key = "error"
	}
	if len(items) == 1 {
		if obj, ok := items[0].(map[string]any); ok && key == "content" {
			return obj
		}
		return map[string]any{key: items[0]}
	}
	return map[string]any{key: items}
}

func geminiToolConfig(tc ToolChoice) *genai.ToolConfig {
	cfg := &genai.FunctionCallingConfig{Mode: genai.FunctionCallingAuto}
	switch tc.Type {
	case ToolChoiceAny:
		cfg.Mode = genai.FunctionCallingAny
	case ToolChoiceTool:
		cfg.Mode = genai.FunctionCallingAny
		cfg.AllowedFunctionNames = []string{tc.Name}
	}
	return &genai.ToolConfig{FunctionCallingConfig: cfg}
}

func fromGeminiPart(part genai.Part) (ContentBlock, bool) {
	switch v := part.(type) {
	case genai.Text:
		return NewText(string(v)), true
	case genai.FunctionCall:
		return NewToolUse(newToolUseID(), v.Name, marshalArgs(v.Args)), true
	case *genai.FunctionCall:
		return NewToolUse(newToolUseID(), v.Name, marshalArgs(v.Args)), true
	}
	return ContentBlock{}, false
}

func marshalArgs(args map[string]any) json.RawMessage {
	if len(args) == 0 {
		return json.RawMessage("{}")
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}

// newToolUseID synthesizes an id; Gemini function calls carry none.
func newToolUseID() string {
	return "tooluse_" + uuid.NewString()
}

// geminiUsage maps usage metadata field by field. The prompt count already
// includes cached tokens, so the total is the backend's own.
func geminiUsage(m *genai.UsageMetadata) Usage {
	if m == nil {
		return Usage{}
	}
	u := Usage{
		InputTokens:          int(m.PromptTokenCount),
		OutputTokens:         int(m.CandidatesTokenCount),
		CacheReadInputTokens: int(m.CachedContentTokenCount),
		TotalTokens:          int(m.TotalTokenCount),
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	return u
}

// geminiStopReason maps a finish reason. STOP after a function call means
// the model is waiting on a tool.
func geminiStopReason(fr genai.FinishReason, calledTool bool) StopReason {
	switch fr {
	case genai.FinishReasonStop:
		if calledTool {
			return StopToolUse
		}
		return StopEndTurn
	case genai.FinishReasonMaxTokens:
		return StopMaxTokens
	case genai.FinishReasonSafety, genai.FinishReasonRecitation:
		return StopContentFiltered
	case finishReasonBlocklist, finishReasonProhibitedContent, finishReasonSPII:
		return StopGuardrailIntervened
	default:
		if calledTool {
			return StopToolUse
		}
		return StopEndTurn
	}
}

// blockedStopReason classifies a blocked response. A blocked prompt is a
// guardrail decision; a blocked candidate carries its own finish reason.
func blockedStopReason(be *genai.BlockedError) StopReason {
	if be.PromptFeedback != nil {
		return StopGuardrailIntervened
	}
	if be.Candidate != nil {
		return geminiStopReason(be.Candidate.FinishReason, false)
	}
	return StopContentFiltered
}

func blockedResponse(be *genai.BlockedError, model string, latency time.Duration) *Response {
	out := &Response{
		Output:     Message{Role: RoleAssistant},
		StopReason: blockedStopReason(be),
		Model:      model,
		Latency:    latency,
	}
	if be.Candidate != nil && be.Candidate.Content != nil {
		for _, part := range be.Candidate.Content.Parts {
			if block, ok := fromGeminiPart(part); ok {
				out.Output.Content = append(out.Output.Content, block)
			}
		}
	}
	return out
}
