package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/tidwall/gjson"
)

const (
	anthropicDefaultMaxTokens = 4096
	anthropicMaxCacheMarkers  = 2

	// bedrockGuardrailAction is the response field Bedrock adds when a
	// guardrail rewrote or blocked the output.
	bedrockGuardrailAction = "amazon-bedrock-guardrailAction"
)

// AnthropicProvider speaks the canonical protocol natively. The same
// implementation serves the anthropic API directly and through Bedrock.
type AnthropicProvider struct {
	client anthropic.Client
	cfg    ProviderConfig
}

// NewAnthropicProvider creates a provider for the anthropic or bedrock kind.
func NewAnthropicProvider(ctx context.Context, cfg ProviderConfig) (*AnthropicProvider, error) {
	opts := []option.RequestOption{
		option.WithMaxRetries(0),
	}

	switch cfg.Kind {
	case KindBedrock:
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		opts = append(opts, bedrock.WithConfig(awsCfg))
	default:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic API key required")
		}
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}

	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Kind
	}

	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
		cfg:    cfg,
	}, nil
}

// Name returns the provider identifier.
func (p *AnthropicProvider) Name() string {
	return p.cfg.Name
}

// Capabilities reports prompt caching with a two-marker budget.
func (p *AnthropicProvider) Capabilities() Capabilities {
	markers := anthropicMaxCacheMarkers
	if p.cfg.MaxCacheMarkers > 0 {
		markers = p.cfg.MaxCacheMarkers
	}
	return Capabilities{PromptCache: true, MaxCacheMarkers: markers, Reasoning: true}
}

// Converse sends a single-shot request.
func (p *AnthropicProvider) Converse(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	params, opts, err := p.prepare(req)
	if err != nil {
		return nil, err
	}
	if p.cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(p.cfg.Timeout))
	}

	msg, err := p.client.Messages.New(ctx, params, opts...)
	if err != nil {
		return nil, p.backendError(err)
	}

	return &Response{
		Output:     Message{Role: RoleAssistant, Content: fromAnthropicContent(msg.Content)},
		StopReason: anthropicStopReason(string(msg.StopReason), msg.RawJSON()),
		Usage:      anthropicUsage(msg.Usage),
		Model:      string(msg.Model),
		Latency:    time.Since(start),
	}, nil
}

// ConverseStream sends a streaming request. Backend events already follow
// the canonical shape and are forwarded one for one.
func (p *AnthropicProvider) ConverseStream(ctx context.Context, req *Request) (<-chan Event, error) {
	params, opts, err := p.prepare(req)
	if err != nil {
		return nil, err
	}

	stream := p.client.Messages.NewStreaming(ctx, params, opts...)
	ch := make(chan Event)

	go func() {
		defer close(ch)
		defer stream.Close()

		out := emitter{ctx: ctx, ch: ch}
		var usage Usage
		stop := StopEndTurn

		for stream.Next() {
			var events []Event
			switch e := stream.Current().AsAny().(type) {
			case anthropic.MessageStartEvent:
				usage = anthropicUsage(e.Message.Usage)
				events = append(events, messageStartEvent())
			case anthropic.ContentBlockStartEvent:
				index := int(e.Index)
				switch e.ContentBlock.Type {
				case "tool_use":
					events = append(events, toolStartEvent(index, e.ContentBlock.ID, e.ContentBlock.Name))
				case "redacted_thinking":
					events = append(events, blockStartEvent(index),
						reasoningDeltaEvent(index, ReasoningDelta{RedactedContent: []byte(e.ContentBlock.Data)}))
				default:
					events = append(events, blockStartEvent(index))
				}
			case anthropic.ContentBlockDeltaEvent:
				index := int(e.Index)
				switch e.Delta.Type {
				case "text_delta":
					events = append(events, textDeltaEvent(index, e.Delta.Text))
				case "input_json_delta":
					events = append(events, toolDeltaEvent(index, e.Delta.PartialJSON))
				case "thinking_delta":
					events = append(events, reasoningDeltaEvent(index, ReasoningDelta{Text: e.Delta.Thinking}))
				case "signature_delta":
					events = append(events, reasoningDeltaEvent(index, ReasoningDelta{Signature: e.Delta.Signature}))
				}
			case anthropic.ContentBlockStopEvent:
				events = append(events, blockStopEvent(int(e.Index)))
			case anthropic.MessageDeltaEvent:
				stop = anthropicStopReason(string(e.Delta.StopReason), e.RawJSON())
				usage.OutputTokens = int(e.Usage.OutputTokens)
				usage = usage.withTotal()
			case anthropic.MessageStopEvent:
				events = append(events, messageStopEvent(stop))
			}
			if !out.emit(events...) {
				return
			}
		}

		if err := stream.Err(); err != nil {
			out.emit(failureEvents(p.backendError(err), usage)...)
			return
		}
		out.emit(metadataEvent(usage))
	}()

	return ch, nil
}

func (p *AnthropicProvider) prepare(req *Request) (anthropic.MessageNewParams, []option.RequestOption, error) {
	messages, err := toAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, nil, err
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.System},
		}
	}

	if len(req.Tools) > 0 {
		tools, err := toAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, nil, err
		}
		params.Tools = tools
		if req.ToolChoice != nil {
			params.ToolChoice = toAnthropicToolChoice(*req.ToolChoice)
		}
	}

	// Sampling parameters cannot be combined with extended thinking.
	if req.ThoughtBudget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamUnion{
			OfEnabled: &anthropic.ThinkingConfigEnabledParam{BudgetTokens: int64(req.ThoughtBudget)},
		}
	} else if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	return params, p.requestOptions(req.Model), nil
}

// requestOptions attaches the per-request headers: beta flags matched on
// the model id, and the guardrail for the bedrock transport.
func (p *AnthropicProvider) requestOptions(model string) []option.RequestOption {
	var opts []option.RequestOption
	if flags := betaFlags(p.cfg.Betas, model); len(flags) > 0 {
		opts = append(opts, option.WithHeader("anthropic-beta", strings.Join(flags, ",")))
	}
	if p.cfg.Kind == KindBedrock && p.cfg.Guardrail != nil {
		g := p.cfg.Guardrail
		opts = append(opts,
			option.WithHeader("X-Amzn-Bedrock-GuardrailIdentifier", g.Identifier),
			option.WithHeader("X-Amzn-Bedrock-GuardrailVersion", g.Version),
		)
		if g.Trace {
			opts = append(opts, option.WithHeader("X-Amzn-Bedrock-Trace", "ENABLED"))
		}
	}
	return opts
}

func (p *AnthropicProvider) backendError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &BackendError{Backend: p.cfg.Name, StatusCode: apiErr.StatusCode, Message: apiErr.Error(), Err: err}
	}
	return &BackendError{Backend: p.cfg.Name, Message: err.Error(), Err: err}
}

func betaFlags(rules []BetaRule, model string) []string {
	var flags []string
	seen := make(map[string]bool)
	for _, r := range rules {
		if r.Match == "" || !strings.Contains(model, r.Match) || seen[r.Flag] {
			continue
		}
		seen[r.Flag] = true
		flags = append(flags, r.Flag)
	}
	return flags
}

func toAnthropicMessages(msgs []Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for i, m := range msgs {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Content))
		for _, b := range m.Content {
			if b.CachePoint != nil {
				if !markCacheControl(blocks) {
					slog.Warn("cache marker dropped: no cacheable block before it", "message", i)
				}
				continue
			}
			block, ok := toAnthropicBlock(b)
			if ok {
				blocks = append(blocks, block)
			}
		}

		switch m.Role {
		case RoleUser:
			out = append(out, anthropic.NewUserMessage(blocks...))
		case RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		default:
			return nil, fmt.Errorf("%w: message[%d]: unknown role %q", ErrMalformedConversation, i, m.Role)
		}
	}
	return out, nil
}

// markCacheControl applies a cache marker to the nearest preceding block
// that can carry one. Thinking blocks cannot. It reports whether a block
// was marked.
func markCacheControl(blocks []anthropic.ContentBlockParamUnion) bool {
	cc := anthropic.NewCacheControlEphemeralParam()
	for i := len(blocks) - 1; i >= 0; i-- {
		b := &blocks[i]
		switch {
		case b.OfText != nil:
			b.OfText.CacheControl = cc
		case b.OfImage != nil:
			b.OfImage.CacheControl = cc
		case b.OfDocument != nil:
			b.OfDocument.CacheControl = cc
		case b.OfToolUse != nil:
			b.OfToolUse.CacheControl = cc
		case b.OfToolResult != nil:
			b.OfToolResult.CacheControl = cc
		default:
			continue
		}
		return true
	}
	return false
}

func toAnthropicBlock(b ContentBlock) (anthropic.ContentBlockParamUnion, bool) {
	switch b.Kind() {
	case KindText:
		return anthropic.NewTextBlock(*b.Text), true
	case KindImage:
		if b.Image.Source.Bytes == nil {
			return anthropic.ContentBlockParamUnion{}, false
		}
		return anthropic.NewImageBlockBase64(b.Image.MediaType(), b.Image.Source.Bytes.Base64()), true
	case KindDocument:
		return anthropicDocument(b.Document), true
	case KindToolUse:
		input := b.ToolUse.Input
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		return anthropic.NewToolUseBlock(b.ToolUse.ToolUseID, input, b.ToolUse.Name), true
	case KindToolResult:
		return anthropicToolResult(b.ToolResult), true
	case KindReasoning:
		r := b.ReasoningContent
		if r.RedactedContent != nil {
			return anthropic.NewRedactedThinkingBlock(string(r.RedactedContent.Bytes)), true
		}
		if r.ReasoningText != nil {
			return anthropic.NewThinkingBlock(r.ReasoningText.Signature, r.ReasoningText.Text), true
		}
	}
	return anthropic.ContentBlockParamUnion{}, false
}

func anthropicDocument(d *DocumentBlock) anthropic.ContentBlockParamUnion {
	var block anthropic.ContentBlockParamUnion
	switch {
	case d.Source.Bytes != nil && strings.EqualFold(d.Format, "pdf"):
		block = anthropic.NewDocumentBlock(anthropic.Base64PDFSourceParam{Data: d.Source.Bytes.Base64()})
	case d.Source.Bytes != nil:
		block = anthropic.NewDocumentBlock(anthropic.PlainTextSourceParam{Data: string(d.Source.Bytes.Bytes)})
	case d.Source.Text != nil:
		block = anthropic.NewDocumentBlock(anthropic.PlainTextSourceParam{Data: *d.Source.Text})
	default:
		block = anthropic.NewDocumentBlock(anthropic.PlainTextSourceParam{Data: ""})
	}
	if d.Name != "" && block.OfDocument != nil {
		block.OfDocument.Title = anthropic.String(d.Name)
	}
	return block
}

func anthropicToolResult(tr *ToolResultBlock) anthropic.ContentBlockParamUnion {
	param := anthropic.ToolResultBlockParam{ToolUseID: tr.ToolUseID}
	for _, c := range tr.Content {
		switch {
		case c.Text != nil:
			param.Content = append(param.Content, anthropic.ToolResultBlockParamContentUnion{
				OfText: &anthropic.TextBlockParam{Text: *c.Text},
			})
		case len(c.JSON) > 0:
			param.Content = append(param.Content, anthropic.ToolResultBlockParamContentUnion{
				OfText: &anthropic.TextBlockParam{Text: string(c.JSON)},
			})
		case c.Image != nil && c.Image.Source.Bytes != nil:
			img := anthropic.NewImageBlockBase64(c.Image.MediaType(), c.Image.Source.Bytes.Base64())
			param.Content = append(param.Content, anthropic.ToolResultBlockParamContentUnion{OfImage: img.OfImage})
		case c.Document != nil && c.Document.Source.Text != nil:
			param.Content = append(param.Content, anthropic.ToolResultBlockParamContentUnion{
				OfText: &anthropic.TextBlockParam{Text: *c.Document.Source.Text},
			})
		}
	}
	if tr.Status == ToolResultError {
		param.IsError = anthropic.Bool(true)
	}
	return anthropic.ContentBlockParamUnion{OfToolResult: &param}
}

func toAnthropicTools(specs []ToolSpec) ([]anthropic.ToolUnionParam, error) {
	tools := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		var schema struct {
			Properties any      `json:"properties"`
			Required   []string `json:"required"`
		}
		if len(spec.InputSchema) > 0 {
			if err := json.Unmarshal(spec.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("%w: tool %s: invalid input schema: %v", ErrInvalidRequest, spec.Name, err)
			}
		}

		tool := anthropic.ToolParam{
			Name: spec.Name,
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema.Properties,
				Required:   schema.Required,
			},
		}
		if spec.Description != "" {
			tool.Description = anthropic.String(spec.Description)
		}
		tools = append(tools, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return tools, nil
}

func toAnthropicToolChoice(tc ToolChoice) anthropic.ToolChoiceUnionParam {
	switch tc.Type {
	case ToolChoiceTool:
		return anthropic.ToolChoiceParamOfTool(tc.Name)
	case ToolChoiceAny:
		return anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
	default:
		return anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
	}
}

func fromAnthropicContent(blocks []anthropic.ContentBlockUnion) []ContentBlock {
	out := make([]ContentBlock, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text":
			out = append(out, NewText(b.Text))
		case "tool_use":
			out = append(out, NewToolUse(b.ID, b.Name, b.Input))
		case "thinking":
			out = append(out, ContentBlock{ReasoningContent: &ReasoningBlock{
				ReasoningText: &ReasoningText{Text: b.Thinking, Signature: b.Signature},
			}})
		case "redacted_thinking":
			out = append(out, ContentBlock{ReasoningContent: &ReasoningBlock{
				RedactedContent: &Blob{Bytes: []byte(b.Data)},
			}})
		}
	}
	return out
}

func anthropicUsage(u anthropic.Usage) Usage {
	return Usage{
		InputTokens:           int(u.InputTokens),
		OutputTokens:          int(u.OutputTokens),
		CacheReadInputTokens:  int(u.CacheReadInputTokens),
		CacheWriteInputTokens: int(u.CacheCreationInputTokens),
	}.withTotal()
}

// anthropicStopReason maps the backend stop reason. raw is the JSON of the
// message or message delta, inspected for Bedrock guardrail intervention.
func anthropicStopReason(reason, raw string) StopReason {
	if raw != "" && gjson.Get(raw, bedrockGuardrailAction).String() == "INTERVENED" {
		return StopGuardrailIntervened
	}
	switch reason {
	case "tool_use":
		return StopToolUse
	case "max_tokens":
		return StopMaxTokens
	case "stop_sequence":
		return StopSequence
	case "refusal":
		return StopContentFiltered
	default:
		return StopEndTurn
	}
}
