package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Transport invokes the language model and returns the assembled assistant
// message.
type Transport interface {
	Invoke(ctx context.Context, req *Request) (*FinalMessage, error)
}

// TransportError wraps a failure reaching the model.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("llm transport: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// AnthropicTransport implements Transport on the Anthropic Messages API.
// Safe for concurrent use; each Invoke owns its own stream.
type AnthropicTransport struct {
	client    anthropic.Client
	logger    *slog.Logger
	model     string
	maxTokens int
}

// AnthropicConfig configures the transport.
type AnthropicConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

// NewAnthropicTransport creates the transport.
func NewAnthropicTransport(cfg AnthropicConfig, logger *slog.Logger) (*AnthropicTransport, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if logger == nil {
		logger = slog.Default()
	}
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicTransport{
		client:    anthropic.NewClient(options...),
		logger:    logger.With("component", "llm"),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}, nil
}

// Invoke calls the model. With OnProgress set the call streams and text
// deltas are forwarded as they arrive; either way the assembled final
// message is returned with blocks in emission order.
func (t *AnthropicTransport) Invoke(ctx context.Context, req *Request) (*FinalMessage, error) {
	params, err := t.buildParams(req)
	if err != nil {
		return nil, err
	}

	if req.OnProgress == nil {
		return t.invokeUnary(ctx, params)
	}
	return t.invokeStreaming(ctx, params, req.OnProgress)
}

func (t *AnthropicTransport) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = t.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = t.maxTokens
	}

	messages, err := convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

func (t *AnthropicTransport) invokeUnary(ctx context.Context, params anthropic.MessageNewParams) (*FinalMessage, error) {
	msg, err := t.client.Messages.New(ctx, params)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	final := &FinalMessage{StopReason: string(msg.StopReason)}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			final.Blocks = append(final.Blocks, TextBlock(block.Text))
		case "tool_use":
			toolUse := block.AsToolUse()
			final.Blocks = append(final.Blocks, Block{
				Type:  BlockToolUse,
				ID:    toolUse.ID,
				Name:  toolUse.Name,
				Input: json.RawMessage(toolUse.JSON.Input.Raw()),
			})
		}
	}
	if final.StopReason == "" {
		final.StopReason = StopEndTurn
	}
	return final, nil
}

// invokeStreaming consumes the SSE stream, forwarding text deltas and
// reassembling content blocks in order. Tool-use input JSON is accumulated
// across deltas and the block is delivered complete.
func (t *AnthropicTransport) invokeStreaming(ctx context.Context, params anthropic.MessageNewParams, onProgress func(string)) (*FinalMessage, error) {
	stream := t.client.Messages.NewStreaming(ctx, params)

	final := &FinalMessage{}
	var currentText strings.Builder
	var currentToolID, currentToolName string
	var currentToolInput strings.Builder
	inText := false
	inToolUse := false

	flushBlock := func() {
		if inText {
			final.Blocks = append(final.Blocks, TextBlock(currentText.String()))
			currentText.Reset()
			inText = false
		}
		if inToolUse {
			input := currentToolInput.String()
			if input == "" {
				input = "{}"
			}
			final.Blocks = append(final.Blocks, Block{
				Type:  BlockToolUse,
				ID:    currentToolID,
				Name:  currentToolName,
				Input: json.RawMessage(input),
			})
			currentToolInput.Reset()
			inToolUse = false
		}
	}

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "content_block_start":
			start := event.AsContentBlockStart()
			switch start.ContentBlock.Type {
			case "text":
				inText = true
			case "tool_use":
				toolUse := start.ContentBlock.AsToolUse()
				inToolUse = true
				currentToolID = toolUse.ID
				currentToolName = toolUse.Name
				currentToolInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					currentText.WriteString(delta.Text)
					onProgress(delta.Text)
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
				}
			}

		case "content_block_stop":
			flushBlock()

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Delta.StopReason != "" {
				final.StopReason = string(messageDelta.Delta.StopReason)
			}

		case "message_stop":
			flushBlock()
		}
	}

	if err := stream.Err(); err != nil {
		return nil, &TransportError{Err: err}
	}
	flushBlock()
	if final.StopReason == "" {
		final.StopReason = StopEndTurn
	}
	return final, nil
}

func convertMessages(messages []Message) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion
		for _, block := range msg.Blocks {
			switch block.Type {
			case BlockText:
				content = append(content, anthropic.NewTextBlock(block.Text))
			case BlockToolResult:
				content = append(content, anthropic.NewToolResultBlock(block.ToolUseID, block.Content, block.IsError))
			case BlockToolUse:
				var input map[string]any
				if len(block.Input) > 0 {
					if err := json.Unmarshal(block.Input, &input); err != nil {
						return nil, fmt.Errorf("invalid tool_use input for %s: %w", block.Name, err)
					}
				}
				content = append(content, anthropic.NewToolUseBlock(block.ID, input, block.Name))
			default:
				return nil, fmt.Errorf("unknown block type %q", block.Type)
			}
		}
		if msg.Role == RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertTools(tools []ToolDef) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("invalid schema for tool %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool definition for %s", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}
