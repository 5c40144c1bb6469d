package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ohitslaurence/loom/internal/telemetry"
)

// AnthropicAdapter converts the provider-neutral schema to and from the
// Anthropic Messages API, including its streaming SSE dialect.
type AnthropicAdapter struct {
	client anthropic.Client
	logger *slog.Logger
}

func NewAnthropicAdapter(apiKey string, logger *slog.Logger) *AnthropicAdapter {
	return &AnthropicAdapter{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		logger: logger,
	}
}

func (a *AnthropicAdapter) toParams(req Request) anthropic.MessageNewParams {
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleUser, RoleTool:
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(m.Content)},
			})
		case RoleAssistant:
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(m.Content)},
			})
		}
	}

	tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
	for _, t := range req.Tools {
		tools = append(tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{Type: "object"},
			},
		})
	}

	maxTokens := int64(4096)
	if req.MaxTokens != nil {
		maxTokens = int64(*req.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: maxTokens,
		Messages:  messages,
		Tools:     tools,
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			params.System = []anthropic.TextBlockParam{{Text: m.Content}}
		}
	}
	return params
}

// Stream issues req and decodes Anthropic's streaming content-block
// events into provider-neutral Events, accumulating partial tool-call
// JSON by content-block index as each block streams in.
func (a *AnthropicAdapter) Stream(ctx context.Context, req Request, out chan<- Event) error {
	start := time.Now()
	defer func() {
		telemetry.LLMUpstreamRequestDuration.WithLabelValues("anthropic").Observe(time.Since(start).Seconds())
	}()

	params := a.toParams(req)
	stream := a.client.Messages.NewStreaming(ctx, params)

	acc := newToolCallAccumulator()
	var textBuf []byte
	var message anthropic.Message

	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			out <- Error(ErrorInvalidResponse, fmt.Sprintf("accumulating anthropic event: %v", err))
			return err
		}

		switch event.Type {
		case "content_block_start":
			block := event.ContentBlock
			if block.Type == "tool_use" {
				acc.start(int(event.Index), block.ID, block.Name)
			}
		case "content_block_delta":
			delta := event.Delta
			switch delta.Type {
			case "text_delta":
				textBuf = append(textBuf, delta.Text...)
				out <- TextDelta(delta.Text)
			case "input_json_delta":
				acc.append(int(event.Index), delta.PartialJSON)
				out <- ToolCallDelta("", "", delta.PartialJSON)
			}
		case "message_stop":
			toolCalls := acc.finish(func(id, name string) {
				a.logger.Warn("failed to parse anthropic tool call arguments", "call_id", id, "tool", name)
			})
			resp := Response{
				Message:      Message{Role: RoleAssistant, Content: string(textBuf)},
				ToolCalls:    toolCalls,
				FinishReason: string(message.StopReason),
				Usage: &Usage{
					InputTokens:  int(message.Usage.InputTokens),
					OutputTokens: int(message.Usage.OutputTokens),
				},
			}
			out <- Completed(resp)
		}
	}

	if err := stream.Err(); err != nil {
		out <- Error(ErrorUpstream, err.Error())
		return err
	}
	return nil
}
