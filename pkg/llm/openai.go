package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/ohitslaurence/loom/internal/telemetry"
)

// OpenAIAdapter converts the provider-neutral schema to and from the
// OpenAI Chat Completions API, including its streaming chunk dialect.
type OpenAIAdapter struct {
	client openai.Client
	logger *slog.Logger
}

func NewOpenAIAdapter(apiKey string, logger *slog.Logger) *OpenAIAdapter {
	return &OpenAIAdapter{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		logger: logger,
	}
}

func (a *OpenAIAdapter) toParams(req Request) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		case RoleUser:
			messages = append(messages, openai.UserMessage(m.Content))
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		case RoleTool:
			messages = append(messages, openai.ToolMessage(m.Content, m.ToolCallID))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}
	if req.MaxTokens != nil {
		params.MaxTokens = openai.Int(int64(*req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
			},
		})
	}
	return params
}

// Stream issues req and decodes OpenAI's streaming chat-completion chunks
// into provider-neutral Events, accumulating partial tool-call JSON by
// the chunk's tool_call index.
func (a *OpenAIAdapter) Stream(ctx context.Context, req Request, out chan<- Event) error {
	start := time.Now()
	defer func() {
		telemetry.LLMUpstreamRequestDuration.WithLabelValues("openai").Observe(time.Since(start).Seconds())
	}()

	params := a.toParams(req)
	stream := a.client.Chat.Completions.NewStreaming(ctx, params)

	acc := newToolCallAccumulator()
	var textBuf []byte
	var finishReason string
	var usage *Usage

	for stream.Next() {
		chunk := stream.Current()
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				textBuf = append(textBuf, choice.Delta.Content...)
				out <- TextDelta(choice.Delta.Content)
			}
			for _, tc := range choice.Delta.ToolCalls {
				idx := int(tc.Index)
				if tc.ID != "" {
					acc.start(idx, tc.ID, tc.Function.Name)
				}
				if tc.Function.Arguments != "" {
					acc.append(idx, tc.Function.Arguments)
					out <- ToolCallDelta(tc.ID, tc.Function.Name, tc.Function.Arguments)
				}
			}
			if choice.FinishReason != "" {
				finishReason = choice.FinishReason
			}
		}
		if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
			usage = &Usage{InputTokens: int(chunk.Usage.PromptTokens), OutputTokens: int(chunk.Usage.CompletionTokens)}
		}
	}

	if err := stream.Err(); err != nil {
		out <- Error(ErrorUpstream, err.Error())
		return err
	}

	toolCalls := acc.finish(func(id, name string) {
		a.logger.Warn("failed to parse openai tool call arguments", "call_id", id, "tool", name)
	})
	out <- Completed(Response{
		Message:      Message{Role: RoleAssistant, Content: string(textBuf)},
		ToolCalls:    toolCalls,
		FinishReason: finishReason,
		Usage:        usage,
	})
	return nil
}
