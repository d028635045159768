package openai

import (
	"context"
	"fmt"

	"github.com/koscakluka/ema-voice/core/llms"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Complete sends a non-streaming request. When tools are given the model may
// answer with tool calls instead of (or next to) content.
func (c *Client) Complete(ctx context.Context, messages []llms.Message, tools []llms.ToolDefinition) (llms.Response, error) {
	ctx, span := tracer.Start(ctx, "complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("request.model", c.model),
		attribute.Int("request.messages", len(messages)),
		attribute.Int("request.tools", len(tools)),
	)

	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    toOpenAIMessages(messages),
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		Tools:       toOpenAITools(tools),
	}
	if len(req.Tools) > 0 {
		req.ToolChoice = "auto"
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		err = fmt.Errorf("chat completion: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return llms.Response{}, err
	}
	if len(resp.Choices) == 0 {
		err := fmt.Errorf("chat completion returned no choices")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return llms.Response{}, err
	}

	choice := resp.Choices[0]
	span.SetAttributes(
		attribute.String("response.finish_reason", string(choice.FinishReason)),
		attribute.Int("response.usage.total_tokens", resp.Usage.TotalTokens),
	)
	response := llms.Response{
		Content:   choice.Message.Content,
		ToolCalls: fromOpenAIToolCalls(choice.Message.ToolCalls),
	}
	toolNames := make([]string, 0, len(response.ToolCalls))
	for _, toolCall := range response.ToolCalls {
		toolNames = append(toolNames, toolCall.Name)
	}
	span.SetAttributes(attribute.StringSlice("response.tool_calls", toolNames))
	return response, nil
}
