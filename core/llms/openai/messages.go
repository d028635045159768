package openai

import (
	"github.com/google/uuid"
	"github.com/koscakluka/ema-voice/core/llms"
	"github.com/sashabaranov/go-openai"
)

func toOpenAIMessages(messages []llms.Message) []openai.ChatCompletionMessage {
	converted := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, message := range messages {
		msg := openai.ChatCompletionMessage{
			Role:       string(message.Role),
			Content:    message.Content,
			ToolCallID: message.ToolCallID,
		}
		for _, toolCall := range message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   toolCall.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      toolCall.Name,
					Arguments: toolCall.Arguments,
				},
			})
		}
		converted = append(converted, msg)
	}
	return converted
}

func toOpenAITools(definitions []llms.ToolDefinition) []openai.Tool {
	if len(definitions) == 0 {
		return nil
	}
	tools := make([]openai.Tool, 0, len(definitions))
	for _, definition := range definitions {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        definition.Name,
				Description: definition.Description,
				Parameters:  definition.Parameters,
			},
		})
	}
	return tools
}

func fromOpenAIToolCalls(toolCalls []openai.ToolCall) []llms.ToolCall {
	converted := make([]llms.ToolCall, 0, len(toolCalls))
	for _, toolCall := range toolCalls {
		id := toolCall.ID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		converted = append(converted, llms.ToolCall{
			ID:        id,
			Name:      toolCall.Function.Name,
			Arguments: toolCall.Function.Arguments,
		})
	}
	return converted
}
