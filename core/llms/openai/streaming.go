package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"time"

	"github.com/koscakluka/ema-voice/core/llms"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Stream requests a streamed answer and yields content deltas as they
// arrive. Iteration stops at the first error, which is yielded last.
func (c *Client) Stream(ctx context.Context, messages []llms.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, span := tracer.Start(ctx, "stream")
		defer span.End()
		span.SetAttributes(
			attribute.String("request.model", c.model),
			attribute.Int("request.messages", len(messages)),
		)

		fail := func(err error) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			yield("", err)
		}

		requestStart := time.Now()
		stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
			Model:       c.model,
			Messages:    toOpenAIMessages(messages),
			Temperature: c.temperature,
			MaxTokens:   c.maxTokens,
			Stream:      true,
		})
		if err != nil {
			fail(fmt.Errorf("open completion stream: %w", err))
			return
		}
		defer stream.Close()

		firstToken := true
		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				fail(fmt.Errorf("receive completion chunk: %w", err))
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}

			content := chunk.Choices[0].Delta.Content
			if content == "" {
				continue
			}
			if firstToken {
				firstToken = false
				span.SetAttributes(attribute.Int64("response.first_token_ms", time.Since(requestStart).Milliseconds()))
			}
			if !yield(content, nil) {
				logger.Debug("stream consumer stopped early", "model", c.model)
				return
			}
		}
	}
}
