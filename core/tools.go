package orchestration

import (
	"context"
	"fmt"

	"github.com/koscakluka/ema-voice/core/llms"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type toolResponse struct {
	result string
	err    error
}

// callTool runs one tool call under the tool deadline. A tool that ignores
// its context is abandoned when the deadline passes; its late result is
// discarded.
func (w *workflow) callTool(ctx context.Context, toolCall llms.ToolCall) (string, error) {
	ctx, span := tracer.Start(ctx, "execute tool")
	defer span.End()
	span.SetAttributes(attribute.String("tool.name", toolCall.Name))

	fail := func(err error) (string, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	tool, ok := llms.FindTool(w.tools, toolCall.Name)
	if !ok {
		return fail(fmt.Errorf("%w: tool not found: %s", ErrUpstreamError, toolCall.Name))
	}

	ctx, cancel := context.WithTimeout(ctx, w.toolTimeout)
	defer cancel()

	done := make(chan toolResponse, 1)
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				done <- toolResponse{err: fmt.Errorf("tool %q panicked: %v", toolCall.Name, recovered)}
			}
		}()
		result, err := tool.Call(ctx, toolCall.Arguments)
		done <- toolResponse{result: result, err: err}
	}()

	select {
	case response := <-done:
		if response.err != nil {
			return fail(classifyUpstream(fmt.Errorf("failed to execute tool %q: %w", toolCall.Name, response.err)))
		}
		return response.result, nil
	case <-ctx.Done():
		return fail(classifyUpstream(fmt.Errorf("tool %q did not answer in time: %w", toolCall.Name, ctx.Err())))
	}
}
