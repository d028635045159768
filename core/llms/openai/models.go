package openai

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ListModels returns the ids of the models the endpoint serves. It doubles as
// a connectivity check for a provider.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	ctx, span := tracer.Start(ctx, "list models")
	defer span.End()

	resp, err := c.client.ListModels(ctx)
	if err != nil {
		err = fmt.Errorf("list models: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	ids := make([]string, 0, len(resp.Models))
	for _, model := range resp.Models {
		ids = append(ids, model.ID)
	}
	span.SetAttributes(attribute.Int("response.models", len(ids)))
	return ids, nil
}
