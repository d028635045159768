package llms

import (
	"context"
	"fmt"
	"reflect"

	"github.com/bytedance/sonic"
	"github.com/invopop/jsonschema"
)

// ToolDefinition describes a tool to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  *jsonschema.Schema
}

// Tool is a capability the planner can invoke. New tools are added by
// implementing this interface.
type Tool interface {
	Definition() ToolDefinition
	Call(ctx context.Context, arguments string) (string, error)
}

type typedTool[T any] struct {
	definition ToolDefinition
	call       func(ctx context.Context, parameters T) (string, error)
}

// NewTool creates a tool whose parameter schema is reflected from T. The
// arguments the model sends are decoded into T before call is invoked.
func NewTool[T any](name, description string, call func(ctx context.Context, parameters T) (string, error)) Tool {
	return &typedTool[T]{
		definition: ToolDefinition{
			Name:        name,
			Description: description,
			Parameters:  ParametersSchema[T](),
		},
		call: call,
	}
}

// ParametersSchema reflects the JSON schema of T without $ref indirections.
func ParametersSchema[T any]() *jsonschema.Schema {
	reflector := jsonschema.Reflector{DoNotReference: true}
	var zero T
	typ := reflect.TypeOf(zero)
	if typ != nil && typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	schema := reflector.ReflectFromType(typ)
	schema.Version = ""
	return schema
}

func (t *typedTool[T]) Definition() ToolDefinition {
	return t.definition
}

func (t *typedTool[T]) Call(ctx context.Context, arguments string) (string, error) {
	var parameters T
	if arguments != "" {
		if err := sonic.UnmarshalString(arguments, &parameters); err != nil {
			return "", fmt.Errorf("malformed arguments for tool %q: %w", t.definition.Name, err)
		}
	}
	return t.call(ctx, parameters)
}

// FindTool returns the tool registered under name.
func FindTool(tools []Tool, name string) (Tool, bool) {
	for _, tool := range tools {
		if tool.Definition().Name == name {
			return tool, true
		}
	}
	return nil, false
}
