package grok

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
)

const (
	toolWebSearch  = "web_search"
	toolCalculator = "calculator"
)

// ToolFunc executes a tool call with the arguments decoded from the
// model's JSON arguments
type ToolFunc func(ctx context.Context, args map[string]any) (string, error)

type registeredTool struct {
	definition openai.Tool
	fn         ToolFunc
}

// ToolRegistry holds the tools offered to the model
type ToolRegistry struct {
	mu     sync.RWMutex
	tools  map[string]registeredTool
	order  []string
	logger *slog.Logger
}

func NewToolRegistry(logger *slog.Logger) *ToolRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolRegistry{
		tools:  map[string]registeredTool{},
		logger: logger,
	}
}

// Register adds a tool, replacing any existing tool with the same name
func (r *ToolRegistry) Register(
	name string,
	description string,
	parameters jsonschema.Definition,
	fn ToolFunc,
) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = registeredTool{
		definition: openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        name,
				Description: description,
				Parameters:  parameters,
			},
		},
		fn: fn,
	}
	r.logger.Info("registered tool", "tool", name)
}

// Definitions returns tool definitions in registration order
func (r *ToolRegistry) Definitions() []openai.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]openai.Tool, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].definition)
	}
	return defs
}

// Execute runs the named tool. An error is only returned for unknown
// tools. Errors from the tool itself are returned as the result text,
// so the model can see what went wrong.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args map[string]any) (
	string,
	error,
) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("Tool '%s' not found.", name)
	}

	result, err := tool.fn(ctx, args)
	if err != nil {
		loggerFrom(ctx, r.logger).ErrorContext(
			ctx,
			"error executing tool",
			"tool", name,
			tint.Err(err),
		)
		return fmt.Sprintf("Error executing tool %s: %s", name, err.Error()), nil
	}
	return result, nil
}

// stringArg returns the named string argument, or an error if it's
// missing or not a string
func stringArg(args map[string]any, name string) (string, error) {
	v, ok := args[name]
	if !ok {
		return "", fmt.Errorf("missing required argument '%s'", name)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument '%s' must be a string", name)
	}
	return s, nil
}

// registerDefaultTools registers web_search and calculator
func registerDefaultTools(r *ToolRegistry, searcher Searcher, maxResults int) {
	r.Register(
		toolWebSearch,
		"Search the web for current information, news, or facts.",
		jsonschema.Definition{
			Type: jsonschema.Object,
			Properties: map[string]jsonschema.Definition{
				"query": {
					Type:        jsonschema.String,
					Description: "The search query, e.g. 'latest release of Python', 'weather in Tokyo'",
				},
			},
			Required: []string{"query"},
		},
		func(ctx context.Context, args map[string]any) (string, error) {
			query, err := stringArg(args, "query")
			if err != nil {
				return "", err
			}
			return searcher.Search(ctx, query, maxResults), nil
		},
	)

	r.Register(
		toolCalculator,
		"Evaluate a mathematical expression. Supports + - * / // ** %, "+
			"sin, cos, tan, sqrt, log, abs, round, ceil, floor, pi and e.",
		jsonschema.Definition{
			Type: jsonschema.Object,
			Properties: map[string]jsonschema.Definition{
				"expression": {
					Type:        jsonschema.String,
					Description: "The expression to evaluate, e.g. 'sqrt(16) * 2' or '2 ** 10'",
				},
			},
			Required: []string{"expression"},
		},
		func(_ context.Context, args map[string]any) (string, error) {
			expression, err := stringArg(args, "expression")
			if err != nil {
				return "", err
			}
			return Calculate(expression), nil
		},
	)
}
