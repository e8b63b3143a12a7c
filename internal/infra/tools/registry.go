// Package tools is the capability map behind ports.ToolInvoker.
package tools

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"missionloop/internal/domain/mission/ports"
	"missionloop/internal/shared/logging"
)

// Tool is one registered capability.
type Tool interface {
	Spec() ports.ToolSpec
	Invoke(ctx context.Context, operation string, params map[string]any) ports.ToolResult
}

// FuncTool adapts a function to Tool. A returned error becomes an error
// result carrying the message.
type FuncTool struct {
	ToolSpec ports.ToolSpec
	Fn       func(ctx context.Context, operation string, params map[string]any) (map[string]any, error)
}

func (t FuncTool) Spec() ports.ToolSpec { return t.ToolSpec }

func (t FuncTool) Invoke(ctx context.Context, operation string, params map[string]any) ports.ToolResult {
	if t.Fn == nil {
		return ports.ToolResult{Status: ports.ToolStatusError, Message: "tool has no implementation"}
	}
	data, err := t.Fn(ctx, operation, params)
	if err != nil {
		return ports.ToolResult{Status: ports.ToolStatusError, Message: err.Error(), Data: data}
	}
	return ports.ToolResult{Status: ports.ToolStatusOK, Data: data}
}

// Registry resolves tools by name and enforces the invocation contract:
// unknown tools or operations are skipped, panics and timeouts become error
// results, and Invoke never returns an error.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	timeout time.Duration
	logger  logging.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithTimeout bounds each invocation. Zero disables the bound.
func WithTimeout(timeout time.Duration) RegistryOption {
	return func(r *Registry) {
		if timeout >= 0 {
			r.timeout = timeout
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(logger logging.Logger) RegistryOption {
	return func(r *Registry) {
		if !logging.IsNil(logger) {
			r.logger = logger
		}
	}
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:  make(map[string]Tool),
		logger: logging.NewComponentLogger("ToolRegistry"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

var _ ports.ToolInvoker = (*Registry)(nil)

// Register adds tool, rejecting blank or duplicate names.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("tool is nil")
	}
	name := strings.TrimSpace(tool.Spec().Name)
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = tool
	return nil
}

// MustRegister registers every tool and panics on conflict.
func (r *Registry) MustRegister(tools ...Tool) *Registry {
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			panic(err)
		}
	}
	return r
}

// Spec returns the spec of a registered tool.
func (r *Registry) Spec(name string) (ports.ToolSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[strings.TrimSpace(name)]
	if !ok {
		return ports.ToolSpec{}, false
	}
	return tool.Spec(), true
}

// List returns every spec sorted by name.
func (r *Registry) List() []ports.ToolSpec {
	r.mu.RLock()
	specs := make([]ports.ToolSpec, 0, len(r.tools))
	for _, tool := range r.tools {
		specs = append(specs, tool.Spec())
	}
	r.mu.RUnlock()
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Invoke runs name/operation with params.
func (r *Registry) Invoke(ctx context.Context, name, operation string, params map[string]any) ports.ToolResult {
	r.mu.RLock()
	tool, ok := r.tools[strings.TrimSpace(name)]
	r.mu.RUnlock()
	if !ok {
		return ports.ToolResult{Status: ports.ToolStatusSkipped, Message: fmt.Sprintf("unknown tool %q", name)}
	}
	spec := tool.Spec()
	if len(spec.Operations) > 0 && !slices.Contains(spec.Operations, operation) {
		return ports.ToolResult{
			Status:  ports.ToolStatusSkipped,
			Message: fmt.Sprintf("tool %q does not support operation %q", name, operation),
		}
	}

	callCtx := ctx
	cancel := func() {}
	if r.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, r.timeout)
	}
	defer cancel()

	logger := logging.FromContext(ctx, r.logger)
	done := make(chan ports.ToolResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("Tool %s panicked: %v\n%s", name, rec, debug.Stack())
				done <- ports.ToolResult{Status: ports.ToolStatusError, Message: fmt.Sprintf("tool panicked: %v", rec)}
			}
		}()
		done <- normalize(tool.Invoke(callCtx, operation, params))
	}()

	select {
	case result := <-done:
		return result
	case <-callCtx.Done():
		logger.Warn("Tool %s/%s abandoned: %v", name, operation, callCtx.Err())
		return ports.ToolResult{Status: ports.ToolStatusError, Message: fmt.Sprintf("tool %s timed out: %v", name, callCtx.Err())}
	}
}

func normalize(result ports.ToolResult) ports.ToolResult {
	switch result.Status {
	case ports.ToolStatusOK, ports.ToolStatusError, ports.ToolStatusSkipped:
	case "":
		result.Status = ports.ToolStatusOK
	default:
		result.Status = ports.ToolStatusError
	}
	return result
}
