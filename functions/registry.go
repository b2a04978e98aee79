// Package functions holds the tools offered to the model and answers its
// tool calls.
package functions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"google.golang.org/genai"

	"github.com/room4-2/livelink/messages"
)

// Handler runs a tool call. The returned value becomes the "output" of the
// function response.
type Handler func(ctx context.Context, args map[string]any) (any, error)

type entry struct {
	decl    *genai.FunctionDeclaration
	handler Handler
}

// Registry maps function names to declarations and handlers. It is owned
// by whoever builds the sessions and passed to them explicitly.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]entry
	logger  *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[string]entry),
		logger:  logger.With("component", "functions"),
	}
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(decl *genai.FunctionDeclaration, h Handler) error {
	if decl == nil || decl.Name == "" {
		return fmt.Errorf("function declaration needs a name")
	}
	if h == nil {
		return fmt.Errorf("function %s: nil handler", decl.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[decl.Name]; ok {
		return fmt.Errorf("function %s already registered", decl.Name)
	}
	r.entries[decl.Name] = entry{decl: decl, handler: h}
	r.order = append(r.order, decl.Name)
	return nil
}

// Names lists registered functions in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Tools returns the declarations for the setup frame. Nil when empty.
func (r *Registry) Tools() []*genai.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(r.order))
	for _, name := range r.order {
		decls = append(decls, r.entries[name].decl)
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// Respond runs one call. Unknown names and handler failures are reported
// to the model as an "error" response instead of failing the session.
func (r *Registry) Respond(ctx context.Context, call *genai.FunctionCall) *genai.FunctionResponse {
	resp := &genai.FunctionResponse{ID: call.ID, Name: call.Name}

	r.mu.RLock()
	e, ok := r.entries[call.Name]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("unknown function called", "name", call.Name, "id", call.ID)
		resp.Response = map[string]any{"error": "Unknown function: " + call.Name}
		return resp
	}

	out, err := e.handler(ctx, call.Args)
	if err != nil {
		r.logger.Warn("function failed", "name", call.Name, "id", call.ID, "error", err)
		resp.Response = map[string]any{"error": err.Error()}
		return resp
	}
	r.logger.Debug("function answered", "name", call.Name, "id", call.ID)
	resp.Response = map[string]any{"output": out}
	return resp
}

// RespondAll answers every call of a tool call message in order.
func (r *Registry) RespondAll(ctx context.Context, tc *messages.ToolCall) *messages.ToolResponse {
	out := &messages.ToolResponse{FunctionResponses: make([]*genai.FunctionResponse, 0, len(tc.FunctionCalls))}
	for _, call := range tc.FunctionCalls {
		if call == nil {
			continue
		}
		out.FunctionResponses = append(out.FunctionResponses, r.Respond(ctx, call))
	}
	return out
}
