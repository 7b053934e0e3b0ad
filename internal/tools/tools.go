// Package tools is the flat operation namespace exposed to external agents.
// Every call returns an envelope; failures are translated into error kinds
// and never propagate as panics or raw errors.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"binance-bot-fleet/internal/errs"
)

// Args are the decoded JSON arguments of one tool call.
type Args map[string]interface{}

// String extracts a required string argument.
func (a Args) String(key string) (string, error) {
	v, ok := a[key]
	if !ok {
		return "", errs.Newf(errs.KindToolArgs, "missing argument %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", errs.Newf(errs.KindToolArgs, "argument %q must be a non-empty string", key)
	}
	return s, nil
}

// OptString extracts an optional string argument, empty when absent.
func (a Args) OptString(key string) (string, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", errs.Newf(errs.KindToolArgs, "argument %q must be a string", key)
	}
	return s, nil
}

// Float extracts a required numeric argument. JSON numbers decode as float64.
func (a Args) Float(key string) (float64, error) {
	v, ok := a[key]
	if !ok {
		return 0, errs.Newf(errs.KindToolArgs, "missing argument %q", key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	}
	return 0, errs.Newf(errs.KindToolArgs, "argument %q must be a number", key)
}

// OptInt extracts an optional integer argument, def when absent.
func (a Args) OptInt(key string, def int) (int, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case int:
		return n, nil
	}
	return 0, errs.Newf(errs.KindToolArgs, "argument %q must be an integer", key)
}

// OptStrings extracts an optional string-array argument.
func (a Args) OptStrings(key string) ([]string, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return nil, nil
	}
	items, ok := v.([]interface{})
	if !ok {
		return nil, errs.Newf(errs.KindToolArgs, "argument %q must be an array of strings", key)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, errs.Newf(errs.KindToolArgs, "argument %q must be an array of strings", key)
		}
		out = append(out, s)
	}
	return out, nil
}

// Handler executes one tool call.
type Handler func(ctx context.Context, args Args) (interface{}, error)

// Tool is one registered operation.
type Tool struct {
	Name        string
	Description string
	Handler     Handler
}

// Result is the uniform call envelope.
type Result struct {
	OK        bool        `json:"ok"`
	Result    interface{} `json:"result,omitempty"`
	ErrorKind string      `json:"error_kind,omitempty"`
	Message   string      `json:"message,omitempty"`
}

// Registry maps tool names to handlers.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	log   zerolog.Logger
}

// NewRegistry returns an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]*Tool),
		log:   log.With().Str("component", "tools").Logger(),
	}
}

// Register adds or replaces a tool.
func (r *Registry) Register(tool *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = tool
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke runs a named tool and wraps the outcome in the envelope. Unknown
// names, bad arguments, handler errors and panics all come back as ok=false.
func (r *Registry) Invoke(ctx context.Context, name string, args Args) (result *Result) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.log.Error().Str("tool", name).Interface("panic", recovered).Msg("tool panicked")
			result = &Result{
				OK:        false,
				ErrorKind: string(errs.KindInternal),
				Message:   fmt.Sprintf("tool %s panicked", name),
			}
		}
	}()

	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return &Result{
			OK:        false,
			ErrorKind: string(errs.KindUnknownTool),
			Message:   fmt.Sprintf("unknown tool %q", name),
		}
	}
	if args == nil {
		args = Args{}
	}

	value, err := tool.Handler(ctx, args)
	if err != nil {
		r.log.Debug().Err(err).Str("tool", name).Msg("tool call failed")
		return &Result{
			OK:        false,
			ErrorKind: string(errs.KindOf(err)),
			Message:   err.Error(),
		}
	}
	return &Result{OK: true, Result: value}
}
