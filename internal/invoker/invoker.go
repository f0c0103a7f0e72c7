// Package invoker calls the implementation behind a selected variant.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Invocation is one call to a variant implementation. Arguments have already
// passed schema validation.
type Invocation struct {
	ProcessName string
	VariantID   string
	Target      string
	Arguments   interface{}
	TraceID     string
}

// Invoker runs an invocation and returns the implementation's payload.
//
// Business failures reported by the implementation are returned as *Error.
// Failures to reach the implementation are returned as *UnavailableError.
// A context deadline is returned as-is so the caller can report a timeout.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (interface{}, error)
}

// Func adapts a function to the Invoker interface.
type Func func(ctx context.Context, inv Invocation) (interface{}, error)

func (f Func) Invoke(ctx context.Context, inv Invocation) (interface{}, error) {
	return f(ctx, inv)
}

// ErrUnknownTarget is wrapped by UnavailableError when no implementation is
// registered for a target.
var ErrUnknownTarget = errors.New("no implementation registered for target")

// Error is a failure reported by the implementation itself. Payload is the
// implementation's own error body and is passed to the caller untouched.
type Error struct {
	Target  string
	Status  int
	Message string
	Payload interface{}
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("implementation %s failed with status %d: %s", e.Target, e.Status, e.Message)
	}
	return fmt.Sprintf("implementation %s failed: %s", e.Target, e.Message)
}

// UnavailableError means the implementation could not be reached.
type UnavailableError struct {
	Target string
	Err    error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("implementation %s unavailable: %v", e.Target, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Scheme returns the scheme of a target ("local" for "local:resolve",
// "https" for "https://host/x") or "" when the target has none.
func Scheme(target string) string {
	i := strings.IndexByte(target, ':')
	if i <= 0 || strings.ContainsAny(target[:i], "/.") {
		return ""
	}
	return strings.ToLower(target[:i])
}

// Mux routes invocations to an Invoker by target scheme.
type Mux struct {
	routes   map[string]Invoker
	fallback Invoker
}

// NewMux creates a Mux. Targets without a registered scheme go to fallback.
func NewMux(fallback Invoker) *Mux {
	return &Mux{routes: make(map[string]Invoker), fallback: fallback}
}

// Handle registers inv for scheme.
func (m *Mux) Handle(scheme string, inv Invoker) {
	m.routes[strings.ToLower(scheme)] = inv
}

func (m *Mux) Invoke(ctx context.Context, inv Invocation) (interface{}, error) {
	if route, ok := m.routes[Scheme(inv.Target)]; ok {
		return route.Invoke(ctx, inv)
	}
	if m.fallback == nil {
		return nil, &UnavailableError{Target: inv.Target, Err: ErrUnknownTarget}
	}
	return m.fallback.Invoke(ctx, inv)
}
