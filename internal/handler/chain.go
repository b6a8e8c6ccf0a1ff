// Package handler implements ordered, predicate-filtered handler lists used
// by every workflow extension point.
package handler

import (
	"context"
	"slices"

	"github.com/pitabwire/worktrail/model"
)

// Subject is the instance a selector is evaluated against.
type Subject interface {
	State() string
	Closed() bool
	PendingTransition() string
	HasFlags(ctx context.Context, flags []string) (bool, error)
}

// Selector restricts a handler to instances in a particular situation. The
// zero Selector matches everything.
type Selector struct {
	State string
	Flags []string
	// Closed, when non-nil, must equal the record's closed flag.
	Closed *bool
	// PendingTransitions, when non-nil, requires a pending transition whose
	// name is in the list.
	PendingTransitions []string
}

// IsZero reports whether the selector matches every subject without
// inspecting it.
func (s Selector) IsZero() bool {
	return s.State == "" && s.Flags == nil && s.Closed == nil && s.PendingTransitions == nil
}

// Matches evaluates the selector. Flags are only computed when the selector
// names some.
func (s Selector) Matches(ctx context.Context, subj Subject) (bool, error) {
	if s.IsZero() {
		return true, nil
	}
	if s.State != "" && subj.State() != s.State {
		return false, nil
	}
	if len(s.Flags) > 0 {
		ok, err := subj.HasFlags(ctx, s.Flags)
		if err != nil || !ok {
			return false, err
		}
	}
	if s.Closed != nil && subj.Closed() != *s.Closed {
		return false, nil
	}
	if s.PendingTransitions != nil {
		pending := subj.PendingTransition()
		if pending == "" || !slices.Contains(s.PendingTransitions, pending) {
			return false, nil
		}
	}
	return true, nil
}

type entry[H any] struct {
	selector Selector
	handler  H
}

// Chain is a named list of handlers. Registration order defines precedence:
// later registrations override earlier ones.
type Chain[H any] struct {
	name    string
	entries []entry[H]
	sealed  bool
}

// NewChain creates an empty chain.
func NewChain[H any](name string) *Chain[H] {
	return &Chain[H]{name: name}
}

// Name returns the extension point name.
func (c *Chain[H]) Name() string {
	return c.name
}

// Len returns the number of registered handlers.
func (c *Chain[H]) Len() int {
	return len(c.entries)
}

// Register appends a handler. It fails once the chain is sealed.
func (c *Chain[H]) Register(sel Selector, h H) error {
	if c.sealed {
		return model.NewRegistrySealedError("handler for " + c.name)
	}
	c.entries = append(c.entries, entry[H]{selector: sel, handler: h})
	return nil
}

// Append registers a function-list handler that applies to every instance.
func (c *Chain[H]) Append(h H) error {
	return c.Register(Selector{}, h)
}

// Seal prevents further registration.
func (c *Chain[H]) Seal() {
	c.sealed = true
}

// Select returns the handlers whose selectors match subj, most recently
// registered first.
func (c *Chain[H]) Select(ctx context.Context, subj Subject) ([]H, error) {
	var selected []H
	for i := len(c.entries) - 1; i >= 0; i-- {
		ok, err := c.entries[i].selector.Matches(ctx, subj)
		if err != nil {
			return nil, err
		}
		if ok {
			selected = append(selected, c.entries[i].handler)
		}
	}
	return selected, nil
}

// Dispatch calls matching handlers in reverse registration order and returns
// the first defined result. A handler reports a defined result by returning
// true. An error aborts the dispatch.
func Dispatch[H, R any](ctx context.Context, c *Chain[H], subj Subject, call func(H) (R, bool, error)) (R, bool, error) {
	var zero R
	if c == nil {
		return zero, false, nil
	}
	for i := len(c.entries) - 1; i >= 0; i-- {
		e := c.entries[i]
		ok, err := e.selector.Matches(ctx, subj)
		if err != nil {
			return zero, false, err
		}
		if !ok {
			continue
		}
		r, defined, err := call(e.handler)
		if err != nil {
			return zero, false, err
		}
		if defined {
			return r, true, nil
		}
	}
	return zero, false, nil
}

// Notify calls every matching handler in reverse registration order. It is
// Dispatch for handlers that never produce a value.
func Notify[H any](ctx context.Context, c *Chain[H], subj Subject, call func(H) error) error {
	_, _, err := Dispatch(ctx, c, subj, func(h H) (struct{}, bool, error) {
		return struct{}{}, false, call(h)
	})
	return err
}

// Fold threads value through every handler in reverse registration order,
// each receiving the previous handler's result.
func Fold[H, V any](c *Chain[H], value V, apply func(H, V) (V, error)) (V, error) {
	if c == nil {
		return value, nil
	}
	for i := len(c.entries) - 1; i >= 0; i-- {
		v, err := apply(c.entries[i].handler, value)
		if err != nil {
			return value, err
		}
		value = v
	}
	return value, nil
}

// Deferred holds handlers chosen against an earlier state of the subject.
type Deferred[H any] struct {
	handlers []H
}

// Defer selects the handlers matching subj now. Run invokes them later in
// declaration order.
func (c *Chain[H]) Defer(ctx context.Context, subj Subject) (Deferred[H], error) {
	if c == nil {
		return Deferred[H]{}, nil
	}
	selected, err := c.Select(ctx, subj)
	if err != nil {
		return Deferred[H]{}, err
	}
	slices.Reverse(selected)
	return Deferred[H]{handlers: selected}, nil
}

// Len returns the number of deferred handlers.
func (d Deferred[H]) Len() int {
	return len(d.handlers)
}

// Run invokes the deferred handlers in declaration order, stopping at the
// first error.
func (d Deferred[H]) Run(call func(H) error) error {
	for _, h := range d.handlers {
		if err := call(h); err != nil {
			return err
		}
	}
	return nil
}
