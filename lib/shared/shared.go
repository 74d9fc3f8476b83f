// Package shared exposes an object owned by one side of a messenger to
// the other side. The owner serves method calls under "<namespace>#execute";
// the other side gets a stub whose methods turn into requests.
package shared

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/snowmerak/plughost/lib/messenger"
	"github.com/snowmerak/plughost/lib/protocol"
)

// Messenger is the part of *messenger.Messenger a shared object needs.
type Messenger interface {
	Handle(action string, h messenger.Handler) (unsubscribe func())
	Send(ctx context.Context, action string, payload any, opts ...messenger.SendOption) (json.RawMessage, error)
}

var _ Messenger = (*messenger.Messenger)(nil)

// Args are the JSON encoded arguments of a method call.
type Args []json.RawMessage

// Decode unmarshals argument i into v.
func (a Args) Decode(i int, v any) error {
	if i >= len(a) {
		return fmt.Errorf("missing argument %d", i)
	}
	return protocol.Unmarshal(a[i], v)
}

// Invoker calls one method on the owned object.
type Invoker[T any] func(ctx context.Context, impl T, args Args) (any, error)

// Interface describes a shareable type: the methods the owner serves and
// how a stub for the other side is built.
type Interface[T any] struct {
	Name    string
	Methods map[string]Invoker[T]
	Proxy   func(c Caller) T
}

// Caller issues method calls against the owner.
type Caller interface {
	Call(ctx context.Context, method string, args ...any) (json.RawMessage, error)
}

// Invoke calls method through c and decodes the result into R.
func Invoke[R any](ctx context.Context, c Caller, method string, args ...any) (R, error) {
	var out R
	raw, err := c.Call(ctx, method, args...)
	if err != nil {
		return out, err
	}
	if err := protocol.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("invalid result of %s: %w", method, err)
	}
	return out, nil
}

// call is the payload of an execute request.
type call struct {
	Name string            `json:"name"`
	Args []json.RawMessage `json:"args"`
}

// Action returns the messenger action a namespace is served under.
func Action(namespace string) string { return namespace + "#execute" }

// Class is one side of a shared object binding.
type Class[T any] struct {
	owner bool
	value T

	mu          sync.Mutex
	unsubscribe func()
}

// Own serves impl on m under namespace.
func Own[T any](m Messenger, namespace string, iface *Interface[T], impl T) *Class[T] {
	c := &Class[T]{
		owner: true,
		value: impl,
	}
	c.unsubscribe = m.Handle(Action(namespace), func(ctx context.Context, req *messenger.Request) (any, error) {
		var in call
		if err := req.Decode(&in); err != nil {
			return nil, err
		}
		invoke, ok := iface.Methods[in.Name]
		if !ok {
			return nil, fmt.Errorf("%s has no method %q", iface.Name, in.Name)
		}
		return invoke(ctx, impl, in.Args)
	})
	return c
}

// Use binds to the object the peer owns under namespace.
func Use[T any](m Messenger, namespace string, iface *Interface[T]) *Class[T] {
	return &Class[T]{
		value: iface.Proxy(&remote{m: m, action: Action(namespace)}),
	}
}

// Get returns the owned object in owner mode and the stub otherwise.
func (c *Class[T]) Get() T { return c.value }

// Owner reports whether this side owns the object.
func (c *Class[T]) Owner() bool { return c.owner }

// Close stops serving the object. It is a no-op in proxy mode.
func (c *Class[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
}

type remote struct {
	m      Messenger
	action string
}

func (r *remote) Call(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	in := call{Name: method, Args: make([]json.RawMessage, 0, len(args))}
	for _, arg := range args {
		raw, err := protocol.Marshal(arg)
		if err != nil {
			return nil, err
		}
		in.Args = append(in.Args, raw)
	}
	return r.m.Send(ctx, r.action, in)
}
