package cat

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
)

// HandlerFunc executes one registered confirm, cancel or notice callback.
// The args are the JSON-encoded arguments captured at enlistment time.
type HandlerFunc func(ctx context.Context, args json.RawMessage) (any, error)

// InvocationRegistry maps stable (class, method) keys to registered
// handler functions.
//
// Invocations are persisted across restarts, so the concrete function
// backing a callback cannot be serialized with them. The only stable
// identity an invocation carries is its key; every node therefore
// registers its handlers at startup so that recovery can re-drive
// callbacks loaded from storage without any runtime type inspection.
type InvocationRegistry struct {
	handlers *xsync.MapOf[string, HandlerFunc]
}

// NewInvocationRegistry creates an empty registry.
func NewInvocationRegistry() *InvocationRegistry {
	return &InvocationRegistry{
		handlers: xsync.NewMapOf[string, HandlerFunc](),
	}
}

// Register binds a handler to a (class, method) key.
func (r *InvocationRegistry) Register(targetClass, targetMethod string, fn HandlerFunc) error {
	if fn == nil {
		return fmt.Errorf("handler for %s#%s is nil", targetClass, targetMethod)
	}
	key := targetClass + "#" + targetMethod
	if _, loaded := r.handlers.LoadOrStore(key, fn); loaded {
		return fmt.Errorf("handler %s already registered", key)
	}
	return nil
}

// Invoke resolves and executes the handler for an invocation descriptor.
func (r *InvocationRegistry) Invoke(ctx context.Context, inv *Invocation) (any, error) {
	if inv == nil {
		return nil, nil
	}
	fn, ok := r.handlers.Load(inv.Key())
	if !ok {
		return nil, fmt.Errorf("no handler registered for %s", inv.Key())
	}
	return fn(ctx, inv.Args)
}
