package cat

import (
	"context"
	"encoding/json"
	"fmt"
)

// ContextKey is the attachment/header field under which the transaction
// context travels across an RPC hop. Transport bindings on both sides of
// the wire must agree on it.
const ContextKey = "cat-transaction-context"

// TransactionContext is the wire-safe slice of a transaction that is
// propagated to remote participants.
type TransactionContext struct {
	TransID string `json:"trans_id"`
	Action  Action `json:"action"`
	Role    Role   `json:"role"`
}

// Transmitter receives the encoded context and attaches it to an outbound
// call, typically as a header or RPC attachment.
type Transmitter func(key, value string)

// Acquirer reads a previously attached value from an inbound call.
// It returns "" when the attachment is absent.
type Acquirer func(key string) string

// Transmit encodes the context and hands it to the transport binding. A
// LOCAL role is rewritten to INLINE so that the next hop recognizes the
// call as nested rather than top-level.
func Transmit(transmit Transmitter, tc *TransactionContext) error {
	if tc == nil {
		return nil
	}
	out := *tc
	if out.Role == RoleLocal {
		out.Role = RoleInline
	}
	data, err := json.Marshal(&out)
	if err != nil {
		return fmt.Errorf("failed to encode transaction context: %w", err)
	}
	transmit(ContextKey, string(data))
	return nil
}

// Acquire decodes an inbound transaction context. It returns nil with no
// error when the attachment is absent, meaning the call is not part of a
// distributed transaction.
func Acquire(acquire Acquirer) (*TransactionContext, error) {
	raw := acquire(ContextKey)
	if raw == "" {
		return nil, nil
	}
	tc := &TransactionContext{}
	if err := json.Unmarshal([]byte(raw), tc); err != nil {
		return nil, fmt.Errorf("failed to decode transaction context: %w", err)
	}
	return tc, nil
}

type ctxKey int

const (
	activeTxKey ctxKey = iota
	txContextKey
)

// WithTransaction stores the active transaction in the request context.
// The transaction is owned by the call path that started it and is
// dropped when that path returns.
func WithTransaction(ctx context.Context, tx *Transaction) context.Context {
	return context.WithValue(ctx, activeTxKey, tx)
}

// TransactionFrom returns the active transaction carried by the request
// context, if any.
func TransactionFrom(ctx context.Context) (*Transaction, bool) {
	tx, ok := ctx.Value(activeTxKey).(*Transaction)
	return tx, ok
}

// WithTransactionContext stores the propagated transaction context in the
// request context for nested calls on the same node.
func WithTransactionContext(ctx context.Context, tc *TransactionContext) context.Context {
	return context.WithValue(ctx, txContextKey, tc)
}

// TransactionContextFrom returns the propagated transaction context
// carried by the request context, if any.
func TransactionContextFrom(ctx context.Context) (*TransactionContext, bool) {
	tc, ok := ctx.Value(txContextKey).(*TransactionContext)
	return tc, ok
}
