package tools

import "context"

// Owner executes the tools it registered. An error return is folded into the
// Result by the registry; it never stops the conversation.
type Owner interface {
	Execute(ctx context.Context, inv Invocation) (Result, error)
}

// OwnerFunc adapts a function to the Owner interface.
type OwnerFunc func(ctx context.Context, inv Invocation) (Result, error)

func (f OwnerFunc) Execute(ctx context.Context, inv Invocation) (Result, error) {
	return f(ctx, inv)
}
