package rpc

import "context"

type contextKey int

const (
	connIDKey contextKey = iota
	inBatchKey
)

// WithConnID tags a dispatch context with the originating connection id.
func WithConnID(ctx context.Context, id uint64) context.Context {
	return context.WithValue(ctx, connIDKey, id)
}

// ConnID extracts the originating connection id from a dispatch context.
func ConnID(ctx context.Context) (uint64, bool) {
	id, ok := ctx.Value(connIDKey).(uint64)
	return id, ok
}

// WithBatch marks a dispatch context as originating from a JSON-RPC batch.
// Some built-ins narrow their behavior inside batches (pattern subscribe is
// exact-topic only there).
func WithBatch(ctx context.Context) context.Context {
	return context.WithValue(ctx, inBatchKey, true)
}

// InBatch reports whether the dispatch originated from a batch element.
func InBatch(ctx context.Context) bool {
	in, _ := ctx.Value(inBatchKey).(bool)
	return in
}
