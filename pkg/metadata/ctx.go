package metadata

import (
	"context"
)

// Metadata is the string key/value data travelling with a call context.
type Metadata map[string]string

type metadataKey struct{}

// NewContext returns ctx carrying md.
func NewContext(ctx context.Context, md Metadata) context.Context {
	return context.WithValue(ctx, metadataKey{}, md)
}

// FromContext extracts the metadata attached to ctx.
func FromContext(ctx context.Context) (Metadata, bool) {
	md, ok := ctx.Value(metadataKey{}).(Metadata)
	return md, ok
}

// Set returns a child context with key set to value. The parent's metadata
// is copied, not mutated, so contexts derived earlier keep their view.
func Set(ctx context.Context, key, value string) context.Context {
	md, _ := FromContext(ctx)
	next := make(Metadata, len(md)+1)
	for k, v := range md {
		next[k] = v
	}
	next[key] = value
	return NewContext(ctx, next)
}

// Get reads one metadata value from ctx.
func Get(ctx context.Context, key string) (string, bool) {
	md, ok := FromContext(ctx)
	if !ok {
		return "", false
	}
	v, ok := md[key]
	return v, ok
}
