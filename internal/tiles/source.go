package tiles

import (
	"context"
	"errors"
)

// ErrNotFound is returned by a Source that has no bytes for a key.
var ErrNotFound = errors.New("tile not found")

// Source returns encoded tile bytes.
type Source interface {
	Fetch(ctx context.Context, k Key) ([]byte, error)
}

// Writer is implemented by sources that can persist tiles fetched elsewhere.
type Writer interface {
	Store(ctx context.Context, k Key, data []byte) error
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, k Key) ([]byte, error)

// Fetch implements Source.
func (f SourceFunc) Fetch(ctx context.Context, k Key) ([]byte, error) {
	return f(ctx, k)
}
