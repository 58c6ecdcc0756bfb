package tiles

import (
	"context"
	"errors"
	"log/slog"
)

// Layered tries sources fastest first. Bytes found in a slower layer are
// written back into every faster layer that implements Writer.
type Layered struct {
	layers []Source
	logger *slog.Logger
}

// NewLayered builds a layered source. Nil layers are skipped.
func NewLayered(logger *slog.Logger, layers ...Source) *Layered {
	l := &Layered{logger: logger}
	for _, s := range layers {
		if s != nil {
			l.layers = append(l.layers, s)
		}
	}
	return l
}

// Fetch implements Source.
func (l *Layered) Fetch(ctx context.Context, k Key) ([]byte, error) {
	var errs []error
	for i, src := range l.layers {
		data, err := src.Fetch(ctx, k)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				errs = append(errs, err)
			}
			continue
		}
		l.writeBack(ctx, k, data, l.layers[:i])
		return data, nil
	}
	if len(errs) == 0 {
		return nil, ErrNotFound
	}
	return nil, errors.Join(errs...)
}

func (l *Layered) writeBack(ctx context.Context, k Key, data []byte, faster []Source) {
	for _, src := range faster {
		w, ok := src.(Writer)
		if !ok {
			continue
		}
		if err := w.Store(ctx, k, data); err != nil && l.logger != nil {
			l.logger.Debug("tile_write_back_failed", "key", k.String(), "error", err)
		}
	}
}
