package loader

import (
	"context"
	"log/slog"
)

type scopeKey struct{}

// WithScope attaches a request scope to ctx.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// FromContext returns the request scope attached to ctx, if any.
func FromContext(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(*Scope)
	return s, ok && s != nil
}

// Factory creates scopes sharing one set of batch functions.
type Factory struct {
	cfg      Config
	fetchers map[string]BatchFunc
	opts     []Option
}

// NewFactory creates a Factory. The fetchers map is copied.
func NewFactory(cfg Config, fetchers map[string]BatchFunc, logger *slog.Logger, opts ...Option) *Factory {
	copied := make(map[string]BatchFunc, len(fetchers))
	for kind, fn := range fetchers {
		copied[kind] = fn
	}
	return &Factory{
		cfg:      cfg,
		fetchers: copied,
		opts:     append([]Option{WithLogger(logger)}, opts...),
	}
}

// NewScope creates a fresh scope for one request.
func (f *Factory) NewScope(ctx context.Context) *Scope {
	opts := append([]Option{WithFetchers(f.fetchers)}, f.opts...)
	return NewScope(ctx, f.cfg, opts...)
}

// Kinds returns the registered kinds.
func (f *Factory) Kinds() []string {
	kinds := make([]string, 0, len(f.fetchers))
	for kind := range f.fetchers {
		kinds = append(kinds, kind)
	}
	return kinds
}
