// Package reqcache provides a small bounded cache scoped to a single
// request. It replaces process-wide memoization: every request gets its own
// cache through the context, so nothing outlives the request and nothing is
// shared between clinics.
package reqcache

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/labstack/echo/v4"
)

// DefaultSize bounds the number of entries kept per request.
const DefaultSize = 64

type contextKey struct{}

// Cache is a request-scoped key/value cache. It is safe for concurrent use
// by goroutines serving the same request.
type Cache struct {
	entries *lru.Cache[string, any]
}

// New creates a cache holding at most size entries.
func New(size int) *Cache {
	if size <= 0 {
		size = DefaultSize
	}
	entries, err := lru.New[string, any](size)
	if err != nil {
		// lru.New only fails for non-positive sizes, excluded above.
		panic(err)
	}
	return &Cache{entries: entries}
}

func (c *Cache) Get(key string) (any, bool) {
	return c.entries.Get(key)
}

func (c *Cache) Set(key string, value any) {
	c.entries.Add(key, value)
}

func (c *Cache) Len() int {
	return c.entries.Len()
}

// WithCache returns a context carrying c.
func WithCache(ctx context.Context, c *Cache) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// FromContext returns the request cache, or nil when none is attached.
func FromContext(ctx context.Context) *Cache {
	c, _ := ctx.Value(contextKey{}).(*Cache)
	return c
}

// Middleware attaches a fresh cache to every request.
func Middleware(size int) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := WithCache(c.Request().Context(), New(size))
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}
