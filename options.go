package meridian

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/meridian-db/meridian/internal/core"
	"github.com/meridian-db/meridian/internal/metrics"
)

// Option configures a Pool during construction via New.
//
// Several With* functions panic on invalid input (non-positive durations,
// nil values). These panics are intentional: option values are typically
// compile-time constants or package-level variables, so an invalid value
// indicates a programmer error rather than a runtime condition. The
// pattern mirrors [regexp.MustCompile] — fail fast during initialization
// instead of returning errors that would be universally fatal anyway.
type Option func(*core.PoolConfig)

// WithInactiveWriterTTL sets the age past which an idle cached writer is
// reclaimed by ReleaseInactive.
//
// Default: 10 minutes.
//
// Panics if d <= 0.
func WithInactiveWriterTTL(d time.Duration) Option {
	if d <= 0 {
		panic(fmt.Sprintf("meridian: inactive writer TTL must be greater than 0, got %v", d))
	}
	return func(c *core.PoolConfig) {
		c.InactiveWriterTTL = d
	}
}

// WithClock sets the microsecond time source used for release stamps and
// eviction deadlines. Intended for tests that drive eviction
// deterministically.
//
// Panics if clock is nil.
func WithClock(clock func() int64) Option {
	if clock == nil {
		panic("meridian: clock must not be nil")
	}
	return func(c *core.PoolConfig) {
		c.Clock = clock
	}
}

// WithListener sets the pool-event listener. Events are observability
// only: pool behaviour never depends on the listener's presence. The
// listener must be safe for concurrent use and return quickly.
//
// Panics if l is nil; omit the option instead.
func WithListener(l func(Event)) Option {
	if l == nil {
		panic("meridian: listener must not be nil")
	}
	return func(c *core.PoolConfig) {
		c.Listener = l
	}
}

// WithMetrics registers the pool's Prometheus collectors with reg and
// wires them into the pool.
//
// Panics if reg is nil, or if registration fails (duplicate collectors).
func WithMetrics(reg prometheus.Registerer) Option {
	if reg == nil {
		panic("meridian: metrics registerer must not be nil")
	}
	return func(c *core.PoolConfig) {
		c.Metrics = metrics.NewPoolMetrics(reg)
	}
}

// WithBus sets the engine message bus forwarded to writers. The default
// writer announces applied asynchronous commands on it.
//
// Panics if bus is nil; omit the option instead.
func WithBus(bus message.Publisher) Option {
	if bus == nil {
		panic("meridian: message bus must not be nil")
	}
	return func(c *core.PoolConfig) {
		c.Bus = bus
	}
}

// WithWriterFactory replaces the default on-disk writer factory. Intended
// for tests and for engines embedding an alternative storage format.
//
// Panics if f is nil.
func WithWriterFactory(f WriterFactory) Option {
	if f == nil {
		panic("meridian: writer factory must not be nil")
	}
	return func(c *core.PoolConfig) {
		c.Factory = f
	}
}

// WithLogger replaces the package-level logger used by the pool.
// Equivalent to SetLogger but scoped to construction call sites that
// configure everything in one place.
func WithLogger(l *slog.Logger) Option {
	return func(_ *core.PoolConfig) {
		core.SetLogger(l)
	}
}

// SetLogger replaces the package-level logger used by meridian. If l is
// nil, the logger resets to the default: slog.Default() with a component
// attribute. Safe to call concurrently with pool operations.
func SetLogger(l *slog.Logger) {
	core.SetLogger(l)
}
