package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/meridian-db/meridian/internal/metrics"
)

// PoolConfig holds configuration for a writer Pool.
//
// Concurrency contract: all fields are immutable after NewPool returns.
// Pool operations read Root, Clock, Bus, Metrics, and Factory from any
// goroutine without synchronization, relying on this guarantee.
type PoolConfig struct {
	// Root is the filesystem root under which tables and their lock files
	// live.
	Root string

	// InactiveWriterTTL is the age past which an idle cached writer is
	// evictable by ReleaseInactive. Must be positive; NewPool applies no
	// default (the public meridian.New starts from 10 minutes).
	InactiveWriterTTL time.Duration

	// Clock is the microsecond time source used for release stamps and
	// eviction deadlines. Nil selects SystemMicroClock.
	Clock MicroClock

	// Listener receives structured pool events; may be nil.
	Listener Listener

	// Metrics is the Prometheus sink for pool counters; may be nil.
	Metrics *metrics.PoolMetrics

	// Bus is the engine message bus, forwarded to writers; may be nil.
	Bus message.Publisher

	// Factory opens writers on demand.
	Factory WriterFactory
}

// Validate checks all PoolConfig invariants and returns an error describing
// every violation found. It uses errors.Join to report multiple issues at
// once, allowing callers to fix all problems in a single pass.
func (c PoolConfig) Validate() error {
	var errs []error

	if c.Root == "" {
		errs = append(errs, errors.New("storage root must not be empty"))
	}
	if c.InactiveWriterTTL <= 0 {
		errs = append(errs, fmt.Errorf("inactive writer TTL must be greater than 0, got %s", c.InactiveWriterTTL))
	}
	if c.Factory == nil {
		errs = append(errs, errors.New("writer factory must not be nil"))
	}

	return errors.Join(errs...)
}
