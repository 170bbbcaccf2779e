package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PoolMetrics wraps prometheus collectors for writer pool observability.
// A nil *PoolMetrics is valid: every method is a no-op on a nil receiver,
// which lets the pool skip the "is metrics configured" check at every
// call site.
type PoolMetrics struct {
	getsTotal         prometheus.Counter
	createsTotal      prometheus.Counter
	createErrorsTotal prometheus.Counter
	returnsTotal      prometheus.Counter
	expiredTotal      prometheus.Counter
	lockSuccessTotal  prometheus.Counter
	lockBusyTotal     prometheus.Counter
	distressedTotal   prometheus.Counter
	rowsCommitted     prometheus.Counter
	cachedWriters     prometheus.Gauge
}

// NewPoolMetrics creates the pool collectors and registers them with reg.
// Panics if registration fails (duplicate registration is a programmer
// error, matching prometheus.MustRegister semantics).
func NewPoolMetrics(reg prometheus.Registerer) *PoolMetrics {
	m := &PoolMetrics{
		getsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meridian_writer_pool_gets_total",
			Help: "Writer acquisitions served from the pool's cache.",
		}),
		createsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meridian_writer_pool_creates_total",
			Help: "Writers constructed on demand by the pool.",
		}),
		createErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meridian_writer_pool_create_errors_total",
			Help: "Writer constructions that failed.",
		}),
		returnsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meridian_writer_pool_returns_total",
			Help: "Writers returned to the pool by their holders.",
		}),
		expiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meridian_writer_pool_expired_total",
			Help: "Idle writers reclaimed by the eviction job.",
		}),
		lockSuccessTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meridian_writer_pool_lock_success_total",
			Help: "Administrative locks acquired.",
		}),
		lockBusyTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meridian_writer_pool_lock_busy_total",
			Help: "Administrative lock attempts refused because the name was busy.",
		}),
		distressedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meridian_writer_pool_distressed_closes_total",
			Help: "Writers destroyed because rollback failed on return to the pool.",
		}),
		rowsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meridian_writer_rows_committed_total",
			Help: "Rows committed by table writers.",
		}),
		cachedWriters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meridian_writer_pool_cached_writers",
			Help: "Writers currently cached by the pool, idle or held.",
		}),
	}

	reg.MustRegister(
		m.getsTotal,
		m.createsTotal,
		m.createErrorsTotal,
		m.returnsTotal,
		m.expiredTotal,
		m.lockSuccessTotal,
		m.lockBusyTotal,
		m.distressedTotal,
		m.rowsCommitted,
		m.cachedWriters,
	)

	return m
}

// RecordGet counts a successful acquisition of a cached writer.
func (m *PoolMetrics) RecordGet() {
	if m == nil {
		return
	}
	m.getsTotal.Inc()
}

// RecordCreate counts a writer constructed on demand. The cached-writers
// gauge rises with it: a freshly constructed writer is immediately cached.
func (m *PoolMetrics) RecordCreate() {
	if m == nil {
		return
	}
	m.createsTotal.Inc()
	m.cachedWriters.Inc()
}

// RecordCreateError counts a failed writer construction.
func (m *PoolMetrics) RecordCreateError() {
	if m == nil {
		return
	}
	m.createErrorsTotal.Inc()
}

// RecordReturn counts a writer returned to the pool by its holder.
func (m *PoolMetrics) RecordReturn() {
	if m == nil {
		return
	}
	m.returnsTotal.Inc()
}

// RecordExpire counts an idle writer reclaimed by eviction.
func (m *PoolMetrics) RecordExpire() {
	if m == nil {
		return
	}
	m.expiredTotal.Inc()
}

// RecordLockSuccess counts an administrative lock acquisition.
func (m *PoolMetrics) RecordLockSuccess() {
	if m == nil {
		return
	}
	m.lockSuccessTotal.Inc()
}

// RecordLockBusy counts a refused administrative lock attempt.
func (m *PoolMetrics) RecordLockBusy() {
	if m == nil {
		return
	}
	m.lockBusyTotal.Inc()
}

// RecordDistressed counts a writer destroyed on a failed return.
func (m *PoolMetrics) RecordDistressed() {
	if m == nil {
		return
	}
	m.distressedTotal.Inc()
}

// RecordWriterInstalled counts a writer entering the cache from outside the
// create path (unlock-with-writer). Only the gauge moves.
func (m *PoolMetrics) RecordWriterInstalled() {
	if m == nil {
		return
	}
	m.cachedWriters.Inc()
}

// RecordWriterClosed decrements the cached-writers gauge when a cached
// writer is physically closed for any reason.
func (m *PoolMetrics) RecordWriterClosed() {
	if m == nil {
		return
	}
	m.cachedWriters.Dec()
}

// AddRowsCommitted counts rows committed by a table writer.
func (m *PoolMetrics) AddRowsCommitted(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.rowsCommitted.Add(float64(n))
}
