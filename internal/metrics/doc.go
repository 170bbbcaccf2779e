// Package metrics exposes Prometheus collectors for the writer pool.
//
// Every pool operation that changes observable state increments a counter
// here: acquisitions, writer constructions (and construction failures),
// returns to the pool, idle expirations, administrative lock outcomes, and
// distressed closes. A gauge tracks the number of writers currently cached.
// All methods are nil-receiver safe so the pool can run without metrics.
package metrics
