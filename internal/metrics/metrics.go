// Package metrics is a thin wrapper over github.com/rcrowley/go-metrics,
// matching the NewRegisteredCounter/NewRegisteredGauge call shape used by
// core/vote/vote_pool.go in the teacher repo.
package metrics

import (
	gometrics "github.com/rcrowley/go-metrics"
)

// Counter is a monotonically-adjustable count.
type Counter interface {
	Inc(delta int64)
	Count() int64
}

// Gauge is an instantaneously-settable value.
type Gauge interface {
	Update(value int64)
	Value() int64
}

// NewRegisteredCounter creates and registers a new counter, or returns
// the existing one if name is already registered.
func NewRegisteredCounter(name string) Counter {
	return gometrics.GetOrRegisterCounter(name, gometrics.DefaultRegistry)
}

// NewRegisteredGauge creates and registers a new gauge, or returns the
// existing one if name is already registered.
func NewRegisteredGauge(name string) Gauge {
	return gometrics.GetOrRegisterGauge(name, gometrics.DefaultRegistry)
}
