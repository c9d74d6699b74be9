package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	holdsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reservation_holds_created_total",
		Help: "Total number of holds created.",
	})
	bookingsCommittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reservation_bookings_committed_total",
		Help: "Total number of holds committed into bookings.",
	})
	conflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservation_conflicts_total",
		Help: "Date range conflicts detected, by operation.",
	}, []string{"op"})
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservation_storage_retries_total",
		Help: "Retries caused by unavailable storage, by operation.",
	}, []string{"op"})
	opDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reservation_operation_seconds",
		Help:    "Latency of reservation operations including retries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op", "outcome"})
	breakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reservation_storage_breaker_state",
		Help: "Storage circuit breaker state: 0 closed, 1 half-open, 2 open.",
	})
)
