// Package metrics defines the broker's Prometheus instruments. Metrics are
// registered on the default registry at init and exposed by each component's
// /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	IngressRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "herald_ingress_requests_total",
		Help: "Ingress submissions by HTTP status code.",
	}, []string{"status"})
	CertValidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "herald_ingress_certificate_validations_total",
		Help: "Client certificate validations at the ingress edge by result.",
	}, []string{"result"})
	QueueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "herald_queue_size",
		Help: "Current number of message ids waiting in the queue.",
	})

	MessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "herald_worker_messages_processed_total",
		Help: "Messages handled by a worker slot, by outcome.",
	}, []string{"worker_id", "outcome"})
	DeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "herald_worker_delivery_duration_seconds",
		Help:    "Duration of delivery calls.",
		Buckets: prometheus.DefBuckets,
	})
	QueueWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "herald_worker_queue_wait_seconds",
		Help:    "Time a message spent queued before a worker picked it up.",
		Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300, 900},
	})
	InFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "herald_worker_in_flight",
		Help: "Deliveries currently in flight in this worker process.",
	})

	CertsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "herald_ca_certificates_issued_total",
		Help: "Certificates issued by kind.",
	}, []string{"kind"})
	CertsRevoked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "herald_ca_certificates_revoked_total",
		Help: "Certificates revoked.",
	})

	StoreRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "herald_store_requests_total",
		Help: "Store API requests by route class and status code.",
	}, []string{"api", "status"})
)

// Delivery outcomes for MessagesProcessed.
const (
	OutcomeDelivered = "delivered"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeDropped   = "dropped"
)

// Certificate validation results for CertValidations.
const (
	ResultValid   = "valid"
	ResultRevoked = "revoked"
	ResultExpired = "expired"
	ResultMissing = "missing"
	ResultInvalid = "invalid"
)
