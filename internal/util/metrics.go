package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PurchasesCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "purchases_created_total",
		Help: "Total number of purchases created",
	}, []string{"mode"})

	PurchasesFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "purchases_failed_total",
		Help: "Total number of failed purchase attempts",
	}, []string{"reason"})

	PurchasesCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "purchases_cancelled_total",
		Help: "Total number of cancelled purchases",
	})

	PurchasesExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "purchases_expired_total",
		Help: "Total number of purchases cancelled by the expiration job",
	})

	PurchasesCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "purchases_completed_total",
		Help: "Total number of purchases fulfilled to completion",
	})

	ReservationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reservation_latency_seconds",
		Help:    "Latency of basket reservation operations",
		Buckets: prometheus.DefBuckets,
	})

	PaymentsSucceededTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_succeeded_total",
		Help: "Total number of payments that reached succeeded",
	})

	PaymentsCanceledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_canceled_total",
		Help: "Total number of payments that reached canceled",
	})

	WebhooksReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_webhooks_received_total",
		Help: "Total number of gateway webhook deliveries",
	}, []string{"event"})

	GatewayRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_latency_seconds",
		Help:    "Latency of payment gateway calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
