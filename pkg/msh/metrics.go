package msh

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesReceived counts inbound messages by ebMS kind.
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "as4",
			Subsystem: "msh",
			Name:      "messages_received_total",
			Help:      "Inbound messages by message kind",
		},
		[]string{"kind"}, // user_message, pull_request, receipt, error, none
	)

	// ResponsesSent counts decided responses by variant.
	ResponsesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "as4",
			Subsystem: "msh",
			Name:      "responses_total",
			Help:      "Responses by variant",
		},
		[]string{"kind"},
	)

	// ProtocolErrors counts ebMS errors raised while processing.
	ProtocolErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "as4",
			Subsystem: "msh",
			Name:      "protocol_errors_total",
			Help:      "ebMS errors raised by code",
		},
		[]string{"code"},
	)

	// Faults counts requests aborted without an ebMS response.
	Faults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "as4",
			Subsystem: "msh",
			Name:      "faults_total",
			Help:      "Requests answered with a SOAP fault",
		},
		[]string{"kind"},
	)

	// DuplicatesRejected counts messages rejected as duplicates.
	DuplicatesRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "as4",
			Subsystem: "msh",
			Name:      "duplicates_total",
			Help:      "Messages rejected as duplicates",
		},
	)

	// AsyncDeliveries counts asynchronous response deliveries.
	AsyncDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "as4",
			Subsystem: "msh",
			Name:      "async_deliveries_total",
			Help:      "Asynchronous response deliveries by result",
		},
		[]string{"result"}, // success, failed, no_url, no_response
	)

	// ProcessingDuration observes synchronous request handling time.
	ProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "as4",
			Subsystem: "msh",
			Name:      "processing_duration_seconds",
			Help:      "Time to handle an inbound request",
			Buckets:   prometheus.DefBuckets,
		},
	)
)
