// Package metrics registers the Prometheus collectors for the citation
// streaming pipeline. Importing the package registers everything via promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Turn metrics
	TurnsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sumanize_turns_started_total",
			Help: "Total number of AI turns started",
		},
	)

	TurnsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sumanize_turns_completed_total",
			Help: "Total number of AI turns finished, by outcome",
		},
		[]string{"status"}, // completed|generator_error|timeout|abandoned
	)

	TurnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sumanize_turn_duration_seconds",
			Help:    "Wall-clock duration of one AI turn",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 45},
		},
	)

	// Streaming metrics
	ChunksPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sumanize_chunks_published_total",
			Help: "Total chunk events published to delivery channels",
		},
	)

	// Citation metrics
	CitationsParsed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sumanize_citations_parsed_total",
			Help: "Total citations extracted from model output",
		},
	)

	CitationsMatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sumanize_citations_matched_total",
			Help: "Citations resolved against a source document, by outcome",
		},
		[]string{"matched"}, // true|false
	)

	CitationStrategyHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sumanize_citation_strategy_hits_total",
			Help: "Which cascade strategy resolved a citation",
		},
		[]string{"strategy"}, // exact|case_insensitive|key_phrase|keyword_overlap|paragraph
	)

	CitationConfidence = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sumanize_citation_confidence",
			Help:    "Confidence of resolved citation spans",
			Buckets: []float64{0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	// Connection metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sumanize_ws_connections_active",
			Help: "Currently open WebSocket connections",
		},
	)

	ConnectionsTerminated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sumanize_ws_connections_terminated_total",
			Help: "Connections closed by the server, by reason",
		},
		[]string{"reason"}, // heartbeat|zombie|shutdown|validation
	)

	// Persistence metrics
	MessagesPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sumanize_messages_persisted_total",
			Help: "Chat messages written to the store",
		},
	)

	PersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sumanize_message_persist_failures_total",
			Help: "Failed message writes after retry",
		},
	)
)
