package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RoleLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventctx_role_lookups_total",
			Help: "Role reads served by the resolver, by result (hit, miss, inert, empty_id).",
		},
		[]string{"result"},
	)

	RoleFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventctx_role_fetches_total",
			Help: "Network role fetches, by mode (normal, force) and outcome (success, failure, discarded).",
		},
		[]string{"mode", "outcome"},
	)

	SingleflightSharedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventctx_singleflight_shared_total",
			Help: "Callers that joined an in-flight fetch instead of issuing their own.",
		},
	)

	SyncMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventctx_sync_messages_total",
			Help: "Cross-context sync messages, by direction and action.",
		},
		[]string{"direction", "action"},
	)

	StoreOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventctx_store_operations_total",
			Help: "Durable store operations, by op and outcome.",
		},
		[]string{"op", "outcome"},
	)

	SessionTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventctx_session_transitions_total",
			Help: "Session lifecycle transitions.",
		},
		[]string{"transition"},
	)

	ActiveFeedConnectionsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventctx_feed_connections",
			Help: "Open role change feed WebSocket connections.",
		},
	)
)

func IncrementRoleLookup(result string) {
	RoleLookupsTotal.WithLabelValues(result).Inc()
}

func IncrementRoleFetch(mode, outcome string) {
	RoleFetchesTotal.WithLabelValues(mode, outcome).Inc()
}

func IncrementSingleflightShared() {
	SingleflightSharedTotal.Inc()
}

func IncrementSyncMessage(direction, action string) {
	SyncMessagesTotal.WithLabelValues(direction, action).Inc()
}

func IncrementStoreOperation(op, outcome string) {
	StoreOperationsTotal.WithLabelValues(op, outcome).Inc()
}

func IncrementSessionTransition(transition string) {
	SessionTransitionsTotal.WithLabelValues(transition).Inc()
}

func IncrementFeedConnections() {
	ActiveFeedConnectionsGauge.Inc()
}

func DecrementFeedConnections() {
	ActiveFeedConnectionsGauge.Dec()
}
