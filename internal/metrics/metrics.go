package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "corates"

// Result labels shared by the outcome counters.
const (
	ResultSuccess   = "success"
	ResultRetry     = "retry"
	ResultExhausted = "exhausted"
	ResultDelivered = "delivered"
	ResultDropped   = "dropped"
	ResultRelayed   = "relayed"
	ResultQueued    = "queued"
)

var (
	// RoomsActive counts project rooms currently holding a live document.
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rooms_active",
		Help:      "Project rooms with a loaded document",
	})

	// ConnectionsActive counts open project sockets.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_active",
		Help:      "Open project WebSocket connections",
	})

	// UpdatesApplied counts updates integrated into live documents.
	// Labels: source (client, command, bridge)
	UpdatesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "updates_applied_total",
		Help:      "Updates applied to live project documents",
	}, []string{"source"})

	// PersistenceFailures counts failed appends and compactions.
	// Labels: operation (append, compact, load)
	PersistenceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "persistence_failures_total",
		Help:      "Failed persistence operations",
	}, []string{"operation"})

	// BridgeAttempts counts bridge delivery attempts.
	// Labels: result (success, retry, exhausted)
	BridgeAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bridge_attempts_total",
		Help:      "External sync bridge delivery attempts",
	}, []string{"result"})

	// Notifications counts user notification deliveries.
	// Labels: result (delivered, dropped, relayed)
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "User notification fanout outcomes",
	}, []string{"result"})

	// Propagations counts membership changes handed to the background
	// propagation queue.
	// Labels: result (queued, dropped)
	Propagations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "membership_propagations_total",
		Help:      "Membership changes queued for document and socket propagation",
	}, []string{"result"})

	// Compactions counts compaction passes that folded at least one update.
	Compactions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "compactions_total",
		Help:      "Compaction passes that produced a new snapshot",
	})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
