// Package metrics exposes prometheus instruments for edits, undo traffic
// and the segmentation service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"labelcore/internal/eventhub"
	"labelcore/internal/history"
)

var (
	// EditsTotal counts edit reservations by outcome.
	EditsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labelcore_edits_total",
		Help: "Edit reservations by outcome",
	}, []string{"outcome"})

	// SnapshotsTotal counts snapshots recorded per owning store.
	SnapshotsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labelcore_snapshots_total",
		Help: "Undo snapshots recorded by owning store",
	}, []string{"owner"})

	// ReplaysTotal counts undo and redo steps.
	ReplaysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labelcore_history_replays_total",
		Help: "Undo and redo steps replayed",
	}, []string{"direction"})

	// GatewayRequests counts segmentation requests by action and result.
	GatewayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labelcore_segment_requests_total",
		Help: "Segmentation service requests by action and result",
	}, []string{"action", "result"})

	// GatewayDuration tracks segmentation round trips.
	GatewayDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "labelcore_segment_request_duration_seconds",
		Help:    "Segmentation service round trip in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
	}, []string{"action"})

	// ConnectedClients tracks websocket clients.
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "labelcore_ws_clients",
		Help: "Connected websocket clients",
	})
)

// ObserveGateway records one segmentation request.
func ObserveGateway(action string, started time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	GatewayRequests.WithLabelValues(action, result).Inc()
	GatewayDuration.WithLabelValues(action).Observe(time.Since(started).Seconds())
}

// WatchHistory counts undo bus traffic.
func WatchHistory(bus *eventhub.Bus[history.Event]) *eventhub.Subscription[history.Event] {
	return bus.Subscribe(func(e history.Event) {
		switch ev := e.(type) {
		case history.Committed:
			EditsTotal.WithLabelValues("committed").Inc()
		case history.Reverted:
			EditsTotal.WithLabelValues("reverted").Inc()
		case history.Recorded:
			SnapshotsTotal.WithLabelValues(ev.Snapshot.Owner).Inc()
		case history.Undone:
			ReplaysTotal.WithLabelValues("undo").Inc()
		case history.Redone:
			ReplaysTotal.WithLabelValues("redo").Inc()
		}
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
