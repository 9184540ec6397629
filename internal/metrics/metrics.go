// Package metrics exposes freeqd's Prometheus instrumentation: the CRDT
// store's change/sync/compaction counters, S2S peer queue depths, and
// connected-session gauges. A single package-level Registry is shared by
// every collector so cmd/freeqd only has to mount one HTTP handler.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/freeqd/freeqd/internal/crdt"
)

const namespace = "freeqd"

// Registry is freeqd's dedicated collector registry, kept separate from
// prometheus.DefaultRegisterer so tests can construct throwaway Docs and
// Hubs without colliding on metric registration.
var Registry = prometheus.NewRegistry()

var (
	SessionsActive = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "conn",
		Name:      "sessions_active",
		Help:      "Number of currently connected client sessions.",
	})

	CRDTChangeCount = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "crdt",
		Name:      "change_count",
		Help:      "Total changes applied to the CRDT document: local writes and received sync messages.",
	})

	CRDTSyncMessages = promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "crdt",
		Name:      "sync_messages_total",
		Help:      "Sync messages exchanged with federation peers.",
	}, []string{"direction"})

	CRDTSyncBytes = promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "crdt",
		Name:      "sync_bytes_total",
		Help:      "Sync message bytes exchanged with federation peers.",
	}, []string{"direction"})

	CRDTCompactionCount = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "crdt",
		Name:      "compaction_count",
		Help:      "Number of times the CRDT document has been compacted.",
	})

	S2SPeersConnected = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "s2s",
		Name:      "peers_connected",
		Help:      "Number of currently connected federation peers.",
	})

	// S2SQueueDepth is registered, but no component sets it, so it
	// exports no series.
	S2SQueueDepth = promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "s2s",
		Name:      "peer_queue_depth",
		Help:      "Outbound event queue depth per federation peer.",
	}, []string{"peer"})
)

// ObserveCRDT copies a crdt.Metrics snapshot into the exported gauges. It
// is cheap enough to call from the reconcile loop's compaction tick.
func ObserveCRDT(m crdt.Metrics) {
	CRDTChangeCount.Set(float64(m.ChangeCount))
	CRDTSyncMessages.WithLabelValues("sent").Set(float64(m.SyncMessagesSent))
	CRDTSyncMessages.WithLabelValues("received").Set(float64(m.SyncMessagesReceived))
	CRDTSyncBytes.WithLabelValues("sent").Set(float64(m.SyncBytesSent))
	CRDTSyncBytes.WithLabelValues("received").Set(float64(m.SyncBytesReceived))
	CRDTCompactionCount.Set(float64(m.CompactionCount))
}

// Handler returns the HTTP handler serving the Registry in Prometheus
// exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// StartServer runs a standalone metrics HTTP server on addr until ctx is
// canceled, shutting down gracefully.
func StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
