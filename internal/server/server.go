// Package server wires together every freeqd component — the client
// connection hub, the S2S federation manager, the CRDT reconciliation
// loop, and the client-facing transport listeners — into one supervised
// process. cmd/freeqd's serve subcommand is a thin CLI shell around this
// package.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/freeqd/freeqd/internal/channelreg"
	"github.com/freeqd/freeqd/internal/config"
	"github.com/freeqd/freeqd/internal/conn"
	"github.com/freeqd/freeqd/internal/crdt"
	"github.com/freeqd/freeqd/internal/dedup"
	"github.com/freeqd/freeqd/internal/identity"
	"github.com/freeqd/freeqd/internal/metrics"
	"github.com/freeqd/freeqd/internal/reconcile"
	"github.com/freeqd/freeqd/internal/s2s"
	"github.com/freeqd/freeqd/internal/sasl"
	"github.com/freeqd/freeqd/internal/store"
	"github.com/freeqd/freeqd/internal/transport"
)

// dedupWindowTTL and dedupWindowSize bound the sliding (origin, event_id)
// dedup window shared by the S2S processor.
const (
	dedupWindowTTL  = 5 * time.Minute
	dedupWindowSize = 20000

	// metricsObserveInterval is how often the CRDT, session and S2S peer
	// gauges are refreshed from their underlying counters.
	metricsObserveInterval = 15 * time.Second
)

// Server owns every long-running component of one freeqd instance.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	channels *channelreg.Registry
	doc      *crdt.Doc
	idents   *identity.Binding
	auth     *sasl.Authenticator
	store    store.Store

	hub        *conn.Hub
	manager    *s2s.Manager
	reconciler *reconcile.Loop
	clientSrv  *transport.Server
}

// New constructs every component from cfg but starts nothing. serverID is
// this instance's S2S identity; it is usually the fingerprint of the
// federation TLS certificate, computed by the caller once keys are
// loaded (see cmd/freeqd's serve command).
func New(cfg *config.Config, serverID string, s2sTLSConfig *tls.Config, clientTLSConfig *tls.Config, logger *slog.Logger) (*Server, error) {
	idleTimeout, err := cfg.Server.IdleTimeoutParsed()
	if err != nil {
		return nil, err
	}
	pingInterval, err := cfg.Server.PingIntervalParsed()
	if err != nil {
		return nil, err
	}
	reconcileInterval, err := cfg.Federation.ReconcileIntervalParsed()
	if err != nil {
		return nil, err
	}
	compactInterval, err := cfg.Federation.CompactIntervalParsed()
	if err != nil {
		return nil, err
	}
	webTokenTTL, err := cfg.Auth.WebTokenTTLParsed()
	if err != nil {
		return nil, err
	}

	channels := channelreg.NewRegistry()
	doc := crdt.New(serverID)
	idents := identity.New()
	auth := sasl.New(identity.NewDirectoryResolver(), webTokenTTL, cfg.Auth.MaxSASLFailures)
	backing := store.NewMemoryStore()

	hubCfg := conn.Config{
		ServerName:       cfg.Server.Name,
		MOTD:             splitMOTD(cfg.Server.MOTD),
		OperPassword:     cfg.Server.OperPassword,
		IdleTimeout:      idleTimeout,
		PingInterval:     pingInterval,
		MaxLineBytes:     cfg.Server.MaxLineBytes,
		HistoryRingLimit: cfg.Server.HistoryRingLimit,
		RequireDIDForOps: cfg.Federation.RequireDIDForOps,
		RateLimitPerSec:  cfg.Server.RateLimitPerSec,
		RateBurst:        cfg.Server.RateBurst,
		BotTokenHashes:   cfg.Auth.BotTokenHashes,
	}

	peers, err := parsePeerAddrs(cfg.Federation.Peers)
	if err != nil {
		return nil, err
	}

	var s2sTransport s2s.Transport
	if cfg.Listen.QUIC != "" {
		if s2sTLSConfig == nil {
			return nil, fmt.Errorf("federation QUIC listener configured but no TLS certificate loaded")
		}
		s2sTransport = s2s.NewQUICTransport(cfg.Listen.QUIC, s2sTLSConfig)
	}

	hub := conn.NewHub(hubCfg, channels, doc, idents, auth, nil, logger.With("component", "conn"))

	dedupWindow := dedup.New(dedupWindowTTL, dedupWindowSize)
	processor := s2s.NewProcessor(channels, doc, dedupWindow, hub, cfg.Federation.RequireDIDForOps, logger.With("component", "s2s"))

	var manager *s2s.Manager
	if s2sTransport != nil {
		manager = s2s.NewManager(s2sTransport, peers, serverID, cfg.Server.Name, processor, logger.With("component", "s2s"))
		hub.SetPeers(manager)
	}

	reconciler := reconcile.New(channels, doc, reconcileInterval, compactInterval, logger.With("component", "reconcile"))

	clientSrv := transport.New(transport.Listeners{Plain: cfg.Listen.Plain, TLS: cfg.Listen.TLS}, clientTLSConfig, hub, logger.With("component", "transport"))

	return &Server{
		cfg:        cfg,
		logger:     logger,
		channels:   channels,
		doc:        doc,
		idents:     idents,
		auth:       auth,
		store:      backing,
		hub:        hub,
		manager:    manager,
		reconciler: reconciler,
		clientSrv:  clientSrv,
	}, nil
}

// Run starts every component and blocks until ctx is canceled or a fatal
// component error occurs, at which point every other component is
// stopped as well.
func (s *Server) Run(ctx context.Context) error {
	if err := s.restoreSnapshot(ctx); err != nil {
		s.logger.Warn("could not restore persisted snapshot, starting empty", "err", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.clientSrv.Run(ctx) })

	g.Go(func() error {
		s.reconciler.Run(ctx)
		return nil
	})

	if s.manager != nil {
		g.Go(func() error { return s.manager.Run(ctx) })
	}

	if s.cfg.Metrics.Enabled {
		g.Go(func() error { return metrics.StartServer(ctx, s.cfg.Metrics.Listen) })
	}

	g.Go(func() error {
		ticker := time.NewTicker(metricsObserveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				metrics.ObserveCRDT(s.doc.Metrics())
				metrics.SessionsActive.Set(float64(s.hub.SessionCount()))
				if s.manager != nil {
					metrics.S2SPeersConnected.Set(float64(len(s.manager.Peers())))
				}
			}
		}
	})

	return g.Wait()
}

// restoreSnapshot reads any previously persisted channel/identity records
// and logs how many were found. The records are not applied to the
// channel registry, CRDT document or identity bindings. The reference
// store is purely in-memory, so on a cold start it is always empty.
func (s *Server) restoreSnapshot(ctx context.Context) error {
	records, err := s.store.LoadAllChannels(ctx)
	if err != nil {
		return fmt.Errorf("loading persisted channels: %w", err)
	}
	s.logger.Info("restored channel snapshot", "count", len(records))

	idents, err := s.store.LoadAllIdentities(ctx)
	if err != nil {
		return fmt.Errorf("loading persisted identities: %w", err)
	}
	s.logger.Info("restored identity snapshot", "count", len(idents))
	return nil
}

func splitMOTD(motd string) []string {
	if motd == "" {
		return nil
	}
	return strings.Split(motd, "\n")
}

// parsePeerAddrs parses "host:port@fingerprint" entries from
// FederationConfig.Peers into PeerAddr values.
func parsePeerAddrs(raw []string) ([]s2s.PeerAddr, error) {
	peers := make([]s2s.PeerAddr, 0, len(raw))
	for _, entry := range raw {
		addr, fp, ok := strings.Cut(entry, "@")
		if !ok || addr == "" || fp == "" {
			return nil, fmt.Errorf("invalid federation peer entry %q, want host:port@fingerprint", entry)
		}
		peers = append(peers, s2s.PeerAddr{Addr: addr, PinnedFingerprint: fp})
	}
	return peers, nil
}
