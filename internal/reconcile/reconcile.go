// Package reconcile runs the two background loops that keep the CRDT
// document and the in-memory channel registry converged: the
// reconciliation loop (topic, founder, and DID-op adoption from CRDT into
// the registry) and the compaction loop (periodic history collapse and
// metrics logging).
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/freeqd/freeqd/internal/channelreg"
	"github.com/freeqd/freeqd/internal/crdt"
)

// Loop owns both background tickers. Both are safe to run concurrently;
// neither ever blocks on client I/O.
type Loop struct {
	channels *channelreg.Registry
	doc      *crdt.Doc
	logger   *slog.Logger

	reconcileInterval time.Duration
	compactInterval   time.Duration
}

// New creates a Loop. reconcileInterval and compactInterval mirror
// FederationConfig.ReconcileInterval and FederationConfig.CompactInterval.
func New(channels *channelreg.Registry, doc *crdt.Doc, reconcileInterval, compactInterval time.Duration, logger *slog.Logger) *Loop {
	return &Loop{
		channels:          channels,
		doc:               doc,
		logger:            logger,
		reconcileInterval: reconcileInterval,
		compactInterval:   compactInterval,
	}
}

// Run drives both tickers until ctx is canceled. Intended to be started
// as its own goroutine from the server's top-level supervisor.
func (l *Loop) Run(ctx context.Context) {
	reconcileTicker := time.NewTicker(l.reconcileInterval)
	defer reconcileTicker.Stop()
	compactTicker := time.NewTicker(l.compactInterval)
	defer compactTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reconcileTicker.C:
			l.Reconcile()
		case <-compactTicker.C:
			l.Compact()
		}
	}
}

// Reconcile adopts durable CRDT authority facts into every known
// channel's registry entry: topic, founder (a registry founder with no
// CRDT record yet is left in place), the full DID-op set, and the local
// op set (see reconcileOps).
func (l *Loop) Reconcile() {
	for _, name := range l.channels.Names() {
		ch, ok := l.channels.Get(name)
		if !ok {
			continue
		}
		l.reconcileChannel(name, ch)
	}
}

func (l *Loop) reconcileChannel(name string, ch *channelreg.Channel) {
	if text, setBy, ok := l.doc.ChannelTopic(name); ok {
		current := ch.GetTopic()
		if current.Text != text || current.SetBy != setBy {
			ch.SetTopic(text, setBy)
		}
	}

	if founder, ok := l.doc.Founder(name); ok {
		if ch.Founder() != founder {
			ch.SetFounder(founder)
		}
	} else if ch.Founder() != "" && !ch.IsEmptyAndTrivial() {
		// The CRDT holds no founder record for a channel the registry
		// believes has one — never happens in steady state (SetFounder
		// never retracts), so this only fires on a newly created local
		// registry entry whose founder hasn't reached the CRDT yet.
		// Leave the registry's in-flight value alone; the next tick
		// will pick up the CRDT's value once the write lands.
		l.logger.Debug("founder present in registry but not yet in crdt", "channel", name)
	}

	dids, err := l.doc.ChannelDIDOps(name)
	if err != nil {
		l.logger.Error("listing channel did ops during reconciliation", "channel", name, "err", err)
		return
	}
	ch.ReplaceDIDOps(dids)

	l.reconcileOps(ch)
}

// reconcileOps re-evaluates the local ephemeral op set against DID
// authority: a local session whose DID is the founder or a DID-op gains
// +o if it doesn't already hold it, and a session with no DID authority
// loses +o once any authority-backed op exists somewhere in the channel.
// Orphan prevention: a strip is undone immediately if it would leave the
// channel with no op anywhere (ephemeral, DID, or remote).
func (l *Loop) reconcileOps(ch *channelreg.Channel) {
	founder := ch.Founder()
	members := ch.LocalMemberDIDs()

	for sid, did := range members {
		if did == "" {
			continue
		}
		if (did == founder || ch.IsDIDOp(did)) && !ch.IsOp(sid) {
			ch.GrantOp(sid)
		}
	}

	authorityExists := false
	for _, did := range members {
		if did != "" && (did == founder || ch.IsDIDOp(did)) {
			authorityExists = true
		}
	}
	for _, m := range ch.RemoteMembers() {
		if m.IsOp {
			authorityExists = true
		}
	}
	if !authorityExists {
		return
	}

	for sid, did := range members {
		if !ch.IsOp(sid) {
			continue
		}
		if did != "" && (did == founder || ch.IsDIDOp(did)) {
			continue
		}
		ch.RevokeOp(sid)
		if !ch.HasAnyOp() {
			ch.GrantOp(sid)
		}
	}
}

// Compact collapses the CRDT document's internal history and logs the
// resulting metrics. Safe to call on a schedule much less frequent than
// Reconcile — compaction clears peer sync state, forcing a resync, so it
// should not run so often that peers never converge.
func (l *Loop) Compact() {
	if err := l.doc.Compact(); err != nil {
		l.logger.Error("crdt compaction failed", "err", err)
		return
	}
	m := l.doc.Metrics()
	l.logger.Info("crdt compacted",
		"change_count", m.ChangeCount,
		"last_save_size", m.LastSaveSize,
		"compaction_count", m.CompactionCount,
	)
}
