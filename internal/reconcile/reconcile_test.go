package reconcile

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/freeqd/freeqd/internal/channelreg"
	"github.com/freeqd/freeqd/internal/crdt"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReconcile_AdoptsTopicFounderAndOps(t *testing.T) {
	channels := channelreg.NewRegistry()
	doc := crdt.New("actor-1")
	ch, _ := channels.GetOrCreate("#room")

	if err := doc.SetTopic("#room", "welcome", "alice", "did:plc:alice", "peer-1"); err != nil {
		t.Fatalf("SetTopic: %v", err)
	}
	if err := doc.SetFounder("#room", "did:plc:alice"); err != nil {
		t.Fatalf("SetFounder: %v", err)
	}
	if err := doc.GrantOp("#room", "did:plc:bob", "did:plc:alice", "peer-1"); err != nil {
		t.Fatalf("GrantOp: %v", err)
	}

	loop := New(channels, doc, time.Second, time.Minute, discardLogger())
	loop.Reconcile()

	if got := ch.GetTopic().Text; got != "welcome" {
		t.Fatalf("topic = %q, want welcome", got)
	}
	if got := ch.Founder(); got != "did:plc:alice" {
		t.Fatalf("founder = %q, want did:plc:alice", got)
	}
	if !ch.IsDIDOp("did:plc:bob") {
		t.Fatal("expected bob to be reconciled as a DID op")
	}
}

func TestReconcile_RevocationPropagates(t *testing.T) {
	channels := channelreg.NewRegistry()
	doc := crdt.New("actor-1")
	ch, _ := channels.GetOrCreate("#room")
	ch.MergeDIDOp("did:plc:bob") // stale grant already mirrored locally

	loop := New(channels, doc, time.Second, time.Minute, discardLogger())
	loop.Reconcile()

	if ch.IsDIDOp("did:plc:bob") {
		t.Fatal("expected stale op grant (absent from crdt) to be cleared by reconciliation")
	}
}

func TestCompact_LogsAndClearsHistory(t *testing.T) {
	channels := channelreg.NewRegistry()
	doc := crdt.New("actor-1")
	if err := doc.SetTopic("#room", "hi", "alice", "", "peer-1"); err != nil {
		t.Fatalf("SetTopic: %v", err)
	}

	loop := New(channels, doc, time.Second, time.Minute, discardLogger())
	loop.Compact()

	if doc.Metrics().CompactionCount != 1 {
		t.Fatalf("CompactionCount = %d, want 1", doc.Metrics().CompactionCount)
	}
	if text, _, ok := doc.ChannelTopic("#room"); !ok || text != "hi" {
		t.Fatalf("topic after compaction = %q, ok=%v; want hi, true", text, ok)
	}
}
