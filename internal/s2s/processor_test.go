package s2s

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/freeqd/freeqd/internal/channelreg"
	"github.com/freeqd/freeqd/internal/crdt"
	"github.com/freeqd/freeqd/internal/dedup"
)

type fakeSink struct {
	deliveries []Delivery
}

func (s *fakeSink) Deliver(d Delivery) { s.deliveries = append(s.deliveries, d) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPeer(t *testing.T, id string) *Peer {
	t.Helper()
	client, _ := net.Pipe()
	return newPeer(id, "peer-"+id, client, discardLogger())
}

func newTestProcessor(requireDID bool) (*Processor, *channelreg.Registry, *crdt.Doc, *fakeSink) {
	channels := channelreg.NewRegistry()
	doc := crdt.New("local-actor")
	dedupWindow := dedup.New(time.Minute, 1024)
	sink := &fakeSink{}
	p := NewProcessor(channels, doc, dedupWindow, sink, requireDID, discardLogger())
	return p, channels, doc, sink
}

func TestProcessor_HandleJoin_AddsRemoteMember(t *testing.T) {
	p, channels, _, sink := newTestProcessor(false)
	peer := newTestPeer(t, "peer-a")

	payload, _ := marshalPayload(JoinPayload{Nick: "bob", Channel: "#room", DID: "did:plc:bob", IsOp: false})
	p.Handle(context.Background(), peer, Event{Type: EventJoin, EventID: "01EVT", Payload: payload})

	ch, ok := channels.Get("#room")
	if !ok {
		t.Fatal("expected #room to be created by the join event")
	}
	rm := ch.RemoteMembers()
	if _, ok := rm["bob"]; !ok {
		t.Fatal("expected bob to be recorded as a remote member")
	}
	if len(sink.deliveries) != 1 {
		t.Fatalf("expected one delivery, got %d", len(sink.deliveries))
	}
}

func TestProcessor_Handle_DedupsReplayedEvent(t *testing.T) {
	p, channels, _, sink := newTestProcessor(false)
	peer := newTestPeer(t, "peer-a")

	payload, _ := marshalPayload(JoinPayload{Nick: "bob", Channel: "#room"})
	ev := Event{Type: EventJoin, EventID: "01EVT", Payload: payload}

	p.Handle(context.Background(), peer, ev)
	p.Handle(context.Background(), peer, ev) // replay, must be dropped

	if len(sink.deliveries) != 1 {
		t.Fatalf("expected replay to be deduped, got %d deliveries", len(sink.deliveries))
	}
	_ = channels
}

func TestProcessor_HandleTopic_RejectsUnauthorizedWhenDIDRequired(t *testing.T) {
	p, channels, doc, sink := newTestProcessor(true)
	peer := newTestPeer(t, "peer-a")
	channels.GetOrCreate("#room")

	payload, _ := marshalPayload(TopicPayload{Channel: "#room", Text: "hello", SetBy: "mallory", SetByDID: "did:plc:mallory"})
	p.Handle(context.Background(), peer, Event{Type: EventTopic, EventID: "01T1", Payload: payload})

	if len(sink.deliveries) != 0 {
		t.Fatal("unauthorized topic change should not have been delivered")
	}
	if _, _, ok := doc.ChannelTopic("#room"); ok {
		t.Fatal("unauthorized topic change should not have been written to the CRDT")
	}
}

func TestProcessor_HandleTopic_AcceptsFounder(t *testing.T) {
	p, channels, doc, sink := newTestProcessor(true)
	peer := newTestPeer(t, "peer-a")
	channels.GetOrCreate("#room")
	if err := doc.SetFounder("#room", "did:plc:alice"); err != nil {
		t.Fatalf("SetFounder: %v", err)
	}

	payload, _ := marshalPayload(TopicPayload{Channel: "#room", Text: "hello", SetBy: "alice", SetByDID: "did:plc:alice"})
	p.Handle(context.Background(), peer, Event{Type: EventTopic, EventID: "01T2", Payload: payload})

	if len(sink.deliveries) != 1 {
		t.Fatal("founder's topic change should have been delivered")
	}
	text, _, ok := doc.ChannelTopic("#room")
	if !ok || text != "hello" {
		t.Fatalf("ChannelTopic = %q, ok=%v; want hello, true", text, ok)
	}
}

func TestProcessor_HandlePeerDisconnected_CleansGhosts(t *testing.T) {
	p, channels, _, _ := newTestProcessor(false)
	peer := newTestPeer(t, "peer-a")
	ch, _ := channels.GetOrCreate("#room")
	ch.AddRemoteMember("peer-a", "bob", "did:plc:bob", false)

	payload, _ := marshalPayload(PeerDisconnectedPayload{PeerID: "peer-a"})
	p.Handle(context.Background(), peer, Event{Type: EventPeerDisconnected, Payload: payload})

	rm := ch.RemoteMembers()
	if _, ok := rm["bob"]; ok {
		t.Fatal("expected bob to be removed after peer disconnect")
	}
}

func TestProcessor_HandleSyncRequest_RespondsWithAuthority(t *testing.T) {
	p, channels, doc, _ := newTestProcessor(false)
	ch, _ := channels.GetOrCreate("#room")
	ch.AddLocalMember("sess-1", "alice", "did:plc:alice")
	if err := doc.SetFounder("#room", "did:plc:alice"); err != nil {
		t.Fatalf("SetFounder: %v", err)
	}

	server, client := net.Pipe()
	peer := newPeer("peer-a", "peer-a", server, discardLogger())
	defer peer.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		peer.writeLoop(context.Background())
	}()

	p.Handle(context.Background(), peer, Event{Type: EventSyncRequest})

	buf := make([]byte, 4096)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("reading sync response: %v", err)
	}
	if n == 0 {
		t.Fatal("expected a non-empty sync response frame")
	}
	peer.Close()
	<-done
}
