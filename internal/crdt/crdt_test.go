package crdt

import (
	"testing"
)

func TestSetFounder_MinActorWins(t *testing.T) {
	docA := New("aaa")
	docB := New("bbb")

	if err := docA.SetFounder("#ch", "did:plc:alice"); err != nil {
		t.Fatalf("docA.SetFounder: %v", err)
	}
	if err := docB.SetFounder("#ch", "did:plc:bob"); err != nil {
		t.Fatalf("docB.SetFounder: %v", err)
	}

	// No sync happens here; docB's write stays local to docB. This asserts
	// the local compare-before-write guard: docA's founder record, written
	// by actor aaa, is not overwritten by a second write whose actor is not
	// strictly smaller (here the same actor, aaa), even if told to overwrite.
	if err := docA.SetFounder("#ch", "did:plc:mallory"); err != nil {
		t.Fatalf("second SetFounder on docA: %v", err)
	}
	founder, ok := docA.Founder("#ch")
	if !ok || founder != "did:plc:alice" {
		t.Fatalf("docA founder = %q (ok=%v), want did:plc:alice (written by smaller actor)", founder, ok)
	}
}

// TestSetFounder_MinActorWins_RealSync performs a genuine automerge sync
// round-trip between two independently-created docs that each set a
// conflicting founder before ever exchanging a message, mirroring
// founder_deterministic_min_actor in the original Rust implementation:
// both sides must converge on the founder written by the lexicographically
// smaller actor ID ("server-1" < "server-2"), and the founder must survive
// the merge rather than being lost.
func TestSetFounder_MinActorWins_RealSync(t *testing.T) {
	doc1 := New("server-1")
	doc2 := New("server-2")

	if err := doc1.SetFounder("#test", "did:plc:alice"); err != nil {
		t.Fatalf("doc1.SetFounder: %v", err)
	}
	if err := doc2.SetFounder("#test", "did:plc:bob"); err != nil {
		t.Fatalf("doc2.SetFounder: %v", err)
	}

	for i := 0; i < 10; i++ {
		msg, err := doc1.GenerateSyncMessage("server-2")
		if err != nil {
			t.Fatalf("doc1.GenerateSyncMessage: %v", err)
		}
		if msg != nil {
			if err := doc2.ReceiveSyncMessage("server-1", msg); err != nil {
				t.Fatalf("doc2.ReceiveSyncMessage: %v", err)
			}
		}
		msg, err = doc2.GenerateSyncMessage("server-1")
		if err != nil {
			t.Fatalf("doc2.GenerateSyncMessage: %v", err)
		}
		if msg != nil {
			if err := doc1.ReceiveSyncMessage("server-2", msg); err != nil {
				t.Fatalf("doc1.ReceiveSyncMessage: %v", err)
			}
		}
	}

	f1, ok1 := doc1.Founder("#test")
	f2, ok2 := doc2.Founder("#test")
	if !ok1 || !ok2 {
		t.Fatalf("founder must not be lost: doc1 ok=%v, doc2 ok=%v", ok1, ok2)
	}
	if f1 != f2 {
		t.Fatalf("founders must converge: doc1=%q, doc2=%q", f1, f2)
	}
	if f1 != "did:plc:alice" {
		t.Fatalf("founder = %q, want did:plc:alice (written by smaller actor server-1)", f1)
	}
}

// TestSetFounder_NotOverwrittenAfterSync mirrors founder_not_overwritten_after_sync:
// a founder set on one side and synced to a peer that never wrote its own
// founder must show up unchanged on the receiving side.
func TestSetFounder_NotOverwrittenAfterSync(t *testing.T) {
	doc1 := New("server-1")
	doc2 := New("server-2")

	if err := doc1.SetFounder("#test", "did:plc:alice"); err != nil {
		t.Fatalf("doc1.SetFounder: %v", err)
	}

	for i := 0; i < 10; i++ {
		msg, err := doc1.GenerateSyncMessage("server-2")
		if err != nil {
			t.Fatalf("doc1.GenerateSyncMessage: %v", err)
		}
		if msg != nil {
			if err := doc2.ReceiveSyncMessage("server-1", msg); err != nil {
				t.Fatalf("doc2.ReceiveSyncMessage: %v", err)
			}
		}
		msg, err = doc2.GenerateSyncMessage("server-1")
		if err != nil {
			t.Fatalf("doc2.GenerateSyncMessage: %v", err)
		}
		if msg != nil {
			if err := doc1.ReceiveSyncMessage("server-2", msg); err != nil {
				t.Fatalf("doc1.ReceiveSyncMessage: %v", err)
			}
		}
	}

	founder, ok := doc2.Founder("#test")
	if !ok || founder != "did:plc:alice" {
		t.Fatalf("doc2 founder after sync = %q (ok=%v), want did:plc:alice", founder, ok)
	}
}

func TestSetFounder_LargerActorNeverOverwritesSmaller(t *testing.T) {
	// Directly exercise the compare-before-write guard within a single doc:
	// docs simulate receiving a remote founder record with a larger actor_id
	// by calling SetFounder again after the doc's own actor_id has been
	// recorded as the smaller one.
	doc := New("aaa")
	if err := doc.SetFounder("#ch", "did:plc:alice"); err != nil {
		t.Fatalf("SetFounder: %v", err)
	}

	// Rekey to a larger actor id and attempt to stomp the existing founder.
	if err := doc.Rekey("zzz"); err != nil {
		t.Fatalf("Rekey: %v", err)
	}
	if err := doc.SetFounder("#ch", "did:plc:mallory"); err != nil {
		t.Fatalf("SetFounder after rekey: %v", err)
	}

	founder, ok := doc.Founder("#ch")
	if !ok || founder != "did:plc:alice" {
		t.Fatalf("founder = %q (ok=%v), want did:plc:alice to survive a larger-actor rewrite attempt", founder, ok)
	}
}

func TestTopicRoundTrip(t *testing.T) {
	doc := New("srv1")
	if err := doc.SetTopic("#room", "hello world", "alice", "did:plc:alice", "peer-1"); err != nil {
		t.Fatalf("SetTopic: %v", err)
	}

	text, setBy, ok := doc.ChannelTopic("#room")
	if !ok {
		t.Fatal("ChannelTopic reported not found")
	}
	if text != "hello world" || setBy != "alice" {
		t.Fatalf("ChannelTopic = (%q, %q), want (%q, %q)", text, setBy, "hello world", "alice")
	}
}

func TestRekey_PreservesExistingKeys(t *testing.T) {
	doc := New("srv1")
	if err := doc.SetTopic("#room", "hi", "alice", "did:plc:alice", "peer-1"); err != nil {
		t.Fatalf("SetTopic: %v", err)
	}
	if err := doc.SetFounder("#room", "did:plc:alice"); err != nil {
		t.Fatalf("SetFounder: %v", err)
	}

	if err := doc.Rekey("endpoint-pubkey-123"); err != nil {
		t.Fatalf("Rekey: %v", err)
	}

	if doc.ActorID() != "endpoint-pubkey-123" {
		t.Fatalf("ActorID() = %q, want endpoint-pubkey-123", doc.ActorID())
	}
	if _, _, ok := doc.ChannelTopic("#room"); !ok {
		t.Fatal("topic lost after rekey")
	}
	if _, ok := doc.Founder("#room"); !ok {
		t.Fatal("founder lost after rekey")
	}
	if peers := doc.SyncPeers(); len(peers) != 0 {
		t.Fatalf("SyncPeers() after rekey = %v, want empty (sync state must reset)", peers)
	}
}

func TestCompact_PreservesKeysAndClearsSyncState(t *testing.T) {
	doc := New("srv1")
	if err := doc.SetTopic("#room", "hi", "alice", "did:plc:alice", "peer-1"); err != nil {
		t.Fatalf("SetTopic: %v", err)
	}
	if _, err := doc.GenerateSyncMessage("peer-2"); err != nil {
		t.Fatalf("GenerateSyncMessage: %v", err)
	}
	if peers := doc.SyncPeers(); len(peers) != 1 {
		t.Fatalf("expected one tracked peer before compaction, got %d", len(peers))
	}

	if err := doc.Compact(); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	if _, _, ok := doc.ChannelTopic("#room"); !ok {
		t.Fatal("topic lost after compaction")
	}
	if peers := doc.SyncPeers(); len(peers) != 0 {
		t.Fatalf("SyncPeers() after compaction = %v, want empty", peers)
	}
	if doc.Metrics().CompactionCount != 1 {
		t.Fatalf("CompactionCount = %d, want 1", doc.Metrics().CompactionCount)
	}
}

func TestValidateTopicAuthority(t *testing.T) {
	doc := New("srv1")
	if err := doc.SetFounder("#room", "did:plc:alice"); err != nil {
		t.Fatalf("SetFounder: %v", err)
	}

	if !doc.ValidateTopicAuthority("#room", "did:plc:alice", true) {
		t.Fatal("founder should always have topic authority")
	}
	if doc.ValidateTopicAuthority("#room", "did:plc:mallory", true) {
		t.Fatal("non-founder, non-DID-op should lack authority in strict mode")
	}
	if !doc.ValidateTopicAuthority("#room", "", false) {
		t.Fatal("absent DID should be allowed outside strict mode")
	}
	if doc.ValidateTopicAuthority("#room", "", true) {
		t.Fatal("absent DID should be rejected in strict mode")
	}

	if err := doc.GrantOp("#room", "did:plc:bob", "did:plc:alice", "peer-1"); err != nil {
		t.Fatalf("GrantOp: %v", err)
	}
	if !doc.ValidateTopicAuthority("#room", "did:plc:bob", true) {
		t.Fatal("DID-op should have topic authority")
	}
}

func TestRevokeOp_RemovesFromChannelDIDOps(t *testing.T) {
	doc := New("srv1")
	if err := doc.GrantOp("#room", "did:plc:bob", "did:plc:alice", "peer-1"); err != nil {
		t.Fatalf("GrantOp: %v", err)
	}
	ops, err := doc.ChannelDIDOps("#room")
	if err != nil {
		t.Fatalf("ChannelDIDOps: %v", err)
	}
	if len(ops) != 1 || ops[0] != "did:plc:bob" {
		t.Fatalf("ChannelDIDOps = %v, want [did:plc:bob]", ops)
	}

	if err := doc.RevokeOp("#room", "did:plc:bob"); err != nil {
		t.Fatalf("RevokeOp: %v", err)
	}
	ops, err = doc.ChannelDIDOps("#room")
	if err != nil {
		t.Fatalf("ChannelDIDOps after revoke: %v", err)
	}
	if len(ops) != 0 {
		t.Fatalf("ChannelDIDOps after revoke = %v, want empty", ops)
	}
}
