package channelreg

import "testing"

func TestGetOrCreate_CaseFolded(t *testing.T) {
	r := NewRegistry()
	ch1, created := r.GetOrCreate("#Room")
	if !created {
		t.Fatal("expected first GetOrCreate to create the channel")
	}
	ch2, created := r.GetOrCreate("#room")
	if created {
		t.Fatal("expected second GetOrCreate (different case) to find the existing channel")
	}
	if ch1 != ch2 {
		t.Fatal("channel names must be case-folded to the same key")
	}
}

func TestIsTrulyEmpty_GovernsAutoOp(t *testing.T) {
	r := NewRegistry()
	ch, _ := r.GetOrCreate("#room")

	if !ch.IsTrulyEmpty() {
		t.Fatal("freshly created channel should be truly empty")
	}

	ch.SetRemoteMember("bob", RemoteMember{OriginPeer: "peer-1", IsOp: true})
	if ch.IsTrulyEmpty() {
		t.Fatal("channel with a remote member should not be truly empty")
	}
}

func TestGhostCleanup_RemovesMembersByOrigin(t *testing.T) {
	r := NewRegistry()
	ch, _ := r.GetOrCreate("#room")

	ch.SetRemoteMember("bob", RemoteMember{OriginPeer: "peer-1"})
	ch.SetRemoteMember("carol", RemoteMember{OriginPeer: "peer-2"})

	ch.RemoveRemoteMembersByOrigin("peer-1")

	rm := ch.RemoteMembers()
	if _, ok := rm["bob"]; ok {
		t.Fatal("bob (origin peer-1) should have been removed")
	}
	if _, ok := rm["carol"]; !ok {
		t.Fatal("carol (origin peer-2) should remain")
	}
}

func TestCollectGarbage_KeepsNonTrivialChannel(t *testing.T) {
	r := NewRegistry()
	ch, _ := r.GetOrCreate("#room")
	ch.SetFounder("did:plc:alice")

	if r.CollectGarbage("#room") {
		t.Fatal("channel with a founder must not be garbage-collected")
	}
	if _, ok := r.Get("#room"); !ok {
		t.Fatal("non-trivial channel should still be registered")
	}
}

func TestCollectGarbage_RemovesTrivialChannel(t *testing.T) {
	r := NewRegistry()
	r.GetOrCreate("#room")

	if !r.CollectGarbage("#room") {
		t.Fatal("empty, trivial channel should be garbage-collected")
	}
	if _, ok := r.Get("#room"); ok {
		t.Fatal("channel should no longer be registered after GC")
	}
}

func TestHistoryRing_BoundedAt100(t *testing.T) {
	ch := newChannel("#room")
	for i := 0; i < 150; i++ {
		ch.AppendHistory(HistoryEntry{Sender: "alice", Text: "hi"})
	}
	if len(ch.History()) != historyRingLimit {
		t.Fatalf("History() length = %d, want %d", len(ch.History()), historyRingLimit)
	}
}

func TestInvite_ConsumedOnce(t *testing.T) {
	ch := newChannel("#room")
	ch.AddInvite("nick:bob")

	if !ch.ConsumeInvite("nick:bob") {
		t.Fatal("expected invite to be present and consumed")
	}
	if ch.ConsumeInvite("nick:bob") {
		t.Fatal("invite should be single-use")
	}
}

func TestIsBanned_Glob(t *testing.T) {
	ch := newChannel("#room")
	ch.AddBan("*!*@evil.example")

	if !ch.IsBanned("mallory!m@evil.example", "") {
		t.Fatal("hostmask matching the glob ban should be banned")
	}
	if ch.IsBanned("alice!a@good.example", "") {
		t.Fatal("hostmask not matching the ban should not be banned")
	}
}
