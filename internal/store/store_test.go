package store

import (
	"context"
	"reflect"
	"testing"
)

func TestMemoryStore_ChannelRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec := ChannelRecord{Name: "#room", Modes: "+nt", FounderDID: "did:plc:alice"}
	if err := s.SaveChannel(ctx, rec); err != nil {
		t.Fatalf("SaveChannel: %v", err)
	}

	got, ok, err := s.LoadChannel(ctx, "#room")
	if err != nil || !ok {
		t.Fatalf("LoadChannel: ok=%v err=%v", ok, err)
	}
	if !reflect.DeepEqual(got, rec) {
		t.Fatalf("LoadChannel = %+v, want %+v", got, rec)
	}

	if err := s.DeleteChannel(ctx, "#room"); err != nil {
		t.Fatalf("DeleteChannel: %v", err)
	}
	if _, ok, _ := s.LoadChannel(ctx, "#room"); ok {
		t.Fatal("channel should be gone after DeleteChannel")
	}
}

func TestMemoryStore_IdentityRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec := IdentityRecord{DID: "did:plc:alice", Nick: "alice"}
	if err := s.SaveIdentity(ctx, rec); err != nil {
		t.Fatalf("SaveIdentity: %v", err)
	}

	all, err := s.LoadAllIdentities(ctx)
	if err != nil {
		t.Fatalf("LoadAllIdentities: %v", err)
	}
	if len(all) != 1 || all[0] != rec {
		t.Fatalf("LoadAllIdentities = %+v, want [%+v]", all, rec)
	}
}
