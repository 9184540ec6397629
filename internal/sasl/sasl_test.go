package sasl

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/alexedwards/argon2id"
)

type staticResolver struct {
	docs map[string]*DIDDocument
}

func (r *staticResolver) Resolve(ctx context.Context, did string) (*DIDDocument, error) {
	doc, ok := r.docs[did]
	if !ok {
		return nil, &Error{Code: "resolve_failed", Message: "unknown did"}
	}
	return doc, nil
}

func newTestAuthenticator(t *testing.T, did string, pub ed25519.PublicKey) *Authenticator {
	t.Helper()
	resolver := &staticResolver{docs: map[string]*DIDDocument{
		did: {DID: did, SigningKey: pub},
	}}
	return New(resolver, time.Minute, 3)
}

func TestVerifyChallenge_Success(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	did := "did:plc:alice"
	a := newTestAuthenticator(t, did, pub)

	challenge, _, err := NewChallenge()
	if err != nil {
		t.Fatalf("NewChallenge: %v", err)
	}
	sig := ed25519.Sign(priv, challenge)

	resp := Response{DID: did, Method: MethodChallenge, Signature: base64.StdEncoding.EncodeToString(sig)}

	verifiedDID, err := a.VerifyChallenge(context.Background(), resp, challenge)
	if err != nil {
		t.Fatalf("VerifyChallenge: %v", err)
	}
	if verifiedDID != did {
		t.Fatalf("verified DID = %q, want %q", verifiedDID, did)
	}
}

func TestVerifyChallenge_WrongSignature(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	_, otherPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	did := "did:plc:alice"
	a := newTestAuthenticator(t, did, pub)

	challenge, _, _ := NewChallenge()
	sig := ed25519.Sign(otherPriv, challenge) // signed with the wrong key

	resp := Response{DID: did, Method: MethodChallenge, Signature: base64.StdEncoding.EncodeToString(sig)}

	if _, err := a.VerifyChallenge(context.Background(), resp, challenge); err == nil {
		t.Fatal("expected verification failure for signature from wrong key")
	}
}

func TestParseResponse_RoundTrip(t *testing.T) {
	body := Response{DID: "did:plc:alice", Method: MethodChallenge, Signature: "c2ln"}
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	b64 := base64.StdEncoding.EncodeToString(raw)

	parsed, err := ParseResponse(b64)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if parsed != body {
		t.Fatalf("ParseResponse roundtrip = %+v, want %+v", parsed, body)
	}
}

func TestWebToken_RegisterAndVerify(t *testing.T) {
	a := New(&staticResolver{docs: map[string]*DIDDocument{}}, time.Minute, 3)
	a.RegisterWebToken("tok-123", "did:plc:alice")

	did, err := a.VerifyWebToken("tok-123")
	if err != nil {
		t.Fatalf("VerifyWebToken: %v", err)
	}
	if did != "did:plc:alice" {
		t.Fatalf("VerifyWebToken DID = %q, want did:plc:alice", did)
	}

	if _, err := a.VerifyWebToken("not-a-token"); err == nil {
		t.Fatal("expected error for unknown token")
	}
}

func TestWebToken_Expiry(t *testing.T) {
	a := New(&staticResolver{docs: map[string]*DIDDocument{}}, 10*time.Millisecond, 3)
	a.RegisterWebToken("tok-123", "did:plc:alice")
	time.Sleep(30 * time.Millisecond)

	if _, err := a.VerifyWebToken("tok-123"); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestRecordFailure_ClosesAfterMax(t *testing.T) {
	a := New(&staticResolver{docs: map[string]*DIDDocument{}}, time.Minute, 3)

	if a.RecordFailure("sess-1") {
		t.Fatal("1st failure should not close")
	}
	if a.RecordFailure("sess-1") {
		t.Fatal("2nd failure should not close")
	}
	if !a.RecordFailure("sess-1") {
		t.Fatal("3rd failure should close (maxFailures=3)")
	}
}

func TestResetFailures(t *testing.T) {
	a := New(&staticResolver{docs: map[string]*DIDDocument{}}, time.Minute, 3)
	a.RecordFailure("sess-1")
	a.RecordFailure("sess-1")
	a.ResetFailures("sess-1")

	if a.RecordFailure("sess-1") {
		t.Fatal("failure counter should have reset to zero")
	}
}

func TestVerifyBotToken(t *testing.T) {
	hash, err := argon2id.CreateHash("correct-horse-battery-staple", argon2id.DefaultParams)
	if err != nil {
		t.Fatalf("CreateHash: %v", err)
	}

	if !VerifyBotToken("correct-horse-battery-staple", []string{hash}) {
		t.Fatal("expected matching token to verify")
	}
	if VerifyBotToken("wrong-token", []string{hash}) {
		t.Fatal("expected non-matching token to be rejected")
	}
	if VerifyBotToken("anything", nil) {
		t.Fatal("expected no configured hashes to reject every token")
	}
	if !VerifyBotToken("correct-horse-battery-staple", []string{"", hash}) {
		t.Fatal("expected a blank hash entry to be skipped rather than blocking the real match")
	}
}
