// Package sasl implements DID-based SASL authentication: challenge
// issuance and verification for the ATPROTO-CHALLENGE mechanism, and
// acceptance of short-lived web tokens minted by the paired OAuth broker,
// and static bot tokens checked against argon2id hashes. All three
// methods are multiplexed under the single mechanism name advertised in
// CAP LS, distinguished by a "method" field in the client's JSON response
// body.
package sasl

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/alexedwards/argon2id"

	"github.com/freeqd/freeqd/internal/ttlcache"
)

// Mechanism is the single SASL mechanism name freeqd advertises; the
// authentication methods below are multiplexed under it via the
// response body's "method" field.
const Mechanism = "ATPROTO-CHALLENGE"

const challengeSize = 32

// Method distinguishes the three ways an AUTHENTICATE response can prove
// identity.
type Method string

const (
	MethodChallenge Method = "challenge"
	MethodWebToken  Method = "web-token"
	MethodBotToken  Method = "bot-token"
)

// Response is the client's base64-JSON AUTHENTICATE reply body.
type Response struct {
	DID       string `json:"did"`
	Method    Method `json:"method"`
	Signature string `json:"signature"`
}

// DIDDocument carries the signing key declared by a DID document,
// resolved externally (the DID resolver is an out-of-scope collaborator;
// this package only consumes the Resolver interface).
type DIDDocument struct {
	DID        string
	SigningKey ed25519.PublicKey
}

// Resolver resolves a DID to its document. Implementations call out to
// the DID resolver service; freeqd's core never implements resolution
// itself.
type Resolver interface {
	Resolve(ctx context.Context, did string) (*DIDDocument, error)
}

// Error is a SASL-specific failure, distinguishing unknown mechanisms
// (904 with no retry value) from verification failures (904, counted
// against the per-session failure budget).
type Error struct {
	Code    string // "unknown_mechanism" | "verify_failed" | "resolve_failed" | "token_invalid"
	Message string
}

func (e *Error) Error() string { return e.Message }

// Authenticator issues challenges, verifies DID-signed responses, and
// tracks short-lived web tokens plus per-session failure counts.
type Authenticator struct {
	resolver  Resolver
	webTokens *ttlcache.Cache[string] // token -> DID

	failMu      sync.Mutex
	failures    map[string]int
	maxFailures int
}

// New creates an Authenticator. webTokenTTL bounds how long a token
// registered via RegisterWebToken (on behalf of the external OAuth
// broker) remains valid.
func New(resolver Resolver, webTokenTTL time.Duration, maxFailures int) *Authenticator {
	return &Authenticator{
		resolver:    resolver,
		webTokens:   ttlcache.New[string](webTokenTTL, 4096),
		failures:    make(map[string]int),
		maxFailures: maxFailures,
	}
}

// NewChallenge returns a fresh random challenge for AUTHENTICATE to send,
// base64-encoded for the wire.
func NewChallenge() (raw []byte, encoded string, err error) {
	raw = make([]byte, challengeSize)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("generating SASL challenge: %w", err)
	}
	return raw, base64.StdEncoding.EncodeToString(raw), nil
}

// ParseResponse decodes the client's base64 JSON AUTHENTICATE body.
func ParseResponse(b64 string) (Response, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return Response{}, fmt.Errorf("decoding SASL response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, fmt.Errorf("parsing SASL response JSON: %w", err)
	}
	return resp, nil
}

// VerifyChallenge resolves resp.DID's document and verifies resp.Signature
// (base64 ed25519 signature) over challenge. Returns the verified DID on
// success.
func (a *Authenticator) VerifyChallenge(ctx context.Context, resp Response, challenge []byte) (string, error) {
	if resp.DID == "" {
		return "", &Error{Code: "verify_failed", Message: "missing did"}
	}
	doc, err := a.resolver.Resolve(ctx, resp.DID)
	if err != nil {
		return "", &Error{Code: "resolve_failed", Message: fmt.Sprintf("resolving DID document: %v", err)}
	}
	sig, err := base64.StdEncoding.DecodeString(resp.Signature)
	if err != nil {
		return "", &Error{Code: "verify_failed", Message: "malformed signature encoding"}
	}
	if !ed25519.Verify(doc.SigningKey, challenge, sig) {
		return "", &Error{Code: "verify_failed", Message: "signature does not verify against DID document key"}
	}
	return doc.DID, nil
}

// RegisterWebToken stores a token minted by the paired OAuth broker,
// binding it to did for ttl (the Authenticator's configured web token
// TTL). In production this map is populated out-of-band by the broker;
// exposed here so the broker integration and tests can both drive it.
func (a *Authenticator) RegisterWebToken(token, did string) {
	a.webTokens.Set(token, did)
}

// VerifyWebToken looks up a client-presented web token.
func (a *Authenticator) VerifyWebToken(token string) (string, error) {
	did, ok := a.webTokens.Get(token)
	if !ok {
		return "", &Error{Code: "token_invalid", Message: "unknown or expired web token"}
	}
	return did, nil
}

// VerifyBotToken checks a bot/service account's static pre-shared token
// (carried in the Response's Signature field for MethodBotToken) against
// the operator-configured list of argon2id hashes
// (AuthConfig.BotTokenHashes). Bots authenticate this way instead of a
// DID signature, trading authority (bots never hold topic/op grants) for
// the convenience of a static credential.
func VerifyBotToken(token string, hashes []string) bool {
	for _, h := range hashes {
		if h == "" {
			continue
		}
		match, err := argon2id.ComparePasswordAndHash(token, h)
		if err == nil && match {
			return true
		}
	}
	return false
}

// RecordFailure increments sessionID's SASL failure counter and reports
// whether the session has now exceeded the configured maximum and must
// be disconnected.
func (a *Authenticator) RecordFailure(sessionID string) (shouldClose bool) {
	a.failMu.Lock()
	defer a.failMu.Unlock()
	a.failures[sessionID]++
	return a.failures[sessionID] >= a.maxFailures
}

// ResetFailures clears sessionID's failure counter (called on disconnect
// or successful auth, to bound the failures map's size).
func (a *Authenticator) ResetFailures(sessionID string) {
	a.failMu.Lock()
	defer a.failMu.Unlock()
	delete(a.failures, sessionID)
}
