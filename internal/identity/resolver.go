package identity

import (
	"context"
	"crypto/ed25519"
	"fmt"

	atpidentity "github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"

	"github.com/freeqd/freeqd/internal/sasl"
)

// DirectoryResolver implements sasl.Resolver against the public atproto
// identity directory (did:plc and did:web resolution, handle
// verification, and the directory's internal caching). The directory's
// exact return shape is treated as best-effort here — isolated behind
// this one file the same way automerge-go is isolated behind
// internal/crdt — so a shape mismatch surfaces as an ordinary
// resolve_failed SASL error rather than an indigo type leaking further
// into the server.
//
// freeqd's SASL challenge path verifies an ed25519 signature (see
// sasl.VerifyChallenge), so only a document's "freeqd" verification key
// is consulted; atproto's own rotation/signing keys (typically
// secp256k1) are not used for this purpose.
type DirectoryResolver struct {
	dir atpidentity.Directory
}

// NewDirectoryResolver wraps indigo's default public directory.
func NewDirectoryResolver() *DirectoryResolver {
	return &DirectoryResolver{dir: atpidentity.DefaultDirectory()}
}

// Resolve satisfies sasl.Resolver.
func (r *DirectoryResolver) Resolve(ctx context.Context, did string) (*sasl.DIDDocument, error) {
	parsed, err := syntax.ParseDID(did)
	if err != nil {
		return nil, &sasl.Error{Code: "resolve_failed", Message: fmt.Sprintf("invalid DID %q: %v", did, err)}
	}

	ident, err := r.dir.LookupDID(ctx, parsed)
	if err != nil {
		return nil, &sasl.Error{Code: "resolve_failed", Message: fmt.Sprintf("resolving %s: %v", did, err)}
	}
	if ident == nil {
		return nil, &sasl.Error{Code: "resolve_failed", Message: fmt.Sprintf("no identity document for %s", did)}
	}

	pub, ok := ident.Keys["freeqd"]
	if !ok {
		return nil, &sasl.Error{Code: "resolve_failed", Message: fmt.Sprintf("DID document for %s has no freeqd verification key", did)}
	}
	edKey, ok := pub.(ed25519.PublicKey)
	if !ok {
		return nil, &sasl.Error{Code: "resolve_failed", Message: fmt.Sprintf("freeqd verification key for %s is not ed25519", did)}
	}

	return &sasl.DIDDocument{DID: did, SigningKey: edKey}, nil
}
