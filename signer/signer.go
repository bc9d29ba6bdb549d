// Package signer defines the contract with the custodian of the
// master signing key. The node never holds a private denomination
// key; it talks to a Signer for key declaration, blind signing and
// proof verification.
package signer

import (
	"context"

	"github.com/elnosh/paynode/paynet"
)

// DeclaredKeyset is the public result of deriving a keyset under
// the signer's master key.
type DeclaredKeyset struct {
	Id       string            `json:"id"`
	Unit     string            `json:"unit"`
	Index    uint32            `json:"index"`
	MaxOrder uint              `json:"max_order"`
	Keys     map[uint64]string `json:"keys"`
}

type Signer interface {
	// DeclareKeyset derives (or re-derives, deterministically) the
	// keyset for (unit, index) and returns its public keys.
	DeclareKeyset(ctx context.Context, unit string, index uint32, maxOrder uint) (*DeclaredKeyset, error)

	// SignBlindedMessages signs each blinded message with the key of
	// its keyset and denomination, attaching a DLEQ proof.
	SignBlindedMessages(ctx context.Context, messages paynet.BlindedMessages) (paynet.BlindedSignatures, error)

	// VerifyProofs reports whether every proof carries a valid
	// signature under its keyset's denomination key.
	VerifyProofs(ctx context.Context, proofs paynet.Proofs) (bool, error)
}
