package storage

import "github.com/elnosh/paynode/paynet"

type WalletDB interface {
	SaveProofs(proofs paynet.Proofs) error
	GetProofs() paynet.Proofs
	GetProofsByKeysetId(id string) paynet.Proofs
	DeleteProof(secret string) error

	SaveKeyset(keyset WalletKeyset) error
	GetKeysets() ([]WalletKeyset, error)

	SaveMintQuote(quote WalletMintQuote) error
	GetMintQuote(id string) (WalletMintQuote, error)
	DeleteMintQuote(id string) error

	Close() error
}

// WalletKeyset is the wallet's view of a node keyset: id, unit and
// the public keys needed to unblind and verify.
type WalletKeyset struct {
	Id          string
	NodeURL     string
	Unit        string
	Active      bool
	InputFeePpk uint16
	PublicKeys  map[uint64]string
}

// WalletMintQuote tracks a quote the wallet requested and may still
// need to mint against.
type WalletMintQuote struct {
	Id      string
	Unit    string
	Amount  uint64
	Request string
	Expiry  int64
}
