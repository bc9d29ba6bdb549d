// Package storage defines the persistence contract of the node. All
// ledger mutations that must be atomic are expressed as single
// methods so an implementation can wrap them in one transaction.
package storage

import (
	"errors"
	"time"

	"github.com/elnosh/paynode/paynet"
	"github.com/holiman/uint256"
)

var (
	// ErrProofExists means a proof with the same y is already in the
	// ledger, in any state. Surfaced to clients as a double spend.
	ErrProofExists = errors.New("proof already exists")

	// ErrBlindSignatureExists means a blinded message was already
	// signed.
	ErrBlindSignatureExists = errors.New("blind signature already exists")

	// ErrKeysetExists rejects inserting a keyset whose id collides
	// with a stored one.
	ErrKeysetExists = errors.New("keyset id already exists")

	ErrNotFound = errors.New("not found")

	// ErrInvalidProofState means a finalize touched a row that was
	// not PENDING.
	ErrInvalidProofState = errors.New("proof not in pending state")
)

type MintDB interface {
	SaveKeyset(keyset DBKeyset) error
	GetKeysets() ([]DBKeyset, error)
	GetKeyset(id string) (DBKeyset, error)
	// ReplaceActiveKeyset transactionally deactivates every keyset of
	// the unit and inserts the new active one. Fails with
	// ErrKeysetExists on id collision, leaving the old keysets active.
	ReplaceActiveKeyset(unit string, keyset DBKeyset) error

	SaveMintQuote(quote MintQuote) error
	GetMintQuote(quoteId string) (MintQuote, error)
	GetMintQuoteByInvoiceId(invoiceId string) (MintQuote, error)
	UpdateMintQuoteState(quoteId string, state paynet.MintQuoteState) error

	SaveMeltQuote(quote MeltQuote) error
	GetMeltQuote(quoteId string) (MeltQuote, error)
	GetMeltQuoteByInvoiceId(invoiceId string) (MeltQuote, error)
	UpdateMeltQuoteState(quoteId string, state paynet.MeltQuoteState) error
	SetMeltQuoteTxHash(quoteId string, txHash string) error

	GetBlindSignatures(B_s []string) (paynet.BlindedSignatures, error)
	// CommitMintIssuance persists the blind signatures and flips the
	// quote to ISSUED in one transaction. At-most-once per blinded
	// message: any conflict aborts the whole batch.
	CommitMintIssuance(quoteId string, B_s []string, signatures paynet.BlindedSignatures) error

	// AddPendingProofs inserts every proof with state PENDING. If any
	// y is already present, in any state, the whole batch aborts with
	// ErrProofExists. Two concurrent calls sharing a y result in
	// exactly one success.
	AddPendingProofs(proofs []DBProof) error
	GetProofs(ys []string) ([]DBProof, error)
	// FinalizeProofs transitions PENDING rows to SPENT (spent=true)
	// or deletes them (spent=false). Rows not in PENDING abort the
	// batch with ErrInvalidProofState.
	FinalizeProofs(ys []string, spent bool) error
	// CommitSwap persists the output blind signatures and finalizes
	// the input proofs to SPENT, atomically.
	CommitSwap(ys []string, B_s []string, signatures paynet.BlindedSignatures) error
	// CommitMeltPending inserts the melt inputs as PENDING bound to
	// the quote and flips the quote UNPAID -> PENDING, atomically.
	CommitMeltPending(quoteId string, proofs []DBProof) error
	// RollbackMeltPending deletes the quote's PENDING proofs and
	// returns the quote to UNPAID, atomically.
	RollbackMeltPending(quoteId string) error
	// DeleteStalePendingProofs removes PENDING proofs older than the
	// cutoff that are not bound to a melt quote (those are owned by
	// the correlator).
	DeleteStalePendingProofs(before time.Time) (int64, error)

	// RecordMintPayment inserts the seen block and the payment event,
	// deduplicating on (tx_hash, event_index), then flips the quote
	// to PAID when the cumulative paid amount reaches amountToPay.
	// All in one transaction. Replayed events are no-ops.
	RecordMintPayment(block SeenBlock, event PaymentEvent, quoteId string, amountToPay *uint256.Int) (paid bool, err error)
	// RecordMeltPayment is the melt side: on reaching amountToPay it
	// flips the quote PENDING -> PAID and finalizes the quote's
	// PENDING proofs to SPENT, atomically.
	RecordMeltPayment(block SeenBlock, event PaymentEvent, quoteId string, amountToPay *uint256.Int) (paid bool, err error)

	GetCursor(name string) (string, error)
	SaveCursor(name string, cursor string) error
	// DeleteBlocksAbove implements the revert hook: dropping seen
	// blocks cascades to their payment events.
	DeleteBlocksAbove(number uint64) error

	Close() error
}

type DBKeyset struct {
	Id                string
	Unit              string
	Active            bool
	MaxOrder          uint
	DerivationPathIdx uint32
	InputFeePpk       uint16
}

type DBProof struct {
	Y           string
	Amount      uint64
	KeysetId    string
	Secret      string
	C           string
	State       paynet.ProofState
	MeltQuoteId string
	CreatedAt   int64
}

type MintQuote struct {
	Id        string
	InvoiceId string
	Unit      string
	Amount    uint64
	Request   string
	State     paynet.MintQuoteState
	Expiry    int64
}

type MeltQuote struct {
	Id        string
	InvoiceId string
	Unit      string
	Amount    uint64
	Fee       uint64
	Request   string
	State     paynet.MeltQuoteState
	Expiry    int64
	TxHash    string
}

type SeenBlock struct {
	Id        string
	Number    uint64
	Timestamp int64
}

type PaymentEvent struct {
	TxHash     string
	EventIndex uint64
	BlockId    string
	Asset      string
	Payee      string
	Payer      string
	InvoiceId  string
	Amount     string
}
