// Package onchain abstracts the asset backend of a unit: the
// indexer stream delivering deposit and withdrawal events, and the
// cashier executing withdrawals. The node core depends only on this
// capability set; unit to backend mapping is static configuration.
package onchain

import (
	"context"
	"errors"
	"time"

	"github.com/holiman/uint256"
)

// Remittance is an invoice payment event observed on chain.
type Remittance struct {
	BlockId        string
	BlockNumber    uint64
	BlockTimestamp time.Time
	TxHash         string
	EventIndex     uint64
	Asset          string
	Payee          string
	Payer          string
	InvoiceId      string
	Amount         *uint256.Int
}

// Revert tells the consumer that blocks above LastValidBlock have
// been invalidated and their events must be discarded.
type Revert struct {
	LastValidBlock uint64
}

// Message is one batch on the indexer stream. Cursor is the resume
// point to persist once the batch is committed.
type Message struct {
	Events []Remittance
	Revert *Revert
	Cursor string
}

// Withdrawal instructs the cashier to pay out on chain.
type Withdrawal struct {
	Asset     string
	Payee     string
	InvoiceId string
	Amount    *uint256.Int
}

type WithdrawalState int

const (
	WithdrawalPending WithdrawalState = iota
	WithdrawalConfirmed
	WithdrawalRejected
)

var (
	// ErrWithdrawalRejected is a synchronous cashier rejection; the
	// melt rolls back and the client may retry.
	ErrWithdrawalRejected = errors.New("withdrawal rejected by cashier")
	ErrUnavailable        = errors.New("backend unavailable")
)

// Backend is the capability set of one asset's chain infrastructure.
type Backend interface {
	// StreamEvents opens the resumable event stream starting after
	// cursor (empty string means from the configured genesis). The
	// channel closes when ctx is done or the stream fails.
	StreamEvents(ctx context.Context, cursor string) (<-chan Message, error)

	// SubmitWithdrawal hands a withdrawal to the cashier and returns
	// the on-chain transaction hash.
	SubmitWithdrawal(ctx context.Context, withdrawal Withdrawal) (string, error)

	// WithdrawalStatus reports the cashier's view of a submitted
	// withdrawal.
	WithdrawalStatus(ctx context.Context, txHash string) (WithdrawalState, error)

	// EstimateWithdrawalFee quotes the on-chain fee for a withdrawal,
	// in the backend's base denomination.
	EstimateWithdrawalFee(ctx context.Context, withdrawal Withdrawal) (*uint256.Int, error)

	// DepositAddress is the node's receiving account watched for
	// Remittance events.
	DepositAddress() string
}
