package onchain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"
)

// FakeBackend simulates the chain for tests and local development.
// Deposits are injected with PayInvoice and surface on the stream;
// withdrawals confirm (or reject) according to the configured
// behavior and emit their own Remittance events.
type FakeBackend struct {
	mu sync.Mutex

	address     string
	fee         *uint256.Int
	rejectNext  bool
	blockNumber uint64
	txCounter   uint64
	withdrawals map[string]WithdrawalState
	pending     []Message
	subscribers []chan Message
}

func NewFakeBackend(address string) *FakeBackend {
	return &FakeBackend{
		address:     address,
		fee:         uint256.NewInt(0),
		withdrawals: make(map[string]WithdrawalState),
	}
}

func (b *FakeBackend) DepositAddress() string {
	return b.address
}

// SetFee fixes the estimated withdrawal fee.
func (b *FakeBackend) SetFee(fee *uint256.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fee = fee
}

// RejectNextWithdrawal makes the next SubmitWithdrawal fail
// synchronously.
func (b *FakeBackend) RejectNextWithdrawal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectNext = true
}

// PayInvoice simulates a deposit paying invoiceId towards the node's
// address.
func (b *FakeBackend) PayInvoice(invoiceId, asset, payer string, amount *uint256.Int) Remittance {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.blockNumber++
	b.txCounter++
	event := Remittance{
		BlockId:        fmt.Sprintf("0xb%d", b.blockNumber),
		BlockNumber:    b.blockNumber,
		BlockTimestamp: time.Now(),
		TxHash:         fmt.Sprintf("0xt%d", b.txCounter),
		EventIndex:     0,
		Asset:          asset,
		Payee:          b.address,
		Payer:          payer,
		InvoiceId:      invoiceId,
		Amount:         amount,
	}
	b.publish(Message{Events: []Remittance{event}, Cursor: fmt.Sprintf("%d", b.blockNumber)})
	return event
}

// Replay re-emits an already delivered event, as a restarted indexer
// would.
func (b *FakeBackend) Replay(event Remittance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publish(Message{Events: []Remittance{event}, Cursor: fmt.Sprintf("%d", event.BlockNumber)})
}

// InvalidateAbove emits a revert notice for blocks above number.
func (b *FakeBackend) InvalidateAbove(number uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publish(Message{Revert: &Revert{LastValidBlock: number}, Cursor: fmt.Sprintf("%d", number)})
}

func (b *FakeBackend) publish(msg Message) {
	if len(b.subscribers) == 0 {
		b.pending = append(b.pending, msg)
		return
	}
	for _, sub := range b.subscribers {
		sub <- msg
	}
}

func (b *FakeBackend) StreamEvents(ctx context.Context, _ string) (<-chan Message, error) {
	b.mu.Lock()
	ch := make(chan Message, 64)
	for _, msg := range b.pending {
		ch <- msg
	}
	b.pending = nil
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		for i, sub := range b.subscribers {
			if sub == ch {
				b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}

func (b *FakeBackend) SubmitWithdrawal(_ context.Context, withdrawal Withdrawal) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.rejectNext {
		b.rejectNext = false
		return "", ErrWithdrawalRejected
	}

	b.blockNumber++
	b.txCounter++
	txHash := fmt.Sprintf("0xt%d", b.txCounter)
	b.withdrawals[txHash] = WithdrawalConfirmed

	// the cashier's payment shows up on the stream as a Remittance
	// with the node as payer
	event := Remittance{
		BlockId:        fmt.Sprintf("0xb%d", b.blockNumber),
		BlockNumber:    b.blockNumber,
		BlockTimestamp: time.Now(),
		TxHash:         txHash,
		EventIndex:     0,
		Asset:          withdrawal.Asset,
		Payee:          withdrawal.Payee,
		Payer:          b.address,
		InvoiceId:      withdrawal.InvoiceId,
		Amount:         withdrawal.Amount,
	}
	b.publish(Message{Events: []Remittance{event}, Cursor: fmt.Sprintf("%d", b.blockNumber)})

	return txHash, nil
}

func (b *FakeBackend) EstimateWithdrawalFee(_ context.Context, _ Withdrawal) (*uint256.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(uint256.Int).Set(b.fee), nil
}

func (b *FakeBackend) WithdrawalStatus(_ context.Context, txHash string) (WithdrawalState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.withdrawals[txHash]
	if !ok {
		return WithdrawalPending, fmt.Errorf("unknown withdrawal '%s'", txHash)
	}
	return state, nil
}
