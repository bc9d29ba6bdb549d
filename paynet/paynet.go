// Package paynet contains the core structs and logic
// of the mint protocol.
package paynet

import (
	"encoding/hex"
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// MaxOrder is the number of power-of-two denomination slots in a keyset.
const MaxOrder = 64

// BlindedMessage is a blinded secret sent by a wallet to be signed.
type BlindedMessage struct {
	Amount   uint64 `json:"amount"`
	KeysetId string `json:"id"`
	B_       string `json:"B_"`
}

func NewBlindedMessage(keysetId string, amount uint64, B_ *secp256k1.PublicKey) BlindedMessage {
	return BlindedMessage{
		Amount:   amount,
		KeysetId: keysetId,
		B_:       pubkeyHex(B_),
	}
}

type BlindedMessages []BlindedMessage

// Amount returns the checked sum of the blinded message amounts.
func (bm BlindedMessages) Amount() (uint64, error) {
	var total uint64
	for _, msg := range bm {
		var overflow bool
		total, overflow = OverflowAddUint64(total, msg.Amount)
		if overflow {
			return 0, ErrAmountOverflow
		}
	}
	return total, nil
}

// BlindedSignature is the signature on a blinded message.
type BlindedSignature struct {
	Amount   uint64 `json:"amount"`
	KeysetId string `json:"id"`
	C_       string `json:"C_"`
	// pointer so that omitempty works. an empty struct
	// would still get marshalled
	DLEQ *DLEQProof `json:"dleq,omitempty"`
}

type BlindedSignatures []BlindedSignature

func (bs BlindedSignatures) Amount() (uint64, error) {
	var total uint64
	for _, sig := range bs {
		var overflow bool
		total, overflow = OverflowAddUint64(total, sig.Amount)
		if overflow {
			return 0, ErrAmountOverflow
		}
	}
	return total, nil
}

// Proof is a bearer token. Holding a valid proof is being
// able to spend it.
type Proof struct {
	Amount   uint64 `json:"amount"`
	KeysetId string `json:"id"`
	Secret   string `json:"secret"`
	C        string `json:"C"`
	// pointer so that omitempty works
	DLEQ *DLEQProof `json:"dleq,omitempty"`
}

type Proofs []Proof

// Amount returns the checked sum of the proof amounts.
func (proofs Proofs) Amount() (uint64, error) {
	var total uint64
	for _, proof := range proofs {
		var overflow bool
		total, overflow = OverflowAddUint64(total, proof.Amount)
		if overflow {
			return 0, ErrAmountOverflow
		}
	}
	return total, nil
}

// DLEQProof attests the signer used the key it advertised
// for the keyset.
type DLEQProof struct {
	E string `json:"e"`
	S string `json:"s"`
	R string `json:"r,omitempty"`
}

// MintQuoteState is the lifecycle of a mint quote.
// UNPAID -> PAID -> ISSUED, never reverting.
type MintQuoteState int

const (
	MintQuoteUnpaid MintQuoteState = iota
	MintQuotePaid
	MintQuoteIssued
	MintQuoteUnknown
)

func (state MintQuoteState) String() string {
	switch state {
	case MintQuoteUnpaid:
		return "UNPAID"
	case MintQuotePaid:
		return "PAID"
	case MintQuoteIssued:
		return "ISSUED"
	default:
		return "unknown"
	}
}

func StringToMintQuoteState(state string) MintQuoteState {
	switch state {
	case "UNPAID":
		return MintQuoteUnpaid
	case "PAID":
		return MintQuotePaid
	case "ISSUED":
		return MintQuoteIssued
	default:
		return MintQuoteUnknown
	}
}

// MeltQuoteState is the lifecycle of a melt quote.
// UNPAID -> PENDING -> PAID, with a rollback to UNPAID
// only on synchronous cashier rejection.
type MeltQuoteState int

const (
	MeltQuoteUnpaid MeltQuoteState = iota
	MeltQuotePending
	MeltQuotePaid
	MeltQuoteUnknown
)

func (state MeltQuoteState) String() string {
	switch state {
	case MeltQuoteUnpaid:
		return "UNPAID"
	case MeltQuotePending:
		return "PENDING"
	case MeltQuotePaid:
		return "PAID"
	default:
		return "unknown"
	}
}

func StringToMeltQuoteState(state string) MeltQuoteState {
	switch state {
	case "UNPAID":
		return MeltQuoteUnpaid
	case "PENDING":
		return MeltQuotePending
	case "PAID":
		return MeltQuotePaid
	default:
		return MeltQuoteUnknown
	}
}

// ProofState is the ledger state of a persisted proof.
type ProofState int

const (
	ProofUnspent ProofState = iota
	ProofPending
	ProofSpent
)

var ErrAmountOverflow = errors.New("amount overflows uint64")

// AmountSplit returns the canonical power-of-two decomposition
// of amount, e.g. 13 -> [1, 4, 8].
func AmountSplit(amount uint64) []uint64 {
	split := make([]uint64, 0)
	for pos := 0; amount > 0; pos++ {
		if amount&1 == 1 {
			split = append(split, 1<<pos)
		}
		amount >>= 1
	}
	return split
}

// IsPowerOfTwo reports whether amount is a valid single denomination.
func IsPowerOfTwo(amount uint64) bool {
	return amount > 0 && amount&(amount-1) == 0
}

// DenominationSlot returns the keyset slot i for denomination 2^i.
func DenominationSlot(amount uint64) uint {
	var slot uint
	for amount > 1 {
		amount >>= 1
		slot++
	}
	return slot
}

func CheckDuplicateProofs(proofs Proofs) bool {
	seen := make(map[string]bool, len(proofs))
	for _, proof := range proofs {
		if seen[proof.Secret] {
			return true
		}
		seen[proof.Secret] = true
	}
	return false
}

func CheckDuplicateBlindedMessages(messages BlindedMessages) bool {
	seen := make(map[string]bool, len(messages))
	for _, msg := range messages {
		if seen[msg.B_] {
			return true
		}
		seen[msg.B_] = true
	}
	return false
}

func pubkeyHex(key *secp256k1.PublicKey) string {
	return hex.EncodeToString(key.SerializeCompressed())
}

func OverflowAddUint64(a, b uint64) (uint64, bool) {
	if a > 0 && b > ^uint64(0)-a {
		return ^uint64(0), true
	}
	return a + b, false
}

func UnderflowSubUint64(a, b uint64) (uint64, bool) {
	if b > a {
		return 0, true
	}
	return a - b, false
}
