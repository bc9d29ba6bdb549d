package paynet

import (
	"encoding/json"
	"fmt"

	"github.com/holiman/uint256"
)

// U256 is the low/high split representation of an on-chain
// 256-bit amount, as carried by chain events and requests.
type U256 struct {
	Low  string `json:"low"`
	High string `json:"high"`
}

func (u U256) Int() (*uint256.Int, error) {
	low, err := uint256.FromHex(u.Low)
	if err != nil {
		return nil, fmt.Errorf("invalid low word: %v", err)
	}
	high, err := uint256.FromHex(u.High)
	if err != nil {
		return nil, fmt.Errorf("invalid high word: %v", err)
	}
	if low.BitLen() > 128 || high.BitLen() > 128 {
		return nil, fmt.Errorf("u256 word exceeds 128 bits")
	}
	result := new(uint256.Int).Lsh(high, 128)
	return result.Or(result, low), nil
}

func U256FromInt(value *uint256.Int) U256 {
	low := new(uint256.Int).And(value, lowMask)
	high := new(uint256.Int).Rsh(value, 128)
	return U256{Low: low.Hex(), High: high.Hex()}
}

var lowMask = func() *uint256.Int {
	mask := new(uint256.Int).Lsh(uint256.NewInt(1), 128)
	return mask.Sub(mask, uint256.NewInt(1))
}()

// MeltPaymentRequest is the on-chain destination a melt quote
// commits to pay. It travels as the raw request string of the
// melt quote.
type MeltPaymentRequest struct {
	Asset  string `json:"asset"`
	Payee  string `json:"payee"`
	Amount U256   `json:"amount"`
}

func DecodeMeltPaymentRequest(request string) (*MeltPaymentRequest, error) {
	var payment MeltPaymentRequest
	if err := json.Unmarshal([]byte(request), &payment); err != nil {
		return nil, fmt.Errorf("invalid payment request: %v", err)
	}
	if payment.Payee == "" {
		return nil, fmt.Errorf("payment request missing payee")
	}
	return &payment, nil
}

// DepositPaymentRequest is what a wallet needs to execute the
// on-chain deposit backing a mint quote.
type DepositPaymentRequest struct {
	Asset     string `json:"asset"`
	Payee     string `json:"payee"`
	InvoiceId string `json:"invoice_id"`
	Amount    U256   `json:"amount"`
}

func (r DepositPaymentRequest) Encode() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
