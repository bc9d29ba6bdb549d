package paynet

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Unit is an asset denomination supported by the node for
// user-facing amounts.
type Unit string

const (
	MilliStrk Unit = "millistrk"
	Gwei      Unit = "gwei"
)

// Asset is the on-chain token a unit settles in.
type Asset string

const (
	Strk Asset = "strk"
	Eth  Asset = "eth"
)

func UnitFromString(s string) (Unit, error) {
	switch Unit(s) {
	case MilliStrk:
		return MilliStrk, nil
	case Gwei:
		return Gwei, nil
	default:
		return "", fmt.Errorf("invalid unit '%s'", s)
	}
}

func (u Unit) String() string {
	return string(u)
}

// Asset maps the unit to its corresponding on-chain asset.
func (u Unit) Asset() Asset {
	switch u {
	case MilliStrk:
		return Strk
	default:
		return Eth
	}
}

func (u Unit) IsAssetSupported(asset Asset) bool {
	return u.Asset() == asset
}

// ConversionRate is the factor between one unit and the on-chain
// base denomination of its asset. STRK has a precision of 18, the
// node quotes milli-STRK, hence 10^15. ETH is quoted in gwei, 10^9.
func (u Unit) ConversionRate() uint64 {
	switch u {
	case MilliStrk:
		return 1_000_000_000_000_000
	default:
		return 1_000_000_000
	}
}

// ToOnChain converts a unit amount into its on-chain u256 representation.
func (u Unit) ToOnChain(amount uint64) *uint256.Int {
	rate := uint256.NewInt(u.ConversionRate())
	return new(uint256.Int).Mul(uint256.NewInt(amount), rate)
}

// FromOnChain converts an on-chain u256 amount into a unit amount plus
// the remainder that the unit precision cannot express.
func (u Unit) FromOnChain(onchain *uint256.Int) (uint64, *uint256.Int, error) {
	rate := uint256.NewInt(u.ConversionRate())
	quo, rem := new(uint256.Int).DivMod(onchain, rate, new(uint256.Int))
	if !quo.IsUint64() {
		return 0, nil, ErrAmountOverflow
	}
	return quo.Uint64(), rem, nil
}
