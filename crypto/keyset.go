package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// KeysetIdBytes is the length of a keyset fingerprint.
const KeysetIdBytes = 8

// Keyset is a per-unit bundle of per-denomination key pairs held
// by the signer. The node only ever sees the public half.
type Keyset struct {
	Id                string
	Unit              string
	Active            bool
	DerivationPathIdx uint32
	InputFeePpk       uint16
	Keys              map[uint64]KeyPair
}

type KeyPair struct {
	PrivateKey *secp256k1.PrivateKey
	PublicKey  *secp256k1.PublicKey
}

// UnitDerivationIndex returns the stable 31-bit tag of a unit used
// as the second child in the derivation path, so different units
// never share signing keys.
func UnitDerivationIndex(unit string) uint32 {
	hash := sha256.Sum256([]byte(unit))
	return binary.BigEndian.Uint32(hash[:4]) & 0x7FFFFFFF
}

// GenerateKeyset derives the keyset for (unit, index) from the master
// key at m/0'/unit_tag'/index'/slot' with one child per power-of-two
// slot.
func GenerateKeyset(master *hdkeychain.ExtendedKey, unit string, index uint32,
	maxOrder uint, inputFeePpk uint16) (*Keyset, error) {

	if maxOrder == 0 || maxOrder > 64 {
		return nil, fmt.Errorf("invalid max order %d", maxOrder)
	}

	purpose, err := master.Derive(hdkeychain.HardenedKeyStart)
	if err != nil {
		return nil, err
	}
	unitKey, err := purpose.Derive(hdkeychain.HardenedKeyStart + UnitDerivationIndex(unit))
	if err != nil {
		return nil, err
	}
	indexKey, err := unitKey.Derive(hdkeychain.HardenedKeyStart + index)
	if err != nil {
		return nil, err
	}

	keys := make(map[uint64]KeyPair, maxOrder)
	for i := uint(0); i < maxOrder; i++ {
		child, err := indexKey.Derive(hdkeychain.HardenedKeyStart + uint32(i))
		if err != nil {
			return nil, err
		}
		privKey, err := child.ECPrivKey()
		if err != nil {
			return nil, err
		}
		amount := uint64(1) << i
		keys[amount] = KeyPair{PrivateKey: privKey, PublicKey: privKey.PubKey()}
	}

	keyset := &Keyset{
		Id:                DeriveKeysetId(unit, publicKeys(keys)),
		Unit:              unit,
		Active:            true,
		DerivationPathIdx: index,
		InputFeePpk:       inputFeePpk,
		Keys:              keys,
	}
	return keyset, nil
}

// NewMasterKey builds the signer's BIP32 root from a seed.
func NewMasterKey(seed []byte) (*hdkeychain.ExtendedKey, error) {
	return hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
}

// DeriveKeysetId computes the deterministic fingerprint of a keyset:
// the first 8 bytes of SHA256 over the compressed public keys sorted
// by denomination, followed by the unit.
func DeriveKeysetId(unit string, keys map[uint64]*secp256k1.PublicKey) string {
	amounts := make([]uint64, 0, len(keys))
	for amount := range keys {
		amounts = append(amounts, amount)
	}
	sort.Slice(amounts, func(i, j int) bool { return amounts[i] < amounts[j] })

	hash := sha256.New()
	for _, amount := range amounts {
		hash.Write(keys[amount].SerializeCompressed())
	}
	hash.Write([]byte(unit))

	return hex.EncodeToString(hash.Sum(nil)[:KeysetIdBytes])
}

// DerivePublic returns the hex public keys by denomination.
func (ks *Keyset) DerivePublic() map[uint64]string {
	pubKeys := make(map[uint64]string, len(ks.Keys))
	for amount, key := range ks.Keys {
		pubKeys[amount] = hex.EncodeToString(key.PublicKey.SerializeCompressed())
	}
	return pubKeys
}

func publicKeys(keys map[uint64]KeyPair) map[uint64]*secp256k1.PublicKey {
	pubKeys := make(map[uint64]*secp256k1.PublicKey, len(keys))
	for amount, key := range keys {
		pubKeys[amount] = key.PublicKey
	}
	return pubKeys
}
