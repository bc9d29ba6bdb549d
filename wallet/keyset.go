package wallet

import (
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/paynode/paynet"
	"github.com/elnosh/paynode/wallet/storage"
)

// activeKeysetForUnit fetches the node's keyset list and public keys
// and returns the active keyset of the wanted unit.
func activeKeysetForUnit(nodeURL string, unit paynet.Unit) (storage.WalletKeyset, error) {
	keysetsResponse, err := GetAllKeysets(nodeURL)
	if err != nil {
		return storage.WalletKeyset{}, err
	}

	var active *paynet.KeysetInfo
	for _, keyset := range keysetsResponse.Keysets {
		if keyset.Active && keyset.Unit == unit.String() {
			k := keyset
			active = &k
			break
		}
	}
	if active == nil {
		return storage.WalletKeyset{}, fmt.Errorf("node has no active keyset for unit '%s'", unit)
	}

	keysResponse, err := GetKeysetById(nodeURL, active.Id)
	if err != nil {
		return storage.WalletKeyset{}, err
	}
	if len(keysResponse.Keysets) != 1 {
		return storage.WalletKeyset{}, fmt.Errorf("node returned %d keysets for id '%s'",
			len(keysResponse.Keysets), active.Id)
	}

	return storage.WalletKeyset{
		Id:          active.Id,
		NodeURL:     nodeURL,
		Unit:        active.Unit,
		Active:      true,
		InputFeePpk: active.InputFeePpk,
		PublicKeys:  keysResponse.Keysets[0].Keys,
	}, nil
}

func (w *Wallet) keysetPublicKey(keysetId string, amount uint64) (*secp256k1.PublicKey, error) {
	keyset, err := w.keyset(keysetId)
	if err != nil {
		return nil, err
	}

	pubkeyHex, ok := keyset.PublicKeys[amount]
	if !ok {
		return nil, fmt.Errorf("keyset '%s' has no key for amount %d", keysetId, amount)
	}

	pubkeyBytes, err := hex.DecodeString(pubkeyHex)
	if err != nil {
		return nil, err
	}
	return secp256k1.ParsePubKey(pubkeyBytes)
}

func (w *Wallet) keyset(keysetId string) (storage.WalletKeyset, error) {
	if keyset, ok := w.keysets[keysetId]; ok {
		return keyset, nil
	}

	keysResponse, err := GetKeysetById(w.nodeURL, keysetId)
	if err != nil {
		return storage.WalletKeyset{}, err
	}
	if len(keysResponse.Keysets) != 1 {
		return storage.WalletKeyset{}, fmt.Errorf("unknown keyset '%s'", keysetId)
	}

	keyset := storage.WalletKeyset{
		Id:         keysetId,
		NodeURL:    w.nodeURL,
		Unit:       keysResponse.Keysets[0].Unit,
		PublicKeys: keysResponse.Keysets[0].Keys,
	}
	w.keysets[keysetId] = keyset
	if err := w.db.SaveKeyset(keyset); err != nil {
		return storage.WalletKeyset{}, err
	}
	return keyset, nil
}
