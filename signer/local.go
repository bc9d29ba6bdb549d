package signer

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/paynode/crypto"
	"github.com/elnosh/paynode/paynet"
)

// LocalSigner holds the master key in process. It backs the signer
// daemon and is used directly in tests and single-binary setups.
type LocalSigner struct {
	master *hdkeychain.ExtendedKey

	mu      sync.RWMutex
	keysets map[string]*crypto.Keyset
}

func NewLocalSigner(seed []byte) (*LocalSigner, error) {
	master, err := crypto.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("error deriving master key: %v", err)
	}

	return &LocalSigner{
		master:  master,
		keysets: make(map[string]*crypto.Keyset),
	}, nil
}

func (s *LocalSigner) DeclareKeyset(_ context.Context, unit string, index uint32, maxOrder uint) (*DeclaredKeyset, error) {
	keyset, err := crypto.GenerateKeyset(s.master, unit, index, maxOrder, 0)
	if err != nil {
		return nil, fmt.Errorf("error generating keyset: %v", err)
	}

	s.mu.Lock()
	s.keysets[keyset.Id] = keyset
	s.mu.Unlock()

	return &DeclaredKeyset{
		Id:       keyset.Id,
		Unit:     unit,
		Index:    index,
		MaxOrder: maxOrder,
		Keys:     keyset.DerivePublic(),
	}, nil
}

func (s *LocalSigner) SignBlindedMessages(_ context.Context, messages paynet.BlindedMessages) (paynet.BlindedSignatures, error) {
	signatures := make(paynet.BlindedSignatures, len(messages))

	for i, msg := range messages {
		k, err := s.keyFor(msg.KeysetId, msg.Amount)
		if err != nil {
			return nil, err
		}

		B_bytes, err := hex.DecodeString(msg.B_)
		if err != nil {
			return nil, fmt.Errorf("invalid B_: %v", err)
		}
		B_, err := secp256k1.ParsePubKey(B_bytes)
		if err != nil {
			return nil, fmt.Errorf("invalid B_: %v", err)
		}

		C_ := crypto.SignBlindedMessage(B_, k)
		e, dleqS, err := crypto.GenerateDLEQ(k, B_, C_)
		if err != nil {
			return nil, fmt.Errorf("error generating DLEQ proof: %v", err)
		}

		signatures[i] = paynet.BlindedSignature{
			Amount:   msg.Amount,
			KeysetId: msg.KeysetId,
			C_:       hex.EncodeToString(C_.SerializeCompressed()),
			DLEQ: &paynet.DLEQProof{
				E: hex.EncodeToString(e.Serialize()),
				S: hex.EncodeToString(dleqS.Serialize()),
			},
		}
	}

	return signatures, nil
}

func (s *LocalSigner) VerifyProofs(_ context.Context, proofs paynet.Proofs) (bool, error) {
	for _, proof := range proofs {
		k, err := s.keyFor(proof.KeysetId, proof.Amount)
		if err != nil {
			return false, err
		}

		Cbytes, err := hex.DecodeString(proof.C)
		if err != nil {
			return false, nil
		}
		C, err := secp256k1.ParsePubKey(Cbytes)
		if err != nil {
			return false, nil
		}

		if !crypto.Verify(proof.Secret, k, C) {
			return false, nil
		}
	}
	return true, nil
}

func (s *LocalSigner) keyFor(keysetId string, amount uint64) (*secp256k1.PrivateKey, error) {
	s.mu.RLock()
	keyset, ok := s.keysets[keysetId]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown keyset '%s'", keysetId)
	}

	key, ok := keyset.Keys[amount]
	if !ok {
		return nil, fmt.Errorf("keyset '%s' has no key for amount %d", keysetId, amount)
	}
	return key.PrivateKey, nil
}
