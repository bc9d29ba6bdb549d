// Package wallet implements a client wallet: it requests quotes,
// mints, sends and receives wads, and melts proofs back on chain.
package wallet

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/paynode/crypto"
	"github.com/elnosh/paynode/paynet"
	"github.com/elnosh/paynode/wallet/storage"
)

type Config struct {
	WalletPath     string
	CurrentNodeURL string
	Unit           paynet.Unit
}

type Wallet struct {
	db      storage.WalletDB
	nodeURL string
	unit    paynet.Unit

	activeKeyset storage.WalletKeyset
	keysets      map[string]storage.WalletKeyset
}

func LoadWallet(config Config) (*Wallet, error) {
	db, err := storage.InitBolt(config.WalletPath)
	if err != nil {
		return nil, fmt.Errorf("error setting up wallet: %v", err)
	}

	wallet := &Wallet{
		db:      db,
		nodeURL: config.CurrentNodeURL,
		unit:    config.Unit,
		keysets: make(map[string]storage.WalletKeyset),
	}

	storedKeysets, err := db.GetKeysets()
	if err != nil {
		return nil, err
	}
	for _, keyset := range storedKeysets {
		wallet.keysets[keyset.Id] = keyset
	}

	activeKeyset, err := activeKeysetForUnit(config.CurrentNodeURL, config.Unit)
	if err != nil {
		return nil, err
	}
	wallet.activeKeyset = activeKeyset
	wallet.keysets[activeKeyset.Id] = activeKeyset
	if err := db.SaveKeyset(activeKeyset); err != nil {
		return nil, err
	}

	return wallet, nil
}

func (w *Wallet) Close() error {
	return w.db.Close()
}

func (w *Wallet) NodeURL() string {
	return w.nodeURL
}

// GetBalance sums the wallet's stored proofs.
func (w *Wallet) GetBalance() uint64 {
	var balance uint64
	for _, proof := range w.db.GetProofs() {
		balance += proof.Amount
	}
	return balance
}

// RequestMint asks the node for a mint quote and stores it so the
// wallet can mint once the deposit is observed.
func (w *Wallet) RequestMint(amount uint64) (*paynet.MintQuoteResponse, error) {
	quote, err := PostMintQuote(w.nodeURL, paynet.MintQuoteRequest{
		Amount: amount,
		Unit:   w.unit.String(),
	})
	if err != nil {
		return nil, err
	}

	err = w.db.SaveMintQuote(storage.WalletMintQuote{
		Id:      quote.Quote,
		Unit:    w.unit.String(),
		Amount:  amount,
		Request: quote.Request,
		Expiry:  quote.Expiry,
	})
	if err != nil {
		return nil, err
	}

	return quote, nil
}

// MintTokens redeems a paid quote into fresh proofs.
func (w *Wallet) MintTokens(quoteId string) (uint64, error) {
	quote, err := w.db.GetMintQuote(quoteId)
	if err != nil {
		return 0, err
	}

	state, err := GetMintQuoteState(w.nodeURL, quoteId)
	if err != nil {
		return 0, err
	}
	if state.State == paynet.MintQuoteUnpaid.String() {
		return 0, errors.New("quote has not been paid yet")
	}

	split := paynet.AmountSplit(quote.Amount)
	messages, secrets, rs, err := w.createBlindedMessages(split, w.activeKeyset.Id)
	if err != nil {
		return 0, err
	}

	mintResponse, err := PostMint(w.nodeURL, paynet.MintRequest{Quote: quoteId, Outputs: messages})
	if err != nil {
		return 0, err
	}

	proofs, err := w.constructProofs(mintResponse.Signatures, messages, secrets, rs)
	if err != nil {
		return 0, err
	}
	if err := w.db.SaveProofs(proofs); err != nil {
		return 0, err
	}
	if err := w.db.DeleteMintQuote(quoteId); err != nil {
		return 0, err
	}

	amount, err := proofs.Amount()
	if err != nil {
		return 0, err
	}
	return amount, nil
}

// Send swaps stored proofs into a set worth exactly amount and
// returns it serialized as a wad. Change stays in the wallet.
func (w *Wallet) Send(amount uint64, memo string) (string, error) {
	proofsToSend, err := w.getProofsForAmount(amount)
	if err != nil {
		return "", err
	}

	wad, err := paynet.NewWad(proofsToSend, w.nodeURL, w.unit, memo)
	if err != nil {
		return "", err
	}
	return wad.Serialize()
}

// Receive swaps the proofs in a wad for fresh ones so the sender can
// no longer spend them. Only wads from the wallet's node are trusted.
func (w *Wallet) Receive(wadStr string) (uint64, error) {
	wad, err := paynet.DecodeWad(wadStr)
	if err != nil {
		return 0, err
	}
	if wad.NodeURL != w.nodeURL {
		return 0, fmt.Errorf("wad is from node '%s', current node is '%s'", wad.NodeURL, w.nodeURL)
	}
	if wad.Unit != w.unit.String() {
		return 0, fmt.Errorf("wad unit '%s' does not match wallet unit '%s'", wad.Unit, w.unit)
	}

	proofs := wad.FlatProofs()
	if err := w.verifyProofsDLEQ(proofs); err != nil {
		return 0, err
	}

	amount, err := proofs.Amount()
	if err != nil {
		return 0, err
	}
	fee := w.feeForProofs(proofs)
	if amount <= fee {
		return 0, errors.New("wad amount does not cover the swap fee")
	}

	newProofs, err := w.swap(proofs, amount-fee)
	if err != nil {
		return 0, err
	}
	if err := w.db.SaveProofs(newProofs); err != nil {
		return 0, err
	}

	return amount - fee, nil
}

// Melt burns proofs to pay the on-chain request.
func (w *Wallet) Melt(request string) (*paynet.MeltQuoteResponse, error) {
	quote, err := PostMeltQuote(w.nodeURL, paynet.MeltQuoteRequest{
		Request: request,
		Unit:    w.unit.String(),
	})
	if err != nil {
		return nil, err
	}

	required, overflow := paynet.OverflowAddUint64(quote.Amount, quote.Fee)
	if overflow {
		return nil, paynet.AmountOverflowErr
	}
	inputs, err := w.getProofsForAmount(required)
	if err != nil {
		return nil, err
	}

	meltResponse, err := PostMelt(w.nodeURL, paynet.MeltRequest{Quote: quote.Quote, Inputs: inputs})
	if err != nil {
		// the node did not consume the inputs, keep them
		return nil, err
	}

	for _, proof := range inputs {
		if err := w.db.DeleteProof(proof.Secret); err != nil {
			return nil, err
		}
	}

	return meltResponse, nil
}

// getProofsForAmount selects stored proofs and swaps them so the
// wallet ends up holding proofs worth exactly amount, which are
// removed from storage and returned.
func (w *Wallet) getProofsForAmount(amount uint64) (paynet.Proofs, error) {
	selected, selectedAmount, err := w.selectProofs(amount)
	if err != nil {
		return nil, err
	}

	fee := w.feeForProofs(selected)
	required, overflow := paynet.OverflowAddUint64(amount, fee)
	if overflow {
		return nil, paynet.AmountOverflowErr
	}
	if selectedAmount < required {
		// selection was amount-driven; retry including the fee
		selected, selectedAmount, err = w.selectProofs(required)
		if err != nil {
			return nil, err
		}
		fee = w.feeForProofs(selected)
		required, overflow = paynet.OverflowAddUint64(amount, fee)
		if overflow {
			return nil, paynet.AmountOverflowErr
		}
		if selectedAmount < required {
			return nil, errors.New("insufficient funds to cover fees")
		}
	}

	if selectedAmount == required && fee == 0 {
		for _, proof := range selected {
			if err := w.db.DeleteProof(proof.Secret); err != nil {
				return nil, err
			}
		}
		return selected, nil
	}

	// swap into an exact set plus change
	sendSplit := paynet.AmountSplit(amount)
	changeSplit := paynet.AmountSplit(selectedAmount - required)

	messages, secrets, rs, err := w.createBlindedMessages(append(sendSplit, changeSplit...), w.activeKeyset.Id)
	if err != nil {
		return nil, err
	}

	swapResponse, err := PostSwap(w.nodeURL, paynet.SwapRequest{Inputs: selected, Outputs: messages})
	if err != nil {
		return nil, err
	}

	proofs, err := w.constructProofs(swapResponse.Signatures, messages, secrets, rs)
	if err != nil {
		return nil, err
	}

	for _, proof := range selected {
		if err := w.db.DeleteProof(proof.Secret); err != nil {
			return nil, err
		}
	}

	toSend := proofs[:len(sendSplit)]
	change := proofs[len(sendSplit):]
	if err := w.db.SaveProofs(change); err != nil {
		return nil, err
	}

	return toSend, nil
}

func (w *Wallet) selectProofs(amount uint64) (paynet.Proofs, uint64, error) {
	var selected paynet.Proofs
	var selectedAmount uint64

	for _, proof := range w.db.GetProofs() {
		if selectedAmount >= amount {
			break
		}
		selected = append(selected, proof)
		var overflow bool
		selectedAmount, overflow = paynet.OverflowAddUint64(selectedAmount, proof.Amount)
		if overflow {
			return nil, 0, paynet.AmountOverflowErr
		}
	}
	if selectedAmount < amount {
		return nil, 0, errors.New("insufficient funds")
	}

	return selected, selectedAmount, nil
}

func (w *Wallet) feeForProofs(proofs paynet.Proofs) uint64 {
	var maxPpk uint16
	for _, proof := range proofs {
		if keyset, ok := w.keysets[proof.KeysetId]; ok && keyset.InputFeePpk > maxPpk {
			maxPpk = keyset.InputFeePpk
		}
	}
	totalPpk := uint64(len(proofs)) * uint64(maxPpk)
	return (totalPpk + 999) / 1000
}

func (w *Wallet) swap(inputs paynet.Proofs, outputAmount uint64) (paynet.Proofs, error) {
	split := paynet.AmountSplit(outputAmount)
	messages, secrets, rs, err := w.createBlindedMessages(split, w.activeKeyset.Id)
	if err != nil {
		return nil, err
	}

	swapResponse, err := PostSwap(w.nodeURL, paynet.SwapRequest{Inputs: inputs, Outputs: messages})
	if err != nil {
		return nil, err
	}

	return w.constructProofs(swapResponse.Signatures, messages, secrets, rs)
}

// createBlindedMessages builds one blinded message per denomination
// with a fresh random secret and blinding factor.
func (w *Wallet) createBlindedMessages(split []uint64, keysetId string) (
	paynet.BlindedMessages, []string, []*secp256k1.PrivateKey, error) {

	messages := make(paynet.BlindedMessages, len(split))
	secrets := make([]string, len(split))
	rs := make([]*secp256k1.PrivateKey, len(split))

	for i, amount := range split {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return nil, nil, nil, err
		}
		secret := hex.EncodeToString(secretBytes)

		r, err := crypto.GenerateBlindingFactor()
		if err != nil {
			return nil, nil, nil, err
		}

		B_, _, err := crypto.BlindMessage(secret, r)
		if err != nil {
			return nil, nil, nil, err
		}

		messages[i] = paynet.NewBlindedMessage(keysetId, amount, B_)
		secrets[i] = secret
		rs[i] = r
	}

	return messages, secrets, rs, nil
}

// constructProofs unblinds the signatures, checking the DLEQ proof of
// every signature that carries one against the node's published key.
func (w *Wallet) constructProofs(signatures paynet.BlindedSignatures,
	messages paynet.BlindedMessages, secrets []string, rs []*secp256k1.PrivateKey) (paynet.Proofs, error) {

	if len(signatures) != len(secrets) {
		return nil, errors.New("node returned a different number of signatures")
	}

	proofs := make(paynet.Proofs, len(signatures))
	for i, signature := range signatures {
		C_bytes, err := hex.DecodeString(signature.C_)
		if err != nil {
			return nil, err
		}
		C_, err := secp256k1.ParsePubKey(C_bytes)
		if err != nil {
			return nil, err
		}

		K, err := w.keysetPublicKey(signature.KeysetId, signature.Amount)
		if err != nil {
			return nil, err
		}

		if signature.DLEQ != nil {
			if err := w.verifySignatureDLEQ(signature, messages[i].B_, K, C_); err != nil {
				return nil, err
			}
		}

		C := crypto.UnblindSignature(C_, rs[i], K)

		proof := paynet.Proof{
			Amount:   signature.Amount,
			KeysetId: signature.KeysetId,
			Secret:   secrets[i],
			C:        hex.EncodeToString(C.SerializeCompressed()),
		}
		if signature.DLEQ != nil {
			proof.DLEQ = &paynet.DLEQProof{
				E: signature.DLEQ.E,
				S: signature.DLEQ.S,
				R: hex.EncodeToString(rs[i].Serialize()),
			}
		}
		proofs[i] = proof
	}

	return proofs, nil
}

func (w *Wallet) verifySignatureDLEQ(signature paynet.BlindedSignature, B_hex string,
	K, C_ *secp256k1.PublicKey) error {

	e, s, _, err := parseDLEQ(*signature.DLEQ)
	if err != nil {
		return err
	}

	B_bytes, err := hex.DecodeString(B_hex)
	if err != nil {
		return err
	}
	B_, err := secp256k1.ParsePubKey(B_bytes)
	if err != nil {
		return err
	}

	if !crypto.VerifyDLEQ(e, s, K, B_, C_) {
		return errors.New("invalid DLEQ proof in signature")
	}
	return nil
}

// verifyProofsDLEQ checks received proofs carrying DLEQ proofs.
// Proofs without one are accepted, the node is trusted for them.
func (w *Wallet) verifyProofsDLEQ(proofs paynet.Proofs) error {
	for _, proof := range proofs {
		if proof.DLEQ == nil {
			continue
		}

		e, s, r, err := parseDLEQ(*proof.DLEQ)
		if err != nil {
			return err
		}
		if r == nil {
			return errors.New("proof DLEQ is missing the blinding factor")
		}

		K, err := w.keysetPublicKey(proof.KeysetId, proof.Amount)
		if err != nil {
			return err
		}

		B_, _, err := crypto.BlindMessage(proof.Secret, r)
		if err != nil {
			return err
		}

		Cbytes, err := hex.DecodeString(proof.C)
		if err != nil {
			return err
		}
		C, err := secp256k1.ParsePubKey(Cbytes)
		if err != nil {
			return err
		}

		// C_ = C + r*K
		var CPoint, rKPoint, C_Point secp256k1.JacobianPoint
		C.AsJacobian(&CPoint)
		var KPoint secp256k1.JacobianPoint
		K.AsJacobian(&KPoint)
		secp256k1.ScalarMultNonConst(&r.Key, &KPoint, &rKPoint)
		rKPoint.ToAffine()
		secp256k1.AddNonConst(&CPoint, &rKPoint, &C_Point)
		C_Point.ToAffine()
		C_ := secp256k1.NewPublicKey(&C_Point.X, &C_Point.Y)

		if !crypto.VerifyDLEQ(e, s, K, B_, C_) {
			return errors.New("invalid DLEQ proof in received proof")
		}
	}
	return nil
}

func parseDLEQ(dleq paynet.DLEQProof) (*secp256k1.PrivateKey, *secp256k1.PrivateKey, *secp256k1.PrivateKey, error) {
	eBytes, err := hex.DecodeString(dleq.E)
	if err != nil {
		return nil, nil, nil, err
	}
	sBytes, err := hex.DecodeString(dleq.S)
	if err != nil {
		return nil, nil, nil, err
	}

	e := secp256k1.PrivKeyFromBytes(eBytes)
	s := secp256k1.PrivKeyFromBytes(sBytes)

	if dleq.R == "" {
		return e, s, nil, nil
	}
	rBytes, err := hex.DecodeString(dleq.R)
	if err != nil {
		return nil, nil, nil, err
	}
	return e, s, secp256k1.PrivKeyFromBytes(rBytes), nil
}
