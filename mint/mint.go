package mint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/paynode/crypto"
	"github.com/elnosh/paynode/mint/storage"
	"github.com/elnosh/paynode/onchain"
	"github.com/elnosh/paynode/paynet"
	"github.com/elnosh/paynode/signer"
	"github.com/google/uuid"
)

const (
	QuoteExpiry = time.Hour

	// how long a swap may keep proofs reserved before the sweeper
	// releases them
	SwapPendingMax = 10 * time.Second

	signerRetries = 3
	signerBackoff = 100 * time.Millisecond
)

// KeysetInfo is the node-side view of a keyset: public keys only,
// the private halves never leave the signer.
type KeysetInfo struct {
	Id                string
	Unit              paynet.Unit
	Active            bool
	MaxOrder          uint
	DerivationPathIdx uint32
	InputFeePpk       uint16
	Keys              map[uint64]*secp256k1.PublicKey
}

type Mint struct {
	db       storage.MintDB
	signer   signer.Signer
	backends map[paynet.Unit]onchain.Backend
	logger   *slog.Logger

	// read-through cache of a monotonically growing set. Rotation
	// inserts new entries and flips Active, it never removes.
	mu      sync.RWMutex
	keysets map[string]*KeysetInfo
	active  map[paynet.Unit]string
}

type Options struct {
	Units       []paynet.Unit
	MaxOrder    uint
	InputFeePpk uint16
}

// LoadMint restores the keyset cache from storage and makes sure
// every configured unit has an active keyset, deriving the first one
// through the signer when missing.
func LoadMint(db storage.MintDB, sig signer.Signer, backends map[paynet.Unit]onchain.Backend,
	opts Options, logger *slog.Logger) (*Mint, error) {

	if opts.MaxOrder == 0 || opts.MaxOrder > paynet.MaxOrder {
		return nil, fmt.Errorf("invalid max order %d", opts.MaxOrder)
	}

	mint := &Mint{
		db:       db,
		signer:   sig,
		backends: backends,
		logger:   logger,
		keysets:  make(map[string]*KeysetInfo),
		active:   make(map[paynet.Unit]string),
	}

	dbKeysets, err := db.GetKeysets()
	if err != nil {
		return nil, fmt.Errorf("error reading keysets: %v", err)
	}

	for _, dbKeyset := range dbKeysets {
		info, err := mint.declareKeyset(context.Background(), dbKeyset)
		if err != nil {
			return nil, err
		}
		mint.keysets[info.Id] = info
		if info.Active {
			mint.active[info.Unit] = info.Id
		}
	}

	for _, unit := range opts.Units {
		if _, ok := backends[unit]; !ok {
			return nil, fmt.Errorf("no backend configured for unit '%s'", unit)
		}
		if _, ok := mint.active[unit]; ok {
			continue
		}

		declared, err := sig.DeclareKeyset(context.Background(), unit.String(), 0, opts.MaxOrder)
		if err != nil {
			return nil, fmt.Errorf("error declaring keyset for unit '%s': %v", unit, err)
		}
		dbKeyset := storage.DBKeyset{
			Id:                declared.Id,
			Unit:              unit.String(),
			Active:            true,
			MaxOrder:          opts.MaxOrder,
			DerivationPathIdx: 0,
			InputFeePpk:       opts.InputFeePpk,
		}
		if err := db.SaveKeyset(dbKeyset); err != nil {
			return nil, err
		}

		info, err := keysetInfoFromDeclared(dbKeyset, declared)
		if err != nil {
			return nil, err
		}
		mint.keysets[info.Id] = info
		mint.active[unit] = info.Id
		logger.Info("created keyset",
			slog.String("id", info.Id), slog.String("unit", unit.String()))
	}

	return mint, nil
}

// declareKeyset re-derives a stored keyset's public keys through the
// signer. Derivation is deterministic so the id must round-trip.
func (m *Mint) declareKeyset(ctx context.Context, dbKeyset storage.DBKeyset) (*KeysetInfo, error) {
	declared, err := m.signer.DeclareKeyset(ctx, dbKeyset.Unit, dbKeyset.DerivationPathIdx, dbKeyset.MaxOrder)
	if err != nil {
		return nil, fmt.Errorf("error declaring keyset '%s': %v", dbKeyset.Id, err)
	}
	if declared.Id != dbKeyset.Id {
		return nil, fmt.Errorf("signer derived keyset '%s', stored id is '%s'", declared.Id, dbKeyset.Id)
	}
	return keysetInfoFromDeclared(dbKeyset, declared)
}

func keysetInfoFromDeclared(dbKeyset storage.DBKeyset, declared *signer.DeclaredKeyset) (*KeysetInfo, error) {
	keys := make(map[uint64]*secp256k1.PublicKey, len(declared.Keys))
	for amount, pubkeyHex := range declared.Keys {
		pubkeyBytes, err := hex.DecodeString(pubkeyHex)
		if err != nil {
			return nil, fmt.Errorf("invalid public key in keyset '%s': %v", dbKeyset.Id, err)
		}
		pubkey, err := secp256k1.ParsePubKey(pubkeyBytes)
		if err != nil {
			return nil, fmt.Errorf("invalid public key in keyset '%s': %v", dbKeyset.Id, err)
		}
		keys[amount] = pubkey
	}

	unit, err := paynet.UnitFromString(dbKeyset.Unit)
	if err != nil {
		return nil, err
	}

	return &KeysetInfo{
		Id:                dbKeyset.Id,
		Unit:              unit,
		Active:            dbKeyset.Active,
		MaxOrder:          dbKeyset.MaxOrder,
		DerivationPathIdx: dbKeyset.DerivationPathIdx,
		InputFeePpk:       dbKeyset.InputFeePpk,
		Keys:              keys,
	}, nil
}

// Keysets returns every keyset the node knows, active or not.
func (m *Mint) Keysets() []*KeysetInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keysets := make([]*KeysetInfo, 0, len(m.keysets))
	for _, keyset := range m.keysets {
		keysets = append(keysets, keyset)
	}
	return keysets
}

// Keyset looks up one keyset by id. A cache miss falls through to
// storage plus one signer round-trip.
func (m *Mint) Keyset(id string) (*KeysetInfo, error) {
	m.mu.RLock()
	keyset, ok := m.keysets[id]
	m.mu.RUnlock()
	if ok {
		return keyset, nil
	}

	dbKeyset, err := m.db.GetKeyset(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, paynet.UnknownKeysetErr
		}
		return nil, err
	}
	info, err := m.declareKeyset(context.Background(), dbKeyset)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.keysets[info.Id] = info
	m.mu.Unlock()

	return info, nil
}

// RotateKeysets flips every active keyset to inactive and installs a
// successor at the next derivation index. At most one active keyset
// per unit holds before and after.
func (m *Mint) RotateKeysets(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for unit, keysetId := range m.active {
		current := m.keysets[keysetId]
		nextIndex := current.DerivationPathIdx + 1

		declared, err := m.signer.DeclareKeyset(ctx, unit.String(), nextIndex, current.MaxOrder)
		if err != nil {
			return fmt.Errorf("error declaring keyset for unit '%s': %v", unit, err)
		}

		dbKeyset := storage.DBKeyset{
			Id:                declared.Id,
			Unit:              unit.String(),
			Active:            true,
			MaxOrder:          current.MaxOrder,
			DerivationPathIdx: nextIndex,
			InputFeePpk:       current.InputFeePpk,
		}
		if err := m.db.ReplaceActiveKeyset(unit.String(), dbKeyset); err != nil {
			return fmt.Errorf("error rotating keyset for unit '%s': %v", unit, err)
		}

		info, err := keysetInfoFromDeclared(dbKeyset, declared)
		if err != nil {
			return err
		}
		current.Active = false
		m.keysets[info.Id] = info
		m.active[unit] = info.Id

		m.logger.Info("rotated keyset", slog.String("unit", unit.String()),
			slog.String("old", keysetId), slog.String("new", info.Id))
	}
	return nil
}

// InvoiceId derives the on-chain invoice tag of a quote id: the
// uppercase hex SHA256 over the UUID's raw bytes.
func InvoiceId(quoteId uuid.UUID) string {
	hash := sha256.Sum256(quoteId[:])
	return fmt.Sprintf("%X", hash)
}

// RequestMintQuote creates an UNPAID mint quote and the deposit
// payment request a wallet has to execute on chain.
func (m *Mint) RequestMintQuote(unitStr string, amount uint64) (storage.MintQuote, error) {
	unit, err := paynet.UnitFromString(unitStr)
	if err != nil {
		return storage.MintQuote{}, paynet.UnitNotSupportedErr
	}
	backend, ok := m.backends[unit]
	if !ok {
		return storage.MintQuote{}, paynet.UnitNotSupportedErr
	}
	if amount == 0 {
		return storage.MintQuote{}, paynet.BuildError("amount cannot be 0", paynet.StandardErrCode)
	}

	quoteId := uuid.New()
	invoiceId := InvoiceId(quoteId)

	request, err := paynet.DepositPaymentRequest{
		Asset:     string(unit.Asset()),
		Payee:     backend.DepositAddress(),
		InvoiceId: invoiceId,
		Amount:    paynet.U256FromInt(unit.ToOnChain(amount)),
	}.Encode()
	if err != nil {
		return storage.MintQuote{}, err
	}

	quote := storage.MintQuote{
		Id:        quoteId.String(),
		InvoiceId: invoiceId,
		Unit:      unit.String(),
		Amount:    amount,
		Request:   request,
		State:     paynet.MintQuoteUnpaid,
		Expiry:    time.Now().Add(QuoteExpiry).Unix(),
	}
	if err := m.db.SaveMintQuote(quote); err != nil {
		return storage.MintQuote{}, fmt.Errorf("error saving mint quote: %v", err)
	}

	m.logger.Info("created mint quote", slog.String("id", quote.Id),
		slog.String("unit", quote.Unit), slog.Uint64("amount", amount))
	return quote, nil
}

func (m *Mint) GetMintQuoteState(quoteId string) (storage.MintQuote, error) {
	quote, err := m.db.GetMintQuote(quoteId)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.MintQuote{}, paynet.UnknownQuoteErr
		}
		return storage.MintQuote{}, err
	}
	return quote, nil
}

// MintTokens signs the blinded messages of a PAID quote and flips it
// to ISSUED. Fully idempotent: a retry with the same outputs returns
// the stored signatures without another signer call.
func (m *Mint) MintTokens(ctx context.Context, quoteId string, outputs paynet.BlindedMessages) (paynet.BlindedSignatures, error) {
	quote, err := m.GetMintQuoteState(quoteId)
	if err != nil {
		return nil, err
	}

	if len(outputs) == 0 {
		return nil, paynet.EmptyBodyErr
	}
	if paynet.CheckDuplicateBlindedMessages(outputs) {
		return nil, paynet.DuplicateOutputs
	}

	outputAmount, err := outputs.Amount()
	if err != nil {
		return nil, paynet.AmountOverflowErr
	}
	if outputAmount != quote.Amount {
		return nil, paynet.AmountMismatchErr
	}

	B_s := blindedSecrets(outputs)

	switch quote.State {
	case paynet.MintQuoteUnpaid:
		return nil, paynet.QuoteNotPaidErr
	case paynet.MintQuoteIssued:
		// idempotent retry: same outputs get the stored signatures
		signatures, err := m.db.GetBlindSignatures(B_s)
		if err != nil {
			return nil, err
		}
		if len(signatures) != len(outputs) {
			return nil, paynet.QuoteAlreadyIssuedErr
		}
		return signatures, nil
	}

	if _, err := m.validateOutputs(outputs, quote.Unit); err != nil {
		return nil, err
	}

	existing, err := m.db.GetBlindSignatures(B_s)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, paynet.BlindedMessageSigned
	}

	signatures, err := m.signOutputs(ctx, outputs)
	if err != nil {
		return nil, err
	}

	if err := m.db.CommitMintIssuance(quoteId, B_s, signatures); err != nil {
		if errors.Is(err, storage.ErrBlindSignatureExists) {
			// a concurrent retry won the race; return what it stored
			stored, err := m.db.GetBlindSignatures(B_s)
			if err == nil && len(stored) == len(outputs) {
				return stored, nil
			}
			return nil, paynet.BlindedMessageSigned
		}
		return nil, fmt.Errorf("error committing issuance: %v", err)
	}

	m.logger.Info("minted tokens", slog.String("quote", quoteId),
		slog.Uint64("amount", outputAmount))
	return signatures, nil
}

// Swap atomically exchanges input proofs for fresh signatures of
// equal value minus fees.
func (m *Mint) Swap(ctx context.Context, inputs paynet.Proofs, outputs paynet.BlindedMessages) (paynet.BlindedSignatures, error) {
	if len(inputs) == 0 {
		return nil, paynet.NoProofsProvided
	}
	if len(outputs) == 0 {
		return nil, paynet.EmptyBodyErr
	}
	if paynet.CheckDuplicateBlindedMessages(outputs) {
		return nil, paynet.DuplicateOutputs
	}

	outputUnit, err := m.validateOutputs(outputs, "")
	if err != nil {
		return nil, err
	}

	inputAmount, fee, ys, err := m.validateInputs(ctx, inputs, outputUnit)
	if err != nil {
		return nil, err
	}

	outputAmount, err := outputs.Amount()
	if err != nil {
		return nil, paynet.AmountOverflowErr
	}
	required, overflow := paynet.OverflowAddUint64(outputAmount, fee)
	if overflow {
		return nil, paynet.AmountOverflowErr
	}
	if inputAmount < required {
		return nil, paynet.InsufficientProofsErr
	}

	// reserve the inputs; a conflict on any y is a double spend
	if err := m.db.AddPendingProofs(proofsToDB(inputs, ys, "")); err != nil {
		if errors.Is(err, storage.ErrProofExists) {
			return nil, paynet.DoubleSpendErr
		}
		return nil, fmt.Errorf("error reserving proofs: %v", err)
	}

	signatures, err := m.signOutputs(ctx, outputs)
	if err != nil {
		if rollbackErr := m.db.FinalizeProofs(ys, false); rollbackErr != nil {
			m.logger.Error("error rolling back pending proofs",
				slog.String("err", rollbackErr.Error()))
		}
		return nil, err
	}

	B_s := blindedSecrets(outputs)
	if err := m.db.CommitSwap(ys, B_s, signatures); err != nil {
		if errors.Is(err, storage.ErrBlindSignatureExists) {
			if rollbackErr := m.db.FinalizeProofs(ys, false); rollbackErr != nil {
				m.logger.Error("error rolling back pending proofs",
					slog.String("err", rollbackErr.Error()))
			}
			return nil, paynet.BlindedMessageSigned
		}
		return nil, fmt.Errorf("error committing swap: %v", err)
	}

	m.logger.Info("swapped proofs", slog.Uint64("amount", outputAmount),
		slog.Uint64("fee", fee))
	return signatures, nil
}

// RequestMeltQuote validates the on-chain payment request and records
// an UNPAID melt quote with the estimated fee.
func (m *Mint) RequestMeltQuote(ctx context.Context, unitStr, request string) (storage.MeltQuote, error) {
	unit, err := paynet.UnitFromString(unitStr)
	if err != nil {
		return storage.MeltQuote{}, paynet.UnitNotSupportedErr
	}
	backend, ok := m.backends[unit]
	if !ok {
		return storage.MeltQuote{}, paynet.UnitNotSupportedErr
	}

	payment, err := paynet.DecodeMeltPaymentRequest(request)
	if err != nil {
		return storage.MeltQuote{}, paynet.InvalidPaymentRequest
	}
	if !unit.IsAssetSupported(paynet.Asset(payment.Asset)) {
		return storage.MeltQuote{}, paynet.BuildError(
			fmt.Sprintf("asset '%s' cannot back unit '%s'", payment.Asset, unit),
			paynet.InvalidRequestErrCode)
	}

	onchainAmount, err := payment.Amount.Int()
	if err != nil {
		return storage.MeltQuote{}, paynet.InvalidPaymentRequest
	}
	amount, remainder, err := unit.FromOnChain(onchainAmount)
	if err != nil {
		return storage.MeltQuote{}, paynet.AmountOverflowErr
	}
	if !remainder.IsZero() {
		return storage.MeltQuote{}, paynet.BuildError(
			"amount is not representable in the requested unit",
			paynet.InvalidRequestErrCode)
	}
	if amount == 0 {
		return storage.MeltQuote{}, paynet.BuildError("amount cannot be 0", paynet.InvalidRequestErrCode)
	}

	quoteId := uuid.New()
	withdrawal := onchain.Withdrawal{
		Asset:     payment.Asset,
		Payee:     payment.Payee,
		InvoiceId: InvoiceId(quoteId),
		Amount:    onchainAmount,
	}
	onchainFee, err := backend.EstimateWithdrawalFee(ctx, withdrawal)
	if err != nil {
		m.logger.Error("error estimating withdrawal fee", slog.String("err", err.Error()))
		return storage.MeltQuote{}, paynet.CashierUnavailableErr
	}
	fee, feeRemainder, err := unit.FromOnChain(onchainFee)
	if err != nil {
		return storage.MeltQuote{}, paynet.AmountOverflowErr
	}
	if !feeRemainder.IsZero() {
		fee++
	}

	quote := storage.MeltQuote{
		Id:        quoteId.String(),
		InvoiceId: withdrawal.InvoiceId,
		Unit:      unit.String(),
		Amount:    amount,
		Fee:       fee,
		Request:   request,
		State:     paynet.MeltQuoteUnpaid,
		Expiry:    time.Now().Add(QuoteExpiry).Unix(),
	}
	if err := m.db.SaveMeltQuote(quote); err != nil {
		return storage.MeltQuote{}, fmt.Errorf("error saving melt quote: %v", err)
	}

	m.logger.Info("created melt quote", slog.String("id", quote.Id),
		slog.String("unit", quote.Unit), slog.Uint64("amount", amount))
	return quote, nil
}

func (m *Mint) GetMeltQuoteState(quoteId string) (storage.MeltQuote, error) {
	quote, err := m.db.GetMeltQuote(quoteId)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.MeltQuote{}, paynet.UnknownQuoteErr
		}
		return storage.MeltQuote{}, err
	}
	return quote, nil
}

// MeltTokens consumes the input proofs and submits the withdrawal to
// the cashier. On synchronous rejection the proofs are rolled back
// and the quote returns to UNPAID so the client can retry.
func (m *Mint) MeltTokens(ctx context.Context, quoteId string, inputs paynet.Proofs) (storage.MeltQuote, error) {
	quote, err := m.GetMeltQuoteState(quoteId)
	if err != nil {
		return storage.MeltQuote{}, err
	}

	switch quote.State {
	case paynet.MeltQuotePending:
		return storage.MeltQuote{}, paynet.MeltQuotePendingErr
	case paynet.MeltQuotePaid:
		return storage.MeltQuote{}, paynet.MeltQuoteAlreadyPaid
	}
	if time.Now().Unix() > quote.Expiry {
		return storage.MeltQuote{}, paynet.QuoteExpiredErr
	}

	if len(inputs) == 0 {
		return storage.MeltQuote{}, paynet.NoProofsProvided
	}

	unit, err := paynet.UnitFromString(quote.Unit)
	if err != nil {
		return storage.MeltQuote{}, err
	}

	inputAmount, inputFee, ys, err := m.validateInputs(ctx, inputs, unit)
	if err != nil {
		return storage.MeltQuote{}, err
	}

	required := quote.Amount
	for _, add := range []uint64{quote.Fee, inputFee} {
		var overflow bool
		required, overflow = paynet.OverflowAddUint64(required, add)
		if overflow {
			return storage.MeltQuote{}, paynet.AmountOverflowErr
		}
	}
	if inputAmount < required {
		return storage.MeltQuote{}, paynet.InsufficientProofsErr
	}

	if err := m.db.CommitMeltPending(quoteId, proofsToDB(inputs, ys, quoteId)); err != nil {
		if errors.Is(err, storage.ErrProofExists) {
			return storage.MeltQuote{}, paynet.DoubleSpendErr
		}
		return storage.MeltQuote{}, fmt.Errorf("error reserving proofs: %v", err)
	}

	payment, err := paynet.DecodeMeltPaymentRequest(quote.Request)
	if err != nil {
		// the request was validated at quote time
		return storage.MeltQuote{}, err
	}
	onchainAmount, err := payment.Amount.Int()
	if err != nil {
		return storage.MeltQuote{}, err
	}

	backend := m.backends[unit]
	txHash, err := backend.SubmitWithdrawal(ctx, onchain.Withdrawal{
		Asset:     payment.Asset,
		Payee:     payment.Payee,
		InvoiceId: quote.InvoiceId,
		Amount:    onchainAmount,
	})
	if err != nil {
		if rollbackErr := m.db.RollbackMeltPending(quoteId); rollbackErr != nil {
			m.logger.Error("error rolling back melt",
				slog.String("quote", quoteId), slog.String("err", rollbackErr.Error()))
		}
		if errors.Is(err, onchain.ErrWithdrawalRejected) {
			return storage.MeltQuote{}, paynet.BuildError(
				fmt.Sprintf("withdrawal rejected: %v", err), paynet.InvalidRequestErrCode)
		}
		m.logger.Error("error submitting withdrawal", slog.String("err", err.Error()))
		return storage.MeltQuote{}, paynet.CashierUnavailableErr
	}

	if err := m.db.SetMeltQuoteTxHash(quoteId, txHash); err != nil {
		m.logger.Error("error saving withdrawal tx hash",
			slog.String("quote", quoteId), slog.String("err", err.Error()))
	}

	quote.State = paynet.MeltQuotePending
	quote.TxHash = txHash
	m.logger.Info("submitted withdrawal", slog.String("quote", quoteId),
		slog.String("tx_hash", txHash))
	return quote, nil
}

// validateOutputs checks every blinded message references an active,
// unit-consistent keyset with a valid denomination. expectedUnit may
// be empty when the outputs themselves determine the unit.
func (m *Mint) validateOutputs(outputs paynet.BlindedMessages, expectedUnit string) (paynet.Unit, error) {
	var unit paynet.Unit
	if expectedUnit != "" {
		parsed, err := paynet.UnitFromString(expectedUnit)
		if err != nil {
			return "", paynet.UnitNotSupportedErr
		}
		unit = parsed
	}

	for _, output := range outputs {
		keyset, err := m.Keyset(output.KeysetId)
		if err != nil {
			return "", err
		}
		if !keyset.Active {
			return "", paynet.InactiveKeysetErr
		}
		if unit == "" {
			unit = keyset.Unit
		} else if keyset.Unit != unit {
			return "", paynet.MultipleUnitsErr
		}
		if err := validDenomination(output.Amount, keyset.MaxOrder); err != nil {
			return "", err
		}
	}
	return unit, nil
}

// validateInputs checks the proofs structurally, verifies their
// signatures through the signer, and returns the checked input sum,
// the input fee and the proofs' y values.
func (m *Mint) validateInputs(ctx context.Context, inputs paynet.Proofs, unit paynet.Unit) (uint64, uint64, []string, error) {
	if paynet.CheckDuplicateProofs(inputs) {
		return 0, 0, nil, paynet.DuplicateProofs
	}

	var totalAmount uint64
	var maxFeePpk uint16
	ys := make([]string, len(inputs))

	for i, proof := range inputs {
		keyset, err := m.Keyset(proof.KeysetId)
		if err != nil {
			return 0, 0, nil, err
		}
		if keyset.Unit != unit {
			return 0, 0, nil, paynet.MultipleUnitsErr
		}
		if err := validDenomination(proof.Amount, keyset.MaxOrder); err != nil {
			return 0, 0, nil, err
		}
		if keyset.InputFeePpk > maxFeePpk {
			maxFeePpk = keyset.InputFeePpk
		}

		var overflow bool
		totalAmount, overflow = paynet.OverflowAddUint64(totalAmount, proof.Amount)
		if overflow {
			return 0, 0, nil, paynet.AmountOverflowErr
		}

		Y, err := crypto.HashToCurve([]byte(proof.Secret))
		if err != nil {
			return 0, 0, nil, paynet.InvalidProofErr
		}
		ys[i] = hex.EncodeToString(Y.SerializeCompressed())
	}

	valid, err := m.verifyProofs(ctx, inputs)
	if err != nil {
		return 0, 0, nil, err
	}
	if !valid {
		return 0, 0, nil, paynet.InvalidProofErr
	}

	return totalAmount, feeForProofs(len(inputs), maxFeePpk), ys, nil
}

// feeForProofs computes the input fee: per-proof ppk, cross-keyset
// inputs charged at the maximum ppk among them, rounded up.
func feeForProofs(numProofs int, feePpk uint16) uint64 {
	totalPpk := uint64(numProofs) * uint64(feePpk)
	return (totalPpk + 999) / 1000
}

func validDenomination(amount uint64, maxOrder uint) error {
	if !paynet.IsPowerOfTwo(amount) {
		return paynet.InvalidBlindedAmountErr
	}
	if paynet.DenominationSlot(amount) > maxOrder-1 {
		return paynet.InvalidBlindedAmountErr
	}
	return nil
}

// signOutputs asks the signer for blind signatures, retrying
// transient failures with bounded backoff.
func (m *Mint) signOutputs(ctx context.Context, outputs paynet.BlindedMessages) (paynet.BlindedSignatures, error) {
	var signatures paynet.BlindedSignatures
	err := withRetry(signerRetries, func() error {
		var err error
		signatures, err = m.signer.SignBlindedMessages(ctx, outputs)
		return err
	})
	if err != nil {
		m.logger.Error("error signing blinded messages", slog.String("err", err.Error()))
		return nil, paynet.SignerUnavailableErr
	}
	return signatures, nil
}

func (m *Mint) verifyProofs(ctx context.Context, proofs paynet.Proofs) (bool, error) {
	var valid bool
	err := withRetry(signerRetries, func() error {
		var err error
		valid, err = m.signer.VerifyProofs(ctx, proofs)
		return err
	})
	if err != nil {
		m.logger.Error("error verifying proofs", slog.String("err", err.Error()))
		return false, paynet.SignerUnavailableErr
	}
	return valid, nil
}

func withRetry(attempts int, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		time.Sleep(signerBackoff * (1 << i))
	}
	return err
}

func blindedSecrets(outputs paynet.BlindedMessages) []string {
	B_s := make([]string, len(outputs))
	for i, output := range outputs {
		B_s[i] = output.B_
	}
	return B_s
}

func proofsToDB(proofs paynet.Proofs, ys []string, meltQuoteId string) []storage.DBProof {
	dbProofs := make([]storage.DBProof, len(proofs))
	now := time.Now().Unix()
	for i, proof := range proofs {
		dbProofs[i] = storage.DBProof{
			Y:           ys[i],
			Amount:      proof.Amount,
			KeysetId:    proof.KeysetId,
			Secret:      proof.Secret,
			C:           proof.C,
			State:       paynet.ProofPending,
			MeltQuoteId: meltQuoteId,
			CreatedAt:   now,
		}
	}
	return dbProofs
}
