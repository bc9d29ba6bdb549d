package mint

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/paynode/crypto"
	"github.com/elnosh/paynode/mint/storage"
	"github.com/elnosh/paynode/mint/storage/sqlite"
	"github.com/elnosh/paynode/onchain"
	"github.com/elnosh/paynode/paynet"
	"github.com/elnosh/paynode/signer"
	"github.com/holiman/uint256"
)

const testMaxOrder = 32

var testTxCounter atomic.Uint64

// countingSigner wraps a signer to observe how often the node
// actually calls it.
type countingSigner struct {
	signer.Signer
	signCalls atomic.Int64
}

func (c *countingSigner) SignBlindedMessages(ctx context.Context, messages paynet.BlindedMessages) (paynet.BlindedSignatures, error) {
	c.signCalls.Add(1)
	return c.Signer.SignBlindedMessages(ctx, messages)
}

func setupMint(t *testing.T, feePpk uint16) (*Mint, *countingSigner, *onchain.FakeBackend) {
	t.Helper()

	db, err := sqlite.InitSQLite(t.TempDir())
	if err != nil {
		t.Fatalf("error setting up db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	localSigner, err := signer.NewLocalSigner([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatal(err)
	}
	counting := &countingSigner{Signer: localSigner}

	backend := onchain.NewFakeBackend("0xnode")
	backends := map[paynet.Unit]onchain.Backend{paynet.MilliStrk: backend}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mint, err := LoadMint(db, counting, backends, Options{
		Units:       []paynet.Unit{paynet.MilliStrk},
		MaxOrder:    testMaxOrder,
		InputFeePpk: feePpk,
	}, logger)
	if err != nil {
		t.Fatalf("error loading mint: %v", err)
	}

	return mint, counting, backend
}

func activeKeysetId(t *testing.T, m *Mint) string {
	t.Helper()
	for _, keyset := range m.Keysets() {
		if keyset.Active && keyset.Unit == paynet.MilliStrk {
			return keyset.Id
		}
	}
	t.Fatal("no active keyset")
	return ""
}

func createBlindedMessages(t *testing.T, keysetId string, split []uint64) (
	paynet.BlindedMessages, []string, []*secp256k1.PrivateKey) {
	t.Helper()

	messages := make(paynet.BlindedMessages, len(split))
	secrets := make([]string, len(split))
	rs := make([]*secp256k1.PrivateKey, len(split))

	for i, amount := range split {
		secret := fmt.Sprintf("secret-%d-%d", testTxCounter.Add(1), amount)
		r, err := crypto.GenerateBlindingFactor()
		if err != nil {
			t.Fatal(err)
		}
		B_, _, err := crypto.BlindMessage(secret, r)
		if err != nil {
			t.Fatal(err)
		}
		messages[i] = paynet.NewBlindedMessage(keysetId, amount, B_)
		secrets[i] = secret
		rs[i] = r
	}

	return messages, secrets, rs
}

func unblindSignatures(t *testing.T, m *Mint, signatures paynet.BlindedSignatures,
	secrets []string, rs []*secp256k1.PrivateKey) paynet.Proofs {
	t.Helper()

	proofs := make(paynet.Proofs, len(signatures))
	for i, signature := range signatures {
		keyset, err := m.Keyset(signature.KeysetId)
		if err != nil {
			t.Fatal(err)
		}

		C_bytes, err := hex.DecodeString(signature.C_)
		if err != nil {
			t.Fatal(err)
		}
		C_, err := secp256k1.ParsePubKey(C_bytes)
		if err != nil {
			t.Fatal(err)
		}

		C := crypto.UnblindSignature(C_, rs[i], keyset.Keys[signature.Amount])
		proofs[i] = paynet.Proof{
			Amount:   signature.Amount,
			KeysetId: signature.KeysetId,
			Secret:   secrets[i],
			C:        hex.EncodeToString(C.SerializeCompressed()),
		}
	}
	return proofs
}

func payMintQuote(t *testing.T, m *Mint, quote storage.MintQuote, amount *uint256.Int) {
	t.Helper()

	n := testTxCounter.Add(1)
	paid, err := m.db.RecordMintPayment(
		storage.SeenBlock{Id: fmt.Sprintf("0xblock%d", n), Number: n, Timestamp: time.Now().Unix()},
		storage.PaymentEvent{
			TxHash:     fmt.Sprintf("0xtx%d", n),
			EventIndex: 0,
			BlockId:    fmt.Sprintf("0xblock%d", n),
			Asset:      "strk",
			Payee:      "0xnode",
			Payer:      "0xpayer",
			InvoiceId:  quote.InvoiceId,
			Amount:     amount.Hex(),
		},
		quote.Id,
		paynet.MilliStrk.ToOnChain(quote.Amount),
	)
	if err != nil {
		t.Fatalf("error recording payment: %v", err)
	}
	if !paid {
		t.Fatal("expected quote to become paid")
	}
}

// mintProofs runs the full happy path and returns spendable proofs.
func mintProofs(t *testing.T, m *Mint, amount uint64) paynet.Proofs {
	t.Helper()

	quote, err := m.RequestMintQuote("millistrk", amount)
	if err != nil {
		t.Fatalf("error requesting mint quote: %v", err)
	}
	payMintQuote(t, m, quote, paynet.MilliStrk.ToOnChain(amount))

	messages, secrets, rs := createBlindedMessages(t, activeKeysetId(t, m), paynet.AmountSplit(amount))
	signatures, err := m.MintTokens(context.Background(), quote.Id, messages)
	if err != nil {
		t.Fatalf("error minting tokens: %v", err)
	}

	return unblindSignatures(t, m, signatures, secrets, rs)
}

func TestRequestMintQuote(t *testing.T) {
	m, _, _ := setupMint(t, 0)

	quote, err := m.RequestMintQuote("millistrk", 50)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if quote.State != paynet.MintQuoteUnpaid {
		t.Errorf("expected UNPAID but got %v", quote.State)
	}
	if len(quote.InvoiceId) != 64 {
		t.Errorf("expected 64 hex char invoice id, got '%v'", quote.InvoiceId)
	}

	var request paynet.DepositPaymentRequest
	if err := json.Unmarshal([]byte(quote.Request), &request); err != nil {
		t.Fatalf("quote request is not a deposit payment request: %v", err)
	}
	if request.Payee != "0xnode" || request.InvoiceId != quote.InvoiceId {
		t.Errorf("unexpected payment request: %+v", request)
	}

	if _, err := m.RequestMintQuote("millistrk", 0); err == nil {
		t.Error("expected error for zero amount")
	}
	if _, err := m.RequestMintQuote("sat", 10); !errors.Is(err, paynet.UnitNotSupportedErr) {
		t.Errorf("expected unit not supported but got %v", err)
	}
}

func TestMintTokens(t *testing.T) {
	m, counting, _ := setupMint(t, 0)
	ctx := context.Background()

	quote, err := m.RequestMintQuote("millistrk", 50)
	if err != nil {
		t.Fatal(err)
	}

	keysetId := activeKeysetId(t, m)
	messages, secrets, rs := createBlindedMessages(t, keysetId, paynet.AmountSplit(50))

	// quote not paid yet
	if _, err := m.MintTokens(ctx, quote.Id, messages); !errors.Is(err, paynet.QuoteNotPaidErr) {
		t.Fatalf("expected quote not paid but got %v", err)
	}

	payMintQuote(t, m, quote, paynet.MilliStrk.ToOnChain(50))

	// amount mismatch
	badMessages, _, _ := createBlindedMessages(t, keysetId, paynet.AmountSplit(49))
	if _, err := m.MintTokens(ctx, quote.Id, badMessages); !errors.Is(err, paynet.AmountMismatchErr) {
		t.Fatalf("expected amount mismatch but got %v", err)
	}

	signatures, err := m.MintTokens(ctx, quote.Id, messages)
	if err != nil {
		t.Fatalf("unexpected err minting: %v", err)
	}
	if len(signatures) != len(messages) {
		t.Fatalf("expected %v signatures but got %v", len(messages), len(signatures))
	}

	updatedQuote, err := m.GetMintQuoteState(quote.Id)
	if err != nil {
		t.Fatal(err)
	}
	if updatedQuote.State != paynet.MintQuoteIssued {
		t.Errorf("expected ISSUED but got %v", updatedQuote.State)
	}

	// the unblinded proofs verify under the keyset
	proofs := unblindSignatures(t, m, signatures, secrets, rs)
	valid, err := counting.VerifyProofs(ctx, proofs)
	if err != nil || !valid {
		t.Errorf("expected minted proofs to verify, valid=%v err=%v", valid, err)
	}

	// idempotent retry: same outputs, same signatures, no signer call
	signCallsBefore := counting.signCalls.Load()
	retried, err := m.MintTokens(ctx, quote.Id, messages)
	if err != nil {
		t.Fatalf("unexpected err on retry: %v", err)
	}
	if counting.signCalls.Load() != signCallsBefore {
		t.Error("retry reached the signer")
	}
	for i := range signatures {
		if retried[i].C_ != signatures[i].C_ {
			t.Errorf("retry returned a different signature at %v", i)
		}
	}

	// different outputs against an issued quote are rejected
	otherMessages, _, _ := createBlindedMessages(t, keysetId, paynet.AmountSplit(50))
	if _, err := m.MintTokens(ctx, quote.Id, otherMessages); !errors.Is(err, paynet.QuoteAlreadyIssuedErr) {
		t.Errorf("expected quote already issued but got %v", err)
	}

	if _, err := m.MintTokens(ctx, "11111111-2222-3333-4444-555555555555", messages); !errors.Is(err, paynet.UnknownQuoteErr) {
		t.Errorf("expected unknown quote but got %v", err)
	}
}

func TestSwap(t *testing.T) {
	m, _, _ := setupMint(t, 0)
	ctx := context.Background()

	proofs := mintProofs(t, m, 50)

	keysetId := activeKeysetId(t, m)
	messages, secrets, rs := createBlindedMessages(t, keysetId, paynet.AmountSplit(50))

	signatures, err := m.Swap(ctx, proofs, messages)
	if err != nil {
		t.Fatalf("unexpected err swapping: %v", err)
	}
	if len(signatures) != len(messages) {
		t.Fatalf("expected %v signatures but got %v", len(messages), len(signatures))
	}

	// the inputs are now spent
	moreMessages, _, _ := createBlindedMessages(t, keysetId, paynet.AmountSplit(50))
	if _, err := m.Swap(ctx, proofs, moreMessages); !errors.Is(err, paynet.DoubleSpendErr) {
		t.Fatalf("expected double spend but got %v", err)
	}

	// the fresh proofs are spendable
	newProofs := unblindSignatures(t, m, signatures, secrets, rs)
	finalMessages, _, _ := createBlindedMessages(t, keysetId, paynet.AmountSplit(50))
	if _, err := m.Swap(ctx, newProofs, finalMessages); err != nil {
		t.Fatalf("unexpected err swapping fresh proofs: %v", err)
	}
}

func TestSwapUnbalanced(t *testing.T) {
	m, _, _ := setupMint(t, 0)
	ctx := context.Background()

	proofs := mintProofs(t, m, 50)

	// outputs exceed inputs
	messages, _, _ := createBlindedMessages(t, activeKeysetId(t, m), paynet.AmountSplit(51))
	if _, err := m.Swap(ctx, proofs, messages); !errors.Is(err, paynet.InsufficientProofsErr) {
		t.Fatalf("expected insufficient proofs but got %v", err)
	}

	// failed swap must not leave the inputs reserved
	retryMessages, _, _ := createBlindedMessages(t, activeKeysetId(t, m), paynet.AmountSplit(50))
	if _, err := m.Swap(ctx, proofs, retryMessages); err != nil {
		t.Fatalf("inputs were left unusable after rejected swap: %v", err)
	}
}

func TestSwapInvalidProof(t *testing.T) {
	m, _, _ := setupMint(t, 0)
	ctx := context.Background()

	proofs := mintProofs(t, m, 4)
	proofs[0].C = "02bc9097997d81afb2cc7346b5e4345a9346bd2a506eb7958598a72f0cf85163ea"

	messages, _, _ := createBlindedMessages(t, activeKeysetId(t, m), paynet.AmountSplit(4))
	if _, err := m.Swap(ctx, proofs, messages); !errors.Is(err, paynet.InvalidProofErr) {
		t.Fatalf("expected invalid proof but got %v", err)
	}
}

// two concurrent swaps sharing an input: exactly one succeeds
func TestConcurrentSwapDoubleSpend(t *testing.T) {
	m, _, _ := setupMint(t, 0)
	ctx := context.Background()

	proofs := mintProofs(t, m, 8)
	keysetId := activeKeysetId(t, m)

	messagesA, _, _ := createBlindedMessages(t, keysetId, paynet.AmountSplit(8))
	messagesB, _, _ := createBlindedMessages(t, keysetId, paynet.AmountSplit(8))

	var wg sync.WaitGroup
	results := make([]error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		_, results[0] = m.Swap(ctx, proofs, messagesA)
	}()
	go func() {
		defer wg.Done()
		_, results[1] = m.Swap(ctx, proofs, messagesB)
	}()
	wg.Wait()

	var successes, doubleSpends int
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, paynet.DoubleSpendErr):
			doubleSpends++
		default:
			t.Fatalf("unexpected err: %v", err)
		}
	}
	if successes != 1 || doubleSpends != 1 {
		t.Fatalf("expected exactly one success and one double spend, got %v and %v",
			successes, doubleSpends)
	}

	// the contested proof ends up spent
	Y, err := crypto.HashToCurve([]byte(proofs[0].Secret))
	if err != nil {
		t.Fatal(err)
	}
	dbProofs, err := m.db.GetProofs([]string{hex.EncodeToString(Y.SerializeCompressed())})
	if err != nil {
		t.Fatal(err)
	}
	if len(dbProofs) != 1 || dbProofs[0].State != paynet.ProofSpent {
		t.Fatalf("expected contested proof to be SPENT, got %+v", dbProofs)
	}
}

func meltRequest(amount uint64, payee string) string {
	request, _ := json.Marshal(paynet.MeltPaymentRequest{
		Asset:  "strk",
		Payee:  payee,
		Amount: paynet.U256FromInt(paynet.MilliStrk.ToOnChain(amount)),
	})
	return string(request)
}

func TestMeltTokens(t *testing.T) {
	m, _, _ := setupMint(t, 0)
	ctx := context.Background()

	proofs := mintProofs(t, m, 32)

	quote, err := m.RequestMeltQuote(ctx, "millistrk", meltRequest(32, "0xdestination"))
	if err != nil {
		t.Fatalf("error requesting melt quote: %v", err)
	}
	if quote.State != paynet.MeltQuoteUnpaid {
		t.Fatalf("expected UNPAID but got %v", quote.State)
	}

	melted, err := m.MeltTokens(ctx, quote.Id, proofs)
	if err != nil {
		t.Fatalf("unexpected err melting: %v", err)
	}
	if melted.State != paynet.MeltQuotePending {
		t.Errorf("expected PENDING but got %v", melted.State)
	}
	if melted.TxHash == "" {
		t.Error("expected a withdrawal tx hash")
	}

	// proofs are reserved, a second melt is a double spend
	quote2, err := m.RequestMeltQuote(ctx, "millistrk", meltRequest(32, "0xother"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.MeltTokens(ctx, quote2.Id, proofs); !errors.Is(err, paynet.DoubleSpendErr) {
		t.Fatalf("expected double spend but got %v", err)
	}
}

func TestMeltCashierRejection(t *testing.T) {
	m, _, backend := setupMint(t, 0)
	ctx := context.Background()

	proofs := mintProofs(t, m, 16)

	quote, err := m.RequestMeltQuote(ctx, "millistrk", meltRequest(16, "0xdestination"))
	if err != nil {
		t.Fatal(err)
	}

	backend.RejectNextWithdrawal()
	if _, err := m.MeltTokens(ctx, quote.Id, proofs); err == nil {
		t.Fatal("expected melt to fail on cashier rejection")
	}

	// quote is back to UNPAID and the inputs left the ledger entirely
	rolledBack, err := m.GetMeltQuoteState(quote.Id)
	if err != nil {
		t.Fatal(err)
	}
	if rolledBack.State != paynet.MeltQuoteUnpaid {
		t.Fatalf("expected UNPAID after rollback but got %v", rolledBack.State)
	}

	Y, err := crypto.HashToCurve([]byte(proofs[0].Secret))
	if err != nil {
		t.Fatal(err)
	}
	dbProofs, err := m.db.GetProofs([]string{hex.EncodeToString(Y.SerializeCompressed())})
	if err != nil {
		t.Fatal(err)
	}
	if len(dbProofs) != 0 {
		t.Fatalf("expected no ledger rows after rollback, got %+v", dbProofs)
	}

	// the client can retry
	if _, err := m.MeltTokens(ctx, quote.Id, proofs); err != nil {
		t.Fatalf("retry after rollback failed: %v", err)
	}
}

func TestMeltInsufficientInputs(t *testing.T) {
	m, _, _ := setupMint(t, 0)
	ctx := context.Background()

	proofs := mintProofs(t, m, 8)

	quote, err := m.RequestMeltQuote(ctx, "millistrk", meltRequest(16, "0xdestination"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.MeltTokens(ctx, quote.Id, proofs); !errors.Is(err, paynet.InsufficientProofsErr) {
		t.Fatalf("expected insufficient proofs but got %v", err)
	}
}

func TestMeltQuoteInvalidRequests(t *testing.T) {
	m, _, _ := setupMint(t, 0)
	ctx := context.Background()

	if _, err := m.RequestMeltQuote(ctx, "millistrk", "not json"); !errors.Is(err, paynet.InvalidPaymentRequest) {
		t.Errorf("expected invalid payment request but got %v", err)
	}

	// asset does not back the unit
	badAsset, _ := json.Marshal(paynet.MeltPaymentRequest{
		Asset:  "eth",
		Payee:  "0xdestination",
		Amount: paynet.U256FromInt(paynet.MilliStrk.ToOnChain(10)),
	})
	if _, err := m.RequestMeltQuote(ctx, "millistrk", string(badAsset)); err == nil {
		t.Error("expected error for asset/unit mismatch")
	}

	// amount not representable in the unit
	odd, _ := json.Marshal(paynet.MeltPaymentRequest{
		Asset:  "strk",
		Payee:  "0xdestination",
		Amount: paynet.U256FromInt(uint256.NewInt(1)),
	})
	if _, err := m.RequestMeltQuote(ctx, "millistrk", string(odd)); err == nil {
		t.Error("expected error for non-representable amount")
	}
}

func TestKeysetRotation(t *testing.T) {
	m, _, _ := setupMint(t, 0)
	ctx := context.Background()

	oldKeysetId := activeKeysetId(t, m)

	quote, err := m.RequestMintQuote("millistrk", 8)
	if err != nil {
		t.Fatal(err)
	}
	payMintQuote(t, m, quote, paynet.MilliStrk.ToOnChain(8))

	// outputs prepared against the pre-rotation keyset
	staleMessages, _, _ := createBlindedMessages(t, oldKeysetId, paynet.AmountSplit(8))

	if err := m.RotateKeysets(ctx); err != nil {
		t.Fatalf("error rotating keysets: %v", err)
	}

	newKeysetId := activeKeysetId(t, m)
	if newKeysetId == oldKeysetId {
		t.Fatal("rotation did not install a new keyset")
	}

	// exactly one active keyset for the unit
	var activeCount int
	for _, keyset := range m.Keysets() {
		if keyset.Unit == paynet.MilliStrk && keyset.Active {
			activeCount++
		}
	}
	if activeCount != 1 {
		t.Fatalf("expected exactly one active keyset but got %v", activeCount)
	}

	if _, err := m.MintTokens(ctx, quote.Id, staleMessages); !errors.Is(err, paynet.InactiveKeysetErr) {
		t.Fatalf("expected inactive keyset but got %v", err)
	}

	// fresh outputs against the new keyset work
	messages, _, _ := createBlindedMessages(t, newKeysetId, paynet.AmountSplit(8))
	if _, err := m.MintTokens(ctx, quote.Id, messages); err != nil {
		t.Fatalf("minting against rotated keyset failed: %v", err)
	}
}

func TestSwapWithInputFee(t *testing.T) {
	m, _, _ := setupMint(t, 1000) // 1 unit of fee per input proof
	ctx := context.Background()

	proofs := mintProofs(t, m, 10) // 2 + 8, fee will be 2
	keysetId := activeKeysetId(t, m)

	// outputs ignoring the fee are rejected
	tooMuch, _, _ := createBlindedMessages(t, keysetId, paynet.AmountSplit(10))
	if _, err := m.Swap(ctx, proofs, tooMuch); !errors.Is(err, paynet.InsufficientProofsErr) {
		t.Fatalf("expected insufficient proofs but got %v", err)
	}

	messages, _, _ := createBlindedMessages(t, keysetId, paynet.AmountSplit(8))
	if _, err := m.Swap(ctx, proofs, messages); err != nil {
		t.Fatalf("unexpected err swapping with fee: %v", err)
	}
}

func TestFeeForProofs(t *testing.T) {
	tests := []struct {
		numProofs int
		feePpk    uint16
		expected  uint64
	}{
		{numProofs: 0, feePpk: 100, expected: 0},
		{numProofs: 1, feePpk: 0, expected: 0},
		{numProofs: 1, feePpk: 100, expected: 1},
		{numProofs: 10, feePpk: 100, expected: 1},
		{numProofs: 11, feePpk: 100, expected: 2},
		{numProofs: 3, feePpk: 1000, expected: 3},
	}

	for _, test := range tests {
		fee := feeForProofs(test.numProofs, test.feePpk)
		if fee != test.expected {
			t.Errorf("feeForProofs(%v, %v): expected %v but got %v",
				test.numProofs, test.feePpk, test.expected, fee)
		}
	}
}

func TestValidDenomination(t *testing.T) {
	tests := []struct {
		amount   uint64
		maxOrder uint
		valid    bool
	}{
		{amount: 0, maxOrder: 32, valid: false},
		{amount: 1, maxOrder: 32, valid: true},
		{amount: 3, maxOrder: 32, valid: false},
		{amount: 1 << 31, maxOrder: 32, valid: true},
		{amount: 1 << 32, maxOrder: 32, valid: false},
	}

	for _, test := range tests {
		err := validDenomination(test.amount, test.maxOrder)
		if (err == nil) != test.valid {
			t.Errorf("validDenomination(%v, %v): expected valid=%v, got err=%v",
				test.amount, test.maxOrder, test.valid, err)
		}
	}
}
