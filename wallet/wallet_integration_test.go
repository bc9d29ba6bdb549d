package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/elnosh/paynode/mint"
	"github.com/elnosh/paynode/mint/storage/sqlite"
	"github.com/elnosh/paynode/onchain"
	"github.com/elnosh/paynode/paynet"
	"github.com/elnosh/paynode/signer"
)

var testPort atomic.Int64

func init() {
	testPort.Store(18338)
}

// startTestNode runs a full node (sqlite ledger, in-process signer,
// fake chain backend) for the wallet to talk to. Each test gets its
// own port since the servers live until the process exits.
func startTestNode(t *testing.T) (*onchain.FakeBackend, string) {
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

	backend := onchain.NewFakeBackend("0xnode")
	backends := map[paynet.Unit]onchain.Backend{paynet.MilliStrk: backend}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	node, err := mint.LoadMint(db, localSigner, backends, mint.Options{
		Units:    []paynet.Unit{paynet.MilliStrk},
		MaxOrder: 32,
	}, logger)
	if err != nil {
		t.Fatalf("error loading mint: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	correlator := mint.NewCorrelator(node, paynet.MilliStrk, backend, logger)
	go correlator.Run(ctx)

	port := testPort.Add(1)
	nodeURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	server := mint.SetupMintServer(node, fmt.Sprintf("127.0.0.1:%d", port), logger)
	go server.Start()

	// wait for the server to come up
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := GetNodeInfo(nodeURL); err == nil {
			return backend, nodeURL
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("node server did not come up")
	return nil, ""
}

func testWallet(t *testing.T, nodeURL string) *Wallet {
	t.Helper()

	w, err := LoadWallet(Config{
		WalletPath:     t.TempDir(),
		CurrentNodeURL: nodeURL,
		Unit:           paynet.MilliStrk,
	})
	if err != nil {
		t.Fatalf("error loading wallet: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func fundWallet(t *testing.T, w *Wallet, backend *onchain.FakeBackend, amount uint64) {
	t.Helper()

	quote, err := w.RequestMint(amount)
	if err != nil {
		t.Fatalf("error requesting mint: %v", err)
	}

	// pay the quote's invoice on chain
	var payment paynet.DepositPaymentRequest
	if err := json.Unmarshal([]byte(quote.Request), &payment); err != nil {
		t.Fatalf("invalid deposit request: %v", err)
	}
	backend.PayInvoice(payment.InvoiceId, "strk", "0xpayer", paynet.MilliStrk.ToOnChain(amount))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		state, err := GetMintQuoteState(w.NodeURL(), quote.Quote)
		if err != nil {
			t.Fatal(err)
		}
		if state.State == paynet.MintQuotePaid.String() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	minted, err := w.MintTokens(quote.Quote)
	if err != nil {
		t.Fatalf("error minting: %v", err)
	}
	if minted != amount {
		t.Fatalf("expected to mint %v but got %v", amount, minted)
	}
}

func TestWalletMintAndBalance(t *testing.T) {
	backend, nodeURL := startTestNode(t)
	w := testWallet(t, nodeURL)

	fundWallet(t, w, backend, 50)

	if balance := w.GetBalance(); balance != 50 {
		t.Errorf("expected balance 50 but got %v", balance)
	}
}

func TestWalletSendReceive(t *testing.T) {
	backend, nodeURL := startTestNode(t)
	sender := testWallet(t, nodeURL)
	receiver := testWallet(t, nodeURL)

	fundWallet(t, sender, backend, 50)

	wad, err := sender.Send(21, "")
	if err != nil {
		t.Fatalf("error sending: %v", err)
	}
	if balance := sender.GetBalance(); balance != 29 {
		t.Errorf("expected sender balance 29 but got %v", balance)
	}

	received, err := receiver.Receive(wad)
	if err != nil {
		t.Fatalf("error receiving: %v", err)
	}
	if received != 21 {
		t.Errorf("expected to receive 21 but got %v", received)
	}
	if balance := receiver.GetBalance(); balance != 21 {
		t.Errorf("expected receiver balance 21 but got %v", balance)
	}

	// the sender's copy of the proofs is spent, receiving the same
	// wad again is a double spend
	if _, err := receiver.Receive(wad); err == nil {
		t.Error("expected error receiving the same wad twice")
	}
}

func TestWalletMelt(t *testing.T) {
	backend, nodeURL := startTestNode(t)
	w := testWallet(t, nodeURL)

	fundWallet(t, w, backend, 32)

	request, err := json.Marshal(paynet.MeltPaymentRequest{
		Asset:  "strk",
		Payee:  "0xdestination",
		Amount: paynet.U256FromInt(paynet.MilliStrk.ToOnChain(32)),
	})
	if err != nil {
		t.Fatal(err)
	}

	meltResponse, err := w.Melt(string(request))
	if err != nil {
		t.Fatalf("error melting: %v", err)
	}
	if meltResponse.State == paynet.MeltQuoteUnpaid.String() {
		t.Errorf("melt did not progress, state %v", meltResponse.State)
	}
	if balance := w.GetBalance(); balance != 0 {
		t.Errorf("expected balance 0 after melt but got %v", balance)
	}
}
