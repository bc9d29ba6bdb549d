package mint

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/elnosh/paynode/onchain"
	"github.com/elnosh/paynode/paynet"
)

func waitForMintQuoteState(t *testing.T, m *Mint, quoteId string, state paynet.MintQuoteState) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		quote, err := m.GetMintQuoteState(quoteId)
		if err != nil {
			t.Fatal(err)
		}
		if quote.State == state {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("quote %v did not reach state %v", quoteId, state)
}

func waitForMeltQuoteState(t *testing.T, m *Mint, quoteId string, state paynet.MeltQuoteState) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		quote, err := m.GetMeltQuoteState(quoteId)
		if err != nil {
			t.Fatal(err)
		}
		if quote.State == state {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("melt quote %v did not reach state %v", quoteId, state)
}

func TestCorrelatorMintPayment(t *testing.T) {
	m, _, backend := setupMint(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	correlator := NewCorrelator(m, paynet.MilliStrk, backend, logger)
	go correlator.Run(ctx)

	quote, err := m.RequestMintQuote("millistrk", 50)
	if err != nil {
		t.Fatal(err)
	}

	// deposit observed on chain pays the invoice in full
	event := backend.PayInvoice(quote.InvoiceId, "strk", "0xpayer", paynet.MilliStrk.ToOnChain(50))
	waitForMintQuoteState(t, m, quote.Id, paynet.MintQuotePaid)

	// replayed delivery after an indexer restart is a no-op
	backend.Replay(event)
	time.Sleep(50 * time.Millisecond)

	paid, err := m.GetMintQuoteState(quote.Id)
	if err != nil {
		t.Fatal(err)
	}
	if paid.State != paynet.MintQuotePaid {
		t.Fatalf("replay changed quote state to %v", paid.State)
	}

	// cursor advanced so a restart resumes past the processed events
	cursor, err := m.db.GetCursor("strk")
	if err != nil {
		t.Fatal(err)
	}
	if cursor == "" {
		t.Error("expected a persisted cursor")
	}
}

func TestCorrelatorUnderpayment(t *testing.T) {
	m, _, backend := setupMint(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	correlator := NewCorrelator(m, paynet.MilliStrk, backend, logger)
	go correlator.Run(ctx)

	quote, err := m.RequestMintQuote("millistrk", 50)
	if err != nil {
		t.Fatal(err)
	}

	backend.PayInvoice(quote.InvoiceId, "strk", "0xpayer", paynet.MilliStrk.ToOnChain(20))
	time.Sleep(100 * time.Millisecond)

	underpaid, err := m.GetMintQuoteState(quote.Id)
	if err != nil {
		t.Fatal(err)
	}
	if underpaid.State != paynet.MintQuoteUnpaid {
		t.Fatalf("underpayment flipped quote to %v", underpaid.State)
	}

	// a second deposit completes the cumulative amount
	backend.PayInvoice(quote.InvoiceId, "strk", "0xpayer", paynet.MilliStrk.ToOnChain(30))
	waitForMintQuoteState(t, m, quote.Id, paynet.MintQuotePaid)
}

func TestCorrelatorWrongPayee(t *testing.T) {
	m, _, backend := setupMint(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	correlator := NewCorrelator(m, paynet.MilliStrk, backend, logger)
	go correlator.Run(ctx)

	quote, err := m.RequestMintQuote("millistrk", 50)
	if err != nil {
		t.Fatal(err)
	}

	// a payment towards someone else's address must not count
	backend.Replay(onchain.Remittance{
		BlockId:        "0xforeign",
		BlockNumber:    1,
		BlockTimestamp: time.Now(),
		TxHash:         "0xforeign-tx",
		EventIndex:     0,
		Asset:          "strk",
		Payee:          "0xsomeone-else",
		Payer:          "0xpayer",
		InvoiceId:      quote.InvoiceId,
		Amount:         paynet.MilliStrk.ToOnChain(50),
	})
	time.Sleep(100 * time.Millisecond)

	unpaid, err := m.GetMintQuoteState(quote.Id)
	if err != nil {
		t.Fatal(err)
	}
	if unpaid.State != paynet.MintQuoteUnpaid {
		t.Fatalf("foreign payee event flipped quote to %v", unpaid.State)
	}
}

func TestCorrelatorMeltConfirmation(t *testing.T) {
	m, _, backend := setupMint(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	correlator := NewCorrelator(m, paynet.MilliStrk, backend, logger)
	go correlator.Run(ctx)

	proofs := mintProofs(t, m, 32)

	quote, err := m.RequestMeltQuote(ctx, "millistrk", meltRequest(32, "0xdestination"))
	if err != nil {
		t.Fatal(err)
	}

	melted, err := m.MeltTokens(ctx, quote.Id, proofs)
	if err != nil {
		t.Fatal(err)
	}
	if melted.State != paynet.MeltQuotePending {
		t.Fatalf("expected PENDING but got %v", melted.State)
	}

	// the cashier's withdrawal surfaces on the stream and finalizes
	// the melt
	waitForMeltQuoteState(t, m, quote.Id, paynet.MeltQuotePaid)

	// a paid melt cannot be melted again
	if _, err := m.MeltTokens(ctx, quote.Id, proofs); err == nil {
		t.Fatal("expected error melting a paid quote")
	}
}

func TestCorrelatorRevert(t *testing.T) {
	m, _, backend := setupMint(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	correlator := NewCorrelator(m, paynet.MilliStrk, backend, logger)
	go correlator.Run(ctx)

	quote, err := m.RequestMintQuote("millistrk", 50)
	if err != nil {
		t.Fatal(err)
	}
	event := backend.PayInvoice(quote.InvoiceId, "strk", "0xpayer", paynet.MilliStrk.ToOnChain(50))
	waitForMintQuoteState(t, m, quote.Id, paynet.MintQuotePaid)

	// the revert drops the seen block and cascades its events
	backend.InvalidateAbove(event.BlockNumber - 1)
	time.Sleep(100 * time.Millisecond)

	// a re-delivery after the revert is processed fresh
	backend.Replay(event)
	time.Sleep(100 * time.Millisecond)

	paid, err := m.GetMintQuoteState(quote.Id)
	if err != nil {
		t.Fatal(err)
	}
	if paid.State != paynet.MintQuotePaid {
		t.Fatalf("expected PAID after re-delivery but got %v", paid.State)
	}
}
