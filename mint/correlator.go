package mint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/elnosh/paynode/mint/storage"
	"github.com/elnosh/paynode/onchain"
	"github.com/elnosh/paynode/paynet"
)

// Correlator consumes the indexer stream of one unit's backend and
// drives quote state transitions. It is the single writer of payment
// events and of the stream cursor.
type Correlator struct {
	mint       *Mint
	unit       paynet.Unit
	backend    onchain.Backend
	cursorName string
	logger     *slog.Logger
}

func NewCorrelator(mint *Mint, unit paynet.Unit, backend onchain.Backend, logger *slog.Logger) *Correlator {
	return &Correlator{
		mint:       mint,
		unit:       unit,
		backend:    backend,
		cursorName: string(unit.Asset()),
		logger:     logger,
	}
}

// Run blocks consuming the stream until ctx is done or the stream
// closes. The cursor is persisted after each committed batch so a
// restart resumes without re-processing.
func (c *Correlator) Run(ctx context.Context) error {
	cursor, err := c.mint.db.GetCursor(c.cursorName)
	if err != nil {
		return fmt.Errorf("error loading cursor: %v", err)
	}

	events, err := c.backend.StreamEvents(ctx, cursor)
	if err != nil {
		return fmt.Errorf("error opening event stream: %v", err)
	}
	c.logger.Info("listening for on-chain events", slog.String("cursor", cursor))

	for msg := range events {
		if msg.Revert != nil {
			if err := c.mint.db.DeleteBlocksAbove(msg.Revert.LastValidBlock); err != nil {
				return fmt.Errorf("error reverting blocks: %v", err)
			}
			c.logger.Info("reverted blocks",
				slog.Uint64("last_valid", msg.Revert.LastValidBlock))
		} else {
			for _, event := range msg.Events {
				if err := c.processEvent(event); err != nil {
					return err
				}
			}
		}

		if err := c.mint.db.SaveCursor(c.cursorName, msg.Cursor); err != nil {
			return fmt.Errorf("error persisting cursor: %v", err)
		}
	}

	return ctx.Err()
}

func (c *Correlator) processEvent(event onchain.Remittance) error {
	if !c.unit.IsAssetSupported(paynet.Asset(event.Asset)) {
		// payment in an asset the unit does not settle in. Could be
		// someone reusing an invoice id they saw on chain.
		return nil
	}

	mintQuote, err := c.mint.db.GetMintQuoteByInvoiceId(event.InvoiceId)
	if err == nil {
		return c.processMintPayment(event, mintQuote)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	meltQuote, err := c.mint.db.GetMeltQuoteByInvoiceId(event.InvoiceId)
	if err == nil {
		return c.processMeltPayment(event, meltQuote)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	c.logger.Debug("no quote for invoice id", slog.String("invoice_id", event.InvoiceId))
	return nil
}

func (c *Correlator) processMintPayment(event onchain.Remittance, quote storage.MintQuote) error {
	if event.Payee != c.backend.DepositAddress() {
		return nil
	}
	if quote.State == paynet.MintQuoteUnpaid && event.BlockTimestamp.Unix() > quote.Expiry {
		c.logger.Info("deposit for expired mint quote", slog.String("quote", quote.Id))
		return nil
	}

	amountToPay := c.unit.ToOnChain(quote.Amount)
	paid, err := c.mint.db.RecordMintPayment(seenBlock(event), paymentEvent(event), quote.Id, amountToPay)
	if err != nil {
		return fmt.Errorf("error recording mint payment: %v", err)
	}
	if paid {
		c.logger.Info("mint quote paid", slog.String("quote", quote.Id))
	}
	return nil
}

func (c *Correlator) processMeltPayment(event onchain.Remittance, quote storage.MeltQuote) error {
	if event.Payer != c.backend.DepositAddress() {
		return nil
	}

	amountToPay := c.unit.ToOnChain(quote.Amount)
	paid, err := c.mint.db.RecordMeltPayment(seenBlock(event), paymentEvent(event), quote.Id, amountToPay)
	if err != nil {
		return fmt.Errorf("error recording melt payment: %v", err)
	}
	if paid {
		c.logger.Info("melt quote paid", slog.String("quote", quote.Id),
			slog.String("tx_hash", event.TxHash))
	}
	return nil
}

func seenBlock(event onchain.Remittance) storage.SeenBlock {
	return storage.SeenBlock{
		Id:        event.BlockId,
		Number:    event.BlockNumber,
		Timestamp: event.BlockTimestamp.Unix(),
	}
}

func paymentEvent(event onchain.Remittance) storage.PaymentEvent {
	return storage.PaymentEvent{
		TxHash:     event.TxHash,
		EventIndex: event.EventIndex,
		BlockId:    event.BlockId,
		Asset:      event.Asset,
		Payee:      event.Payee,
		Payer:      event.Payer,
		InvoiceId:  event.InvoiceId,
		Amount:     event.Amount.Hex(),
	}
}
