package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/elnosh/paynode/mint/storage"
	"github.com/elnosh/paynode/paynet"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/holiman/uint256"
	"github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrations embed.FS

type SQLiteDB struct {
	db *sql.DB
}

func InitSQLite(path string) (*SQLiteDB, error) {
	dbpath := filepath.Join(path, "node.sqlite.db")

	db, err := sql.Open("sqlite3", "file:"+dbpath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, err
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, fmt.Sprintf("sqlite3://%s", dbpath))
	if err != nil {
		return nil, err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &SQLiteDB{db: db}, nil
}

func (sqlite *SQLiteDB) Close() error {
	return sqlite.db.Close()
}

func isConstraintErr(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

func (sqlite *SQLiteDB) SaveKeyset(keyset storage.DBKeyset) error {
	_, err := sqlite.db.Exec(`
		INSERT INTO keyset (id, unit, active, max_order, derivation_path_idx, input_fee_ppk)
		VALUES (?, ?, ?, ?, ?, ?)`,
		keyset.Id, keyset.Unit, keyset.Active, keyset.MaxOrder,
		keyset.DerivationPathIdx, keyset.InputFeePpk,
	)
	if isConstraintErr(err) {
		return storage.ErrKeysetExists
	}
	return err
}

func (sqlite *SQLiteDB) GetKeysets() ([]storage.DBKeyset, error) {
	keysets := []storage.DBKeyset{}

	rows, err := sqlite.db.Query("SELECT id, unit, active, max_order, derivation_path_idx, input_fee_ppk FROM keyset")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var keyset storage.DBKeyset
		err := rows.Scan(
			&keyset.Id,
			&keyset.Unit,
			&keyset.Active,
			&keyset.MaxOrder,
			&keyset.DerivationPathIdx,
			&keyset.InputFeePpk,
		)
		if err != nil {
			return nil, err
		}
		keysets = append(keysets, keyset)
	}

	return keysets, rows.Err()
}

func (sqlite *SQLiteDB) GetKeyset(id string) (storage.DBKeyset, error) {
	row := sqlite.db.QueryRow(
		"SELECT id, unit, active, max_order, derivation_path_idx, input_fee_ppk FROM keyset WHERE id = ?", id)

	var keyset storage.DBKeyset
	err := row.Scan(
		&keyset.Id,
		&keyset.Unit,
		&keyset.Active,
		&keyset.MaxOrder,
		&keyset.DerivationPathIdx,
		&keyset.InputFeePpk,
	)
	if err == sql.ErrNoRows {
		return storage.DBKeyset{}, storage.ErrNotFound
	}
	return keyset, err
}

func (sqlite *SQLiteDB) ReplaceActiveKeyset(unit string, keyset storage.DBKeyset) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("UPDATE keyset SET active = false WHERE unit = ?", unit); err != nil {
		return err
	}

	_, err = tx.Exec(`
		INSERT INTO keyset (id, unit, active, max_order, derivation_path_idx, input_fee_ppk)
		VALUES (?, ?, ?, ?, ?, ?)`,
		keyset.Id, keyset.Unit, keyset.Active, keyset.MaxOrder,
		keyset.DerivationPathIdx, keyset.InputFeePpk,
	)
	if isConstraintErr(err) {
		return storage.ErrKeysetExists
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (sqlite *SQLiteDB) SaveMintQuote(quote storage.MintQuote) error {
	_, err := sqlite.db.Exec(`
		INSERT INTO mint_quote (id, invoice_id, unit, amount, request, state, expiry)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		quote.Id, quote.InvoiceId, quote.Unit, quote.Amount,
		quote.Request, quote.State.String(), quote.Expiry,
	)
	return err
}

func (sqlite *SQLiteDB) GetMintQuote(quoteId string) (storage.MintQuote, error) {
	row := sqlite.db.QueryRow(
		"SELECT id, invoice_id, unit, amount, request, state, expiry FROM mint_quote WHERE id = ?", quoteId)
	return scanMintQuote(row)
}

func (sqlite *SQLiteDB) GetMintQuoteByInvoiceId(invoiceId string) (storage.MintQuote, error) {
	row := sqlite.db.QueryRow(
		"SELECT id, invoice_id, unit, amount, request, state, expiry FROM mint_quote WHERE invoice_id = ?", invoiceId)
	return scanMintQuote(row)
}

func scanMintQuote(row *sql.Row) (storage.MintQuote, error) {
	var quote storage.MintQuote
	var state string

	err := row.Scan(
		&quote.Id,
		&quote.InvoiceId,
		&quote.Unit,
		&quote.Amount,
		&quote.Request,
		&state,
		&quote.Expiry,
	)
	if err == sql.ErrNoRows {
		return storage.MintQuote{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.MintQuote{}, err
	}
	quote.State = paynet.StringToMintQuoteState(state)

	return quote, nil
}

func (sqlite *SQLiteDB) UpdateMintQuoteState(quoteId string, state paynet.MintQuoteState) error {
	result, err := sqlite.db.Exec("UPDATE mint_quote SET state = ? WHERE id = ?", state.String(), quoteId)
	if err != nil {
		return err
	}
	return checkOneRow(result, "mint quote was not updated")
}

func (sqlite *SQLiteDB) SaveMeltQuote(quote storage.MeltQuote) error {
	_, err := sqlite.db.Exec(`
		INSERT INTO melt_quote (id, invoice_id, unit, amount, fee, request, state, expiry, tx_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		quote.Id, quote.InvoiceId, quote.Unit, quote.Amount, quote.Fee,
		quote.Request, quote.State.String(), quote.Expiry, quote.TxHash,
	)
	return err
}

func (sqlite *SQLiteDB) GetMeltQuote(quoteId string) (storage.MeltQuote, error) {
	row := sqlite.db.QueryRow(
		"SELECT id, invoice_id, unit, amount, fee, request, state, expiry, tx_hash FROM melt_quote WHERE id = ?", quoteId)
	return scanMeltQuote(row)
}

func (sqlite *SQLiteDB) GetMeltQuoteByInvoiceId(invoiceId string) (storage.MeltQuote, error) {
	row := sqlite.db.QueryRow(
		"SELECT id, invoice_id, unit, amount, fee, request, state, expiry, tx_hash FROM melt_quote WHERE invoice_id = ?", invoiceId)
	return scanMeltQuote(row)
}

func scanMeltQuote(row *sql.Row) (storage.MeltQuote, error) {
	var quote storage.MeltQuote
	var state string
	var txHash sql.NullString

	err := row.Scan(
		&quote.Id,
		&quote.InvoiceId,
		&quote.Unit,
		&quote.Amount,
		&quote.Fee,
		&quote.Request,
		&state,
		&quote.Expiry,
		&txHash,
	)
	if err == sql.ErrNoRows {
		return storage.MeltQuote{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.MeltQuote{}, err
	}
	quote.State = paynet.StringToMeltQuoteState(state)
	quote.TxHash = txHash.String

	return quote, nil
}

func (sqlite *SQLiteDB) UpdateMeltQuoteState(quoteId string, state paynet.MeltQuoteState) error {
	result, err := sqlite.db.Exec("UPDATE melt_quote SET state = ? WHERE id = ?", state.String(), quoteId)
	if err != nil {
		return err
	}
	return checkOneRow(result, "melt quote was not updated")
}

func (sqlite *SQLiteDB) SetMeltQuoteTxHash(quoteId string, txHash string) error {
	result, err := sqlite.db.Exec("UPDATE melt_quote SET tx_hash = ? WHERE id = ?", txHash, quoteId)
	if err != nil {
		return err
	}
	return checkOneRow(result, "melt quote was not updated")
}

func (sqlite *SQLiteDB) GetBlindSignatures(B_s []string) (paynet.BlindedSignatures, error) {
	if len(B_s) == 0 {
		return paynet.BlindedSignatures{}, nil
	}

	query := `SELECT b_, amount, keyset_id, c_, e, s FROM blind_signature WHERE b_ IN (?` +
		strings.Repeat(",?", len(B_s)-1) + `)`

	args := make([]any, len(B_s))
	for i, B_ := range B_s {
		args[i] = B_
	}

	rows, err := sqlite.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byBlindedSecret := make(map[string]paynet.BlindedSignature)
	for rows.Next() {
		var B_ string
		var signature paynet.BlindedSignature
		var e, s sql.NullString

		err := rows.Scan(&B_, &signature.Amount, &signature.KeysetId, &signature.C_, &e, &s)
		if err != nil {
			return nil, err
		}
		if e.Valid && s.Valid {
			signature.DLEQ = &paynet.DLEQProof{E: e.String, S: s.String}
		}
		byBlindedSecret[B_] = signature
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// results follow the order of the requested blinded secrets
	signatures := paynet.BlindedSignatures{}
	for _, B_ := range B_s {
		if signature, ok := byBlindedSecret[B_]; ok {
			signatures = append(signatures, signature)
		}
	}

	return signatures, nil
}

func insertBlindSignatures(tx *sql.Tx, B_s []string, signatures paynet.BlindedSignatures) error {
	stmt, err := tx.Prepare(`
		INSERT INTO blind_signature (b_, amount, keyset_id, c_, e, s) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, signature := range signatures {
		var e, s any
		if signature.DLEQ != nil {
			e, s = signature.DLEQ.E, signature.DLEQ.S
		}
		_, err := stmt.Exec(B_s[i], signature.Amount, signature.KeysetId, signature.C_, e, s)
		if isConstraintErr(err) {
			return storage.ErrBlindSignatureExists
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (sqlite *SQLiteDB) CommitMintIssuance(quoteId string, B_s []string, signatures paynet.BlindedSignatures) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertBlindSignatures(tx, B_s, signatures); err != nil {
		return err
	}

	result, err := tx.Exec("UPDATE mint_quote SET state = 'ISSUED' WHERE id = ? AND state = 'PAID'", quoteId)
	if err != nil {
		return err
	}
	if err := checkOneRow(result, "mint quote was not updated"); err != nil {
		return err
	}

	return tx.Commit()
}

func insertPendingProofs(tx *sql.Tx, proofs []storage.DBProof) error {
	stmt, err := tx.Prepare(`
		INSERT INTO proof (y, amount, keyset_id, secret, c, state, melt_quote_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, proof := range proofs {
		var meltQuoteId any
		if proof.MeltQuoteId != "" {
			meltQuoteId = proof.MeltQuoteId
		}
		_, err := stmt.Exec(proof.Y, proof.Amount, proof.KeysetId, proof.Secret,
			proof.C, int(paynet.ProofPending), meltQuoteId, proof.CreatedAt)
		if isConstraintErr(err) {
			return storage.ErrProofExists
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (sqlite *SQLiteDB) AddPendingProofs(proofs []storage.DBProof) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertPendingProofs(tx, proofs); err != nil {
		return err
	}
	return tx.Commit()
}

func (sqlite *SQLiteDB) GetProofs(ys []string) ([]storage.DBProof, error) {
	if len(ys) == 0 {
		return []storage.DBProof{}, nil
	}

	query := `SELECT y, amount, keyset_id, secret, c, state, melt_quote_id, created_at
		FROM proof WHERE y IN (?` + strings.Repeat(",?", len(ys)-1) + `)`

	args := make([]any, len(ys))
	for i, y := range ys {
		args[i] = y
	}

	rows, err := sqlite.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	proofs := []storage.DBProof{}
	for rows.Next() {
		var proof storage.DBProof
		var state int
		var meltQuoteId sql.NullString
		err := rows.Scan(
			&proof.Y,
			&proof.Amount,
			&proof.KeysetId,
			&proof.Secret,
			&proof.C,
			&state,
			&meltQuoteId,
			&proof.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		proof.State = paynet.ProofState(state)
		proof.MeltQuoteId = meltQuoteId.String
		proofs = append(proofs, proof)
	}

	return proofs, rows.Err()
}

func finalizeProofs(tx *sql.Tx, ys []string, spent bool) error {
	var query string
	if spent {
		query = "UPDATE proof SET state = 2 WHERE y = ? AND state = 1"
	} else {
		query = "DELETE FROM proof WHERE y = ? AND state = 1"
	}

	stmt, err := tx.Prepare(query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, y := range ys {
		result, err := stmt.Exec(y)
		if err != nil {
			return err
		}
		count, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if count != 1 {
			return storage.ErrInvalidProofState
		}
	}
	return nil
}

func (sqlite *SQLiteDB) FinalizeProofs(ys []string, spent bool) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := finalizeProofs(tx, ys, spent); err != nil {
		return err
	}
	return tx.Commit()
}

func (sqlite *SQLiteDB) CommitSwap(ys []string, B_s []string, signatures paynet.BlindedSignatures) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertBlindSignatures(tx, B_s, signatures); err != nil {
		return err
	}
	if err := finalizeProofs(tx, ys, true); err != nil {
		return err
	}
	return tx.Commit()
}

func (sqlite *SQLiteDB) CommitMeltPending(quoteId string, proofs []storage.DBProof) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertPendingProofs(tx, proofs); err != nil {
		return err
	}

	result, err := tx.Exec("UPDATE melt_quote SET state = 'PENDING' WHERE id = ? AND state = 'UNPAID'", quoteId)
	if err != nil {
		return err
	}
	if err := checkOneRow(result, "melt quote was not updated"); err != nil {
		return err
	}

	return tx.Commit()
}

func (sqlite *SQLiteDB) RollbackMeltPending(quoteId string) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM proof WHERE melt_quote_id = ? AND state = 1", quoteId); err != nil {
		return err
	}

	result, err := tx.Exec("UPDATE melt_quote SET state = 'UNPAID' WHERE id = ? AND state = 'PENDING'", quoteId)
	if err != nil {
		return err
	}
	if err := checkOneRow(result, "melt quote was not updated"); err != nil {
		return err
	}

	return tx.Commit()
}

func (sqlite *SQLiteDB) DeleteStalePendingProofs(before time.Time) (int64, error) {
	result, err := sqlite.db.Exec(
		"DELETE FROM proof WHERE state = 1 AND melt_quote_id IS NULL AND created_at < ?",
		before.Unix(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (sqlite *SQLiteDB) RecordMintPayment(block storage.SeenBlock, event storage.PaymentEvent,
	quoteId string, amountToPay *uint256.Int) (bool, error) {

	tx, err := sqlite.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	inserted, err := insertPaymentEvent(tx, "mint_payment_event", block, event)
	if err != nil {
		return false, err
	}
	if !inserted {
		// replayed event, already processed
		return false, tx.Commit()
	}

	reached, err := cumulativePaidReached(tx, "mint_payment_event", event.InvoiceId, amountToPay)
	if err != nil {
		return false, err
	}

	paid := false
	if reached {
		result, err := tx.Exec("UPDATE mint_quote SET state = 'PAID' WHERE id = ? AND state = 'UNPAID'", quoteId)
		if err != nil {
			return false, err
		}
		count, err := result.RowsAffected()
		if err != nil {
			return false, err
		}
		paid = count == 1
	}

	return paid, tx.Commit()
}

func (sqlite *SQLiteDB) RecordMeltPayment(block storage.SeenBlock, event storage.PaymentEvent,
	quoteId string, amountToPay *uint256.Int) (bool, error) {

	tx, err := sqlite.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	inserted, err := insertPaymentEvent(tx, "melt_payment_event", block, event)
	if err != nil {
		return false, err
	}
	if !inserted {
		return false, tx.Commit()
	}

	reached, err := cumulativePaidReached(tx, "melt_payment_event", event.InvoiceId, amountToPay)
	if err != nil {
		return false, err
	}

	paid := false
	if reached {
		result, err := tx.Exec("UPDATE melt_quote SET state = 'PAID' WHERE id = ? AND state = 'PENDING'", quoteId)
		if err != nil {
			return false, err
		}
		count, err := result.RowsAffected()
		if err != nil {
			return false, err
		}
		if count == 1 {
			paid = true
			// the withdrawal went through, the melt inputs are gone
			if _, err := tx.Exec("UPDATE proof SET state = 2 WHERE melt_quote_id = ? AND state = 1", quoteId); err != nil {
				return false, err
			}
		}
	}

	return paid, tx.Commit()
}

func insertPaymentEvent(tx *sql.Tx, table string, block storage.SeenBlock, event storage.PaymentEvent) (bool, error) {
	_, err := tx.Exec(
		"INSERT INTO substreams_starknet_block (id, number, timestamp) VALUES (?, ?, ?) ON CONFLICT DO NOTHING",
		block.Id, block.Number, block.Timestamp,
	)
	if err != nil {
		return false, err
	}

	result, err := tx.Exec(`
		INSERT INTO `+table+` (tx_hash, event_index, block_id, asset, payee, payer, invoice_id, amount)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		event.TxHash, event.EventIndex, event.BlockId, event.Asset,
		event.Payee, event.Payer, event.InvoiceId, event.Amount,
	)
	if err != nil {
		return false, err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return count == 1, nil
}

func cumulativePaidReached(tx *sql.Tx, table, invoiceId string, amountToPay *uint256.Int) (bool, error) {
	rows, err := tx.Query("SELECT amount FROM "+table+" WHERE invoice_id = ?", invoiceId)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	total := new(uint256.Int)
	for rows.Next() {
		var amountHex string
		if err := rows.Scan(&amountHex); err != nil {
			return false, err
		}
		amount, err := uint256.FromHex(amountHex)
		if err != nil {
			return false, fmt.Errorf("invalid amount in payment event: %v", err)
		}
		var overflow bool
		total, overflow = new(uint256.Int).AddOverflow(total, amount)
		if overflow {
			return false, errors.New("payment amount overflow")
		}
	}
	if err := rows.Err(); err != nil {
		return false, err
	}

	return total.Cmp(amountToPay) >= 0, nil
}

func (sqlite *SQLiteDB) GetCursor(name string) (string, error) {
	var cursor string
	err := sqlite.db.QueryRow("SELECT cursor FROM substreams_cursor WHERE name = ?", name).Scan(&cursor)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return cursor, err
}

func (sqlite *SQLiteDB) SaveCursor(name string, cursor string) error {
	_, err := sqlite.db.Exec(`
		INSERT INTO substreams_cursor (name, cursor) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET cursor = excluded.cursor`,
		name, cursor,
	)
	return err
}

func (sqlite *SQLiteDB) DeleteBlocksAbove(number uint64) error {
	_, err := sqlite.db.Exec("DELETE FROM substreams_starknet_block WHERE number > ?", number)
	return err
}

func checkOneRow(result sql.Result, msg string) error {
	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return errors.New(msg)
	}
	return nil
}
