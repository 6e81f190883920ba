package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/dreammarket/go-dreammarket/service/persist"
)

// TransactionRepository reads the append-only transaction log
type TransactionRepository struct {
	getByAssetStmt              *sql.Stmt
	getLatestByAssetAndTypeStmt *sql.Stmt
}

// NewTransactionRepository creates a new postgres repository for reading transaction records
func NewTransactionRepository(db *sql.DB) *TransactionRepository {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	getByAssetStmt, err := db.PrepareContext(ctx, `SELECT ID,CREATED_AT,ASSET_ID,TYPE,FROM_ACCOUNT,TO_ACCOUNT,PRICE,LEDGER_TX_REF FROM transactions WHERE ASSET_ID = $1 ORDER BY CREATED_AT DESC, ID DESC;`)
	checkNoErr(err)

	getLatestByAssetAndTypeStmt, err := db.PrepareContext(ctx, `SELECT ID,CREATED_AT,ASSET_ID,TYPE,FROM_ACCOUNT,TO_ACCOUNT,PRICE,LEDGER_TX_REF FROM transactions WHERE ASSET_ID = $1 AND TYPE = $2 ORDER BY CREATED_AT DESC, ID DESC LIMIT 1;`)
	checkNoErr(err)

	return &TransactionRepository{
		getByAssetStmt:              getByAssetStmt,
		getLatestByAssetAndTypeStmt: getLatestByAssetAndTypeStmt,
	}
}

// GetByAsset returns the soul's transactions, newest first
func (t *TransactionRepository) GetByAsset(pCtx context.Context, pAssetID persist.DBID) ([]persist.TransactionRecord, error) {
	rows, err := t.getByAssetStmt.QueryContext(pCtx, pAssetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]persist.TransactionRecord, 0, 10)
	for rows.Next() {
		record, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, record)
	}
	return result, rows.Err()
}

// GetLatestByAssetAndType returns the most recent transaction of a type for the soul
func (t *TransactionRepository) GetLatestByAssetAndType(pCtx context.Context, pAssetID persist.DBID, pType persist.TransactionType) (persist.TransactionRecord, error) {
	record, err := scanTransaction(t.getLatestByAssetAndTypeStmt.QueryRowContext(pCtx, pAssetID, pType))
	if errors.Is(err, sql.ErrNoRows) {
		return persist.TransactionRecord{}, persist.ErrTransactionNotFound{AssetID: pAssetID, Type: pType}
	}
	return record, err
}

func scanTransaction(row rowScanner) (persist.TransactionRecord, error) {
	var record persist.TransactionRecord
	var price sql.NullInt64
	err := row.Scan(&record.ID, &record.CreationTime, &record.AssetID, &record.Type, &record.FromAccount, &record.ToAccount, &price, &record.LedgerTxRef)
	if err != nil {
		return persist.TransactionRecord{}, err
	}
	if price.Valid {
		p := persist.Tinybar(price.Int64)
		record.Price = &p
	}
	return record, nil
}
