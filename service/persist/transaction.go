package persist

import (
	"context"
	"database/sql/driver"
	"fmt"
)

const (
	TransactionTypeMint     TransactionType = "mint"
	TransactionTypeList     TransactionType = "list"
	TransactionTypeDelist   TransactionType = "delist"
	TransactionTypeSale     TransactionType = "sale"
	TransactionTypeTransfer TransactionType = "transfer"
	TransactionTypeBurn     TransactionType = "burn"
)

// LedgerTxRefRepair is recorded as the ledger reference of transfers written by the repair path,
// which observe a ledger state change rather than cause one
const LedgerTxRefRepair = "repair"

// TransactionType is the kind of marketplace or ledger event a TransactionRecord describes
type TransactionType string

// TransactionRecord is an append-only audit entry for a soul
type TransactionRecord struct {
	ID           DBID            `json:"id"`
	CreationTime CreationTime    `json:"created_at"`
	AssetID      DBID            `json:"asset_id"`
	Type         TransactionType `json:"type"`
	FromAccount  AccountID       `json:"from_account"`
	ToAccount    AccountID       `json:"to_account"`
	Price        *Tinybar        `json:"price"`
	LedgerTxRef  string          `json:"ledger_tx_ref"`
}

// TransactionRepository represents a repository for reading the transaction log.
// Records are only ever written together with the soul mutation they describe.
type TransactionRepository interface {
	GetByAsset(context.Context, DBID) ([]TransactionRecord, error)
	GetLatestByAssetAndType(context.Context, DBID, TransactionType) (TransactionRecord, error)
}

// ErrTransactionNotFound is returned when no transaction of the given type exists for a soul
type ErrTransactionNotFound struct {
	AssetID DBID
	Type    TransactionType
}

func (e ErrTransactionNotFound) Error() string {
	return fmt.Sprintf("no %s transaction found for soul %s", e.Type, e.AssetID)
}

func (t TransactionType) String() string {
	return string(t)
}

// Value implements the driver.Valuer interface for the TransactionType type
func (t TransactionType) Value() (driver.Value, error) {
	return t.String(), nil
}

// Scan implements the sql.Scanner interface for the TransactionType type
func (t *TransactionType) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		*t = TransactionType(v)
	case []byte:
		*t = TransactionType(string(v))
	case nil:
		*t = ""
	default:
		return fmt.Errorf("invalid transaction type: %v - %T", src, src)
	}
	return nil
}
