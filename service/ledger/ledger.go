// Package ledger is the client for the token ledger, the authoritative owner of record for
// every soul's NFT.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/dreammarket/go-dreammarket/service/persist"
)

// ResponseCode is a ledger transaction status code
type ResponseCode int64

// Ledger response codes the client distinguishes between
const (
	CodeTransactionExpired         ResponseCode = 4
	CodeInvalidSignature           ResponseCode = 7
	CodeInsufficientPayerBalance   ResponseCode = 10
	CodeBusy                       ResponseCode = 12
	CodeInvalidAccountID           ResponseCode = 15
	CodeSuccess                    ResponseCode = 22
	CodeInsufficientAccountBalance ResponseCode = 28
	CodeAccountFrozenForToken      ResponseCode = 165
	CodeTokenNotAssociated         ResponseCode = 184
	CodeTokenAlreadyAssociated     ResponseCode = 194
	CodeInvalidNFTID               ResponseCode = 226
	CodeSenderDoesNotOwnNFT        ResponseCode = 237
	CodeSpenderWithoutAllowance    ResponseCode = 292
)

// ErrorKind classifies ledger failures
type ErrorKind int

const (
	// KindUnknown is a failure the client could not classify. It is not retried.
	KindUnknown ErrorKind = iota
	// KindUnassociated means the recipient must associate with the token first
	KindUnassociated
	// KindInsufficientBalance means the sender does not hold the serial or cannot pay
	KindInsufficientBalance
	// KindExpired means the transaction expired before reaching consensus. Retryable.
	KindExpired
	// KindFrozen means the account is frozen for the token
	KindFrozen
	// KindInvalidAccount means an account or token id is not valid
	KindInvalidAccount
	// KindSignatureRequired means the account owner has to sign the transaction
	KindSignatureRequired
	// KindReceiptFailed means the transaction reached consensus with a non success status. Retryable.
	KindReceiptFailed
	// KindTransport means the request never reached the ledger. Retryable.
	KindTransport
	// KindUnconfirmed means a transaction was submitted but its outcome is unknown. It must be
	// re-verified against the indexer before any retry.
	KindUnconfirmed
)

var kindNames = map[ErrorKind]string{
	KindUnknown:             "unknown",
	KindUnassociated:        "unassociated",
	KindInsufficientBalance: "insufficient balance",
	KindExpired:             "expired",
	KindFrozen:              "frozen",
	KindInvalidAccount:      "invalid account",
	KindSignatureRequired:   "signature required",
	KindReceiptFailed:       "receipt failed",
	KindTransport:           "transport",
	KindUnconfirmed:         "unconfirmed",
}

// Receipt describes a transaction that reached consensus successfully
type Receipt struct {
	TxRef  string       `json:"tx_ref"`
	Status ResponseCode `json:"status"`
}

// Client is the transactional interface to the ledger. All methods block until the
// transaction reaches consensus or ctx is done.
type Client interface {
	// Transfer moves a serial between accounts using the operator's authority
	Transfer(ctx context.Context, ref persist.TokenRef, from, to persist.AccountID) (Receipt, error)
	// SubmitSigned submits a transaction envelope that was signed by a user wallet
	SubmitSigned(ctx context.Context, rawTx []byte) (Receipt, error)
	// Associate associates an account with a token. Already associated accounts succeed.
	Associate(ctx context.Context, account persist.AccountID, token persist.TokenID) (Receipt, error)
	IsAssociated(ctx context.Context, account persist.AccountID, token persist.TokenID) (bool, error)
	Mint(ctx context.Context, token persist.TokenID, metadata []byte) (int64, Receipt, error)
	Burn(ctx context.Context, ref persist.TokenRef) (Receipt, error)
	Balance(ctx context.Context, account persist.AccountID, token persist.TokenID) (int64, error)
	OwnerOf(ctx context.Context, ref persist.TokenRef) (persist.AccountID, error)
	// Operator returns the service-operated account that signs mints, burns and deliveries
	Operator() persist.AccountID
	Close()
}

// ErrLedger is returned for every failed ledger operation
type ErrLedger struct {
	Op     string
	Kind   ErrorKind
	Status ResponseCode
	TxRef  string
	Err    error
}

func (e ErrLedger) Error() string {
	msg := fmt.Sprintf("ledger %s failed: %s", e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.TxRef != "" {
		msg += fmt.Sprintf(" tx=%s", e.TxRef)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e ErrLedger) Unwrap() error {
	return e.Err
}

// Transient returns true if the same request may be submitted again
func (e ErrLedger) Transient() bool {
	switch e.Kind {
	case KindExpired, KindReceiptFailed, KindTransport:
		return true
	}
	return false
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// KindForCode maps a ledger response code onto an error kind
func KindForCode(code ResponseCode) ErrorKind {
	switch code {
	case CodeTokenNotAssociated:
		return KindUnassociated
	case CodeInsufficientAccountBalance, CodeInsufficientPayerBalance, CodeSenderDoesNotOwnNFT:
		return KindInsufficientBalance
	case CodeTransactionExpired, CodeBusy:
		return KindExpired
	case CodeAccountFrozenForToken:
		return KindFrozen
	case CodeInvalidAccountID, CodeInvalidNFTID:
		return KindInvalidAccount
	case CodeInvalidSignature, CodeSpenderWithoutAllowance:
		return KindSignatureRequired
	default:
		return KindUnknown
	}
}

// ErrorForCode returns nil for successful codes and an ErrLedger otherwise
func ErrorForCode(op string, code ResponseCode) error {
	if code == CodeSuccess {
		return nil
	}
	return ErrLedger{Op: op, Kind: KindForCode(code), Status: code}
}

// IsKind reports whether err is a ledger error of the given kind
func IsKind(err error, kind ErrorKind) bool {
	le, ok := AsLedgerError(err)
	return ok && le.Kind == kind
}

// AsLedgerError unwraps err into an ErrLedger
func AsLedgerError(err error) (ErrLedger, bool) {
	var le ErrLedger
	if errors.As(err, &le) {
		return le, true
	}
	return ErrLedger{}, false
}
