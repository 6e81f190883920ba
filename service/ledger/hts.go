package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"github.com/dreammarket/go-dreammarket/env"
	"github.com/dreammarket/go-dreammarket/service/logger"
	"github.com/dreammarket/go-dreammarket/service/persist"
)

// PrecompileAddress is the address of the token service system contract
var PrecompileAddress = common.HexToAddress("0x0000000000000000000000000000000000000167")

// transferSignature is the ERC721 Transfer event emitted by token facades
var transferSignature = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

const precompileABI = `[
{"name":"transferNFT","type":"function","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"sender","type":"address"},{"name":"receiver","type":"address"},{"name":"serialNumber","type":"int64"}],"outputs":[{"name":"responseCode","type":"int64"}]},
{"name":"associateToken","type":"function","stateMutability":"nonpayable","inputs":[{"name":"account","type":"address"},{"name":"token","type":"address"}],"outputs":[{"name":"responseCode","type":"int64"}]},
{"name":"mintToken","type":"function","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"amount","type":"int64"},{"name":"metadata","type":"bytes[]"}],"outputs":[{"name":"responseCode","type":"int64"},{"name":"newTotalSupply","type":"int64"},{"name":"serialNumbers","type":"int64[]"}]},
{"name":"burnToken","type":"function","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"amount","type":"int64"},{"name":"serialNumbers","type":"int64[]"}],"outputs":[{"name":"responseCode","type":"int64"},{"name":"newTotalSupply","type":"int64"}]}
]`

const facadeABI = `[
{"name":"ownerOf","type":"function","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"name":"isAssociated","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]}
]`

var (
	parsedPrecompileABI = mustParseABI(precompileABI)
	parsedFacadeABI     = mustParseABI(facadeABI)
)

// Backend is the subset of an ethclient the HTS client needs
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// HTSOptions configures an HTSClient
type HTSOptions struct {
	Operator       persist.AccountID
	OperatorKey    *ecdsa.PrivateKey
	ChainID        *big.Int
	CallTimeout    time.Duration
	ReceiptTimeout time.Duration
	GasLimit       uint64
}

// HTSClient implements Client against the JSON-RPC relay of the ledger, driving the
// token service system contract for writes and the ERC721 token facades for reads.
type HTSClient struct {
	backend    Backend
	closer     func()
	opts       HTSOptions
	precompile *bind.BoundContract
	signer     common.Address
}

// NewHTSClient returns a new HTS client. The operator key signs every operator transaction.
func NewHTSClient(backend Backend, opts HTSOptions) (*HTSClient, error) {
	if opts.OperatorKey == nil {
		return nil, errors.New("operator key is required")
	}
	if !opts.Operator.Valid() {
		return nil, persist.ErrInvalidEntityID{Value: opts.Operator.String()}
	}
	if opts.ChainID == nil {
		return nil, errors.New("chain id is required")
	}
	if opts.CallTimeout == 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.ReceiptTimeout == 0 {
		opts.ReceiptTimeout = 30 * time.Second
	}
	if opts.GasLimit == 0 {
		opts.GasLimit = 1_000_000
	}
	return &HTSClient{
		backend:    backend,
		opts:       opts,
		precompile: bind.NewBoundContract(PrecompileAddress, parsedPrecompileABI, backend, backend, backend),
		signer:     crypto.PubkeyToAddress(opts.OperatorKey.PublicKey),
	}, nil
}

// NewHTSClientFromEnv dials the relay configured in the environment
func NewHTSClientFromEnv(ctx context.Context) (*HTSClient, error) {
	rpc, err := ethclient.DialContext(ctx, env.GetString("LEDGER_RPC_URL"))
	if err != nil {
		return nil, err
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(env.GetString("OPERATOR_PRIVATE_KEY"), "0x"))
	if err != nil {
		rpc.Close()
		return nil, fmt.Errorf("invalid operator key: %w", err)
	}

	client, err := NewHTSClient(rpc, HTSOptions{
		Operator:       persist.AccountID(env.GetString("OPERATOR_ACCOUNT_ID")),
		OperatorKey:    key,
		ChainID:        big.NewInt(env.GetInt64("LEDGER_CHAIN_ID")),
		CallTimeout:    env.GetDuration("LEDGER_CALL_TIMEOUT"),
		ReceiptTimeout: env.GetDuration("LEDGER_RECEIPT_TIMEOUT"),
	})
	if err != nil {
		rpc.Close()
		return nil, err
	}
	client.closer = rpc.Close
	return client, nil
}

func (c *HTSClient) Operator() persist.AccountID {
	return c.opts.Operator
}

func (c *HTSClient) Close() {
	if c.closer != nil {
		c.closer()
	}
}

func (c *HTSClient) Transfer(ctx context.Context, ref persist.TokenRef, from, to persist.AccountID) (Receipt, error) {
	token, serial, err := ref.GetParts()
	if err != nil {
		return Receipt{}, ErrLedger{Op: "transfer", Kind: KindInvalidAccount, Err: err}
	}
	tokenAddr, fromAddr, toAddr, err := addresses(token, from, to)
	if err != nil {
		return Receipt{}, ErrLedger{Op: "transfer", Kind: KindInvalidAccount, Err: err}
	}

	out, err := c.preflight(ctx, "transferNFT", tokenAddr, fromAddr, toAddr, serial)
	if err != nil {
		return Receipt{}, err
	}
	if err := ErrorForCode("transfer", responseCode(out)); err != nil {
		return Receipt{}, err
	}

	receipt, _, err := c.transact(ctx, "transfer", "transferNFT", tokenAddr, fromAddr, toAddr, serial)
	return receipt, err
}

func (c *HTSClient) Associate(ctx context.Context, account persist.AccountID, token persist.TokenID) (Receipt, error) {
	tokenAddr, accountAddr, err := addressPair(token, account)
	if err != nil {
		return Receipt{}, ErrLedger{Op: "associate", Kind: KindInvalidAccount, Err: err}
	}

	out, err := c.preflight(ctx, "associateToken", accountAddr, tokenAddr)
	if err != nil {
		return Receipt{}, err
	}

	code := responseCode(out)
	if code == CodeTokenAlreadyAssociated {
		return Receipt{Status: code}, nil
	}
	if err := ErrorForCode("associate", code); err != nil {
		return Receipt{}, err
	}

	receipt, _, err := c.transact(ctx, "associate", "associateToken", accountAddr, tokenAddr)
	return receipt, err
}

func (c *HTSClient) IsAssociated(ctx context.Context, account persist.AccountID, token persist.TokenID) (bool, error) {
	tokenAddr, accountAddr, err := addressPair(token, account)
	if err != nil {
		return false, ErrLedger{Op: "isAssociated", Kind: KindInvalidAccount, Err: err}
	}
	out, err := c.callFacade(ctx, tokenAddr, accountAddr, "isAssociated")
	if err != nil {
		return false, err
	}
	associated, _ := out[0].(bool)
	return associated, nil
}

func (c *HTSClient) Mint(ctx context.Context, token persist.TokenID, metadata []byte) (int64, Receipt, error) {
	tokenAddr, err := token.Address()
	if err != nil {
		return 0, Receipt{}, ErrLedger{Op: "mint", Kind: KindInvalidAccount, Err: err}
	}
	meta := [][]byte{metadata}

	out, err := c.preflight(ctx, "mintToken", tokenAddr, int64(0), meta)
	if err != nil {
		return 0, Receipt{}, err
	}
	if err := ErrorForCode("mint", responseCode(out)); err != nil {
		return 0, Receipt{}, err
	}

	receipt, logs, err := c.transact(ctx, "mint", "mintToken", tokenAddr, int64(0), meta)
	if err != nil {
		return 0, receipt, err
	}

	serial, ok := MintedSerial(logs, tokenAddr)
	if !ok {
		// the facade did not emit a transfer log, fall back to the simulated serial
		if serials, _ := out[2].([]int64); len(serials) > 0 {
			serial = serials[0]
		} else {
			return 0, receipt, ErrLedger{Op: "mint", Kind: KindUnknown, TxRef: receipt.TxRef, Err: errors.New("minted serial not found in receipt")}
		}
	}
	return serial, receipt, nil
}

func (c *HTSClient) Burn(ctx context.Context, ref persist.TokenRef) (Receipt, error) {
	token, serial, err := ref.GetParts()
	if err != nil {
		return Receipt{}, ErrLedger{Op: "burn", Kind: KindInvalidAccount, Err: err}
	}
	tokenAddr, err := token.Address()
	if err != nil {
		return Receipt{}, ErrLedger{Op: "burn", Kind: KindInvalidAccount, Err: err}
	}
	serials := []int64{serial}

	out, err := c.preflight(ctx, "burnToken", tokenAddr, int64(0), serials)
	if err != nil {
		return Receipt{}, err
	}
	if err := ErrorForCode("burn", responseCode(out)); err != nil {
		return Receipt{}, err
	}

	receipt, _, err := c.transact(ctx, "burn", "burnToken", tokenAddr, int64(0), serials)
	return receipt, err
}

func (c *HTSClient) Balance(ctx context.Context, account persist.AccountID, token persist.TokenID) (int64, error) {
	tokenAddr, accountAddr, err := addressPair(token, account)
	if err != nil {
		return 0, ErrLedger{Op: "balance", Kind: KindInvalidAccount, Err: err}
	}
	out, err := c.callFacade(ctx, tokenAddr, c.signer, "balanceOf", accountAddr)
	if err != nil {
		return 0, err
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return 0, ErrLedger{Op: "balance", Kind: KindUnknown, Err: fmt.Errorf("unexpected balance %v", out[0])}
	}
	return balance.Int64(), nil
}

func (c *HTSClient) OwnerOf(ctx context.Context, ref persist.TokenRef) (persist.AccountID, error) {
	token, serial, err := ref.GetParts()
	if err != nil {
		return "", ErrLedger{Op: "ownerOf", Kind: KindInvalidAccount, Err: err}
	}
	tokenAddr, err := token.Address()
	if err != nil {
		return "", ErrLedger{Op: "ownerOf", Kind: KindInvalidAccount, Err: err}
	}
	out, err := c.callFacade(ctx, tokenAddr, c.signer, "ownerOf", big.NewInt(serial))
	if err != nil {
		return "", err
	}
	owner, ok := out[0].(common.Address)
	if !ok {
		return "", ErrLedger{Op: "ownerOf", Kind: KindUnknown, Err: fmt.Errorf("unexpected owner %v", out[0])}
	}
	return persist.AccountIDFromAddress(owner), nil
}

func (c *HTSClient) SubmitSigned(ctx context.Context, rawTx []byte) (Receipt, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(rawTx); err != nil {
		return Receipt{}, ErrLedger{Op: "submit", Kind: KindUnknown, Err: fmt.Errorf("invalid signed transaction: %w", err)}
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	if err := c.backend.SendTransaction(sendCtx, tx); err != nil {
		return Receipt{}, classifySendErr("submit", tx.Hash().Hex(), err)
	}

	receipt, _, err := c.waitMined(ctx, "submit", tx)
	return receipt, err
}

// preflight simulates the call as the operator to learn the ledger's response code
// before anything is submitted.
func (c *HTSClient) preflight(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	var out []interface{}
	err := c.precompile.Call(&bind.CallOpts{Context: ctx, From: c.signer}, &out, method, args...)
	if err != nil {
		return nil, classifyTransportErr(method, err)
	}
	if len(out) == 0 {
		return nil, ErrLedger{Op: method, Kind: KindUnknown, Err: errors.New("empty response")}
	}
	return out, nil
}

func (c *HTSClient) transact(ctx context.Context, op, method string, args ...interface{}) (Receipt, []*types.Log, error) {
	sendCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	opts, err := bind.NewKeyedTransactorWithChainID(c.opts.OperatorKey, c.opts.ChainID)
	if err != nil {
		return Receipt{}, nil, ErrLedger{Op: op, Kind: KindUnknown, Err: err}
	}
	opts.Context = sendCtx
	opts.GasLimit = c.opts.GasLimit

	tx, err := c.precompile.Transact(opts, method, args...)
	if err != nil {
		return Receipt{}, nil, classifySendErr(op, "", err)
	}

	logger.For(ctx).WithFields(logrus.Fields{"op": op, "tx": tx.Hash().Hex()}).Debug("submitted ledger transaction")
	return c.waitMined(ctx, op, tx)
}

func (c *HTSClient) waitMined(ctx context.Context, op string, tx *types.Transaction) (Receipt, []*types.Log, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ReceiptTimeout)
	defer cancel()

	txRef := tx.Hash().Hex()
	r, err := bind.WaitMined(ctx, c.backend, tx)
	if err != nil {
		// submitted but never confirmed, the caller has to look before retrying
		return Receipt{TxRef: txRef}, nil, ErrLedger{Op: op, Kind: KindUnconfirmed, TxRef: txRef, Err: err}
	}
	if r.Status != types.ReceiptStatusSuccessful {
		return Receipt{TxRef: txRef}, r.Logs, ErrLedger{Op: op, Kind: KindReceiptFailed, TxRef: txRef}
	}
	return Receipt{TxRef: txRef, Status: CodeSuccess}, r.Logs, nil
}

func (c *HTSClient) callFacade(ctx context.Context, token, from common.Address, method string, args ...interface{}) ([]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	facade := bind.NewBoundContract(token, parsedFacadeABI, c.backend, c.backend, c.backend)
	var out []interface{}
	if err := facade.Call(&bind.CallOpts{Context: ctx, From: from}, &out, method, args...); err != nil {
		return nil, classifyTransportErr(method, err)
	}
	if len(out) == 0 {
		return nil, ErrLedger{Op: method, Kind: KindUnknown, Err: errors.New("empty response")}
	}
	return out, nil
}

// MintedSerial finds the serial number of a mint from the facade's Transfer log
func MintedSerial(logs []*types.Log, token common.Address) (int64, bool) {
	for _, l := range logs {
		if l == nil || l.Address != token || len(l.Topics) != 4 {
			continue
		}
		if l.Topics[0] != transferSignature || l.Topics[1] != (common.Hash{}) {
			continue
		}
		return l.Topics[3].Big().Int64(), true
	}
	return 0, false
}

// classifySendErr treats a send that timed out as unconfirmed since the relay may have
// forwarded it anyway
func classifySendErr(op, txRef string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrLedger{Op: op, Kind: KindUnconfirmed, TxRef: txRef, Err: err}
	}
	le := classifyTransportErr(op, err).(ErrLedger)
	le.TxRef = txRef
	return le
}

func classifyTransportErr(op string, err error) error {
	if strings.Contains(err.Error(), "execution reverted") {
		return ErrLedger{Op: op, Kind: KindUnknown, Err: err}
	}
	return ErrLedger{Op: op, Kind: KindTransport, Err: err}
}

func responseCode(out []interface{}) ResponseCode {
	if len(out) == 0 {
		return 0
	}
	switch v := out[0].(type) {
	case int64:
		return ResponseCode(v)
	case *big.Int:
		return ResponseCode(v.Int64())
	}
	return 0
}

func addressPair(token persist.TokenID, account persist.AccountID) (common.Address, common.Address, error) {
	tokenAddr, err := token.Address()
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	accountAddr, err := account.Address()
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	return tokenAddr, accountAddr, nil
}

func addresses(token persist.TokenID, from, to persist.AccountID) (common.Address, common.Address, common.Address, error) {
	tokenAddr, fromAddr, err := addressPair(token, from)
	if err != nil {
		return common.Address{}, common.Address{}, common.Address{}, err
	}
	toAddr, err := to.Address()
	if err != nil {
		return common.Address{}, common.Address{}, common.Address{}, err
	}
	return tokenAddr, fromAddr, toAddr, nil
}

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}
