package registry

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

	"github.com/dreammarket/go-dreammarket/env"
)

const registryABI = `[
{"name":"registerAgent","type":"function","stateMutability":"nonpayable","inputs":[{"name":"agentId","type":"bytes32"},{"name":"name","type":"string"},{"name":"tagline","type":"string"},{"name":"rarity","type":"uint8"},{"name":"creator","type":"address"}],"outputs":[]},
{"name":"updateStats","type":"function","stateMutability":"nonpayable","inputs":[{"name":"agentId","type":"bytes32"},{"name":"level","type":"uint256"},{"name":"xp","type":"uint256"},{"name":"reputation","type":"uint256"}],"outputs":[]},
{"name":"adminTransferAgent","type":"function","stateMutability":"nonpayable","inputs":[{"name":"agentId","type":"bytes32"},{"name":"newOwner","type":"address"}],"outputs":[]},
{"name":"transferAgent","type":"function","stateMutability":"nonpayable","inputs":[{"name":"agentId","type":"bytes32"},{"name":"newOwner","type":"address"}],"outputs":[]},
{"name":"getAgent","type":"function","stateMutability":"view","inputs":[{"name":"agentId","type":"bytes32"}],"outputs":[{"name":"owner","type":"address"},{"name":"creator","type":"address"},{"name":"name","type":"string"},{"name":"rarity","type":"uint8"},{"name":"level","type":"uint256"},{"name":"xp","type":"uint256"},{"name":"reputation","type":"uint256"},{"name":"isActive","type":"bool"},{"name":"exists","type":"bool"}]}
]`

// Backend is the subset of an ethclient the bound registry needs
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// BoundRegistry implements Contract against a deployed registry
type BoundRegistry struct {
	contract *bind.BoundContract
	backend  Backend
	key      *ecdsa.PrivateKey
	chainID  *big.Int
	signer   common.Address
	timeout  time.Duration
	closer   func()
}

// NewBoundRegistry binds the registry at address. key signs every registry transaction.
func NewBoundRegistry(address common.Address, backend Backend, key *ecdsa.PrivateKey, chainID *big.Int, timeout time.Duration) (*BoundRegistry, error) {
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, errors.New("registry signer key is required")
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &BoundRegistry{
		contract: bind.NewBoundContract(address, parsed, backend, backend, backend),
		backend:  backend,
		key:      key,
		chainID:  chainID,
		signer:   crypto.PubkeyToAddress(key.PublicKey),
		timeout:  timeout,
	}, nil
}

// NewBoundRegistryFromEnv dials the relay and binds the registry configured in the environment
func NewBoundRegistryFromEnv(ctx context.Context) (*BoundRegistry, error) {
	addr := env.GetString("REGISTRY_CONTRACT_ADDRESS")
	if !common.IsHexAddress(addr) {
		return nil, fmt.Errorf("invalid registry address %q", addr)
	}

	rpc, err := ethclient.DialContext(ctx, env.GetString("LEDGER_RPC_URL"))
	if err != nil {
		return nil, err
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(env.GetString("OPERATOR_PRIVATE_KEY"), "0x"))
	if err != nil {
		rpc.Close()
		return nil, fmt.Errorf("invalid operator key: %w", err)
	}

	r, err := NewBoundRegistry(common.HexToAddress(addr), rpc, key, big.NewInt(env.GetInt64("LEDGER_CHAIN_ID")), env.GetDuration("REGISTRY_TIMEOUT"))
	if err != nil {
		rpc.Close()
		return nil, err
	}
	r.closer = rpc.Close
	return r, nil
}

func (r *BoundRegistry) Signer() common.Address {
	return r.signer
}

func (r *BoundRegistry) Close() {
	if r.closer != nil {
		r.closer()
	}
}

func (r *BoundRegistry) RegisterAgent(ctx context.Context, agentID AgentID, name, tagline string, rarity uint8, creator common.Address) (string, error) {
	return r.transact(ctx, "registerAgent", [32]byte(agentID), name, tagline, rarity, creator)
}

func (r *BoundRegistry) UpdateStats(ctx context.Context, agentID AgentID, stats Stats) (string, error) {
	return r.transact(ctx, "updateStats", [32]byte(agentID),
		new(big.Int).SetUint64(stats.Level),
		new(big.Int).SetUint64(stats.XP),
		new(big.Int).SetUint64(stats.Reputation),
	)
}

func (r *BoundRegistry) AdminTransferAgent(ctx context.Context, agentID AgentID, newOwner common.Address) (string, error) {
	return r.transact(ctx, "adminTransferAgent", [32]byte(agentID), newOwner)
}

func (r *BoundRegistry) TransferAgent(ctx context.Context, agentID AgentID, newOwner common.Address) (string, error) {
	return r.transact(ctx, "transferAgent", [32]byte(agentID), newOwner)
}

func (r *BoundRegistry) GetAgent(ctx context.Context, agentID AgentID) (Agent, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []interface{}
	err := r.contract.Call(&bind.CallOpts{Context: ctx, From: r.signer}, &out, "getAgent", [32]byte(agentID))
	if err != nil {
		return Agent{}, false, err
	}
	if len(out) != 9 {
		return Agent{}, false, fmt.Errorf("unexpected getAgent output length %d", len(out))
	}

	agent := Agent{
		ID:         agentID,
		Owner:      *abi.ConvertType(out[0], new(common.Address)).(*common.Address),
		Creator:    *abi.ConvertType(out[1], new(common.Address)).(*common.Address),
		Name:       *abi.ConvertType(out[2], new(string)).(*string),
		Rarity:     *abi.ConvertType(out[3], new(uint8)).(*uint8),
		Level:      (*abi.ConvertType(out[4], new(*big.Int)).(**big.Int)).Uint64(),
		XP:         (*abi.ConvertType(out[5], new(*big.Int)).(**big.Int)).Uint64(),
		Reputation: (*abi.ConvertType(out[6], new(*big.Int)).(**big.Int)).Uint64(),
		IsActive:   *abi.ConvertType(out[7], new(bool)).(*bool),
	}
	exists := *abi.ConvertType(out[8], new(bool)).(*bool)
	return agent, exists, nil
}

// transact sends a registry transaction and waits for it to be mined. Gas is estimated so
// that reverts surface with their reason before anything is broadcast.
func (r *BoundRegistry) transact(ctx context.Context, method string, args ...interface{}) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	opts, err := bind.NewKeyedTransactorWithChainID(r.key, r.chainID)
	if err != nil {
		return "", err
	}
	opts.Context = ctx

	tx, err := r.contract.Transact(opts, method, args...)
	if err != nil {
		return "", err
	}

	receipt, err := bind.WaitMined(ctx, r.backend, tx)
	if err != nil {
		return tx.Hash().Hex(), fmt.Errorf("waiting for %s: %w", method, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return tx.Hash().Hex(), fmt.Errorf("%s reverted in tx %s", method, tx.Hash().Hex())
	}
	return tx.Hash().Hex(), nil
}
