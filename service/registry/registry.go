// Package registry mirrors soul identity and stats into the on-chain agent registry.
package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/dreammarket/go-dreammarket/service/logger"
	"github.com/dreammarket/go-dreammarket/service/persist"
)

// AgentID is the registry key of a soul
type AgentID common.Hash

// Agent is a registry record
type Agent struct {
	ID         AgentID
	Owner      common.Address
	Creator    common.Address
	Name       string
	Rarity     uint8
	Level      uint64
	XP         uint64
	Reputation uint64
	IsActive   bool
}

// Stats are the progression values mirrored into the registry
type Stats struct {
	Level      uint64
	XP         uint64
	Reputation uint64
}

// RegisterInput describes a new registry agent
type RegisterInput struct {
	AgentID AgentID
	Name    string
	Tagline string
	Rarity  persist.Rarity
	Creator common.Address
}

// Contract is the registry contract as seen by the client. Transactions block until they
// are mined and return the transaction hash.
type Contract interface {
	RegisterAgent(ctx context.Context, agentID AgentID, name, tagline string, rarity uint8, creator common.Address) (string, error)
	UpdateStats(ctx context.Context, agentID AgentID, stats Stats) (string, error)
	AdminTransferAgent(ctx context.Context, agentID AgentID, newOwner common.Address) (string, error)
	TransferAgent(ctx context.Context, agentID AgentID, newOwner common.Address) (string, error)
	GetAgent(ctx context.Context, agentID AgentID) (Agent, bool, error)
	// Signer is the address the contract's transactions are sent from
	Signer() common.Address
}

// Result is the outcome of a best-effort registry operation
type Result struct {
	Success    bool     `json:"success"`
	TxRef      string   `json:"tx_ref,omitempty"`
	Warning    string   `json:"warning,omitempty"`
	SelfHealed bool     `json:"self_healed"`
	Steps      []string `json:"steps"`
}

func (r *Result) step(format string, args ...interface{}) {
	r.Steps = append(r.Steps, fmt.Sprintf(format, args...))
}

func (r Result) degraded(warning string) Result {
	r.Success = false
	r.Warning = warning
	return r
}

// Client drives the registry contract
type Client struct {
	contract Contract
	// registered remembers agent ids known to exist so that stats updates can skip the lookup
	registered *lru.Cache
}

// NewClient returns a registry client backed by contract
func NewClient(contract Contract, memoSize int) (*Client, error) {
	if memoSize <= 0 {
		memoSize = 1024
	}
	registered, err := lru.New(memoSize)
	if err != nil {
		return nil, err
	}
	return &Client{contract: contract, registered: registered}, nil
}

// DeriveAgentID returns the agent id for a token ref. The id is the keccak256 hash of the
// ref's canonical string form.
func DeriveAgentID(ref persist.TokenRef) AgentID {
	return AgentID(crypto.Keccak256Hash([]byte(strings.TrimSpace(ref.String()))))
}

// Hex returns the 0x prefixed hex form of the id
func (a AgentID) Hex() string {
	return common.Hash(a).Hex()
}

func (a AgentID) String() string {
	return a.Hex()
}

// Signer is the address registry transactions are signed by
func (c *Client) Signer() common.Address {
	return c.contract.Signer()
}

// Register creates a registry agent owned by the signer
func (c *Client) Register(ctx context.Context, in RegisterInput) (string, error) {
	txRef, err := c.contract.RegisterAgent(ctx, in.AgentID, in.Name, in.Tagline, in.Rarity.Rank(), in.Creator)
	if err != nil {
		return "", Classify("register", err)
	}
	c.registered.Add(in.AgentID, struct{}{})
	return txRef, nil
}

// UpdateStats writes stats for an agent without any recovery
func (c *Client) UpdateStats(ctx context.Context, agentID AgentID, stats Stats) (string, error) {
	txRef, err := c.contract.UpdateStats(ctx, agentID, stats)
	if err != nil {
		err = Classify("updateStats", err)
		if IsKind(err, KindNotRegistered) {
			c.registered.Remove(agentID)
		}
		return "", err
	}
	return txRef, nil
}

// TransferOwnership moves an agent to newOwner through the administrative path, falling back
// to the legacy single owner path on deployments that lack it.
func (c *Client) TransferOwnership(ctx context.Context, agentID AgentID, newOwner common.Address) (string, error) {
	txRef, err := c.contract.AdminTransferAgent(ctx, agentID, newOwner)
	if err == nil {
		return txRef, nil
	}

	err = classifyTransfer("adminTransferAgent", err)
	if !IsKind(err, KindFunctionUnavailable) {
		return "", err
	}

	logger.For(ctx).WithField("agentID", agentID.Hex()).Info("admin transfer unavailable, using legacy transfer")
	txRef, err = c.contract.TransferAgent(ctx, agentID, newOwner)
	if err != nil {
		return "", classifyTransfer("transferAgent", err)
	}
	return txRef, nil
}

// GetAgent returns an agent record or an ErrRegistry of kind KindNotFound
func (c *Client) GetAgent(ctx context.Context, agentID AgentID) (Agent, error) {
	agent, exists, err := c.contract.GetAgent(ctx, agentID)
	if err != nil {
		return Agent{}, Classify("getAgent", err)
	}
	if !exists {
		c.registered.Remove(agentID)
		return Agent{}, ErrRegistry{Op: "getAgent", Kind: KindNotFound}
	}
	c.registered.Add(agentID, struct{}{})
	return agent, nil
}

// EnsureRegistered registers the agent if the registry does not have it yet. It returns the
// registration tx ref, which is empty when the agent already existed.
func (c *Client) EnsureRegistered(ctx context.Context, in RegisterInput) (string, error) {
	if c.registered.Contains(in.AgentID) {
		return "", nil
	}

	_, err := c.GetAgent(ctx, in.AgentID)
	if err == nil {
		return "", nil
	}
	if !IsKind(err, KindNotFound) {
		return "", err
	}

	txRef, err := c.Register(ctx, in)
	if IsKind(err, KindAlreadyRegistered) {
		c.registered.Add(in.AgentID, struct{}{})
		return "", nil
	}
	return txRef, err
}

// UpdateStatsWithSelfHeal writes stats and recovers from a signer that no longer owns the
// agent by transferring the agent back to the signer and retrying once. It never returns an
// error; failures are reported as a degraded Result.
func (c *Client) UpdateStatsWithSelfHeal(ctx context.Context, agentID AgentID, stats Stats) Result {
	log := logger.For(ctx).WithFields(logrus.Fields{"agentID": agentID.Hex(), "level": stats.Level, "xp": stats.XP})
	var res Result

	txRef, err := c.UpdateStats(ctx, agentID, stats)
	if err == nil {
		res.step("updateStats ok")
		res.Success = true
		res.TxRef = txRef
		return res
	}
	res.step("updateStats failed: %s", err)

	if !IsKind(err, KindNotOwner) {
		log.WithError(err).Warn("registry stats update failed")
		return res.degraded(err.Error())
	}

	signer := c.contract.Signer()
	_, err = c.TransferOwnership(ctx, agentID, signer)
	if err != nil && !IsKind(err, KindSameOwner) {
		res.step("transfer to signer failed: %s", err)
		log.WithError(err).Warn("registry self-heal could not reclaim agent")
		return res.degraded(fmt.Sprintf("signer %s does not own agent and ownership could not be reclaimed: %s", signer.Hex(), err))
	}
	res.step("transferred agent to signer %s", signer.Hex())
	res.SelfHealed = true

	txRef, err = c.UpdateStats(ctx, agentID, stats)
	if err != nil {
		res.step("updateStats retry failed: %s", err)
		log.WithError(err).Warn("registry stats update failed after self-heal")
		return res.degraded(err.Error())
	}
	res.step("updateStats retry ok")
	res.Success = true
	res.TxRef = txRef
	return res
}

// MirrorOwnership makes newOwner the registry owner of the agent. An agent that is already
// owned by newOwner is a success.
func (c *Client) MirrorOwnership(ctx context.Context, agentID AgentID, newOwner common.Address) Result {
	var res Result

	agent, err := c.GetAgent(ctx, agentID)
	if err != nil {
		res.step("getAgent failed: %s", err)
		return res.degraded(err.Error())
	}
	if agent.Owner == newOwner {
		res.step("owner already %s", newOwner.Hex())
		res.Success = true
		return res
	}

	txRef, err := c.TransferOwnership(ctx, agentID, newOwner)
	if IsKind(err, KindSameOwner) {
		res.step("owner already %s", newOwner.Hex())
		res.Success = true
		return res
	}
	if err != nil {
		res.step("transfer failed: %s", err)
		logger.For(ctx).WithError(err).WithField("agentID", agentID.Hex()).Warn("registry ownership mirror failed")
		return res.degraded(err.Error())
	}
	res.step("transferred agent to %s", newOwner.Hex())
	res.Success = true
	res.TxRef = txRef
	return res
}
