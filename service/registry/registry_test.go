package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreammarket/go-dreammarket/service/persist"
)

var (
	operator = common.HexToAddress("0x00000000000000000000000000000000000003e9")
	buyer    = common.HexToAddress("0x00000000000000000000000000000000000007d2")
)

type fakeContract struct {
	mu                  sync.Mutex
	agents              map[AgentID]Agent
	adminUnavailable    bool
	legacyUnavailable   bool
	tolerateWrongCaller bool
	calls               []string
	getAgentCalls       int
}

func newFakeContract() *fakeContract {
	return &fakeContract{agents: map[AgentID]Agent{}}
}

func (f *fakeContract) record(call string) string {
	f.calls = append(f.calls, call)
	return fmt.Sprintf("0x%02d", len(f.calls))
}

func (f *fakeContract) Signer() common.Address {
	return operator
}

func (f *fakeContract) RegisterAgent(ctx context.Context, agentID AgentID, name, tagline string, rarity uint8, creator common.Address) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.agents[agentID]; ok {
		return "", errors.New("execution reverted: AgentExists")
	}
	f.agents[agentID] = Agent{ID: agentID, Owner: operator, Creator: creator, Name: name, Rarity: rarity, IsActive: true}
	return f.record("registerAgent"), nil
}

func (f *fakeContract) UpdateStats(ctx context.Context, agentID AgentID, stats Stats) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	agent, ok := f.agents[agentID]
	if !ok {
		return "", errors.New("execution reverted: agent not registered")
	}
	if !agent.IsActive {
		return "", errors.New("execution reverted: agent inactive")
	}
	if agent.Owner != operator && !f.tolerateWrongCaller {
		return "", errors.New("execution reverted: caller is not agent owner")
	}
	agent.Level, agent.XP, agent.Reputation = stats.Level, stats.XP, stats.Reputation
	f.agents[agentID] = agent
	return f.record("updateStats"), nil
}

func (f *fakeContract) transfer(call string, agentID AgentID, newOwner common.Address) (string, error) {
	agent, ok := f.agents[agentID]
	if !ok {
		return "", errors.New("execution reverted: agent not registered")
	}
	if agent.Owner == newOwner {
		return "", errors.New("execution reverted: same owner")
	}
	agent.Owner = newOwner
	f.agents[agentID] = agent
	return f.record(call), nil
}

func (f *fakeContract) AdminTransferAgent(ctx context.Context, agentID AgentID, newOwner common.Address) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.adminUnavailable {
		return "", errors.New("execution reverted")
	}
	return f.transfer("adminTransferAgent", agentID, newOwner)
}

func (f *fakeContract) TransferAgent(ctx context.Context, agentID AgentID, newOwner common.Address) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.legacyUnavailable {
		return "", errors.New("execution reverted: function selector was not recognized and there's no fallback function")
	}
	if f.agents[agentID].Owner != operator {
		return "", errors.New("execution reverted: not owner")
	}
	return f.transfer("transferAgent", agentID, newOwner)
}

func (f *fakeContract) GetAgent(ctx context.Context, agentID AgentID) (Agent, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getAgentCalls++
	agent, ok := f.agents[agentID]
	return agent, ok, nil
}

func newTestClient(t *testing.T, contract *fakeContract) *Client {
	t.Helper()
	c, err := NewClient(contract, 16)
	require.NoError(t, err)
	return c
}

func registerTestAgent(t *testing.T, c *Client, ref persist.TokenRef) AgentID {
	t.Helper()
	id := DeriveAgentID(ref)
	_, err := c.Register(context.Background(), RegisterInput{AgentID: id, Name: "Nova", Rarity: persist.RarityCommon, Creator: buyer})
	require.NoError(t, err)
	return id
}

func TestDeriveAgentIDIsDeterministic(t *testing.T) {
	ref := persist.NewTokenRef("0.0.5005", 3)
	first := DeriveAgentID(ref)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, DeriveAgentID(persist.NewTokenRef("0.0.5005", 3)))
	}
	assert.NotEqual(t, first, DeriveAgentID(persist.NewTokenRef("0.0.5005", 4)))
	// keccak256("0.0.5005:3"), shared with every deployment of the registry
	assert.Equal(t, "0x25484c9e980a8e25f517ff45be89e0321af12c51fca0794c533d090a3d528c3d", first.Hex())
	assert.Equal(t, "0x0533c402c070dbd48e34fc9c5c7efb7d9f2da0d4532f703f97b6644dce6b9716", DeriveAgentID(persist.NewTokenRef("0.0.5005", 4)).Hex())
	assert.Equal(t, first.Hex(), DeriveAgentID(" 0.0.5005:3 ").Hex())
}

func TestClassify(t *testing.T) {
	cases := []struct {
		msg  string
		kind ErrorKind
	}{
		{"execution reverted: agent not registered", KindNotRegistered},
		{"execution reverted: AgentExists", KindAlreadyRegistered},
		{"execution reverted: caller is not agent owner", KindNotOwner},
		{"execution reverted: agent inactive", KindInactive},
		{"execution reverted: same owner", KindSameOwner},
		{"execution reverted: function selector was not recognized", KindFunctionUnavailable},
		{"dial tcp: connection refused", KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.msg, func(t *testing.T) {
			assert.True(t, IsKind(Classify("op", errors.New(tc.msg)), tc.kind))
		})
	}
	assert.NoError(t, Classify("op", nil))
	assert.True(t, IsKind(classifyTransfer("op", errors.New("execution reverted")), KindFunctionUnavailable))
	assert.True(t, IsKind(Classify("op", errors.New("execution reverted")), KindUnknown))
}

func TestEnsureRegistered(t *testing.T) {
	contract := newFakeContract()
	c := newTestClient(t, contract)
	ctx := context.Background()
	in := RegisterInput{AgentID: DeriveAgentID("0.0.5005:3"), Name: "Nova", Rarity: persist.RarityRare, Creator: buyer}

	txRef, err := c.EnsureRegistered(ctx, in)
	require.NoError(t, err)
	assert.NotEmpty(t, txRef)
	assert.Equal(t, uint8(1), contract.agents[in.AgentID].Rarity)

	lookups := contract.getAgentCalls
	txRef, err = c.EnsureRegistered(ctx, in)
	require.NoError(t, err)
	assert.Empty(t, txRef)
	assert.Equal(t, lookups, contract.getAgentCalls, "memoized agents are not looked up again")
}

func TestGetAgentNotFound(t *testing.T) {
	c := newTestClient(t, newFakeContract())
	_, err := c.GetAgent(context.Background(), DeriveAgentID("0.0.5005:9"))
	assert.True(t, IsKind(err, KindNotFound))
}

func TestUpdateStatsWithSelfHeal(t *testing.T) {
	ctx := context.Background()
	stats := Stats{Level: 2, XP: 150, Reputation: 10}

	t.Run("signer owns agent", func(t *testing.T) {
		contract := newFakeContract()
		c := newTestClient(t, contract)
		id := registerTestAgent(t, c, "0.0.5005:1")

		res := c.UpdateStatsWithSelfHeal(ctx, id, stats)
		assert.True(t, res.Success)
		assert.False(t, res.SelfHealed)
		assert.Equal(t, uint64(150), contract.agents[id].XP)
	})

	t.Run("mismatched caller tolerated", func(t *testing.T) {
		contract := newFakeContract()
		contract.tolerateWrongCaller = true
		c := newTestClient(t, contract)
		id := registerTestAgent(t, c, "0.0.5005:2")
		contract.agents[id] = Agent{ID: id, Owner: buyer, IsActive: true}

		res := c.UpdateStatsWithSelfHeal(ctx, id, stats)
		assert.True(t, res.Success)
		assert.False(t, res.SelfHealed)
	})

	t.Run("admin transfer reclaims agent", func(t *testing.T) {
		contract := newFakeContract()
		c := newTestClient(t, contract)
		id := registerTestAgent(t, c, "0.0.5005:3")
		contract.agents[id] = Agent{ID: id, Owner: buyer, IsActive: true}

		res := c.UpdateStatsWithSelfHeal(ctx, id, stats)
		assert.True(t, res.Success)
		assert.True(t, res.SelfHealed)
		assert.Equal(t, operator, contract.agents[id].Owner)
		assert.Equal(t, uint64(2), contract.agents[id].Level)
		assert.Contains(t, contract.calls, "adminTransferAgent")
	})

	t.Run("legacy transfer cannot reclaim foreign agent", func(t *testing.T) {
		contract := newFakeContract()
		contract.adminUnavailable = true
		c := newTestClient(t, contract)
		id := registerTestAgent(t, c, "0.0.5005:4")
		contract.agents[id] = Agent{ID: id, Owner: buyer, IsActive: true}

		res := c.UpdateStatsWithSelfHeal(ctx, id, stats)
		assert.False(t, res.Success)
		assert.NotEmpty(t, res.Warning)
		assert.Equal(t, buyer, contract.agents[id].Owner)
	})

	t.Run("no transfer path available", func(t *testing.T) {
		contract := newFakeContract()
		contract.adminUnavailable = true
		contract.legacyUnavailable = true
		c := newTestClient(t, contract)
		id := registerTestAgent(t, c, "0.0.5005:5")
		contract.agents[id] = Agent{ID: id, Owner: buyer, IsActive: true}

		res := c.UpdateStatsWithSelfHeal(ctx, id, stats)
		assert.False(t, res.Success)
		assert.Contains(t, res.Warning, "function unavailable")
		assert.Len(t, res.Steps, 2)
	})

	t.Run("inactive agent is not healed", func(t *testing.T) {
		contract := newFakeContract()
		c := newTestClient(t, contract)
		id := registerTestAgent(t, c, "0.0.5005:6")
		contract.agents[id] = Agent{ID: id, Owner: operator, IsActive: false}

		res := c.UpdateStatsWithSelfHeal(ctx, id, stats)
		assert.False(t, res.Success)
		assert.Contains(t, res.Warning, "inactive")
		assert.NotContains(t, contract.calls, "adminTransferAgent")
	})
}

func TestMirrorOwnership(t *testing.T) {
	ctx := context.Background()
	contract := newFakeContract()
	c := newTestClient(t, contract)
	id := registerTestAgent(t, c, "0.0.5005:7")

	res := c.MirrorOwnership(ctx, id, buyer)
	assert.True(t, res.Success)
	assert.Equal(t, buyer, contract.agents[id].Owner)

	// already mirrored
	calls := len(contract.calls)
	res = c.MirrorOwnership(ctx, id, buyer)
	assert.True(t, res.Success)
	assert.Len(t, contract.calls, calls)

	res = c.MirrorOwnership(ctx, DeriveAgentID("0.0.5005:99"), buyer)
	assert.False(t, res.Success)
	assert.Contains(t, res.Warning, "not found")
}
