package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/dreammarket/go-dreammarket/service/ledger"
	"github.com/dreammarket/go-dreammarket/service/persist"
	"github.com/dreammarket/go-dreammarket/service/registry"
	"github.com/dreammarket/go-dreammarket/service/throttle"
)

const (
	testToken    persist.TokenID   = "0.0.7000"
	treasuryAcct persist.AccountID = "0.0.1001"
	creatorAcct  persist.AccountID = "0.0.2001"
	buyerAcct    persist.AccountID = "0.0.3001"
)

// fakeLedger is an in-memory token ledger
type fakeLedger struct {
	mu           sync.Mutex
	owners       map[persist.TokenRef]persist.AccountID
	associated   map[persist.AccountID]bool
	nextSerial   int64
	transferErrs []error
	associateErr error
	ownerErr     error
	// ownerErrs fail the next OwnerOf calls in order
	ownerErrs []error
	calls     []string
	signed    [][]byte
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		owners:     map[persist.TokenRef]persist.AccountID{},
		associated: map[persist.AccountID]bool{treasuryAcct: true},
	}
}

func (f *fakeLedger) record(call string) string {
	f.calls = append(f.calls, call)
	return fmt.Sprintf("0.0.1001@%d.%d", len(f.calls), len(f.calls))
}

func (f *fakeLedger) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeLedger) Transfer(ctx context.Context, ref persist.TokenRef, from, to persist.AccountID) (ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "transfer_attempt")
	if len(f.transferErrs) > 0 {
		err := f.transferErrs[0]
		f.transferErrs = f.transferErrs[1:]
		if err != nil {
			return ledger.Receipt{}, err
		}
	}
	if !f.associated[to] {
		return ledger.Receipt{}, ledger.ErrorForCode("transfer", ledger.CodeTokenNotAssociated)
	}
	if f.owners[ref] != from {
		return ledger.Receipt{}, ledger.ErrorForCode("transfer", ledger.CodeSenderDoesNotOwnNFT)
	}
	f.owners[ref] = to
	return ledger.Receipt{TxRef: f.record("transfer"), Status: ledger.CodeSuccess}, nil
}

func (f *fakeLedger) SubmitSigned(ctx context.Context, rawTx []byte) (ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signed = append(f.signed, rawTx)
	// signed envelopes in tests are "associate:<account>"
	if account := strings.TrimPrefix(string(rawTx), "associate:"); account != string(rawTx) {
		f.associated[persist.AccountID(account)] = true
	}
	return ledger.Receipt{TxRef: f.record("submit"), Status: ledger.CodeSuccess}, nil
}

func (f *fakeLedger) Associate(ctx context.Context, account persist.AccountID, token persist.TokenID) (ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.associateErr != nil {
		return ledger.Receipt{}, f.associateErr
	}
	if f.associated[account] {
		return ledger.Receipt{Status: ledger.CodeTokenAlreadyAssociated}, nil
	}
	f.associated[account] = true
	return ledger.Receipt{TxRef: f.record("associate"), Status: ledger.CodeSuccess}, nil
}

func (f *fakeLedger) IsAssociated(ctx context.Context, account persist.AccountID, token persist.TokenID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.associated[account], nil
}

func (f *fakeLedger) Mint(ctx context.Context, token persist.TokenID, metadata []byte) (int64, ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSerial++
	f.owners[persist.NewTokenRef(token, f.nextSerial)] = treasuryAcct
	return f.nextSerial, ledger.Receipt{TxRef: f.record("mint"), Status: ledger.CodeSuccess}, nil
}

func (f *fakeLedger) Burn(ctx context.Context, ref persist.TokenRef) (ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.owners[ref] != treasuryAcct {
		return ledger.Receipt{}, ledger.ErrorForCode("burn", ledger.CodeSenderDoesNotOwnNFT)
	}
	delete(f.owners, ref)
	return ledger.Receipt{TxRef: f.record("burn"), Status: ledger.CodeSuccess}, nil
}

func (f *fakeLedger) Balance(ctx context.Context, account persist.AccountID, token persist.TokenID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, owner := range f.owners {
		if owner == account {
			n++
		}
	}
	return n, nil
}

func (f *fakeLedger) OwnerOf(ctx context.Context, ref persist.TokenRef) (persist.AccountID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ownerErr != nil {
		return "", f.ownerErr
	}
	if len(f.ownerErrs) > 0 {
		err := f.ownerErrs[0]
		f.ownerErrs = f.ownerErrs[1:]
		return "", err
	}
	owner, ok := f.owners[ref]
	if !ok {
		return "", ledger.ErrorForCode("ownerOf", ledger.CodeInvalidNFTID)
	}
	return owner, nil
}

func (f *fakeLedger) setOwner(ref persist.TokenRef, owner persist.AccountID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owners[ref] = owner
}

func (f *fakeLedger) Operator() persist.AccountID {
	return treasuryAcct
}

func (f *fakeLedger) Close() {}

// fakeIndexer reads the fake ledger, optionally failing like a lagging mirror node
type fakeIndexer struct {
	ledger *fakeLedger
	mu     sync.Mutex
	down   bool
	calls  int
	// pinned answers OwnerOf without consulting the ledger
	pinned map[persist.TokenRef]persist.AccountID
	// history maps transaction refs to the account they delivered the serial to
	history map[string]persist.AccountID
}

func (f *fakeIndexer) OwnerOf(ctx context.Context, ref persist.TokenRef) (persist.AccountID, error) {
	f.mu.Lock()
	f.calls++
	down := f.down
	pinned, isPinned := f.pinned[ref]
	f.mu.Unlock()
	if down {
		return "", errors.New("mirror node unavailable")
	}
	if isPinned {
		return pinned, nil
	}
	return f.ledger.OwnerOf(ctx, ref)
}

func (f *fakeIndexer) IsAssociated(ctx context.Context, account persist.AccountID, token persist.TokenID) (bool, error) {
	f.mu.Lock()
	down := f.down
	f.mu.Unlock()
	if down {
		return false, errors.New("mirror node unavailable")
	}
	return f.ledger.IsAssociated(ctx, account, token)
}

func (f *fakeIndexer) TransferObserved(ctx context.Context, ref persist.TokenRef, txRef string, receiver persist.AccountID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return false, errors.New("mirror node unavailable")
	}
	to, ok := f.history[txRef]
	return ok && to == receiver, nil
}

// fakeContract is an in-memory agent registry signed by the treasury
type fakeContract struct {
	mu                sync.Mutex
	agents            map[registry.AgentID]registry.Agent
	adminUnavailable  bool
	legacyUnavailable bool
	down              bool
	// latency is how long every call takes to be mined
	latency time.Duration
}

func newFakeContract() *fakeContract {
	return &fakeContract{agents: map[registry.AgentID]registry.Agent{}}
}

func (f *fakeContract) mine(ctx context.Context) error {
	if f.latency == 0 {
		return nil
	}
	select {
	case <-time.After(f.latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeContract) Signer() common.Address {
	return mustAddress(treasuryAcct)
}

func mustAddress(a persist.AccountID) common.Address {
	addr, err := a.Address()
	if err != nil {
		panic(err)
	}
	return addr
}

func (f *fakeContract) RegisterAgent(ctx context.Context, agentID registry.AgentID, name, tagline string, rarity uint8, creator common.Address) (string, error) {
	if err := f.mine(ctx); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return "", errors.New("connection refused")
	}
	if _, ok := f.agents[agentID]; ok {
		return "", errors.New("execution reverted: AgentExists")
	}
	f.agents[agentID] = registry.Agent{ID: agentID, Owner: f.Signer(), Creator: creator, Name: name, Rarity: rarity, IsActive: true}
	return "0xregister", nil
}

func (f *fakeContract) UpdateStats(ctx context.Context, agentID registry.AgentID, stats registry.Stats) (string, error) {
	if err := f.mine(ctx); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	agent, ok := f.agents[agentID]
	if !ok {
		return "", errors.New("execution reverted: agent not registered")
	}
	if agent.Owner != f.Signer() {
		return "", errors.New("execution reverted: caller is not agent owner")
	}
	agent.Level, agent.XP, agent.Reputation = stats.Level, stats.XP, stats.Reputation
	f.agents[agentID] = agent
	return "0xstats", nil
}

func (f *fakeContract) transfer(agentID registry.AgentID, newOwner common.Address) (string, error) {
	agent, ok := f.agents[agentID]
	if !ok {
		return "", errors.New("execution reverted: agent not registered")
	}
	if agent.Owner == newOwner {
		return "", errors.New("execution reverted: same owner")
	}
	agent.Owner = newOwner
	f.agents[agentID] = agent
	return "0xtransfer", nil
}

func (f *fakeContract) AdminTransferAgent(ctx context.Context, agentID registry.AgentID, newOwner common.Address) (string, error) {
	if err := f.mine(ctx); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.adminUnavailable {
		return "", errors.New("execution reverted")
	}
	return f.transfer(agentID, newOwner)
}

func (f *fakeContract) TransferAgent(ctx context.Context, agentID registry.AgentID, newOwner common.Address) (string, error) {
	if err := f.mine(ctx); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.legacyUnavailable {
		return "", errors.New("execution reverted: function selector was not recognized and there's no fallback function")
	}
	if f.agents[agentID].Owner != f.Signer() {
		return "", errors.New("execution reverted: not owner")
	}
	return f.transfer(agentID, newOwner)
}

func (f *fakeContract) GetAgent(ctx context.Context, agentID registry.AgentID) (registry.Agent, bool, error) {
	if err := f.mine(ctx); err != nil {
		return registry.Agent{}, false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return registry.Agent{}, false, errors.New("connection refused")
	}
	agent, ok := f.agents[agentID]
	return agent, ok, nil
}

func (f *fakeContract) agent(ref persist.TokenRef) (registry.Agent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	agent, ok := f.agents[registry.DeriveAgentID(ref)]
	return agent, ok
}

// memSouls is an in-memory cache store with the same conditional writes as the postgres one
type memSouls struct {
	mu           sync.Mutex
	souls        map[persist.DBID]persist.Soul
	transactions []persist.TransactionRecord
	evolutions   []persist.EvolutionRecord
	// concurrentWrites simulates other writers bumping xp right before a progress update
	concurrentWrites int
	transferErr      error
}

func newMemSouls() *memSouls {
	return &memSouls{souls: map[persist.DBID]persist.Soul{}}
}

func (m *memSouls) Create(ctx context.Context, in persist.SoulCreateInput) (persist.Soul, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := persist.Soul{
		ID:             persist.GenerateID(),
		CreationTime:   persist.CreationTime(time.Now()),
		Name:           in.Name,
		Tagline:        in.Tagline,
		Personality:    in.Personality,
		Skills:         in.Skills,
		OwnerAccount:   in.CreatorAccount,
		CreatorAccount: in.CreatorAccount,
		Level:          1,
		Rarity:         persist.RarityCommon,
	}
	m.souls[s.ID] = s
	return s, nil
}

func (m *memSouls) GetByID(ctx context.Context, id persist.DBID) (persist.Soul, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.souls[id]
	if !ok {
		return persist.Soul{}, persist.ErrSoulNotFoundByID{ID: id}
	}
	return s, nil
}

func (m *memSouls) GetByTokenRef(ctx context.Context, ref persist.TokenRef) (persist.Soul, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.souls {
		if s.TokenRef == ref {
			return s, nil
		}
	}
	return persist.Soul{}, persist.ErrSoulNotFoundByTokenRef{TokenRef: ref}
}

func (m *memSouls) appendRecord(id persist.DBID, r persist.TransactionRecord) {
	r.ID = persist.GenerateID()
	r.AssetID = id
	r.CreationTime = persist.CreationTime(time.Now())
	m.transactions = append(m.transactions, r)
}

func (m *memSouls) SetTokenRef(ctx context.Context, id persist.DBID, ref persist.TokenRef, owner persist.AccountID, r persist.TransactionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.souls[id]
	if !ok {
		return persist.ErrSoulNotFoundByID{ID: id}
	}
	for _, other := range m.souls {
		if other.TokenRef == ref {
			return persist.ErrTokenRefAlreadyLinked{TokenRef: ref}
		}
	}
	s.TokenRef, s.OwnerAccount = ref, owner
	m.souls[id] = s
	m.appendRecord(id, r)
	return nil
}

func (m *memSouls) UpdateProgress(ctx context.Context, id persist.DBID, in persist.SoulProgressUpdateInput, evolution *persist.EvolutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.souls[id]
	if !ok {
		return persist.ErrSoulNotFoundByID{ID: id}
	}
	if m.concurrentWrites > 0 {
		m.concurrentWrites--
		s.XP += 10
		m.souls[id] = s
	}
	if err := s.CanTrain(); err != nil {
		return err
	}
	if s.XP != in.ExpectedXP {
		return persist.ErrSoulProgressConflict{ID: id, ExpectedXP: in.ExpectedXP}
	}
	s.XP, s.Level, s.Rarity = in.XP, in.Level, in.Rarity
	m.souls[id] = s
	if evolution != nil {
		e := *evolution
		e.ID = persist.GenerateID()
		m.evolutions = append(m.evolutions, e)
	}
	return nil
}

func (m *memSouls) SetRarityLock(ctx context.Context, id persist.DBID, rarity persist.Rarity, locked bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.souls[id]
	if !ok {
		return persist.ErrSoulNotFoundByID{ID: id}
	}
	s.Rarity, s.RarityLocked = rarity, locked
	m.souls[id] = s
	return nil
}

func (m *memSouls) List(ctx context.Context, id persist.DBID, price persist.Tinybar, r persist.TransactionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if price <= 0 {
		return persist.ErrInvalidPrice{Price: price}
	}
	s, ok := m.souls[id]
	switch {
	case !ok:
		return persist.ErrSoulNotFoundByID{ID: id}
	case s.IsBurned():
		return persist.ErrSoulBurned{ID: id}
	case !s.TokenRef.IsMinted():
		return persist.ErrSoulNotMinted{ID: id}
	case s.IsListed:
		return persist.ErrSoulListed{ID: id}
	}
	now := time.Now()
	s.IsListed, s.Price, s.ListedAt = true, &price, &now
	m.souls[id] = s
	m.appendRecord(id, r)
	return nil
}

func (m *memSouls) Delist(ctx context.Context, id persist.DBID, r persist.TransactionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.souls[id]
	if !ok {
		return persist.ErrSoulNotFoundByID{ID: id}
	}
	if !s.IsListed {
		return persist.ErrSoulNotListed{ID: id}
	}
	s.IsListed, s.Price, s.ListedAt = false, nil, nil
	m.souls[id] = s
	m.appendRecord(id, r)
	return nil
}

func (m *memSouls) TransferOwner(ctx context.Context, id persist.DBID, owner persist.AccountID, r persist.TransactionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transferErr != nil {
		return m.transferErr
	}
	s, ok := m.souls[id]
	if !ok {
		return persist.ErrSoulNotFoundByID{ID: id}
	}
	if s.IsBurned() {
		return persist.ErrSoulBurned{ID: id}
	}
	s.OwnerAccount, s.IsListed, s.Price, s.ListedAt = owner, false, nil, nil
	m.souls[id] = s
	m.appendRecord(id, r)
	return nil
}

func (m *memSouls) MarkBurned(ctx context.Context, id persist.DBID, r persist.TransactionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.souls[id]
	if !ok {
		return persist.ErrSoulNotFoundByID{ID: id}
	}
	if s.IsBurned() {
		return persist.ErrSoulBurned{ID: id}
	}
	now := time.Now()
	s.BurnedAt, s.IsListed, s.Price, s.ListedAt = &now, false, nil, nil
	m.souls[id] = s
	m.appendRecord(id, r)
	return nil
}

func (m *memSouls) GetByAsset(ctx context.Context, id persist.DBID) ([]persist.EvolutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []persist.EvolutionRecord
	for _, e := range m.evolutions {
		if e.AssetID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memSouls) CountByAsset(ctx context.Context, id persist.DBID) (int, error) {
	evolutions, err := m.GetByAsset(ctx, id)
	return len(evolutions), err
}

func (m *memSouls) MintedSouls(ctx context.Context, afterID persist.DBID, limit int) ([]persist.Soul, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []persist.Soul
	for _, s := range m.souls {
		if s.TokenRef.IsMinted() && !s.IsBurned() && s.ID > afterID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memSouls) recordsOfType(id persist.DBID, t persist.TransactionType) []persist.TransactionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []persist.TransactionRecord
	for _, r := range m.transactions {
		if r.AssetID == id && r.Type == t {
			out = append(out, r)
		}
	}
	return out
}

// memThrottler is a process-local Throttler
type memThrottler struct {
	mu     sync.Mutex
	locked map[string]bool
}

func (m *memThrottler) Lock(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked[key] {
		return throttle.ErrThrottleLocked{Key: key, TTL: time.Minute}
	}
	m.locked[key] = true
	return nil
}

func (m *memThrottler) Unlock(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locked, key)
	return nil
}

type approverFunc func(ctx context.Context, account persist.AccountID, token persist.TokenID) ([]byte, error)

func (f approverFunc) ApproveAssociation(ctx context.Context, account persist.AccountID, token persist.TokenID) ([]byte, error) {
	return f(ctx, account, token)
}

type harness struct {
	engine    *Engine
	ledger    *fakeLedger
	indexer   *fakeIndexer
	contract  *fakeContract
	souls     *memSouls
	throttler *memThrottler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	l := newFakeLedger()
	h := &harness{
		ledger:    l,
		indexer:   &fakeIndexer{ledger: l},
		contract:  newFakeContract(),
		souls:     newMemSouls(),
		throttler: &memThrottler{locked: map[string]bool{}},
	}
	reg, err := registry.NewClient(h.contract, 16)
	require.NoError(t, err)

	h.engine = NewEngine(l, h.indexer, reg, h.souls, h.souls, Config{
		TokenID:          testToken,
		TransferAttempts: 3,
		VerifyAttempts:   2,
		StepTimeout:      time.Second,
	}, WithThrottler(h.throttler), WithSoulScanner(h.souls))
	h.engine.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return h
}

// mintTo mints a soul and delivers it to owner
func (h *harness) mintTo(t *testing.T, owner persist.AccountID) persist.Soul {
	t.Helper()
	res, err := h.engine.MintSoul(context.Background(), persist.SoulCreateInput{Name: "Nova", Tagline: "dreams in color", CreatorAccount: owner})
	require.NoError(t, err)
	soul, err := h.souls.GetByID(context.Background(), res.Soul.ID)
	require.NoError(t, err)
	return soul
}
