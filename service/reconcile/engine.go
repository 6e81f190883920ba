// Package reconcile keeps the ledger, the cache store and the agent registry consistent for
// every soul. The ledger is authoritative; the cache follows it and the registry mirrors it
// on a best-effort basis.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/getsentry/sentry-go"

	"github.com/dreammarket/go-dreammarket/env"
	"github.com/dreammarket/go-dreammarket/service/ledger"
	"github.com/dreammarket/go-dreammarket/service/persist"
	"github.com/dreammarket/go-dreammarket/service/registry"
	sentryutil "github.com/dreammarket/go-dreammarket/service/sentry"
	"github.com/dreammarket/go-dreammarket/util"
)

// Indexer is the read replica used to verify ledger writes
type Indexer interface {
	OwnerOf(ctx context.Context, ref persist.TokenRef) (persist.AccountID, error)
	IsAssociated(ctx context.Context, account persist.AccountID, token persist.TokenID) (bool, error)
	// TransferObserved reports whether the serial's history holds txRef delivering it to receiver
	TransferObserved(ctx context.Context, ref persist.TokenRef, txRef string, receiver persist.AccountID) (bool, error)
}

// Registry is the agent registry client
type Registry interface {
	Signer() common.Address
	GetAgent(ctx context.Context, agentID registry.AgentID) (registry.Agent, error)
	EnsureRegistered(ctx context.Context, in registry.RegisterInput) (string, error)
	UpdateStatsWithSelfHeal(ctx context.Context, agentID registry.AgentID, stats registry.Stats) registry.Result
	MirrorOwnership(ctx context.Context, agentID registry.AgentID, newOwner common.Address) registry.Result
}

// Throttler serializes work on a key across processes
type Throttler interface {
	Lock(ctx context.Context, key string) error
	Unlock(ctx context.Context, key string) error
}

// AssociationApprover obtains an association transaction signed by the account owner, for
// accounts the operator cannot associate on its own
type AssociationApprover interface {
	ApproveAssociation(ctx context.Context, account persist.AccountID, token persist.TokenID) ([]byte, error)
}

// Config tunes retries and timeouts of the workflows
type Config struct {
	TokenID          persist.TokenID
	TransferAttempts int
	TransferBackoff  time.Duration
	VerifyAttempts   int
	VerifyDelay      time.Duration
	StepTimeout      time.Duration
	ProgressRetries  int
	CacheAttempts    int
	AuditWorkers     int
	AuditPageSize    int
}

// ConfigFromEnv reads the workflow configuration from the environment
func ConfigFromEnv() Config {
	return Config{
		TokenID:          persist.TokenID(env.GetString("SOUL_TOKEN_ID")),
		TransferAttempts: env.GetInt("LEDGER_TRANSFER_ATTEMPTS"),
		TransferBackoff:  env.GetDuration("LEDGER_TRANSFER_BACKOFF"),
		VerifyAttempts:   env.GetInt("VERIFY_ATTEMPTS"),
		VerifyDelay:      env.GetDuration("VERIFY_DELAY"),
		StepTimeout:      env.GetDuration("STEP_TIMEOUT"),
		ProgressRetries:  env.GetInt("PROGRESS_RETRIES"),
		CacheAttempts:    env.GetInt("CACHE_ATTEMPTS"),
		AuditWorkers:     env.GetInt("AUDIT_WORKERS"),
		AuditPageSize:    env.GetInt("AUDIT_PAGE_SIZE"),
	}
}

func (c Config) withDefaults() Config {
	if c.TransferAttempts <= 0 {
		c.TransferAttempts = 3
	}
	if c.TransferBackoff < 0 {
		c.TransferBackoff = 0
	}
	if c.VerifyAttempts <= 0 {
		c.VerifyAttempts = 5
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 30 * time.Second
	}
	if c.ProgressRetries <= 0 {
		c.ProgressRetries = 3
	}
	if c.CacheAttempts <= 0 {
		c.CacheAttempts = 3
	}
	if c.AuditWorkers <= 0 {
		c.AuditWorkers = 8
	}
	if c.AuditPageSize <= 0 {
		c.AuditPageSize = 100
	}
	return c
}

// Engine runs the reconciliation workflows
type Engine struct {
	ledger     ledger.Client
	indexer    Indexer
	registry   Registry
	souls      persist.SoulRepository
	evolutions persist.EvolutionRepository
	scanner    persist.SoulScanner
	throttler  Throttler
	approver   AssociationApprover
	cfg        Config
	sleep      func(context.Context, time.Duration) error
}

// Option configures optional engine collaborators
type Option func(*Engine)

// WithThrottler serializes purchases of the same soul
func WithThrottler(t Throttler) Option {
	return func(e *Engine) {
		e.throttler = t
	}
}

// WithAssociationApprover lets transfers associate accounts the operator cannot sign for
func WithAssociationApprover(a AssociationApprover) Option {
	return func(e *Engine) {
		e.approver = a
	}
}

// WithSoulScanner enables the audit job
func WithSoulScanner(s persist.SoulScanner) Option {
	return func(e *Engine) {
		e.scanner = s
	}
}

// NewEngine returns an engine wired to its collaborators
func NewEngine(l ledger.Client, indexer Indexer, reg Registry, souls persist.SoulRepository, evolutions persist.EvolutionRepository, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		ledger:     l,
		indexer:    indexer,
		registry:   reg,
		souls:      souls,
		evolutions: evolutions,
		cfg:        cfg.withDefaults(),
		sleep:      util.Sleep,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ErrTransferFaulted is returned when the ledger transfer itself failed. Nothing downstream of
// the ledger was changed.
type ErrTransferFaulted struct {
	TokenRef persist.TokenRef
	State    TransferState
	Attempts int
	Reason   error
}

func (e ErrTransferFaulted) Error() string {
	return fmt.Sprintf("transfer of %s faulted in state %s after %d attempt(s): %s", e.TokenRef, e.State, e.Attempts, e.Reason)
}

func (e ErrTransferFaulted) Unwrap() error {
	return e.Reason
}

// ErrConsistencyDivergence is returned when the cache and the ledger disagree in a way the
// workflow will not resolve on its own. The repair path resolves it.
type ErrConsistencyDivergence struct {
	SoulID   persist.DBID
	Field    string
	Cache    string
	Observed string
}

func (e ErrConsistencyDivergence) Error() string {
	return fmt.Sprintf("soul %s diverged on %s: cache has %q, ledger has %q", e.SoulID, e.Field, e.Cache, e.Observed)
}

// ErrConcurrentUpdate is returned when a progress update kept losing races with other updates
type ErrConcurrentUpdate struct {
	SoulID   persist.DBID
	Attempts int
}

func (e ErrConcurrentUpdate) Error() string {
	return fmt.Sprintf("soul %s was updated concurrently %d times in a row", e.SoulID, e.Attempts)
}

// ErrInvalidInput is returned for requests that fail validation before any side effect
type ErrInvalidInput struct {
	Reason string
}

func (e ErrInvalidInput) Error() string {
	return fmt.Sprintf("invalid input: %s", e.Reason)
}

// ErrNotTreasuryOwned is returned when an operator-only action targets a soul the operator
// does not hold
type ErrNotTreasuryOwned struct {
	SoulID persist.DBID
	Owner  persist.AccountID
}

func (e ErrNotTreasuryOwned) Error() string {
	return fmt.Sprintf("soul %s is owned by %s, not the treasury", e.SoulID, e.Owner)
}

// stepContext bounds a single external call
func (e *Engine) stepContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.StepTimeout)
}

// Upper bounds on the contract calls a single registry operation makes
const (
	registerCalls = 2 // getAgent, registerAgent
	mirrorCalls   = 3 // getAgent, adminTransferAgent, transferAgent
	statsCalls    = 4 // updateStats, adminTransferAgent, transferAgent, updateStats
)

// registryContext bounds a registry operation that makes up to calls contract calls, each of
// which gets a full step
func (e *Engine) registryContext(ctx context.Context, calls int) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, time.Duration(calls)*e.cfg.StepTimeout)
}

// PurchaseLockTTL is the longest a purchase can run with this configuration, counting every
// retry, poll and registry call, plus a margin. A purchase lock held for less could expire
// while the purchase is still settling.
func (c Config) PurchaseLockTTL() time.Duration {
	c = c.withDefaults()
	step := c.StepTimeout
	poll := time.Duration(c.VerifyAttempts) * (step + c.VerifyDelay)
	retry := time.Duration(c.TransferAttempts) * (step + c.TransferBackoff)

	lookups := 3 * step
	association := step + retry
	transfer := time.Duration(c.TransferAttempts)*(step+c.TransferBackoff+poll) + step
	cache := time.Duration(c.CacheAttempts) * (step + c.TransferBackoff)
	mirror := time.Duration(registerCalls+mirrorCalls) * step

	return lookups + association + transfer + poll + cache + mirror + 2*step
}

func (e *Engine) treasury() persist.AccountID {
	return e.ledger.Operator()
}

func (e *Engine) tokenID(ref persist.TokenRef) persist.TokenID {
	if token, _, err := ref.GetParts(); err == nil {
		return token
	}
	return e.cfg.TokenID
}

// reportDegraded sends a registry or cache degradation to sentry as a warning
func reportDegraded(ctx context.Context, workflow string, soul persist.Soul, warning string) {
	agentID := ""
	if soul.TokenRef.IsMinted() {
		agentID = registry.DeriveAgentID(soul.TokenRef).Hex()
	}
	sentryutil.ReportError(ctx, fmt.Errorf("%s: %w: %s", workflow, sentryutil.ErrDegraded, warning), func(scope *sentry.Scope) {
		sentryutil.SetSoulContext(scope, soul.ID.String(), soul.TokenRef.String(), agentID)
		sentryutil.SetWorkflowContext(scope, workflow, "degraded")
	})
}

func isNotFound(err error) bool {
	var byID persist.ErrSoulNotFoundByID
	var byRef persist.ErrSoulNotFoundByTokenRef
	return errors.As(err, &byID) || errors.As(err, &byRef)
}

func isDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
