package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"github.com/dreammarket/go-dreammarket/service/ledger"
	"github.com/dreammarket/go-dreammarket/service/logger"
	"github.com/dreammarket/go-dreammarket/service/persist"
	"github.com/dreammarket/go-dreammarket/service/registry"
	sentryutil "github.com/dreammarket/go-dreammarket/service/sentry"
)

// TransferState is a step of the transfer workflow
type TransferState int

const (
	StateInitiated TransferState = iota
	StateAssociated
	StateLedgerTransferred
	StateVerified
	StateCacheUpdated
	StateRegistryMirrored
	StateDone
	StateFaulted
)

var stateNames = []string{"initiated", "associated", "ledger_transferred", "verified", "cache_updated", "registry_mirrored", "done", "faulted"}

func (s TransferState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText renders the state by name
func (s TransferState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Verification is how the workflow learned that the ledger transfer took effect
type Verification string

const (
	// Verified means the indexer reported the new owner
	Verified Verification = "verified"
	// AssumedFromReceipt means the indexer never caught up and the ledger receipt was trusted
	AssumedFromReceipt Verification = "assumed_from_receipt"
	// LedgerConfirmed means the indexer lagged and the ledger itself reported the new owner
	LedgerConfirmed Verification = "ledger_confirmed"
)

// TransferRequest moves a soul's token between accounts
type TransferRequest struct {
	TokenRef persist.TokenRef
	From     persist.AccountID
	To       persist.AccountID
	// Type is the transaction type recorded in the cache, transfer unless this is a sale
	Type  persist.TransactionType
	Price *persist.Tinybar
	// SignedTx is a transfer envelope signed by the sender's wallet. When empty the operator
	// performs the transfer.
	SignedTx []byte
	// LedgerTxRef is set when the sender's wallet already settled the transfer on the ledger
	LedgerTxRef string
}

// TransferResult reports how far the workflow got and what it observed
type TransferResult struct {
	SoulID       persist.DBID      `json:"soul_id"`
	TokenRef     persist.TokenRef  `json:"token_ref"`
	From         persist.AccountID `json:"from"`
	To           persist.AccountID `json:"to"`
	State        TransferState     `json:"state"`
	History      []TransferState   `json:"history"`
	LedgerTxRef  string            `json:"ledger_tx_ref"`
	Attempts     int               `json:"attempts"`
	Associated   bool              `json:"associated"`
	Verification Verification      `json:"verification"`
	Registry     registry.Result   `json:"registry"`
	Warnings     []string          `json:"warnings,omitempty"`
}

func (r *TransferResult) advance(s TransferState) {
	r.State = s
	r.History = append(r.History, s)
}

func (r *TransferResult) warn(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// TransferWorkflow moves a soul on the ledger, then brings the cache and the registry in line.
// Only a failed ledger transfer is an error; later steps degrade into warnings on the result.
func (e *Engine) TransferWorkflow(ctx context.Context, req TransferRequest) (TransferResult, error) {
	if req.Type == "" {
		req.Type = persist.TransactionTypeTransfer
	}
	res := TransferResult{TokenRef: req.TokenRef, From: req.From, To: req.To, History: []TransferState{StateInitiated}}

	if !req.To.Valid() || !req.From.Valid() {
		return res, ErrInvalidInput{Reason: fmt.Sprintf("invalid accounts %q -> %q", req.From, req.To)}
	}
	if req.From == req.To {
		return res, ErrInvalidInput{Reason: "sender and recipient are the same account"}
	}

	soul, err := e.souls.GetByTokenRef(ctx, req.TokenRef)
	if err != nil {
		return res, err
	}
	res.SoulID = soul.ID
	if soul.IsBurned() {
		return res, persist.ErrSoulBurned{ID: soul.ID}
	}
	if soul.OwnerAccount != req.From {
		return res, ErrConsistencyDivergence{SoulID: soul.ID, Field: "owner_account", Cache: soul.OwnerAccount.String(), Observed: req.From.String()}
	}

	ctx = logger.NewContextWithFields(ctx, logrus.Fields{
		"soulID":   soul.ID,
		"tokenRef": req.TokenRef,
		"agentID":  registry.DeriveAgentID(req.TokenRef).Hex(),
		"from":     req.From,
		"to":       req.To,
	})
	ctx = sentryutil.NewSentryHubContext(ctx)
	start := time.Now()

	if req.LedgerTxRef == "" {
		if err := e.ensureAssociated(ctx, req.To, e.tokenID(req.TokenRef), &res); err != nil {
			return e.fault(ctx, res, err)
		}
		res.advance(StateAssociated)

		receipt, err := e.ledgerTransfer(ctx, req, &res)
		if err != nil {
			return e.fault(ctx, res, err)
		}
		res.LedgerTxRef = receipt.TxRef
		res.advance(StateLedgerTransferred)

		verification, observed := e.verifyOwner(ctx, req.TokenRef, req.To)
		res.Verification = verification
		if verification == AssumedFromReceipt && observed != "" && observed != req.From {
			res.warn("indexer reports %s as owner instead of %s", observed, req.To)
		}
	} else {
		res.LedgerTxRef = req.LedgerTxRef
		res.advance(StateAssociated)

		verification, err := e.confirmSettled(ctx, soul.ID, req)
		if err != nil {
			return e.abort(ctx, res, err)
		}
		res.advance(StateLedgerTransferred)
		res.Verification = verification
	}
	res.advance(StateVerified)

	record := persist.TransactionRecord{
		AssetID:     soul.ID,
		Type:        req.Type,
		FromAccount: req.From,
		ToAccount:   req.To,
		Price:       req.Price,
		LedgerTxRef: res.LedgerTxRef,
	}
	if err := e.updateCacheOwner(ctx, soul.ID, req.To, record); err != nil {
		res.warn("cache update failed, ownership must be repaired: %s", err)
		reportDegraded(ctx, "transfer", soul, err.Error())
	} else {
		res.advance(StateCacheUpdated)
	}

	res.Registry = e.mirrorOwnership(ctx, soul, req.To)
	if !res.Registry.Success {
		res.warn("registry mirror degraded: %s", res.Registry.Warning)
		reportDegraded(ctx, "transfer", soul, res.Registry.Warning)
	} else {
		res.advance(StateRegistryMirrored)
	}

	res.advance(StateDone)
	logger.For(ctx).WithFields(logrus.Fields{
		"verification": res.Verification,
		"attempts":     res.Attempts,
		"duration":     time.Since(start),
		"warnings":     len(res.Warnings),
	}).Info("transfer complete")
	return res, nil
}

func (e *Engine) fault(ctx context.Context, res TransferResult, reason error) (TransferResult, error) {
	faultedIn := res.State
	res.advance(StateFaulted)
	err := ErrTransferFaulted{TokenRef: res.TokenRef, State: faultedIn, Attempts: res.Attempts, Reason: reason}

	logger.For(ctx).WithError(reason).WithField("state", faultedIn).Error("transfer faulted")
	sentryutil.ReportError(ctx, err, func(scope *sentry.Scope) {
		sentryutil.SetSoulContext(scope, res.SoulID.String(), res.TokenRef.String(), registry.DeriveAgentID(res.TokenRef).Hex())
		sentryutil.SetWorkflowContext(scope, "transfer", faultedIn.String())
	})
	return res, err
}

// abort stops a wallet-settled transfer before the cache is touched. The error is returned as is
// so the caller sees the divergence rather than a ledger fault.
func (e *Engine) abort(ctx context.Context, res TransferResult, reason error) (TransferResult, error) {
	stoppedIn := res.State
	res.advance(StateFaulted)

	logger.For(ctx).WithError(reason).WithField("state", stoppedIn).Warn("settled transfer could not be confirmed, cache left unchanged")
	sentryutil.ReportError(ctx, reason, func(scope *sentry.Scope) {
		sentryutil.SetSoulContext(scope, res.SoulID.String(), res.TokenRef.String(), registry.DeriveAgentID(res.TokenRef).Hex())
		sentryutil.SetWorkflowContext(scope, "transfer", stoppedIn.String())
	})
	return res, reason
}

// ensureAssociated associates the recipient with the token if the indexer or the ledger says
// it is not associated yet
func (e *Engine) ensureAssociated(ctx context.Context, account persist.AccountID, token persist.TokenID, res *TransferResult) error {
	associated, err := e.isAssociated(ctx, account, token)
	if err == nil && associated {
		return nil
	}
	if err != nil {
		logger.For(ctx).WithError(err).Warn("could not read association, associating anyway")
	}
	if err := e.associate(ctx, account, token); err != nil {
		return err
	}
	res.Associated = true
	return nil
}

func (e *Engine) isAssociated(ctx context.Context, account persist.AccountID, token persist.TokenID) (bool, error) {
	stepCtx, cancel := e.stepContext(ctx)
	defer cancel()

	associated, err := e.indexer.IsAssociated(stepCtx, account, token)
	if err == nil {
		return associated, nil
	}
	logger.For(ctx).WithError(err).Debug("indexer association lookup failed, asking the ledger")
	return e.ledger.IsAssociated(stepCtx, account, token)
}

// associate runs the association with the operator's signature, or through the approver when
// the account owner has to sign
func (e *Engine) associate(ctx context.Context, account persist.AccountID, token persist.TokenID) error {
	var err error
	for attempt := 1; attempt <= e.cfg.TransferAttempts; attempt++ {
		stepCtx, cancel := e.stepContext(ctx)
		_, err = e.ledger.Associate(stepCtx, account, token)
		cancel()
		if err == nil {
			logger.For(ctx).WithField("account", account).Info("associated recipient with token")
			return nil
		}
		if ledger.IsKind(err, ledger.KindSignatureRequired) {
			return e.associateWithApproval(ctx, account, token, err)
		}
		if le, ok := ledger.AsLedgerError(err); !ok || !le.Transient() {
			return err
		}
		if serr := e.sleep(ctx, e.cfg.TransferBackoff); serr != nil {
			return serr
		}
	}
	return err
}

func (e *Engine) associateWithApproval(ctx context.Context, account persist.AccountID, token persist.TokenID, cause error) error {
	if e.approver == nil {
		return cause
	}
	signed, err := e.approver.ApproveAssociation(ctx, account, token)
	if err != nil {
		return fmt.Errorf("association approval for %s: %w", account, err)
	}
	stepCtx, cancel := e.stepContext(ctx)
	defer cancel()
	_, err = e.ledger.SubmitSigned(stepCtx, signed)
	return err
}

// ledgerTransfer submits the transfer with bounded retries. Unassociated recipients are
// associated before the next attempt. A transfer whose outcome is unknown is checked against
// the indexer instead of being resubmitted blindly.
func (e *Engine) ledgerTransfer(ctx context.Context, req TransferRequest, res *TransferResult) (ledger.Receipt, error) {
	log := logger.For(ctx)
	var (
		lastErr     error
		unconfirmed bool
		pendingRef  string
	)

	for attempt := 1; attempt <= e.cfg.TransferAttempts; attempt++ {
		res.Attempts = attempt

		stepCtx, cancel := e.stepContext(ctx)
		var receipt ledger.Receipt
		var err error
		if len(req.SignedTx) > 0 {
			receipt, err = e.ledger.SubmitSigned(stepCtx, req.SignedTx)
		} else {
			receipt, err = e.ledger.Transfer(stepCtx, req.TokenRef, req.From, req.To)
		}
		cancel()

		if err == nil {
			return receipt, nil
		}
		lastErr = err
		log.WithError(err).WithField("attempt", attempt).Warn("ledger transfer attempt failed")

		le, isLedgerErr := ledger.AsLedgerError(err)
		switch {
		case isLedgerErr && le.Kind == ledger.KindUnassociated:
			if aerr := e.associate(ctx, req.To, e.tokenID(req.TokenRef)); aerr != nil {
				return ledger.Receipt{}, aerr
			}
			res.Associated = true
			continue
		case isLedgerErr && le.Kind == ledger.KindUnconfirmed, ctx.Err() == nil && isDeadline(err):
			unconfirmed = true
			if le.TxRef != "" {
				pendingRef = le.TxRef
			}
			settled, verr := e.settledDespiteError(ctx, req)
			if verr != nil {
				return ledger.Receipt{}, fmt.Errorf("transfer outcome unknown and could not be verified: %w", err)
			}
			if settled {
				log.Info("unconfirmed transfer was observed after the fact")
				return ledger.Receipt{TxRef: pendingRef, Status: ledger.CodeSuccess}, nil
			}
		case isLedgerErr && le.Transient():
		default:
			if unconfirmed && e.landedOnLedger(ctx, req) {
				log.Info("earlier unconfirmed transfer landed on the ledger")
				return ledger.Receipt{TxRef: pendingRef, Status: ledger.CodeSuccess}, nil
			}
			return ledger.Receipt{}, err
		}

		if attempt < e.cfg.TransferAttempts {
			if serr := e.sleep(ctx, e.cfg.TransferBackoff); serr != nil {
				return ledger.Receipt{}, serr
			}
		}
	}
	if unconfirmed && e.landedOnLedger(ctx, req) {
		log.Info("earlier unconfirmed transfer landed on the ledger")
		return ledger.Receipt{TxRef: pendingRef, Status: ledger.CodeSuccess}, nil
	}
	return ledger.Receipt{}, lastErr
}

// landedOnLedger reports whether the ledger already shows the recipient as owner
func (e *Engine) landedOnLedger(ctx context.Context, req TransferRequest) bool {
	stepCtx, cancel := e.stepContext(ctx)
	defer cancel()
	owner, err := e.ledger.OwnerOf(stepCtx, req.TokenRef)
	return err == nil && owner == req.To
}

// settledDespiteError learns whether a transfer with an unknown outcome landed. The ledger is
// asked first and the indexer only when the ledger cannot answer. It returns false only when
// the sender is still observed as the owner.
func (e *Engine) settledDespiteError(ctx context.Context, req TransferRequest) (bool, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.VerifyAttempts; attempt++ {
		stepCtx, cancel := e.stepContext(ctx)
		owner, err := e.ledger.OwnerOf(stepCtx, req.TokenRef)
		if err != nil {
			owner, err = e.indexer.OwnerOf(stepCtx, req.TokenRef)
		}
		cancel()
		switch {
		case err != nil:
			lastErr = err
		case owner == req.To:
			return true, nil
		case owner == req.From:
			lastErr = nil
		default:
			return false, ErrConsistencyDivergence{Field: "ledger_owner", Cache: req.From.String(), Observed: owner.String()}
		}
		if attempt < e.cfg.VerifyAttempts {
			if serr := e.sleep(ctx, e.cfg.VerifyDelay); serr != nil {
				return false, serr
			}
		}
	}
	if lastErr != nil {
		return false, lastErr
	}
	return false, nil
}

// verifyOwner waits for the indexer to report the new owner. When it never does the ledger
// receipt is trusted. The last owner the indexer reported is returned alongside.
func (e *Engine) verifyOwner(ctx context.Context, ref persist.TokenRef, to persist.AccountID) (Verification, persist.AccountID) {
	log := logger.For(ctx)
	var observed persist.AccountID
	for attempt := 1; attempt <= e.cfg.VerifyAttempts; attempt++ {
		stepCtx, cancel := e.stepContext(ctx)
		owner, err := e.indexer.OwnerOf(stepCtx, ref)
		cancel()
		if err == nil && owner == to {
			return Verified, owner
		}
		if err != nil {
			log.WithError(err).WithField("attempt", attempt).Debug("indexer verification failed")
		} else {
			observed = owner
		}
		if attempt < e.cfg.VerifyAttempts {
			if e.sleep(ctx, e.cfg.VerifyDelay) != nil {
				break
			}
		}
	}
	log.WithField("indexerOwner", observed).Warn("indexer never observed the new owner, trusting the ledger receipt")
	return AssumedFromReceipt, observed
}

// confirmSettled looks for positive evidence that a transfer settled by the sender's wallet
// reached the recipient. The indexer reporting the new owner, the indexer listing the
// transaction with the recipient as receiver, or the ledger reporting the new owner all count.
// Without any of them the claim is returned as a divergence.
func (e *Engine) confirmSettled(ctx context.Context, soulID persist.DBID, req TransferRequest) (Verification, error) {
	log := logger.For(ctx).WithField("ledgerTxRef", req.LedgerTxRef)
	var observed persist.AccountID
	for attempt := 1; attempt <= e.cfg.VerifyAttempts; attempt++ {
		verification, owner, err := e.observeSettlement(ctx, req)
		if err != nil {
			log.WithError(err).WithField("attempt", attempt).Debug("settlement lookup failed")
		}
		if verification != "" {
			return verification, nil
		}
		if owner != "" {
			observed = owner
		}
		if attempt < e.cfg.VerifyAttempts {
			if serr := e.sleep(ctx, e.cfg.VerifyDelay); serr != nil {
				return "", serr
			}
		}
	}
	seen := observed.String()
	if seen == "" {
		seen = "unknown"
	}
	return "", ErrConsistencyDivergence{SoulID: soulID, Field: "settlement of " + req.LedgerTxRef, Cache: req.To.String(), Observed: seen}
}

func (e *Engine) observeSettlement(ctx context.Context, req TransferRequest) (Verification, persist.AccountID, error) {
	stepCtx, cancel := e.stepContext(ctx)
	defer cancel()

	var observed persist.AccountID
	indexerOwner, ownerErr := e.indexer.OwnerOf(stepCtx, req.TokenRef)
	if ownerErr == nil {
		if indexerOwner == req.To {
			return Verified, indexerOwner, nil
		}
		observed = indexerOwner
	}

	found, txErr := e.indexer.TransferObserved(stepCtx, req.TokenRef, req.LedgerTxRef, req.To)
	if txErr == nil && found {
		return Verified, req.To, nil
	}

	ledgerOwner, ledgerErr := e.ledger.OwnerOf(stepCtx, req.TokenRef)
	if ledgerErr == nil {
		if ledgerOwner == req.To {
			return LedgerConfirmed, ledgerOwner, nil
		}
		observed = ledgerOwner
	}

	for _, err := range []error{ledgerErr, ownerErr, txErr} {
		if err != nil {
			return "", observed, err
		}
	}
	return "", observed, nil
}

func (e *Engine) updateCacheOwner(ctx context.Context, soulID persist.DBID, to persist.AccountID, record persist.TransactionRecord) error {
	var err error
	for attempt := 1; attempt <= e.cfg.CacheAttempts; attempt++ {
		stepCtx, cancel := e.stepContext(ctx)
		err = e.souls.TransferOwner(stepCtx, soulID, to, record)
		cancel()
		if err == nil {
			return nil
		}
		if _, burned := err.(persist.ErrSoulBurned); burned || isNotFound(err) {
			return err
		}
		if attempt < e.cfg.CacheAttempts {
			if serr := e.sleep(ctx, e.cfg.TransferBackoff); serr != nil {
				return serr
			}
		}
	}
	return err
}

// mirrorOwnership registers the agent if needed and points it at the new owner
func (e *Engine) mirrorOwnership(ctx context.Context, soul persist.Soul, owner persist.AccountID) registry.Result {
	agentID := registry.DeriveAgentID(soul.TokenRef)
	ownerAddr, err := owner.Address()
	if err != nil {
		return registry.Result{Warning: err.Error(), Steps: []string{"invalid owner address"}}
	}

	regCtx, cancel := e.registryContext(ctx, registerCalls)
	_, err = e.registry.EnsureRegistered(regCtx, e.registerInput(soul))
	cancel()
	if err != nil {
		return registry.Result{Warning: err.Error(), Steps: []string{fmt.Sprintf("register failed: %s", err)}}
	}

	mirrorCtx, cancel := e.registryContext(ctx, mirrorCalls)
	defer cancel()
	return e.registry.MirrorOwnership(mirrorCtx, agentID, ownerAddr)
}

func (e *Engine) registerInput(soul persist.Soul) registry.RegisterInput {
	in := registry.RegisterInput{
		AgentID: registry.DeriveAgentID(soul.TokenRef),
		Name:    soul.Name,
		Tagline: soul.Tagline,
		Rarity:  soul.Rarity,
	}
	if addr, err := soul.CreatorAccount.Address(); err == nil {
		in.Creator = addr
	}
	return in
}
