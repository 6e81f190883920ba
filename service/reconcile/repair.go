package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dreammarket/go-dreammarket/service/logger"
	"github.com/dreammarket/go-dreammarket/service/persist"
	"github.com/dreammarket/go-dreammarket/service/registry"
	"github.com/dreammarket/go-dreammarket/util"
)

// ErrNoScanner is returned by Audit when the engine was built without a soul scanner
var ErrNoScanner = errors.New("audit requires a soul scanner")

// RepairResult describes what the ownership repair observed and changed
type RepairResult struct {
	SoulID        persist.DBID      `json:"soul_id"`
	CacheOwner    persist.AccountID `json:"cache_owner"`
	ObservedOwner persist.AccountID `json:"observed_owner"`
	Source        string            `json:"source"`
	Repaired      bool              `json:"repaired"`
	Registry      registry.Result   `json:"registry"`
}

// RepairOwnership rewrites the cached owner of a soul from the ledger and mirrors it into the
// registry. Running it on a consistent soul changes nothing in the cache.
func (e *Engine) RepairOwnership(ctx context.Context, soulID persist.DBID) (RepairResult, error) {
	soul, err := e.souls.GetByID(ctx, soulID)
	if err != nil {
		return RepairResult{}, err
	}
	if soul.IsBurned() {
		return RepairResult{}, persist.ErrSoulBurned{ID: soul.ID}
	}
	if !soul.TokenRef.IsMinted() {
		return RepairResult{}, persist.ErrSoulNotMinted{ID: soul.ID}
	}
	ctx = logger.NewContextWithFields(ctx, logrus.Fields{"soulID": soul.ID, "tokenRef": soul.TokenRef})

	owner, source, err := e.observeOwner(ctx, soul.TokenRef)
	if err != nil {
		return RepairResult{}, err
	}
	res := RepairResult{SoulID: soul.ID, CacheOwner: soul.OwnerAccount, ObservedOwner: owner, Source: source}

	if owner != soul.OwnerAccount {
		err = e.souls.TransferOwner(ctx, soul.ID, owner, persist.TransactionRecord{
			AssetID:     soul.ID,
			Type:        persist.TransactionTypeTransfer,
			FromAccount: soul.OwnerAccount,
			ToAccount:   owner,
			LedgerTxRef: persist.LedgerTxRefRepair,
		})
		if err != nil {
			return res, err
		}
		res.Repaired = true
		logger.For(ctx).WithFields(logrus.Fields{"from": soul.OwnerAccount, "to": owner}).Warn("repaired cached owner")
	}

	res.Registry = e.mirrorOwnership(ctx, soul, owner)
	if !res.Registry.Success {
		reportDegraded(ctx, "repair", soul, res.Registry.Warning)
	}
	return res, nil
}

// observeOwner reads the owner from the ledger and the indexer at the same time. The ledger
// answer wins; the indexer is used when the ledger read fails.
func (e *Engine) observeOwner(ctx context.Context, ref persist.TokenRef) (persist.AccountID, string, error) {
	var (
		ledgerOwner, indexerOwner persist.AccountID
		ledgerErr, indexerErr     error
	)
	stepCtx, cancel := e.stepContext(ctx)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error {
		ledgerOwner, ledgerErr = e.ledger.OwnerOf(stepCtx, ref)
		return nil
	})
	g.Go(func() error {
		indexerOwner, indexerErr = e.indexer.OwnerOf(stepCtx, ref)
		return nil
	})
	g.Wait()

	switch {
	case ledgerErr == nil:
		if indexerErr == nil && indexerOwner != ledgerOwner {
			logger.For(ctx).WithFields(logrus.Fields{"ledger": ledgerOwner, "indexer": indexerOwner}).Info("indexer lags the ledger")
		}
		return ledgerOwner, "ledger", nil
	case indexerErr == nil:
		logger.For(ctx).WithError(ledgerErr).Warn("ledger owner read failed, using the indexer")
		return indexerOwner, "indexer", nil
	default:
		return "", "", fmt.Errorf("could not observe owner of %s: ledger: %v, indexer: %w", ref, ledgerErr, indexerErr)
	}
}

// AuditOptions controls the audit job
type AuditOptions struct {
	// Repair runs the repair paths for every divergence found
	Repair bool
}

// Divergence is a disagreement between the cache and the ledger or the registry
type Divergence struct {
	SoulID      persist.DBID     `json:"soul_id"`
	TokenRef    persist.TokenRef `json:"token_ref"`
	Field       string           `json:"field"`
	Cache       string           `json:"cache"`
	Observed    string           `json:"observed"`
	Repaired    bool             `json:"repaired"`
	RepairError string           `json:"repair_error,omitempty"`
}

// AuditReport summarizes an audit run
type AuditReport struct {
	Scanned     int           `json:"scanned"`
	Errors      int           `json:"errors"`
	Divergences []Divergence  `json:"divergences"`
	Duration    time.Duration `json:"duration"`
}

// Audit compares every minted soul against the indexer and the registry
func (e *Engine) Audit(ctx context.Context, opts AuditOptions) (AuditReport, error) {
	if e.scanner == nil {
		return AuditReport{}, ErrNoScanner
	}
	start := time.Now()
	defer util.Track(ctx, "audit", start)
	report := AuditReport{}
	var mu sync.Mutex

	wp := workerpool.New(e.cfg.AuditWorkers)
	var after persist.DBID
	for {
		page, err := e.scanner.MintedSouls(ctx, after, e.cfg.AuditPageSize)
		if err != nil {
			wp.StopWait()
			return report, err
		}
		for _, soul := range page {
			soul := soul
			wp.Submit(func() {
				found, err := e.auditSoul(ctx, soul, opts)
				mu.Lock()
				defer mu.Unlock()
				report.Scanned++
				if err != nil {
					report.Errors++
				}
				report.Divergences = append(report.Divergences, found...)
			})
		}
		if len(page) < e.cfg.AuditPageSize {
			break
		}
		after = page[len(page)-1].ID
	}
	wp.StopWait()

	report.Duration = time.Since(start)
	logger.For(ctx).WithFields(logrus.Fields{
		"scanned":     report.Scanned,
		"divergences": len(report.Divergences),
		"errors":      report.Errors,
		"duration":    report.Duration,
	}).Info("audit complete")
	return report, nil
}

func (e *Engine) auditSoul(ctx context.Context, soul persist.Soul, opts AuditOptions) ([]Divergence, error) {
	ctx = logger.NewContextWithFields(ctx, logrus.Fields{"soulID": soul.ID, "tokenRef": soul.TokenRef})
	var found []Divergence

	stepCtx, cancel := e.stepContext(ctx)
	owner, err := e.indexer.OwnerOf(stepCtx, soul.TokenRef)
	cancel()
	if err != nil {
		logger.For(ctx).WithError(err).Warn("audit could not read owner")
		return nil, err
	}
	if owner != soul.OwnerAccount {
		d := Divergence{SoulID: soul.ID, TokenRef: soul.TokenRef, Field: "owner_account", Cache: soul.OwnerAccount.String(), Observed: owner.String()}
		if opts.Repair {
			_, rerr := e.RepairOwnership(ctx, soul.ID)
			d.Repaired, d.RepairError = rerr == nil, errString(rerr)
		}
		found = append(found, d)
	}

	stepCtx, cancel = e.stepContext(ctx)
	agent, err := e.registry.GetAgent(stepCtx, registry.DeriveAgentID(soul.TokenRef))
	cancel()
	var d *Divergence
	switch {
	case registry.IsKind(err, registry.KindNotFound):
		d = &Divergence{SoulID: soul.ID, TokenRef: soul.TokenRef, Field: "registry_agent", Cache: "registered", Observed: "missing"}
	case err != nil:
		logger.For(ctx).WithError(err).Warn("audit could not read registry agent")
		return found, err
	case agent.Level != uint64(soul.Level) || agent.XP != uint64(soul.XP):
		d = &Divergence{
			SoulID:   soul.ID,
			TokenRef: soul.TokenRef,
			Field:    "registry_stats",
			Cache:    fmt.Sprintf("level=%d xp=%d", soul.Level, soul.XP),
			Observed: fmt.Sprintf("level=%d xp=%d", agent.Level, agent.XP),
		}
	}
	if d != nil {
		if opts.Repair {
			res, rerr := e.ReplayStats(ctx, soul.ID)
			if rerr == nil && !res.Success {
				rerr = errors.New(res.Warning)
			}
			d.Repaired, d.RepairError = rerr == nil, errString(rerr)
		}
		found = append(found, *d)
	}
	return found, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
