package reconcile

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/dreammarket/go-dreammarket/service/ledger"
	"github.com/dreammarket/go-dreammarket/service/logger"
	"github.com/dreammarket/go-dreammarket/service/persist"
	"github.com/dreammarket/go-dreammarket/service/registry"
)

// MintResult describes a newly minted soul and its delivery to the creator
type MintResult struct {
	Soul      persist.Soul     `json:"soul"`
	TokenRef  persist.TokenRef `json:"token_ref"`
	MintTxRef string           `json:"mint_tx_ref"`
	Registry  registry.Result  `json:"registry"`
	Delivery  *TransferResult  `json:"delivery,omitempty"`
}

// MintSoul creates a soul, mints its token into the treasury and delivers it to the creator.
// If delivery fails the soul stays minted in the treasury and the error is returned with the
// partial result.
func (e *Engine) MintSoul(ctx context.Context, in persist.SoulCreateInput) (MintResult, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return MintResult{}, ErrInvalidInput{Reason: "name is required"}
	}
	if !in.CreatorAccount.Valid() {
		return MintResult{}, ErrInvalidInput{Reason: fmt.Sprintf("invalid creator account %q", in.CreatorAccount)}
	}
	if e.cfg.TokenID == "" {
		return MintResult{}, ErrInvalidInput{Reason: "no soul token configured"}
	}

	soul, err := e.souls.Create(ctx, in)
	if err != nil {
		return MintResult{}, err
	}
	ctx = logger.NewContextWithFields(ctx, logrus.Fields{"soulID": soul.ID, "creator": in.CreatorAccount})

	serial, receipt, err := e.mint(ctx, soul)
	if err != nil {
		return MintResult{Soul: soul}, err
	}

	treasury := e.treasury()
	ref := persist.NewTokenRef(e.cfg.TokenID, serial)
	err = e.souls.SetTokenRef(ctx, soul.ID, ref, treasury, persist.TransactionRecord{
		AssetID:     soul.ID,
		Type:        persist.TransactionTypeMint,
		ToAccount:   treasury,
		LedgerTxRef: receipt.TxRef,
	})
	if err != nil {
		return MintResult{Soul: soul, MintTxRef: receipt.TxRef}, fmt.Errorf("minted %s but could not link it to soul %s: %w", ref, soul.ID, err)
	}
	soul.TokenRef, soul.OwnerAccount = ref, treasury
	ctx = logger.NewContextWithFields(ctx, logrus.Fields{"tokenRef": ref, "agentID": registry.DeriveAgentID(ref).Hex()})
	logger.For(ctx).Info("minted soul into treasury")

	res := MintResult{Soul: soul, TokenRef: ref, MintTxRef: receipt.TxRef}
	res.Registry = e.mirrorStats(ctx, soul)

	if in.CreatorAccount == treasury {
		return res, nil
	}
	delivery, err := e.TransferWorkflow(ctx, TransferRequest{
		TokenRef: ref,
		From:     treasury,
		To:       in.CreatorAccount,
	})
	res.Delivery = &delivery
	if err != nil {
		return res, err
	}
	res.Soul.OwnerAccount = in.CreatorAccount
	return res, nil
}

func (e *Engine) mint(ctx context.Context, soul persist.Soul) (int64, ledger.Receipt, error) {
	metadata := []byte(soul.ID.String())
	var err error
	for attempt := 1; attempt <= e.cfg.TransferAttempts; attempt++ {
		stepCtx, cancel := e.stepContext(ctx)
		var serial int64
		var receipt ledger.Receipt
		serial, receipt, err = e.ledger.Mint(stepCtx, e.cfg.TokenID, metadata)
		cancel()
		if err == nil {
			return serial, receipt, nil
		}
		// an unconfirmed mint may have landed; retrying would mint a second token
		if le, ok := ledger.AsLedgerError(err); !ok || !le.Transient() {
			return 0, ledger.Receipt{}, err
		}
		logger.For(ctx).WithError(err).WithField("attempt", attempt).Warn("mint attempt failed")
		if attempt < e.cfg.TransferAttempts {
			if serr := e.sleep(ctx, e.cfg.TransferBackoff); serr != nil {
				return 0, ledger.Receipt{}, serr
			}
		}
	}
	return 0, ledger.Receipt{}, err
}

// BurnSoul destroys the token of a soul held by the treasury and marks the soul burned
func (e *Engine) BurnSoul(ctx context.Context, soulID persist.DBID) (ledger.Receipt, error) {
	soul, err := e.souls.GetByID(ctx, soulID)
	if err != nil {
		return ledger.Receipt{}, err
	}
	if soul.IsBurned() {
		return ledger.Receipt{}, persist.ErrSoulBurned{ID: soul.ID}
	}
	if !soul.TokenRef.IsMinted() {
		return ledger.Receipt{}, persist.ErrSoulNotMinted{ID: soul.ID}
	}
	ctx = logger.NewContextWithFields(ctx, logrus.Fields{"soulID": soul.ID, "tokenRef": soul.TokenRef})

	treasury := e.treasury()
	stepCtx, cancel := e.stepContext(ctx)
	owner, err := e.ledger.OwnerOf(stepCtx, soul.TokenRef)
	cancel()
	if err != nil {
		return ledger.Receipt{}, err
	}
	if owner != treasury {
		return ledger.Receipt{}, ErrNotTreasuryOwned{SoulID: soul.ID, Owner: owner}
	}

	stepCtx, cancel = e.stepContext(ctx)
	receipt, err := e.ledger.Burn(stepCtx, soul.TokenRef)
	cancel()
	if err != nil {
		return ledger.Receipt{}, err
	}

	err = e.souls.MarkBurned(ctx, soul.ID, persist.TransactionRecord{
		AssetID:     soul.ID,
		Type:        persist.TransactionTypeBurn,
		FromAccount: treasury,
		LedgerTxRef: receipt.TxRef,
	})
	if err != nil {
		reportDegraded(ctx, "burn", soul, err.Error())
		return receipt, fmt.Errorf("burned %s but could not mark soul %s burned: %w", soul.TokenRef, soul.ID, err)
	}
	logger.For(ctx).Info("burned soul")
	return receipt, nil
}
