package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dreammarket/go-dreammarket/service/logger"
	"github.com/dreammarket/go-dreammarket/service/persist"
)

// ListAsset puts a soul up for sale. A listed soul cannot be trained.
func (e *Engine) ListAsset(ctx context.Context, soulID persist.DBID, price persist.Tinybar) error {
	if price <= 0 {
		return persist.ErrInvalidPrice{Price: price}
	}
	ctx = logger.NewContextWithFields(ctx, logrus.Fields{"soulID": soulID, "price": price})

	soul, err := e.souls.GetByID(ctx, soulID)
	if err != nil {
		return err
	}
	if soul.IsBurned() {
		return persist.ErrSoulBurned{ID: soul.ID}
	}
	if !soul.TokenRef.IsMinted() {
		return persist.ErrSoulNotMinted{ID: soul.ID}
	}
	if soul.IsListed {
		return persist.ErrSoulListed{ID: soul.ID}
	}

	// a soul the seller no longer holds on the ledger must not be listed
	stepCtx, cancel := e.stepContext(ctx)
	owner, err := e.indexer.OwnerOf(stepCtx, soul.TokenRef)
	cancel()
	switch {
	case err != nil:
		logger.For(ctx).WithError(err).Warn("could not confirm the seller on the indexer, listing from cache")
	case owner != soul.OwnerAccount:
		return ErrConsistencyDivergence{SoulID: soul.ID, Field: "owner_account", Cache: soul.OwnerAccount.String(), Observed: owner.String()}
	}

	err = e.souls.List(ctx, soul.ID, price, persist.TransactionRecord{
		AssetID:     soul.ID,
		Type:        persist.TransactionTypeList,
		FromAccount: soul.OwnerAccount,
		Price:       &price,
	})
	if err != nil {
		return err
	}
	logger.For(ctx).Info("listed soul")
	return nil
}

// DelistAsset takes a soul off the market. Delisting a soul that is not listed is a no-op.
func (e *Engine) DelistAsset(ctx context.Context, soulID persist.DBID) error {
	ctx = logger.NewContextWithFields(ctx, logrus.Fields{"soulID": soulID})

	soul, err := e.souls.GetByID(ctx, soulID)
	if err != nil {
		return err
	}
	if !soul.IsListed {
		logger.For(ctx).Debug("soul is not listed, nothing to delist")
		return nil
	}

	err = e.souls.Delist(ctx, soul.ID, persist.TransactionRecord{
		AssetID:     soul.ID,
		Type:        persist.TransactionTypeDelist,
		FromAccount: soul.OwnerAccount,
	})
	var notListed persist.ErrSoulNotListed
	if errors.As(err, &notListed) {
		return nil
	}
	if err != nil {
		return err
	}
	logger.For(ctx).Info("delisted soul")
	return nil
}

// Purchase sells a listed soul to buyer. When ledgerTxRef is empty the operator moves the
// token; otherwise the buyer's wallet already settled the transfer and only the cache and the
// registry are brought in line.
func (e *Engine) Purchase(ctx context.Context, soulID persist.DBID, buyer persist.AccountID, ledgerTxRef string) (TransferResult, error) {
	if !buyer.Valid() {
		return TransferResult{}, ErrInvalidInput{Reason: fmt.Sprintf("invalid buyer account %q", buyer)}
	}
	ctx = logger.NewContextWithFields(ctx, logrus.Fields{"soulID": soulID, "buyer": buyer})

	if e.throttler != nil {
		key := "purchase:" + soulID.String()
		if err := e.throttler.Lock(ctx, key); err != nil {
			return TransferResult{}, err
		}
		defer func() {
			if err := e.throttler.Unlock(ctx, key); err != nil {
				logger.For(ctx).WithError(err).Warn("failed to release purchase lock")
			}
		}()
	}

	soul, err := e.souls.GetByID(ctx, soulID)
	if err != nil {
		return TransferResult{}, err
	}
	if soul.IsBurned() {
		return TransferResult{}, persist.ErrSoulBurned{ID: soul.ID}
	}
	if !soul.IsListed {
		return TransferResult{}, persist.ErrSoulNotListed{ID: soul.ID}
	}
	if soul.OwnerAccount == buyer {
		return TransferResult{}, ErrInvalidInput{Reason: "buyer already owns the soul"}
	}

	res, err := e.TransferWorkflow(ctx, TransferRequest{
		TokenRef:    soul.TokenRef,
		From:        soul.OwnerAccount,
		To:          buyer,
		Type:        persist.TransactionTypeSale,
		Price:       soul.Price,
		LedgerTxRef: ledgerTxRef,
	})
	if err != nil {
		return res, err
	}
	logger.For(ctx).WithField("price", soul.Price).Info("sold soul")
	return res, nil
}
