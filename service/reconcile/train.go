package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dreammarket/go-dreammarket/service/logger"
	"github.com/dreammarket/go-dreammarket/service/persist"
	"github.com/dreammarket/go-dreammarket/service/progression"
	"github.com/dreammarket/go-dreammarket/service/registry"
)

// TrainResult is the outcome of applying experience to a soul
type TrainResult struct {
	SoulID          persist.DBID    `json:"soul_id"`
	PreviousXP      int64           `json:"previous_xp"`
	XP              int64           `json:"xp"`
	PreviousLevel   int             `json:"previous_level"`
	Level           int             `json:"level"`
	PreviousRarity  persist.Rarity  `json:"previous_rarity"`
	Rarity          persist.Rarity  `json:"rarity"`
	LeveledUp       bool            `json:"leveled_up"`
	Evolved         bool            `json:"evolved"`
	RarityPreserved bool            `json:"rarity_preserved"`
	NextLevelXP     int64           `json:"next_level_xp"`
	Progress        float64         `json:"progress"`
	Registry        registry.Result `json:"registry"`
}

// Train adds experience to a soul, persists the new level and rarity, then mirrors the stats
// into the registry. The cache write happens first and is the only step that can fail the call.
func (e *Engine) Train(ctx context.Context, soulID persist.DBID, delta int64) (TrainResult, error) {
	if delta < 0 {
		return TrainResult{}, ErrInvalidInput{Reason: fmt.Sprintf("xp delta must not be negative, got %d", delta)}
	}
	ctx = logger.NewContextWithFields(ctx, logrus.Fields{"soulID": soulID, "xpDelta": delta})

	var (
		soul    persist.Soul
		outcome progression.Outcome
		err     error
	)
	for attempt := 1; ; attempt++ {
		soul, err = e.souls.GetByID(ctx, soulID)
		if err != nil {
			return TrainResult{}, err
		}
		if err := soul.CanTrain(); err != nil {
			return TrainResult{}, err
		}
		if _, ok := progression.AddXP(soul.XP, delta); !ok {
			return TrainResult{}, ErrInvalidInput{Reason: fmt.Sprintf("xp delta %d would overflow the xp of soul %s", delta, soul.ID)}
		}

		outcome = progression.Apply(soul, delta)
		var evolution *persist.EvolutionRecord
		if outcome.Evolved {
			evolution = &persist.EvolutionRecord{
				AssetID:    soul.ID,
				FromRarity: soul.Rarity,
				ToRarity:   outcome.Rarity,
				Level:      outcome.Level,
				XP:         outcome.XP,
			}
		}

		err = e.souls.UpdateProgress(ctx, soul.ID, persist.SoulProgressUpdateInput{
			ExpectedXP: soul.XP,
			XP:         outcome.XP,
			Level:      outcome.Level,
			Rarity:     outcome.Rarity,
		}, evolution)
		if err == nil {
			break
		}

		var conflict persist.ErrSoulProgressConflict
		if !errors.As(err, &conflict) {
			return TrainResult{}, err
		}
		if attempt >= e.cfg.ProgressRetries {
			return TrainResult{}, ErrConcurrentUpdate{SoulID: soulID, Attempts: attempt}
		}
		logger.For(ctx).WithField("attempt", attempt).Debug("progress changed underneath us, reloading")
	}

	res := TrainResult{
		SoulID:          soul.ID,
		PreviousXP:      soul.XP,
		XP:              outcome.XP,
		PreviousLevel:   soul.Level,
		Level:           outcome.Level,
		PreviousRarity:  soul.Rarity,
		Rarity:          outcome.Rarity,
		LeveledUp:       outcome.LeveledUp,
		Evolved:         outcome.Evolved,
		RarityPreserved: outcome.RarityPreserved,
		NextLevelXP:     progression.NextLevelXP(outcome.Level),
		Progress:        progression.XPProgress(outcome.XP, outcome.Level),
	}

	soul.XP, soul.Level, soul.Rarity = outcome.XP, outcome.Level, outcome.Rarity
	res.Registry = e.mirrorStats(ctx, soul)

	logger.For(ctx).WithFields(logrus.Fields{
		"level":           res.Level,
		"rarity":          res.Rarity,
		"leveledUp":       res.LeveledUp,
		"evolved":         res.Evolved,
		"registrySuccess": res.Registry.Success,
	}).Info("trained soul")
	return res, nil
}

// ReplayStats pushes the cached stats of a soul into the registry again
func (e *Engine) ReplayStats(ctx context.Context, soulID persist.DBID) (registry.Result, error) {
	soul, err := e.souls.GetByID(ctx, soulID)
	if err != nil {
		return registry.Result{}, err
	}
	if !soul.TokenRef.IsMinted() {
		return registry.Result{}, persist.ErrSoulNotMinted{ID: soul.ID}
	}
	if soul.IsBurned() {
		return registry.Result{}, persist.ErrSoulBurned{ID: soul.ID}
	}
	return e.mirrorStats(ctx, soul), nil
}

// SetRarityLock stores rarity for a soul. A locked rarity that ranks above the one its level
// implies survives later training; unlocking lets the next training recompute it.
func (e *Engine) SetRarityLock(ctx context.Context, soulID persist.DBID, rarity persist.Rarity, locked bool) error {
	if !rarity.IsValid() {
		return ErrInvalidInput{Reason: fmt.Sprintf("unknown rarity %q", rarity)}
	}
	ctx = logger.NewContextWithFields(ctx, logrus.Fields{"soulID": soulID, "rarity": rarity, "locked": locked})
	if err := e.souls.SetRarityLock(ctx, soulID, rarity, locked); err != nil {
		return err
	}
	logger.For(ctx).Info("set soul rarity")
	return nil
}

// mirrorStats registers the agent if needed and writes level, xp and reputation, taking the
// agent back from its current owner when the signer lost ownership
func (e *Engine) mirrorStats(ctx context.Context, soul persist.Soul) registry.Result {
	if !soul.TokenRef.IsMinted() {
		return registry.Result{Success: true, Steps: []string{"not minted, nothing to mirror"}}
	}
	agentID := registry.DeriveAgentID(soul.TokenRef)
	ctx = logger.NewContextWithFields(ctx, logrus.Fields{"tokenRef": soul.TokenRef, "agentID": agentID.Hex()})

	evolutions, err := e.evolutions.CountByAsset(ctx, soul.ID)
	if err != nil {
		logger.For(ctx).WithError(err).Warn("could not count evolutions, reputation will only reflect level")
		evolutions = 0
	}

	regCtx, cancel := e.registryContext(ctx, registerCalls)
	_, err = e.registry.EnsureRegistered(regCtx, e.registerInput(soul))
	cancel()
	if err != nil {
		res := registry.Result{Warning: err.Error(), Steps: []string{fmt.Sprintf("register failed: %s", err)}}
		reportDegraded(ctx, "train", soul, res.Warning)
		return res
	}

	statsCtx, cancel := e.registryContext(ctx, statsCalls)
	defer cancel()
	res := e.registry.UpdateStatsWithSelfHeal(statsCtx, agentID, registry.Stats{
		Level:      uint64(soul.Level),
		XP:         uint64(soul.XP),
		Reputation: uint64(progression.Reputation(soul.Level, evolutions)),
	})
	if !res.Success {
		reportDegraded(ctx, "train", soul, res.Warning)
	}
	return res
}
