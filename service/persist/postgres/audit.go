package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/dreammarket/go-dreammarket/service/persist"
)

// SoulScanner pages through minted souls over a pgx pool
type SoulScanner struct {
	pool *pgxpool.Pool
}

// NewSoulScanner creates a scanner for the audit job
func NewSoulScanner(pool *pgxpool.Pool) *SoulScanner {
	return &SoulScanner{pool: pool}
}

// MintedSouls returns up to limit minted, unburned souls with an id greater than afterID.
// Only the fields the audit compares are loaded.
func (s *SoulScanner) MintedSouls(pCtx context.Context, pAfterID persist.DBID, pLimit int) ([]persist.Soul, error) {
	rows, err := s.pool.Query(pCtx, `SELECT ID,NAME,TAGLINE,LEDGER_TOKEN_REF,OWNER_ACCOUNT,CREATOR_ACCOUNT,LEVEL,XP,RARITY,RARITY_LOCKED,IS_LISTED,PRICE,LISTED_AT
		FROM souls
		WHERE ID > $1 AND LEDGER_TOKEN_REF IS NOT NULL AND BURNED_AT IS NULL AND DELETED = false
		ORDER BY ID
		LIMIT $2;`, pAfterID.String(), pLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]persist.Soul, 0, pLimit)
	for rows.Next() {
		var (
			id, name, tagline, tokenRef, owner, creator, rarity string
			level                                               int
			xp                                                  int64
			locked, listed                                      bool
			price                                               *int64
			listedAt                                            *time.Time
		)
		if err := rows.Scan(&id, &name, &tagline, &tokenRef, &owner, &creator, &level, &xp, &rarity, &locked, &listed, &price, &listedAt); err != nil {
			return nil, err
		}

		parsedRarity, err := persist.ParseRarity(rarity)
		if err != nil {
			return nil, err
		}

		soul := persist.Soul{
			ID:             persist.DBID(id),
			Name:           name,
			Tagline:        tagline,
			TokenRef:       persist.TokenRef(tokenRef),
			OwnerAccount:   persist.AccountID(owner),
			CreatorAccount: persist.AccountID(creator),
			Level:          level,
			XP:             xp,
			Rarity:         parsedRarity,
			RarityLocked:   locked,
			IsListed:       listed,
			ListedAt:       listedAt,
		}
		if price != nil {
			p := persist.Tinybar(*price)
			soul.Price = &p
		}
		result = append(result, soul)
	}
	return result, rows.Err()
}
