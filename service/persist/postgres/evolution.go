package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/dreammarket/go-dreammarket/service/persist"
)

// EvolutionRepository reads a soul's rarity history
type EvolutionRepository struct {
	getByAssetStmt   *sql.Stmt
	countByAssetStmt *sql.Stmt
}

// NewEvolutionRepository creates a new postgres repository for reading evolution records
func NewEvolutionRepository(db *sql.DB) *EvolutionRepository {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	getByAssetStmt, err := db.PrepareContext(ctx, `SELECT ID,CREATED_AT,ASSET_ID,FROM_RARITY,TO_RARITY,LEVEL,XP FROM evolutions WHERE ASSET_ID = $1 ORDER BY CREATED_AT, ID;`)
	checkNoErr(err)

	countByAssetStmt, err := db.PrepareContext(ctx, `SELECT count(*) FROM evolutions WHERE ASSET_ID = $1;`)
	checkNoErr(err)

	return &EvolutionRepository{getByAssetStmt: getByAssetStmt, countByAssetStmt: countByAssetStmt}
}

// GetByAsset returns the soul's evolutions, oldest first
func (e *EvolutionRepository) GetByAsset(pCtx context.Context, pAssetID persist.DBID) ([]persist.EvolutionRecord, error) {
	rows, err := e.getByAssetStmt.QueryContext(pCtx, pAssetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []persist.EvolutionRecord{}
	for rows.Next() {
		var record persist.EvolutionRecord
		if err := rows.Scan(&record.ID, &record.CreationTime, &record.AssetID, &record.FromRarity, &record.ToRarity, &record.Level, &record.XP); err != nil {
			return nil, err
		}
		result = append(result, record)
	}
	return result, rows.Err()
}

// CountByAsset returns how many times the soul has evolved
func (e *EvolutionRepository) CountByAsset(pCtx context.Context, pAssetID persist.DBID) (int, error) {
	var count int
	err := e.countByAssetStmt.QueryRowContext(pCtx, pAssetID).Scan(&count)
	return count, err
}
