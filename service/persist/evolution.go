package persist

import "context"

// EvolutionRecord is an append-only entry written whenever a soul's rarity changes
type EvolutionRecord struct {
	ID           DBID         `json:"id"`
	CreationTime CreationTime `json:"created_at"`
	AssetID      DBID         `json:"asset_id"`
	FromRarity   Rarity       `json:"from_rarity"`
	ToRarity     Rarity       `json:"to_rarity"`
	Level        int          `json:"level"`
	XP           int64        `json:"xp"`
}

// EvolutionRepository represents a repository for reading evolution history
type EvolutionRepository interface {
	GetByAsset(context.Context, DBID) ([]EvolutionRecord, error)
	CountByAsset(context.Context, DBID) (int, error)
}
