package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/dreammarket/go-dreammarket/service/persist"
)

const soulColumns = `ID,CREATED_AT,LAST_UPDATED,NAME,TAGLINE,PERSONALITY,SKILLS,LEDGER_TOKEN_REF,OWNER_ACCOUNT,CREATOR_ACCOUNT,LEVEL,XP,RARITY,RARITY_LOCKED,IS_LISTED,PRICE,LISTED_AT,BURNED_AT`

const tokenRefIndex = "souls_ledger_token_ref_idx"

// SoulRepository is the repository for interacting with souls in a postgres database
type SoulRepository struct {
	db                    *sql.DB
	createStmt            *sql.Stmt
	getByIDStmt           *sql.Stmt
	getByTokenRefStmt     *sql.Stmt
	setTokenRefStmt       *sql.Stmt
	updateProgressStmt    *sql.Stmt
	setRarityLockStmt     *sql.Stmt
	listStmt              *sql.Stmt
	delistStmt            *sql.Stmt
	transferOwnerStmt     *sql.Stmt
	markBurnedStmt        *sql.Stmt
	insertTransactionStmt *sql.Stmt
	insertEvolutionStmt   *sql.Stmt
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// NewSoulRepository creates a new postgres repository for interacting with souls
func NewSoulRepository(db *sql.DB) *SoulRepository {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	createStmt, err := db.PrepareContext(ctx, `INSERT INTO souls (ID,NAME,TAGLINE,PERSONALITY,SKILLS,OWNER_ACCOUNT,CREATOR_ACCOUNT,LEVEL,XP,RARITY) VALUES ($1,$2,$3,$4,$5,$6,$6,1,0,'Common') RETURNING `+soulColumns+`;`)
	checkNoErr(err)

	getByIDStmt, err := db.PrepareContext(ctx, `SELECT `+soulColumns+` FROM souls WHERE ID = $1 AND DELETED = false;`)
	checkNoErr(err)

	getByTokenRefStmt, err := db.PrepareContext(ctx, `SELECT `+soulColumns+` FROM souls WHERE LEDGER_TOKEN_REF = $1 AND DELETED = false;`)
	checkNoErr(err)

	setTokenRefStmt, err := db.PrepareContext(ctx, `UPDATE souls SET LEDGER_TOKEN_REF = $2, OWNER_ACCOUNT = $3, VERSION = VERSION + 1, LAST_UPDATED = now() WHERE ID = $1 AND LEDGER_TOKEN_REF IS NULL AND DELETED = false;`)
	checkNoErr(err)

	updateProgressStmt, err := db.PrepareContext(ctx, `UPDATE souls SET XP = $3, LEVEL = $4, RARITY = $5, VERSION = VERSION + 1, LAST_UPDATED = now() WHERE ID = $1 AND XP = $2 AND IS_LISTED = false AND BURNED_AT IS NULL AND DELETED = false;`)
	checkNoErr(err)

	setRarityLockStmt, err := db.PrepareContext(ctx, `UPDATE souls SET RARITY = $2, RARITY_LOCKED = $3, VERSION = VERSION + 1, LAST_UPDATED = now() WHERE ID = $1 AND DELETED = false;`)
	checkNoErr(err)

	listStmt, err := db.PrepareContext(ctx, `UPDATE souls SET IS_LISTED = true, PRICE = $2, LISTED_AT = now(), VERSION = VERSION + 1, LAST_UPDATED = now() WHERE ID = $1 AND IS_LISTED = false AND BURNED_AT IS NULL AND LEDGER_TOKEN_REF IS NOT NULL AND DELETED = false;`)
	checkNoErr(err)

	delistStmt, err := db.PrepareContext(ctx, `UPDATE souls SET IS_LISTED = false, PRICE = NULL, LISTED_AT = NULL, VERSION = VERSION + 1, LAST_UPDATED = now() WHERE ID = $1 AND IS_LISTED = true AND DELETED = false;`)
	checkNoErr(err)

	transferOwnerStmt, err := db.PrepareContext(ctx, `UPDATE souls SET OWNER_ACCOUNT = $2, IS_LISTED = false, PRICE = NULL, LISTED_AT = NULL, VERSION = VERSION + 1, LAST_UPDATED = now() WHERE ID = $1 AND BURNED_AT IS NULL AND DELETED = false;`)
	checkNoErr(err)

	markBurnedStmt, err := db.PrepareContext(ctx, `UPDATE souls SET BURNED_AT = now(), IS_LISTED = false, PRICE = NULL, LISTED_AT = NULL, VERSION = VERSION + 1, LAST_UPDATED = now() WHERE ID = $1 AND BURNED_AT IS NULL AND DELETED = false;`)
	checkNoErr(err)

	insertTransactionStmt, err := db.PrepareContext(ctx, `INSERT INTO transactions (ID,ASSET_ID,TYPE,FROM_ACCOUNT,TO_ACCOUNT,PRICE,LEDGER_TX_REF) VALUES ($1,$2,$3,$4,$5,$6,$7);`)
	checkNoErr(err)

	insertEvolutionStmt, err := db.PrepareContext(ctx, `INSERT INTO evolutions (ID,ASSET_ID,FROM_RARITY,TO_RARITY,LEVEL,XP) VALUES ($1,$2,$3,$4,$5,$6);`)
	checkNoErr(err)

	return &SoulRepository{
		db:                    db,
		createStmt:            createStmt,
		getByIDStmt:           getByIDStmt,
		getByTokenRefStmt:     getByTokenRefStmt,
		setTokenRefStmt:       setTokenRefStmt,
		updateProgressStmt:    updateProgressStmt,
		setRarityLockStmt:     setRarityLockStmt,
		listStmt:              listStmt,
		delistStmt:            delistStmt,
		transferOwnerStmt:     transferOwnerStmt,
		markBurnedStmt:        markBurnedStmt,
		insertTransactionStmt: insertTransactionStmt,
		insertEvolutionStmt:   insertEvolutionStmt,
	}
}

// Create inserts a new, unminted soul owned by its creator
func (s *SoulRepository) Create(pCtx context.Context, pInput persist.SoulCreateInput) (persist.Soul, error) {
	skills := pInput.Skills
	if skills == nil {
		skills = persist.StringList{}
	}
	return scanSoul(s.createStmt.QueryRowContext(pCtx, persist.GenerateID(), pInput.Name, pInput.Tagline, pInput.Personality, skills, pInput.CreatorAccount))
}

// GetByID returns the soul with the given ID
func (s *SoulRepository) GetByID(pCtx context.Context, pID persist.DBID) (persist.Soul, error) {
	soul, err := scanSoul(s.getByIDStmt.QueryRowContext(pCtx, pID))
	if errors.Is(err, sql.ErrNoRows) {
		return persist.Soul{}, persist.ErrSoulNotFoundByID{ID: pID}
	}
	return soul, err
}

// GetByTokenRef returns the soul linked to a ledger token
func (s *SoulRepository) GetByTokenRef(pCtx context.Context, pRef persist.TokenRef) (persist.Soul, error) {
	soul, err := scanSoul(s.getByTokenRefStmt.QueryRowContext(pCtx, pRef))
	if errors.Is(err, sql.ErrNoRows) {
		return persist.Soul{}, persist.ErrSoulNotFoundByTokenRef{TokenRef: pRef}
	}
	return soul, err
}

// SetTokenRef links a freshly minted token to the soul and records the mint
func (s *SoulRepository) SetTokenRef(pCtx context.Context, pID persist.DBID, pRef persist.TokenRef, pOwner persist.AccountID, pRecord persist.TransactionRecord) error {
	return s.withTx(pCtx, func(tx *sql.Tx) error {
		res, err := tx.StmtContext(pCtx, s.setTokenRefStmt).ExecContext(pCtx, pID, pRef, pOwner)
		if persist.IsUniqueViolation(err, tokenRefIndex) {
			return persist.ErrTokenRefAlreadyLinked{TokenRef: pRef}
		}
		if err != nil {
			return err
		}
		if err := s.expectOneRow(pCtx, res, pID, func(persist.Soul) error {
			return persist.ErrTokenRefAlreadyLinked{TokenRef: pRef}
		}); err != nil {
			return err
		}
		return s.insertTransaction(pCtx, tx, pID, pRecord)
	})
}

// UpdateProgress writes new progression values if the stored xp still matches the expected
// value, appending the evolution record in the same transaction
func (s *SoulRepository) UpdateProgress(pCtx context.Context, pID persist.DBID, pUpdate persist.SoulProgressUpdateInput, pEvolution *persist.EvolutionRecord) error {
	return s.withTx(pCtx, func(tx *sql.Tx) error {
		res, err := tx.StmtContext(pCtx, s.updateProgressStmt).ExecContext(pCtx, pID, pUpdate.ExpectedXP, pUpdate.XP, pUpdate.Level, pUpdate.Rarity)
		if err != nil {
			return err
		}
		if err := s.expectOneRow(pCtx, res, pID, func(current persist.Soul) error {
			if err := current.CanTrain(); err != nil {
				return err
			}
			return persist.ErrSoulProgressConflict{ID: pID, ExpectedXP: pUpdate.ExpectedXP}
		}); err != nil {
			return err
		}

		if pEvolution == nil {
			return nil
		}
		id := pEvolution.ID
		if id == "" {
			id = persist.GenerateID()
		}
		_, err = tx.StmtContext(pCtx, s.insertEvolutionStmt).ExecContext(pCtx, id, pID, pEvolution.FromRarity, pEvolution.ToRarity, pEvolution.Level, pEvolution.XP)
		return err
	})
}

// SetRarityLock overrides the stored rarity. A locked rarity that ranks above the level's
// rarity survives progression updates.
func (s *SoulRepository) SetRarityLock(pCtx context.Context, pID persist.DBID, pRarity persist.Rarity, pLocked bool) error {
	res, err := s.setRarityLockStmt.ExecContext(pCtx, pID, pRarity, pLocked)
	if err != nil {
		return err
	}
	return s.expectOneRow(pCtx, res, pID, nil)
}

// List puts the soul up for sale
func (s *SoulRepository) List(pCtx context.Context, pID persist.DBID, pPrice persist.Tinybar, pRecord persist.TransactionRecord) error {
	if pPrice <= 0 {
		return persist.ErrInvalidPrice{Price: pPrice}
	}
	return s.withTx(pCtx, func(tx *sql.Tx) error {
		res, err := tx.StmtContext(pCtx, s.listStmt).ExecContext(pCtx, pID, int64(pPrice))
		if err != nil {
			return err
		}
		if err := s.expectOneRow(pCtx, res, pID, func(current persist.Soul) error {
			if current.IsBurned() {
				return persist.ErrSoulBurned{ID: pID}
			}
			if !current.TokenRef.IsMinted() {
				return persist.ErrSoulNotMinted{ID: pID}
			}
			return persist.ErrSoulListed{ID: pID}
		}); err != nil {
			return err
		}
		return s.insertTransaction(pCtx, tx, pID, pRecord)
	})
}

// Delist takes the soul off the market
func (s *SoulRepository) Delist(pCtx context.Context, pID persist.DBID, pRecord persist.TransactionRecord) error {
	return s.withTx(pCtx, func(tx *sql.Tx) error {
		res, err := tx.StmtContext(pCtx, s.delistStmt).ExecContext(pCtx, pID)
		if err != nil {
			return err
		}
		if err := s.expectOneRow(pCtx, res, pID, func(persist.Soul) error {
			return persist.ErrSoulNotListed{ID: pID}
		}); err != nil {
			return err
		}
		return s.insertTransaction(pCtx, tx, pID, pRecord)
	})
}

// TransferOwner changes the owner and clears any listing in a single update, appending the
// transaction record in the same transaction
func (s *SoulRepository) TransferOwner(pCtx context.Context, pID persist.DBID, pOwner persist.AccountID, pRecord persist.TransactionRecord) error {
	return s.withTx(pCtx, func(tx *sql.Tx) error {
		res, err := tx.StmtContext(pCtx, s.transferOwnerStmt).ExecContext(pCtx, pID, pOwner)
		if err != nil {
			return err
		}
		if err := s.expectOneRow(pCtx, res, pID, func(persist.Soul) error {
			return persist.ErrSoulBurned{ID: pID}
		}); err != nil {
			return err
		}
		return s.insertTransaction(pCtx, tx, pID, pRecord)
	})
}

// MarkBurned records that the soul's token no longer exists. The row is kept for history.
func (s *SoulRepository) MarkBurned(pCtx context.Context, pID persist.DBID, pRecord persist.TransactionRecord) error {
	return s.withTx(pCtx, func(tx *sql.Tx) error {
		res, err := tx.StmtContext(pCtx, s.markBurnedStmt).ExecContext(pCtx, pID)
		if err != nil {
			return err
		}
		if err := s.expectOneRow(pCtx, res, pID, func(persist.Soul) error {
			return persist.ErrSoulBurned{ID: pID}
		}); err != nil {
			return err
		}
		return s.insertTransaction(pCtx, tx, pID, pRecord)
	})
}

func (s *SoulRepository) insertTransaction(pCtx context.Context, tx *sql.Tx, pID persist.DBID, pRecord persist.TransactionRecord) error {
	id := pRecord.ID
	if id == "" {
		id = persist.GenerateID()
	}
	var price sql.NullInt64
	if pRecord.Price != nil {
		price = sql.NullInt64{Int64: int64(*pRecord.Price), Valid: true}
	}
	_, err := tx.StmtContext(pCtx, s.insertTransactionStmt).ExecContext(pCtx, id, pID, pRecord.Type, pRecord.FromAccount, pRecord.ToAccount, price, pRecord.LedgerTxRef)
	return err
}

// expectOneRow turns a conditional update that matched nothing into a domain error. A missing
// soul is always reported as not found; otherwise onMismatch explains why the row was skipped.
func (s *SoulRepository) expectOneRow(pCtx context.Context, res sql.Result, pID persist.DBID, onMismatch func(persist.Soul) error) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}
	current, err := s.GetByID(pCtx, pID)
	if err != nil {
		return err
	}
	if onMismatch == nil {
		return persist.ErrSoulNotFoundByID{ID: pID}
	}
	return onMismatch(current)
}

func (s *SoulRepository) withTx(pCtx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(pCtx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func scanSoul(row rowScanner) (persist.Soul, error) {
	var soul persist.Soul
	var price sql.NullInt64
	var listedAt, burnedAt sql.NullTime

	err := row.Scan(
		&soul.ID, &soul.CreationTime, &soul.LastUpdated,
		&soul.Name, &soul.Tagline, &soul.Personality, &soul.Skills,
		&soul.TokenRef, &soul.OwnerAccount, &soul.CreatorAccount,
		&soul.Level, &soul.XP, &soul.Rarity, &soul.RarityLocked,
		&soul.IsListed, &price, &listedAt, &burnedAt,
	)
	if err != nil {
		return persist.Soul{}, err
	}

	if price.Valid {
		p := persist.Tinybar(price.Int64)
		soul.Price = &p
	}
	soul.ListedAt = persist.NullTimeToTimePtr(listedAt)
	soul.BurnedAt = persist.NullTimeToTimePtr(burnedAt)
	return soul, nil
}
