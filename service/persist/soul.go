package persist

import (
	"context"
	"database/sql/driver"
	"fmt"
	"strings"
	"time"
)

const (
	// RarityCommon is the rarity of every newly minted soul
	RarityCommon Rarity = "Common"
	// RarityRare is reached at level 10
	RarityRare Rarity = "Rare"
	// RarityLegendary is reached at level 15
	RarityLegendary Rarity = "Legendary"
	// RarityMythic is reached at level 20
	RarityMythic Rarity = "Mythic"
)

var rarityRanks = map[Rarity]uint8{
	RarityCommon:    0,
	RarityRare:      1,
	RarityLegendary: 2,
	RarityMythic:    3,
}

// Rarity represents the evolution tier of a soul
type Rarity string

// Soul represents the cached, queryable state of a tradeable agent
type Soul struct {
	ID           DBID            `json:"id" binding:"required"`
	CreationTime CreationTime    `json:"created_at"`
	LastUpdated  LastUpdatedTime `json:"last_updated"`

	Name        string     `json:"name"`
	Tagline     string     `json:"tagline"`
	Personality string     `json:"personality"`
	Skills      StringList `json:"skills"`

	TokenRef       TokenRef  `json:"ledger_token_ref"`
	OwnerAccount   AccountID `json:"owner_account"`
	CreatorAccount AccountID `json:"creator_account"`

	Level  int    `json:"level"`
	XP     int64  `json:"xp"`
	Rarity Rarity `json:"rarity"`
	// RarityLocked preserves a stored rarity that is higher than the level implies. It is an
	// administrative escape hatch and must never be set by chat or marketplace flows.
	RarityLocked bool `json:"rarity_locked"`

	IsListed bool       `json:"is_listed"`
	Price    *Tinybar   `json:"price"`
	ListedAt *time.Time `json:"listed_at"`
	BurnedAt *time.Time `json:"burned_at"`
}

// SoulCreateInput is the data required to create a new soul before it is minted
type SoulCreateInput struct {
	Name           string     `json:"name" binding:"required"`
	Tagline        string     `json:"tagline"`
	Personality    string     `json:"personality"`
	Skills         StringList `json:"skills"`
	CreatorAccount AccountID  `json:"creator_account" binding:"required"`
}

// SoulProgressUpdateInput updates the progression fields of a soul. The update only applies
// if the stored xp still equals ExpectedXP.
type SoulProgressUpdateInput struct {
	ExpectedXP int64
	XP         int64
	Level      int
	Rarity     Rarity
}

// SoulRepository represents a repository for interacting with persisted souls
type SoulRepository interface {
	Create(context.Context, SoulCreateInput) (Soul, error)
	GetByID(context.Context, DBID) (Soul, error)
	GetByTokenRef(context.Context, TokenRef) (Soul, error)
	SetTokenRef(context.Context, DBID, TokenRef, AccountID, TransactionRecord) error
	UpdateProgress(context.Context, DBID, SoulProgressUpdateInput, *EvolutionRecord) error
	SetRarityLock(context.Context, DBID, Rarity, bool) error
	List(context.Context, DBID, Tinybar, TransactionRecord) error
	Delist(context.Context, DBID, TransactionRecord) error
	TransferOwner(context.Context, DBID, AccountID, TransactionRecord) error
	MarkBurned(context.Context, DBID, TransactionRecord) error
}

// SoulScanner pages through every minted, unburned soul in id order. It backs the audit job.
type SoulScanner interface {
	MintedSouls(ctx context.Context, afterID DBID, limit int) ([]Soul, error)
}

// ErrSoulNotFoundByID is returned when a soul is not found by its id
type ErrSoulNotFoundByID struct {
	ID DBID
}

// ErrSoulNotFoundByTokenRef is returned when no soul is linked to a token ref
type ErrSoulNotFoundByTokenRef struct {
	TokenRef TokenRef
}

// ErrSoulListed is returned when an operation requires a soul that is not for sale
type ErrSoulListed struct {
	ID DBID
}

// ErrSoulNotListed is returned when an operation requires a soul that is for sale
type ErrSoulNotListed struct {
	ID DBID
}

// ErrSoulBurned is returned when an operation targets a soul whose token was burned
type ErrSoulBurned struct {
	ID DBID
}

// ErrSoulNotMinted is returned when an operation requires a ledger token that does not exist yet
type ErrSoulNotMinted struct {
	ID DBID
}

// ErrSoulProgressConflict is returned when a progress update lost a race with another update
type ErrSoulProgressConflict struct {
	ID         DBID
	ExpectedXP int64
}

// ErrTokenRefAlreadyLinked is returned when a token ref is already linked to another soul
type ErrTokenRefAlreadyLinked struct {
	TokenRef TokenRef
}

// ErrInvalidPrice is returned when a listing price is not positive
type ErrInvalidPrice struct {
	Price Tinybar
}

func (e ErrSoulNotFoundByID) Error() string {
	return fmt.Sprintf("soul not found by ID: %s", e.ID)
}

func (e ErrSoulNotFoundByTokenRef) Error() string {
	return fmt.Sprintf("soul not found by token ref: %s", e.TokenRef)
}

func (e ErrSoulListed) Error() string {
	return fmt.Sprintf("soul %s is listed for sale", e.ID)
}

func (e ErrSoulNotListed) Error() string {
	return fmt.Sprintf("soul %s is not listed for sale", e.ID)
}

func (e ErrSoulBurned) Error() string {
	return fmt.Sprintf("soul %s has been burned", e.ID)
}

func (e ErrSoulNotMinted) Error() string {
	return fmt.Sprintf("soul %s has not been minted", e.ID)
}

func (e ErrSoulProgressConflict) Error() string {
	return fmt.Sprintf("soul %s progress changed concurrently (expected xp %d)", e.ID, e.ExpectedXP)
}

func (e ErrTokenRefAlreadyLinked) Error() string {
	return fmt.Sprintf("token ref %s is already linked to a soul", e.TokenRef)
}

func (e ErrInvalidPrice) Error() string {
	return fmt.Sprintf("invalid price: %d", e.Price)
}

// IsBurned returns true if the soul's ledger token no longer exists
func (s Soul) IsBurned() bool {
	return s.BurnedAt != nil
}

// CanTrain returns an error if the soul cannot currently receive experience
func (s Soul) CanTrain() error {
	if s.IsBurned() {
		return ErrSoulBurned{ID: s.ID}
	}
	if s.IsListed {
		return ErrSoulListed{ID: s.ID}
	}
	return nil
}

// Rank orders rarities from Common (0) to Mythic (3)
func (r Rarity) Rank() uint8 {
	return rarityRanks[r]
}

// IsValid returns true if r is a known rarity
func (r Rarity) IsValid() bool {
	_, ok := rarityRanks[r]
	return ok
}

// IsHigherThan returns true if r ranks above other
func (r Rarity) IsHigherThan(other Rarity) bool {
	return r.Rank() > other.Rank()
}

func (r Rarity) String() string {
	return string(r)
}

// Value implements the driver.Valuer interface for the Rarity type
func (r Rarity) Value() (driver.Value, error) {
	if r == "" {
		return RarityCommon.String(), nil
	}
	return r.String(), nil
}

// Scan implements the sql.Scanner interface for the Rarity type
func (r *Rarity) Scan(src interface{}) error {
	if src == nil {
		*r = RarityCommon
		return nil
	}
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("invalid rarity: %v - %T", src, src)
	}
	parsed, err := ParseRarity(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseRarity parses a rarity case-insensitively
func ParseRarity(s string) (Rarity, error) {
	for r := range rarityRanks {
		if strings.EqualFold(r.String(), s) {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown rarity: %q", s)
}
