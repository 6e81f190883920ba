package postgres

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	migrate "github.com/dreammarket/go-dreammarket/db"
	"github.com/dreammarket/go-dreammarket/docker"
	"github.com/dreammarket/go-dreammarket/service/persist"
)

// setupTest starts a postgres container with migrations applied. Tests are skipped when
// docker is not available.
func setupTest(t *testing.T) (*sql.DB, *pgxpool.Pool) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	r, err := docker.StartPostgres()
	if err != nil {
		t.Skipf("docker unavailable: %s", err)
	}
	t.Cleanup(func() { r.Close() })

	hostAndPort := strings.Split(r.GetHostPort("5432/tcp"), ":")
	port, err := strconv.Atoi(hostAndPort[1])
	require.NoError(t, err)

	opts := []ConnectionOption{WithHost(hostAndPort[0]), WithPort(port), WithUser("postgres"), WithPassword("postgres"), WithDBName("postgres")}
	db := MustCreateClient(opts...)
	require.NoError(t, migrate.RunMigrations(db))
	pool := NewPgxClient(opts...)

	t.Cleanup(func() {
		pool.Close()
		db.Close()
	})
	return db, pool
}

func createMintedSoul(t *testing.T, ctx context.Context, repo *SoulRepository, serial int64) persist.Soul {
	t.Helper()
	soul, err := repo.Create(ctx, persist.SoulCreateInput{
		Name:           "Nova",
		Tagline:        "a curious soul",
		Skills:         persist.StringList{"poetry", "chess"},
		CreatorAccount: "0.0.2002",
	})
	require.NoError(t, err)

	ref := persist.NewTokenRef("0.0.5005", serial)
	err = repo.SetTokenRef(ctx, soul.ID, ref, "0.0.2002", persist.TransactionRecord{Type: persist.TransactionTypeMint, ToAccount: "0.0.2002", LedgerTxRef: "0xmint"})
	require.NoError(t, err)

	soul, err = repo.GetByID(ctx, soul.ID)
	require.NoError(t, err)
	return soul
}

func TestSoulRepository(t *testing.T) {
	db, pool := setupTest(t)
	repos := NewRepositories(db, pool)
	souls := repos.SoulRepository
	ctx := context.Background()

	t.Run("create starts at level one", func(t *testing.T) {
		soul, err := souls.Create(ctx, persist.SoulCreateInput{Name: "Echo", CreatorAccount: "0.0.2002"})
		require.NoError(t, err)
		assert.Equal(t, 1, soul.Level)
		assert.Equal(t, int64(0), soul.XP)
		assert.Equal(t, persist.RarityCommon, soul.Rarity)
		assert.False(t, soul.TokenRef.IsMinted())
		assert.Equal(t, persist.AccountID("0.0.2002"), soul.OwnerAccount)
		assert.Empty(t, soul.Skills)
	})

	t.Run("token ref is unique", func(t *testing.T) {
		first := createMintedSoul(t, ctx, souls, 1)
		assert.Equal(t, persist.TokenRef("0.0.5005:1"), first.TokenRef)
		assert.Equal(t, persist.StringList{"poetry", "chess"}, first.Skills)

		other, err := souls.Create(ctx, persist.SoulCreateInput{Name: "Dup", CreatorAccount: "0.0.2002"})
		require.NoError(t, err)
		err = souls.SetTokenRef(ctx, other.ID, first.TokenRef, "0.0.2002", persist.TransactionRecord{Type: persist.TransactionTypeMint})
		assert.ErrorAs(t, err, &persist.ErrTokenRefAlreadyLinked{})

		byRef, err := souls.GetByTokenRef(ctx, first.TokenRef)
		require.NoError(t, err)
		assert.Equal(t, first.ID, byRef.ID)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := souls.GetByID(ctx, "missing")
		assert.ErrorAs(t, err, &persist.ErrSoulNotFoundByID{})
		_, err = souls.GetByTokenRef(ctx, "0.0.5005:999")
		assert.ErrorAs(t, err, &persist.ErrSoulNotFoundByTokenRef{})
	})

	t.Run("progress update is compare and swap", func(t *testing.T) {
		soul := createMintedSoul(t, ctx, souls, 2)

		err := souls.UpdateProgress(ctx, soul.ID, persist.SoulProgressUpdateInput{ExpectedXP: 0, XP: 1200, Level: 10, Rarity: persist.RarityRare},
			&persist.EvolutionRecord{FromRarity: persist.RarityCommon, ToRarity: persist.RarityRare, Level: 10, XP: 1200})
		require.NoError(t, err)

		err = souls.UpdateProgress(ctx, soul.ID, persist.SoulProgressUpdateInput{ExpectedXP: 0, XP: 50, Level: 1, Rarity: persist.RarityCommon}, nil)
		assert.ErrorAs(t, err, &persist.ErrSoulProgressConflict{})

		updated, err := souls.GetByID(ctx, soul.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1200), updated.XP)
		assert.Equal(t, persist.RarityRare, updated.Rarity)

		count, err := repos.EvolutionRepository.CountByAsset(ctx, soul.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("concurrent progress updates have one winner", func(t *testing.T) {
		soul := createMintedSoul(t, ctx, souls, 3)
		var wg sync.WaitGroup
		errs := make([]error, 5)
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = souls.UpdateProgress(ctx, soul.ID, persist.SoulProgressUpdateInput{ExpectedXP: 0, XP: int64(10 * (i + 1)), Level: 1, Rarity: persist.RarityCommon}, nil)
			}(i)
		}
		wg.Wait()

		winners := 0
		for _, err := range errs {
			if err == nil {
				winners++
				continue
			}
			assert.ErrorAs(t, err, &persist.ErrSoulProgressConflict{})
		}
		assert.Equal(t, 1, winners)
	})

	t.Run("listed souls cannot train", func(t *testing.T) {
		soul := createMintedSoul(t, ctx, souls, 4)
		price := persist.Tinybar(50)

		assert.ErrorAs(t, souls.List(ctx, soul.ID, 0, persist.TransactionRecord{Type: persist.TransactionTypeList}), &persist.ErrInvalidPrice{})
		require.NoError(t, souls.List(ctx, soul.ID, price, persist.TransactionRecord{Type: persist.TransactionTypeList, Price: &price}))
		assert.ErrorAs(t, souls.List(ctx, soul.ID, price, persist.TransactionRecord{Type: persist.TransactionTypeList}), &persist.ErrSoulListed{})

		err := souls.UpdateProgress(ctx, soul.ID, persist.SoulProgressUpdateInput{ExpectedXP: 0, XP: 10, Level: 1, Rarity: persist.RarityCommon}, nil)
		assert.ErrorAs(t, err, &persist.ErrSoulListed{})

		require.NoError(t, souls.Delist(ctx, soul.ID, persist.TransactionRecord{Type: persist.TransactionTypeDelist}))
		assert.ErrorAs(t, souls.Delist(ctx, soul.ID, persist.TransactionRecord{Type: persist.TransactionTypeDelist}), &persist.ErrSoulNotListed{})

		err = souls.UpdateProgress(ctx, soul.ID, persist.SoulProgressUpdateInput{ExpectedXP: 0, XP: 10, Level: 1, Rarity: persist.RarityCommon}, nil)
		assert.NoError(t, err)
	})

	t.Run("transfer clears listing with its record", func(t *testing.T) {
		soul := createMintedSoul(t, ctx, souls, 5)
		price := persist.Tinybar(75)
		require.NoError(t, souls.List(ctx, soul.ID, price, persist.TransactionRecord{Type: persist.TransactionTypeList, Price: &price}))

		err := souls.TransferOwner(ctx, soul.ID, "0.0.3003", persist.TransactionRecord{Type: persist.TransactionTypeSale, FromAccount: "0.0.2002", ToAccount: "0.0.3003", Price: &price, LedgerTxRef: "0xsale"})
		require.NoError(t, err)

		updated, err := souls.GetByID(ctx, soul.ID)
		require.NoError(t, err)
		assert.Equal(t, persist.AccountID("0.0.3003"), updated.OwnerAccount)
		assert.False(t, updated.IsListed)
		assert.Nil(t, updated.Price)
		assert.Nil(t, updated.ListedAt)

		sale, err := repos.TransactionRepository.GetLatestByAssetAndType(ctx, soul.ID, persist.TransactionTypeSale)
		require.NoError(t, err)
		assert.Equal(t, "0xsale", sale.LedgerTxRef)
		require.NotNil(t, sale.Price)
		assert.Equal(t, price, *sale.Price)

		history, err := repos.TransactionRepository.GetByAsset(ctx, soul.ID)
		require.NoError(t, err)
		assert.Len(t, history, 3)

		_, err = repos.TransactionRepository.GetLatestByAssetAndType(ctx, soul.ID, persist.TransactionTypeBurn)
		assert.ErrorAs(t, err, &persist.ErrTransactionNotFound{})
	})

	t.Run("rarity lock", func(t *testing.T) {
		soul := createMintedSoul(t, ctx, souls, 6)
		require.NoError(t, souls.SetRarityLock(ctx, soul.ID, persist.RarityLegendary, true))
		updated, err := souls.GetByID(ctx, soul.ID)
		require.NoError(t, err)
		assert.True(t, updated.RarityLocked)
		assert.Equal(t, persist.RarityLegendary, updated.Rarity)
		assert.ErrorAs(t, souls.SetRarityLock(ctx, "missing", persist.RarityRare, false), &persist.ErrSoulNotFoundByID{})
	})

	t.Run("burned souls are skipped by the scanner", func(t *testing.T) {
		soul := createMintedSoul(t, ctx, souls, 7)
		require.NoError(t, souls.MarkBurned(ctx, soul.ID, persist.TransactionRecord{Type: persist.TransactionTypeBurn}))
		assert.ErrorAs(t, souls.MarkBurned(ctx, soul.ID, persist.TransactionRecord{Type: persist.TransactionTypeBurn}), &persist.ErrSoulBurned{})

		burned, err := souls.GetByID(ctx, soul.ID)
		require.NoError(t, err)
		assert.True(t, burned.IsBurned())

		var scanned []persist.Soul
		after := persist.DBID("")
		for {
			page, err := repos.SoulScanner.MintedSouls(ctx, after, 2)
			require.NoError(t, err)
			if len(page) == 0 {
				break
			}
			scanned = append(scanned, page...)
			after = page[len(page)-1].ID
		}
		for _, s := range scanned {
			assert.NotEqual(t, soul.ID, s.ID)
			assert.True(t, s.TokenRef.IsMinted())
		}
		assert.NotEmpty(t, scanned)
	})
}
