package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/getsentry/sentry-go"
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/dreammarket/go-dreammarket/service/ledger"
	"github.com/dreammarket/go-dreammarket/service/logger"
	"github.com/dreammarket/go-dreammarket/service/persist"
	"github.com/dreammarket/go-dreammarket/service/reconcile"
	"github.com/dreammarket/go-dreammarket/service/registry"
	sentryutil "github.com/dreammarket/go-dreammarket/service/sentry"
	"github.com/dreammarket/go-dreammarket/service/throttle"
	"github.com/dreammarket/go-dreammarket/util"
)

// Reconciler is the set of workflows exposed over http
type Reconciler interface {
	MintSoul(ctx context.Context, in persist.SoulCreateInput) (reconcile.MintResult, error)
	Train(ctx context.Context, soulID persist.DBID, delta int64) (reconcile.TrainResult, error)
	ListAsset(ctx context.Context, soulID persist.DBID, price persist.Tinybar) error
	DelistAsset(ctx context.Context, soulID persist.DBID) error
	Purchase(ctx context.Context, soulID persist.DBID, buyer persist.AccountID, ledgerTxRef string) (reconcile.TransferResult, error)
	RepairOwnership(ctx context.Context, soulID persist.DBID) (reconcile.RepairResult, error)
	ReplayStats(ctx context.Context, soulID persist.DBID) (registry.Result, error)
	BurnSoul(ctx context.Context, soulID persist.DBID) (ledger.Receipt, error)
}

// SoulGetter reads souls from the cache
type SoulGetter interface {
	GetByID(ctx context.Context, id persist.DBID) (persist.Soul, error)
}

// History reads the transaction log and evolution history of souls
type History struct {
	Transactions persist.TransactionRepository
	Evolutions   persist.EvolutionRepository
}

type soulIDInput struct {
	ID persist.DBID `uri:"id" binding:"required"`
}

type mintSoulInput struct {
	Name           string            `json:"name" binding:"required,max=100"`
	Tagline        string            `json:"tagline" binding:"max=200"`
	Personality    string            `json:"personality"`
	Skills         []string          `json:"skills" binding:"max=32,dive,max=64"`
	CreatorAccount persist.AccountID `json:"creator_account" binding:"required,ledger_account"`
}

type latestTransactionInput struct {
	Type persist.TransactionType `form:"type" binding:"required,oneof=mint list delist sale transfer burn"`
}

type trainInput struct {
	XP int64 `json:"xp" binding:"gte=0,lte=1000000000"`
}

type listInput struct {
	Price persist.Tinybar `json:"price" binding:"required,gt=0"`
}

type purchaseInput struct {
	Buyer       persist.AccountID `json:"buyer" binding:"required,ledger_account"`
	LedgerTxRef string            `json:"ledger_tx_ref"`
}

func handlersInit(router *gin.Engine, engine Reconciler, souls SoulGetter, history History) *gin.Engine {
	registerValidators()

	router.GET("/alive", util.HealthCheckHandler())

	soulsGroup := router.Group("/souls")
	soulsGroup.POST("", mintSoul(engine))
	soulsGroup.GET("/:id", getSoul(souls))
	soulsGroup.GET("/:id/transactions", getTransactions(souls, history.Transactions))
	soulsGroup.GET("/:id/transactions/latest", getLatestTransaction(souls, history.Transactions))
	soulsGroup.GET("/:id/evolutions", getEvolutions(souls, history.Evolutions))
	soulsGroup.POST("/:id/train", trainSoul(engine))
	soulsGroup.POST("/:id/list", listSoul(engine, souls))
	soulsGroup.POST("/:id/delist", delistSoul(engine, souls))
	soulsGroup.POST("/:id/purchase", purchaseSoul(engine))
	soulsGroup.POST("/:id/repair", repairSoul(engine))
	soulsGroup.POST("/:id/replay-stats", replayStats(engine))
	soulsGroup.POST("/:id/burn", burnSoul(engine))

	return router
}

func registerValidators() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterValidation("ledger_account", func(fl validator.FieldLevel) bool {
			return persist.AccountID(fl.Field().String()).Valid()
		})
	}
}

func mintSoul(engine Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input mintSoulInput
		if err := c.ShouldBindJSON(&input); err != nil {
			util.ErrResponse(c, http.StatusBadRequest, err)
			return
		}

		res, err := engine.MintSoul(c.Request.Context(), persist.SoulCreateInput{
			Name:           input.Name,
			Tagline:        input.Tagline,
			Personality:    input.Personality,
			Skills:         input.Skills,
			CreatorAccount: input.CreatorAccount,
		})
		if err != nil {
			// a soul that was minted but not delivered still exists and is reported
			if res.TokenRef.IsMinted() {
				c.Error(err)
				c.JSON(http.StatusAccepted, res)
				return
			}
			errResponse(c, err)
			return
		}
		c.JSON(http.StatusCreated, res)
	}
}

func getSoul(souls SoulGetter) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := bindSoulID(c)
		if !ok {
			return
		}
		soul, err := souls.GetByID(c.Request.Context(), id)
		if err != nil {
			errResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, soul)
	}
}

func getTransactions(souls SoulGetter, transactions persist.TransactionRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := bindExistingSoulID(c, souls)
		if !ok {
			return
		}
		records, err := transactions.GetByAsset(c.Request.Context(), id)
		if err != nil {
			errResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"transactions": records})
	}
}

func getLatestTransaction(souls SoulGetter, transactions persist.TransactionRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input latestTransactionInput
		if err := c.ShouldBindQuery(&input); err != nil {
			util.ErrResponse(c, http.StatusBadRequest, err)
			return
		}
		id, ok := bindExistingSoulID(c, souls)
		if !ok {
			return
		}
		record, err := transactions.GetLatestByAssetAndType(c.Request.Context(), id, input.Type)
		if err != nil {
			errResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, record)
	}
}

func getEvolutions(souls SoulGetter, evolutions persist.EvolutionRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := bindExistingSoulID(c, souls)
		if !ok {
			return
		}
		records, err := evolutions.GetByAsset(c.Request.Context(), id)
		if err != nil {
			errResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"evolutions": records})
	}
}

func trainSoul(engine Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := bindSoulID(c)
		if !ok {
			return
		}
		var input trainInput
		if err := c.ShouldBindJSON(&input); err != nil {
			util.ErrResponse(c, http.StatusBadRequest, err)
			return
		}
		res, err := engine.Train(c.Request.Context(), id, input.XP)
		if err != nil {
			errResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func listSoul(engine Reconciler, souls SoulGetter) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := bindSoulID(c)
		if !ok {
			return
		}
		var input listInput
		if err := c.ShouldBindJSON(&input); err != nil {
			util.ErrResponse(c, http.StatusBadRequest, err)
			return
		}
		if err := engine.ListAsset(c.Request.Context(), id, input.Price); err != nil {
			errResponse(c, err)
			return
		}
		respondWithSoul(c, souls, id)
	}
}

func delistSoul(engine Reconciler, souls SoulGetter) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := bindSoulID(c)
		if !ok {
			return
		}
		if err := engine.DelistAsset(c.Request.Context(), id); err != nil {
			errResponse(c, err)
			return
		}
		respondWithSoul(c, souls, id)
	}
}

func purchaseSoul(engine Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := bindSoulID(c)
		if !ok {
			return
		}
		var input purchaseInput
		if err := c.ShouldBindJSON(&input); err != nil {
			util.ErrResponse(c, http.StatusBadRequest, err)
			return
		}
		res, err := engine.Purchase(c.Request.Context(), id, input.Buyer, input.LedgerTxRef)
		if err != nil {
			errResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func repairSoul(engine Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := bindSoulID(c)
		if !ok {
			return
		}
		res, err := engine.RepairOwnership(c.Request.Context(), id)
		if err != nil {
			errResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func replayStats(engine Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := bindSoulID(c)
		if !ok {
			return
		}
		res, err := engine.ReplayStats(c.Request.Context(), id)
		if err != nil {
			errResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func burnSoul(engine Reconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := bindSoulID(c)
		if !ok {
			return
		}
		receipt, err := engine.BurnSoul(c.Request.Context(), id)
		if err != nil {
			errResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, receipt)
	}
}

func bindSoulID(c *gin.Context) (persist.DBID, bool) {
	var input soulIDInput
	if err := c.ShouldBindUri(&input); err != nil {
		util.ErrResponse(c, http.StatusBadRequest, err)
		return "", false
	}
	return input.ID, true
}

// bindExistingSoulID binds the soul id and answers 404 for souls the cache does not know, so
// that an unknown soul is not reported with an empty history
func bindExistingSoulID(c *gin.Context, souls SoulGetter) (persist.DBID, bool) {
	id, ok := bindSoulID(c)
	if !ok {
		return "", false
	}
	if _, err := souls.GetByID(c.Request.Context(), id); err != nil {
		errResponse(c, err)
		return "", false
	}
	return id, true
}

func respondWithSoul(c *gin.Context, souls SoulGetter, id persist.DBID) {
	soul, err := souls.GetByID(c.Request.Context(), id)
	if err != nil {
		errResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, soul)
}

// errResponse maps a workflow error onto an http status
func errResponse(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		c.Error(err)
	}
	util.ErrResponse(c, status, err)
}

func statusFor(err error) int {
	var (
		notFoundByID   persist.ErrSoulNotFoundByID
		notFoundByRef  persist.ErrSoulNotFoundByTokenRef
		noTransaction  persist.ErrTransactionNotFound
		listed         persist.ErrSoulListed
		notListed      persist.ErrSoulNotListed
		burned         persist.ErrSoulBurned
		notMinted      persist.ErrSoulNotMinted
		alreadyLinked  persist.ErrTokenRefAlreadyLinked
		invalidPrice   persist.ErrInvalidPrice
		invalidInput   reconcile.ErrInvalidInput
		divergence     reconcile.ErrConsistencyDivergence
		concurrent     reconcile.ErrConcurrentUpdate
		notTreasury    reconcile.ErrNotTreasuryOwned
		faulted        reconcile.ErrTransferFaulted
		throttleLocked throttle.ErrThrottleLocked
	)
	switch {
	case errors.As(err, &notFoundByID), errors.As(err, &notFoundByRef), errors.As(err, &noTransaction):
		return http.StatusNotFound
	case errors.As(err, &invalidInput), errors.As(err, &invalidPrice):
		return http.StatusBadRequest
	case errors.As(err, &faulted):
		return http.StatusBadGateway
	case errors.As(err, &throttleLocked):
		return http.StatusTooManyRequests
	case errors.As(err, &listed), errors.As(err, &notListed), errors.As(err, &burned), errors.As(err, &notMinted),
		errors.As(err, &alreadyLinked), errors.As(err, &divergence), errors.As(err, &concurrent), errors.As(err, &notTreasury):
		return http.StatusConflict
	}
	if _, ok := ledger.AsLedgerError(err); ok {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// hubToRequestContext makes the request's sentry hub visible to code that only sees the
// request context
func hubToRequestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		if hub := sentrygin.GetHubFromContext(c); hub != nil {
			ctx := sentry.SetHubOnContext(c.Request.Context(), hub)
			ctx = logger.NewContextWithFields(ctx, logrus.Fields{"path": c.FullPath(), "method": c.Request.Method})
			c.Request = c.Request.WithContext(ctx)
		}
		c.Next()
	}
}

// errLogger logs and reports errors attached to the gin context
func errLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		for _, err := range c.Errors {
			logger.For(c.Request.Context()).WithError(err.Err).WithField("status", c.Writer.Status()).Error("request failed")
			sentryutil.ReportError(c.Request.Context(), err.Err)
		}
	}
}
