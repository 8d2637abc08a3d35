// Package checkupapi is the HTTP surface for doctors and admins: accounts,
// credit purchases, checkup intake and polling, and biopsy review.
package checkupapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/checkupledger/internal/blob"
	"github.com/MarkoPoloResearchLab/checkupledger/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey  = "auth_claims"
	accountContextKey = "ledger_account"
	unmatchedRoute    = "unmatched"
)

// Dependencies are the collaborators the API drives.
type Dependencies struct {
	Logger   *zap.Logger
	Service  *ledger.Service
	Blobs    blob.Store
	Registry *prometheus.Registry
}

// Run serves the API until ctx is cancelled.
func Run(ctx context.Context, cfg Config, deps Dependencies) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}
	router, err := setupRouter(cfg, deps, sessionValidator)
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		deps.Logger.Info("checkup api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			deps.Logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, deps Dependencies, validator *sessionvalidator.Validator) (*gin.Engine, error) {
	if deps.Service == nil {
		return nil, errors.New("checkupapi: service is required")
	}
	if deps.Blobs == nil {
		return nil, errors.New("checkupapi: blob store is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Registry == nil {
		deps.Registry = prometheus.NewRegistry()
	}
	metrics, err := newHTTPMetrics(deps.Registry)
	if err != nil {
		return nil, fmt.Errorf("register http metrics: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.MaxMultipartMemory = cfg.MaxUploadBytes
	router.Use(gin.Recovery())
	router.Use(metrics.middleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Idempotency-Key"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))

	handler := &httpHandler{
		logger:  deps.Logger,
		service: deps.Service,
		blobs:   deps.Blobs,
		cfg:     cfg,
	}

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))
	api.POST("/accounts", handler.handleOpenAccount)

	member := api.Group("")
	member.Use(handler.requireAccount)
	member.GET("/accounts/me", handler.handleCurrentAccount)
	member.GET("/balance", handler.handleBalance)
	member.POST("/purchases", handler.handlePurchase)
	member.GET("/transactions", handler.handleListTransactions)
	member.POST("/checkups", handler.handleSubmitCheckup)
	member.GET("/checkups/:id/results", handler.handlePollResults)
	member.POST("/checkups/:id/resubmit", handler.handleResubmitCheckup)
	member.POST("/biopsy-results", handler.handleAttachBiopsy)
	member.GET("/biopsy-results/:id", handler.handleGetBiopsy)
	member.POST("/biopsy-results/:id/verify", handler.handleVerifyBiopsy)
	member.POST("/biopsy-results/:id/reject", handler.handleRejectBiopsy)

	return router, nil
}

type httpHandler struct {
	logger  *zap.Logger
	service *ledger.Service
	blobs   blob.Store
	cfg     Config
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

// requireAccount resolves the ledger account of the session user.
func (handler *httpHandler) requireAccount(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	userID, err := ledger.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing user id"))
		return
	}
	account, err := handler.service.AccountForUser(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondError(ctx, err)
		ctx.Abort()
		return
	}
	ctx.Set(accountContextKey, account)
	ctx.Next()
}

func currentAccount(ctx *gin.Context) ledger.Account {
	value, _ := ctx.Get(accountContextKey)
	account, _ := value.(ledger.Account)
	return account
}

type httpMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

func newHTTPMetrics(registerer prometheus.Registerer) (*httpMetrics, error) {
	metrics := &httpMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "checkupledger",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "checkupledger",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	for _, collector := range []prometheus.Collector{metrics.requests, metrics.latency} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return metrics, nil
}

func (metrics *httpMetrics) middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		started := time.Now()
		ctx.Next()
		route := ctx.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		method := ctx.Request.Method
		metrics.requests.WithLabelValues(method, route, strconv.Itoa(ctx.Writer.Status())).Inc()
		metrics.latency.WithLabelValues(method, route).Observe(time.Since(started).Seconds())
	}
}
