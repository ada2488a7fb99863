package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/datacleanup/tally/internal/apikey"
	apikeydomain "github.com/datacleanup/tally/internal/apikey/domain"
	"github.com/datacleanup/tally/internal/clock"
	"github.com/datacleanup/tally/internal/cloudmetrics"
	"github.com/datacleanup/tally/internal/config"
	"github.com/datacleanup/tally/internal/ledger"
	ledgerdomain "github.com/datacleanup/tally/internal/ledger/domain"
	"github.com/datacleanup/tally/internal/observability"
	obsmiddleware "github.com/datacleanup/tally/internal/observability/logger"
	obsmetrics "github.com/datacleanup/tally/internal/observability/metrics"
	obstracing "github.com/datacleanup/tally/internal/observability/tracing"
	"github.com/datacleanup/tally/internal/payment"
	paymentdomain "github.com/datacleanup/tally/internal/payment/domain"
	"github.com/datacleanup/tally/internal/providers"
	"github.com/datacleanup/tally/internal/providers/pdf"
	"github.com/datacleanup/tally/internal/ratelimit"
	"github.com/datacleanup/tally/internal/replay"
	"github.com/datacleanup/tally/internal/reservation"
	reservationdomain "github.com/datacleanup/tally/internal/reservation/domain"
	"github.com/datacleanup/tally/internal/sweeper"
)

var Module = fx.Module("http.server",
	config.Module,
	cloudmetrics.Module,
	fx.Provide(registerGin),
	apikey.Module,
	ledger.Module,
	reservation.Module,
	payment.Module,
	providers.Module,
	ratelimit.Module,
	replay.Module,
	sweeper.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine         *gin.Engine
	cfg            config.Config
	db             *gorm.DB
	log            *zap.Logger
	clock          clock.Clock
	ledgerSvc      ledgerdomain.Service
	reservationSvc reservationdomain.Service
	paymentSvc     paymentdomain.Service
	apiKeySvc      apikeydomain.Service
	pdfProvider    pdf.Provider
	limiter        *ratelimit.Limiter
	replayStore    replay.Store
	obsMetrics     *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	DB             *gorm.DB
	Log            *zap.Logger
	Clock          clock.Clock
	LedgerSvc      ledgerdomain.Service
	ReservationSvc reservationdomain.Service
	PaymentSvc     paymentdomain.Service
	APIKeySvc      apikeydomain.Service
	PDFProvider    pdf.Provider
	Limiter        *ratelimit.Limiter  `optional:"true"`
	ReplayStore    replay.Store        `optional:"true"`
	ObsMetrics     *obsmetrics.Metrics `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		db:             p.DB,
		log:            p.Log.Named("server"),
		clock:          p.Clock,
		ledgerSvc:      p.LedgerSvc,
		reservationSvc: p.ReservationSvc,
		paymentSvc:     p.PaymentSvc,
		apiKeySvc:      p.APIKeySvc,
		pdfProvider:    p.PDFProvider,
		limiter:        p.Limiter,
		replayStore:    p.ReplayStore,
		obsMetrics:     p.ObsMetrics,
	}

	svc.registerAdminRoutes()
	svc.registerAPIRoutes()
	svc.registerWebhookRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// registerAdminRoutes mounts the operator surface: account lifecycle and
// key bootstrap, guarded by the shared admin token.
func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/v1", s.AdminTokenRequired())

	admin.POST("/accounts", s.CreateAccount)
	admin.POST("/accounts/:id/grants", s.GrantCredits)
	admin.POST("/accounts/:id/api-keys", s.CreateAPIKey)
	admin.GET("/accounts/:id/replay", s.ReplayLedger)
}

// registerAPIRoutes mounts the machine API. Everything here authenticates
// with an API key and counts against the account's plan limit.
func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1", s.APIKeyRequired(), s.RateLimitByPlan())

	api.GET("/accounts/:id/balance", s.RequireScope(apikeydomain.ScopeBalanceRead), s.GetBalance)
	api.GET("/accounts/:id/ledger", s.RequireScope(apikeydomain.ScopeBalanceRead), s.ListLedgerEntries)
	api.GET("/accounts/:id/statement", s.RequireScope(apikeydomain.ScopeBalanceRead), s.GetStatement)

	reservations := api.Group("/reservations", s.RequireScope(apikeydomain.ScopeReserve))
	if s.replayStore != nil {
		reservations.Use(replay.GinMiddleware(s.replayStore, s.log, s.obsMetrics))
	}
	reservations.POST("", s.Reserve)
	reservations.GET("/:id", s.GetReservation)
	reservations.POST("/:id/confirm", s.ConfirmReservation)
	reservations.POST("/:id/release", s.ReleaseReservation)

	api.GET("/api-keys", s.ListAPIKeys)
	api.POST("/api-keys/:key_id/rotate", s.RotateAPIKey)
	api.POST("/api-keys/:key_id/revoke", s.RevokeAPIKey)
}

// registerWebhookRoutes mounts provider deliveries. No API key: each
// adapter verifies the provider's own signature.
func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/v1/webhooks/:provider", s.HandlePaymentWebhook)
}
