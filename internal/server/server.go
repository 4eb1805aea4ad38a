package server

import (
	"context"
	"net/http"
	"time"

	"github.com/creditgate/creditgate/internal/config"
	"github.com/creditgate/creditgate/internal/connstate"
	directorydomain "github.com/creditgate/creditgate/internal/directory/domain"
	invitedomain "github.com/creditgate/creditgate/internal/invite/domain"
	ledgerdomain "github.com/creditgate/creditgate/internal/ledger/domain"
	"github.com/creditgate/creditgate/internal/observability"
	obsmiddleware "github.com/creditgate/creditgate/internal/observability/logger"
	obsmetrics "github.com/creditgate/creditgate/internal/observability/metrics"
	obstracing "github.com/creditgate/creditgate/internal/observability/tracing"
	pricingdomain "github.com/creditgate/creditgate/internal/pricing/domain"
	"github.com/creditgate/creditgate/internal/proxy"
	registrydomain "github.com/creditgate/creditgate/internal/registry/domain"
	"github.com/creditgate/creditgate/internal/signup"
	usagelogdomain "github.com/creditgate/creditgate/internal/usagelog/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics, m *obsmetrics.Metrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug: obsCfg.Debug(),
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(m.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics, m *obsmetrics.Metrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics, m)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
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
	engine      *gin.Engine
	cfg         config.Config
	proxySvc    *proxy.Service
	ledgerSvc   ledgerdomain.Service
	inviteSvc   invitedomain.Service
	pricingSvc  pricingdomain.Service
	registrySvc registrydomain.Service
	directory   directorydomain.Service
	usageSvc    usagelogdomain.Service
	signupSvc   *signup.Service
	tracker     *connstate.Tracker
	log         *zap.Logger
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	ProxySvc    *proxy.Service
	LedgerSvc   ledgerdomain.Service
	InviteSvc   invitedomain.Service
	PricingSvc  pricingdomain.Service
	RegistrySvc registrydomain.Service
	Directory   directorydomain.Service
	UsageSvc    usagelogdomain.Service
	SignupSvc   *signup.Service
	Tracker     *connstate.Tracker
	Log         *zap.Logger
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		proxySvc:    p.ProxySvc,
		ledgerSvc:   p.LedgerSvc,
		inviteSvc:   p.InviteSvc,
		pricingSvc:  p.PricingSvc,
		registrySvc: p.RegistrySvc,
		directory:   p.Directory,
		usageSvc:    p.UsageSvc,
		signupSvc:   p.SignupSvc,
		tracker:     p.Tracker,
		log:         p.Log.Named("server"),
	}

	svc.registerPublicRoutes()
	svc.registerAPIRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerPublicRoutes() {
	v1 := s.engine.Group("/v1")

	v1.POST("/invite-codes/validate", s.ValidateInviteCode)
	v1.POST("/invite-codes/redeem", s.Register)
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1", s.AuthRequired())

	v1.POST("/chat/completions", s.ChatCompletions)
	v1.GET("/models", s.ListModels)
	v1.GET("/status", s.BackendStatus)

	v1.GET("/credits/balance", s.GetBalance)
	v1.GET("/credits/transactions", s.ListTransactions)

	v1.GET("/usage/stats", s.GetOwnUsageStats)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/v1/admin", s.AuthRequired(), s.RequireAdmin())

	// -------- Credits --------
	admin.POST("/credits/add", s.AddCredits)
	admin.POST("/credits/adjust", s.AdjustCredits)
	admin.POST("/credits/set", s.SetCredits)
	admin.GET("/credits/:user_id/balance", s.GetUserBalance)
	admin.GET("/credits/:user_id/transactions", s.ListUserTransactions)

	// -------- Invite codes --------
	admin.GET("/invite-codes", s.ListInviteCodes)
	admin.POST("/invite-codes", s.CreateInviteCode)
	admin.GET("/invite-codes/:id", s.GetInviteCode)
	admin.PATCH("/invite-codes/:id", s.UpdateInviteCode)
	admin.DELETE("/invite-codes/:id", s.DeleteInviteCode)

	// -------- Pricing --------
	admin.GET("/pricing", s.ListPricingRules)
	admin.PUT("/pricing", s.SetPricingRule)
	admin.DELETE("/pricing/:id", s.DeletePricingRule)

	// -------- Model registry --------
	admin.GET("/models", s.AdminListModels)
	admin.POST("/models", s.UpsertModel)
	admin.PATCH("/models/:id/enabled", s.SetModelEnabled)
	admin.DELETE("/models/:id", s.DeleteModel)

	// -------- Usage --------
	admin.GET("/usage/stats", s.GetUsageStats)
}
