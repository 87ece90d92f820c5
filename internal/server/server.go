package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	apikeydomain "github.com/campusfund/creditledger/internal/apikey/domain"
	auditdomain "github.com/campusfund/creditledger/internal/audit/domain"
	"github.com/campusfund/creditledger/internal/authorization"
	"github.com/campusfund/creditledger/internal/config"
	ledgerdomain "github.com/campusfund/creditledger/internal/ledger/domain"
	"github.com/campusfund/creditledger/internal/observability"
	obsmiddleware "github.com/campusfund/creditledger/internal/observability/logger"
	obsmetrics "github.com/campusfund/creditledger/internal/observability/metrics"
	obstracing "github.com/campusfund/creditledger/internal/observability/tracing"
	"github.com/campusfund/creditledger/internal/providers/pdf"
	purchasedomain "github.com/campusfund/creditledger/internal/purchase/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
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
		Addr:    ":" + cfg.HTTPPort,
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
	engine        *gin.Engine
	cfg           config.Config
	db            *gorm.DB
	ledgerSvc     ledgerdomain.Service
	purchaseSvc   purchasedomain.Service
	apiKeySvc     apikeydomain.Service
	apiKeyLimiter *rateLimiter
	authzSvc      authorization.Service
	auditSvc      auditdomain.Service
	pdfProvider   pdf.Provider
	obsMetrics    *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	DB          *gorm.DB
	LedgerSvc   ledgerdomain.Service
	PurchaseSvc purchasedomain.Service
	APIKeySvc   apikeydomain.Service
	AuthzSvc    authorization.Service
	AuditSvc    auditdomain.Service
	PDFProvider pdf.Provider
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		db:            p.DB,
		ledgerSvc:     p.LedgerSvc,
		purchaseSvc:   p.PurchaseSvc,
		apiKeySvc:     p.APIKeySvc,
		apiKeyLimiter: newRateLimiter(5, 10*time.Minute),
		authzSvc:      p.AuthzSvc,
		auditSvc:      p.AuditSvc,
		pdfProvider:   p.PDFProvider,
		obsMetrics:    p.ObsMetrics,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1")

	// -------- Ledger --------
	ledger := v1.Group("/ledger")
	ledger.POST("/debit", s.APIKeyRequired(), s.authorizeAction(authorization.ObjectLedger, authorization.ActionLedgerDebit), s.Debit)
	ledger.POST("/credit", s.APIKeyRequired(), s.authorizeAction(authorization.ObjectLedger, authorization.ActionLedgerCredit), s.Credit)
	ledger.POST("/adjustments", s.APIKeyRequired(), s.authorizeAction(authorization.ObjectLedger, authorization.ActionLedgerAdjust), s.Adjust)
	ledger.GET("/:user_id/balance", s.APIKeyRequired(), s.authorizeAction(authorization.ObjectLedger, authorization.ActionLedgerRead), s.GetBalance)
	ledger.GET("/:user_id/history", s.APIKeyRequired(), s.authorizeAction(authorization.ObjectLedger, authorization.ActionLedgerRead), s.GetHistory)

	// -------- Documents --------
	ledger.GET("/:user_id/statement.pdf", s.APIKeyRequired(), s.authorizeAction(authorization.ObjectDocuments, authorization.ActionDocumentsView), s.GetStatementPDF)
	ledger.GET("/entries/:entry_id/receipt.pdf", s.APIKeyRequired(), s.authorizeAction(authorization.ObjectDocuments, authorization.ActionDocumentsView), s.GetReceiptPDF)

	// -------- Payment Webhooks --------
	v1.POST("/webhooks/payments", s.APIKeyRequired(), s.authorizeAction(authorization.ObjectLedger, authorization.ActionLedgerCredit), s.HandlePaymentWebhook)

	// -------- API Keys --------
	apikeys := v1.Group("/apikeys")
	apikeys.GET("", s.APIKeyRequired(), s.authorizeAction(authorization.ObjectAPIKey, authorization.ActionAPIKeyView), s.ListAPIKeys)
	apikeys.GET("/scopes", s.APIKeyRequired(), s.authorizeAction(authorization.ObjectAPIKey, authorization.ActionAPIKeyView), s.ListAPIKeyScopes)
	apikeys.POST("", s.APIKeyRequired(), s.authorizeAction(authorization.ObjectAPIKey, authorization.ActionAPIKeyCreate), s.CreateAPIKey)
	apikeys.POST("/:key_id/rotate", s.APIKeyRequired(), s.authorizeAction(authorization.ObjectAPIKey, authorization.ActionAPIKeyRotate), s.RotateAPIKey)
	apikeys.DELETE("/:key_id", s.APIKeyRequired(), s.authorizeAction(authorization.ObjectAPIKey, authorization.ActionAPIKeyRevoke), s.RevokeAPIKey)

	// -------- Audit Logs --------
	v1.GET("/audit-logs", s.APIKeyRequired(), s.authorizeAction(authorization.ObjectAuditLog, authorization.ActionAuditLogView), s.ListAuditLogs)

	if s.cfg.Environment != "production" {
		v1.POST("/test/cleanup", s.TestCleanup)
	}
}
