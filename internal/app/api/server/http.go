package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/meridianpress/entitlements/internal/app/api/handlers"
	mw "github.com/meridianpress/entitlements/internal/app/api/middleware"
	entsvc "github.com/meridianpress/entitlements/internal/app/service/entitlement"
	notifsvc "github.com/meridianpress/entitlements/internal/app/service/notification"
	"github.com/meridianpress/entitlements/internal/app/service/paymentevents"
	recsvc "github.com/meridianpress/entitlements/internal/app/service/reconcile"
	"github.com/meridianpress/entitlements/internal/app/service/statistics"
	cfgpkg "github.com/meridianpress/entitlements/pkg/config"
	metrics "github.com/meridianpress/entitlements/pkg/metrics"
)

func newEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	// Add request tracing middleware only; request logger & access log are attached per group in registerRoutes
	r.Use(mw.TraceMiddleware())
	return r
}

func registerRoutes(
	r *gin.Engine,
	log *zap.SugaredLogger,
	cfg *cfgpkg.Config,
	ent *entsvc.Service,
	rec *recsvc.Service,
	notif *notifsvc.Service,
	payments *paymentevents.Service,
	stats *statistics.Service,
) {
	// Prometheus metrics
	if cfg != nil && cfg.MetricsAddr != "" {
		p := metrics.NewPrometheus(metrics.NewPrometheusOptions{
			ReqCntURLLabelMappingFn: func(c *gin.Context) string {
				if fp := c.FullPath(); fp != "" {
					return fp
				}
				return c.Request.URL.Path
			},
			Logger: log,
		})
		p.SetListenAddress(cfg.MetricsAddr)
		p.Use(r)

		log.Infow("metrics started", "addr", cfg.MetricsAddr)
	}
	// Public group: request logger + access log
	pub := r.Group("/")
	pub.Use(mw.RequestLoggerMiddleware(log), mw.AccessLogMiddleware())
	handlers.RegisterHealthRoutes(pub)

	// User-facing entitlement and notification APIs. Identity arrives
	// already authenticated from the session collaborator upstream.
	apiV1 := r.Group("/api/v1")
	apiV1.Use(mw.RequestLoggerMiddleware(log), mw.AccessLogMiddleware())
	handlers.RegisterEntitlementRoutes(apiV1, ent, rec)
	handlers.RegisterNotificationRoutes(apiV1, notif)

	// Operator APIs
	handlers.RegisterAdminRoutes(apiV1.Group("/admin"), ent, rec, notif, stats)

	// Payment collaborator webhook
	payment := r.Group("/api/v1/payment")
	payment.Use(mw.RequestLoggerMiddleware(log), mw.AccessLogMiddleware())
	handlers.RegisterPaymentWebhookRoutes(payment, payments, log)
}

func runServer(lc fx.Lifecycle, log *zap.SugaredLogger, cfg *cfgpkg.Config, r *gin.Engine) {
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Infow("starting HTTP server", "addr", addr)
			go func() {
				if err := srv.ListenAndServe(); err != nil {
					log.Errorf("server error: %v", err)
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Infow("stopping HTTP server")
			shutdownCtx, cancel := context.WithTimeout(ctx, 120*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

var Module = fx.Options(
	fx.Provide(newEngine),
	fx.Invoke(registerRoutes),
	fx.Invoke(runServer),
)
