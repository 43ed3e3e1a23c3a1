package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/orderflow/internal/alert"
	"github.com/smallbiznis/orderflow/internal/authorization"
	"github.com/smallbiznis/orderflow/internal/cart"
	cartservice "github.com/smallbiznis/orderflow/internal/cart/service"
	"github.com/smallbiznis/orderflow/internal/config"
	"github.com/smallbiznis/orderflow/internal/inboundevent"
	"github.com/smallbiznis/orderflow/internal/inventory"
	"github.com/smallbiznis/orderflow/internal/notification"
	"github.com/smallbiznis/orderflow/internal/observability"
	obsmiddleware "github.com/smallbiznis/orderflow/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/orderflow/internal/observability/metrics"
	obstracing "github.com/smallbiznis/orderflow/internal/observability/tracing"
	"github.com/smallbiznis/orderflow/internal/order"
	orderservice "github.com/smallbiznis/orderflow/internal/order/service"
	"github.com/smallbiznis/orderflow/internal/payment"
	"github.com/smallbiznis/orderflow/internal/payment/webhook"
	"github.com/smallbiznis/orderflow/internal/pricing"
	"github.com/smallbiznis/orderflow/internal/providers"
	"github.com/smallbiznis/orderflow/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	providers.Module,
	alert.Module,
	notification.Module,
	ratelimit.Module,
	authorization.Module,
	inboundevent.Module,
	inventory.Module,
	pricing.Module,
	cart.Module,
	order.Module,
	payment.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, log *zap.Logger, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(log, obsmiddleware.MiddlewareConfig{
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

func registerGin(obsCfg observability.Config, log *zap.Logger, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, log, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := strings.TrimSpace(cfg.HTTPAddr)
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", addr))
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
	engine     *gin.Engine
	cfg        config.Config
	log        *zap.Logger
	carts      *cartservice.Service
	orders     *orderservice.Service
	dispatcher *webhook.Dispatcher
	authzSvc   authorization.Service
	guard      *ratelimit.Guard
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	Log        *zap.Logger
	Carts      *cartservice.Service
	Orders     *orderservice.Service
	Dispatcher *webhook.Dispatcher
	AuthzSvc   authorization.Service
	Guard      *ratelimit.Guard `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		log:        p.Log.Named("http.server"),
		carts:      p.Carts,
		orders:     p.Orders,
		dispatcher: p.Dispatcher,
		authzSvc:   p.AuthzSvc,
		guard:      p.Guard,
	}

	svc.registerWebhookRoutes()
	svc.registerAPIRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/:provider", s.HandlePaymentWebhook)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")
	api.Use(s.OwnerIdentity())

	cart := api.Group("/cart")
	{
		cart.GET("", s.GetCart)
		cart.POST("/items", s.CartMutationRateLimit(), s.AddCartItem)
		cart.PATCH("/items/:variant_id", s.CartMutationRateLimit(), s.UpdateCartItem)
		cart.DELETE("/items/:variant_id", s.CartMutationRateLimit(), s.RemoveCartItem)
		cart.POST("/merge", s.CartMutationRateLimit(), s.MergeCart)
		cart.POST("/validate", s.ValidateCart)
	}

	orders := api.Group("/orders")
	{
		orders.GET("/:id", s.authorizeCustomer(authorization.ActionOrderView), s.GetOrder)
		orders.POST("/:id/cancel", s.authorizeCustomer(authorization.ActionOrderCancel), s.CancelOrder)
		orders.POST("/:id/refund-request", s.authorizeCustomer(authorization.ActionOrderRequestRefund), s.RequestOrderRefund)
	}
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin")

	admin.GET("/orders", s.authorizeActorRole(authorization.ActionOrderView), s.ListOrders)
	admin.GET("/orders/:id", s.authorizeActorRole(authorization.ActionOrderView), s.AdminGetOrder)
	admin.POST("/orders/:id/status", s.authorizeActorRole(authorization.ActionOrderUpdateStatus), s.UpdateOrderStatus)
}
