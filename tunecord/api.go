package tunecord

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

// API is the backend ops server: health, live widget/cache state, and
// cache invalidation. It binds to localhost by default and carries no
// user-facing functionality.
type API struct {
	config     *APIConfig
	logger     *slog.Logger
	engine     *gin.Engine
	httpServer *http.Server
	bot        *Tunecord
}

func newAPI(bot *Tunecord, config *APIConfig, logger *slog.Logger) *API {
	api := &API{
		config: config,
		logger: logger.With(loggerNameKey, "api"),
		bot:    bot,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	if len(config.CORS.AllowOrigins) > 0 {
		engine.Use(cors.New(config.CORS.GINConfig()))
	}

	engine.GET("/healthz", api.handleHealth)
	apiGroup := engine.Group("/api")
	apiGroup.GET("/state", api.handleState)
	apiGroup.GET("/cache", api.handleCacheStats)
	apiGroup.POST("/cache/invalidate", api.handleCacheInvalidate)

	api.engine = engine
	api.httpServer = &http.Server{
		Handler:           engine,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	return api
}

func (a *API) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type botStateResponse struct {
	GatewayConnected bool `json:"gateway_connected"`
	LiveWidgets      int  `json:"live_widgets"`
	WidgetCapacity   int  `json:"widget_capacity"`
}

func (a *API) handleState(c *gin.Context) {
	c.JSON(
		http.StatusOK, botStateResponse{
			GatewayConnected: a.bot.discord.connected.Load(),
			LiveWidgets:      a.bot.registry.Len(),
			WidgetCapacity:   a.bot.registry.Capacity(),
		},
	)
}

func (a *API) handleCacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, a.bot.cache.Stats())
}

type cacheInvalidateRequest struct {
	Fingerprint string `json:"fingerprint" binding:"required"`
}

func (a *API) handleCacheInvalidate(c *gin.Context) {
	var req cacheInvalidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a.bot.cache.Invalidate(Fingerprint(req.Fingerprint))
	a.logger.Info("invalidated cache entry", "fingerprint", req.Fingerprint)
	c.Status(http.StatusNoContent)
}

// Serve runs the ops API until the context is cancelled, then shuts the
// server down gracefully.
func (a *API) Serve(ctx context.Context) error {
	listener, err := net.Listen(a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "ops api listening", "address", a.config.Listen)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- a.httpServer.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			5*time.Second,
		)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("ops api shutdown error", tint.Err(err))
			return err
		}
		return nil
	}
}
