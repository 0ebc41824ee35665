// Package api exposes the orchestration core over HTTP. It is a thin
// translation layer: JSON in, dispatcher call, JSON out.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/keepwallet/vaultd"
)

// Server serves the REST surface over the dispatcher and session managers.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server

	dispatcher *vaultd.Dispatcher
	registry   *vaultd.Registry
	cache      *vaultd.DerivationCache
	pin        *vaultd.PinManager
	recovery   *vaultd.RecoveryManager
}

// NewServer wires the routes. Run starts listening.
func NewServer(addr string, dispatcher *vaultd.Dispatcher, registry *vaultd.Registry, cache *vaultd.DerivationCache, pin *vaultd.PinManager, recovery *vaultd.RecoveryManager) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{
		router:     router,
		dispatcher: dispatcher,
		registry:   registry,
		cache:      cache,
		pin:        pin,
		recovery:   recovery,
	}
	s.routes()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/devices", s.handleListDevices)
	s.router.GET("/responses/:request_id", s.handleResponse)

	addresses := s.router.Group("/addresses")
	{
		addresses.POST("/utxo", s.handleAddress(vaultd.NetworkUTXO))
		addresses.POST("/eth", s.handleAddress(vaultd.NetworkEthereum))
		addresses.POST("/cosmos", s.handleAddress(vaultd.NetworkCosmos))
		addresses.POST("/osmosis", s.handleAddress(vaultd.NetworkOsmosis))
		addresses.POST("/thorchain", s.handleAddress(vaultd.NetworkThorchain))
		addresses.POST("/mayachain", s.handleAddress(vaultd.NetworkMayachain))
		addresses.POST("/xrp", s.handleAddress(vaultd.NetworkXRP))
		addresses.POST("/binance", s.handleAddress(vaultd.NetworkBinance))
		addresses.POST("/xpub", s.handleXpub)
	}

	system := s.router.Group("/system")
	{
		system.POST("/ping", s.handlePing)
		system.POST("/get-features", s.handleGetFeatures)
		system.POST("/info/get-entropy", s.handleGetEntropy)
		system.POST("/info/get-public-key", s.handleGetPublicKey)
		system.POST("/apply-settings", s.handleApplySettings)
		system.POST("/clear-session", s.handleClearSession)
		system.POST("/wipe-device", s.handleWipeDevice)
	}

	s.router.POST("/utxo/sign-transaction", s.handleSignTransaction)

	pin := s.router.Group("/pin")
	{
		pin.POST("/create", s.handlePinCreate)
		pin.POST("/unlock", s.handlePinUnlock)
		pin.GET("/:session_id", s.handlePinSession)
		pin.POST("/:session_id/positions", s.handlePinPositions)
		pin.POST("/:session_id/cancel", s.handlePinCancel)
	}

	recovery := s.router.Group("/recovery")
	{
		recovery.POST("/start", s.handleRecoveryStart)
		recovery.POST("/verify", s.handleRecoveryVerify)
		recovery.GET("/:session_id", s.handleRecoverySession)
		recovery.POST("/:session_id/character", s.handleRecoveryCharacter)
		recovery.POST("/:session_id/pin", s.handleRecoveryPin)
		recovery.POST("/:session_id/cancel", s.handleRecoveryCancel)
	}

	cache := s.router.Group("/cache/:device_id")
	{
		cache.GET("/status", s.handleCacheStatus)
		cache.POST("/clear", s.handleCacheClear)
		cache.POST("/frontload", s.handleCacheFrontload)
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
		errCh <- s.httpServer.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if pkgerrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return pkgerrors.Wrap(err, "http serve")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return pkgerrors.Wrap(err, "http shutdown")
		}
		return nil
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	}
}
