package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/ticktalk/internal/config"
	"github.com/energizer-project/ticktalk/internal/db"
	intnet "github.com/energizer-project/ticktalk/internal/network"
	"github.com/energizer-project/ticktalk/internal/server"
	"github.com/energizer-project/ticktalk/internal/telemetry"
	"github.com/energizer-project/ticktalk/internal/util"
)

// Broker is the part of the chat broker the API reads and controls.
type Broker interface {
	Snapshot() *server.Snapshot
	Kick(clientID uint32) error
	Notice(message string) error
}

// Server is the admin REST API server.
type Server struct {
	cfg    *config.Config
	broker Broker

	// Optional dependencies
	lag      *server.LagMonitor
	sessions *db.SessionStore
	metrics  *telemetry.Metrics

	started    time.Time
	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, broker Broker) *Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	return &Server{
		cfg:     cfg,
		broker:  broker,
		started: time.Now(),
	}
}

// SetDependencies injects the optional components. Any of them may be nil.
func (s *Server) SetDependencies(lag *server.LagMonitor, sessions *db.SessionStore, metrics *telemetry.Metrics) {
	s.lag = lag
	s.sessions = sessions
	s.metrics = metrics
}

// Handler returns the router, building it on first use.
func (s *Server) Handler() http.Handler {
	if s.router == nil {
		s.router = s.buildRouter()
	}
	return s.router
}

// Start binds the API address and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	apiCfg := s.cfg.API
	addr := apiCfg.ListenAddr()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if apiCfg.TLSEnabled {
		generated, err := util.EnsureSelfSignedCert(apiCfg.TLSCertFile, apiCfg.TLSKeyFile, apiCfg.Address)
		if err != nil {
			return fmt.Errorf("API TLS setup failed: %w", err)
		}
		if generated {
			log.Warn().Str("cert", apiCfg.TLSCertFile).Msg("generated self-signed API certificate")
		}
		cert, err := tls.LoadX509KeyPair(apiCfg.TLSCertFile, apiCfg.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("failed to load API certificate: %w", err)
		}
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
	}

	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", addr).Bool("tls", apiCfg.TLSEnabled).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if s.httpServer.TLSConfig != nil {
		err = s.httpServer.Serve(tls.NewListener(ln, s.httpServer.TLSConfig))
	} else {
		err = s.httpServer.Serve(ln)
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	apiCfg := s.cfg.API
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := apiCfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.Use(NewRateLimiter(apiCfg.RateLimitRPS).Middleware())

	// ---- Public endpoints ----
	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/server_info", s.handleGetServerInfo)
	}

	protected := router.Group("/api")
	protected.Use(RequireToken(apiCfg.Token))

	monitor := protected.Group("/monitor")
	{
		monitor.GET("/clients", s.handleGetClients)
		monitor.GET("/clients/:id", s.handleGetClient)
		monitor.GET("/stats", s.handleGetStats)
		monitor.GET("/tick_lag", s.handleGetTickLag)
		monitor.GET("/sessions", s.handleGetSessions)
	}

	control := protected.Group("/control")
	{
		control.POST("/kick/:id", s.handleKick)
		control.POST("/notice", s.handleNotice)
	}

	if apiCfg.EnableMetrics && s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "ticktalkd admin API is running"})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
