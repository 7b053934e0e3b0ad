// Package api is the HTTP and WebSocket façade over the bot fleet. It
// adapts the manager, the controller, the memory store and the tool surface
// into the stable route shape the dashboard and the agents consume.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"binance-bot-fleet/internal/auth"
	"binance-bot-fleet/internal/autopilot"
	"binance-bot-fleet/internal/bot"
	"binance-bot-fleet/internal/candles"
	"binance-bot-fleet/internal/database"
	"binance-bot-fleet/internal/events"
	"binance-bot-fleet/internal/exchange"
	"binance-bot-fleet/internal/memory"
	"binance-bot-fleet/internal/strategy"
	"binance-bot-fleet/internal/tools"
)

// Storage is the read/health surface the façade needs from persistence.
type Storage interface {
	HealthCheck(ctx context.Context) error
	ListTradeHistory(ctx context.Context, limit, offset int) ([]*database.TradeRecord, error)
}

// Config holds the listener settings and the bot-creation defaults applied
// when a start request omits them.
type Config struct {
	Host        string
	Port        int
	CORSOrigins []string
	Production  bool

	DefaultStrategy string
	DefaultSymbol   string
	DefaultAmount   float64
	MaxPositionSize float64 // 0 means uncapped
}

// Deps are the subsystems the façade exposes.
type Deps struct {
	Manager    *bot.Manager
	Controller *autopilot.Controller
	Strategies *strategy.Registry
	Tools      *tools.Registry
	Tracker    *candles.Tracker
	Memory     *memory.Store
	Exchange   exchange.Client
	Storage    Storage
	Bus        *events.Bus
	Auth       *auth.Manager
}

// RateLimiter is a fixed-window in-memory limiter keyed by client IP.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a limiter allowing limit requests per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow reports whether another request from key fits in the window.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	windowStart := time.Now().Add(-r.window)
	recent := r.requests[key][:0]
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}
	r.requests[key] = append(recent, time.Now())
	return true
}

// Server is the façade HTTP server.
type Server struct {
	cfg        Config
	deps       Deps
	router     *gin.Engine
	httpServer *http.Server
	hub        *Hub
	limiter    *RateLimiter
	log        zerolog.Logger
}

// NewServer builds the router and the WebSocket hub. Call Start to listen.
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.Production {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.CORSOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.CORSOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		router:  router,
		hub:     NewHub(deps.Bus),
		limiter: NewRateLimiter(300, time.Minute),
		log:     log.With().Str("component", "api").Logger(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(s.rateLimit())
	if s.deps.Auth != nil {
		s.router.Use(auth.Middleware(s.deps.Auth))
	}

	api := s.router.Group("/api")
	{
		api.GET("/bot/status", s.handleBotStatus)
		api.POST("/bot/start", s.handleBotStart)
		api.POST("/bot/stop/:bot_id", s.handleBotStop)
		api.GET("/bots", s.handleListBots)
		api.GET("/bots/:bot_id/candles", s.handleBotCandles)

		api.GET("/trades", s.handleTrades)

		api.GET("/memory/:agent", s.handleMemory)
		api.GET("/memory/:agent/:sub", s.handleMemorySub)
		api.GET("/memory/:agent/:sub/:leaf", s.handleMemoryLeaf)

		api.GET("/market/volatile", s.handleVolatileMarket)
		api.GET("/strategies", s.handleStrategies)

		api.GET("/mcp/tools", s.handleListTools)
		api.POST("/mcp/tools/:name", s.handleInvokeTool)

		api.GET("/health", s.handleHealth)
	}

	s.router.GET("/ws", s.hub.Serve)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error_kind": "ERR_RATE_LIMITED",
				"message":    "too many requests",
			})
			return
		}
		c.Next()
	}
}

// Start runs the hub and the listener. Blocks until the listener stops.
func (s *Server) Start() error {
	s.hub.Run()
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info().Str("addr", addr).Msg("api listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and closes WebSocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }
