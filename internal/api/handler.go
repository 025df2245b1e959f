package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"hft-core/internal/balance"
	"hft-core/internal/events"
	"hft-core/internal/history"
	"hft-core/internal/monitor"
	"hft-core/internal/queue"
)

// Server exposes the balance and history read/write surface plus pipeline introspection.
type Server struct {
	Router    *gin.Engine
	Bus       *events.Bus
	Ledger    *balance.Ledger
	History   *history.Sink
	Metrics   *monitor.PipelineMetrics
	Queues    []*queue.Queue
	Channel   string
	JWTSecret string
	Logger    *logrus.Logger
	Meta      SystemMeta

	limiters *limiterStore
}

// SystemMeta describes runtime status exposed on /health.
type SystemMeta struct {
	Version      string   `json:"version"`
	MarketSource string   `json:"market_source"`
	Estimators   []string `json:"estimators"`
	LotSize      int64    `json:"lot_size"`
}

// Options carries the server's collaborators.
type Options struct {
	Bus       *events.Bus
	Ledger    *balance.Ledger
	History   *history.Sink
	Metrics   *monitor.PipelineMetrics
	Queues    []*queue.Queue
	Channel   string
	JWTSecret string
	Logger    *logrus.Logger
	Meta      SystemMeta
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Channel == "" {
		opts.Channel = "operations"
	}
	r := gin.New()

	s := &Server{
		Router:    r,
		Bus:       opts.Bus,
		Ledger:    opts.Ledger,
		History:   opts.History,
		Metrics:   opts.Metrics,
		Queues:    opts.Queues,
		Channel:   opts.Channel,
		JWTSecret: opts.JWTSecret,
		Logger:    opts.Logger,
		Meta:      opts.Meta,
		limiters:  newLimiterStore(20, 50, 5*time.Minute),
	}

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(s.Logger))
	r.Use(RateLimitMiddleware(s.limiters, s.Logger))
	r.Use(TimeoutMiddleware(30*time.Second, s.Logger))
	r.Use(CORSMiddleware())

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/metrics", s.getMetrics)
		api.GET("/queues", s.getQueues)
		api.GET("/queues/:name/dead-letters", s.getDeadLetters)

		// Per-user routes; JWT is enforced only when a secret is configured.
		user := api.Group("")
		user.Use(AuthMiddleware(s.JWTSecret))
		{
			user.POST("/balance", s.createBalance)
			user.GET("/balance/:userId", s.getBalance)
			user.POST("/holdings", s.addHoldings)
			user.GET("/operations/history/:userId", s.getHistory)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "meta": s.Meta})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}

// Handler returns the router as an http.Handler for http.Server.
func (s *Server) Handler() http.Handler {
	return s.Router
}
