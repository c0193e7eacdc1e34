// Package admin serves the operator HTTP surface: health, component
// status, Prometheus metrics, manual checkpoints and read-only queries
// against the SQLite projection.
package admin

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"lokiseq/infra/sqlstore"
)

// Projection is the query side of the SQLite sink.
type Projection interface {
	Trades(ctx context.Context, market string) ([]sqlstore.Trade, error)
	Balance(ctx context.Context, account, asset string) (available, locked decimal.Decimal, found bool, err error)
}

// Config wires the handlers. Nil fields turn their endpoints off.
type Config struct {
	Registry *prometheus.Registry
	// Health returns nil while every local component runs.
	Health func() error
	// Status reports component states by name.
	Status func() map[string]string
	// Checkpoint asks for a checkpoint and reports whether it was queued.
	Checkpoint func(reason string) bool
	Projection Projection
}

type Server struct {
	cfg Config
}

func New(cfg Config) *Server {
	return &Server{cfg: cfg}
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)
	r.GET("/status", s.handleStatus)
	if s.cfg.Registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Registry, promhttp.HandlerOpts{})))
	}
	r.POST("/checkpoint", s.handleCheckpoint)

	q := r.Group("/query")
	q.GET("/trades", s.handleTrades)
	q.GET("/balance", s.handleBalance)
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.cfg.Health != nil {
		if err := s.cfg.Health(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	out := map[string]string{}
	if s.cfg.Status != nil {
		out = s.cfg.Status()
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleCheckpoint(c *gin.Context) {
	if s.cfg.Checkpoint == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "sequencer not running in this process"})
		return
	}
	if !s.cfg.Checkpoint("admin") {
		c.JSON(http.StatusConflict, gin.H{"error": "checkpoint not accepted"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func (s *Server) handleTrades(c *gin.Context) {
	if s.cfg.Projection == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "projection disabled"})
		return
	}
	market := c.Query("market")
	if market == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "market is required"})
		return
	}
	trades, err := s.cfg.Projection.Trades(c.Request.Context(), market)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]gin.H, 0, len(trades))
	for _, t := range trades {
		out = append(out, gin.H{
			"trade_id": t.TradeID,
			"seq":      t.Seq,
			"price":    t.Price.String(),
			"quantity": t.Quantity.String(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"market": market, "trades": out})
}

func (s *Server) handleBalance(c *gin.Context) {
	if s.cfg.Projection == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "projection disabled"})
		return
	}
	account, asset := c.Query("account"), c.Query("asset")
	if account == "" || asset == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account and asset are required"})
		return
	}
	avail, locked, found, err := s.cfg.Projection.Balance(c.Request.Context(), account, asset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "no balance"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account":   account,
		"asset":     asset,
		"available": avail.String(),
		"locked":    locked.String(),
	})
}
