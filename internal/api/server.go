package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"orderflow/internal/metrics"
	"orderflow/internal/model"
	"orderflow/internal/orderstore"
	"orderflow/internal/pipeline"
	"orderflow/internal/ranking"
)

// Submitter accepts order requests. Implemented by *pipeline.Ingestor.
type Submitter interface {
	Submit(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

type Options struct {
	CORSOrigins     []string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	DefaultTopN     int
}

type Server struct {
	router  *gin.Engine
	orders  Submitter
	store   orderstore.Store
	ranking ranking.Cache
	logger  *zap.Logger
	opts    Options
}

// OrderResponse is the body returned by POST /order.
type OrderResponse struct {
	OrderID   string `json:"orderId"`
	Message   string `json:"message"`
	Warning   string `json:"warning,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

func NewServer(orders Submitter, store orderstore.Store, cache ranking.Cache, m *metrics.Registry, logger *zap.Logger, opts Options) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if opts.DefaultTopN <= 0 {
		opts.DefaultTopN = 5
	}
	s := &Server{orders: orders, store: store, ranking: cache, logger: logger, opts: opts}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	if len(opts.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins: opts.CORSOrigins,
			AllowMethods: []string{"GET", "POST", "PUT", "DELETE"},
			AllowHeaders: []string{"Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}

	router.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "Server is up and running!") })
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if m != nil {
		router.GET("/metrics", gin.WrapH(m.Handler()))
	}
	router.POST("/order", s.createOrder)
	router.GET("/orders", s.listOrders)
	router.GET("/orders/:orderId", s.getOrder)
	router.GET("/top-items", s.topItems)
	s.router = router
	return s
}

// Router returns the internal Gin engine for testing purposes
func (s *Server) Router() *gin.Engine { return s.router }

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting API server", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("API server stopped")
	return nil
}

func (s *Server) createOrder(c *gin.Context) {
	var req pipeline.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.opts.RequestTimeout)
	defer cancel()

	res, err := s.orders.Submit(ctx, req)
	if err != nil {
		var verr *model.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save order to database"})
		return
	}
	resp := OrderResponse{OrderID: res.OrderID, Message: "Order processed successfully"}
	switch {
	case res.Duplicate:
		resp.Message = "Order already received"
		resp.Duplicate = true
	case res.Warning != "":
		resp.Message = "Order saved to database"
		resp.Warning = res.Warning
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) listOrders(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	orders, err := s.store.List(c.Request.Context())
	if err != nil {
		s.logger.Error("list orders", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch orders"})
		return
	}
	if limit > 0 && limit < len(orders) {
		orders = orders[:limit]
	}
	if orders == nil {
		orders = []model.Order{}
	}
	c.JSON(http.StatusOK, orders)
}

func (s *Server) getOrder(c *gin.Context) {
	o, err := s.store.Get(c.Request.Context(), c.Param("orderId"))
	if errors.Is(err, model.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		return
	}
	if err != nil {
		s.logger.Error("get order", zap.String("order_id", c.Param("orderId")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch order"})
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) topItems(c *gin.Context) {
	n := s.opts.DefaultTopN
	if raw := c.Query("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "n must be a positive integer"})
			return
		}
		n = v
	}
	entries, err := s.ranking.TopN(c.Request.Context(), n)
	if err != nil {
		s.logger.Error("top items", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch top items"})
		return
	}
	c.JSON(http.StatusOK, entries)
}
