package dashboard

import (
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"marketflow/config"
	"marketflow/internal/coordinator"
	"marketflow/internal/metrics"
	"marketflow/logger"
	"marketflow/models"
)

// Feeds is the read side of the coordinator.
type Feeds interface {
	AllPrices() map[string]models.TickerUpdate
	Prices(exchange models.ExchangeID) map[string]models.TickerUpdate
	AllStatuses() map[models.ExchangeID]models.ConnectionStatus
	Connections() []coordinator.ConnectionInfo
}

// Books is the read side of the order book manager.
type Books interface {
	Stats(exchange models.ExchangeID, symbol string) (models.BookStats, error)
	CalculateMarketImpact(exchange models.ExchangeID, symbol string, size float64, side models.Side) (models.MarketImpact, error)
	AggregatedView(symbol string, exchanges []models.ExchangeID) models.AggregatedView
	Keys() []models.BookKey
}

// Server hosts the gin query and monitoring API.
type Server struct {
	cfg         config.DashboardConfig
	log         *logger.Log
	feeds       Feeds
	books       Books
	metricStore *metricStore
	logStore    *logStore
	unregister  func()
	httpServer  *http.Server
	started     time.Time
}

// NewServer constructs a dashboard server when the dashboard is enabled.
// When it is disabled the returned server is nil.
func NewServer(cfg config.DashboardConfig, log *logger.Log, feeds Feeds, books Books) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if feeds == nil || books == nil {
		return nil, errors.New("dashboard: feeds and books are required")
	}

	cfg.Address = normalizeAddress(cfg.Address)

	metricStore := newMetricStore(cfg.MetricsHistory)
	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	return &Server{
		cfg:         cfg,
		log:         log,
		feeds:       feeds,
		books:       books,
		metricStore: metricStore,
		logStore:    logStore,
		unregister:  metrics.RegisterMetricHandler(metricStore.handle),
		started:     time.Now(),
	}, nil
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	router, err := s.buildRouter(appName)
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.WithComponent("dashboard").WithField("address", s.cfg.Address).Info("dashboard listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	if s.unregister != nil {
		s.unregister()
	}
	if s.logStore != nil {
		s.logStore.close()
	}
}

// Address reports the network address the server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter(appName string) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", func(c *gin.Context) {
		connected := 0
		for _, info := range s.feeds.Connections() {
			if info.Status == models.StatusConnected {
				connected++
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"app":       appName,
			"status":    "ok",
			"uptime":    time.Since(s.started).Round(time.Second).String(),
			"connected": connected,
		})
	})

	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api")
	api.GET("/prices", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"prices": s.feeds.AllPrices()})
	})
	api.GET("/prices/:exchange", func(c *gin.Context) {
		id, err := models.ParseExchangeID(c.Param("exchange"))
		if err != nil {
			abortError(c, http.StatusBadRequest, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"exchange": id, "prices": s.feeds.Prices(id)})
	})
	api.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"exchanges":   s.feeds.AllStatuses(),
			"connections": s.feeds.Connections(),
		})
	})
	api.GET("/feeds", func(c *gin.Context) {
		c.JSON(http.StatusOK, logger.Snapshot())
	})

	api.GET("/books", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"books": s.books.Keys()})
	})
	api.GET("/books/:exchange/:symbol/stats", s.bookStats)
	api.GET("/books/:exchange/:symbol/impact", s.marketImpact)
	api.GET("/aggregate/:symbol", s.aggregate)

	api.GET("/metrics", func(c *gin.Context) {
		items := s.metricStore.query(c.Query("component"))
		payload := make([]gin.H, 0, len(items))
		for _, m := range items {
			payload = append(payload, gin.H{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"component": m.Component,
				"name":      m.Name,
				"value":     m.Value,
				"type":      m.Type,
				"fields":    m.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"metrics": payload})
	})
	api.GET("/logs", func(c *gin.Context) {
		level := logrus.TraceLevel
		if raw := c.Query("level"); raw != "" {
			parsed, err := logrus.ParseLevel(raw)
			if err != nil {
				abortError(c, http.StatusBadRequest, err)
				return
			}
			level = parsed
		}
		c.JSON(http.StatusOK, gin.H{"logs": s.logStore.query(level, c.Query("component"))})
	})

	return router, nil
}

func (s *Server) bookKey(c *gin.Context) (models.ExchangeID, string, bool) {
	id, err := models.ParseExchangeID(c.Param("exchange"))
	if err != nil {
		abortError(c, http.StatusBadRequest, err)
		return "", "", false
	}
	return id, strings.ToUpper(c.Param("symbol")), true
}

func (s *Server) bookStats(c *gin.Context) {
	id, symbol, ok := s.bookKey(c)
	if !ok {
		return
	}
	stats, err := s.books.Stats(id, symbol)
	if err != nil {
		abortError(c, bookStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) marketImpact(c *gin.Context) {
	id, symbol, ok := s.bookKey(c)
	if !ok {
		return
	}
	size, err := strconv.ParseFloat(c.Query("size"), 64)
	if err != nil || size <= 0 || math.IsNaN(size) || math.IsInf(size, 0) {
		abortError(c, http.StatusBadRequest, errors.New("size must be greater than 0"))
		return
	}
	side, err := models.ParseSide(c.DefaultQuery("side", string(models.Buy)))
	if err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}
	impact, err := s.books.CalculateMarketImpact(id, symbol, size, side)
	if err != nil {
		abortError(c, bookStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, impact)
}

// aggregate compares one symbol across exchanges. Without an exchanges
// query it uses every exchange holding a book for the symbol.
func (s *Server) aggregate(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	var ids []models.ExchangeID
	if raw := c.Query("exchanges"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			id, err := models.ParseExchangeID(name)
			if err != nil {
				abortError(c, http.StatusBadRequest, err)
				return
			}
			ids = append(ids, id)
		}
	} else {
		for _, key := range s.books.Keys() {
			if key.Symbol == symbol {
				ids = append(ids, key.Exchange)
			}
		}
	}
	c.JSON(http.StatusOK, s.books.AggregatedView(symbol, ids))
}

func bookStatus(err error) int {
	switch {
	case errors.Is(err, models.ErrBookNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrBookEmpty):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func abortError(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
