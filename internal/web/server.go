// Package web exposes the service over HTTP: sensor reads against the
// coordinator's snapshot, the two invocable service operations and the
// statistics query surface.
package web

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/hydroqc/hydroqcd/internal/coordinator"
	"github.com/hydroqc/hydroqcd/internal/hydro"
	"github.com/hydroqc/hydroqcd/internal/importer"
	"github.com/hydroqc/hydroqcd/internal/statistics"
	"github.com/hydroqc/hydroqcd/internal/web/middlewares"
)

// ServerConfig holds configuration options for the HTTP server
type ServerConfig struct {
	CacheSize      int     // Size of the LRU response cache
	RateLimit      float64 // Requests per second
	RateLimitBurst int     // Maximum burst size for rate limiting
}

// DefaultServerConfig returns a ServerConfig with sensible defaults
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		CacheSize:      1000,
		RateLimit:      5.0,
		RateLimitBurst: 10,
	}
}

// Server wires the coordinator, the API client and the statistics
// subsystem behind the HTTP routes.
type Server struct {
	coordinator *coordinator.Coordinator
	client      hydro.DataClient
	importer    *importer.Importer
	repo        statistics.Repository
	validator   *RequestValidator
	logger      *logrus.Logger
}

// NewServer creates a server instance without any middleware, for
// tests and debugging.
func NewServer(
	coord *coordinator.Coordinator,
	client hydro.DataClient,
	imp *importer.Importer,
	repo statistics.Repository,
	logger *logrus.Logger,
) *Server {
	return &Server{
		coordinator: coord,
		client:      client,
		importer:    imp,
		repo:        repo,
		validator:   NewRequestValidator(),
		logger:      logger,
	}
}

// SetupRouter builds the full gin engine with the middleware chain:
// request id first, rate limit early, then logging, metrics and the
// response cache last so errors are never cached.
func SetupRouter(s *Server, config ServerConfig) (*gin.Engine, error) {
	if err := middlewares.InitializeCache(config.CacheSize); err != nil {
		return nil, err
	}
	// Cached sensor reads must not outlive the snapshot they came from,
	// and must not keep serving it as fresh once a refresh has failed.
	s.coordinator.Subscribe(func(*coordinator.Snapshot) { middlewares.FlushCache() })
	s.coordinator.SubscribeFailure(func(error) { middlewares.FlushCache() })

	registerMetricsOnce()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(
		gin.Recovery(),
		middlewares.RequestID(),
		middlewares.RateLimiting(config.RateLimit, config.RateLimitBurst),
		middlewares.Logging(s.logger),
		middlewares.Metrics(),
		middlewares.Caching(),
	)

	s.registerRoutes(router)
	return router, nil
}

var metricsRegistered bool

func registerMetricsOnce() {
	if metricsRegistered {
		return
	}
	prometheus.MustRegister(
		middlewares.Requests,
		middlewares.Latency,
		coordinator.RefreshSuccesses,
		coordinator.RefreshFailures,
		coordinator.LastSuccessTimestamp,
	)
	metricsRegistered = true
}

func (s *Server) registerRoutes(router *gin.Engine) {
	router.GET("/healthz", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.GET("/status", s.status)
	v1.GET("/sensors/:path", s.sensor)
	v1.GET("/binary-sensors/:path", s.binarySensor)
	v1.GET("/preheat", s.preheat)
	v1.GET("/statistics", s.statistics)
	v1.POST("/services/refresh_data", s.refreshData)
	v1.POST("/services/fetch_hourly_consumption", s.fetchHourlyConsumption)
	v1.POST("/services/import_consumption_csv", s.importConsumptionCSV)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"mode":               string(s.coordinator.Mode()),
		"last_success":       s.coordinator.LastSuccess(),
		"last_update_failed": s.coordinator.LastUpdateFailed(),
	})
}

// sensor reads one dotted-path value from the snapshot. A failed
// refresh cycle makes every sensor unavailable rather than serving
// stale data as fresh.
func (s *Server) sensor(c *gin.Context) {
	if s.coordinator.LastUpdateFailed() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"state": "unavailable", "reason": "last refresh failed"})
		return
	}

	path := c.Param("path")
	value, ok := s.coordinator.GetValue(path)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"state": "unavailable", "path": path})
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path, "value": value})
}

// binarySensor is the strict boolean channel: present values coerce to
// exactly true or false.
func (s *Server) binarySensor(c *gin.Context) {
	if s.coordinator.LastUpdateFailed() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"state": "unavailable", "reason": "last refresh failed"})
		return
	}

	path := c.Param("path")
	value, ok := s.coordinator.GetBool(path)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"state": "unavailable", "path": path})
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path, "value": value})
}

func (s *Server) preheat(c *gin.Context) {
	state := s.coordinator.PreHeat(time.Now())
	c.JSON(http.StatusOK, gin.H{
		"pre_heat_active":     state.PreHeatActive,
		"next_pre_heat_start": state.NextPreHeatStart,
		"peak_in_progress":    state.PeakInProgress,
		"next_peak_start":     state.NextPeakStart,
		"next_peak_critical":  state.NextPeakCritical,
	})
}

func (s *Server) refreshData(c *gin.Context) {
	err := s.coordinator.Refresh(c.Request.Context())
	if errors.Is(err, coordinator.ErrRefreshInFlight) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"refreshed": true, "last_success": s.coordinator.LastSuccess()})
}

type fetchHourlyRequest struct {
	Date string `json:"date"` // YYYY-MM-DD, defaults to yesterday
}

func (s *Server) fetchHourlyConsumption(c *gin.Context) {
	var req fetchHourlyRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Date == "" {
		req.Date = time.Now().AddDate(0, 0, -1).Format("2006-01-02")
	}

	rows, err := s.client.FetchHourlyConsumption(c.Request.Context(), req.Date)
	if errors.Is(err, hydro.ErrNotSupported) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	intervals, err := s.importer.ParseHourlyRows(rows)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	inserted, err := s.importer.Import(c.Request.Context(), intervals)
	if err != nil {
		// Import failures are isolated from the sensor snapshot; the
		// coordinator keeps serving the last good data.
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"date": req.Date, "rows": len(rows), "inserted": inserted})
}

func (s *Server) importConsumptionCSV(c *gin.Context) {
	intervals, err := s.importer.ParseCSV(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	inserted, err := s.importer.Import(c.Request.Context(), intervals)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"rows": len(intervals), "inserted": inserted})
}

func (s *Server) statistics(c *gin.Context) {
	start, err1 := time.Parse(time.RFC3339, c.Query("start"))
	end, err2 := time.Parse(time.RFC3339, c.Query("end"))
	if err1 != nil || err2 != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start and end must be RFC3339 timestamps"})
		return
	}

	window := c.DefaultQuery("window", "1h")
	aggregation := c.DefaultQuery("aggregation", "SUM")
	if err := s.validator.Validate(start, end, window, aggregation); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	statisticID := c.DefaultQuery("statistic_id", s.importer.StatisticID())
	points, err := s.repo.Query(c.Request.Context(), statisticID, start, end, window, aggregation)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"statistic_id": statisticID, "points": points})
}
