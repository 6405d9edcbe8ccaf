// Package metrics exposes Prometheus metrics and a JSON health endpoint for
// the trading engine.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// Market data pipeline
	TicksTotal     prometheus.Counter
	DroppedTicks   prometheus.Counter
	DuplicateTicks prometheus.Counter
	CandlesTotal   *prometheus.CounterVec // labels: tf
	CandleLag      prometheus.Gauge
	BackfillTotal  prometheus.Counter

	// Feed connection
	WSReconnects prometheus.Counter
	FeedState    prometheus.Gauge // 0=disconnected, 1=connecting, 2=connected, 3=reconnect_required
	MarketState  prometheus.Gauge // 0=closed, 1=open

	// Event bus
	EventDropsTotal *prometheus.CounterVec // labels: subscriber

	// Order / trade lifecycle
	OrdersPlaced     *prometheus.CounterVec // labels: side
	OrdersRejected   prometheus.Counter
	TradeTransitions *prometheus.CounterVec // labels: status
	OpenTrades       prometheus.Gauge
	ExitIntents      *prometheus.CounterVec // labels: outcome

	// Reconcilers
	ReconcileChecked     *prometheus.CounterVec // labels: loop
	ReconcileUpdated     *prometheus.CounterVec
	ReconcileTimeouts    *prometheus.CounterVec
	ReconcileRateLimited *prometheus.CounterVec
	ReconcilePermits     *prometheus.GaugeVec

	// Redis publisher
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisDroppedWrites       prometheus.Counter
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_ticks_total",
			Help: "Total ticks received from the broker feed",
		}),
		DroppedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_dropped_ticks_total",
			Help: "Ticks dropped (late, off-session or channel full)",
		}),
		DuplicateTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_duplicate_ticks_total",
			Help: "Ticks discarded by the dedup window",
		}),
		CandlesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_candles_total",
			Help: "Candles closed (by timeframe)",
		}, []string{"tf"}),
		CandleLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_candle_lag_seconds",
			Help: "Lag between candle bucket end and emission time",
		}),
		BackfillTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_backfill_candles_total",
			Help: "Candles fetched through historical backfill",
		}),

		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_ws_reconnects_total",
			Help: "Broker WebSocket reconnection attempts",
		}),
		FeedState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_feed_state",
			Help: "Feed connection state (0=disconnected, 1=connecting, 2=connected, 3=reconnect_required)",
		}),
		MarketState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_market_state",
			Help: "Market session state (0=closed, 1=open)",
		}),

		EventDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_event_drops_total",
			Help: "Events dropped by the bus per subscriber",
		}, []string{"subscriber"}),

		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_orders_placed_total",
			Help: "Broker orders placed (by side)",
		}, []string{"side"}),
		OrdersRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_orders_rejected_total",
			Help: "Broker order rejections",
		}),
		TradeTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_trade_transitions_total",
			Help: "Trade status transitions (by target status)",
		}, []string{"status"}),
		OpenTrades: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_open_trades",
			Help: "Trades currently in OPEN",
		}),
		ExitIntents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_exit_intents_total",
			Help: "Exit intents (by outcome: placed, filled, failed, cancelled)",
		}, []string{"outcome"}),

		ReconcileChecked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_reconcile_checked_total",
			Help: "Rows examined by the reconcilers",
		}, []string{"loop"}),
		ReconcileUpdated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_reconcile_updated_total",
			Help: "Rows updated by the reconcilers",
		}, []string{"loop"}),
		ReconcileTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_reconcile_timeouts_total",
			Help: "Orders written off by the reconcilers after timeout",
		}, []string{"loop"}),
		ReconcileRateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_reconcile_rate_limited_total",
			Help: "Rows skipped for lack of a broker permit",
		}, []string{"loop"}),
		ReconcilePermits: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_reconcile_available_permits",
			Help: "Broker call permits currently available",
		}, []string{"loop"}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisDroppedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_redis_dropped_writes_total",
			Help: "Publishes dropped because the Redis queue was full",
		}),
	}

	prometheus.MustRegister(
		m.TicksTotal,
		m.DroppedTicks,
		m.DuplicateTicks,
		m.CandlesTotal,
		m.CandleLag,
		m.BackfillTotal,
		m.WSReconnects,
		m.FeedState,
		m.MarketState,
		m.EventDropsTotal,
		m.OrdersPlaced,
		m.OrdersRejected,
		m.TradeTransitions,
		m.OpenTrades,
		m.ExitIntents,
		m.ReconcileChecked,
		m.ReconcileUpdated,
		m.ReconcileTimeouts,
		m.ReconcileRateLimited,
		m.ReconcilePermits,
		m.RedisCircuitBreakerState,
		m.RedisDroppedWrites,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	FeedConnected  bool      `json:"feed_connected"`
	LastTickTime   time.Time `json:"last_tick_time"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`
	TradingEnabled bool      `json:"trading_enabled"`
	ReadOnly       bool      `json:"read_only"`
	OpenTrades     int       `json:"open_trades"`

	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetFeedConnected(v bool) {
	h.mu.Lock()
	h.FeedConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetTradingEnabled(v bool) {
	h.mu.Lock()
	h.TradingEnabled = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetReadOnly(v bool) {
	h.mu.Lock()
	h.ReadOnly = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetOpenTrades(n int) {
	h.mu.Lock()
	h.OpenTrades = n
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite runs a trivial query and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK
	if !h.FeedConnected || !h.SQLiteOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.SQLiteOK && !h.RedisConnected {
		overallStatus = "unhealthy"
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		FeedConnected   bool    `json:"feed_connected"`
		LastTickTime    string  `json:"last_tick_time"`
		TickAge         string  `json:"tick_age"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		TradingEnabled  bool    `json:"trading_enabled"`
		ReadOnly        bool    `json:"read_only"`
		OpenTrades      int     `json:"open_trades"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		FeedConnected:   h.FeedConnected,
		LastTickTime:    h.LastTickTime.Format(time.RFC3339),
		TickAge:         tickAge,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		TradingEnabled:  h.TradingEnabled,
		ReadOnly:        h.ReadOnly,
		OpenTrades:      h.OpenTrades,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
