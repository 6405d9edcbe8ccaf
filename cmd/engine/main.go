// Command engine runs the trading engine: it ingests the broker tick feed,
// builds session-aligned candles, manages the full trade lifecycle (entry,
// reconciliation, exits) and publishes candles and events to Redis.
//
// Configuration is environment-driven; see config.Load. With
// DATA_FEED_MODE=RELAY the engine consumes the internal tick relay instead of
// the broker WebSocket and never places orders.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"trading-enginev1/config"
	"trading-enginev1/internal/broker"
	"trading-enginev1/internal/broker/relay"
	"trading-enginev1/internal/broker/smartapi"
	"trading-enginev1/internal/candlestore"
	"trading-enginev1/internal/coordinator"
	"trading-enginev1/internal/events"
	"trading-enginev1/internal/execution"
	"trading-enginev1/internal/marketdata/aggregator"
	"trading-enginev1/internal/marketdata/backfill"
	"trading-enginev1/internal/marketdata/pricecache"
	"trading-enginev1/internal/marketdata/tickbuilder"
	"trading-enginev1/internal/metrics"
	"trading-enginev1/internal/model"
	"trading-enginev1/internal/notification"
	"trading-enginev1/internal/reconcile"
	"trading-enginev1/internal/recovery"
	"trading-enginev1/internal/sessionclock"
	redisstore "trading-enginev1/internal/store/redis"
	sqlitestore "trading-enginev1/internal/store/sqlite"
	"trading-enginev1/internal/trades"
)

// intentChannel is the Redis pub/sub channel approved trade intents arrive on.
const intentChannel = "engine:intents:approved"

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	health.SetTradingEnabled(cfg.TradingEnabled)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// --- storage ---
	if dir := filepath.Dir(cfg.SQLitePath); dir != "." && cfg.SQLitePath != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("[main] mkdir %s: %v", dir, err)
		}
	}
	db, err := sqlitestore.Open(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("[main] open sqlite %s: %v", cfg.SQLitePath, err)
	}
	defer db.Close()

	candleRepo := sqlitestore.NewCandleRepo(db)
	tradeRepo := sqlitestore.NewTradeRepo(db)
	intentRepo := sqlitestore.NewExitIntentRepo(db)
	signalRepo, err := sqlitestore.NewSignalRepo(db)
	if err != nil {
		log.Fatalf("[main] signal repo: %v", err)
	}

	store := candlestore.New(candleRepo)
	agg := aggregator.New(store)

	// --- events + redis ---
	bus := events.NewBus(1024)
	defer bus.Close()

	publisher, err := redisstore.NewPublisher(redisstore.PublisherConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		log.Printf("[main] redis unavailable at %s: %v (candles and events stay local)", cfg.RedisAddr, err)
		publisher = nil
	} else {
		bus.SetSink(publisher)
		go publisher.Run(ctx)
	}

	var rdb *goredis.Client
	if publisher != nil {
		rdb = publisher.Client()
	}
	health.StartLivenessChecker(ctx, rdb, db, 10*time.Second)

	// --- broker adapter ---
	instruments := cfg.ParseInstruments()
	symbols := cfg.Symbols()
	if len(symbols) == 0 {
		log.Fatal("[main] SUBSCRIBE_INSTRUMENTS parsed to zero instruments")
	}

	master := make([]model.Instrument, len(instruments))
	for i, in := range instruments {
		master[i] = model.Instrument{Token: in.Token, Exchange: in.Exchange, TradingSymbol: in.Symbol}
	}

	var adapter broker.Adapter
	switch cfg.DataFeedMode {
	case config.FeedModeRelay:
		ra, err := relay.New(relay.Config{URL: cfg.RelayURL})
		if err != nil {
			log.Fatalf("[main] relay adapter: %v", err)
		}
		adapter = ra
		health.SetReadOnly(true)
	default:
		adapter = smartapi.New(smartapi.Config{
			APIKey:      cfg.AngelAPIKey,
			ClientCode:  cfg.AngelClientCode,
			Password:    cfg.AngelPassword,
			TOTPSecret:  cfg.AngelTOTPSecret,
			Instruments: master,
		})
	}

	// --- market data pipeline ---
	bf := backfill.New(adapter, store, agg)
	go bf.Run(ctx)

	closed := make(chan model.Candle, 1024)
	builder := tickbuilder.New(closed)
	builder.OnGap = func(symbol string, from, to time.Time) {
		log.Printf("[main] gap detected %s [%s, %s), scheduling backfill",
			symbol, from.Format(time.RFC3339), to.Format(time.RFC3339))
		prom.BackfillTotal.Inc()
		bf.Schedule(symbol, from, to)
	}

	agg.OnAggregated = func(c model.Candle) {
		prom.CandlesTotal.WithLabelValues(c.Timeframe.String()).Inc()
		if publisher != nil {
			publisher.PublishCandle(c)
		}
	}

	// --- trade lifecycle ---
	// Three coordinator instances with disjoint key spaces: trade mutations
	// (tradeId), entry intents (symbol) and exit evaluation (tradeId). Exit
	// evaluation re-enters the mutation coordinator via SubmitWait, so it
	// must never share partitions with it.
	tradeCoord := coordinator.New(coordinator.DefaultPartitions())
	entryCoord := coordinator.New(coordinator.DefaultPartitions())
	exitCoord := coordinator.New(coordinator.DefaultPartitions())
	tms := trades.New(trades.Config{
		Trades:          tradeRepo,
		ExitIntents:     intentRepo,
		Events:          bus,
		Coordinator:     tradeCoord,
		ExitCoordinator: exitCoord,
		MaxHolding:      time.Duration(cfg.MaxHoldingDays) * 24 * time.Hour,
	})
	exitExec := execution.NewExit(intentRepo, tradeRepo, tms, adapter, bus)
	tms.SetExitPlacer(exitExec)
	entry := execution.NewEntry(tms, signalRepo, adapter, bus, cfg.TradingEnabled)

	pending := reconcile.NewPendingReconciler(reconcile.PendingConfig{
		Interval:      cfg.ReconcileInterval,
		OrderTimeout:  cfg.OrderTimeout,
		MaxConcurrent: cfg.MaxBrokerCalls,
	}, tradeRepo, tms, adapter)
	exits := reconcile.NewExitReconciler(reconcile.ExitConfig{
		Interval:      cfg.ReconcileInterval,
		PlacedTimeout: cfg.OrderTimeout,
		MaxConcurrent: cfg.MaxBrokerCalls,
	}, intentRepo, tms, adapter, bus)

	prices := pricecache.New()
	// Only ticks that survive dedup and the session filter move the LTP,
	// drive exit evaluation, or surface as TICK events.
	builder.OnAccepted = func(t model.Tick, ts time.Time) {
		prices.Set(t.Symbol, t.Price, ts)
		tms.OnPriceUpdate(t.Symbol, t.Price, ts)
		bus.EmitGlobal(model.EventTick, map[string]any{
			"symbol": t.Symbol, "lastPrice": t.Price, "ts": ts.Unix(),
		}, "TICK_CANDLE_BUILDER")
	}
	rec := recovery.New(store, bf, tms, pending, exits, symbols)

	printBanner(cfg, symbols)

	// --- connect feed ---
	if res, err := adapter.Connect(ctx); err != nil {
		log.Fatalf("[main] connect feed: %v", err)
	} else if !res.Success {
		log.Fatalf("[main] connect feed refused: %s %s", res.ErrorCode, res.Message)
	}
	if err := adapter.SubscribeTicks(symbols); err != nil {
		log.Fatalf("[main] subscribe: %v", err)
	}
	health.SetFeedConnected(adapter.IsConnected())
	prom.FeedState.Set(2)
	log.Printf("[main] feed connected (%s mode), %d symbols", cfg.DataFeedMode, len(symbols))

	// --- startup recovery ---
	if err := rec.RunStartup(ctx); err != nil {
		log.Printf("[main] startup recovery: %v", err)
	}
	health.SetOpenTrades(tms.Index().Size())
	prom.OpenTrades.Set(float64(tms.Index().Size()))

	// --- pipelines ---
	ticks := make(chan model.Tick, 4096)
	go fanTicks(ctx, adapter, ticks, health, prom)
	go builder.Run(ctx, ticks)
	go consumeClosed(ctx, closed, store, agg, publisher, bus, prom)
	go pending.Run(ctx)
	go exits.Run(ctx)
	if publisher != nil {
		go consumeIntents(ctx, publisher.Client(), entryCoord, entry)
	} else {
		log.Println("[main] no redis: intent intake disabled")
	}
	go statsLoop(ctx, builder, []*coordinator.Coordinator{tradeCoord, entryCoord, exitCoord},
		tms, pending, exits, publisher, health, prom)

	notifiers := []notification.Notifier{notification.NewLogNotifier()}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		notifiers = append(notifiers, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.WebhookURL))
	}
	alertCh := bus.Subscribe("notifier",
		model.EventTradeClosed, model.EventOrderRejected, model.EventExitIntentFailed)
	go notification.NewDispatcher(notifiers...).Run(ctx, alertCh)

	// --- wait for shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("[main] received %s, shutting down", sig)

	cancel()
	// Drain order matters: intents and exit evaluations stop feeding the
	// mutation coordinator before it drains.
	for _, c := range []*coordinator.Coordinator{entryCoord, exitCoord, tradeCoord} {
		if !c.Shutdown() {
			log.Println("[main] coordinator drain timed out, some jobs abandoned")
		}
	}
	if err := adapter.Disconnect(context.Background()); err != nil {
		log.Printf("[main] disconnect: %v", err)
	}
	if publisher != nil {
		publisher.Close()
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	metricsSrv.Stop(stopCtx)
	stopCancel()
	log.Println("[main] shutdown complete")
}

// fanTicks forwards broker ticks to the candle builder, updating health on
// each tick. Price-cache, exit evaluation and TICK events hang off the
// builder's accepted-tick hook so duplicates and off-session ticks never
// reach them.
func fanTicks(ctx context.Context, adapter broker.Adapter, out chan<- model.Tick,
	health *metrics.HealthStatus, prom *metrics.Metrics) {
	in := adapter.Ticks()
	for {
		select {
		case <-ctx.Done():
			close(out)
			return
		case t, ok := <-in:
			if !ok {
				close(out)
				return
			}
			prom.TicksTotal.Inc()
			health.SetLastTickTime(time.Now())
			select {
			case out <- t:
			default:
				prom.DroppedTicks.Inc()
			}
		}
	}
}

// consumeClosed persists finished 1m candles, feeds the higher-timeframe
// aggregator, and publishes downstream.
func consumeClosed(ctx context.Context, closed <-chan model.Candle, store *candlestore.Store,
	agg *aggregator.Aggregator, publisher *redisstore.Publisher, bus *events.Bus, prom *metrics.Metrics) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-closed:
			if !ok {
				return
			}
			if err := store.Upsert(ctx, c); err != nil {
				log.Printf("[main] persist candle %s: %v", c.Key(), err)
				continue
			}
			prom.CandlesTotal.WithLabelValues(c.Timeframe.String()).Inc()
			prom.CandleLag.Set(time.Since(c.TS.Add(c.Timeframe.Duration())).Seconds())
			if err := agg.On1MinuteClose(ctx, c); err != nil {
				log.Printf("[main] aggregate %s: %v", c.Key(), err)
			}
			if publisher != nil {
				publisher.PublishCandle(c)
			}
			bus.EmitGlobal(model.EventCandle, map[string]any{
				"symbol": c.Symbol,
				"tf":     c.Timeframe.String(),
				"ts":     c.TS.Unix(),
				"close":  c.Close,
			}, "TICK_CANDLE_BUILDER")
		}
	}
}

// consumeIntents subscribes to the approved-intent channel and routes each
// intent through the coordinator, keyed by symbol so intents for one symbol
// are processed in arrival order.
func consumeIntents(ctx context.Context, rdb *goredis.Client, coord *coordinator.Coordinator, entry *execution.Entry) {
	sub := rdb.Subscribe(ctx, intentChannel)
	defer sub.Close()
	log.Printf("[main] listening for intents on %s", intentChannel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var intent model.TradeIntent
			if err := json.Unmarshal([]byte(msg.Payload), &intent); err != nil {
				log.Printf("[main] bad intent payload: %v", err)
				continue
			}
			if intent.IntentID == "" || intent.Symbol == "" {
				log.Printf("[main] intent missing id or symbol, dropping")
				continue
			}
			err := coord.Submit(intent.Symbol, func(jctx context.Context) {
				if err := entry.HandleApprovedIntent(jctx, &intent); err != nil {
					log.Printf("[main] intent %s: %v", intent.IntentID, err)
				}
			})
			if err != nil {
				log.Printf("[main] submit intent %s: %v", intent.IntentID, err)
			}
		}
	}
}

// statsLoop bridges internal counters into Prometheus and the health endpoint
// every 10 seconds.
func statsLoop(ctx context.Context, builder *tickbuilder.Builder, coords []*coordinator.Coordinator,
	tms *trades.Service, pending *reconcile.PendingReconciler, exits *reconcile.ExitReconciler,
	publisher *redisstore.Publisher, health *metrics.HealthStatus, prom *metrics.Metrics) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	var lastDup, lastRedisDrops uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dup, _, _, _ := builder.Stats()
			if d := dup - lastDup; d > 0 {
				prom.DuplicateTicks.Add(float64(d))
			}
			lastDup = dup

			open := tms.Index().Size()
			health.SetOpenTrades(open)
			prom.OpenTrades.Set(float64(open))

			ps := pending.Stats()
			prom.ReconcilePermits.WithLabelValues("pending").Set(float64(ps.AvailablePermits))
			es := exits.Stats()
			prom.ReconcilePermits.WithLabelValues("exit").Set(float64(es.AvailablePermits))

			if publisher != nil {
				drops := publisher.Dropped()
				if d := drops - lastRedisDrops; d > 0 {
					prom.RedisDroppedWrites.Add(float64(d))
				}
				lastRedisDrops = drops
			}

			if sessionclock.IsWithinSession(time.Now()) {
				prom.MarketState.Set(1)
			} else {
				prom.MarketState.Set(0)
			}

			var submitted, completed, panics int64
			for _, c := range coords {
				s, cmp, p := c.Stats()
				submitted += s
				completed += cmp
				panics += p
			}
			if panics > 0 {
				log.Printf("[main] coordinators: %d submitted, %d completed, %d panics",
					submitted, completed, panics)
			}
		}
	}
}

func printBanner(cfg *config.Config, symbols []string) {
	mode := "LIVE ORDERS"
	if !cfg.TradingEnabled {
		mode = "READ-ONLY"
	}
	fmt.Println("╔══════════════════════════════════════════════╗")
	fmt.Println("║            trading engine                    ║")
	fmt.Println("╚══════════════════════════════════════════════╝")
	fmt.Printf("  feed:      %s\n", cfg.DataFeedMode)
	fmt.Printf("  trading:   %s\n", mode)
	fmt.Printf("  symbols:   %d (%s ...)\n", len(symbols), symbols[0])
	fmt.Printf("  sqlite:    %s\n", cfg.SQLitePath)
	fmt.Printf("  redis:     %s\n", cfg.RedisAddr)
	fmt.Printf("  metrics:   %s\n", cfg.MetricsAddr)
	fmt.Printf("  session:   %s\n", sessionclock.StatusString(time.Now()))
	fmt.Println()
}
