package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wonny/aegis-trader/internal/api"
	"github.com/wonny/aegis-trader/internal/api/handlers"
	"github.com/wonny/aegis-trader/internal/events"
	"github.com/wonny/aegis-trader/internal/execution"
	"github.com/wonny/aegis-trader/internal/external/kis"
	"github.com/wonny/aegis-trader/internal/ledger"
	"github.com/wonny/aegis-trader/internal/notify"
	"github.com/wonny/aegis-trader/internal/risk"
	"github.com/wonny/aegis-trader/internal/scheduler"
	"github.com/wonny/aegis-trader/internal/scheduler/jobs"
	"github.com/wonny/aegis-trader/internal/scoring"
	"github.com/wonny/aegis-trader/internal/store"
	"github.com/wonny/aegis-trader/pkg/config"
	"github.com/wonny/aegis-trader/pkg/database"
	"github.com/wonny/aegis-trader/pkg/httputil"
	"github.com/wonny/aegis-trader/pkg/logger"
	"github.com/wonny/aegis-trader/pkg/metrics"
	"github.com/wonny/aegis-trader/pkg/redis"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "자동매매 프로세스 시작",
	Long: `스케줄러, 주문 관리자, 이벤트 싱크, 상태 API를 모두 기동합니다.

Phases:
  PRE_MARKET    - 유니버스 스캔, 점수화, 감시 종목 선정
  MARKET_HOURS  - 재평가/진입, 손절·익절 감시
  SETTLEMENT    - 당일 청산 포지션 정리, 일일 요약

Endpoints:
  GET  /health
  GET  /metrics
  GET  /api/status
  GET  /api/positions
  GET  /api/orders
  GET  /api/monitored
  POST /api/scheduler/stop

Example:
  go run ./cmd/trader run
  go run ./cmd/trader run --port 8090 --strategy breakout`,
	RunE: runTrader,
}

var (
	runPort string
)

func init() {
	rootCmd.AddCommand(runCmd)

	// Flags
	runCmd.Flags().StringVar(&runPort, "port", "", "API 서버 포트 (기본값: PORT)")
}

func runTrader(cmd *cobra.Command, args []string) error {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if runPort != "" {
		cfg.Port = runPort
	}
	if verbose {
		cfg.LogLevel = "debug"
	}

	// 2. Initialize logger + metrics
	log := logger.New(cfg)
	rec := metrics.New()

	loc, err := time.LoadLocation(cfg.Schedule.Timezone)
	if err != nil {
		return fmt.Errorf("load timezone: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// 3. Strategy
	strategy, err := resolveStrategy(cfg, strategyFlag)
	if err != nil {
		return err
	}
	fields := map[string]interface{}{
		"strategy":        strategy.Profile.ID,
		"top_n":           strategy.Profile.TopN,
		"pass_threshold":  strategy.Profile.PassThreshold,
		"entry_threshold": strategy.Profile.EntryThreshold,
		"stop_ratio":      strategy.Profile.StopRatio,
		"target_ratio":    strategy.Profile.TargetRatio,
		"mode":            cfg.Trading.Mode,
	}
	if strategy.Snapshot != nil {
		fields["config_hash"] = strategy.Snapshot.ConfigHash
	}
	log.WithFields(fields).Info("Strategy resolved")

	// 4. Redis (선택)
	rc, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer rc.Close()
	cache := redis.NewCache(rc, "trader")

	// 5. Event sinks
	sinks := []events.Sink{notify.NewLogNotifier(log)}
	var eventReader handlers.EventReader
	var db *database.DB

	if cfg.HasStoreBackend("postgres") {
		db, err = database.New(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer db.Close()

		pg := store.NewPostgresSink(db.Pool, log)
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		sinks = append(sinks, pg)
		eventReader = pg
		log.Info("Connected to database")
	}

	if cfg.HasStoreBackend("kafka") {
		writer, err := store.NewKafkaWriter(cfg.Kafka)
		if err != nil {
			return fmt.Errorf("kafka writer: %w", err)
		}
		ks := store.NewKafkaSink(writer, cfg.Kafka.Topic, log)
		defer ks.Close()
		sinks = append(sinks, ks)
	}

	if cfg.Telegram.Enabled {
		bot, err := notify.NewTelegramBot(cfg.Telegram, "")
		if err != nil {
			return err
		}
		sinks = append(sinks, notify.NewTelegramNotifier(bot, cfg.Telegram.ChatID, log))
	}

	dispatcher := events.New(sinks, rec, log)
	dispatcher.Start()

	// 6. Market data + broker
	naverClient := newNaverClient(cfg, rc, log)

	var broker execution.Broker
	var kisBroker *kis.Broker
	switch cfg.Trading.Mode {
	case "kis":
		// 주문은 재시도하면 중복 주문이 될 수 있음
		kisHTTP := httputil.New(log).DisableRetry()
		kisBroker = kis.NewBroker(
			kis.NewClient(cfg.KIS, kisHTTP, log),
			kis.NewWSClient(cfg.KIS, kisHTTP, log),
			log,
		)
		broker = kisBroker
	default:
		broker = execution.NewPaperBroker(naverClient, 1, log)
	}

	// 7. Core
	book := ledger.New(dispatcher, log)
	riskMgr := risk.NewManager(
		risk.Ratios{Stop: strategy.Profile.StopRatio, Target: strategy.Profile.TargetRatio},
		strategy.Ratios,
		log,
	)
	guard := risk.NewGuard(risk.GuardConfig{
		MaxPositions:     cfg.Trading.MaxPositions,
		MaxDailyLoss:     float64(cfg.Trading.MaxDailyLoss),
		MaxPositionValue: float64(cfg.Trading.MaxPositionValue),
	}, log)

	orders := execution.NewManager(broker, book, riskMgr, dispatcher, rec, log, execution.Config{
		SubmitTimeout: cfg.Schedule.SubmitTimeout,
		OrderTimeout:  cfg.Schedule.OrderTimeout,
		SweepInterval: cfg.Schedule.SweepInterval,
	})

	collector, err := newCollector(cfg, naverClient, cache, rec, loc, nil, log)
	if err != nil {
		return err
	}

	windows, err := scheduleWindows(cfg.Schedule)
	if err != nil {
		return err
	}
	calendar, err := scheduler.NewCalendar(loc, cfg.Schedule.Holidays)
	if err != nil {
		return err
	}

	sched, err := scheduler.New(scheduler.Config{
		Windows:        windows,
		ClockTick:      cfg.Schedule.ClockTick,
		MarketInterval: cfg.Schedule.MarketInterval,
		FetchTimeout:   cfg.Schedule.FetchTimeout,
		ScanTimeout:    cfg.Schedule.ScanTimeout,
		Workers:        cfg.Trading.Workers,
		BudgetPerStock: cfg.Trading.BudgetPerStock,
	}, scheduler.Deps{
		Calendar:  calendar,
		Engine:    scoring.NewEngine(strategy.Profile, cfg.Trading.Workers),
		Risk:      riskMgr,
		Guard:     guard,
		Source:    collector,
		Prices:    broker,
		Orders:    orders,
		Book:      book,
		Monitored: collector,
		Emitter:   dispatcher,
		Metrics:   rec,
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	if err := sched.AddJob(jobs.NewPruneJob(book, orders, 7*24*time.Hour, log)); err != nil {
		return err
	}

	// 8. Run background loops
	coreCtx, stopCore := context.WithCancel(context.Background())
	defer stopCore()

	ordersDone := make(chan struct{})
	go func() {
		orders.Run(coreCtx)
		close(ordersDone)
	}()

	if kisBroker != nil {
		go func() {
			if err := kisBroker.Run(coreCtx); err != nil {
				log.WithError(err).Error("KIS execution stream stopped")
			}
		}()
	}

	if err := sched.Start(coreCtx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	// 9. API
	checks := map[string]api.HealthCheck{}
	if db != nil {
		checks["database"] = db.Ping
	}
	if rc.Enabled() {
		checks["redis"] = func(ctx context.Context) error { return rc.Redis().Ping(ctx).Err() }
	}
	if kisBroker != nil {
		checks["kis_stream"] = func(context.Context) error {
			if !kisBroker.Connected() {
				return errors.New("execution stream disconnected")
			}
			return nil
		}
	}

	tradingHandler := handlers.NewTradingHandler(sched, book, orders, eventReader, rec.TransientCounts, loc, log)
	server := api.New(cfg, log, api.NewRouter(tradingHandler, rec.Registry(), checks, log))

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	log.WithFields(map[string]interface{}{
		"port":  cfg.Port,
		"sinks": len(sinks),
	}).Info("Trader started")

	// 10. Wait for shutdown
	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			log.WithError(err).Error("API server failed")
		}
	}

	return shutdown(sched, server, stopCore, ordersDone, dispatcher, log)
}

// shutdown stops intake first, then drains orders and events
func shutdown(
	sched *scheduler.Scheduler,
	server *api.Server,
	stopCore context.CancelFunc,
	ordersDone <-chan struct{},
	dispatcher *events.Dispatcher,
	log *logger.Logger,
) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sched.Stop()

	var errs []error
	if err := server.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	stopCore()
	select {
	case <-ordersDone:
	case <-ctx.Done():
		log.Warn("Order manager did not stop in time")
	}

	if err := dispatcher.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain events: %w", err))
	}

	log.Info("Trader stopped")
	return errors.Join(errs...)
}
