package commands

import (
	"fmt"
	"time"

	"github.com/wonny/aegis-trader/internal/contracts"
	"github.com/wonny/aegis-trader/internal/external/naver"
	"github.com/wonny/aegis-trader/internal/risk"
	"github.com/wonny/aegis-trader/internal/scheduler"
	"github.com/wonny/aegis-trader/internal/scoring"
	"github.com/wonny/aegis-trader/internal/signals"
	"github.com/wonny/aegis-trader/internal/strategyconfig"
	"github.com/wonny/aegis-trader/pkg/config"
	"github.com/wonny/aegis-trader/pkg/httputil"
	"github.com/wonny/aegis-trader/pkg/logger"
	"github.com/wonny/aegis-trader/pkg/metrics"
	"github.com/wonny/aegis-trader/pkg/redis"
)

const (
	defaultNaverBaseURL = "https://finance.naver.com"
	naverRatePerSecond  = 10
)

// strategySetup is the resolved strategy parametrisation of a run
type strategySetup struct {
	Profile  scoring.Profile
	Ratios   map[contracts.StrategyID]risk.Ratios
	Snapshot *strategyconfig.DecisionSnapshot // 파일 사용 시에만
}

// resolveStrategy picks the active profile from the strategy file or the
// built-in defaults, then applies env overrides (0 = profile default).
func resolveStrategy(cfg *config.Config, override string) (*strategySetup, error) {
	id := contracts.StrategyID(cfg.Trading.Strategy)
	if override != "" {
		id = contracts.StrategyID(override)
	}

	profiles := make(map[contracts.StrategyID]scoring.Profile)
	setup := &strategySetup{}

	if cfg.Trading.StrategyFile != "" {
		file, raw, err := strategyconfig.Load(cfg.Trading.StrategyFile)
		if err != nil {
			return nil, fmt.Errorf("load strategy file: %w", err)
		}
		profiles = file.ScoringProfiles()
		if _, ok := profiles[id]; !ok {
			id = contracts.StrategyID(file.Meta.Default)
		}
		snap, err := strategyconfig.NewDecisionSnapshot(file, raw, string(id))
		if err != nil {
			return nil, fmt.Errorf("strategy snapshot: %w", err)
		}
		setup.Snapshot = snap
	} else {
		for _, p := range scoring.DefaultProfiles() {
			profiles[p.ID] = p
		}
	}

	profile, ok := profiles[id]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", id)
	}
	profile = scoring.Overrides{
		TopN:           cfg.Trading.TopN,
		PassThreshold:  cfg.Trading.PassThreshold,
		EntryThreshold: cfg.Trading.EntryThreshold,
		StopRatio:      cfg.Trading.StopRatio,
		TargetRatio:    cfg.Trading.TargetRatio,
	}.Apply(profile)
	profiles[id] = profile

	setup.Profile = profile
	setup.Ratios = make(map[contracts.StrategyID]risk.Ratios, len(profiles))
	for sid, p := range profiles {
		setup.Ratios[sid] = risk.Ratios{Stop: p.StopRatio, Target: p.TargetRatio}
	}
	return setup, nil
}

// scheduleWindows converts HH:MM settings into phase windows
func scheduleWindows(s config.ScheduleConfig) (scheduler.Windows, error) {
	var w scheduler.Windows
	fields := []struct {
		value string
		dst   *int
	}{
		{s.PreMarketStart, &w.PreMarketStart},
		{s.MarketOpen, &w.MarketOpen},
		{s.MarketClose, &w.MarketClose},
		{s.SettlementStart, &w.SettlementStart},
		{s.SettlementEnd, &w.SettlementEnd},
	}
	for _, f := range fields {
		m, err := config.ParseClock(f.value)
		if err != nil {
			return scheduler.Windows{}, err
		}
		*f.dst = m
	}
	return w, w.Validate()
}

// newNaverClient builds the market data adapter. With Redis the request rate is
// shared across trader processes, otherwise it is limited locally.
func newNaverClient(cfg *config.Config, rc *redis.Client, log *logger.Logger) *naver.Client {
	hc := httputil.New(log).WithTimeout(cfg.Schedule.FetchTimeout)
	if rc.Enabled() {
		hc = hc.WithRateLimiter(redis.NewRateLimiter(rc, "trader"), redis.RateLimitConfig{
			Key:    "naver",
			Limit:  naverRatePerSecond,
			Window: time.Second,
		})
	} else {
		hc = hc.WithLocalLimit(naverRatePerSecond, naverRatePerSecond)
	}

	client := naver.NewClient(hc, log)
	if cfg.Naver.BaseURL != "" && cfg.Naver.BaseURL != defaultNaverBaseURL {
		client.WithBaseURL(cfg.Naver.BaseURL)
	}
	return client
}

// newCollector wires the signal collector to Naver. static overrides the configured universe.
func newCollector(
	cfg *config.Config,
	client *naver.Client,
	cache *redis.Cache,
	rec *metrics.Recorder,
	loc *time.Location,
	static []string,
	log *logger.Logger,
) (*signals.Collector, error) {
	sc := signals.DefaultConfig()
	sc.Markets = cfg.Trading.UniverseMarkets
	sc.Static = cfg.Trading.Universe
	if len(static) > 0 {
		sc.Static = static
	}
	sc.Workers = cfg.Trading.Workers
	sc.FetchTimeout = cfg.Schedule.FetchTimeout
	sc.Location = loc
	if m, err := config.ParseClock(cfg.Schedule.PreMarketStart); err == nil {
		sc.RefreshHour, sc.RefreshMinute = m/60, m%60
	}

	return signals.NewCollector(
		sc,
		client,
		scoring.NewScreener(scoring.DefaultScreenerConfig(), log),
		client,
		client,
		client,
		cache,
		rec,
		log,
	)
}
