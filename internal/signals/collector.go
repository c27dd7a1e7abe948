package signals

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wonny/aegis-trader/internal/contracts"
	"github.com/wonny/aegis-trader/internal/external/naver"
	"github.com/wonny/aegis-trader/internal/scoring"
	"github.com/wonny/aegis-trader/pkg/logger"
	"github.com/wonny/aegis-trader/pkg/metrics"
	"github.com/wonny/aegis-trader/pkg/redis"
)

// =============================================================================
// Data sources
// =============================================================================

// UniverseSource lists raw market symbols (rankings)
type UniverseSource interface {
	Listings(ctx context.Context, markets []string, categories []naver.RankingCategory) ([]scoring.Listing, error)
}

// HistorySource returns daily bars, oldest first
type HistorySource interface {
	FetchPrices(ctx context.Context, code string, from, to time.Time) ([]naver.PriceData, error)
}

// SentimentSource is the NewsSource capability: score or absent
type SentimentSource interface {
	SentimentFor(ctx context.Context, code string) (score float64, ok bool, err error)
}

// FlowSource is the flow data capability: score or absent
type FlowSource interface {
	FlowScoreFor(ctx context.Context, code string, now time.Time, days int) (score float64, ok bool, err error)
}

// Config holds collector parameters
type Config struct {
	Markets      []string // KOSPI, KOSDAQ
	Static       []string // 고정 유니버스 (비어있으면 랭킹 사용)
	HistoryDays  int      // 일봉 조회 기간 (달력일)
	FlowDays     int      // 수급 집계 기간 (거래일)
	Workers      int
	FetchTimeout time.Duration

	// 캐시는 다음 장전 시각까지 유효
	Location      *time.Location
	RefreshHour   int
	RefreshMinute int
}

// DefaultConfig returns collector defaults
func DefaultConfig() Config {
	return Config{
		Markets:       []string{"KOSPI", "KOSDAQ"},
		HistoryDays:   150,
		FlowDays:      5,
		Workers:       8,
		FetchTimeout:  10 * time.Second,
		Location:      time.Local,
		RefreshHour:   8,
		RefreshMinute: 30,
	}
}

// Collector builds the day's candidates with raw inputs
// ⭐ SSOT: 후보 종목 원천 신호 수집은 여기서만
type Collector struct {
	config    Config
	universe  UniverseSource
	screener  *scoring.Screener
	history   HistorySource
	sentiment SentimentSource
	flow      FlowSource
	cache     *redis.Cache
	metrics   *metrics.Recorder
	logger    *logger.Logger
}

// NewCollector creates a collector. universe may be nil when Static is set;
// sentiment and flow may be nil (always absent).
func NewCollector(
	config Config,
	universe UniverseSource,
	screener *scoring.Screener,
	history HistorySource,
	sentiment SentimentSource,
	flow FlowSource,
	cache *redis.Cache,
	rec *metrics.Recorder,
	log *logger.Logger,
) (*Collector, error) {
	if history == nil {
		return nil, errors.New("signals: history source is required")
	}
	if universe == nil && len(config.Static) == 0 {
		return nil, errors.New("signals: universe source or static universe is required")
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.Location == nil {
		config.Location = time.Local
	}
	return &Collector{
		config:    config,
		universe:  universe,
		screener:  screener,
		history:   history,
		sentiment: sentiment,
		flow:      flow,
		cache:     cache,
		metrics:   rec,
		logger:    log.Component("signals"),
	}, nil
}

// Candidates implements the scheduler's candidate source
func (c *Collector) Candidates(ctx context.Context, now time.Time) ([]contracts.Candidate, error) {
	start := time.Now()

	listings, err := c.Universe(ctx)
	if err != nil {
		return nil, err
	}

	day := now.In(c.config.Location).Format("2006-01-02")
	results := make([]*contracts.Candidate, len(listings))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.Workers)
	for i, l := range listings {
		i, l := i, l
		g.Go(func() error {
			cand, err := c.collect(gctx, l, day, now)
			if err != nil {
				// 종목 단위 실패는 이번 스캔에서 제외
				c.logger.WithError(err).WithField("symbol", l.Symbol).Debug("Signal collection skipped")
				return nil
			}
			results[i] = cand
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, contracts.NewTransientError("signals.collect", "", err)
	}

	candidates := make([]contracts.Candidate, 0, len(results))
	for _, cand := range results {
		if cand != nil {
			candidates = append(candidates, *cand)
		}
	}

	c.metrics.RecordLatency("signal_collect", time.Since(start).Seconds())
	c.logger.WithFields(map[string]interface{}{
		"universe":   len(listings),
		"candidates": len(candidates),
		"duration":   time.Since(start).String(),
	}).Info("Candidate inputs collected")

	return candidates, nil
}

// Universe returns the screened symbol list
func (c *Collector) Universe(ctx context.Context) ([]scoring.Listing, error) {
	if len(c.config.Static) > 0 {
		listings := make([]scoring.Listing, 0, len(c.config.Static))
		seen := make(map[string]bool, len(c.config.Static))
		for _, sym := range c.config.Static {
			if sym == "" || seen[sym] {
				continue
			}
			seen[sym] = true
			listings = append(listings, scoring.Listing{Symbol: sym})
		}
		return listings, nil
	}

	raw, err := c.universe.Listings(ctx, c.config.Markets, nil)
	if err != nil {
		c.metrics.RecordTransient("universe")
		return nil, fmt.Errorf("universe listings: %w", err)
	}
	if c.screener == nil {
		return raw, nil
	}
	return c.screener.Screen(raw), nil
}

// collect gathers the raw inputs of one symbol
func (c *Collector) collect(ctx context.Context, l scoring.Listing, day string, now time.Time) (*contracts.Candidate, error) {
	key := redis.SignalKey(l.Symbol, day)

	if c.cache != nil {
		var cached contracts.Candidate
		found, err := c.cache.Get(ctx, key, &cached)
		if err != nil {
			c.logger.WithError(err).WithField("symbol", l.Symbol).Warn("Signal cache read failed")
		}
		if found {
			return &cached, nil
		}
	}

	cand := &contracts.Candidate{
		Symbol: l.Symbol,
		Name:   l.Name,
		Price:  l.Price,
	}

	// 1. 일봉 → 기술 지표 (필수)
	tech, lastClose, err := c.technical(ctx, l.Symbol, now)
	if lastClose > 0 {
		cand.Price = lastClose
	}
	if err != nil {
		if contracts.IsTransient(err) {
			c.metrics.RecordTransient("signal_history")
			return nil, err
		}
		// 입력 결함은 technical_defect 로 채점
		c.logger.WithError(err).WithField("symbol", l.Symbol).Debug("Technical inputs unavailable")
	}
	cand.Inputs.Technical = tech

	// 2. 감성/수급 (없으면 absent)
	complete := true
	if c.sentiment != nil {
		score, ok, err := c.withTimeout(ctx, func(fctx context.Context) (float64, bool, error) {
			return c.sentiment.SentimentFor(fctx, l.Symbol)
		})
		switch {
		case err != nil:
			complete = false
			c.metrics.RecordTransient("signal_sentiment")
		case ok:
			cand.Inputs.Sentiment = contracts.Float(score)
		}
	}
	if c.flow != nil {
		score, ok, err := c.withTimeout(ctx, func(fctx context.Context) (float64, bool, error) {
			return c.flow.FlowScoreFor(fctx, l.Symbol, now, c.config.FlowDays)
		})
		switch {
		case err != nil:
			complete = false
			c.metrics.RecordTransient("signal_flow")
		case ok:
			cand.Inputs.Flow = contracts.Float(score)
		}
	}

	if cand.Price <= 0 {
		return nil, contracts.NewInputError("signals.collect", l.Symbol, errors.New("no price"))
	}

	// 부분 실패는 캐시하지 않음 (다음 스캔에서 재시도)
	if c.cache != nil && complete {
		ttl := redis.TTLUntil(now, c.config.Location, c.config.RefreshHour, c.config.RefreshMinute)
		if err := c.cache.Set(ctx, key, cand, ttl); err != nil {
			c.logger.WithError(err).WithField("symbol", l.Symbol).Warn("Signal cache write failed")
		}
	}
	return cand, nil
}

// technical fetches daily bars and derives indicator inputs.
// lastClose is set whenever any bar was returned.
func (c *Collector) technical(ctx context.Context, symbol string, now time.Time) (*contracts.TechnicalInputs, float64, error) {
	fctx, cancel := context.WithTimeout(ctx, c.config.FetchTimeout)
	defer cancel()

	from := now.AddDate(0, 0, -c.config.HistoryDays)
	bars, err := c.history.FetchPrices(fctx, symbol, from, now)
	if err != nil {
		if fctx.Err() != nil && contracts.KindOf(err) == "" {
			return nil, 0, contracts.NewTransientError("signals.history", symbol, err)
		}
		return nil, 0, err
	}
	if len(bars) == 0 {
		return nil, 0, contracts.NewInputError("signals.technical", symbol, errors.New("no daily bars"))
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].TradeDate.Before(bars[j].TradeDate) })
	closes := make([]float64, len(bars))
	volumes := make([]int64, len(bars))
	for i, b := range bars {
		closes[i] = float64(b.ClosePrice)
		volumes[i] = b.Volume
	}

	lastClose := closes[len(closes)-1]
	in, err := scoring.BuildTechnicalInputs(closes, volumes)
	if err != nil {
		return nil, lastClose, contracts.NewInputError("signals.technical", symbol, err)
	}
	return in, lastClose, nil
}

func (c *Collector) withTimeout(ctx context.Context, fn func(context.Context) (float64, bool, error)) (float64, bool, error) {
	fctx, cancel := context.WithTimeout(ctx, c.config.FetchTimeout)
	defer cancel()
	return fn(fctx)
}

// =============================================================================
// Monitored set snapshot
// =============================================================================

// SaveMonitored stores the day's published monitored set
func (c *Collector) SaveMonitored(ctx context.Context, day string, candidates []contracts.Candidate) error {
	if c.cache == nil {
		return nil
	}
	return c.cache.Set(ctx, redis.MonitoredSetKey(day), candidates, redis.TTLDaily)
}

// LoadMonitored returns a stored monitored set (found=false on miss)
func (c *Collector) LoadMonitored(ctx context.Context, day string) ([]contracts.Candidate, bool, error) {
	if c.cache == nil {
		return nil, false, nil
	}
	var out []contracts.Candidate
	found, err := c.cache.Get(ctx, redis.MonitoredSetKey(day), &out)
	return out, found, err
}
