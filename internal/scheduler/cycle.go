package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wonny/aegis-trader/internal/contracts"
	"github.com/wonny/aegis-trader/internal/execution"
	"github.com/wonny/aegis-trader/internal/scoring"
)

// =============================================================================
// PRE_MARKET: 1단계 스코어링
// =============================================================================

// runScan collects inputs, scores and stores the day's monitored set.
// A failed collection leaves the set empty; the day still counts as scanned.
func (s *Scheduler) runScan(ctx context.Context, now time.Time) {
	result := JobResult{JobName: RunPreMarketScan, StartTime: time.Now()}
	day := s.deps.Calendar.DayKey(now)

	scanCtx, cancel := context.WithTimeout(ctx, s.config.ScanTimeout)
	defer cancel()

	var monitored []contracts.Candidate
	universe := 0
	candidates, err := s.deps.Source.Candidates(scanCtx, now)
	if err != nil {
		s.deps.Metrics.RecordTransient("scan")
		s.logger.WithError(err).WithField("day", day).Error("Pre-market scan failed, monitoring nothing today")
		result.Error = err.Error()
	} else {
		universe = len(candidates)
		profile := s.deps.Engine.Profile()
		monitored = scoring.TopN(s.deps.Engine.Score(candidates, now), profile.TopN)
		result.Success = true
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.scannedDay = day
	s.monitored = monitored
	s.mu.Unlock()

	s.deps.Metrics.SetMonitored(len(monitored))

	if result.Success {
		if s.deps.Monitored != nil {
			if err := s.deps.Monitored.SaveMonitored(ctx, day, monitored); err != nil {
				s.logger.WithError(err).Warn("Failed to persist monitored set")
			}
		}
		s.deps.Emitter.Emit(contracts.NewEvent(contracts.EventRankingPublished, "", now, contracts.RankingPublished{
			Date:       day,
			Strategy:   s.deps.Engine.Profile().ID,
			Universe:   universe,
			Candidates: monitored,
		}))
	}

	result.EndTime = time.Now()
	result.Detail = fmt.Sprintf("universe=%d monitored=%d", universe, len(monitored))
	s.record(result)

	s.logger.WithFields(map[string]interface{}{
		"day":       day,
		"universe":  universe,
		"monitored": len(monitored),
	}).Info("Pre-market scan completed")
}

// =============================================================================
// MARKET_HOURS: 시세 갱신 → 리스크 → 2단계 재스코어링 → 진입
// =============================================================================

type quote struct {
	symbol string
	price  float64
	ok     bool
}

// runMarketCycle refreshes prices of monitored and held symbols, routes
// risk exits and submits entries for candidates that pass the entry threshold.
func (s *Scheduler) runMarketCycle(ctx context.Context, now time.Time) {
	result := JobResult{JobName: RunMarketCycle, StartTime: time.Now()}

	s.mu.Lock()
	s.lastCycle = now
	monitored := make([]contracts.Candidate, len(s.monitored))
	copy(monitored, s.monitored)
	s.mu.Unlock()

	symbols := s.cycleSymbols(monitored)
	quotes := s.fetchQuotes(ctx, symbols)

	var exits, entries, failedFetch int
	for _, q := range quotes {
		if !q.ok {
			failedFetch++
		}
	}

	// 1) 보유 종목 리스크 평가
	for _, q := range quotes {
		if !q.ok || ctx.Err() != nil {
			continue
		}
		pos, found := s.deps.Book.MarkPrice(q.symbol, q.price)
		if !found || pos.Status != contracts.PositionOpen {
			continue
		}
		if s.routeRisk(ctx, pos, q.price, now) {
			exits++
		}
	}

	// 1-1) 일일 손실 한도 초과 시 전량 청산, 당일 진입 중단
	halted := ctx.Err() == nil && s.checkDailyLoss(ctx, now)

	// 2) 감시 종목 재스코어링 + 진입 (순위 순)
	prices := make(map[string]float64, len(quotes))
	for _, q := range quotes {
		if q.ok {
			prices[q.symbol] = q.price
		}
	}
	for i, c := range monitored {
		if ctx.Err() != nil {
			break
		}
		price, ok := prices[c.Symbol]
		if !ok {
			continue
		}
		rescored := s.deps.Engine.Rescore(c, price, now)
		monitored[i] = rescored
		if !halted && s.tryEntry(ctx, rescored) {
			entries++
		}
	}

	s.mu.Lock()
	if !s.stopped && len(s.monitored) == len(monitored) {
		s.monitored = monitored
	}
	s.mu.Unlock()

	s.deps.Metrics.SetOpenPositions(len(s.deps.Book.Active()))

	result.EndTime = time.Now()
	result.Success = ctx.Err() == nil
	if !result.Success {
		result.Error = ctx.Err().Error()
	}
	result.Detail = fmt.Sprintf("symbols=%d fetch_failed=%d exits=%d entries=%d halted=%t", len(symbols), failedFetch, exits, entries, halted)
	s.record(result)

	s.logger.WithFields(map[string]interface{}{
		"symbols":      len(symbols),
		"fetch_failed": failedFetch,
		"exits":        exits,
		"entries":      entries,
		"halted":       halted,
	}).Info("Market cycle completed")
}

// cycleSymbols is monitored symbols in rank order, then held symbols
func (s *Scheduler) cycleSymbols(monitored []contracts.Candidate) []string {
	seen := make(map[string]bool)
	var symbols []string
	for _, c := range monitored {
		if !seen[c.Symbol] {
			seen[c.Symbol] = true
			symbols = append(symbols, c.Symbol)
		}
	}

	var held []string
	for _, p := range s.deps.Book.Active() {
		if !seen[p.Symbol] {
			seen[p.Symbol] = true
			held = append(held, p.Symbol)
		}
	}
	sort.Strings(held)
	return append(symbols, held...)
}

// fetchQuotes fetches prices concurrently. A failed fetch skips the symbol
// for this cycle only.
func (s *Scheduler) fetchQuotes(ctx context.Context, symbols []string) []quote {
	quotes := make([]quote, len(symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Workers)
	for i, symbol := range symbols {
		i, symbol := i, symbol
		g.Go(func() error {
			fetchCtx, cancel := context.WithTimeout(gctx, s.config.FetchTimeout)
			defer cancel()

			start := time.Now()
			price, err := s.deps.Prices.GetPrice(fetchCtx, symbol)
			s.deps.Metrics.RecordLatency("price_fetch", time.Since(start).Seconds())

			q := quote{symbol: symbol}
			if err != nil || price <= 0 {
				s.deps.Metrics.RecordTransient("price_fetch")
				log := s.logger.WithField("symbol", symbol)
				if err != nil {
					log = log.WithError(err)
				}
				log.Warn("Price fetch failed, skipping symbol this cycle")
			} else {
				q.price, q.ok = price, true
			}

			quotes[i] = q
			return nil // 종목 단위 실패는 사이클을 중단하지 않음
		})
	}
	_ = g.Wait()
	return quotes
}

// routeRisk evaluates an open position and submits the exit it calls for
func (s *Scheduler) routeRisk(ctx context.Context, pos contracts.Position, price float64, now time.Time) bool {
	action, intent := s.deps.Risk.Evaluate(pos, price)
	if intent == nil {
		return false
	}

	s.deps.Emitter.Emit(contracts.NewEvent(contracts.EventRiskExit, pos.Symbol, now, contracts.RiskExit{
		Action: action,
		Intent: *intent,
	}))

	order, err := s.deps.Orders.SubmitExit(ctx, *intent)
	if err != nil {
		s.deps.Metrics.RecordRejectedIntent(rejectReason(err))
		s.logger.WithError(err).WithFields(map[string]interface{}{
			"symbol":      pos.Symbol,
			"position_id": pos.ID,
			"reason":      intent.Reason,
		}).Warn("Risk exit not submitted")
		return false
	}

	s.logger.WithFields(map[string]interface{}{
		"symbol":   pos.Symbol,
		"order_id": order.ID,
		"action":   action,
		"price":    price,
		"quantity": intent.Quantity,
	}).Info("Risk exit submitted")
	return true
}

// tryEntry submits a BUY when the candidate passes the entry threshold, the
// symbol has no active position and the guard allows it.
func (s *Scheduler) tryEntry(ctx context.Context, c contracts.Candidate) bool {
	if !s.deps.Engine.Passes(c) {
		return false
	}
	if _, active := s.deps.Book.BySymbol(c.Symbol); active {
		return false
	}
	if s.deps.Orders.InFlight(c.Symbol, contracts.OrderSideBuy) {
		return false
	}

	qty := execution.EntryQuantity(s.config.BudgetPerStock, c.Composite, c.Price)
	if qty <= 0 {
		s.deps.Metrics.RecordRejectedIntent("invalid_quantity")
		return false
	}

	summary := s.deps.Book.Summary(s.deps.Calendar.StartOfDay(c.ScoredAt))
	if reason, err := s.deps.Guard.CheckEntry(c.Symbol, summary, float64(qty)*c.Price); err != nil {
		s.deps.Metrics.RecordRejectedIntent(reason)
		return false
	}

	profile := s.deps.Engine.Profile()
	order, err := s.deps.Orders.SubmitEntry(ctx, contracts.EntryIntent{
		Symbol:    c.Symbol,
		Quantity:  qty,
		PriceHint: c.Price,
		Composite: c.Composite,
		Strategy:  profile.ID,
		DayOnly:   profile.DayOnly,
	})
	if err != nil {
		s.deps.Metrics.RecordRejectedIntent(rejectReason(err))
		s.logger.WithError(err).WithField("symbol", c.Symbol).Warn("Entry not submitted")
		return false
	}

	s.logger.WithFields(map[string]interface{}{
		"symbol":    c.Symbol,
		"order_id":  order.ID,
		"composite": c.Composite,
		"quantity":  qty,
		"price":     c.Price,
	}).Info("Entry submitted")
	return true
}

// =============================================================================
// SETTLEMENT: 감시 해제, 당일 청산, 일일 요약
// =============================================================================

// runSettlement clears the monitored set, flattens day-only positions and
// emits the day's summary. Later SETTLEMENT ticks retry the flatten through
// retrySettlement without a second summary.
func (s *Scheduler) runSettlement(ctx context.Context, now time.Time, day string) {
	result := JobResult{JobName: RunSettlement, StartTime: time.Now()}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.settledDay = day
	monitoredCount := len(s.monitored)
	s.monitored = nil
	s.mu.Unlock()
	s.deps.Metrics.SetMonitored(0)

	cancelled, forced, failed := s.flattenDayOnly(ctx, now)

	since, err := time.ParseInLocation("2006-01-02", day, s.deps.Calendar.Location())
	if err != nil {
		since = s.deps.Calendar.StartOfDay(now)
	}
	summary := s.deps.Book.Summary(since)
	transient := s.deps.Metrics.TransientCounts()
	s.deps.Emitter.Emit(contracts.NewEvent(contracts.EventCycleSummary, "", now, contracts.CycleSummary{
		Date:            day,
		Monitored:       monitoredCount,
		OpenPositions:   summary.OpenPositions,
		ClosedToday:     summary.ClosedSince,
		RealizedPnL:     summary.RealizedPnL,
		UnrealizedPnL:   summary.UnrealizedPnL,
		OrdersByStatus:  s.deps.Orders.StatusCounts(since),
		ForcedExits:     forced,
		TransientErrors: transient,
	}))
	s.deps.Metrics.SetOpenPositions(summary.OpenPositions)

	result.EndTime = time.Now()
	result.Success = failed == 0
	if failed > 0 {
		result.Error = fmt.Sprintf("%d settlement actions failed", failed)
	}
	result.Detail = fmt.Sprintf("cancelled=%d forced_exits=%d", cancelled, forced)
	s.record(result)

	s.logger.WithFields(map[string]interface{}{
		"day":            day,
		"cancelled":      cancelled,
		"forced_exits":   forced,
		"failed":         failed,
		"open_positions": summary.OpenPositions,
		"realized_pnl":   summary.RealizedPnL,
	}).Info("Settlement completed")
}

// retrySettlement re-runs the day-only flatten on a settled day until no
// day-only position is left open
func (s *Scheduler) retrySettlement(ctx context.Context, now time.Time) {
	cancelled, forced, failed := s.flattenDayOnly(ctx, now)
	if cancelled+forced+failed == 0 {
		return
	}
	s.logger.WithFields(map[string]interface{}{
		"cancelled":    cancelled,
		"forced_exits": forced,
		"failed":       failed,
	}).Warn("Settlement flatten retried")
}

func (s *Scheduler) flattenDayOnly(ctx context.Context, now time.Time) (cancelled, forced, failed int) {
	dayOnly := func(p contracts.Position) bool { return p.DayOnly }
	cancelled, cf := s.cancelEntries(ctx, dayOnly, execution.ReasonSettlement)
	forced, ff := s.forceExits(ctx, now, dayOnly, contracts.ExitReasonSettlement)
	return cancelled, forced, cf + ff
}

// cancelEntries cancels live entry orders whose position matches
func (s *Scheduler) cancelEntries(ctx context.Context, match func(contracts.Position) bool, reason string) (cancelled, failed int) {
	for _, o := range s.deps.Orders.Live() {
		if o.Purpose != contracts.PurposeEntry {
			continue
		}
		pos, err := s.deps.Book.Snapshot(o.PositionID)
		if err != nil || !match(pos) {
			continue
		}
		if _, err := s.deps.Orders.CancelWithReason(ctx, o.ID, reason); err != nil {
			failed++
			s.logger.WithError(err).WithFields(map[string]interface{}{
				"order_id": o.ID,
				"reason":   reason,
			}).Warn("Failed to cancel entry")
			continue
		}
		cancelled++
	}
	return cancelled, failed
}

// forceExits submits full exits for OPEN positions that match.
// PENDING_EXIT positions already have an exit working and are skipped.
func (s *Scheduler) forceExits(ctx context.Context, now time.Time, match func(contracts.Position) bool, reason contracts.ExitReason) (forced, failed int) {
	for _, pos := range s.deps.Book.Active() {
		if pos.Status != contracts.PositionOpen || pos.Quantity <= 0 || !match(pos) {
			continue
		}
		intent := contracts.ExitIntent{
			PositionID:   pos.ID,
			Symbol:       pos.Symbol,
			Quantity:     pos.Quantity,
			PriceHint:    pos.LastPrice,
			Reason:       reason,
			TriggerPrice: pos.LastPrice,
			Thresholds:   pos.Thresholds,
		}
		if reason == contracts.ExitReasonDailyLoss {
			s.deps.Emitter.Emit(contracts.NewEvent(contracts.EventRiskExit, pos.Symbol, now, contracts.RiskExit{
				Action: contracts.ActionExitDailyLoss,
				Intent: intent,
			}))
		}
		if _, err := s.deps.Orders.SubmitExit(ctx, intent); err != nil {
			failed++
			s.deps.Metrics.RecordRejectedIntent(rejectReason(err))
			s.logger.WithError(err).WithFields(map[string]interface{}{
				"symbol": pos.Symbol,
				"reason": reason,
			}).Error("Forced exit not submitted")
			continue
		}
		forced++
	}
	return forced, failed
}

// =============================================================================
// 일일 손실 한도
// =============================================================================

// checkDailyLoss halts new entries for the rest of the day once the guard
// reports the daily loss limit, then cancels live entries and liquidates
// every open position. It retries the liquidation on each cycle of a
// halted day.
func (s *Scheduler) checkDailyLoss(ctx context.Context, now time.Time) bool {
	day := s.deps.Calendar.DayKey(now)
	if !s.halted(day) {
		if !s.deps.Guard.DailyLossBreached(s.deps.Book.Summary(s.deps.Calendar.StartOfDay(now))) {
			return false
		}
		s.mu.Lock()
		s.haltedDay = day
		s.mu.Unlock()
		s.logger.WithField("day", day).Error("Trading halted for the day: daily loss limit")
	}

	all := func(contracts.Position) bool { return true }
	cancelled, cf := s.cancelEntries(ctx, all, execution.ReasonDailyLoss)
	forced, ff := s.forceExits(ctx, now, all, contracts.ExitReasonDailyLoss)
	if cancelled+forced+cf+ff > 0 {
		s.logger.WithFields(map[string]interface{}{
			"cancelled":    cancelled,
			"forced_exits": forced,
			"failed":       cf + ff,
		}).Warn("Daily loss liquidation")
	}
	return true
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, contracts.ErrDuplicateInFlight):
		return "duplicate_in_flight"
	case errors.Is(err, contracts.ErrPositionActive):
		return "position_active"
	case errors.Is(err, contracts.ErrNoOpenQuantity):
		return "no_open_quantity"
	case errors.Is(err, contracts.ErrEntryBlocked):
		return "entry_blocked"
	default:
		if kind := contracts.KindOf(err); kind != "" {
			return string(kind)
		}
		return "submit_error"
	}
}
