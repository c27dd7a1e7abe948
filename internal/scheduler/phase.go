package scheduler

import (
	"fmt"
	"time"
)

// =============================================================================
// Trading day phases
// =============================================================================

// Phase is the scheduler state over a trading day
type Phase string

const (
	PhaseIdle        Phase = "IDLE"
	PhasePreMarket   Phase = "PRE_MARKET"
	PhaseMarketHours Phase = "MARKET_HOURS"
	PhaseSettlement  Phase = "SETTLEMENT"
)

// AllPhases lists phases in daily order
var AllPhases = []Phase{PhaseIdle, PhasePreMarket, PhaseMarketHours, PhaseSettlement}

// PhaseNames returns AllPhases as strings (metrics labels)
func PhaseNames() []string {
	out := make([]string, len(AllPhases))
	for i, p := range AllPhases {
		out[i] = string(p)
	}
	return out
}

func (p Phase) rank() int {
	switch p {
	case PhasePreMarket:
		return 1
	case PhaseMarketHours:
		return 2
	case PhaseSettlement:
		return 3
	default:
		return 0
	}
}

// Windows are the phase boundaries in minutes after local midnight.
// MarketClose may equal SettlementStart; otherwise the gap between them
// belongs to no window.
type Windows struct {
	PreMarketStart  int
	MarketOpen      int
	MarketClose     int
	SettlementStart int
	SettlementEnd   int
}

// DefaultWindows returns 08:30 / 09:00 / 15:30 / 16:00 / 16:30
func DefaultWindows() Windows {
	return Windows{
		PreMarketStart:  8*60 + 30,
		MarketOpen:      9 * 60,
		MarketClose:     15*60 + 30,
		SettlementStart: 16 * 60,
		SettlementEnd:   16*60 + 30,
	}
}

// Validate checks the windows are ordered
func (w Windows) Validate() error {
	if !(w.PreMarketStart < w.MarketOpen &&
		w.MarketOpen < w.MarketClose &&
		w.MarketClose <= w.SettlementStart &&
		w.SettlementStart < w.SettlementEnd &&
		w.SettlementEnd <= 24*60) {
		return fmt.Errorf("phase windows out of order: %+v", w)
	}
	return nil
}

// InMarket reports whether minute m is inside the market window
func (w Windows) InMarket(m int) bool {
	return m >= w.MarketOpen && m < w.MarketClose
}

// window returns the phase whose window covers minute m, and false for gaps
func (w Windows) window(m int) (Phase, bool) {
	switch {
	case m < w.PreMarketStart, m >= w.SettlementEnd:
		return PhaseIdle, true
	case m < w.MarketOpen:
		return PhasePreMarket, true
	case m < w.MarketClose:
		return PhaseMarketHours, true
	case m >= w.SettlementStart:
		return PhaseSettlement, true
	default:
		return "", false // 장마감 ~ 정산 시작 사이
	}
}

// Calendar knows trading days in one timezone
type Calendar struct {
	loc      *time.Location
	holidays map[string]bool
}

// NewCalendar creates a calendar. Holidays are YYYY-MM-DD.
func NewCalendar(loc *time.Location, holidays []string) (*Calendar, error) {
	if loc == nil {
		return nil, fmt.Errorf("nil location")
	}
	c := &Calendar{loc: loc, holidays: make(map[string]bool, len(holidays))}
	for _, h := range holidays {
		if _, err := time.ParseInLocation("2006-01-02", h, loc); err != nil {
			return nil, fmt.Errorf("invalid holiday %q: %w", h, err)
		}
		c.holidays[h] = true
	}
	return c, nil
}

// Location returns the calendar timezone
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// IsTradingDay reports whether t falls on a weekday that is not a holiday
func (c *Calendar) IsTradingDay(t time.Time) bool {
	local := t.In(c.loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !c.holidays[local.Format("2006-01-02")]
}

// DayKey returns the local date of t (YYYY-MM-DD)
func (c *Calendar) DayKey(t time.Time) string {
	return t.In(c.loc).Format("2006-01-02")
}

// StartOfDay returns local midnight of t
func (c *Calendar) StartOfDay(t time.Time) time.Time {
	local := t.In(c.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc)
}

// MinuteOfDay returns minutes after local midnight
func (c *Calendar) MinuteOfDay(t time.Time) int {
	local := t.In(c.loc)
	return local.Hour()*60 + local.Minute()
}

// Resolve returns the phase for now given the current phase.
//   - non-trading day: IDLE
//   - inside a window: that window's phase, never moving backwards within a day
//   - in a gap between windows: stay in current
func Resolve(cal *Calendar, w Windows, now time.Time, current Phase) Phase {
	if !cal.IsTradingDay(now) {
		return PhaseIdle
	}
	target, ok := w.window(cal.MinuteOfDay(now))
	if !ok {
		return current
	}
	if target != PhaseIdle && target.rank() < current.rank() {
		return current
	}
	return target
}
