package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wonny/aegis-trader/internal/scheduler"
	"github.com/wonny/aegis-trader/pkg/config"
)

// windowsCmd prints the configured phase windows
var windowsCmd = &cobra.Command{
	Use:   "windows",
	Short: "장 단계 시간표 및 거래일 여부 출력",
	Long: `설정된 PRE_MARKET / MARKET_HOURS / SETTLEMENT 시간대와
지정한 날짜가 거래일인지 출력합니다.

Example:
  go run ./cmd/trader windows
  go run ./cmd/trader windows --date 2026-03-02`,
	RunE: runWindows,
}

var windowsDate string

func init() {
	rootCmd.AddCommand(windowsCmd)

	windowsCmd.Flags().StringVar(&windowsDate, "date", "", "확인할 날짜 YYYY-MM-DD (기본값: 오늘)")
}

func runWindows(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	loc, err := time.LoadLocation(cfg.Schedule.Timezone)
	if err != nil {
		return fmt.Errorf("load timezone: %w", err)
	}

	windows, err := scheduleWindows(cfg.Schedule)
	if err != nil {
		return err
	}
	calendar, err := scheduler.NewCalendar(loc, cfg.Schedule.Holidays)
	if err != nil {
		return err
	}

	day := time.Now().In(loc)
	if windowsDate != "" {
		day, err = time.ParseInLocation("2006-01-02", windowsDate, loc)
		if err != nil {
			return fmt.Errorf("invalid --date %q: %w", windowsDate, err)
		}
	}

	printWindows(cmd, windows, calendar, day)
	if windowsDate == "" {
		PrintKeyValue(cmd.OutOrStdout(), "현재 단계", string(scheduler.Resolve(calendar, windows, day, scheduler.PhaseIdle)), 8)
	}
	return nil
}

func printWindows(cmd *cobra.Command, w scheduler.Windows, cal *scheduler.Calendar, day time.Time) {
	out := cmd.OutOrStdout()
	PrintHeader(out, fmt.Sprintf("Phase Windows - %s", cal.Location()))

	widths := []int{14, 6, 6}
	PrintTableHeader(out, []string{"Phase", "Start", "End"}, widths)
	PrintTableRow(out, []string{string(scheduler.PhasePreMarket), formatClock(w.PreMarketStart), formatClock(w.MarketOpen)}, widths)
	PrintTableRow(out, []string{string(scheduler.PhaseMarketHours), formatClock(w.MarketOpen), formatClock(w.MarketClose)}, widths)
	PrintTableRow(out, []string{string(scheduler.PhaseSettlement), formatClock(w.SettlementStart), formatClock(w.SettlementEnd)}, widths)
	PrintSeparator(out)

	key := cal.DayKey(day)
	if cal.IsTradingDay(day) {
		PrintSuccess(out, fmt.Sprintf("%s (%s) 거래일", key, day.Weekday()))
	} else {
		PrintWarning(out, fmt.Sprintf("%s (%s) 휴장일", key, day.Weekday()))
	}
}
