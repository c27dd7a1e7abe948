package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wonny/aegis-trader/internal/contracts"
	"github.com/wonny/aegis-trader/internal/scoring"
	"github.com/wonny/aegis-trader/pkg/config"
	"github.com/wonny/aegis-trader/pkg/logger"
	"github.com/wonny/aegis-trader/pkg/metrics"
	"github.com/wonny/aegis-trader/pkg/redis"
)

// scoreCmd runs one pre-market scan without trading
var scoreCmd = &cobra.Command{
	Use:   "score [symbols...]",
	Short: "장전 스캔 1회 실행 (주문 없음)",
	Long: `유니버스를 수집하고 점수화하여 랭킹을 출력합니다.
종목 코드를 주면 해당 종목만 평가합니다.

Example:
  go run ./cmd/trader score
  go run ./cmd/trader score 005930 000660 --all`,
	RunE: runScore,
}

var (
	scoreTimeout time.Duration
	scoreShowAll bool
)

func init() {
	rootCmd.AddCommand(scoreCmd)

	scoreCmd.Flags().DurationVar(&scoreTimeout, "timeout", 5*time.Minute, "스캔 제한 시간")
	scoreCmd.Flags().BoolVar(&scoreShowAll, "all", false, "Top N 밖의 통과 종목도 출력")
}

func runScore(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg)
	if !verbose {
		log = logger.NewNop()
	}
	rec := metrics.New()

	loc, err := time.LoadLocation(cfg.Schedule.Timezone)
	if err != nil {
		return fmt.Errorf("load timezone: %w", err)
	}

	strategy, err := resolveStrategy(cfg, strategyFlag)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), scoreTimeout)
	defer cancel()

	rc := redis.NewDisabled()
	collector, err := newCollector(cfg, newNaverClient(cfg, rc, log), redis.NewCache(rc, "trader"), rec, loc, args, log)
	if err != nil {
		return err
	}

	now := time.Now().In(loc)
	candidates, err := collector.Candidates(ctx, now)
	if err != nil {
		return fmt.Errorf("collect candidates: %w", err)
	}

	engine := scoring.NewEngine(strategy.Profile, cfg.Trading.Workers)
	ranked := engine.Score(candidates, now)

	printRanking(cmd, strategy.Profile, ranked, scoreShowAll, engine)

	if counts := rec.TransientCounts(); len(counts) > 0 {
		PrintWarning(cmd.OutOrStdout(), fmt.Sprintf("일시 오류: %v", counts))
	}
	return nil
}

func printRanking(cmd *cobra.Command, profile scoring.Profile, ranked []contracts.Candidate, all bool, engine *scoring.Engine) {
	w := cmd.OutOrStdout()
	PrintHeader(w, fmt.Sprintf("Ranking - %s", profile.ID))
	PrintKeyValue(w, "Pass", fmt.Sprintf("%.1f", profile.PassThreshold), 6)
	PrintKeyValue(w, "Entry", fmt.Sprintf("%.1f", profile.EntryThreshold), 6)
	PrintKeyValue(w, "Top N", fmt.Sprintf("%d", profile.TopN), 6)
	PrintSeparator(w)

	widths := []int{4, 8, 14, 10, 8, 8, 8, 8, 6, 20}
	PrintTableHeader(w, []string{"#", "Code", "Name", "Price", "Tech", "Sent", "Flow", "Total", "Entry", "Flags"}, widths)

	shown := 0
	for _, c := range ranked {
		if !all && profile.TopN > 0 && c.Rank > profile.TopN {
			break
		}
		entry := ""
		if engine.Passes(c) {
			entry = "Y"
		}
		flags := make([]string, 0, len(c.Flags))
		for _, f := range c.Flags {
			flags = append(flags, string(f))
		}
		PrintTableRow(w, []string{
			fmt.Sprintf("%d", c.Rank),
			c.Symbol,
			c.Name,
			fmt.Sprintf("%.0f", c.Price),
			fmt.Sprintf("%.1f", c.Scores.Technical),
			fmt.Sprintf("%.1f", c.Scores.Sentiment),
			fmt.Sprintf("%.1f", c.Scores.Flow),
			fmt.Sprintf("%.1f", c.Composite),
			entry,
			strings.Join(flags, ","),
		}, widths)
		shown++
	}

	fmt.Fprintln(w)
	PrintSuccess(w, fmt.Sprintf("%d / %d passing candidates shown", shown, len(ranked)))
}
