package scoring

import (
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wonny/aegis-trader/internal/contracts"
)

// Engine implements the two-stage scoring model
// ⭐ SSOT: 점수 합산/랭킹 로직은 여기서만
//
// Engine does no I/O. Defective inputs are scored as zero and flagged on
// the candidate so callers can log them.
type Engine struct {
	profile Profile
	workers int
}

// NewEngine creates a scoring engine for one strategy profile
func NewEngine(profile Profile, workers int) *Engine {
	if workers <= 0 {
		workers = 1
	}
	if profile.CompositeCap <= 0 {
		profile.CompositeCap = DefaultCompositeCap
	}
	return &Engine{
		profile: profile,
		workers: workers,
	}
}

// Profile returns the engine's strategy profile
func (e *Engine) Profile() Profile {
	return e.profile
}

// Score evaluates candidates and returns those at or above the pass
// threshold, ranked by composite (desc), technical (desc), symbol (asc).
func (e *Engine) Score(candidates []contracts.Candidate, now time.Time) []contracts.Candidate {
	scored := make([]contracts.Candidate, len(candidates))

	var g errgroup.Group
	g.SetLimit(e.workers)
	for i := range candidates {
		i := i
		g.Go(func() error {
			scored[i] = e.evaluate(candidates[i], now)
			return nil
		})
	}
	_ = g.Wait() // evaluate never fails

	passed := make([]contracts.Candidate, 0, len(scored))
	for _, c := range scored {
		if c.Composite >= e.profile.PassThreshold {
			passed = append(passed, c)
		}
	}

	Rank(passed)
	return passed
}

// Rescore recomputes the technical sub-score at a fresh price and keeps the
// sentiment and flow sub-scores from the first stage.
func (e *Engine) Rescore(c contracts.Candidate, price float64, now time.Time) contracts.Candidate {
	out := c
	out.Price = price
	out.Inputs.Technical = WithPrice(c.Inputs.Technical, price)
	out.Flags = withoutFlag(c.Flags, contracts.FlagTechnicalDefect)

	tech, ok := TechnicalScore(out.Inputs.Technical)
	if !ok {
		out.Flags = append(out.Flags, contracts.FlagTechnicalDefect)
	}
	out.Scores.Technical = weigh(tech, e.profile.Weights.Technical, contracts.TechnicalMin, contracts.TechnicalMax)
	out.Composite = e.composite(out.Scores)
	out.ScoredAt = now
	return out
}

// Passes reports whether a rescored candidate meets the entry threshold
func (e *Engine) Passes(c contracts.Candidate) bool {
	return c.Composite >= e.profile.EntryThreshold
}

func (e *Engine) evaluate(c contracts.Candidate, now time.Time) contracts.Candidate {
	out := c
	out.Flags = nil
	out.Strategy = e.profile.ID
	out.ScoredAt = now

	tech, ok := TechnicalScore(c.Inputs.Technical)
	if !ok {
		out.Flags = append(out.Flags, contracts.FlagTechnicalDefect)
	}

	sentiment, ok := optionalScore(c.Inputs.Sentiment, contracts.SentimentMin, contracts.SentimentMax)
	if !ok {
		out.Flags = append(out.Flags, contracts.FlagSentimentDefect)
	}

	flow, ok := optionalScore(c.Inputs.Flow, contracts.FlowMin, contracts.FlowMax)
	if !ok {
		out.Flags = append(out.Flags, contracts.FlagFlowDefect)
	}

	w := e.profile.Weights
	out.Scores = contracts.SubScores{
		Technical: weigh(tech, w.Technical, contracts.TechnicalMin, contracts.TechnicalMax),
		Sentiment: weigh(sentiment, w.Sentiment, contracts.SentimentMin, contracts.SentimentMax),
		Flow:      weigh(flow, w.Flow, contracts.FlowMin, contracts.FlowMax),
	}
	out.Composite = e.composite(out.Scores)
	return out
}

func (e *Engine) composite(s contracts.SubScores) float64 {
	return clamp(s.Technical+s.Sentiment+s.Flow, 0, e.profile.CompositeCap)
}

// Rank sorts candidates in place and assigns 1-based ranks
func Rank(candidates []contracts.Candidate) {
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Composite != b.Composite {
			return a.Composite > b.Composite
		}
		if a.Scores.Technical != b.Scores.Technical {
			return a.Scores.Technical > b.Scores.Technical
		}
		return a.Symbol < b.Symbol
	})
	for i := range candidates {
		candidates[i].Rank = i + 1
	}
}

// TopN returns at most n leading candidates
func TopN(candidates []contracts.Candidate, n int) []contracts.Candidate {
	if n <= 0 || len(candidates) <= n {
		return candidates
	}
	return candidates[:n]
}

// optionalScore: nil = 데이터 없음 (0, 정상), NaN/범위 밖 = 결함
func optionalScore(v *float64, lo, hi float64) (float64, bool) {
	if v == nil {
		return 0, true
	}
	if math.IsNaN(*v) || math.IsInf(*v, 0) || *v < lo || *v > hi {
		return 0, false
	}
	return *v, true
}

func weigh(score, weight, lo, hi float64) float64 {
	return clamp(score*weight, lo, hi)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func withoutFlag(flags []contracts.ScoreFlag, drop contracts.ScoreFlag) []contracts.ScoreFlag {
	out := make([]contracts.ScoreFlag, 0, len(flags))
	for _, f := range flags {
		if f != drop {
			out = append(out, f)
		}
	}
	return out
}
