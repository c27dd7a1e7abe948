package scoring

import (
	"fmt"

	"github.com/wonny/aegis-trader/internal/contracts"
)

// =============================================================================
// Strategy Profiles
// ⭐ SSOT: 전략별 가중치/임계값 기본값은 여기서만
// =============================================================================

// Weights scale each sub-score before clamping
type Weights struct {
	Technical float64 `yaml:"technical" json:"technical"`
	Sentiment float64 `yaml:"sentiment" json:"sentiment"`
	Flow      float64 `yaml:"flow" json:"flow"`
}

// Profile is the scoring and exit parametrisation of one strategy
type Profile struct {
	ID             contracts.StrategyID `json:"id"`
	Weights        Weights              `json:"weights"`
	PassThreshold  float64              `json:"pass_threshold"`  // 1차 통과 (랭킹 포함)
	EntryThreshold float64              `json:"entry_threshold"` // 재평가 후 진입
	CompositeCap   float64              `json:"composite_cap"`
	TopN           int                  `json:"top_n"`
	DayOnly        bool                 `json:"day_only"` // 당일 청산
	StopRatio      float64              `json:"stop_ratio"`
	TargetRatio    float64              `json:"target_ratio"`
}

// DefaultCompositeCap is the upper bound of a composite score
const DefaultCompositeCap = 100.0

var defaultProfiles = map[contracts.StrategyID]Profile{
	contracts.StrategyMomentum: {
		ID:             contracts.StrategyMomentum,
		Weights:        Weights{Technical: 1, Sentiment: 1, Flow: 1},
		PassThreshold:  60,
		EntryThreshold: 70,
		CompositeCap:   DefaultCompositeCap,
		TopN:           20,
		StopRatio:      0.05,
		TargetRatio:    0.10,
	},
	contracts.StrategyBreakout: {
		ID:             contracts.StrategyBreakout,
		Weights:        Weights{Technical: 1.2, Sentiment: 0.8, Flow: 1},
		PassThreshold:  65,
		EntryThreshold: 75,
		CompositeCap:   DefaultCompositeCap,
		TopN:           15,
		StopRatio:      0.04,
		TargetRatio:    0.12,
	},
	contracts.StrategyRSIReversal: {
		ID:             contracts.StrategyRSIReversal,
		Weights:        Weights{Technical: 1, Sentiment: 1, Flow: 0.8},
		PassThreshold:  55,
		EntryThreshold: 65,
		CompositeCap:   DefaultCompositeCap,
		TopN:           20,
		StopRatio:      0.03,
		TargetRatio:    0.06,
	},
	contracts.StrategyScalping3m: {
		ID:             contracts.StrategyScalping3m,
		Weights:        Weights{Technical: 1, Sentiment: 0.5, Flow: 1},
		PassThreshold:  60,
		EntryThreshold: 70,
		CompositeCap:   DefaultCompositeCap,
		TopN:           10,
		DayOnly:        true,
		StopRatio:      0.003,
		TargetRatio:    0.005,
	},
	contracts.StrategySwing: {
		ID:             contracts.StrategySwing,
		Weights:        Weights{Technical: 0.8, Sentiment: 1.2, Flow: 1.2},
		PassThreshold:  60,
		EntryThreshold: 72,
		CompositeCap:   DefaultCompositeCap,
		TopN:           20,
		StopRatio:      0.07,
		TargetRatio:    0.15,
	},
}

// DefaultProfile returns the built-in profile for id
func DefaultProfile(id contracts.StrategyID) (Profile, error) {
	p, ok := defaultProfiles[id]
	if !ok {
		return Profile{}, fmt.Errorf("no default profile for strategy %q", id)
	}
	return p, nil
}

// DefaultProfiles returns every built-in profile, in AllStrategies order
func DefaultProfiles() []Profile {
	out := make([]Profile, 0, len(contracts.AllStrategies))
	for _, id := range contracts.AllStrategies {
		out = append(out, defaultProfiles[id])
	}
	return out
}

// Overrides replaces profile fields with non-zero values
type Overrides struct {
	TopN           int
	PassThreshold  float64
	EntryThreshold float64
	StopRatio      float64
	TargetRatio    float64
}

// Apply returns a copy of p with every non-zero override applied
func (o Overrides) Apply(p Profile) Profile {
	if o.TopN > 0 {
		p.TopN = o.TopN
	}
	if o.PassThreshold > 0 {
		p.PassThreshold = o.PassThreshold
	}
	if o.EntryThreshold > 0 {
		p.EntryThreshold = o.EntryThreshold
	}
	if o.StopRatio > 0 {
		p.StopRatio = o.StopRatio
	}
	if o.TargetRatio > 0 {
		p.TargetRatio = o.TargetRatio
	}
	return p
}

// Validate checks the profile is usable by the engine
func (p Profile) Validate() error {
	if _, err := contracts.ParseStrategyID(string(p.ID)); err != nil {
		return err
	}
	if p.Weights.Technical < 0 || p.Weights.Sentiment < 0 || p.Weights.Flow < 0 {
		return fmt.Errorf("%s: weights must be non-negative", p.ID)
	}
	if p.CompositeCap <= 0 {
		return fmt.Errorf("%s: composite cap must be positive", p.ID)
	}
	if p.PassThreshold < 0 || p.PassThreshold > p.CompositeCap {
		return fmt.Errorf("%s: pass threshold %.1f outside [0, %.1f]", p.ID, p.PassThreshold, p.CompositeCap)
	}
	if p.EntryThreshold < p.PassThreshold || p.EntryThreshold > p.CompositeCap {
		return fmt.Errorf("%s: entry threshold %.1f must be in [pass threshold, cap]", p.ID, p.EntryThreshold)
	}
	if p.TopN <= 0 {
		return fmt.Errorf("%s: top_n must be positive", p.ID)
	}
	if p.StopRatio <= 0 || p.StopRatio >= 1 || p.TargetRatio <= 0 || p.TargetRatio >= 1 {
		return fmt.Errorf("%s: stop/target ratios must be in (0, 1)", p.ID)
	}
	return nil
}
