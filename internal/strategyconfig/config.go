package strategyconfig

import (
	"time"

	"github.com/wonny/aegis-trader/internal/contracts"
	"github.com/wonny/aegis-trader/internal/scoring"
)

// Config는 전략 프로필 파일 전체
// ⭐ SSOT: 파일 기반 전략 파라미터는 이 구조체로만 읽음
type Config struct {
	Meta     Meta      `yaml:"meta" json:"meta"`
	Profiles []Profile `yaml:"profiles" json:"profiles" validate:"required,min=1,dive"`
}

// Meta 메타 정보
type Meta struct {
	Version string `yaml:"version" json:"version" default:"1"`
	Default string `yaml:"default" json:"default" validate:"required"` // 기본 전략 id
}

// Weights are sub-score multipliers. nil = 1.0, explicit 0 disables a source.
type Weights struct {
	Technical *float64 `yaml:"technical" json:"technical" default:"1" validate:"omitempty,gte=0,lte=5"`
	Sentiment *float64 `yaml:"sentiment" json:"sentiment" default:"1" validate:"omitempty,gte=0,lte=5"`
	Flow      *float64 `yaml:"flow" json:"flow" default:"1" validate:"omitempty,gte=0,lte=5"`
}

// Profile is one strategy entry in the file
type Profile struct {
	ID             string  `yaml:"id" json:"id" validate:"required"`
	Weights        Weights `yaml:"weights" json:"weights"`
	PassThreshold  float64 `yaml:"pass_threshold" json:"pass_threshold" default:"60" validate:"gte=0,lte=100"`
	EntryThreshold float64 `yaml:"entry_threshold" json:"entry_threshold" default:"70" validate:"gte=0,lte=100"`
	CompositeCap   float64 `yaml:"composite_cap" json:"composite_cap" default:"100" validate:"gt=0,lte=150"`
	TopN           int     `yaml:"top_n" json:"top_n" default:"20" validate:"gte=1,lte=200"`
	DayOnly        bool    `yaml:"day_only" json:"day_only"`
	StopRatio      float64 `yaml:"stop_ratio" json:"stop_ratio" default:"0.05" validate:"gt=0,lt=1"`
	TargetRatio    float64 `yaml:"target_ratio" json:"target_ratio" default:"0.10" validate:"gt=0,lt=1"`
}

// ScoringProfile converts the entry to a scoring profile
func (p Profile) ScoringProfile() scoring.Profile {
	return scoring.Profile{
		ID: contracts.StrategyID(p.ID),
		Weights: scoring.Weights{
			Technical: weight(p.Weights.Technical),
			Sentiment: weight(p.Weights.Sentiment),
			Flow:      weight(p.Weights.Flow),
		},
		PassThreshold:  p.PassThreshold,
		EntryThreshold: p.EntryThreshold,
		CompositeCap:   p.CompositeCap,
		TopN:           p.TopN,
		DayOnly:        p.DayOnly,
		StopRatio:      p.StopRatio,
		TargetRatio:    p.TargetRatio,
	}
}

func weight(v *float64) float64 {
	if v == nil {
		return 1
	}
	return *v
}

// ScoringProfiles returns every profile keyed by id
func (c *Config) ScoringProfiles() map[contracts.StrategyID]scoring.Profile {
	out := make(map[contracts.StrategyID]scoring.Profile, len(c.Profiles))
	for _, p := range c.Profiles {
		out[contracts.StrategyID(p.ID)] = p.ScoringProfile()
	}
	return out
}

// Profile returns the profile with id, falling back to the file default
// when id is empty.
func (c *Config) Profile(id contracts.StrategyID) (scoring.Profile, bool) {
	if id == "" {
		id = contracts.StrategyID(c.Meta.Default)
	}
	for _, p := range c.Profiles {
		if p.ID == string(id) {
			return p.ScoringProfile(), true
		}
	}
	return scoring.Profile{}, false
}

// DecisionSnapshot records which strategy file a run used (감사용)
type DecisionSnapshot struct {
	ConfigHash string    `json:"config_hash"`
	ConfigYAML string    `json:"config_yaml"`
	StrategyID string    `json:"strategy_id"`
	Version    string    `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
}
