package contracts

import "time"

// =============================================================================
// Candidate (스코어링 대상 종목)
// ⭐ SSOT: 스코어링 입력/출력 타입은 여기서만
// =============================================================================

// Sub-score ranges
const (
	TechnicalMin = 0.0
	TechnicalMax = 50.0
	SentimentMin = -50.0
	SentimentMax = 50.0
	FlowMin      = 0.0
	FlowMax      = 50.0
)

// TechnicalInputs are raw indicator values for one symbol
type TechnicalInputs struct {
	Price       float64 `json:"price"`
	MA5         float64 `json:"ma5"`
	MA20        float64 `json:"ma20"`
	MA60        float64 `json:"ma60"`
	RSI         float64 `json:"rsi"`          // RSI(14), 0..100
	MACDHist    float64 `json:"macd_hist"`    // MACD - Signal
	VolumeRatio float64 `json:"volume_ratio"` // 당일 거래량 / 20일 평균
}

// CandidateInputs carries the raw signals of a candidate.
// nil Sentiment / Flow means the source had nothing for the symbol.
type CandidateInputs struct {
	Technical *TechnicalInputs `json:"technical,omitempty"`
	Sentiment *float64         `json:"sentiment,omitempty"` // [-50, 50]
	Flow      *float64         `json:"flow,omitempty"`      // [0, 50]
}

// SubScores are the bounded per-source scores
type SubScores struct {
	Technical float64 `json:"technical"`
	Sentiment float64 `json:"sentiment"`
	Flow      float64 `json:"flow"`
}

// ScoreFlag marks a defective raw input that was scored as zero
type ScoreFlag string

const (
	FlagTechnicalDefect ScoreFlag = "technical_defect"
	FlagSentimentDefect ScoreFlag = "sentiment_defect"
	FlagFlowDefect      ScoreFlag = "flow_defect"
)

// Candidate is a symbol under evaluation for one scoring cycle
type Candidate struct {
	Symbol    string          `json:"symbol"`
	Name      string          `json:"name,omitempty"`
	Price     float64         `json:"price"` // latest price snapshot
	Inputs    CandidateInputs `json:"inputs"`
	Scores    SubScores       `json:"scores"`
	Composite float64         `json:"composite"`
	Rank      int             `json:"rank"`
	Flags     []ScoreFlag     `json:"flags,omitempty"`
	Strategy  StrategyID      `json:"strategy"`
	ScoredAt  time.Time       `json:"scored_at"`
}

// HasFlag reports whether the candidate carries flag
func (c Candidate) HasFlag(flag ScoreFlag) bool {
	for _, f := range c.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Float returns a pointer to v, for optional sentiment / flow inputs
func Float(v float64) *float64 {
	return &v
}
