package naver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInvestorHTML(t *testing.T) {
	// Sample HTML from Naver Finance investor page
	sampleHTML := `
		<html>
		<body>
		<table class="type2">
			<tr><th>Header</th></tr>
		</table>
		<table class="type2">
			<tr>
				<td>2024.01.15</td>
				<td>72,500</td>
				<td>+500</td>
				<td>+0.69%</td>
				<td>1,000,000</td>
				<td>+50,000</td>
				<td>+30,000</td>
			</tr>
			<tr>
				<td>2024.01.16</td>
				<td>73,000</td>
				<td>+500</td>
				<td>+0.69%</td>
				<td>1,200,000</td>
				<td>+60,000</td>
				<td>+40,000</td>
			</tr>
			<tr>
				<td>invalid date</td>
				<td>73,000</td>
			</tr>
		</table>
		</body>
		</html>
	`

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)

	c := &Client{}
	trades, lastDate, hasMore := c.parseInvestorHTML(sampleHTML, "005930", from, to)

	// Should parse 2 valid rows
	if len(trades) != 2 {
		t.Errorf("parseInvestorHTML() got %d trades, want 2", len(trades))
	}

	// Verify first trade
	if len(trades) > 0 {
		trade := trades[0]
		if trade.StockCode != "005930" {
			t.Errorf("StockCode = %s, want 005930", trade.StockCode)
		}
		expectedDate := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
		if !trade.TradeDate.Equal(expectedDate) {
			t.Errorf("TradeDate = %v, want %v", trade.TradeDate, expectedDate)
		}
		if trade.InstitutionNet != 50000 {
			t.Errorf("InstitutionNet = %d, want 50000", trade.InstitutionNet)
		}
		if trade.ForeignNet != 30000 {
			t.Errorf("ForeignNet = %d, want 30000", trade.ForeignNet)
		}
		// Individual = -(Foreign + Institution)
		expectedIndividual := int64(-(30000 + 50000))
		if trade.IndividualNet != expectedIndividual {
			t.Errorf("IndividualNet = %d, want %d", trade.IndividualNet, expectedIndividual)
		}
	}

	// Verify last date
	if lastDate.IsZero() {
		t.Error("parseInvestorHTML() lastDate is zero")
	}

	// hasMore should be false (no pagination links in sample)
	if hasMore {
		t.Error("parseInvestorHTML() hasMore = true, want false")
	}
}

func TestParseInvestorHTMLNoTables(t *testing.T) {
	html := "<html><body></body></html>"
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)

	c := &Client{}
	trades, lastDate, hasMore := c.parseInvestorHTML(html, "005930", from, to)

	if len(trades) != 0 {
		t.Errorf("parseInvestorHTML() got %d trades, want 0", len(trades))
	}
	if !lastDate.IsZero() {
		t.Error("parseInvestorHTML() lastDate should be zero")
	}
	if hasMore {
		t.Error("parseInvestorHTML() hasMore = true, want false")
	}
}

func TestParseInvestorHTMLDateFilter(t *testing.T) {
	html := `
		<html>
		<body>
		<table class="type2"></table>
		<table class="type2">
			<tr>
				<td>2024.01.15</td>
				<td>72,500</td>
				<td>+500</td>
				<td>+0.69%</td>
				<td>1,000,000</td>
				<td>+50,000</td>
				<td>+30,000</td>
			</tr>
			<tr>
				<td>2024.02.15</td>
				<td>73,000</td>
				<td>+500</td>
				<td>+0.69%</td>
				<td>1,200,000</td>
				<td>+60,000</td>
				<td>+40,000</td>
			</tr>
		</table>
		</body>
		</html>
	`

	// Filter: only January 2024
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)

	c := &Client{}
	trades, _, _ := c.parseInvestorHTML(html, "005930", from, to)

	// Should only get the January date
	if len(trades) != 1 {
		t.Errorf("parseInvestorHTML() with date filter got %d trades, want 1", len(trades))
	}

	if len(trades) > 0 {
		expectedDate := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
		if !trades[0].TradeDate.Equal(expectedDate) {
			t.Errorf("Filtered trade date = %v, want %v", trades[0].TradeDate, expectedDate)
		}
	}
}

func TestParseInvestorHTML_Volume(t *testing.T) {
	html := `<table class="type2"></table>
		<table class="type2">
			<tr><td>2024.01.15</td><td>72,500</td><td>+500</td><td>+0.69%</td><td>1,000,000</td><td>-50,000</td><td>+30,000</td></tr>
		</table>
		<a class="pgRR" href="?page=2">맨뒤</a>`
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)

	c := &Client{}
	trades, _, hasMore := c.parseInvestorHTML(html, "005930", from, to)
	require.Len(t, trades, 1)
	assert.Equal(t, int64(1_000_000), trades[0].Volume)
	assert.Equal(t, int64(-50_000), trades[0].InstitutionNet)
	assert.Equal(t, int64(20_000), trades[0].IndividualNet)
	assert.True(t, hasMore)
}

func TestFlowScore(t *testing.T) {
	day := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		flows  []InvestorFlowData
		wantOK bool
		check  func(t *testing.T, score float64)
	}{
		{
			name:   "no rows",
			wantOK: false,
		},
		{
			name:   "no volume",
			flows:  []InvestorFlowData{{TradeDate: day, ForeignNet: 100}},
			wantOK: false,
		},
		{
			name:   "balanced flow is neutral",
			flows:  []InvestorFlowData{{TradeDate: day, Volume: 1000, ForeignNet: 100, InstitutionNet: -100}},
			wantOK: true,
			check:  func(t *testing.T, score float64) { assert.InDelta(t, 25.0, score, 1e-9) },
		},
		{
			name:   "heavy buying approaches max",
			flows:  []InvestorFlowData{{TradeDate: day, Volume: 1000, ForeignNet: 600, InstitutionNet: 400}},
			wantOK: true,
			check: func(t *testing.T, score float64) {
				assert.Greater(t, score, 49.0)
				assert.LessOrEqual(t, score, 50.0)
			},
		},
		{
			name:   "selling below neutral",
			flows:  []InvestorFlowData{{TradeDate: day, Volume: 1000, ForeignNet: -100}},
			wantOK: true,
			check: func(t *testing.T, score float64) {
				assert.Less(t, score, 25.0)
				assert.GreaterOrEqual(t, score, 0.0)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, ok := FlowScore(tt.flows)
			assert.Equal(t, tt.wantOK, ok)
			if tt.check != nil {
				tt.check(t, score)
			}
		})
	}
}

func TestLatestFlows(t *testing.T) {
	d := func(day int) InvestorFlowData {
		return InvestorFlowData{TradeDate: time.Date(2024, 1, day, 0, 0, 0, 0, time.UTC)}
	}
	got := latestFlows([]InvestorFlowData{d(10), d(12), d(11), d(9)}, 2)
	require.Len(t, got, 2)
	assert.Equal(t, 12, got[0].TradeDate.Day())
	assert.Equal(t, 11, got[1].TradeDate.Day())
}
