package naver

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/wonny/aegis-trader/internal/contracts"
)

// maxFlowPages bounds pagination of the investor page (20 rows per page)
const maxFlowPages = 10

var flowDateRe = regexp.MustCompile(`^\d{4}\.\d{2}\.\d{2}$`)

// FetchInvestorFlow fetches investor trading flow data from Naver Finance
// ⭐ SSOT: Naver Finance 투자자 수급 데이터 호출은 이 함수에서만
func (c *Client) FetchInvestorFlow(ctx context.Context, stockCode string, from, to time.Time) ([]InvestorFlowData, error) {
	var allTrades []InvestorFlowData
	noDataPages := 0

	for page := 1; page <= maxFlowPages; page++ {
		if err := ctx.Err(); err != nil {
			return allTrades, contracts.NewTransientError("naver.investor_flow", stockCode, err)
		}

		params := url.Values{}
		params.Set("code", stockCode)
		params.Set("page", fmt.Sprintf("%d", page))

		body, err := c.fetch(ctx, "naver.investor_flow", stockCode, c.financeURL+"/item/frgn.naver", params)
		if err != nil {
			return allTrades, err
		}

		trades, lastDate, hasMore := c.parseInvestorHTML(string(body), stockCode, from, to)
		allTrades = append(allTrades, trades...)

		// 기준일보다 이전 데이터면 종료
		if !lastDate.IsZero() && lastDate.Before(from) {
			break
		}

		// 더 이상 페이지 없으면 종료
		if !hasMore {
			break
		}

		// 연속으로 데이터 없으면 종료
		if lastDate.IsZero() {
			noDataPages++
			if noDataPages >= 3 {
				break
			}
		} else {
			noDataPages = 0
		}
	}

	c.logger.WithFields(map[string]interface{}{
		"stock_code": stockCode,
		"count":      len(allTrades),
	}).Debug("Fetched investor flow")
	return allTrades, nil
}

// parseInvestorHTML parses Naver Finance HTML page for investor trading data
func (c *Client) parseInvestorHTML(html string, stockCode string, from, to time.Time) ([]InvestorFlowData, time.Time, bool) {
	var trades []InvestorFlowData
	var lastDate time.Time

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return trades, lastDate, false
	}

	// Naver Finance HTML 구조: 두번째 테이블이 데이터 테이블
	tables := doc.Find("table.type2")
	if tables.Length() < 2 {
		return trades, lastDate, false
	}

	tables.Eq(1).Find("tr").Each(func(i int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 7 {
			return
		}

		// 날짜 추출
		dateText := strings.TrimSpace(cells.Eq(0).Text())
		if !flowDateRe.MatchString(dateText) {
			return
		}
		tradeDate, err := time.Parse("2006.01.02", dateText)
		if err != nil {
			return
		}

		lastDate = tradeDate

		// 기간 필터
		if tradeDate.Before(from) || tradeDate.After(to) {
			return
		}

		// 컬럼: 날짜 | 종가 | 대비 | 등락률 | 거래량 | 기관 | 외국인
		instNet := parseNumber(cells.Eq(5).Text())
		foreignNet := parseNumber(cells.Eq(6).Text())

		trades = append(trades, InvestorFlowData{
			StockCode:      stockCode,
			TradeDate:      tradeDate,
			Volume:         parseNumber(cells.Eq(4).Text()),
			ForeignNet:     foreignNet,
			InstitutionNet: instNet,
			IndividualNet:  -(foreignNet + instNet),
		})
	})

	// 다음 페이지 존재 여부 확인
	hasMore := doc.Find(".pgRR").Length() > 0
	return trades, lastDate, hasMore
}

// =============================================================================
// 수급 점수 (0 ~ 50)
// =============================================================================

// FlowScore normalizes foreign + institution net buying over the window to
// [0, 50] as 25 + 25·tanh(3 · net / volume). ok is false without volume.
func FlowScore(flows []InvestorFlowData) (score float64, ok bool) {
	var net, volume float64
	for _, f := range flows {
		net += float64(f.ForeignNet + f.InstitutionNet)
		volume += float64(f.Volume)
	}
	if volume <= 0 {
		return 0, false
	}
	score = 25 + 25*math.Tanh(3*net/volume)
	return math.Max(contracts.FlowMin, math.Min(contracts.FlowMax, score)), true
}

// FlowScoreFor fetches the last days of flow and scores them
func (c *Client) FlowScoreFor(ctx context.Context, stockCode string, now time.Time, days int) (float64, bool, error) {
	from := now.AddDate(0, 0, -days*2) // 휴장일 여유
	flows, err := c.FetchInvestorFlow(ctx, stockCode, from, now)
	if err != nil {
		return 0, false, err
	}
	if len(flows) > days {
		flows = latestFlows(flows, days)
	}
	score, ok := FlowScore(flows)
	return score, ok, nil
}

// latestFlows returns the n most recent rows
func latestFlows(flows []InvestorFlowData, n int) []InvestorFlowData {
	out := make([]InvestorFlowData, len(flows))
	copy(out, flows)
	// 페이지는 최신순
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].TradeDate.After(out[j-1].TradeDate); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out[:n]
}
