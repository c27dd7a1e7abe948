package naver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/wonny/aegis-trader/internal/contracts"
	"github.com/wonny/aegis-trader/internal/scoring"
)

// RankingItem represents a single ranking item
type RankingItem struct {
	Rank         int
	StockCode    string
	StockName    string
	Market       string
	Price        float64
	TradingValue float64 // 원
}

// RankingCategory represents the type of ranking
type RankingCategory string

const (
	RankingHigh52Week  RankingCategory = "high52week"   // 52주 신고가
	RankingUpper       RankingCategory = "upper"        // 상승률
	RankingVolume      RankingCategory = "trading"      // 거래량상위
	RankingValue       RankingCategory = "tradingValue" // 거래대금상위
	RankingVolumeSurge RankingCategory = "quantHigh"    // 거래량급증
	RankingMarketCap   RankingCategory = "top"          // 시가총액
)

// API 타입 1: m.stock.naver.com (52주, 상승, 시총)
var mobileAPIEndpoints = map[RankingCategory]string{
	RankingHigh52Week: "high52week",
	RankingUpper:      "up",
	RankingMarketCap:  "marketValue",
}

// API 타입 2: api.stock.naver.com (거래량, 거래대금, 거래량급증)
var stockAPISortTypes = map[RankingCategory]string{
	RankingVolume:      "ACC_TRADING_VOLUME",
	RankingValue:       "ACC_TRADING_VALUE",
	RankingVolumeSurge: "TRADING_VOLUME_INCREASE",
}

// rankingResponse covers both endpoints (same stock item shape)
type rankingResponse struct {
	Stocks []rankingStock `json:"stocks"`
}

type rankingStock struct {
	ItemCode                string `json:"itemCode"`
	StockName               string `json:"stockName"`
	ClosePrice              string `json:"closePrice"`              // "72,500"
	AccumulatedTradingValue string `json:"accumulatedTradingValue"` // 백만원 단위
}

// GetRanking fetches one ranking list in rank order
// market: "KOSPI" or "KOSDAQ"
func (c *Client) GetRanking(ctx context.Context, category RankingCategory, market string) ([]RankingItem, error) {
	var rawURL string
	params := url.Values{}
	params.Set("page", "1")
	params.Set("pageSize", "100")

	if endpoint, ok := mobileAPIEndpoints[category]; ok {
		rawURL = fmt.Sprintf("%s/api/stocks/%s/%s", c.mobileURL, endpoint, url.PathEscape(market))
	} else if sortType, ok := stockAPISortTypes[category]; ok {
		rawURL = fmt.Sprintf("%s/stock/exchange/%s", c.apiURL, url.PathEscape(market))
		params.Set("type", "ALL")
		params.Set("sortType", sortType)
	} else {
		return nil, contracts.NewInputError("naver.ranking", "", fmt.Errorf("unknown ranking category: %s", category))
	}

	body, err := c.fetch(ctx, "naver.ranking", "", rawURL, params)
	if err != nil {
		return nil, err
	}

	var apiResp rankingResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, contracts.NewInputError("naver.ranking", "", fmt.Errorf("decode response: %w", err))
	}

	items := make([]RankingItem, 0, len(apiResp.Stocks))
	for i, stock := range apiResp.Stocks {
		items = append(items, RankingItem{
			Rank:         i + 1,
			StockCode:    stock.ItemCode,
			StockName:    stock.StockName,
			Market:       market,
			Price:        float64(parseNumber(stock.ClosePrice)),
			TradingValue: float64(parseNumber(stock.AccumulatedTradingValue)) * 1_000_000,
		})
	}

	c.logger.WithFields(map[string]interface{}{
		"category": category,
		"market":   market,
		"count":    len(items),
	}).Debug("Fetched ranking")

	return items, nil
}

// DefaultUniverseCategories are the rankings merged into the raw universe
var DefaultUniverseCategories = []RankingCategory{
	RankingValue,
	RankingVolumeSurge,
	RankingUpper,
	RankingHigh52Week,
}

// Listings merges ranking lists of the markets into screener input.
// A failing category is skipped; all failing is an error.
func (c *Client) Listings(ctx context.Context, markets []string, categories []RankingCategory) ([]scoring.Listing, error) {
	if len(categories) == 0 {
		categories = DefaultUniverseCategories
	}

	var (
		listings []scoring.Listing
		lastErr  error
		fetched  int
	)
	seen := make(map[string]bool)

	for _, market := range markets {
		for _, cat := range categories {
			items, err := c.GetRanking(ctx, cat, market)
			if err != nil {
				lastErr = err
				c.logger.WithError(err).WithFields(map[string]interface{}{
					"category": cat,
					"market":   market,
				}).Warn("Failed to fetch ranking")
				continue
			}
			fetched++

			for _, it := range items {
				if it.StockCode == "" || seen[it.StockCode] {
					continue
				}
				seen[it.StockCode] = true
				listings = append(listings, scoring.Listing{
					Symbol:       it.StockCode,
					Name:         it.StockName,
					Market:       it.Market,
					Price:        it.Price,
					TradingValue: it.TradingValue,
				})
			}
		}
	}

	if fetched == 0 && lastErr != nil {
		return nil, lastErr
	}
	return listings, nil
}
