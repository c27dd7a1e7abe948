package naver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/wonny/aegis-trader/internal/contracts"
)

// FetchPrices fetches daily price data for a stock from Naver Finance
// ⭐ SSOT: Naver Finance 가격 API 호출은 이 함수에서만
func (c *Client) FetchPrices(ctx context.Context, stockCode string, from, to time.Time) ([]PriceData, error) {
	params := url.Values{}
	params.Set("symbol", stockCode)
	params.Set("requestType", "1")
	params.Set("startTime", from.Format("20060102"))
	params.Set("endTime", to.Format("20060102"))
	params.Set("timeframe", "day")

	body, err := c.fetch(ctx, "naver.prices", stockCode, c.chartURL+"/siseJson.naver", params)
	if err != nil {
		return nil, err
	}

	prices, err := c.parsePriceResponse(string(body))
	if err != nil {
		return nil, contracts.NewInputError("naver.prices", stockCode, fmt.Errorf("parse response failed: %w", err))
	}
	for i := range prices {
		prices[i].StockCode = stockCode
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].TradeDate.Before(prices[j].TradeDate) })

	c.logger.WithFields(map[string]interface{}{
		"stock_code": stockCode,
		"count":      len(prices),
	}).Debug("Fetched prices")
	return prices, nil
}

// parsePriceResponse parses Naver Finance JSON response
func (c *Client) parsePriceResponse(body string) ([]PriceData, error) {
	body = strings.TrimSpace(body)
	body = strings.ReplaceAll(body, "'", "\"")

	// Try JSON parsing first
	var rawData [][]interface{}
	if err := json.Unmarshal([]byte(body), &rawData); err == nil {
		return c.parsePriceJSON(rawData)
	}

	// Fallback to regex parsing
	return c.parsePriceRegex(body)
}

// parsePriceJSON parses JSON array format
func (c *Client) parsePriceJSON(rawData [][]interface{}) ([]PriceData, error) {
	var prices []PriceData
	for i, row := range rawData {
		if i == 0 || len(row) < 6 {
			continue // Skip header
		}

		dateStr, ok := row[0].(string)
		if !ok {
			continue
		}
		tradeDate, err := time.Parse("20060102", strings.TrimSpace(strings.Trim(dateStr, "\"")))
		if err != nil {
			continue
		}

		closePrice := toInt64(row[4])
		volume := toInt64(row[5])
		prices = append(prices, PriceData{
			TradeDate:    tradeDate,
			OpenPrice:    toInt64(row[1]),
			HighPrice:    toInt64(row[2]),
			LowPrice:     toInt64(row[3]),
			ClosePrice:   closePrice,
			Volume:       volume,
			TradingValue: closePrice * volume,
		})
	}
	return prices, nil
}

var priceRowRe = regexp.MustCompile(`\["(\d{8})",\s*(\d+),\s*(\d+),\s*(\d+),\s*(\d+),\s*(\d+)`)

// parsePriceRegex parses using regex (fallback)
func (c *Client) parsePriceRegex(body string) ([]PriceData, error) {
	var prices []PriceData
	for _, match := range priceRowRe.FindAllStringSubmatch(body, -1) {
		tradeDate, err := time.Parse("20060102", match[1])
		if err != nil {
			continue
		}

		openPrice, _ := strconv.ParseInt(match[2], 10, 64)
		highPrice, _ := strconv.ParseInt(match[3], 10, 64)
		lowPrice, _ := strconv.ParseInt(match[4], 10, 64)
		closePrice, _ := strconv.ParseInt(match[5], 10, 64)
		volume, _ := strconv.ParseInt(match[6], 10, 64)

		prices = append(prices, PriceData{
			TradeDate:    tradeDate,
			OpenPrice:    openPrice,
			HighPrice:    highPrice,
			LowPrice:     lowPrice,
			ClosePrice:   closePrice,
			Volume:       volume,
			TradingValue: closePrice * volume,
		})
	}
	return prices, nil
}

// basicResponse is m.stock.naver.com/api/stock/{code}/basic
type basicResponse struct {
	ItemCode   string `json:"itemCode"`
	StockName  string `json:"stockName"`
	ClosePrice string `json:"closePrice"` // "72,500" (장중에는 현재가)
}

// CurrentPrice fetches the latest traded price of a stock
func (c *Client) CurrentPrice(ctx context.Context, stockCode string) (float64, error) {
	body, err := c.fetch(ctx, "naver.current_price", stockCode,
		fmt.Sprintf("%s/api/stock/%s/basic", c.mobileURL, url.PathEscape(stockCode)), nil)
	if err != nil {
		return 0, err
	}

	var resp basicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, contracts.NewInputError("naver.current_price", stockCode, fmt.Errorf("decode response: %w", err))
	}
	price := parseNumber(resp.ClosePrice)
	if price <= 0 {
		return 0, contracts.NewInputError("naver.current_price", stockCode, fmt.Errorf("invalid price %q", resp.ClosePrice))
	}
	return float64(price), nil
}

// GetPrice implements the price feed used by the paper broker and scheduler
func (c *Client) GetPrice(ctx context.Context, symbol string) (float64, error) {
	return c.CurrentPrice(ctx, symbol)
}

// toInt64 converts various types to int64
func toInt64(v interface{}) int64 {
	switch val := v.(type) {
	case float64:
		return int64(val)
	case int64:
		return val
	case int:
		return int64(val)
	case string:
		return parseNumber(val)
	default:
		return 0
	}
}

// parseNumber parses "1,234", "+500", "-1,200" (empty or "-" → 0)
func parseNumber(s string) int64 {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, "+", "")
	if s == "" || s == "-" {
		return 0
	}
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
