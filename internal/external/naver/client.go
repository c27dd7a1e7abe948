package naver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/wonny/aegis-trader/internal/contracts"
	"github.com/wonny/aegis-trader/pkg/httputil"
	"github.com/wonny/aegis-trader/pkg/logger"
)

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"

// Client handles communication with Naver Finance
// ⭐ SSOT: Naver Finance API 호출은 이 클라이언트에서만
type Client struct {
	httpClient *httputil.Client
	logger     *logger.Logger

	financeURL string // HTML (수급, 뉴스)
	chartURL   string // 일봉 차트
	apiURL     string // 거래량/거래대금 랭킹
	mobileURL  string // 현재가, 52주/등락 랭킹
}

// NewClient creates a new Naver Finance client
func NewClient(httpClient *httputil.Client, log *logger.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     log.Component("naver"),
		financeURL: "https://finance.naver.com",
		chartURL:   "https://fchart.stock.naver.com",
		apiURL:     "https://api.stock.naver.com",
		mobileURL:  "https://m.stock.naver.com",
	}
}

// WithBaseURL points every endpoint at base (httptest)
func (c *Client) WithBaseURL(base string) *Client {
	c.financeURL = base
	c.chartURL = base
	c.apiURL = base
	c.mobileURL = base
	return c
}

// fetch performs a GET and returns the body. Transport failures and
// non-200 statuses are TransientIOError.
func (c *Client) fetch(ctx context.Context, op, symbol, rawURL string, params url.Values) ([]byte, error) {
	if len(params) > 0 {
		rawURL = fmt.Sprintf("%s?%s", rawURL, params.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, contracts.NewInputError(op, symbol, fmt.Errorf("create request failed: %w", err))
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Referer", "https://finance.naver.com/")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, contracts.NewTransientError(op, symbol, fmt.Errorf("HTTP request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, contracts.NewTransientError(op, symbol, fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, contracts.NewTransientError(op, symbol, fmt.Errorf("read response body failed: %w", err))
	}
	return body, nil
}

// PriceData represents daily price data
type PriceData struct {
	StockCode    string
	TradeDate    time.Time
	OpenPrice    int64
	HighPrice    int64
	LowPrice     int64
	ClosePrice   int64
	Volume       int64
	TradingValue int64
}

// InvestorFlowData represents investor trading flow
type InvestorFlowData struct {
	StockCode      string
	TradeDate      time.Time
	Volume         int64 // 거래량
	ForeignNet     int64 // 외국인 순매수
	InstitutionNet int64 // 기관 순매수
	IndividualNet  int64 // 개인 순매수 (계산값)
}

// Headline is one news item of a stock
type Headline struct {
	Title     string
	Source    string
	Published time.Time
}
