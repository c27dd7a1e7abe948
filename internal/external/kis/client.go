package kis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/wonny/aegis-trader/internal/contracts"
	"github.com/wonny/aegis-trader/pkg/config"
	"github.com/wonny/aegis-trader/pkg/httputil"
	"github.com/wonny/aegis-trader/pkg/logger"
)

// Client handles communication with KIS (한국투자증권) REST API
// ⭐ SSOT: KIS API 호출은 이 클라이언트에서만
type Client struct {
	httpClient *httputil.Client
	logger     *logger.Logger
	cfg        config.KISConfig

	// 주문 요청 속도 제한 (초당 OrderRate 건)
	orderLimiter *rate.Limiter

	// Token management
	accessToken string
	tokenExpiry time.Time
	tokenMu     sync.RWMutex

	// 주문번호 → 한국거래소 전송 주문조직번호 (취소 시 필요)
	orgNoMu sync.Mutex
	orgNos  map[string]string
}

// NewClient creates a new KIS API client.
// httpClient should have retry disabled: an order POST must never be replayed.
func NewClient(cfg config.KISConfig, httpClient *httputil.Client, log *logger.Logger) *Client {
	c := &Client{
		httpClient: httpClient,
		logger:     log.Component("kis"),
		cfg:        cfg,
		orgNos:     make(map[string]string),
	}
	if cfg.OrderRate > 0 {
		c.orderLimiter = rate.NewLimiter(rate.Limit(cfg.OrderRate), 1)
	}
	return c
}

// TokenResponse represents the OAuth token response
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// getToken gets a valid access token, refreshing if necessary
func (c *Client) getToken(ctx context.Context) (string, error) {
	c.tokenMu.RLock()
	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		token := c.accessToken
		c.tokenMu.RUnlock()
		return token, nil
	}
	c.tokenMu.RUnlock()

	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	// Double-check after acquiring write lock
	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	resp, err := c.httpClient.PostJSON(ctx, c.cfg.BaseURL+"/oauth2/tokenP", map[string]string{
		"grant_type": "client_credentials",
		"appkey":     c.cfg.AppKey,
		"appsecret":  c.cfg.AppSecret,
	})
	if err != nil {
		return "", contracts.NewTransientError("kis.token", "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", contracts.NewTransientError("kis.token", "",
			fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody)))
	}

	var tokenResp TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", contracts.NewTransientError("kis.token", "", fmt.Errorf("decode token response: %w", err))
	}

	c.accessToken = tokenResp.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn-60) * time.Second) // 1분 여유

	c.logger.WithFields(map[string]interface{}{
		"expires_in": tokenResp.ExpiresIn,
	}).Info("KIS access token refreshed")

	return c.accessToken, nil
}

// envelope is the common KIS response header
type envelope struct {
	RtCd  string `json:"rt_cd"`
	MsgCd string `json:"msg_cd"`
	Msg1  string `json:"msg1"`
}

// request makes an authenticated request and returns the body.
// Transport failures and non-200 statuses are TransientIOError.
func (c *Client) request(ctx context.Context, op, symbol, method, path, trID string, query url.Values, body []byte) ([]byte, error) {
	token, err := c.getToken(ctx)
	if err != nil {
		return nil, err
	}

	rawURL := c.cfg.BaseURL + path
	if len(query) > 0 {
		rawURL += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, contracts.NewInputError(op, symbol, fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("authorization", fmt.Sprintf("Bearer %s", token))
	req.Header.Set("appkey", c.cfg.AppKey)
	req.Header.Set("appsecret", c.cfg.AppSecret)
	req.Header.Set("custtype", "P")
	if trID != "" {
		req.Header.Set("tr_id", trID)
	}
	if body != nil {
		hashkey, err := c.getHashkey(ctx, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("hashkey", hashkey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, contracts.NewTransientError(op, symbol, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, contracts.NewTransientError(op, symbol, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, contracts.NewTransientError(op, symbol,
			fmt.Errorf("API error status %d: %s", resp.StatusCode, string(respBody)))
	}
	return respBody, nil
}

// getHashkey generates hashkey for POST requests
func (c *Client) getHashkey(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/uapi/hashkey", bytes.NewReader(body))
	if err != nil {
		return "", contracts.NewInputError("kis.hashkey", "", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("appkey", c.cfg.AppKey)
	req.Header.Set("appsecret", c.cfg.AppSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", contracts.NewTransientError("kis.hashkey", "", err)
	}
	defer resp.Body.Close()

	var result hashkeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", contracts.NewTransientError("kis.hashkey", "", fmt.Errorf("decode hashkey: %w", err))
	}
	return result.Hash, nil
}

// GetPrice gets the real-time current price of a stock
func (c *Client) GetPrice(ctx context.Context, stockCode string) (float64, error) {
	query := url.Values{}
	query.Set("fid_cond_mrkt_div_code", "J")
	query.Set("fid_input_iscd", stockCode)

	body, err := c.request(ctx, "kis.price", stockCode, http.MethodGet,
		"/uapi/domestic-stock/v1/quotations/inquire-price", TRIDCurrentPrice, query, nil)
	if err != nil {
		return 0, err
	}

	var result struct {
		envelope
		Output struct {
			Price string `json:"stck_prpr"`
		} `json:"output"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return 0, contracts.NewInputError("kis.price", stockCode, fmt.Errorf("decode response: %w", err))
	}
	if result.RtCd != "0" {
		return 0, contracts.NewInputError("kis.price", stockCode, fmt.Errorf("%s - %s", result.MsgCd, result.Msg1))
	}

	price := parseFloatSafe(result.Output.Price)
	if price <= 0 {
		return 0, contracts.NewInputError("kis.price", stockCode, fmt.Errorf("invalid price %q", result.Output.Price))
	}
	return price, nil
}

// account splits the 10-digit account number (CANO 8 + 상품코드 2)
func (c *Client) account() (cano, prdt string, err error) {
	if len(c.cfg.AccountNo) < 10 {
		return "", "", fmt.Errorf("invalid account number")
	}
	return c.cfg.AccountNo[:8], c.cfg.AccountNo[8:10], nil
}
