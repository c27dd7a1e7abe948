package kis

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/wonny/aegis-trader/pkg/config"
	"github.com/wonny/aegis-trader/pkg/httputil"
	"github.com/wonny/aegis-trader/pkg/logger"
)

// WebSocket URLs
const (
	WSURLReal = "ws://ops.koreainvestment.com:21000/"
	WSURLDemo = "ws://ops.koreainvestment.com:31000/"

	// TR IDs
	TRIDExecutionReal = "H0STCNI0" // 실전 체결통보
	TRIDExecutionDemo = "H0STCNI9" // 모의 체결통보

	// Timing
	PingInterval          = 30 * time.Second
	ReconnectInitialDelay = 1 * time.Second
	ReconnectMaxDelay     = 30 * time.Second
)

// WSClient receives KIS execution notices and keeps the session alive
type WSClient struct {
	cfg        config.KISConfig
	httpClient *httputil.Client
	logger     *logger.Logger
	wsURL      string

	approvalKey string

	conn      *websocket.Conn
	connMu    sync.Mutex
	connected atomic.Bool

	onExecution func(ExecutionNotice)
}

// NewWSClient creates a new WebSocket client
func NewWSClient(cfg config.KISConfig, httpClient *httputil.Client, log *logger.Logger) *WSClient {
	wsURL := cfg.WSURL
	if wsURL == "" {
		wsURL = WSURLReal
		if cfg.IsVirtual {
			wsURL = WSURLDemo
		}
	}
	return &WSClient{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     log.Component("kis_ws"),
		wsURL:      wsURL,
	}
}

// OnExecution sets the execution notice callback (called from the read loop)
func (c *WSClient) OnExecution(fn func(ExecutionNotice)) { c.onExecution = fn }

// IsConnected returns connection status
func (c *WSClient) IsConnected() bool {
	return c.connected.Load()
}

// Run keeps a session alive until ctx is done, reconnecting with exponential backoff
func (c *WSClient) Run(ctx context.Context) error {
	if c.cfg.HtsID == "" {
		return errors.New("kis websocket: HTS ID not set")
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = ReconnectInitialDelay
	policy.MaxInterval = ReconnectMaxDelay
	policy.MaxElapsedTime = 0 // 장중에는 무기한 재시도

	attempt := 0
	notify := func(err error, delay time.Duration) {
		c.logger.WithError(err).WithFields(map[string]interface{}{
			"attempt": attempt,
			"delay":   delay.String(),
		}).Warn("KIS WebSocket connect failed, retrying")
	}

	for {
		attempt = 0
		err := backoff.RetryNotify(func() error {
			attempt++
			return c.connect(ctx)
		}, backoff.WithContext(policy, ctx), notify)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		policy.Reset()

		c.logger.Info("KIS WebSocket connected")
		err = c.readLoop(ctx)
		c.connected.Store(false)
		if ctx.Err() != nil {
			c.logger.Info("KIS WebSocket disconnected")
			return nil
		}
		c.logger.WithError(err).Warn("KIS WebSocket session lost, reconnecting")
	}
}

// connect gets an approval key, dials and subscribes execution notices
func (c *WSClient) connect(ctx context.Context) error {
	if err := c.getApprovalKey(ctx); err != nil {
		return fmt.Errorf("get approval key: %w", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	if err := c.subscribeExecution(); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe execution: %w", err)
	}
	c.connected.Store(true)
	return nil
}

// getApprovalKey gets WebSocket approval key
func (c *WSClient) getApprovalKey(ctx context.Context) error {
	resp, err := c.httpClient.PostJSON(ctx, c.cfg.BaseURL+"/oauth2/Approval", map[string]string{
		"grant_type": "client_credentials",
		"appkey":     c.cfg.AppKey,
		"secretkey":  c.cfg.AppSecret,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("approval status %d", resp.StatusCode)
	}

	var result struct {
		ApprovalKey string `json:"approval_key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return err
	}
	if result.ApprovalKey == "" {
		return errors.New("empty approval key")
	}

	c.approvalKey = result.ApprovalKey
	return nil
}

// subscribeExecution subscribes to execution notifications of the HTS ID
func (c *WSClient) subscribeExecution() error {
	trID := TRIDExecutionReal
	if c.cfg.IsVirtual {
		trID = TRIDExecutionDemo
	}

	msg := wsMessage{
		Header: wsHeader{
			ApprovalKey: c.approvalKey,
			Custtype:    "P",
			TrType:      "1",
			ContentType: "utf-8",
		},
		Body: wsBody{
			Input: wsInput{
				TrID:  trID,
				TrKey: c.cfg.HtsID,
			},
		},
	}
	return c.write(func(conn *websocket.Conn) error { return conn.WriteJSON(msg) })
}

func (c *WSClient) write(fn func(*websocket.Conn) error) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return errors.New("not connected")
	}
	return fn(c.conn)
}

// readLoop reads until the connection breaks or ctx is done
func (c *WSClient) readLoop(ctx context.Context) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()

	done := make(chan struct{})
	defer close(done)

	// ctx 종료 시 연결을 닫아 ReadMessage 를 깨움 + 주기적 ping
	go func() {
		ticker := time.NewTicker(PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				if err := c.write(func(conn *websocket.Conn) error {
					return conn.WriteMessage(websocket.PingMessage, nil)
				}); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	defer func() {
		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read error: %w", err)
		}
		c.handleMessage(message)
	}
}

// handleMessage processes incoming message
func (c *WSClient) handleMessage(data []byte) {
	// PINGPONG 은 그대로 돌려보냄
	if strings.Contains(string(data), "PINGPONG") {
		_ = c.write(func(conn *websocket.Conn) error {
			return conn.WriteMessage(websocket.TextMessage, data)
		})
		return
	}

	// KIS format: encrypted|TR_ID|count|data
	parts := strings.SplitN(string(data), "|", 4)
	if len(parts) < 4 {
		return // JSON response (subscription confirmation)
	}

	encrypted, trID, body := parts[0], parts[1], parts[3]
	if trID != TRIDExecutionReal && trID != TRIDExecutionDemo {
		return
	}

	if encrypted == "1" {
		decrypted, err := c.decryptData(body)
		if err != nil {
			c.logger.WithError(err).Error("Failed to decrypt execution data")
			return
		}
		body = decrypted
	}

	notice, ok := parseExecutionData(body, time.Now())
	if !ok {
		c.logger.WithField("body", body).Warn("Malformed execution notice")
		return
	}
	if c.onExecution != nil {
		c.onExecution(notice)
	}
}

// parseExecutionData parses one execution notice record.
// Fields: 고객ID^계좌번호^주문번호^원주문번호^매도매수구분^정정구분^주문종류^주문조건^종목코드^
// 체결수량^체결단가^체결시간^거부여부^체결여부^접수여부^지점번호^주문수량^계좌명^체결종목명...
func parseExecutionData(body string, receivedAt time.Time) (ExecutionNotice, bool) {
	fields := strings.Split(body, "^")
	if len(fields) < 17 || fields[2] == "" {
		return ExecutionNotice{}, false
	}

	notice := ExecutionNotice{
		OrderNo:       fields[2],
		OrigOrderNo:   fields[3],
		Side:          fields[4],
		StockCode:     fields[8],
		ExecutedQty:   parseIntSafe(fields[9]),
		ExecutedPrice: parseIntSafe(fields[10]),
		ExecutedTime:  fields[11],
		Rejected:      fields[12] == "1" || fields[12] == "Y",
		Filled:        fields[13] == "2",
		OrderQuantity: parseIntSafe(fields[16]),
		ReceivedAt:    receivedAt,
	}
	if len(fields) > 18 {
		notice.StockName = fields[18]
	}
	if notice.Filled && (notice.ExecutedQty <= 0 || notice.ExecutedPrice <= 0) {
		return ExecutionNotice{}, false
	}
	return notice, true
}

// decryptData decrypts AES-256-CBC encrypted data
func (c *WSClient) decryptData(encrypted string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", err
	}

	// Key: first 32 bytes of appSecret, IV: first 16 bytes
	key := fitBytes([]byte(c.cfg.AppSecret), 32)
	iv := fitBytes([]byte(c.cfg.AppSecret), 16)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	if len(ciphertext) < aes.BlockSize || len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("invalid ciphertext length %d", len(ciphertext))
	}

	mode := cipher.NewCBCDecrypter(block, iv)
	plaintext := make([]byte, len(ciphertext))
	mode.CryptBlocks(plaintext, ciphertext)

	// Remove PKCS7 padding
	padding := int(plaintext[len(plaintext)-1])
	if padding == 0 || padding > aes.BlockSize || padding > len(plaintext) {
		return "", errors.New("invalid padding")
	}
	return string(plaintext[:len(plaintext)-padding]), nil
}

func fitBytes(b []byte, n int) []byte {
	out := make([]byte, n)
	copy(out, b)
	return out
}

// Internal message types
type wsMessage struct {
	Header wsHeader `json:"header"`
	Body   wsBody   `json:"body,omitempty"`
}

type wsHeader struct {
	ApprovalKey string `json:"approval_key,omitempty"`
	Custtype    string `json:"custtype,omitempty"`
	TrType      string `json:"tr_type,omitempty"`
	ContentType string `json:"content-type,omitempty"`
}

type wsBody struct {
	Input wsInput `json:"input,omitempty"`
}

type wsInput struct {
	TrID  string `json:"tr_id"`
	TrKey string `json:"tr_key"`
}

// String renders a notice for logs
func (n ExecutionNotice) String() string {
	return n.OrderNo + ":" + strconv.FormatInt(n.ExecutedQty, 10) + "@" + strconv.FormatInt(n.ExecutedPrice, 10)
}
