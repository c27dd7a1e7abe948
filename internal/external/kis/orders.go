package kis

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/wonny/aegis-trader/internal/contracts"
)

// TR IDs
const (
	TRIDCurrentPrice = "FHKST01010100" // 국내주식 현재가

	// 매수
	TRIDBuyReal    = "TTTC0802U"
	TRIDBuyVirtual = "VTTC0802U"

	// 매도
	TRIDSellReal    = "TTTC0801U"
	TRIDSellVirtual = "VTTC0801U"

	// 취소
	TRIDCancelReal    = "TTTC0803U"
	TRIDCancelVirtual = "VTTC0803U"
)

func (c *Client) trID(real, virtual string) string {
	if c.cfg.IsVirtual {
		return virtual
	}
	return real
}

// SubmitOrder places a cash order and returns the KIS order number.
// priceHint 0 means market order. A non-zero rt_cd is a BrokerRejection.
func (c *Client) SubmitOrder(ctx context.Context, symbol string, side contracts.OrderSide, qty int64, priceHint float64) (string, error) {
	if qty <= 0 {
		return "", contracts.NewInputError("kis.submit", symbol, fmt.Errorf("invalid quantity %d", qty))
	}
	cano, prdt, err := c.account()
	if err != nil {
		return "", contracts.NewInputError("kis.submit", symbol, err)
	}

	if c.orderLimiter != nil {
		if err := c.orderLimiter.Wait(ctx); err != nil {
			return "", contracts.NewTransientError("kis.submit", symbol, fmt.Errorf("order rate wait: %w", err))
		}
	}

	trID := c.trID(TRIDBuyReal, TRIDBuyVirtual)
	if side == contracts.OrderSideSell {
		trID = c.trID(TRIDSellReal, TRIDSellVirtual)
	}

	// 00: 지정가, 01: 시장가
	ordDvsn, price := "01", int64(0)
	if priceHint > 0 {
		ordDvsn, price = "00", int64(math.Round(priceHint))
	}

	body, err := json.Marshal(placeOrderRequestBody{
		CANO:         cano,
		ACNT_PRDT_CD: prdt,
		PDNO:         symbol,
		ORD_DVSN:     ordDvsn,
		ORD_QTY:      strconv.FormatInt(qty, 10),
		ORD_UNPR:     strconv.FormatInt(price, 10),
	})
	if err != nil {
		return "", contracts.NewInputError("kis.submit", symbol, fmt.Errorf("marshal order body: %w", err))
	}

	respBody, err := c.request(ctx, "kis.submit", symbol, http.MethodPost,
		"/uapi/domestic-stock/v1/trading/order-cash", trID, nil, body)
	if err != nil {
		return "", err
	}

	var result placeOrderResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", contracts.NewTransientError("kis.submit", symbol, fmt.Errorf("decode order response: %w", err))
	}
	if result.RtCd != "0" {
		c.logger.WithFields(map[string]interface{}{
			"stock_code": symbol,
			"side":       side,
			"msg_cd":     result.MsgCd,
			"error":      result.Msg1,
		}).Warn("Order rejected by KIS")
		return "", contracts.NewBrokerRejection("kis.submit", symbol, fmt.Errorf("%s - %s", result.MsgCd, result.Msg1))
	}

	orderNo := result.Output.ODNO
	c.orgNoMu.Lock()
	c.orgNos[orderNo] = result.Output.KRX_FWDG_ORD_ORGNO
	c.orgNoMu.Unlock()

	c.logger.WithFields(map[string]interface{}{
		"stock_code": symbol,
		"side":       side,
		"order_no":   orderNo,
		"quantity":   qty,
		"price":      price,
	}).Info("Order placed successfully")

	return orderNo, nil
}

// CancelOrder cancels the unfilled remainder of an order
func (c *Client) CancelOrder(ctx context.Context, orderNo string) error {
	cano, prdt, err := c.account()
	if err != nil {
		return contracts.NewInputError("kis.cancel", "", err)
	}

	c.orgNoMu.Lock()
	orgNo := c.orgNos[orderNo]
	c.orgNoMu.Unlock()

	body, err := json.Marshal(cancelOrderRequestBody{
		CANO:               cano,
		ACNT_PRDT_CD:       prdt,
		KRX_FWDG_ORD_ORGNO: orgNo,
		ORGN_ODNO:          orderNo,
		ORD_DVSN:           "00",
		RVSE_CNCL_DVSN_CD:  "02", // 02: 취소
		ORD_QTY:            "0",
		ORD_UNPR:           "0",
		QTY_ALL_ORD_YN:     "Y", // 잔량 전부
	})
	if err != nil {
		return contracts.NewInputError("kis.cancel", "", fmt.Errorf("marshal cancel body: %w", err))
	}

	respBody, err := c.request(ctx, "kis.cancel", "", http.MethodPost,
		"/uapi/domestic-stock/v1/trading/order-rvsecncl", c.trID(TRIDCancelReal, TRIDCancelVirtual), nil, body)
	if err != nil {
		return err
	}

	var result placeOrderResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return contracts.NewTransientError("kis.cancel", "", fmt.Errorf("decode cancel response: %w", err))
	}
	if result.RtCd != "0" {
		return contracts.NewBrokerRejection("kis.cancel", "", fmt.Errorf("%s - %s", result.MsgCd, result.Msg1))
	}

	c.orgNoMu.Lock()
	delete(c.orgNos, orderNo)
	c.orgNoMu.Unlock()

	c.logger.WithFields(map[string]interface{}{
		"order_no": orderNo,
	}).Info("Order cancelled successfully")
	return nil
}

func parseIntSafe(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func parseFloatSafe(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
