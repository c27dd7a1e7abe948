package kis

import "time"

// ============================================================
// WebSocket Types
// ============================================================

// ExecutionNotice represents a real-time execution notification (H0STCNI0/9)
type ExecutionNotice struct {
	OrderNo       string    `json:"order_no"`
	OrigOrderNo   string    `json:"orig_order_no"`
	StockCode     string    `json:"stock_code"`
	StockName     string    `json:"stock_name"`
	Side          string    `json:"side"` // 01: 매도, 02: 매수
	OrderQuantity int64     `json:"order_quantity"`
	ExecutedQty   int64     `json:"executed_qty"` // 이번 체결 수량
	ExecutedPrice int64     `json:"executed_price"`
	ExecutedTime  string    `json:"executed_time"` // HHMMSS
	Rejected      bool      `json:"rejected"`
	Filled        bool      `json:"filled"` // false: 접수/정정/취소 확인
	ReceivedAt    time.Time `json:"received_at"`
}

// ============================================================
// KIS API Request/Response Types (Internal)
// ============================================================

// placeOrderRequestBody represents KIS place order request body
type placeOrderRequestBody struct {
	CANO         string `json:"CANO"`         // 계좌번호
	ACNT_PRDT_CD string `json:"ACNT_PRDT_CD"` // 계좌상품코드
	PDNO         string `json:"PDNO"`         // 종목코드
	ORD_DVSN     string `json:"ORD_DVSN"`     // 00:지정가, 01:시장가
	ORD_QTY      string `json:"ORD_QTY"`      // 주문수량
	ORD_UNPR     string `json:"ORD_UNPR"`     // 주문단가
}

// placeOrderResponse represents KIS place/cancel order response
type placeOrderResponse struct {
	RtCd   string `json:"rt_cd"`
	MsgCd  string `json:"msg_cd"`
	Msg1   string `json:"msg1"`
	Output struct {
		KRX_FWDG_ORD_ORGNO string `json:"KRX_FWDG_ORD_ORGNO"`
		ODNO               string `json:"ODNO"`    // 주문번호
		ORD_TMD            string `json:"ORD_TMD"` // 주문시각
	} `json:"output"`
}

// cancelOrderRequestBody represents KIS cancel order request body
type cancelOrderRequestBody struct {
	CANO               string `json:"CANO"`
	ACNT_PRDT_CD       string `json:"ACNT_PRDT_CD"`
	KRX_FWDG_ORD_ORGNO string `json:"KRX_FWDG_ORD_ORGNO"`
	ORGN_ODNO          string `json:"ORGN_ODNO"`         // 원주문번호
	ORD_DVSN           string `json:"ORD_DVSN"`          // 00
	RVSE_CNCL_DVSN_CD  string `json:"RVSE_CNCL_DVSN_CD"` // 02:취소
	ORD_QTY            string `json:"ORD_QTY"`           // 0
	ORD_UNPR           string `json:"ORD_UNPR"`          // 0
	QTY_ALL_ORD_YN     string `json:"QTY_ALL_ORD_YN"`    // Y:전량
}

// hashkeyResponse represents KIS hashkey response
type hashkeyResponse struct {
	Hash string `json:"HASH"`
}
