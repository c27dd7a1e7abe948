package notify

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/aegis-trader/internal/contracts"
	"github.com/wonny/aegis-trader/pkg/config"
	"github.com/wonny/aegis-trader/pkg/logger"
)

var at = time.Date(2026, 3, 2, 9, 5, 0, 0, time.UTC)

func entryEvent() contracts.Event {
	return contracts.NewEvent(contracts.EventEntryExecuted, "005930", at, contracts.Execution{
		Order: contracts.Order{Symbol: "005930", FilledQty: 10, RequestedQty: 10, AvgFillPrice: 72000, Status: contracts.OrderFilled},
		Position: contracts.Position{
			Symbol:     "005930",
			Strategy:   "momentum",
			Thresholds: &contracts.Thresholds{StopPrice: 69840, TargetPrice: 75600},
		},
	})
}

func TestRender(t *testing.T) {
	tests := []struct {
		name   string
		evt    contracts.Event
		wantOK bool
		want   []string
	}{
		{
			name:   "entry",
			evt:    entryEvent(),
			wantOK: true,
			want:   []string{"매수 체결 005930", "10주 @ 72,000원", "손절 69,840 / 익절 75,600", "momentum"},
		},
		{
			name: "partial exit cancelled at settlement",
			evt: contracts.NewEvent(contracts.EventExitExecuted, "000660", at, contracts.Execution{
				Order: contracts.Order{
					Symbol: "000660", RequestedQty: 10, FilledQty: 6, AvgFillPrice: 181500,
					Status: contracts.OrderCancelled, ExitReason: contracts.ExitReasonSettlement,
				},
				Position: contracts.Position{RealizedPnL: -12345},
			}),
			wantOK: true,
			want:   []string{"매도 체결 000660 (장마감 청산)", "6주 @ 181,500원", "실현손익 -12,345원", "미체결 4주 취소"},
		},
		{
			name: "risk exit",
			evt: contracts.NewEvent(contracts.EventRiskExit, "005930", at, contracts.RiskExit{
				Action: contracts.ActionExitStop,
				Intent: contracts.ExitIntent{Symbol: "005930", Quantity: 10, Reason: contracts.ExitReasonStop, TriggerPrice: 69800},
			}),
			wantOK: true,
			want:   []string{"리스크 청산 005930 (손절)", "69,800원", "10주"},
		},
		{
			name: "daily loss liquidation",
			evt: contracts.NewEvent(contracts.EventRiskExit, "035720", at, contracts.RiskExit{
				Action: contracts.ActionExitDailyLoss,
				Intent: contracts.ExitIntent{Symbol: "035720", Quantity: 3, Reason: contracts.ExitReasonDailyLoss, TriggerPrice: 41000},
			}),
			wantOK: true,
			want:   []string{"리스크 청산 035720 (손실한도 청산)", "41,000원", "3주"},
		},
		{
			name: "cycle summary",
			evt: contracts.NewEvent(contracts.EventCycleSummary, "", at, contracts.CycleSummary{
				Date: "2026-03-02", Monitored: 5, ClosedToday: 2, ForcedExits: 1, RealizedPnL: 1500000,
				OrdersByStatus:  map[contracts.OrderStatus]int{contracts.OrderFilled: 4, contracts.OrderCancelled: 1},
				TransientErrors: map[string]int64{"price_fetch": 2, "submit": 1},
			}),
			wantOK: true,
			want:   []string{"일일 정산 2026-03-02", "감시 5종목", "강제 1", "실현 +1,500,000원", "CANCELLED=1 FILLED=4", "일시 오류 3건"},
		},
		{
			name:   "order transitions are not notified",
			evt:    contracts.NewEvent(contracts.EventOrderTransition, "005930", at, contracts.OrderTransition{}),
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, ok := Render(tt.evt)
			assert.Equal(t, tt.wantOK, ok)
			for _, w := range tt.want {
				assert.Contains(t, text, w)
			}
		})
	}
}

func TestWon(t *testing.T) {
	assert.Equal(t, "0", won(0))
	assert.Equal(t, "999", won(999))
	assert.Equal(t, "1,000", won(1000))
	assert.Equal(t, "1,234,568", won(1234567.8))
	assert.Equal(t, "-72,000", won(-72000))
	assert.Equal(t, "+500", signedWon(500))
}

func TestTelegramNotifier(t *testing.T) {
	var mu sync.Mutex
	var sent []string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"trader","username":"trader_bot"}}`))
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			assert.True(t, strings.HasPrefix(r.URL.Path, "/bottoken/"))
			assert.Equal(t, "42", r.FormValue("chat_id"))
			mu.Lock()
			sent = append(sent, r.FormValue("text"))
			mu.Unlock()
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	bot, err := NewTelegramBot(config.TelegramConfig{BotToken: "token", ChatID: 42}, server.URL+"/bot%s/%s")
	require.NoError(t, err)
	assert.Equal(t, "trader_bot", bot.Self.UserName)

	n := NewTelegramNotifier(bot, 42, logger.NewNop())
	require.NoError(t, n.Handle(context.Background(), entryEvent()))
	require.NoError(t, n.Handle(context.Background(), contracts.NewEvent(contracts.EventPositionMutation, "005930", at, contracts.PositionMutation{})))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sent, 1, "only rendered kinds are sent")
	assert.Contains(t, sent[0], "매수 체결 005930")
}

func TestTelegramNotifier_SendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/getMe") {
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"trader","username":"trader_bot"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
	}))
	defer server.Close()

	bot, err := NewTelegramBot(config.TelegramConfig{BotToken: "token"}, server.URL+"/bot%s/%s")
	require.NoError(t, err)

	err = NewTelegramNotifier(bot, 1, logger.NewNop()).Handle(context.Background(), entryEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(logger.NewWithWriter(&buf, "info"))

	require.NoError(t, n.Handle(context.Background(), entryEvent()))
	require.NoError(t, n.Handle(context.Background(), contracts.NewEvent(contracts.EventRankingPublished, "", at, contracts.RankingPublished{})))

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, `"message":"Notification"`))
	assert.Contains(t, out, "매수 체결 005930")
}
