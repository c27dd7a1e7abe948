package notify

import (
	"fmt"
	"sort"
	"strings"

	"github.com/wonny/aegis-trader/internal/contracts"
)

// Render turns a notifiable event into human-readable text.
// Only entry, exit, risk exit and cycle summary events are rendered.
func Render(evt contracts.Event) (string, bool) {
	switch p := evt.Payload.(type) {
	case contracts.Execution:
		switch evt.Kind {
		case contracts.EventEntryExecuted:
			return renderEntry(p), true
		case contracts.EventExitExecuted:
			return renderExit(p), true
		}
	case contracts.RiskExit:
		return renderRiskExit(p), true
	case contracts.CycleSummary:
		return renderSummary(p), true
	}
	return "", false
}

func renderEntry(e contracts.Execution) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🟢 매수 체결 %s\n", e.Order.Symbol)
	fmt.Fprintf(&b, "수량 %d주 @ %s원\n", e.Order.FilledQty, won(e.Order.AvgFillPrice))
	if th := e.Position.Thresholds; th != nil {
		fmt.Fprintf(&b, "손절 %s / 익절 %s\n", won(th.StopPrice), won(th.TargetPrice))
	}
	fmt.Fprintf(&b, "전략 %s", e.Position.Strategy)
	return b.String()
}

func renderExit(e contracts.Execution) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🔴 매도 체결 %s", e.Order.Symbol)
	if e.Order.ExitReason != "" {
		fmt.Fprintf(&b, " (%s)", exitReasonLabel(e.Order.ExitReason))
	}
	fmt.Fprintf(&b, "\n수량 %d주 @ %s원\n", e.Order.FilledQty, won(e.Order.AvgFillPrice))
	fmt.Fprintf(&b, "실현손익 %s원", signedWon(e.Position.RealizedPnL))
	if e.Order.Status == contracts.OrderCancelled && e.Order.FilledQty < e.Order.RequestedQty {
		fmt.Fprintf(&b, "\n미체결 %d주 취소", e.Order.RequestedQty-e.Order.FilledQty)
	}
	return b.String()
}

func renderRiskExit(r contracts.RiskExit) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⚠️ 리스크 청산 %s (%s)\n", r.Intent.Symbol, exitReasonLabel(r.Intent.Reason))
	fmt.Fprintf(&b, "트리거 가격 %s원, 수량 %d주", won(r.Intent.TriggerPrice), r.Intent.Quantity)
	if th := r.Intent.Thresholds; th != nil {
		fmt.Fprintf(&b, "\n손절 %s / 익절 %s", won(th.StopPrice), won(th.TargetPrice))
	}
	return b.String()
}

func renderSummary(s contracts.CycleSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 일일 정산 %s\n", s.Date)
	fmt.Fprintf(&b, "감시 %d종목, 보유 %d, 청산 %d (강제 %d)\n", s.Monitored, s.OpenPositions, s.ClosedToday, s.ForcedExits)
	fmt.Fprintf(&b, "실현 %s원 / 평가 %s원", signedWon(s.RealizedPnL), signedWon(s.UnrealizedPnL))

	if len(s.OrdersByStatus) > 0 {
		statuses := make([]string, 0, len(s.OrdersByStatus))
		for st := range s.OrdersByStatus {
			statuses = append(statuses, string(st))
		}
		sort.Strings(statuses)
		parts := make([]string, 0, len(statuses))
		for _, st := range statuses {
			parts = append(parts, fmt.Sprintf("%s=%d", st, s.OrdersByStatus[contracts.OrderStatus(st)]))
		}
		fmt.Fprintf(&b, "\n주문 %s", strings.Join(parts, " "))
	}

	var transient int64
	for _, n := range s.TransientErrors {
		transient += n
	}
	if transient > 0 {
		fmt.Fprintf(&b, "\n일시 오류 %d건", transient)
	}
	return b.String()
}

func exitReasonLabel(r contracts.ExitReason) string {
	switch r {
	case contracts.ExitReasonStop:
		return "손절"
	case contracts.ExitReasonTarget:
		return "익절"
	case contracts.ExitReasonSettlement:
		return "장마감 청산"
	case contracts.ExitReasonManual:
		return "수동"
	case contracts.ExitReasonDailyLoss:
		return "손실한도 청산"
	}
	return string(r)
}

// won formats an amount with thousands separators, no decimals
func won(v float64) string {
	n := int64(v + 0.5)
	if v < 0 {
		n = int64(v - 0.5)
	}
	neg := n < 0
	if neg {
		n = -n
	}
	s := fmt.Sprintf("%d", n)
	var out []byte
	for i := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, s[i])
	}
	if neg {
		return "-" + string(out)
	}
	return string(out)
}

func signedWon(v float64) string {
	if v > 0 {
		return "+" + won(v)
	}
	return won(v)
}
