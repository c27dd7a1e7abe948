package naver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/aegis-trader/internal/contracts"
	"github.com/wonny/aegis-trader/pkg/httputil"
	"github.com/wonny/aegis-trader/pkg/logger"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return NewClient(httputil.New(logger.NewNop()).DisableRetry(), logger.NewNop()).WithBaseURL(server.URL)
}

func TestFetchPrices(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/siseJson.naver", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "005930", r.URL.Query().Get("symbol"))
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(`[['날짜', '시가', '고가', '저가', '종가', '거래량'],
["20240116", 72500, 73500, 72300, 73000, 1200000],
["20240115", 72300, 73000, 72000, 72500, 1000000]]`))
	})
	c := newTestClient(t, mux)

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	prices, err := c.FetchPrices(context.Background(), "005930", from, from.AddDate(0, 1, 0))
	require.NoError(t, err)
	require.Len(t, prices, 2)
	assert.Equal(t, 15, prices[0].TradeDate.Day(), "sorted ascending")
	assert.Equal(t, "005930", prices[1].StockCode)
	assert.Equal(t, int64(73000), prices[1].ClosePrice)
}

func TestCurrentPrice(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/stock/005930/basic", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"itemCode":"005930","stockName":"삼성전자","closePrice":"72,500"}`))
	})
	mux.HandleFunc("/api/stock/000000/basic", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"itemCode":"000000","closePrice":"-"}`))
	})
	c := newTestClient(t, mux)

	price, err := c.GetPrice(context.Background(), "005930")
	require.NoError(t, err)
	assert.Equal(t, 72500.0, price)

	_, err = c.CurrentPrice(context.Background(), "000000")
	require.Error(t, err)
	assert.Equal(t, contracts.InputError, contracts.KindOf(err))
}

func TestFetch_ServerErrorIsTransient(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/stock/005930/basic", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	c := newTestClient(t, mux)

	_, err := c.CurrentPrice(context.Background(), "005930")
	require.Error(t, err)
	assert.Equal(t, contracts.TransientIOError, contracts.KindOf(err))
}

func TestFetchInvestorFlow_Pagination(t *testing.T) {
	pages := map[string]string{
		"1": `<table class="type2"></table><table class="type2">
			<tr><td>2024.01.16</td><td>1</td><td>1</td><td>1</td><td>1,000</td><td>100</td><td>200</td></tr>
			<tr><td>2024.01.15</td><td>1</td><td>1</td><td>1</td><td>1,000</td><td>-50</td><td>0</td></tr>
		</table><a class="pgRR">맨뒤</a>`,
		"2": `<table class="type2"></table><table class="type2">
			<tr><td>2024.01.12</td><td>1</td><td>1</td><td>1</td><td>1,000</td><td>10</td><td>10</td></tr>
			<tr><td>2023.12.29</td><td>1</td><td>1</td><td>1</td><td>1,000</td><td>10</td><td>10</td></tr>
		</table><a class="pgRR">맨뒤</a>`,
	}
	var requested []string
	mux := http.NewServeMux()
	mux.HandleFunc("/item/frgn.naver", func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		requested = append(requested, page)
		_, _ = w.Write([]byte(pages[page]))
	})
	c := newTestClient(t, mux)

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	flows, err := c.FetchInvestorFlow(context.Background(), "005930", from, to)
	require.NoError(t, err)
	assert.Len(t, flows, 3)
	assert.Equal(t, []string{"1", "2"}, requested, "stops once rows predate from")

	score, ok, err := c.FlowScoreFor(context.Background(), "005930", time.Date(2024, 1, 17, 0, 0, 0, 0, time.UTC), 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Greater(t, score, 25.0)
}

func TestGetRanking_Listings(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/stock/exchange/KOSPI", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ACC_TRADING_VALUE", r.URL.Query().Get("sortType"))
		_, _ = w.Write([]byte(`{"stocks":[
			{"itemCode":"005930","stockName":"삼성전자","closePrice":"72,500","accumulatedTradingValue":"1,234,567"},
			{"itemCode":"000660","stockName":"SK하이닉스","closePrice":"140,000","accumulatedTradingValue":"500,000"}]}`))
	})
	mux.HandleFunc("/api/stocks/up/KOSPI", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"stocks":[{"itemCode":"005930","stockName":"삼성전자","closePrice":"72,500"}]}`))
	})
	c := newTestClient(t, mux)

	items, err := c.GetRanking(context.Background(), RankingValue, "KOSPI")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, 1, items[0].Rank)
	assert.Equal(t, 1_234_567_000_000.0, items[0].TradingValue)

	listings, err := c.Listings(context.Background(), []string{"KOSPI"}, []RankingCategory{RankingValue, RankingUpper})
	require.NoError(t, err)
	require.Len(t, listings, 2, "deduplicated across categories")
	assert.Equal(t, "005930", listings[0].Symbol)
	assert.Equal(t, "KOSPI", listings[0].Market)

	_, err = c.GetRanking(context.Background(), RankingCategory("nope"), "KOSPI")
	assert.Equal(t, contracts.InputError, contracts.KindOf(err))
}

func TestListings_AllCategoriesFail(t *testing.T) {
	c := newTestClient(t, http.NewServeMux())
	_, err := c.Listings(context.Background(), []string{"KOSPI"}, []RankingCategory{RankingValue})
	require.Error(t, err)
}

func TestFetchHeadlines_Sentiment(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/item/news_news.naver", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<table class="type5"><tbody>
			<tr><td class="title"><a>삼성전자, 대규모 수주 계약</a></td><td class="info">연합</td><td class="date">2024.01.15 09:12</td></tr>
			<tr><td class="title"><a>반도체 호실적 기대감에 신고가</a></td><td class="info">한경</td><td class="date">2024.01.15 08:40</td></tr>
			<tr class="relation_lst"><td class="title"><a>적자 우려</a></td></tr>
		</tbody></table>`))
	})
	c := newTestClient(t, mux)

	headlines, err := c.FetchHeadlines(context.Background(), "005930")
	require.NoError(t, err)
	require.Len(t, headlines, 2)
	assert.Equal(t, "연합", headlines[0].Source)
	assert.Equal(t, 9, headlines[0].Published.Hour())

	score, ok, err := c.SentimentFor(context.Background(), "005930")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Greater(t, score, 0.0)
	assert.LessOrEqual(t, score, contracts.SentimentMax)
}

func TestSentimentScore(t *testing.T) {
	_, ok := SentimentScore(nil)
	assert.False(t, ok)

	score, ok := SentimentScore([]Headline{{Title: "일반 공시"}})
	require.True(t, ok)
	assert.Equal(t, 0.0, score)

	score, _ = SentimentScore([]Headline{{Title: "횡령 혐의로 거래정지"}, {Title: "상장폐지 우려"}})
	assert.Less(t, score, -40.0)
	assert.GreaterOrEqual(t, score, contracts.SentimentMin)
}
