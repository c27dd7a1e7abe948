package naver

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/wonny/aegis-trader/internal/contracts"
)

// FetchHeadlines fetches the latest news headlines of a stock
// ⭐ SSOT: Naver Finance 종목 뉴스 호출은 이 함수에서만
func (c *Client) FetchHeadlines(ctx context.Context, stockCode string) ([]Headline, error) {
	params := url.Values{}
	params.Set("code", stockCode)
	params.Set("page", "1")

	body, err := c.fetch(ctx, "naver.news", stockCode, c.financeURL+"/item/news_news.naver", params)
	if err != nil {
		return nil, err
	}

	headlines, err := parseNewsHTML(string(body))
	if err != nil {
		return nil, contracts.NewInputError("naver.news", stockCode, fmt.Errorf("parse news failed: %w", err))
	}

	c.logger.WithFields(map[string]interface{}{
		"stock_code": stockCode,
		"count":      len(headlines),
	}).Debug("Fetched headlines")
	return headlines, nil
}

// parseNewsHTML: table.type5 → td.title / td.info / td.date
func parseNewsHTML(html string) ([]Headline, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}

	var headlines []Headline
	doc.Find("table.type5 tr").Each(func(i int, row *goquery.Selection) {
		// 연관기사 묶음은 제외
		if row.HasClass("relation_lst") {
			return
		}
		title := strings.TrimSpace(row.Find("td.title a").First().Text())
		if title == "" {
			return
		}
		published, _ := time.Parse("2006.01.02 15:04", strings.TrimSpace(row.Find("td.date").Text()))
		headlines = append(headlines, Headline{
			Title:     title,
			Source:    strings.TrimSpace(row.Find("td.info").Text()),
			Published: published,
		})
	})
	return headlines, nil
}

// =============================================================================
// 뉴스 감성 점수 (-50 ~ 50)
// =============================================================================

// sentimentLexicon 제목 키워드 → 가중치
var sentimentLexicon = map[string]float64{
	// 호재
	"수주":   2,
	"흑자":   2,
	"최대":   1,
	"급등":   1.5,
	"상승":   1,
	"호실적":  2,
	"신고가":  1.5,
	"상향":   1,
	"매수":   1,
	"계약":   1,
	"승인":   1.5,
	"자사주":  1,
	"배당":   0.5,
	"돌파":   1,
	"성장":   1,
	// 악재
	"적자":   -2,
	"급락":   -1.5,
	"하락":   -1,
	"하향":   -1,
	"매도":   -1,
	"소송":   -1.5,
	"리콜":   -2,
	"횡령":   -3,
	"유상증자": -2,
	"감자":   -2,
	"상장폐지": -3,
	"거래정지": -3,
	"부진":   -1,
	"우려":   -1,
	"손실":   -1.5,
}

// SentimentScore maps headlines to [-50, 50] as 50·tanh(Σweight / n).
// ok is false when there are no headlines.
func SentimentScore(headlines []Headline) (score float64, ok bool) {
	if len(headlines) == 0 {
		return 0, false
	}
	var sum float64
	for _, h := range headlines {
		for word, w := range sentimentLexicon {
			if strings.Contains(h.Title, word) {
				sum += w
			}
		}
	}
	score = contracts.SentimentMax * math.Tanh(sum/float64(len(headlines)))
	return math.Max(contracts.SentimentMin, math.Min(contracts.SentimentMax, score)), true
}

// SentimentFor fetches headlines and scores them
func (c *Client) SentimentFor(ctx context.Context, stockCode string) (float64, bool, error) {
	headlines, err := c.FetchHeadlines(ctx, stockCode)
	if err != nil {
		return 0, false, err
	}
	score, ok := SentimentScore(headlines)
	return score, ok, nil
}
