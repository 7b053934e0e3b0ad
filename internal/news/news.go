// Package news scores recent headline sentiment for a symbol. The feed is an
// external collaborator; every failure path degrades to a zero score so the
// controller keeps working without it.
package news

import (
	"context"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Scorer yields a [0,1] relevance score for a symbol.
type Scorer interface {
	Score(ctx context.Context, symbol string) float64
}

// Client polls a CryptoPanic-compatible feed. Responses are cached per
// currency so a controller cycle costs at most one request per candidate.
type Client struct {
	http  *resty.Client
	token string
	log   zerolog.Logger

	cache *scoreCache
}

type headline struct {
	Title string `json:"title"`
	Votes struct {
		Positive int `json:"positive"`
		Negative int `json:"negative"`
		Liked    int `json:"liked"`
		Disliked int `json:"disliked"`
	} `json:"votes"`
}

type feedResponse struct {
	Results []headline `json:"results"`
}

// NewClient creates a news client. An empty baseURL disables fetching and
// makes Score always return 0.
func NewClient(baseURL, token string) *Client {
	var http *resty.Client
	if baseURL != "" {
		http = resty.New().
			SetBaseURL(baseURL).
			SetTimeout(10 * time.Second).
			SetRetryCount(1).
			SetRetryWaitTime(time.Second)
	}
	return &Client{
		http:  http,
		token: token,
		log:   log.With().Str("component", "news").Logger(),
		cache: newScoreCache(15 * time.Minute),
	}
}

// Score fetches recent headlines for the symbol's base asset and maps vote
// sentiment into [0,1]. Returns 0 on any failure.
func (c *Client) Score(ctx context.Context, symbol string) float64 {
	if c.http == nil {
		return 0
	}
	currency := baseAsset(symbol)
	if currency == "" {
		return 0
	}
	if score, ok := c.cache.get(currency); ok {
		return score
	}

	var feed feedResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("auth_token", c.token).
		SetQueryParam("currencies", currency).
		SetQueryParam("kind", "news").
		SetResult(&feed).
		Get("/api/v1/posts/")
	if err != nil {
		c.log.Debug().Err(err).Str("symbol", symbol).Msg("news fetch failed")
		return 0
	}
	if resp.StatusCode() != 200 {
		c.log.Debug().Int("status", resp.StatusCode()).Str("symbol", symbol).Msg("news fetch rejected")
		return 0
	}

	score := sentimentScore(feed.Results)
	c.cache.put(currency, score)
	return score
}

// sentimentScore maps aggregate headline votes into [0,1]. No coverage at
// all scores 0; balanced coverage sits near 0.5.
func sentimentScore(headlines []headline) float64 {
	if len(headlines) == 0 {
		return 0
	}
	positive, negative := 0, 0
	for _, h := range headlines {
		positive += h.Votes.Positive + h.Votes.Liked
		negative += h.Votes.Negative + h.Votes.Disliked
	}
	total := positive + negative
	if total == 0 {
		// Covered but unvoted: weak positive signal for having news at all.
		return 0.3
	}
	return float64(positive) / float64(total)
}

var quoteAssets = []string{"USDT", "BUSD", "USDC", "BTC", "ETH"}

func baseAsset(symbol string) string {
	for _, quote := range quoteAssets {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			return strings.TrimSuffix(symbol, quote)
		}
	}
	return symbol
}
