package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"binance-bot-fleet/internal/errs"
)

// Binance is the REST client for the spot/margin/futures venue.
type Binance struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewBinance creates a venue client. The base URL selects mainnet or testnet.
func NewBinance(apiKey, secretKey, baseURL string, logger zerolog.Logger) *Binance {
	return &Binance{
		apiKey:     apiKey,
		secretKey:  secretKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With().Str("component", "exchange").Logger(),
	}
}

const (
	readRetries   = 3
	retryBaseWait = 500 * time.Millisecond
)

// apiError is the venue's JSON error body.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

// mapError translates an HTTP status plus venue error code into the kind
// taxonomy. Unknown statuses fall back to network errors so callers back off.
func mapError(status int, body []byte) error {
	var ae apiError
	_ = json.Unmarshal(body, &ae)

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.Newf(errs.KindAuth, "exchange rejected credentials: %s", ae.Message)
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		return errs.Newf(errs.KindRateLimited, "rate limited: %s", ae.Message)
	case ae.Code == -1121:
		return errs.Newf(errs.KindSymbolUnsupported, "invalid symbol: %s", ae.Message)
	case ae.Code == -2010 || ae.Code == -2019:
		return errs.Newf(errs.KindInsufficientBalance, "insufficient balance: %s", ae.Message)
	case status == http.StatusNotFound:
		return errs.Newf(errs.KindModeUnsupported, "endpoint unavailable on this venue: %s", ae.Message)
	default:
		return errs.Newf(errs.KindNetwork, "exchange error (HTTP %d, code %d): %s", status, ae.Code, ae.Message)
	}
}

// get performs an unsigned GET with internal retry on transient failures.
func (b *Binance) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	endpoint := b.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var lastErr error
	for attempt := 0; attempt < readRetries; attempt++ {
		if attempt > 0 {
			wait := retryBaseWait << uint(attempt-1)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return errs.Wrap(errs.KindNetwork, "request cancelled", ctx.Err())
			}
		}
		lastErr = b.doJSON(ctx, http.MethodGet, endpoint, false, out)
		if lastErr == nil || !errs.Transient(lastErr) {
			return lastErr
		}
		b.logger.Warn().Err(lastErr).Int("attempt", attempt+1).Str("path", path).Msg("retrying exchange read")
	}
	return lastErr
}

func (b *Binance) doJSON(ctx context.Context, method, endpoint string, signed bool, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return errs.Wrap(errs.KindNetwork, "building request", err)
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", b.apiKey)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return errs.Wrap(errs.KindNetwork, "exchange request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.Wrap(errs.KindNetwork, "reading response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return mapError(resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errs.Wrap(errs.KindNetwork, "parsing response", err)
	}
	return nil
}

// GetPrice fetches the latest trade price for a symbol.
func (b *Binance) GetPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var priceResp struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price,string"`
	}
	if err := b.get(ctx, "/api/v3/ticker/price", params, &priceResp); err != nil {
		return 0, err
	}
	return priceResp.Price, nil
}

// GetKlines fetches candles ordered ascending by open time.
func (b *Binance) GetKlines(ctx context.Context, symbol, timeframe string, limit int) ([]Kline, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 1000 {
		limit = 1000
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", timeframe)
	params.Set("limit", strconv.Itoa(limit))

	var raw [][]interface{}
	if err := b.get(ctx, "/api/v3/klines", params, &raw); err != nil {
		return nil, err
	}

	klines := make([]Kline, len(raw))
	for i, row := range raw {
		if len(row) < 7 {
			return nil, errs.Newf(errs.KindNetwork, "malformed kline row for %s", symbol)
		}
		klines[i] = Kline{
			OpenTime:  int64(asFloat(row[0])),
			Open:      asFloat(row[1]),
			High:      asFloat(row[2]),
			Low:       asFloat(row[3]),
			Close:     asFloat(row[4]),
			Volume:    asFloat(row[5]),
			CloseTime: int64(asFloat(row[6])),
		}
	}
	return klines, nil
}

// GetBalance fetches the free balance for an asset under a trading mode.
// MARGIN and FUTURES route to their segment endpoints and surface
// ErrModeUnsupported when the venue does not serve them.
func (b *Binance) GetBalance(ctx context.Context, asset string, mode TradingMode) (float64, error) {
	var path string
	switch mode {
	case ModeSpot:
		path = "/api/v3/account"
	case ModeMargin:
		path = "/sapi/v1/margin/account"
	case ModeFutures:
		path = "/fapi/v2/balance"
	default:
		return 0, errs.Newf(errs.KindModeUnsupported, "unknown trading mode %q", mode)
	}

	endpoint := b.baseURL + path + "?" + b.signedQuery(url.Values{})
	if mode == ModeFutures {
		var balances []struct {
			Asset   string  `json:"asset"`
			Balance float64 `json:"availableBalance,string"`
		}
		if err := b.doJSON(ctx, http.MethodGet, endpoint, true, &balances); err != nil {
			return 0, err
		}
		for _, bal := range balances {
			if bal.Asset == asset {
				return bal.Balance, nil
			}
		}
		return 0, nil
	}

	var account struct {
		Balances []struct {
			Asset string  `json:"asset"`
			Free  float64 `json:"free,string"`
		} `json:"balances"`
		UserAssets []struct {
			Asset string  `json:"asset"`
			Free  float64 `json:"free,string"`
		} `json:"userAssets"`
	}
	if err := b.doJSON(ctx, http.MethodGet, endpoint, true, &account); err != nil {
		return 0, err
	}
	entries := account.Balances
	if mode == ModeMargin {
		entries = account.UserAssets
	}
	for _, bal := range entries {
		if bal.Asset == asset {
			return bal.Free, nil
		}
	}
	return 0, nil
}

// PlaceMarketOrder submits a market order. Not retried on failure: the
// caller owns the retry decision for writes.
func (b *Binance) PlaceMarketOrder(ctx context.Context, symbol string, side Side, quantity decimal.Decimal, mode TradingMode) (*Order, error) {
	var path string
	switch mode {
	case ModeSpot:
		path = "/api/v3/order"
	case ModeMargin:
		path = "/sapi/v1/margin/order"
	case ModeFutures:
		path = "/fapi/v1/order"
	default:
		return nil, errs.Newf(errs.KindModeUnsupported, "unknown trading mode %q", mode)
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", "MARKET")
	params.Set("quantity", quantity.String())
	params.Set("newOrderRespType", "FULL")

	endpoint := b.baseURL + path + "?" + b.signedQuery(params)

	var resp struct {
		OrderID      int64  `json:"orderId"`
		Symbol       string `json:"symbol"`
		Side         string `json:"side"`
		ExecutedQty  string `json:"executedQty"`
		TransactTime int64  `json:"transactTime"`
		Fills        []struct {
			Price    string `json:"price"`
			Qty      string `json:"qty"`
			QuoteQty string `json:"quoteQty"`
		} `json:"fills"`
	}
	if err := b.doJSON(ctx, http.MethodPost, endpoint, true, &resp); err != nil {
		return nil, err
	}

	order := &Order{
		OrderID:      resp.OrderID,
		Symbol:       resp.Symbol,
		Side:         Side(resp.Side),
		ExecutedQty:  mustDecimal(resp.ExecutedQty),
		TransactTime: time.UnixMilli(resp.TransactTime),
	}
	for _, f := range resp.Fills {
		fill := Fill{
			Price:    mustDecimal(f.Price),
			Quantity: mustDecimal(f.Qty),
			QuoteQty: mustDecimal(f.QuoteQty),
		}
		if fill.QuoteQty.IsZero() {
			fill.QuoteQty = fill.Price.Mul(fill.Quantity)
		}
		order.Fills = append(order.Fills, fill)
	}
	b.logger.Info().
		Str("symbol", symbol).
		Str("side", string(side)).
		Str("quantity", quantity.String()).
		Int64("order_id", order.OrderID).
		Msg("market order placed")
	return order, nil
}

// Get24hStats fetches the rolling 24h statistics for a symbol.
func (b *Binance) Get24hStats(ctx context.Context, symbol string) (*Ticker24h, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var resp struct {
		Symbol             string  `json:"symbol"`
		LastPrice          float64 `json:"lastPrice,string"`
		PriceChangePercent float64 `json:"priceChangePercent,string"`
		HighPrice          float64 `json:"highPrice,string"`
		LowPrice           float64 `json:"lowPrice,string"`
		QuoteVolume        float64 `json:"quoteVolume,string"`
	}
	if err := b.get(ctx, "/api/v3/ticker/24hr", params, &resp); err != nil {
		return nil, err
	}
	return &Ticker24h{
		Symbol:             resp.Symbol,
		LastPrice:          resp.LastPrice,
		PriceChangePercent: resp.PriceChangePercent,
		HighPrice:          resp.HighPrice,
		LowPrice:           resp.LowPrice,
		QuoteVolume:        resp.QuoteVolume,
	}, nil
}

// ListTradableSymbols returns all actively trading symbols with the given
// quote asset, sorted for stable output.
func (b *Binance) ListTradableSymbols(ctx context.Context, quote string) ([]string, error) {
	var info struct {
		Symbols []struct {
			Symbol     string `json:"symbol"`
			Status     string `json:"status"`
			QuoteAsset string `json:"quoteAsset"`
		} `json:"symbols"`
	}
	if err := b.get(ctx, "/api/v3/exchangeInfo", nil, &info); err != nil {
		return nil, err
	}

	symbols := make([]string, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status == "TRADING" && s.QuoteAsset == quote {
			symbols = append(symbols, s.Symbol)
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// GetSymbolFilter fetches LOT_SIZE and NOTIONAL constraints for a symbol.
func (b *Binance) GetSymbolFilter(ctx context.Context, symbol string) (*SymbolFilter, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var info struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType  string `json:"filterType"`
				StepSize    string `json:"stepSize"`
				MinQty      string `json:"minQty"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := b.get(ctx, "/api/v3/exchangeInfo", params, &info); err != nil {
		return nil, err
	}
	if len(info.Symbols) == 0 {
		return nil, errs.Newf(errs.KindSymbolUnsupported, "symbol %s not listed", symbol)
	}

	filter := &SymbolFilter{Symbol: symbol}
	for _, f := range info.Symbols[0].Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			filter.StepSize = mustDecimal(f.StepSize)
			filter.MinQuantity = mustDecimal(f.MinQty)
		case "NOTIONAL", "MIN_NOTIONAL":
			filter.MinNotional = mustDecimal(f.MinNotional)
		}
	}
	return filter, nil
}

// Ping checks venue reachability.
func (b *Binance) Ping(ctx context.Context) error {
	return b.get(ctx, "/api/v3/ping", nil, nil)
}

// signedQuery appends timestamp and HMAC signature to query parameters.
func (b *Binance) signedQuery(params url.Values) string {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	query := params.Encode()

	mac := hmac.New(sha256.New, []byte(b.secretKey))
	mac.Write([]byte(query))
	return query + "&signature=" + hex.EncodeToString(mac.Sum(nil))
}

func asFloat(val interface{}) float64 {
	switch v := val.(type) {
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	case float64:
		return v
	default:
		return 0
	}
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
