package api

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"binance-bot-fleet/internal/bot"
	"binance-bot-fleet/internal/database"
	"binance-bot-fleet/internal/errs"
	"binance-bot-fleet/internal/exchange"
	"binance-bot-fleet/internal/memory"
	"binance-bot-fleet/internal/tools"
)

// tradeFilterPageSize is the page the exit_reason filter scans at a time.
const tradeFilterPageSize = 200

// errorStatus maps the error taxonomy onto HTTP status codes.
func errorStatus(kind errs.Kind) int {
	switch kind {
	case errs.KindConfig, errs.KindToolArgs, errs.KindSymbolUnsupported,
		errs.KindModeUnsupported, errs.KindStrategyInput, errs.KindInsufficientBalance:
		return http.StatusBadRequest
	case errs.KindAuth:
		return http.StatusUnauthorized
	case errs.KindUnknownTool:
		return http.StatusNotFound
	case errs.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func abortError(c *gin.Context, err error) {
	kind := errs.KindOf(err)
	c.JSON(errorStatus(kind), gin.H{
		"error_kind": string(kind),
		"message":    err.Error(),
	})
}

// GET /api/bot/status
func (s *Server) handleBotStatus(c *gin.Context) {
	snapshots := s.deps.Manager.List()
	running, autonomous := 0, 0
	for _, snap := range snapshots {
		if snap.State == bot.StateRunning {
			running++
			if snap.Autonomous {
				autonomous++
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"total":              len(snapshots),
		"running":            running,
		"autonomous_running": autonomous,
		"bots":               snapshots,
	})
}

type startBotRequest struct {
	Strategy    string  `json:"strategy"`
	Symbol      string  `json:"symbol"`
	Timeframe   string  `json:"timeframe" binding:"required"`
	TradingMode string  `json:"trading_mode"`
	Amount      float64 `json:"amount"`
}

// POST /api/bot/start. Strategy, symbol and amount fall back to the
// configured defaults when omitted.
func (s *Server) handleBotStart(c *gin.Context) {
	var req startBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, errs.Wrap(errs.KindConfig, "invalid request body", err))
		return
	}
	if req.Strategy == "" {
		req.Strategy = s.cfg.DefaultStrategy
	}
	if req.Symbol == "" {
		req.Symbol = s.cfg.DefaultSymbol
	}
	if req.Amount == 0 {
		req.Amount = s.cfg.DefaultAmount
	}
	if s.cfg.MaxPositionSize > 0 && req.Amount > s.cfg.MaxPositionSize {
		abortError(c, errs.Newf(errs.KindConfig,
			"amount %.2f exceeds the maximum position size %.2f", req.Amount, s.cfg.MaxPositionSize))
		return
	}
	mode := exchange.TradingMode(req.TradingMode)
	if req.TradingMode == "" {
		mode = exchange.ModeSpot
	}

	created, err := s.deps.Manager.Create(c.Request.Context(), bot.Config{
		Symbol:          req.Symbol,
		Strategy:        req.Strategy,
		Timeframe:       req.Timeframe,
		Mode:            mode,
		AllocatedAmount: decimal.NewFromFloat(req.Amount),
	})
	if err != nil {
		abortError(c, err)
		return
	}
	if err := s.deps.Manager.Start(c.Request.Context(), created.ID()); err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created.Snapshot())
}

// POST /api/bot/stop/:bot_id
func (s *Server) handleBotStop(c *gin.Context) {
	botID := c.Param("bot_id")
	if err := s.deps.Manager.Stop(c.Request.Context(), botID); err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bot_id": botID, "state": bot.StateStopped})
}

// GET /api/bots
func (s *Server) handleListBots(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"bots": s.deps.Manager.List()})
}

// GET /api/bots/:bot_id/candles?phase=
func (s *Server) handleBotCandles(c *gin.Context) {
	windows, err := s.deps.Tracker.GetCandles(c.Request.Context(), c.Param("bot_id"), c.Query("phase"))
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"windows": windows})
}

// GET /api/trades?limit=&exit_reason=
func (s *Server) handleTrades(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			abortError(c, errs.New(errs.KindConfig, "limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	reason := c.Query("exit_reason")
	if reason == "" {
		trades, err := s.deps.Storage.ListTradeHistory(c.Request.Context(), limit, 0)
		if err != nil {
			abortError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"trades": trades})
		return
	}

	// The filter runs over pages, not a single truncated fetch, so a page
	// of matches fills up even when the newest trades don't match.
	pageSize := limit
	if pageSize < tradeFilterPageSize {
		pageSize = tradeFilterPageSize
	}
	matched := make([]*database.TradeRecord, 0, limit)
	for offset := 0; len(matched) < limit; offset += pageSize {
		page, err := s.deps.Storage.ListTradeHistory(c.Request.Context(), pageSize, offset)
		if err != nil {
			abortError(c, err)
			return
		}
		for _, trade := range page {
			if trade.ExitReason != nil && *trade.ExitReason == reason {
				matched = append(matched, trade)
				if len(matched) == limit {
					break
				}
			}
		}
		if len(page) < pageSize {
			break
		}
	}
	c.JSON(http.StatusOK, gin.H{"trades": matched})
}

// GET /api/memory/:agent
func (s *Server) handleMemory(c *gin.Context) {
	agent := c.Param("agent")
	since := time.Now().Add(-memory.InsightWindow)
	records := s.deps.Memory.Retrieve(c.Request.Context(), agent, "", since, 100)
	c.JSON(http.StatusOK, gin.H{"agent": agent, "records": records})
}

// GET /api/memory/:agent/lessons and /api/memory/insights/collective share
// a route shape; gin cannot mix statics with the :agent wildcard.
func (s *Server) handleMemorySub(c *gin.Context) {
	agent, sub := c.Param("agent"), c.Param("sub")
	switch {
	case sub == "lessons":
		since := time.Now().Add(-memory.InsightWindow)
		records := s.deps.Memory.Retrieve(c.Request.Context(), agent, database.MemoryTypeTradeLearning, since, 100)
		lessons := make([]string, 0)
		for _, record := range records {
			if raw, ok := record.Content["lessons"].([]interface{}); ok {
				for _, l := range raw {
					if text, ok := l.(string); ok {
						lessons = append(lessons, text)
					}
				}
			}
		}
		c.JSON(http.StatusOK, gin.H{"agent": agent, "lessons": lessons})
	case agent == "insights" && sub == "collective":
		since := time.Now().Add(-memory.InsightWindow)
		records := s.deps.Memory.Retrieve(c.Request.Context(), memory.CollectiveAgent, database.MemoryTypeTradeLearning, since, 200)
		c.JSON(http.StatusOK, gin.H{"agent": memory.CollectiveAgent, "records": records})
	default:
		c.JSON(http.StatusNotFound, gin.H{
			"error_kind": string(errs.KindUnknownTool),
			"message":    "unknown memory view",
		})
	}
}

// GET /api/memory/pattern/:symbol/:strategy
func (s *Server) handleMemoryLeaf(c *gin.Context) {
	if c.Param("agent") != "pattern" {
		c.JSON(http.StatusNotFound, gin.H{
			"error_kind": string(errs.KindUnknownTool),
			"message":    "unknown memory view",
		})
		return
	}
	symbol, strategyName := c.Param("sub"), c.Param("leaf")
	insight := s.deps.Memory.PatternInsights(c.Request.Context(), symbol, strategyName)
	c.JSON(http.StatusOK, insight)
}

// GET /api/market/volatile
func (s *Server) handleVolatileMarket(c *gin.Context) {
	ctx := c.Request.Context()
	symbols, err := s.deps.Exchange.ListTradableSymbols(ctx, "USDT")
	if err != nil {
		abortError(c, err)
		return
	}

	type mover struct {
		Symbol        string  `json:"symbol"`
		LastPrice     float64 `json:"last_price"`
		ChangePercent float64 `json:"change_percent"`
		BandPercent   float64 `json:"band_percent"`
		QuoteVolume   float64 `json:"quote_volume"`
	}
	movers := make([]mover, 0, len(symbols))
	for _, symbol := range symbols {
		stats, err := s.deps.Exchange.Get24hStats(ctx, symbol)
		if err != nil || stats.LowPrice <= 0 {
			continue
		}
		movers = append(movers, mover{
			Symbol:        symbol,
			LastPrice:     stats.LastPrice,
			ChangePercent: stats.PriceChangePercent,
			BandPercent:   (stats.HighPrice - stats.LowPrice) / stats.LowPrice * 100,
			QuoteVolume:   stats.QuoteVolume,
		})
	}
	sort.Slice(movers, func(i, j int) bool { return movers[i].BandPercent > movers[j].BandPercent })
	if len(movers) > 20 {
		movers = movers[:20]
	}
	c.JSON(http.StatusOK, gin.H{"symbols": movers})
}

// GET /api/strategies
func (s *Server) handleStrategies(c *gin.Context) {
	names := s.deps.Strategies.Names()
	out := make([]gin.H, 0, len(names))
	for _, name := range names {
		strat, err := s.deps.Strategies.Get(name)
		if err != nil {
			continue
		}
		out = append(out, gin.H{"name": strat.Name, "min_window": strat.MinWindow})
	}
	c.JSON(http.StatusOK, gin.H{"strategies": out})
}

// GET /api/mcp/tools
func (s *Server) handleListTools(c *gin.Context) {
	list := s.deps.Tools.List()
	out := make([]gin.H, 0, len(list))
	for _, tool := range list {
		out = append(out, gin.H{"name": tool.Name, "description": tool.Description})
	}
	c.JSON(http.StatusOK, gin.H{"tools": out})
}

type invokeToolRequest struct {
	Parameters map[string]interface{} `json:"parameters"`
}

// POST /api/mcp/tools/:name
func (s *Server) handleInvokeTool(c *gin.Context) {
	var req invokeToolRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abortError(c, errs.Wrap(errs.KindToolArgs, "invalid request body", err))
			return
		}
	}
	result := s.deps.Tools.Invoke(c.Request.Context(), c.Param("name"), tools.Args(req.Parameters))
	status := http.StatusOK
	if !result.OK {
		status = errorStatus(errs.Kind(result.ErrorKind))
	}
	c.JSON(status, result)
}

// GET /api/health
func (s *Server) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()
	exchangeOK := s.deps.Exchange.Ping(ctx) == nil
	storageOK := s.deps.Storage.HealthCheck(ctx) == nil

	controllerStatus := "idle"
	if s.deps.Controller != nil {
		if report := s.deps.Controller.LastReport(); report != nil {
			controllerStatus = "running"
			if report.Skipped {
				controllerStatus = "degraded"
			}
		}
	}

	status := http.StatusOK
	if !exchangeOK || !storageOK {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"exchange":   exchangeOK,
		"storage":    storageOK,
		"controller": controllerStatus,
	})
}
