package tools

import (
	"context"

	"github.com/shopspring/decimal"

	"binance-bot-fleet/internal/auth"
	"binance-bot-fleet/internal/autopilot"
	"binance-bot-fleet/internal/bot"
	"binance-bot-fleet/internal/candles"
	"binance-bot-fleet/internal/database"
	"binance-bot-fleet/internal/errs"
	"binance-bot-fleet/internal/exchange"
	"binance-bot-fleet/internal/memory"
)

// TradeReader is the slice of the trade store the surface reads from.
type TradeReader interface {
	ListTradeHistory(ctx context.Context, limit, offset int) ([]*database.TradeRecord, error)
}

// Deps are the subsystems the tool surface adapts.
type Deps struct {
	Exchange   exchange.Client
	Manager    *bot.Manager
	Controller *autopilot.Controller
	Tracker    *candles.Tracker
	Memory     *memory.Store
	Trades     TradeReader
}

// NewSurface registers the agent-facing tools over the given subsystems.
func NewSurface(deps Deps) *Registry {
	r := NewRegistry()

	r.Register(&Tool{
		Name:        "get_current_price",
		Description: "Latest trade price for a symbol.",
		Handler: func(ctx context.Context, args Args) (interface{}, error) {
			symbol, err := args.String("symbol")
			if err != nil {
				return nil, err
			}
			price, err := deps.Exchange.GetPrice(ctx, symbol)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"symbol": symbol, "price": price}, nil
		},
	})

	r.Register(&Tool{
		Name:        "get_market_data",
		Description: "OHLCV candles for a symbol and timeframe.",
		Handler: func(ctx context.Context, args Args) (interface{}, error) {
			symbol, err := args.String("symbol")
			if err != nil {
				return nil, err
			}
			timeframe, err := args.String("timeframe")
			if err != nil {
				return nil, err
			}
			if !exchange.ValidTimeframe(timeframe) {
				return nil, errs.Newf(errs.KindToolArgs, "unknown timeframe %q", timeframe)
			}
			limit, err := args.OptInt("limit", 100)
			if err != nil {
				return nil, err
			}
			klines, err := deps.Exchange.GetKlines(ctx, symbol, timeframe, limit)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"symbol": symbol, "timeframe": timeframe, "klines": klines}, nil
		},
	})

	r.Register(&Tool{
		Name:        "get_account_balance",
		Description: "Free balance of an asset for a trading mode.",
		Handler: func(ctx context.Context, args Args) (interface{}, error) {
			asset, err := args.String("asset")
			if err != nil {
				return nil, err
			}
			mode, err := tradingMode(args, exchange.ModeSpot)
			if err != nil {
				return nil, err
			}
			balance, err := deps.Exchange.GetBalance(ctx, asset, mode)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"asset": asset, "mode": mode, "free": balance}, nil
		},
	})

	r.Register(&Tool{
		Name:        "execute_order",
		Description: "Place a market order. Requires the trade:execute scope.",
		Handler: func(ctx context.Context, args Args) (interface{}, error) {
			if !auth.HasScope(ctx, auth.ScopeTradeExecute) {
				return nil, errs.New(errs.KindAuth, "missing trade:execute scope")
			}
			symbol, err := args.String("symbol")
			if err != nil {
				return nil, err
			}
			side, err := args.String("side")
			if err != nil {
				return nil, err
			}
			if side != string(exchange.SideBuy) && side != string(exchange.SideSell) {
				return nil, errs.Newf(errs.KindToolArgs, "side must be BUY or SELL, got %q", side)
			}
			quantity, err := args.Float("quantity")
			if err != nil {
				return nil, err
			}
			if quantity <= 0 {
				return nil, errs.New(errs.KindToolArgs, "quantity must be positive")
			}
			if orderType, err := args.OptString("order_type"); err != nil {
				return nil, err
			} else if orderType != "" && orderType != "MARKET" {
				return nil, errs.Newf(errs.KindToolArgs, "unsupported order type %q", orderType)
			}
			mode, err := tradingMode(args, exchange.ModeSpot)
			if err != nil {
				return nil, err
			}
			order, err := deps.Exchange.PlaceMarketOrder(ctx, symbol, exchange.Side(side), decimal.NewFromFloat(quantity), mode)
			if err != nil {
				return nil, err
			}
			return order, nil
		},
	})

	r.Register(&Tool{
		Name:        "get_bot_status",
		Description: "Snapshot of one bot, or all bots when bot_id is omitted.",
		Handler: func(ctx context.Context, args Args) (interface{}, error) {
			botID, err := args.OptString("bot_id")
			if err != nil {
				return nil, err
			}
			if botID == "" {
				return deps.Manager.List(), nil
			}
			b, err := deps.Manager.Get(botID)
			if err != nil {
				return nil, err
			}
			return b.Snapshot(), nil
		},
	})

	r.Register(&Tool{
		Name:        "list_bots",
		Description: "Snapshots of all bots, oldest first.",
		Handler: func(ctx context.Context, args Args) (interface{}, error) {
			return deps.Manager.List(), nil
		},
	})

	r.Register(&Tool{
		Name:        "get_bot_candles",
		Description: "Candle windows tracked for a bot, by phase or all.",
		Handler: func(ctx context.Context, args Args) (interface{}, error) {
			botID, err := args.String("bot_id")
			if err != nil {
				return nil, err
			}
			phase, err := args.OptString("phase")
			if err != nil {
				return nil, err
			}
			windows, err := deps.Tracker.GetCandles(ctx, botID, phase)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"bot_id": botID, "windows": windows}, nil
		},
	})

	r.Register(&Tool{
		Name:        "get_trade_history",
		Description: "Recent trades across the fleet, newest first.",
		Handler: func(ctx context.Context, args Args) (interface{}, error) {
			limit, err := args.OptInt("limit", 50)
			if err != nil {
				return nil, err
			}
			trades, err := deps.Trades.ListTradeHistory(ctx, limit, 0)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"trades": trades}, nil
		},
	})

	r.Register(&Tool{
		Name:        "analyze_optimal_coins",
		Description: "Score the tradable universe without spawning bots.",
		Handler: func(ctx context.Context, args Args) (interface{}, error) {
			maxCoins, err := args.OptInt("max_coins", 0)
			if err != nil {
				return nil, err
			}
			var minScore float64
			if _, ok := args["min_score"]; ok {
				if minScore, err = args.Float("min_score"); err != nil {
					return nil, err
				}
			}
			exclude, err := args.OptStrings("exclude")
			if err != nil {
				return nil, err
			}
			candidates, err := deps.Controller.AnalyzeOptimalCoins(ctx, maxCoins, minScore, exclude)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"candidates": candidates}, nil
		},
	})

	r.Register(&Tool{
		Name:        "start_autonomous_bot",
		Description: "Spawn one autonomous bot under the controller's caps and budget.",
		Handler: func(ctx context.Context, args Args) (interface{}, error) {
			symbol, err := args.String("symbol")
			if err != nil {
				return nil, err
			}
			strategyName, err := args.String("strategy")
			if err != nil {
				return nil, err
			}
			timeframe, err := args.String("timeframe")
			if err != nil {
				return nil, err
			}
			mode, err := tradingMode(args, exchange.ModeSpot)
			if err != nil {
				return nil, err
			}
			botID, err := deps.Controller.StartAutonomousBot(ctx, symbol, strategyName, timeframe, mode)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"bot_id": botID}, nil
		},
	})

	r.Register(&Tool{
		Name:        "get_autonomous_bots_status",
		Description: "Snapshots of autonomous bots only.",
		Handler: func(ctx context.Context, args Args) (interface{}, error) {
			autonomous := deps.Manager.Autonomous()
			snapshots := make([]bot.Snapshot, 0, len(autonomous))
			for _, b := range autonomous {
				snapshots = append(snapshots, b.Snapshot())
			}
			return snapshots, nil
		},
	})

	r.Register(&Tool{
		Name:        "pattern_insights",
		Description: "Aggregated learning for a (symbol, strategy) pair.",
		Handler: func(ctx context.Context, args Args) (interface{}, error) {
			symbol, err := args.String("symbol")
			if err != nil {
				return nil, err
			}
			strategyName, err := args.String("strategy")
			if err != nil {
				return nil, err
			}
			return deps.Memory.PatternInsights(ctx, symbol, strategyName), nil
		},
	})

	return r
}

func tradingMode(args Args, def exchange.TradingMode) (exchange.TradingMode, error) {
	raw, err := args.OptString("mode")
	if err != nil {
		return "", err
	}
	if raw == "" {
		return def, nil
	}
	mode := exchange.TradingMode(raw)
	if !mode.Valid() {
		return "", errs.Newf(errs.KindToolArgs, "unknown trading mode %q", raw)
	}
	return mode, nil
}
