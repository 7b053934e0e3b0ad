// Command analyze_trades prints per-pair performance from the trades table:
// win rate, realized PnL and execution quality for every (symbol, strategy)
// the fleet has traded.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"binance-bot-fleet/config"
	"binance-bot-fleet/internal/database"
)

type pairStats struct {
	symbol      string
	strategy    string
	trades      int
	wins        int
	totalPnL    float64
	totalDelay  float64
	totalSlip   float64
	closedCount int
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := database.NewDB(ctx, cfg.Storage.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "database connection failed: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()
	repo := database.NewRepository(db)

	trades, err := repo.ListTradeHistory(ctx, 10000, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "trade query failed: %v\n", err)
		os.Exit(1)
	}
	if len(trades) == 0 {
		fmt.Println("no trades recorded")
		return
	}

	byPair := make(map[string]*pairStats)
	for _, trade := range trades {
		key := trade.Symbol + "/" + trade.Strategy
		stats, ok := byPair[key]
		if !ok {
			stats = &pairStats{symbol: trade.Symbol, strategy: trade.Strategy}
			byPair[key] = stats
		}
		stats.trades++
		stats.totalDelay += trade.ExecutionDelaySeconds
		stats.totalSlip += trade.PriceSlippagePercent
		if trade.RealizedPnL != nil {
			pnl, _ := trade.RealizedPnL.Float64()
			stats.totalPnL += pnl
			stats.closedCount++
			if pnl > 0 {
				stats.wins++
			}
		}
	}

	pairs := make([]*pairStats, 0, len(byPair))
	for _, stats := range byPair {
		pairs = append(pairs, stats)
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].totalPnL > pairs[j].totalPnL })

	fmt.Printf("%-12s %-12s %7s %8s %10s %9s %9s\n",
		"SYMBOL", "STRATEGY", "TRADES", "WINRATE", "PNL", "AVGDELAY", "AVGSLIP")
	for _, stats := range pairs {
		winRate := 0.0
		if stats.closedCount > 0 {
			winRate = float64(stats.wins) / float64(stats.closedCount) * 100
		}
		fmt.Printf("%-12s %-12s %7d %7.1f%% %10.2f %8.2fs %8.3f%%\n",
			stats.symbol, stats.strategy, stats.trades, winRate, stats.totalPnL,
			stats.totalDelay/float64(stats.trades), stats.totalSlip/float64(stats.trades))
	}
}
