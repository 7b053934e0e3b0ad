// Package autopilot runs the fleet-level scheduler. On a fixed interval it
// scans the tradable universe, scores candidates, spawns autonomous bots
// under concurrency and budget caps, and reaps bots with a persistently
// negative track record.
package autopilot

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"binance-bot-fleet/internal/bot"
	"binance-bot-fleet/internal/errs"
	"binance-bot-fleet/internal/events"
	"binance-bot-fleet/internal/exchange"
	"binance-bot-fleet/internal/memory"
	"binance-bot-fleet/internal/metrics"
	"binance-bot-fleet/internal/news"
	"binance-bot-fleet/internal/strategy"
)

// Defaults for the controller tunables. MaxAutonomous deliberately has no
// constant here; deployments must set it explicitly.
const (
	DefaultAnalysisInterval = 10 * time.Minute
	DefaultTopK             = 50
	DefaultMinScore         = 0.3
	FallbackMinScore        = 0.2
	DefaultReapAge          = 24 * time.Hour
	MinBudget               = 10.0
	DefaultAmount           = 100.0
	BalanceCapFraction      = 0.4
	QuoteAsset              = "USDT"
)

// scoreTimeframes are the windows each candidate is evaluated on.
var scoreTimeframes = []string{"5m", "15m", "1h", "4h"}

// Config carries the deploy-time tunables.
type Config struct {
	AnalysisInterval time.Duration
	MaxAutonomous    int
	TopK             int
	MinScore         float64
	MinBudget        float64
	MaxPositionSize  float64 // 0 means uncapped
	ReapAge          time.Duration
	DefaultAmount    float64
}

func (c *Config) applyDefaults() {
	if c.AnalysisInterval <= 0 {
		c.AnalysisInterval = DefaultAnalysisInterval
	}
	if c.TopK <= 0 {
		c.TopK = DefaultTopK
	}
	if c.MinScore <= 0 {
		c.MinScore = DefaultMinScore
	}
	if c.MinBudget <= 0 {
		c.MinBudget = MinBudget
	}
	if c.ReapAge == 0 {
		c.ReapAge = DefaultReapAge
	}
	if c.DefaultAmount <= 0 {
		c.DefaultAmount = DefaultAmount
	}
}

// Candidate is one scored symbol from a scan.
type Candidate struct {
	Symbol        string  `json:"symbol"`
	Score         float64 `json:"score"`
	BestStrategy  string  `json:"best_strategy"`
	BestTimeframe string  `json:"best_timeframe"`
	Confidence    float64 `json:"confidence"`
	TrendScore    float64 `json:"trend_score"`
	Volatility    float64 `json:"volatility_score"`
	NewsScore     float64 `json:"news_score"`
	QuoteVolume   float64 `json:"quote_volume"`
}

// CycleReport summarizes one controller cycle.
type CycleReport struct {
	Scanned  int           `json:"scanned"`
	Scored   int           `json:"scored"`
	Spawned  []string      `json:"spawned"`
	Reaped   []string      `json:"reaped"`
	Skipped  bool          `json:"skipped"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
}

// Controller is the autonomous fleet scheduler. One instance per process;
// cycles never overlap.
type Controller struct {
	cfg        Config
	exchange   exchange.Client
	strategies *strategy.Registry
	manager    *bot.Manager
	memory     *memory.Store
	news       news.Scorer
	bus        *events.Bus
	log        zerolog.Logger

	cycleMu sync.Mutex
	scoreFn func(ctx context.Context, symbol string) (*Candidate, error)

	reportMu   sync.Mutex
	lastReport *CycleReport
}

// New creates a controller. The news scorer may be nil.
func New(cfg Config, venue exchange.Client, strategies *strategy.Registry, manager *bot.Manager, mem *memory.Store, scorer news.Scorer, bus *events.Bus) *Controller {
	cfg.applyDefaults()
	c := &Controller{
		cfg:        cfg,
		exchange:   venue,
		strategies: strategies,
		manager:    manager,
		memory:     mem,
		news:       scorer,
		bus:        bus,
		log:        log.With().Str("component", "autopilot").Logger(),
	}
	c.scoreFn = c.scoreSymbol
	return c
}

// Run executes cycles until ctx is cancelled. The first cycle fires
// immediately.
func (c *Controller) Run(ctx context.Context) {
	c.log.Info().
		Dur("interval", c.cfg.AnalysisInterval).
		Int("max_autonomous", c.cfg.MaxAutonomous).
		Msg("autopilot started")

	ticker := time.NewTicker(c.cfg.AnalysisInterval)
	defer ticker.Stop()
	for {
		c.RunCycle(ctx)
		select {
		case <-ctx.Done():
			c.log.Info().Msg("autopilot stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunCycle performs one scan/score/spawn/reap pass. Returns the report for
// observability; concurrent invocations coalesce into a skipped report.
func (c *Controller) RunCycle(ctx context.Context) *CycleReport {
	if !c.cycleMu.TryLock() {
		return &CycleReport{Skipped: true, Started: time.Now().UTC()}
	}
	defer c.cycleMu.Unlock()

	report := &CycleReport{Started: time.Now().UTC()}
	defer func() {
		report.Duration = time.Since(report.Started)
		metrics.ControllerCycles.Inc()
		c.reportMu.Lock()
		c.lastReport = report
		c.reportMu.Unlock()
		c.publishCycle(report)
	}()

	if err := c.exchange.Ping(ctx); err != nil {
		c.log.Warn().Err(err).Msg("exchange unavailable, skipping cycle")
		report.Skipped = true
		return report
	}

	c.reap(ctx, report)

	capacity := c.cfg.MaxAutonomous - c.manager.RunningAutonomousCount()
	if capacity <= 0 {
		c.log.Debug().Msg("autonomous capacity exhausted")
		return report
	}

	candidates, scanned, err := c.scan(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("scan failed, skipping cycle")
		report.Skipped = true
		return report
	}
	report.Scanned = scanned
	report.Scored = len(candidates)

	selected := selectCandidates(candidates, c.cfg.MinScore, capacity)
	if len(selected) == 0 && capacity > 0 {
		selected = selectCandidates(candidates, FallbackMinScore, capacity)
		if len(selected) > 0 {
			c.log.Info().Msg("no candidate above minimum score, using fallback threshold")
		}
	}

	for _, candidate := range selected {
		id, err := c.spawn(ctx, candidate)
		if err != nil {
			c.log.Warn().Err(err).Str("symbol", candidate.Symbol).Msg("spawn failed")
			continue
		}
		report.Spawned = append(report.Spawned, id)
	}
	return report
}

// scan ranks the tradable universe by 24h quote volume, drops symbols already
// owned by running autonomous bots, and scores the top K.
func (c *Controller) scan(ctx context.Context) ([]*Candidate, int, error) {
	symbols, err := c.exchange.ListTradableSymbols(ctx, QuoteAsset)
	if err != nil {
		return nil, 0, err
	}
	owned := c.manager.RunningSymbols()

	type ranked struct {
		symbol string
		volume float64
	}
	universe := make([]ranked, 0, len(symbols))
	for _, symbol := range symbols {
		if owned[symbol] {
			continue
		}
		stats, err := c.exchange.Get24hStats(ctx, symbol)
		if err != nil {
			c.log.Debug().Err(err).Str("symbol", symbol).Msg("stats unavailable")
			continue
		}
		universe = append(universe, ranked{symbol: symbol, volume: stats.QuoteVolume})
	}
	sort.Slice(universe, func(i, j int) bool { return universe[i].volume > universe[j].volume })
	if len(universe) > c.cfg.TopK {
		universe = universe[:c.cfg.TopK]
	}

	candidates := make([]*Candidate, 0, len(universe))
	for _, entry := range universe {
		if ctx.Err() != nil {
			return candidates, len(universe), ctx.Err()
		}
		candidate, err := c.scoreFn(ctx, entry.symbol)
		if err != nil {
			c.log.Debug().Err(err).Str("symbol", entry.symbol).Msg("scoring failed")
			continue
		}
		candidate.QuoteVolume = entry.volume
		candidates = append(candidates, candidate)
	}
	return candidates, len(universe), nil
}

// selectCandidates filters by threshold and returns the best n by score.
func selectCandidates(candidates []*Candidate, minScore float64, n int) []*Candidate {
	passed := make([]*Candidate, 0, len(candidates))
	for _, candidate := range candidates {
		if candidate.Score >= minScore {
			passed = append(passed, candidate)
		}
	}
	sort.Slice(passed, func(i, j int) bool { return passed[i].Score > passed[j].Score })
	if len(passed) > n {
		passed = passed[:n]
	}
	return passed
}

// spawn creates and starts an autonomous bot for a candidate within the
// budget rules.
func (c *Controller) spawn(ctx context.Context, candidate *Candidate) (string, error) {
	budget, available, avgRunning, err := c.budget(ctx)
	if err != nil {
		return "", err
	}

	cfg := bot.Config{
		Symbol:          candidate.Symbol,
		Strategy:        candidate.BestStrategy,
		Timeframe:       candidate.BestTimeframe,
		Mode:            exchange.ModeSpot,
		AllocatedAmount: decimal.NewFromFloat(budget),
		Autonomous:      true,
		CreatedBy:       "AutonomousController",
	}
	spawned, err := c.manager.Create(ctx, cfg)
	if err != nil {
		return "", err
	}
	if err := c.manager.Start(ctx, spawned.ID()); err != nil {
		return "", err
	}

	c.log.Info().
		Str("bot_id", spawned.ID()).
		Str("symbol", candidate.Symbol).
		Str("strategy", candidate.BestStrategy).
		Float64("score", candidate.Score).
		Float64("budget", budget).
		Float64("avg_running", avgRunning).
		Float64("available_capital", available).
		Msg("autonomous bot spawned")
	return spawned.ID(), nil
}

// budget sizes one new bot: the running-fleet average (or the default when
// the fleet is empty), capped at a fraction of free balance and at the
// configured maximum position size, floored at the minimum viable order
// budget.
func (c *Controller) budget(ctx context.Context) (budget, available, avgRunning float64, err error) {
	available, err = c.exchange.GetBalance(ctx, QuoteAsset, exchange.ModeSpot)
	if err != nil {
		return 0, 0, 0, errs.Wrap(errs.KindOf(err), "budget balance", err)
	}

	var sum float64
	var running int
	for _, snap := range c.manager.List() {
		if snap.State == bot.StateRunning {
			amount, _ := snap.AllocatedAmount.Float64()
			sum += amount
			running++
		}
	}
	avgRunning = c.cfg.DefaultAmount
	if running > 0 {
		avgRunning = sum / float64(running)
	}

	capPct := BalanceCapFraction * available
	budget = avgRunning
	if capPct < budget {
		budget = capPct
	}
	if c.cfg.MaxPositionSize > 0 && budget > c.cfg.MaxPositionSize {
		budget = c.cfg.MaxPositionSize
	}
	if budget < c.cfg.MinBudget {
		budget = c.cfg.MinBudget
	}
	return budget, available, avgRunning, nil
}

// reap stops running autonomous bots that are both old enough and rated
// NEGATIVE by pattern insights.
func (c *Controller) reap(ctx context.Context, report *CycleReport) {
	for _, b := range c.manager.Autonomous() {
		if b.State() != bot.StateRunning {
			continue
		}
		if time.Since(b.CreatedAt()) <= c.cfg.ReapAge {
			continue
		}
		insight := c.memory.PatternInsights(ctx, b.Symbol(), b.Strategy())
		if insight.Recommendation != memory.RecommendationNegative {
			continue
		}
		c.log.Info().
			Str("bot_id", b.ID()).
			Str("symbol", b.Symbol()).
			Float64("success_rate", insight.SuccessRate).
			Float64("avg_pnl", insight.AvgPnL).
			Msg("reaping underperforming bot")
		if err := c.manager.Stop(ctx, b.ID()); err != nil {
			c.log.Warn().Err(err).Str("bot_id", b.ID()).Msg("reap stop failed")
			continue
		}
		report.Reaped = append(report.Reaped, b.ID())
	}
}

// LastReport returns the most recent cycle report, nil before the first
// cycle completes.
func (c *Controller) LastReport() *CycleReport {
	c.reportMu.Lock()
	defer c.reportMu.Unlock()
	return c.lastReport
}

func (c *Controller) publishCycle(report *CycleReport) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.TopicControllerCycle, map[string]interface{}{
		"scanned":     report.Scanned,
		"scored":      report.Scored,
		"spawned":     report.Spawned,
		"reaped":      report.Reaped,
		"skipped":     report.Skipped,
		"duration_ms": report.Duration.Milliseconds(),
	})
}
