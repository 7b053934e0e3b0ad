package bot

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"binance-bot-fleet/internal/candles"
	"binance-bot-fleet/internal/database"
	"binance-bot-fleet/internal/errs"
	"binance-bot-fleet/internal/events"
	"binance-bot-fleet/internal/exchange"
	"binance-bot-fleet/internal/memory"
	"binance-bot-fleet/internal/metrics"
	"binance-bot-fleet/internal/strategy"
)

// State is the bot lifecycle state.
type State string

const (
	StateIdle     State = "Idle"
	StateRunning  State = "Running"
	StateStopping State = "Stopping"
	StateStopped  State = "Stopped"
	StateErrored  State = "Errored"
)

const (
	backoffInitial = time.Second
	backoffMax     = 60 * time.Second
)

// RiskParams are the exit-rule tunables shared by all bots.
type RiskParams struct {
	StopLossPct float64 // negative threshold, e.g. -5
	TPMinPct    float64 // arming floor for the trailing take-profit
	TPTrailPct  float64 // retracement from best excursion that exits
	FeeRate     float64 // per-side fee estimate, e.g. 0.001
}

// Config describes one bot.
type Config struct {
	ID              string
	Symbol          string
	Strategy        string
	Timeframe       string
	Mode            exchange.TradingMode
	AllocatedAmount decimal.Decimal
	Params          strategy.Params
	Autonomous      bool
	CreatedBy       string
}

// Repo is the persistence surface the engine writes through.
type Repo interface {
	SaveBot(ctx context.Context, bot *database.BotRecord) error
	UpdateBotState(ctx context.Context, botID, state string) error
	InsertTrade(ctx context.Context, trade *database.TradeRecord) error
}

// Deps are the collaborators every bot shares.
type Deps struct {
	Exchange   exchange.Client
	Strategies *strategy.Registry
	Tracker    *candles.Tracker
	Memory     *memory.Store
	Repo       Repo
	Bus        *events.Bus
	Risk       RiskParams
}

// Snapshot is a point-in-time copy of a bot's externally visible state.
type Snapshot struct {
	ID              string               `json:"id"`
	Symbol          string               `json:"symbol"`
	Strategy        string               `json:"strategy"`
	Timeframe       string               `json:"timeframe"`
	Mode            exchange.TradingMode `json:"trading_mode"`
	AllocatedAmount decimal.Decimal      `json:"allocated_amount"`
	Autonomous      bool                 `json:"autonomous"`
	CreatedBy       string               `json:"created_by"`
	CreatedAt       time.Time            `json:"created_at"`
	State           State                `json:"state"`
	Position        *Position            `json:"position,omitempty"`
	LastAnalysis    *strategy.Analysis   `json:"last_analysis,omitempty"`
	LastError       string               `json:"last_error,omitempty"`
}

// Bot runs one symbol/strategy pair as a serial tick loop. All steps within
// a tick are strictly ordered; no second tick begins before the first ends.
type Bot struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger
	now  func() time.Time

	mu             sync.RWMutex
	state          State
	position       *Position
	lastAnalysis   *strategy.Analysis
	lastError      string
	openPostTrades []string
	backoff        time.Duration
	createdAt      time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a bot in the Idle state.
func New(cfg Config, deps Deps) *Bot {
	return &Bot{
		cfg:       cfg,
		deps:      deps,
		log:       log.With().Str("component", "bot").Str("bot_id", cfg.ID).Str("symbol", cfg.Symbol).Logger(),
		now:       time.Now,
		state:     StateIdle,
		createdAt: time.Now(),
	}
}

func (b *Bot) ID() string { return b.cfg.ID }

func (b *Bot) Symbol() string { return b.cfg.Symbol }

func (b *Bot) Strategy() string { return b.cfg.Strategy }

func (b *Bot) Autonomous() bool { return b.cfg.Autonomous }

func (b *Bot) CreatedAt() time.Time { return b.createdAt }

func (b *Bot) AllocatedAmount() decimal.Decimal { return b.cfg.AllocatedAmount }

// State returns the current lifecycle state.
func (b *Bot) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Snapshot copies the bot's externally visible state.
func (b *Bot) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	snap := Snapshot{
		ID:              b.cfg.ID,
		Symbol:          b.cfg.Symbol,
		Strategy:        b.cfg.Strategy,
		Timeframe:       b.cfg.Timeframe,
		Mode:            b.cfg.Mode,
		AllocatedAmount: b.cfg.AllocatedAmount,
		Autonomous:      b.cfg.Autonomous,
		CreatedBy:       b.cfg.CreatedBy,
		CreatedAt:       b.createdAt,
		State:           b.state,
		LastError:       b.lastError,
	}
	if b.position != nil {
		p := *b.position
		snap.Position = &p
	}
	if b.lastAnalysis != nil {
		a := *b.lastAnalysis
		snap.LastAnalysis = &a
	}
	return snap
}

// Start spawns the tick loop. The first tick runs immediately.
func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.state == StateRunning || b.state == StateStopping {
		b.mu.Unlock()
		return errs.Newf(errs.KindInvariant, "bot %s already running", b.cfg.ID)
	}
	interval, err := exchange.TimeframeDuration(b.cfg.Timeframe)
	if err != nil {
		b.mu.Unlock()
		return errs.Wrap(errs.KindConfig, "bot timeframe", err)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	b.state = StateRunning
	b.mu.Unlock()

	b.persistState(ctx, StateRunning)
	b.publishState(StateRunning, "")
	metrics.RunningBots.Inc()
	if b.cfg.Autonomous {
		metrics.AutonomousBots.Inc()
	}

	go b.run(loopCtx, interval)
	b.log.Info().Str("strategy", b.cfg.Strategy).Str("timeframe", b.cfg.Timeframe).Msg("bot started")
	return nil
}

// Stop cancels the loop, waits up to killDeadline for the current tick, then
// flattens any open position so a Stopped bot never holds one.
func (b *Bot) Stop(ctx context.Context, killDeadline time.Duration) error {
	b.mu.Lock()
	switch b.state {
	case StateIdle, StateStopped, StateErrored:
		b.state = StateStopped
		b.mu.Unlock()
		b.persistState(ctx, StateStopped)
		return nil
	case StateStopping:
		b.mu.Unlock()
		return nil
	}
	b.state = StateStopping
	cancel, done := b.cancel, b.done
	b.mu.Unlock()

	b.publishState(StateStopping, "")
	cancel()

	select {
	case <-done:
	case <-time.After(killDeadline):
		b.log.Warn().Msg("kill deadline reached, abandoning in-flight tick")
	}

	if b.hasPosition() {
		if err := b.closePosition(ctx, 0, database.ExitReasonManual); err != nil {
			b.log.Error().Err(err).Msg("failed to flatten position on stop")
			b.mu.Lock()
			b.position = nil
			b.mu.Unlock()
		}
	}

	b.mu.Lock()
	b.state = StateStopped
	b.mu.Unlock()
	b.persistState(ctx, StateStopped)
	b.publishState(StateStopped, "")
	metrics.RunningBots.Dec()
	if b.cfg.Autonomous {
		metrics.AutonomousBots.Dec()
	}
	b.log.Info().Msg("bot stopped")
	return nil
}

func (b *Bot) run(ctx context.Context, interval time.Duration) {
	defer close(b.done)
	for {
		b.tick(ctx)
		if b.State() == StateErrored {
			return
		}
		wait := interval
		b.mu.RLock()
		wait += b.backoff
		b.mu.RUnlock()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// tick is one full engine iteration. Step order is fixed: post-trade window
// upkeep, pre-tick refresh, risk gate, signal, decision, execution.
func (b *Bot) tick(ctx context.Context) {
	b.maintainPostTradeWindows(ctx)

	if err := b.deps.Tracker.TrackPreTrade(ctx, b.cfg.ID, b.cfg.Symbol, b.cfg.Timeframe); err != nil {
		b.tickFailed(err, "pre-tick refresh failed")
		return
	}

	if b.hasPosition() {
		closed, err := b.riskGate(ctx)
		if err != nil {
			b.tickFailed(err, "risk gate failed")
			return
		}
		if closed {
			b.tickOK()
			return
		}
		if err := b.deps.Tracker.UpdatePositionTracking(ctx, b.cfg.ID); err != nil {
			b.log.Warn().Err(err).Msg("during_trade window update failed")
		}
	}

	analysis, err := b.analyze(ctx)
	if err != nil {
		if errs.IsKind(err, errs.KindStrategyInput) {
			b.log.Warn().Err(err).Msg("window too short for strategy, skipping tick")
			b.tickOK()
			return
		}
		b.tickFailed(err, "analysis failed")
		return
	}

	b.mu.Lock()
	b.lastAnalysis = analysis
	b.mu.Unlock()
	b.deps.Bus.Publish(events.TopicBotAnalysis, map[string]interface{}{
		"bot_id":     b.cfg.ID,
		"symbol":     b.cfg.Symbol,
		"strategy":   b.cfg.Strategy,
		"signal":     string(analysis.Signal),
		"confidence": analysis.Confidence,
		"reason":     analysis.Reason,
	})

	if err := b.decide(ctx, analysis); err != nil {
		if errs.IsKind(err, errs.KindInvariant) {
			b.fatal(err)
			return
		}
		b.tickFailed(err, "decision failed")
		return
	}
	b.tickOK()
}

// riskGate evaluates stop-loss and trailing take-profit against the current
// mark. Returns true when the position was closed.
func (b *Bot) riskGate(ctx context.Context) (bool, error) {
	mark, err := b.deps.Exchange.GetPrice(ctx, b.cfg.Symbol)
	if err != nil {
		return false, err
	}

	b.mu.Lock()
	pos := b.position
	if pos == nil {
		b.mu.Unlock()
		return false, nil
	}
	pos.UpdateExtremes(mark)
	grossPct := b.grossPct(pos, mark)
	netPct := pos.UnrealizedPct(mark, b.deps.Risk.FeeRate)
	if !pos.TPArmed && netPct >= b.deps.Risk.TPMinPct {
		pos.TPArmed = true
		b.log.Info().Float64("unrealized_pct", netPct).Msg("trailing take-profit armed")
	}
	armed := pos.TPArmed
	retrace := pos.RetracementPct(mark)
	b.mu.Unlock()

	if grossPct <= b.deps.Risk.StopLossPct {
		b.log.Warn().Float64("pnl_pct", grossPct).Msg("stop-loss triggered")
		return true, b.closePosition(ctx, mark, database.ExitReasonStopLoss)
	}
	if armed && retrace >= b.deps.Risk.TPTrailPct {
		b.log.Info().Float64("retracement_pct", retrace).Msg("trailing take-profit triggered")
		return true, b.closePosition(ctx, mark, database.ExitReasonTakeProfit)
	}
	return false, nil
}

func (b *Bot) analyze(ctx context.Context) (*strategy.Analysis, error) {
	window, err := b.deps.Exchange.GetKlines(ctx, b.cfg.Symbol, b.cfg.Timeframe, candles.WindowSize)
	if err != nil {
		return nil, err
	}
	return b.deps.Strategies.Analyze(b.cfg.Strategy, window, b.cfg.Params)
}

func (b *Bot) decide(ctx context.Context, analysis *strategy.Analysis) error {
	b.mu.RLock()
	pos := b.position
	b.mu.RUnlock()

	switch analysis.Signal {
	case strategy.SignalBuy:
		if pos == nil {
			return b.openPosition(ctx, Long, analysis)
		}
		if pos.Direction == Short {
			// Covering buy flattens the short unconditionally.
			return b.closePosition(ctx, 0, database.ExitReasonSignal)
		}
	case strategy.SignalSell:
		if pos != nil && pos.Direction == Long {
			return b.closeOnSignal(ctx, pos)
		}
		if pos == nil {
			if !b.cfg.Mode.CanShort() {
				b.log.Debug().Msg("SELL signal while flat on SPOT, shorting not permitted")
				return nil
			}
			return b.openPosition(ctx, Short, analysis)
		}
	}
	return nil
}

// closeOnSignal applies the minimum-take-profit guard to a SELL exiting a
// LONG: the strategy exit may only fire once unrealized P&L has reached the
// arming floor. Stop-loss and trailing exits bypass this in the risk gate.
func (b *Bot) closeOnSignal(ctx context.Context, pos *Position) error {
	mark, err := b.deps.Exchange.GetPrice(ctx, b.cfg.Symbol)
	if err != nil {
		return err
	}
	unrealized := pos.UnrealizedPct(mark, b.deps.Risk.FeeRate)
	if unrealized < b.deps.Risk.TPMinPct {
		b.log.Info().
			Float64("unrealized_pct", unrealized).
			Float64("min_pct", b.deps.Risk.TPMinPct).
			Msg("SIGNAL exit rejected below minimum take profit")
		return nil
	}
	return b.closePosition(ctx, mark, database.ExitReasonSignal)
}

func (b *Bot) openPosition(ctx context.Context, direction Direction, analysis *strategy.Analysis) error {
	decisionTime := b.now()
	decisionPrice, err := b.deps.Exchange.GetPrice(ctx, b.cfg.Symbol)
	if err != nil {
		return err
	}
	filter, err := b.deps.Exchange.GetSymbolFilter(ctx, b.cfg.Symbol)
	if err != nil {
		return err
	}
	allocated, _ := b.cfg.AllocatedAmount.Float64()
	quantity, err := exchange.SizeByAllocation(allocated, decisionPrice, filter)
	if err != nil {
		if errs.IsKind(err, errs.KindInsufficientBalance) {
			b.log.Warn().Err(err).Msg("order rejected by lot sizing")
			b.publishState(b.State(), string(errs.KindInsufficientBalance))
			return nil
		}
		return err
	}

	side := exchange.SideBuy
	if direction == Short {
		side = exchange.SideSell
	}
	order, err := b.deps.Exchange.PlaceMarketOrder(ctx, b.cfg.Symbol, side, quantity, b.cfg.Mode)
	if err != nil {
		if errs.IsKind(err, errs.KindInsufficientBalance) {
			b.log.Warn().Err(err).Msg("order rejected for insufficient balance")
			b.publishState(b.State(), string(errs.KindInsufficientBalance))
			return nil
		}
		return err
	}

	execTime := order.TransactTime
	if execTime.IsZero() {
		execTime = b.now()
	}
	execPrice := order.VWAP()
	if execPrice.IsZero() {
		execPrice = decimal.NewFromFloat(decisionPrice)
	}
	execF, _ := execPrice.Float64()

	tradeID := uuid.NewString()
	trade := &database.TradeRecord{
		ID:                    tradeID,
		BotID:                 b.cfg.ID,
		Symbol:                b.cfg.Symbol,
		Side:                  string(side),
		Quantity:              order.ExecutedQty,
		DecisionPrice:         decimal.NewFromFloat(decisionPrice),
		ExecutionPrice:        execPrice,
		DecisionTime:          decisionTime,
		ExecutionTime:         execTime,
		ExecutionDelaySeconds: execTime.Sub(decisionTime).Seconds(),
		PriceSlippagePercent:  slippagePct(direction, decisionPrice, execF),
		Strategy:              b.cfg.Strategy,
		Confidence:            analysis.Confidence,
		Indicators:            analysis.Indicators,
	}
	if err := b.deps.Repo.InsertTrade(ctx, trade); err != nil {
		b.log.Error().Err(err).Msg("trade persist failed, continuing")
	}

	b.mu.Lock()
	b.position = &Position{
		Direction:     direction,
		EntryPrice:    execPrice,
		Quantity:      order.ExecutedQty,
		EntryTime:     execTime,
		DecisionPrice: decisionPrice,
		HighestPrice:  execF,
		LowestPrice:   execF,
		BuyTradeID:    tradeID,
	}
	b.mu.Unlock()

	if err := b.deps.Tracker.StartPositionTracking(ctx, b.cfg.ID, b.cfg.Symbol, b.cfg.Timeframe, tradeID); err != nil {
		b.log.Warn().Err(err).Msg("position tracking start failed")
	}

	b.deps.Bus.Publish(events.TopicTradeOpened, map[string]interface{}{
		"bot_id":    b.cfg.ID,
		"trade_id":  tradeID,
		"symbol":    b.cfg.Symbol,
		"side":      string(side),
		"direction": string(direction),
		"quantity":  order.ExecutedQty.String(),
		"price":     execPrice.String(),
	})
	metrics.TradesTotal.WithLabelValues(string(side), "open").Inc()
	b.log.Info().
		Str("direction", string(direction)).
		Str("quantity", order.ExecutedQty.String()).
		Str("price", execPrice.String()).
		Msg("position opened")
	return nil
}

// closePosition exits the open position with a market order. The mark is the
// decision price; pass 0 to fetch it fresh (manual stops).
func (b *Bot) closePosition(ctx context.Context, mark float64, reason string) error {
	b.mu.RLock()
	pos := b.position
	b.mu.RUnlock()
	if pos == nil {
		return errs.New(errs.KindInvariant, "close requested with no open position")
	}

	decisionTime := b.now()
	if mark <= 0 {
		price, err := b.deps.Exchange.GetPrice(ctx, b.cfg.Symbol)
		if err != nil {
			return err
		}
		mark = price
	}

	side := exchange.SideSell
	if pos.Direction == Short {
		side = exchange.SideBuy
	}
	order, err := b.deps.Exchange.PlaceMarketOrder(ctx, b.cfg.Symbol, side, pos.Quantity, b.cfg.Mode)
	if err != nil {
		return err
	}

	execTime := order.TransactTime
	if execTime.IsZero() {
		execTime = b.now()
	}
	execPrice := order.VWAP()
	if execPrice.IsZero() {
		execPrice = decimal.NewFromFloat(mark)
	}
	execF, _ := execPrice.Float64()

	pnl := b.realizedPnL(pos, execPrice)
	pnlPct := pos.UnrealizedPct(execF, b.deps.Risk.FeeRate)
	exitReason := reason
	sellTradeID := uuid.NewString()
	trade := &database.TradeRecord{
		ID:                    sellTradeID,
		BotID:                 b.cfg.ID,
		Symbol:                b.cfg.Symbol,
		Side:                  string(side),
		Quantity:              order.ExecutedQty,
		DecisionPrice:         decimal.NewFromFloat(mark),
		ExecutionPrice:        execPrice,
		DecisionTime:          decisionTime,
		ExecutionTime:         execTime,
		ExecutionDelaySeconds: execTime.Sub(decisionTime).Seconds(),
		PriceSlippagePercent:  slippagePct(pos.Direction, mark, execF),
		RealizedPnL:           &pnl,
		ExitReason:            &exitReason,
		Strategy:              b.cfg.Strategy,
	}
	if err := b.deps.Repo.InsertTrade(ctx, trade); err != nil {
		b.log.Error().Err(err).Msg("trade persist failed, continuing")
	}

	if err := b.deps.Tracker.StopPositionTracking(ctx, b.cfg.ID, sellTradeID); err != nil {
		b.log.Warn().Err(err).Msg("position tracking seal failed")
	}
	if err := b.deps.Tracker.StartPostTrade(ctx, b.cfg.ID, b.cfg.Symbol, b.cfg.Timeframe, sellTradeID); err != nil {
		b.log.Warn().Err(err).Msg("post_trade window start failed")
	}

	buyTradeID := pos.BuyTradeID
	b.mu.Lock()
	b.position = nil
	b.openPostTrades = append(b.openPostTrades, sellTradeID)
	b.mu.Unlock()

	go b.learn(trade, buyTradeID, pnlPct)

	b.deps.Bus.Publish(events.TopicTradeClosed, map[string]interface{}{
		"bot_id":      b.cfg.ID,
		"trade_id":    sellTradeID,
		"symbol":      b.cfg.Symbol,
		"exit_reason": reason,
		"pnl":         pnl.String(),
		"pnl_pct":     pnlPct,
	})
	metrics.TradesTotal.WithLabelValues(string(side), reason).Inc()
	b.log.Info().
		Str("exit_reason", reason).
		Str("pnl", pnl.String()).
		Float64("pnl_pct", pnlPct).
		Msg("position closed")
	return nil
}

// learn bundles the sealed candle windows and hands the closed trade to the
// memory store. Fire-and-forget; runs detached from the tick.
func (b *Bot) learn(trade *database.TradeRecord, buyTradeID string, pnlPct float64) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	bundle := &memory.CandleBundle{}
	if windows, err := b.deps.Tracker.GetCandles(ctx, b.cfg.ID, database.PhasePreTrade); err == nil && len(windows) > 0 {
		bundle.PreTrade = windows[0].Candles
	}
	if w, err := b.deps.Tracker.WindowByTrade(ctx, b.cfg.ID, database.PhaseDuringTrade, buyTradeID); err == nil {
		bundle.DuringTrade = w.Candles
	}
	if w, err := b.deps.Tracker.WindowByTrade(ctx, b.cfg.ID, database.PhasePostTrade, trade.ID); err == nil {
		bundle.PostTrade = w.Candles
	}

	outcome := memory.OutcomeNeutral
	if pnlPct > 0 {
		outcome = memory.OutcomeSuccess
	} else if pnlPct < 0 {
		outcome = memory.OutcomeFailure
	}
	b.deps.Memory.LearnFromTrade(ctx, b.cfg.ID, trade, outcome, pnlPct, bundle)
}

// maintainPostTradeWindows advances unsealed post_trade windows each tick,
// even while the bot is flat, and forgets the sealed ones.
func (b *Bot) maintainPostTradeWindows(ctx context.Context) {
	b.mu.RLock()
	pending := append([]string(nil), b.openPostTrades...)
	b.mu.RUnlock()
	if len(pending) == 0 {
		return
	}

	var remaining []string
	for _, sellTradeID := range pending {
		if err := b.deps.Tracker.UpdatePostTrade(ctx, b.cfg.ID, sellTradeID); err != nil {
			b.log.Warn().Err(err).Str("sell_trade_id", sellTradeID).Msg("post_trade window update failed")
			remaining = append(remaining, sellTradeID)
			continue
		}
		w, err := b.deps.Tracker.WindowByTrade(ctx, b.cfg.ID, database.PhasePostTrade, sellTradeID)
		if err != nil || !w.Sealed {
			remaining = append(remaining, sellTradeID)
		}
	}

	b.mu.Lock()
	b.openPostTrades = remaining
	b.mu.Unlock()
}

func (b *Bot) hasPosition() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.position != nil
}

func (b *Bot) grossPct(pos *Position, mark float64) float64 {
	entry := pos.entry()
	if entry <= 0 {
		return 0
	}
	if pos.Direction == Long {
		return (mark - entry) / entry * 100
	}
	return (entry - mark) / entry * 100
}

// realizedPnL is the quote-currency P&L of the closed position net of the
// estimated per-side fees.
func (b *Bot) realizedPnL(pos *Position, exit decimal.Decimal) decimal.Decimal {
	var gross decimal.Decimal
	if pos.Direction == Long {
		gross = exit.Sub(pos.EntryPrice).Mul(pos.Quantity)
	} else {
		gross = pos.EntryPrice.Sub(exit).Mul(pos.Quantity)
	}
	feeRate := decimal.NewFromFloat(b.deps.Risk.FeeRate)
	fees := pos.EntryPrice.Add(exit).Mul(pos.Quantity).Mul(feeRate)
	return gross.Sub(fees)
}

// slippagePct is signed favorable-to-position: positive when the execution
// price moved in the position's direction relative to the decision price.
func slippagePct(direction Direction, decision, exec float64) float64 {
	if decision <= 0 {
		return 0
	}
	raw := (exec - decision) / decision * 100
	if direction == Short {
		return -raw
	}
	return raw
}

func (b *Bot) tickOK() {
	b.mu.Lock()
	b.backoff = 0
	b.mu.Unlock()
	metrics.TicksTotal.WithLabelValues("ok").Inc()
}

func (b *Bot) tickFailed(err error, msg string) {
	kind := errs.KindOf(err)
	metrics.TicksTotal.WithLabelValues("error").Inc()
	metrics.ExchangeErrors.WithLabelValues(string(kind)).Inc()

	b.mu.Lock()
	b.lastError = err.Error()
	if errs.Transient(err) {
		if b.backoff == 0 {
			b.backoff = backoffInitial
		} else {
			b.backoff *= 2
			if b.backoff > backoffMax {
				b.backoff = backoffMax
			}
		}
	}
	backoff := b.backoff
	b.mu.Unlock()

	b.log.Warn().Err(err).Dur("backoff", backoff).Msg(msg)
}

// fatal transitions the bot to Errored. The loop exits; the position, if
// any, stays as-is for the operator to resolve.
func (b *Bot) fatal(err error) {
	b.mu.Lock()
	b.state = StateErrored
	b.lastError = err.Error()
	b.mu.Unlock()
	b.persistState(context.Background(), StateErrored)
	b.publishState(StateErrored, err.Error())
	metrics.RunningBots.Dec()
	if b.cfg.Autonomous {
		metrics.AutonomousBots.Dec()
	}
	b.log.Error().Err(err).Msg("fatal error, bot halted")
}

func (b *Bot) persistState(ctx context.Context, state State) {
	if err := b.deps.Repo.UpdateBotState(ctx, b.cfg.ID, string(state)); err != nil {
		b.log.Warn().Err(err).Msg("bot state persist failed")
	}
}

func (b *Bot) publishState(state State, errMsg string) {
	payload := map[string]interface{}{
		"bot_id": b.cfg.ID,
		"symbol": b.cfg.Symbol,
		"state":  string(state),
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	b.deps.Bus.Publish(events.TopicBotState, payload)
}
