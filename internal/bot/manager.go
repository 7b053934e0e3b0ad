package bot

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"binance-bot-fleet/internal/database"
	"binance-bot-fleet/internal/errs"
	"binance-bot-fleet/internal/events"
	"binance-bot-fleet/internal/exchange"
)

// DefaultKillDeadline bounds how long Stop waits for a tick in flight.
const DefaultKillDeadline = 30 * time.Second

// Manager owns the bot_id to Bot mapping. Reads take a snapshot; the map is
// only mutated under the write lock.
type Manager struct {
	deps         Deps
	killDeadline time.Duration
	log          zerolog.Logger

	mu   sync.RWMutex
	bots map[string]*Bot
}

// NewManager creates an empty bot registry.
func NewManager(deps Deps) *Manager {
	return &Manager{
		deps:         deps,
		killDeadline: DefaultKillDeadline,
		log:          log.With().Str("component", "bot_manager").Logger(),
		bots:         make(map[string]*Bot),
	}
}

// Create validates the configuration, persists the bot and registers it in
// the Idle state. The returned bot is not yet running.
func (m *Manager) Create(ctx context.Context, cfg Config) (*Bot, error) {
	if cfg.Symbol == "" {
		return nil, errs.New(errs.KindConfig, "symbol is required")
	}
	if _, err := m.deps.Strategies.Get(cfg.Strategy); err != nil {
		return nil, errs.Wrap(errs.KindConfig, "unknown strategy", err)
	}
	if !exchange.ValidTimeframe(cfg.Timeframe) {
		return nil, errs.Newf(errs.KindConfig, "unknown timeframe %q", cfg.Timeframe)
	}
	if !cfg.Mode.Valid() {
		return nil, errs.Newf(errs.KindConfig, "unknown trading mode %q", cfg.Mode)
	}
	if !cfg.AllocatedAmount.IsPositive() {
		return nil, errs.New(errs.KindConfig, "allocated amount must be positive")
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.CreatedBy == "" {
		cfg.CreatedBy = "operator"
	}

	b := New(cfg, m.deps)
	record := &database.BotRecord{
		ID:              cfg.ID,
		Symbol:          cfg.Symbol,
		Strategy:        cfg.Strategy,
		Timeframe:       cfg.Timeframe,
		TradingMode:     string(cfg.Mode),
		AllocatedAmount: cfg.AllocatedAmount,
		Autonomous:      cfg.Autonomous,
		CreatedBy:       cfg.CreatedBy,
		State:           string(StateIdle),
	}
	if err := m.deps.Repo.SaveBot(ctx, record); err != nil {
		m.log.Warn().Err(err).Str("bot_id", cfg.ID).Msg("bot persist failed, continuing in memory")
	}

	m.mu.Lock()
	m.bots[cfg.ID] = b
	m.mu.Unlock()

	m.log.Info().
		Str("bot_id", cfg.ID).
		Str("symbol", cfg.Symbol).
		Str("strategy", cfg.Strategy).
		Bool("autonomous", cfg.Autonomous).
		Msg("bot created")
	return b, nil
}

// Start spawns the tick loop for a registered bot.
func (m *Manager) Start(ctx context.Context, botID string) error {
	b, err := m.Get(botID)
	if err != nil {
		return err
	}
	return b.Start(ctx)
}

// Stop transitions a bot through Stopping to Stopped, bounded by the kill
// deadline for the tick in flight.
func (m *Manager) Stop(ctx context.Context, botID string) error {
	b, err := m.Get(botID)
	if err != nil {
		return err
	}
	return b.Stop(ctx, m.killDeadline)
}

// Get returns a registered bot.
func (m *Manager) Get(botID string) (*Bot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bots[botID]
	if !ok {
		return nil, errs.Newf(errs.KindConfig, "unknown bot %q", botID)
	}
	return b, nil
}

// List returns a consistent snapshot of all bots, oldest first.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	bots := make([]*Bot, 0, len(m.bots))
	for _, b := range m.bots {
		bots = append(bots, b)
	}
	m.mu.RUnlock()

	snapshots := make([]Snapshot, 0, len(bots))
	for _, b := range bots {
		snapshots = append(snapshots, b.Snapshot())
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].CreatedAt.Before(snapshots[j].CreatedAt)
	})
	return snapshots
}

// Autonomous returns the autonomous bots, oldest first.
func (m *Manager) Autonomous() []*Bot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Bot
	for _, b := range m.bots {
		if b.Autonomous() {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt().Before(out[j].CreatedAt())
	})
	return out
}

// RunningAutonomousCount counts autonomous bots in the Running state.
func (m *Manager) RunningAutonomousCount() int {
	count := 0
	for _, b := range m.Autonomous() {
		if b.State() == StateRunning {
			count++
		}
	}
	return count
}

// RunningSymbols is the set of symbols owned by running autonomous bots.
func (m *Manager) RunningSymbols() map[string]bool {
	owned := make(map[string]bool)
	for _, b := range m.Autonomous() {
		if b.State() == StateRunning {
			owned[b.Symbol()] = true
		}
	}
	return owned
}

// SubscribeEvents attaches a subscriber to the event bus.
func (m *Manager) SubscribeEvents(topics ...events.Topic) *events.Subscription {
	return m.deps.Bus.Subscribe(topics...)
}

// StopAll stops every bot, used during shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	for _, snap := range m.List() {
		if snap.State == StateRunning || snap.State == StateStopping {
			if err := m.Stop(ctx, snap.ID); err != nil {
				m.log.Warn().Err(err).Str("bot_id", snap.ID).Msg("stop failed during shutdown")
			}
		}
	}
}
