package database

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"binance-bot-fleet/internal/exchange"
)

// InMemoryStore implements the repository surfaces without a database. It
// backs MOCK_MODE deployments and tests. Semantics mirror the SQL
// repository: conflict rules, sealed-window immutability, JSON round-tripped
// memory content.
type InMemoryStore struct {
	mu           sync.Mutex
	bots         map[string]*BotRecord
	trades       []*TradeRecord
	windows      []*CandleWindowRecord
	memories     []*MemoryRecord
	nextWindowID int64
	nextMemoryID int64
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		bots:         make(map[string]*BotRecord),
		nextWindowID: 1,
		nextMemoryID: 1,
	}
}

func (s *InMemoryStore) HealthCheck(ctx context.Context) error { return nil }

// ---- bots ----

func (s *InMemoryStore) SaveBot(_ context.Context, bot *BotRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if existing, ok := s.bots[bot.ID]; ok {
		existing.AllocatedAmount = bot.AllocatedAmount
		existing.State = bot.State
		existing.UpdatedAt = now
		bot.CreatedAt = existing.CreatedAt
		bot.UpdatedAt = now
		return nil
	}
	bot.CreatedAt = now
	bot.UpdatedAt = now
	stored := *bot
	s.bots[bot.ID] = &stored
	return nil
}

func (s *InMemoryStore) UpdateBotState(_ context.Context, botID, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bot, ok := s.bots[botID]; ok {
		bot.State = state
		bot.UpdatedAt = time.Now()
	}
	return nil
}

func (s *InMemoryStore) GetBot(_ context.Context, botID string) (*BotRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bot, ok := s.bots[botID]; ok {
		out := *bot
		return &out, nil
	}
	return nil, ErrNotFound
}

func (s *InMemoryStore) ListBots(_ context.Context) ([]*BotRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*BotRecord, 0, len(s.bots))
	for _, bot := range s.bots {
		copied := *bot
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) DeleteBot(_ context.Context, botID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bots, botID)
	return nil
}

// ---- trades ----

func (s *InMemoryStore) InsertTrade(_ context.Context, trade *TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	trade.CreatedAt = time.Now()
	stored := *trade
	s.trades = append(s.trades, &stored)
	return nil
}

func (s *InMemoryStore) GetTradeByID(_ context.Context, id string) (*TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.trades {
		if t.ID == id {
			out := *t
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *InMemoryStore) ListTradesByBot(_ context.Context, botID string, limit int) ([]*TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*TradeRecord
	for i := len(s.trades) - 1; i >= 0 && len(out) < limit; i-- {
		if s.trades[i].BotID == botID {
			copied := *s.trades[i]
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *InMemoryStore) ListTradeHistory(_ context.Context, limit, offset int) ([]*TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*TradeRecord
	skipped := 0
	for i := len(s.trades) - 1; i >= 0 && len(out) < limit; i-- {
		if skipped < offset {
			skipped++
			continue
		}
		copied := *s.trades[i]
		out = append(out, &copied)
	}
	return out, nil
}

func (s *InMemoryStore) SumRealizedPnL(_ context.Context, botID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := decimal.Zero
	for _, t := range s.trades {
		if t.BotID == botID && t.RealizedPnL != nil {
			total = total.Add(*t.RealizedPnL)
		}
	}
	return total, nil
}

// ---- candle windows ----

func (s *InMemoryStore) UpsertPreTradeWindow(_ context.Context, botID, symbol, timeframe string, candles []exchange.Kline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.windows {
		if w.BotID == botID && w.Phase == PhasePreTrade {
			w.Symbol, w.Timeframe = symbol, timeframe
			w.Candles = append([]exchange.Kline(nil), candles...)
			w.Count = len(candles)
			stampWindow(w, candles)
			w.UpdatedAt = time.Now()
			return nil
		}
	}
	w := &CandleWindowRecord{
		ID: s.nextWindowID, BotID: botID, Symbol: symbol, Timeframe: timeframe,
		Phase:   PhasePreTrade,
		Candles: append([]exchange.Kline(nil), candles...), Count: len(candles),
		UpdatedAt: time.Now(),
	}
	stampWindow(w, candles)
	s.nextWindowID++
	s.windows = append(s.windows, w)
	return nil
}

func (s *InMemoryStore) CreateDuringTradeWindow(_ context.Context, botID, symbol, timeframe, buyTradeID string, startTS int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.windows {
		if w.BotID == botID && w.Phase == PhaseDuringTrade && w.BuyTradeID != nil && *w.BuyTradeID == buyTradeID {
			return nil
		}
	}
	status := PositionStatusOpen
	s.windows = append(s.windows, &CandleWindowRecord{
		ID: s.nextWindowID, BotID: botID, Symbol: symbol, Timeframe: timeframe,
		Phase: PhaseDuringTrade, BuyTradeID: &buyTradeID,
		PositionStatus: &status, StartTS: startTS, EndTS: startTS,
		UpdatedAt: time.Now(),
	})
	s.nextWindowID++
	return nil
}

func (s *InMemoryStore) CreatePostTradeWindow(_ context.Context, botID, symbol, timeframe, sellTradeID string, startTS int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.windows {
		if w.BotID == botID && w.Phase == PhasePostTrade && w.SellTradeID != nil && *w.SellTradeID == sellTradeID {
			return nil
		}
	}
	s.windows = append(s.windows, &CandleWindowRecord{
		ID: s.nextWindowID, BotID: botID, Symbol: symbol, Timeframe: timeframe,
		Phase: PhasePostTrade, SellTradeID: &sellTradeID,
		StartTS: startTS, EndTS: startTS,
		UpdatedAt: time.Now(),
	})
	s.nextWindowID++
	return nil
}

func (s *InMemoryStore) GetOpenDuringTradeWindow(_ context.Context, botID string) (*CandleWindowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.windows {
		if w.BotID == botID && w.Phase == PhaseDuringTrade && !w.Sealed {
			out := *w
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *InMemoryStore) GetOpenPostTradeWindow(_ context.Context, botID, sellTradeID string) (*CandleWindowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.windows {
		if w.BotID == botID && w.Phase == PhasePostTrade && !w.Sealed &&
			w.SellTradeID != nil && *w.SellTradeID == sellTradeID {
			out := *w
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *InMemoryStore) AppendWindowCandles(_ context.Context, windowID int64, candles []exchange.Kline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.windows {
		if w.ID == windowID && !w.Sealed {
			w.Candles = append([]exchange.Kline(nil), candles...)
			w.Count = len(candles)
			stampWindow(w, candles)
			w.UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrNotFound
}

func (s *InMemoryStore) SealDuringTradeWindow(_ context.Context, botID, sellTradeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.windows {
		if w.BotID == botID && w.Phase == PhaseDuringTrade && !w.Sealed {
			status := PositionStatusClosed
			w.SellTradeID = &sellTradeID
			w.PositionStatus = &status
			w.Sealed = true
			w.UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrNotFound
}

func (s *InMemoryStore) SealWindow(_ context.Context, windowID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.windows {
		if w.ID == windowID {
			w.Sealed = true
			w.UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrNotFound
}

func (s *InMemoryStore) GetWindows(_ context.Context, botID, phase string) ([]*CandleWindowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*CandleWindowRecord
	for _, w := range s.windows {
		if w.BotID == botID && (phase == "" || w.Phase == phase) {
			copied := *w
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *InMemoryStore) GetWindowByTrade(_ context.Context, botID, phase, tradeID string) (*CandleWindowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.windows {
		if w.BotID != botID || w.Phase != phase {
			continue
		}
		if phase == PhasePostTrade && w.SellTradeID != nil && *w.SellTradeID == tradeID {
			out := *w
			return &out, nil
		}
		if phase == PhaseDuringTrade && w.BuyTradeID != nil && *w.BuyTradeID == tradeID {
			out := *w
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *InMemoryStore) DeleteExpiredWindows(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []*CandleWindowRecord
	var deleted int64
	for _, w := range s.windows {
		if w.Sealed && w.UpdatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, w)
	}
	s.windows = kept
	return deleted, nil
}

// ---- memory ----

func (s *InMemoryStore) InsertMemory(_ context.Context, record *MemoryRecord) error {
	content, err := roundTrip(record.Content)
	if err != nil {
		return err
	}
	metadata, err := roundTrip(record.Metadata)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record.ID = s.nextMemoryID
	record.CreatedAt = time.Now()
	s.nextMemoryID++
	s.memories = append(s.memories, &MemoryRecord{
		ID: record.ID, Agent: record.Agent, Type: record.Type,
		Content: content, Metadata: metadata, CreatedAt: record.CreatedAt,
	})
	return nil
}

func (s *InMemoryStore) QueryMemory(_ context.Context, agent, recordType string, since time.Time, limit int) ([]*MemoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*MemoryRecord
	for i := len(s.memories) - 1; i >= 0 && len(out) < limit; i-- {
		r := s.memories[i]
		if r.Agent != agent {
			continue
		}
		if recordType != "" && r.Type != recordType {
			continue
		}
		if !since.IsZero() && r.CreatedAt.Before(since) {
			continue
		}
		copied := *r
		out = append(out, &copied)
	}
	return out, nil
}

func (s *InMemoryStore) QueryTradeLearning(_ context.Context, symbol, strategy string, since time.Time) ([]*MemoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*MemoryRecord
	for i := len(s.memories) - 1; i >= 0; i-- {
		r := s.memories[i]
		if r.Type != MemoryTypeTradeLearning || r.CreatedAt.Before(since) {
			continue
		}
		if r.Content["symbol"] == symbol && r.Content["strategy"] == strategy {
			copied := *r
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *InMemoryStore) CompactMemory(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []*MemoryRecord
	var deleted int64
	for _, r := range s.memories {
		if r.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	s.memories = kept
	return deleted, nil
}

func stampWindow(w *CandleWindowRecord, candles []exchange.Kline) {
	if len(candles) > 0 {
		w.StartTS = candles[0].OpenTime
		w.EndTS = candles[len(candles)-1].CloseTime
	}
}

func roundTrip(m map[string]interface{}) (map[string]interface{}, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
