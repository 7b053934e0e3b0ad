package memory

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"binance-bot-fleet/internal/database"
	"binance-bot-fleet/internal/errs"
	"binance-bot-fleet/internal/exchange"
)

// DefaultRetention is how long memory records are kept before compaction.
const DefaultRetention = 90 * 24 * time.Hour

// CollectiveAgent is the shared stream all bots can read.
const CollectiveAgent = "collective"

// Outcome classifies a closed trade for learning.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeNeutral Outcome = "neutral"
)

// CandleBundle carries the phase windows sealed around a closed trade.
type CandleBundle struct {
	PreTrade    []exchange.Kline
	DuringTrade []exchange.Kline
	PostTrade   []exchange.Kline
}

// Repo is the persistence surface for memory streams.
type Repo interface {
	InsertMemory(ctx context.Context, record *database.MemoryRecord) error
	QueryMemory(ctx context.Context, agent, recordType string, since time.Time, limit int) ([]*database.MemoryRecord, error)
	QueryTradeLearning(ctx context.Context, symbol, strategy string, since time.Time) ([]*database.MemoryRecord, error)
	CompactMemory(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store is the agent memory layer. Writes are best-effort: a storage outage
// is logged and must never fail the trade that triggered it.
type Store struct {
	repo      Repo
	retention time.Duration
	log       zerolog.Logger
	now       func() time.Time
}

// NewStore creates a memory store with the given retention window.
// A non-positive retention falls back to the default.
func NewStore(repo Repo, retention time.Duration) *Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Store{
		repo:      repo,
		retention: retention,
		log:       log.With().Str("component", "memory").Logger(),
		now:       time.Now,
	}
}

// Save appends a record to an agent's stream.
func (s *Store) Save(ctx context.Context, agent, recordType string, content, metadata map[string]interface{}) error {
	record := &database.MemoryRecord{
		Agent:    agent,
		Type:     recordType,
		Content:  content,
		Metadata: metadata,
	}
	if err := s.repo.InsertMemory(ctx, record); err != nil {
		s.log.Warn().Err(err).Str("agent", agent).Str("type", recordType).Msg("memory write failed")
		return errs.Wrap(errs.KindStorage, "store memory record", err)
	}
	return nil
}

// Retrieve reads an agent's records, newest first. On backend outage it
// returns an empty result rather than an error.
func (s *Store) Retrieve(ctx context.Context, agent, recordType string, since time.Time, limit int) []*database.MemoryRecord {
	if limit <= 0 {
		limit = 100
	}
	records, err := s.repo.QueryMemory(ctx, agent, recordType, since, limit)
	if err != nil {
		s.log.Warn().Err(err).Str("agent", agent).Msg("memory read failed")
		return nil
	}
	return records
}

// RunCompaction removes records older than the retention window.
func (s *Store) RunCompaction(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retention)
	deleted, err := s.repo.CompactMemory(ctx, cutoff)
	if err != nil {
		return 0, errs.Wrap(errs.KindStorage, "memory compaction", err)
	}
	if deleted > 0 {
		s.log.Info().Int64("deleted", deleted).Msg("compacted old memory records")
	}
	return deleted, nil
}

// StartCompaction runs the compactor on an interval until ctx is cancelled.
func (s *Store) StartCompaction(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.RunCompaction(ctx); err != nil {
					s.log.Warn().Err(err).Msg("memory compaction failed")
				}
			}
		}
	}()
}
