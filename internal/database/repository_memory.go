package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// MEMORY RECORDS
// ============================================================================

// InsertMemory appends a record to an agent's memory stream.
func (r *Repository) InsertMemory(ctx context.Context, record *MemoryRecord) error {
	content, err := json.Marshal(record.Content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	metadata, err := json.Marshal(record.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	query := `
		INSERT INTO memory_records (agent, record_type, content, metadata)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`
	return r.db.Pool.QueryRow(ctx, query, record.Agent, record.Type, content, metadata).
		Scan(&record.ID, &record.CreatedAt)
}

// QueryMemory retrieves an agent's records, newest first. Type and since are
// optional filters; limit caps the result.
func (r *Repository) QueryMemory(ctx context.Context, agent, recordType string, since time.Time, limit int) ([]*MemoryRecord, error) {
	query := `
		SELECT id, agent, record_type, content, metadata, created_at
		FROM memory_records
		WHERE agent = $1
	`
	args := []interface{}{agent}
	if recordType != "" {
		args = append(args, recordType)
		query += fmt.Sprintf(" AND record_type = $%d", len(args))
	}
	if !since.IsZero() {
		args = append(args, since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	return r.queryMemory(ctx, query, args...)
}

// QueryTradeLearning retrieves trade_learning records for a symbol and
// strategy pair across all agents since the cutoff.
func (r *Repository) QueryTradeLearning(ctx context.Context, symbol, strategy string, since time.Time) ([]*MemoryRecord, error) {
	query := `
		SELECT id, agent, record_type, content, metadata, created_at
		FROM memory_records
		WHERE record_type = $1
		  AND content->>'symbol' = $2
		  AND content->>'strategy' = $3
		  AND created_at >= $4
		ORDER BY created_at DESC
	`
	return r.queryMemory(ctx, query, MemoryTypeTradeLearning, symbol, strategy, since)
}

// CompactMemory removes records older than the cutoff. Returns rows deleted.
func (r *Repository) CompactMemory(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM memory_records WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) queryMemory(ctx context.Context, query string, args ...interface{}) ([]*MemoryRecord, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*MemoryRecord
	for rows.Next() {
		record := &MemoryRecord{}
		var content, metadata []byte
		if err := rows.Scan(
			&record.ID, &record.Agent, &record.Type,
			&content, &metadata, &record.CreatedAt,
		); err != nil {
			return nil, err
		}
		if len(content) > 0 {
			if err := json.Unmarshal(content, &record.Content); err != nil {
				return nil, fmt.Errorf("unmarshal content: %w", err)
			}
		}
		if len(metadata) > 0 && string(metadata) != "null" {
			if err := json.Unmarshal(metadata, &record.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		records = append(records, record)
	}
	return records, rows.Err()
}
