package reward

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Record is one reward observation, logged for offline analysis of
// routing quality.
type Record struct {
	Timestamp   time.Time `json:"timestamp"`
	TenantID    string    `json:"tenant_id"`
	WorkspaceID string    `json:"workspace_id"`
	TaskType    string    `json:"task_type"`
	Model       string    `json:"model"`
	Outcome     Outcome   `json:"outcome"`
	Breakdown   Breakdown `json:"breakdown"`
}

// Store persists reward records.
type Store interface {
	Append(ctx context.Context, rec Record) error
	Close() error
}

// MemoryStore keeps the most recent records in a bounded ring.
type MemoryStore struct {
	mu      sync.Mutex
	records []Record
	max     int
}

// NewMemoryStore creates an in-memory reward log holding up to max
// records (oldest dropped first).
func NewMemoryStore(max int) *MemoryStore {
	if max <= 0 {
		max = 1000
	}
	return &MemoryStore{max: max}
}

func (m *MemoryStore) Append(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = append(m.records, rec)
	if len(m.records) > m.max {
		m.records = m.records[len(m.records)-m.max:]
	}
	return nil
}

// Recent returns up to n of the most recent records, newest last.
func (m *MemoryStore) Recent(n int) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n <= 0 || n > len(m.records) {
		n = len(m.records)
	}
	out := make([]Record, n)
	copy(out, m.records[len(m.records)-n:])
	return out
}

func (m *MemoryStore) Close() error { return nil }

// PostgresStore appends reward records to Postgres for durable analysis.
//
// Schema:
//
//	CREATE TABLE reward_log (
//	  id BIGSERIAL PRIMARY KEY,
//	  ts TIMESTAMPTZ NOT NULL,
//	  tenant_id VARCHAR(255) NOT NULL,
//	  workspace_id VARCHAR(255) NOT NULL,
//	  task_type VARCHAR(255) NOT NULL,
//	  model VARCHAR(255) NOT NULL,
//	  cost_usd DOUBLE PRECISION NOT NULL,
//	  latency_ms DOUBLE PRECISION NOT NULL,
//	  breakdown JSONB NOT NULL
//	);
//	CREATE INDEX idx_reward_log_tenant_ts ON reward_log(tenant_id, ts);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to Postgres and returns a durable reward log.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("postgres connection failed: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Append(ctx context.Context, rec Record) error {
	breakdown, err := json.Marshal(rec.Breakdown)
	if err != nil {
		return fmt.Errorf("failed to marshal breakdown: %w", err)
	}

	_, err = p.pool.Exec(ctx,
		`INSERT INTO reward_log (ts, tenant_id, workspace_id, task_type, model, cost_usd, latency_ms, breakdown)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.Timestamp, rec.TenantID, rec.WorkspaceID, rec.TaskType, rec.Model,
		rec.Outcome.CostUSD, rec.Outcome.LatencyMs, breakdown)
	if err != nil {
		return fmt.Errorf("reward_log insert failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
