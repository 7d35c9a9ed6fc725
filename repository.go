package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrSagaNotFound is returned when no saga exists for the given key
var ErrSagaNotFound = errors.New("saga not found")

// SagaStatistics aggregates repository-wide saga numbers
type SagaStatistics struct {
	TotalSagas         int            `json:"total_sagas"`
	StatusDistribution map[string]int `json:"status_distribution"`
	AverageDurationMS  float64        `json:"average_duration_ms"`
	SuccessRate        float64        `json:"success_rate"`
}

// SagaRepository defines the interface for saga persistence operations
type SagaRepository interface {
	// Save upserts a saga by saga_id, stamping updated_at
	Save(ctx context.Context, saga *SagaExecution) error

	// Get fetches a saga by ID
	Get(ctx context.Context, sagaID string) (*SagaExecution, error)

	// GetByOrderID fetches the saga that produced the given order
	GetByOrderID(ctx context.Context, orderID string) (*SagaExecution, error)

	// GetActiveByIdempotencyKey fetches a non-terminal, non-expired saga for
	// the given business key (for duplicate-submission rejection)
	GetActiveByIdempotencyKey(ctx context.Context, key string) (*SagaExecution, error)

	// GetAllActive lists every saga that has not reached a final state
	GetAllActive(ctx context.Context) ([]*SagaExecution, error)

	// GetExpired lists sagas past their deadline that never reached a final state
	GetExpired(ctx context.Context) ([]*SagaExecution, error)

	// Delete removes a saga
	Delete(ctx context.Context, sagaID string) (bool, error)

	// GetStatistics computes the status histogram, average duration and success rate
	GetStatistics(ctx context.Context) (*SagaStatistics, error)
}

const sagaSchema = `
CREATE TABLE IF NOT EXISTS sagas (
	saga_id           TEXT PRIMARY KEY,
	order_id          TEXT NOT NULL DEFAULT '',
	idempotency_key   TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	expires_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL,
	total_duration_ms BIGINT NOT NULL DEFAULT 0,
	data              JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sagas_order_id ON sagas (order_id);
CREATE INDEX IF NOT EXISTS idx_sagas_idempotency_key ON sagas (idempotency_key);
CREATE INDEX IF NOT EXISTS idx_sagas_status ON sagas (status);
`

// PostgresSagaRepository implements SagaRepository using PostgreSQL
type PostgresSagaRepository struct {
	db *pgxpool.Pool
}

// NewPostgresSagaRepository creates a new PostgresSagaRepository instance,
// ensuring the sagas table exists
func NewPostgresSagaRepository(ctx context.Context, db *pgxpool.Pool) (*PostgresSagaRepository, error) {
	if _, err := db.Exec(ctx, sagaSchema); err != nil {
		return nil, fmt.Errorf("failed to ensure saga schema: %w", err)
	}
	return &PostgresSagaRepository{db: db}, nil
}

// Save upserts a saga by saga_id, stamping updated_at
func (r *PostgresSagaRepository) Save(ctx context.Context, saga *SagaExecution) error {
	saga.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(saga)
	if err != nil {
		return fmt.Errorf("failed to serialize saga %s: %w", saga.SagaID, err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO sagas (saga_id, order_id, idempotency_key, status, expires_at, updated_at, total_duration_ms, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (saga_id) DO UPDATE SET
			order_id = EXCLUDED.order_id,
			status = EXCLUDED.status,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at,
			total_duration_ms = EXCLUDED.total_duration_ms,
			data = EXCLUDED.data
	`, saga.SagaID, saga.OrderID, saga.IdempotencyKey, string(saga.Status),
		saga.ExpiresAt, saga.UpdatedAt, saga.TotalDurationMS, data)
	if err != nil {
		return fmt.Errorf("failed to save saga %s: %w", saga.SagaID, err)
	}
	return nil
}

// Get fetches a saga by ID
func (r *PostgresSagaRepository) Get(ctx context.Context, sagaID string) (*SagaExecution, error) {
	return r.queryOne(ctx, "SELECT data FROM sagas WHERE saga_id = $1", sagaID)
}

// GetByOrderID fetches the saga that produced the given order
func (r *PostgresSagaRepository) GetByOrderID(ctx context.Context, orderID string) (*SagaExecution, error) {
	return r.queryOne(ctx, "SELECT data FROM sagas WHERE order_id = $1 AND order_id != '' LIMIT 1", orderID)
}

// GetActiveByIdempotencyKey fetches a non-terminal, non-expired saga for the given business key
func (r *PostgresSagaRepository) GetActiveByIdempotencyKey(ctx context.Context, key string) (*SagaExecution, error) {
	return r.queryOne(ctx, `
		SELECT data FROM sagas
		WHERE idempotency_key = $1
		  AND status NOT IN ('COMPLETED', 'FAILED')
		  AND expires_at > $2
		ORDER BY updated_at DESC
		LIMIT 1
	`, key, time.Now().UTC())
}

// GetAllActive lists every saga that has not reached a final state
func (r *PostgresSagaRepository) GetAllActive(ctx context.Context) ([]*SagaExecution, error) {
	return r.queryMany(ctx, "SELECT data FROM sagas WHERE status NOT IN ('COMPLETED', 'FAILED')")
}

// GetExpired lists sagas past their deadline that never reached a final state
func (r *PostgresSagaRepository) GetExpired(ctx context.Context) ([]*SagaExecution, error) {
	return r.queryMany(ctx, `
		SELECT data FROM sagas
		WHERE expires_at < $1 AND status NOT IN ('COMPLETED', 'FAILED')
	`, time.Now().UTC())
}

// Delete removes a saga
func (r *PostgresSagaRepository) Delete(ctx context.Context, sagaID string) (bool, error) {
	tag, err := r.db.Exec(ctx, "DELETE FROM sagas WHERE saga_id = $1", sagaID)
	if err != nil {
		return false, fmt.Errorf("failed to delete saga %s: %w", sagaID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetStatistics computes the status histogram, average duration and success rate
func (r *PostgresSagaRepository) GetStatistics(ctx context.Context) (*SagaStatistics, error) {
	stats := &SagaStatistics{StatusDistribution: map[string]int{}}

	rows, err := r.db.Query(ctx, "SELECT status, COUNT(*) FROM sagas GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to query saga statistics: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.StatusDistribution[status] = count
		stats.TotalSagas += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var avg *float64
	err = r.db.QueryRow(ctx,
		"SELECT AVG(total_duration_ms) FROM sagas WHERE total_duration_ms > 0",
	).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("failed to compute average duration: %w", err)
	}
	if avg != nil {
		stats.AverageDurationMS = *avg
	}

	if stats.TotalSagas > 0 {
		stats.SuccessRate = float64(stats.StatusDistribution[string(SagaStatusCompleted)]) / float64(stats.TotalSagas)
	}
	return stats, nil
}

func (r *PostgresSagaRepository) queryOne(ctx context.Context, sql string, args ...any) (*SagaExecution, error) {
	var data []byte
	err := r.db.QueryRow(ctx, sql, args...).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSagaNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeSaga(data)
}

func (r *PostgresSagaRepository) queryMany(ctx context.Context, sql string, args ...any) ([]*SagaExecution, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sagas []*SagaExecution
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		saga, err := decodeSaga(data)
		if err != nil {
			return nil, err
		}
		sagas = append(sagas, saga)
	}
	return sagas, rows.Err()
}

func decodeSaga(data []byte) (*SagaExecution, error) {
	var saga SagaExecution
	if err := json.Unmarshal(data, &saga); err != nil {
		return nil, fmt.Errorf("failed to deserialize saga: %w", err)
	}
	return &saga, nil
}

// MemorySagaRepository implements SagaRepository with a mutex-guarded map.
// Used in tests and SAGA_STORE=memory mode; not durable across restarts.
type MemorySagaRepository struct {
	mu    sync.RWMutex
	sagas map[string]*SagaExecution
}

// NewMemorySagaRepository creates a new MemorySagaRepository instance
func NewMemorySagaRepository() *MemorySagaRepository {
	return &MemorySagaRepository{sagas: map[string]*SagaExecution{}}
}

// Save upserts a saga by saga_id, stamping updated_at. A snapshot is stored
// so later mutations of the argument do not alias the persisted state.
func (r *MemorySagaRepository) Save(_ context.Context, saga *SagaExecution) error {
	saga.UpdatedAt = time.Now().UTC()

	clone, err := cloneSaga(saga)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sagas[saga.SagaID] = clone
	return nil
}

// Get fetches a saga by ID
func (r *MemorySagaRepository) Get(_ context.Context, sagaID string) (*SagaExecution, error) {
	r.mu.RLock()
	saga, ok := r.sagas[sagaID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSagaNotFound
	}
	return cloneSaga(saga)
}

// GetByOrderID fetches the saga that produced the given order (linear scan)
func (r *MemorySagaRepository) GetByOrderID(_ context.Context, orderID string) (*SagaExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, saga := range r.sagas {
		if saga.OrderID != "" && saga.OrderID == orderID {
			return cloneSaga(saga)
		}
	}
	return nil, ErrSagaNotFound
}

// GetActiveByIdempotencyKey fetches a non-terminal, non-expired saga for the given business key
func (r *MemorySagaRepository) GetActiveByIdempotencyKey(_ context.Context, key string) (*SagaExecution, error) {
	now := time.Now().UTC()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, saga := range r.sagas {
		if saga.IdempotencyKey == key && !saga.IsTerminal() && now.Before(saga.ExpiresAt) {
			return cloneSaga(saga)
		}
	}
	return nil, ErrSagaNotFound
}

// GetAllActive lists every saga that has not reached a final state
func (r *MemorySagaRepository) GetAllActive(_ context.Context) ([]*SagaExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var active []*SagaExecution
	for _, saga := range r.sagas {
		if !saga.IsTerminal() {
			clone, err := cloneSaga(saga)
			if err != nil {
				return nil, err
			}
			active = append(active, clone)
		}
	}
	return active, nil
}

// GetExpired lists sagas past their deadline that never reached a final state
func (r *MemorySagaRepository) GetExpired(_ context.Context) ([]*SagaExecution, error) {
	now := time.Now().UTC()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var expired []*SagaExecution
	for _, saga := range r.sagas {
		if saga.IsExpired(now) {
			clone, err := cloneSaga(saga)
			if err != nil {
				return nil, err
			}
			expired = append(expired, clone)
		}
	}
	return expired, nil
}

// Delete removes a saga
func (r *MemorySagaRepository) Delete(_ context.Context, sagaID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sagas[sagaID]; !ok {
		return false, nil
	}
	delete(r.sagas, sagaID)
	return true, nil
}

// GetStatistics computes the status histogram, average duration and success rate
func (r *MemorySagaRepository) GetStatistics(_ context.Context) (*SagaStatistics, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := &SagaStatistics{StatusDistribution: map[string]int{}}
	var totalDuration int64
	var measured int

	for _, saga := range r.sagas {
		stats.StatusDistribution[string(saga.Status)]++
		stats.TotalSagas++
		if saga.TotalDurationMS > 0 {
			totalDuration += saga.TotalDurationMS
			measured++
		}
	}

	if measured > 0 {
		stats.AverageDurationMS = float64(totalDuration) / float64(measured)
	}
	if stats.TotalSagas > 0 {
		stats.SuccessRate = float64(stats.StatusDistribution[string(SagaStatusCompleted)]) / float64(stats.TotalSagas)
	}
	return stats, nil
}

// cloneSaga snapshots a saga through its JSON representation
func cloneSaga(saga *SagaExecution) (*SagaExecution, error) {
	data, err := json.Marshal(saga)
	if err != nil {
		return nil, fmt.Errorf("failed to clone saga %s: %w", saga.SagaID, err)
	}
	return decodeSaga(data)
}
