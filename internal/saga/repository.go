package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"conductor/internal/constants"
	"conductor/pkg/metrics"
)

var (
	ErrSagaNotFound = errors.New("saga not found")
	// ErrVersionConflict means the instance changed since it was read.
	ErrVersionConflict = errors.New("saga version conflict")
	ErrNotCancellable  = errors.New("saga is not running")
)

type Repository interface {
	Insert(ctx context.Context, inst *Instance) error
	Get(ctx context.Context, id string) (*Instance, error)
	// Update persists inst if its Version is current and bumps Version on success.
	// A pending cancel request is never cleared by an update.
	Update(ctx context.Context, inst *Instance) error
	// RequestCancel flags a running instance for cancellation.
	RequestCancel(ctx context.Context, id string, now time.Time) (*Instance, error)
	List(ctx context.Context, f ListFilter) ([]Instance, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
}

type PostgresRepository struct {
	db    *sql.DB
	table string
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, table: constants.DefaultPostgresSagaTable}
}

const instanceColumns = `id, name, correlation_id, status, current_step_index, trace_id, retry_policy,
	compensation_policy, cancel_requested, failure_reason, steps, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstance(row rowScanner) (*Instance, error) {
	var (
		inst                    Instance
		status                  string
		retryPolicy, compPolicy []byte
		steps                   []byte
	)
	if err := row.Scan(
		&inst.ID, &inst.Name, &inst.CorrelationID, &status, &inst.CurrentStepIndex, &inst.TraceID, &retryPolicy,
		&compPolicy, &inst.CancelRequested, &inst.FailureReason, &steps, &inst.Version, &inst.CreatedAt, &inst.UpdatedAt,
	); err != nil {
		return nil, err
	}

	inst.Status = Status(status)
	if err := json.Unmarshal(retryPolicy, &inst.RetryPolicy); err != nil {
		return nil, fmt.Errorf("failed to decode retry policy of saga %s: %w", inst.ID, err)
	}
	if err := json.Unmarshal(compPolicy, &inst.CompensationPolicy); err != nil {
		return nil, fmt.Errorf("failed to decode compensation policy of saga %s: %w", inst.ID, err)
	}
	if err := json.Unmarshal(steps, &inst.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode steps of saga %s: %w", inst.ID, err)
	}
	return &inst, nil
}

func encodeInstance(inst *Instance) (retryPolicy, compPolicy, steps []byte, err error) {
	if retryPolicy, err = json.Marshal(inst.RetryPolicy); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode retry policy: %w", err)
	}
	if compPolicy, err = json.Marshal(inst.CompensationPolicy); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode compensation policy: %w", err)
	}
	if steps, err = json.Marshal(inst.Steps); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode steps: %w", err)
	}
	return retryPolicy, compPolicy, steps, nil
}

func (r *PostgresRepository) Insert(ctx context.Context, inst *Instance) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveQuery("postgres", "saga_insert", start, err) }()

	retryPolicy, compPolicy, steps, err := encodeInstance(inst)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, r.table, instanceColumns)

	_, err = r.db.ExecContext(ctx, query,
		inst.ID, inst.Name, inst.CorrelationID, string(inst.Status), inst.CurrentStepIndex, inst.TraceID, retryPolicy,
		compPolicy, inst.CancelRequested, inst.FailureReason, steps, inst.Version, inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("saga %s already exists: %w", inst.ID, err)
		}
		return fmt.Errorf("failed to insert saga: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (_ *Instance, err error) {
	start := time.Now()
	defer func() { metrics.ObserveQuery("postgres", "saga_get", start, err) }()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, instanceColumns, r.table)
	inst, err := scanInstance(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSagaNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get saga: %w", err)
	}
	return inst, nil
}

func (r *PostgresRepository) Update(ctx context.Context, inst *Instance) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveQuery("postgres", "saga_update", start, err) }()

	retryPolicy, compPolicy, steps, err := encodeInstance(inst)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		UPDATE %s SET
			status = $2,
			current_step_index = $3,
			trace_id = $4,
			retry_policy = $5,
			compensation_policy = $6,
			cancel_requested = cancel_requested OR $7,
			failure_reason = $8,
			steps = $9,
			version = version + 1,
			updated_at = $10
		WHERE id = $1 AND version = $11
	`, r.table)

	res, err := r.db.ExecContext(ctx, query,
		inst.ID, string(inst.Status), inst.CurrentStepIndex, inst.TraceID, retryPolicy,
		compPolicy, inst.CancelRequested, inst.FailureReason, steps, inst.UpdatedAt, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update saga: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update saga: %w", err)
	}
	if n == 0 {
		if _, getErr := r.Get(ctx, inst.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: %s at version %d", ErrVersionConflict, inst.ID, inst.Version)
	}
	inst.Version++
	return nil
}

func (r *PostgresRepository) RequestCancel(ctx context.Context, id string, now time.Time) (_ *Instance, err error) {
	start := time.Now()
	defer func() { metrics.ObserveQuery("postgres", "saga_cancel", start, err) }()

	query := fmt.Sprintf(`
		UPDATE %s SET cancel_requested = TRUE, updated_at = $2
		WHERE id = $1 AND status = 'running'
		RETURNING %s
	`, r.table, instanceColumns)

	inst, err := scanInstance(r.db.QueryRowContext(ctx, query, id, now))
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: %s", ErrNotCancellable, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to cancel saga: %w", err)
	}
	return inst, nil
}

func (r *PostgresRepository) List(ctx context.Context, f ListFilter) (_ []Instance, err error) {
	start := time.Now()
	defer func() { metrics.ObserveQuery("postgres", "saga_list", start, err) }()

	var (
		conditions []string
		args       []interface{}
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.CorrelationID != "" {
		args = append(args, f.CorrelationID)
		conditions = append(conditions, fmt.Sprintf("correlation_id = $%d", len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, f.Limit)
	query := fmt.Sprintf(`SELECT %s FROM %s %s ORDER BY created_at DESC, id ASC LIMIT $%d`,
		instanceColumns, r.table, where, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sagas: %w", err)
	}
	defer rows.Close()

	var out []Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan saga: %w", err)
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) CountByStatus(ctx context.Context) (_ map[string]int, err error) {
	start := time.Now()
	defer func() { metrics.ObserveQuery("postgres", "saga_stats", start, err) }()

	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`SELECT status, COUNT(*) FROM %s GROUP BY status`, r.table))
	if err != nil {
		return nil, fmt.Errorf("failed to count sagas: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan saga counts: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// MemoryRepository keeps instances in process.
type MemoryRepository struct {
	mu        sync.Mutex
	instances map[string]*Instance
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{instances: make(map[string]*Instance)}
}

func (r *MemoryRepository) Insert(_ context.Context, inst *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.instances[inst.ID]; ok {
		return fmt.Errorf("saga %s already exists", inst.ID)
	}
	r.instances[inst.ID] = cloneInstance(inst)
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSagaNotFound, id)
	}
	return cloneInstance(inst), nil
}

func (r *MemoryRepository) Update(_ context.Context, inst *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.instances[inst.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSagaNotFound, inst.ID)
	}
	if stored.Version != inst.Version {
		return fmt.Errorf("%w: %s at version %d", ErrVersionConflict, inst.ID, inst.Version)
	}

	next := cloneInstance(inst)
	next.CancelRequested = stored.CancelRequested || inst.CancelRequested
	next.Version = stored.Version + 1
	r.instances[inst.ID] = next
	inst.Version = next.Version
	return nil
}

func (r *MemoryRepository) RequestCancel(_ context.Context, id string, now time.Time) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSagaNotFound, id)
	}
	if inst.Status != StatusRunning {
		return nil, fmt.Errorf("%w: %s", ErrNotCancellable, id)
	}
	inst.CancelRequested = true
	inst.UpdatedAt = now
	return cloneInstance(inst), nil
}

func (r *MemoryRepository) List(_ context.Context, f ListFilter) ([]Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matches []*Instance
	for _, inst := range r.instances {
		if (f.Status == "" || inst.Status == f.Status) && (f.CorrelationID == "" || inst.CorrelationID == f.CorrelationID) {
			matches = append(matches, inst)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].CreatedAt.After(matches[j].CreatedAt)
		}
		return matches[i].ID < matches[j].ID
	})

	out := make([]Instance, 0, len(matches))
	for _, inst := range matches {
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
		out = append(out, *cloneInstance(inst))
	}
	return out, nil
}

func (r *MemoryRepository) CountByStatus(_ context.Context) (map[string]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[string]int)
	for _, inst := range r.instances {
		counts[string(inst.Status)]++
	}
	return counts, nil
}
