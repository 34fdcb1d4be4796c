package dlq

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
	ErrEntryNotFound = errors.New("dlq entry not found")
	// ErrNotClaimable means the entry exists but is not in a status the caller may claim from.
	ErrNotClaimable = errors.New("dlq entry not claimable")
)

type Repository interface {
	Insert(ctx context.Context, e Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	List(ctx context.Context, f ListFilter) ([]Entry, error)
	// ClaimDue atomically moves up to limit due pending entries to retrying.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Entry, error)
	// Claim moves one entry to retrying if its status is one of from.
	Claim(ctx context.Context, id string, now time.Time, from []Status) (*Entry, error)
	// Complete records the outcome of an attempt on a claimed entry.
	Complete(ctx context.Context, id string, o Outcome) error
	Resolve(ctx context.Context, id, note string, now time.Time) (*Entry, error)
	// RecoverStale returns entries claimed before olderThan to pending.
	RecoverStale(ctx context.Context, olderThan, now time.Time) (int, error)
	Stats(ctx context.Context) (Stats, error)
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func terminalStatus(o Outcome) Status {
	switch {
	case o.Success:
		return StatusResolved
	case o.Exhausted:
		return StatusExhausted
	default:
		return StatusPending
	}
}

type PostgresRepository struct {
	db    *sql.DB
	table string
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, table: constants.DefaultPostgresDLQTable}
}

const entryColumns = `id, event_type, payload, metadata, failure_reason, policy_type, base_delay_ms,
	max_delay_ms, max_attempts, attempts, next_retry_at, status, resolution_note, created_at,
	updated_at, last_attempt_at, claimed_at, resolved_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e                    Entry
		payload, metadata    []byte
		policyType, status   string
		baseDelay, maxDelay  int64
		lastAttempt, claimed sql.NullTime
		resolved             sql.NullTime
	)
	if err := row.Scan(
		&e.ID, &e.EventType, &payload, &metadata, &e.FailureReason, &policyType, &baseDelay,
		&maxDelay, &e.Policy.MaxAttempts, &e.Attempts, &e.NextRetryAt, &status, &e.ResolutionNote, &e.CreatedAt,
		&e.UpdatedAt, &lastAttempt, &claimed, &resolved,
	); err != nil {
		return nil, err
	}

	e.Payload = json.RawMessage(payload)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of entry %s: %w", e.ID, err)
		}
	}
	e.Policy.Type = PolicyType(policyType)
	e.Policy.BaseDelay = time.Duration(baseDelay) * time.Millisecond
	e.Policy.MaxDelay = time.Duration(maxDelay) * time.Millisecond
	e.Status = Status(status)
	e.LastAttemptAt = nullTime(lastAttempt)
	e.ClaimedAt = nullTime(claimed)
	e.ResolvedAt = nullTime(resolved)
	return &e, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dlq entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (r *PostgresRepository) Insert(ctx context.Context, e Entry) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveQuery("postgres", "dlq_insert", start, err) }()

	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	payload := []byte(e.Payload)
	if len(payload) == 0 {
		payload = []byte("null")
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, event_type, payload, metadata, failure_reason, policy_type, base_delay_ms,
			max_delay_ms, max_attempts, attempts, next_retry_at, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, r.table)

	_, err = r.db.ExecContext(ctx, query,
		e.ID, e.EventType, payload, metadata, e.FailureReason, string(e.Policy.Type),
		e.Policy.BaseDelay.Milliseconds(), e.Policy.MaxDelay.Milliseconds(), e.Policy.MaxAttempts,
		e.Attempts, e.NextRetryAt, string(e.Status), e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("dlq entry %s already exists: %w", e.ID, err)
		}
		return fmt.Errorf("failed to insert dlq entry: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (_ *Entry, err error) {
	start := time.Now()
	defer func() { metrics.ObserveQuery("postgres", "dlq_get", start, err) }()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, entryColumns, r.table)
	e, err := scanEntry(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dlq entry: %w", err)
	}
	return e, nil
}

func (r *PostgresRepository) List(ctx context.Context, f ListFilter) (_ []Entry, err error) {
	start := time.Now()
	defer func() { metrics.ObserveQuery("postgres", "dlq_list", start, err) }()

	var (
		conditions []string
		args       []interface{}
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.EventType != "" {
		args = append(args, f.EventType)
		conditions = append(conditions, fmt.Sprintf("event_type = $%d", len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, f.Limit)
	query := fmt.Sprintf(`SELECT %s FROM %s %s ORDER BY created_at ASC, id ASC LIMIT $%d`,
		entryColumns, r.table, where, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dlq entries: %w", err)
	}
	return scanEntries(rows)
}

func (r *PostgresRepository) ClaimDue(ctx context.Context, now time.Time, limit int) (_ []Entry, err error) {
	start := time.Now()
	defer func() { metrics.ObserveQuery("postgres", "dlq_claim_due", start, err) }()

	query := fmt.Sprintf(`
		UPDATE %[1]s SET status = 'retrying', claimed_at = $1, updated_at = $1
		WHERE id IN (
			SELECT id FROM %[1]s
			WHERE status = 'pending' AND next_retry_at <= $1
			ORDER BY next_retry_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %[2]s
	`, r.table, entryColumns)

	rows, err := r.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due dlq entries: %w", err)
	}
	return scanEntries(rows)
}

func (r *PostgresRepository) Claim(ctx context.Context, id string, now time.Time, from []Status) (_ *Entry, err error) {
	start := time.Now()
	defer func() { metrics.ObserveQuery("postgres", "dlq_claim", start, err) }()

	query := fmt.Sprintf(`
		UPDATE %s SET status = 'retrying', claimed_at = $2, updated_at = $2
		WHERE id = $1 AND status = ANY($3)
		RETURNING %s
	`, r.table, entryColumns)

	e, err := scanEntry(r.db.QueryRowContext(ctx, query, id, now, pq.Array(statusStrings(from))))
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: %s", ErrNotClaimable, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim dlq entry: %w", err)
	}
	return e, nil
}

func (r *PostgresRepository) Complete(ctx context.Context, id string, o Outcome) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveQuery("postgres", "dlq_complete", start, err) }()

	status := terminalStatus(o)
	var resolvedAt interface{}
	if status == StatusResolved {
		resolvedAt = o.At
	}

	query := fmt.Sprintf(`
		UPDATE %s SET
			status = $2,
			attempts = $3,
			failure_reason = CASE WHEN $4 = '' THEN failure_reason ELSE $4 END,
			next_retry_at = $5,
			last_attempt_at = $6,
			updated_at = $6,
			claimed_at = NULL,
			resolved_at = $7
		WHERE id = $1 AND status = 'retrying'
	`, r.table)

	res, err := r.db.ExecContext(ctx, query,
		id, string(status), o.Attempts, o.FailureReason, o.NextRetryAt, o.At, resolvedAt)
	if err != nil {
		return fmt.Errorf("failed to complete dlq entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s is no longer retrying", ErrNotClaimable, id)
	}
	return nil
}

func (r *PostgresRepository) Resolve(ctx context.Context, id, note string, now time.Time) (_ *Entry, err error) {
	start := time.Now()
	defer func() { metrics.ObserveQuery("postgres", "dlq_resolve", start, err) }()

	query := fmt.Sprintf(`
		UPDATE %s SET status = 'resolved', resolution_note = $2, resolved_at = $3, updated_at = $3
		WHERE id = $1 AND status IN ('pending', 'exhausted')
		RETURNING %s
	`, r.table, entryColumns)

	e, err := scanEntry(r.db.QueryRowContext(ctx, query, id, note, now))
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: %s", ErrNotClaimable, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve dlq entry: %w", err)
	}
	return e, nil
}

func (r *PostgresRepository) RecoverStale(ctx context.Context, olderThan, now time.Time) (_ int, err error) {
	start := time.Now()
	defer func() { metrics.ObserveQuery("postgres", "dlq_recover_stale", start, err) }()

	query := fmt.Sprintf(`
		UPDATE %s SET status = 'pending', claimed_at = NULL, updated_at = $2
		WHERE status = 'retrying' AND claimed_at < $1
	`, r.table)

	res, err := r.db.ExecContext(ctx, query, olderThan, now)
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale claims: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(n), nil
}

func (r *PostgresRepository) Stats(ctx context.Context) (_ Stats, err error) {
	start := time.Now()
	defer func() { metrics.ObserveQuery("postgres", "dlq_stats", start, err) }()

	query := fmt.Sprintf(`SELECT status, policy_type, COUNT(*) FROM %s GROUP BY status, policy_type`, r.table)
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to query dlq stats: %w", err)
	}
	defer rows.Close()

	stats := newStats()
	for rows.Next() {
		var (
			status, policy string
			count          int
		)
		if err := rows.Scan(&status, &policy, &count); err != nil {
			return Stats{}, fmt.Errorf("failed to scan dlq stats: %w", err)
		}
		stats.add(status, policy, count)
	}
	return stats, rows.Err()
}

func newStats() Stats {
	stats := Stats{ByStatus: make(map[string]int), ByPolicy: make(map[string]int)}
	for _, s := range []Status{StatusPending, StatusRetrying, StatusExhausted, StatusResolved} {
		stats.ByStatus[string(s)] = 0
	}
	return stats
}

func (s *Stats) add(status, policy string, count int) {
	s.Total += count
	s.ByStatus[status] += count
	s.ByPolicy[policy] += count
}

// MemoryRepository keeps entries in process. Used by tests and by the single-replica
// "memory" store mode.
type MemoryRepository struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{entries: make(map[string]*Entry)}
}

func cloneEntry(e *Entry) Entry {
	c := *e
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func (r *MemoryRepository) Insert(_ context.Context, e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[e.ID]; ok {
		return fmt.Errorf("dlq entry %s already exists", e.ID)
	}
	c := cloneEntry(&e)
	r.entries[e.ID] = &c
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	c := cloneEntry(e)
	return &c, nil
}

func (r *MemoryRepository) sorted(match func(*Entry) bool, less func(a, b *Entry) bool) []*Entry {
	var out []*Entry
	for _, e := range r.entries {
		if match(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func (r *MemoryRepository) List(_ context.Context, f ListFilter) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	matches := r.sorted(func(e *Entry) bool {
		return (f.Status == "" || e.Status == f.Status) && (f.EventType == "" || e.EventType == f.EventType)
	}, func(a, b *Entry) bool {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	entries := make([]Entry, 0, len(matches))
	for _, e := range matches {
		if f.Limit > 0 && len(entries) >= f.Limit {
			break
		}
		entries = append(entries, cloneEntry(e))
	}
	return entries, nil
}

func (r *MemoryRepository) ClaimDue(_ context.Context, now time.Time, limit int) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	due := r.sorted(func(e *Entry) bool {
		return e.Status == StatusPending && !e.NextRetryAt.After(now)
	}, func(a, b *Entry) bool {
		return a.NextRetryAt.Before(b.NextRetryAt)
	})

	var claimed []Entry
	for _, e := range due {
		if limit > 0 && len(claimed) >= limit {
			break
		}
		e.Status = StatusRetrying
		e.ClaimedAt = timePtr(now)
		e.UpdatedAt = now
		claimed = append(claimed, cloneEntry(e))
	}
	return claimed, nil
}

func (r *MemoryRepository) Claim(_ context.Context, id string, now time.Time, from []Status) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	allowed := false
	for _, s := range from {
		if e.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %s", ErrNotClaimable, id)
	}

	e.Status = StatusRetrying
	e.ClaimedAt = timePtr(now)
	e.UpdatedAt = now
	c := cloneEntry(e)
	return &c, nil
}

func (r *MemoryRepository) Complete(_ context.Context, id string, o Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	if e.Status != StatusRetrying {
		return fmt.Errorf("%w: %s is no longer retrying", ErrNotClaimable, id)
	}

	e.Status = terminalStatus(o)
	e.Attempts = o.Attempts
	if o.FailureReason != "" {
		e.FailureReason = o.FailureReason
	}
	e.NextRetryAt = o.NextRetryAt
	e.LastAttemptAt = timePtr(o.At)
	e.UpdatedAt = o.At
	e.ClaimedAt = nil
	if e.Status == StatusResolved {
		e.ResolvedAt = timePtr(o.At)
	}
	return nil
}

func (r *MemoryRepository) Resolve(_ context.Context, id, note string, now time.Time) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	if e.Status != StatusPending && e.Status != StatusExhausted {
		return nil, fmt.Errorf("%w: %s", ErrNotClaimable, id)
	}

	e.Status = StatusResolved
	e.ResolutionNote = note
	e.ResolvedAt = timePtr(now)
	e.UpdatedAt = now
	c := cloneEntry(e)
	return &c, nil
}

func (r *MemoryRepository) RecoverStale(_ context.Context, olderThan, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	recovered := 0
	for _, e := range r.entries {
		if e.Status == StatusRetrying && e.ClaimedAt != nil && e.ClaimedAt.Before(olderThan) {
			e.Status = StatusPending
			e.ClaimedAt = nil
			e.UpdatedAt = now
			recovered++
		}
	}
	return recovered, nil
}

func (r *MemoryRepository) Stats(_ context.Context) (Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := newStats()
	for _, e := range r.entries {
		stats.add(string(e.Status), string(e.Policy.Type), 1)
	}
	return stats, nil
}
