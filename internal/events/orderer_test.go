package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/config"
	"conductor/internal/logger"
	apperrors "conductor/pkg/errors"
)

type fakeStore struct {
	mu       sync.Mutex
	envs     []Envelope
	failNext int
}

func (s *fakeStore) Persist(ctx context.Context, env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return errors.New("store down")
	}
	s.envs = append(s.envs, env)
	return nil
}

type failingRepo struct {
	*MemoryRepository
}

func (failingRepo) ClaimKey(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return false, errors.New("redis down")
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestOrderer(repo Repository, store Store) *Orderer {
	return NewOrderer(repo, store, config.OrdererConfig{HashAlgorithm: "sha256", TTLSeconds: 300}, logger.NopLogger())
}

func request(source, payload string) NextRequest {
	return NextRequest{
		SourceID:      source,
		EventType:     "document.ingested",
		Payload:       json.RawMessage(payload),
		CorrelationID: "corr-1",
	}
}

func TestNextAssignsSequenceAndPersists(t *testing.T) {
	store := &fakeStore{}
	o := newTestOrderer(NewMemoryRepository(), store)

	res, err := o.Next(context.Background(), request("ingestion", `{"doc":1}`))
	require.NoError(t, err)
	require.False(t, res.Duplicate)
	require.NotNil(t, res.Envelope)

	env := res.Envelope
	assert.Equal(t, int64(1), env.SequenceNumber)
	assert.Equal(t, PriorityNormal, env.Priority)
	assert.NotEmpty(t, env.EventID)
	assert.False(t, env.ProducedAt.IsZero())
	require.Len(t, store.envs, 1)
	assert.Equal(t, env.EventID, store.envs[0].EventID)
}

func TestNextValidation(t *testing.T) {
	store := &fakeStore{}
	o := newTestOrderer(NewMemoryRepository(), store)

	tests := []struct {
		name string
		req  NextRequest
	}{
		{"missing source", NextRequest{EventType: "x", CorrelationID: "c"}},
		{"missing type", NextRequest{SourceID: "s", CorrelationID: "c"}},
		{"missing correlation", NextRequest{SourceID: "s", EventType: "x"}},
		{"bad priority", NextRequest{SourceID: "s", EventType: "x", CorrelationID: "c", Priority: "urgent"}},
		{"bad payload", NextRequest{SourceID: "s", EventType: "x", CorrelationID: "c", Payload: json.RawMessage(`{`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.Next(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, apperrors.IsValidation(err))
		})
	}
	assert.Empty(t, store.envs)
}

func TestNextDuplicateWithinTTL(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := &fakeStore{}
	o := newTestOrderer(NewMemoryRepository().WithClock(clock.Now), store)

	first, err := o.Next(context.Background(), request("ingestion", `{"a":1,"b":2}`))
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	// Same content with different key order and whitespace.
	dup, err := o.Next(context.Background(), request("ingestion", `{ "b":2, "a":1 }`))
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
	assert.Nil(t, dup.Envelope)

	clock.Advance(301 * time.Second)

	again, err := o.Next(context.Background(), request("ingestion", `{"a":1,"b":2}`))
	require.NoError(t, err)
	assert.False(t, again.Duplicate)
	assert.Equal(t, int64(2), again.Envelope.SequenceNumber)
	assert.Len(t, store.envs, 2)
}

func TestNextDifferentCorrelationIsNotDuplicate(t *testing.T) {
	o := newTestOrderer(NewMemoryRepository(), &fakeStore{})

	req := request("ingestion", `{"a":1}`)
	_, err := o.Next(context.Background(), req)
	require.NoError(t, err)

	req.CorrelationID = "corr-2"
	res, err := o.Next(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
}

func TestNextPerSourceSequencesAreGapFree(t *testing.T) {
	store := &fakeStore{}
	o := newTestOrderer(NewMemoryRepository(), store)

	const perSource = 50
	sources := []string{"ingestion", "analysis", "notification"}

	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
	)
	for _, src := range sources {
		for i := 0; i < perSource; i++ {
			wg.Add(1)
			go func(src string, i int) {
				defer wg.Done()
				res, err := o.Next(context.Background(), request(src, fmt.Sprintf(`{"source":%q,"n":%d}`, src, i)))
				assert.NoError(t, err)
				if err == nil && !res.Duplicate {
					accepted.Add(1)
				}
			}(src, i)
		}
	}
	wg.Wait()
	require.Equal(t, int32(len(sources)*perSource), accepted.Load(), "every submission is distinct")

	o.locksMu.Lock()
	assert.Empty(t, o.locks, "source locks are released once idle")
	o.locksMu.Unlock()

	seen := map[string][]int64{}
	for _, env := range store.envs {
		seen[env.SourceID] = append(seen[env.SourceID], env.SequenceNumber)
	}

	for _, src := range sources {
		seqs := seen[src]
		require.Len(t, seqs, perSource)
		// Persist happens under the per-source lock, so persisted order is sequence order.
		for i, seq := range seqs {
			assert.Equal(t, int64(i+1), seq, "source %s", src)
		}
	}
}

func TestNextPersistFailureRollsBack(t *testing.T) {
	repo := NewMemoryRepository()
	store := &fakeStore{failNext: 1}
	o := newTestOrderer(repo, store)

	_, err := o.Next(context.Background(), request("ingestion", `{"a":1}`))
	require.Error(t, err)
	assert.True(t, apperrors.IsServiceUnavailable(err))

	last, err := o.LastSequence(context.Background(), "ingestion")
	require.NoError(t, err)
	assert.Equal(t, int64(0), last)

	// The dedup key was released so the retry is accepted with the same sequence.
	res, err := o.Next(context.Background(), request("ingestion", `{"a":1}`))
	require.NoError(t, err)
	require.False(t, res.Duplicate)
	assert.Equal(t, int64(1), res.Envelope.SequenceNumber)
}

func TestNextFailsClosedOnDedupStoreError(t *testing.T) {
	store := &fakeStore{}
	o := newTestOrderer(failingRepo{NewMemoryRepository()}, store)

	_, err := o.Next(context.Background(), request("ingestion", `{"a":1}`))
	require.Error(t, err)
	assert.True(t, apperrors.IsServiceUnavailable(err))
	assert.Empty(t, store.envs)
}

func TestNextAllowOnDedupStoreError(t *testing.T) {
	store := &fakeStore{}
	o := NewOrderer(failingRepo{NewMemoryRepository()}, store,
		config.OrdererConfig{OnStoreError: "allow"}, logger.NopLogger())

	res, err := o.Next(context.Background(), request("ingestion", `{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Envelope.SequenceNumber)
}

func TestNextUsesInjectedClock(t *testing.T) {
	fixed := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	o := NewOrderer(NewMemoryRepository(), &fakeStore{}, config.OrdererConfig{}, logger.NopLogger(),
		WithClock(func() time.Time { return fixed }))

	res, err := o.Next(context.Background(), request("ingestion", `{}`))
	require.NoError(t, err)
	assert.Equal(t, fixed, res.Envelope.ProducedAt)
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("CRITICAL")
	require.NoError(t, err)
	assert.Equal(t, PriorityCritical, p)

	p, err = ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, p)

	_, err = ParsePriority("urgent")
	assert.Error(t, err)
}

func TestHasherAlgorithms(t *testing.T) {
	for algo, length := range map[string]int{"md5": 32, "sha1": 40, "sha256": 64, "": 64} {
		key, err := NewHasher(algo).Key("t", json.RawMessage(`{"x":1}`), "c")
		require.NoError(t, err)
		assert.Len(t, key, length, algo)
	}

	a, _ := NewHasher("sha256").Key("t", json.RawMessage(`{"x":1.50}`), "c")
	b, _ := NewHasher("sha256").Key("t", json.RawMessage(`{"x":1.5}`), "c")
	assert.NotEqual(t, a, b, "numbers are compared by literal text")
}

func TestHasherFieldBoundaries(t *testing.T) {
	h := NewHasher("sha256")

	a, err := h.Key("a|1", json.RawMessage(`2`), "c")
	require.NoError(t, err)
	b, err := h.Key("a", json.RawMessage(`1`), "2|c")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "separators inside a field must not shift field boundaries")

	c, err := h.Key("a|1", json.RawMessage(`2`), "c")
	require.NoError(t, err)
	assert.Equal(t, a, c)
}

func TestCircuitBreakerRepositoryDisabled(t *testing.T) {
	repo := NewCircuitBreakerRepository(NewMemoryRepository(), config.CircuitBreakerConfig{})
	assert.Equal(t, "disabled", repo.State())

	ok, err := repo.ClaimKey(context.Background(), "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCircuitBreakerRepositoryTrips(t *testing.T) {
	repo := NewCircuitBreakerRepository(failingRepo{NewMemoryRepository()}, config.CircuitBreakerConfig{
		Enabled:      true,
		MaxRequests:  1,
		Timeout:      time.Minute,
		FailureRatio: 0.5,
		MinRequests:  2,
	})

	for i := 0; i < 3; i++ {
		_, _ = repo.ClaimKey(context.Background(), "k", time.Minute)
	}
	assert.True(t, repo.IsOpen())
}
