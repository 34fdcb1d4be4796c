package replay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"conductor/internal/constants"
	"conductor/pkg/metrics"
)

var ErrDuplicateEvent = errors.New("event already stored")

type Repository interface {
	Insert(ctx context.Context, rec Record) error
	// Find returns matches ordered by (correlation_id, sequence_number, produced_at).
	Find(ctx context.Context, q Query) ([]Record, error)
	Delete(ctx context.Context, q Query) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	CountByType(ctx context.Context) (map[string]int64, error)
}

type MongoRepository struct {
	collection *mongo.Collection
}

func NewMongoRepository(db *mongo.Database) *MongoRepository {
	return &MongoRepository{collection: db.Collection(constants.EventsCollection)}
}

func (r *MongoRepository) Insert(ctx context.Context, rec Record) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveQuery("mongodb", "events_insert", start, err) }()

	if _, err = r.collection.InsertOne(ctx, rec); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateEvent, rec.EventID)
		}
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func buildMongoFilter(q Query) bson.M {
	filter := bson.M{}
	if len(q.EventTypes) > 0 {
		filter["event_type"] = bson.M{"$in": q.EventTypes}
	}
	if q.CorrelationID != "" {
		filter["correlation_id"] = q.CorrelationID
	}
	if q.SourceID != "" {
		filter["source_id"] = q.SourceID
	}

	produced := bson.M{}
	if q.From != nil {
		produced["$gte"] = q.From.UTC()
	}
	if q.To != nil {
		produced["$lte"] = q.To.UTC()
	}
	if q.Before != nil {
		produced["$lt"] = q.Before.UTC()
	}
	if len(produced) > 0 {
		filter["produced_at"] = produced
	}
	return filter
}

func (r *MongoRepository) Find(ctx context.Context, q Query) (result []Record, err error) {
	start := time.Now()
	defer func() { metrics.ObserveQuery("mongodb", "events_find", start, err) }()

	opts := options.Find().SetSort(bson.D{
		{Key: "correlation_id", Value: 1},
		{Key: "sequence_number", Value: 1},
		{Key: "produced_at", Value: 1},
		{Key: "_id", Value: 1},
	})
	if q.Offset > 0 {
		opts.SetSkip(int64(q.Offset))
	}
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cursor, err := r.collection.Find(ctx, buildMongoFilter(q), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer cursor.Close(ctx)

	records := make([]Record, 0)
	if err = cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}
	return records, nil
}

func (r *MongoRepository) Delete(ctx context.Context, q Query) (int64, error) {
	res, err := r.collection.DeleteMany(ctx, buildMongoFilter(q))
	if err != nil {
		return 0, fmt.Errorf("failed to delete events: %w", err)
	}
	return res.DeletedCount, nil
}

func (r *MongoRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.collection.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lte": now.UTC()}})
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired events: %w", err)
	}
	return res.DeletedCount, nil
}

func (r *MongoRepository) CountByType(ctx context.Context) (map[string]int64, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$event_type"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	}

	cursor, err := r.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate events: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		EventType string `bson:"_id"`
		Count     int64  `bson:"count"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode event counts: %w", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.EventType] = row.Count
	}
	return counts, nil
}

// MemoryRepository keeps records in process. It is used by tests and the memory store mode.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]Record
	bySeq   map[string]struct{}
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records: make(map[string]Record),
		bySeq:   make(map[string]struct{}),
	}
}

func seqKey(rec Record) string {
	return fmt.Sprintf("%s/%d", rec.SourceID, rec.SequenceNumber)
}

func (m *MemoryRepository) Insert(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.EventID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateEvent, rec.EventID)
	}
	if _, ok := m.bySeq[seqKey(rec)]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateEvent, seqKey(rec))
	}
	m.records[rec.EventID] = rec
	m.bySeq[seqKey(rec)] = struct{}{}
	return nil
}

func (m *MemoryRepository) Find(ctx context.Context, q Query) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Record, 0)
	for _, rec := range m.records {
		if q.matches(rec) {
			out = append(out, rec)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.CorrelationID != b.CorrelationID {
			return a.CorrelationID < b.CorrelationID
		}
		if a.SequenceNumber != b.SequenceNumber {
			return a.SequenceNumber < b.SequenceNumber
		}
		if !a.ProducedAt.Equal(b.ProducedAt) {
			return a.ProducedAt.Before(b.ProducedAt)
		}
		return a.EventID < b.EventID
	})

	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return []Record{}, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryRepository) Delete(ctx context.Context, q Query) (int64, error) {
	return m.deleteWhere(q.matches), nil
}

func (m *MemoryRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return m.deleteWhere(func(r Record) bool { return !r.ExpiresAt.After(now) }), nil
}

func (m *MemoryRepository) deleteWhere(match func(Record) bool) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, rec := range m.records {
		if match(rec) {
			delete(m.records, id)
			delete(m.bySeq, seqKey(rec))
			n++
		}
	}
	return n
}

func (m *MemoryRepository) CountByType(ctx context.Context) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int64)
	for _, rec := range m.records {
		counts[rec.EventType]++
	}
	return counts, nil
}
