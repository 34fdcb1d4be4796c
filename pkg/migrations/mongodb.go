package migrations

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"conductor/internal/constants"
)

// EnsureEventIndexes creates the replay store indexes, including the TTL index on expires_at.
func EnsureEventIndexes(ctx context.Context, db *mongo.Database) error {
	collection := db.Collection(constants.EventsCollection)

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "source_id", Value: 1}, {Key: "sequence_number", Value: 1}},
			Options: options.Index().SetName("idx_events_source_sequence").SetUnique(true),
		},
		{
			Keys: bson.D{
				{Key: "correlation_id", Value: 1},
				{Key: "sequence_number", Value: 1},
				{Key: "produced_at", Value: 1},
			},
			Options: options.Index().SetName("idx_events_correlation_order"),
		},
		{
			Keys:    bson.D{{Key: "event_type", Value: 1}, {Key: "produced_at", Value: 1}},
			Options: options.Index().SetName("idx_events_type_produced_at"),
		},
		{
			Keys:    bson.D{{Key: "produced_at", Value: 1}},
			Options: options.Index().SetName("idx_events_produced_at"),
		},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetName("idx_events_expires_at_ttl").SetExpireAfterSeconds(0),
		},
	}

	_, err := collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("failed to create indexes: %w", err)
		}
	}

	return nil
}
