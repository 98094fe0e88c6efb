package router

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/parleylabs/parley/wire"
)

// MongoStore persists routing decisions to a MongoDB collection, one
// document per decision. It suits deployments that analyze routing history
// across restarts; single-node setups usually stay on the FileStore.
type MongoStore struct {
	collection *mongo.Collection
}

var _ DecisionStore = (*MongoStore)(nil)

// decisionDocument is the MongoDB representation of a Decision. Timestamps
// are native BSON datetimes so time-range queries work server-side.
type decisionDocument struct {
	TaskID                 string    `bson:"task_id"`
	Timestamp              time.Time `bson:"timestamp"`
	Method                 string    `bson:"method"`
	ChosenAgent            string    `bson:"chosen_agent"`
	Confidence             float64   `bson:"confidence"`
	Alternatives           []string  `bson:"alternatives,omitempty"`
	Exploration            bool      `bson:"exploration,omitempty"`
	OriginalRecommendation string    `bson:"original_recommendation,omitempty"`
}

func toDocument(d *Decision) *decisionDocument {
	return &decisionDocument{
		TaskID:                 d.TaskID,
		Timestamp:              d.Timestamp.Time,
		Method:                 d.Method,
		ChosenAgent:            d.ChosenAgent,
		Confidence:             d.Confidence,
		Alternatives:           d.Alternatives,
		Exploration:            d.Exploration,
		OriginalRecommendation: d.OriginalRecommendation,
	}
}

func fromDocument(doc *decisionDocument) Decision {
	return Decision{
		TaskID:                 doc.TaskID,
		Timestamp:              wire.At(doc.Timestamp),
		Method:                 doc.Method,
		ChosenAgent:            doc.ChosenAgent,
		Confidence:             doc.Confidence,
		Alternatives:           doc.Alternatives,
		Exploration:            doc.Exploration,
		OriginalRecommendation: doc.OriginalRecommendation,
	}
}

// NewMongoStore wraps a collection from a connected client. The caller owns
// the client's lifecycle.
func NewMongoStore(collection *mongo.Collection) *MongoStore {
	return &MongoStore{collection: collection}
}

// Append inserts one decision document.
func (s *MongoStore) Append(ctx context.Context, d *Decision) error {
	if _, err := s.collection.InsertOne(ctx, toDocument(d)); err != nil {
		return fmt.Errorf("mongodb append decision %q: %w", d.TaskID, err)
	}
	return nil
}

// Recent returns up to limit decisions, newest first.
func (s *MongoStore) Recent(ctx context.Context, limit int) ([]Decision, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetLimit(int64(limit))
	cursor, err := s.collection.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb list decisions: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []decisionDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb decode decisions: %w", err)
	}
	out := make([]Decision, len(docs))
	for i := range docs {
		out[i] = fromDocument(&docs[i])
	}
	return out, nil
}
