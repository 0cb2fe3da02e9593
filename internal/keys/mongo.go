package keys

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kenneth/segment-key-gateway/internal/content"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// CollectionName is the collection holding key records.
const CollectionName = "segment_keys"

type keyDocument struct {
	KeyID        string    `bson:"key_id"`
	ContentKind  string    `bson:"content_kind"`
	ContentID    string    `bson:"content_id"`
	Variant      string    `bson:"variant"`
	SegmentIndex int       `bson:"segment_index"`
	Key          string    `bson:"key"`
	IV           string    `bson:"iv"`
	CreatedAt    time.Time `bson:"created_at"`
}

func toDocument(rec KeyRecord) keyDocument {
	return keyDocument{
		KeyID:        rec.KeyID,
		ContentKind:  string(rec.Content.Kind),
		ContentID:    rec.Content.ID,
		Variant:      string(rec.Variant),
		SegmentIndex: rec.SegmentIndex,
		Key:          rec.Key,
		IV:           rec.IV,
		CreatedAt:    rec.CreatedAt.UTC(),
	}
}

func (d keyDocument) record() KeyRecord {
	return KeyRecord{
		KeyID:        d.KeyID,
		Content:      content.Ref{Kind: content.Kind(d.ContentKind), ID: d.ContentID},
		Variant:      content.Variant(d.Variant),
		SegmentIndex: d.SegmentIndex,
		Key:          d.Key,
		IV:           d.IV,
		CreatedAt:    d.CreatedAt,
	}
}

// MongoStore persists records in a MongoDB collection.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// ConnectMongo dials uri, verifies the connection and ensures indexes.
func ConnectMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	clientOptions := options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(10 * time.Second).
		SetMaxPoolSize(50)

	client, err := mongo.Connect(clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	store := NewMongoStore(client, client.Database(database))
	if err := store.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return store, nil
}

// NewMongoStore uses the segment_keys collection of db. client may be nil
// when the caller owns the connection.
func NewMongoStore(client *mongo.Client, db *mongo.Database) *MongoStore {
	return &MongoStore{client: client, collection: db.Collection(CollectionName)}
}

// EnsureIndexes creates the unique key id index and the content lookup index.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "key_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("key_id_unique"),
		},
		{
			Keys: bson.D{
				{Key: "content_kind", Value: 1},
				{Key: "content_id", Value: 1},
				{Key: "variant", Value: 1},
				{Key: "segment_index", Value: 1},
			},
			Options: options.Index().SetName("content_segment_idx"),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create key indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Put(ctx context.Context, records []KeyRecord) error {
	if len(records) == 0 {
		return nil
	}
	docs := make([]interface{}, len(records))
	for i, rec := range records {
		docs[i] = toDocument(rec)
	}
	// Ordered inserts stop at the first failed document.
	if _, err := s.collection.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true)); err != nil {
		return fmt.Errorf("failed to insert keys: %w", err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, keyID string) (*KeyRecord, error) {
	var doc keyDocument
	err := s.collection.FindOne(ctx, bson.M{"key_id": keyID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load key %s: %w", keyID, err)
	}
	rec := doc.record()
	return &rec, nil
}

func contentFilter(ref content.Ref, variant content.Variant) bson.M {
	return bson.M{
		"content_kind": string(ref.Kind),
		"content_id":   ref.ID,
		"variant":      string(variant),
	}
}

func (s *MongoStore) ListByContent(ctx context.Context, ref content.Ref, variant content.Variant) ([]KeyRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "segment_index", Value: 1}, {Key: "created_at", Value: 1}})
	cursor, err := s.collection.Find(ctx, contentFilter(ref, variant), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys for %s: %w", ref, err)
	}
	var docs []keyDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode keys for %s: %w", ref, err)
	}

	out := make([]KeyRecord, len(docs))
	for i, d := range docs {
		out[i] = d.record()
	}
	return out, nil
}

func (s *MongoStore) CountByContent(ctx context.Context, ref content.Ref, variant content.Variant) (int, error) {
	n, err := s.collection.CountDocuments(ctx, contentFilter(ref, variant))
	if err != nil {
		return 0, fmt.Errorf("failed to count keys for %s: %w", ref, err)
	}
	return int(n), nil
}

func (s *MongoStore) HealthCheck(ctx context.Context) error {
	return s.collection.Database().Client().Ping(ctx, nil)
}

func (s *MongoStore) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}
