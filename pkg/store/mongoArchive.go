package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel/attribute"
)

const defaultArchiveCollection = "outbox_archive"

// MongoArchive keeps sent outbox events as an audit trail once they leave Postgres.
type MongoArchive struct {
	collection *mongo.Collection
}

var _ ArchiveSink = (*MongoArchive)(nil)

type archivedEventDoc struct {
	ID         string    `bson:"_id"`
	Topic      string    `bson:"topic"`
	Payload    string    `bson:"payload"`
	RetryCount int       `bson:"retryCount"`
	CreatedAt  time.Time `bson:"createdAt"`
	SentAt     time.Time `bson:"sentAt"`
	ArchivedAt time.Time `bson:"archivedAt"`
}

func NewMongoArchive(client *mongo.Client, dbName, collectionName string) *MongoArchive {
	if collectionName == "" {
		collectionName = defaultArchiveCollection
	}
	return &MongoArchive{collection: client.Database(dbName).Collection(collectionName)}
}

// ConnectMongo opens a client for the archive.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	return client, nil
}

func (m *MongoArchive) EnsureIndexes(ctx context.Context) error {
	_, err := m.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "topic", Value: 1}, {Key: "sentAt", Value: -1}}},
		{Keys: bson.D{{Key: "archivedAt", Value: -1}}},
	})
	return err
}

// Archive upserts by event id so a batch re-archived after a failed delete stays single.
func (m *MongoArchive) Archive(ctx context.Context, events []OutboxEvent) error {
	ctx, span := tracer().Start(ctx, "MongoArchive.Archive")
	defer span.End()

	if len(events) == 0 {
		return nil
	}
	now := time.Now().UTC()
	models := make([]mongo.WriteModel, 0, len(events))
	for _, ev := range events {
		doc := toArchivedDoc(ev, now)
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": doc.ID}).
			SetReplacement(doc).
			SetUpsert(true))
	}
	start := time.Now()
	if _, err := m.collection.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false)); err != nil {
		span.RecordError(err)
		return fmt.Errorf("archive %d events: %w", len(events), err)
	}
	span.SetAttributes(
		attribute.String("db.system", "mongodb"),
		attribute.Int("db.rows", len(events)),
		attribute.Float64("db.execution_time_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

func toArchivedDoc(ev OutboxEvent, archivedAt time.Time) archivedEventDoc {
	doc := archivedEventDoc{
		ID:         ev.EventID.String(),
		Topic:      ev.Topic,
		Payload:    ev.Payload,
		RetryCount: ev.RetryCount,
		CreatedAt:  ev.CreatedAt.UTC(),
		ArchivedAt: archivedAt,
	}
	if ev.SentAt != nil {
		doc.SentAt = ev.SentAt.UTC()
	}
	return doc
}
