package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const connectTimeout = 10 * time.Second

type mongoExporter struct {
	client *mongo.Client
	db     *mongo.Database
}

// ConnectMongo is the Connector for MongoDB. Documents are rendered as
// relaxed extended JSON so ObjectIds and dates stay readable.
func ConnectMongo(ctx context.Context, uri, database string) (Exporter, error) {
	opts := options.Client().ApplyURI(uri).
		SetServerSelectionTimeout(connectTimeout).
		SetAppName("tierstack-backup")
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &mongoExporter{client: client, db: client.Database(database)}, nil
}

func (m *mongoExporter) Collections(ctx context.Context) ([]string, error) {
	return m.db.ListCollectionNames(ctx, bson.D{})
}

func (m *mongoExporter) Export(ctx context.Context, collection string) ([]json.RawMessage, error) {
	cursor, err := m.db.Collection(collection).Find(ctx, bson.D{})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []json.RawMessage
	for cursor.Next(ctx) {
		data, err := bson.MarshalExtJSON(cursor.Current, false, false)
		if err != nil {
			return nil, fmt.Errorf("encoding document: %w", err)
		}
		docs = append(docs, json.RawMessage(data))
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}

func (m *mongoExporter) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
