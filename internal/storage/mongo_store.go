package storage

import (
	"context"
	"regexp"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoBackend stores one document per key: {_id: key, value, updatedAt}.
// Multi-key writes are a single unordered bulk write; they are not atomic
// across documents.
type MongoBackend struct {
	client *mongo.Client
	coll   *mongo.Collection
	owned  bool
}

type mongoRecord struct {
	Key   string `bson:"_id"`
	Value string `bson:"value"`
}

func NewMongoBackend(ctx context.Context, uri, dbName, collName string) (*MongoBackend, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is empty")
	}
	cli, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "cannot connect to mongo")
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pctx, nil); err != nil {
		_ = cli.Disconnect(ctx)
		return nil, errors.Wrap(err, "mongo ping failed")
	}
	m := NewMongoBackendWithClient(cli, dbName, collName)
	m.owned = true
	return m, nil
}

// NewMongoBackendWithClient shares an existing client; Close leaves it open.
func NewMongoBackendWithClient(cli *mongo.Client, dbName, collName string) *MongoBackend {
	return &MongoBackend{client: cli, coll: cli.Database(dbName).Collection(collName)}
}

func (m *MongoBackend) Get(ctx context.Context, key string) (string, error) {
	var rec mongoRecord
	err := m.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errors.Wrapf(err, "cannot read key %q", key)
	}
	return rec.Value, nil
}

func (m *MongoBackend) GetAll(ctx context.Context, keys []string) (map[string]string, error) {
	filter := bson.M{}
	if keys != nil {
		if len(keys) == 0 {
			return map[string]string{}, nil
		}
		filter = bson.M{"_id": bson.M{"$in": keys}}
	}
	return m.find(ctx, filter)
}

func (m *MongoBackend) Scan(ctx context.Context, prefix string) (map[string]string, error) {
	return m.find(ctx, bson.M{"_id": bson.M{"$regex": "^" + regexp.QuoteMeta(prefix)}})
}

func (m *MongoBackend) find(ctx context.Context, filter bson.M) (map[string]string, error) {
	cur, err := m.coll.Find(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, "mongo find failed")
	}
	defer cur.Close(ctx)

	out := make(map[string]string)
	for cur.Next(ctx) {
		var rec mongoRecord
		if err := cur.Decode(&rec); err != nil {
			return nil, errors.Wrap(err, "cannot decode record")
		}
		out[rec.Key] = rec.Value
	}
	return out, errors.Wrap(cur.Err(), "mongo cursor failed")
}

func (m *MongoBackend) Set(ctx context.Context, items map[string]string) error {
	if len(items) == 0 {
		return nil
	}
	now := time.Now()
	models := make([]mongo.WriteModel, 0, len(items))
	for k, v := range items {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": k}).
			SetUpdate(bson.M{"$set": bson.M{"value": v, "updatedAt": now}}).
			SetUpsert(true))
	}
	_, err := m.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	return errors.Wrap(err, "mongo bulk write failed")
}

func (m *MongoBackend) Remove(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := m.coll.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": keys}})
	return errors.Wrap(err, "mongo delete failed")
}

func (m *MongoBackend) Close(ctx context.Context) error {
	if !m.owned {
		return nil
	}
	return m.client.Disconnect(ctx)
}
