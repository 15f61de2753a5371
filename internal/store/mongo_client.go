package store

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// FindOptions carries the sort/skip/limit knobs spec.md §6 lists for the
// durable store's `find` operation.
type FindOptions struct {
	Sort  map[string]int
	Skip  int64
	Limit int64
}

// collection is the narrow per-collection surface the durable store facade
// needs, abstracted away from *mongo.Collection so tests can fake it
// without a live deployment — the same narrow-interface idiom used for
// the cache facade's client in internal/cachefacade/redis_client.go.
type collection interface {
	InsertOne(ctx context.Context, doc map[string]any) (string, error)
	InsertMany(ctx context.Context, docs []map[string]any, ordered bool) (int, error)
	FindOne(ctx context.Context, filter map[string]any) (map[string]any, error)
	Find(ctx context.Context, filter map[string]any, opts FindOptions) ([]map[string]any, error)
	UpdateOne(ctx context.Context, filter, update map[string]any, upsert bool) (matched, modified int64, err error)
	DeleteOne(ctx context.Context, filter map[string]any) (int64, error)
	CountDocuments(ctx context.Context, filter map[string]any) (int64, error)
}

// docClient is the database-wide surface: ping plus named collections.
type docClient interface {
	Ping(ctx context.Context) error
	Collection(name string) collection
}

// errNoDocuments mirrors mongo.ErrNoDocuments so callers of this package
// never need to import the driver directly.
var errNoDocuments = mongo.ErrNoDocuments

// mongoAdapter implements docClient over a real *mongo.Database.
type mongoAdapter struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongoClient wraps a connected *mongo.Client/database pair. Connection
// pool sizing (min 10, max 50, idle close 30s) and retryable reads/writes
// are configured by the caller's options.ClientOptions before Connect, per
// spec.md §6.
func NewMongoClient(client *mongo.Client, databaseName string) docClient {
	return &mongoAdapter{client: client, db: client.Database(databaseName)}
}

func (a *mongoAdapter) Ping(ctx context.Context) error {
	return a.client.Ping(ctx, nil)
}

func (a *mongoAdapter) Collection(name string) collection {
	return &mongoCollection{coll: a.db.Collection(name)}
}

type mongoCollection struct {
	coll *mongo.Collection
}

func (c *mongoCollection) InsertOne(ctx context.Context, doc map[string]any) (string, error) {
	res, err := c.coll.InsertOne(ctx, bson.M(doc))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%v", res.InsertedID), nil
}

func (c *mongoCollection) InsertMany(ctx context.Context, docs []map[string]any, ordered bool) (int, error) {
	batch := make([]any, len(docs))
	for i, d := range docs {
		batch[i] = bson.M(d)
	}
	opts := options.InsertMany().SetOrdered(ordered)
	res, err := c.coll.InsertMany(ctx, batch, opts)
	if res != nil {
		if err != nil {
			return len(res.InsertedIDs), err
		}
		return len(res.InsertedIDs), nil
	}
	return 0, err
}

func (c *mongoCollection) FindOne(ctx context.Context, filter map[string]any) (map[string]any, error) {
	var doc bson.M
	if err := c.coll.FindOne(ctx, bson.M(filter)).Decode(&doc); err != nil {
		return nil, err
	}
	return map[string]any(doc), nil
}

func (c *mongoCollection) Find(ctx context.Context, filter map[string]any, fo FindOptions) ([]map[string]any, error) {
	opts := options.Find()
	if len(fo.Sort) > 0 {
		opts.SetSort(bson.M(toAnyMap(fo.Sort)))
	}
	if fo.Skip > 0 {
		opts.SetSkip(fo.Skip)
	}
	if fo.Limit > 0 {
		opts.SetLimit(fo.Limit)
	}
	cur, err := c.coll.Find(ctx, bson.M(filter), opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []map[string]any
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, map[string]any(doc))
	}
	return out, cur.Err()
}

func (c *mongoCollection) UpdateOne(ctx context.Context, filter, update map[string]any, upsert bool) (int64, int64, error) {
	opts := options.Update().SetUpsert(upsert)
	res, err := c.coll.UpdateOne(ctx, bson.M(filter), bson.M{"$set": update}, opts)
	if err != nil {
		return 0, 0, err
	}
	return res.MatchedCount, res.ModifiedCount, nil
}

func (c *mongoCollection) DeleteOne(ctx context.Context, filter map[string]any) (int64, error) {
	res, err := c.coll.DeleteOne(ctx, bson.M(filter))
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (c *mongoCollection) CountDocuments(ctx context.Context, filter map[string]any) (int64, error) {
	return c.coll.CountDocuments(ctx, bson.M(filter))
}

func toAnyMap(m map[string]int) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
