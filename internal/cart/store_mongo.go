package cart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const mongoCollection = "carts"

// ConnectMongo dials the deployment and verifies it with a ping.
func ConnectMongo(ctx context.Context, uri, database string) (*mongo.Database, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(5 * time.Second)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client.Database(database), nil
}

// MongoStore keeps one document per cart. Writes are guarded by the version
// field; the unique index on cartId serializes concurrent creation.
type MongoStore struct {
	coll  *mongo.Collection
	locks cartLocks
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return NewMongoStoreFromCollection(db.Collection(mongoCollection))
}

func NewMongoStoreFromCollection(coll *mongo.Collection) *MongoStore {
	return &MongoStore{coll: coll}
}

func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "cartId", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create cart indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return withTimeout(ctx, pingTimeout, func(ctx context.Context) error {
		return s.coll.Database().Client().Ping(ctx, nil)
	})
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.coll.Database().Client().Disconnect(ctx)
}

func (s *MongoStore) Get(ctx context.Context, cartID string) (Cart, bool, error) {
	var c Cart
	err := withTimeout(ctx, queryTimeout, func(ctx context.Context) error {
		return s.coll.FindOne(ctx, bson.M{"cartId": cartID}).Decode(&c)
	})
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Cart{}, false, nil
	}
	if err != nil {
		return Cart{}, false, fmt.Errorf("find cart: %w", err)
	}
	return c.clone(), true, nil
}

func (s *MongoStore) Update(ctx context.Context, cartID string, fn Mutation) (Cart, error) {
	defer s.locks.lock(cartID)()

	return retryStale(ctx, func() (Cart, error) {
		c, exists, err := s.Get(ctx, cartID)
		if err != nil {
			return Cart{}, err
		}
		if !exists {
			c = New(cartID)
		}

		prev := c.Version
		if err := apply(&c, exists, fn); err != nil {
			return Cart{}, err
		}
		c.CartID = cartID
		c.Version = prev + 1

		written, err := s.write(ctx, c, prev, exists)
		if err != nil {
			return Cart{}, err
		}
		if !written {
			return Cart{}, errStale
		}
		return c, nil
	})
}

// write reports false when another writer got there first.
func (s *MongoStore) write(ctx context.Context, c Cart, prev int64, exists bool) (bool, error) {
	var written bool
	err := withTimeout(ctx, queryTimeout, func(ctx context.Context) error {
		if !exists {
			_, err := s.coll.InsertOne(ctx, c)
			if mongo.IsDuplicateKeyError(err) {
				return nil
			}
			written = err == nil
			return err
		}

		res, err := s.coll.ReplaceOne(ctx, versionFilter(c.CartID, prev), c)
		if err != nil {
			return err
		}
		written = res.MatchedCount == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("write cart: %w", err)
	}
	return written, nil
}

// Documents written before versioning have no version field.
func versionFilter(cartID string, version int64) bson.M {
	if version == 0 {
		return bson.M{
			"cartId": cartID,
			"$or": bson.A{
				bson.M{"version": 0},
				bson.M{"version": bson.M{"$exists": false}},
			},
		}
	}
	return bson.M{"cartId": cartID, "version": version}
}

func (s *MongoStore) Take(ctx context.Context, cartID string) (Cart, bool, error) {
	var c Cart
	err := withTimeout(ctx, queryTimeout, func(ctx context.Context) error {
		return s.coll.FindOneAndDelete(ctx, bson.M{"cartId": cartID}).Decode(&c)
	})
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Cart{}, false, nil
	}
	if err != nil {
		return Cart{}, false, fmt.Errorf("delete cart: %w", err)
	}
	return c.clone(), true, nil
}
