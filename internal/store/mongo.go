package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dukerupert/ridealong/internal/kv"
)

type kvDocument struct {
	Key       string    `bson:"_id"`
	Value     string    `bson:"value"`
	Version   int64     `bson:"version"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// MongoKV stores each value as one document keyed by _id.
type MongoKV struct {
	coll *mongo.Collection
}

func NewMongoKV(coll *mongo.Collection) *MongoKV {
	return &MongoKV{coll: coll}
}

func (s *MongoKV) Get(ctx context.Context, key string) (string, bool, error) {
	var doc kvDocument
	err := s.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("mongo find kv: %w", err)
	}
	return doc.Value, true, nil
}

func (s *MongoKV) Set(ctx context.Context, key, value string) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": key},
		bson.M{
			"$set": bson.M{"value": value, "updated_at": time.Now().UTC()},
			"$inc": bson.M{"version": 1},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongo upsert kv: %w", err)
	}
	return nil
}

func (s *MongoKV) Delete(ctx context.Context, key string) error {
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return fmt.Errorf("mongo delete kv: %w", err)
	}
	return nil
}

// Update is an optimistic compare-and-set on the document version. Documents
// written before versioning have no version field and match version 0.
func (s *MongoKV) Update(ctx context.Context, key string, fn kv.UpdateFunc) error {
	for range kv.MaxUpdateAttempts {
		var doc kvDocument
		found := true
		err := s.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			found = false
		} else if err != nil {
			return fmt.Errorf("mongo find kv: %w", err)
		}

		next, err := fn(doc.Value, found)
		if errors.Is(err, kv.ErrNoChange) {
			return nil
		}
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if !found {
			_, err := s.coll.InsertOne(ctx, kvDocument{Key: key, Value: next, Version: 1, UpdatedAt: now})
			if mongo.IsDuplicateKeyError(err) {
				continue
			}
			if err != nil {
				return fmt.Errorf("mongo insert kv: %w", err)
			}
			return nil
		}

		filter := bson.M{"_id": key, "version": doc.Version}
		if doc.Version == 0 {
			filter["version"] = bson.M{"$in": bson.A{nil, 0}}
		}
		res, err := s.coll.UpdateOne(ctx, filter, bson.M{
			"$set": bson.M{"value": next, "updated_at": now},
			"$inc": bson.M{"version": 1},
		})
		if err != nil {
			return fmt.Errorf("mongo update kv: %w", err)
		}
		if res.MatchedCount == 1 {
			return nil
		}
	}
	return kv.ErrConflict
}
