package etl

import (
	"context"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/BartekS5/etlrunner/pkg/utils"
)

// MongoExtractor reads documents matching Filter, sorted by SortField so
// repeated runs see a stable order.
type MongoExtractor struct {
	Client     *mongo.Client
	Database   string
	Collection string
	Filter     bson.M
	SortField  string
	Limit      int64
}

func (m *MongoExtractor) Extract(ctx context.Context) (Rows, error) {
	coll := m.Client.Database(m.Database).Collection(m.Collection)

	findOpts := options.Find()
	if m.Limit > 0 {
		findOpts.SetLimit(m.Limit)
	}
	sortField := m.SortField
	if sortField == "" {
		sortField = "_id"
	}
	findOpts.SetSort(bson.M{sortField: 1})

	filter := m.Filter
	if filter == nil {
		filter = bson.M{}
	}
	cursor, err := coll.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	results := Rows{}
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, NewError(Validation, "decode document: %v", err)
		}
		rec := make(Record, len(doc))
		for k, v := range doc {
			rec[k] = utils.ToNative(v)
		}
		results = append(results, rec)
	}
	return results, cursor.Err()
}

// MongoLoader upserts each row by IDField with a single unordered bulk write,
// so re-running a load does not duplicate documents.
type MongoLoader struct {
	Client     *mongo.Client
	Database   string
	Collection string
	IDField    string
}

func (m *MongoLoader) Load(ctx context.Context, rows Rows) (int, error) {
	coll := m.Client.Database(m.Database).Collection(m.Collection)
	idField := m.IDField
	if idField == "" {
		idField = "_id"
	}

	writes := make([]mongo.WriteModel, 0, len(rows))
	for i, doc := range rows {
		idVal, ok := doc[idField]
		if !ok || idVal == nil {
			return 0, NewError(Validation, "row %d: missing id field %q", i, idField)
		}
		filter := bson.M{idField: idVal}
		update := bson.M{"$set": doc}
		writes = append(writes, mongo.NewUpdateOneModel().SetFilter(filter).SetUpdate(update).SetUpsert(true))
	}
	if len(writes) == 0 {
		slog.Warn("Empty payload, nothing to load", "collection", m.Collection)
		return 0, nil
	}

	res, err := coll.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return 0, err
	}
	slog.Info("Mongo BulkWrite", "collection", m.Collection,
		"matched", res.MatchedCount, "modified", res.ModifiedCount, "upserted", res.UpsertedCount)
	return len(writes), nil
}
