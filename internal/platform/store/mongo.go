package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/team-bethany-and-thomas/healthapp/internal/platform/clock"
)

// Reserved document keys. Record fields are stored at the top level next
// to them.
const (
	mongoPermissions = "_permissions"
	mongoCreatedAt   = "_created_at"
	mongoUpdatedAt   = "_updated_at"
)

// Mongo stores each collection as a MongoDB collection keyed by _id.
type Mongo struct {
	db    *mongo.Database
	clock clock.Clock
}

func NewMongo(db *mongo.Database, clk clock.Clock) *Mongo {
	return &Mongo{db: db, clock: clk}
}

// ConnectMongo opens a client and verifies it with a ping.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

// EnsureIndexes creates the unique indexes. Partial indexes use an equality
// filter expression.
func (m *Mongo) EnsureIndexes(ctx context.Context, indexes []UniqueIndex) error {
	byCollection := make(map[string][]mongo.IndexModel)
	var order []string
	for _, idx := range indexes {
		keys := bson.D{}
		for _, f := range idx.Fields {
			keys = append(keys, bson.E{Key: f, Value: 1})
		}
		opts := options.Index().SetUnique(true).SetName(idx.Name)
		if len(idx.Where) > 0 {
			filter := bson.M{}
			for k, v := range idx.Where {
				filter[k] = v
			}
			opts.SetPartialFilterExpression(filter)
		}
		if _, seen := byCollection[idx.Collection]; !seen {
			order = append(order, idx.Collection)
		}
		byCollection[idx.Collection] = append(byCollection[idx.Collection], mongo.IndexModel{Keys: keys, Options: opts})
	}
	for _, coll := range order {
		if _, err := m.db.Collection(coll).Indexes().CreateMany(ctx, byCollection[coll]); err != nil {
			return fmt.Errorf("create indexes on %s: %w", coll, err)
		}
	}
	return nil
}

func (m *Mongo) ListWhere(ctx context.Context, collection string, q Query) ([]Record, error) {
	filter, err := mongoFilter(q)
	if err != nil {
		return nil, err
	}
	opts := options.Find().SetSort(mongoSort(q.Order))
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cursor, err := m.db.Collection(collection).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer cursor.Close(ctx)

	var out []Record
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("list %s: decode: %w", collection, err)
		}
		rec, err := recordFromDoc(doc)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", collection, err)
		}
		out = append(out, *rec)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	return out, nil
}

func (m *Mongo) GetByID(ctx context.Context, collection, id string) (*Record, error) {
	var doc bson.M
	err := m.db.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, translateMongoError(err))
	}
	rec, err := recordFromDoc(doc)
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return rec, nil
}

func (m *Mongo) Create(ctx context.Context, collection, id string, fields map[string]any, permissions []string) (*Record, error) {
	clean, err := jsonCopy(fields)
	if err != nil {
		return nil, err
	}
	if permissions == nil {
		permissions = []string{}
	}
	now := stamp(m.clock)

	doc := bson.M{}
	for k, v := range clean {
		doc[k] = v
	}
	doc["_id"] = id
	doc[mongoPermissions] = permissions
	doc[mongoCreatedAt] = now
	doc[mongoUpdatedAt] = now

	if _, err := m.db.Collection(collection).InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("create %s/%s: %w", collection, id, translateMongoError(err))
	}
	return &Record{ID: id, Fields: clean, Permissions: permissions, CreatedAt: now, UpdatedAt: now}, nil
}

func (m *Mongo) Update(ctx context.Context, collection, id string, patch map[string]any) (*Record, error) {
	clean, err := jsonCopy(patch)
	if err != nil {
		return nil, err
	}
	set := bson.M{mongoUpdatedAt: stamp(m.clock)}
	for k, v := range clean {
		set[k] = v
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc bson.M
	err = m.db.Collection(collection).FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": set}, opts).Decode(&doc)
	if err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", collection, id, translateMongoError(err))
	}
	rec, err := recordFromDoc(doc)
	if err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	return rec, nil
}

func (m *Mongo) Delete(ctx context.Context, collection, id string) error {
	res, err := m.db.Collection(collection).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, translateMongoError(err))
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("delete %s/%s: %w", collection, id, ErrNotFound)
	}
	return nil
}

func translateMongoError(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%v: %w", err, ErrDuplicate)
	}
	return err
}

// mongoFilter translates predicates into a filter document. Several
// predicates on one field are merged into one operator document.
func mongoFilter(q Query) (bson.M, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	filter := bson.M{}
	for _, p := range q.Where {
		ops, _ := filter[p.Field].(bson.M)
		if ops == nil {
			ops = bson.M{}
			filter[p.Field] = ops
		}
		switch p.Op {
		case OpEq:
			ops["$eq"] = normalize(p.Value)
		case OpNe:
			ops["$ne"] = normalize(p.Value)
		case OpIn:
			ops["$in"] = normalizeAll(values(p.Value))
		case OpNin:
			ops["$nin"] = normalizeAll(values(p.Value))
		case OpGte:
			ops["$gte"] = normalize(p.Value)
		case OpLt:
			ops["$lt"] = normalize(p.Value)
		}
	}
	return filter, nil
}

func mongoSort(order []Order) bson.D {
	sort := bson.D{}
	for _, o := range order {
		dir := 1
		if o.Desc {
			dir = -1
		}
		sort = append(sort, bson.E{Key: o.Field, Value: dir})
	}
	return append(sort, bson.E{Key: mongoCreatedAt, Value: 1}, bson.E{Key: "_id", Value: 1})
}

func normalizeAll(vals []any) bson.A {
	out := make(bson.A, len(vals))
	for i, v := range vals {
		out[i] = normalize(v)
	}
	return out
}

// recordFromDoc splits the reserved keys off doc and converts the rest to
// JSON-shaped fields through relaxed extended JSON.
func recordFromDoc(doc bson.M) (*Record, error) {
	rec := &Record{}
	if id, ok := doc["_id"].(string); ok {
		rec.ID = id
	} else {
		rec.ID = fmt.Sprintf("%v", doc["_id"])
	}
	rec.CreatedAt = mongoTime(doc[mongoCreatedAt])
	rec.UpdatedAt = mongoTime(doc[mongoUpdatedAt])
	if perms, ok := doc[mongoPermissions].(bson.A); ok {
		for _, p := range perms {
			if s, ok := p.(string); ok {
				rec.Permissions = append(rec.Permissions, s)
			}
		}
	}

	body := bson.M{}
	for k, v := range doc {
		switch k {
		case "_id", mongoPermissions, mongoCreatedAt, mongoUpdatedAt:
			continue
		}
		body[k] = v
	}
	data, err := bson.MarshalExtJSON(body, false, false)
	if err != nil {
		return nil, fmt.Errorf("convert document %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal(data, &rec.Fields); err != nil {
		return nil, fmt.Errorf("convert document %s: %w", rec.ID, err)
	}
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	return rec, nil
}

func mongoTime(v any) time.Time {
	switch t := v.(type) {
	case bson.DateTime:
		return t.Time().UTC()
	case time.Time:
		return t.UTC()
	}
	return time.Time{}
}

var _ Store = (*Mongo)(nil)
