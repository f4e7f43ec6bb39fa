// Package mongo hosts the MongoDB client used by the outbox log.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"github.com/intentflow/intentflow/runtime/events"
	"github.com/intentflow/intentflow/runtime/outbox"
)

const (
	defaultOutboxCollection = "saga_outbox"
	defaultOpTimeout        = 5 * time.Second
	outboxClientName        = "outbox-mongo"
)

// Client exposes Mongo-backed operations for outbox records. The event ID is
// the document key, so the relay's claim discipline rides on single-document
// atomicity.
type Client interface {
	health.Pinger

	// AppendEvent inserts a record. Inserting an ID that already exists is
	// a no-op.
	AppendEvent(ctx context.Context, rec outbox.Record) error

	// PendingEvents returns up to limit pending records whose delivery
	// window is still open at now, oldest first.
	PendingEvents(ctx context.Context, now time.Time, limit int) ([]outbox.Record, error)

	// ClaimEvent atomically moves a pending record to processing,
	// incrementing its attempt count, and returns the updated record.
	ClaimEvent(ctx context.Context, id string) (outbox.Record, error)

	// FinishEvent retires a pending or processing record as processed.
	FinishEvent(ctx context.Context, id string, processedAt time.Time) error

	// FailEvent retires any not-yet-processed record as failed.
	FailEvent(ctx context.Context, id, errMsg string) error

	// RequeueEvent returns a processing record to pending.
	RequeueEvent(ctx context.Context, id, errMsg string) error
}

// Options configures the Mongo outbox client.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	coll    collection
	timeout time.Duration
}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	coll := opts.Collection
	if coll == "" {
		coll = defaultOutboxCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	mcoll := opts.Client.Database(opts.Database).Collection(coll)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return outboxClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) AppendEvent(ctx context.Context, rec outbox.Record) error {
	if rec.ID == "" {
		return errors.New("record id is required")
	}
	if rec.ExecutionID == "" {
		return errors.New("execution id is required")
	}
	doc := fromRecord(rec)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if _, err := c.coll.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return nil
		}
		return err
	}
	return nil
}

func (c *client) PendingEvents(ctx context.Context, now time.Time, limit int) ([]outbox.Record, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	// A zero expires_at means the record never expires.
	filter := bson.M{
		"status": outbox.StatusPending,
		"$or": bson.A{
			bson.M{"expires_at": bson.M{"$gt": now.UTC()}},
			bson.M{"expires_at": time.Time{}},
		},
	}
	// lamport_counter breaks created_at ties so same-execution records
	// keep append order across the millisecond granularity of BSON dates.
	findOpts := options.Find().SetSort(bson.D{
		{Key: "created_at", Value: 1},
		{Key: "lamport_counter", Value: 1},
	})
	if limit > 0 {
		findOpts = findOpts.SetLimit(int64(limit))
	}
	cur, err := c.coll.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var recs []outbox.Record
	for cur.Next(ctx) {
		var doc eventDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		recs = append(recs, doc.toRecord())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

func (c *client) ClaimEvent(ctx context.Context, id string) (outbox.Record, error) {
	if id == "" {
		return outbox.Record{}, errors.New("record id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"_id": id, "status": outbox.StatusPending}
	update := bson.M{
		"$set": bson.M{"status": outbox.StatusProcessing},
		"$inc": bson.M{"attempts": 1},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc eventDocument
	err := c.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err == nil {
		return doc.toRecord(), nil
	}
	if !errors.Is(err, mongodriver.ErrNoDocuments) {
		return outbox.Record{}, err
	}
	return outbox.Record{}, c.statusConflict(ctx, id, "not pending")
}

func (c *client) FinishEvent(ctx context.Context, id string, processedAt time.Time) error {
	if id == "" {
		return errors.New("record id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"_id":    id,
		"status": bson.M{"$in": bson.A{outbox.StatusPending, outbox.StatusProcessing}},
	}
	update := bson.M{"$set": bson.M{
		"status":       outbox.StatusProcessed,
		"processed_at": processedAt.UTC(),
	}}
	res, err := c.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return c.statusConflict(ctx, id, "cannot retire")
	}
	return nil
}

func (c *client) FailEvent(ctx context.Context, id, errMsg string) error {
	if id == "" {
		return errors.New("record id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"_id": id, "status": bson.M{"$ne": outbox.StatusProcessed}}
	update := bson.M{"$set": bson.M{
		"status":     outbox.StatusFailed,
		"last_error": errMsg,
	}}
	res, err := c.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		var doc eventDocument
		ferr := c.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
		if errors.Is(ferr, mongodriver.ErrNoDocuments) {
			return fmt.Errorf("outbox record %s not found", id)
		}
		if ferr != nil {
			return ferr
		}
		return fmt.Errorf("outbox record %s already processed", id)
	}
	return nil
}

func (c *client) RequeueEvent(ctx context.Context, id, errMsg string) error {
	if id == "" {
		return errors.New("record id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"_id": id, "status": outbox.StatusProcessing}
	update := bson.M{"$set": bson.M{
		"status":     outbox.StatusPending,
		"last_error": errMsg,
	}}
	res, err := c.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return c.statusConflict(ctx, id, "not processing")
	}
	return nil
}

// statusConflict reads the record behind a conditional-update miss and
// reports whether it was missing or in the wrong status.
func (c *client) statusConflict(ctx context.Context, id, verdict string) error {
	var doc eventDocument
	if err := c.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return fmt.Errorf("outbox record %s not found", id)
		}
		return err
	}
	return fmt.Errorf("outbox record %s is %s, %s", id, doc.Status, verdict)
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// eventDocument flattens the record envelope so the relay's sort and claim
// filters hit plain fields.
type eventDocument struct {
	ID             string         `bson:"_id"`
	ExecutionID    string         `bson:"execution_id"`
	EventType      string         `bson:"event_type"`
	Payload        map[string]any `bson:"payload,omitempty"`
	TraceID        string         `bson:"trace_id,omitempty"`
	LamportCounter int64          `bson:"lamport_counter"`
	LamportService string         `bson:"lamport_service,omitempty"`
	EmittedAt      time.Time      `bson:"emitted_at"`
	Status         outbox.Status  `bson:"status"`
	Attempts       int            `bson:"attempts"`
	LastError      string         `bson:"last_error,omitempty"`
	CreatedAt      time.Time      `bson:"created_at"`
	ProcessedAt    *time.Time     `bson:"processed_at,omitempty"`
	ExpiresAt      time.Time      `bson:"expires_at"`
}

func fromRecord(rec outbox.Record) eventDocument {
	doc := eventDocument{
		ID:             rec.ID,
		ExecutionID:    rec.ExecutionID,
		EventType:      string(rec.Event.Type),
		Payload:        rec.Event.Payload,
		TraceID:        rec.Event.TraceID,
		LamportCounter: int64(rec.Event.Lamport.Counter),
		LamportService: rec.Event.Lamport.ServiceID,
		EmittedAt:      rec.Event.EmittedAt.UTC(),
		Status:         rec.Status,
		Attempts:       rec.Attempts,
		LastError:      rec.LastError,
		CreatedAt:      rec.CreatedAt.UTC(),
		ExpiresAt:      rec.ExpiresAt.UTC(),
	}
	if rec.ProcessedAt != nil {
		at := rec.ProcessedAt.UTC()
		doc.ProcessedAt = &at
	}
	return doc
}

func (doc eventDocument) toRecord() outbox.Record {
	rec := outbox.Record{
		ID:          doc.ID,
		ExecutionID: doc.ExecutionID,
		Event: events.Event{
			ID:          doc.ID,
			Type:        events.Type(doc.EventType),
			ExecutionID: doc.ExecutionID,
			Payload:     doc.Payload,
			TraceID:     doc.TraceID,
			Lamport: events.Stamp{
				Counter:   uint64(doc.LamportCounter),
				ServiceID: doc.LamportService,
			},
			EmittedAt: doc.EmittedAt,
		},
		Status:    doc.Status,
		Attempts:  doc.Attempts,
		LastError: doc.LastError,
		CreatedAt: doc.CreatedAt,
		ExpiresAt: doc.ExpiresAt,
	}
	if doc.ProcessedAt != nil {
		at := *doc.ProcessedAt
		rec.ProcessedAt = &at
	}
	return rec
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "status", Value: 1},
			{Key: "created_at", Value: 1},
		},
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:   mongoClient,
		coll:    coll,
		timeout: timeout,
	}, nil
}

type collection interface {
	InsertOne(ctx context.Context, doc any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error)
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	FindOneAndUpdate(ctx context.Context, filter any, update any, opts ...*options.FindOneAndUpdateOptions) singleResult
	UpdateOne(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, doc any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, doc, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) FindOneAndUpdate(ctx context.Context, filter any, update any, opts ...*options.FindOneAndUpdateOptions) singleResult {
	return mongoSingleResult{res: c.coll.FindOneAndUpdate(ctx, filter, update, opts...)}
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Next(ctx context.Context) bool { return c.cur.Next(ctx) }
func (c mongoCursor) Decode(val any) error          { return c.cur.Decode(val) }
func (c mongoCursor) Err() error                    { return c.cur.Err() }
func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
