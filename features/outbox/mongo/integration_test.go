package mongo_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"

	outboxmongo "github.com/intentflow/intentflow/features/outbox/mongo"
	clientsmongo "github.com/intentflow/intentflow/features/outbox/mongo/clients/mongo"
	"github.com/intentflow/intentflow/runtime/events"
	"github.com/intentflow/intentflow/runtime/outbox"
)

const testDatabase = "intentflow_outbox_test"

var (
	testMongoClient    *mongodriver.Client
	testMongoContainer testcontainers.Container
	skipMongoTests     bool
)

func setupMongo() {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
		}
		testMongoContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, Mongo tests will be skipped: %v\n", containerErr)
		skipMongoTests = true
		return
	}

	host, err := testMongoContainer.Host(ctx)
	if err != nil {
		fmt.Printf("Failed to get container host: %v\n", err)
		skipMongoTests = true
		return
	}

	port, err := testMongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		fmt.Printf("Failed to get container port: %v\n", err)
		skipMongoTests = true
		return
	}

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	testMongoClient, err = mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(uri))
	if err != nil {
		fmt.Printf("Failed to connect to Mongo: %v\n", err)
		skipMongoTests = true
		return
	}
	if err := testMongoClient.Ping(ctx, nil); err != nil {
		fmt.Printf("Failed to ping Mongo: %v\n", err)
		skipMongoTests = true
	}
}

func getIntegrationLog(t *testing.T) *outboxmongo.Log {
	t.Helper()
	if testMongoClient == nil && !skipMongoTests {
		setupMongo()
	}
	if skipMongoTests {
		t.Skip("Docker not available, skipping Mongo test")
	}
	require.NoError(t, testMongoClient.Database(testDatabase).Drop(context.Background()))
	log, err := outboxmongo.NewLogFromMongo(clientsmongo.Options{
		Client:   testMongoClient,
		Database: testDatabase,
		Timeout:  5 * time.Second,
	})
	require.NoError(t, err)
	return log
}

func integrationRecord(id, executionID string, counter uint64, createdAt time.Time) outbox.Record {
	created := createdAt.UTC().Truncate(time.Millisecond)
	return outbox.Record{
		ID:          id,
		ExecutionID: executionID,
		Event: events.Event{
			ID:          id,
			Type:        events.SagaStepCompleted,
			ExecutionID: executionID,
			Payload:     map[string]any{"note": "delivered"},
			Lamport:     events.Stamp{Counter: counter, ServiceID: "itest"},
			EmittedAt:   created,
		},
		Status:    outbox.StatusPending,
		CreatedAt: created,
		ExpiresAt: created.Add(time.Hour),
	}
}

func TestIntegrationDeliveryLifecycle(t *testing.T) {
	log := getIntegrationLog(t)
	ctx := context.Background()
	now := time.Now()

	rec := integrationRecord("ev-1", "exec-1", 1, now)
	require.NoError(t, log.Append(ctx, rec))

	pending, err := log.PullPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "ev-1", pending[0].ID)
	assert.Equal(t, events.SagaStepCompleted, pending[0].Event.Type)
	assert.Equal(t, "delivered", pending[0].Event.Payload["note"])
	assert.Equal(t, uint64(1), pending[0].Event.Lamport.Counter)

	claimed, err := log.MarkProcessing(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusProcessing, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)

	_, err = log.MarkProcessing(ctx, "ev-1")
	require.EqualError(t, err, "outbox record ev-1 is processing, not pending")

	require.NoError(t, log.MarkProcessed(ctx, "ev-1"))

	pending, err = log.PullPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestIntegrationAppendIsIdempotent(t *testing.T) {
	log := getIntegrationLog(t)
	ctx := context.Background()

	rec := integrationRecord("ev-1", "exec-1", 1, time.Now())
	require.NoError(t, log.Append(ctx, rec))
	require.NoError(t, log.Append(ctx, rec))

	pending, err := log.PullPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestIntegrationRequeueRestoresPending(t *testing.T) {
	log := getIntegrationLog(t)
	ctx := context.Background()

	rec := integrationRecord("ev-1", "exec-1", 1, time.Now())
	require.NoError(t, log.Append(ctx, rec))

	_, err := log.MarkProcessing(ctx, "ev-1")
	require.NoError(t, err)
	require.NoError(t, log.Requeue(ctx, "ev-1", "publish refused"))

	pending, err := log.PullPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "publish refused", pending[0].LastError)
	assert.Equal(t, 1, pending[0].Attempts)

	claimed, err := log.MarkProcessing(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, 2, claimed.Attempts, "reclaim counts another attempt")
}

func TestIntegrationMarkFailedDeadLetters(t *testing.T) {
	log := getIntegrationLog(t)
	ctx := context.Background()

	rec := integrationRecord("ev-1", "exec-1", 1, time.Now())
	require.NoError(t, log.Append(ctx, rec))

	_, err := log.MarkProcessing(ctx, "ev-1")
	require.NoError(t, err)
	require.NoError(t, log.MarkFailed(ctx, "ev-1", "exhausted"))

	pending, err := log.PullPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = log.MarkProcessing(ctx, "ev-1")
	require.EqualError(t, err, "outbox record ev-1 is failed, not pending")
}

func TestIntegrationFIFOPerExecution(t *testing.T) {
	log := getIntegrationLog(t)
	ctx := context.Background()
	base := time.Now()

	// Same millisecond; the lamport counter keeps append order.
	for i, id := range []string{"ev-1", "ev-2", "ev-3"} {
		require.NoError(t, log.Append(ctx, integrationRecord(id, "exec-1", uint64(i+1), base)))
	}

	pending, err := log.PullPending(ctx, 2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "ev-1", pending[0].ID)
	assert.Equal(t, "ev-2", pending[1].ID)
}
