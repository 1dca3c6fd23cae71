package surveysync

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mobiletoly/go-fieldsync/fieldqueue"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var propertySurveys = SurveyTable{
	Name:           "property_surveys",
	RequiredFields: []string{"parcel_id", "owner_name"},
	UniqueFields:   []string{"parcel_id"},
}

// setupPool connects to TEST_DATABASE_URL when set, otherwise starts a PostgreSQL container.
func setupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping PostgreSQL integration test in short mode")
	}
	ctx := context.Background()

	connStr := os.Getenv("TEST_DATABASE_URL")
	if connStr == "" {
		container, err := postgres.Run(ctx, "postgres:15-alpine",
			postgres.WithDatabase("fieldsync_test"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("password"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second)),
		)
		require.NoError(t, err)
		t.Cleanup(func() { _ = container.Terminate(context.Background()) })

		connStr, err = container.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+recordsSchema+` CASCADE`)
	require.NoError(t, err)
	return pool
}

func newIntegrationService(t *testing.T, pool *pgxpool.Pool, metrics StageMetricsRecorder) *RecordService {
	t.Helper()
	service, err := NewRecordService(pool, &ServiceConfig{
		AppName:         "go-fieldsync-integration-test",
		Tables:          []SurveyTable{propertySurveys},
		MaxPayloadBytes: 64 * 1024,
		StageMetrics:    metrics,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = service.Close() })
	return service
}

func TestRecordServiceInsertAndList(t *testing.T) {
	pool := setupPool(t)
	var stages []StageTiming
	service := newIntegrationService(t, pool, StageMetricsRecorderFunc(func(_ context.Context, timing StageTiming) {
		stages = append(stages, timing)
	}))
	ctx := context.Background()

	// Schema initialization is repeatable.
	newIntegrationService(t, pool, nil)

	first, err := service.Insert(ctx, "surveyor-1", "tablet-1", "property_surveys",
		map[string]any{"parcel_id": "P-1", "owner_name": "A", "rooms": 3})
	require.NoError(t, err)
	require.Equal(t, "surveyor-1", first.SubmittedBy)
	require.False(t, first.ReceivedAt.IsZero())

	_, err = service.Insert(ctx, "surveyor-1", "tablet-1", "property_surveys",
		map[string]any{"parcel_id": "P-2", "owner_name": "B"})
	require.NoError(t, err)

	_, err = service.Insert(ctx, "surveyor-2", "tablet-2", "property_surveys",
		map[string]any{"parcel_id": "P-3", "owner_name": "C"})
	require.NoError(t, err)

	list, err := service.List(ctx, "surveyor-1", "property_surveys", 10)
	require.NoError(t, err)
	require.Equal(t, 2, list.Count)
	require.Equal(t, "P-2", list.Records[0].Record["parcel_id"])
	require.Equal(t, first.ID, list.Records[1].ID)
	require.Equal(t, float64(3), list.Records[1].Record["rooms"])

	_, err = service.List(ctx, "surveyor-1", "road_surveys", 10)
	require.ErrorIs(t, err, ErrUnregisteredTable)

	require.NotEmpty(t, stages)
	require.Equal(t, MetricsOpInsert, stages[0].Operation)
}

func TestRecordServiceRejectsDuplicateParcel(t *testing.T) {
	pool := setupPool(t)
	service := newIntegrationService(t, pool, nil)
	ctx := context.Background()

	_, err := service.Insert(ctx, "surveyor-1", "tablet-1", "property_surveys",
		map[string]any{"parcel_id": "P-1", "owner_name": "A"})
	require.NoError(t, err)

	_, err = service.Insert(ctx, "surveyor-2", "tablet-2", "property_surveys",
		map[string]any{"parcel_id": "P-1", "owner_name": "Someone else"})
	require.ErrorIs(t, err, ErrConstraintViolation)
	require.Contains(t, err.Error(), "parcel_id")

	_, err = service.Insert(ctx, "surveyor-1", "tablet-1", "property_surveys",
		map[string]any{"owner_name": "A"})
	require.ErrorIs(t, err, ErrBadPayload)

	require.NoError(t, service.Close())
	_, err = service.Insert(ctx, "surveyor-1", "tablet-1", "property_surveys",
		map[string]any{"parcel_id": "P-9", "owner_name": "A"})
	require.ErrorIs(t, err, ErrServiceClosed)
}

// A device queues surveys offline and drains them against the real API. The duplicate is
// rejected and stays in the queue; the rest are delivered.
func TestDeviceQueueDrainsAgainstRecordAPI(t *testing.T) {
	pool := setupPool(t)
	service := newIntegrationService(t, pool, nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	jwtAuth := NewJWTAuth("integration-secret")
	mux := http.NewServeMux()
	NewHTTPRecordHandlers(service, jwtAuth, logger).Register(mux, jwtAuth.Middleware)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	token, err := jwtAuth.GenerateToken("surveyor-1", "tablet-1", time.Hour)
	require.NoError(t, err)
	remote := fieldqueue.NewHTTPRemote(srv.URL, func(context.Context) (string, error) { return token, nil })

	db, err := fieldqueue.OpenDatabase(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	defer db.Close()

	monitor := fieldqueue.NewMonitor(false, logger)
	cfg := fieldqueue.DefaultConfig("property_surveys")
	cfg.Monitor = monitor
	cfg.Logger = logger
	client, err := fieldqueue.NewClient(db, remote, cfg)
	require.NoError(t, err)
	defer client.Close()
	ctx := context.Background()

	for _, rec := range []fieldqueue.Record{
		{"parcel_id": "P-1", "owner_name": "A"},
		{"parcel_id": "P-1", "owner_name": "A again"},
		{"parcel_id": "P-2", "owner_name": "B"},
	} {
		res, err := client.Submit(ctx, rec)
		require.NoError(t, err)
		require.Equal(t, fieldqueue.OutcomeQueued, res.Outcome)
	}

	prober := fieldqueue.NewProber(srv.URL, monitor, logger)
	require.True(t, prober.ProbeOnce(ctx))

	require.Eventually(t, func() bool {
		s, ok := client.LastPassSummary()
		return ok && s.SyncedCount == 2 && s.FailedCount == 1
	}, 10*time.Second, 50*time.Millisecond)

	queued, err := client.Queued(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	require.Equal(t, fieldqueue.StatusFailed, queued[0].Status)
	require.NotNil(t, queued[0].LastError)
	require.Contains(t, *queued[0].LastError, "constraint_violation")

	list, err := service.List(ctx, "surveyor-1", "property_surveys", 10)
	require.NoError(t, err)
	require.Equal(t, 2, list.Count)

	// Online submission of a duplicate is a rejection and is not queued. Only the failed
	// record from the drain remains.
	_, err = client.Submit(ctx, fieldqueue.Record{"parcel_id": "P-2", "owner_name": "B"})
	require.True(t, fieldqueue.IsRejection(err))
	n, err := client.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
