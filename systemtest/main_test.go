package systemtest

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	internalhttp "github.com/musterhq/muster/internal/api/http"
	"github.com/musterhq/muster/internal/blob"
	"github.com/musterhq/muster/internal/db"
	"github.com/musterhq/muster/internal/hub"
	pgstore "github.com/musterhq/muster/internal/store/postgres"
	"github.com/musterhq/muster/systemtest/postgres"
	"github.com/musterhq/muster/systemtest/tests"
)

const adminAPIKey = "systemtest-key"

func TestSystemIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping system test in short mode")
	}

	ctx := context.Background()

	container, err := postgres.Start(ctx, "muster", "muster", "muster")
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	dbURL, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, db.RunMigrations(dbURL, ""))

	pool, err := db.Connect(ctx, dbURL, "")
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	st := pgstore.New(pool)

	blobs, err := blob.NewStore(t.TempDir())
	require.NoError(t, err)

	h := hub.New(hub.Config{Store: st, Blobs: blobs})
	t.Cleanup(func() { h.Shutdown(context.Background()) })

	gin.SetMode(gin.TestMode)
	engine := gin.New()
	internalhttp.SetupRoute(engine, internalhttp.Config{AdminAPIKey: adminAPIKey}, &internalhttp.Services{Hub: h})

	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)

	t.Run("StoreConformance", func(t *testing.T) { tests.TestStoreConformance(t, st) })
	t.Run("AgentLifecycle", func(t *testing.T) { tests.TestAgentLifecycle(t, srv, adminAPIKey) })
	t.Run("CommandDelivery", func(t *testing.T) { tests.TestCommandDelivery(t, srv, adminAPIKey) })
	t.Run("AuthBoundary", func(t *testing.T) { tests.TestAuthBoundary(t, srv, adminAPIKey) })
}
