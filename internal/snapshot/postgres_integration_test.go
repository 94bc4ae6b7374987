package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	backend, err := NewPostgresBackend(dsn)
	require.NoError(t, err)
	backend.tableName = postgresIntegrationTableName("livesync_documents_it")
	t.Cleanup(func() {
		_ = backend.Close()
		postgresIntegrationDropTable(t, dsn, backend.tableName)
	})

	doc, err := backend.Load("notes")
	require.NoError(t, err)
	require.Nil(t, doc)

	stamp := time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)
	require.NoError(t, backend.Save(Document{ID: "notes", Content: "first", UpdatedAt: stamp}))
	doc, err = backend.Load("notes")
	require.NoError(t, err)
	require.NotNil(t, doc)
	require.Equal(t, "first", doc.Content)
	require.True(t, doc.UpdatedAt.Equal(stamp))

	require.NoError(t, backend.Save(Document{ID: "notes", Content: "second"}))
	doc, err = backend.Load("notes")
	require.NoError(t, err)
	require.NotNil(t, doc)
	require.Equal(t, "second", doc.Content)
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("LIVESYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set LIVESYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
	_, err = db.ExecContext(ctx, query)
	require.NoError(t, err, tableName)
}
