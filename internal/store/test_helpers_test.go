package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/samhotchkiss/threadmask/internal/models"
	"github.com/stretchr/testify/require"
)

const testDBURLKey = "THREADMASK_TEST_DATABASE_URL"

func getTestDatabaseURL(t *testing.T) string {
	t.Helper()
	connStr := os.Getenv(testDBURLKey)
	if connStr == "" {
		t.Skipf("set %s to a dedicated test database", testDBURLKey)
	}
	return connStr
}

func getMigrationsDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.Abs(filepath.Join("..", "..", "migrations"))
	require.NoError(t, err)
	return dir
}

func setupTestDatabase(t *testing.T, connStr string) *sql.DB {
	t.Helper()
	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)

	m, err := migrate.New("file://"+getMigrationsDir(t), connStr)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = m.Close()
	})

	err = m.Down()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		require.NoError(t, err)
	}

	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		require.NoError(t, err)
	}

	t.Cleanup(func() {
		_ = db.Close()
	})

	return db
}

func createTestOrganization(t *testing.T, db *sql.DB, slug string) string {
	t.Helper()
	org, err := NewOrgStore(db).Create(context.Background(), "Org "+slug, slug)
	require.NoError(t, err)
	return org.ID
}

func createTestBooking(t *testing.T, db *sql.DB, orgID, clientID, clientE164 string, start time.Time) string {
	t.Helper()
	var id string
	err := db.QueryRow(`
		INSERT INTO bookings (org_id, client_id, client_e164, service_type, scheduled_start, scheduled_end)
		VALUES ($1, $2, $3, 'Drop-ins', $4, $5)
		RETURNING id::text
	`, orgID, clientID, clientE164, start, start.Add(30*time.Minute)).Scan(&id)
	require.NoError(t, err)
	return id
}

func createTestThread(t *testing.T, db *sql.DB, orgID, clientID, clientE164 string) *Thread {
	t.Helper()
	thread, err := NewThreadStore(db).EnsureClientThread(context.Background(), EnsureClientThreadInput{
		OrgID:      orgID,
		ClientID:   clientID,
		ClientE164: clientE164,
	})
	require.NoError(t, err)
	return thread
}

func createTestNumber(t *testing.T, db *sql.DB, orgID string, class models.NumberClass, e164 string) *MaskedNumber {
	t.Helper()
	number, err := NewNumberStore(db).Create(context.Background(), CreateNumberInput{
		OrgID: orgID,
		Class: class,
		E164:  e164,
	})
	require.NoError(t, err)
	return number
}
