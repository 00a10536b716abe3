package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/samhotchkiss/threadmask/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var numberColumns = []string{
	"id", "org_id", "class", "e164", "provider_number_sid", "assigned_staff_id", "status", "last_assigned_at", "created_at",
}

func TestNumberStoreRotatePoolFallsBackToBlockingLock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(testOrgID, now).
		WillReturnRows(sqlmock.NewRows(numberColumns))
	mock.ExpectQuery("ORDER BY last_assigned_at ASC NULLS FIRST").
		WithArgs(testOrgID, now).
		WillReturnRows(sqlmock.NewRows(numberColumns).
			AddRow("77777777-7777-7777-7777-777777777777", testOrgID, "pool", "+15557770001", nil, nil, "active", now, now))

	number, err := NewNumberStore(db).RotatePool(context.Background(), testOrgID, now)
	require.NoError(t, err)
	assert.Equal(t, models.NumberClassPool, number.Class)
	require.NotNil(t, number.LastAssignedAt)
	assert.True(t, number.LastAssignedAt.Equal(now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNumberStoreCreateValidatesInput(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	numbers := NewNumberStore(db)
	_, err = numbers.Create(context.Background(), CreateNumberInput{OrgID: testOrgID, Class: "landline", E164: "+15550000000"})
	assert.Error(t, err)

	_, err = numbers.Create(context.Background(), CreateNumberInput{OrgID: testOrgID, Class: models.NumberClassPool, E164: "5550000"})
	assert.Error(t, err)
}

func TestNumberStoreRotatePoolLeastRecentlyAssigned(t *testing.T) {
	connStr := getTestDatabaseURL(t)
	db := setupTestDatabase(t, connStr)
	ctx := context.Background()

	orgID := createTestOrganization(t, db, "pool-lru")
	first := createTestNumber(t, db, orgID, models.NumberClassPool, "+15557770001")
	second := createTestNumber(t, db, orgID, models.NumberClassPool, "+15557770002")
	numbers := NewNumberStore(db)

	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	picked := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		number, err := numbers.RotatePool(ctx, orgID, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		picked = append(picked, number.ID)
	}
	assert.Equal(t, []string{first.ID, second.ID, first.ID, second.ID}, picked)
}

func TestNumberStoreRotatePoolConcurrentCallersGetDistinctNumbers(t *testing.T) {
	connStr := getTestDatabaseURL(t)
	db := setupTestDatabase(t, connStr)
	ctx := context.Background()

	orgID := createTestOrganization(t, db, "pool-race")
	createTestNumber(t, db, orgID, models.NumberClassPool, "+15557770011")
	createTestNumber(t, db, orgID, models.NumberClassPool, "+15557770012")
	numbers := NewNumberStore(db)

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	var (
		mu  sync.Mutex
		ids = map[string]int{}
		wg  sync.WaitGroup
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			number, err := numbers.RotatePool(ctx, orgID, now)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[number.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, ids, 2)
}

func TestNumberStoreEmptyPoolIsNotFound(t *testing.T) {
	connStr := getTestDatabaseURL(t)
	db := setupTestDatabase(t, connStr)

	orgID := createTestOrganization(t, db, "pool-empty")
	_, err := NewNumberStore(db).RotatePool(context.Background(), orgID, time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNumberStoreSingleActiveFrontDesk(t *testing.T) {
	connStr := getTestDatabaseURL(t)
	db := setupTestDatabase(t, connStr)
	ctx := context.Background()

	orgID := createTestOrganization(t, db, "front-desk")
	numbers := NewNumberStore(db)

	_, err := numbers.GetFrontDesk(ctx, orgID)
	assert.ErrorIs(t, err, ErrNotFound)

	frontDesk := createTestNumber(t, db, orgID, models.NumberClassFrontDesk, "+15558880001")
	_, err = numbers.Create(ctx, CreateNumberInput{OrgID: orgID, Class: models.NumberClassFrontDesk, E164: "+15558880002"})
	assert.ErrorIs(t, err, ErrConflict)

	got, err := numbers.GetFrontDesk(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, frontDesk.ID, got.ID)
}

func TestNumberStoreStaffClaimAndRelease(t *testing.T) {
	connStr := getTestDatabaseURL(t)
	db := setupTestDatabase(t, connStr)
	ctx := context.Background()

	orgID := createTestOrganization(t, db, "staff-numbers")
	spare := createTestNumber(t, db, orgID, models.NumberClassStaff, "+15559990001")
	numbers := NewNumberStore(db)

	claimed, err := numbers.ClaimStaffNumber(ctx, orgID, "staff-a")
	require.NoError(t, err)
	assert.Equal(t, spare.ID, claimed.ID)
	require.NotNil(t, claimed.AssignedStaffID)
	assert.Equal(t, "staff-a", *claimed.AssignedStaffID)

	_, err = numbers.ClaimStaffNumber(ctx, orgID, "staff-b")
	assert.ErrorIs(t, err, ErrNotFound)

	stable, err := numbers.GetStaffNumber(ctx, orgID, "staff-a")
	require.NoError(t, err)
	assert.Equal(t, spare.ID, stable.ID)

	released, err := numbers.ReleaseStaffNumber(ctx, orgID, "staff-a")
	require.NoError(t, err)
	assert.Nil(t, released.AssignedStaffID)

	_, err = numbers.GetStaffNumber(ctx, orgID, "staff-a")
	assert.ErrorIs(t, err, ErrNotFound)
}
