package repository

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/d60-Lab/crm-realtime/internal/model"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setupOutboxDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&model.OutboxEvent{}, &model.AuditLog{}))
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func ptr[T any](v T) *T { return &v }

func enqueueN(t *testing.T, repo OutboxRepository, n int) []int64 {
	t.Helper()
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		evt, err := repo.Enqueue(context.Background(), nil, EnqueueParams{
			EventType:  "invoice.updated",
			ScopeType:  model.ScopeProject,
			ScopeID:    ptr(int64(7)),
			EntityType: "invoice",
			EntityID:   int64(100 + i),
			Payload:    model.JSONMap{"patch": map[string]any{"status": "paid"}},
		})
		require.NoError(t, err)
		ids = append(ids, evt.ID)
	}
	return ids
}

func TestEnqueueDefaults(t *testing.T) {
	db := setupOutboxDB(t)
	clk := newTestClock()
	repo := NewOutboxRepository(db, WithClock(clk.Now))
	ctx := context.Background()

	evt, err := repo.Enqueue(ctx, nil, EnqueueParams{
		EventType:   "deal.created",
		ScopeType:   model.ScopeGlobal,
		EntityType:  "deal",
		EntityID:    5,
		ActorUserID: ptr(int64(3)),
		ClientOpID:  ptr("op-1"),
	})
	require.NoError(t, err)
	assert.Positive(t, evt.ID)

	var got model.OutboxEvent
	require.NoError(t, db.First(&got, evt.ID).Error)
	assert.Equal(t, 0, got.AttemptCount)
	assert.Nil(t, got.PublishedAt)
	assert.Nil(t, got.DeadLetteredAt)
	assert.Nil(t, got.NextAttemptAt)
	assert.True(t, clk.Now().Equal(got.CreatedAt))
	assert.Equal(t, "op-1", *got.ClientOpID)
}

func TestEnqueueRejectsInvalidScope(t *testing.T) {
	repo := NewOutboxRepository(setupOutboxDB(t))
	ctx := context.Background()

	_, err := repo.Enqueue(ctx, nil, EnqueueParams{EventType: "x", ScopeType: "team", EntityType: "deal", EntityID: 1})
	assert.Error(t, err)

	_, err = repo.Enqueue(ctx, nil, EnqueueParams{EventType: "x", ScopeType: model.ScopeProject, EntityType: "deal", EntityID: 1})
	assert.Error(t, err)
}

func TestEnqueueRolledBackNeverAppears(t *testing.T) {
	db := setupOutboxDB(t)
	repo := NewOutboxRepository(db)
	ctx := context.Background()
	boom := errors.New("business write failed")

	err := db.Transaction(func(tx *gorm.DB) error {
		if _, err := repo.Enqueue(ctx, tx, EnqueueParams{EventType: "deal.updated", ScopeType: model.ScopeGlobal, EntityType: "deal", EntityID: 1}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var n int64
	require.NoError(t, db.Model(&model.OutboxEvent{}).Count(&n).Error)
	assert.Zero(t, n)

	batch, err := repo.ClaimBatch(ctx, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestClaimBatchLimitAndOrder(t *testing.T) {
	db := setupOutboxDB(t)
	repo := NewOutboxRepository(db)
	ids := enqueueN(t, repo, 5)

	batch, err := repo.ClaimBatch(context.Background(), nil, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, ids[0], batch[0].ID)
	assert.Equal(t, ids[1], batch[1].ID)

	none, err := repo.ClaimBatch(context.Background(), nil, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestClaimBatchFilters(t *testing.T) {
	db := setupOutboxDB(t)
	clk := newTestClock()
	repo := NewOutboxRepository(db, WithClock(clk.Now), WithMaxAttempts(3))
	ctx := context.Background()
	ids := enqueueN(t, repo, 5)

	require.NoError(t, repo.MarkPublished(ctx, nil, ids[0]))
	require.NoError(t, repo.MarkDeadLettered(ctx, nil, ids[1], "gave up"))
	require.NoError(t, repo.MarkFailed(ctx, nil, ids[2], clk.Now().Add(5*time.Second), "transport down"))
	// 次数耗尽但未进死信的行同样不可认领
	require.NoError(t, db.Model(&model.OutboxEvent{}).Where("id = ?", ids[3]).Update("attempt_count", 3).Error)

	batch, err := repo.ClaimBatch(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, ids[4], batch[0].ID)

	clk.Advance(5 * time.Second)
	batch, err = repo.ClaimBatch(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, ids[2], batch[0].ID)
	assert.Equal(t, ids[4], batch[1].ID)
}

func TestMarkFailedIncrementsAttempts(t *testing.T) {
	db := setupOutboxDB(t)
	clk := newTestClock()
	repo := NewOutboxRepository(db, WithClock(clk.Now))
	ctx := context.Background()
	id := enqueueN(t, repo, 1)[0]

	next := clk.Now().Add(2 * time.Second)
	require.NoError(t, repo.MarkFailed(ctx, nil, id, next, "timeout"))
	require.NoError(t, repo.MarkFailed(ctx, nil, id, next.Add(5*time.Second), "timeout again"))

	var got model.OutboxEvent
	require.NoError(t, db.First(&got, id).Error)
	assert.Equal(t, 2, got.AttemptCount)
	require.NotNil(t, got.NextAttemptAt)
	assert.True(t, next.Add(5*time.Second).Equal(*got.NextAttemptAt))
	assert.Equal(t, "timeout again", *got.LastError)
}

func TestTerminalStatesAreExclusive(t *testing.T) {
	db := setupOutboxDB(t)
	repo := NewOutboxRepository(db)
	ctx := context.Background()
	ids := enqueueN(t, repo, 2)

	require.NoError(t, repo.MarkPublished(ctx, nil, ids[0]))
	assert.ErrorIs(t, repo.MarkDeadLettered(ctx, nil, ids[0], "late"), ErrNotPending)
	assert.ErrorIs(t, repo.MarkPublished(ctx, nil, ids[0]), ErrNotPending)

	require.NoError(t, repo.MarkDeadLettered(ctx, nil, ids[1], "exhausted"))
	assert.ErrorIs(t, repo.MarkPublished(ctx, nil, ids[1]), ErrNotPending)
	assert.ErrorIs(t, repo.MarkFailed(ctx, nil, ids[1], time.Now(), "again"), ErrNotPending)

	var dead model.OutboxEvent
	require.NoError(t, db.First(&dead, ids[1]).Error)
	assert.NotNil(t, dead.DeadLetteredAt)
	assert.Nil(t, dead.PublishedAt)
	assert.Equal(t, 1, dead.AttemptCount)
}

func TestObservabilityReads(t *testing.T) {
	db := setupOutboxDB(t)
	clk := newTestClock()
	repo := NewOutboxRepository(db, WithClock(clk.Now))
	ctx := context.Background()

	age, err := repo.OldestPendingAgeSeconds(ctx)
	require.NoError(t, err)
	assert.Zero(t, age)

	ids := enqueueN(t, repo, 2)
	clk.Advance(30 * time.Second)
	enqueueN(t, repo, 1)
	clk.Advance(15 * time.Second)

	require.NoError(t, repo.MarkDeadLettered(ctx, nil, ids[0], "boom"))

	st, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, st.Pending)
	assert.EqualValues(t, 1, st.DeadLettered)
	assert.InDelta(t, 45.0, st.OldestPendingAgeSeconds, 0.001)

	dead, err := repo.ListDeadLettered(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, ids[0], dead[0].ID)
	assert.Equal(t, "boom", *dead[0].LastError)
}

func TestDeletePublishedOlderThan(t *testing.T) {
	db := setupOutboxDB(t)
	clk := newTestClock()
	repo := NewOutboxRepository(db, WithClock(clk.Now))
	ctx := context.Background()
	ids := enqueueN(t, repo, 4)

	require.NoError(t, repo.MarkPublished(ctx, nil, ids[0]))
	require.NoError(t, repo.MarkDeadLettered(ctx, nil, ids[1], "x"))
	clk.Advance(6 * 24 * time.Hour)
	require.NoError(t, repo.MarkPublished(ctx, nil, ids[2]))
	clk.Advance(2 * 24 * time.Hour)

	n, err := repo.DeletePublishedOlderThan(ctx, 7)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	var left []int64
	require.NoError(t, db.Model(&model.OutboxEvent{}).Order("id").Pluck("id", &left).Error)
	assert.Equal(t, []int64{ids[1], ids[2], ids[3]}, left)

	_, err = repo.DeletePublishedOlderThan(ctx, 0)
	assert.Error(t, err)
}

func TestListPublishedAfter(t *testing.T) {
	db := setupOutboxDB(t)
	repo := NewOutboxRepository(db)
	ctx := context.Background()

	mk := func(scope model.ScopeType, scopeID *int64) int64 {
		evt, err := repo.Enqueue(ctx, nil, EnqueueParams{EventType: "e", ScopeType: scope, ScopeID: scopeID, EntityType: "deal", EntityID: 1})
		require.NoError(t, err)
		require.NoError(t, repo.MarkPublished(ctx, nil, evt.ID))
		return evt.ID
	}
	g1 := mk(model.ScopeGlobal, nil)
	p7 := mk(model.ScopeProject, ptr(int64(7)))
	mk(model.ScopeProject, ptr(int64(8)))
	u3 := mk(model.ScopeUser, ptr(int64(3)))
	mk(model.ScopeUser, ptr(int64(4)))
	// 未发布的不返回
	_, err := repo.Enqueue(ctx, nil, EnqueueParams{EventType: "e", ScopeType: model.ScopeGlobal, EntityType: "deal", EntityID: 1})
	require.NoError(t, err)

	got, err := repo.ListPublishedAfter(ctx, 0, ScopeFilter{ProjectIDs: []int64{7}, UserID: ptr(int64(3))}, 100)
	require.NoError(t, err)
	ids := make([]int64, len(got))
	for i, e := range got {
		ids[i] = e.ID
	}
	assert.Equal(t, []int64{g1, p7, u3}, ids)

	got, err = repo.ListPublishedAfter(ctx, p7, ScopeFilter{}, 100)
	require.NoError(t, err)
	assert.Empty(t, got)
}

// TestClaimBatchSkipLockedPostgres 需要真实 Postgres：TEST_DATABASE_URL
func TestClaimBatchSkipLockedPostgres(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.Migrator().DropTable(&model.OutboxEvent{}))
	require.NoError(t, db.AutoMigrate(&model.OutboxEvent{}))

	repo := NewOutboxRepository(db)
	ctx := context.Background()
	ids := enqueueN(t, repo, 5)

	tx1 := db.Begin()
	defer tx1.Rollback()
	first, err := repo.ClaimBatch(ctx, tx1, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, []int64{ids[0], ids[1]}, []int64{first[0].ID, first[1].ID})

	tx2 := db.Begin()
	defer tx2.Rollback()
	second, err := repo.ClaimBatch(ctx, tx2, 2)
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.Equal(t, []int64{ids[2], ids[3]}, []int64{second[0].ID, second[1].ID})
}
