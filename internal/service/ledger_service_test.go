package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"loyaltyledger/internal/config"
	"loyaltyledger/internal/infrastructure/database"
	"loyaltyledger/internal/model"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(at time.Time) *testClock {
	return &testClock{now: at}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = at
}

func setupLedgerTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open(&config.DatabaseConfig{Driver: "sqlite", Path: ":memory:", LogLevel: "silent"})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

func newTestLedger(t *testing.T, expiryMonths int, clock *testClock) (*LedgerService, *gorm.DB) {
	t.Helper()
	db := setupLedgerTestDB(t)
	svc := NewLedgerService(db, LedgerConfig{
		ExpiryMonths:     expiryMonths,
		CurrencyPerPoint: decimal.NewFromInt(1000),
		EventTopic:       "loyalty.points.test",
	}, WithClock(clock.Now))
	return svc, db
}

func countRows(t *testing.T, db *gorm.DB, m any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(m).Count(&n).Error)
	return n
}

func strPtr(s string) *string { return &s }

// =============================================================================
// 入账与扣减
// =============================================================================

func TestEarnThenRedeem(t *testing.T) {
	clock := newTestClock(day(2025, time.June, 1))
	svc, _ := newTestLedger(t, 0, clock)
	ctx := context.Background()

	res, err := svc.EarnPointsForOrder(ctx, "c1", decimal.NewFromInt(5000), strPtr("order-1"), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Awarded)
	require.NotNil(t, res.Balance)
	assert.Equal(t, int64(5), *res.Balance)
	assert.NotEmpty(t, res.TransactionNo)

	points, err := svc.GetPoints(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), points)

	balance, err := svc.DeductPoints(ctx, "c1", 5, "reward-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.Points)

	_, err = svc.DeductPoints(ctx, "c1", 1, "reward-2")
	assert.ErrorIs(t, err, ErrInsufficientPoints)

	points, err = svc.GetPoints(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), points)
}

func TestEarnPointsForOrderExplicit_ZeroIsNoop(t *testing.T) {
	svc, db := newTestLedger(t, 0, newTestClock(day(2025, time.June, 1)))
	ctx := context.Background()

	res, err := svc.EarnPointsForOrderExplicit(ctx, "c1", 0, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Awarded)
	assert.Nil(t, res.Balance)

	res, err = svc.EarnPointsForOrderExplicit(ctx, "c1", -3, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Awarded)

	assert.Zero(t, countRows(t, db, &model.LoyaltyBalance{}))
	assert.Zero(t, countRows(t, db, &model.LoyaltyTransaction{}))
	assert.Zero(t, countRows(t, db, &model.OutboxMessage{}))
}

func TestEarnPointsForOrder_AmountBelowOnePoint(t *testing.T) {
	svc, db := newTestLedger(t, 0, newTestClock(day(2025, time.June, 1)))
	ctx := context.Background()

	res, err := svc.EarnPointsForOrder(ctx, "c1", decimal.NewFromInt(999), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Awarded)
	assert.Zero(t, countRows(t, db, &model.LoyaltyTransaction{}))

	_, err = svc.EarnPointsForOrder(ctx, "c1", decimal.NewFromInt(-1), nil, nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestEarnPointsForOrder_WritesLedgerEntryAndEvent(t *testing.T) {
	svc, db := newTestLedger(t, 0, newTestClock(day(2025, time.June, 1)))
	ctx := context.Background()

	_, err := svc.EarnPointsForOrder(ctx, "c1", decimal.RequireFromString("2500.50"), strPtr("order-9"), map[string]any{"channel": "web"})
	require.NoError(t, err)

	var entry model.LoyaltyTransaction
	require.NoError(t, db.Where("customer_id = ?", "c1").First(&entry).Error)
	assert.Equal(t, int64(2), entry.PointsDelta)
	assert.Equal(t, model.ReasonOrderEarned, entry.Reason)
	require.NotNil(t, entry.OrderID)
	assert.Equal(t, "order-9", *entry.OrderID)

	meta, err := model.DecodeMetadata(entry.Metadata)
	require.NoError(t, err)
	earned, ok := meta.(model.OrderEarned)
	require.True(t, ok)
	require.NotNil(t, earned.AmountCLP)
	assert.True(t, earned.AmountCLP.Equal(decimal.RequireFromString("2500.50")))
	assert.Equal(t, "web", earned.Extra["channel"])

	var msg model.OutboxMessage
	require.NoError(t, db.First(&msg).Error)
	assert.Equal(t, model.OutboxStatusPending, msg.Status)
	assert.Equal(t, "loyalty.points.test", msg.Topic)
	assert.Equal(t, "c1", msg.MessageKey)

	var event model.PointsEvent
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &event))
	assert.Equal(t, model.EventPointsEarned, event.Event)
	assert.Equal(t, entry.TransactionNo, event.TransactionNo)
	assert.Equal(t, int64(2), event.BalanceAfter)
}

func TestDeductPoints_Validation(t *testing.T) {
	svc, _ := newTestLedger(t, 0, newTestClock(day(2025, time.June, 1)))
	ctx := context.Background()

	_, err := svc.DeductPoints(ctx, "c1", 0, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.DeductPoints(ctx, "c1", -5, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	// 没有账户视为积分不足
	_, err = svc.DeductPoints(ctx, "nobody", 1, "")
	assert.ErrorIs(t, err, ErrInsufficientPoints)

	_, err = svc.DeductPoints(ctx, "  ", 1, "")
	assert.ErrorIs(t, err, ErrInvalidCustomer)
}

func TestDeductPoints_FailureLeavesNoTrace(t *testing.T) {
	svc, db := newTestLedger(t, 0, newTestClock(day(2025, time.June, 1)))
	ctx := context.Background()

	_, err := svc.EarnPointsForOrderExplicit(ctx, "c1", 3, nil, nil)
	require.NoError(t, err)

	_, err = svc.DeductPoints(ctx, "c1", 4, "reward-1")
	require.ErrorIs(t, err, ErrInsufficientPoints)

	assert.Equal(t, int64(1), countRows(t, db, &model.LoyaltyTransaction{}))
	assert.Equal(t, int64(1), countRows(t, db, &model.OutboxMessage{}))

	points, err := svc.GetPoints(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), points)
}

func TestDeductPoints_NeverNegative(t *testing.T) {
	svc, _ := newTestLedger(t, 0, newTestClock(day(2025, time.June, 1)))
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	var expected int64
	for i := 0; i < 200; i++ {
		n := int64(rng.Intn(20) + 1)
		if rng.Intn(2) == 0 {
			_, err := svc.EarnPointsForOrderExplicit(ctx, "c1", n, nil, nil)
			require.NoError(t, err)
			expected += n
			continue
		}

		b, err := svc.DeductPoints(ctx, "c1", n, "")
		if n > expected {
			require.ErrorIs(t, err, ErrInsufficientPoints, "step %d", i)
			continue
		}
		require.NoError(t, err, "step %d", i)
		expected -= n
		require.Equal(t, expected, b.Points)
		require.GreaterOrEqual(t, b.Points, int64(0))
	}
}

// =============================================================================
// 对账
// =============================================================================

func TestConservationWithoutExpiration(t *testing.T) {
	clock := newTestClock(day(2025, time.January, 1))
	svc, _ := newTestLedger(t, 0, clock)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 100; i++ {
		clock.Set(day(2025, time.January, 1).Add(time.Duration(i) * time.Hour))
		if rng.Intn(3) > 0 {
			_, err := svc.EarnPointsForOrder(ctx, "c1", decimal.NewFromInt(int64(rng.Intn(20000))), nil, nil)
			require.NoError(t, err)
		} else {
			_, err := svc.DeductPoints(ctx, "c1", int64(rng.Intn(10)+1), "")
			if err != nil {
				require.ErrorIs(t, err, ErrInsufficientPoints)
			}
		}

		report, err := svc.Reconcile(ctx, "c1")
		require.NoError(t, err)
		require.True(t, report.Consistent, "step %d: %+v", i, report)
		require.Equal(t, report.LedgerSum, report.Spendable)
	}
}

func TestReconcile_DetectsRawAdjustment(t *testing.T) {
	svc, _ := newTestLedger(t, 0, newTestClock(day(2025, time.June, 1)))
	ctx := context.Background()

	_, err := svc.EarnPointsForOrderExplicit(ctx, "c1", 10, nil, nil)
	require.NoError(t, err)
	_, err = svc.AddPoints(ctx, "c1", 7)
	require.NoError(t, err)

	report, err := svc.Reconcile(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, report.Consistent)
	assert.Equal(t, int64(17), report.RawPoints)
	assert.Equal(t, int64(10), report.LedgerSum)
	assert.Equal(t, int64(7), report.Difference)
}

// =============================================================================
// 原始调整与人工调整
// =============================================================================

func TestAddPoints_CreatesAndIncrements(t *testing.T) {
	svc, db := newTestLedger(t, 0, newTestClock(day(2025, time.June, 1)))
	ctx := context.Background()

	b, err := svc.AddPoints(ctx, "c1", 25)
	require.NoError(t, err)
	assert.Equal(t, int64(25), b.Points)

	// 负数不做下限校验
	b, err = svc.AddPoints(ctx, "c1", -40)
	require.NoError(t, err)
	assert.Equal(t, int64(-15), b.Points)

	assert.Zero(t, countRows(t, db, &model.LoyaltyTransaction{}))

	_, err = svc.AddPoints(ctx, "", 1)
	assert.ErrorIs(t, err, ErrInvalidCustomer)
}

func TestAddPoints_ConcurrentSameCustomer(t *testing.T) {
	svc, _ := newTestLedger(t, 0, newTestClock(day(2025, time.June, 1)))
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.AddPoints(ctx, "c1", 10); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	points, err := svc.GetPoints(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(workers*10), points)
}

func TestDeductPoints_ConcurrentNoDoubleSpend(t *testing.T) {
	svc, _ := newTestLedger(t, 0, newTestClock(day(2025, time.June, 1)))
	ctx := context.Background()

	_, err := svc.EarnPointsForOrderExplicit(ctx, "c1", 5, nil, nil)
	require.NoError(t, err)

	const workers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.DeductPoints(ctx, "c1", 5, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrInsufficientPoints):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, workers-1, rejected)

	points, err := svc.GetPoints(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), points)
}

func TestAdjustPoints(t *testing.T) {
	svc, db := newTestLedger(t, 0, newTestClock(day(2025, time.June, 1)))
	ctx := context.Background()

	b, err := svc.AdjustPoints(ctx, "c1", 30, "goodwill", "admin@clubhx")
	require.NoError(t, err)
	assert.Equal(t, int64(30), b.Points)

	b, err = svc.AdjustPoints(ctx, "c1", -10, "correction", "admin@clubhx")
	require.NoError(t, err)
	assert.Equal(t, int64(20), b.Points)

	_, err = svc.AdjustPoints(ctx, "c1", -21, "too much", "admin@clubhx")
	assert.ErrorIs(t, err, ErrInsufficientPoints)

	_, err = svc.AdjustPoints(ctx, "nobody", -1, "", "")
	assert.ErrorIs(t, err, ErrInsufficientPoints)

	b, err = svc.AdjustPoints(ctx, "c1", 0, "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(20), b.Points)

	var entries []model.LoyaltyTransaction
	require.NoError(t, db.Order("id ASC").Find(&entries).Error)
	require.Len(t, entries, 2)
	assert.Equal(t, model.ReasonManualAdjustment, entries[1].Reason)
	meta, err := model.DecodeMetadata(entries[1].Metadata)
	require.NoError(t, err)
	assert.Equal(t, model.ManualAdjustment{Note: "correction", Operator: "admin@clubhx"}, meta)

	report, err := svc.Reconcile(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, report.Consistent)
}

// =============================================================================
// 过期
// =============================================================================

func TestGetPoints_FIFOWithExpiry(t *testing.T) {
	clock := newTestClock(day(2025, time.January, 10))
	svc, _ := newTestLedger(t, 3, clock)
	ctx := context.Background()

	_, err := svc.EarnPointsForOrderExplicit(ctx, "c1", 100, nil, nil)
	require.NoError(t, err)

	clock.Set(day(2025, time.February, 10))
	_, err = svc.EarnPointsForOrderExplicit(ctx, "c1", 50, nil, nil)
	require.NoError(t, err)

	// 30 从最早的批次扣：[70@01-10, 50@02-10]
	clock.Set(day(2025, time.March, 1))
	_, err = svc.DeductPoints(ctx, "c1", 30, "")
	require.NoError(t, err)

	clock.Set(day(2025, time.April, 5))
	points, err := svc.GetPoints(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(120), points)

	// 回放到 01-10 批次时它已经过期被剔除，之后的 -30 只能从 02-10 批次扣：50 - 30 = 20
	clock.Set(day(2025, time.April, 10))
	points, err = svc.GetPoints(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), points)

	clock.Set(day(2025, time.May, 10))
	points, err = svc.GetPoints(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), points)
}

func TestGetPoints_DisabledUsesRawBalance(t *testing.T) {
	clock := newTestClock(day(2020, time.January, 1))
	svc, _ := newTestLedger(t, 0, clock)
	ctx := context.Background()

	_, err := svc.EarnPointsForOrderExplicit(ctx, "c1", 100, nil, nil)
	require.NoError(t, err)

	clock.Set(day(2030, time.January, 1))
	points, err := svc.GetPoints(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), points)

	points, err = svc.GetPoints(ctx, "unknown")
	require.NoError(t, err)
	assert.Equal(t, int64(0), points)
}

func TestGetUpcomingExpirations_NextMonthBucket(t *testing.T) {
	now := time.Date(2025, time.June, 15, 9, 0, 0, 0, time.UTC)
	svc, _ := newTestLedger(t, 1, newTestClock(now))
	ctx := context.Background()

	_, err := svc.EarnPointsForOrderExplicit(ctx, "c1", 100, nil, nil)
	require.NoError(t, err)

	series, err := svc.GetUpcomingExpirations(ctx, "c1", 3)
	require.NoError(t, err)
	assert.Equal(t, []MonthlyExpiration{
		{Month: "2025-06", Expires: 0},
		{Month: "2025-07", Expires: 100},
		{Month: "2025-08", Expires: 0},
	}, series)
}

func TestGetUpcomingExpirations_MatchesSpendable(t *testing.T) {
	clock := newTestClock(day(2025, time.January, 3))
	svc, _ := newTestLedger(t, 6, clock)
	ctx := context.Background()

	for i, pts := range []int64{40, 25, 60, 10} {
		clock.Set(day(2025, time.Month(i*2+1), 3))
		_, err := svc.EarnPointsForOrderExplicit(ctx, "c1", pts, nil, nil)
		require.NoError(t, err)
	}
	clock.Set(day(2025, time.August, 1))
	_, err := svc.DeductPoints(ctx, "c1", 30, "")
	require.NoError(t, err)

	clock.Set(day(2025, time.August, 20))
	points, err := svc.GetPoints(ctx, "c1")
	require.NoError(t, err)

	series, err := svc.GetUpcomingExpirations(ctx, "c1", 24)
	require.NoError(t, err)
	require.Len(t, series, 24)

	var total int64
	for _, m := range series {
		total += m.Expires
	}
	assert.Equal(t, points, total)
}

func TestGetUpcomingExpirations_Disabled(t *testing.T) {
	svc, _ := newTestLedger(t, 0, newTestClock(day(2025, time.June, 15)))
	ctx := context.Background()

	_, err := svc.EarnPointsForOrderExplicit(ctx, "c1", 100, nil, nil)
	require.NoError(t, err)

	series, err := svc.GetUpcomingExpirations(ctx, "c1", 0)
	require.NoError(t, err)
	assert.Equal(t, []MonthlyExpiration{{Month: "2025-06", Expires: 0}}, series)

	series, err = svc.GetUpcomingExpirations(ctx, "c1", 99)
	require.NoError(t, err)
	assert.Len(t, series, 24)
}

func TestListTransactions_NewestFirst(t *testing.T) {
	clock := newTestClock(day(2025, time.June, 1))
	svc, _ := newTestLedger(t, 0, clock)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		clock.Set(day(2025, time.June, i))
		_, err := svc.EarnPointsForOrderExplicit(ctx, "c1", int64(i), nil, nil)
		require.NoError(t, err)
	}

	list, total, err := svc.ListTransactions(ctx, "c1", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, list, 2)
	assert.Equal(t, int64(3), list[0].PointsDelta)
	assert.Equal(t, int64(2), list[1].PointsDelta)

	list, _, err = svc.ListTransactions(ctx, "c1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

// =============================================================================
// 事务重试与消息积压
// =============================================================================

func TestTransaction_RetriesOnceOnDeadlock(t *testing.T) {
	svc, _ := newTestLedger(t, 0, newTestClock(day(2025, time.June, 1)))
	ctx := context.Background()

	calls := 0
	err := svc.transaction(ctx, func(tx *gorm.DB) error {
		calls++
		if calls == 1 {
			return fmt.Errorf("锁定积分账户失败: %w", &mysql.MySQLError{Number: 1213, Message: "Deadlock found"})
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	// 连续两次死锁不再重试
	calls = 0
	err = svc.transaction(ctx, func(tx *gorm.DB) error {
		calls++
		return &mysql.MySQLError{Number: 1213}
	})
	assert.Error(t, err)
	assert.Equal(t, 2, calls)

	// 其他错误不重试
	calls = 0
	boom := errors.New("boom")
	err = svc.transaction(ctx, func(tx *gorm.DB) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestOutboxBacklog(t *testing.T) {
	svc, db := newTestLedger(t, 0, newTestClock(day(2025, time.June, 1)))
	ctx := context.Background()

	_, err := svc.EarnPointsForOrderExplicit(ctx, "c1", 10, nil, nil)
	require.NoError(t, err)
	_, err = svc.EarnPointsForOrderExplicit(ctx, "c2", 10, nil, nil)
	require.NoError(t, err)

	require.NoError(t, db.Model(&model.OutboxMessage{}).
		Where("message_key = ?", "c2").
		Update("status", model.OutboxStatusFailed).Error)

	backlog, err := svc.OutboxBacklog(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), backlog.Pending)
	assert.Equal(t, int64(1), backlog.Failed)
}

func TestEarnEvent_CarriesEventID(t *testing.T) {
	svc, db := newTestLedger(t, 0, newTestClock(day(2025, time.June, 1)))
	ctx := context.Background()

	_, err := svc.EarnPointsForOrderExplicit(ctx, "c1", 10, nil, nil)
	require.NoError(t, err)
	_, err = svc.EarnPointsForOrderExplicit(ctx, "c1", 10, nil, nil)
	require.NoError(t, err)

	var msgs []model.OutboxMessage
	require.NoError(t, db.Order("id ASC").Find(&msgs).Error)
	require.Len(t, msgs, 2)

	ids := make(map[string]bool)
	for _, m := range msgs {
		var event model.PointsEvent
		require.NoError(t, json.Unmarshal([]byte(m.Payload), &event))
		assert.True(t, strings.HasPrefix(event.EventID, "EVT"), event.EventID)
		ids[event.EventID] = true
	}
	assert.Len(t, ids, 2)
}
