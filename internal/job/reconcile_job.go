package job

import (
	"context"
	"time"

	"loyaltyledger/internal/repository"
	"loyaltyledger/internal/service"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Locker 多副本互斥，生产环境是 Redis 分布式锁
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// ReconcileJob 定期核对余额表和流水
//
// 只读，不修正数据。AddPoints 的原始调整不写流水，会在这里报出差额
type ReconcileJob struct {
	ledger      *service.LedgerService
	balanceRepo *repository.BalanceRepository
	locker      Locker
	stopCh      chan struct{}
	interval    time.Duration
	batchSize   int
}

// ReconcileSummary 一轮对账的结果
type ReconcileSummary struct {
	Checked    int
	Mismatched int
	Skipped    bool // 没抢到锁
}

func NewReconcileJob(db *gorm.DB, ledger *service.LedgerService, locker Locker, interval time.Duration, batchSize int) *ReconcileJob {
	if interval <= 0 {
		interval = time.Hour
	}
	if batchSize <= 0 {
		batchSize = 200
	}
	return &ReconcileJob{
		ledger:      ledger,
		balanceRepo: repository.NewBalanceRepository(db),
		locker:      locker,
		stopCh:      make(chan struct{}),
		interval:    interval,
		batchSize:   batchSize,
	}
}

func (j *ReconcileJob) Start(ctx context.Context) {
	zap.L().Info("[ReconcileJob] 对账任务启动", zap.Duration("interval", j.interval))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("[ReconcileJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			zap.L().Info("[ReconcileJob] 任务停止")
			return
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil {
				zap.L().Error("[ReconcileJob] 对账失败", zap.Error(err))
			}
		}
	}
}

func (j *ReconcileJob) Stop() {
	close(j.stopCh)
}

// RunOnce 按 id 分批扫描全部余额账户
func (j *ReconcileJob) RunOnce(ctx context.Context) (*ReconcileSummary, error) {
	summary := &ReconcileSummary{}

	if j.locker != nil {
		ok, err := j.locker.TryLock(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			zap.L().Debug("[ReconcileJob] 其他实例正在对账，跳过本轮")
			summary.Skipped = true
			return summary, nil
		}
		defer func() {
			if err := j.locker.Unlock(context.Background()); err != nil {
				zap.L().Warn("[ReconcileJob] 释放锁失败", zap.Error(err))
			}
		}()
	}

	var afterID int64
	for {
		balances, err := j.balanceRepo.ListAfterID(ctx, afterID, j.batchSize)
		if err != nil {
			return summary, err
		}
		if len(balances) == 0 {
			break
		}

		for _, b := range balances {
			report, err := j.ledger.Reconcile(ctx, b.CustomerID)
			if err != nil {
				zap.L().Error("[ReconcileJob] 核对账户失败", zap.String("customer_id", b.CustomerID), zap.Error(err))
				continue
			}
			summary.Checked++
			if !report.Consistent {
				summary.Mismatched++
			}
		}
		afterID = balances[len(balances)-1].ID
	}

	zap.L().Info("[ReconcileJob] 本轮对账完成",
		zap.Int("checked", summary.Checked),
		zap.Int("mismatched", summary.Mismatched))
	return summary, nil
}
