package repository

import (
	"context"
	"errors"

	"loyaltyledger/internal/model"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrBalanceNotFound  = errors.New("积分账户不存在")
	ErrBalanceNotEnough = errors.New("积分不足")
)

// mysqlDeadlock ER_LOCK_DEADLOCK
const mysqlDeadlock = 1213

// IsDeadlock InnoDB 检测到死锁并回滚了当前事务
func IsDeadlock(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDeadlock
}

type BalanceRepository struct {
	db *gorm.DB
}

func NewBalanceRepository(db *gorm.DB) *BalanceRepository {
	return &BalanceRepository{db: db}
}

func (r *BalanceRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *BalanceRepository) GetByCustomerID(ctx context.Context, tx *gorm.DB, customerID string) (*model.LoyaltyBalance, error) {
	var balance model.LoyaltyBalance
	err := r.conn(tx).WithContext(ctx).Where("customer_id = ?", customerID).First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBalanceNotFound
		}
		return nil, err
	}
	return &balance, nil
}

// GetByCustomerIDForUpdate 行级写锁，必须在事务内调用
// SELECT ... FOR UPDATE 只锁该客户的一行，不同客户之间互不阻塞
func (r *BalanceRepository) GetByCustomerIDForUpdate(ctx context.Context, tx *gorm.DB, customerID string) (*model.LoyaltyBalance, error) {
	var balance model.LoyaltyBalance
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("customer_id = ?", customerID).
		First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBalanceNotFound
		}
		return nil, err
	}
	return &balance, nil
}

// LockOrCreate 加锁读取余额行，不存在则先插入再加锁
//
// 【关键点】两个请求同时为新客户建行时，唯一索引 + ON CONFLICT DO NOTHING
// 保证只插入一行，随后两边都通过 FOR UPDATE 排队拿到同一行
func (r *BalanceRepository) LockOrCreate(ctx context.Context, tx *gorm.DB, customerID string) (*model.LoyaltyBalance, error) {
	balance, err := r.GetByCustomerIDForUpdate(ctx, tx, customerID)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, ErrBalanceNotFound) {
		return nil, err
	}

	newBalance := &model.LoyaltyBalance{
		CustomerID: customerID,
		Points:     0,
	}
	err = tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "customer_id"}},
			DoNothing: true,
		}).
		Create(newBalance).Error
	if err != nil {
		return nil, err
	}

	return r.GetByCustomerIDForUpdate(ctx, tx, customerID)
}

// Increase 不做下限校验，delta 可以为负（人工原始调整）
func (r *BalanceRepository) Increase(ctx context.Context, tx *gorm.DB, customerID string, delta int64) error {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.LoyaltyBalance{}).
		Where("customer_id = ?", customerID).
		Update("points", gorm.Expr("points + ?", delta))

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrBalanceNotFound
	}
	return nil
}

// Decrease 带余额条件的扣减，WHERE points >= ? 兜底防止扣成负数
func (r *BalanceRepository) Decrease(ctx context.Context, tx *gorm.DB, customerID string, points int64) error {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.LoyaltyBalance{}).
		Where("customer_id = ? AND points >= ?", customerID, points).
		Update("points", gorm.Expr("points - ?", points))

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrBalanceNotEnough
	}
	return nil
}

// ListAfterID 按主键游标分页，供对账任务遍历
func (r *BalanceRepository) ListAfterID(ctx context.Context, afterID int64, limit int) ([]*model.LoyaltyBalance, error) {
	var balances []*model.LoyaltyBalance
	err := r.db.WithContext(ctx).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&balances).Error
	return balances, err
}
