package repository

import (
	"context"

	"loyaltyledger/internal/model"

	"gorm.io/gorm"
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, tx *gorm.DB, trans *model.LoyaltyTransaction) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(trans).Error
}

// ListByCustomerAsc 全量流水，按时间正序，同一时刻按主键
// 过期批次回放依赖这个顺序
func (r *TransactionRepository) ListByCustomerAsc(ctx context.Context, tx *gorm.DB, customerID string) ([]*model.LoyaltyTransaction, error) {
	if tx == nil {
		tx = r.db
	}
	var transactions []*model.LoyaltyTransaction
	err := tx.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&transactions).Error
	return transactions, err
}

func (r *TransactionRepository) ListByCustomerID(ctx context.Context, customerID string, page, pageSize int) ([]*model.LoyaltyTransaction, int64, error) {
	var transactions []*model.LoyaltyTransaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.LoyaltyTransaction{}).Where("customer_id = ?", customerID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&transactions).Error

	return transactions, total, err
}

// SumDelta 流水合计，用于和余额表对账
func (r *TransactionRepository) SumDelta(ctx context.Context, customerID string) (int64, error) {
	var sum int64
	err := r.db.WithContext(ctx).
		Model(&model.LoyaltyTransaction{}).
		Select("COALESCE(SUM(points_delta), 0)").
		Where("customer_id = ?", customerID).
		Scan(&sum).Error
	return sum, err
}
