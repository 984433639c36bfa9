package model

import (
	"time"
)

// LoyaltyBalance 客户积分余额表
// 每个客户一行，首次入账时惰性创建，从不删除
//
// 【注意】Points 是未过期入账的原始累计值（缓存聚合）。
// 启用积分过期后，可用积分以流水回放结果为准，这里的值只作为下限校验和快速查询使用。
type LoyaltyBalance struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	CustomerID string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"customer_id"` // 客户ID，网关透传
	Points     int64     `gorm:"not null;default:0" json:"points"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (LoyaltyBalance) TableName() string {
	return "loyalty_balance"
}
