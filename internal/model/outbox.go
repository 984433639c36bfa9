package model

import (
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// 积分事件类型，写入消息体的 event 字段
const (
	EventPointsEarned   = "POINTS_EARNED"
	EventPointsRedeemed = "POINTS_REDEEMED"
	EventPointsAdjusted = "POINTS_ADJUSTED"
)

// OutboxMessage 本地消息表
// 与积分流水在同一个事务内写入，由 OutboxSender 异步投递到 Kafka
type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey string    `gorm:"type:varchar(64);not null" json:"message_key"`
	Topic      string    `gorm:"type:varchar(64);not null" json:"topic"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	Status     string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}

// PointsEvent 积分变动事件消息体
type PointsEvent struct {
	EventID       string    `json:"event_id"` // 消费端去重
	Event         string    `json:"event"`
	TransactionNo string    `json:"transaction_no"`
	CustomerID    string    `json:"customer_id"`
	PointsDelta   int64     `json:"points_delta"`
	BalanceAfter  int64     `json:"balance_after"`
	OrderID       *string   `json:"order_id,omitempty"`
	Reason        Reason    `json:"reason"`
	OccurredAt    time.Time `json:"occurred_at"`
}
