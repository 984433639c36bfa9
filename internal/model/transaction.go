package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// ============================================================================
// 流水原因
// ============================================================================

type Reason string

const (
	ReasonOrderEarned      Reason = "order_earned"      // 订单返积分
	ReasonRewardRedeem     Reason = "reward_redeem"     // 兑换奖励扣积分
	ReasonManualAdjustment Reason = "manual_adjustment" // 后台人工调整
)

// ============================================================================
// 积分流水实体
// ============================================================================

// LoyaltyTransaction 积分流水表
//
// 【重要】流水表设计原则：
// 1. 只追加，不修改，不删除
// 2. PointsDelta 正数为入账，负数为扣减，不存在 0
// 3. CreatedAt 由账本时钟写入，是过期批次回放的时间顺序依据
type LoyaltyTransaction struct {
	ID            int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo string         `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"`
	CustomerID    string         `gorm:"type:varchar(64);not null;index:idx_loyalty_tx_customer_created,priority:1" json:"customer_id"`
	PointsDelta   int64          `gorm:"not null" json:"points_delta"`
	OrderID       *string        `gorm:"type:varchar(64);index" json:"order_id,omitempty"`
	Reason        Reason         `gorm:"type:varchar(32);not null" json:"reason"`
	Metadata      datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_loyalty_tx_customer_created,priority:2" json:"created_at"`
}

func (LoyaltyTransaction) TableName() string {
	return "loyalty_transaction"
}

// ============================================================================
// 流水附加信息
// ============================================================================

// Metadata 流水附加信息，每种 Reason 对应一个固定结构
type Metadata interface {
	Reason() Reason
}

type OrderEarned struct {
	AmountCLP *decimal.Decimal `json:"amount_clp,omitempty"`
	Extra     map[string]any   `json:"extra,omitempty"`
}

func (OrderEarned) Reason() Reason { return ReasonOrderEarned }

type RewardRedeem struct {
	RewardID string `json:"reward_id,omitempty"`
}

func (RewardRedeem) Reason() Reason { return ReasonRewardRedeem }

type ManualAdjustment struct {
	Note     string `json:"note,omitempty"`
	Operator string `json:"operator,omitempty"`
}

func (ManualAdjustment) Reason() Reason { return ReasonManualAdjustment }

type metadataEnvelope struct {
	Reason Reason          `json:"reason"`
	Data   json.RawMessage `json:"data"`
}

// EncodeMetadata 序列化为 {"reason": ..., "data": {...}}
func EncodeMetadata(m Metadata) (datatypes.JSON, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(metadataEnvelope{Reason: m.Reason(), Data: data})
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(out), nil
}

// DecodeMetadata 按 reason 还原具体类型
func DecodeMetadata(raw datatypes.JSON) (Metadata, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var env metadataEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}

	var m Metadata
	switch env.Reason {
	case ReasonOrderEarned:
		var v OrderEarned
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, err
		}
		m = v
	case ReasonRewardRedeem:
		var v RewardRedeem
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, err
		}
		m = v
	case ReasonManualAdjustment:
		var v ManualAdjustment
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, err
		}
		m = v
	default:
		return nil, fmt.Errorf("未知的流水原因: %q", env.Reason)
	}
	return m, nil
}
