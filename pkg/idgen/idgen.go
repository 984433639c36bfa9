package idgen

import (
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
)

// ============================================================================
// 流水号生成
// ============================================================================
//
// 流水号 = 前缀 + 年月日时分秒 + 雪花ID
//
//   - 雪花ID保证多实例全局唯一（worker_id 按实例配置）
//   - 时间前缀便于人工排查和按日对账
//
// ============================================================================

// 起始时间戳（2024-01-01 00:00:00 UTC）
const epoch = int64(1704067200000)

var (
	mu   sync.Mutex
	node *snowflake.Node
)

// Init 初始化默认节点，只生效一次
func Init(workerID int64) error {
	mu.Lock()
	defer mu.Unlock()
	return initLocked(workerID)
}

func initLocked(workerID int64) error {
	if node != nil {
		return nil
	}
	snowflake.Epoch = epoch
	n, err := snowflake.NewNode(workerID)
	if err != nil {
		return fmt.Errorf("初始化雪花节点失败: workerID=%d: %w", workerID, err)
	}
	node = n
	return nil
}

func defaultNode() *snowflake.Node {
	mu.Lock()
	defer mu.Unlock()
	if node == nil {
		// 未显式初始化时使用 workerID = 1
		_ = initLocked(1)
	}
	return node
}

// NextID 生成下一个ID
func NextID() int64 {
	return defaultNode().Generate().Int64()
}

// GenerateTransactionNo 生成积分流水号
// 例如：LTX20250115143052_1745902612335411200
func GenerateTransactionNo() string {
	return generate("LTX")
}

// GenerateEventKey 生成积分事件的消息 key
func GenerateEventKey() string {
	return generate("EVT")
}

func generate(prefix string) string {
	id := NextID()
	timestamp := time.Now().Format("20060102150405")
	return fmt.Sprintf("%s%s_%d", prefix, timestamp, id)
}
