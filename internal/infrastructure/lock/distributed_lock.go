package lock

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// Redis 分布式锁
// ============================================================================
//
// 积分写操作靠数据库行锁保证互斥，这里的锁只用于后台任务：
// 多副本部署时，同一个周期内只允许一个实例跑对账。
//
// 加锁：SET key value NX EX ttl
//   - value 是持有者标识，释放时校验，避免删掉别人续上的锁
//
// 释放：Lua 脚本里完成"比较 + 删除"
//
// ============================================================================

const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string        // 持有者标识
	expiration time.Duration // 持有者崩溃后自动释放
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 非阻塞加锁
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Unlock 只删除自己持有的锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	return l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Err()
}

// NewJobLock 后台任务锁，按任务名区分
//
// value 用 主机名:pid，日志里能看出是哪个实例在跑
func NewJobLock(client *redis.Client, jobName string, ttl time.Duration) *DistributedLock {
	key := fmt.Sprintf("loyalty:job:lock:%s", jobName)
	host, _ := os.Hostname()
	return NewDistributedLock(client, key, fmt.Sprintf("%s:%d", host, os.Getpid()), ttl)
}
