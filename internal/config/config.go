package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Loyalty  LoyaltyConfig  `mapstructure:"loyalty"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	Mode     string `mapstructure:"mode"` // debug | release
	WorkerID int64  `mapstructure:"worker_id"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // mysql | sqlite
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	Path         string `mapstructure:"path"` // 仅 sqlite 使用
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogLevel     string `mapstructure:"log_level"` // silent | error | warn | info
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	PointsEvent string `mapstructure:"points_event"`
}

// LoyaltyConfig 积分账本策略
//
// ExpiryMonths <= 0 表示不启用过期，余额表中的 points 即为可用积分
type LoyaltyConfig struct {
	ExpiryMonths     int    `mapstructure:"expiry_months"`
	CurrencyPerPoint string `mapstructure:"currency_per_point"` // 多少 CLP 兑换 1 积分
	Timezone         string `mapstructure:"timezone"`
}

// CurrencyRate 解析兑换比例，未配置时默认 1000
func (c LoyaltyConfig) CurrencyRate() (decimal.Decimal, error) {
	if strings.TrimSpace(c.CurrencyPerPoint) == "" {
		return decimal.NewFromInt(1000), nil
	}
	rate, err := decimal.NewFromString(c.CurrencyPerPoint)
	if err != nil {
		return decimal.Zero, fmt.Errorf("currency_per_point 配置错误: %w", err)
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("currency_per_point 必须大于0: %s", c.CurrencyPerPoint)
	}
	return rate, nil
}

type BusinessConfig struct {
	MaxRetryCount            int `mapstructure:"max_retry_count"`
	ReconcileIntervalSeconds int `mapstructure:"reconcile_interval_seconds"`
	ReconcileBatchSize       int `mapstructure:"reconcile_batch_size"`
}

// LoadConfig 加载配置文件
//
// 读取顺序：.env -> config.yaml -> 环境变量（环境变量优先）
// LOYALTY_EXPIRY_MONTHS 单独绑定，兼容旧部署的变量名
func LoadConfig(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("loyalty.expiry_months", "LOYALTY_EXPIRY_MONTHS"); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if _, err := config.Loyalty.CurrencyRate(); err != nil {
		return nil, err
	}

	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.worker_id", 1)
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("kafka.topic.points_event", "loyalty.points")
	v.SetDefault("loyalty.expiry_months", 0)
	v.SetDefault("loyalty.currency_per_point", "1000")
	v.SetDefault("loyalty.timezone", "America/Santiago")
	v.SetDefault("business.max_retry_count", 5)
	v.SetDefault("business.reconcile_interval_seconds", 3600)
	v.SetDefault("business.reconcile_batch_size", 200)
}
