package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT配置（可穿戴设备上行通道）
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string // 设备读数主题，如 "wearable/+/readings"
	QoS      byte
}

// ModelStoreConfig 模型仓库配置
type ModelStoreConfig struct {
	BaseURL  string        // 模型注册服务地址
	ModelKey string        // 默认模型标识
	CacheTTL time.Duration // 进程内模型缓存时间
	Timeout  time.Duration // 单次请求超时
}

// Config 监测服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig
	Model    ModelStoreConfig

	// 流水线配置
	Pipeline struct {
		SessionSpan      time.Duration // 会话（及初始窗口）时长，默认 8 小时
		WindowSpan       time.Duration // 滚动窗口时长，默认 5 分钟
		StatsBatchSize   int           // 每累计 N 条读数触发一次统计，默认 5
		MinReadings      int           // 触发预测所需最小读数，默认 5
		Lookback         time.Duration // 预测特征回溯期，默认 30 分钟
		ScheduleInterval time.Duration // 调度循环周期，默认 5 分钟
		WorkerCount      int           // 工作池大小，默认 4
		MaxRetries       int           // 异步任务最大重试次数，默认 3
		RetryBase        time.Duration // 重试退避基数（60s × 2^attempt）
	}

	// 合成数据配置（设备静默兜底）
	Synthetic struct {
		Interval     time.Duration // 生成周期，默认 5 秒
		ReadingCount int           // 每周期生成读数条数，默认 5
		CheckDelay   time.Duration // 会话开启后多久检查传感器活动，默认 1 分钟
	}

	// 通知推送配置
	Fanout struct {
		Stream            string        // 通知事件流
		ConsumerGroup     string
		ConsumerName      string
		BacklogLimit      int           // 新订阅回放的未读上限，默认 20
		HeartbeatInterval time.Duration // 心跳检测周期
		HeartbeatTimeout  time.Duration // 超过该时长无心跳视为断开
	}

	// 任务队列配置
	Queue struct {
		Stream        string // 任务流
		ScheduledSet  string // 延迟任务 ZSET
		ConsumerGroup string
		ConsumerName  string
		BatchSize     int64
		ResultTTL     time.Duration
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置（环境变量覆盖默认值）
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "wearable")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 10)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "wearable-monitor")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.Topic = getEnv("MQTT_TOPIC", "wearable/+/readings")
	cfg.MQTT.QoS = 1

	cfg.Model.BaseURL = getEnv("MODEL_STORE_URL", "http://localhost:8500")
	cfg.Model.ModelKey = getEnv("MODEL_KEY", "craving_lr_v1")
	cfg.Model.CacheTTL = getEnvDuration("MODEL_CACHE_TTL", time.Hour)
	cfg.Model.Timeout = getEnvDuration("MODEL_STORE_TIMEOUT", 10*time.Second)

	cfg.Pipeline.SessionSpan = getEnvDuration("SESSION_SPAN", 8*time.Hour)
	cfg.Pipeline.WindowSpan = getEnvDuration("WINDOW_SPAN", 5*time.Minute)
	cfg.Pipeline.StatsBatchSize = getEnvInt("STATS_BATCH_SIZE", 5)
	cfg.Pipeline.MinReadings = getEnvInt("MIN_READINGS", 5)
	cfg.Pipeline.Lookback = getEnvDuration("PREDICTION_LOOKBACK", 30*time.Minute)
	cfg.Pipeline.ScheduleInterval = getEnvDuration("SCHEDULE_INTERVAL", 5*time.Minute)
	cfg.Pipeline.WorkerCount = getEnvInt("WORKER_COUNT", 4)
	cfg.Pipeline.MaxRetries = getEnvInt("TASK_MAX_RETRIES", 3)
	cfg.Pipeline.RetryBase = getEnvDuration("TASK_RETRY_BASE", 60*time.Second)

	cfg.Synthetic.Interval = getEnvDuration("SYNTHETIC_INTERVAL", 5*time.Second)
	cfg.Synthetic.ReadingCount = getEnvInt("SYNTHETIC_READING_COUNT", 5)
	cfg.Synthetic.CheckDelay = getEnvDuration("SYNTHETIC_CHECK_DELAY", time.Minute)

	cfg.Fanout.Stream = getEnv("FANOUT_STREAM", "notifications:events")
	cfg.Fanout.ConsumerGroup = getEnv("FANOUT_CONSUMER_GROUP", "fanout-group")
	cfg.Fanout.ConsumerName = getEnv("FANOUT_CONSUMER_NAME", "fanout-1")
	cfg.Fanout.BacklogLimit = getEnvInt("FANOUT_BACKLOG_LIMIT", 20)
	cfg.Fanout.HeartbeatInterval = getEnvDuration("FANOUT_HEARTBEAT_INTERVAL", 30*time.Second)
	cfg.Fanout.HeartbeatTimeout = getEnvDuration("FANOUT_HEARTBEAT_TIMEOUT", 90*time.Second)

	cfg.Queue.Stream = getEnv("QUEUE_STREAM", "tasks:pending")
	cfg.Queue.ScheduledSet = getEnv("QUEUE_SCHEDULED_SET", "tasks:scheduled")
	cfg.Queue.ConsumerGroup = getEnv("QUEUE_CONSUMER_GROUP", "worker-group")
	cfg.Queue.ConsumerName = getEnv("QUEUE_CONSUMER_NAME", "worker-1")
	cfg.Queue.BatchSize = int64(getEnvInt("QUEUE_BATCH_SIZE", 10))
	cfg.Queue.ResultTTL = getEnvDuration("QUEUE_RESULT_TTL", time.Hour)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
