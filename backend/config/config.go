package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"collabHub/backend/internal/signaling"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
		// debug / release / test，对应 gin 模式
		Mode string `mapstructure:"mode"`
		// 优雅退出等待时间
		ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	} `mapstructure:"running"`
	Log struct {
		Level string `mapstructure:"level"`
		// json / console
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Mysql struct {
		// 为空时使用内存存储
		DSN         string `mapstructure:"dsn"`
		AutoMigrate bool   `mapstructure:"autoMigrate"`
	} `mapstructure:"mysql"`
	Redis struct {
		// 为空时不做跨实例在线状态和通知
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers  []string      `mapstructure:"brokers"`
		Topic    string        `mapstructure:"topic"`
		Queue    int           `mapstructure:"queue"`
		Workers  int           `mapstructure:"workers"`
		MaxRetry int           `mapstructure:"maxRetry"`
		Backoff  time.Duration `mapstructure:"backoff"`
	} `mapstructure:"kafka"`
	Auth struct {
		Secret string `mapstructure:"secret"`
	} `mapstructure:"auth"`
	Collab struct {
		RingCapacity     int           `mapstructure:"ringCapacity"`
		QueueSize        int           `mapstructure:"queueSize"`
		MaxInFlight      int           `mapstructure:"maxInFlight"`
		SubmitTimeout    time.Duration `mapstructure:"submitTimeout"`
		RoomIdleTTL      time.Duration `mapstructure:"roomIdleTTL"`
		HeartbeatTimeout time.Duration `mapstructure:"heartbeatTimeout"`
		ReapInterval     time.Duration `mapstructure:"reapInterval"`
		// cron 表达式
		SweepSpec    string   `mapstructure:"sweepSpec"`
		SnapshotSpec string   `mapstructure:"snapshotSpec"`
		Origins      []string `mapstructure:"origins"`
	} `mapstructure:"collab"`
	ICE signaling.ICEOptions `mapstructure:"ice"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8082)
	v.SetDefault("running.mode", "release")
	v.SetDefault("running.shutdownTimeout", 10*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("mysql.autoMigrate", true)
	v.SetDefault("kafka.topic", "doc-ops")
	v.SetDefault("kafka.queue", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.maxRetry", 3)
	v.SetDefault("kafka.backoff", 50*time.Millisecond)
	v.SetDefault("collab.ringCapacity", 1024)
	v.SetDefault("collab.queueSize", 256)
	v.SetDefault("collab.maxInFlight", 100)
	v.SetDefault("collab.submitTimeout", 2*time.Second)
	v.SetDefault("collab.roomIdleTTL", 5*time.Minute)
	v.SetDefault("collab.heartbeatTimeout", 30*time.Second)
	v.SetDefault("collab.reapInterval", 5*time.Second)
	v.SetDefault("collab.sweepSpec", "@every 1m")
	v.SetDefault("collab.snapshotSpec", "@every 5m")
}

// Load 读取 collabConfig.yaml（找不到文件时只用默认值和环境变量），COLLAB_ 前缀的环境变量优先
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		// 兼容从项目根目录或 backend 目录启动
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Auth.Secret == "" {
		return nil, errors.New("auth.secret is required")
	}
	return cfg, nil
}
