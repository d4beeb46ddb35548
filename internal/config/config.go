package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	RabbitMQ   RabbitMQConfig   `mapstructure:"rabbitmq"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Log        LogConfig        `mapstructure:"log"`
	Protection ProtectionConfig `mapstructure:"protection"`
	Signing    SigningConfig    `mapstructure:"signing"`
	Watcher    WatcherConfig    `mapstructure:"watcher"`
	Storage    StorageConfig    `mapstructure:"storage"`
}

type ServerConfig struct {
	Port      int    `mapstructure:"port"`
	Mode      string `mapstructure:"mode"` // debug, release
	AuthToken string `mapstructure:"auth_token"`
	MaxUpload int64  `mapstructure:"max_upload_mb"`
}

type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // mysql, sqlite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	Path     string `mapstructure:"path"` // sqlite 文件路径

	// 连接池，只对 mysql 生效；sqlite 固定单连接
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RabbitMQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
	Queue    string `mapstructure:"queue"`
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"` // Worker 数量
	QueueSize   int `mapstructure:"queue_size"`  // 任务队列大小
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
	Output string `mapstructure:"output"` // stdout, stderr 或文件路径
}

// ProtectionConfig 加固流水线配置
type ProtectionConfig struct {
	TrialDays          int    `mapstructure:"trial_days"`
	Owner              bool   `mapstructure:"owner"`
	Secret             string `mapstructure:"secret"`       // 构建密钥，载荷密钥由此派生
	LoaderDex          string `mapstructure:"loader_dex"`   // 打包的 loader.dex 路径
	LoaderClass        string `mapstructure:"loader_class"` // loader 入口类
	PayloadAsset       string `mapstructure:"payload_asset"`
	Overwrite          bool   `mapstructure:"overwrite"`
	CompressionWorkers int    `mapstructure:"compression_workers"`
	Align              bool   `mapstructure:"align"` // 未压缩条目 4 字节对齐
}

// ErrEmptySecret 构建密钥为空时无法派生载荷密钥
var ErrEmptySecret = errors.New("build secret is empty (set APKP_BUILD_SECRET); payload keys cannot be derived")

// CheckSecret 启动加固前调用
func (p ProtectionConfig) CheckSecret() error {
	if p.Secret == "" {
		return ErrEmptySecret
	}
	return nil
}

// SigningConfig 签名配置，cert/key 为空时使用本地开发证书
type SigningConfig struct {
	Cert       string   `mapstructure:"cert"`
	Key        string   `mapstructure:"key"`
	DevDir     string   `mapstructure:"dev_dir"`
	Passphrase string   `mapstructure:"passphrase"`
	Schemes    []string `mapstructure:"schemes"` // v1, v2, v3
	MinSDK     int      `mapstructure:"min_sdk"`
}

// WatcherConfig 收件箱目录监听
type WatcherConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	InboxDir string `mapstructure:"inbox_dir"`
	Pattern  string `mapstructure:"pattern"`
	Debounce int    `mapstructure:"debounce_ms"`
}

type StorageConfig struct {
	InboundDir string `mapstructure:"inbound_dir"` // 上传的原始 APK
	ResultDir  string `mapstructure:"result_dir"`  // 加固后的 APK
	EventDir   string `mapstructure:"event_dir"`   // 进度事件 JSONL
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.max_upload_mb", 512)
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.path", "data/protector.db")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("rabbitmq.queue", "apk_protect_tasks")
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.queue_size", 64)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("protection.trial_days", 14)
	v.SetDefault("protection.loader_dex", "assets/loader.dex")
	v.SetDefault("protection.loader_class", "com.apkprotector.stub.ProtectedApp")
	v.SetDefault("protection.payload_asset", "assets/payload.pldx")
	v.SetDefault("protection.compression_workers", 4)
	v.SetDefault("protection.align", true)
	v.SetDefault("signing.dev_dir", ".apkprotector")
	v.SetDefault("signing.schemes", []string{"v1", "v2", "v3"})
	v.SetDefault("signing.min_sdk", 21)
	v.SetDefault("watcher.inbox_dir", "data/inbox")
	v.SetDefault("watcher.pattern", "*.apk")
	v.SetDefault("watcher.debounce_ms", 2000)
	v.SetDefault("storage.inbound_dir", "data/inbound")
	v.SetDefault("storage.result_dir", "data/results")
	v.SetDefault("storage.event_dir", "data/events")
}

func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
	}

	// 环境变量覆盖（支持嵌套配置）
	v.SetEnvPrefix("APKP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 绑定环境变量到嵌套配置路径
	// RabbitMQ
	v.BindEnv("rabbitmq.host", "RABBITMQ_HOST")
	v.BindEnv("rabbitmq.port", "RABBITMQ_PORT")
	v.BindEnv("rabbitmq.user", "RABBITMQ_USER")
	v.BindEnv("rabbitmq.password", "RABBITMQ_PASS")

	// Database
	v.BindEnv("database.host", "MYSQL_HOST")
	v.BindEnv("database.port", "MYSQL_PORT")
	v.BindEnv("database.user", "MYSQL_USER")
	v.BindEnv("database.password", "MYSQL_PASS")
	v.BindEnv("database.db_name", "MYSQL_DB")

	// 密钥只走环境变量
	v.BindEnv("protection.secret", "APKP_BUILD_SECRET")
	v.BindEnv("signing.passphrase", "APKP_SIGNING_PASSPHRASE")

	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
