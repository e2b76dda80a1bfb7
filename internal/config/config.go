package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 定义从 YAML 加载的所有配置项
type Config struct {
	Env string `mapstructure:"env"`

	Server struct {
		Port            int           `mapstructure:"port"`
		NodeID          string        `mapstructure:"node_id"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`

	Store struct {
		Driver string `mapstructure:"driver"` // redis | memory
	} `mapstructure:"store"`

	Redis struct {
		URL          string `mapstructure:"url"` // 设置后优先于 addr/password/db
		Addr         string `mapstructure:"addr"`
		Password     string `mapstructure:"password"`
		DB           int    `mapstructure:"db"`
		PoolSize     int    `mapstructure:"pool_size"`
		StatusKey    string `mapstructure:"status_key"`
		ConnCountKey string `mapstructure:"conn_count_key"`
		Channel      string `mapstructure:"channel"`
	} `mapstructure:"redis"`

	Bus struct {
		Driver       string `mapstructure:"driver"` // redis | nats | memory
		MemoryBuffer int    `mapstructure:"memory_buffer"`
	} `mapstructure:"bus"`

	NATS struct {
		URL     string `mapstructure:"url"`
		Subject string `mapstructure:"subject"`
	} `mapstructure:"nats"`

	Friends struct {
		Source   string `mapstructure:"source"` // random | deterministic | mysql
		Universe int    `mapstructure:"universe"`
		Fanout   int    `mapstructure:"fanout"`
	} `mapstructure:"friends"`

	Mysql struct {
		DSN          string `mapstructure:"dsn"`
		MaxIdleConns int    `mapstructure:"max_idle_conns"`
		MaxOpenConns int    `mapstructure:"max_open_conns"`
	} `mapstructure:"mysql"`

	Presence struct {
		OfflinePolicy string        `mapstructure:"offline_policy"` // any | last
		StoreTimeout  time.Duration `mapstructure:"store_timeout"`
		BusTimeout    time.Duration `mapstructure:"bus_timeout"`
	} `mapstructure:"presence"`

	WS struct {
		WriteWait      time.Duration `mapstructure:"write_wait"`
		PongWait       time.Duration `mapstructure:"pong_wait"`
		PingPeriod     time.Duration `mapstructure:"ping_period"`
		MaxMessageSize int64         `mapstructure:"max_message_size"`
		SendBuffer     int           `mapstructure:"send_buffer"`
	} `mapstructure:"ws"`

	Auth struct {
		Mode   string `mapstructure:"mode"` // query | jwt
		Secret string `mapstructure:"secret"`
		Issuer string `mapstructure:"issuer"`
	} `mapstructure:"auth"`

	Kafka struct {
		Enabled bool     `mapstructure:"enabled"`
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`

	v *viper.Viper
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "dev")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("store.driver", "redis")
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.status_key", "users")
	v.SetDefault("redis.conn_count_key", "users:conns")
	v.SetDefault("redis.channel", "presence:events")
	v.SetDefault("bus.driver", "redis")
	v.SetDefault("bus.memory_buffer", 1024)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.subject", "presence.events")
	v.SetDefault("friends.source", "random")
	v.SetDefault("friends.universe", 20)
	v.SetDefault("friends.fanout", 10)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("presence.offline_policy", "any")
	v.SetDefault("presence.store_timeout", 3*time.Second)
	v.SetDefault("presence.bus_timeout", 3*time.Second)
	v.SetDefault("ws.write_wait", 10*time.Second)
	v.SetDefault("ws.pong_wait", 60*time.Second)
	v.SetDefault("ws.ping_period", 30*time.Second)
	v.SetDefault("ws.max_message_size", 64*1024)
	v.SetDefault("ws.send_buffer", 256)
	v.SetDefault("auth.mode", "query")
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "im.presence.changed")

	// 没有默认值的键也要登记，环境变量才能覆盖到
	for _, key := range []string{
		"server.node_id", "redis.url", "redis.password",
		"mysql.dsn", "auth.secret", "auth.issuer",
	} {
		v.SetDefault(key, "")
	}
}

// Load 读取 configs/config.<APP_ENV>.yaml；path 非空时直接用它
// 配置文件不存在时只用默认值和环境变量
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "dev"
	}
	v.Set("env", env)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(fmt.Sprintf("config.%s", env))
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath("../../configs")
	}
	v.SetConfigType("yaml")

	// PRESENCE_REDIS_ADDR -> redis.addr
	v.SetEnvPrefix("PRESENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	// 老部署方式只认这两个变量
	if url := os.Getenv("REDIS_URL"); url != "" {
		v.Set("redis.url", url)
	}
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("配置错误：PORT 不是数字: %q", port)
		}
		v.Set("server.port", p)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.v = v

	if cfg.Server.NodeID == "" {
		host, _ := os.Hostname()
		cfg.Server.NodeID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Sub 取子树交给其他组件解析（例如 log），不存在时返回 nil
func (c *Config) Sub(key string) *viper.Viper {
	if c.v == nil {
		return nil
	}
	return c.v.Sub(key)
}

// Validate 严格校验
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("配置错误：server.port 非法: %d", c.Server.Port)
	}

	switch c.Store.Driver {
	case "redis", "memory":
	default:
		return fmt.Errorf("配置错误：store.driver 只能是 redis/memory，当前为 %q", c.Store.Driver)
	}

	switch c.Bus.Driver {
	case "redis", "nats", "memory":
	default:
		return fmt.Errorf("配置错误：bus.driver 只能是 redis/nats/memory，当前为 %q", c.Bus.Driver)
	}
	if c.Bus.Driver == "nats" && c.NATS.URL == "" {
		return fmt.Errorf("配置错误：bus.driver 为 nats 时 nats.url 不能为空")
	}

	switch c.Friends.Source {
	case "random", "deterministic":
	case "mysql":
		if c.Mysql.DSN == "" {
			return fmt.Errorf("配置错误：friends.source 为 mysql 时 mysql.dsn 不能为空")
		}
	default:
		return fmt.Errorf("配置错误：friends.source 只能是 random/deterministic/mysql，当前为 %q", c.Friends.Source)
	}

	switch c.Presence.OfflinePolicy {
	case "any", "last":
	default:
		return fmt.Errorf("配置错误：presence.offline_policy 只能是 any/last，当前为 %q", c.Presence.OfflinePolicy)
	}
	if c.Presence.StoreTimeout < 0 || c.Presence.BusTimeout < 0 {
		return fmt.Errorf("配置错误：presence 超时不能为负数")
	}

	switch c.Auth.Mode {
	case "query":
	case "jwt":
		if c.Auth.Secret == "" {
			return fmt.Errorf("配置错误：auth.mode 为 jwt 时 auth.secret 不能为空")
		}
	default:
		return fmt.Errorf("配置错误：auth.mode 只能是 query/jwt，当前为 %q", c.Auth.Mode)
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("配置错误：kafka.enabled 为 true 时 kafka.brokers 不能为空")
	}

	if c.WS.PingPeriod >= c.WS.PongWait {
		return fmt.Errorf("配置错误：ws.ping_period 必须小于 ws.pong_wait")
	}
	return nil
}

// NeedsRedis 存储或总线任一使用 Redis
func (c *Config) NeedsRedis() bool {
	return c.Store.Driver == "redis" || c.Bus.Driver == "redis"
}
