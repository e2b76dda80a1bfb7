package zlog

import (
	"fmt"

	"github.com/spf13/viper" // 配置管理工具库
)

// FileConfig 本地轮转文件策略
// tag 被 viper 用来匹配字段
type FileConfig struct {
	Path       string `mapstructure:"path"`        // 日志文件路径，为空则不落盘
	MaxSizeMB  int    `mapstructure:"max_size"`    // 单个日志文件最大容量（MB）
	MaxBackups int    `mapstructure:"max_backups"` // 保留旧文件数量
	MaxAgeDay  int    `mapstructure:"max_age"`     // 最长保存天数
	Compress   bool   `mapstructure:"compress"`    // 是否压缩旧日志文件
}

// Config 日志配置
type Config struct {
	Service      string     `mapstructure:"service"`       // 归属服务名
	Level        string     `mapstructure:"level"`         // 日志级别，debug|info|warn|error
	Encoding     string     `mapstructure:"encoding"`      // 输出格式，json|console
	Stdout       bool       `mapstructure:"stdout"`        // 是否输出到控制台
	File         FileConfig `mapstructure:"file"`          // 文件相关配置
	EnableMetric bool       `mapstructure:"enable_metric"` // 是否上报 Prometheus 指标
}

// DefaultConfig 不读任何配置时使用的默认值
func DefaultConfig(service string) Config {
	return Config{
		Service:      service,
		Level:        "info",
		Encoding:     "json",
		Stdout:       true,
		EnableMetric: true,
	}
}

// Load 从服务配置的 log 子树里解析日志配置，v 为 nil 时全部走默认值
func Load(v *viper.Viper, service string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	// 找不到配置项时回落到 ZLOG_ 前缀的环境变量
	v.SetEnvPrefix("ZLOG")
	v.AutomaticEnv()

	def := DefaultConfig(service)
	v.SetDefault("service", def.Service)
	v.SetDefault("level", def.Level)
	v.SetDefault("encoding", def.Encoding)
	v.SetDefault("stdout", def.Stdout)
	v.SetDefault("file.max_size", 100)
	v.SetDefault("file.max_backups", 30)
	v.SetDefault("file.max_age", 7)
	v.SetDefault("enable_metric", def.EnableMetric)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析日志配置失败：%w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 严格校验
func (cfg *Config) Validate() error {
	if cfg.Service == "" {
		return fmt.Errorf("配置错误：service 不能为空")
	}

	switch cfg.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("配置错误：level 只能是 debug/info/warn/error，当前为 %q", cfg.Level)
	}

	switch cfg.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("配置错误：encoding 只能是 json/console，当前为 %q", cfg.Encoding)
	}

	if !cfg.Stdout && cfg.File.Path == "" {
		return fmt.Errorf("配置错误：stdout 为 false 时，file.path 不能为空")
	}

	if cfg.File.Path != "" {
		if cfg.File.MaxSizeMB <= 0 {
			cfg.File.MaxSizeMB = 100
		}
		if cfg.File.MaxBackups < 0 {
			cfg.File.MaxBackups = 30
		}
		if cfg.File.MaxAgeDay < 0 {
			cfg.File.MaxAgeDay = 7
		}
	}
	return nil
}
