package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/any-hub/image-hub/internal/cache"
)

// 默认值与 SetDefault 保持一致，供零值回填使用。
const (
	defaultListenPort         = 5000
	defaultFetchTimeout       = 30 * time.Second
	defaultMaxBodySize        = 20 << 20
	defaultMemoryCacheEntries = 100
	defaultMemoryCacheSize    = 64 << 20
	defaultDiskWorkers        = 8
	defaultDispatchBuffer     = 256
	defaultMaxImagePixels     = 25_000_000
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	hooks := mapstructure.ComposeDecodeHookFunc(durationDecodeHook(), byteSizeDecodeHook())
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hooks)); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := applyGlobalDefaults(&cfg.Global); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", defaultListenPort)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "")
	v.SetDefault("FetchTimeout", "30s")
	v.SetDefault("MaxBodySize", "20MiB")
	v.SetDefault("MemoryCacheEntries", defaultMemoryCacheEntries)
	v.SetDefault("MemoryCacheSize", "64MiB")
	v.SetDefault("DiskWorkers", defaultDiskWorkers)
	v.SetDefault("DispatchBuffer", defaultDispatchBuffer)
	v.SetDefault("MaxImagePixels", defaultMaxImagePixels)
}

func applyGlobalDefaults(g *GlobalConfig) error {
	if g.ListenPort == 0 {
		g.ListenPort = defaultListenPort
	}
	if strings.TrimSpace(g.StoragePath) == "" {
		dir, err := cache.DefaultDir()
		if err != nil {
			return fmt.Errorf("无法确定默认缓存目录: %w", err)
		}
		g.StoragePath = dir
	}
	if g.FetchTimeout.DurationValue() == 0 {
		g.FetchTimeout = Duration(defaultFetchTimeout)
	}
	if g.MaxBodySize == 0 {
		g.MaxBodySize = defaultMaxBodySize
	}
	if g.MemoryCacheSize == 0 {
		g.MemoryCacheSize = defaultMemoryCacheSize
	}
	if g.DiskWorkers == 0 {
		g.DiskWorkers = defaultDiskWorkers
	}
	if g.DispatchBuffer == 0 {
		g.DispatchBuffer = defaultDispatchBuffer
	}
	if g.MaxImagePixels == 0 {
		g.MaxImagePixels = defaultMaxImagePixels
	}
	return nil
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(ByteSize(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			parsed, err := parseByteSize(v)
			if err != nil {
				return nil, fmt.Errorf("无法解析容量字段: %s", v)
			}
			return parsed, nil
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		case float64:
			return ByteSize(v), nil
		case ByteSize:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的容量类型: %T", v)
		}
	}
}
