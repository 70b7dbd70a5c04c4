package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if seconds, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// ByteSize 接受纯数字字节数或 "64MB"、"512KiB" 这类可读写法。
type ByteSize int64

// UnmarshalText 通过 go-humanize 解析带单位的容量字符串。
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := parseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Int64 返回字节数。
func (b ByteSize) Int64() int64 {
	return int64(b)
}

// String 输出可读容量，例如 "64 MB"。
func (b ByteSize) String() string {
	if b < 0 {
		return strconv.FormatInt(int64(b), 10)
	}
	return humanize.Bytes(uint64(b))
}

func parseByteSize(raw string) (ByteSize, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return ByteSize(n), nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size value: %s", raw)
	}
	return ByteSize(n), nil
}

// GlobalConfig 描述进程级运行参数：日志、磁盘缓存、内存层与回源行为。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	StoragePath string `mapstructure:"StoragePath"`

	FetchTimeout Duration `mapstructure:"FetchTimeout"`
	MaxBodySize  ByteSize `mapstructure:"MaxBodySize"`
	UserAgent    string   `mapstructure:"UserAgent"`

	MaxImagePixels int64 `mapstructure:"MaxImagePixels"`

	MemoryCacheEntries int      `mapstructure:"MemoryCacheEntries"`
	MemoryCacheSize    ByteSize `mapstructure:"MemoryCacheSize"`

	DiskWorkers    int `mapstructure:"DiskWorkers"`
	DispatchBuffer int `mapstructure:"DispatchBuffer"`
}

// MemoryCacheEnabled 表示是否启用解码图片内存层，MemoryCacheEntries 为 0 时关闭。
func (g GlobalConfig) MemoryCacheEnabled() bool {
	return g.MemoryCacheEntries > 0
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
}
