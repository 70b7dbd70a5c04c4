package config

import (
	"errors"
	"strings"

	"github.com/sirupsen/logrus"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError(globalField("ListenPort"), "必须在 1-65535")
	}
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError(globalField("LogLevel"), "仅支持 trace/debug/info/warn/error/fatal/panic")
	}
	if g.LogMaxSize < 0 || g.LogMaxBackups < 0 {
		return newFieldError(globalField("LogMaxSize/LogMaxBackups"), "不能为负数")
	}
	if strings.TrimSpace(g.StoragePath) == "" {
		return newFieldError(globalField("StoragePath"), "不能为空")
	}
	if g.FetchTimeout.DurationValue() <= 0 {
		return newFieldError(globalField("FetchTimeout"), "必须大于 0")
	}
	if g.MaxBodySize <= 0 {
		return newFieldError(globalField("MaxBodySize"), "必须大于 0")
	}
	if g.MaxImagePixels <= 0 {
		return newFieldError(globalField("MaxImagePixels"), "必须大于 0")
	}
	if g.MemoryCacheEntries < 0 {
		return newFieldError(globalField("MemoryCacheEntries"), "不能为负数，0 表示关闭内存层")
	}
	if g.MemoryCacheSize < 0 {
		return newFieldError(globalField("MemoryCacheSize"), "不能为负数")
	}
	if g.DiskWorkers <= 0 {
		return newFieldError(globalField("DiskWorkers"), "必须大于 0")
	}
	if g.DispatchBuffer < 0 {
		return newFieldError(globalField("DispatchBuffer"), "不能为负数")
	}

	return nil
}
