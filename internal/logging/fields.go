package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// FetchFields 提供 key/命中层级字段，供图片请求日志复用。
func FetchFields(key, tier string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"key":       key,
		"tier":      tier,
		"cache_hit": cacheHit,
	}
}

// HTTPFields 提供 HTTP 入口的请求 ID/方法/路径字段。
func HTTPFields(requestID, method, path string) logrus.Fields {
	return logrus.Fields{
		"request_id": requestID,
		"method":     method,
		"path":       path,
	}
}
