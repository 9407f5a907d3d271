package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// TransactionFields 描述一次请求事务，网络层与缓存层共用。
func TransactionFields(id, method, url string) logrus.Fields {
	return logrus.Fields{
		"txn_id": id,
		"method": method,
		"url":    url,
	}
}

// CacheFields 提供缓存键、缓存模式与事务读写模式字段。
func CacheFields(key, cacheMode, txnMode string) logrus.Fields {
	return logrus.Fields{
		"cache_key":  key,
		"cache_mode": cacheMode,
		"txn_mode":   txnMode,
	}
}

// RequestFields 提供前端请求的目标、来源与命中状态字段。
func RequestFields(requestID, target, remote string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"request_id": requestID,
		"target":     target,
		"remote":     remote,
		"cache_hit":  cacheHit,
	}
}
