package config

import (
	"errors"
	"fmt"
)

// FieldError 指出配置文件里出错的字段。serve、-fetch 与 -check-config 三种运行方式加载配置时都会返回它，
// main 直接把 Error() 打印给用户。
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Is 按字段匹配：errors.Is(err, FieldError{Field: "Global.RedisAddr"}) 不关心具体原因。
func (e FieldError) Is(target error) bool {
	var t FieldError
	if !errors.As(target, &t) {
		return false
	}
	return t.Field == e.Field && (t.Reason == "" || t.Reason == e.Reason)
}

func newFieldError(field, reason string) error {
	return FieldError{Field: field, Reason: reason}
}

// globalField 返回顶层参数的字段路径，TOML 中它们直接写在文件根部。
func globalField(name string) string {
	return "Global." + name
}

// credentialField 返回 [[Credential]] 条目的字段路径；host 为空时用下标占位。
func credentialField(host, field string) string {
	if host == "" {
		return fmt.Sprintf("Credential[].%s", field)
	}
	return fmt.Sprintf("Credential[%s].%s", host, field)
}
