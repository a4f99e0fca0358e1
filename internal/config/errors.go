package config

import (
	"errors"
	"fmt"
)

// ErrInvalid 被所有校验错误包装，调用方可用 errors.Is 区分配置问题与 I/O 问题。
var ErrInvalid = errors.New("invalid config")

// FieldError 记录出错字段的路径（如 Hub[hf].Upstream）与原因。
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *FieldError) Unwrap() error {
	return ErrInvalid
}

func newFieldError(field, reason string) error {
	return &FieldError{Field: field, Reason: reason}
}

// wrapFieldError 把底层校验错误挂到字段路径上。
func wrapFieldError(field string, err error) error {
	return &FieldError{Field: field, Reason: err.Error()}
}

func hubField(name, field string) string {
	if name == "" {
		return "Hub[]." + field
	}
	return fmt.Sprintf("Hub[%s].%s", name, field)
}
