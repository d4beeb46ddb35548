package domain

import (
	"errors"
	"fmt"
)

// ErrorKind 流水线错误分类
type ErrorKind string

const (
	KindIO         ErrorKind = "io"         // 文件不可读/不可写
	KindFormat     ErrorKind = "format"     // 归档、载荷头或清单格式不符
	KindProtection ErrorKind = "protection" // 逻辑前置条件不满足
	KindCrypto     ErrorKind = "crypto"     // 密钥派生或加密失败
	KindSigning    ErrorKind = "signing"    // 签名身份无效或签名失败
	KindCancelled  ErrorKind = "cancelled"  // 调用方取消
)

// Error 带分类的流水线错误
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 同类错误视为相等，便于 errors.Is(err, &Error{Kind: KindFormat})
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func IOError(op string, err error) error {
	return newError(KindIO, op, err)
}

func FormatError(op string, format string, args ...interface{}) error {
	return newError(KindFormat, op, fmt.Errorf(format, args...))
}

func ProtectionError(op string, format string, args ...interface{}) error {
	return newError(KindProtection, op, fmt.Errorf(format, args...))
}

func CryptoError(op string, err error) error {
	return newError(KindCrypto, op, err)
}

func SigningError(op string, err error) error {
	return newError(KindSigning, op, err)
}

func CancelledError(op string, err error) error {
	return newError(KindCancelled, op, err)
}

// WrapFormat 将底层解析错误包装为 FormatError
func WrapFormat(op string, err error) error {
	return newError(KindFormat, op, err)
}

// KindOf 返回错误链中第一个分类错误的类型，未分类返回空
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind 判断错误链中是否包含指定分类
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// FailureTypeFor 将错误分类映射为任务失败类型
func FailureTypeFor(err error) FailureType {
	switch KindOf(err) {
	case KindIO:
		return FailureTypeIOError
	case KindFormat:
		return FailureTypeFormatError
	case KindProtection:
		return FailureTypeProtectionError
	case KindCrypto:
		return FailureTypeCryptoError
	case KindSigning:
		return FailureTypeSigningError
	case KindCancelled:
		return FailureTypeCancelled
	default:
		return FailureTypeUnknown
	}
}
