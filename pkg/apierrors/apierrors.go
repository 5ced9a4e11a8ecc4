package apierrors

import (
	"errors"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind 表示桥接层统一的错误类别。
type Kind string

const (
	// 客户端可见的错误类别。
	KindIO          Kind = "IO"
	KindTransport   Kind = "TRANSPORT"
	KindStatus      Kind = "STATUS"
	KindDecode      Kind = "DECODE"
	KindKey         Kind = "KEY"
	KindEvent       Kind = "EVENT"
	KindTimeout     Kind = "TIMEOUT"
	KindUnsupported Kind = "UNSUPPORTED"

	// 服务端 callback 与请求校验相关的错误类别。
	KindCallback        Kind = "CALLBACK"
	KindInvalidArgument Kind = "INVALID_ARGUMENT"
	KindRateLimited     Kind = "RATE_LIMITED"
)

var grpcStatusMap = map[Kind]codes.Code{
	KindInvalidArgument: codes.InvalidArgument,
	KindDecode:          codes.InvalidArgument,
	KindKey:             codes.InvalidArgument,
	KindEvent:           codes.InvalidArgument,
	KindUnsupported:     codes.Unimplemented,
	KindRateLimited:     codes.ResourceExhausted,
	KindTimeout:         codes.DeadlineExceeded,
	KindCallback:        codes.Internal,
}

// Error 表示带类别的桥接错误，原始错误通过 Unwrap 保留。
type Error struct {
	Kind    Kind
	Op      string
	Message string
	// Code 仅在 KindStatus 下有意义，记录远端返回的 gRPC code。
	Code codes.Code
	Err  error
}

// New 创建一个新的错误。
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap 用指定类别包装底层错误，err 为 nil 时返回 nil。
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithOp 设置操作名，返回自身方便链式调用。
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	parts := make([]string, 0, 3)
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	if len(parts) == 0 {
		return string(e.Kind)
	}
	return strings.Join(parts, ": ")
}

// Unwrap 暴露底层错误。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// GRPCStatus 让 status.FromError/Convert 直接识别该错误。
func (e *Error) GRPCStatus() *status.Status {
	if e == nil {
		return nil
	}
	code := GRPCCode(e.Kind)
	if e.Kind == KindStatus && e.Code != codes.OK {
		code = e.Code
	}
	msg := e.Message
	if msg == "" {
		msg = e.Error()
	}
	return status.New(code, msg)
}

// FromError 尝试从通用 error 中解析桥接错误。
func FromError(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// KindOf 返回错误类别，非桥接错误返回空字符串。
func KindOf(err error) Kind {
	if apiErr, ok := FromError(err); ok {
		return apiErr.Kind
	}
	return ""
}

// IsKind 判断 err 链上是否存在指定类别的错误。
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// GRPCCode 返回对应的 gRPC code，未知类别默认 Internal。
func GRPCCode(kind Kind) codes.Code {
	if code, ok := grpcStatusMap[kind]; ok {
		return code
	}
	return codes.Internal
}

// FromStatus 将远端返回的 status 转换为客户端错误。
func FromStatus(op string, st *status.Status) *Error {
	if st == nil || st.Code() == codes.OK {
		return nil
	}
	switch st.Code() {
	case codes.Unimplemented:
		return &Error{Kind: KindUnsupported, Op: op, Message: st.Message(), Code: st.Code()}
	case codes.Unavailable:
		return &Error{Kind: KindIO, Op: op, Message: st.Message(), Code: st.Code()}
	default:
		return &Error{Kind: KindStatus, Op: op, Message: st.Message(), Code: st.Code()}
	}
}
