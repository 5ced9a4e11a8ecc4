// Package rpc 实现 NIP-55 桥接的传输编解码与客户端 Channel。
//
// 两种 codec 共享同一契约：连接 → 写一个请求 → 读恰好一个响应。
// 远端错误统一以 gRPC status 形式返回，Channel 再将其映射为 apierrors 类别。
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/aegis-sign/nip55-bridge/pkg/config"
	"github.com/aegis-sign/nip55-bridge/pkg/wire"
)

// ErrMalformedFrame 表示响应帧或信封无法解析，连接状态不可信。
var ErrMalformedFrame = errors.New("malformed frame")

// ErrFrameTooLarge 表示收到的帧长度超过上限，流位置已不可信。
var ErrFrameTooLarge = fmt.Errorf("%w: frame exceeds size limit", ErrMalformedFrame)

// Handler 处理一次已解帧的调用。实现必须允许被多个连接并发调用。
type Handler interface {
	HandleRaw(ctx context.Context, method wire.Method, payload []byte) ([]byte, error)
}

// HandlerFunc 把函数适配为 Handler。
type HandlerFunc func(ctx context.Context, method wire.Method, payload []byte) ([]byte, error)

// HandleRaw 调用 f。
func (f HandlerFunc) HandleRaw(ctx context.Context, method wire.Method, payload []byte) ([]byte, error) {
	return f(ctx, method, payload)
}

// ClientConn 是建立在单条 net.Conn 上的请求/响应通道。
type ClientConn interface {
	Call(ctx context.Context, method wire.Method, payload []byte) ([]byte, error)
	Close() error
}

// Codec 决定请求在字节流上的成帧方式。
type Codec interface {
	Name() string
	// NewClient 接管 conn 的所有权，Close 时一并关闭。
	NewClient(conn net.Conn) (ClientConn, error)
	// Serve 在 lis 上接受连接直至 ctx 结束或 lis 关闭，每条连接独立处理。
	Serve(ctx context.Context, lis net.Listener, h Handler) error
}

// NewCodec 按 cfg.Codec 构造 codec。
func NewCodec(cfg config.Config, logger *slog.Logger) (Codec, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch strings.ToLower(cfg.Codec) {
	case "", config.CodecGRPC:
		return newGRPCCodec(cfg, logger), nil
	case config.CodecFrame:
		return newFrameCodec(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unsupported codec %q", cfg.Codec)
	}
}
