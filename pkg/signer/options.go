package signer

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aegis-sign/nip55-bridge/pkg/config"
)

type options struct {
	logger     *slog.Logger
	registerer prometheus.Registerer
	cfg        config.Config
}

// Option 自定义 Signer 行为。默认值无需任何配置即可工作。
type Option func(*options)

// WithLogger 注入 slog Logger。
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer 指定 Prometheus 注册器。
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithConfig 整体替换配置。
func WithConfig(cfg config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithCallTimeout 设置单次调用的总超时。
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) { o.cfg.CallTimeout = d }
}

// WithCodec 选择 "grpc" 或 "frame"。
func WithCodec(name string) Option {
	return func(o *options) { o.cfg.Codec = name }
}

// WithEndpoint 覆盖由逻辑名派生的地址，例如 "vsock://3:5000"。
func WithEndpoint(raw string) Option {
	return func(o *options) { o.cfg.Endpoint = raw }
}
