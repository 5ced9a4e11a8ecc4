package rpc

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc/status"

	"github.com/aegis-sign/nip55-bridge/internal/lazy"
	"github.com/aegis-sign/nip55-bridge/internal/transport"
	"github.com/aegis-sign/nip55-bridge/pkg/apierrors"
	"github.com/aegis-sign/nip55-bridge/pkg/config"
	"github.com/aegis-sign/nip55-bridge/pkg/wire"
)

// ErrChannelClosed 表示 Channel 已关闭。
var ErrChannelClosed = errors.New("signer channel closed")

// ErrBreakerOpen 表示近期连续拨号失败，暂停拨号。
var ErrBreakerOpen = errors.New("signer endpoint circuit open")

// DialFunc 建立到端点的原始连接。
type DialFunc func(ctx context.Context, ep transport.Endpoint) (net.Conn, error)

// Channel 持有到 signer 的唯一连接：首次调用时惰性建立，调用严格串行。
// 超时或 I/O 失败后连接被丢弃，下一次调用重新拨号；调用本身从不重试。
type Channel struct {
	name     string
	endpoint transport.Endpoint
	cfg      config.Config
	codec    Codec
	dial     DialFunc
	logger   *slog.Logger
	metrics  *ClientMetrics
	breaker  *circuitBreaker

	conn   lazy.Cell[ClientConn]
	guard  chan struct{}
	closed atomic.Bool
}

// ChannelOption 自定义 Channel。
type ChannelOption func(*Channel)

// WithLogger 注入 slog Logger。
func WithLogger(l *slog.Logger) ChannelOption {
	return func(c *Channel) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRegisterer 指定 Prometheus 注册器。
func WithRegisterer(reg prometheus.Registerer) ChannelOption {
	return func(c *Channel) { c.metrics = NewClientMetrics(reg) }
}

// WithMetrics 复用已有指标。
func WithMetrics(m *ClientMetrics) ChannelOption {
	return func(c *Channel) { c.metrics = m }
}

// WithCodec 替换 codec，默认按 cfg.Codec 构造。
func WithCodec(codec Codec) ChannelOption {
	return func(c *Channel) { c.codec = codec }
}

// WithDialer 替换底层拨号逻辑。
func WithDialer(d DialFunc) ChannelOption {
	return func(c *Channel) { c.dial = d }
}

// NewChannel 创建 Channel，不会立即拨号。name 用于日志与指标标签。
func NewChannel(name string, ep transport.Endpoint, cfg config.Config, opts ...ChannelOption) (*Channel, error) {
	cfg, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	c := &Channel{
		name:     name,
		endpoint: ep,
		cfg:      cfg,
		dial:     transport.Dial,
		logger:   slog.Default(),
		guard:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.codec == nil {
		if c.codec, err = NewCodec(cfg, c.logger); err != nil {
			return nil, err
		}
	}
	if c.metrics == nil {
		c.metrics = NewClientMetrics(nil)
	}
	if c.dial == nil {
		c.dial = transport.Dial
	}
	c.breaker = newCircuitBreaker(cfg.Breaker.Threshold, cfg.Breaker.Cooldown)
	return c, nil
}

// Endpoint 返回目标端点。
func (c *Channel) Endpoint() transport.Endpoint { return c.endpoint }

// Metrics 返回客户端指标。
func (c *Channel) Metrics() *ClientMetrics { return c.metrics }

// Call 编码 req，发送到 method，并将响应解码到 reply。整个调用受 CallTimeout 约束。
//
// 调用方取消 ctx 时返回 KindIO，errors.Is(err, context.Canceled) 成立；
// ctx 截止或 CallTimeout 到期时返回 KindTimeout。
func (c *Channel) Call(ctx context.Context, method wire.Method, req, reply wire.Message) error {
	start := time.Now()
	err := c.call(ctx, method, req, reply)
	result := "ok"
	if err != nil {
		result = strings.ToLower(string(apierrors.KindOf(err)))
	}
	c.metrics.observeCall(c.name, method.Name(), result, time.Since(start))
	return err
}

func (c *Channel) call(ctx context.Context, method wire.Method, req, reply wire.Message) error {
	op := method.Name()
	if c.closed.Load() {
		return apierrors.Wrap(apierrors.KindTransport, op, ErrChannelClosed)
	}
	payload, err := req.Marshal()
	if err != nil {
		return apierrors.Wrap(apierrors.KindDecode, op, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	conn, err := c.conn.GetOrInit(callCtx, c.connect)
	if err != nil {
		return c.classify(ctx, callCtx, op, err, apierrors.KindTransport)
	}

	select {
	case c.guard <- struct{}{}:
	case <-callCtx.Done():
		return c.classify(ctx, callCtx, op, callCtx.Err(), apierrors.KindIO)
	}
	defer func() { <-c.guard }()

	// 等待期间前一个调用可能已丢弃该连接。
	if cur, ok := c.conn.Load(); !ok || cur != conn {
		if conn, err = c.conn.GetOrInit(callCtx, c.connect); err != nil {
			return c.classify(ctx, callCtx, op, err, apierrors.KindTransport)
		}
	}

	raw, err := conn.Call(callCtx, method, payload)
	if err != nil {
		classified := c.classify(ctx, callCtx, op, err, apierrors.KindIO)
		if poisons(classified) {
			c.discard(conn, classified)
		}
		return classified
	}
	if err := reply.Unmarshal(raw); err != nil {
		return apierrors.Wrap(apierrors.KindDecode, op, err)
	}
	return nil
}

// connect 由 lazy.Cell 调用，所有并发首次调用者共享一次拨号。
func (c *Channel) connect() (ClientConn, error) {
	if c.closed.Load() {
		return nil, ErrChannelClosed
	}
	if !c.breaker.Allow() {
		c.metrics.incConnectFailure(c.name)
		return nil, ErrBreakerOpen
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	defer cancel()
	raw, err := c.dial(ctx, c.endpoint)
	if err != nil {
		c.metrics.incConnectFailure(c.name)
		if c.breaker.Failure() {
			c.logger.Warn("signer endpoint degraded", slog.String("signer", c.name), slog.String("endpoint", c.endpoint.String()))
		}
		return nil, err
	}
	conn, err := c.codec.NewClient(raw)
	if err != nil {
		c.metrics.incConnectFailure(c.name)
		return nil, err
	}
	if c.closed.Load() {
		_ = conn.Close()
		return nil, ErrChannelClosed
	}
	c.breaker.Success()
	c.metrics.incConnect(c.name)
	c.logger.Debug("signer connection established",
		slog.String("signer", c.name),
		slog.String("endpoint", c.endpoint.String()),
		slog.String("codec", c.codec.Name()))
	return conn, nil
}

// classify 将底层错误映射为 apierrors 类别。fallback 用于无法识别的非 status 错误。
func (c *Channel) classify(parent, callCtx context.Context, op string, err error, fallback apierrors.Kind) error {
	if parentErr := parent.Err(); parentErr != nil {
		if errors.Is(parentErr, context.DeadlineExceeded) {
			return apierrors.Wrap(apierrors.KindTimeout, op, parentErr)
		}
		return apierrors.Wrap(apierrors.KindIO, op, parentErr)
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return &apierrors.Error{
			Kind:    apierrors.KindTimeout,
			Op:      op,
			Message: "call timed out after " + c.cfg.CallTimeout.String(),
			Err:     context.DeadlineExceeded,
		}
	}
	if errors.Is(err, ErrMalformedFrame) {
		return apierrors.Wrap(apierrors.KindDecode, op, err)
	}
	if st, ok := status.FromError(err); ok {
		if apiErr := apierrors.FromStatus(op, st); apiErr != nil {
			apiErr.Err = err
			return apiErr
		}
	}
	return apierrors.Wrap(fallback, op, err)
}

// poisons 报告错误之后连接状态是否不再可信。
func poisons(err error) bool {
	switch apierrors.KindOf(err) {
	case apierrors.KindTimeout, apierrors.KindIO, apierrors.KindTransport:
		return true
	case apierrors.KindDecode:
		return errors.Is(err, ErrMalformedFrame)
	default:
		return false
	}
}

func (c *Channel) discard(conn ClientConn, cause error) {
	if !c.conn.CompareAndClear(conn) {
		return
	}
	if err := conn.Close(); err != nil {
		c.logger.Debug("close discarded connection failed", slog.String("signer", c.name), slog.Any("err", err))
	}
	c.logger.Info("signer connection discarded", slog.String("signer", c.name), slog.Any("err", cause))
}

// Close 关闭当前连接并拒绝后续调用。
func (c *Channel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.breaker.Drain()
	conn, ok := c.conn.Load()
	if !ok || !c.conn.CompareAndClear(conn) {
		return nil
	}
	return conn.Close()
}
