// Package proxy 是嵌在外部 signer 旁的服务端适配器：监听 abstract socket，
// 将每个请求解码后交给注入的 Callback，再把结果或失败状态写回客户端。
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/status"

	"github.com/aegis-sign/nip55-bridge/internal/rpc"
	"github.com/aegis-sign/nip55-bridge/internal/transport"
	"github.com/aegis-sign/nip55-bridge/pkg/apierrors"
	"github.com/aegis-sign/nip55-bridge/pkg/config"
	"github.com/aegis-sign/nip55-bridge/pkg/validator"
	"github.com/aegis-sign/nip55-bridge/pkg/wire"
)

// ErrNotListening 表示在 Listen 之前调用了 Serve。
var ErrNotListening = errors.New("proxy is not listening")

// ErrClosed 表示代理已关闭。
var ErrClosed = errors.New("proxy closed")

// Proxy 在一个 socket 身份上接受连接，并把请求分派给 Callback。
type Proxy struct {
	name      string
	endpoint  transport.Endpoint
	cfg       config.Config
	callback  Callback
	codec     rpc.Codec
	logger    *slog.Logger
	metrics   *Metrics
	limiter   *rate.Limiter
	allowUIDs map[uint32]struct{}

	mu        sync.Mutex
	lis       net.Listener
	cancel    context.CancelFunc
	closed    bool
	conns     map[string]*trackedConn
	startedAt time.Time
	inFlight  atomic.Int64
}

// Option 自定义 Proxy。
type Option func(*Proxy)

// WithLogger 注入 slog Logger。
func WithLogger(l *slog.Logger) Option {
	return func(p *Proxy) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithRegisterer 指定 Prometheus 注册器。
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(p *Proxy) { p.metrics = NewMetrics(reg) }
}

// WithConfig 整体替换配置。
func WithConfig(cfg config.Config) Option {
	return func(p *Proxy) { p.cfg = cfg }
}

// WithCodec 选择 "grpc" 或 "frame"，必须与客户端一致。
func WithCodec(name string) Option {
	return func(p *Proxy) { p.cfg.Codec = name }
}

// WithEndpoint 覆盖由逻辑名派生的地址。
func WithEndpoint(raw string) Option {
	return func(p *Proxy) { p.cfg.Endpoint = raw }
}

// New 为逻辑名 uniqueName 创建代理。callback 在整个生命周期内共享。
func New(uniqueName string, callback Callback, opts ...Option) (*Proxy, error) {
	if callback == nil {
		return nil, errors.New("proxy callback is required")
	}
	p := &Proxy{
		name:     uniqueName,
		cfg:      config.DefaultConfig(),
		callback: callback,
		logger:   slog.Default(),
		conns:    make(map[string]*trackedConn),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	cfg, err := p.cfg.Normalize()
	if err != nil {
		return nil, err
	}
	p.cfg = cfg
	if cfg.Endpoint != "" {
		p.endpoint, err = transport.ParseEndpoint(cfg.Endpoint)
	} else {
		var id transport.Identity
		id, err = transport.Resolve(uniqueName)
		p.endpoint = id.Endpoint()
	}
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindTransport, "New", err)
	}
	if p.codec, err = rpc.NewCodec(cfg, p.logger); err != nil {
		return nil, err
	}
	if p.metrics == nil {
		p.metrics = NewMetrics(nil)
	}
	if cfg.RateLimit > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}
	if len(cfg.AllowUIDs) > 0 {
		p.allowUIDs = make(map[uint32]struct{}, len(cfg.AllowUIDs))
		for _, uid := range cfg.AllowUIDs {
			p.allowUIDs[uid] = struct{}{}
		}
	}
	return p, nil
}

// Addr 返回监听地址。
func (p *Proxy) Addr() string { return p.endpoint.String() }

// Listen 绑定 socket。地址已被占用时返回 KindTransport。
func (p *Proxy) Listen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return apierrors.Wrap(apierrors.KindTransport, "Listen", ErrClosed)
	}
	if p.lis != nil {
		return nil
	}
	lis, err := transport.Listen(p.endpoint)
	if err != nil {
		return apierrors.Wrap(apierrors.KindTransport, "Listen", err)
	}
	p.lis = &trackingListener{Listener: lis, proxy: p}
	p.logger.Info("nip55 proxy listening",
		slog.String("signer", p.name),
		slog.String("addr", p.endpoint.String()),
		slog.String("codec", p.codec.Name()))
	return nil
}

// Serve 接受连接直至 ctx 结束或 Close 被调用。每条连接独立并发处理。
func (p *Proxy) Serve(ctx context.Context) error {
	p.mu.Lock()
	lis := p.lis
	if p.closed {
		p.mu.Unlock()
		return apierrors.Wrap(apierrors.KindTransport, "Serve", ErrClosed)
	}
	if lis == nil {
		p.mu.Unlock()
		return apierrors.Wrap(apierrors.KindTransport, "Serve", ErrNotListening)
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.startedAt = time.Now()
	p.mu.Unlock()
	defer cancel()

	if err := p.codec.Serve(ctx, lis, p); err != nil {
		return apierrors.Wrap(apierrors.KindIO, "Serve", err)
	}
	p.logger.Info("nip55 proxy stopped", slog.String("signer", p.name))
	return nil
}

// Run 等价于 Listen 后 Serve。
func (p *Proxy) Run(ctx context.Context) error {
	if err := p.Listen(); err != nil {
		return err
	}
	return p.Serve(ctx)
}

// Close 停止接受新连接并关闭已有连接。
func (p *Proxy) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.cancel != nil {
		p.cancel()
	}
	if p.lis != nil {
		if err := p.lis.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
	}
	return nil
}

// HandleRaw 实现 rpc.Handler：解码、校验、限流、调用 Callback、编码。
func (p *Proxy) HandleRaw(ctx context.Context, method wire.Method, payload []byte) ([]byte, error) {
	start := time.Now()
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	out, err := p.handle(ctx, method, payload)
	p.metrics.observeRequest(p.name, method.Name(), status.Code(err).String(), time.Since(start))
	return out, err
}

func (p *Proxy) handle(ctx context.Context, method wire.Method, payload []byte) ([]byte, error) {
	op := method.Name()
	req, err := wire.NewRequest(method)
	if err != nil {
		return nil, apierrors.New(apierrors.KindUnsupported, err.Error()).WithOp(op)
	}
	if err := req.Unmarshal(payload); err != nil {
		return nil, apierrors.Wrap(apierrors.KindInvalidArgument, op, err)
	}
	if p.limiter != nil && !p.limiter.Allow() {
		return nil, apierrors.New(apierrors.KindRateLimited, "too many signer requests").WithOp(op)
	}

	var reply wire.Message
	switch r := req.(type) {
	case *wire.IsExternalSignerInstalledRequest:
		installed, err := p.callback.IsExternalSignerInstalled(ctx)
		if err != nil {
			return nil, p.callbackError(op, err)
		}
		reply = &wire.IsExternalSignerInstalledReply{Installed: installed}
	case *wire.GetPublicKeyRequest:
		pk, err := p.callback.GetPublicKey(ctx)
		if err != nil {
			return nil, p.callbackError(op, err)
		}
		reply = &wire.GetPublicKeyReply{PublicKey: pk}
	case *wire.SignEventRequest:
		if err := validator.ValidateSignEvent(r); err != nil {
			return nil, apierrors.Wrap(apierrors.KindInvalidArgument, op, err)
		}
		signed, err := p.callback.SignEvent(ctx, r.UnsignedEvent, r.CurrentUserPublicKey)
		if err != nil {
			return nil, p.callbackError(op, err)
		}
		reply = &wire.SignEventReply{Event: signed}
	case *wire.Nip04EncryptRequest:
		nip04, ok := p.callback.(Nip04Callback)
		if !ok {
			return nil, apierrors.New(apierrors.KindUnsupported, "nip04 is not supported by this signer").WithOp(op)
		}
		if err := validator.ValidateEncrypt("nip04_encrypt", r); err != nil {
			return nil, apierrors.Wrap(apierrors.KindInvalidArgument, op, err)
		}
		ciphertext, err := nip04.Nip04Encrypt(ctx, r.CurrentUserPublicKey, r.OtherPublicKey, r.Plaintext)
		if err != nil {
			return nil, p.callbackError(op, err)
		}
		reply = &wire.Nip04EncryptReply{Ciphertext: ciphertext}
	case *wire.Nip04DecryptRequest:
		nip04, ok := p.callback.(Nip04Callback)
		if !ok {
			return nil, apierrors.New(apierrors.KindUnsupported, "nip04 is not supported by this signer").WithOp(op)
		}
		if err := validator.ValidateDecrypt("nip04_decrypt", r); err != nil {
			return nil, apierrors.Wrap(apierrors.KindInvalidArgument, op, err)
		}
		plaintext, err := nip04.Nip04Decrypt(ctx, r.CurrentUserPublicKey, r.OtherPublicKey, r.Ciphertext)
		if err != nil {
			return nil, p.callbackError(op, err)
		}
		reply = &wire.Nip04DecryptReply{Plaintext: plaintext}
	default:
		return nil, apierrors.New(apierrors.KindUnsupported, fmt.Sprintf("unhandled request %T", req)).WithOp(op)
	}
	return reply.Marshal()
}

// callbackError 保留 Callback 给出的类别，其余错误归为 KindCallback。
func (p *Proxy) callbackError(op string, err error) error {
	p.logger.Warn("signer callback failed", slog.String("signer", p.name), slog.String("op", op), slog.Any("err", err))
	if apiErr, ok := apierrors.FromError(err); ok {
		out := *apiErr
		if out.Op == "" {
			out.Op = op
		}
		return &out
	}
	return apierrors.Wrap(apierrors.KindCallback, op, err)
}
