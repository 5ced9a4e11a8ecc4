package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/proto"

	"github.com/aegis-sign/nip55-bridge/pkg/config"
	"github.com/aegis-sign/nip55-bridge/pkg/wire"
)

// gracefulStopTimeout 限制关闭时等待在飞 RPC 的时间。
const gracefulStopTimeout = 2 * time.Second

var errConnConsumed = errors.New("signer connection already consumed")

// rawCodec 以 "proto" 名义透传已编码的 protobuf 字节，其余 proto.Message（如 health）照常编解码。
type rawCodec struct{}

func (rawCodec) Name() string { return "proto" }

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	switch m := v.(type) {
	case *[]byte:
		return *m, nil
	case []byte:
		return m, nil
	case proto.Message:
		return proto.Marshal(m)
	default:
		return nil, fmt.Errorf("raw codec: cannot marshal %T", v)
	}
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	switch m := v.(type) {
	case *[]byte:
		*m = append([]byte(nil), data...)
		return nil
	case proto.Message:
		return proto.Unmarshal(data, m)
	default:
		return fmt.Errorf("raw codec: cannot unmarshal into %T", v)
	}
}

type grpcCodec struct {
	cfg    config.Config
	logger *slog.Logger
	// idleTimeout 为 0 时关闭 gRPC 空闲模式。进入空闲会关闭唯一的 conn，退出时拨号器无法再交出连接。
	idleTimeout time.Duration
}

func newGRPCCodec(cfg config.Config, logger *slog.Logger) *grpcCodec {
	return &grpcCodec{cfg: cfg, logger: logger}
}

func (c *grpcCodec) Name() string { return config.CodecGRPC }

// NewClient 在已建立的 conn 上创建 gRPC 客户端。拨号器只交出 conn 一次，
// 之后 gRPC 的重连会失败并以 Unavailable 结束调用，由 Channel 负责重建。
func (c *grpcCodec) NewClient(conn net.Conn) (ClientConn, error) {
	var consumed atomic.Bool
	dialer := func(context.Context, string) (net.Conn, error) {
		if consumed.Swap(true) {
			return nil, errConnConsumed
		}
		return conn, nil
	}
	cc, err := grpc.NewClient("passthrough:///nip55",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(dialer),
		grpc.WithIdleTimeout(c.idleTimeout),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                c.cfg.KeepaliveTime,
			Timeout:             c.cfg.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(rawCodec{}),
			grpc.MaxCallRecvMsgSize(c.cfg.MaxFrameSize),
			grpc.MaxCallSendMsgSize(c.cfg.MaxFrameSize),
		),
		grpc.WithDisableRetry(),
	)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &grpcClient{cc: cc, conn: conn, consumed: &consumed}, nil
}

type grpcClient struct {
	cc       *grpc.ClientConn
	conn     net.Conn
	consumed *atomic.Bool
}

func (c *grpcClient) Call(ctx context.Context, method wire.Method, payload []byte) ([]byte, error) {
	var out []byte
	if err := c.cc.Invoke(ctx, string(method), &payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *grpcClient) Close() error {
	err := c.cc.Close()
	// 拨号器从未被调用时 conn 仍归我们所有。
	if !c.consumed.Swap(true) {
		_ = c.conn.Close()
	}
	return err
}

// Serve 运行 gRPC 服务，附带标准 health 服务。
func (c *grpcCodec) Serve(ctx context.Context, lis net.Listener, h Handler) error {
	srv := grpc.NewServer(
		grpc.ForceServerCodec(rawCodec{}),
		grpc.MaxRecvMsgSize(c.cfg.MaxFrameSize),
		grpc.MaxSendMsgSize(c.cfg.MaxFrameSize),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    c.cfg.KeepaliveTime,
			Timeout: c.cfg.KeepaliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             c.cfg.KeepaliveTime / 2,
			PermitWithoutStream: true,
		}),
	)
	srv.RegisterService(serviceDesc(), h)
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(srv, healthSrv)
	healthSrv.SetServingStatus(wire.ServiceName, healthpb.HealthCheckResponse_SERVING)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		healthSrv.Shutdown()
		stopped := make(chan struct{})
		go func() {
			srv.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(gracefulStopTimeout):
			c.logger.Warn("graceful stop timed out, forcing", slog.String("addr", lis.Addr().String()))
			srv.Stop()
		}
	}()

	err := srv.Serve(lis)
	if err != nil && !errors.Is(err, grpc.ErrServerStopped) && ctx.Err() == nil {
		return err
	}
	return nil
}

// serviceDesc 根据方法表生成服务描述，所有方法都转交给 Handler.HandleRaw。
func serviceDesc() *grpc.ServiceDesc {
	desc := &grpc.ServiceDesc{
		ServiceName: wire.ServiceName,
		HandlerType: (*Handler)(nil),
		Metadata:    "nip55.proto",
	}
	for _, m := range wire.Methods() {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: m.Name(),
			Handler:    unaryHandler(m),
		})
	}
	return desc
}

func unaryHandler(method wire.Method) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		var in []byte
		if err := dec(&in); err != nil {
			return nil, err
		}
		h := srv.(Handler)
		call := func(ctx context.Context, req interface{}) (interface{}, error) {
			out, err := h.HandleRaw(ctx, method, *req.(*[]byte))
			if err != nil {
				return nil, err
			}
			return &out, nil
		}
		if interceptor == nil {
			return call(ctx, &in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: string(method)}
		return interceptor(ctx, &in, info, call)
	}
}
