package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/aegis-sign/nip55-bridge/internal/localsigner"
	"github.com/aegis-sign/nip55-bridge/internal/rpc"
	"github.com/aegis-sign/nip55-bridge/internal/transport"
	"github.com/aegis-sign/nip55-bridge/pkg/apierrors"
	"github.com/aegis-sign/nip55-bridge/pkg/config"
	"github.com/aegis-sign/nip55-bridge/pkg/wire"
)

var codecNames = []string{config.CodecGRPC, config.CodecFrame}

func uniqueName(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("test_%d_%s", os.Getpid(), t.Name())
}

// basicCallback 只实现必需的三个方法。
type basicCallback struct {
	signErr error
	barrier *sync.WaitGroup
}

func (c *basicCallback) IsExternalSignerInstalled(context.Context) (bool, error) { return true, nil }

func (c *basicCallback) GetPublicKey(ctx context.Context) (string, error) {
	if c.barrier != nil {
		c.barrier.Done()
		done := make(chan struct{})
		go func() {
			c.barrier.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "pk", nil
}

func (c *basicCallback) SignEvent(_ context.Context, unsigned, _ string) (string, error) {
	if c.signErr != nil {
		return "", c.signErr
	}
	return unsigned, nil
}

func startProxy(t *testing.T, cb Callback, cfg config.Config) (*Proxy, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	p, err := New(uniqueName(t), cb, WithConfig(cfg), WithRegisterer(reg))
	require.NoError(t, err)
	require.NoError(t, p.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		require.NoError(t, p.Close())
	})
	return p, reg
}

func dialProxy(t *testing.T, p *Proxy, cfg config.Config) *rpc.Channel {
	t.Helper()
	ch, err := rpc.NewChannel(p.name, p.endpoint, cfg, rpc.WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func codecConfig(name string) config.Config {
	cfg := config.DefaultConfig()
	cfg.Codec = name
	cfg.CallTimeout = 2 * time.Second
	return cfg
}

func requireStatus(t *testing.T, err error, code codes.Code) *apierrors.Error {
	t.Helper()
	apiErr, ok := apierrors.FromError(err)
	require.True(t, ok, "got %v", err)
	require.Equal(t, apierrors.KindStatus, apiErr.Kind, "got %v", err)
	require.Equal(t, code, apiErr.Code, "got %v", err)
	return apiErr
}

func TestProxyDispatchesToCallback(t *testing.T) {
	for _, name := range codecNames {
		t.Run(name, func(t *testing.T) {
			cfg := codecConfig(name)
			p, reg := startProxy(t, &basicCallback{}, cfg)
			ch := dialProxy(t, p, cfg)
			ctx := context.Background()

			var installed wire.IsExternalSignerInstalledReply
			require.NoError(t, ch.Call(ctx, wire.MethodIsExternalSignerInstalled, &wire.IsExternalSignerInstalledRequest{}, &installed))
			require.True(t, installed.Installed)

			var pk wire.GetPublicKeyReply
			require.NoError(t, ch.Call(ctx, wire.MethodGetPublicKey, &wire.GetPublicKeyRequest{}, &pk))
			require.Equal(t, "pk", pk.PublicKey)

			var signed wire.SignEventReply
			require.NoError(t, ch.Call(ctx, wire.MethodSignEvent, &wire.SignEventRequest{UnsignedEvent: `{"kind":1}`}, &signed))
			require.Equal(t, `{"kind":1}`, signed.Event)

			requests, err := testutil.GatherAndCount(reg, "nip55_proxy_requests_total")
			require.NoError(t, err)
			require.Equal(t, 3, requests)
		})
	}
}

func TestProxyTranslatesFailures(t *testing.T) {
	for _, name := range codecNames {
		t.Run(name, func(t *testing.T) {
			cfg := codecConfig(name)
			cb := &basicCallback{signErr: errors.New("user rejected")}
			p, _ := startProxy(t, cb, cfg)
			ch := dialProxy(t, p, cfg)
			ctx := context.Background()

			err := ch.Call(ctx, wire.MethodSignEvent, &wire.SignEventRequest{UnsignedEvent: "{}"}, &wire.SignEventReply{})
			apiErr := requireStatus(t, err, codes.Internal)
			require.Contains(t, apiErr.Message, "user rejected")

			err = ch.Call(ctx, wire.MethodSignEvent, &wire.SignEventRequest{}, &wire.SignEventReply{})
			apiErr = requireStatus(t, err, codes.InvalidArgument)
			require.Contains(t, apiErr.Message, "unsigned event is required")

			err = ch.Call(ctx, wire.MethodNip04Encrypt, &wire.Nip04EncryptRequest{}, &wire.Nip04EncryptReply{})
			require.True(t, apierrors.IsKind(err, apierrors.KindUnsupported), "got %v", err)

			// 失败以状态返回，连接保持可用。
			var pk wire.GetPublicKeyReply
			require.NoError(t, ch.Call(ctx, wire.MethodGetPublicKey, &wire.GetPublicKeyRequest{}, &pk))
			require.Equal(t, 1.0, testutil.ToFloat64(ch.Metrics().Connects(p.name)))
		})
	}
}

func TestProxyCallbackKindIsPreserved(t *testing.T) {
	cfg := codecConfig(config.CodecFrame)
	cb := &basicCallback{signErr: apierrors.New(apierrors.KindKey, "unknown account")}
	p, _ := startProxy(t, cb, cfg)
	ch := dialProxy(t, p, cfg)
	err := ch.Call(context.Background(), wire.MethodSignEvent, &wire.SignEventRequest{UnsignedEvent: "{}"}, &wire.SignEventReply{})
	apiErr := requireStatus(t, err, codes.InvalidArgument)
	require.Contains(t, apiErr.Message, "unknown account")
}

func TestProxyNip04WithLocalSigner(t *testing.T) {
	for _, name := range codecNames {
		t.Run(name, func(t *testing.T) {
			cfg := codecConfig(name)
			alice, bob := localsigner.Generate(), localsigner.Generate()
			p, _ := startProxy(t, alice, cfg)
			ch := dialProxy(t, p, cfg)
			ctx := context.Background()

			var enc wire.Nip04EncryptReply
			require.NoError(t, ch.Call(ctx, wire.MethodNip04Encrypt, &wire.Nip04EncryptRequest{
				CurrentUserPublicKey: alice.PublicKey(),
				OtherPublicKey:       bob.PublicKey(),
				Plaintext:            "hi bob",
			}, &enc))
			plaintext, err := bob.Nip04Decrypt(ctx, bob.PublicKey(), alice.PublicKey(), enc.Ciphertext)
			require.NoError(t, err)
			require.Equal(t, "hi bob", plaintext)

			var dec wire.Nip04DecryptReply
			require.NoError(t, ch.Call(ctx, wire.MethodNip04Decrypt, &wire.Nip04DecryptRequest{
				CurrentUserPublicKey: alice.PublicKey(),
				OtherPublicKey:       bob.PublicKey(),
				Ciphertext:           enc.Ciphertext,
			}, &dec))
			require.Equal(t, "hi bob", dec.Plaintext)

			err = ch.Call(ctx, wire.MethodNip04Encrypt, &wire.Nip04EncryptRequest{
				CurrentUserPublicKey: alice.PublicKey(),
				OtherPublicKey:       "not-a-key",
				Plaintext:            "hi",
			}, &enc)
			requireStatus(t, err, codes.InvalidArgument)
		})
	}
}

func TestProxyHandlesConnectionsConcurrently(t *testing.T) {
	for _, name := range codecNames {
		t.Run(name, func(t *testing.T) {
			cfg := codecConfig(name)
			var barrier sync.WaitGroup
			barrier.Add(2)
			p, _ := startProxy(t, &basicCallback{barrier: &barrier}, cfg)
			a, b := dialProxy(t, p, cfg), dialProxy(t, p, cfg)

			errs := make(chan error, 2)
			for _, ch := range []*rpc.Channel{a, b} {
				go func(ch *rpc.Channel) {
					errs <- ch.Call(context.Background(), wire.MethodGetPublicKey, &wire.GetPublicKeyRequest{}, &wire.GetPublicKeyReply{})
				}(ch)
			}
			// 两个回调互相等待，串行处理会在 CallTimeout 后失败。
			require.NoError(t, <-errs)
			require.NoError(t, <-errs)
		})
	}
}

func TestProxyRateLimit(t *testing.T) {
	cfg := codecConfig(config.CodecGRPC)
	cfg.RateLimit = 0.001
	cfg.RateBurst = 1
	p, _ := startProxy(t, &basicCallback{}, cfg)
	ch := dialProxy(t, p, cfg)
	ctx := context.Background()
	require.NoError(t, ch.Call(ctx, wire.MethodIsExternalSignerInstalled, &wire.IsExternalSignerInstalledRequest{}, &wire.IsExternalSignerInstalledReply{}))
	err := ch.Call(ctx, wire.MethodIsExternalSignerInstalled, &wire.IsExternalSignerInstalledRequest{}, &wire.IsExternalSignerInstalledReply{})
	requireStatus(t, err, codes.ResourceExhausted)
}

func TestProxyAllowUIDs(t *testing.T) {
	cfg := codecConfig(config.CodecFrame)
	cfg.AllowUIDs = []uint32{uint32(os.Getuid()) + 1}
	p, reg := startProxy(t, &basicCallback{}, cfg)
	ch := dialProxy(t, p, cfg)
	err := ch.Call(context.Background(), wire.MethodIsExternalSignerInstalled, &wire.IsExternalSignerInstalledRequest{}, &wire.IsExternalSignerInstalledReply{})
	require.True(t, apierrors.IsKind(err, apierrors.KindIO), "got %v", err)
	require.Eventually(t, func() bool {
		rejected, _ := testutil.GatherAndCount(reg, "nip55_proxy_rejected_total")
		return rejected == 1
	}, time.Second, 10*time.Millisecond)
}

func TestProxyAllowUIDsPermitsOwnUID(t *testing.T) {
	cfg := codecConfig(config.CodecFrame)
	cfg.AllowUIDs = []uint32{uint32(os.Getuid())}
	p, _ := startProxy(t, &basicCallback{}, cfg)
	ch := dialProxy(t, p, cfg)
	require.NoError(t, ch.Call(context.Background(), wire.MethodIsExternalSignerInstalled, &wire.IsExternalSignerInstalledRequest{}, &wire.IsExternalSignerInstalledReply{}))
}

func TestProxyListenTwiceFails(t *testing.T) {
	cfg := codecConfig(config.CodecGRPC)
	startProxy(t, &basicCallback{}, cfg)

	dup, err := New(uniqueName(t), &basicCallback{}, WithConfig(cfg), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	err = dup.Listen()
	require.True(t, apierrors.IsKind(err, apierrors.KindTransport), "got %v", err)

	err = dup.Serve(context.Background())
	require.ErrorIs(t, err, ErrNotListening)
}

func TestProxyHealthService(t *testing.T) {
	cfg := codecConfig(config.CodecGRPC)
	p, _ := startProxy(t, &basicCallback{}, cfg)
	id, err := transport.Resolve(p.name)
	require.NoError(t, err)

	cc, err := grpc.NewClient("unix-abstract:"+id.Name(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(cc).Check(ctx, &healthpb.HealthCheckRequest{Service: wire.ServiceName})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestProxyDebugHandler(t *testing.T) {
	cfg := codecConfig(config.CodecFrame)
	p, _ := startProxy(t, &basicCallback{}, cfg)
	ch := dialProxy(t, p, cfg)
	require.NoError(t, ch.Call(context.Background(), wire.MethodIsExternalSignerInstalled, &wire.IsExternalSignerInstalledRequest{}, &wire.IsExternalSignerInstalledReply{}))

	rec := httptest.NewRecorder()
	p.DebugHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/debug/nip55", nil))
	var snap debugSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, p.name, snap.Signer)
	require.Equal(t, config.CodecFrame, snap.Codec)
	require.Len(t, snap.Conns, 1)
	require.NotEmpty(t, snap.Conns[0].ID)

	require.NoError(t, ch.Close())
	require.Eventually(t, func() bool { return len(p.snapshot().Conns) == 0 }, time.Second, 10*time.Millisecond)
}

func TestNewRequiresCallback(t *testing.T) {
	_, err := New("x", nil)
	require.Error(t, err)
	_, err = New("", &basicCallback{}, WithRegisterer(prometheus.NewRegistry()))
	require.True(t, apierrors.IsKind(err, apierrors.KindTransport))
}
