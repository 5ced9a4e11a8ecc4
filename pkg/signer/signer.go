// Package signer 是 NIP-55 外部 signer 的客户端门面。
//
// Signer 通过 abstract unix socket 与嵌在外部 signer 旁的代理通信，
// 缓存首次获取的公钥，并在返回之前本地校验每一个签名事件。
//
// 调用方取消 ctx 得到的错误类别为 KindIO，可用 errors.Is(err, context.Canceled)
// 与连接故障区分；超时为 KindTimeout。
package signer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nbd-wtf/go-nostr"

	"github.com/aegis-sign/nip55-bridge/internal/lazy"
	"github.com/aegis-sign/nip55-bridge/internal/rpc"
	"github.com/aegis-sign/nip55-bridge/internal/transport"
	"github.com/aegis-sign/nip55-bridge/pkg/apierrors"
	"github.com/aegis-sign/nip55-bridge/pkg/config"
	"github.com/aegis-sign/nip55-bridge/pkg/validator"
	"github.com/aegis-sign/nip55-bridge/pkg/wire"
)

var _ nostr.Keyer = (*Signer)(nil)

// Signer 是外部 signer 的客户端。所有方法可并发调用，但同一 Signer 上的请求按顺序发送。
type Signer struct {
	name    string
	channel *rpc.Channel
	logger  *slog.Logger
	pubkey  lazy.Cell[string]
}

// New 为逻辑名 uniqueName 创建客户端，不会立即连接。
func New(uniqueName string, opts ...Option) (*Signer, error) {
	o := options{logger: slog.Default(), cfg: config.DefaultConfig()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	ep, err := resolveEndpoint(uniqueName, o.cfg.Endpoint)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindTransport, "New", err)
	}
	channel, err := rpc.NewChannel(uniqueName, ep, o.cfg,
		rpc.WithLogger(o.logger),
		rpc.WithRegisterer(o.registerer),
	)
	if err != nil {
		return nil, err
	}
	return &Signer{name: uniqueName, channel: channel, logger: o.logger}, nil
}

func resolveEndpoint(uniqueName, override string) (transport.Endpoint, error) {
	if override != "" {
		return transport.ParseEndpoint(override)
	}
	id, err := transport.Resolve(uniqueName)
	if err != nil {
		return transport.Endpoint{}, err
	}
	return id.Endpoint(), nil
}

// Name 返回逻辑名。
func (s *Signer) Name() string { return s.name }

// Endpoint 返回实际连接的地址。
func (s *Signer) Endpoint() string { return s.channel.Endpoint().String() }

// IsExternalSignerInstalled 询问代理外部 signer 是否可用。
func (s *Signer) IsExternalSignerInstalled(ctx context.Context) (bool, error) {
	var reply wire.IsExternalSignerInstalledReply
	if err := s.channel.Call(ctx, wire.MethodIsExternalSignerInstalled, &wire.IsExternalSignerInstalledRequest{}, &reply); err != nil {
		return false, err
	}
	return reply.Installed, nil
}

// GetPublicKey 返回小写 hex 公钥。首次成功后缓存，之后不再请求远端。
func (s *Signer) GetPublicKey(ctx context.Context) (string, error) {
	// 初始化在等待者之间共享，不随首个调用者取消；CallTimeout 仍然生效。
	detached := context.WithoutCancel(ctx)
	return s.pubkey.GetOrInit(ctx, func() (string, error) {
		return s.fetchPublicKey(detached)
	})
}

func (s *Signer) fetchPublicKey(ctx context.Context) (string, error) {
	var reply wire.GetPublicKeyReply
	if err := s.channel.Call(ctx, wire.MethodGetPublicKey, &wire.GetPublicKeyRequest{}, &reply); err != nil {
		return "", err
	}
	pk, err := validator.ParsePublicKey(reply.PublicKey)
	if err != nil {
		return "", apierrors.Wrap(apierrors.KindKey, wire.MethodGetPublicKey.Name(), err)
	}
	s.logger.Debug("signer public key cached", slog.String("signer", s.name), slog.String("pubkey", pk))
	return pk, nil
}

// SignEvent 请求外部 signer 签名并就地填充 ID、PubKey、Sig。
// 返回的事件必须与请求的内容一致且签名有效，否则返回 KindEvent 错误且 evt 保持不变。
func (s *Signer) SignEvent(ctx context.Context, evt *nostr.Event) error {
	op := wire.MethodSignEvent.Name()
	if evt == nil {
		return apierrors.New(apierrors.KindEvent, "event is nil").WithOp(op)
	}
	pk, err := s.GetPublicKey(ctx)
	if err != nil {
		return err
	}

	unsigned := *evt
	unsigned.Sig = ""
	if unsigned.PubKey == "" {
		unsigned.PubKey = pk
	} else if unsigned.PubKey != pk {
		return apierrors.New(apierrors.KindKey, fmt.Sprintf("event author %s does not match signer %s", unsigned.PubKey, pk)).WithOp(op)
	}
	if unsigned.Tags == nil {
		unsigned.Tags = nostr.Tags{}
	}
	unsigned.ID = unsigned.GetID()
	raw, err := unsigned.MarshalJSON()
	if err != nil {
		return apierrors.Wrap(apierrors.KindEvent, op, err)
	}

	var reply wire.SignEventReply
	req := &wire.SignEventRequest{UnsignedEvent: string(raw), CurrentUserPublicKey: pk}
	if err := s.channel.Call(ctx, wire.MethodSignEvent, req, &reply); err != nil {
		return err
	}
	if reply.Event == "" {
		return apierrors.New(apierrors.KindDecode, "empty signed event").WithOp(op)
	}
	var signed nostr.Event
	if err := signed.UnmarshalJSON([]byte(reply.Event)); err != nil {
		return apierrors.Wrap(apierrors.KindDecode, op, err)
	}
	if err := verifySigned(&unsigned, &signed); err != nil {
		s.logger.Warn("signed event rejected", slog.String("signer", s.name), slog.String("id", unsigned.ID), slog.Any("err", err))
		return err
	}
	*evt = signed
	return nil
}

// verifySigned 确认 signed 提交到与 unsigned 相同的内容并带有有效的 BIP-340 签名。
func verifySigned(unsigned, signed *nostr.Event) error {
	op := wire.MethodSignEvent.Name()
	if !signed.CheckID() {
		return apierrors.New(apierrors.KindEvent, "event id does not match its content").WithOp(op)
	}
	if signed.ID != unsigned.ID {
		return apierrors.New(apierrors.KindEvent, fmt.Sprintf("signer returned event %s, expected %s", signed.ID, unsigned.ID)).WithOp(op)
	}
	if signed.PubKey != unsigned.PubKey {
		return apierrors.New(apierrors.KindEvent, "signed event author mismatch").WithOp(op)
	}
	ok, err := signed.CheckSignature()
	if err != nil {
		return apierrors.Wrap(apierrors.KindEvent, op, err)
	}
	if !ok {
		return apierrors.New(apierrors.KindEvent, "invalid event signature").WithOp(op)
	}
	return nil
}

// Nip04Encrypt 使用 NIP-04 为 peer 加密 plaintext。peer 可以是 hex 或 npub。
func (s *Signer) Nip04Encrypt(ctx context.Context, peer, plaintext string) (string, error) {
	peerHex, pk, err := s.cipherKeys(ctx, wire.MethodNip04Encrypt, peer)
	if err != nil {
		return "", err
	}
	var reply wire.Nip04EncryptReply
	req := &wire.Nip04EncryptRequest{CurrentUserPublicKey: pk, OtherPublicKey: peerHex, Plaintext: plaintext}
	if err := s.channel.Call(ctx, wire.MethodNip04Encrypt, req, &reply); err != nil {
		return "", err
	}
	return reply.Ciphertext, nil
}

// Nip04Decrypt 解密来自 peer 的 NIP-04 密文。
func (s *Signer) Nip04Decrypt(ctx context.Context, peer, ciphertext string) (string, error) {
	peerHex, pk, err := s.cipherKeys(ctx, wire.MethodNip04Decrypt, peer)
	if err != nil {
		return "", err
	}
	var reply wire.Nip04DecryptReply
	req := &wire.Nip04DecryptRequest{CurrentUserPublicKey: pk, OtherPublicKey: peerHex, Ciphertext: ciphertext}
	if err := s.channel.Call(ctx, wire.MethodNip04Decrypt, req, &reply); err != nil {
		return "", err
	}
	return reply.Plaintext, nil
}

func (s *Signer) cipherKeys(ctx context.Context, method wire.Method, peer string) (string, string, error) {
	peerHex, err := validator.ParsePublicKey(peer)
	if err != nil {
		return "", "", apierrors.Wrap(apierrors.KindKey, method.Name(), err)
	}
	pk, err := s.GetPublicKey(ctx)
	if err != nil {
		return "", "", err
	}
	return peerHex, pk, nil
}

// Encrypt 对应 NIP-44，代理协议尚不支持。
func (s *Signer) Encrypt(context.Context, string, string) (string, error) {
	return "", apierrors.New(apierrors.KindUnsupported, "nip44 encryption is not supported by the signer protocol").WithOp("Nip44Encrypt")
}

// Decrypt 对应 NIP-44，代理协议尚不支持。
func (s *Signer) Decrypt(context.Context, string, string) (string, error) {
	return "", apierrors.New(apierrors.KindUnsupported, "nip44 decryption is not supported by the signer protocol").WithOp("Nip44Decrypt")
}

// Close 释放连接。之后的调用返回 KindTransport。
func (s *Signer) Close() error {
	return s.channel.Close()
}
