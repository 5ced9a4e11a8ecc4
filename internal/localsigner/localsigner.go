// Package localsigner 提供基于本地私钥的 proxy.Callback 实现，用于演练与测试。
package localsigner

import (
	"context"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/aegis-sign/nip55-bridge/pkg/apierrors"
)

// Signer 持有一把 secp256k1 私钥，并发安全（只读状态）。
type Signer struct {
	sk string
	pk string
}

// New 使用 hex 或 nsec 私钥构造 Signer。
func New(secretKey string) (*Signer, error) {
	sk := strings.TrimSpace(secretKey)
	if strings.HasPrefix(sk, "nsec1") {
		prefix, value, err := nip19.Decode(sk)
		if err != nil || prefix != "nsec" {
			return nil, fmt.Errorf("invalid nsec: %v", err)
		}
		sk = value.(string)
	}
	if len(sk) != 64 {
		return nil, fmt.Errorf("secret key must be 32 bytes hex, got %d chars", len(sk))
	}
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	return &Signer{sk: sk, pk: pk}, nil
}

// Generate 生成一把随机私钥。
func Generate() *Signer {
	s, err := New(nostr.GeneratePrivateKey())
	if err != nil {
		panic(err)
	}
	return s
}

// PublicKey 返回 hex 公钥。
func (s *Signer) PublicKey() string { return s.pk }

// IsExternalSignerInstalled 本地私钥总是可用。
func (s *Signer) IsExternalSignerInstalled(context.Context) (bool, error) { return true, nil }

// GetPublicKey 返回 hex 公钥。
func (s *Signer) GetPublicKey(context.Context) (string, error) { return s.pk, nil }

// SignEvent 解析未签名事件 JSON，签名后返回完整事件 JSON。
func (s *Signer) SignEvent(_ context.Context, unsignedEvent, currentUserPublicKey string) (string, error) {
	if currentUserPublicKey != "" && currentUserPublicKey != s.pk {
		return "", apierrors.New(apierrors.KindKey, "current user public key does not belong to this signer")
	}
	var evt nostr.Event
	if err := evt.UnmarshalJSON([]byte(unsignedEvent)); err != nil {
		return "", apierrors.Wrap(apierrors.KindInvalidArgument, "parse unsigned event", err)
	}
	if evt.PubKey != "" && evt.PubKey != s.pk {
		return "", apierrors.New(apierrors.KindKey, "event author does not belong to this signer")
	}
	if err := evt.Sign(s.sk); err != nil {
		return "", err
	}
	out, err := evt.MarshalJSON()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Nip04Encrypt 与 other 协商共享密钥后加密。
func (s *Signer) Nip04Encrypt(_ context.Context, _, otherPublicKey, plaintext string) (string, error) {
	shared, err := nip04.ComputeSharedSecret(otherPublicKey, s.sk)
	if err != nil {
		return "", apierrors.Wrap(apierrors.KindKey, "shared secret", err)
	}
	return nip04.Encrypt(plaintext, shared)
}

// Nip04Decrypt 与 other 协商共享密钥后解密。
func (s *Signer) Nip04Decrypt(_ context.Context, _, otherPublicKey, ciphertext string) (string, error) {
	shared, err := nip04.ComputeSharedSecret(otherPublicKey, s.sk)
	if err != nil {
		return "", apierrors.Wrap(apierrors.KindKey, "shared secret", err)
	}
	plaintext, err := nip04.Decrypt(ciphertext, shared)
	if err != nil {
		return "", apierrors.Wrap(apierrors.KindInvalidArgument, "nip04 decrypt", err)
	}
	return plaintext, nil
}
