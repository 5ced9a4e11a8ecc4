package validator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// KeyEncoding 描述公钥字符串的编码。
type KeyEncoding string

const (
	KeyEncodingHex  KeyEncoding = "hex"
	KeyEncodingNpub KeyEncoding = "npub"
)

// ErrInvalidPublicKey 表示公钥既不是合法 hex 也不是合法 npub。
var ErrInvalidPublicKey = errors.New("invalid public key")

// DetectKeyEncoding 根据前缀判断编码。
func DetectKeyEncoding(raw string) KeyEncoding {
	if strings.HasPrefix(strings.ToLower(raw), "npub1") {
		return KeyEncodingNpub
	}
	return KeyEncodingHex
}

// ParsePublicKey 将 hex 或 npub 公钥规范化为小写 hex，并确认它是曲线上的 x-only 点。
func ParsePublicKey(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPublicKey)
	}
	switch DetectKeyEncoding(raw) {
	case KeyEncodingNpub:
		prefix, value, err := nip19.Decode(strings.ToLower(raw))
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		pk, ok := value.(string)
		if prefix != "npub" || !ok {
			return "", fmt.Errorf("%w: unexpected bech32 prefix %q", ErrInvalidPublicKey, prefix)
		}
		raw = pk
	default:
		raw = strings.ToLower(raw)
	}
	if !nostr.IsValidPublicKey(raw) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPublicKey, truncate(raw, 80))
	}
	return raw, nil
}

// ValidatePublicKey 仅校验，不返回规范化结果。
func ValidatePublicKey(raw string) error {
	_, err := ParsePublicKey(raw)
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
