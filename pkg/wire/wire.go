// Package wire 定义 NIP-55 代理桥接使用的请求/响应消息。
//
// 消息采用 protobuf wire format 编码，字段编号与 docs/api/proto/nip55.proto 一致：
//   - string 字段: wire type 2 (length-delimited)
//   - bool 字段: wire type 0 (varint)
//
// 未知字段在解码时跳过，保持向前兼容。
package wire

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// ServiceName 为 gRPC 服务全名。
const ServiceName = "nip55.v1.AndroidSigner"

// Method 表示一个 RPC 方法的完整路径（/service/method）。
type Method string

const (
	MethodIsExternalSignerInstalled Method = "/" + ServiceName + "/IsExternalSignerInstalled"
	MethodGetPublicKey              Method = "/" + ServiceName + "/GetPublicKey"
	MethodSignEvent                 Method = "/" + ServiceName + "/SignEvent"
	MethodNip04Encrypt              Method = "/" + ServiceName + "/Nip04Encrypt"
	MethodNip04Decrypt              Method = "/" + ServiceName + "/Nip04Decrypt"
)

// ErrUnknownMethod 表示方法不在方法表中。
var ErrUnknownMethod = errors.New("unknown method")

// ErrInvalidMessage 表示消息字节无法按 schema 解码。
var ErrInvalidMessage = errors.New("invalid message data")

// Message 是所有请求/响应类型的公共接口。
type Message interface {
	Marshal() ([]byte, error)
	Unmarshal(data []byte) error
}

var methods = []Method{
	MethodIsExternalSignerInstalled,
	MethodGetPublicKey,
	MethodSignEvent,
	MethodNip04Encrypt,
	MethodNip04Decrypt,
}

// Methods 返回所有已知方法，顺序固定。
func Methods() []Method {
	out := make([]Method, len(methods))
	copy(out, methods)
	return out
}

// Name 返回去掉服务前缀的方法名。
func (m Method) Name() string {
	prefix := "/" + ServiceName + "/"
	if len(m) > len(prefix) && string(m[:len(prefix)]) == prefix {
		return string(m[len(prefix):])
	}
	return string(m)
}

// NewRequest 返回方法对应的空请求消息。
func NewRequest(m Method) (Message, error) {
	switch m {
	case MethodIsExternalSignerInstalled:
		return &IsExternalSignerInstalledRequest{}, nil
	case MethodGetPublicKey:
		return &GetPublicKeyRequest{}, nil
	case MethodSignEvent:
		return &SignEventRequest{}, nil
	case MethodNip04Encrypt:
		return &Nip04EncryptRequest{}, nil
	case MethodNip04Decrypt:
		return &Nip04DecryptRequest{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, m)
	}
}

// NewReply 返回方法对应的空响应消息。
func NewReply(m Method) (Message, error) {
	switch m {
	case MethodIsExternalSignerInstalled:
		return &IsExternalSignerInstalledReply{}, nil
	case MethodGetPublicKey:
		return &GetPublicKeyReply{}, nil
	case MethodSignEvent:
		return &SignEventReply{}, nil
	case MethodNip04Encrypt:
		return &Nip04EncryptReply{}, nil
	case MethodNip04Decrypt:
		return &Nip04DecryptReply{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, m)
	}
}

// appendString 追加 string 字段，空值按 proto3 语义省略。
func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// appendBool 追加 bool 字段，false 省略。
func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

// fieldFunc 处理单个字段，返回消费的字节数；返回 0 表示未识别，由调用方跳过。
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func decodeFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrInvalidMessage, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrInvalidMessage, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	if typ != protowire.BytesType {
		return 0, nil
	}
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return n, nil
	}
	if !utf8.ValidString(v) {
		return 0, fmt.Errorf("%w: string field contains invalid UTF-8", ErrInvalidMessage)
	}
	*dst = v
	return n, nil
}

func consumeBool(typ protowire.Type, b []byte, dst *bool) (int, error) {
	if typ != protowire.VarintType {
		return 0, nil
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return n, nil
	}
	*dst = protowire.DecodeBool(v)
	return n, nil
}
