package transport

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/sys/unix"
)

// Prefix 是所有 signer socket 名称的固定前缀，避免与主机上其他 abstract socket 冲突。
const Prefix = "nip55_proxy"

// maxAbstractName 为 sun_path 去掉首个 NUL 后的可用长度。
var maxAbstractName = len(unix.RawSockaddrUnix{}.Path) - 1

// ErrInvalidName 表示逻辑名无法编码为 socket 地址。
var ErrInvalidName = errors.New("invalid signer name")

// Identity 是由逻辑名派生的 abstract namespace socket 标识。
type Identity struct {
	name string
}

// Resolve 将逻辑名映射为 "<Prefix>_<name>"。相同逻辑名的进程会落在同一个 socket 上。
func Resolve(logicalName string) (Identity, error) {
	if logicalName == "" {
		return Identity{}, fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if strings.IndexByte(logicalName, 0) >= 0 {
		return Identity{}, fmt.Errorf("%w: contains NUL byte", ErrInvalidName)
	}
	name := Prefix + "_" + logicalName
	if len(name) > maxAbstractName {
		return Identity{}, fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidName, len(name), maxAbstractName)
	}
	return Identity{name: name}, nil
}

// Name 返回完整 socket 名（不含前导 @）。
func (id Identity) Name() string { return id.name }

// Addr 返回 Go 约定的 abstract 地址（以 @ 开头）。
func (id Identity) Addr() *net.UnixAddr {
	return &net.UnixAddr{Name: "@" + id.name, Net: "unix"}
}

func (id Identity) String() string { return "@" + id.name }

// Endpoint 把身份转换为可拨号/监听的端点。
func (id Identity) Endpoint() Endpoint {
	return Endpoint{Network: NetworkAbstract, Address: "@" + id.name}
}

// IsZero 报告身份是否未解析。
func (id Identity) IsZero() bool { return id.name == "" }
