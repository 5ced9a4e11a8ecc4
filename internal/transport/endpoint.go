package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/mdlayher/vsock"
)

// ErrInvalidEndpoint 表示端点字符串无法解析。
var ErrInvalidEndpoint = errors.New("invalid endpoint")

// Network 区分端点的地址族。
type Network string

const (
	NetworkAbstract Network = "abstract"
	NetworkUnix     Network = "unix"
	NetworkVsock    Network = "vsock"
)

// Endpoint 描述一个可拨号/监听的本地地址。
type Endpoint struct {
	Network Network
	// Address 对 abstract 为 "@name"，对 unix 为文件路径。
	Address string
	CID     uint32
	Port    uint32
}

func (e Endpoint) String() string {
	switch e.Network {
	case NetworkAbstract:
		return e.Address
	case NetworkUnix:
		return "unix://" + e.Address
	case NetworkVsock:
		return fmt.Sprintf("vsock://%d:%d", e.CID, e.Port)
	default:
		return string(e.Network) + ":" + e.Address
	}
}

// ParseEndpoint 支持 "@name"、"unix-abstract:name"、"unix:///path"、"unix:path" 与 "vsock://cid:port"。
func ParseEndpoint(raw string) (Endpoint, error) {
	switch {
	case strings.HasPrefix(raw, "@"):
		if len(raw) == 1 {
			return Endpoint{}, fmt.Errorf("%w: empty abstract name", ErrInvalidEndpoint)
		}
		return Endpoint{Network: NetworkAbstract, Address: raw}, nil
	case strings.HasPrefix(raw, "unix-abstract:"):
		name := strings.TrimPrefix(raw, "unix-abstract:")
		if name == "" {
			return Endpoint{}, fmt.Errorf("%w: empty abstract name", ErrInvalidEndpoint)
		}
		return Endpoint{Network: NetworkAbstract, Address: "@" + name}, nil
	case strings.HasPrefix(raw, "unix://"):
		return unixEndpoint(strings.TrimPrefix(raw, "unix://"))
	case strings.HasPrefix(raw, "unix:"):
		return unixEndpoint(strings.TrimPrefix(raw, "unix:"))
	case strings.HasPrefix(raw, "vsock://"):
		return vsockEndpoint(strings.TrimPrefix(raw, "vsock://"))
	case strings.HasPrefix(raw, "vsock:"):
		return vsockEndpoint(strings.TrimPrefix(raw, "vsock:"))
	default:
		return Endpoint{}, fmt.Errorf("%w: %q", ErrInvalidEndpoint, raw)
	}
}

func unixEndpoint(path string) (Endpoint, error) {
	if path == "" {
		return Endpoint{}, fmt.Errorf("%w: empty unix path", ErrInvalidEndpoint)
	}
	return Endpoint{Network: NetworkUnix, Address: path}, nil
}

func vsockEndpoint(target string) (Endpoint, error) {
	parts := strings.Split(target, ":")
	if len(parts) != 2 {
		return Endpoint{}, fmt.Errorf("%w: vsock %q", ErrInvalidEndpoint, target)
	}
	cid, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: vsock cid: %v", ErrInvalidEndpoint, err)
	}
	port, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: vsock port: %v", ErrInvalidEndpoint, err)
	}
	return Endpoint{Network: NetworkVsock, CID: uint32(cid), Port: uint32(port)}, nil
}

// Dial 建立到端点的连接。无监听者时立即失败，本层不做重试。
func Dial(ctx context.Context, ep Endpoint) (net.Conn, error) {
	var (
		conn net.Conn
		err  error
	)
	switch ep.Network {
	case NetworkAbstract, NetworkUnix:
		conn, err = (&net.Dialer{}).DialContext(ctx, "unix", ep.Address)
	case NetworkVsock:
		conn, err = dialVsock(ctx, ep.CID, ep.Port)
	default:
		err = fmt.Errorf("%w: unknown network %q", ErrInvalidEndpoint, ep.Network)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", ep, err)
	}
	return conn, nil
}

// Listen 在端点上监听。abstract 名已被占用时失败。
func Listen(ep Endpoint) (net.Listener, error) {
	var (
		lis net.Listener
		err error
	)
	switch ep.Network {
	case NetworkAbstract, NetworkUnix:
		lis, err = net.Listen("unix", ep.Address)
	case NetworkVsock:
		lis, err = vsock.Listen(ep.Port, nil)
	default:
		err = fmt.Errorf("%w: unknown network %q", ErrInvalidEndpoint, ep.Network)
	}
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", ep, err)
	}
	return lis, nil
}

func dialVsock(ctx context.Context, cid, port uint32) (net.Conn, error) {
	type dialResult struct {
		conn net.Conn
		err  error
	}
	resultCh := make(chan dialResult, 1)
	go func() {
		conn, dialErr := vsock.Dial(cid, port, nil)
		if dialErr != nil {
			resultCh <- dialResult{err: dialErr}
			return
		}
		resultCh <- dialResult{conn: conn}
	}()
	select {
	case <-ctx.Done():
		go func() {
			if res := <-resultCh; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	case res := <-resultCh:
		return res.conn, res.err
	}
}
