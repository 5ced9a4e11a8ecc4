package transport

import "errors"

// ErrNoPeerCred 表示无法获取对端凭据（非 unix 连接或平台不支持）。
var ErrNoPeerCred = errors.New("peer credentials unavailable")

// PeerCred 为对端进程凭据。
type PeerCred struct {
	PID int32
	UID uint32
	GID uint32
}
