//go:build !linux

package transport

import "net"

// PeerCredentials 在非 Linux 平台上不可用。
func PeerCredentials(net.Conn) (PeerCred, error) {
	return PeerCred{}, ErrNoPeerCred
}
