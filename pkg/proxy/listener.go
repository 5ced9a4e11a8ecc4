package proxy

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-sign/nip55-bridge/internal/transport"
)

// trackingListener 为每条连接分配 conn_id，记录对端凭据，并按 UID 白名单过滤。
type trackingListener struct {
	net.Listener
	proxy *Proxy
}

func (l *trackingListener) Accept() (net.Conn, error) {
	p := l.proxy
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		tc := &trackedConn{Conn: conn, id: uuid.NewString(), proxy: p, since: time.Now()}
		cred, credErr := transport.PeerCredentials(conn)
		if credErr == nil {
			tc.cred = &cred
		}
		if !p.permitted(tc.cred) {
			p.metrics.incRejected(p.name)
			p.logger.Warn("nip55 connection rejected",
				slog.String("signer", p.name),
				slog.String("conn_id", tc.id),
				slog.Any("err", errors.Join(errPeerNotAllowed, credErr)))
			_ = conn.Close()
			continue
		}
		p.track(tc)
		return tc, nil
	}
}

var errPeerNotAllowed = errors.New("peer uid not in allow list")

func (p *Proxy) permitted(cred *transport.PeerCred) bool {
	if len(p.allowUIDs) == 0 {
		return true
	}
	if cred == nil {
		return false
	}
	_, ok := p.allowUIDs[cred.UID]
	return ok
}

func (p *Proxy) track(c *trackedConn) {
	p.mu.Lock()
	p.conns[c.id] = c
	active := len(p.conns)
	p.mu.Unlock()
	p.metrics.incAccepted(p.name)
	p.metrics.setActive(p.name, active)
	attrs := []any{slog.String("signer", p.name), slog.String("conn_id", c.id)}
	if c.cred != nil {
		attrs = append(attrs, slog.Int("pid", int(c.cred.PID)), slog.Uint64("uid", uint64(c.cred.UID)))
	}
	p.logger.Debug("nip55 connection accepted", attrs...)
}

func (p *Proxy) untrack(c *trackedConn) {
	p.mu.Lock()
	delete(p.conns, c.id)
	active := len(p.conns)
	p.mu.Unlock()
	p.metrics.setActive(p.name, active)
	p.logger.Debug("nip55 connection closed",
		slog.String("signer", p.name),
		slog.String("conn_id", c.id),
		slog.Duration("lifetime", time.Since(c.since)))
}

type trackedConn struct {
	net.Conn
	id    string
	cred  *transport.PeerCred
	since time.Time
	proxy *Proxy
	once  sync.Once
}

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() { c.proxy.untrack(c) })
	return err
}
