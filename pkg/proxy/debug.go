package proxy

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

// DebugHandler 返回 /debug/nip55 所需的 handler。
func (p *Proxy) DebugHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snapshot := p.snapshot()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snapshot)
	})
}

type debugConn struct {
	ID    string    `json:"id"`
	PID   int32     `json:"pid,omitempty"`
	UID   *uint32   `json:"uid,omitempty"`
	Since time.Time `json:"since"`
}

type debugSnapshot struct {
	Signer    string      `json:"signer"`
	Addr      string      `json:"addr"`
	Codec     string      `json:"codec"`
	StartedAt time.Time   `json:"startedAt"`
	InFlight  int64       `json:"inFlight"`
	RateLimit float64     `json:"rateLimit"`
	AllowUIDs []uint32    `json:"allowUids,omitempty"`
	Conns     []debugConn `json:"conns"`
	Timestamp time.Time   `json:"timestamp"`
}

func (p *Proxy) snapshot() debugSnapshot {
	snap := debugSnapshot{
		Signer:    p.name,
		Addr:      p.endpoint.String(),
		Codec:     p.codec.Name(),
		InFlight:  p.inFlight.Load(),
		AllowUIDs: p.cfg.AllowUIDs,
		Timestamp: time.Now(),
	}
	if p.limiter != nil {
		snap.RateLimit = float64(p.limiter.Limit())
	}
	p.mu.Lock()
	snap.StartedAt = p.startedAt
	snap.Conns = make([]debugConn, 0, len(p.conns))
	for _, c := range p.conns {
		dc := debugConn{ID: c.id, Since: c.since}
		if c.cred != nil {
			uid := c.cred.UID
			dc.PID = c.cred.PID
			dc.UID = &uid
		}
		snap.Conns = append(snap.Conns, dc)
	}
	p.mu.Unlock()
	sort.Slice(snap.Conns, func(i, j int) bool { return snap.Conns[i].Since.Before(snap.Conns[j].Since) })
	return snap
}
