package ws

import (
	"log"
	"time"

	"github.com/gobwas/ws"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // grace period after a missed interval (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// runHeartbeat pings every connection each Interval and evicts those that
// sent nothing for Interval + Timeout. Eviction runs the normal disconnect
// path, so a dead peer's partner is told the session ended. It returns when
// the server shuts down.
func (s *Server) runHeartbeat(config HeartbeatConfig) {
	if config.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.checkConnections(config, now)
		}
	}
}

// checkConnections evicts stale connections and queues a ping for the rest.
// Browsers answer the ping frame with a pong automatically, which counts as
// activity. Pings go through each connection's writer, so a stalled peer
// does not hold up the sweep.
func (s *Server) checkConnections(config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout

	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastActive()); idle > deadline {
			log.Printf("ws: heartbeat timeout session=%s last_activity=%s ago",
				c.ID, idle.Round(time.Second))
			s.RemoveConnection(c)
			continue
		}

		if err := c.enqueue(frame{op: ws.OpPing}); err != nil {
			log.Printf("ws: heartbeat ping not queued session=%s: %v", c.ID, err)
		}
	}
}
