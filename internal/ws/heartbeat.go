package ws

import (
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping
	Timeout  time.Duration // grace after a missed interval
}

// DefaultHeartbeatConfig pings every 30s and drops connections silent for
// 40s.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

func (s *Server) runHeartbeat() {
	ticker := time.NewTicker(s.heartbeat.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.checkConnections(time.Now())
		}
	}
}

// checkConnections removes connections with no activity within
// Interval+Timeout and pings the rest. Browsers answer pings automatically,
// and any frame read counts as activity.
func (s *Server) checkConnections(now time.Time) {
	deadline := s.heartbeat.Interval + s.heartbeat.Timeout

	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastActive()); idle > deadline {
			s.log.Info("heartbeat timeout", "conn", c.ID, "idle", idle.Round(time.Second))
			s.RemoveConnection(c)
			continue
		}
		if err := c.WritePing(); err != nil {
			s.log.Info("heartbeat ping failed", "conn", c.ID, "err", err)
			s.RemoveConnection(c)
		}
	}
}
