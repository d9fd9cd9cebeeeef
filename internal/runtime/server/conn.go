package server

import (
	"sync/atomic"
	"time"
)

// ConnInfo identifies a client connection.
type ConnInfo struct {
	ID         string    `json:"id"`
	Transport  string    `json:"transport"`
	RemoteAddr string    `json:"remote_addr"`
	OpenedAt   time.Time `json:"opened_at"`

	counters *Counters
}

// Stats returns the connection's traffic counters so far.
func (c ConnInfo) Stats() ConnStats {
	stats := ConnStats{ConnInfo: c}
	if c.counters == nil {
		return stats
	}
	stats.FramesRead = c.counters.framesRead.Load()
	stats.ResponsesWritten = c.counters.responsesWritten.Load()
	stats.BytesRead = c.counters.bytesRead.Load()
	stats.BytesWritten = c.counters.bytesWritten.Load()
	if ts := c.counters.lastActivity.Load(); ts > 0 {
		stats.LastActivity = time.Unix(0, ts).UTC()
	}
	return stats
}

// ConnStats is a point-in-time view of a connection.
type ConnStats struct {
	ConnInfo
	FramesRead       uint64    `json:"frames_read"`
	ResponsesWritten uint64    `json:"responses_written"`
	BytesRead        uint64    `json:"bytes_read"`
	BytesWritten     uint64    `json:"bytes_written"`
	LastActivity     time.Time `json:"last_activity"`
}

// Counters tracks traffic on one connection.
type Counters struct {
	framesRead       atomic.Uint64
	responsesWritten atomic.Uint64
	bytesRead        atomic.Uint64
	bytesWritten     atomic.Uint64
	lastActivity     atomic.Int64
}

func (c *Counters) read(n int) {
	c.framesRead.Add(1)
	c.bytesRead.Add(uint64(n))
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Counters) wrote(n int) {
	c.responsesWritten.Add(1)
	c.bytesWritten.Add(uint64(n))
	c.lastActivity.Store(time.Now().UnixNano())
}
