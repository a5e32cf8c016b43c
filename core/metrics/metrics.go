// Package metrics collects per-connection transfer counters.
package metrics

import (
	"sync/atomic"
	"time"
)

// Collector accumulates counters for a single connection. All methods are
// safe for concurrent use; reads go through Snapshot.
type Collector struct {
	bytesSent      atomic.Uint64
	bytesReceived  atomic.Uint64
	framesSent     atomic.Uint64
	framesReceived atomic.Uint64
	requestsSent   atomic.Uint64
	responsesRecvd atomic.Uint64
	timeouts       atomic.Uint64
	protocolErrors atomic.Uint64
	pending        atomic.Int64
	lastRTTMillis  atomic.Int64
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) FrameSent(n int) {
	c.framesSent.Add(1)
	c.bytesSent.Add(uint64(n))
}

func (c *Collector) FrameReceived(n int) {
	c.framesReceived.Add(1)
	c.bytesReceived.Add(uint64(n))
}

func (c *Collector) RequestSent()      { c.requestsSent.Add(1) }
func (c *Collector) ResponseReceived() { c.responsesRecvd.Add(1) }
func (c *Collector) Timeout()          { c.timeouts.Add(1) }
func (c *Collector) ProtocolError()    { c.protocolErrors.Add(1) }

func (c *Collector) PendingInc() { c.pending.Add(1) }
func (c *Collector) PendingDec() { c.pending.Add(-1) }

// ObserveRTT records the latest measured round trip.
func (c *Collector) ObserveRTT(rtt time.Duration) {
	c.lastRTTMillis.Store(rtt.Milliseconds())
}

// Snapshot is an immutable view of a Collector at one instant.
type Snapshot struct {
	Timestamp      time.Time
	BytesSent      uint64
	BytesReceived  uint64
	FramesSent     uint64
	FramesReceived uint64
	RequestsSent   uint64
	ResponsesRecvd uint64
	Timeouts       uint64
	ProtocolErrors uint64
	Pending        int64
	LastRTTMillis  int64
}

func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		Timestamp:      time.Now(),
		BytesSent:      c.bytesSent.Load(),
		BytesReceived:  c.bytesReceived.Load(),
		FramesSent:     c.framesSent.Load(),
		FramesReceived: c.framesReceived.Load(),
		RequestsSent:   c.requestsSent.Load(),
		ResponsesRecvd: c.responsesRecvd.Load(),
		Timeouts:       c.timeouts.Load(),
		ProtocolErrors: c.protocolErrors.Load(),
		Pending:        c.pending.Load(),
		LastRTTMillis:  c.lastRTTMillis.Load(),
	}
}
