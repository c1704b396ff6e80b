package session

import (
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Status is the top-level state of a consultation call.
type Status int32

const (
	StatusIdle Status = iota
	StatusWaiting
	StatusConnecting
	StatusConnected
	StatusEnded
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusWaiting:
		return "waiting"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusEnded:
		return "ended"
	}
	return "unknown"
}

// Resources are released by the single teardown path, in field order.
type Resources struct {
	Detach  func()
	Media   interface{ Release() }
	Conn    io.Closer
	Channel io.Closer
}

// Controller is the status machine of one call and the only owner of its
// teardown. Transitions run on the session loop; Status may be read from
// any goroutine.
type Controller struct {
	status   atomic.Int32
	timer    *CallTimer
	onStatus func(Status)
	log      *zap.Logger

	res          Resources
	teardownOnce sync.Once
	reason       error
}

func NewController(timer *CallTimer, onStatus func(Status), log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	if timer == nil {
		timer = NewCallTimer(nil)
	}
	return &Controller{timer: timer, onStatus: onStatus, log: log}
}

// Bind sets the resources released by Teardown.
func (c *Controller) Bind(res Resources) { c.res = res }

// SetConn replaces the peer connection closed by Teardown.
func (c *Controller) SetConn(conn io.Closer) { c.res.Conn = conn }

// SetChannel registers the signaling channel once it is open.
func (c *Controller) SetChannel(ch io.Closer) { c.res.Channel = ch }

func (c *Controller) Status() Status { return Status(c.status.Load()) }

func (c *Controller) Timer() *CallTimer { return c.timer }

// Reason returns the failure that ended the call, nil for a normal end.
func (c *Controller) Reason() error { return c.reason }

// ChannelOpened moves idle to waiting.
func (c *Controller) ChannelOpened() bool {
	return c.transition(StatusWaiting, StatusIdle)
}

// PeerPresent moves waiting to connecting on ready or peer_joined.
func (c *Controller) PeerPresent() bool {
	return c.transition(StatusConnecting, StatusWaiting)
}

// MediaConnected moves connecting to connected and starts the timer.
func (c *Controller) MediaConnected() bool {
	if !c.transition(StatusConnected, StatusConnecting) {
		return false
	}
	c.timer.Start()
	return true
}

// PeerLeft goes back to waiting. Local media stays live for the peer's return.
func (c *Controller) PeerLeft() bool {
	if !c.transition(StatusWaiting, StatusConnected, StatusConnecting) {
		return false
	}
	c.timer.Stop()
	return true
}

// End moves to ended and tears everything down. It reports false when the
// call had already ended.
func (c *Controller) End(reason error) bool {
	if c.Status() == StatusEnded {
		return false
	}
	c.reason = reason
	c.set(StatusEnded)
	c.Teardown()
	return true
}

// Teardown releases every resource exactly once: timer, callbacks, local
// media, peer connection, signaling channel.
func (c *Controller) Teardown() {
	c.teardownOnce.Do(func() {
		c.timer.Stop()
		if c.res.Detach != nil {
			c.res.Detach()
		}
		if c.res.Media != nil {
			c.res.Media.Release()
		}
		if c.res.Conn != nil {
			if err := c.res.Conn.Close(); err != nil {
				c.log.Warn("close peer connection", zap.Error(err))
			}
		}
		if c.res.Channel != nil {
			if err := c.res.Channel.Close(); err != nil {
				c.log.Warn("close signaling channel", zap.Error(err))
			}
		}
		c.log.Info("session torn down")
	})
}

func (c *Controller) transition(to Status, from ...Status) bool {
	cur := c.Status()
	for _, f := range from {
		if cur == f {
			c.set(to)
			return true
		}
	}
	c.log.Debug("status transition ignored",
		zap.Stringer("from", cur), zap.Stringer("to", to))
	return false
}

func (c *Controller) set(s Status) {
	prev := Status(c.status.Swap(int32(s)))
	c.log.Info("status changed", zap.Stringer("from", prev), zap.Stringer("to", s))
	if c.onStatus != nil {
		c.onStatus(s)
	}
}
