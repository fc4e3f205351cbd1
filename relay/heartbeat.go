package relay

import (
	"context"

	"github.com/tablelink/companion-sync/protocol"
)

// Heartbeats only run while the global state is Play.

func (c *Conn) startHeartbeat() {
	c.stopHeartbeat()
	c.scheduleHeartbeat(c.heartbeatGen)
}

func (c *Conn) stopHeartbeat() {
	c.heartbeatGen++
	stopTimer(&c.heartbeatTimer)
}

func (c *Conn) scheduleHeartbeat(gen uint64) {
	c.heartbeatTimer = c.afterFunc(c.opts.HeartbeatInterval, func() {
		c.Post(func() { c.onHeartbeatTick(gen) })
	})
}

func (c *Conn) onHeartbeatTick(gen uint64) {
	if gen != c.heartbeatGen || c.state != StatePlay {
		return
	}
	c.send("", protocol.MsgHeartbeat, protocol.Heartbeat{Timestamp: c.now().UnixMilli()})
	c.scheduleHeartbeat(gen)
}

// Peers heartbeat us too. Always answer, whatever the phase.
func (c *Conn) onHeartbeat(ctx context.Context, env *protocol.Envelope) error {
	c.touch(env.From)
	c.send(env.From, protocol.MsgPong, protocol.Heartbeat{Timestamp: env.Timestamp})
	return nil
}

func (c *Conn) onPong(ctx context.Context, env *protocol.Envelope) error {
	c.touch(env.From)
	return nil
}

func (c *Conn) touch(clientID string) {
	if rc := c.roster.Get(clientID); rc != nil {
		rc.LastActivity = c.now()
	}
}
