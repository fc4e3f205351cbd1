package relay

import (
	"fmt"
	"time"
)

// Timer is the part of *time.Timer the connection needs, so tests can substitute their own clock.
type Timer interface {
	Stop() bool
}

type afterFuncer func(d time.Duration, fn func()) Timer

func realAfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// maxBackoffShift caps the doubling so the delay cannot overflow.
const maxBackoffShift = 16

// backoffDelay is the wait before reconnect attempt n, counting from 1: base, 2*base, 4*base...
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return base * time.Duration(1<<shift)
}

func stopTimer(t *Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// scheduleReconnect starts the backoff timer for the next attempt, or gives up.
func (c *Conn) scheduleReconnect(reason string) {
	if c.attempts >= c.opts.MaxReconnectAttempts {
		c.toDisconnected(fmt.Sprintf("%s, gave up after %d attempts", reason, c.attempts))
		return
	}
	c.attempts++
	delay := backoffDelay(c.opts.ReconnectBaseDelay, c.attempts)
	c.metrics.reconnect()
	c.transition(StateJoining, reason)
	stopTimer(&c.reconnectTimer)
	gen := c.gen
	c.reconnectTimer = c.afterFunc(delay, func() {
		c.Post(func() {
			// a disconnect or a newer dial supersedes this timer
			if gen != c.gen || c.state != StateJoining {
				return
			}
			c.reconnectTimer = nil
			c.dial()
		})
	})
	c.logger.Info().Int("attempt", c.attempts).Str("delay", delay.String()).Str("reason", reason).Msg("reconnecting")
}
