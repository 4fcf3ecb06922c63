package cache

import (
	"time"
)

// Subscribe returns a channel of change events. Events are dropped for a
// subscriber whose buffer is full; subscribers that must not miss a change
// re-check state periodically. The channel is closed by cancel or Close.
func (c *Cache) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subsMu.Unlock()

	cancel := func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (c *Cache) publish(ev Event) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.logger.Debug("cache: subscriber buffer full, dropping event", "owner", ev.Owner, "doc", ev.ID)
		}
	}
}

func (c *Cache) sweepLoop(interval time.Duration) {
	defer close(c.sweepDone)
	ticker := c.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopSweep:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep evicts owners idle for longer than the idle timeout.
func (c *Cache) sweep() {
	cutoff := c.clock.Now().Add(-c.idle)

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, owner := range c.lru.Keys() {
		e, ok := c.lru.Peek(owner)
		if !ok {
			continue
		}
		e.mu.Lock()
		idle := e.lastAccess.Before(cutoff) || e.lastAccess.Equal(cutoff)
		e.mu.Unlock()
		if idle {
			c.logger.Debug("cache: evicting idle owner", "owner", owner)
			c.lru.Remove(owner)
		}
	}
	c.metrics.Owners(c.lru.Len())
}
