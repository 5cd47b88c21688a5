package catalog

// Watch returns a channel that receives the catalog version after each
// change, and a function that cancels the subscription. Slow consumers only
// see the latest version.
func (c *Catalog) Watch() (<-chan uint64, func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	id := c.nextSub
	c.nextSub++
	ch := make(chan uint64, 1)
	c.subscribers[id] = ch

	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if sub, ok := c.subscribers[id]; ok {
			delete(c.subscribers, id)
			close(sub)
		}
	}
}

func (c *Catalog) notify(version uint64) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	for _, ch := range c.subscribers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- version:
		default:
		}
	}
}
