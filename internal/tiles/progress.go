package tiles

// StartProgressTracking counts requested versus finished tiles and calls fn on
// every change. A positive fixedTotal pre-declares the total instead of
// growing it as tiles are requested.
func (c *Cache) StartProgressTracking(fixedTotal int, fn func(Progress)) {
	c.mu.Lock()
	c.tracking = true
	c.fixedTotal = fixedTotal > 0
	c.progress = Progress{}
	if c.fixedTotal {
		c.progress.Total = fixedTotal
	}
	c.tracked = make(map[Key]bool)
	c.onProgress = fn
	p := c.progress
	c.mu.Unlock()

	if fn != nil {
		fn(p)
	}
}

// StopProgressTracking ends tracking and returns the final counts.
func (c *Cache) StopProgressTracking() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracking = false
	c.onProgress = nil
	c.tracked = nil
	if c.progress.Loaded > c.progress.Total {
		c.progress.Loaded = c.progress.Total
	}
	return c.progress
}

// Progress returns the current counts.
func (c *Cache) Progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

// trackRequestLocked registers a pending key. Caller holds c.mu.
func (c *Cache) trackRequestLocked(k Key) (func(Progress), Progress) {
	if !c.tracking {
		return nil, Progress{}
	}
	if _, seen := c.tracked[k]; seen {
		return nil, Progress{}
	}
	c.tracked[k] = false
	if !c.fixedTotal {
		c.progress.Total++
	}
	return c.onProgress, c.progress
}

// trackHitLocked registers a key that was already cached as done.
func (c *Cache) trackHitLocked(k Key) (func(Progress), Progress) {
	if !c.tracking {
		return nil, Progress{}
	}
	if _, seen := c.tracked[k]; seen {
		return nil, Progress{}
	}
	c.tracked[k] = true
	if !c.fixedTotal {
		c.progress.Total++
	}
	c.bumpLoadedLocked()
	return c.onProgress, c.progress
}

func (c *Cache) bumpLoadedLocked() {
	if c.progress.Loaded < c.progress.Total {
		c.progress.Loaded++
	}
}

// finish marks a tracked key done whether it loaded or failed.
func (c *Cache) finish(k Key) {
	c.mu.Lock()
	if !c.tracking {
		c.mu.Unlock()
		return
	}
	done, seen := c.tracked[k]
	if !seen || done {
		c.mu.Unlock()
		return
	}
	c.tracked[k] = true
	c.bumpLoadedLocked()
	fn, p := c.onProgress, c.progress
	c.mu.Unlock()

	if fn != nil {
		fn(p)
	}
}
