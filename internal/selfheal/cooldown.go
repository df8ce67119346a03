// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package selfheal

import (
	"sync"
	"time"
)

// cooldowns gates noisy actions: each key fires at most once per window.
type cooldowns struct {
	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

func newCooldowns() *cooldowns {
	return &cooldowns{last: make(map[string]time.Time), now: time.Now}
}

// Allow reports whether the key is outside its window, and if so, stamps it.
func (c *cooldowns) Allow(key string, window time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if last, ok := c.last[key]; ok && now.Sub(last) < window {
		return false
	}
	c.last[key] = now
	return true
}

// Clear removes a key so the next Allow fires immediately.
func (c *cooldowns) Clear(key string) {
	c.mu.Lock()
	delete(c.last, key)
	c.mu.Unlock()
}
