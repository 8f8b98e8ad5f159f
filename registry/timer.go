/*
 * Copyright (c) 2024 BOSAGORA Foundation
 */
package registry

import (
	"sync"
	"time"
)

// Timer is a rearmable one-shot timer whose callback is posted onto a
// zone's task queue, so timer callbacks never interleave with other work
// on the same zone. Rearm replaces any prior schedule; stopping a timer
// that is not pending is a no-op.
type Timer struct {
	mu      sync.Mutex
	name    string
	timer   *time.Timer
	pending bool
	post    func(func()) // enqueue on the owning zone's task queue
	fn      func()
}

func NewTimer(name string, post func(func()), fn func()) *Timer {
	return &Timer{name: name, post: post, fn: fn}
}

func (t *Timer) Rearm(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.pending = true
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		fired := t.pending
		t.pending = false
		t.mu.Unlock()
		if fired {
			t.post(t.fn)
		}
	})
}

func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.pending = false
}

func (t *Timer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}
