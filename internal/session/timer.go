package session

import "time"

// CallTimer measures how long the media link has been up. It is driven from
// the session loop; the optional tick callback runs on its own goroutine.
type CallTimer struct {
	now      func() time.Time
	interval time.Duration
	onTick   func(elapsed time.Duration)

	startedAt time.Time
	stoppedAt time.Time
	running   bool
	stop      chan struct{}
}

func NewCallTimer(onTick func(time.Duration)) *CallTimer {
	return &CallTimer{now: time.Now, interval: time.Second, onTick: onTick}
}

// Start begins a new measurement. A running timer is left alone.
func (t *CallTimer) Start() {
	if t.running {
		return
	}
	t.running = true
	t.startedAt = t.now()
	t.stoppedAt = time.Time{}
	if t.onTick == nil {
		return
	}
	stop := make(chan struct{})
	t.stop = stop
	go t.tick(t.startedAt, stop)
}

func (t *CallTimer) tick(startedAt time.Time, stop <-chan struct{}) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			t.onTick(now.Sub(startedAt).Truncate(time.Second))
		}
	}
}

// Stop freezes the elapsed time. Safe to call when not running.
func (t *CallTimer) Stop() {
	if !t.running {
		return
	}
	t.running = false
	t.stoppedAt = t.now()
	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
}

func (t *CallTimer) Running() bool { return t.running }

// StartedAt returns when the current or last measurement began.
func (t *CallTimer) StartedAt() time.Time { return t.startedAt }

// Elapsed returns the duration of the current or last measurement.
func (t *CallTimer) Elapsed() time.Duration {
	switch {
	case t.startedAt.IsZero():
		return 0
	case t.running:
		return t.now().Sub(t.startedAt)
	}
	return t.stoppedAt.Sub(t.startedAt)
}
