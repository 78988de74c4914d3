package session

import "time"

// AudioLimits bounds inbound customer audio per session. Zero values disable
// the check entirely.
type AudioLimits struct {
	MaxFramesPerSecond int
	MaxBytesPerSecond  int64
	BurstSeconds       int
}

func (l AudioLimits) enabled() bool {
	return l.MaxFramesPerSecond > 0 || l.MaxBytesPerSecond > 0
}

// audioBudget meters inbound audio over fixed burst windows: within each
// window the session may spend up to rate*burst frames and bytes, then the
// counters roll over with the window. Owned by the session loop, so no
// locking.
type audioBudget struct {
	limits AudioLimits
	now    func() time.Time

	windowStart time.Time
	frames      int64
	bytes       int64
}

func newAudioBudget(limits AudioLimits, now func() time.Time) *audioBudget {
	if !limits.enabled() {
		return nil
	}
	if limits.BurstSeconds <= 0 {
		limits.BurstSeconds = 1
	}
	if now == nil {
		now = time.Now
	}
	return &audioBudget{limits: limits, now: now, windowStart: now()}
}

// allow charges one frame against the current window. A nil budget allows
// everything.
func (b *audioBudget) allow(frameBytes int) bool {
	if b == nil {
		return true
	}
	window := time.Duration(b.limits.BurstSeconds) * time.Second
	ts := b.now()
	if ts.Sub(b.windowStart) >= window {
		b.windowStart = ts
		b.frames = 0
		b.bytes = 0
	}
	if frameBytes < 0 {
		frameBytes = 0
	}
	if maxFrames := int64(b.limits.MaxFramesPerSecond) * int64(b.limits.BurstSeconds); maxFrames > 0 && b.frames+1 > maxFrames {
		return false
	}
	if maxBytes := b.limits.MaxBytesPerSecond * int64(b.limits.BurstSeconds); maxBytes > 0 && b.bytes+int64(frameBytes) > maxBytes {
		return false
	}
	b.frames++
	b.bytes += int64(frameBytes)
	return true
}
