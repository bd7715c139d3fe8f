package meeting

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
)

// Controller holds at most one mounted room session. Mounting always
// disposes the previous session first; that invariant lives here, not in
// callers.
type Controller struct {
	provider Provider

	mu      sync.Mutex
	current Session
	gate    *callbackGate
	load    *loadAttempt
	loaded  bool
}

// loadAttempt is the shared future for the widget library load: concurrent
// mounts wait on the same attempt instead of loading twice. A failed attempt
// is dropped so the next mount starts fresh.
type loadAttempt struct {
	done chan struct{}
	err  error
}

func NewController(p Provider) *Controller {
	return &Controller{provider: p}
}

// Mount disposes any previous session and binds a new one to roomName. The
// callbacks are gated: once the session is disposed, late widget events are
// dropped instead of firing into a reused controller.
func (c *Controller) Mount(roomName, displayName string, opts Options, cb Callbacks) error {
	if c.provider == nil {
		return fmt.Errorf("%w: no provider", ErrRoomLoad)
	}
	if err := c.ensureLoaded(); err != nil {
		return err
	}

	c.mu.Lock()
	c.disposeLocked()
	gate := &callbackGate{}
	gate.open.Store(true)
	c.gate = gate
	c.mu.Unlock()

	sess, err := c.provider.CreateSession(roomName, displayName, opts, gate.wrap(cb))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRoomLoad, err)
	}

	c.mu.Lock()
	if c.gate != gate {
		// A newer mount or dispose won the race; ours is stale.
		c.mu.Unlock()
		sess.Dispose()
		return nil
	}
	c.current = sess
	c.mu.Unlock()
	log.Printf("[MEETING] mounted room %s", roomName)
	return nil
}

func (c *Controller) ensureLoaded() error {
	c.mu.Lock()
	if c.loaded {
		c.mu.Unlock()
		return nil
	}
	if c.load != nil {
		attempt := c.load
		c.mu.Unlock()
		<-attempt.done
		return attempt.err
	}
	attempt := &loadAttempt{done: make(chan struct{})}
	c.load = attempt
	c.mu.Unlock()

	err := c.provider.Load()
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrRoomLoad, err)
	}
	attempt.err = err
	close(attempt.done)

	c.mu.Lock()
	c.load = nil
	c.loaded = err == nil
	c.mu.Unlock()
	return err
}

// Dispose unbinds all callbacks before destroying the session; a disposed
// widget must not fire late events into whatever mounts next.
func (c *Controller) Dispose() {
	c.mu.Lock()
	c.disposeLocked()
	c.mu.Unlock()
}

func (c *Controller) disposeLocked() {
	if c.gate != nil {
		c.gate.open.Store(false)
		c.gate = nil
	}
	if c.current != nil {
		c.current.Dispose()
		c.current = nil
	}
}

// Mounted reports whether a session is currently bound.
func (c *Controller) Mounted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// ToggleAudio forwards to the mounted session, if any.
func (c *Controller) ToggleAudio() error {
	c.mu.Lock()
	sess := c.current
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.ToggleAudio()
}

// ToggleVideo forwards to the mounted session, if any.
func (c *Controller) ToggleVideo() error {
	c.mu.Lock()
	sess := c.current
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.ToggleVideo()
}

// Hangup forwards the hangup command to the mounted session, if any.
func (c *Controller) Hangup() error {
	c.mu.Lock()
	sess := c.current
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Hangup()
}

type callbackGate struct {
	open atomic.Bool
}

func (g *callbackGate) wrap(cb Callbacks) Callbacks {
	out := Callbacks{}
	if cb.ReadyToClose != nil {
		f := cb.ReadyToClose
		out.ReadyToClose = func() {
			if g.open.Load() {
				f()
			}
		}
	}
	if cb.ConferenceJoined != nil {
		f := cb.ConferenceJoined
		out.ConferenceJoined = func() {
			if g.open.Load() {
				f()
			}
		}
	}
	if cb.ParticipantJoined != nil {
		f := cb.ParticipantJoined
		out.ParticipantJoined = func() {
			if g.open.Load() {
				f()
			}
		}
	}
	if cb.AudioMuteChanged != nil {
		f := cb.AudioMuteChanged
		out.AudioMuteChanged = func(muted bool) {
			if g.open.Load() {
				f(muted)
			}
		}
	}
	if cb.VideoMuteChanged != nil {
		f := cb.VideoMuteChanged
		out.VideoMuteChanged = func(muted bool) {
			if g.open.Load() {
				f(muted)
			}
		}
	}
	return out
}
