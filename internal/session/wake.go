package session

import (
	"context"
	"time"

	"aura/internal/capability"
	"aura/internal/model"
)

// startWake begins wake-word listening unless it is already active.
// Called with c.mu held.
func (c *Controller) startWake() {
	if c.deps.Wake == nil || c.wakeCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	events, err := c.deps.Wake.Start(ctx)
	if err != nil {
		cancel()
		if c.deps.Logger != nil {
			c.deps.Logger.Warn("wake word listening unavailable", "err", capability.Fail("wake_word", err))
		}
		return
	}
	done := make(chan struct{})
	c.wakeCancel = cancel
	c.wakeDone = done
	go func() {
		defer close(done)
		c.consumeWake(ctx, events)
	}()
}

// stopWake is called with c.mu held.
func (c *Controller) stopWake() {
	if c.wakeCancel == nil {
		return
	}
	c.wakeCancel()
	c.deps.Wake.Stop()
	select {
	case <-c.wakeDone:
	case <-time.After(c.config().StopTimeout):
		if c.deps.Logger != nil {
			c.deps.Logger.Warn("wake word consumer did not exit in time")
		}
	}
	c.wakeCancel = nil
	c.wakeDone = nil
}

// consumeWake is the single owner of wake events for one listening period.
func (c *Controller) consumeWake(ctx context.Context, events <-chan capability.WakeEvent) {
	defer c.listenWG.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if c.deps.Logger != nil {
				c.deps.Logger.Debug("wake word detected", "phrase", ev.Phrase)
			}
			c.OnWakeWord(ctx)
		}
	}
}

// OnWakeWord starts one follow-up recognition. It returns false when no
// session is running or a recognition is already in flight.
func (c *Controller) OnWakeWord(ctx context.Context) bool {
	if c.deps.Listener == nil || c.state.Status() != StatusRunning {
		return false
	}
	if !c.listening.CompareAndSwap(false, true) {
		return false
	}
	sessionID := c.state.ID()
	c.deps.Sink.Broadcast(model.EventWakeWordDetected, map[string]any{"session_id": sessionID})
	cfg := c.config()
	c.listenWG.Add(1)
	go func() {
		defer c.listenWG.Done()
		text, ok, err := c.deps.Listener.Listen(ctx, cfg.ListenTimeout, cfg.PhraseLimit)
		c.listening.Store(false)
		if err != nil {
			c.capabilityFailed("listener", err)
			ok = false
		}
		if !ok {
			text = ""
		}
		c.deps.Sink.Broadcast(model.EventVoiceCommand, map[string]any{"command": text, "session_id": sessionID})
		if text == "" || !cfg.AutoDispatch {
			return
		}
		if _, err := c.HandleVoiceCommand(ctx, text); err != nil && c.deps.Logger != nil {
			c.deps.Logger.Debug("follow-up command not dispatched", "err", err)
		}
	}()
	return true
}

// WaitListening blocks until in-flight follow-up recognitions finish.
func (c *Controller) WaitListening() {
	c.listenWG.Wait()
}
