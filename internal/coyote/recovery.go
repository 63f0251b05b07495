package coyote

import (
	"context"
	"time"

	"github.com/yomo40/dglab-yokonex-charging-panel-sub004/internal/logger"
)

// startRecovery launches a recovery episode for an unexpected disconnect. The
// compare-and-swap gate guarantees a single in-flight episode: a second drop
// while one is running is a no-op. The episode context is cancelled by
// Disconnect and Close so a manual teardown never waits out the retry budget.
func (s *Session) startRecovery(deviceID string) {
	if !s.recovering.CompareAndSwap(false, true) {
		logger.Debug("[COYOTE] recovery already in flight, ignoring disconnect")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.recoverCancel = cancel
	s.mu.Unlock()
	go s.recoverLoop(ctx, cancel, deviceID)
}

// Recovering reports whether a recovery episode is in flight.
func (s *Session) Recovering() bool {
	return s.recovering.Load()
}

// recoverLoop re-establishes the session after a link drop: bounded attempts
// with linearly increasing delay, then replay of every subscription intent
// and re-assertion of the soft limit before any new command is accepted.
// Cancelling ctx aborts the episode mid-delay and mid-attempt.
func (s *Session) recoverLoop(ctx context.Context, cancel context.CancelFunc, deviceID string) {
	defer s.recovering.Store(false)
	defer func() {
		s.mu.Lock()
		s.recoverCancel = nil
		s.mu.Unlock()
		cancel()
	}()

	// release the stale handles first; the platform objects died with the link
	select {
	case s.connLock <- struct{}{}:
	case <-s.closed:
		return
	}
	s.setState(StateDisconnecting, "link lost")
	s.teardown("link lost")
	s.setState(StateDisconnected, "link lost")

	for attempt := 1; attempt <= s.cfg.RecoverAttempts; attempt++ {
		if s.isManual() {
			logger.Info("[COYOTE] recovery cancelled by manual disconnect")
			s.release(s.connLock)
			return
		}

		delay := s.cfg.RecoverDelay * time.Duration(attempt)
		logger.Info("[COYOTE] recovery attempt %d/%d in %s", attempt, s.cfg.RecoverAttempts, delay)
		if err := s.sleep(ctx, delay); err != nil {
			logger.Info("[COYOTE] recovery cancelled")
			s.release(s.connLock)
			return
		}

		// take the GATT lane before reconnecting and keep it through replay:
		// connectLocked publishes Connected, and from that instant a caller
		// command must not reach the new link ahead of the subscriptions and
		// the soft limit
		if err := s.acquire(ctx, s.gattLock, "recover"); err != nil {
			s.release(s.connLock)
			return
		}
		if err := s.connectLocked(ctx, deviceID, "recover"); err != nil {
			s.release(s.gattLock)
			if ctx.Err() != nil || s.isManual() {
				logger.Info("[COYOTE] recovery cancelled by manual disconnect")
				s.release(s.connLock)
				return
			}
			logger.Warn("[COYOTE] recovery attempt %d failed: %v", attempt, err)
			continue
		}
		s.replaySubscriptionsLocked(ctx)
		s.reassertSoftLimitLocked(ctx)
		s.release(s.gattLock)

		s.release(s.connLock)
		logger.Info("[COYOTE] recovery complete after %d attempt(s)", attempt)
		return
	}

	s.release(s.connLock)
	logger.Error("[COYOTE] recovery exhausted after %d attempts", s.cfg.RecoverAttempts)
}

// replaySubscriptionsLocked re-subscribes every recorded intent. Individual
// failures are logged, not fatal to the episode. Caller holds gattLock.
func (s *Session) replaySubscriptionsLocked(ctx context.Context) {
	s.mu.RLock()
	intents := make(map[charKey]func([]byte), len(s.intents))
	for key, handler := range s.intents {
		intents[key] = handler
	}
	s.mu.RUnlock()

	for key, handler := range intents {
		if err := s.subscribeLocked(ctx, key.service, key.char, handler, "recover"); err != nil {
			logger.Warn("[COYOTE] failed to replay subscription %s: %v", key.char, err)
		}
	}
}

// reassertSoftLimitLocked re-sends the last soft limit; the device forgets it
// across a radio disconnect. Caller holds gattLock.
func (s *Session) reassertSoftLimitLocked(ctx context.Context) {
	limit := s.SoftLimit()
	if limit == nil {
		return
	}
	if err := s.writeFrameLocked(ctx, limit, s.cfg.WriteAttempts, false, "recover"); err != nil {
		logger.Error("[COYOTE] failed to re-assert soft limit: %v", err)
		return
	}
	logger.Info("[COYOTE] soft limit re-asserted (%d, %d)", limit.LimitA, limit.LimitB)
}
