package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfman30/govbook/internal/auth"
	"github.com/wolfman30/govbook/internal/realtime"
	"github.com/wolfman30/govbook/internal/reservation"
)

// handleLifecycle runs on the channel's reader goroutine. Only disconnects
// matter here; a disconnect during Submitting is resolved by the submitter.
func (s *Session) handleLifecycle(ev realtime.LifecycleEvent) {
	if ev.Kind != realtime.LifecycleDisconnected {
		return
	}
	s.mu.Lock()
	if s.closed || s.reconnecting || !s.state.in(StateSelectingService, StateSubscribed, StateSlotChosen) {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	state := s.state
	s.mu.Unlock()

	s.logger.Warn("session: connection lost", "state", state, "error", ev.Err)
	go s.reconnect()
}

func (s *Session) reconnect() {
	attempts := s.opts.ReconnectAttempts
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		select {
		case <-time.After(s.opts.ReconnectBackoff * time.Duration(attempt)):
		case <-s.done:
			return
		}

		done, err := s.tryReconnect(attempt)
		if done {
			return
		}
		lastErr = err
		if errors.Is(err, auth.ErrAuth) {
			break
		}
	}

	cause := fmt.Errorf("%w after %d attempts", ErrConnectionLost, attempts)
	if lastErr != nil {
		cause = fmt.Errorf("%w after %d attempts: %w", ErrConnectionLost, attempts, lastErr)
	}
	s.finish(nil, reservation.Outcome{Kind: reservation.OutcomeTransportFailure, Err: cause})
}

// tryReconnect re-opens the channel and re-subscribes under a new
// generation. It reports done when no further attempts should be made.
func (s *Session) tryReconnect(attempt int) (bool, error) {
	ctx := context.Background()
	if s.opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.DialTimeout)
		defer cancel()
	}

	s.mu.Lock()
	if s.closed || !s.state.in(StateSelectingService, StateSubscribed, StateSlotChosen) {
		s.reconnecting = false
		s.mu.Unlock()
		return true, nil
	}
	s.mu.Unlock()

	token, err := s.token(ctx)
	if err == nil {
		err = s.channel.Open(ctx, token)
	}
	if err != nil {
		s.logger.Warn("session: reconnect failed", "attempt", attempt, "error", err)
		return false, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.channel.Close()
		return true, nil
	}
	if !s.state.in(StateSelectingService, StateSubscribed, StateSlotChosen) {
		s.reconnecting = false
		s.mu.Unlock()
		return true, nil
	}
	service, date := s.service, s.date
	if service.ServiceID == "" {
		s.reconnecting = false
		s.mu.Unlock()
		s.logger.Info("session: reconnected", "attempt", attempt)
		return true, nil
	}
	gen, err := s.subscription.Subscribe(ctx, service.ServiceID, date)
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("session: resubscribe failed", "attempt", attempt, "error", err)
		return false, err
	}
	s.generation = gen
	s.slot = ""
	s.reconnecting = false
	notify := s.setStateLocked(StateSubscribed)
	s.mu.Unlock()

	s.logger.Info("session: reconnected", "attempt", attempt, "service_id", service.ServiceID, "generation", gen)
	notify()
	s.seed(ctx, service.ServiceID, date, gen)
	return true, nil
}
