package stack

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// tickInterval drives neighbor-cache aging, fragment-flow eviction, and
// every live TCB's retransmission/persist/keepalive/TIME-WAIT timers.
const tickInterval = 100 * time.Millisecond

// Run drives the stack until ctx is canceled: one goroutine reads frames
// from Config.Source and dispatches them, another fires the periodic
// timers. Run blocks until both stop.
func (s *Stack) Run(ctx context.Context) error {
	done := make(chan struct{})
	var readErr error

	go func() {
		defer close(done)
		readErr = s.readLoop(ctx)
	}()

	s.tickLoop(ctx)
	<-done
	if errors.Is(readErr, context.Canceled) {
		return nil
	}
	return readErr
}

// readLoop reads frames with an exponential backoff between consecutive
// source errors, so a flaky tap device doesn't spin the CPU; a clean read
// resets the backoff. It returns only when ctx is done or the source
// reports a non-retryable condition by way of ctx cancellation.
func (s *Stack) readLoop(ctx context.Context) error {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(10*time.Millisecond),
		backoff.WithMultiplier(2.0),
		backoff.WithMaxInterval(2*time.Second),
		backoff.WithMaxElapsedTime(0), // retry indefinitely; ctx bounds it
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		frame, err := s.cfg.Source.ReadFrame()
		if err != nil {
			wait := b.NextBackOff()
			if wait == backoff.Stop {
				return err
			}
			s.logger.Warn("frame source read failed, backing off", "error", err, "wait", wait)
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
			continue
		}
		b.Reset()
		s.HandleFrame(frame)
	}
}

// tickLoop fires every tickInterval until ctx is done, aging the neighbor
// caches, sweeping fragment flows, and ticking every live TCB.
func (s *Stack) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

func (s *Stack) tick(now time.Time) {
	s.arp.Age(now)
	s.nd.Age(now)
	s.dad.Tick(now)

	s.frag4.Sweep(now)
	s.frag6.Sweep(now)
	metricFragmentFlows.WithLabelValues("ipv4").Set(float64(s.frag4.Len()))
	metricFragmentFlows.WithLabelValues("ipv6").Set(float64(s.frag6.Len()))
	metricNeighborCacheSize.WithLabelValues("arp").Set(float64(len(s.arp.Snapshot())))
	metricNeighborCacheSize.WithLabelValues("nd").Set(float64(len(s.nd.Snapshot())))

	for _, tcb := range s.sockets.LiveTCBs() {
		if err := tcb.Tick(now); err != nil {
			s.logger.Debug("TCB tick error", "error", err)
		}
	}
}
