package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/yaront1111/mandarin-sub007/internal/core/domain"
	"github.com/yaront1111/mandarin-sub007/internal/core/port"
)

// Deliverer writes relay events to every live connection of a user, retrying
// the whole emit a bounded number of times.
type Deliverer struct {
	presence port.Presence
	attempts int
	delay    time.Duration

	events   atomic.Int64
	failures atomic.Int64
}

func NewDeliverer(presence port.Presence, attempts int, delay time.Duration) *Deliverer {
	if attempts < 1 {
		attempts = 1
	}
	return &Deliverer{
		presence: presence,
		attempts: attempts,
		delay:    delay,
	}
}

// Deliver returns the number of attempts used. Every live connection gets the
// write; the attempt succeeds when at least one of them accepts it.
// Connections are re-resolved before every attempt so a reconnect between
// attempts is picked up.
func (d *Deliverer) Deliver(ctx context.Context, to domain.UserID, ev domain.Event) (int, error) {
	return d.deliver(ctx, to, ev, d.attempts)
}

// DeliverOnce makes a single best-effort attempt.
func (d *Deliverer) DeliverOnce(ctx context.Context, to domain.UserID, ev domain.Event) error {
	_, err := d.deliver(ctx, to, ev, 1)
	return err
}

func (d *Deliverer) deliver(ctx context.Context, to domain.UserID, ev domain.Event, attempts int) (int, error) {
	frame, err := ev.Frame()
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", ev.Type, err)
	}
	d.events.Add(1)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		conns := d.presence.LiveConnectionsFor(to)
		if len(conns) == 0 {
			lastErr = domain.ErrRecipientUnavailable
		}
		delivered := false
		for _, c := range conns {
			if err := c.Send(frame); err != nil {
				lastErr = err
				log.Debug().Err(err).
					Str("user_id", to.String()).
					Str("conn_id", c.ID().String()).
					Str("event", string(ev.Type)).
					Msg("write to connection failed")
				continue
			}
			delivered = true
		}
		if delivered {
			return attempt, nil
		}

		if attempt == attempts {
			break
		}
		if err := sleepCtx(ctx, d.delay); err != nil {
			d.failures.Add(1)
			return attempt, fmt.Errorf("%w: %s to %s: %w", domain.ErrDeliveryFailed, ev.Type, to, err)
		}
	}

	d.failures.Add(1)
	return attempts, fmt.Errorf("%w: %s to %s after %d attempts: %w", domain.ErrDeliveryFailed, ev.Type, to, attempts, lastErr)
}

// Counters returns the number of emitted events and how many of them failed.
func (d *Deliverer) Counters() (events, failures int64) {
	return d.events.Load(), d.failures.Load()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
