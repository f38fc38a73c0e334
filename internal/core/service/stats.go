package service

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Stats is the diagnostics view exposed by the relay.
type Stats struct {
	ActiveCalls         int     `json:"activeCalls"`
	TrackedSessions     int     `json:"trackedSessions"`
	TotalCalls          int64   `json:"totalCalls"`
	DeliveredEvents     int64   `json:"deliveredEvents"`
	DeliveryFailures    int64   `json:"deliveryFailures"`
	DeliveryFailureRate float64 `json:"deliveryFailureRate"`
	AverageCallSeconds  float64 `json:"averageCallSeconds"`
	RateLimited         int64   `json:"rateLimited"`
}

func (s *CallService) Stats(ctx context.Context) Stats {
	events, failures := s.delivery.Counters()
	st := Stats{
		ActiveCalls:      s.store.Active(),
		TrackedSessions:  s.store.Len(),
		TotalCalls:       s.totalCalls.Load(),
		DeliveredEvents:  events - failures,
		DeliveryFailures: failures,
		RateLimited:      s.rateLimited.Load(),
	}
	if events > 0 {
		st.DeliveryFailureRate = float64(failures) / float64(events)
	}
	if s.history != nil {
		avg, err := s.history.AverageDuration(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Average call duration unavailable")
		} else {
			st.AverageCallSeconds = avg.Seconds()
		}
	}
	return st
}
