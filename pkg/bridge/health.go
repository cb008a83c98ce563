// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-bridgecore/pkg/network"
)

// Degrader is the part of the portal registry driven by the health tracker.
type Degrader interface {
	DegradeAll(ctx context.Context)
	RecoverAll(ctx context.Context)
}

// Probe checks whether one side is reachable again.
type Probe func(ctx context.Context) error

// Health counts consecutive transient delivery failures per side. Reaching
// the threshold on either side degrades every active portal, and the next
// success on a failing side recovers them.
type Health struct {
	threshold int
	log       zerolog.Logger

	lock     sync.Mutex
	portals  Degrader
	failures map[network.Side]int
	degraded bool
}

// NewHealth creates a tracker. Watch must be called before reports have any
// effect on portals.
func NewHealth(threshold int, log zerolog.Logger) *Health {
	return &Health{
		threshold: max(threshold, 1),
		log:       log.With().Str("component", "health").Logger(),
		failures:  make(map[network.Side]int),
	}
}

// Watch sets the portals to degrade and recover.
func (h *Health) Watch(portals Degrader) {
	h.lock.Lock()
	h.portals = portals
	h.lock.Unlock()
}

// Degraded reports whether portals are currently degraded.
func (h *Health) Degraded() bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.degraded
}

// Failures returns the current consecutive failure count of a side.
func (h *Health) Failures(side network.Side) int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.failures[side]
}

// ReportSuccess resets the failure count of a side.
func (h *Health) ReportSuccess(side network.Side) {
	h.lock.Lock()
	h.failures[side] = 0
	recovering := h.degraded && h.failures[side.Opposite()] < h.threshold
	if recovering {
		h.degraded = false
	}
	portals := h.portals
	h.lock.Unlock()
	if recovering {
		h.log.Info().Str("side", string(side)).Msg("Delivery succeeded, recovering portals")
		if portals != nil {
			portals.RecoverAll(context.Background())
		}
	}
}

// ReportFailure counts a transient failure of a side.
func (h *Health) ReportFailure(side network.Side, err error) {
	h.lock.Lock()
	h.failures[side]++
	count := h.failures[side]
	degrade := !h.degraded && count >= h.threshold
	if degrade {
		h.degraded = true
	}
	portals := h.portals
	h.lock.Unlock()
	if degrade {
		h.log.Warn().Err(err).
			Str("side", string(side)).
			Int("consecutive_failures", count).
			Msg("Too many delivery failures, degrading portals")
		if portals != nil {
			portals.DegradeAll(context.Background())
		}
	}
}

// Run probes the failing sides every interval while portals are degraded.
// Degraded portals don't send anything, so without probes nothing would
// ever report a success.
func (h *Health) Run(ctx context.Context, interval time.Duration, probes map[network.Side]Probe) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.probe(ctx, probes)
		}
	}
}

func (h *Health) probe(ctx context.Context, probes map[network.Side]Probe) {
	if !h.Degraded() {
		return
	}
	for side, probe := range probes {
		if h.Failures(side) < h.threshold {
			continue
		}
		if err := probe(ctx); err != nil {
			h.log.Debug().Err(err).Str("side", string(side)).Msg("Health probe failed")
			continue
		}
		h.ReportSuccess(side)
	}
}
