// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/aiku/mautrix-bridgecore/pkg/network"
	"github.com/aiku/mautrix-bridgecore/pkg/portal"
	"github.com/aiku/mautrix-bridgecore/pkg/relay"
)

// Acceptor routes inbound events to their portals.
type Acceptor interface {
	Accept(ctx context.Context, evt *network.Event) (*relay.Pending, error)
}

// ToDeviceHandler consumes pairwise key messages.
type ToDeviceHandler interface {
	HandleToDevice(ctx context.Context, msg *network.ToDeviceMessage) error
}

// Pump feeds one inbound stream into the relay pipeline in arrival order.
type Pump struct {
	relay    Acceptor
	toDevice ToDeviceHandler
	log      zerolog.Logger

	// Backoff between two attempts to accept an event after a storage
	// failure.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewPump(relay Acceptor, toDevice ToDeviceHandler, log zerolog.Logger) *Pump {
	return &Pump{
		relay:       relay,
		toDevice:    toDevice,
		log:         log,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  10 * time.Second,
	}
}

// Run delivers events until the stream closes or ctx is done.
func (p *Pump) Run(ctx context.Context, events <-chan *network.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := p.Deliver(ctx, evt); err != nil && ctx.Err() == nil {
				p.log.Err(err).Str("event_id", evt.ID).Msg("Failed to deliver inbound event")
			}
		}
	}
}

// Deliver hands one event to the pipeline, retrying storage failures until
// it was accepted. A home event waits while its degraded portal's queue is
// full. A remote event is left to the portal's catch-up instead. Remote
// to-device messages go to the session manager.
func (p *Pump) Deliver(ctx context.Context, evt *network.Event) error {
	if evt.Content.Kind == network.ContentToDevice {
		if evt.Side != network.SideRemote || evt.Content.ToDevice == nil || p.toDevice == nil {
			return nil
		}
		if err := p.toDevice.HandleToDevice(ctx, evt.Content.ToDevice); err != nil {
			p.log.Warn().Err(err).
				Str("sender_user", evt.Content.ToDevice.SenderUser).
				Str("sender_device", evt.Content.ToDevice.SenderDevice).
				Msg("Failed to handle to-device message")
		}
		return nil
	}
	log := p.log.With().
		Str("side", string(evt.Side)).
		Str("conversation_id", evt.ConversationID).
		Str("event_id", evt.ID).
		Logger()
	var full bool
	backoff := retry.WithCappedDuration(p.MaxBackoff, retry.NewExponential(p.BaseBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		_, err := p.relay.Accept(ctx, evt)
		switch {
		case err == nil:
			if full {
				log.Info().Msg("Portal queue has room again, event accepted")
			}
			return nil
		case errors.Is(err, portal.ErrQueueFull) && evt.Side == network.SideRemote:
			// Refused remote events are backfilled from the portal cursor
			// when the portal recovers.
			log.Info().Err(err).Msg("Portal queue is full, leaving event to catch-up")
			return nil
		case errors.Is(err, portal.ErrQueueFull):
			if !full {
				full = true
				log.Warn().Err(err).Msg("Portal queue is full, holding event until it drains")
			}
			return retry.RetryableError(err)
		default:
			log.Warn().Err(err).Msg("Failed to accept event, retrying")
			return retry.RetryableError(err)
		}
	})
}
