// Copyright 2024-2026 Aiku AI

package portal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-bridgecore/pkg/database"
	"github.com/aiku/mautrix-bridgecore/pkg/network"
)

// Processor does the per-portal work. Every method is only ever called
// from the portal's own worker goroutine.
type Processor interface {
	// Bootstrap fetches membership, creates puppets and the home room and
	// backfills history. It runs in state SYNCING.
	Bootstrap(ctx context.Context, p *Portal) error
	// CatchUp resumes interrupted deliveries and relays history missed while
	// the portal wasn't listening. It runs while ACTIVE, before queued events.
	CatchUp(ctx context.Context, p *Portal) error
	// Process handles one event while the portal is ACTIVE.
	Process(ctx context.Context, p *Portal, evt *network.Event) Result
	// Park persists an event that was still queued at shutdown so that the
	// next CatchUp resumes it.
	Park(ctx context.Context, p *Portal, evt *network.Event) error
}

const parkTimeout = 10 * time.Second

type queued struct {
	evt  *network.Event
	done chan Result
}

// Portal is the live runtime state of one bridged conversation.
type Portal struct {
	db        *database.Database
	proc      Processor
	reg       *Registry
	queueSize int
	log       zerolog.Logger

	mu           sync.Mutex
	row          database.Portal
	queue        []*queued
	bootstrapDue bool
	catchUpDue   bool
	closed       bool
	wake         chan struct{}
	stopped      chan struct{}
}

func newPortal(reg *Registry, row *database.Portal) *Portal {
	return &Portal{
		db:        reg.db,
		proc:      reg.proc,
		reg:       reg,
		queueSize: reg.queueSize,
		log:       reg.log.With().Str("portal_id", row.RemoteID).Logger(),
		row:       *row,
		// Fresh portals are backfilled by their bootstrap instead.
		catchUpDue: row.State != database.StateCreating || row.NextOrder > 0,
		wake:       make(chan struct{}, 1),
		stopped:    make(chan struct{}),
	}
}

// ID returns the remote conversation id.
func (p *Portal) ID() string {
	return p.row.RemoteID
}

// State returns the current lifecycle state.
func (p *Portal) State() database.PortalState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.row.State
}

// Info returns a snapshot of the portal row.
func (p *Portal) Info() database.Portal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.row
}

// Update changes the in-memory row. Callers persist the change themselves.
func (p *Portal) Update(fn func(row *database.Portal)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state := p.row.State
	fn(&p.row)
	p.row.State = state
}

// QueueLen returns the number of events waiting to be processed.
func (p *Portal) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Log returns the portal's logger.
func (p *Portal) Log() *zerolog.Logger {
	return &p.log
}

func (p *Portal) notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Enqueue appends an event to the portal's FIFO. The returned channel
// receives the event's result once the worker handled it. The bool is true
// when the portal isn't ACTIVE, meaning the event will wait in the queue.
func (p *Portal) Enqueue(evt *network.Event) (<-chan Result, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false, ErrPortalStopped
	}
	switch p.row.State {
	case database.StateArchived:
		return nil, false, ErrPortalArchived
	case database.StateDegraded:
		if p.queueSize > 0 && len(p.queue) >= p.queueSize {
			return nil, true, fmt.Errorf("%w (%d events waiting)", ErrQueueFull, len(p.queue))
		}
	case database.StateCreating:
		p.bootstrapDue = true
	}
	item := &queued{evt: evt, done: make(chan Result, 1)}
	p.queue = append(p.queue, item)
	p.notify()
	return item.done, p.row.State != database.StateActive, nil
}

// RequestBootstrap makes a CREATING portal bootstrap without waiting for an
// event.
func (p *Portal) RequestBootstrap() {
	p.mu.Lock()
	if p.row.State == database.StateCreating {
		p.bootstrapDue = true
	}
	p.mu.Unlock()
	p.notify()
}

// RequestCatchUp makes the worker resume pending deliveries and backfill
// from the cursor once the portal is ACTIVE.
func (p *Portal) RequestCatchUp() {
	p.mu.Lock()
	if p.row.State != database.StateArchived {
		p.catchUpDue = true
	}
	p.mu.Unlock()
	p.notify()
}

// Transition moves the portal to another state and persists it. Archiving
// resolves every queued event with the unbridged outcome.
func (p *Portal) Transition(ctx context.Context, to database.PortalState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transitionLocked(ctx, to, true)
}

func (p *Portal) transitionLocked(ctx context.Context, to database.PortalState, persist bool) error {
	from := p.row.State
	if from == to {
		return nil
	} else if from == database.StateArchived {
		return ErrPortalArchived
	} else if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if persist {
		if err := p.db.Portal.SetState(ctx, p.row.RemoteID, to); err != nil {
			return err
		}
	}
	p.row.State = to
	if to == database.StateArchived {
		p.row.ArchivedAt = time.Now()
		for _, item := range p.queue {
			item.done <- Result{Outcome: OutcomeUnbridged}
		}
		p.queue = nil
	}
	p.log.Debug().Str("from", string(from)).Str("to", string(to)).Msg("Portal state changed")
	p.notify()
	return nil
}

// Degrade moves an ACTIVE portal to DEGRADED. Other states are left alone.
func (p *Portal) Degrade(ctx context.Context) error {
	return p.transitionFrom(ctx, database.StateActive, database.StateDegraded)
}

// Recover moves a DEGRADED portal back to ACTIVE. It catches up before
// draining the queue, which relays events refused while the queue was full.
func (p *Portal) Recover(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.row.State != database.StateDegraded {
		return nil
	}
	p.catchUpDue = true
	return p.transitionLocked(ctx, database.StateActive, true)
}

func (p *Portal) transitionFrom(ctx context.Context, from, to database.PortalState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.row.State != from {
		return nil
	}
	return p.transitionLocked(ctx, to, true)
}

// markArchived archives the in-memory portal after the mapping row was
// already archived.
func (p *Portal) markArchived() {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.transitionLocked(context.Background(), database.StateArchived, false)
}

// Stopped is closed when the worker exits.
func (p *Portal) Stopped() <-chan struct{} {
	return p.stopped
}

func (p *Portal) run(ctx context.Context) {
	defer close(p.stopped)
	ctx = p.log.WithContext(ctx)
	for {
		for p.step(ctx) {
		}
		if p.State() == database.StateArchived {
			return
		}
		select {
		case <-ctx.Done():
			p.abort(ctx.Err())
			return
		case <-p.wake:
		}
	}
}

func (p *Portal) step(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	p.mu.Lock()
	switch {
	case p.row.State == database.StateCreating && p.bootstrapDue:
		p.bootstrapDue = false
		p.mu.Unlock()
		p.bootstrap(ctx)
		return true
	case p.row.State == database.StateActive && p.catchUpDue:
		p.catchUpDue = false
		p.mu.Unlock()
		p.catchUp(ctx)
		return true
	case p.row.State == database.StateActive && len(p.queue) > 0:
		item := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()
		item.done <- p.process(ctx, item.evt)
		return true
	default:
		p.mu.Unlock()
		return false
	}
}

func (p *Portal) process(ctx context.Context, evt *network.Event) (res Result) {
	defer func() {
		if err := recover(); err != nil {
			p.log.Error().
				Any("panic", err).
				Str("event_id", evt.ID).
				Msg("Panic while processing event")
			res = Result{Outcome: OutcomeFailed, Err: fmt.Errorf("panic while processing event: %v", err)}
		}
	}()
	return p.proc.Process(ctx, p, evt)
}

func (p *Portal) bootstrap(ctx context.Context) {
	if err := p.Transition(ctx, database.StateSyncing); err != nil {
		p.log.Warn().Err(err).Msg("Failed to start portal bootstrap")
		return
	}
	p.log.Info().Msg("Bootstrapping portal")
	if err := p.proc.Bootstrap(ctx, p); err != nil {
		p.log.Warn().Err(err).Int("queued", p.QueueLen()).Msg("Portal bootstrap failed, rolling back")
		if rbErr := p.Transition(ctx, database.StateCreating); rbErr != nil {
			p.log.Err(rbErr).Msg("Failed to roll back portal state")
		}
		return
	}
	if err := p.activate(ctx); err != nil {
		p.log.Warn().Err(err).Msg("Failed to activate portal after bootstrap")
		return
	}
	p.log.Info().Str("state", string(p.State())).Msg("Portal bootstrapped")
}

// activate ends a bootstrap in ACTIVE, or in DEGRADED while the registry
// degrades portals. The registry lock orders it against DegradeAll and
// RecoverAll.
func (p *Portal) activate(ctx context.Context) error {
	p.reg.lock.Lock()
	defer p.reg.lock.Unlock()
	if p.reg.degraded {
		return p.Transition(ctx, database.StateDegraded)
	}
	return p.Transition(ctx, database.StateActive)
}

func (p *Portal) catchUp(ctx context.Context) {
	defer func() {
		if err := recover(); err != nil {
			p.log.Error().Any("panic", err).Msg("Panic while catching up portal")
		}
	}()
	if err := p.proc.CatchUp(ctx, p); err != nil && ctx.Err() == nil {
		p.log.Warn().Err(err).Msg("Failed to catch up portal")
	}
}

// abort parks the queued events when the worker is shut down. They resolve
// with the queued outcome and are resumed by the next catch-up.
func (p *Portal) abort(err error) {
	p.mu.Lock()
	queue := p.queue
	p.queue = nil
	p.closed = true
	p.mu.Unlock()
	if len(queue) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(p.log.WithContext(context.Background()), parkTimeout)
	defer cancel()
	for _, item := range queue {
		if parkErr := p.proc.Park(ctx, p, item.evt); parkErr != nil {
			p.log.Warn().Err(parkErr).Str("event_id", item.evt.ID).Msg("Failed to park queued event")
		}
		item.done <- Result{Outcome: OutcomeQueued, Err: err}
	}
	p.log.Debug().Int("count", len(queue)).Msg("Parked queued events")
}
