// Copyright 2024-2026 Aiku AI

package portal

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-bridgecore/pkg/database"
)

// Registry owns the live portals and their workers.
type Registry struct {
	db        *database.Database
	proc      Processor
	queueSize int
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lock     sync.Mutex
	portals  map[string]*Portal
	degraded bool
}

// NewRegistry creates a registry. Workers run until Stop is called.
func NewRegistry(db *database.Database, proc Processor, degradedQueueSize int, log zerolog.Logger) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		db:        db,
		proc:      proc,
		queueSize: degradedQueueSize,
		log:       log.With().Str("component", "portal_registry").Logger(),
		ctx:       ctx,
		cancel:    cancel,
		portals:   make(map[string]*Portal),
	}
}

// Get returns the live portal for a mapping row, starting its worker if it
// isn't loaded yet.
func (r *Registry) Get(ctx context.Context, row *database.Portal) (*Portal, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if p, ok := r.portals[row.RemoteID]; ok {
		if p.State() == database.StateArchived {
			return nil, ErrPortalArchived
		}
		return p, nil
	} else if row.State == database.StateArchived {
		return nil, ErrPortalArchived
	} else if r.ctx.Err() != nil {
		return nil, r.ctx.Err()
	}
	loaded := *row
	if loaded.State == database.StateSyncing {
		// The process stopped mid-bootstrap.
		if err := r.db.Portal.SetState(ctx, loaded.RemoteID, database.StateCreating); err != nil {
			return nil, err
		}
		loaded.State = database.StateCreating
	}
	if r.degraded && loaded.State == database.StateActive {
		if err := r.db.Portal.SetState(ctx, loaded.RemoteID, database.StateDegraded); err != nil {
			return nil, err
		}
		loaded.State = database.StateDegraded
	}
	p := newPortal(r, &loaded)
	r.portals[loaded.RemoteID] = p
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		p.run(r.ctx)
		r.lock.Lock()
		if r.portals[p.ID()] == p {
			delete(r.portals, p.ID())
		}
		r.lock.Unlock()
	}()
	return p, nil
}

// Lookup returns a loaded portal without loading it.
func (r *Registry) Lookup(remoteID string) *Portal {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.portals[remoteID]
}

// All returns every loaded portal.
func (r *Registry) All() []*Portal {
	r.lock.Lock()
	defer r.lock.Unlock()
	portals := make([]*Portal, 0, len(r.portals))
	for _, p := range r.portals {
		portals = append(portals, p)
	}
	return portals
}

// LoadAll loads every non-archived portal from the database. Portals left
// in CREATING are bootstrapped without waiting for an event.
func (r *Registry) LoadAll(ctx context.Context) error {
	rows, err := r.db.Portal.GetAllActive(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		p, err := r.Get(ctx, row)
		if err != nil {
			return err
		}
		p.RequestBootstrap()
	}
	r.log.Info().Int("count", len(rows)).Msg("Loaded portals")
	return nil
}

// CatchUpAll makes every loaded portal resume pending deliveries and
// backfill missed history, e.g. after the remote connection came back.
func (r *Registry) CatchUpAll() {
	for _, p := range r.All() {
		p.RequestCatchUp()
	}
}

// DegradeAll degrades every ACTIVE portal, including ones loaded later
// until RecoverAll is called.
func (r *Registry) DegradeAll(ctx context.Context) {
	r.lock.Lock()
	r.degraded = true
	r.lock.Unlock()
	for _, p := range r.All() {
		if err := p.Degrade(ctx); err != nil {
			p.log.Warn().Err(err).Msg("Failed to degrade portal")
		}
	}
}

// RecoverAll moves every DEGRADED portal back to ACTIVE.
func (r *Registry) RecoverAll(ctx context.Context) {
	r.lock.Lock()
	r.degraded = false
	r.lock.Unlock()
	for _, p := range r.All() {
		if err := p.Recover(ctx); err != nil {
			p.log.Warn().Err(err).Msg("Failed to recover portal")
		}
	}
}

// Degraded reports whether the registry currently degrades portals.
func (r *Registry) Degraded() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.degraded
}

// MarkArchived archives a loaded portal whose mapping row was already
// archived. Unloaded portals are left alone.
func (r *Registry) MarkArchived(remoteID string) {
	if p := r.Lookup(remoteID); p != nil {
		p.markArchived()
	}
}

// Stop cancels every worker and waits for them to exit.
func (r *Registry) Stop() {
	r.cancel()
	r.wg.Wait()
}
