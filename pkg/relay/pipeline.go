// Copyright 2024-2026 Aiku AI

// Package relay moves events between the home and remote networks. It owns
// the portal registry and is the processor its workers call into.
package relay

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/aiku/mautrix-bridgecore/pkg/database"
	"github.com/aiku/mautrix-bridgecore/pkg/identity"
	"github.com/aiku/mautrix-bridgecore/pkg/msgconv"
	"github.com/aiku/mautrix-bridgecore/pkg/network"
	"github.com/aiku/mautrix-bridgecore/pkg/portal"
)

// Crypto is the part of the encryption session manager used for portal
// messages.
type Crypto interface {
	EncryptForPortal(ctx context.Context, portalID string, members []string, plaintext []byte) (*network.EncryptedPayload, error)
	Decrypt(ctx context.Context, portalID string, payload *network.EncryptedPayload) ([]byte, error)
	MemberJoined(ctx context.Context, portalID, userID string) error
	MemberLeft(ctx context.Context, portalID, userID string) error
}

// HealthReporter is told about the outcome of every delivery attempt.
type HealthReporter interface {
	ReportSuccess(side network.Side)
	ReportFailure(side network.Side, err error)
}

// Config holds the dispatch and backfill settings.
type Config struct {
	// PoolSize bounds the number of network calls in flight across portals.
	PoolSize int
	// MaxAttempts is the number of delivery attempts including the first.
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	JitterPercent  uint64
	AttemptTimeout time.Duration
	// DegradedQueueSize bounds the queue of a DEGRADED portal. Zero means
	// unbounded.
	DegradedQueueSize int
	// BackfillLimit is the number of history events fetched on bootstrap.
	BackfillLimit int
	// EncryptByDefault turns on remote-side encryption for new portals.
	EncryptByDefault bool
	// RelayUser is invited to every new home room.
	RelayUser string
}

func (c *Config) setDefaults() {
	c.PoolSize = cmp.Or(max(c.PoolSize, 0), 8)
	c.MaxAttempts = cmp.Or(max(c.MaxAttempts, 0), 5)
	c.BaseBackoff = cmp.Or(max(c.BaseBackoff, 0), 500*time.Millisecond)
	c.AttemptTimeout = cmp.Or(max(c.AttemptTimeout, 0), 30*time.Second)
}

// Deps are the collaborators of a pipeline. Crypto and Health are optional.
type Deps struct {
	DB        *database.Database
	Mapper    *identity.Mapper
	Home      network.HomeClient
	Remote    network.RemoteClient
	Converter *msgconv.Converter
	Crypto    Crypto
	Health    HealthReporter
}

// Pipeline is the message relay pipeline.
type Pipeline struct {
	db     *database.Database
	mapper *identity.Mapper
	home   network.HomeClient
	remote network.RemoteClient
	conv   *msgconv.Converter
	crypto Crypto
	health HealthReporter
	cfg    Config
	log    zerolog.Logger

	pool    *semaphore.Weighted
	portals *portal.Registry

	membersLock sync.Mutex
	members     map[string][]string

	newTxnID func() string
}

// New creates a pipeline and its portal registry. Stop must be called to
// shut the portal workers down.
func New(deps Deps, cfg Config, log zerolog.Logger) *Pipeline {
	cfg.setDefaults()
	p := &Pipeline{
		db:       deps.DB,
		mapper:   deps.Mapper,
		home:     deps.Home,
		remote:   deps.Remote,
		conv:     cmp.Or(deps.Converter, &msgconv.Converter{}),
		crypto:   deps.Crypto,
		health:   deps.Health,
		cfg:      cfg,
		log:      log.With().Str("component", "relay").Logger(),
		pool:     semaphore.NewWeighted(int64(cfg.PoolSize)),
		members:  make(map[string][]string),
		newTxnID: uuid.NewString,
	}
	p.portals = portal.NewRegistry(deps.DB, p, cfg.DegradedQueueSize, log)
	return p
}

// Portals returns the registry of live portals.
func (p *Pipeline) Portals() *portal.Registry {
	return p.portals
}

// Stop stops every portal worker.
func (p *Pipeline) Stop() {
	p.portals.Stop()
}

// DedupKey returns the idempotence key of an inbound event.
func DedupKey(evt *network.Event) string {
	return fmt.Sprintf("%s:%s:%s", evt.Side, evt.ConversationID, evt.ID)
}

// Pending is an accepted event whose outcome may not be known yet.
type Pending struct {
	// Queued is true when the event waits for its portal to become ACTIVE.
	Queued bool
	done   <-chan portal.Result
}

func resolved(res portal.Result) *Pending {
	ch := make(chan portal.Result, 1)
	ch <- res
	return &Pending{done: ch}
}

// Wait blocks until the event was processed.
func (pe *Pending) Wait(ctx context.Context) (portal.Result, error) {
	select {
	case res := <-pe.done:
		return res, nil
	case <-ctx.Done():
		return portal.Result{}, ctx.Err()
	}
}

// HandleInbound accepts an event and waits for its outcome, unless it was
// queued on a portal that isn't ACTIVE.
func (p *Pipeline) HandleInbound(ctx context.Context, evt *network.Event) (portal.Result, error) {
	pending, err := p.Accept(ctx, evt)
	if err != nil {
		return portal.Result{}, err
	} else if pending.Queued {
		return portal.Result{Outcome: portal.OutcomeQueued}, nil
	}
	return pending.Wait(ctx)
}

// Accept routes an event to its portal's queue. Storage failures are
// returned as errors and the caller should redeliver the event later.
func (p *Pipeline) Accept(ctx context.Context, evt *network.Event) (*Pending, error) {
	log := p.log.With().
		Str("side", string(evt.Side)).
		Str("conversation_id", evt.ConversationID).
		Str("event_id", evt.ID).
		Logger()
	row, err := p.resolvePortal(ctx, evt)
	if errors.Is(err, identity.ErrNotFound) {
		log.Debug().Msg("Dropping event in unmapped room")
		return resolved(portal.Result{Outcome: portal.OutcomeUnmapped}), nil
	} else if err != nil {
		return nil, err
	}
	existing, err := p.db.Message.GetByDedupKey(ctx, row.RemoteID, DedupKey(evt))
	if err != nil {
		return nil, fmt.Errorf("failed to check dedup key: %w", err)
	} else if existing != nil && existing.Status != database.StatusPending {
		log.Debug().Str("status", string(existing.Status)).Msg("Dropping duplicate event")
		return resolved(portal.Result{Outcome: portal.OutcomeDuplicate, TargetID: existing.TargetID}), nil
	}
	if row.State == database.StateArchived {
		log.Debug().Str("portal_id", row.RemoteID).Msg("Dropping event in unbridged portal")
		return resolved(portal.Result{Outcome: portal.OutcomeUnbridged}), nil
	}
	if evt.Side == network.SideHome && evt.Sender != "" {
		user, err := p.mapper.EnsureUser(ctx, evt.Sender)
		if err != nil {
			return nil, err
		} else if user.Deactivated {
			log.Debug().Str("sender", evt.Sender).Msg("Dropping event from deactivated user")
			return resolved(portal.Result{Outcome: portal.OutcomeIgnored}), nil
		}
	}
	live, err := p.portals.Get(ctx, row)
	if errors.Is(err, portal.ErrPortalArchived) {
		return resolved(portal.Result{Outcome: portal.OutcomeUnbridged}), nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to load portal %s: %w", row.RemoteID, err)
	}
	done, queued, err := live.Enqueue(evt)
	if errors.Is(err, portal.ErrPortalArchived) {
		return resolved(portal.Result{Outcome: portal.OutcomeUnbridged}), nil
	} else if err != nil {
		return nil, err
	}
	if queued {
		log.Debug().Str("portal_id", row.RemoteID).Str("state", string(live.State())).Msg("Queued event until portal is active")
	}
	return &Pending{Queued: queued, done: done}, nil
}

func (p *Pipeline) resolvePortal(ctx context.Context, evt *network.Event) (*database.Portal, error) {
	switch evt.Side {
	case network.SideRemote:
		row, _, err := p.mapper.CreateOrGetPortal(ctx, evt.ConversationID, cmp.Or(evt.ConversationKind, network.KindGroup))
		return row, err
	case network.SideHome:
		return p.mapper.LookupPortalByRoom(ctx, evt.ConversationID)
	default:
		return nil, fmt.Errorf("unknown event side %q", evt.Side)
	}
}

func (p *Pipeline) setMembers(portalID string, members []string) {
	p.membersLock.Lock()
	p.members[portalID] = members
	p.membersLock.Unlock()
}

func (p *Pipeline) membersOf(portalID string) []string {
	p.membersLock.Lock()
	defer p.membersLock.Unlock()
	return p.members[portalID]
}

func (p *Pipeline) updateMembers(portalID, member string, joined bool) {
	p.membersLock.Lock()
	defer p.membersLock.Unlock()
	current := p.members[portalID]
	next := make([]string, 0, len(current)+1)
	for _, m := range current {
		if m != member {
			next = append(next, m)
		}
	}
	if joined {
		next = append(next, member)
	}
	p.members[portalID] = next
}
