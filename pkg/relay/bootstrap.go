// Copyright 2024-2026 Aiku AI

package relay

import (
	"cmp"
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-bridgecore/pkg/database"
	"github.com/aiku/mautrix-bridgecore/pkg/network"
	"github.com/aiku/mautrix-bridgecore/pkg/portal"
)

// Bootstrap fetches the conversation, provisions ghosts for its members,
// creates the home room and backfills history. Any error rolls the portal
// back to CREATING.
func (p *Pipeline) Bootstrap(ctx context.Context, live *portal.Portal) error {
	row := live.Info()
	log := zerolog.Ctx(ctx).With().Str("action", "bootstrap").Logger()
	ctx = log.WithContext(ctx)

	var info *network.ConversationInfo
	err := p.withPool(ctx, func(ctx context.Context) (err error) {
		info, err = p.remote.GetConversation(ctx, row.RemoteID)
		return
	})
	if err != nil {
		return fmt.Errorf("failed to get conversation info: %w", err)
	}
	// Portal defaults only apply before the home room exists.
	fresh := row.MXID == ""
	changed := info.Name != row.Name || (info.Kind != "" && info.Kind != row.Kind)
	if fresh && (row.Encrypted != p.cfg.EncryptByDefault || (row.RelayUser == "" && p.cfg.RelayUser != "")) {
		changed = true
	}
	if changed {
		live.Update(func(r *database.Portal) {
			r.Name = info.Name
			if info.Kind != "" {
				r.Kind = info.Kind
			}
			if fresh {
				r.Encrypted = p.cfg.EncryptByDefault
				r.RelayUser = cmp.Or(r.RelayUser, p.cfg.RelayUser)
			}
		})
		row = live.Info()
		if err = p.db.Portal.UpdateInfo(ctx, &row); err != nil {
			return fmt.Errorf("failed to save conversation info: %w", err)
		}
	}

	ghosts := make([]string, 0, len(info.Members))
	for _, member := range info.Members {
		puppet, err := p.mapper.GetOrCreatePuppet(ctx, member)
		if err != nil {
			return fmt.Errorf("failed to provision puppet for %s: %w", member, err)
		}
		ghosts = append(ghosts, puppet.MXID)
	}
	p.setMembers(row.RemoteID, info.Members)

	if row.MXID == "" {
		var roomID string
		err = p.withPool(ctx, func(ctx context.Context) (err error) {
			roomID, err = p.home.CreateRoom(ctx, &network.CreateRoomRequest{
				RemoteID:  row.RemoteID,
				Name:      row.Name,
				Topic:     info.Topic,
				Kind:      row.Kind,
				Members:   ghosts,
				Invite:    inviteList(row.RelayUser),
				Encrypted: row.Encrypted,
			})
			return
		})
		if err != nil {
			return fmt.Errorf("failed to create room: %w", err)
		}
		if err = p.mapper.SetPortalRoom(ctx, &row, roomID); err != nil {
			return fmt.Errorf("failed to save room mapping: %w", err)
		}
		live.Update(func(r *database.Portal) {
			r.MXID = roomID
		})
		log.Info().Str("room_id", roomID).Int("members", len(ghosts)).Msg("Created home room")
	}

	p.backfill(ctx, live)
	return nil
}

func inviteList(user string) []string {
	if user == "" {
		return nil
	}
	return []string{user}
}

// backfill relays remote history newer than the portal cursor, oldest
// first. Known events are skipped by the dedup check in Process. Failures
// are logged and don't fail the bootstrap or catch-up.
func (p *Pipeline) backfill(ctx context.Context, live *portal.Portal) {
	if p.cfg.BackfillLimit <= 0 {
		return
	}
	log := zerolog.Ctx(ctx)
	row := live.Info()
	var events []*network.Event
	err := p.withPool(ctx, func(ctx context.Context) (err error) {
		events, err = p.remote.FetchHistory(ctx, row.RemoteID, row.Cursor, p.cfg.BackfillLimit)
		return
	})
	if err != nil {
		log.Warn().Err(err).Str("after", row.Cursor).Msg("Failed to fetch history for backfill")
		return
	}
	var sent int
	for _, evt := range events {
		if ctx.Err() != nil {
			return
		}
		evt.Side = network.SideRemote
		if evt.ConversationID == "" {
			evt.ConversationID = row.RemoteID
		}
		if res := p.Process(ctx, live, evt); res.Outcome == portal.OutcomeSent {
			sent++
		}
	}
	log.Info().Int("fetched", len(events)).Int("relayed", sent).Msg("Backfilled portal")
}

// CatchUp repairs the ordering key, resumes messages left PENDING by an
// interrupted run with their original transaction ids and then backfills
// remote history newer than the cursor.
func (p *Pipeline) CatchUp(ctx context.Context, live *portal.Portal) error {
	row := live.Info()
	log := zerolog.Ctx(ctx).With().Str("action", "catch_up").Logger()
	ctx = log.WithContext(ctx)

	maxOrder, err := p.db.Message.MaxOrdering(ctx, row.RemoteID)
	if err != nil {
		return fmt.Errorf("failed to get max ordering: %w", err)
	} else if maxOrder >= row.NextOrder {
		log.Warn().
			Int64("next_order", row.NextOrder).
			Int64("max_ordering", maxOrder).
			Msg("Ordering key is behind stored messages, repairing")
		if err = p.db.Portal.UpdateCursor(ctx, row.RemoteID, row.Cursor, maxOrder+1); err != nil {
			return err
		}
		live.Update(func(r *database.Portal) {
			r.NextOrder = maxOrder + 1
		})
	}

	if row.Encrypted && len(p.membersOf(row.RemoteID)) == 0 {
		var info *network.ConversationInfo
		err = p.withPool(ctx, func(ctx context.Context) (err error) {
			info, err = p.remote.GetConversation(ctx, row.RemoteID)
			return
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to refresh portal members")
		} else {
			p.setMembers(row.RemoteID, info.Members)
		}
	}

	pending, err := p.db.Message.GetPending(ctx, row.RemoteID)
	if err != nil {
		return fmt.Errorf("failed to get pending messages: %w", err)
	}
	var resumed int
	for _, msg := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		evt, err := decodeEvent(msg.Event)
		if err != nil {
			log.Warn().Err(err).Str("dedup_key", msg.DedupKey).Msg("Can't resume pending message")
			if err = p.db.Message.MarkFailed(ctx, msg, network.ReasonUnknown); err != nil {
				log.Err(err).Str("dedup_key", msg.DedupKey).Msg("Failed to mark message as failed")
			}
			continue
		}
		if res := p.Process(ctx, live, evt); res.Outcome == portal.OutcomeSent {
			resumed++
		}
	}
	if len(pending) > 0 {
		log.Info().Int("pending", len(pending)).Int("resumed", resumed).Msg("Resumed pending messages")
	}

	p.backfill(ctx, live)
	return ctx.Err()
}

// Park stores an event that was still queued at shutdown as PENDING, so
// the next CatchUp delivers it. Events that are already known are skipped.
func (p *Pipeline) Park(ctx context.Context, live *portal.Portal, evt *network.Event) error {
	_, _, err := p.claim(ctx, live, evt, DedupKey(evt), database.StatusPending)
	return err
}

func (p *Pipeline) withPool(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.pool.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.pool.Release(1)
	ctx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
	defer cancel()
	return fn(ctx)
}
