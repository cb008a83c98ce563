// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-bridgecore/pkg/database"
	"github.com/aiku/mautrix-bridgecore/pkg/e2ee"
	"github.com/aiku/mautrix-bridgecore/pkg/msgconv"
	"github.com/aiku/mautrix-bridgecore/pkg/network"
	"github.com/aiku/mautrix-bridgecore/pkg/portal"
)

var errNoCrypto = errors.New("encryption is not enabled")

// Process relays one event. It is called by the portal worker, so events of
// one portal are never processed concurrently.
func (p *Pipeline) Process(ctx context.Context, live *portal.Portal, evt *network.Event) portal.Result {
	row := live.Info()
	log := live.Log().With().
		Str("side", string(evt.Side)).
		Str("event_id", evt.ID).
		Str("kind", string(evt.Content.Kind)).
		Logger()
	ctx = log.WithContext(ctx)
	key := DedupKey(evt)

	msg, err := p.db.Message.GetByDedupKey(ctx, row.RemoteID, key)
	if err != nil {
		log.Err(err).Msg("Failed to check dedup key")
		return portal.Result{Outcome: portal.OutcomeFailed, Err: err}
	} else if msg != nil && msg.Status != database.StatusPending {
		p.settle(ctx, live, evt, msg.Ordering)
		return portal.Result{Outcome: portal.OutcomeDuplicate, TargetID: msg.TargetID}
	} else if msg != nil {
		log.Debug().Str("txn_id", msg.TxnID).Msg("Resuming interrupted delivery")
		if len(msg.Event) > 0 {
			stored, err := decodeEvent(msg.Event)
			if err != nil {
				log.Warn().Err(err).Msg("Failed to decode stored event, using the redelivered one")
			} else {
				evt = stored
			}
		}
	}

	content := evt.Content
	if content.Encrypted != nil {
		decrypted, err := p.decrypt(ctx, &row, content.Encrypted)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to decrypt event")
			return p.fail(ctx, live, evt, msg, network.ReasonDecryptFailed, err, decryptNotice(err))
		}
		content = *decrypted
	}
	source := *evt
	source.Content = content

	if content.Kind == network.ContentMembership && evt.Side == network.SideRemote {
		p.applyMembership(ctx, &row, &content)
	}

	target := evt.Side.Opposite()
	if err = p.resolveTargets(ctx, &row, evt.Side, &content); err != nil {
		log.Debug().Err(err).Str("target_id", content.TargetID).Msg("Relation target is unknown")
		return p.fail(ctx, live, evt, msg, network.ReasonTargetDeleted, err, "")
	}

	var translated *network.Content
	if target == network.SideHome {
		translated, err = p.conv.ToHome(&content)
	} else {
		translated, err = p.conv.ToRemote(&content)
	}
	if errors.Is(err, msgconv.ErrUnsupported) {
		log.Debug().Msg("Ignoring event with no counterpart on the other side")
		if msg != nil {
			if err = p.db.Message.MarkFailed(ctx, msg, network.ReasonUnsupported); err != nil {
				log.Err(err).Msg("Failed to mark ignored message")
			}
			p.settle(ctx, live, evt, msg.Ordering)
		} else {
			p.settle(ctx, live, evt, row.NextOrder)
		}
		return portal.Result{Outcome: portal.OutcomeIgnored}
	} else if err != nil {
		log.Warn().Err(err).Msg("Failed to translate event")
		return p.fail(ctx, live, evt, msg, network.ReasonTranslationFailed, err, "")
	}

	if msg == nil {
		var claimed bool
		msg, claimed, err = p.claim(ctx, live, &source, key, database.StatusPending)
		if err != nil {
			log.Err(err).Msg("Failed to claim message")
			return portal.Result{Outcome: portal.OutcomeFailed, Err: err}
		} else if !claimed {
			return portal.Result{Outcome: portal.OutcomeDuplicate}
		}
	}

	out := &network.Outbound{TxnID: msg.TxnID, Content: *translated}
	var prepare func(ctx context.Context) error
	if target == network.SideHome {
		out.ConversationID = row.MXID
		prepare = func(ctx context.Context) error {
			return p.preparePuppets(ctx, evt, out)
		}
	} else {
		out.ConversationID = row.RemoteID
		out.SenderID = evt.Sender
		if row.Encrypted && encryptable(translated.Kind) {
			if err = p.encrypt(ctx, &row, out); err != nil {
				log.Err(err).Msg("Failed to encrypt message")
				return p.fail(ctx, live, evt, msg, network.ReasonUnknown, err, "")
			}
			msg.Encrypted = true
			msg.Generation = out.Content.Encrypted.Generation
		}
	}

	targetID, attempts, err := p.dispatch(ctx, target, out, prepare)
	if err != nil && ctx.Err() != nil {
		log.Debug().Err(err).Msg("Delivery interrupted, message stays pending")
		return portal.Result{Outcome: portal.OutcomeQueued, Err: ctx.Err()}
	} else if err != nil {
		reason := network.ReasonRetriesExhausted
		if network.IsPermanent(err) {
			reason = network.ReasonOf(err)
		}
		log.Warn().Err(err).Int("attempts", attempts).Str("reason", string(reason)).Msg("Failed to deliver message")
		return p.fail(ctx, live, evt, msg, reason, err, "")
	}
	msg.TargetID = targetID
	msg.Status = database.StatusSent
	if err = p.db.Message.MarkSent(ctx, msg); err != nil {
		// The target already has the message. A redelivery is dropped by the
		// target through the transaction id.
		log.Err(err).Str("target_id", targetID).Msg("Failed to mark message as sent")
	}
	p.settle(ctx, live, evt, msg.Ordering)
	log.Debug().Str("target_id", targetID).Int("attempts", attempts).Msg("Relayed message")
	return portal.Result{Outcome: portal.OutcomeSent, TargetID: targetID}
}

// claim inserts the message row with the portal's next ordering. A PENDING
// row keeps the encoded event so that an interrupted delivery can resume.
func (p *Pipeline) claim(ctx context.Context, live *portal.Portal, evt *network.Event, key string, status database.MessageStatus) (*database.Message, bool, error) {
	row := live.Info()
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	msg := &database.Message{
		PortalID:   row.RemoteID,
		DedupKey:   key,
		SourceSide: evt.Side,
		SourceID:   evt.ID,
		TargetSide: evt.Side.Opposite(),
		Ordering:   row.NextOrder,
		Status:     status,
		Sender:     evt.Sender,
		TxnID:      p.newTxnID(),
		Timestamp:  ts,
	}
	if status == database.StatusPending {
		encoded, err := cbor.Marshal(evt)
		if err != nil {
			return nil, false, fmt.Errorf("failed to encode event: %w", err)
		}
		msg.Event = encoded
	}
	claimed, err := p.db.Message.Claim(ctx, msg)
	if err != nil || !claimed {
		return nil, false, err
	}
	if err = p.db.Portal.UpdateCursor(ctx, row.RemoteID, row.Cursor, row.NextOrder+1); err != nil {
		return nil, false, fmt.Errorf("failed to advance ordering key: %w", err)
	}
	live.Update(func(r *database.Portal) {
		r.NextOrder++
	})
	return msg, true, nil
}

// settle moves the portal cursor to a handled remote event. The cursor only
// moves forward and never past a message that is still PENDING.
func (p *Pipeline) settle(ctx context.Context, live *portal.Portal, evt *network.Event, ordering int64) {
	if evt.Side != network.SideRemote {
		return
	}
	log := zerolog.Ctx(ctx)
	row := live.Info()
	if row.Cursor == evt.ID {
		return
	} else if row.Cursor != "" {
		current, err := p.db.Message.GetCounterpart(ctx, row.RemoteID, network.SideRemote, row.Cursor)
		if err != nil {
			log.Err(err).Msg("Failed to look up cursor message")
			return
		} else if current != nil && current.Ordering >= ordering {
			return
		}
	}
	pending, err := p.db.Message.GetPending(ctx, row.RemoteID)
	if err != nil {
		log.Err(err).Msg("Failed to get pending messages")
		return
	}
	for _, msg := range pending {
		if msg.Ordering < ordering {
			return
		}
	}
	if err = p.db.Portal.UpdateCursor(ctx, row.RemoteID, evt.ID, row.NextOrder); err != nil {
		log.Err(err).Msg("Failed to advance portal cursor")
		return
	}
	live.Update(func(r *database.Portal) {
		r.Cursor = evt.ID
	})
}

func decodeEvent(data []byte) (*network.Event, error) {
	if len(data) == 0 {
		return nil, errors.New("no stored event")
	}
	var evt network.Event
	if err := cbor.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("failed to decode stored event: %w", err)
	}
	return &evt, nil
}

// fail marks the message FAILED, claiming it first if needed, and relays one
// error indicator to the side the event came from.
func (p *Pipeline) fail(ctx context.Context, live *portal.Portal, evt *network.Event, msg *database.Message, reason network.ReasonCode, cause error, notice string) portal.Result {
	log := zerolog.Ctx(ctx)
	if msg == nil {
		var claimed bool
		var err error
		msg, claimed, err = p.claim(ctx, live, evt, DedupKey(evt), database.StatusFailed)
		if err != nil {
			log.Err(err).Msg("Failed to claim failed message")
			return portal.Result{Outcome: portal.OutcomeFailed, Err: cause}
		} else if !claimed {
			return portal.Result{Outcome: portal.OutcomeDuplicate}
		}
	}
	if err := p.db.Message.MarkFailed(ctx, msg, reason); err != nil {
		log.Err(err).Msg("Failed to mark message as failed")
	}
	p.settle(ctx, live, evt, msg.Ordering)
	if notice == "" {
		notice = fmt.Sprintf("Failed to bridge message (%s)", reason)
	}
	p.relayError(ctx, live.Info(), evt, notice)
	return portal.Result{Outcome: portal.OutcomeFailed, Err: cause}
}

func decryptNotice(err error) string {
	if df, ok := e2ee.AsDecryptFailure(err); ok {
		return fmt.Sprintf("Could not decrypt message (%s)", df.Reason)
	}
	return "Could not decrypt message"
}

// relayError sends a notice to the conversation the event came from. It is
// sent once and not retried.
func (p *Pipeline) relayError(ctx context.Context, row database.Portal, evt *network.Event, text string) {
	out := &network.Outbound{
		TxnID:   p.newTxnID(),
		Content: network.Content{Kind: network.ContentNotice, Body: text, ReplyTo: evt.ID},
	}
	if evt.Side == network.SideHome {
		out.ConversationID = row.MXID
	} else {
		out.ConversationID = row.RemoteID
	}
	if out.ConversationID == "" {
		return
	}
	if _, err := p.attempt(ctx, evt.Side, out, nil); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to send error notice")
	}
}

func (p *Pipeline) decrypt(ctx context.Context, row *database.Portal, payload *network.EncryptedPayload) (*network.Content, error) {
	if p.crypto == nil {
		return nil, errNoCrypto
	}
	plaintext, err := p.crypto.Decrypt(ctx, row.RemoteID, payload)
	if err != nil {
		return nil, err
	}
	var content network.Content
	if err = cbor.Unmarshal(plaintext, &content); err != nil {
		return nil, fmt.Errorf("failed to decode decrypted content: %w", err)
	}
	content.Encrypted = nil
	content.ToDevice = nil
	return &content, nil
}

func encryptable(kind network.ContentKind) bool {
	switch kind {
	case network.ContentText, network.ContentNotice, network.ContentEmote, network.ContentEdit,
		network.ContentMedia, network.ContentSticker, network.ContentLocation:
		return true
	default:
		return false
	}
}

// encrypt replaces the outbound content with an encrypted payload. The
// relation target stays visible so the remote side can thread edits.
func (p *Pipeline) encrypt(ctx context.Context, row *database.Portal, out *network.Outbound) error {
	if p.crypto == nil {
		return errNoCrypto
	}
	plaintext, err := cbor.Marshal(&out.Content)
	if err != nil {
		return fmt.Errorf("failed to encode content: %w", err)
	}
	payload, err := p.crypto.EncryptForPortal(ctx, row.RemoteID, p.membersOf(row.RemoteID), plaintext)
	if err != nil {
		return err
	}
	out.Content = network.Content{
		Kind:      out.Content.Kind,
		TargetID:  out.Content.TargetID,
		Encrypted: payload,
	}
	return nil
}

// resolveTargets maps relation targets to the ids on the other side.
// Replies to unknown events are relayed without the reply.
func (p *Pipeline) resolveTargets(ctx context.Context, row *database.Portal, side network.Side, content *network.Content) error {
	switch content.Kind {
	case network.ContentEdit, network.ContentRedaction, network.ContentReaction, network.ContentReactionRemove:
		if content.TargetID == "" {
			return nil
		}
		mapped, err := p.counterpart(ctx, row, side, content.TargetID)
		if err != nil {
			return err
		}
		content.TargetID = mapped
	}
	if content.ReplyTo != "" {
		mapped, err := p.counterpart(ctx, row, side, content.ReplyTo)
		if err != nil {
			zerolog.Ctx(ctx).Debug().Err(err).Str("reply_to", content.ReplyTo).Msg("Dropping reply to unknown event")
			mapped = ""
		}
		content.ReplyTo = mapped
	}
	return nil
}

func (p *Pipeline) counterpart(ctx context.Context, row *database.Portal, side network.Side, eventID string) (string, error) {
	msg, err := p.db.Message.GetCounterpart(ctx, row.RemoteID, side, eventID)
	if err != nil {
		return "", fmt.Errorf("failed to look up %s: %w", eventID, err)
	} else if msg == nil {
		return "", fmt.Errorf("no counterpart for %s", eventID)
	}
	var mapped string
	if msg.SourceSide == side && msg.SourceID == eventID {
		mapped = msg.TargetID
	} else {
		mapped = msg.SourceID
	}
	if mapped == "" {
		return "", fmt.Errorf("%s was never delivered", eventID)
	}
	return mapped, nil
}

// applyMembership keeps the member list and the group session in sync with
// remote joins and leaves.
func (p *Pipeline) applyMembership(ctx context.Context, row *database.Portal, content *network.Content) {
	if content.Member == "" {
		return
	}
	joined := content.Membership == network.MembershipJoin
	p.updateMembers(row.RemoteID, content.Member, joined)
	if !row.Encrypted || p.crypto == nil {
		return
	}
	var err error
	if joined {
		err = p.crypto.MemberJoined(ctx, row.RemoteID, content.Member)
	} else {
		err = p.crypto.MemberLeft(ctx, row.RemoteID, content.Member)
	}
	if err != nil {
		zerolog.Ctx(ctx).Err(err).Str("member", content.Member).Msg("Failed to update group session membership")
	}
}

// preparePuppets swaps remote user ids for their ghosts. It runs inside each
// delivery attempt so provisioning failures are retried with the send.
func (p *Pipeline) preparePuppets(ctx context.Context, evt *network.Event, out *network.Outbound) error {
	if evt.Sender != "" && out.SenderID == "" {
		puppet, err := p.mapper.GetOrCreatePuppet(ctx, evt.Sender)
		if err != nil {
			return fmt.Errorf("failed to get puppet for %s: %w", evt.Sender, err)
		}
		out.SenderID = puppet.MXID
	}
	if out.Content.Kind == network.ContentMembership && out.Content.Member == evt.Content.Member && out.Content.Member != "" {
		puppet, err := p.mapper.GetOrCreatePuppet(ctx, out.Content.Member)
		if err != nil {
			return fmt.Errorf("failed to get puppet for %s: %w", out.Content.Member, err)
		}
		out.Content.Member = puppet.MXID
	}
	return nil
}
