package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/ernie/squad-tracker/internal/domain"
	"github.com/ernie/squad-tracker/internal/storage"
	"github.com/ernie/squad-tracker/internal/verify"
)

// --- Per-kind handlers ---

// handleDamaged refreshes both identities. Damage itself is not stored.
func (a *Adapter) handleDamaged(ctx context.Context, tx *storage.Tx, ev domain.RawEvent) (Result, error) {
	var p domain.DamagePayload
	if err := domain.Decode(ev, &p); err != nil {
		return Result{}, err
	}

	var res Result
	if _, err := resolve(ctx, tx, p.AttackerRef(), ev.OccurredAt, "attacker", &res); err != nil {
		return res, err
	}
	if _, err := resolve(ctx, tx, p.VictimRef(), ev.OccurredAt, "victim", &res); err != nil {
		return res, err
	}
	return res, nil
}

// handleWounded stores the wound when the victim is identifiable. The
// attacker is refreshed either way.
func (a *Adapter) handleWounded(ctx context.Context, tx *storage.Tx, ev domain.RawEvent) (Result, error) {
	var p domain.DamagePayload
	if err := domain.Decode(ev, &p); err != nil {
		return Result{}, err
	}

	var res Result
	attackerRef, victimRef := p.AttackerRef(), p.VictimRef()
	victim, err := resolve(ctx, tx, victimRef, ev.OccurredAt, "victim", &res)
	if err != nil {
		return res, err
	}
	attacker, err := resolve(ctx, tx, attackerRef, ev.OccurredAt, "attacker", &res)
	if err != nil || victim == nil {
		return res, err
	}

	weaponID, err := tx.WeaponID(ctx, p.Weapon)
	if err != nil {
		return res, err
	}

	w := &domain.Wound{
		ServerID:       ev.ServerID,
		AttackerID:     playerIDPtr(attacker),
		VictimID:       victim.ID,
		WeaponID:       weaponID,
		Damage:         p.Damage,
		Teamkill:       p.IsTeamkill(),
		Cause:          p.Cause(),
		AttackerTeamID: attackerRef.TeamID,
		AttackerSquad:  attackerRef.SquadID,
		VictimTeamID:   victimRef.TeamID,
		VictimSquad:    victimRef.SquadID,
		Timestamp:      ev.OccurredAt,
	}
	if err := tx.InsertWound(ctx, w); err != nil {
		return res, err
	}
	res.Created++
	return res, nil
}

// handleDied records a kill, taking weapon and attacker from the victim's
// most recent wound when one exists. Without an identifiable victim only the
// attacker is refreshed.
func (a *Adapter) handleDied(ctx context.Context, tx *storage.Tx, ev domain.RawEvent) (Result, error) {
	var p domain.DamagePayload
	if err := domain.Decode(ev, &p); err != nil {
		return Result{}, err
	}

	var res Result
	victim, err := resolve(ctx, tx, p.VictimRef(), ev.OccurredAt, "victim", &res)
	if err != nil {
		return res, err
	}
	attacker, err := resolve(ctx, tx, p.AttackerRef(), ev.OccurredAt, "attacker", &res)
	if err != nil || victim == nil {
		return res, err
	}

	wound, err := tx.LatestWound(ctx, ev.ServerID, victim.ID, ev.OccurredAt, a.woundTTL)
	if err != nil {
		return res, err
	}

	k := &domain.Kill{
		EventID:    ev.ID,
		ServerID:   ev.ServerID,
		AttackerID: playerIDPtr(attacker),
		VictimID:   victim.ID,
		Teamkill:   p.IsTeamkill(),
		Timestamp:  ev.OccurredAt,
	}
	if wound != nil {
		k.WeaponID = wound.WeaponID
		k.Teamkill = wound.Teamkill
		if k.AttackerID == nil {
			k.AttackerID = wound.AttackerID
		}
	}

	created, err := tx.InsertKill(ctx, k)
	if err != nil {
		return res, err
	}
	if created {
		res.Created++
	}
	return res, nil
}

// handleRevived needs both players; a revive with either missing is skipped
func (a *Adapter) handleRevived(ctx context.Context, tx *storage.Tx, ev domain.RawEvent) (Result, error) {
	var p domain.RevivePayload
	if err := domain.Decode(ev, &p); err != nil {
		return Result{}, err
	}

	var res Result
	reviver, err := resolve(ctx, tx, p.ReviverRef(), ev.OccurredAt, "reviver", &res)
	if err != nil {
		return res, err
	}
	victim, err := resolve(ctx, tx, p.VictimRef(), ev.OccurredAt, "victim", &res)
	if err != nil {
		return res, err
	}
	if reviver == nil || victim == nil {
		return res, nil
	}

	created, err := tx.InsertRevive(ctx, &domain.Revive{
		EventID:   ev.ID,
		ServerID:  ev.ServerID,
		ReviverID: reviver.ID,
		VictimID:  victim.ID,
		Timestamp: ev.OccurredAt,
	})
	if err != nil {
		return res, err
	}
	if created {
		res.Created++
	}
	return res, nil
}

// handleChat refreshes the speaker and completes a link when the message is
// a live verification code the relay has not already consumed
func (a *Adapter) handleChat(ctx context.Context, tx *storage.Tx, ev domain.RawEvent) (Result, error) {
	var p domain.ChatPayload
	if err := domain.Decode(ev, &p); err != nil {
		return Result{}, err
	}

	var res Result
	ref := p.SpeakerRef()
	speaker, err := resolve(ctx, tx, ref, ev.OccurredAt, "speaker", &res)
	if err != nil || speaker == nil {
		return res, err
	}

	code, ok := verify.ExtractCode(p.Message)
	if !ok || a.relay == nil {
		return res, nil
	}

	link, err := a.relay.MatchTx(ctx, tx, code, ev.ServerID, ref)
	switch {
	case err == nil:
		res.Created++
		a.log.Debug().Str("requester", link.RequesterID).Int64("player_id", link.PlayerID).Msg("linked from buffered chat")
	case errors.Is(err, verify.ErrNotFound), errors.Is(err, verify.ErrExpired), errors.Is(err, verify.ErrInvalidCode):
		// usually already consumed by the live chat route
	default:
		return res, fmt.Errorf("matching code: %w", err)
	}
	return res, nil
}

func (a *Adapter) handlePresence(active bool) Handler {
	return func(ctx context.Context, tx *storage.Tx, ev domain.RawEvent) (Result, error) {
		var p domain.PresencePayload
		if err := domain.Decode(ev, &p); err != nil {
			return Result{}, err
		}

		var res Result
		player, err := resolve(ctx, tx, p.Ref(), ev.OccurredAt, "player", &res)
		if err != nil || player == nil {
			return res, err
		}
		if err := tx.SetPlayerActive(ctx, player.ID, active); err != nil {
			return res, err
		}
		return res, nil
	}
}
