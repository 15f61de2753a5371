package cachefacade

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ctxquiz/quizcore/internal/domain"
)

// GetParticipantSession returns ErrNotFound when absent.
func (f *Facade) GetParticipantSession(ctx context.Context, participantID string) (domain.ParticipantSession, error) {
	const op = "participant.get"
	if f.beginOp(ctx, op) {
		p, ok := f.fallback.getParticipant(participantID)
		if !ok {
			return domain.ParticipantSession{}, ErrNotFound
		}
		return p, nil
	}

	raw, err := f.client.Get(ctx, participantKey(participantID))
	if err != nil {
		if f.enterIfUnavailable(ctx, op, err) {
			p, ok := f.fallback.getParticipant(participantID)
			if !ok {
				return domain.ParticipantSession{}, ErrNotFound
			}
			return p, nil
		}
		return domain.ParticipantSession{}, ErrNotFound
	}

	var p domain.ParticipantSession
	if jsonErr := json.Unmarshal([]byte(raw), &p); jsonErr != nil {
		return domain.ParticipantSession{}, fmt.Errorf("cachefacade: decode participant session: %w", jsonErr)
	}
	return p, nil
}

// SetParticipantSession writes the full participant session with a 5 min TTL.
func (f *Facade) SetParticipantSession(ctx context.Context, p domain.ParticipantSession) error {
	const op = "participant.set"
	if f.beginOp(ctx, op) {
		f.fallback.putParticipant(p, participantTTL)
		return nil
	}

	buf, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("cachefacade: encode participant session: %w", err)
	}
	if err := f.client.Set(ctx, participantKey(p.ParticipantID), string(buf), participantTTL); err != nil {
		if f.enterIfUnavailable(ctx, op, err) {
			f.fallback.putParticipant(p, participantTTL)
			return nil
		}
		return err
	}
	return nil
}

// UpdateParticipantSession applies mutate and persists the result.
func (f *Facade) UpdateParticipantSession(ctx context.Context, participantID string, mutate func(*domain.ParticipantSession)) (domain.ParticipantSession, error) {
	p, err := f.GetParticipantSession(ctx, participantID)
	if err != nil {
		return domain.ParticipantSession{}, err
	}
	mutate(&p)
	if err := f.SetParticipantSession(ctx, p); err != nil {
		return domain.ParticipantSession{}, err
	}
	return p, nil
}

// RefreshParticipantTTL extends the participant session's TTL without
// rewriting its value.
func (f *Facade) RefreshParticipantTTL(ctx context.Context, participantID string) error {
	const op = "participant.refresh_ttl"
	if f.beginOp(ctx, op) {
		if p, ok := f.fallback.getParticipant(participantID); ok {
			f.fallback.putParticipant(p, participantTTL)
		}
		return nil
	}
	if err := f.client.Expire(ctx, participantKey(participantID), participantTTL); err != nil {
		if f.enterIfUnavailable(ctx, op, err) {
			if p, ok := f.fallback.getParticipant(participantID); ok {
				f.fallback.putParticipant(p, participantTTL)
			}
			return nil
		}
		return err
	}
	return nil
}

// DeleteParticipantSession removes the participant session from both stores.
func (f *Facade) DeleteParticipantSession(ctx context.Context, participantID string) error {
	const op = "participant.delete"
	f.fallback.deleteParticipant(participantID)
	if f.beginOp(ctx, op) {
		return nil
	}
	if err := f.client.Del(ctx, participantKey(participantID)); err != nil {
		f.enterIfUnavailable(ctx, op, err)
	}
	return nil
}

// IsActive reports whether the participant session exists (and is thus
// still within its TTL window).
func (f *Facade) IsActive(ctx context.Context, participantID string) bool {
	_, err := f.GetParticipantSession(ctx, participantID)
	return err == nil
}

// TTL returns the participant session's remaining time-to-live, or -2 if
// absent (mirrors the underlying cache's TTL-on-missing-key convention,
// per spec.md §4.3).
func (f *Facade) TTL(ctx context.Context, participantID string) time.Duration {
	const op = "participant.ttl"
	if f.beginOp(ctx, op) {
		return f.fallback.participantTTL(participantID)
	}
	d, err := f.client.TTL(ctx, participantKey(participantID))
	if err != nil {
		if f.enterIfUnavailable(ctx, op, err) {
			return f.fallback.participantTTL(participantID)
		}
		return -2 * time.Second
	}
	if d < 0 {
		return -2 * time.Second
	}
	return d
}
