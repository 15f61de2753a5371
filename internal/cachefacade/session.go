package cachefacade

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ctxquiz/quizcore/internal/domain"
)

// GetSessionState returns ErrNotFound when absent from both the live
// cache and the in-memory fallback.
func (f *Facade) GetSessionState(ctx context.Context, sessionID string) (domain.SessionState, error) {
	const op = "session.get"
	if f.beginOp(ctx, op) {
		s, ok := f.fallback.getSession(sessionID)
		if !ok {
			return domain.SessionState{}, ErrNotFound
		}
		return s, nil
	}

	raw, err := f.client.Get(ctx, sessionKey(sessionID))
	if err != nil {
		if f.enterIfUnavailable(ctx, op, err) {
			s, ok := f.fallback.getSession(sessionID)
			if !ok {
				return domain.SessionState{}, ErrNotFound
			}
			return s, nil
		}
		return domain.SessionState{}, ErrNotFound
	}

	var s domain.SessionState
	if jsonErr := json.Unmarshal([]byte(raw), &s); jsonErr != nil {
		return domain.SessionState{}, fmt.Errorf("cachefacade: decode session state: %w", jsonErr)
	}
	return s, nil
}

// SetSessionState writes the full session state with a 6h TTL.
func (f *Facade) SetSessionState(ctx context.Context, s domain.SessionState) error {
	const op = "session.set"
	if f.beginOp(ctx, op) {
		f.fallback.putSession(s, sessionTTL)
		return nil
	}

	buf, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("cachefacade: encode session state: %w", err)
	}
	if err := f.client.Set(ctx, sessionKey(s.SessionID), string(buf), sessionTTL); err != nil {
		if f.enterIfUnavailable(ctx, op, err) {
			f.fallback.putSession(s, sessionTTL)
			return nil
		}
		return err
	}
	return nil
}

// UpdateSessionState applies mutate to the current state and persists the
// result, refreshing the TTL (spec.md §4.3: "partial update refreshes
// TTL").
func (f *Facade) UpdateSessionState(ctx context.Context, sessionID string, mutate func(*domain.SessionState)) (domain.SessionState, error) {
	s, err := f.GetSessionState(ctx, sessionID)
	if err != nil {
		return domain.SessionState{}, err
	}
	mutate(&s)
	if err := f.SetSessionState(ctx, s); err != nil {
		return domain.SessionState{}, err
	}
	return s, nil
}

// DeleteSessionState removes the session state from both stores.
func (f *Facade) DeleteSessionState(ctx context.Context, sessionID string) error {
	const op = "session.delete"
	f.fallback.deleteSession(sessionID)
	if f.beginOp(ctx, op) {
		return nil
	}
	if err := f.client.Del(ctx, sessionKey(sessionID)); err != nil {
		f.enterIfUnavailable(ctx, op, err)
	}
	return nil
}
