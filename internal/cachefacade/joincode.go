package cachefacade

import "context"

// SetJoinCode maps a short join code to a session id, TTL 6h.
func (f *Facade) SetJoinCode(ctx context.Context, code, sessionID string) error {
	const op = "joincode.set"
	if f.beginOp(ctx, op) {
		f.fallback.putJoinCode(code, sessionID, joinCodeTTL)
		return nil
	}
	if err := f.client.Set(ctx, joinCodeKey(code), sessionID, joinCodeTTL); err != nil {
		if f.enterIfUnavailable(ctx, op, err) {
			f.fallback.putJoinCode(code, sessionID, joinCodeTTL)
			return nil
		}
		return err
	}
	return nil
}

// GetJoinCode resolves a join code to a session id, returning ErrNotFound
// when absent.
func (f *Facade) GetJoinCode(ctx context.Context, code string) (string, error) {
	const op = "joincode.get"
	if f.beginOp(ctx, op) {
		sessionID, ok := f.fallback.getJoinCode(code)
		if !ok {
			return "", ErrNotFound
		}
		return sessionID, nil
	}

	sessionID, err := f.client.Get(ctx, joinCodeKey(code))
	if err != nil {
		if f.enterIfUnavailable(ctx, op, err) {
			sessionID, ok := f.fallback.getJoinCode(code)
			if !ok {
				return "", ErrNotFound
			}
			return sessionID, nil
		}
		return "", ErrNotFound
	}
	return sessionID, nil
}

// JoinCodeExists reports whether a join code currently resolves to a
// session.
func (f *Facade) JoinCodeExists(ctx context.Context, code string) (bool, error) {
	const op = "joincode.exists"
	if f.beginOp(ctx, op) {
		_, ok := f.fallback.getJoinCode(code)
		return ok, nil
	}
	exists, err := f.client.Exists(ctx, joinCodeKey(code))
	if err != nil {
		if f.enterIfUnavailable(ctx, op, err) {
			_, ok := f.fallback.getJoinCode(code)
			return ok, nil
		}
		return false, err
	}
	return exists, nil
}

// DeleteJoinCode removes a join code mapping from both stores.
func (f *Facade) DeleteJoinCode(ctx context.Context, code string) error {
	const op = "joincode.delete"
	f.fallback.deleteJoinCode(code)
	if f.beginOp(ctx, op) {
		return nil
	}
	if err := f.client.Del(ctx, joinCodeKey(code)); err != nil {
		f.enterIfUnavailable(ctx, op, err)
	}
	return nil
}
