package cachefacade

import "context"

// CheckJoin increments the per-IP join counter for a 60s window and
// reports whether the caller is still within the limit of 5 (spec.md §4.3,
// §8: "at most 5 successful checkJoin(ip) calls; the 6th returns false").
func (f *Facade) CheckJoin(ctx context.Context, ip string) (bool, error) {
	const op = "ratelimit.check_join"
	key := rateJoinKey(ip)

	if f.beginOp(ctx, op) {
		count := f.fallback.incrCounter(key, rateJoinWindow)
		return count <= rateJoinMax, nil
	}

	count, err := f.client.Incr(ctx, key)
	if err != nil {
		if f.enterIfUnavailable(ctx, op, err) {
			count := f.fallback.incrCounter(key, rateJoinWindow)
			return count <= rateJoinMax, nil
		}
		return false, err
	}
	if count == 1 {
		if err := f.client.Expire(ctx, key, rateJoinWindow); err != nil {
			f.enterIfUnavailable(ctx, op, err)
		}
	}
	return count <= rateJoinMax, nil
}

// CheckAnswer is a set-if-absent marker with a 5 min TTL; it returns true
// only on the first call for a given (participant, question) pair.
func (f *Facade) CheckAnswer(ctx context.Context, participantID, questionID string) (bool, error) {
	const op = "ratelimit.check_answer"
	key := rateAnswerKey(participantID, questionID)

	if f.beginOp(ctx, op) {
		return f.fallback.setMarkerIfAbsent(key, rateAnswerTTL), nil
	}

	first, err := f.client.SetNX(ctx, key, "1", rateAnswerTTL)
	if err != nil {
		if f.enterIfUnavailable(ctx, op, err) {
			return f.fallback.setMarkerIfAbsent(key, rateAnswerTTL), nil
		}
		return false, err
	}
	return first, nil
}

// HasAnswered non-mutatingly reports whether CheckAnswer has already
// succeeded for this (participant, question) pair.
func (f *Facade) HasAnswered(ctx context.Context, participantID, questionID string) (bool, error) {
	const op = "ratelimit.has_answered"
	key := rateAnswerKey(participantID, questionID)

	if f.beginOp(ctx, op) {
		return f.fallback.hasMarker(key), nil
	}

	exists, err := f.client.Exists(ctx, key)
	if err != nil {
		if f.enterIfUnavailable(ctx, op, err) {
			return f.fallback.hasMarker(key), nil
		}
		return false, err
	}
	return exists, nil
}
