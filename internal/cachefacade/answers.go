package cachefacade

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ctxquiz/quizcore/internal/domain"
)

// BufferAnswer prepends an answer to its session's cache-resident buffer
// and indexes it by AnswerID for O(1) late-scoring lookups, TTL 1h
// (spec.md §4.3: "prepend-to-list + hash-by-AnswerId").
func (f *Facade) BufferAnswer(ctx context.Context, a domain.Answer) error {
	const op = "answers.buffer"
	buf, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("cachefacade: encode answer: %w", err)
	}

	if f.beginOp(ctx, op) {
		f.fallback.genericListPrepend(answerBufferKey(a.SessionID), string(buf), answerBufferTTL)
		f.fallback.genericHashSet(answerHashKey(a.SessionID), map[string]string{a.AnswerID: string(buf)}, answerBufferTTL)
		return nil
	}

	listErr := f.client.LPush(ctx, answerBufferKey(a.SessionID), string(buf))
	if listErr != nil {
		if f.enterIfUnavailable(ctx, op, listErr) {
			f.fallback.genericListPrepend(answerBufferKey(a.SessionID), string(buf), answerBufferTTL)
			f.fallback.genericHashSet(answerHashKey(a.SessionID), map[string]string{a.AnswerID: string(buf)}, answerBufferTTL)
			return nil
		}
		return listErr
	}
	_ = f.client.Expire(ctx, answerBufferKey(a.SessionID), answerBufferTTL)

	if err := f.client.HSet(ctx, answerHashKey(a.SessionID), map[string]string{a.AnswerID: string(buf)}); err != nil {
		f.enterIfUnavailable(ctx, op, err)
	}
	_ = f.client.Expire(ctx, answerHashKey(a.SessionID), answerBufferTTL)
	return nil
}

// GetBufferedAnswer performs the O(1) hash lookup by AnswerID, used to
// apply late scoring to an already-submitted answer.
func (f *Facade) GetBufferedAnswer(ctx context.Context, sessionID, answerID string) (domain.Answer, error) {
	const op = "answers.get_buffered"
	hash, err := f.hashByKey(ctx, op, answerHashKey(sessionID))
	if err != nil {
		return domain.Answer{}, err
	}
	raw, ok := hash[answerID]
	if !ok {
		return domain.Answer{}, ErrNotFound
	}
	var a domain.Answer
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return domain.Answer{}, fmt.Errorf("cachefacade: decode buffered answer: %w", err)
	}
	return a, nil
}

// hashByKey fetches an entire hash key, transparently falling back.
func (f *Facade) hashByKey(ctx context.Context, op, key string) (map[string]string, error) {
	if f.beginOp(ctx, op) {
		return f.fallback.genericHashGetAll(key), nil
	}
	hash, err := f.client.HGetAll(ctx, key)
	if err != nil {
		if f.enterIfUnavailable(ctx, op, err) {
			return f.fallback.genericHashGetAll(key), nil
		}
		return nil, err
	}
	return hash, nil
}

// FlushAnswerBuffer returns every buffered answer for a session and clears
// both the list and the lookup hash (spec.md §4.3: "flush returns and
// clears the list").
func (f *Facade) FlushAnswerBuffer(ctx context.Context, sessionID string) ([]domain.Answer, error) {
	const op = "answers.flush"
	var raws []string

	if f.beginOp(ctx, op) {
		raws = f.fallback.genericListAll(answerBufferKey(sessionID))
		f.fallback.genericListClear(answerBufferKey(sessionID))
		f.fallback.genericDelete(answerHashKey(sessionID))
	} else {
		var err error
		raws, err = f.client.LRange(ctx, answerBufferKey(sessionID), 0, -1)
		if err != nil {
			if f.enterIfUnavailable(ctx, op, err) {
				raws = f.fallback.genericListAll(answerBufferKey(sessionID))
				f.fallback.genericListClear(answerBufferKey(sessionID))
				f.fallback.genericDelete(answerHashKey(sessionID))
			} else {
				return nil, err
			}
		} else {
			if err := f.client.Del(ctx, answerBufferKey(sessionID), answerHashKey(sessionID)); err != nil {
				f.enterIfUnavailable(ctx, op, err)
			}
		}
	}

	out := make([]domain.Answer, 0, len(raws))
	for _, raw := range raws {
		var a domain.Answer
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}
