package cachefacade

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/ctxquiz/quizcore/internal/domain"
)

type leaderboardMeta struct {
	TotalScore  int64 `json:"totalScore"`
	TotalTimeMs int64 `json:"totalTimeMs"`
}

func leaderboardMetaKey(sessionID string) string { return leaderboardKey(sessionID) + ":meta" }

// UpdateLeaderboard stores the composite rank score for a participant
// within a session's leaderboard (spec.md §4.3: "stores composite
// rankScore").
func (f *Facade) UpdateLeaderboard(ctx context.Context, sessionID, participantID string, totalScore, totalTimeMs int64) error {
	const op = "leaderboard.update"
	rankScore := domain.RankScore(totalScore, totalTimeMs)

	if f.beginOp(ctx, op) {
		f.fallback.leaderboardUpdate(sessionID, participantID, totalScore, totalTimeMs, rankScore, leaderboardTTL)
		return nil
	}

	if err := f.client.ZAdd(ctx, leaderboardKey(sessionID), rankScore, participantID); err != nil {
		if f.enterIfUnavailable(ctx, op, err) {
			f.fallback.leaderboardUpdate(sessionID, participantID, totalScore, totalTimeMs, rankScore, leaderboardTTL)
			return nil
		}
		return err
	}

	meta, err := json.Marshal(leaderboardMeta{TotalScore: totalScore, TotalTimeMs: totalTimeMs})
	if err != nil {
		return err
	}
	if err := f.client.HSet(ctx, leaderboardMetaKey(sessionID), map[string]string{participantID: string(meta)}); err != nil {
		f.enterIfUnavailable(ctx, op, err)
	}
	_ = f.client.Expire(ctx, leaderboardMetaKey(sessionID), leaderboardTTL)
	return nil
}

// TopLeaderboard returns the top n entries, ranked descending, 1-based.
func (f *Facade) TopLeaderboard(ctx context.Context, sessionID string, n int) ([]domain.LeaderboardEntry, error) {
	const op = "leaderboard.top"
	if f.beginOp(ctx, op) {
		return f.topFromMemory(sessionID, n), nil
	}

	members, err := f.client.ZRevRangeWithScores(ctx, leaderboardKey(sessionID), 0, int64(n)-1)
	if err != nil {
		if f.enterIfUnavailable(ctx, op, err) {
			return f.topFromMemory(sessionID, n), nil
		}
		return nil, err
	}
	metaRaw, err := f.client.HGetAll(ctx, leaderboardMetaKey(sessionID))
	if err != nil {
		metaRaw = nil
	}

	out := make([]domain.LeaderboardEntry, 0, len(members))
	for i, m := range members {
		entry := domain.LeaderboardEntry{ParticipantID: m.Member, RankScore: m.Score, Rank: i + 1}
		if raw, ok := metaRaw[m.Member]; ok {
			var meta leaderboardMeta
			if json.Unmarshal([]byte(raw), &meta) == nil {
				entry.TotalScore = meta.TotalScore
				entry.TotalTimeMs = meta.TotalTimeMs
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

func (f *Facade) topFromMemory(sessionID string, n int) []domain.LeaderboardEntry {
	full := f.fallback.leaderboardFull(sessionID)
	entries := sortedEntries(full)
	if n >= 0 && n < len(entries) {
		entries = entries[:n]
	}
	return entries
}

// FullLeaderboard returns every participant in the session's leaderboard,
// ranked descending.
func (f *Facade) FullLeaderboard(ctx context.Context, sessionID string) ([]domain.LeaderboardEntry, error) {
	const op = "leaderboard.full"
	if f.beginOp(ctx, op) {
		return sortedEntries(f.fallback.leaderboardFull(sessionID)), nil
	}

	card, err := f.client.ZCard(ctx, leaderboardKey(sessionID))
	if err != nil {
		if f.enterIfUnavailable(ctx, op, err) {
			return sortedEntries(f.fallback.leaderboardFull(sessionID)), nil
		}
		return nil, err
	}
	return f.TopLeaderboard(ctx, sessionID, int(card))
}

// RankOf returns the 1-based rank of a participant, or (0, false) if
// absent from the leaderboard.
func (f *Facade) RankOf(ctx context.Context, sessionID, participantID string) (int, bool, error) {
	const op = "leaderboard.rank"
	if f.beginOp(ctx, op) {
		return rankFromMemory(f.fallback.leaderboardFull(sessionID), participantID)
	}

	rank, found, err := f.client.ZRevRank(ctx, leaderboardKey(sessionID), participantID)
	if err != nil {
		if f.enterIfUnavailable(ctx, op, err) {
			return rankFromMemory(f.fallback.leaderboardFull(sessionID), participantID)
		}
		return 0, false, err
	}
	if !found {
		return 0, false, nil
	}
	return int(rank) + 1, true, nil
}

func rankFromMemory(full map[string]leaderboardRecord, participantID string) (int, bool, error) {
	if _, ok := full[participantID]; !ok {
		return 0, false, nil
	}
	entries := sortedEntries(full)
	for _, e := range entries {
		if e.ParticipantID == participantID {
			return e.Rank, true, nil
		}
	}
	return 0, false, nil
}

// RemoveFromLeaderboard removes a single participant from a session's
// leaderboard.
func (f *Facade) RemoveFromLeaderboard(ctx context.Context, sessionID, participantID string) error {
	const op = "leaderboard.remove"
	f.fallback.leaderboardRemove(sessionID, participantID)
	if f.beginOp(ctx, op) {
		return nil
	}
	if err := f.client.ZRem(ctx, leaderboardKey(sessionID), participantID); err != nil {
		f.enterIfUnavailable(ctx, op, err)
	}
	return nil
}

// DeleteLeaderboard removes an entire session's leaderboard.
func (f *Facade) DeleteLeaderboard(ctx context.Context, sessionID string) error {
	const op = "leaderboard.delete"
	f.fallback.leaderboardDelete(sessionID)
	if f.beginOp(ctx, op) {
		return nil
	}
	if err := f.client.Del(ctx, leaderboardKey(sessionID), leaderboardMetaKey(sessionID)); err != nil {
		f.enterIfUnavailable(ctx, op, err)
	}
	return nil
}

// sortedEntries orders by the invariant in spec.md §8: higher totalScore
// first, faster totalTimeMs breaks ties.
func sortedEntries(full map[string]leaderboardRecord) []domain.LeaderboardEntry {
	entries := make([]domain.LeaderboardEntry, 0, len(full))
	for pid, rec := range full {
		entries = append(entries, domain.LeaderboardEntry{
			ParticipantID: pid,
			TotalScore:    rec.TotalScore,
			TotalTimeMs:   rec.TotalTimeMs,
			RankScore:     rec.RankScore,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].TotalScore != entries[j].TotalScore {
			return entries[i].TotalScore > entries[j].TotalScore
		}
		return entries[i].TotalTimeMs < entries[j].TotalTimeMs
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}
