package cachefacade

import (
	"sync"
	"time"

	"github.com/ctxquiz/quizcore/internal/domain"
)

// expiringEntry pairs a value with an absolute expiry, per spec.md §4.3:
// "Each entry carries an absolute expiry."
type expiringEntry[V any] struct {
	value     V
	expiresAt time.Time
}

func (e expiringEntry[V]) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// memoryFallback is the in-process shadow store used while the live cache
// is unreachable. Each sub-map has independent locking, per spec.md §5:
// "each sub-map has independent locking; the sweeper takes a write lock
// over one sub-map at a time."
type memoryFallback struct {
	sessionMu sync.RWMutex
	sessions  map[string]expiringEntry[domain.SessionState]

	participantMu sync.RWMutex
	participants  map[string]expiringEntry[domain.ParticipantSession]

	// leaderboards maps sessionID -> (participantID -> score record).
	leaderboardMu sync.RWMutex
	leaderboards  map[string]expiringEntry[map[string]leaderboardRecord]
	// nicknames caches participant nicknames for leaderboard enrichment in
	// fallback mode, mirrored from participant writes.
	nicknames map[string]string

	joinCodeMu sync.RWMutex
	joinCodes  map[string]expiringEntry[string]

	rateLimitMu  sync.RWMutex
	rateCounters map[string]expiringEntry[int]
	rateMarkers  map[string]expiringEntry[struct{}]

	genericMu   sync.RWMutex
	genericKV   map[string]expiringEntry[string]
	genericHash map[string]expiringEntry[map[string]string]
	genericList map[string]expiringEntry[[]string]
}

func newMemoryFallback() *memoryFallback {
	return &memoryFallback{
		sessions:     make(map[string]expiringEntry[domain.SessionState]),
		participants: make(map[string]expiringEntry[domain.ParticipantSession]),
		leaderboards: make(map[string]expiringEntry[map[string]leaderboardRecord]),
		nicknames:    make(map[string]string),
		joinCodes:    make(map[string]expiringEntry[string]),
		rateCounters: make(map[string]expiringEntry[int]),
		rateMarkers:  make(map[string]expiringEntry[struct{}]),
		genericKV:    make(map[string]expiringEntry[string]),
		genericHash:  make(map[string]expiringEntry[map[string]string]),
		genericList:  make(map[string]expiringEntry[[]string]),
	}
}

// sweep evicts expired entries from every sub-map, one lock at a time, and
// returns the number of entries removed. Called by the facade's 60s
// background sweeper (spec.md §4.3).
func (m *memoryFallback) sweep(now time.Time) int {
	removed := 0

	m.sessionMu.Lock()
	for k, e := range m.sessions {
		if e.expired(now) {
			delete(m.sessions, k)
			removed++
		}
	}
	m.sessionMu.Unlock()

	m.participantMu.Lock()
	for k, e := range m.participants {
		if e.expired(now) {
			delete(m.participants, k)
			removed++
		}
	}
	m.participantMu.Unlock()

	m.leaderboardMu.Lock()
	for k, e := range m.leaderboards {
		if e.expired(now) {
			delete(m.leaderboards, k)
			removed++
		}
	}
	m.leaderboardMu.Unlock()

	m.joinCodeMu.Lock()
	for k, e := range m.joinCodes {
		if e.expired(now) {
			delete(m.joinCodes, k)
			removed++
		}
	}
	m.joinCodeMu.Unlock()

	m.rateLimitMu.Lock()
	for k, e := range m.rateCounters {
		if e.expired(now) {
			delete(m.rateCounters, k)
			removed++
		}
	}
	for k, e := range m.rateMarkers {
		if e.expired(now) {
			delete(m.rateMarkers, k)
			removed++
		}
	}
	m.rateLimitMu.Unlock()

	m.genericMu.Lock()
	for k, e := range m.genericKV {
		if e.expired(now) {
			delete(m.genericKV, k)
			removed++
		}
	}
	for k, e := range m.genericHash {
		if e.expired(now) {
			delete(m.genericHash, k)
			removed++
		}
	}
	for k, e := range m.genericList {
		if e.expired(now) {
			delete(m.genericList, k)
			removed++
		}
	}
	m.genericMu.Unlock()

	return removed
}

// --- session state ---

func (m *memoryFallback) getSession(id string) (domain.SessionState, bool) {
	m.sessionMu.RLock()
	defer m.sessionMu.RUnlock()
	e, ok := m.sessions[id]
	if !ok || e.expired(time.Now()) {
		return domain.SessionState{}, false
	}
	return e.value, true // struct copy: never an alias
}

func (m *memoryFallback) putSession(s domain.SessionState, ttl time.Duration) {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()
	m.sessions[s.SessionID] = expiringEntry[domain.SessionState]{value: s, expiresAt: time.Now().Add(ttl)}
}

func (m *memoryFallback) deleteSession(id string) {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()
	delete(m.sessions, id)
}

// --- participant session ---

func (m *memoryFallback) getParticipant(id string) (domain.ParticipantSession, bool) {
	m.participantMu.RLock()
	defer m.participantMu.RUnlock()
	e, ok := m.participants[id]
	if !ok || e.expired(time.Now()) {
		return domain.ParticipantSession{}, false
	}
	return e.value, true
}

func (m *memoryFallback) putParticipant(p domain.ParticipantSession, ttl time.Duration) {
	m.participantMu.Lock()
	m.participants[p.ParticipantID] = expiringEntry[domain.ParticipantSession]{value: p, expiresAt: time.Now().Add(ttl)}
	m.participantMu.Unlock()

	m.leaderboardMu.Lock()
	m.nicknames[p.ParticipantID] = p.Nickname
	m.leaderboardMu.Unlock()
}

func (m *memoryFallback) deleteParticipant(id string) {
	m.participantMu.Lock()
	defer m.participantMu.Unlock()
	delete(m.participants, id)
}

func (m *memoryFallback) participantTTL(id string) time.Duration {
	m.participantMu.RLock()
	defer m.participantMu.RUnlock()
	e, ok := m.participants[id]
	if !ok {
		return -2 * time.Second
	}
	remaining := time.Until(e.expiresAt)
	if remaining <= 0 {
		return -2 * time.Second
	}
	return remaining
}

// --- leaderboard ---

// leaderboardRecord is the in-memory fallback's per-participant entry in a
// session's leaderboard, mirroring what a ZSet member + companion hash
// field would hold in the live cache.
type leaderboardRecord struct {
	TotalScore   int64
	TotalTimeMs  int64
	RankScore    float64
}

func (m *memoryFallback) leaderboardUpdate(sessionID, participantID string, totalScore, totalTimeMs int64, rankScore float64, ttl time.Duration) {
	m.leaderboardMu.Lock()
	defer m.leaderboardMu.Unlock()
	e, ok := m.leaderboards[sessionID]
	var board map[string]leaderboardRecord
	if ok && !e.expired(time.Now()) {
		board = e.value
	} else {
		board = make(map[string]leaderboardRecord)
	}
	board[participantID] = leaderboardRecord{TotalScore: totalScore, TotalTimeMs: totalTimeMs, RankScore: rankScore}
	m.leaderboards[sessionID] = expiringEntry[map[string]leaderboardRecord]{value: board, expiresAt: time.Now().Add(ttl)}
}

func (m *memoryFallback) leaderboardFull(sessionID string) map[string]leaderboardRecord {
	m.leaderboardMu.RLock()
	defer m.leaderboardMu.RUnlock()
	e, ok := m.leaderboards[sessionID]
	if !ok || e.expired(time.Now()) {
		return nil
	}
	out := make(map[string]leaderboardRecord, len(e.value))
	for k, v := range e.value {
		out[k] = v
	}
	return out
}

func (m *memoryFallback) leaderboardRemove(sessionID, participantID string) {
	m.leaderboardMu.Lock()
	defer m.leaderboardMu.Unlock()
	e, ok := m.leaderboards[sessionID]
	if !ok {
		return
	}
	delete(e.value, participantID)
}

func (m *memoryFallback) leaderboardDelete(sessionID string) {
	m.leaderboardMu.Lock()
	defer m.leaderboardMu.Unlock()
	delete(m.leaderboards, sessionID)
}

func (m *memoryFallback) nickname(participantID string) string {
	m.leaderboardMu.RLock()
	defer m.leaderboardMu.RUnlock()
	return m.nicknames[participantID]
}

// --- join code ---

func (m *memoryFallback) getJoinCode(code string) (string, bool) {
	m.joinCodeMu.RLock()
	defer m.joinCodeMu.RUnlock()
	e, ok := m.joinCodes[code]
	if !ok || e.expired(time.Now()) {
		return "", false
	}
	return e.value, true
}

func (m *memoryFallback) putJoinCode(code, sessionID string, ttl time.Duration) {
	m.joinCodeMu.Lock()
	defer m.joinCodeMu.Unlock()
	m.joinCodes[code] = expiringEntry[string]{value: sessionID, expiresAt: time.Now().Add(ttl)}
}

func (m *memoryFallback) deleteJoinCode(code string) {
	m.joinCodeMu.Lock()
	defer m.joinCodeMu.Unlock()
	delete(m.joinCodes, code)
}

// --- rate limits ---

func (m *memoryFallback) incrCounter(key string, ttl time.Duration) int {
	m.rateLimitMu.Lock()
	defer m.rateLimitMu.Unlock()
	now := time.Now()
	e, ok := m.rateCounters[key]
	if !ok || e.expired(now) {
		e = expiringEntry[int]{value: 0, expiresAt: now.Add(ttl)}
	}
	e.value++
	m.rateCounters[key] = e
	return e.value
}

func (m *memoryFallback) setMarkerIfAbsent(key string, ttl time.Duration) bool {
	m.rateLimitMu.Lock()
	defer m.rateLimitMu.Unlock()
	now := time.Now()
	if e, ok := m.rateMarkers[key]; ok && !e.expired(now) {
		return false
	}
	m.rateMarkers[key] = expiringEntry[struct{}]{value: struct{}{}, expiresAt: now.Add(ttl)}
	return true
}

func (m *memoryFallback) hasMarker(key string) bool {
	m.rateLimitMu.RLock()
	defer m.rateLimitMu.RUnlock()
	e, ok := m.rateMarkers[key]
	return ok && !e.expired(time.Now())
}

// --- generic KV/hash/list (used by the pending-write queue, C5) ---

func (m *memoryFallback) genericSet(key, value string, ttl time.Duration) {
	m.genericMu.Lock()
	defer m.genericMu.Unlock()
	m.genericKV[key] = expiringEntry[string]{value: value, expiresAt: time.Now().Add(ttl)}
}

func (m *memoryFallback) genericGet(key string) (string, bool) {
	m.genericMu.RLock()
	defer m.genericMu.RUnlock()
	e, ok := m.genericKV[key]
	if !ok || e.expired(time.Now()) {
		return "", false
	}
	return e.value, true
}

func (m *memoryFallback) genericDelete(key string) {
	m.genericMu.Lock()
	defer m.genericMu.Unlock()
	delete(m.genericKV, key)
	delete(m.genericHash, key)
	delete(m.genericList, key)
}

func (m *memoryFallback) genericHashSet(key string, fields map[string]string, ttl time.Duration) {
	m.genericMu.Lock()
	defer m.genericMu.Unlock()
	existing := map[string]string{}
	if e, ok := m.genericHash[key]; ok && !e.expired(time.Now()) {
		for k, v := range e.value {
			existing[k] = v
		}
	}
	for k, v := range fields {
		existing[k] = v
	}
	m.genericHash[key] = expiringEntry[map[string]string]{value: existing, expiresAt: time.Now().Add(ttl)}
}

func (m *memoryFallback) genericHashGetAll(key string) map[string]string {
	m.genericMu.RLock()
	defer m.genericMu.RUnlock()
	e, ok := m.genericHash[key]
	if !ok || e.expired(time.Now()) {
		return nil
	}
	out := make(map[string]string, len(e.value))
	for k, v := range e.value {
		out[k] = v
	}
	return out
}

func (m *memoryFallback) genericListPrepend(key, value string, ttl time.Duration) {
	m.genericMu.Lock()
	defer m.genericMu.Unlock()
	var list []string
	if e, ok := m.genericList[key]; ok && !e.expired(time.Now()) {
		list = e.value
	}
	list = append([]string{value}, list...)
	m.genericList[key] = expiringEntry[[]string]{value: list, expiresAt: time.Now().Add(ttl)}
}

func (m *memoryFallback) genericListAll(key string) []string {
	m.genericMu.RLock()
	defer m.genericMu.RUnlock()
	e, ok := m.genericList[key]
	if !ok || e.expired(time.Now()) {
		return nil
	}
	out := make([]string, len(e.value))
	copy(out, e.value)
	return out
}

func (m *memoryFallback) genericListTrimOldest(key string, n int) {
	m.genericMu.Lock()
	defer m.genericMu.Unlock()
	e, ok := m.genericList[key]
	if !ok || n <= 0 {
		return
	}
	list := e.value
	if n >= len(list) {
		e.value = nil
	} else {
		e.value = list[:len(list)-n]
	}
	m.genericList[key] = e
}

func (m *memoryFallback) genericListClear(key string) {
	m.genericMu.Lock()
	defer m.genericMu.Unlock()
	delete(m.genericList, key)
}
