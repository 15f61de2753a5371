package cachefacade

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ctxquiz/quizcore/internal/alertsink"
	"github.com/ctxquiz/quizcore/internal/domain"
)

// fakeClient is a minimal in-memory stand-in for a live Redis connection,
// letting tests force connectivity failures deterministically.
type fakeClient struct {
	mu   sync.Mutex
	down bool

	strings map[string]string
	hashes  map[string]map[string]string
	lists   map[string][]string
	zsets   map[string]map[string]float64
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		strings: make(map[string]string),
		hashes:  make(map[string]map[string]string),
		lists:   make(map[string][]string),
		zsets:   make(map[string]map[string]float64),
	}
}

var errDown = errors.New("dial tcp 10.0.0.1:6379: connect: connection refused")

func (c *fakeClient) checkDown() error {
	if c.down {
		return errDown
	}
	return nil
}

func (c *fakeClient) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkDown()
}

func (c *fakeClient) Get(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkDown(); err != nil {
		return "", err
	}
	v, ok := c.strings[key]
	if !ok {
		return "", errKeyNotFound
	}
	return v, nil
}

func (c *fakeClient) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkDown(); err != nil {
		return err
	}
	c.strings[key] = value
	return nil
}

func (c *fakeClient) Del(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkDown(); err != nil {
		return err
	}
	for _, k := range keys {
		delete(c.strings, k)
		delete(c.hashes, k)
		delete(c.lists, k)
		delete(c.zsets, k)
	}
	return nil
}

func (c *fakeClient) Exists(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkDown(); err != nil {
		return false, err
	}
	_, ok := c.strings[key]
	return ok, nil
}

func (c *fakeClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkDown()
}

func (c *fakeClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkDown(); err != nil {
		return 0, err
	}
	if _, ok := c.strings[key]; !ok {
		return -2 * time.Second, nil
	}
	return time.Minute, nil
}

func (c *fakeClient) Incr(ctx context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkDown(); err != nil {
		return 0, err
	}
	var n int64
	if v, ok := c.strings[key]; ok {
		n, _ = strconv.ParseInt(v, 10, 64)
	}
	n++
	c.strings[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (c *fakeClient) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkDown(); err != nil {
		return false, err
	}
	if _, ok := c.strings[key]; ok {
		return false, nil
	}
	c.strings[key] = value
	return true, nil
}

func (c *fakeClient) HSet(ctx context.Context, key string, fields map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkDown(); err != nil {
		return err
	}
	h, ok := c.hashes[key]
	if !ok {
		h = make(map[string]string)
		c.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (c *fakeClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkDown(); err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for k, v := range c.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (c *fakeClient) ZAdd(ctx context.Context, key string, score float64, member string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkDown(); err != nil {
		return err
	}
	z, ok := c.zsets[key]
	if !ok {
		z = make(map[string]float64)
		c.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (c *fakeClient) ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZMember, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkDown(); err != nil {
		return nil, err
	}
	members := make([]ZMember, 0, len(c.zsets[key]))
	for m, s := range c.zsets[key] {
		members = append(members, ZMember{Member: m, Score: s})
	}
	sortZMembers(members)
	if stop < 0 || int(stop) >= len(members) {
		stop = int64(len(members)) - 1
	}
	if start > stop {
		return nil, nil
	}
	return members[start : stop+1], nil
}

func (c *fakeClient) ZRevRank(ctx context.Context, key, member string) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkDown(); err != nil {
		return 0, false, err
	}
	members := make([]ZMember, 0, len(c.zsets[key]))
	for m, s := range c.zsets[key] {
		members = append(members, ZMember{Member: m, Score: s})
	}
	sortZMembers(members)
	for i, m := range members {
		if m.Member == member {
			return int64(i), true, nil
		}
	}
	return 0, false, nil
}

func (c *fakeClient) ZRem(ctx context.Context, key, member string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkDown(); err != nil {
		return err
	}
	delete(c.zsets[key], member)
	return nil
}

func (c *fakeClient) ZCard(ctx context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkDown(); err != nil {
		return 0, err
	}
	return int64(len(c.zsets[key])), nil
}

func (c *fakeClient) LPush(ctx context.Context, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkDown(); err != nil {
		return err
	}
	c.lists[key] = append([]string{value}, c.lists[key]...)
	return nil
}

func (c *fakeClient) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkDown(); err != nil {
		return nil, err
	}
	list := c.lists[key]
	if stop < 0 || int(stop) >= len(list) {
		stop = int64(len(list)) - 1
	}
	if start > stop {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

func (c *fakeClient) LTrim(ctx context.Context, key string, start, stop int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkDown()
}

func sortZMembers(ms []ZMember) {
	for i := 1; i < len(ms); i++ {
		for j := i; j > 0 && ms[j].Score > ms[j-1].Score; j-- {
			ms[j], ms[j-1] = ms[j-1], ms[j]
		}
	}
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []alertsink.Alert
}

func (s *recordingSink) Emit(ctx context.Context, a alertsink.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
}

func (s *recordingSink) kinds() []alertsink.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]alertsink.Kind, len(s.alerts))
	for i, a := range s.alerts {
		out[i] = a.Kind
	}
	return out
}

func TestFacade_EntersFallbackOnUnavailability(t *testing.T) {
	fc := newFakeClient()
	sink := &recordingSink{}
	f := NewFacade(Config{Client: fc, AlertSink: sink})

	if err := f.SetSessionState(context.Background(), domain.SessionState{SessionID: "s1"}); err != nil {
		t.Fatalf("unexpected error while cache healthy: %v", err)
	}
	if f.InFallbackMode() {
		t.Fatal("should not be in fallback mode yet")
	}

	fc.mu.Lock()
	fc.down = true
	fc.mu.Unlock()

	if err := f.SetSessionState(context.Background(), domain.SessionState{SessionID: "s2"}); err != nil {
		t.Fatalf("fallback write should not surface an error: %v", err)
	}
	if !f.InFallbackMode() {
		t.Fatal("expected fallback mode after unavailability error")
	}

	got, err := f.GetSessionState(context.Background(), "s2")
	if err != nil {
		t.Fatalf("expected fallback read to succeed: %v", err)
	}
	if got.SessionID != "s2" {
		t.Fatalf("unexpected session id: %q", got.SessionID)
	}

	kinds := sink.kinds()
	if len(kinds) == 0 || kinds[0] != AlertEnterFallback {
		t.Fatalf("expected enter-fallback alert first, got %v", kinds)
	}
}

func TestFacade_ExitsFallbackOnSuccessfulProbe(t *testing.T) {
	fc := newFakeClient()
	sink := &recordingSink{}
	f := NewFacade(Config{Client: fc, AlertSink: sink})

	fc.mu.Lock()
	fc.down = true
	fc.mu.Unlock()
	_ = f.SetSessionState(context.Background(), domain.SessionState{SessionID: "s1"})
	if !f.InFallbackMode() {
		t.Fatal("expected fallback mode")
	}

	fc.mu.Lock()
	fc.down = false
	fc.mu.Unlock()
	f.mu.Lock()
	f.lastProbeAt = time.Time{} // force the rate limiter to allow an immediate probe
	f.mu.Unlock()

	f.maybeProbe(context.Background())
	if f.InFallbackMode() {
		t.Fatal("expected fallback mode to clear after a successful probe")
	}

	found := false
	for _, k := range sink.kinds() {
		if k == AlertExitFallback {
			found = true
		}
	}
	if !found {
		t.Fatal("expected an exit-fallback alert")
	}
}

func TestFacade_NotFoundNeverTriggersFallback(t *testing.T) {
	fc := newFakeClient()
	f := NewFacade(Config{Client: fc})

	_, err := f.GetSessionState(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if f.InFallbackMode() {
		t.Fatal("a plain cache miss must never trigger fallback mode")
	}
}

func TestFacade_RateLimitCheckJoin(t *testing.T) {
	fc := newFakeClient()
	f := NewFacade(Config{Client: fc})
	ctx := context.Background()

	for i := 0; i < rateJoinMax; i++ {
		ok, err := f.CheckJoin(ctx, "1.2.3.4")
		if err != nil || !ok {
			t.Fatalf("call %d: expected ok, got ok=%v err=%v", i, ok, err)
		}
	}
	ok, err := f.CheckJoin(ctx, "1.2.3.4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("6th join check should be rejected")
	}
}

func TestFacade_CheckAnswerOnceOnly(t *testing.T) {
	fc := newFakeClient()
	f := NewFacade(Config{Client: fc})
	ctx := context.Background()

	first, err := f.CheckAnswer(ctx, "p1", "q1")
	if err != nil || !first {
		t.Fatalf("expected first check to succeed: ok=%v err=%v", first, err)
	}
	second, err := f.CheckAnswer(ctx, "p1", "q1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second {
		t.Fatal("second check for the same pair must return false")
	}
	answered, err := f.HasAnswered(ctx, "p1", "q1")
	if err != nil || !answered {
		t.Fatalf("expected hasAnswered true, got %v err=%v", answered, err)
	}
}

func TestFacade_LeaderboardOrdering(t *testing.T) {
	fc := newFakeClient()
	f := NewFacade(Config{Client: fc})
	ctx := context.Background()

	_ = f.UpdateLeaderboard(ctx, "s1", "alice", 100, 5000)
	_ = f.UpdateLeaderboard(ctx, "s1", "bob", 100, 3000)
	_ = f.UpdateLeaderboard(ctx, "s1", "carol", 80, 1000)

	top, err := f.TopLeaderboard(ctx, "s1", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(top) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(top))
	}
	if top[0].ParticipantID != "bob" || top[1].ParticipantID != "alice" || top[2].ParticipantID != "carol" {
		t.Fatalf("unexpected order: %+v", top)
	}
	if top[0].Rank != 1 || top[1].Rank != 2 {
		t.Fatalf("unexpected ranks: %+v", top)
	}

	rank, found, err := f.RankOf(ctx, "s1", "alice")
	if err != nil || !found || rank != 2 {
		t.Fatalf("expected alice rank 2, got rank=%d found=%v err=%v", rank, found, err)
	}
}

func TestFacade_AnswerBufferFlush(t *testing.T) {
	fc := newFakeClient()
	f := NewFacade(Config{Client: fc})
	ctx := context.Background()

	a1 := domain.Answer{AnswerID: "a1", SessionID: "s1", ParticipantID: "p1"}
	a2 := domain.Answer{AnswerID: "a2", SessionID: "s1", ParticipantID: "p2"}
	if err := f.BufferAnswer(ctx, a1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := f.BufferAnswer(ctx, a2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := f.GetBufferedAnswer(ctx, "s1", "a1")
	if err != nil || got.AnswerID != "a1" {
		t.Fatalf("expected O(1) lookup to find a1: %+v err=%v", got, err)
	}

	flushed, err := f.FlushAnswerBuffer(ctx, "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(flushed) != 2 {
		t.Fatalf("expected 2 flushed answers, got %d", len(flushed))
	}

	again, err := f.FlushAnswerBuffer(ctx, "s1")
	if err != nil || len(again) != 0 {
		t.Fatalf("expected buffer to be empty after flush, got %d err=%v", len(again), err)
	}
}
