// Package sessionrecovery implements session recovery (C8): rehydrating a
// participant's session view across the cache facade (C3) and the durable
// store facade (C4) after a transport disconnect, per spec.md §4.8's
// 6-step procedure.
package sessionrecovery

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/ctxquiz/quizcore/internal/cachefacade"
	"github.com/ctxquiz/quizcore/internal/domain"
	"github.com/ctxquiz/quizcore/internal/metrics"
	"github.com/ctxquiz/quizcore/internal/store"
	"github.com/ctxquiz/quizcore/internal/telemetry"
)

const (
	sessionsCollection     = "sessions"
	participantsCollection = "participants"
	quizzesCollection      = "quizzes"

	participantExpiry = 5 * time.Minute
	leaderboardTopN   = 10
)

// Reason enumerates why a recovery attempt failed, per spec.md §4.8.
type Reason string

const (
	ReasonSessionNotFound     Reason = "SessionNotFound"
	ReasonSessionEnded        Reason = "SessionEnded"
	ReasonParticipantNotFound Reason = "ParticipantNotFound"
	ReasonParticipantBanned   Reason = "ParticipantBanned"
	ReasonSessionExpired      Reason = "SessionExpired"
)

// userMessage mirrors spec.md §7's recovery-failure message mapping.
func (r Reason) userMessage() string {
	switch r {
	case ReasonSessionExpired:
		return "Your session has expired. Please rejoin with the join code."
	case ReasonParticipantBanned:
		return "You have been removed from this session."
	default:
		return "This session could not be found."
	}
}

// code returns the wire error code spec.md §7 maps each reason to.
func (r Reason) code() string {
	switch r {
	case ReasonSessionExpired:
		return "SESSION_EXPIRED"
	case ReasonParticipantBanned:
		return "FORBIDDEN"
	default:
		return "NOT_FOUND"
	}
}

// Failure is a SessionRecoveryFailure: the procedure could not produce a
// snapshot for the given reason.
type Failure struct {
	Reason  Reason
	Message string
	Code    string
}

func (f *Failure) Error() string { return f.Message }

func newFailure(reason Reason) *Failure {
	return &Failure{Reason: reason, Message: reason.userMessage(), Code: reason.code()}
}

// Success is a SessionRecoverySuccess: the full snapshot of the
// participant's view as of the recovery attempt.
type Success struct {
	Session         domain.SessionState
	Participant     domain.ParticipantSession
	CurrentQuestion *domain.Question
	RemainingTimeS  *int64
	Rank            int
	RankFound       bool
	TopLeaderboard  []domain.LeaderboardEntry
	IsSpectator     bool
}

// Config wires a Recoverer to the two facades it composes.
type Config struct {
	Cache  *cachefacade.Facade
	Store  *store.Store
	Logger *zap.Logger
}

// Recoverer implements spec.md §4.8's procedure, composing the cache
// facade (C3) and durable-store facade (C4).
type Recoverer struct {
	cache  *cachefacade.Facade
	store  *store.Store
	logger *zap.Logger
}

// New constructs a Recoverer from Config.
func New(cfg Config) *Recoverer {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recoverer{cache: cfg.Cache, store: cfg.Store, logger: logger}
}

// Recover runs the full 6-step procedure and returns either a Success or a
// Failure. err is non-nil only for genuinely unexpected conditions (e.g. a
// corrupt stored document); ordinary "can't recover" outcomes are carried
// in Failure, never in err.
func (r *Recoverer) Recover(ctx context.Context, participantID, sessionID string) (*Success, *Failure, error) {
	ctx, span := telemetry.StartRecoverySpan(ctx, sessionID, participantID)
	start := time.Now()
	var outcome, failureReason string
	defer func() {
		telemetry.EndRecoverySpan(span, outcome, failureReason)
		metricOutcome := outcome
		if failureReason != "" {
			metricOutcome = failureReason
		}
		metrics.RecordSessionRecovery(metricOutcome, time.Since(start))
	}()

	session, fail, err := r.verifySession(ctx, sessionID)
	if err != nil {
		outcome = "error"
		return nil, nil, err
	}
	if fail != nil {
		outcome, failureReason = "failure", string(fail.Reason)
		return nil, fail, nil
	}

	participant, fail, err := r.verifyParticipant(ctx, participantID, sessionID)
	if err != nil {
		outcome = "error"
		return nil, nil, err
	}
	if fail != nil {
		outcome, failureReason = "failure", string(fail.Reason)
		return nil, fail, nil
	}

	participant, err = r.restoreActive(ctx, participant)
	if err != nil {
		outcome = "error"
		return nil, nil, err
	}

	question, remaining, err := r.currentQuestionView(ctx, session)
	if err != nil {
		outcome = "error"
		return nil, nil, err
	}

	rank, rankFound, err := r.cache.RankOf(ctx, sessionID, participantID)
	if err != nil {
		outcome = "error"
		return nil, nil, err
	}
	top, err := r.topLeaderboardWithNicknames(ctx, sessionID)
	if err != nil {
		outcome = "error"
		return nil, nil, err
	}

	outcome = "success"
	return &Success{
		Session:         session,
		Participant:     participant,
		CurrentQuestion: question,
		RemainingTimeS:  remaining,
		Rank:            rank,
		RankFound:       rankFound,
		TopLeaderboard:  top,
		IsSpectator:     participant.IsEliminated,
	}, nil, nil
}

// CanRecover is a lightweight pre-flight check: it runs only steps 1–2
// (verify session, verify participant) and reports whether a full Recover
// call would succeed, per spec.md §4.8's "lightweight canRecover(p, s)
// skips steps 3–5".
func (r *Recoverer) CanRecover(ctx context.Context, participantID, sessionID string) (bool, *Failure, error) {
	ctx, span := telemetry.StartVerifyStepSpan(ctx, "can_recover")
	defer span.End()

	_, fail, err := r.verifySession(ctx, sessionID)
	if err != nil || fail != nil {
		return false, fail, err
	}
	_, fail, err = r.verifyParticipant(ctx, participantID, sessionID)
	if err != nil || fail != nil {
		return false, fail, err
	}
	return true, nil, nil
}

// UpdateSocketID writes the participant's new transport handle into C3,
// per spec.md §4.8's "updateSocketId(p, id)".
func (r *Recoverer) UpdateSocketID(ctx context.Context, participantID, socketID string) error {
	_, err := r.cache.UpdateParticipantSession(ctx, participantID, func(p *domain.ParticipantSession) {
		p.SocketID = socketID
	})
	return err
}

// verifySession is step 1.
func (r *Recoverer) verifySession(ctx context.Context, sessionID string) (domain.SessionState, *Failure, error) {
	ctx, span := telemetry.StartVerifyStepSpan(ctx, "verify_session")
	defer span.End()

	session, err := r.cache.GetSessionState(ctx, sessionID)
	if err == nil {
		if session.Phase == domain.PhaseEnded {
			return domain.SessionState{}, newFailure(ReasonSessionEnded), nil
		}
		return session, nil, nil
	}
	if !errors.Is(err, cachefacade.ErrNotFound) {
		return domain.SessionState{}, nil, err
	}

	doc, findErr := r.store.FindOne(ctx, sessionsCollection, map[string]any{"sessionId": sessionID})
	if findErr != nil && !errors.Is(findErr, store.ErrNotFound) {
		return domain.SessionState{}, nil, findErr
	}
	if doc == nil {
		return domain.SessionState{}, newFailure(ReasonSessionNotFound), nil
	}
	session, decodeErr := decodeDoc[domain.SessionState](doc)
	if decodeErr != nil {
		return domain.SessionState{}, nil, decodeErr
	}
	if session.Phase == domain.PhaseEnded {
		return domain.SessionState{}, newFailure(ReasonSessionEnded), nil
	}
	// Only the durable store had it: re-seed C3.
	if setErr := r.cache.SetSessionState(ctx, session); setErr != nil {
		r.logger.Warn("session recovery: failed to reseed session state",
			zap.String("sessionId", sessionID), zap.Error(setErr))
	}
	return session, nil, nil
}

// verifyParticipant is step 2.
func (r *Recoverer) verifyParticipant(ctx context.Context, participantID, sessionID string) (domain.ParticipantSession, *Failure, error) {
	ctx, span := telemetry.StartVerifyStepSpan(ctx, "verify_participant")
	defer span.End()

	participant, err := r.cache.GetParticipantSession(ctx, participantID)
	if err == nil {
		return participant, nil, nil
	}
	if !errors.Is(err, cachefacade.ErrNotFound) {
		return domain.ParticipantSession{}, nil, err
	}

	doc, findErr := r.store.FindOne(ctx, participantsCollection, map[string]any{"participantId": participantID})
	if findErr != nil && !errors.Is(findErr, store.ErrNotFound) {
		return domain.ParticipantSession{}, nil, findErr
	}
	if doc == nil {
		return domain.ParticipantSession{}, newFailure(ReasonParticipantNotFound), nil
	}
	participant, decodeErr := decodeDoc[domain.ParticipantSession](doc)
	if decodeErr != nil {
		return domain.ParticipantSession{}, nil, decodeErr
	}

	// The C3 entry having TTL'd out is the only way SessionExpired arises.
	if time.Since(participant.LastConnectedAt) > participantExpiry {
		return domain.ParticipantSession{}, newFailure(ReasonSessionExpired), nil
	}
	if participant.Banned {
		return domain.ParticipantSession{}, newFailure(ReasonParticipantBanned), nil
	}

	participant.IsActive = true
	if setErr := r.cache.SetParticipantSession(ctx, participant); setErr != nil {
		r.logger.Warn("session recovery: failed to reseed participant session",
			zap.String("participantId", participantID), zap.Error(setErr))
	}
	return participant, nil, nil
}

// restoreActive is step 3: mark active in C3 and (best-effort) C4,
// refreshing the 5 min TTL.
func (r *Recoverer) restoreActive(ctx context.Context, participant domain.ParticipantSession) (domain.ParticipantSession, error) {
	_, span := telemetry.StartVerifyStepSpan(ctx, "restore_active")
	defer span.End()

	updated, err := r.cache.UpdateParticipantSession(ctx, participant.ParticipantID, func(p *domain.ParticipantSession) {
		p.IsActive = true
	})
	if err != nil {
		return participant, err
	}
	if err := r.cache.RefreshParticipantTTL(ctx, participant.ParticipantID); err != nil {
		r.logger.Warn("session recovery: failed to refresh participant TTL",
			zap.String("participantId", participant.ParticipantID), zap.Error(err))
	}

	if _, err := r.store.UpdateOne(ctx, participantsCollection,
		map[string]any{"participantId": participant.ParticipantID},
		map[string]any{"isActive": true},
		false,
	); err != nil {
		r.logger.Warn("session recovery: best-effort durable-store activation failed",
			zap.String("participantId", participant.ParticipantID), zap.Error(err))
	}

	return updated, nil
}

// currentQuestionView is step 4.
func (r *Recoverer) currentQuestionView(ctx context.Context, session domain.SessionState) (*domain.Question, *int64, error) {
	if session.Phase != domain.PhaseActiveQuestion || session.CurrentQuestionID == "" {
		return nil, nil, nil
	}
	_, span := telemetry.StartVerifyStepSpan(ctx, "current_question")
	defer span.End()

	doc, err := r.store.FindOne(ctx, quizzesCollection, map[string]any{
		"sessionId":  session.SessionID,
		"questionId": session.CurrentQuestionID,
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, nil, err
	}
	if doc == nil {
		return nil, nil, nil
	}
	question, decodeErr := decodeDoc[domain.Question](doc)
	if decodeErr != nil {
		return nil, nil, decodeErr
	}
	stripped := question.StripCorrectness()

	var remaining *int64
	if session.TimerEnd != nil {
		remainingMs := session.TimerEnd.Sub(time.Now())
		secs := int64(math.Ceil(remainingMs.Seconds()))
		if secs < 0 {
			secs = 0
		}
		remaining = &secs
	}
	return &stripped, remaining, nil
}

// topLeaderboardWithNicknames is step 5's "leaderboard.top(sessionId, 10)
// enriched with nickname and per-entry score/time fetched from each
// participant's C3 entry".
func (r *Recoverer) topLeaderboardWithNicknames(ctx context.Context, sessionID string) ([]domain.LeaderboardEntry, error) {
	entries, err := r.cache.TopLeaderboard(ctx, sessionID, leaderboardTopN)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		p, pErr := r.cache.GetParticipantSession(ctx, entries[i].ParticipantID)
		if pErr != nil {
			continue
		}
		entries[i].Nickname = p.Nickname
		entries[i].TotalScore = p.TotalScore
		entries[i].TotalTimeMs = p.TotalTimeMs
	}
	return entries, nil
}

// decodeDoc round-trips a generic durable-store document into a typed
// value via JSON, mirroring the answer batcher's answerToDoc conversion
// in the opposite direction.
func decodeDoc[T any](doc map[string]any) (T, error) {
	var out T
	raw, err := json.Marshal(doc)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}
