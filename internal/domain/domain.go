// Package domain holds the shared value types that flow between the
// storage and resilience components (cache facade, durable store facade,
// pending queue, answer batcher, recovery worker, session recovery).
//
// None of these types own persistence; the cache facade and durable store
// facade do. Types here are plain data, safe to copy, and JSON-tagged for
// both the cache wire format and the durable store's document format.
package domain

import "time"

// Phase is the coarse state of a live quiz session.
type Phase string

const (
	PhaseLobby          Phase = "lobby"
	PhaseActiveQuestion Phase = "active_question"
	PhaseReveal         Phase = "reveal"
	PhaseEnded          Phase = "ended"
)

// SessionState is the durable/cached record of one quiz session.
type SessionState struct {
	SessionID            string     `json:"sessionId" bson:"sessionId"`
	HostID               string     `json:"hostId" bson:"hostId"`
	Phase                Phase      `json:"phase" bson:"phase"`
	CurrentQuestionIndex int        `json:"currentQuestionIndex" bson:"currentQuestionIndex"`
	CurrentQuestionID    string     `json:"currentQuestionId,omitempty" bson:"currentQuestionId,omitempty"`
	CurrentQuestionStart *time.Time `json:"currentQuestionStart,omitempty" bson:"currentQuestionStart,omitempty"`
	TimerEnd             *time.Time `json:"timerEnd,omitempty" bson:"timerEnd,omitempty"`
	ParticipantCount     int        `json:"participantCount" bson:"participantCount"`
	VoidedQuestions      []string   `json:"voidedQuestions,omitempty" bson:"voidedQuestions,omitempty"`
}

// ParticipantSession is the durable/cached record of one quiz-taker.
type ParticipantSession struct {
	ParticipantID   string    `json:"participantId" bson:"participantId"`
	SessionID       string    `json:"sessionId" bson:"sessionId"`
	Nickname        string    `json:"nickname" bson:"nickname"`
	TotalScore      int64     `json:"totalScore" bson:"totalScore"`
	TotalTimeMs     int64     `json:"totalTimeMs" bson:"totalTimeMs"`
	StreakCount     int       `json:"streakCount" bson:"streakCount"`
	IsActive        bool      `json:"isActive" bson:"isActive"`
	IsEliminated    bool      `json:"isEliminated" bson:"isEliminated"`
	Banned          bool      `json:"banned" bson:"banned"`
	SocketID        string    `json:"socketId,omitempty" bson:"socketId,omitempty"`
	LastConnectedAt time.Time `json:"lastConnectedAt" bson:"lastConnectedAt"`
}

// RankScore computes the composite ordering key described in spec.md §3:
// higher totalScore wins; ties broken by lower totalTimeMs.
func RankScore(totalScore, totalTimeMs int64) float64 {
	return float64(totalScore) - float64(totalTimeMs)/1e9
}

// LeaderboardEntry is one row of a session's ranking.
type LeaderboardEntry struct {
	ParticipantID string  `json:"participantId"`
	Nickname      string  `json:"nickname,omitempty"`
	TotalScore    int64   `json:"totalScore"`
	TotalTimeMs   int64   `json:"totalTimeMs"`
	RankScore     float64 `json:"rankScore"`
	Rank          int     `json:"rank"`
}

// AnswerOption is one selectable option of a question, as seen by
// participants during ActiveQuestion (no IsCorrect) or by scoring code
// after the fact (IsCorrect populated).
type AnswerOption struct {
	ID        string `json:"id" bson:"id"`
	Text      string `json:"text" bson:"text"`
	IsCorrect *bool  `json:"isCorrect,omitempty" bson:"isCorrect,omitempty"`
}

// Question is the durable representation of a quiz question. Only the
// fields session recovery (C8) needs are modeled; authoring/scoring detail
// lives in the out-of-scope quiz-authoring subsystem.
type Question struct {
	QuestionID string         `json:"questionId" bson:"questionId"`
	SessionID  string         `json:"sessionId" bson:"sessionId"`
	Text       string         `json:"text" bson:"text"`
	Options    []AnswerOption `json:"options" bson:"options"`
}

// StripCorrectness returns a copy of the question with IsCorrect cleared on
// every option, per spec.md §4.8 step 4: "strip correctness flags from
// options" before sending a question to a reconnecting participant.
func (q Question) StripCorrectness() Question {
	out := q
	out.Options = make([]AnswerOption, len(q.Options))
	for i, opt := range q.Options {
		opt.IsCorrect = nil
		out.Options[i] = opt
	}
	return out
}

// Answer is an append-only record of one submission.
type Answer struct {
	AnswerID        string    `json:"answerId" bson:"answerId"`
	SessionID       string    `json:"sessionId" bson:"sessionId"`
	ParticipantID   string    `json:"participantId" bson:"participantId"`
	QuestionID      string    `json:"questionId" bson:"questionId"`
	SelectedOptions []string  `json:"selectedOptions,omitempty" bson:"selectedOptions,omitempty"`
	TextBody        string    `json:"textBody,omitempty" bson:"textBody,omitempty"`
	NumericBody     *float64  `json:"numericBody,omitempty" bson:"numericBody,omitempty"`
	SubmittedAt     time.Time `json:"submittedAt" bson:"submittedAt"`
	ResponseTimeMs  int64     `json:"responseTimeMs" bson:"responseTimeMs"`
	IsCorrect       *bool     `json:"isCorrect,omitempty" bson:"isCorrect,omitempty"`
	PointsAwarded   int       `json:"pointsAwarded" bson:"pointsAwarded"`
}

// WriteOp classifies a deferred durable-store write intent.
type WriteOp string

const (
	OpInsert WriteOp = "insert"
	OpUpdate WriteOp = "update"
	OpDelete WriteOp = "delete"
)

// PendingWrite is the envelope enqueued by C4 when the durable store is
// unreachable, and drained in FIFO order by C7.
type PendingWrite struct {
	ID          string         `json:"id"`
	Op          WriteOp        `json:"op"`
	Collection  string         `json:"collection"`
	DocumentID  string         `json:"documentId"`
	Document    map[string]any `json:"document,omitempty"`
	Filter      map[string]any `json:"filter,omitempty"`
	Update      map[string]any `json:"update,omitempty"`
	EnqueuedAt  time.Time      `json:"enqueuedAt"`
}
