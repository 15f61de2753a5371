package cachefacade

import "fmt"

// Key layout per spec.md §6 ("Key layout in cache").

func sessionKey(id string) string           { return fmt.Sprintf("session:%s:state", id) }
func participantKey(id string) string       { return fmt.Sprintf("participant:%s:session", id) }
func leaderboardKey(sessionID string) string { return fmt.Sprintf("session:%s:leaderboard", sessionID) }
func answerBufferKey(sessionID string) string {
	return fmt.Sprintf("session:%s:answers:buffer", sessionID)
}
func answerHashKey(sessionID string) string { return fmt.Sprintf("session:%s:answers:hash", sessionID) }
func joinCodeKey(code string) string        { return fmt.Sprintf("joincode:%s", code) }
func rateJoinKey(ip string) string          { return fmt.Sprintf("ratelimit:join:%s", ip) }
func rateAnswerKey(participantID, questionID string) string {
	return fmt.Sprintf("ratelimit:answer:%s:%s", participantID, questionID)
}
