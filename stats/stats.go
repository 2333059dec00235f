// Package stats holds the per-client request statistics behind risk scoring.
//
// Risk score formula:
//
//	score = min(40, 8*blockedCount) + round(60*failedRequests/totalRequests)
//
// clamped to [0, 100]. Both terms are monotonic, so more blocks or a worse
// failure ratio never lower the score. Bands: HIGH >= 70, MEDIUM >= 40,
// LOW otherwise.
package stats

import (
	"math"
	"time"
)

// Level is a risk band.
type Level string

const (
	LevelLow    Level = "LOW"
	LevelMedium Level = "MEDIUM"
	LevelHigh   Level = "HIGH"
)

// Score band thresholds and formula weights.
const (
	HighScore   = 70
	MediumScore = 40

	blockedWeight  = 8
	blockedCap     = 40
	failureWeight  = 60
	maxRiskScore   = 100
	percentDivisor = 100
)

// Policy decides when a client is suspicious.
type Policy struct {
	SuspiciousScore int     `yaml:"suspicious_score"`
	FailureRatio    float64 `yaml:"failure_ratio"` // hard ratio in [0,1]
	MinSample       int64   `yaml:"min_sample"`    // requests needed before FailureRatio applies
}

// DefaultPolicy returns the stock thresholds.
func DefaultPolicy() Policy {
	return Policy{SuspiciousScore: HighScore, FailureRatio: 0.8, MinSample: 10}
}

// Statistics is the persisted record of one client.
type Statistics struct {
	Client             string    `json:"client"`
	TotalRequests      int64     `json:"total_requests"`
	SuccessfulRequests int64     `json:"successful_requests"`
	FailedRequests     int64     `json:"failed_requests"`
	BlockedCount       int64     `json:"blocked_count"`
	RiskScore          int       `json:"risk_score"`
	Suspicious         bool      `json:"suspicious"`
	UserAgent          string    `json:"user_agent,omitempty"`
	FirstSeenAt        time.Time `json:"first_seen_at"`
	LastRequestAt      time.Time `json:"last_request_at"`
	BlockedUntil       time.Time `json:"blocked_until,omitzero"`
	PermanentlyBlocked bool      `json:"permanently_blocked"`
	BlockReason        string    `json:"block_reason,omitempty"`
	// BlockedBy and BlockNotes are set when an operator blocked the client.
	BlockedBy  string `json:"blocked_by,omitempty"`
	BlockNotes string `json:"block_notes,omitempty"`
}

// New returns empty statistics for client first seen at now.
func New(client string, now time.Time) *Statistics {
	return &Statistics{Client: client, FirstSeenAt: now}
}

// FailureRatio is failed/total in [0,1]; zero without requests.
func (s *Statistics) FailureRatio() float64 {
	if s.TotalRequests <= 0 {
		return 0
	}
	r := float64(s.FailedRequests) / float64(s.TotalRequests)
	return math.Min(1, math.Max(0, r))
}

// SuccessRate is successful/total as a percentage.
func (s *Statistics) SuccessRate() float64 {
	if s.TotalRequests <= 0 {
		return 0
	}
	r := float64(s.SuccessfulRequests) / float64(s.TotalRequests) * percentDivisor
	return math.Min(percentDivisor, math.Max(0, r))
}

// FailureRate is failed/total as a percentage.
func (s *Statistics) FailureRate() float64 {
	return s.FailureRatio() * percentDivisor
}

// Score computes the risk score from counters alone.
func Score(blockedCount, totalRequests, failedRequests int64) int {
	blocked := blockedCount * blockedWeight
	if blocked > blockedCap {
		blocked = blockedCap
	}
	if blocked < 0 {
		blocked = 0
	}

	ratio := 0.0
	if totalRequests > 0 {
		ratio = math.Min(1, math.Max(0, float64(failedRequests)/float64(totalRequests)))
	}

	score := int(blocked) + int(math.Round(ratio*failureWeight))
	if score > maxRiskScore {
		return maxRiskScore
	}
	return score
}

// LevelFor maps a score to its band.
func LevelFor(score int) Level {
	switch {
	case score >= HighScore:
		return LevelHigh
	case score >= MediumScore:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Recalculate refreshes RiskScore and Suspicious from the counters.
func (s *Statistics) Recalculate(p Policy) {
	s.RiskScore = Score(s.BlockedCount, s.TotalRequests, s.FailedRequests)
	s.Suspicious = s.RiskScore >= p.SuspiciousScore ||
		(s.TotalRequests >= p.MinSample && s.FailureRatio() >= p.FailureRatio)
}

// RiskLevel is the band of the current score.
func (s *Statistics) RiskLevel() Level {
	return LevelFor(s.RiskScore)
}

// BlockedAt reports whether an auto-block is in force at now.
func (s *Statistics) BlockedAt(now time.Time) bool {
	return s.PermanentlyBlocked || now.Before(s.BlockedUntil)
}

// UnblockIn is the time left on a temporary block.
func (s *Statistics) UnblockIn(now time.Time) time.Duration {
	if s.PermanentlyBlocked || !now.Before(s.BlockedUntil) {
		return 0
	}
	return s.BlockedUntil.Sub(now)
}

// Block applies an auto-block; d <= 0 blocks permanently.
func (s *Statistics) Block(now time.Time, d time.Duration, reason string) {
	if d <= 0 {
		s.PermanentlyBlocked = true
		s.BlockedUntil = time.Time{}
	} else {
		s.BlockedUntil = now.Add(d)
	}
	s.BlockReason = reason
}

// BlockPermanently applies an operator block that only Unblock lifts.
func (s *Statistics) BlockPermanently(reason, blockedBy, notes string) {
	s.PermanentlyBlocked = true
	s.BlockedUntil = time.Time{}
	s.BlockReason = reason
	s.BlockedBy = blockedBy
	s.BlockNotes = notes
}

// Unblock lifts any block and clears the counters that led to it.
func (s *Statistics) Unblock(p Policy) {
	s.PermanentlyBlocked = false
	s.BlockedUntil = time.Time{}
	s.BlockReason = ""
	s.BlockedBy = ""
	s.BlockNotes = ""
	s.BlockedCount = 0
	s.FailedRequests = 0
	s.Recalculate(p)
}
