package policy

import (
	"time"

	"github.com/goodtune/kguard/internal/storage"
)

// Categories that are not keyword categories.
const (
	CategoryTimeLimit = "Time Limit"
	CategoryAllowed   = "Allowed"
	CategoryCustom    = "Custom"
	CategorySafe      = "Safe"
	CategoryUnknown   = "Unknown"
)

// Reason explains why a time rule blocks a domain.
type Reason string

const (
	ReasonPermanent    Reason = "permanent"
	ReasonCooldown     Reason = "cooldown"
	ReasonLimitReached Reason = "limit-reached"
)

// TimeLimitStatus is the outcome of evaluating a domain's time rule.
type TimeLimitStatus struct {
	Blocked      bool       `json:"blocked"`
	Reason       Reason     `json:"reason,omitempty"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
	// RemainingSeconds is only meaningful when HasBudget is set.
	RemainingSeconds int64               `json:"remaining_seconds,omitempty"`
	HasBudget        bool                `json:"has_budget,omitempty"`
	Rule             *storage.DomainRule `json:"rule,omitempty"`
}

// ClassificationResult is the transient decision for one URL.
type ClassificationResult struct {
	Category  string           `json:"category"`
	Blocked   bool             `json:"blocked"`
	Allowed   bool             `json:"allowed"`
	Custom    bool             `json:"custom"`
	TimeLimit *TimeLimitStatus `json:"time_limit,omitempty"`
}

// IsTimeLimit reports whether the block came from a time rule.
func (r ClassificationResult) IsTimeLimit() bool {
	return r.TimeLimit != nil && r.TimeLimit.Blocked
}
