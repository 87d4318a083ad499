package domain

import (
	"errors"
	"strings"
)

type SubscriptionStatus string

const (
	SubscriptionUnpaid    SubscriptionStatus = "UNPAID"
	SubscriptionCustom    SubscriptionStatus = "CUSTOM"
	SubscriptionActive    SubscriptionStatus = "ACTIVE"
	SubscriptionCancelled SubscriptionStatus = "CANCELLED"
)

// Tier is the feature level derived from a subscription status.
type Tier string

const (
	TierTrial Tier = "trial"
	TierFull  Tier = "full"
)

type Subscription struct {
	Status SubscriptionStatus
	Seats  int
}

// Tier reports full only for active or custom subscriptions. Anything else,
// including an unknown status, is treated as trial.
func (s Subscription) Tier() Tier {
	switch NormalizeSubscriptionStatus(string(s.Status)) {
	case SubscriptionActive, SubscriptionCustom:
		return TierFull
	default:
		return TierTrial
	}
}

func NormalizeSubscriptionStatus(raw string) SubscriptionStatus {
	switch SubscriptionStatus(strings.ToUpper(strings.TrimSpace(raw))) {
	case SubscriptionUnpaid:
		return SubscriptionUnpaid
	case SubscriptionCustom:
		return SubscriptionCustom
	case SubscriptionActive:
		return SubscriptionActive
	case SubscriptionCancelled:
		return SubscriptionCancelled
	default:
		return ""
	}
}

// Workspace is the tenant root. NextTaskNumber only grows.
type Workspace struct {
	ID             string
	Title          string
	Subscription   Subscription
	NextTaskNumber int64
}

func (w Workspace) Validate() error {
	if strings.TrimSpace(w.ID) == "" {
		return errors.New("workspace id is required")
	}
	if strings.TrimSpace(w.Title) == "" {
		return errors.New("workspace title is required")
	}
	if w.NextTaskNumber < 0 {
		return errors.New("next task number must be >= 0")
	}
	return nil
}

type Membership struct {
	WorkspaceID string
	UserID      string
	Role        Role
}
