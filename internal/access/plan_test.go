package access

import (
	"context"
	"testing"

	"github.com/tasklane/tasklane/internal/domain"
)

func TestPlanGateTier(t *testing.T) {
	dir := newFakeDirectory()
	dir.subscriptions["ws-full"] = domain.Subscription{Status: domain.SubscriptionCustom}
	dir.subscriptions["ws-trial"] = domain.Subscription{Status: domain.SubscriptionCancelled}
	gate := NewPlanGate(dir, dir)

	if tier, _ := gate.Tier(context.Background(), "ws-full"); tier != domain.TierFull {
		t.Fatalf("custom tier=%s, want full", tier)
	}
	if tier, _ := gate.Tier(context.Background(), "ws-trial"); tier != domain.TierTrial {
		t.Fatalf("cancelled tier=%s, want trial", tier)
	}
}

func TestPlanGateWithinQuota(t *testing.T) {
	dir := newFakeDirectory()
	gate := NewPlanGate(dir, dir)
	ctx := context.Background()

	dir.counts[domain.ResourceBoard] = 9
	if ok, _ := gate.WithinQuota(ctx, "ws", domain.ResourceBoard); !ok {
		t.Fatalf("9 boards should be within quota")
	}
	dir.counts[domain.ResourceBoard] = 10
	if ok, _ := gate.WithinQuota(ctx, "ws", domain.ResourceBoard); ok {
		t.Fatalf("10 boards should exhaust quota")
	}
	if ok, _ := gate.WithinQuota(ctx, "ws", domain.ResourceChatMessage); ok {
		t.Fatalf("chat messages are disabled at trial")
	}

	before := dir.countCalls
	dir.counts[domain.ResourceTaskLabel] = 1 << 20
	if ok, _ := gate.WithinQuota(ctx, "ws", domain.ResourceTaskLabel); !ok {
		t.Fatalf("task labels are unlimited")
	}
	if dir.countCalls != before {
		t.Fatalf("unlimited kinds must not be counted")
	}
}
