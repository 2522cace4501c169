package domain

import (
	"testing"
	"time"
)

func TestMessageVisible(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	m := &Message{CreatedAt: now.Add(-30 * time.Second), TTL: 60}
	if !m.Visible(now) {
		t.Errorf("expected unclaimed, unexpired message to be visible")
	}

	expired := &Message{CreatedAt: now.Add(-61 * time.Second), TTL: 60}
	if expired.Visible(now) {
		t.Errorf("expected TTL-expired message to be invisible")
	}

	claimExpiry := now.Add(30 * time.Second)
	claimed := &Message{CreatedAt: now.Add(-10 * time.Second), TTL: 60, ClaimID: "c1", ClaimExpiresAt: &claimExpiry}
	if claimed.Visible(now) {
		t.Errorf("expected actively-claimed message to be invisible")
	}

	pastClaimExpiry := now.Add(-1 * time.Second)
	claimExpired := &Message{CreatedAt: now.Add(-10 * time.Second), TTL: 60, ClaimID: "c1", ClaimExpiresAt: &pastClaimExpiry}
	if !claimExpired.Visible(now) {
		t.Errorf("expected message with an expired claim to become visible again")
	}
}

func TestMessageAgeClampsToZero(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	future := &Message{CreatedAt: now.Add(5 * time.Second)}
	if age := future.Age(now); age != 0 {
		t.Errorf("expected age to clamp at 0 for a message created in the future, got %v", age)
	}
}

func TestClaimLive(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &Claim{CreatedAt: now.Add(-50 * time.Second), TTL: 100}
	if !c.Live(now) {
		t.Errorf("expected claim within ttl to be live")
	}
	expired := &Claim{CreatedAt: now.Add(-150 * time.Second), TTL: 100}
	if expired.Live(now) {
		t.Errorf("expected claim past ttl to not be live")
	}
}
