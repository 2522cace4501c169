package validation

import "testing"

func TestQueueNameBoundary(t *testing.T) {
	l := DefaultLimits()
	name64 := make([]byte, 64)
	for i := range name64 {
		name64[i] = 'q'
	}
	if err := l.QueueName(string(name64)); err != nil {
		t.Errorf("64-char name should be valid: %v", err)
	}
	name65 := append(name64, 'q')
	if err := l.QueueName(string(name65)); err == nil {
		t.Errorf("65-char name should be rejected")
	}
}

func TestBulkIDsBoundary(t *testing.T) {
	l := DefaultLimits()
	if err := l.BulkIDs(20); err != nil {
		t.Errorf("20 ids should be within limit: %v", err)
	}
	if err := l.BulkIDs(21); err == nil {
		t.Errorf("21 ids should exceed limit")
	}
}

func TestListLimitBoundary(t *testing.T) {
	l := DefaultLimits()
	if err := l.ListLimit(1); err != nil {
		t.Errorf("limit=1 should be valid: %v", err)
	}
	if err := l.ListLimit(20); err != nil {
		t.Errorf("limit=20 should be valid: %v", err)
	}
	if err := l.ListLimit(21); err == nil {
		t.Errorf("limit=21 should be rejected")
	}
	if err := l.ListLimit(0); err == nil {
		t.Errorf("limit=0 should be rejected")
	}
}

func TestMessageTTLBounds(t *testing.T) {
	l := DefaultLimits()
	for _, ttl := range []int{-1, 59, 1209601} {
		if err := l.MessageTTL(ttl); err == nil {
			t.Errorf("ttl=%d should be rejected", ttl)
		}
	}
	if err := l.MessageTTL(60); err != nil {
		t.Errorf("ttl=60 should be valid: %v", err)
	}
}

func TestClientIDRejectsNonUUID(t *testing.T) {
	l := DefaultLimits()
	if err := l.ClientID("bogus"); err == nil {
		t.Errorf("expected non-UUID client id to be rejected")
	}
	if err := l.ClientID("3381af92-2b9e-4997-828f-87ceb2e80088"); err != nil {
		t.Errorf("expected valid UUID to pass: %v", err)
	}
}
