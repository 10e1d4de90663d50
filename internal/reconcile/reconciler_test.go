package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeChecker struct {
	err error
}

func (c *fakeChecker) CheckInvariants() error { return c.err }

func TestCheck_NoViolationLeavesResultClean(t *testing.T) {
	r := New(nil)
	now := time.Unix(1700000000, 0)

	result := r.Check(context.Background(), 42, &fakeChecker{}, now)

	if result.Epoch != 42 {
		t.Errorf("epoch: got %d, want 42", result.Epoch)
	}
	if result.Violation != "" {
		t.Errorf("violation: got %q, want empty", result.Violation)
	}
	if !result.CheckedAt.Equal(now) {
		t.Errorf("checkedAt: got %v, want %v", result.CheckedAt, now)
	}
}

func TestCheck_ViolationIsRecorded(t *testing.T) {
	r := New(nil)
	now := time.Unix(1700000000, 0)
	checker := &fakeChecker{err: errors.New("identity map total does not match expiry packet total")}

	result := r.Check(context.Background(), 7, checker, now)

	if result.Violation == "" {
		t.Fatal("expected a non-empty violation message")
	}
	if result.Violation != checker.err.Error() {
		t.Errorf("violation: got %q, want %q", result.Violation, checker.err.Error())
	}
}

func TestCheck_NilPoolSkipsPersistenceWithoutError(t *testing.T) {
	r := New(nil)

	// A nil pool must not panic: persist() is only reachable when r.pool is
	// non-nil, so Check degrades to an in-memory-only result.
	result := r.Check(context.Background(), 1, &fakeChecker{}, time.Now())
	if result.Epoch != 1 {
		t.Errorf("epoch: got %d, want 1", result.Epoch)
	}
}
