package concurrency

import (
	"context"
	"testing"
	"time"

	apperrors "relay-agent.dev/core/internal/pkg/errors"
)

func TestNamedLock_AcquireZeroTimeoutOnHeldLock(t *testing.T) {
	lock := NewNamedLock("res")
	if !lock.Acquire(context.Background(), time.Second) {
		t.Fatal("first Acquire() should succeed")
	}
	defer lock.Release()

	start := time.Now()
	acquired := lock.Acquire(context.Background(), 0)
	elapsed := time.Since(start)

	if acquired {
		t.Fatal("Acquire(timeout=0) on a held lock should return false")
	}
	if elapsed > 50*time.Millisecond {
		t.Errorf("Acquire(timeout=0) should return synchronously, took %v", elapsed)
	}
}

func TestNamedLock_ReleaseThenReacquire(t *testing.T) {
	lock := NewNamedLock("res")
	if !lock.Acquire(context.Background(), time.Second) {
		t.Fatal("Acquire() should succeed")
	}
	lock.Release()

	if !lock.Acquire(context.Background(), time.Second) {
		t.Fatal("Acquire() after Release() should succeed")
	}
	lock.Release()
}

func TestNamedLock_AcquireScope_ReleasesOnReturn(t *testing.T) {
	lock := NewNamedLock("res")
	release, err := lock.AcquireScope(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("AcquireScope() error = %v", err)
	}
	release()

	if !lock.Acquire(context.Background(), time.Second) {
		t.Fatal("lock should be free after the scope released it")
	}
}

func TestNamedLock_AcquireScope_FailsWithTimeoutKind(t *testing.T) {
	lock := NewNamedLock("res")
	lock.Acquire(context.Background(), time.Second)
	defer lock.Release()

	_, err := lock.AcquireScope(context.Background(), 0)
	if err == nil {
		t.Fatal("AcquireScope() should fail on an already-held lock")
	}
	appErr, ok := apperrors.IsAppError(err)
	if !ok || appErr.Kind != apperrors.KindTimeout {
		t.Errorf("AcquireScope() error = %v, want timeout AppError", err)
	}
}

func TestNamedLock_Info(t *testing.T) {
	lock := NewNamedLock("res")
	if info := lock.Info(); info.Locked {
		t.Fatal("a fresh lock should report unlocked")
	}

	ctx := context.Background()
	lock.Acquire(ctx, time.Second)
	defer lock.Release()

	info := lock.Info()
	if !info.Locked {
		t.Error("Info() should report locked after Acquire()")
	}
	if info.AcquiredAt.IsZero() {
		t.Error("Info().AcquiredAt should be set")
	}
}
